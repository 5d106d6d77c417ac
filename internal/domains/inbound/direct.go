package inbound

import (
	"context"
	"errors"
	"fmt"

	"tok-chat/go-backend/internal/domains/relaycmd"
	"tok-chat/go-backend/pkg/models"
)

var ErrRateLimited = errors.New("direct message rate limited")

// HandleDirectMessage stores a message a connected friend sent straight to
// us. messageID is the sender's id for the message.
func (d *Dispatcher) HandleDirectMessage(ctx context.Context, friendKey string, messageID int64, payload []byte) {
	d.metrics.InboundCommand("direct", "message")
	if err := d.handleDirect(ctx, friendKey, messageID, payload); err != nil {
		d.recordErr("direct", err, "friend_key", friendKey, "message_id", messageID)
	}
}

func (d *Dispatcher) handleDirect(ctx context.Context, friendKey string, messageID int64, payload []byte) error {
	now := d.clock.Now()
	if d.deps.Limiter != nil && !d.deps.Limiter.Allow(friendKey, now) {
		return ErrRateLimited
	}
	friend, err := d.deps.Storage.Friend(ctx, friendKey)
	if err != nil {
		return fmt.Errorf("direct sender: %w", err)
	}
	if friend.Blocked {
		return nil
	}
	dm, err := relaycmd.Decode[relaycmd.DirectMessage](payload)
	if err != nil {
		return err
	}
	conv, err := d.directConversation(ctx, friend.PublicKey)
	if err != nil {
		return err
	}
	if exists, err := d.known(ctx, conv.ID, messageID); err != nil || exists {
		return err
	}
	msg := models.Message{
		ID:             messageID,
		ConversationID: conv.ID,
		SenderKey:      friend.PublicKey,
		Kind:           models.MessageKindText,
		Text:           dm.Text,
		Status:         models.MessageStatusReceived,
		Origin:         models.OriginNormal,
		CreatedAt:      now,
	}
	if models.MessageKind(dm.Kind) == models.MessageKindFile {
		msg.Kind = models.MessageKindFile
		msg.Text = ""
		msg.File = &models.FileInfo{Name: dm.FileName, Size: dm.FileSize}
	}
	if err := d.insert(ctx, msg); err != nil {
		return err
	}
	d.advanceLastMessage(ctx, conv.ID, 0, messageID, now)
	d.changed(conv.ID, ReasonNewMessages)
	return nil
}
