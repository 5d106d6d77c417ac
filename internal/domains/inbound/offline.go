package inbound

import (
	"context"
	"errors"
	"fmt"

	"tok-chat/go-backend/internal/domains/contracts"
	"tok-chat/go-backend/internal/domains/relaycmd"
	"tok-chat/go-backend/pkg/models"
)

// HandleOfflineCommand processes one frame from an offline relay. Replies go
// back to relayKey.
func (d *Dispatcher) HandleOfflineCommand(ctx context.Context, relayKey string, cmd relaycmd.OfflineCommand, payload []byte) {
	d.metrics.InboundCommand("offline", cmd.String())
	switch cmd {
	case relaycmd.OfflineCmdReadNotice:
		if err := d.sendOffline(ctx, relayKey, relaycmd.OfflineCmdPullRequest, relaycmd.OfflinePullRequest{}); err != nil {
			d.recordErr(contracts.ErrorCategoryNetwork, err, "relay", relayKey)
		}
	case relaycmd.OfflineCmdPullResponse:
		resp, err := relaycmd.Decode[relaycmd.OfflinePullResponse](payload)
		if err != nil {
			d.recordErr("offline", err, "cmd", cmd.String())
			return
		}
		d.handleOfflineBatch(ctx, relayKey, resp.Messages)
	default:
		d.logger.Debug("offline command ignored", "cmd", cmd.String(), "relay", relayKey)
	}
}

// handleOfflineBatch stores the batch and acknowledges it with one cumulative
// delete request carrying the highest id seen.
func (d *Dispatcher) handleOfflineBatch(ctx context.Context, relayKey string, batch []relaycmd.OfflineMessage) {
	var maxID int64
	touched := make(map[string]struct{})
	for _, m := range batch {
		if m.MsgID > maxID {
			maxID = m.MsgID
		}
		convID, err := d.handleOfflineMessage(ctx, relayKey, m)
		if err != nil {
			d.recordErr(contracts.ErrorCategory(err), err, "sender_key", m.SenderKey, "message_id", m.MsgID)
			continue
		}
		if convID != "" {
			touched[convID] = struct{}{}
		}
	}
	for convID := range touched {
		d.changed(convID, ReasonNewMessages)
	}
	if len(batch) == 0 || maxID <= 0 {
		return
	}
	if err := d.sendOffline(ctx, relayKey, relaycmd.OfflineCmdDelRequest, relaycmd.OfflineDelRequest{LastMsgID: maxID}); err != nil {
		d.recordErr(contracts.ErrorCategoryNetwork, err, "relay", relayKey)
		return
	}
	d.metrics.OfflineAck()
	d.logger.Debug("offline batch acknowledged", "relay", relayKey, "messages", len(batch), "last_msg_id", maxID)
}

// handleOfflineMessage returns the id of the conversation that received a
// message, or "" when nothing was stored.
func (d *Dispatcher) handleOfflineMessage(ctx context.Context, relayKey string, m relaycmd.OfflineMessage) (string, error) {
	friend, err := d.deps.Storage.Friend(ctx, m.SenderKey)
	known := err == nil
	if err != nil && !errors.Is(err, contracts.ErrNotFound) {
		return "", contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	if known && friend.Blocked {
		return "", nil
	}
	at := models.UnixMillis(m.CreateTime)
	if at.IsZero() {
		at = d.clock.Now()
	}

	switch m.MsgType {
	case relaycmd.OfflineMsgFriendRequest:
		if known && friend.State == models.FriendStateAccepted {
			return "", d.acceptOffline(ctx, relayKey, friend.PublicKey)
		}
		return "", d.deps.Storage.SaveFriendRequest(ctx, models.FriendRequest{
			PublicKey:  models.NormalizeKey(m.SenderKey),
			Message:    string(m.Content),
			ReceivedAt: at,
		})
	case relaycmd.OfflineMsgAcceptFriendRequest:
		if !known {
			return "", nil
		}
		friend.State = models.FriendStateAccepted
		return "", d.deps.Storage.SaveFriend(ctx, friend)
	case relaycmd.OfflineMsgText, relaycmd.OfflineMsgFile:
	default:
		d.logger.Debug("offline message type ignored", "msg_type", m.MsgType)
		return "", nil
	}
	if !known {
		d.logger.Debug("offline message from unknown sender dropped", "sender_key", m.SenderKey)
		return "", nil
	}

	conv, err := d.directConversation(ctx, friend.PublicKey)
	if err != nil {
		return "", err
	}
	exists, err := d.known(ctx, conv.ID, m.MsgID)
	if err != nil || exists {
		return "", err
	}
	msg := models.Message{
		ID:             m.MsgID,
		ConversationID: conv.ID,
		SenderKey:      friend.PublicKey,
		Status:         models.MessageStatusReceived,
		Origin:         models.OriginOffline,
		CreatedAt:      at,
	}
	if m.MsgType == relaycmd.OfflineMsgText {
		if d.deps.Opener == nil {
			return "", contracts.WrapCategorizedError(contracts.ErrorCategoryCrypto, errors.New("no opener configured"))
		}
		plain, err := d.deps.Opener.Open(friend.PublicKey, m.Content)
		if err != nil {
			return "", contracts.WrapCategorizedError(contracts.ErrorCategoryCrypto, fmt.Errorf("open offline message: %w", err))
		}
		msg.Kind = models.MessageKindText
		msg.Text = string(plain)
	} else {
		if m.FileDisplayName == "" {
			return "", fmt.Errorf("offline file without display name: %w", contracts.ErrDecodeFailure)
		}
		msg.Kind = models.MessageKindFile
		msg.File = &models.FileInfo{Name: m.FileDisplayName, DisplayName: m.FileDisplayName, Size: m.FileSize}
	}
	if err := d.insert(ctx, msg); err != nil {
		return "", err
	}
	d.advanceLastMessage(ctx, conv.ID, 0, msg.ID, at)
	return conv.ID, nil
}

// acceptOffline answers a repeated friend request from an accepted friend.
func (d *Dispatcher) acceptOffline(ctx context.Context, relayKey, peerKey string) error {
	id, err := d.nextID()
	if err != nil {
		return err
	}
	return d.sendOfflineWithID(ctx, relayKey, relaycmd.OfflineCmdSend, id, relaycmd.OfflineMessageRequest{
		LocalMsgID: id,
		ToKey:      peerKey,
		MsgType:    relaycmd.OfflineMsgAcceptFriendRequest,
	})
}

func (d *Dispatcher) sendOffline(ctx context.Context, relayKey string, cmd relaycmd.OfflineCommand, record any) error {
	id, err := d.nextID()
	if err != nil {
		return err
	}
	return d.sendOfflineWithID(ctx, relayKey, cmd, id, record)
}

func (d *Dispatcher) sendOfflineWithID(ctx context.Context, relayKey string, cmd relaycmd.OfflineCommand, id int64, record any) error {
	if relayKey == "" {
		relayKey = d.cfg.Relays.Offline
	}
	payload, err := relaycmd.Marshal(record)
	if err != nil {
		return err
	}
	if err := d.deps.Transport.SendOfflineCommand(ctx, relayKey, uint32(cmd), id, payload); err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, fmt.Errorf("send %s: %w", cmd, err))
	}
	return nil
}

func (d *Dispatcher) directConversation(ctx context.Context, peerKey string) (models.Conversation, error) {
	conv, err := d.deps.Storage.DirectConversation(ctx, peerKey)
	if err == nil || !errors.Is(err, contracts.ErrNotFound) {
		return conv, err
	}
	now := d.clock.Now()
	conv, err = d.deps.Storage.CreateConversation(ctx, models.Conversation{
		PeerKey:   models.NormalizeKey(peerKey),
		Status:    models.ConversationStatusActive,
		CreatedAt: now,
	})
	if err != nil {
		return models.Conversation{}, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("create direct conversation: %w", err))
	}
	return conv, nil
}
