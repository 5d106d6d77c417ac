package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"tok-chat/go-backend/internal/domains/contracts"
	"tok-chat/go-backend/internal/domains/delivery"
	"tok-chat/go-backend/internal/domains/inbound"
	"tok-chat/go-backend/pkg/models"
)

var (
	ErrEmptyPayload  = errors.New("payload has neither text nor file")
	ErrNotResendable = errors.New("message is not a failed outgoing message")
	ErrStaleSend     = errors.New("send abandoned while the engine was down")
)

// Payload is the content of one outbound message; exactly one of Text and
// File is set.
type Payload struct {
	Text string
	File *models.FileInfo
}

// EnqueueSend stores a new outgoing message in the sending state and queues
// it behind the conversation's earlier sends.
func (e *Engine) EnqueueSend(ctx context.Context, conversationID string, p Payload) (int64, error) {
	conv, err := e.store.Conversation(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("enqueue send: %w", err)
	}
	msg := models.Message{
		ConversationID: conv.ID,
		SenderKey:      e.localKey,
		Status:         models.MessageStatusSending,
		Origin:         models.OriginLocal,
		Outgoing:       true,
		CreatedAt:      e.clock.Now().UTC(),
	}
	switch {
	case p.File != nil:
		if strings.TrimSpace(p.File.Name) == "" {
			return 0, fmt.Errorf("file without name: %w", ErrEmptyPayload)
		}
		f := *p.File
		msg.Kind, msg.File = models.MessageKindFile, &f
	case p.Text != "":
		if n := utf8.RuneCountInString(p.Text); n > e.cfg.Delivery.MaxTextLength {
			return 0, fmt.Errorf("text of %d runes: %w", n, contracts.ErrPayloadTooLarge)
		}
		msg.Kind, msg.Text = models.MessageKindText, p.Text
	default:
		return 0, ErrEmptyPayload
	}

	if msg.ID, err = e.ids.NextID(); err != nil {
		return 0, err
	}
	if err := e.store.InsertMessage(ctx, msg); err != nil {
		return 0, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	if _, err := e.store.UpdateConversation(ctx, conv.ID, func(c *models.Conversation) {
		if msg.CreatedAt.After(c.LastActivityAt) {
			c.LastActivityAt = msg.CreatedAt
		}
	}); err != nil {
		e.logger.Warn("touch conversation failed", "conversation_id", conv.ID, "category", contracts.ErrorCategoryStorage, "error", err.Error())
	}
	if err := e.queue.Enqueue(conv.ID, msg.ID); err != nil {
		return 0, err
	}
	e.logger.Debug("message queued", "conversation_id", conv.ID, "message_id", msg.ID, "kind", string(msg.Kind))
	return msg.ID, nil
}

// SendText splits text into chunks of at most the configured text length and
// queues them in order. On failure it returns the ids queued so far.
func (e *Engine) SendText(ctx context.Context, conversationID, text string) ([]int64, error) {
	if text == "" {
		return nil, ErrEmptyPayload
	}
	var ids []int64
	for _, chunk := range SplitText(text, e.cfg.Delivery.MaxTextLength) {
		id, err := e.EnqueueSend(ctx, conversationID, Payload{Text: chunk})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// SplitText cuts s into pieces of at most limit runes without splitting a rune.
func SplitText(s string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	var out []string
	for s != "" {
		cut, runes := 0, 0
		for cut < len(s) && runes < limit {
			_, size := utf8.DecodeRuneInString(s[cut:])
			cut += size
			runes++
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	return out
}

// CancelSend aborts a queued or in-flight message and deletes its record. It
// reports false when the message is not queued.
func (e *Engine) CancelSend(messageID int64) bool {
	e.cancelled.Store(messageID, struct{}{})
	if e.queue.Cancel(messageID) {
		return true
	}
	e.cancelled.Delete(messageID)
	return false
}

// Resend puts a failed outgoing message back into the pipeline with a fresh
// attempt counter. Text is re-sent under a new id and the old record is
// removed; files keep their id. It returns the id now being delivered.
func (e *Engine) Resend(ctx context.Context, conversationID string, messageID int64) (int64, error) {
	msg, err := e.store.Message(ctx, conversationID, messageID)
	if err != nil {
		return 0, fmt.Errorf("resend: %w", err)
	}
	if !msg.Outgoing || msg.Status != models.MessageStatusFailed {
		return 0, fmt.Errorf("resend %d: %w", messageID, ErrNotResendable)
	}
	if msg.Kind == models.MessageKindFile {
		if err := e.store.UpdateMessageStatus(ctx, conversationID, messageID, models.MessageStatusSending); err != nil {
			return 0, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
		}
		return messageID, e.queue.Enqueue(conversationID, messageID)
	}
	if err := e.store.DeleteMessage(ctx, conversationID, messageID); err != nil {
		return 0, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	return e.EnqueueSend(ctx, conversationID, Payload{Text: msg.Text})
}

func (e *Engine) onResolved(out delivery.Outcome) {
	if _, ok := e.cancelled.LoadAndDelete(out.MessageID); ok && out.Status == "" {
		if err := e.store.DeleteMessage(context.Background(), out.ConversationID, out.MessageID); err != nil && !errors.Is(err, contracts.ErrNotFound) {
			e.logger.Warn("delete cancelled message failed", "conversation_id", out.ConversationID, "message_id", out.MessageID, "category", contracts.ErrorCategoryStorage, "error", err.Error())
		}
	}
	e.events.statuses.Publish(out)
	if out.Status != "" {
		e.events.conversations.Publish(inbound.ConversationEvent{ConversationID: out.ConversationID, Reason: inbound.ReasonStatus})
	}
}

// recoverPending fails sends that went stale while the process was down and
// re-queues the rest per conversation in creation order.
func (e *Engine) recoverPending(ctx context.Context) {
	pending, err := e.store.MessagesByStatus(ctx, models.MessageStatusSending)
	if err != nil {
		e.logger.Error("startup recovery failed", "category", contracts.ErrorCategoryStorage, "error", err.Error())
		return
	}
	if len(pending) == 0 {
		return
	}
	slices.SortFunc(pending, func(a, b models.Message) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	now := e.clock.Now()
	requeued, failed := 0, 0
	for _, msg := range pending {
		if !msg.Outgoing {
			continue
		}
		if now.Sub(msg.CreatedAt) > e.cfg.Delivery.StaleSendingAge {
			if err := e.store.UpdateMessageStatus(ctx, msg.ConversationID, msg.ID, models.MessageStatusFailed); err != nil {
				e.logger.Warn("mark stale send failed", "message_id", msg.ID, "category", contracts.ErrorCategoryStorage, "error", err.Error())
				continue
			}
			failed++
			e.events.statuses.Publish(delivery.Outcome{ConversationID: msg.ConversationID, MessageID: msg.ID, Status: models.MessageStatusFailed, Err: ErrStaleSend})
			continue
		}
		if err := e.queue.Enqueue(msg.ConversationID, msg.ID); err != nil {
			e.logger.Warn("requeue failed", "message_id", msg.ID, "error", err.Error())
			continue
		}
		requeued++
	}
	e.logger.Info("startup recovery", "pending_count", len(pending), "requeued", requeued, "failed", failed)
}
