package inbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tok-chat/go-backend/internal/domains/contracts"
	"tok-chat/go-backend/internal/domains/history"
	"tok-chat/go-backend/internal/domains/relaycmd"
	"tok-chat/go-backend/pkg/models"
)

// HistoryRequest asks for a page of group history. The window runs from the
// oldest shown message to the newest; a zero bound is open. Up pages are
// counted back from WindowStart and down pages forward from WindowEnd. With
// Tail set the newest gap is used as reference and counted up to now.
type HistoryRequest struct {
	ConversationID string
	WindowStart    time.Time
	WindowEnd      time.Time
	Direction      models.Direction
	Tail           bool
	PageSize       int
}

// RequestHistory never blocks on the relay. It either emits a PullResult
// right away or sends pulls whose responses complete the request later. It
// returns the number of pull commands sent.
func (d *Dispatcher) RequestHistory(ctx context.Context, req HistoryRequest) int {
	emit := func(noMore bool, err error) {
		d.deps.Events.PullResult(PullResult{
			ConversationID: req.ConversationID,
			Direction:      req.Direction,
			Tail:           req.Tail,
			NoMore:         noMore,
			Err:            err,
		})
	}
	if req.PageSize <= 0 {
		req.PageSize = d.cfg.PhysicalPage
	}

	conv, err := d.deps.Storage.Conversation(ctx, req.ConversationID)
	if err != nil {
		emit(false, fmt.Errorf("history conversation: %w", err))
		return 0
	}
	if !conv.IsGroup {
		emit(false, fmt.Errorf("history of direct conversation %s: %w", conv.ID, contracts.ErrNotFound))
		return 0
	}
	if !d.groupRelayUp() {
		emit(false, fmt.Errorf("group relay: %w", contracts.ErrNotConnected))
		return 0
	}

	ref := d.referenceTime(req)
	var (
		span  models.Span
		found bool
	)
	if req.Tail {
		span, found, err = d.deps.Gaps.LatestSpan(ctx, conv.ID)
	} else {
		span, found, err = d.deps.Gaps.ClosestSpan(ctx, conv.ID, req.Direction, ref)
	}
	if err != nil {
		d.recordErr(contracts.ErrorCategoryStorage, err, "conversation_id", conv.ID)
		emit(false, err)
		return 0
	}
	if !found {
		emit(true, nil)
		return 0
	}

	sent := 0
	gaps, err := d.deps.Gaps.SpansWithin(ctx, conv.ID, req.WindowStart, req.WindowEnd)
	if err != nil {
		d.recordErr(contracts.ErrorCategoryStorage, err, "conversation_id", conv.ID)
	}
	for _, gap := range gaps {
		if d.pull(ctx, conv, gap, req.Direction, false, d.cfg.PhysicalPage, "range") {
			sent++
		}
	}

	have, err := d.deps.Storage.CountMessages(ctx, history.PageQuery(span, req.Direction, ref))
	if err != nil {
		d.recordErr(contracts.ErrorCategoryStorage, err, "conversation_id", conv.ID)
	}
	if err == nil && have >= req.PageSize {
		emit(false, nil)
		return sent
	}

	if d.pull(ctx, conv, span, req.Direction, req.Tail, min(req.PageSize, d.cfg.PhysicalPage), "widen") {
		sent++
	}
	return sent
}

// referenceTime is the window edge a page grows from.
func (d *Dispatcher) referenceTime(req HistoryRequest) time.Time {
	now := d.clock.Now()
	if req.Tail {
		return now
	}
	edge := req.WindowEnd
	if req.Direction == models.DirectionUp {
		edge = req.WindowStart
	}
	if edge.IsZero() {
		return now
	}
	return edge
}

// pull sends one pull for span unless the same range is already in flight.
func (d *Dispatcher) pull(ctx context.Context, conv models.Conversation, span models.Span, dir models.Direction, tail bool, count int, kind string) bool {
	key := history.PullKey{ConversationID: conv.ID, Start: span.StartMessageID, End: span.EndMessageID}
	if !d.deps.Pulls.TryAcquire(key) {
		d.metrics.PullDedupSkipped()
		d.logger.Debug("history pull already in flight", "conversation_id", conv.ID, "pull_key", key.String())
		return false
	}
	payload, err := relaycmd.Marshal(relaycmd.GroupPullRequest{
		GroupID:    conv.GroupNumber,
		Direction:  wireDirection(dir),
		Tail:       tail,
		StartMsgID: span.StartMessageID,
		EndMsgID:   span.EndMessageID,
		Count:      uint32(count),
	})
	if err == nil {
		var id int64
		if id, err = d.nextID(); err == nil {
			err = d.deps.Transport.SendGroupCommand(ctx, d.cfg.Relays.Group, uint32(relaycmd.GroupCmdPullRequest), id, payload)
		}
	}
	if err != nil {
		d.deps.Pulls.Release(key)
		d.recordErr(contracts.ErrorCategoryNetwork, fmt.Errorf("send pull request: %w", err), "conversation_id", conv.ID)
		return false
	}
	d.metrics.HistoryPull(kind)
	d.logger.Debug("history pull sent", "conversation_id", conv.ID, "pull_key", key.String(), "kind", kind, "count", count)
	return true
}

func wireDirection(dir models.Direction) uint32 {
	if dir == models.DirectionUp {
		return relaycmd.DirectionUp
	}
	return relaycmd.DirectionDown
}

func modelDirection(dir uint32) models.Direction {
	if dir == relaycmd.DirectionUp {
		return models.DirectionUp
	}
	return models.DirectionDown
}

// handlePullResponse folds one page into local state. The in-flight key is
// released only by the final page.
func (d *Dispatcher) handlePullResponse(ctx context.Context, resp relaycmd.GroupPullResponse) {
	conv, err := d.groupConversation(ctx, resp.GroupID, true)
	if err != nil {
		d.recordErr(contracts.ErrorCategoryStorage, err, "group_number", resp.GroupID)
		return
	}
	if conv.Status != models.ConversationStatusActive {
		conv, err = d.deps.Storage.UpdateConversation(ctx, conv.ID, func(c *models.Conversation) {
			c.Status = models.ConversationStatusActive
			c.JoinedAt = d.clock.Now()
		})
		if err != nil {
			d.recordErr(contracts.ErrorCategoryStorage, err, "conversation_id", conv.ID)
			return
		}
		d.changed(conv.ID, ReasonStatus)
	}

	key := history.PullKey{ConversationID: conv.ID, Start: resp.StartMsgID, End: resp.EndMsgID}
	dir := modelDirection(resp.Direction)
	result := PullResult{ConversationID: conv.ID, Direction: dir, Tail: resp.Tail}

	if resp.Messages == nil {
		d.deps.Pulls.Release(key)
		result.Err = fmt.Errorf("relay could not serve %s: %w", key, contracts.ErrNotFound)
		d.deps.Events.PullResult(result)
		return
	}

	batch := make([]history.BatchMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		batch = append(batch, history.BatchMessage{
			ID:        m.MsgID,
			PrevID:    m.PrevMsgID,
			NextID:    m.NextMsgID,
			CreatedAt: models.UnixMillis(m.CreateTime),
		})
	}
	outcome, err := d.deps.Gaps.Reconcile(ctx, conv.ID, dir, batch)
	if err != nil {
		d.recordErr(contracts.ErrorCategoryStorage, err, "conversation_id", conv.ID)
	}

	stored := 0
	for _, m := range resp.Messages {
		ok, err := d.storeGroupMessage(ctx, conv, m, models.OriginNormal)
		if err != nil {
			d.recordErr(contracts.ErrorCategoryStorage, err, "conversation_id", conv.ID, "message_id", m.MsgID)
			continue
		}
		if ok {
			stored++
		}
	}
	d.logger.Debug("history page applied", "conversation_id", conv.ID, "pull_key", key.String(),
		"messages", len(resp.Messages), "stored", stored, "spans", outcome.String(), "end", resp.End)
	if stored > 0 {
		d.changed(conv.ID, ReasonNewMessages)
	}
	if !resp.End {
		return
	}
	d.deps.Pulls.Release(key)
	result.NoMore = len(resp.Messages) == 0
	d.deps.Events.PullResult(result)
}

// groupConversation loads the conversation of a group, creating it when
// create is set.
func (d *Dispatcher) groupConversation(ctx context.Context, groupNumber uint64, create bool) (models.Conversation, error) {
	conv, err := d.deps.Storage.GroupConversation(ctx, groupNumber)
	if err == nil || !create || !errors.Is(err, contracts.ErrNotFound) {
		return conv, err
	}
	now := d.clock.Now()
	conv, err = d.deps.Storage.CreateConversation(ctx, models.Conversation{
		IsGroup:     true,
		GroupNumber: groupNumber,
		Status:      models.ConversationStatusActive,
		JoinedAt:    now,
		CreatedAt:   now,
	})
	if err != nil {
		return models.Conversation{}, fmt.Errorf("create group conversation: %w", err)
	}
	d.logger.Info("group conversation created", "conversation_id", conv.ID, "group_number", groupNumber)
	return conv, nil
}
