package engine

import (
	"context"

	"tok-chat/go-backend/internal/domains/inbound"
	"tok-chat/go-backend/internal/domains/relaycmd"
	"tok-chat/go-backend/internal/platform/serial"
	"tok-chat/go-backend/pkg/models"
)

// OnGroupCommand queues a group relay command on the group worker. Frames
// from anyone but the configured group relay are dropped.
func (e *Engine) OnGroupCommand(ctx context.Context, relayKey string, cmd relaycmd.GroupCommand, payload []byte) {
	if !models.SameKey(relayKey, e.cfg.Relays.Group) {
		e.logger.Warn("group command from unexpected peer dropped", "peer_key", relayKey, "cmd", cmd.String())
		return
	}
	e.submit(ctx, e.groupWorker, func(jobCtx context.Context) {
		e.dispatcher.HandleGroupCommand(jobCtx, cmd, payload)
	})
}

func (e *Engine) OnOfflineCommand(ctx context.Context, relayKey string, cmd relaycmd.OfflineCommand, payload []byte) {
	if !models.SameKey(relayKey, e.cfg.Relays.Offline) {
		e.logger.Warn("offline command from unexpected peer dropped", "peer_key", relayKey, "cmd", cmd.String())
		return
	}
	e.submit(ctx, e.offlineWorker, func(jobCtx context.Context) {
		e.dispatcher.HandleOfflineCommand(jobCtx, relayKey, cmd, payload)
	})
}

func (e *Engine) OnDirectMessage(ctx context.Context, friendKey string, messageID int64, payload []byte) {
	e.submit(ctx, e.directWorker, func(jobCtx context.Context) {
		e.dispatcher.HandleDirectMessage(jobCtx, friendKey, messageID, payload)
	})
}

func (e *Engine) OnDeliveryAck(messageID int64, peerKey string) {
	if !e.acks.Ack(messageID, peerKey) {
		e.logger.Debug("unmatched delivery ack", "message_id", messageID, "peer_key", peerKey)
	}
}

// OnPresenceChange fails in-flight attempts waiting on a peer that went away.
func (e *Engine) OnPresenceChange(peerKey string, connected bool) {
	if connected {
		e.logger.Debug("peer online", "peer_key", peerKey)
		return
	}
	if n := e.acks.PeerDropped(peerKey); n > 0 {
		e.logger.Info("peer dropped with sends in flight", "peer_key", peerKey, "count", n)
	}
}

func (e *Engine) submit(ctx context.Context, w *serial.Worker, job serial.Job) {
	if err := w.Submit(ctx, job); err != nil {
		e.logger.Warn("inbound job rejected", "worker", w.Name(), "error", err.Error())
	}
}

// RequestHistory starts a history page request; the result arrives on
// PullResults. It returns the number of pulls sent.
func (e *Engine) RequestHistory(ctx context.Context, req inbound.HistoryRequest) int {
	if req.PageSize <= 0 {
		req.PageSize = e.cfg.History.DefaultPage
	}
	return e.dispatcher.RequestHistory(ctx, req)
}

func (e *Engine) FetchGroupInfo(ctx context.Context, groupNumber uint64) error {
	return e.dispatcher.FetchGroupInfo(ctx, groupNumber)
}

// JoinGroup asks the group relay to add the local user; completion arrives
// on JoinResults.
func (e *Engine) JoinGroup(ctx context.Context, groupNumber uint64) error {
	return e.dispatcher.JoinGroup(ctx, groupNumber)
}
