package engine

import (
	"tok-chat/go-backend/internal/domains/delivery"
	"tok-chat/go-backend/internal/domains/inbound"
	"tok-chat/go-backend/internal/platform/notify"
)

// ReasonStorage marks conversation events relayed from the storage change feed.
const ReasonStorage = "storage"

type eventHubs struct {
	pulls         *notify.Hub[inbound.PullResult]
	groupInfos    *notify.Hub[inbound.GroupInfo]
	joins         *notify.Hub[inbound.JoinResult]
	conversations *notify.Hub[inbound.ConversationEvent]
	statuses      *notify.Hub[delivery.Outcome]
}

func newEventHubs() *eventHubs {
	return &eventHubs{
		pulls:         notify.NewHub[inbound.PullResult](),
		groupInfos:    notify.NewHub[inbound.GroupInfo](),
		joins:         notify.NewHub[inbound.JoinResult](),
		conversations: notify.NewHub[inbound.ConversationEvent](),
		statuses:      notify.NewHub[delivery.Outcome](),
	}
}

func (h *eventHubs) PullResult(r inbound.PullResult) { h.pulls.Publish(r) }
func (h *eventHubs) GroupInfo(i inbound.GroupInfo) { h.groupInfos.Publish(i) }
func (h *eventHubs) JoinResult(r inbound.JoinResult) { h.joins.Publish(r) }
func (h *eventHubs) ConversationChanged(c inbound.ConversationEvent) { h.conversations.Publish(c) }

func (h *eventHubs) close() {
	h.pulls.Close()
	h.groupInfos.Close()
	h.joins.Close()
	h.conversations.Close()
	h.statuses.Close()
}

// PullResults streams the completion of history requests. The cancel func
// unsubscribes and closes the channel.
func (e *Engine) PullResults(buffer int) (<-chan inbound.PullResult, func()) {
	return e.events.pulls.Subscribe(buffer)
}

func (e *Engine) GroupInfos(buffer int) (<-chan inbound.GroupInfo, func()) {
	return e.events.groupInfos.Subscribe(buffer)
}

func (e *Engine) JoinResults(buffer int) (<-chan inbound.JoinResult, func()) {
	return e.events.joins.Subscribe(buffer)
}

func (e *Engine) ConversationUpdates(buffer int) (<-chan inbound.ConversationEvent, func()) {
	return e.events.conversations.Subscribe(buffer)
}

// MessageStatuses streams every resolved outbound message. A cancelled
// message arrives with an empty Status.
func (e *Engine) MessageStatuses(buffer int) (<-chan delivery.Outcome, func()) {
	return e.events.statuses.Subscribe(buffer)
}
