package delivery

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"tok-chat/go-backend/internal/domains/contracts"
	"tok-chat/go-backend/pkg/models"
)

type queueHarness struct {
	store    *storeFake
	tr       *transportFake
	reach    *reachFake
	clock    clockwork.FakeClock
	queue    *Queue
	outcomes chan Outcome
}

func newQueueHarness(t *testing.T, connected ...string) *queueHarness {
	t.Helper()
	h := &queueHarness{
		store:    newStoreFake(),
		reach:    newReach(connected...),
		clock:    clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		outcomes: make(chan Outcome, 64),
	}
	h.tr = &transportFake{clock: h.clock}
	h.queue = NewQueue(h.store, newTestRouter(h.tr, h.reach), NewAckRegistry(), QueueConfig{
		Clock:      h.clock,
		OnResolved: func(o Outcome) { h.outcomes <- o },
	})
	t.Cleanup(h.queue.Close)
	h.store.addConversation(models.Conversation{ID: "d", PeerKey: friendKey})
	return h
}

func (h *queueHarness) next(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-h.outcomes:
		return o
	case <-time.After(5 * time.Second):
		t.Fatalf("no outcome")
		return Outcome{}
	}
}

func TestQueueRetriesFiftyTimesThenFails(t *testing.T) {
	h := newQueueHarness(t, friendKey)
	h.store.addText("d", 1, "never acked")
	require.NoError(t, h.queue.Enqueue("d", 1))

	policy := DefaultRetryPolicy()
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		h.clock.BlockUntil(1) // attempt timer armed
		h.clock.Advance(15 * time.Second)
		if delay, ok := policy.NextDelay(attempt); ok {
			h.clock.BlockUntil(1) // retry timer armed
			h.clock.Advance(delay)
		}
	}

	out := h.next(t)
	require.Equal(t, models.MessageStatusFailed, out.Status)
	require.Equal(t, 50, out.Attempts)
	require.ErrorIs(t, out.Err, contracts.ErrRetriesExhausted)
	require.Equal(t, models.MessageStatusFailed, h.store.status(1))

	sends := h.tr.snapshot()
	require.Len(t, sends, 50)
	require.Equal(t, 47*time.Second, sends[1].at.Sub(sends[0].at))
	for i := 2; i < len(sends); i++ {
		require.Equal(t, 20*time.Second, sends[i].at.Sub(sends[i-1].at), "gap before attempt %d", i+1)
	}
}

func TestQueueDisconnectMidFlightFailsWithoutRetry(t *testing.T) {
	h := newQueueHarness(t, friendKey)
	h.store.addText("d", 9, "bye")
	require.NoError(t, h.queue.Enqueue("d", 9))

	h.clock.BlockUntil(1)
	h.reach.set(friendKey, false)
	require.Equal(t, 1, h.queue.Acks().PeerDropped(friendKey))

	out := h.next(t)
	require.Equal(t, models.MessageStatusFailed, out.Status)
	require.Equal(t, 1, out.Attempts)
	require.ErrorIs(t, out.Err, contracts.ErrNotConnected)
	require.Len(t, h.tr.snapshot(), 1)
	require.Equal(t, models.MessageStatusFailed, h.store.status(9))
}

func TestQueueFIFOSingleFlight(t *testing.T) {
	h := newQueueHarness(t, friendKey)
	var inFlight atomic.Int32
	var violations atomic.Int32
	h.tr.onSend = func(r sendRecord) {
		if inFlight.Add(1) > 1 {
			violations.Add(1)
		}
		go func() {
			inFlight.Add(-1)
			h.queue.Acks().Ack(r.id, r.peer)
		}()
	}

	ids := []int64{11, 12, 13, 14, 15, 16}
	for _, id := range ids {
		h.store.addText("d", id, "m")
		require.NoError(t, h.queue.Enqueue("d", id))
	}
	for _, id := range ids {
		out := h.next(t)
		require.Equal(t, id, out.MessageID)
		require.Equal(t, models.MessageStatusSent, out.Status)
		require.Equal(t, RouteDirect, out.Route)
	}
	require.Zero(t, violations.Load())

	sends := h.tr.snapshot()
	require.Len(t, sends, len(ids))
	for i, id := range ids {
		require.Equal(t, id, sends[i].id)
	}
	require.Empty(t, h.queue.Pending("d"))
}

func TestQueueCancelWaitingAndInFlight(t *testing.T) {
	h := newQueueHarness(t, friendKey)
	for _, id := range []int64{1, 2, 3} {
		h.store.addText("d", id, "m")
		require.NoError(t, h.queue.Enqueue("d", id))
	}
	h.clock.BlockUntil(1)

	require.True(t, h.queue.Cancel(2))
	out := h.next(t)
	require.Equal(t, int64(2), out.MessageID)
	require.ErrorIs(t, out.Err, contracts.ErrCancelled)
	require.Equal(t, []int64{1, 3}, h.queue.Pending("d"))

	require.True(t, h.queue.Cancel(1))
	out = h.next(t)
	require.Equal(t, int64(1), out.MessageID)
	require.Empty(t, out.Status)

	// The lane moves on to 3 exactly as after a normal resolution.
	h.clock.BlockUntil(1)
	require.True(t, h.queue.Acks().Ack(3, friendKey))
	out = h.next(t)
	require.Equal(t, int64(3), out.MessageID)
	require.Equal(t, models.MessageStatusSent, out.Status)

	require.Equal(t, models.MessageStatusSending, h.store.status(1))
	require.Equal(t, models.MessageStatusSending, h.store.status(2))
	require.False(t, h.queue.Cancel(42))
}

func TestQueueLanesRunInParallel(t *testing.T) {
	h := newQueueHarness(t, friendKey, groupRelay)
	h.store.addConversation(models.Conversation{ID: "g", IsGroup: true, GroupNumber: 5})
	h.store.addText("d", 1, "direct")
	h.store.addText("g", 2, "group")
	h.store.addText("d", 3, "direct again")
	require.NoError(t, h.queue.Enqueue("d", 1))
	require.NoError(t, h.queue.Enqueue("g", 2))
	require.NoError(t, h.queue.Enqueue("d", 3))

	// Both lanes have a message in flight at the same time.
	h.clock.BlockUntil(2)
	require.Len(t, h.tr.snapshot(), 2)

	require.True(t, h.queue.Acks().Ack(2, groupRelay))
	require.Equal(t, int64(2), h.next(t).MessageID)
	require.True(t, h.queue.Acks().Ack(1, friendKey))
	require.Equal(t, int64(1), h.next(t).MessageID)

	h.clock.BlockUntil(1)
	require.True(t, h.queue.Acks().Ack(3, friendKey))
	require.Equal(t, int64(3), h.next(t).MessageID)
}

func TestQueueDoesNotRetryOversizedOfflineFile(t *testing.T) {
	h := newQueueHarness(t, offlineRelay)
	h.store.mu.Lock()
	h.store.messages[8] = models.Message{ID: 8, ConversationID: "d", Kind: models.MessageKindFile, File: &models.FileInfo{Name: "movie", Size: 64 << 20}, Status: models.MessageStatusSending}
	h.store.mu.Unlock()
	require.NoError(t, h.queue.Enqueue("d", 8))

	out := h.next(t)
	require.Equal(t, models.MessageStatusFailed, out.Status)
	require.Equal(t, 1, out.Attempts)
	require.ErrorIs(t, out.Err, contracts.ErrPayloadTooLarge)
	require.Empty(t, h.tr.snapshot())
}

func TestQueueRejectsDuplicateEnqueue(t *testing.T) {
	h := newQueueHarness(t, friendKey)
	h.store.addText("d", 1, "m")
	require.NoError(t, h.queue.Enqueue("d", 1))
	require.ErrorIs(t, h.queue.Enqueue("d", 1), contracts.ErrDuplicate)
}

func TestAckRegistryIgnoresUnknownAcks(t *testing.T) {
	r := NewAckRegistry()
	require.False(t, r.Ack(1, "x"))
	w := r.register(1, "peer")
	require.False(t, r.Ack(1, "other"))
	require.True(t, r.Ack(1, "PEER"))
	<-w.acked
	r.unregister(w)
	require.Zero(t, r.Pending())

	var wg sync.WaitGroup
	w = r.register(2, "peer")
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-w.dropped
	}()
	require.Equal(t, 1, r.PeerDropped("peer"))
	wg.Wait()
}
