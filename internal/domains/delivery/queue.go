package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"tok-chat/go-backend/internal/domains/contracts"
	"tok-chat/go-backend/internal/platform/metrics"
	"tok-chat/go-backend/pkg/models"
)

// Store is the slice of storage the queue reads and writes.
type Store interface {
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	Message(ctx context.Context, conversationID string, id int64) (models.Message, error)
	UpdateMessageStatus(ctx context.Context, conversationID string, id int64, status models.MessageStatus) error
}

type Sender interface {
	Plan(conv models.Conversation, msg models.Message) (Dispatch, error)
	Transmit(ctx context.Context, d Dispatch, conv models.Conversation, msg models.Message) error
}

// Outcome is the resolution of one queued message. Status is empty when the
// message was cancelled.
type Outcome struct {
	ConversationID string
	MessageID      int64
	Status         models.MessageStatus
	Attempts       int
	Route          Route
	Err            error
}

type QueueConfig struct {
	AttemptTimeout time.Duration
	Retry          RetryPolicy
	Clock          clockwork.Clock
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	OnResolved     func(Outcome)
}

var errPeerDropped = fmt.Errorf("peer disconnected mid-flight: %w", contracts.ErrNotConnected)

type task struct {
	conversationID string
	messageID      int64
	cancel         context.CancelFunc
}

type lane struct {
	tasks []*task
	busy  bool
}

// Queue keeps one FIFO lane per conversation. Lanes run in parallel; inside
// a lane at most one message is in flight and the next starts only after the
// head resolves.
type Queue struct {
	store  Store
	sender Sender
	acks   *AckRegistry
	cfg    QueueConfig
	logger *slog.Logger

	mu     sync.Mutex
	lanes  map[string]*lane
	index  map[int64]string
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQueue(store Store, sender Sender, acks *AckRegistry, cfg QueueConfig) *Queue {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if acks == nil {
		acks = NewAckRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:  store,
		sender: sender,
		acks:   acks,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "delivery"),
		lanes:  make(map[string]*lane),
		index:  make(map[int64]string),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (q *Queue) Acks() *AckRegistry { return q.acks }

// Enqueue appends a stored message to its conversation's lane.
func (q *Queue) Enqueue(conversationID string, messageID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("enqueue %d: %w", messageID, contracts.ErrCancelled)
	}
	if _, ok := q.index[messageID]; ok {
		return fmt.Errorf("enqueue %d: %w", messageID, contracts.ErrDuplicate)
	}
	l := q.lanes[conversationID]
	if l == nil {
		l = &lane{}
		q.lanes[conversationID] = l
	}
	l.tasks = append(l.tasks, &task{conversationID: conversationID, messageID: messageID})
	q.index[messageID] = conversationID
	q.cfg.Metrics.QueueDepth(1)
	if !l.busy {
		l.busy = true
		q.wg.Add(1)
		go q.drain(conversationID, l)
	}
	return nil
}

// Cancel stops delivery of messageID whether it is waiting or in flight.
// It reports false when the message is not queued.
func (q *Queue) Cancel(messageID int64) bool {
	q.mu.Lock()
	conversationID, ok := q.index[messageID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	l := q.lanes[conversationID]
	for i, t := range l.tasks {
		if t.messageID != messageID {
			continue
		}
		if t.cancel != nil {
			// In flight: the lane resolves it and moves on.
			t.cancel()
			q.mu.Unlock()
			return true
		}
		l.tasks = append(l.tasks[:i], l.tasks[i+1:]...)
		delete(q.index, messageID)
		q.mu.Unlock()
		q.cfg.Metrics.QueueDepth(-1)
		q.resolve(Outcome{ConversationID: conversationID, MessageID: messageID, Err: contracts.ErrCancelled})
		return true
	}
	q.mu.Unlock()
	return false
}

// Pending returns the ids queued for a conversation, head first.
func (q *Queue) Pending(conversationID string) []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.lanes[conversationID]
	if l == nil {
		return nil
	}
	out := make([]int64, 0, len(l.tasks))
	for _, t := range l.tasks {
		out = append(out, t.messageID)
	}
	return out
}

// Close aborts every lane and waits for their workers.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) drain(conversationID string, l *lane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(l.tasks) == 0 || q.closed {
			l.busy = false
			if len(l.tasks) == 0 && q.lanes[conversationID] == l {
				delete(q.lanes, conversationID)
			}
			q.mu.Unlock()
			return
		}
		head := l.tasks[0]
		ctx, cancel := context.WithCancel(q.ctx)
		head.cancel = cancel
		q.mu.Unlock()

		outcome := q.run(ctx, head)
		cancel()

		q.mu.Lock()
		if len(l.tasks) > 0 && l.tasks[0] == head {
			l.tasks = l.tasks[1:]
		}
		delete(q.index, head.messageID)
		q.mu.Unlock()
		q.cfg.Metrics.QueueDepth(-1)
		q.resolve(outcome)
	}
}

func (q *Queue) run(ctx context.Context, t *task) Outcome {
	out := Outcome{ConversationID: t.conversationID, MessageID: t.messageID}
	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		route, err := q.attempt(ctx, t)
		out.Route = route
		if err == nil {
			out.Status = models.MessageStatusSent
			return out
		}
		if ctx.Err() != nil {
			out.Err = contracts.ErrCancelled
			return out
		}
		if errors.Is(err, contracts.ErrNotFound) {
			// The record is gone; there is nothing left to mark.
			out.Err = err
			return out
		}
		if errors.Is(err, errPeerDropped) || !contracts.IsRetryable(err) {
			out.Status, out.Err = models.MessageStatusFailed, err
			return out
		}
		delay, ok := q.cfg.Retry.NextDelay(attempt)
		if !ok {
			out.Status = models.MessageStatusFailed
			out.Err = fmt.Errorf("%w after %d attempts: %v", contracts.ErrRetriesExhausted, attempt, err)
			return out
		}
		q.logger.Debug("delivery attempt failed", "conversation_id", t.conversationID, "message_id", t.messageID, "attempt", attempt, "retry_in", delay, "error", err.Error())
		timer := q.cfg.Clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			out.Err = contracts.ErrCancelled
			return out
		case <-timer.Chan():
		}
	}
}

func (q *Queue) attempt(ctx context.Context, t *task) (Route, error) {
	conv, err := q.store.Conversation(ctx, t.conversationID)
	if err != nil {
		return 0, err
	}
	msg, err := q.store.Message(ctx, t.conversationID, t.messageID)
	if err != nil {
		return 0, err
	}
	d, err := q.sender.Plan(conv, msg)
	if err != nil {
		return 0, err
	}
	w := q.acks.register(t.messageID, d.AckPeer)
	defer q.acks.unregister(w)

	q.cfg.Metrics.DeliveryAttempt()
	if err := q.sender.Transmit(ctx, d, conv, msg); err != nil {
		return d.Route, err
	}
	timer := q.cfg.Clock.NewTimer(q.cfg.AttemptTimeout)
	defer timer.Stop()
	select {
	case <-w.acked:
		return d.Route, nil
	case <-w.dropped:
		return d.Route, errPeerDropped
	case <-timer.Chan():
		return d.Route, fmt.Errorf("%w: no ack within %s", contracts.ErrTimeout, q.cfg.AttemptTimeout)
	case <-ctx.Done():
		return d.Route, ctx.Err()
	}
}

func (q *Queue) resolve(out Outcome) {
	result := "cancelled"
	if out.Status != "" {
		result = string(out.Status)
		// q.ctx may already be cancelled by Close.
		if err := q.store.UpdateMessageStatus(context.WithoutCancel(q.ctx), out.ConversationID, out.MessageID, out.Status); err != nil {
			q.logger.Error("persist delivery status failed", "conversation_id", out.ConversationID, "message_id", out.MessageID, "category", contracts.ErrorCategoryStorage, "error", err.Error())
		}
	}
	q.cfg.Metrics.DeliveryResult(result)
	attrs := []any{"conversation_id", out.ConversationID, "message_id", out.MessageID, "result", result, "attempts", out.Attempts}
	if out.Err != nil && out.Status == models.MessageStatusFailed {
		attrs = append(attrs, "category", contracts.ErrorCategory(out.Err), "error", out.Err.Error())
		q.logger.Warn("delivery failed", attrs...)
	} else {
		q.logger.Debug("delivery resolved", attrs...)
	}
	if q.cfg.OnResolved != nil {
		q.cfg.OnResolved(out)
	}
}
