// Package engine wires the sync core: inbound dispatch on per-category serial
// workers, the outbound delivery queue, history pulls and the event streams
// the application subscribes to.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"tok-chat/go-backend/internal/config"
	"tok-chat/go-backend/internal/domains/contracts"
	"tok-chat/go-backend/internal/domains/delivery"
	"tok-chat/go-backend/internal/domains/history"
	"tok-chat/go-backend/internal/domains/inbound"
	"tok-chat/go-backend/internal/platform/metrics"
	"tok-chat/go-backend/internal/platform/ratelimiter"
	"tok-chat/go-backend/internal/platform/serial"
	"tok-chat/go-backend/internal/waku"
)

const workerBacklog = 256

// Transport is what the engine needs from the network adapter.
type Transport interface {
	contracts.Transport
	contracts.Reachability
}

// Cipher seals outbound offline payloads and opens inbound ones.
type Cipher interface {
	delivery.Sealer
	inbound.Opener
}

type Deps struct {
	Storage   contracts.Storage
	Transport Transport
	Cipher    Cipher
	IDs       inbound.IDSource
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type Engine struct {
	store     contracts.Storage
	transport Transport
	ids       inbound.IDSource
	cfg       config.Config
	localKey  string
	clock     clockwork.Clock
	logger    *slog.Logger

	dispatcher *inbound.Dispatcher
	queue      *delivery.Queue
	acks       *delivery.AckRegistry
	pulls      *history.PullDeduplicator

	groupWorker   *serial.Worker
	offlineWorker *serial.Worker
	directWorker  *serial.Worker

	events *eventHubs

	// cancelled holds ids whose delivery the user aborted; their records are
	// deleted once the queue lets go of them.
	cancelled sync.Map

	started atomic.Bool
}

var _ waku.Handler = (*Engine)(nil)

func New(localKey string, deps Deps, cfg config.Config) (*Engine, error) {
	if deps.Storage == nil || deps.Transport == nil || deps.Cipher == nil || deps.IDs == nil {
		return nil, errors.New("engine: storage, transport, cipher and id source are required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("component", "engine")

	e := &Engine{
		store:     deps.Storage,
		transport: deps.Transport,
		ids:       deps.IDs,
		cfg:       cfg,
		localKey:  localKey,
		clock:     deps.Clock,
		logger:    logger,
		events:    newEventHubs(),
		acks:      delivery.NewAckRegistry(),
		pulls:     history.NewPullDeduplicator(cfg.History.PullLeaseTTL, deps.Clock),
	}

	var limiter *ratelimiter.PeerLimiter
	if cfg.Inbound.DirectRatePerSecond > 0 {
		limiter = ratelimiter.New(cfg.Inbound.DirectRatePerSecond, cfg.Inbound.DirectBurst, cfg.Inbound.LimiterIdleTTL)
	}

	dispatcher, err := inbound.New(inbound.Deps{
		Storage:   deps.Storage,
		Transport: deps.Transport,
		Reach:     deps.Transport,
		Gaps:      history.NewGapTracker(deps.Storage, deps.Logger),
		Pulls:     e.pulls,
		Opener:    deps.Cipher,
		IDs:       deps.IDs,
		Events:    e.events,
		Limiter:   limiter,
	}, inbound.Config{
		LocalKey:      localKey,
		Relays:        cfg.Relays,
		PhysicalPage:  cfg.History.PhysicalPage,
		SeenCacheSize: cfg.History.SeenCacheSize,
		Clock:         deps.Clock,
		Logger:        deps.Logger,
		Metrics:       deps.Metrics,
	})
	if err != nil {
		return nil, err
	}
	dispatcher.SetAutoRejectJoins(cfg.Policy.AutoRejectJoins)
	e.dispatcher = dispatcher

	router := delivery.NewRouter(deps.Transport, deps.Transport, deps.Cipher, delivery.RouterConfig{
		LocalKey:           localKey,
		Relays:             cfg.Relays,
		OfflineFileCeiling: cfg.Delivery.OfflineFileCeiling,
	})
	e.queue = delivery.NewQueue(deps.Storage, router, e.acks, delivery.QueueConfig{
		AttemptTimeout: cfg.Delivery.AttemptTimeout,
		Retry: delivery.RetryPolicy{
			FirstDelay:  cfg.Delivery.FirstRetryDelay,
			Delay:       cfg.Delivery.RetryDelay,
			MaxAttempts: cfg.Delivery.MaxAttempts,
		},
		Clock:      deps.Clock,
		Logger:     deps.Logger,
		Metrics:    deps.Metrics,
		OnResolved: e.onResolved,
	})

	e.groupWorker = serial.New("group", workerBacklog, logger)
	e.offlineWorker = serial.New("offline", workerBacklog, logger)
	e.directWorker = serial.New("direct", workerBacklog, logger)
	return e, nil
}

// Dispatcher exposes the inbound dispatcher for policy toggles.
func (e *Engine) Dispatcher() *inbound.Dispatcher { return e.dispatcher }

// Run starts the receive workers, recovers unsent messages and blocks until
// ctx is cancelled. The engine cannot be restarted.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine: already run")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range []*serial.Worker{e.groupWorker, e.offlineWorker, e.directWorker} {
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		e.forwardStorageChanges(gctx)
		return nil
	})
	if ttl := e.cfg.History.PullLeaseTTL; ttl > 0 {
		g.Go(func() error {
			e.sweepLeases(gctx, ttl)
			return nil
		})
	}

	e.cleanupOrphanSpans(gctx)
	e.recoverPending(gctx)
	e.logger.Info("engine started", "local_key", e.localKey)

	err := g.Wait()
	e.queue.Close()
	e.events.close()
	e.logger.Info("engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) sweepLeases(ctx context.Context, ttl time.Duration) {
	ticker := e.clock.NewTicker(max(ttl/2, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := e.pulls.Sweep(); n > 0 {
				e.logger.Warn("expired pull leases released", "count", n)
			}
		}
	}
}

func (e *Engine) cleanupOrphanSpans(ctx context.Context) {
	n, err := e.store.DeleteOrphanSpans(ctx)
	if err != nil {
		e.logger.Error("orphan span cleanup failed", "category", contracts.ErrorCategoryStorage, "error", err.Error())
		return
	}
	if n > 0 {
		e.logger.Info("orphan spans removed", "count", n)
	}
}

// forwardStorageChanges republishes conversation mutations made outside the
// dispatcher so subscribers see every change.
func (e *Engine) forwardStorageChanges(ctx context.Context) {
	changes, cancel := e.store.SubscribeChanges(workerBacklog)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			if ch.Kind == contracts.ChangeConversation {
				e.events.conversations.Publish(inbound.ConversationEvent{ConversationID: ch.ConversationID, Reason: ReasonStorage})
			}
		}
	}
}
