// Package inbound routes relay and peer traffic into local conversation state
// and drives history pulls against the group relay.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"tok-chat/go-backend/internal/domains/contracts"
	"tok-chat/go-backend/internal/domains/history"
	"tok-chat/go-backend/internal/platform/metrics"
	"tok-chat/go-backend/internal/platform/ratelimiter"
	"tok-chat/go-backend/pkg/models"
)

var ErrJoinBlocked = errors.New("join blocked by group")

// Opener decrypts offline relay payloads sealed by a friend.
type Opener interface {
	Open(peerKey string, sealed []byte) ([]byte, error)
}

// IDSource issues ids for locally generated messages and relay commands.
type IDSource interface {
	NextID() (int64, error)
}

// PullResult reports the end of a history request. NoMore means the relay
// (or local state) has nothing further in that direction.
type PullResult struct {
	ConversationID string
	Direction      models.Direction
	Tail           bool
	NoMore         bool
	Err            error
}

type GroupInfo struct {
	GroupNumber  uint64
	Title        string
	OwnerKey     string
	Description  string
	ShareID      string
	MembersCount int
	Type         int
	Muted        bool
}

// JoinResult completes a JoinGroup call. A nil Err means the local user is a
// member now.
type JoinResult struct {
	GroupNumber uint64
	Err         error
}

type ConversationEvent struct {
	ConversationID string
	Reason         string
}

const (
	ReasonNewMessages = "new_messages"
	ReasonReadNotice  = "read_notice"
	ReasonStatus      = "status"
	ReasonInfo        = "info"
)

// Events receives everything the dispatcher surfaces to the application.
type Events interface {
	PullResult(PullResult)
	GroupInfo(GroupInfo)
	JoinResult(JoinResult)
	ConversationChanged(ConversationEvent)
}

type Deps struct {
	Storage   contracts.Storage
	Transport contracts.Transport
	Reach     contracts.Reachability
	Gaps      *history.GapTracker
	Pulls     *history.PullDeduplicator
	Opener    Opener
	IDs       IDSource
	Events    Events
	// Limiter throttles direct messages per friend; nil disables throttling.
	Limiter *ratelimiter.PeerLimiter
}

type Config struct {
	LocalKey string
	Relays   contracts.RelayDirectory
	// PhysicalPage caps the message count of one pull request.
	PhysicalPage  int
	SeenCacheSize int
	Clock         clockwork.Clock
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

type Dispatcher struct {
	deps       Deps
	cfg        Config
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	seen       *lru.Cache[string, struct{}]
	autoReject atomic.Bool
}

func New(deps Deps, cfg Config) (*Dispatcher, error) {
	if deps.Storage == nil || deps.Transport == nil || deps.Reach == nil {
		return nil, errors.New("inbound: storage, transport and reachability are required")
	}
	if deps.Gaps == nil || deps.Pulls == nil || deps.IDs == nil || deps.Events == nil {
		return nil, errors.New("inbound: gap tracker, pull deduplicator, id source and events are required")
	}
	if cfg.PhysicalPage <= 0 {
		cfg.PhysicalPage = 50
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = 4096
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	seen, err := lru.New[string, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("inbound: seen cache: %w", err)
	}
	return &Dispatcher{
		deps:    deps,
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("component", "inbound"),
		metrics: cfg.Metrics,
		seen:    seen,
	}, nil
}

// SetAutoRejectJoins makes the owner side reject every join request.
func (d *Dispatcher) SetAutoRejectJoins(on bool) {
	d.autoReject.Store(on)
}

func (d *Dispatcher) AutoRejectJoins() bool {
	return d.autoReject.Load()
}

func (d *Dispatcher) recordErr(category string, err error, attrs ...any) {
	if err == nil {
		return
	}
	if errors.Is(err, contracts.ErrDecodeFailure) {
		d.metrics.DecodeFailure(category)
	}
	args := append([]any{"category", category, "error_category", contracts.ErrorCategory(err), "error", err}, attrs...)
	d.logger.Warn("inbound handler failed", args...)
}

func seenKey(conversationID string, id int64) string {
	return conversationID + ":" + strconv.FormatInt(id, 10)
}

// known reports whether the message is already stored, consulting the seen
// cache before storage.
func (d *Dispatcher) known(ctx context.Context, conversationID string, id int64) (bool, error) {
	key := seenKey(conversationID, id)
	if d.seen.Contains(key) {
		return true, nil
	}
	ok, err := d.deps.Storage.MessageExists(ctx, conversationID, id)
	if err != nil {
		return false, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	if ok {
		d.seen.Add(key, struct{}{})
	}
	return ok, nil
}

func (d *Dispatcher) insert(ctx context.Context, msg models.Message) error {
	if err := d.deps.Storage.InsertMessage(ctx, msg); err != nil {
		if errors.Is(err, contracts.ErrDuplicate) {
			d.seen.Add(seenKey(msg.ConversationID, msg.ID), struct{}{})
			return nil
		}
		return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("insert message: %w", err))
	}
	d.seen.Add(seenKey(msg.ConversationID, msg.ID), struct{}{})
	return nil
}

// nextID issues an id for a locally generated message or command.
func (d *Dispatcher) nextID() (int64, error) {
	id, err := d.deps.IDs.NextID()
	if err != nil {
		return 0, contracts.WrapCategorizedError(contracts.ErrorCategoryAPI, fmt.Errorf("next id: %w", err))
	}
	return id, nil
}

// insertSystem records a synthetic notice. id 0 asks the id source for one.
func (d *Dispatcher) insertSystem(ctx context.Context, conversationID string, id int64, text string, at time.Time) error {
	if id == 0 {
		var err error
		if id, err = d.nextID(); err != nil {
			return err
		}
	} else if exists, err := d.known(ctx, conversationID, id); err != nil || exists {
		return err
	}
	if at.IsZero() {
		at = d.clock.Now()
	}
	return d.insert(ctx, models.Message{
		ID:             id,
		ConversationID: conversationID,
		Kind:           models.MessageKindSystem,
		Text:           text,
		Status:         models.MessageStatusReceived,
		Origin:         models.OriginNormal,
		CreatedAt:      at,
	})
}

func (d *Dispatcher) changed(conversationID, reason string) {
	d.deps.Events.ConversationChanged(ConversationEvent{ConversationID: conversationID, Reason: reason})
}

func (d *Dispatcher) groupRelayUp() bool {
	return d.cfg.Relays.Group != "" && d.deps.Reach.IsConnected(d.cfg.Relays.Group)
}

func (d *Dispatcher) isLocal(key string) bool {
	return models.SameKey(key, d.cfg.LocalKey)
}

func (d *Dispatcher) advanceLastMessage(ctx context.Context, conversationID string, prevID, id int64, at time.Time) {
	_, err := d.deps.Storage.UpdateConversation(ctx, conversationID, func(c *models.Conversation) {
		// Group ids advance only across contiguous messages.
		if id > c.LastMessageID && (!c.IsGroup || prevID <= c.LastMessageID) {
			c.LastMessageID = id
		}
		if at.After(c.LastActivityAt) {
			c.LastActivityAt = at
		}
	})
	if err != nil {
		d.recordErr(contracts.ErrorCategoryStorage, err, "conversation_id", conversationID)
	}
}
