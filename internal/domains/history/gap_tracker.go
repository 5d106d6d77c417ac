package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tok-chat/go-backend/internal/domains/contracts"
	"tok-chat/go-backend/pkg/models"
)

// BatchMessage is the part of a pulled message the tracker needs.
type BatchMessage struct {
	ID        int64
	PrevID    int64
	NextID    int64
	CreatedAt time.Time
}

type ReconcileOutcome int

const (
	ReconcileNoop ReconcileOutcome = iota
	ReconcileDeleted
	ReconcileShrunk
)

func (o ReconcileOutcome) String() string {
	switch o {
	case ReconcileDeleted:
		return "deleted"
	case ReconcileShrunk:
		return "shrunk"
	default:
		return "noop"
	}
}

// GapTracker keeps the span records of a conversation consistent with what
// has been pulled. A span's boundaries are known messages; the ids strictly
// between them are still missing locally.
type GapTracker struct {
	spans  contracts.SpanStore
	logger *slog.Logger
}

func NewGapTracker(spans contracts.SpanStore, logger *slog.Logger) *GapTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &GapTracker{spans: spans, logger: logger}
}

// ClosestSpan returns the span bordering ref in the given direction. For up
// that is the newest span starting at or before ref; for down the oldest span
// ending after ref.
func (g *GapTracker) ClosestSpan(ctx context.Context, conversationID string, dir models.Direction, ref time.Time) (models.Span, bool, error) {
	spans, err := g.load(ctx, conversationID)
	if err != nil {
		return models.Span{}, false, err
	}
	var (
		best  models.Span
		found bool
	)
	for _, s := range spans {
		if dir == models.DirectionUp {
			if s.StartTime.After(ref) {
				continue
			}
			if !found || s.EndTime.After(best.EndTime) {
				best, found = s, true
			}
			continue
		}
		if !s.EndTime.After(ref) {
			continue
		}
		if !found || s.StartTime.Before(best.StartTime) {
			best, found = s, true
		}
	}
	return best, found, nil
}

// LatestSpan returns the span with the newest end boundary.
func (g *GapTracker) LatestSpan(ctx context.Context, conversationID string) (models.Span, bool, error) {
	spans, err := g.load(ctx, conversationID)
	if err != nil {
		return models.Span{}, false, err
	}
	var (
		best  models.Span
		found bool
	)
	for _, s := range spans {
		if !found || s.EndTime.After(best.EndTime) || (s.EndTime.Equal(best.EndTime) && s.EndMessageID > best.EndMessageID) {
			best, found = s, true
		}
	}
	return best, found, nil
}

// SpansWithin returns spans lying entirely inside the time window. A zero
// bound is open.
func (g *GapTracker) SpansWithin(ctx context.Context, conversationID string, from, to time.Time) ([]models.Span, error) {
	spans, err := g.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Span, 0, len(spans))
	for _, s := range spans {
		if !from.IsZero() && s.StartTime.Before(from) {
			continue
		}
		if !to.IsZero() && s.EndTime.After(to) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Reconcile folds a freshly pulled batch into the span set. Spans entirely
// covered by [min(prev of earliest, earliest), latest] are removed. Otherwise
// an up pull retreats the end of the span it was cut from to the earliest
// message's prev id, and a down pull advances the start of its span to the
// latest message id.
func (g *GapTracker) Reconcile(ctx context.Context, conversationID string, dir models.Direction, batch []BatchMessage) (ReconcileOutcome, error) {
	if len(batch) == 0 {
		return ReconcileNoop, nil
	}
	earliest, latest := batch[0], batch[0]
	for _, m := range batch[1:] {
		if m.ID < earliest.ID {
			earliest = m
		}
		if m.ID > latest.ID {
			latest = m
		}
	}
	lower := min(earliest.PrevID, earliest.ID)
	upper := latest.ID

	spans, err := g.load(ctx, conversationID)
	if err != nil {
		return ReconcileNoop, err
	}

	deleted := 0
	for _, s := range spans {
		if !s.CoveredBy(lower, upper) {
			continue
		}
		if err := g.spans.DeleteSpan(ctx, conversationID, s.ID); err != nil {
			return ReconcileNoop, fmt.Errorf("delete covered span: %w", err)
		}
		g.logger.Debug("history span covered", "conversation_id", conversationID, "span_start", s.StartMessageID, "span_end", s.EndMessageID)
		deleted++
	}
	if deleted > 0 {
		return ReconcileDeleted, nil
	}

	if dir == models.DirectionUp {
		for _, s := range spans {
			if s.EndMessageID != latest.ID && (latest.NextID == 0 || s.EndMessageID != latest.NextID) {
				continue
			}
			s.EndMessageID = earliest.PrevID
			s.EndTime = earliest.CreatedAt
			return g.shrink(ctx, s)
		}
		return ReconcileNoop, nil
	}
	for _, s := range spans {
		if s.StartMessageID != lower {
			continue
		}
		s.StartMessageID = latest.ID
		s.StartTime = latest.CreatedAt
		return g.shrink(ctx, s)
	}
	return ReconcileNoop, nil
}

func (g *GapTracker) shrink(ctx context.Context, s models.Span) (ReconcileOutcome, error) {
	if s.StartMessageID >= s.EndMessageID {
		if err := g.spans.DeleteSpan(ctx, s.ConversationID, s.ID); err != nil {
			return ReconcileNoop, fmt.Errorf("delete closed span: %w", err)
		}
		return ReconcileDeleted, nil
	}
	if _, err := g.spans.SaveSpan(ctx, s); err != nil {
		return ReconcileNoop, fmt.Errorf("save span: %w", err)
	}
	g.logger.Debug("history span shrunk", "conversation_id", s.ConversationID, "span_start", s.StartMessageID, "span_end", s.EndMessageID)
	return ReconcileShrunk, nil
}

// ExtendOrCreate records that everything between the conversation's last
// known message and newEnd is missing. A span already ending at the last
// known message is stretched; otherwise a new one is created.
func (g *GapTracker) ExtendOrCreate(ctx context.Context, conv models.Conversation, newEnd int64, newEndTime, knownStartTime time.Time) (models.Span, error) {
	if newEnd <= conv.LastMessageID {
		return models.Span{}, fmt.Errorf("span end %d not beyond last message %d", newEnd, conv.LastMessageID)
	}
	spans, err := g.load(ctx, conv.ID)
	if err != nil {
		return models.Span{}, err
	}
	target := models.Span{
		ConversationID: conv.ID,
		StartMessageID: conv.LastMessageID,
		StartTime:      knownStartTime,
	}
	for _, s := range spans {
		if s.EndMessageID == conv.LastMessageID {
			target = s
			break
		}
	}
	target.EndMessageID = newEnd
	target.EndTime = newEndTime

	// Anything the stretched span now overlaps is folded into it.
	for _, s := range spans {
		if s.ID == target.ID || !s.Overlaps(target) {
			continue
		}
		if s.StartMessageID < target.StartMessageID {
			target.StartMessageID, target.StartTime = s.StartMessageID, s.StartTime
		}
		if s.EndMessageID > target.EndMessageID {
			target.EndMessageID, target.EndTime = s.EndMessageID, s.EndTime
		}
		if err := g.spans.DeleteSpan(ctx, conv.ID, s.ID); err != nil {
			return models.Span{}, fmt.Errorf("merge span: %w", err)
		}
	}
	saved, err := g.spans.SaveSpan(ctx, target)
	if err != nil {
		return models.Span{}, fmt.Errorf("save span: %w", err)
	}
	g.logger.Debug("history span recorded", "conversation_id", conv.ID, "span_start", saved.StartMessageID, "span_end", saved.EndMessageID)
	return saved, nil
}

func (g *GapTracker) load(ctx context.Context, conversationID string) ([]models.Span, error) {
	spans, err := g.spans.Spans(ctx, conversationID)
	if err != nil {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("load spans: %w", err))
	}
	return spans, nil
}

// PageQuery selects the locally stored messages between ref and the border
// of span in the given direction.
func PageQuery(span models.Span, dir models.Direction, ref time.Time) contracts.MessageCountQuery {
	if dir == models.DirectionUp {
		return contracts.MessageCountQuery{
			ConversationID: span.ConversationID,
			From:           span.EndTime,
			IncludeFrom:    true,
			To:             ref,
		}
	}
	return contracts.MessageCountQuery{
		ConversationID: span.ConversationID,
		From:           ref,
		To:             span.StartTime,
		IncludeTo:      true,
	}
}
