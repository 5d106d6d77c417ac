package ratelimiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tok-chat/go-backend/pkg/models"
)

const sweepEvery = 256

// PeerLimiter keeps one token bucket per peer public key. Buckets that have
// been idle for longer than idleTTL are dropped on a periodic sweep.
type PeerLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	calls   uint64
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// New returns nil (allow everything) when rps or burst is not positive.
func New(rps float64, burst int, idleTTL time.Duration) *PeerLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &PeerLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one token of the peer's bucket at now.
func (l *PeerLimiter) Allow(peerKey string, now time.Time) bool {
	if l == nil {
		return true
	}
	key := models.NormalizeKey(peerKey)
	if key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[key]
	if b == nil {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	ok := b.limiter.AllowN(now, 1)

	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweepLocked(now)
	}
	return ok
}

func (l *PeerLimiter) Tracked() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *PeerLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
