package history

import (
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// PullKey identifies one in-flight pull against the group relay.
type PullKey struct {
	ConversationID string
	Start          int64
	End            int64
}

func (k PullKey) String() string {
	return k.ConversationID + "_" + strconv.FormatInt(k.Start, 10) + "_" + strconv.FormatInt(k.End, 10)
}

// PullDeduplicator is the set of pulls that were sent and have not yet seen
// their final page. A lease older than ttl is treated as abandoned so that a
// reply which never decodes cannot block its range forever; ttl 0 keeps keys
// until Release.
type PullDeduplicator struct {
	mu       sync.Mutex
	inflight map[PullKey]time.Time
	ttl      time.Duration
	clock    clockwork.Clock
}

func NewPullDeduplicator(ttl time.Duration, clock clockwork.Clock) *PullDeduplicator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl < 0 {
		ttl = 0
	}
	return &PullDeduplicator{
		inflight: make(map[PullKey]time.Time),
		ttl:      ttl,
		clock:    clock,
	}
}

// TryAcquire inserts key and reports whether the caller should send the pull.
func (d *PullDeduplicator) TryAcquire(key PullKey) bool {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if acquired, ok := d.inflight[key]; ok {
		if d.ttl == 0 || now.Sub(acquired) < d.ttl {
			return false
		}
	}
	d.inflight[key] = now
	return true
}

// Release drops key. Releasing an absent key is a no-op.
func (d *PullDeduplicator) Release(key PullKey) {
	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()
}

func (d *PullDeduplicator) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Sweep removes expired leases and returns how many were dropped.
func (d *PullDeduplicator) Sweep() int {
	if d.ttl == 0 {
		return 0
	}
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	dropped := 0
	for key, acquired := range d.inflight {
		if now.Sub(acquired) >= d.ttl {
			delete(d.inflight, key)
			dropped++
		}
	}
	return dropped
}
