package delivery

import (
	"sync"

	"tok-chat/go-backend/pkg/models"
)

type ackKey struct {
	messageID int64
	peer      string
}

// waiter is one attempt suspended on a delivery ack or a disconnect of the
// peer it was sent to.
type waiter struct {
	key     ackKey
	acked   chan struct{}
	dropped chan struct{}
	once    sync.Once
}

// AckRegistry routes transport delivery acks and presence drops to the
// attempts waiting on them.
type AckRegistry struct {
	mu     sync.Mutex
	byAck  map[ackKey]*waiter
	byPeer map[string]map[*waiter]struct{}
}

func NewAckRegistry() *AckRegistry {
	return &AckRegistry{
		byAck:  make(map[ackKey]*waiter),
		byPeer: make(map[string]map[*waiter]struct{}),
	}
}

func (r *AckRegistry) register(messageID int64, peer string) *waiter {
	w := &waiter{
		key:     ackKey{messageID: messageID, peer: models.NormalizeKey(peer)},
		acked:   make(chan struct{}),
		dropped: make(chan struct{}),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAck[w.key] = w
	peers := r.byPeer[w.key.peer]
	if peers == nil {
		peers = make(map[*waiter]struct{})
		r.byPeer[w.key.peer] = peers
	}
	peers[w] = struct{}{}
	return w
}

func (r *AckRegistry) unregister(w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.byAck[w.key]; ok && current == w {
		delete(r.byAck, w.key)
	}
	if peers := r.byPeer[w.key.peer]; peers != nil {
		delete(peers, w)
		if len(peers) == 0 {
			delete(r.byPeer, w.key.peer)
		}
	}
}

// Ack resolves the attempt waiting on (messageID, peer). Acks nobody waits
// for are ignored and reported as false.
func (r *AckRegistry) Ack(messageID int64, peer string) bool {
	r.mu.Lock()
	w, ok := r.byAck[ackKey{messageID: messageID, peer: models.NormalizeKey(peer)}]
	r.mu.Unlock()
	if !ok {
		return false
	}
	w.once.Do(func() { close(w.acked) })
	return true
}

// PeerDropped fails every attempt in flight towards peer and returns how many
// were affected.
func (r *AckRegistry) PeerDropped(peer string) int {
	r.mu.Lock()
	peers := r.byPeer[models.NormalizeKey(peer)]
	waiters := make([]*waiter, 0, len(peers))
	for w := range peers {
		waiters = append(waiters, w)
	}
	r.mu.Unlock()
	for _, w := range waiters {
		w.once.Do(func() { close(w.dropped) })
	}
	return len(waiters)
}

func (r *AckRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byAck)
}
