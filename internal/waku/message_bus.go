package waku

import (
	"errors"
	"sync"

	"tok-chat/go-backend/pkg/models"
)

var errRecipientOffline = errors.New("recipient is not on the bus")

type PrivateMessage struct {
	ID        string
	SenderID  string
	Recipient string
	Payload   []byte
}

type busMember struct {
	deliver  func(PrivateMessage)
	presence func(peer string, online bool)
}

// messageBus is the in-process transport used by the mock backend. Being
// subscribed is being online: members see each other join and leave.
type messageBus struct {
	mu      sync.Mutex
	members map[string]busMember
}

var globalBus = newMessageBus()

func newMessageBus() *messageBus {
	return &messageBus{members: make(map[string]busMember)}
}

func (b *messageBus) publish(msg PrivateMessage) error {
	b.mu.Lock()
	m, ok := b.members[models.NormalizeKey(msg.Recipient)]
	b.mu.Unlock()
	if !ok {
		return errRecipientOffline
	}
	go m.deliver(msg)
	return nil
}

func (b *messageBus) subscribe(self string, m busMember) {
	self = models.NormalizeKey(self)
	b.mu.Lock()
	others := make(map[string]busMember, len(b.members))
	for key, other := range b.members {
		if key != self {
			others[key] = other
		}
	}
	b.members[self] = m
	b.mu.Unlock()

	for key, other := range others {
		m.presence(key, true)
		other.presence(self, true)
	}
}

func (b *messageBus) unsubscribe(self string) {
	self = models.NormalizeKey(self)
	b.mu.Lock()
	if _, ok := b.members[self]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.members, self)
	others := make([]busMember, 0, len(b.members))
	for _, other := range b.members {
		others = append(others, other)
	}
	b.mu.Unlock()

	for _, other := range others {
		other.presence(self, false)
	}
}
