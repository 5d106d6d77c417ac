package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"tok-chat/go-backend/internal/domains/contracts"
	"tok-chat/go-backend/pkg/models"
)

const (
	groupRelay   = "GROUPRELAY"
	offlineRelay = "OFFLINERELAY"
	friendKey    = "FRIEND"
	localKey     = "SELF"
)

type storeFake struct {
	mu       sync.Mutex
	convs    map[string]models.Conversation
	messages map[int64]models.Message
}

func newStoreFake() *storeFake {
	return &storeFake{convs: make(map[string]models.Conversation), messages: make(map[int64]models.Message)}
}

func (s *storeFake) addConversation(c models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[c.ID] = c
}

func (s *storeFake) addText(conversationID string, id int64, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id] = models.Message{ID: id, ConversationID: conversationID, Kind: models.MessageKindText, Text: text, Status: models.MessageStatusSending, Outgoing: true}
}

func (s *storeFake) status(id int64) models.MessageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id].Status
}

func (s *storeFake) Conversation(_ context.Context, id string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, contracts.ErrNotFound)
	}
	return c, nil
}

func (s *storeFake) Message(_ context.Context, conversationID string, id int64) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.ConversationID != conversationID {
		return models.Message{}, fmt.Errorf("message %d: %w", id, contracts.ErrNotFound)
	}
	return m, nil
}

func (s *storeFake) UpdateMessageStatus(_ context.Context, _ string, id int64, status models.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return contracts.ErrNotFound
	}
	m.Status = status
	s.messages[id] = m
	return nil
}

type sendRecord struct {
	kind    string
	peer    string
	cmd     uint32
	id      int64
	payload []byte
	at      time.Time
}

type transportFake struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	sends  []sendRecord
	err    error
	onSend func(sendRecord)
}

func (t *transportFake) record(r sendRecord) error {
	t.mu.Lock()
	if t.clock != nil {
		r.at = t.clock.Now()
	}
	t.sends = append(t.sends, r)
	err, hook := t.err, t.onSend
	t.mu.Unlock()
	if err == nil && hook != nil {
		hook(r)
	}
	return err
}

func (t *transportFake) SendGroupCommand(_ context.Context, relay string, cmd uint32, id int64, payload []byte) error {
	return t.record(sendRecord{kind: "group", peer: relay, cmd: cmd, id: id, payload: payload})
}

func (t *transportFake) SendOfflineCommand(_ context.Context, relay string, cmd uint32, id int64, payload []byte) error {
	return t.record(sendRecord{kind: "offline", peer: relay, cmd: cmd, id: id, payload: payload})
}

func (t *transportFake) SendDirect(_ context.Context, peer string, id int64, payload []byte) error {
	return t.record(sendRecord{kind: "direct", peer: peer, id: id, payload: payload})
}

func (t *transportFake) snapshot() []sendRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sendRecord(nil), t.sends...)
}

type reachFake struct {
	mu        sync.Mutex
	connected map[string]bool
}

func newReach(keys ...string) *reachFake {
	r := &reachFake{connected: make(map[string]bool)}
	for _, k := range keys {
		r.connected[models.NormalizeKey(k)] = true
	}
	return r
}

func (r *reachFake) IsConnected(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected[models.NormalizeKey(key)]
}

func (r *reachFake) set(key string, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected[models.NormalizeKey(key)] = connected
}

type sealerFake struct{}

func (sealerFake) Seal(peer string, plaintext []byte) ([]byte, error) {
	return append([]byte("sealed:"+peer+":"), plaintext...), nil
}

func testRelays() contracts.RelayDirectory {
	return contracts.RelayDirectory{Group: groupRelay, Offline: offlineRelay}
}

func newTestRouter(tr *transportFake, reach *reachFake) *Router {
	return NewRouter(tr, reach, sealerFake{}, RouterConfig{LocalKey: localKey, Relays: testRelays()})
}
