// Package storage holds the storage collaborators of the sync engine.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"tok-chat/go-backend/internal/domains/contracts"
	"tok-chat/go-backend/internal/platform/notify"
	"tok-chat/go-backend/internal/securestore"
	"tok-chat/go-backend/pkg/models"
)

// MemoryStore keeps everything in maps. With a path it rewrites a snapshot
// file after every mutation, sealed when a passphrase is set.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
	messages      map[string]map[int64]models.Message
	spans         map[string]map[string]models.Span
	friends       map[string]models.Friend
	requests      map[string]models.FriendRequest
	peers         map[string]models.Peer
	path          string
	secret        string
	changes       *notify.Hub[contracts.StorageChange]
}

type snapshot struct {
	Conversations []models.Conversation  `json:"conversations"`
	Messages      []models.Message       `json:"messages"`
	Spans         []models.Span          `json:"spans"`
	Friends       []models.Friend        `json:"friends"`
	Requests      []models.FriendRequest `json:"friend_requests"`
	Peers         []models.Peer          `json:"peers"`
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string]map[int64]models.Message),
		spans:         make(map[string]map[string]models.Span),
		friends:       make(map[string]models.Friend),
		requests:      make(map[string]models.FriendRequest),
		peers:         make(map[string]models.Peer),
		changes:       notify.NewHub[contracts.StorageChange](),
	}
}

// OpenSnapshotStore loads path (if present) and persists to it afterwards.
func OpenSnapshotStore(path, passphrase string) (*MemoryStore, error) {
	s := NewMemoryStore()
	s.path, s.secret = path, passphrase
	data, err := securestore.ReadFile(path, passphrase)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	for _, c := range snap.Conversations {
		s.conversations[c.ID] = c
	}
	for _, m := range snap.Messages {
		s.messagesOf(m.ConversationID)[m.ID] = m
	}
	for _, sp := range snap.Spans {
		s.spansOf(sp.ConversationID)[sp.ID] = sp
	}
	for _, f := range snap.Friends {
		s.friends[f.PublicKey] = f
	}
	for _, r := range snap.Requests {
		s.requests[r.PublicKey] = r
	}
	for _, p := range snap.Peers {
		s.peers[peerKey(p.GroupNumber, p.PublicKey)] = p
	}
	return s, nil
}

func (s *MemoryStore) Close() error {
	s.changes.Close()
	return nil
}

func (s *MemoryStore) SubscribeChanges(buffer int) (<-chan contracts.StorageChange, func()) {
	return s.changes.Subscribe(buffer)
}

func notFound(what string, id any) error {
	return fmt.Errorf("%s %v: %w", what, id, contracts.ErrNotFound)
}

func peerKey(groupNumber uint64, key string) string {
	return strconv.FormatUint(groupNumber, 10) + ":" + models.NormalizeKey(key)
}

func (s *MemoryStore) messagesOf(conversationID string) map[int64]models.Message {
	m, ok := s.messages[conversationID]
	if !ok {
		m = make(map[int64]models.Message)
		s.messages[conversationID] = m
	}
	return m
}

func (s *MemoryStore) spansOf(conversationID string) map[string]models.Span {
	m, ok := s.spans[conversationID]
	if !ok {
		m = make(map[string]models.Span)
		s.spans[conversationID] = m
	}
	return m
}

// commitLocked persists the current state and must run under the write lock.
func (s *MemoryStore) commitLocked() error {
	if s.path == "" {
		return nil
	}
	var snap snapshot
	for _, c := range s.conversations {
		snap.Conversations = append(snap.Conversations, c)
	}
	for _, byID := range s.messages {
		for _, m := range byID {
			snap.Messages = append(snap.Messages, m)
		}
	}
	for _, byID := range s.spans {
		for _, sp := range byID {
			snap.Spans = append(snap.Spans, sp)
		}
	}
	for _, f := range s.friends {
		snap.Friends = append(snap.Friends, f)
	}
	for _, r := range s.requests {
		snap.Requests = append(snap.Requests, r)
	}
	for _, p := range s.peers {
		snap.Peers = append(snap.Peers, p)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := securestore.WriteFile(s.path, s.secret, data); err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("persist snapshot: %w", err))
	}
	return nil
}

func (s *MemoryStore) publish(kind contracts.ChangeKind, conversationID string, messageID int64) {
	s.changes.Publish(contracts.StorageChange{Kind: kind, ConversationID: conversationID, MessageID: messageID})
}

func (s *MemoryStore) Conversation(_ context.Context, id string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, notFound("conversation", id)
	}
	return c, nil
}

func (s *MemoryStore) GroupConversation(_ context.Context, groupNumber uint64) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.IsGroup && c.GroupNumber == groupNumber {
			return c, nil
		}
	}
	return models.Conversation{}, notFound("group", groupNumber)
}

func (s *MemoryStore) DirectConversation(_ context.Context, peer string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if !c.IsGroup && models.SameKey(c.PeerKey, peer) {
			return c, nil
		}
	}
	return models.Conversation{}, notFound("direct conversation", peer)
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv models.Conversation) (models.Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = models.ConversationStatusActive
	}
	conv.PeerKey = models.NormalizeKey(conv.PeerKey)
	s.mu.Lock()
	if _, ok := s.conversations[conv.ID]; ok {
		s.mu.Unlock()
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", conv.ID, contracts.ErrDuplicate)
	}
	s.conversations[conv.ID] = conv
	err := s.commitLocked()
	s.mu.Unlock()
	if err != nil {
		return models.Conversation{}, err
	}
	s.publish(contracts.ChangeConversation, conv.ID, 0)
	return conv, nil
}

func (s *MemoryStore) UpdateConversation(_ context.Context, id string, mutate func(*models.Conversation)) (models.Conversation, error) {
	s.mu.Lock()
	c, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return models.Conversation{}, notFound("conversation", id)
	}
	mutate(&c)
	c.ID = id
	s.conversations[id] = c
	err := s.commitLocked()
	s.mu.Unlock()
	if err != nil {
		return models.Conversation{}, err
	}
	s.publish(contracts.ChangeConversation, id, 0)
	return c, nil
}

func (s *MemoryStore) ConversationIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) MessageExists(_ context.Context, conversationID string, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.messages[conversationID][id]
	return ok, nil
}

func (s *MemoryStore) Message(_ context.Context, conversationID string, id int64) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[conversationID][id]
	if !ok {
		return models.Message{}, notFound("message", id)
	}
	return m, nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, msg models.Message) error {
	s.mu.Lock()
	byID := s.messagesOf(msg.ConversationID)
	if _, ok := byID[msg.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("message %d: %w", msg.ID, contracts.ErrDuplicate)
	}
	byID[msg.ID] = msg
	err := s.commitLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publish(contracts.ChangeMessage, msg.ConversationID, msg.ID)
	return nil
}

func (s *MemoryStore) UpdateMessageStatus(_ context.Context, conversationID string, id int64, status models.MessageStatus) error {
	s.mu.Lock()
	m, ok := s.messages[conversationID][id]
	if !ok {
		s.mu.Unlock()
		return notFound("message", id)
	}
	m.Status = mergeStatus(m.Status, status)
	s.messages[conversationID][id] = m
	err := s.commitLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publish(contracts.ChangeMessage, conversationID, id)
	return nil
}

// mergeStatus keeps received messages received; outgoing states are replaced.
func mergeStatus(current, next models.MessageStatus) models.MessageStatus {
	if current == models.MessageStatusReceived {
		return current
	}
	return next
}

func (s *MemoryStore) DeleteMessage(_ context.Context, conversationID string, id int64) error {
	s.mu.Lock()
	if _, ok := s.messages[conversationID][id]; !ok {
		s.mu.Unlock()
		return notFound("message", id)
	}
	delete(s.messages[conversationID], id)
	err := s.commitLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publish(contracts.ChangeMessage, conversationID, id)
	return nil
}

func (s *MemoryStore) LatestMessage(_ context.Context, conversationID string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  models.Message
		found bool
	)
	for _, m := range s.messages[conversationID] {
		if m.Origin != models.OriginNormal {
			continue
		}
		if !found || newer(m, best) {
			best, found = m, true
		}
	}
	if !found {
		return models.Message{}, notFound("latest message of", conversationID)
	}
	return best, nil
}

func newer(a, b models.Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (s *MemoryStore) CountMessages(_ context.Context, q contracts.MessageCountQuery) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages[q.ConversationID] {
		if q.Match(m) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MessagesByStatus(_ context.Context, status models.MessageStatus) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Message
	for _, byID := range s.messages {
		for _, m := range byID {
			if m.Status == status {
				out = append(out, m)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[j], out[i]) })
	return out, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0, len(s.messages[conversationID]))
	for _, m := range s.messages[conversationID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[j], out[i]) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) Spans(_ context.Context, conversationID string) ([]models.Span, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Span, 0, len(s.spans[conversationID]))
	for _, sp := range s.spans[conversationID] {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMessageID < out[j].StartMessageID })
	return out, nil
}

func (s *MemoryStore) SaveSpan(_ context.Context, span models.Span) (models.Span, error) {
	if span.ID == "" {
		span.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.spansOf(span.ConversationID)[span.ID] = span
	err := s.commitLocked()
	s.mu.Unlock()
	if err != nil {
		return models.Span{}, err
	}
	s.publish(contracts.ChangeSpan, span.ConversationID, 0)
	return span, nil
}

// DeleteSpan is idempotent.
func (s *MemoryStore) DeleteSpan(_ context.Context, conversationID, id string) error {
	s.mu.Lock()
	if _, ok := s.spans[conversationID][id]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.spans[conversationID], id)
	err := s.commitLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publish(contracts.ChangeSpan, conversationID, 0)
	return nil
}

func (s *MemoryStore) DeleteOrphanSpans(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for convID, byID := range s.spans {
		if _, ok := s.conversations[convID]; ok {
			continue
		}
		removed += len(byID)
		delete(s.spans, convID)
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.commitLocked()
}

func (s *MemoryStore) Friend(_ context.Context, publicKey string) (models.Friend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.friends[models.NormalizeKey(publicKey)]
	if !ok {
		return models.Friend{}, notFound("friend", publicKey)
	}
	return f, nil
}

func (s *MemoryStore) SaveFriend(_ context.Context, friend models.Friend) error {
	friend.PublicKey = models.NormalizeKey(friend.PublicKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friends[friend.PublicKey] = friend
	if friend.State == models.FriendStateAccepted {
		delete(s.requests, friend.PublicKey)
	}
	return s.commitLocked()
}

func (s *MemoryStore) SaveFriendRequest(_ context.Context, req models.FriendRequest) error {
	req.PublicKey = models.NormalizeKey(req.PublicKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.PublicKey] = req
	return s.commitLocked()
}

func (s *MemoryStore) FriendRequests(_ context.Context) ([]models.FriendRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.FriendRequest, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (s *MemoryStore) Peer(_ context.Context, groupNumber uint64, publicKey string) (models.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[peerKey(groupNumber, publicKey)]
	if !ok {
		return models.Peer{}, notFound("peer", publicKey)
	}
	return p, nil
}

func (s *MemoryStore) SavePeer(_ context.Context, peer models.Peer) error {
	peer.PublicKey = models.NormalizeKey(peer.PublicKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[peerKey(peer.GroupNumber, peer.PublicKey)] = peer
	return s.commitLocked()
}

var _ contracts.Storage = (*MemoryStore)(nil)
