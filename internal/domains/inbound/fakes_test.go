package inbound

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"tok-chat/go-backend/internal/domains/contracts"
	"tok-chat/go-backend/internal/domains/history"
	"tok-chat/go-backend/internal/domains/relaycmd"
	"tok-chat/go-backend/internal/storage"
	"tok-chat/go-backend/pkg/models"
)

const (
	groupRelay   = "GROUPRELAY"
	offlineRelay = "OFFLINERELAY"
	localKey     = "SELF"
	peerKey      = "PEER1"
	friendKey    = "FRIEND"
)

var base = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

type sentFrame struct {
	kind    string
	relay   string
	cmd     uint32
	id      int64
	payload []byte
}

type transportFake struct {
	mu     sync.Mutex
	frames []sentFrame
	err    error
}

func (t *transportFake) record(f sentFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.frames = append(t.frames, f)
	return nil
}

func (t *transportFake) SendGroupCommand(_ context.Context, relay string, cmd uint32, id int64, payload []byte) error {
	return t.record(sentFrame{kind: "group", relay: relay, cmd: cmd, id: id, payload: payload})
}

func (t *transportFake) SendOfflineCommand(_ context.Context, relay string, cmd uint32, id int64, payload []byte) error {
	return t.record(sentFrame{kind: "offline", relay: relay, cmd: cmd, id: id, payload: payload})
}

func (t *transportFake) SendDirect(_ context.Context, friend string, id int64, payload []byte) error {
	return t.record(sentFrame{kind: "direct", relay: friend, cmd: 0, id: id, payload: payload})
}

func (t *transportFake) sent(kind string, cmd uint32) []sentFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []sentFrame
	for _, f := range t.frames {
		if f.kind == kind && f.cmd == cmd {
			out = append(out, f)
		}
	}
	return out
}

type reachFake struct {
	mu   sync.Mutex
	down map[string]bool
}

func (r *reachFake) IsConnected(peer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.down[peer]
}

func (r *reachFake) setDown(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down == nil {
		r.down = make(map[string]bool)
	}
	r.down[peer] = true
}

type eventsFake struct {
	mu      sync.Mutex
	pulls   []PullResult
	infos   []GroupInfo
	joins   []JoinResult
	changes []ConversationEvent
}

func (e *eventsFake) PullResult(r PullResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pulls = append(e.pulls, r)
}

func (e *eventsFake) GroupInfo(i GroupInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.infos = append(e.infos, i)
}

func (e *eventsFake) JoinResult(r JoinResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.joins = append(e.joins, r)
}

func (e *eventsFake) ConversationChanged(c ConversationEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changes = append(e.changes, c)
}

func (e *eventsFake) pullResults() []PullResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]PullResult(nil), e.pulls...)
}

type idSeq struct {
	mu   sync.Mutex
	next int64
}

func (s *idSeq) NextID() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return 1_000_000 + s.next, nil
}

// openerFake reverses the "sealed:<peer>:" framing used by the delivery tests.
type openerFake struct{}

func (openerFake) Open(peer string, sealed []byte) ([]byte, error) {
	prefix := "sealed:" + peer + ":"
	if !strings.HasPrefix(string(sealed), prefix) {
		return nil, contracts.ErrDecodeFailure
	}
	return sealed[len(prefix):], nil
}

type harness struct {
	ctx       context.Context
	store     *storage.MemoryStore
	transport *transportFake
	reach     *reachFake
	events    *eventsFake
	clock     clockwork.FakeClock
	pulls     *history.PullDeduplicator
	gaps      *history.GapTracker
	d         *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ctx:       context.Background(),
		store:     storage.NewMemoryStore(),
		transport: &transportFake{},
		reach:     &reachFake{},
		events:    &eventsFake{},
		clock:     clockwork.NewFakeClockAt(base.Add(24 * time.Hour)),
	}
	t.Cleanup(func() { _ = h.store.Close() })
	h.pulls = history.NewPullDeduplicator(2*time.Minute, h.clock)
	h.gaps = history.NewGapTracker(h.store, nil)
	d, err := New(Deps{
		Storage:   h.store,
		Transport: h.transport,
		Reach:     h.reach,
		Gaps:      h.gaps,
		Pulls:     h.pulls,
		Opener:    openerFake{},
		IDs:       &idSeq{},
		Events:    h.events,
	}, Config{
		LocalKey: localKey,
		Relays:   contracts.RelayDirectory{Group: groupRelay, Offline: offlineRelay},
		Clock:    h.clock,
	})
	require.NoError(t, err)
	h.d = d
	return h
}

func (h *harness) group(t *testing.T, number uint64, mutate ...func(*models.Conversation)) models.Conversation {
	t.Helper()
	conv := models.Conversation{IsGroup: true, GroupNumber: number, Status: models.ConversationStatusActive, JoinedAt: base}
	for _, m := range mutate {
		m(&conv)
	}
	conv, err := h.store.CreateConversation(h.ctx, conv)
	require.NoError(t, err)
	return conv
}

func (h *harness) friend(t *testing.T, key string, state models.FriendState, blocked bool) {
	t.Helper()
	require.NoError(t, h.store.SaveFriend(h.ctx, models.Friend{PublicKey: key, Nickname: strings.ToLower(key), State: state, Blocked: blocked}))
}

func (h *harness) conversation(t *testing.T, id string) models.Conversation {
	t.Helper()
	conv, err := h.store.Conversation(h.ctx, id)
	require.NoError(t, err)
	return conv
}

func (h *harness) messages(t *testing.T, conversationID string) []models.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(h.ctx, conversationID, 0)
	require.NoError(t, err)
	return msgs
}

func (h *harness) systemTexts(t *testing.T, conversationID string) []string {
	t.Helper()
	var out []string
	for _, m := range h.messages(t, conversationID) {
		if m.Kind == models.MessageKindSystem {
			out = append(out, m.Text)
		}
	}
	return out
}

func (h *harness) handleGroup(t *testing.T, cmd relaycmd.GroupCommand, record any) {
	t.Helper()
	h.d.HandleGroupCommand(h.ctx, cmd, encode(t, record))
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := relaycmd.Marshal(v)
	require.NoError(t, err)
	return data
}

func decodeFrame[T any](t *testing.T, f sentFrame) T {
	t.Helper()
	v, err := relaycmd.Decode[T](f.payload)
	require.NoError(t, err)
	return v
}

// chain builds relay messages ids[0]..ids[n-1] each linked to the previous
// one; the first links to prev.
func chain(groupID uint64, prev int64, ids ...int64) []relaycmd.GroupMessage {
	out := make([]relaycmd.GroupMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, relaycmd.GroupMessage{
			GroupID:    groupID,
			MsgID:      id,
			PrevMsgID:  prev,
			MsgType:    relaycmd.GroupMsgText,
			SenderKey:  peerKey,
			SenderName: "Pat",
			Body:       []byte("hello"),
			CreateTime: at(id).UnixMilli(),
		})
		prev = id
	}
	return out
}

// at maps a message id to a deterministic creation time.
func at(id int64) time.Time {
	return base.Add(time.Duration(id) * time.Minute)
}

func seq(from, to int64) []int64 {
	out := make([]int64, 0, to-from+1)
	for id := from; id <= to; id++ {
		out = append(out, id)
	}
	return out
}
