package waku

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"tok-chat/go-backend/internal/domains/contracts"
	"tok-chat/go-backend/internal/domains/relaycmd"
)

type inbound struct {
	kind      string
	peer      string
	cmd       uint32
	messageID int64
	payload   string
	connected bool
}

type recordingHandler struct {
	events chan inbound
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(chan inbound, 32)}
}

func (h *recordingHandler) OnGroupCommand(_ context.Context, relay string, cmd relaycmd.GroupCommand, payload []byte) {
	h.events <- inbound{kind: "group", peer: relay, cmd: uint32(cmd), payload: string(payload)}
}

func (h *recordingHandler) OnOfflineCommand(_ context.Context, relay string, cmd relaycmd.OfflineCommand, payload []byte) {
	h.events <- inbound{kind: "offline", peer: relay, cmd: uint32(cmd), payload: string(payload)}
}

func (h *recordingHandler) OnDirectMessage(_ context.Context, friend string, id int64, payload []byte) {
	h.events <- inbound{kind: "direct", peer: friend, messageID: id, payload: string(payload)}
}

func (h *recordingHandler) OnDeliveryAck(id int64, peer string) {
	h.events <- inbound{kind: "ack", peer: peer, messageID: id}
}

func (h *recordingHandler) OnPresenceChange(peer string, connected bool) {
	h.events <- inbound{kind: "presence", peer: peer, connected: connected}
}

func (h *recordingHandler) next(t *testing.T, kind string) inbound {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func startMockNode(t *testing.T, bus *messageBus, key string) (*Node, *recordingHandler) {
	t.Helper()
	n := NewNode(DefaultConfig(), withBus(bus))
	h := newRecordingHandler()
	n.SetIdentity(key)
	n.SetHandler(h)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start %s failed: %v", key, err)
	}
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	return n, h
}

func TestNodeLifecycle(t *testing.T) {
	n := NewNode(DefaultConfig(), withBus(newMessageBus()))
	if got := n.Status().State; got != StateDisconnected {
		t.Fatalf("expected disconnected initially, got %s", got)
	}
	if err := n.Start(context.Background()); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("start without identity must fail, got=%v", err)
	}

	n.SetIdentity("alice")
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	started := n.Status()
	if started.State != StateConnected {
		t.Fatalf("expected connected after start, got %s", started.State)
	}
	if started.PeerCount <= 0 {
		t.Fatalf("expected peer count > 0, got %d", started.PeerCount)
	}

	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if got := n.Status().State; got != StateDisconnected {
		t.Fatalf("expected disconnected after stop, got %s", got)
	}
	if err := n.SendDirect(context.Background(), "BOB", 1, nil); !errors.Is(err, contracts.ErrNotConnected) {
		t.Fatalf("send on a stopped node must be NotConnected, got=%v", err)
	}
}

func TestMockBusFramesAcksAndPresence(t *testing.T) {
	bus := newMessageBus()
	alice, ah := startMockNode(t, bus, "alice")
	bob, bh := startMockNode(t, bus, "bob")

	if ev := ah.next(t, "presence"); ev.peer != "BOB" || !ev.connected {
		t.Fatalf("alice must see bob join, got=%+v", ev)
	}
	if ev := bh.next(t, "presence"); ev.peer != "ALICE" || !ev.connected {
		t.Fatalf("bob must see alice, got=%+v", ev)
	}
	if !alice.IsConnected("bob") || alice.Status().OnlinePeers != 1 {
		t.Fatal("alice must report bob connected")
	}

	ctx := context.Background()
	if err := alice.SendDirect(ctx, "BOB", 42, []byte("hi")); err != nil {
		t.Fatalf("send direct: %v", err)
	}
	got := bh.next(t, "direct")
	if got.peer != "ALICE" || got.messageID != 42 || got.payload != "hi" {
		t.Fatalf("unexpected direct frame, got=%+v", got)
	}
	if ack := ah.next(t, "ack"); ack.peer != "BOB" || ack.messageID != 42 {
		t.Fatalf("unexpected ack, got=%+v", ack)
	}

	if err := alice.SendGroupCommand(ctx, "BOB", uint32(relaycmd.GroupCmdReadNotice), 7, []byte("g")); err != nil {
		t.Fatalf("send group: %v", err)
	}
	if g := bh.next(t, "group"); g.cmd != uint32(relaycmd.GroupCmdReadNotice) || g.payload != "g" {
		t.Fatalf("unexpected group frame, got=%+v", g)
	}
	if err := alice.SendOfflineCommand(ctx, "BOB", uint32(relaycmd.OfflineCmdDelRequest), 8, []byte("o")); err != nil {
		t.Fatalf("send offline: %v", err)
	}
	if o := bh.next(t, "offline"); o.cmd != uint32(relaycmd.OfflineCmdDelRequest) || o.peer != "ALICE" {
		t.Fatalf("unexpected offline frame, got=%+v", o)
	}

	if err := bob.Stop(ctx); err != nil {
		t.Fatalf("stop bob: %v", err)
	}
	if ev := ah.next(t, "presence"); ev.peer != "BOB" || ev.connected {
		t.Fatalf("alice must see bob leave, got=%+v", ev)
	}
	if alice.IsConnected("BOB") {
		t.Fatal("bob must be reported disconnected")
	}
	if err := alice.SendDirect(ctx, "BOB", 43, []byte("late")); !errors.Is(err, contracts.ErrNotConnected) {
		t.Fatalf("send to an absent peer must be NotConnected, got=%v", err)
	}
}

func TestReceiveDropsForeignAndMalformedFrames(t *testing.T) {
	n := NewNode(DefaultConfig(), withBus(newMessageBus()))
	h := newRecordingHandler()
	n.SetIdentity("alice")
	n.SetHandler(h)

	frame, err := relaycmd.EncodeFrame(relaycmd.Frame{Kind: relaycmd.FrameDirect, MessageID: 1, Payload: []byte("x")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	n.receive(PrivateMessage{SenderID: "bob", Recipient: "carol", Payload: frame})
	n.receive(PrivateMessage{SenderID: "alice", Recipient: "alice", Payload: frame})
	n.receive(PrivateMessage{SenderID: "bob", Recipient: "alice", Payload: []byte{0xff}})
	if len(h.events) != 0 {
		t.Fatalf("no frame may reach the handler, got=%d", len(h.events))
	}
}

func TestSweepPresenceExpiresSilentPeers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.PresenceTTL = 30 * time.Second
	n := NewNode(cfg, WithClock(clock), withBus(newMessageBus()))
	h := newRecordingHandler()
	n.SetHandler(h)

	n.markSeen("bob")
	if ev := h.next(t, "presence"); !ev.connected {
		t.Fatal("first frame must mark the peer connected")
	}
	if got := n.sweepPresence(clock.Now().Add(20 * time.Second)); got != 0 {
		t.Fatalf("peer is still fresh, expired=%d", got)
	}
	if got := n.sweepPresence(clock.Now().Add(31 * time.Second)); got != 1 {
		t.Fatalf("expected one expired peer, got=%d", got)
	}
	if ev := h.next(t, "presence"); ev.peer != "BOB" || ev.connected {
		t.Fatalf("expected bob to drop, got=%+v", ev)
	}
	if n.IsConnected("bob") {
		t.Fatal("expired peer must be disconnected")
	}
}

func TestNodeLifecycleGoWaku(t *testing.T) {
	if os.Getenv("TOK_RUN_REAL_WAKU_TESTS") != "true" {
		t.Skip("set TOK_RUN_REAL_WAKU_TESTS=true to run go-waku lifecycle test")
	}
	if newGoWakuBackend(nil, nil) == nil {
		t.Skip("go-waku backend is not enabled in this build")
	}

	cfg := DefaultConfig()
	cfg.Transport = TransportGoWaku
	cfg.Port = 0

	n := NewNode(cfg)
	n.SetIdentity("alice")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := n.Start(ctx); err != nil {
		t.Fatalf("go-waku start failed: %v", err)
	}
	started := n.Status()
	if started.State != StateConnected && started.State != StateDegraded {
		t.Fatalf("expected connected/degraded after go-waku start, got %s", started.State)
	}
	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("go-waku stop failed: %v", err)
	}
}

func TestNodeRuntimeStateTransitionsByPeerCount(t *testing.T) {
	prevInterval := runtimeStatusPollInterval
	runtimeStatusPollInterval = 20 * time.Millisecond
	defer func() { runtimeStatusPollInterval = prevInterval }()

	backend := &fakeGoWakuBackend{peerCount: 1}
	n := NewNode(Config{Transport: TransportGoWaku})
	n.mu.Lock()
	n.gw = backend
	n.status.State = StateConnected
	n.status.PeerCount = 1
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	n.startRuntimeMonitor()
	defer n.stopRuntimeMonitor()

	waitForState(t, n, StateConnected, 300*time.Millisecond)
	backend.setPeerCount(0)
	waitForState(t, n, StateDegraded, 500*time.Millisecond)
	backend.setPeerCount(2)
	waitForState(t, n, StateConnected, 500*time.Millisecond)
}

func TestNormalizeConfigAppliesSafeDefaults(t *testing.T) {
	cfg := normalizeConfig(Config{
		MinPeers:            -1,
		ReconnectBackoffMax: 10 * time.Millisecond,
		PresenceInterval:    4 * time.Second,
		PresenceTTL:         time.Second,
	})
	if cfg.Transport != TransportMock {
		t.Fatalf("transport must default to mock, got=%s", cfg.Transport)
	}
	if cfg.MinPeers != 0 {
		t.Fatalf("expected negative minPeers to clamp to 0, got %d", cfg.MinPeers)
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		t.Fatalf("reconnectBackoffMax must be >= reconnectInterval, got max=%s interval=%s", cfg.ReconnectBackoffMax, cfg.ReconnectInterval)
	}
	if cfg.PresenceTTL != 14*time.Second {
		t.Fatalf("presence ttl must outlive three beacons, got %s", cfg.PresenceTTL)
	}
}

func TestValidateConfig(t *testing.T) {
	ok := DefaultConfig()
	ok.BootstrapNodes = []string{"/ip4/127.0.0.1/tcp/60000", " "}
	if err := ValidateConfig(ok); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	bad := DefaultConfig()
	bad.BootstrapNodes = []string{"127.0.0.1:60000"}
	if err := ValidateConfig(bad); err == nil {
		t.Fatal("non-multiaddr bootstrap node must be rejected")
	}
	bad = DefaultConfig()
	bad.Transport = "carrier-pigeon"
	if err := ValidateConfig(bad); err == nil {
		t.Fatal("unknown transport must be rejected")
	}
}

func TestStartupStateFromPeerCount(t *testing.T) {
	cfg := Config{MinPeers: 2}
	if got := startupStateFromPeerCount(2, cfg); got != StateConnected {
		t.Fatalf("expected connected, got %s", got)
	}
	if got := startupStateFromPeerCount(0, cfg); got != StateDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}
}

func TestStartupPeerTarget(t *testing.T) {
	if got := startupPeerTarget(Config{}); got != 1 {
		t.Fatalf("expected default startup target=1, got %d", got)
	}
	if got := startupPeerTarget(Config{MinPeers: 3, BootstrapNodes: []string{"a", "b"}}); got != 2 {
		t.Fatalf("expected target capped by bootstrap size to 2, got %d", got)
	}
}

func TestWaitForStartupPeerCountTimeoutReturnsDegradedCount(t *testing.T) {
	backend := &fakeGoWakuBackend{peerCount: 0}
	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()

	cfg := Config{
		MinPeers:            2,
		ReconnectInterval:   50 * time.Millisecond,
		ReconnectBackoffMax: 200 * time.Millisecond,
	}
	got, err := waitForStartupPeerCount(ctx, backend, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected peer count=0 after timeout, got %d", got)
	}
}

func waitForState(t *testing.T, n *Node, expected string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if n.Status().State == expected {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state=%s, got=%s", expected, n.Status().State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type fakeGoWakuBackend struct {
	mu        sync.RWMutex
	peerCount int
}

func (f *fakeGoWakuBackend) Start(_ context.Context, _ Config) error { return nil }
func (f *fakeGoWakuBackend) Stop()                                   {}
func (f *fakeGoWakuBackend) NetworkMetrics() map[string]int          { return map[string]int{} }
func (f *fakeGoWakuBackend) SetIdentity(_ string)                    {}
func (f *fakeGoWakuBackend) ListenAddresses() []string               { return nil }
func (f *fakeGoWakuBackend) SubscribePrivate(_ func(PrivateMessage)) error {
	return nil
}
func (f *fakeGoWakuBackend) PublishPrivate(_ context.Context, _ PrivateMessage) error {
	return nil
}
func (f *fakeGoWakuBackend) PeerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.peerCount
}
func (f *fakeGoWakuBackend) setPeerCount(v int) {
	f.mu.Lock()
	f.peerCount = v
	f.mu.Unlock()
}
