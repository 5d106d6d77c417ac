package waku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	ma "github.com/multiformats/go-multiaddr"

	"tok-chat/go-backend/internal/domains/relaycmd"
	"tok-chat/go-backend/pkg/models"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

var (
	ErrNotStarted  = errors.New("waku not connected")
	ErrNoIdentity  = errors.New("identity is not set")
	ErrNoRecipient = errors.New("recipient is required")
)

var runtimeStatusPollInterval = 1 * time.Second

type Config struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	EnableRelay         bool          `yaml:"enableRelay"`
	EnableFilter        bool          `yaml:"enableFilter"`
	EnableLightPush     bool          `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	FailoverV1          bool          `yaml:"failoverV1"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
	// PresenceInterval is how often a go-waku node announces itself; peers
	// silent for PresenceTTL are reported disconnected.
	PresenceInterval time.Duration `yaml:"presenceInterval"`
	PresenceTTL      time.Duration `yaml:"presenceTTL"`
}

type Status struct {
	State       string
	PeerCount   int
	OnlinePeers int
	LastSync    time.Time
}

// Handler receives decoded relay frames and link events. Calls may arrive
// from several goroutines.
type Handler interface {
	OnGroupCommand(ctx context.Context, relayKey string, cmd relaycmd.GroupCommand, payload []byte)
	OnOfflineCommand(ctx context.Context, relayKey string, cmd relaycmd.OfflineCommand, payload []byte)
	OnDirectMessage(ctx context.Context, friendKey string, messageID int64, payload []byte)
	OnDeliveryAck(messageID int64, peerKey string)
	OnPresenceChange(peerKey string, connected bool)
}

type Node struct {
	mu      sync.RWMutex
	cfg     Config
	status  Status
	selfID  string
	handler Handler
	gw      goWakuBackend
	bus     *messageBus
	logger  *slog.Logger
	clock   clockwork.Clock

	online   map[string]bool
	lastSeen map[string]time.Time

	monitorCancel    context.CancelFunc
	monitorWG        sync.WaitGroup
	stateTransitions int
}

type goWakuBackend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	NetworkMetrics() map[string]int
	SetIdentity(identityID string)
	ListenAddresses() []string
	SubscribePrivate(handler func(PrivateMessage)) error
	PublishPrivate(ctx context.Context, msg PrivateMessage) error
}

type Option func(*Node)

func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(n *Node) {
		if c != nil {
			n.clock = c
		}
	}
}

func withBus(b *messageBus) Option {
	return func(n *Node) { n.bus = b }
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                60000,
		EnableRelay:         true,
		EnableFilter:        true,
		EnableLightPush:     true,
		FailoverV1:          true,
		MinPeers:            2,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
		PresenceInterval:    10 * time.Second,
		PresenceTTL:         35 * time.Second,
	}
}

func NewNode(cfg Config, opts ...Option) *Node {
	n := &Node{
		cfg:      normalizeConfig(cfg),
		status:   Status{State: StateDisconnected},
		bus:      globalBus,
		logger:   slog.Default(),
		clock:    clockwork.NewRealClock(),
		online:   make(map[string]bool),
		lastSeen: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "waku")
	return n
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax <= 0 {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = cfg.ReconnectInterval
	}
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = def.PresenceInterval
	}
	if cfg.PresenceTTL < cfg.PresenceInterval {
		cfg.PresenceTTL = 3*cfg.PresenceInterval + cfg.PresenceInterval/2
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	return cfg
}

// ValidateConfig rejects unknown transports and bootstrap entries that are
// not multiaddrs.
func ValidateConfig(cfg Config) error {
	switch cfg.Transport {
	case "", TransportMock, TransportGoWaku:
	default:
		return fmt.Errorf("unknown waku transport %q", cfg.Transport)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("waku port out of range: %d", cfg.Port)
	}
	for _, addr := range cfg.BootstrapNodes {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("bootstrap node %q: %w", addr, err)
		}
	}
	return nil
}

func (n *Node) SetIdentity(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.selfID = models.NormalizeKey(key)
	if n.gw != nil {
		n.gw.SetIdentity(n.selfID)
	}
}

func (n *Node) SetHandler(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

// Start connects and begins delivering frames to the handler.
func (n *Node) Start(ctx context.Context) error {
	if err := ValidateConfig(n.cfg); err != nil {
		return err
	}
	n.mu.Lock()
	if n.selfID == "" {
		n.mu.Unlock()
		return ErrNoIdentity
	}
	self := n.selfID
	n.transitionStateLocked(StateConnecting)
	n.status.LastSync = n.clock.Now()
	n.mu.Unlock()

	if n.cfg.Transport == TransportGoWaku {
		backend := newGoWakuBackend(n.logger, n.clock)
		if backend == nil {
			n.setDisconnected()
			return errors.New("go-waku backend is not available in this build")
		}
		backend.SetIdentity(self)
		if err := backend.Start(ctx, n.cfg); err != nil {
			n.setDisconnected()
			return err
		}
		peerCount := backend.PeerCount()
		if n.cfg.FailoverV1 {
			var err error
			peerCount, err = waitForStartupPeerCount(ctx, backend, n.cfg)
			if err != nil {
				backend.Stop()
				n.setDisconnected()
				return err
			}
		}
		if err := backend.SubscribePrivate(n.receive); err != nil {
			backend.Stop()
			n.setDisconnected()
			return err
		}
		n.mu.Lock()
		n.gw = backend
		n.transitionStateLocked(startupStateFromPeerCount(peerCount, n.cfg))
		n.status.PeerCount = peerCount
		n.status.LastSync = n.clock.Now()
		n.mu.Unlock()
		n.startRuntimeMonitor()
		n.announce(ctx)
		return nil
	}

	select {
	case <-ctx.Done():
		n.setDisconnected()
		return ctx.Err()
	case <-n.clock.After(50 * time.Millisecond):
	}

	n.mu.Lock()
	n.transitionStateLocked(StateConnected)
	n.status.PeerCount = estimatedPeers(n.cfg)
	n.status.LastSync = n.clock.Now()
	n.mu.Unlock()
	n.bus.subscribe(self, busMember{deliver: n.receive, presence: n.setPresence})
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.stopRuntimeMonitor()

	n.mu.Lock()
	if n.gw != nil {
		n.gw.Stop()
		n.gw = nil
	}
	self := n.selfID
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = n.clock.Now()
	n.online = make(map[string]bool)
	n.lastSeen = make(map[string]time.Time)
	n.mu.Unlock()

	if self != "" {
		n.bus.unsubscribe(self)
	}
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	if n.gw != nil {
		s.PeerCount = n.gw.PeerCount()
	}
	for _, up := range n.online {
		if up {
			s.OnlinePeers++
		}
	}
	return s
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.gw == nil {
		return nil
	}
	return append([]string(nil), n.gw.ListenAddresses()...)
}

func (n *Node) NetworkMetrics() map[string]int {
	n.mu.RLock()
	transitions := n.stateTransitions
	gw := n.gw
	n.mu.RUnlock()
	out := map[string]int{
		"network_state_transitions": transitions,
	}
	if gw != nil {
		for k, v := range gw.NetworkMetrics() {
			out[k] = v
		}
	}
	return out
}

func (n *Node) setDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = n.clock.Now()
}

func (n *Node) startRuntimeMonitor() {
	n.mu.Lock()
	if n.monitorCancel != nil {
		n.monitorCancel()
		n.monitorCancel = nil
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	n.monitorCancel = cancel
	n.monitorWG.Add(1)
	interval := n.cfg.PresenceInterval
	n.mu.Unlock()

	go func() {
		defer n.monitorWG.Done()
		ticker := n.clock.NewTicker(runtimeStatusPollInterval)
		defer ticker.Stop()

		n.refreshRuntimeStatus()
		lastAnnounce := n.clock.Now()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case now := <-ticker.Chan():
				n.refreshRuntimeStatus()
				n.sweepPresence(now)
				if now.Sub(lastAnnounce) >= interval {
					n.announce(monitorCtx)
					lastAnnounce = now
				}
			}
		}
	}()
}

func (n *Node) stopRuntimeMonitor() {
	n.mu.Lock()
	cancel := n.monitorCancel
	n.monitorCancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		n.monitorWG.Wait()
	}
}

func (n *Node) refreshRuntimeStatus() {
	n.mu.RLock()
	gw := n.gw
	n.mu.RUnlock()
	if gw == nil {
		return
	}
	peerCount := gw.PeerCount()
	nextState := StateConnected
	if peerCount <= 0 {
		nextState = StateDegraded
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.State == StateDisconnected {
		return
	}
	if n.status.State != nextState || n.status.PeerCount != peerCount {
		n.transitionStateLocked(nextState)
		n.status.PeerCount = peerCount
		n.status.LastSync = n.clock.Now()
	}
}

func (n *Node) transitionStateLocked(next string) {
	if next == "" {
		return
	}
	if n.status.State != next {
		n.stateTransitions++
		n.status.State = next
	}
}

func estimatedPeers(cfg Config) int {
	if len(cfg.BootstrapNodes) == 0 {
		return 1
	}
	if len(cfg.BootstrapNodes) > 12 {
		return 12
	}
	return len(cfg.BootstrapNodes)
}

func waitForStartupPeerCount(ctx context.Context, backend goWakuBackend, cfg Config) (int, error) {
	target := startupPeerTarget(cfg)
	peerCount := backend.PeerCount()
	if peerCount >= target {
		return peerCount, nil
	}

	timer := time.NewTimer(startupHandshakeTimeout(cfg))
	defer timer.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return backend.PeerCount(), ctx.Err()
		case <-timer.C:
			return backend.PeerCount(), nil
		case <-ticker.C:
			peerCount = backend.PeerCount()
			if peerCount >= target {
				return peerCount, nil
			}
		}
	}
}

func startupStateFromPeerCount(peerCount int, cfg Config) string {
	if peerCount >= startupPeerTarget(cfg) {
		return StateConnected
	}
	return StateDegraded
}

func startupPeerTarget(cfg Config) int {
	target := cfg.MinPeers
	if target <= 0 {
		target = 1
	}
	if len(cfg.BootstrapNodes) > 0 && target > len(cfg.BootstrapNodes) {
		target = len(cfg.BootstrapNodes)
	}
	return max(target, 1)
}

func startupHandshakeTimeout(cfg Config) time.Duration {
	base := cfg.ReconnectInterval
	if base <= 0 {
		base = time.Second
	}
	timeout := max(base*5, 2*time.Second)
	if cfg.ReconnectBackoffMax > 0 && timeout > cfg.ReconnectBackoffMax {
		timeout = cfg.ReconnectBackoffMax
	}
	return timeout
}
