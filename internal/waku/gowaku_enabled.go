//go:build real_waku

package waku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/multiformats/go-varint"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"

	"tok-chat/go-backend/pkg/models"
)

// All relay frames share one pubsub topic. The content topic names the
// recipient key, so a node only receives its own frames and broadcasts.
const (
	framePubsubTopic = "/waku/2/default-waku/proto"
	maxSenderKeyLen  = 256
)

var errBackendStopped = errors.New("go-waku relay backend is not running")

func recipientTopic(key string) string {
	if key == broadcastRecipient {
		return "/tok/1/frames-broadcast/proto"
	}
	return "/tok/1/frames-" + strings.ToLower(models.NormalizeKey(key)) + "/proto"
}

// sealEnvelope prefixes an encoded frame with its sender key.
func sealEnvelope(sender string, frame []byte) []byte {
	out := make([]byte, 0, varint.UvarintSize(uint64(len(sender)))+len(sender)+len(frame))
	out = append(out, varint.ToUvarint(uint64(len(sender)))...)
	out = append(out, sender...)
	return append(out, frame...)
}

func openEnvelope(data []byte) (string, []byte, error) {
	n, read, err := varint.FromUvarint(data)
	if err != nil {
		return "", nil, fmt.Errorf("envelope sender length: %w", err)
	}
	if n == 0 || n > maxSenderKeyLen || uint64(len(data)-read) < n {
		return "", nil, fmt.Errorf("envelope sender length %d", n)
	}
	end := read + int(n)
	return string(data[read:end]), data[end:], nil
}

type relayBackend struct {
	mu      sync.RWMutex
	node    *wakuNode.WakuNode
	selfKey string
	cfg     Config
	logger  *slog.Logger
	clock   clockwork.Clock

	redialCancel context.CancelFunc
	redialWG     sync.WaitGroup

	dialAttempts atomic.Int64
	dialSuccess  atomic.Int64
	dialFailures atomic.Int64
}

func newGoWakuBackend(logger *slog.Logger, clock clockwork.Clock) goWakuBackend {
	return &relayBackend{logger: logger, clock: clock}
}

func (b *relayBackend) Start(ctx context.Context, cfg Config) error {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return fmt.Errorf("waku host address: %w", err)
	}
	opts := []wakuNode.WakuNodeOption{wakuNode.WithHostAddress(hostAddr)}
	if cfg.EnableRelay {
		opts = append(opts, wakuNode.WithWakuRelay())
	}
	if cfg.EnableFilter {
		opts = append(opts, wakuNode.WithWakuFilterLightNode(), wakuNode.WithWakuFilterFullNode())
	}
	if cfg.EnableLightPush {
		opts = append(opts, wakuNode.WithLightPush())
	}

	node, err := wakuNode.New(opts...)
	if err != nil {
		return fmt.Errorf("waku node: %w", err)
	}
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("waku node start: %w", err)
	}

	b.mu.Lock()
	b.node = node
	b.cfg = cfg
	b.mu.Unlock()

	for _, addr := range cfg.BootstrapNodes {
		b.dial(ctx, node, addr, "bootstrap")
	}
	if cfg.FailoverV1 && len(cfg.BootstrapNodes) > 0 {
		b.startRedial()
	}
	return nil
}

func (b *relayBackend) Stop() {
	b.mu.Lock()
	cancel := b.redialCancel
	b.redialCancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		b.redialWG.Wait()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.node != nil {
		b.node.Stop()
		b.node = nil
	}
}

func (b *relayBackend) running() *wakuNode.WakuNode {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.node
}

func (b *relayBackend) PeerCount() int {
	node := b.running()
	if node == nil {
		return 0
	}
	return node.PeerCount()
}

func (b *relayBackend) NetworkMetrics() map[string]int {
	return map[string]int{
		"dial_attempts": int(b.dialAttempts.Load()),
		"dial_success":  int(b.dialSuccess.Load()),
		"dial_failures": int(b.dialFailures.Load()),
	}
}

func (b *relayBackend) SetIdentity(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selfKey = models.NormalizeKey(key)
}

func (b *relayBackend) ListenAddresses() []string {
	node := b.running()
	if node == nil {
		return nil
	}
	addrs := node.ListenAddresses()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

// SubscribePrivate delivers frames addressed to the local key or to every
// node. Envelopes that do not parse are dropped.
func (b *relayBackend) SubscribePrivate(deliver func(PrivateMessage)) error {
	node := b.running()
	b.mu.RLock()
	self := b.selfKey
	b.mu.RUnlock()
	if node == nil {
		return errBackendStopped
	}
	if self == "" {
		return ErrNoIdentity
	}

	own, everyone := recipientTopic(self), recipientTopic(broadcastRecipient)
	subs, err := node.Relay().Subscribe(context.Background(), protocol.NewContentFilter(framePubsubTopic, own, everyone))
	if err != nil {
		return fmt.Errorf("waku subscribe: %w", err)
	}
	for _, sub := range subs {
		go func() {
			for env := range sub.Ch {
				if env == nil || env.Message() == nil {
					continue
				}
				msg := env.Message()
				sender, frame, err := openEnvelope(msg.Payload)
				if err != nil {
					b.logger.Debug("relay envelope dropped", "content_topic", msg.ContentTopic, "error", err.Error())
					continue
				}
				recipient := self
				if msg.ContentTopic == everyone {
					recipient = broadcastRecipient
				}
				deliver(PrivateMessage{SenderID: sender, Recipient: recipient, Payload: frame})
			}
		}()
	}
	return nil
}

func (b *relayBackend) PublishPrivate(ctx context.Context, msg PrivateMessage) error {
	node := b.running()
	if node == nil {
		return errBackendStopped
	}
	ts := b.clock.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      sealEnvelope(models.NormalizeKey(msg.SenderID), msg.Payload),
		ContentTopic: recipientTopic(msg.Recipient),
		Timestamp:    &ts,
	}
	if _, err := node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(framePubsubTopic)); err != nil {
		return fmt.Errorf("waku publish %s: %w", msg.ID, err)
	}
	return nil
}

func (b *relayBackend) dial(ctx context.Context, node *wakuNode.WakuNode, addr, reason string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	b.dialAttempts.Add(1)
	if err := node.DialPeer(ctx, addr); err != nil {
		b.dialFailures.Add(1)
		b.logger.Warn("peer dial failed", "peer_addr", addr, "reason", reason, "error", err.Error())
		return false
	}
	b.dialSuccess.Add(1)
	b.logger.Info("peer dialed", "peer_addr", addr, "reason", reason)
	return true
}

// startRedial keeps dialing bootstrap nodes while the node is below its peer
// target, backing off with jitter up to ReconnectBackoffMax between rounds.
func (b *relayBackend) startRedial() {
	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.redialCancel = cancel
	cfg := b.cfg
	b.mu.Unlock()

	b.redialWG.Add(1)
	go func() {
		defer b.redialWG.Done()
		ticker := b.clock.NewTicker(cfg.ReconnectInterval)
		defer ticker.Stop()

		rnd := rand.New(rand.NewSource(b.clock.Now().UnixNano()))
		backoff := cfg.ReconnectInterval
		var notBefore time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.Chan():
				if now.Before(notBefore) {
					continue
				}
				if b.PeerCount() >= startupPeerTarget(cfg) || b.redialRound(ctx, rnd) {
					backoff, notBefore = cfg.ReconnectInterval, time.Time{}
					continue
				}
				backoff = min(backoff*2, cfg.ReconnectBackoffMax)
				notBefore = now.Add(backoff + time.Duration(rnd.Int63n(int64(backoff/2)+1)))
			}
		}
	}()
}

func (b *relayBackend) redialRound(ctx context.Context, rnd *rand.Rand) bool {
	node := b.running()
	if node == nil {
		return false
	}
	b.mu.RLock()
	addrs := append([]string(nil), b.cfg.BootstrapNodes...)
	b.mu.RUnlock()
	rnd.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })

	ok := false
	for _, addr := range addrs {
		if b.dial(ctx, node, addr, "redial") {
			ok = true
		}
	}
	return ok
}
