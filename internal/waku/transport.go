package waku

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"tok-chat/go-backend/internal/domains/contracts"
	"tok-chat/go-backend/internal/domains/relaycmd"
	"tok-chat/go-backend/pkg/models"
)

// broadcastRecipient addresses every node on the content topic.
const broadcastRecipient = "*"

func (n *Node) SendGroupCommand(ctx context.Context, relayKey string, cmd uint32, messageID int64, payload []byte) error {
	return n.publishFrame(ctx, relayKey, relaycmd.Frame{Kind: relaycmd.FrameGroup, Cmd: cmd, MessageID: messageID, Payload: payload})
}

func (n *Node) SendOfflineCommand(ctx context.Context, relayKey string, cmd uint32, messageID int64, payload []byte) error {
	return n.publishFrame(ctx, relayKey, relaycmd.Frame{Kind: relaycmd.FrameOffline, Cmd: cmd, MessageID: messageID, Payload: payload})
}

func (n *Node) SendDirect(ctx context.Context, friendKey string, messageID int64, payload []byte) error {
	return n.publishFrame(ctx, friendKey, relaycmd.Frame{Kind: relaycmd.FrameDirect, MessageID: messageID, Payload: payload})
}

// IsConnected reports the last known presence of peerKey.
func (n *Node) IsConnected(peerKey string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.online[models.NormalizeKey(peerKey)]
}

func (n *Node) publishFrame(ctx context.Context, recipient string, f relaycmd.Frame) error {
	n.mu.RLock()
	state := n.status.State
	self := n.selfID
	gw := n.gw
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return fmt.Errorf("%w: %w", ErrNotStarted, contracts.ErrNotConnected)
	}
	if recipient == "" {
		return ErrNoRecipient
	}
	data, err := relaycmd.EncodeFrame(f)
	if err != nil {
		return err
	}
	msg := PrivateMessage{
		ID:        f.Kind.String() + "-" + strconv.FormatInt(f.MessageID, 10),
		SenderID:  self,
		Recipient: recipient,
		Payload:   data,
	}
	if gw != nil {
		return gw.PublishPrivate(ctx, msg)
	}
	if err := n.bus.publish(msg); err != nil {
		if errors.Is(err, errRecipientOffline) {
			return fmt.Errorf("%s: %w", recipient, contracts.ErrNotConnected)
		}
		return err
	}
	return nil
}

func (n *Node) receive(msg PrivateMessage) {
	n.mu.RLock()
	self := n.selfID
	h := n.handler
	tracked := n.gw != nil
	n.mu.RUnlock()

	if msg.Recipient != broadcastRecipient && !models.SameKey(msg.Recipient, self) {
		return
	}
	sender := models.NormalizeKey(msg.SenderID)
	if sender == "" || sender == self {
		return
	}
	f, err := relaycmd.DecodeFrame(msg.Payload)
	if err != nil {
		n.logger.Debug("frame dropped", "peer_key", sender, "error", err.Error())
		return
	}
	if tracked {
		n.markSeen(sender)
	}
	if h == nil {
		return
	}

	ctx := context.Background()
	switch f.Kind {
	case relaycmd.FrameAck:
		h.OnDeliveryAck(f.MessageID, sender)
		return
	case relaycmd.FramePresence:
		return
	case relaycmd.FrameGroup:
		h.OnGroupCommand(ctx, sender, relaycmd.GroupCommand(f.Cmd), f.Payload)
	case relaycmd.FrameOffline:
		h.OnOfflineCommand(ctx, sender, relaycmd.OfflineCommand(f.Cmd), f.Payload)
	case relaycmd.FrameDirect:
		h.OnDirectMessage(ctx, sender, f.MessageID, f.Payload)
	}
	ack := relaycmd.Frame{Kind: relaycmd.FrameAck, MessageID: f.MessageID}
	if err := n.publishFrame(ctx, sender, ack); err != nil {
		n.logger.Debug("delivery ack not sent", "peer_key", sender, "message_id", f.MessageID, "error", err.Error())
	}
}

func (n *Node) setPresence(peer string, online bool) {
	peer = models.NormalizeKey(peer)
	n.mu.Lock()
	if n.online[peer] == online {
		n.mu.Unlock()
		return
	}
	if online {
		n.online[peer] = true
	} else {
		delete(n.online, peer)
		delete(n.lastSeen, peer)
	}
	h := n.handler
	n.mu.Unlock()

	n.logger.Debug("presence changed", "peer_key", peer, "connected", online)
	if h != nil {
		h.OnPresenceChange(peer, online)
	}
}

func (n *Node) markSeen(peer string) {
	n.mu.Lock()
	n.lastSeen[peer] = n.clock.Now()
	n.mu.Unlock()
	n.setPresence(peer, true)
}

// sweepPresence reports peers silent for longer than PresenceTTL as gone.
func (n *Node) sweepPresence(now time.Time) int {
	n.mu.RLock()
	cutoff := now.Add(-n.cfg.PresenceTTL)
	var stale []string
	for peer, seen := range n.lastSeen {
		if seen.Before(cutoff) {
			stale = append(stale, peer)
		}
	}
	n.mu.RUnlock()
	for _, peer := range stale {
		n.setPresence(peer, false)
	}
	return len(stale)
}

func (n *Node) announce(ctx context.Context) {
	if err := n.publishFrame(ctx, broadcastRecipient, relaycmd.Frame{Kind: relaycmd.FramePresence}); err != nil {
		n.logger.Debug("presence beacon failed", "error", err.Error())
	}
}
