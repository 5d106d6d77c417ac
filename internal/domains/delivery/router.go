package delivery

import (
	"context"
	"errors"
	"fmt"

	"tok-chat/go-backend/internal/domains/contracts"
	"tok-chat/go-backend/internal/domains/relaycmd"
	"tok-chat/go-backend/pkg/models"
)

type Route int

const (
	RouteGroupRelay Route = iota + 1
	RouteDirect
	RouteOfflineRelay
)

func (r Route) String() string {
	switch r {
	case RouteGroupRelay:
		return "group_relay"
	case RouteDirect:
		return "direct"
	case RouteOfflineRelay:
		return "offline_relay"
	default:
		return "none"
	}
}

// Sealer encrypts a payload for a friend reachable only through the offline relay.
type Sealer interface {
	Seal(peerKey string, plaintext []byte) ([]byte, error)
}

// Dispatch describes where one attempt went. AckPeer is the peer whose
// delivery ack or disconnect resolves the attempt.
type Dispatch struct {
	Route   Route
	AckPeer string
}

type RouterConfig struct {
	LocalKey string
	Relays   contracts.RelayDirectory
	// OfflineFileCeiling bounds file sizes accepted by the offline relay.
	OfflineFileCeiling int64
}

type Router struct {
	transport contracts.Transport
	reach     contracts.Reachability
	sealer    Sealer
	cfg       RouterConfig
}

func NewRouter(transport contracts.Transport, reach contracts.Reachability, sealer Sealer, cfg RouterConfig) *Router {
	if cfg.OfflineFileCeiling <= 0 {
		cfg.OfflineFileCeiling = 10 << 20
	}
	return &Router{transport: transport, reach: reach, sealer: sealer, cfg: cfg}
}

// Send plans and transmits in one step.
func (r *Router) Send(ctx context.Context, conv models.Conversation, msg models.Message) (Dispatch, error) {
	d, err := r.Plan(conv, msg)
	if err != nil {
		return Dispatch{}, err
	}
	return d, r.Transmit(ctx, d, conv, msg)
}

// Plan picks the destination of msg from current reachability. Nothing is
// sent; errors here are NotConnected, NotFound or PayloadTooLarge.
func (r *Router) Plan(conv models.Conversation, msg models.Message) (Dispatch, error) {
	if conv.IsGroup {
		relay := r.cfg.Relays.Group
		if relay == "" || !r.reach.IsConnected(relay) {
			return Dispatch{}, fmt.Errorf("group relay: %w", contracts.ErrNotConnected)
		}
		return Dispatch{Route: RouteGroupRelay, AckPeer: relay}, nil
	}
	peer := conv.PeerKey
	if peer == "" {
		return Dispatch{}, fmt.Errorf("conversation %s has no peer: %w", conv.ID, contracts.ErrNotFound)
	}
	if r.reach.IsConnected(peer) {
		return Dispatch{Route: RouteDirect, AckPeer: peer}, nil
	}
	if msg.Kind == models.MessageKindFile && fileSize(msg) > r.cfg.OfflineFileCeiling {
		return Dispatch{}, fmt.Errorf("file %d bytes: %w", fileSize(msg), contracts.ErrPayloadTooLarge)
	}
	relay := r.cfg.Relays.Offline
	if relay == "" || !r.reach.IsConnected(relay) {
		return Dispatch{}, fmt.Errorf("peer and offline relay: %w", contracts.ErrNotConnected)
	}
	return Dispatch{Route: RouteOfflineRelay, AckPeer: relay}, nil
}

// Transmit encodes msg for the planned route and hands it to the transport.
func (r *Router) Transmit(ctx context.Context, d Dispatch, conv models.Conversation, msg models.Message) error {
	switch d.Route {
	case RouteGroupRelay:
		payload, err := relaycmd.Marshal(relaycmd.GroupMessageRequest{
			GroupID:    conv.GroupNumber,
			SenderKey:  r.cfg.LocalKey,
			MsgType:    groupMsgType(msg),
			Text:       msg.Text,
			FileName:   fileName(msg),
			FileSize:   fileSize(msg),
			LocalMsgID: msg.ID,
		})
		if err != nil {
			return err
		}
		return transportError(r.transport.SendGroupCommand(ctx, d.AckPeer, uint32(relaycmd.GroupCmdMessage), msg.ID, payload))
	case RouteDirect:
		payload, err := relaycmd.Marshal(relaycmd.DirectMessage{
			Kind:     string(msg.Kind),
			Text:     msg.Text,
			FileName: fileName(msg),
			FileSize: fileSize(msg),
		})
		if err != nil {
			return err
		}
		return transportError(r.transport.SendDirect(ctx, d.AckPeer, msg.ID, payload))
	case RouteOfflineRelay:
		req := relaycmd.OfflineMessageRequest{
			LocalMsgID: msg.ID,
			ToKey:      conv.PeerKey,
			MsgType:    relaycmd.OfflineMsgText,
		}
		if msg.Kind == models.MessageKindFile {
			req.MsgType = relaycmd.OfflineMsgFile
			req.FileName = fileName(msg)
			req.FileSize = fileSize(msg)
		} else {
			sealed, err := r.sealer.Seal(conv.PeerKey, []byte(msg.Text))
			if err != nil {
				return contracts.WrapCategorizedError(contracts.ErrorCategoryCrypto, fmt.Errorf("seal offline message: %w", err))
			}
			req.CryptoMessage = sealed
		}
		payload, err := relaycmd.Marshal(req)
		if err != nil {
			return err
		}
		return transportError(r.transport.SendOfflineCommand(ctx, d.AckPeer, uint32(relaycmd.OfflineCmdSend), msg.ID, payload))
	default:
		return fmt.Errorf("unknown route %d", d.Route)
	}
}

// transportError keeps taxonomy errors and marks anything else as a
// retryable rejection.
func transportError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, contracts.ErrNotConnected),
		errors.Is(err, contracts.ErrPayloadTooLarge),
		errors.Is(err, contracts.ErrSendRejected),
		errors.Is(err, context.Canceled):
		return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err)
	}
	return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, fmt.Errorf("%w: %v", contracts.ErrSendRejected, err))
}

func groupMsgType(msg models.Message) uint32 {
	if msg.Kind == models.MessageKindFile {
		return relaycmd.GroupMsgFile
	}
	return relaycmd.GroupMsgText
}

func fileName(msg models.Message) string {
	if msg.File == nil {
		return ""
	}
	return msg.File.Name
}

func fileSize(msg models.Message) int64 {
	if msg.File == nil {
		return 0
	}
	return msg.File.Size
}
