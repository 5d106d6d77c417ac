package relaycmd

import (
	"fmt"

	"github.com/multiformats/go-varint"

	"tok-chat/go-backend/internal/domains/contracts"
)

// FrameKind tells the transport adapter which callback a frame belongs to.
type FrameKind uint8

const (
	FrameGroup FrameKind = iota + 1
	FrameOffline
	FrameDirect
	FrameAck
	// FramePresence is a liveness beacon with no command or payload.
	FramePresence
)

func (k FrameKind) String() string {
	switch k {
	case FrameGroup:
		return "group"
	case FrameOffline:
		return "offline"
	case FrameDirect:
		return "direct"
	case FrameAck:
		return "ack"
	case FramePresence:
		return "presence"
	default:
		return "unknown"
	}
}

// MaxFramePayload bounds a single frame body.
const MaxFramePayload = 16 << 20

// Frame is the envelope placed on the wire: uvarint kind, uvarint command,
// zigzag varint message id, uvarint payload length, payload.
type Frame struct {
	Kind      FrameKind
	Cmd       uint32
	MessageID int64
	Payload   []byte
}

func zigzag(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

func EncodeFrame(f Frame) ([]byte, error) {
	if f.Kind == 0 {
		return nil, fmt.Errorf("relaycmd frame: kind is required")
	}
	if len(f.Payload) > MaxFramePayload {
		return nil, fmt.Errorf("relaycmd frame: %w", contracts.ErrPayloadTooLarge)
	}
	size := varint.UvarintSize(uint64(f.Kind)) +
		varint.UvarintSize(uint64(f.Cmd)) +
		varint.UvarintSize(zigzag(f.MessageID)) +
		varint.UvarintSize(uint64(len(f.Payload))) +
		len(f.Payload)
	out := make([]byte, 0, size)
	out = append(out, varint.ToUvarint(uint64(f.Kind))...)
	out = append(out, varint.ToUvarint(uint64(f.Cmd))...)
	out = append(out, varint.ToUvarint(zigzag(f.MessageID))...)
	out = append(out, varint.ToUvarint(uint64(len(f.Payload)))...)
	out = append(out, f.Payload...)
	return out, nil
}

func DecodeFrame(data []byte) (Frame, error) {
	var (
		f      Frame
		offset int
	)
	next := func(field string) (uint64, error) {
		v, n, err := varint.FromUvarint(data[offset:])
		if err != nil {
			return 0, fmt.Errorf("%w: frame %s: %v", contracts.ErrDecodeFailure, field, err)
		}
		offset += n
		return v, nil
	}
	kind, err := next("kind")
	if err != nil {
		return Frame{}, err
	}
	if kind == 0 || kind > uint64(FramePresence) {
		return Frame{}, fmt.Errorf("%w: frame kind %d", contracts.ErrDecodeFailure, kind)
	}
	cmd, err := next("cmd")
	if err != nil {
		return Frame{}, err
	}
	if cmd > uint64(^uint32(0)) {
		return Frame{}, fmt.Errorf("%w: frame cmd overflow", contracts.ErrDecodeFailure)
	}
	id, err := next("message_id")
	if err != nil {
		return Frame{}, err
	}
	length, err := next("length")
	if err != nil {
		return Frame{}, err
	}
	if length > MaxFramePayload || uint64(len(data)-offset) != length {
		return Frame{}, fmt.Errorf("%w: frame length %d, have %d", contracts.ErrDecodeFailure, length, len(data)-offset)
	}
	f.Kind = FrameKind(kind)
	f.Cmd = uint32(cmd)
	f.MessageID = unzigzag(id)
	if length > 0 {
		f.Payload = append([]byte(nil), data[offset:]...)
	}
	return f, nil
}
