package relaycmd

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"tok-chat/go-backend/internal/domains/contracts"
)

// Marshal encodes a payload record as snappy-compressed JSON.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("relaycmd marshal %T: %w", v, err)
	}
	return snappy.Encode(nil, raw), nil
}

// Unmarshal decodes a payload produced by Marshal. Every failure wraps
// contracts.ErrDecodeFailure. A declared body above MaxFramePayload is
// rejected before anything is allocated for it.
func Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", contracts.ErrDecodeFailure)
	}
	size, err := snappy.DecodedLen(data)
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrDecodeFailure, err)
	}
	if size > MaxFramePayload {
		return fmt.Errorf("%w: decoded payload %d exceeds %d", contracts.ErrDecodeFailure, size, MaxFramePayload)
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrDecodeFailure, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %T: %v", contracts.ErrDecodeFailure, v, err)
	}
	return nil
}

// Decode is the typed form of Unmarshal.
func Decode[T any](data []byte) (T, error) {
	var out T
	err := Unmarshal(data, &out)
	return out, err
}
