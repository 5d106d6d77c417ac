package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"tok-chat/go-backend/internal/identity"
)

var (
	ErrInvalidPeerKey = errors.New("invalid peer key")
	ErrMalformed      = errors.New("malformed sealed payload")
	ErrOpenFailed     = errors.New("sealed payload authentication failed")
)

const (
	sealedVersion  = 1
	hkdfInfo       = "tok/offline-relay/v1"
	peerCacheLimit = 256
)

// OfflineSealer encrypts payloads that travel through the offline relay.
// Both ends derive the same key from their X25519 shared secret, so the relay
// only ever sees ciphertext.
//
// Layout: version(1) | nonce(24) | ciphertext. The additional data binds the
// sender and recipient keys in that order.
type OfflineSealer struct {
	local *identity.Identity
	keys  *lru.Cache[identity.PublicKey, []byte]
}

func NewOfflineSealer(local *identity.Identity) (*OfflineSealer, error) {
	if local == nil {
		return nil, errors.New("offline sealer requires an identity")
	}
	keys, err := lru.New[identity.PublicKey, []byte](peerCacheLimit)
	if err != nil {
		return nil, err
	}
	return &OfflineSealer{local: local, keys: keys}, nil
}

func (s *OfflineSealer) Seal(peerKey string, plaintext []byte) ([]byte, error) {
	peer, key, err := s.peerKey(peerKey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	out[0] = sealedVersion
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, err
	}
	nonce := out[1 : 1+chacha20poly1305.NonceSizeX]
	return aead.Seal(out, nonce, plaintext, aad(s.local.Public, peer)), nil
}

// Open reverses Seal for a payload peerKey sealed for us.
func (s *OfflineSealer) Open(peerKey string, sealed []byte) ([]byte, error) {
	if len(sealed) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrMalformed
	}
	if sealed[0] != sealedVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformed, sealed[0])
	}
	peer, key, err := s.peerKey(peerKey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], aad(peer, s.local.Public))
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plain, nil
}

func (s *OfflineSealer) peerKey(peerKey string) (identity.PublicKey, []byte, error) {
	peer, err := identity.ParseKey(peerKey)
	if err != nil {
		return peer, nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	if key, ok := s.keys.Get(peer); ok {
		return peer, key, nil
	}
	shared, err := s.local.SharedSecret(peer)
	if err != nil {
		return peer, nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	defer clear(shared)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo)), key); err != nil {
		return peer, nil, err
	}
	s.keys.Add(peer, key)
	return peer, key, nil
}

func aad(sender, recipient identity.PublicKey) []byte {
	out := make([]byte, 0, 2*identity.KeySize)
	out = append(out, sender[:]...)
	return append(out, recipient[:]...)
}
