package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mr-tron/base58/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrMnemonicRequired = errors.New("mnemonic is required")
	ErrInvalidKey       = errors.New("invalid public key")
)

const hkdfInfoEncryption = "tok/identity/encryption/v1"

// NewMnemonic returns a fresh 24-word BIP-39 mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// FromMnemonic derives the X25519 key pair for mnemonic. passphrase is the
// optional BIP-39 passphrase.
func FromMnemonic(mnemonic, passphrase string) (*Identity, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if mnemonic == "" {
		return nil, ErrMnemonicRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return FromSeed(bip39.NewSeed(mnemonic, passphrase))
}

func FromSeed(seed []byte) (*Identity, error) {
	priv, err := hkdfExpand(seed, hkdfInfoEncryption, KeySize)
	if err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	id := &Identity{}
	copy(id.private[:], priv)
	copy(id.Public[:], pub)
	clear(priv)
	return id, nil
}

// SharedSecret is the X25519 agreement between the local key and peer.
func (id *Identity) SharedSecret(peer PublicKey) ([]byte, error) {
	shared, err := curve25519.X25519(id.private[:], peer[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return shared, nil
}

// ParseKey accepts the hex wire form or the "tok1" address form.
func ParseKey(s string) (PublicKey, error) {
	var out PublicKey
	s = strings.TrimSpace(s)
	var raw []byte
	var err error
	if strings.HasPrefix(s, addressPrefix) {
		raw, err = base58.Decode(strings.TrimPrefix(s, addressPrefix))
	} else {
		raw, err = hex.DecodeString(s)
	}
	if err != nil || len(raw) != KeySize {
		return out, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	copy(out[:], raw)
	return out, nil
}

// NormalizeKey rewrites an address or hex key into the hex wire form.
// Unparseable input is returned unchanged.
func NormalizeKey(s string) string {
	k, err := ParseKey(s)
	if err != nil {
		return s
	}
	return k.Hex()
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
