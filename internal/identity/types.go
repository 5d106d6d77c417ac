package identity

import (
	"encoding/hex"
	"strings"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

const (
	KeySize = 32

	addressPrefix = "tok1"
)

type PublicKey [KeySize]byte

// Hex is the relay wire form of a public key.
func (k PublicKey) Hex() string {
	return strings.ToUpper(hex.EncodeToString(k[:]))
}

// Address is the shareable "tok1" form of a public key.
func (k PublicKey) Address() string {
	return addressPrefix + base58.Encode(k[:])
}

// Fingerprint is a short stable id for a key, safe to show to users.
func (k PublicKey) Fingerprint() string {
	sum := blake2b.Sum256(k[:])
	return base58.Encode(sum[:8])
}

// Identity is the local key pair. The private half never leaves the process.
type Identity struct {
	Public  PublicKey
	private [KeySize]byte
}

func (id *Identity) Key() string { return id.Public.Hex() }

// Address is the shareable form of the public key.
func (id *Identity) Address() string { return id.Public.Address() }
