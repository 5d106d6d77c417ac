package identity

import (
	"fmt"
	"strings"

	"tok-chat/go-backend/internal/securestore"
)

// LoadOrCreate returns the identity whose mnemonic is sealed at path. A
// missing file gets a fresh mnemonic, written back sealed with passphrase.
// created reports whether that happened.
func LoadOrCreate(path, passphrase string) (id *Identity, mnemonic string, created bool, err error) {
	data, err := securestore.ReadFile(path, passphrase)
	if err != nil {
		return nil, "", false, fmt.Errorf("read identity: %w", err)
	}
	if data != nil {
		mnemonic = strings.TrimSpace(string(data))
		clear(data)
		id, err = FromMnemonic(mnemonic, "")
		return id, mnemonic, false, err
	}
	mnemonic, err = NewMnemonic()
	if err != nil {
		return nil, "", false, err
	}
	if err := Save(path, passphrase, mnemonic); err != nil {
		return nil, "", false, err
	}
	id, err = FromMnemonic(mnemonic, "")
	return id, mnemonic, true, err
}

// Save seals mnemonic at path. An empty passphrase is rejected.
func Save(path, passphrase, mnemonic string) error {
	if strings.TrimSpace(passphrase) == "" {
		return fmt.Errorf("save identity: %w", securestore.ErrInvalid)
	}
	if err := securestore.WriteFile(path, passphrase, []byte(mnemonic)); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}
