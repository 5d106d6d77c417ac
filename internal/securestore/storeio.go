package securestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ReadFile returns the snapshot at path, opening it when passphrase is set.
// A missing file yields nil data and no error. A plaintext file is accepted
// so a store can be encrypted after the fact.
func ReadFile(path, passphrase string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) == 0 || passphrase == "" {
		return raw, nil
	}
	plain, err := Open(passphrase, raw)
	if errors.Is(err, ErrPlaintext) {
		return raw, nil
	}
	return plain, err
}

// WriteFile seals data when passphrase is set and replaces path atomically.
func WriteFile(path, passphrase string, data []byte) error {
	if passphrase != "" {
		sealed, err := Seal(passphrase, data)
		if err != nil {
			return err
		}
		data = sealed
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o600); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
