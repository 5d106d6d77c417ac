package securestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"tok-chat/go-backend/internal/testutil/fsperm"
)

var fastParams = Params{Time: 1, MemoryKB: 1024, Threads: 1}

func TestSealOpenRoundtrip(t *testing.T) {
	data, err := SealWith(fastParams, "pass", []byte("snapshot"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if !IsSealed(data) {
		t.Fatalf("sealed data must carry the envelope prefix")
	}
	plain, err := Open("pass", data)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(plain) != "snapshot" {
		t.Fatalf("unexpected plaintext: %q", string(plain))
	}
	if _, err := Open("other", data); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("wrong passphrase must fail auth, got=%v", err)
	}
}

func TestOpenTamperedFails(t *testing.T) {
	data, err := SealWith(fastParams, "pass", []byte("snapshot"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	data[len(data)-2] ^= 0xFF
	_, err = Open("pass", data)
	if !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected auth or envelope failure, got=%v", err)
	}
}

func TestOpenRejectsPlaintext(t *testing.T) {
	if _, err := Open("pass", []byte(`{"a":1}`)); !errors.Is(err, ErrPlaintext) {
		t.Fatalf("expected ErrPlaintext, got=%v", err)
	}
	if _, err := Seal("", []byte("x")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("empty passphrase must be rejected, got=%v", err)
	}
}

func TestFileRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	if data, err := ReadFile(path, "pass"); err != nil || data != nil {
		t.Fatalf("missing file must read as empty, data=%v err=%v", data, err)
	}
	if err := WriteFile(path, "pass", []byte("state")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	fsperm.AssertPrivateFile(t, path)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if !IsSealed(raw) {
		t.Fatalf("file must be sealed on disk")
	}
	data, err := ReadFile(path, "pass")
	if err != nil || string(data) != "state" {
		t.Fatalf("unexpected read, data=%q err=%v", data, err)
	}

	plainPath := filepath.Join(t.TempDir(), "plain.json")
	if err := WriteFile(plainPath, "", []byte("legacy")); err != nil {
		t.Fatalf("write plain: %v", err)
	}
	if data, err := ReadFile(plainPath, "pass"); err != nil || string(data) != "legacy" {
		t.Fatalf("plaintext file must be accepted, data=%q err=%v", data, err)
	}
}
