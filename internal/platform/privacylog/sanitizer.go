package privacylog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const redacted = "[REDACTED]"

var (
	fingerprintKey = newFingerprintKey()

	// Identifying values are replaced by a per-process keyed fingerprint so
	// log lines stay correlatable within one run only.
	identifyingKeys = map[string]struct{}{
		"conversation_id": {},
		"message_id":      {},
		"peer_key":        {},
		"friend_key":      {},
		"sender_key":      {},
		"local_key":       {},
	}
	secretKeyParts = []string{"mnemonic", "passphrase", "password", "secret", "token", "seed", "private"}
)

// Handler redacts secrets and fingerprints identifiers before delegating.
type Handler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &Handler{next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(Sanitize(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		clean = append(clean, Sanitize(a))
	}
	return &Handler{next: h.next.WithAttrs(clean)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}

// Sanitize rewrites a single attribute, descending into groups.
func Sanitize(a slog.Attr) slog.Attr {
	key := strings.ToLower(strings.TrimSpace(a.Key))
	switch {
	case isSecret(key):
		return slog.String(a.Key, redacted)
	case isIdentifying(key):
		return slog.String(a.Key+"_fp", Fingerprint(render(a.Value.Resolve())))
	case a.Value.Kind() == slog.KindGroup:
		group := a.Value.Group()
		clean := make([]any, 0, len(group))
		for _, inner := range group {
			clean = append(clean, Sanitize(inner))
		}
		return slog.Group(a.Key, clean...)
	default:
		return a
	}
}

// Fingerprint returns a short keyed hash of value; empty stays empty.
func Fingerprint(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	mac, err := blake2b.New256(fingerprintKey)
	if err != nil {
		return "fp_unavailable"
	}
	_, _ = mac.Write([]byte(value))
	return "fp_" + hex.EncodeToString(mac.Sum(nil)[:8])
}

func isIdentifying(key string) bool {
	_, ok := identifyingKeys[key]
	return ok
}

func isSecret(key string) bool {
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func render(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return fmt.Sprintf("%d", v.Int64())
	case slog.KindUint64:
		return fmt.Sprintf("%d", v.Uint64())
	default:
		return fmt.Sprint(v.Any())
	}
}

func newFingerprintKey() []byte {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return []byte("tok-fingerprint-fallback-key-000")
	}
	return key
}
