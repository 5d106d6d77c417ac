//go:build !real_waku

package waku

import (
	"log/slog"

	"github.com/jonboulle/clockwork"
)

func newGoWakuBackend(*slog.Logger, clockwork.Clock) goWakuBackend { return nil }
