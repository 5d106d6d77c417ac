package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides lets TOK_* variables override file values. Unparseable
// values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	envSet(&cfg.Identity.Mnemonic, "TOK_MNEMONIC")
	envSet(&cfg.Identity.Path, "TOK_IDENTITY_PATH")
	envSet(&cfg.Identity.Passphrase, "TOK_IDENTITY_PASSPHRASE")
	envSet(&cfg.Relays.Group, "TOK_RELAY_GROUP")
	envSet(&cfg.Relays.Offline, "TOK_RELAY_OFFLINE")
	envSet(&cfg.Relays.File, "TOK_RELAY_FILE")
	envSet(&cfg.Storage.Driver, "TOK_STORAGE_DRIVER")
	envSet(&cfg.Storage.Path, "TOK_STORAGE_PATH")
	envSet(&cfg.Storage.Passphrase, "TOK_STORAGE_PASSPHRASE")
	envSet(&cfg.Network.Transport, "TOK_NETWORK_TRANSPORT")
	if nodes := envCSV("TOK_NETWORK_BOOTSTRAP_NODES"); nodes != nil {
		cfg.Network.BootstrapNodes = nodes
	}
	cfg.Network.FailoverV1 = envBoolWithFallback("TOK_NETWORK_FAILOVER_V1", cfg.Network.FailoverV1)
	cfg.Network.Port = envBoundedIntWithFallback("TOK_NETWORK_PORT", cfg.Network.Port, 0, 65535)
	cfg.Delivery.MaxAttempts = envIntWithFallback("TOK_DELIVERY_MAX_ATTEMPTS", cfg.Delivery.MaxAttempts)
	cfg.History.PullLeaseTTL = envDurationWithFallback("TOK_HISTORY_PULL_LEASE_TTL", cfg.History.PullLeaseTTL)
	cfg.Policy.AutoRejectJoins = envBoolWithFallback("TOK_POLICY_AUTO_REJECT_JOINS", cfg.Policy.AutoRejectJoins)
	envSet(&cfg.Log.Level, "TOK_LOG_LEVEL")
	envSet(&cfg.Log.Format, "TOK_LOG_FORMAT")
	envSet(&cfg.Metrics.Listen, "TOK_METRICS_LISTEN")
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envSet(dst *string, key string) {
	if v := envString(key); v != "" {
		*dst = v
	}
}

func envCSV(key string) []string {
	raw := envString(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envBoolWithFallback(key string, fallback bool) bool {
	switch strings.ToLower(envString(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envIntWithFallback(key string, fallback int) int {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBoundedIntWithFallback(key string, fallback, lo, hi int) int {
	return min(max(envIntWithFallback(key, fallback), lo), hi)
}

func envDurationWithFallback(key string, fallback time.Duration) time.Duration {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
