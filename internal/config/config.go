package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tok-chat/go-backend/internal/domains/contracts"
	"tok-chat/go-backend/internal/identity"
	"tok-chat/go-backend/internal/waku"
)

const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

type Config struct {
	Identity IdentityConfig
	Relays   contracts.RelayDirectory
	Delivery DeliveryConfig
	History  HistoryConfig
	Storage  StorageConfig
	Network  waku.Config
	Inbound  InboundConfig
	Policy   PolicyConfig
	Log      LogConfig
	Metrics  MetricsConfig
}

type IdentityConfig struct {
	// Mnemonic wins over Path when both are set.
	Mnemonic   string `yaml:"mnemonic"`
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase"`
}

type DeliveryConfig struct {
	AttemptTimeout     time.Duration `yaml:"attemptTimeout"`
	FirstRetryDelay    time.Duration `yaml:"firstRetryDelay"`
	RetryDelay         time.Duration `yaml:"retryDelay"`
	MaxAttempts        int           `yaml:"maxAttempts"`
	MaxTextLength      int           `yaml:"maxTextLength"`
	StaleSendingAge    time.Duration `yaml:"staleSendingAge"`
	OfflineFileCeiling int64         `yaml:"offlineFileCeiling"`
}

type HistoryConfig struct {
	PhysicalPage  int           `yaml:"physicalPage"`
	DefaultPage   int           `yaml:"defaultPage"`
	PullLeaseTTL  time.Duration `yaml:"pullLeaseTTL"`
	SeenCacheSize int           `yaml:"seenCacheSize"`
}

type StorageConfig struct {
	Driver     string `yaml:"driver"`
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase"`
}

type InboundConfig struct {
	DirectRatePerSecond float64       `yaml:"directRatePerSecond"`
	DirectBurst         int           `yaml:"directBurst"`
	LimiterIdleTTL      time.Duration `yaml:"limiterIdleTTL"`
}

type PolicyConfig struct {
	AutoRejectJoins bool `yaml:"autoRejectJoins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// fileConfig mirrors Config on disk. The network section keeps pointer
// booleans so an absent key leaves the default alone.
type fileConfig struct {
	Identity IdentityConfig           `yaml:"identity"`
	Relays   contracts.RelayDirectory `yaml:"relays"`
	Delivery DeliveryConfig           `yaml:"delivery"`
	History  HistoryConfig            `yaml:"history"`
	Storage  StorageConfig            `yaml:"storage"`
	Network  NetworkConfig            `yaml:"network"`
	Inbound  InboundConfig            `yaml:"inbound"`
	Policy   PolicyConfig             `yaml:"policy"`
	Log      LogConfig                `yaml:"log"`
	Metrics  MetricsConfig            `yaml:"metrics"`
}

func Default() Config {
	return Config{
		Delivery: DeliveryConfig{
			AttemptTimeout:     15 * time.Second,
			FirstRetryDelay:    32 * time.Second,
			RetryDelay:         5 * time.Second,
			MaxAttempts:        50,
			MaxTextLength:      343,
			StaleSendingAge:    5 * time.Minute,
			OfflineFileCeiling: 10 << 20,
		},
		History: HistoryConfig{
			PhysicalPage:  50,
			DefaultPage:   30,
			PullLeaseTTL:  2 * time.Minute,
			SeenCacheSize: 4096,
		},
		Storage: StorageConfig{Driver: StorageMemory},
		Network: waku.DefaultConfig(),
		Inbound: InboundConfig{
			DirectRatePerSecond: 20,
			DirectBurst:         40,
			LimiterIdleTTL:      10 * time.Minute,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configPath, or the first default candidate that exists, merges
// it onto Default and applies TOK_* environment overrides. A missing default
// file is not an error; a missing explicit one is.
func Load(configPath string) (Config, error) {
	return LoadWithDataDir(configPath, "")
}

// LoadWithDataDir is Load with identity and storage files defaulting into
// dataDir when the config leaves their paths empty.
func LoadWithDataDir(configPath, dataDir string) (Config, error) {
	cfg := Default()

	candidates := []string{"go-backend/configs/config.yaml", "configs/config.yaml"}
	if configPath != "" {
		candidates = []string{configPath}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" || !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	applyDataDir(&cfg, dataDir)
	cfg.Relays = contracts.RelayDirectory{
		Group:   identity.NormalizeKey(cfg.Relays.Group),
		Offline: identity.NormalizeKey(cfg.Relays.Offline),
		File:    identity.NormalizeKey(cfg.Relays.File),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func merge(dst *Config, src fileConfig) {
	if src.Identity.Mnemonic != "" {
		dst.Identity.Mnemonic = src.Identity.Mnemonic
	}
	if src.Identity.Path != "" {
		dst.Identity.Path = src.Identity.Path
	}
	if src.Identity.Passphrase != "" {
		dst.Identity.Passphrase = src.Identity.Passphrase
	}
	if src.Relays.Group != "" {
		dst.Relays.Group = src.Relays.Group
	}
	if src.Relays.Offline != "" {
		dst.Relays.Offline = src.Relays.Offline
	}
	if src.Relays.File != "" {
		dst.Relays.File = src.Relays.File
	}

	setDuration(&dst.Delivery.AttemptTimeout, src.Delivery.AttemptTimeout)
	setDuration(&dst.Delivery.FirstRetryDelay, src.Delivery.FirstRetryDelay)
	setDuration(&dst.Delivery.RetryDelay, src.Delivery.RetryDelay)
	setDuration(&dst.Delivery.StaleSendingAge, src.Delivery.StaleSendingAge)
	setInt(&dst.Delivery.MaxAttempts, src.Delivery.MaxAttempts)
	setInt(&dst.Delivery.MaxTextLength, src.Delivery.MaxTextLength)
	if src.Delivery.OfflineFileCeiling != 0 {
		dst.Delivery.OfflineFileCeiling = src.Delivery.OfflineFileCeiling
	}

	setInt(&dst.History.PhysicalPage, src.History.PhysicalPage)
	setInt(&dst.History.DefaultPage, src.History.DefaultPage)
	setInt(&dst.History.SeenCacheSize, src.History.SeenCacheSize)
	setDuration(&dst.History.PullLeaseTTL, src.History.PullLeaseTTL)

	if src.Storage.Driver != "" {
		dst.Storage.Driver = src.Storage.Driver
	}
	if src.Storage.Path != "" {
		dst.Storage.Path = src.Storage.Path
	}
	if src.Storage.Passphrase != "" {
		dst.Storage.Passphrase = src.Storage.Passphrase
	}

	MergeNetwork(&dst.Network, src.Network)

	if src.Inbound.DirectRatePerSecond != 0 {
		dst.Inbound.DirectRatePerSecond = src.Inbound.DirectRatePerSecond
	}
	setInt(&dst.Inbound.DirectBurst, src.Inbound.DirectBurst)
	setDuration(&dst.Inbound.LimiterIdleTTL, src.Inbound.LimiterIdleTTL)

	if src.Policy.AutoRejectJoins {
		dst.Policy.AutoRejectJoins = true
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
	if src.Metrics.Listen != "" {
		dst.Metrics.Listen = src.Metrics.Listen
	}
}

func applyDataDir(cfg *Config, dataDir string) {
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		return
	}
	if cfg.Identity.Path == "" && cfg.Identity.Mnemonic == "" {
		cfg.Identity.Path = filepath.Join(dataDir, "identity.enc")
	}
	if cfg.Storage.Path == "" {
		name := "state.enc"
		if cfg.Storage.Driver == StorageSQLite {
			name = "tok.db"
		}
		cfg.Storage.Path = filepath.Join(dataDir, name)
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Delivery.AttemptTimeout <= 0 || c.Delivery.RetryDelay <= 0 || c.Delivery.FirstRetryDelay <= 0 {
		errs = append(errs, errors.New("delivery timings must be positive"))
	}
	if c.Delivery.MaxAttempts <= 0 {
		errs = append(errs, errors.New("delivery.maxAttempts must be positive"))
	}
	if c.Delivery.MaxTextLength <= 0 {
		errs = append(errs, errors.New("delivery.maxTextLength must be positive"))
	}
	if c.History.PhysicalPage <= 0 || c.History.DefaultPage <= 0 {
		errs = append(errs, errors.New("history page sizes must be positive"))
	}
	if c.History.PullLeaseTTL < 0 {
		errs = append(errs, errors.New("history.pullLeaseTTL must not be negative"))
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	for name, key := range map[string]string{"group": c.Relays.Group, "offline": c.Relays.Offline, "file": c.Relays.File} {
		if key == "" {
			continue
		}
		if _, err := identity.ParseKey(key); err != nil {
			errs = append(errs, fmt.Errorf("relays.%s: %w", name, err))
		}
	}
	if err := waku.ValidateConfig(c.Network); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}
