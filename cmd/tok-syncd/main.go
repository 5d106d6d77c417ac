package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tok-chat/go-backend/internal/composition/engine"
	"tok-chat/go-backend/internal/config"
	"tok-chat/go-backend/internal/crypto"
	"tok-chat/go-backend/internal/domains/contracts"
	"tok-chat/go-backend/internal/identity"
	"tok-chat/go-backend/internal/platform/metrics"
	"tok-chat/go-backend/internal/platform/msgid"
	"tok-chat/go-backend/internal/platform/privacylog"
	"tok-chat/go-backend/internal/storage"
	"tok-chat/go-backend/internal/waku"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

type closableStorage interface {
	contracts.Storage
	io.Closer
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for identity and storage files (optional)")
	transport := flag.String("transport", "", "Network transport override: go-waku | mock")
	flag.Parse()
	if *showVersion {
		fmt.Printf("tok-syncd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}
	if *transport != "" {
		_ = os.Setenv("TOK_NETWORK_TRANSPORT", *transport)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "tok-syncd failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, dataDir string) error {
	cfg, err := config.LoadWithDataDir(configPath, dataDir)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	id, err := loadIdentity(cfg.Identity, logger)
	if err != nil {
		return err
	}
	logger.Info("identity ready", "local_key", id.Key(), "fingerprint", id.Public.Fingerprint())

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("storage close failed", "category", contracts.ErrorCategoryStorage, "error", err.Error())
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	if cfg.Metrics.Listen != "" {
		stopMetrics := serveMetrics(cfg.Metrics.Listen, registry, logger)
		defer stopMetrics()
	}

	ids, err := msgid.New(id.Key())
	if err != nil {
		return err
	}
	sealer, err := crypto.NewOfflineSealer(id)
	if err != nil {
		return err
	}

	node := waku.NewNode(cfg.Network, waku.WithLogger(logger))
	node.SetIdentity(id.Key())

	eng, err := engine.New(id.Key(), engine.Deps{
		Storage:   store,
		Transport: node,
		Cipher:    sealer,
		IDs:       ids,
		Logger:    logger,
		Metrics:   m,
	}, cfg)
	if err != nil {
		return err
	}
	node.SetHandler(eng)

	if err := node.Start(ctx); err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := node.Stop(stopCtx); err != nil {
			logger.Warn("network stop failed", "category", contracts.ErrorCategoryNetwork, "error", err.Error())
		}
	}()

	logger.Info("tok-syncd starting", "version", version, "transport", cfg.Network.Transport, "storage", cfg.Storage.Driver)
	if err := eng.Run(ctx); err != nil {
		return err
	}
	logger.Info("tok-syncd stopped")
	return nil
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(privacylog.WrapHandler(h)), nil
}

func loadIdentity(cfg config.IdentityConfig, logger *slog.Logger) (*identity.Identity, error) {
	if cfg.Mnemonic != "" {
		return identity.FromMnemonic(cfg.Mnemonic, "")
	}
	if cfg.Path == "" {
		return nil, errors.New("identity: set identity.mnemonic, identity.path or -data-dir")
	}
	id, _, created, err := identity.LoadOrCreate(cfg.Path, cfg.Passphrase)
	if err != nil {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryCrypto, err)
	}
	if created {
		logger.Info("new identity created", "path", cfg.Path)
	}
	return id, nil
}

func openStorage(cfg config.StorageConfig) (closableStorage, error) {
	switch cfg.Driver {
	case config.StorageSQLite:
		return storage.OpenSQLiteStore(cfg.Path)
	default:
		if cfg.Path == "" {
			return storage.NewMemoryStore(), nil
		}
		return storage.OpenSnapshotStore(cfg.Path, cfg.Passphrase)
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err.Error())
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
