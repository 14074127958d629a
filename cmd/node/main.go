package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/galaxy-chat/relay/internal/bridge"
	"github.com/galaxy-chat/relay/internal/config"
	"github.com/galaxy-chat/relay/internal/gate"
	"github.com/galaxy-chat/relay/internal/history"
	"github.com/galaxy-chat/relay/internal/keystore"
	"github.com/galaxy-chat/relay/internal/logging"
	"github.com/galaxy-chat/relay/internal/registry"
	"github.com/galaxy-chat/relay/internal/relay"
	"github.com/galaxy-chat/relay/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.NodeRole)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	if cfg.Keystore.Path != "" {
		cfg = loadSecrets(logger, cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	relayMetrics := relay.NewMetrics(promReg)
	bridgeMetrics := bridge.NewMetrics(promReg)

	recorder := openRecorder(logger, cfg)
	defer recorder.Close()

	var peer relay.PeerLink
	var bridgeClient *bridge.Client
	if cfg.Bridge.PeerURL != "" {
		bridgeClient = bridge.NewClient(bridge.ClientConfig{
			Log:     logger,
			PeerURL: cfg.Bridge.PeerURL,
			Secret:  cfg.Bridge.Secret,
			Timeout: cfg.Bridge.Timeout,
			Metrics: bridgeMetrics,
		})
		peer = bridgeClient
	}

	rel := relay.New(logger, relay.Options{
		NodeRole:        relay.NodeRole(cfg.NodeRole),
		AdminUsername:   cfg.Admin.Username,
		AdminCredential: cfg.Admin.Credential,
		HistoryLimit:    cfg.History.Limit,
		BridgeTimeout:   cfg.Bridge.Timeout,
		Metrics:         relayMetrics,
	}, registry.NewInMemory(), gate.New(cfg.PreApproved), peer, recorder)

	var bridgeHandler *bridge.Handler
	if cfg.Bridge.Secret != "" {
		bridgeHandler = bridge.NewHandler(logger, cfg.Bridge.Secret, rel, rel, bridgeMetrics)
	}

	rel.Start(ctx)
	if bridgeClient != nil {
		bridgeClient.Start(ctx)
	}

	srv := newNodeServer(cfg, logger, rel, bridgeHandler, promReg, relayMetrics)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func newNodeServer(cfg config.Config, logger *zap.Logger, rel *relay.Relay, handler *bridge.Handler, promReg *prometheus.Registry, metrics *relay.Metrics) *server.NodeServer {
	if handler == nil {
		return server.NewNodeServer(cfg, logger, rel, nil, promReg, metrics)
	}
	return server.NewNodeServer(cfg, logger, rel, handler, promReg, metrics)
}

// loadSecrets pulls the bridge secret and admin credential from the
// encrypted keystore. Config-supplied values seed the keystore on first run;
// afterwards the keystore copy wins.
func loadSecrets(log *zap.Logger, cfg config.Config) config.Config {
	passphrase, err := cfg.Passphrase()
	if err != nil {
		log.Fatal("keystore passphrase unavailable", zap.Error(err))
	}

	backend := keystore.NewFileBackend(cfg.Keystore.Path)
	initOrUnlockKeystore(log, backend, passphrase)

	cfg.Bridge.Secret = resolveSecret(log, backend, keystore.SecretBridge, cfg.Bridge.Secret)
	cfg.Admin.Credential = resolveSecret(log, backend, keystore.SecretAdminCredential, cfg.Admin.Credential)
	return cfg
}

func resolveSecret(log *zap.Logger, backend keystore.SecretStore, secretID, fromConfig string) string {
	ctx := context.Background()
	stored, err := backend.LoadSecret(ctx, secretID)
	if err == nil {
		return string(stored)
	}
	if !errors.Is(err, os.ErrNotExist) {
		log.Fatal("load secret", zap.String("secret_id", secretID), zap.Error(err))
	}
	if fromConfig == "" {
		return ""
	}
	if err := backend.StoreSecret(ctx, secretID, []byte(fromConfig)); err != nil {
		log.Fatal("seed secret", zap.String("secret_id", secretID), zap.Error(err))
	}
	log.Info("seeded keystore secret", zap.String("secret_id", secretID))
	return fromConfig
}

func initOrUnlockKeystore(log *zap.Logger, backend keystore.SecretStore, passphrase string) {
	ctx := context.Background()
	if err := backend.Unlock(ctx, passphrase); err != nil {
		if errors.Is(err, keystore.ErrNotInitialized) {
			if err := backend.Initialize(ctx, passphrase); err != nil {
				log.Fatal("initialize keystore", zap.Error(err))
			}
			log.Info("initialized new keystore", zap.String("path", getBackendPath(backend)))
			return
		}
		log.Fatal("unlock keystore", zap.Error(err))
		return
	}
	log.Info("keystore unlocked")
}

// getBackendPath extracts the path if the backend is the FileBackend implementation.
func getBackendPath(backend keystore.SecretStore) string {
	if fb, ok := backend.(*keystore.FileBackend); ok {
		return fb.Path()
	}
	return ""
}

func openRecorder(log *zap.Logger, cfg config.Config) history.Recorder {
	if cfg.History.Path == "" {
		return history.Nop{}
	}
	store, err := history.Open(cfg.History.Path)
	if err != nil {
		log.Fatal("open history store", zap.String("path", cfg.History.Path), zap.Error(err))
	}
	log.Info("history store opened", zap.String("path", cfg.History.Path))
	return store
}
