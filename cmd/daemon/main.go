package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	media "github.com/i5heu/ouroboros-media"
	"github.com/i5heu/ouroboros-media/internal/api"
	"github.com/i5heu/ouroboros-media/internal/config"
	"github.com/i5heu/ouroboros-media/internal/custody"
	"github.com/i5heu/ouroboros-media/internal/keyValStore"
	"github.com/i5heu/ouroboros-media/internal/metastore"
	"github.com/i5heu/ouroboros-media/internal/policy"
	"github.com/i5heu/ouroboros-media/internal/seal"
	"github.com/i5heu/ouroboros-media/internal/segmenter"
	"github.com/i5heu/ouroboros-media/internal/storagenet"
	"github.com/i5heu/ouroboros-media/pkg/interfaces"
	"github.com/i5heu/ouroboros-media/pkg/logging"
)

const (
	logKeyListenAddr = "listenAddr"
	logKeyStorePath  = "storePath"
	logKeyInMemory   = "inMemory"
	logKeyNetwork    = "network"
	logKeySignal     = "signal"
	logKeyError      = "error"
	logKeyKeyPath    = "keyPath"
	logKeyKeyServer  = "keyServer"
	logKeyAddress    = "address"
	logKeyConfig     = "config"

	shutdownTimeout = 15 * time.Second
)

func main() {
	flags := parseFlags()

	cfg, err := config.Load(flags.configPath, flags.envFile)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ouroboros-media: %v\n", err)
		os.Exit(2)
	}
	flags.apply(&cfg)

	logger := logging.New(logging.Options{Level: cfg.Log.Level, NoColor: cfg.Log.NoColor})
	logger.Info("starting ouroboros-media daemon",
		logKeyConfig, flags.configPath,
		logKeyListenAddr, cfg.Server.Listen,
		logKeyStorePath, cfg.Store.Path,
		logKeyInMemory, cfg.Store.InMemory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon error", logKeyError, err)
		os.Exit(1)
	}
}

// daemonFlags override the loaded configuration.
type daemonFlags struct {
	configPath string
	envFile    string
	listenAddr string
	storePath  string
	inMemory   bool
	debug      bool
}

func parseFlags() daemonFlags {
	f := daemonFlags{}
	flag.StringVar(&f.configPath, "config", "", "Path to a YAML config file")
	flag.StringVar(&f.envFile, "env", ".env", "Path to a .env file, ignored when missing")
	flag.StringVar(&f.listenAddr, "listen", "", "HTTP listen address, overrides the config")
	flag.StringVar(&f.storePath, "store", "", "Metadata store directory, overrides the config")
	flag.BoolVar(&f.inMemory, "in-memory", false, "Keep metadata in memory (lost on exit)")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

func (f daemonFlags) apply(cfg *config.Config) {
	if f.listenAddr != "" {
		cfg.Server.Listen = f.listenAddr
	}
	if f.storePath != "" {
		cfg.Store.Path = f.storePath
	}
	if f.inMemory {
		cfg.Store.InMemory = true
	}
	if f.debug {
		cfg.Log.Level = "debug"
	}
}

// run wires the service and serves HTTP until ctx is done.
//
//nolint:cyclop // Main orchestration function is inherently complex
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	kv, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logger.Warn("error closing store", logKeyError, err)
		}
	}()
	kv.StartTransactionCounter(ctx, 5*time.Minute)

	meta, err := metastore.New(metastore.Config{KV: kv, Logger: logger})
	if err != nil {
		return fmt.Errorf("create metastore: %w", err)
	}

	masterKey, err := loadMasterKey(cfg.Keys)
	if err != nil {
		return err
	}
	cust, err := custody.New(masterKey)
	custody.Zero(masterKey)
	if err != nil {
		return fmt.Errorf("create key custody: %w", err)
	}

	oracle := policy.NewAllowList(cfg.Policy, logger)

	keyServers := make([]interfaces.KeyServer, 0, len(cfg.Keys.KeyServers))
	for _, ksCfg := range cfg.Keys.KeyServers {
		priv, err := readHexFile(ksCfg.PrivateKeyFile)
		if err != nil {
			return fmt.Errorf("key server %s: %w", ksCfg.ID, err)
		}
		ks, err := seal.LoadLocalKeyServer(ksCfg.ID, priv, oracle, logger)
		custody.Zero(priv)
		if err != nil {
			return err
		}
		keyServers = append(keyServers, ks)
		logger.Debug("key server loaded", logKeyKeyServer, ksCfg.ID, logKeyKeyPath, ksCfg.PrivateKeyFile)
	}

	network, storageHandler := buildNetwork(cfg.Network, logger)

	svc, err := media.New(media.Config{
		Transcoder: segmenter.New(segmenter.Config{
			SegmentSize:     cfg.Segmenter.SegmentSize,
			SegmentDuration: cfg.Segmenter.SegmentDuration.Std(),
			ContentDefined:  cfg.Segmenter.ContentDefined,
			InitSegment:     cfg.Segmenter.InitSegment,
			PosterSize:      cfg.Segmenter.PosterSize,
			Logger:          logger,
		}),
		Network:              network,
		Metadata:             meta,
		Sessions:             meta,
		Oracle:               oracle,
		Custody:              cust,
		KeyServers:           keyServers,
		SealThreshold:        cfg.Keys.SealThreshold,
		PlaylistBaseURL:      cfg.Server.PlaylistBaseURL,
		Epochs:               cfg.Network.Epochs,
		BatchSize:            cfg.Upload.BatchSize,
		MaxConcurrentBatches: cfg.Upload.MaxConcurrentBatches,
		MaxInFlight:          cfg.Upload.MaxInFlight,
		MaxAttempts:          cfg.Upload.MaxAttempts,
		RetryDelay:           cfg.Upload.RetryDelay.Std(),
		SessionWindow:        cfg.Session.Window.Std(),
		SessionMaxLifetime:   cfg.Session.MaxLifetime.Std(),
		SweepInterval:        cfg.Session.SweepInterval.Std(),
		Logger:               logger,
	})
	if err != nil {
		return fmt.Errorf("create media service: %w", err)
	}
	svc.Start(ctx)
	defer svc.Close()

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithCatalog(meta),
		api.WithViewerHeader(cfg.Server.ViewerHeader),
		api.WithSecureCookies(cfg.Server.SecureCookies),
		api.WithMaxUploadSize(cfg.Upload.MaxSourceSize),
		api.WithHealthCheck(storeHealth(kv, cfg.Store.MinimumFreeSpace)),
	}
	if signer := loadSigner(cfg.Keys.SignerKeyFile, logger); signer != nil {
		opts = append(opts, api.WithSigner(signer))
	}
	if storageHandler != nil {
		opts = append(opts, api.WithStorageHandler(storageHandler))
	}
	handler := api.New(svc, opts...)
	defer handler.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("daemon started", logKeyListenAddr, cfg.Server.Listen)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("daemon shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error stopping http server", logKeyError, err)
	}
	return nil
}

func openStore(cfg config.Config, logger *slog.Logger) (*keyValStore.KeyValStore, error) {
	badgerLog := logrus.New()
	badgerLog.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		badgerLog.SetLevel(lvl)
	}

	storeCfg := keyValStore.StoreConfig{
		MinimumFreeSpace: cfg.Store.MinimumFreeSpace,
		InMemory:         cfg.Store.InMemory,
		Logger:           badgerLog,
	}
	if !cfg.Store.InMemory {
		if err := os.MkdirAll(cfg.Store.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		storeCfg.Paths = []string{cfg.Store.Path}
	}
	kv, err := keyValStore.NewKeyValStore(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	logger.Info("metadata store opened", logKeyStorePath, cfg.Store.Path, logKeyInMemory, cfg.Store.InMemory)
	return kv, nil
}

// storeHealth fails once the metadata disk drops below minFreeGB.
func storeHealth(kv *keyValStore.KeyValStore, minFreeGB int) func(context.Context) error {
	return func(context.Context) error {
		usages, err := kv.DiskUsage()
		if err != nil {
			return err
		}
		for _, u := range usages {
			if free := u.Free >> 30; free < uint64(minFreeGB) {
				return fmt.Errorf("%s: %d GB free, %d GB required", u.Path, free, minFreeGB)
			}
		}
		return nil
	}
}

// buildNetwork returns the remote storage client when a URL is set and the
// in-process network otherwise. The handler is non-nil when the local
// network should be served.
func buildNetwork(cfg config.Network, logger *slog.Logger) (interfaces.StorageNetwork, http.Handler) {
	if cfg.URL != "" {
		logger.Info("using remote storage network", logKeyNetwork, cfg.URL)
		return storagenet.NewClient(cfg.URL, &http.Client{Timeout: 2 * time.Minute}), nil
	}
	logger.Warn("using in-process storage network, blobs are lost on exit")
	local := storagenet.NewLocalNetwork(storagenet.LocalConfig{
		DataShards:   cfg.DataShards,
		ParityShards: cfg.ParityShards,
		Logger:       logger,
	})
	if cfg.Serve {
		return local, storagenet.NewHandler(local, logger)
	}
	return local, nil
}

func loadMasterKey(cfg config.Keys) ([]byte, error) {
	if cfg.MasterKey != "" {
		return custody.ParseMasterKey(cfg.MasterKey)
	}
	key, err := custody.LoadMasterKeyFile(cfg.MasterKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load master key (run keygen first?): %w", err)
	}
	return key, nil
}

// loadSigner returns nil when no signer is configured; uploads are then
// rejected but playback keeps working.
func loadSigner(path string, logger *slog.Logger) interfaces.Signer {
	if path == "" {
		logger.Warn("no signer key configured, uploads are disabled")
		return nil
	}
	signer, err := storagenet.LoadSignerFile(path)
	if err != nil {
		logger.Warn("signer key unavailable, uploads are disabled", logKeyKeyPath, path, logKeyError, err)
		return nil
	}
	logger.Info("signer loaded", logKeyAddress, signer.Address())
	return signer
}

func readHexFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	b, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return b, nil
}
