package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/i5heu/ephemeral/internal/client"
	"github.com/i5heu/ephemeral/internal/config"
	"github.com/i5heu/ephemeral/internal/directory"
	"github.com/i5heu/ephemeral/internal/health"
	"github.com/i5heu/ephemeral/internal/metrics"
	"github.com/i5heu/ephemeral/internal/store"
	"github.com/i5heu/ephemeral/internal/transport"
	"github.com/i5heu/ephemeral/pkg/crypt"
	"github.com/i5heu/ephemeral/pkg/identity"
	"github.com/i5heu/ephemeral/pkg/interfaces"
	"github.com/i5heu/ephemeral/pkg/logging"
	"github.com/sirupsen/logrus"
)

const (
	logKeyName        = "name"
	logKeyMode        = "mode"
	logKeyDataDir     = "dataDir"
	logKeyListenAddr  = "listenAddr"
	logKeyMetricsAddr = "metricsAddr"
	logKeySignal      = "signal"
	logKeyPath        = "path"
	logKeyCount       = "count"
	logKeyError       = "error"
)

func main() { // A
	opts := parseFlags()

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level, err := logging.ParseLevel(cfg.Node.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New(os.Stderr, level, true)

	logger.Info("starting ephemeral node",
		logKeyName, cfg.Node.Name,
		logKeyDataDir, cfg.Node.DataDir,
		logKeyListenAddr, cfg.Node.ListenAddr,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("node error", logKeyError, err.Error())
		os.Exit(1)
	}
}

// nodeFlags holds the command line switches. Zero values
// leave the config file untouched.
type nodeFlags struct { // A
	configPath  string
	name        string
	mode        string
	dataDir     string
	listenAddr  string
	advertise   string
	metricsAddr string
	logLevel    string
	keyBits     int
	debug       bool
	exportPath  string
	importPath  string
	assumeYes   bool
}

func parseFlags() nodeFlags { // A
	var f nodeFlags
	flag.StringVar(&f.configPath, "config", "",
		"Path to a YAML config file")
	flag.StringVar(&f.name, "name", "",
		"Display name of the local identity")
	flag.StringVar(&f.mode, "mode", "",
		"Identity mode: guest, createid or reuseid (default: last session's mode)")
	flag.StringVar(&f.dataDir, "data", "",
		"Path to data directory")
	flag.StringVar(&f.listenAddr, "listen", "",
		"QUIC listen address")
	flag.StringVar(&f.advertise, "advertise", "",
		"Address published to the peer cloud")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics and node status on this address")
	flag.StringVar(&f.logLevel, "log-level", "",
		"Log level: debug, info, warn or error")
	flag.IntVar(&f.keyBits, "key-bits", 0,
		"RSA modulus length for new identities")
	flag.BoolVar(&f.debug, "debug", false,
		"Enable debug logging")
	flag.StringVar(&f.exportPath, "export", "",
		"Write a cache snapshot to this file on shutdown")
	flag.StringVar(&f.importPath, "import", "",
		"Import a cache snapshot from this file after startup")
	flag.BoolVar(&f.assumeYes, "yes", false,
		"Answer yes to destructive confirmations")
	flag.Parse()
	return f
}

func loadConfig(f nodeFlags) (config.Config, error) { // A
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	n := &cfg.Node
	override(&n.Name, f.name)
	override(&n.Mode, f.mode)
	override(&n.DataDir, f.dataDir)
	override(&n.ListenAddr, f.listenAddr)
	override(&n.AdvertiseAddr, f.advertise)
	override(&n.MetricsAddr, f.metricsAddr)
	override(&n.LogLevel, f.logLevel)
	if f.keyBits > 0 {
		n.KeyBits = f.keyBits
	}
	if f.debug {
		n.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func override(dst *string, v string) { // A
	if v != "" {
		*dst = v
	}
}

// run is the node lifecycle, separated for testability.
func run( // A
	ctx context.Context,
	cfg config.Config,
	f nodeFlags,
	logger *slog.Logger,
) error {
	if err := os.MkdirAll(cfg.Node.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	mode, err := resolveMode(cfg.Node, f.mode != "")
	if err != nil {
		return err
	}

	provider := crypt.New()
	if cfg.Node.KeyBits > 0 {
		provider.Bits = cfg.Node.KeyBits
	}

	dir := directory.NewClient(cfg.Settings.PeerCloud.BaseURL(), nil)
	tr, err := transport.NewQUIC(transport.QUICConfig{
		ListenAddr:    cfg.Node.ListenAddr,
		AdvertiseAddr: cfg.Node.AdvertiseAddr,
		Registry:      dir,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	m := metrics.New()
	ui := newConsoleUI(os.Stdin, os.Stdout, f.assumeYes)

	c, err := client.New(client.Config{
		Settings:    cfg.Settings,
		Name:        cfg.Node.Name,
		Mode:        mode,
		Transport:   tr,
		Directory:   dir,
		UI:          ui,
		Crypt:       provider,
		OpenDurable: durableOpener(cfg.Node, provider),
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("close client", logKeyError, err.Error())
		}
	}()

	if err := writeMode(cfg.Node.DataDir, c.Mode()); err != nil {
		logger.Warn("save session mode", logKeyError, err.Error())
	}
	logger.Info("identity ready",
		logKeyName, c.Self().Name,
		logKeyMode, string(c.Mode()),
	)

	if cfg.Node.MetricsAddr != "" {
		stop := serveMetrics(cfg.Node.MetricsAddr, m, c, logger)
		defer stop()
	}

	if f.importPath != "" {
		if err := importSnapshot(ctx, c, f.importPath, logger); err != nil {
			return err
		}
	}

	go ui.readPosts(ctx, c, logger)

	select {
	case <-ctx.Done():
	case <-c.Done():
	}

	if f.exportPath != "" {
		// Export runs on the loop, which is gone after a
		// fatal error.
		if c.Err() == nil {
			if err := exportSnapshot(c, f.exportPath, logger); err != nil {
				logger.Error("export snapshot", logKeyError, err.Error())
			}
		}
	}
	return c.Err()
}

// resolveMode prefers an explicit flag, then the mode the
// last session recorded, then the config file.
func resolveMode(n config.Node, explicit bool) (identity.Mode, error) { // A
	if !explicit {
		if saved, ok := readMode(n.DataDir); ok {
			return saved, nil
		}
	}
	return identity.ParseMode(n.Mode)
}

func durableOpener( // A
	n config.Node,
	provider *crypt.RSA,
) client.BackendOpener {
	badgerLog := logrus.New()
	badgerLog.SetOutput(os.Stderr)
	badgerLog.SetLevel(logrus.WarnLevel)

	return func(ns string) (interfaces.Backend, error) {
		return store.OpenDurable(store.DurableConfig{
			Path:          filepath.Join(n.DataDir, "badger"),
			Namespace:     ns,
			MinimumFreeMB: n.MinimumFreeMB,
			Importer:      provider,
			Logger:        badgerLog,
		})
	}
}

// serveMetrics exposes /metrics and /status on addr and
// returns a function that stops the server.
func serveMetrics( // A
	addr string,
	m *metrics.Metrics,
	src health.Source,
	logger *slog.Logger,
) func() {
	router := mux.NewRouter().StrictSlash(true)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.Handle("/status", health.Handler(src)).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              addr,
		Handler:           handlers.RecoveryHandler()(router),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", logKeyMetricsAddr, addr)
		if err := srv.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", logKeyError, err.Error())
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func importSnapshot( // A
	ctx context.Context,
	c *client.Client,
	path string,
	logger *slog.Logger,
) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	res, err := c.Import(ctx, f)
	if err != nil {
		return err
	}
	logger.Info("snapshot imported",
		logKeyPath, path,
		"identities", res.Identities,
		"verified", res.Verified,
		"pending", res.Pending,
		"rejected", res.Rejected,
	)
	return nil
}

func exportSnapshot( // A
	c *client.Client,
	path string,
	logger *slog.Logger,
) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := c.Export(ctx, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	logger.Info("snapshot exported", logKeyPath, path, logKeyCount, n)
	return nil
}
