package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/i5heu/ephemeral/internal/directory"
	"github.com/i5heu/ephemeral/pkg/logging"
)

const (
	logKeyListenAddr = "listenAddr"
	logKeyPath       = "path"
	logKeyTTL        = "ttl"
	logKeySignal     = "signal"
	logKeyError      = "error"
)

type serverFlags struct { // A
	listenAddr string
	path       string
	ttl        time.Duration
	debug      bool
}

func parseFlags() serverFlags { // A
	var f serverFlags
	flag.StringVar(&f.listenAddr, "listen", ":9000",
		"HTTP listen address")
	flag.StringVar(&f.path, "path", "",
		"Path prefix the peer routes are mounted under")
	flag.DurationVar(&f.ttl, "ttl", directory.DefaultRegistrationTTL,
		"Registrations expire after this long without a heartbeat")
	flag.BoolVar(&f.debug, "debug", false,
		"Enable debug logging")
	flag.Parse()
	return f
}

func main() { // A
	f := parseFlags()

	level := slog.LevelInfo
	if f.debug {
		level = slog.LevelDebug
	}
	logger := logging.New(os.Stderr, level, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, f, logger); err != nil {
		logger.Error("peer cloud error", logKeyError, err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, f serverFlags, logger *slog.Logger) error { // A
	dir := directory.NewServer(directory.ServerConfig{
		Path:            f.path,
		RegistrationTTL: f.ttl,
		Logger:          logger,
	})
	defer dir.Close()

	h := handlers.ProxyHeaders(dir.Handler())
	h = handlers.CombinedLoggingHandler(os.Stdout, h)
	h = handlers.RecoveryHandler()(h)

	srv := &http.Server{
		Addr:              f.listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving peer cloud",
			logKeyListenAddr, f.listenAddr,
			logKeyPath, f.path,
			logKeyTTL, f.ttl.String(),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
