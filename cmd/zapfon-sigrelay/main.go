package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/zapfon/calls/internal/config"
	"github.com/zapfon/calls/internal/httpserver"
	"github.com/zapfon/calls/internal/metrics"
	"github.com/zapfon/calls/internal/sigrelay"
	"github.com/zapfon/calls/internal/sigstore"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting zapfon-sigrelay",
		"listen_addr", cfg.ListenAddr,
		"store_backend", cfg.StoreBackend,
		"auth_mode", cfg.AuthMode,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"ice_servers", len(cfg.ICEServers),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open record store", "backend", cfg.StoreBackend, "err", err)
		os.Exit(2)
	}

	authz, err := newAuthorizer(cfg)
	if err != nil {
		logger.Error("failed to configure signaling auth", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	sig := sigrelay.NewServer(sigrelay.Config{
		Store:                store,
		Authorizer:           authz,
		Metrics:              m,
		Logger:               logger,
		AllowedOrigins:       cfg.AllowedOrigins,
		AuthTimeout:          cfg.SignalingAuthTimeout,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})
	sig.RegisterRoutes(srv.Mux())

	srv.Mux().HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		httpserver.WriteJSON(w, http.StatusOK, m.Snapshot())
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func newStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (sigstore.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		return sigstore.NewMemory(), nil
	case config.StoreBackendPostgres:
		store, err := sigstore.NewPostgres(ctx, cfg.PostgresURL, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoreBackendRedis:
		store, err := sigstore.NewRedis(ctx, cfg.RedisAddr, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoreBackendWS:
		store, err := sigstore.DialWS(ctx, cfg.RelayURL, cfg.RelayCredential, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		// Should be validated by config.Load.
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func newAuthorizer(cfg config.Config) (sigrelay.Authorizer, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return sigrelay.AllowAll{}, nil
	case config.AuthModeAPIKey:
		return sigrelay.APIKeyAuthorizer{Key: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return sigrelay.JWTAuthorizer{Secret: []byte(cfg.JWTSecret)}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}

	return commit, built
}
