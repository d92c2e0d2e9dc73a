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
	"time"

	"github.com/callvault/signalcore/internal/config"
	"github.com/callvault/signalcore/internal/httpserver"
	"github.com/callvault/signalcore/internal/metrics"
	"github.com/callvault/signalcore/internal/policy"
	"github.com/callvault/signalcore/internal/ratelimit"
	"github.com/callvault/signalcore/internal/registry"
	"github.com/callvault/signalcore/internal/relay"
	"github.com/callvault/signalcore/internal/replay"
	"github.com/callvault/signalcore/internal/room"
	"github.com/callvault/signalcore/internal/signaling"
	"github.com/callvault/signalcore/internal/turnrest"
	"github.com/callvault/signalcore/internal/verify"
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

	logger.Info("starting callvault-signaling",
		"listen_addr", cfg.ListenAddr,
		"ring_timeout", cfg.RingTimeout,
		"queue_entry_ttl", cfg.QueueEntryTTL,
		"room_host_leave_policy", string(cfg.RoomHostLeavePolicy),
		"turn_rest_enabled", cfg.TURNRESTSharedSecret != "",
	)

	m := metrics.New()

	guard := replay.NewGuard(replay.Config{TTL: cfg.NonceTTL})
	defer guard.Close()

	verifier, err := verify.New(verify.Config{
		Guard:           guard,
		FreshnessWindow: cfg.FreshnessWindow,
		// Replay protection is in-memory; refusing envelopes signed before
		// this process started keeps a restart from re-admitting them.
		NotBefore: time.Now(),
	})
	if err != nil {
		logger.Error("failed to configure envelope verification", "err", err)
		os.Exit(2)
	}

	limiter := ratelimit.NewCallLimiter(ratelimit.CallLimiterConfig{
		Budget:         cfg.CallBudget,
		RefillInterval: cfg.CallRefillInterval,
	})
	defer limiter.Close()

	reg := registry.New(registry.Config{})

	rel := relay.New(relay.Config{
		Log:           logger,
		Verifier:      verifier,
		Limiter:       limiter,
		Registry:      reg,
		Policy:        policy.NewStaticProvider(),
		Metrics:       m,
		Events:        relay.LogSink{Log: logger.With("component", "billing")},
		RingTimeout:   cfg.RingTimeout,
		IdleTimeout:   cfg.IdleTimeout,
		QueueEntryTTL: cfg.QueueEntryTTL,
	})
	defer rel.Close()

	rooms := room.NewManager(room.Config{
		Log:             logger,
		Registry:        reg,
		Metrics:         m,
		InviteTTL:       cfg.RoomInviteTTL,
		HostLeavePolicy: cfg.RoomHostLeavePolicy,
	})

	ws, err := signaling.NewWebSocketServer(signaling.Config{
		Log:                  logger,
		Verifier:             verifier,
		Registry:             reg,
		Relay:                rel,
		Rooms:                rooms,
		Metrics:              m,
		RegisterTimeout:      cfg.RegisterTimeout,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
	})
	if err != nil {
		logger.Error("failed to configure signaling", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(httpserver.Config{
		ListenAddr: cfg.ListenAddr,
		Build:      httpserver.BuildInfo{Commit: commit, BuildTime: built},
	}, logger)

	srv.Mux().Handle("GET /ws", ws)
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	iceCfg := httpserver.ICEConfig{
		STUNURLs: cfg.STUNURLs,
		TURNURLs: cfg.TURNURLs,
	}
	if cfg.TURNRESTSharedSecret != "" {
		gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNRESTSharedSecret,
			TTLSeconds:     cfg.TURNRESTTTLSeconds,
			UsernamePrefix: cfg.TURNRESTUsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
		iceCfg.Credentials = func() (string, string, error) {
			creds, err := gen.GenerateRandom()
			if err != nil {
				return "", "", err
			}
			return creds.Username, creds.Credential, nil
		}
	}
	srv.Mux().Handle("GET /ice", httpserver.ICEHandler(iceCfg))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
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

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
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
