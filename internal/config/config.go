// Package config loads runtime settings from environment variables with
// flag overrides, and builds the process logger.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/callvault/signalcore/internal/room"
)

const (
	envVarListenAddr      = "CALLVAULT_SIGNALING_LISTEN_ADDR"
	envVarLogFormat       = "CALLVAULT_SIGNALING_LOG_FORMAT"
	envVarLogLevel        = "CALLVAULT_SIGNALING_LOG_LEVEL"
	envVarShutdownTimeout = "CALLVAULT_SIGNALING_SHUTDOWN_TIMEOUT"

	// Envelope verification knobs.
	envVarFreshnessWindow = "ENVELOPE_FRESHNESS_WINDOW"
	envVarNonceTTL        = "NONCE_TTL"

	// Call admission knobs.
	envVarCallBudget         = "CALL_INITIATION_BUDGET"
	envVarCallRefillInterval = "CALL_INITIATION_REFILL_INTERVAL"

	// Call lifecycle knobs.
	envVarRingTimeout   = "RING_TIMEOUT"
	envVarIdleTimeout   = "SESSION_IDLE_TIMEOUT"
	envVarQueueEntryTTL = "QUEUE_ENTRY_TTL"

	// Room knobs.
	envVarRoomInviteTTL       = "ROOM_INVITE_TTL"
	envVarRoomHostLeavePolicy = "ROOM_HOST_LEAVE_POLICY"

	// WebSocket hardening.
	envVarRegisterTimeout      = "SIGNALING_REGISTER_TIMEOUT"
	envVarMaxMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarSTUNURLs               = "STUN_URLS"
	envVarTURNURLs               = "TURN_URLS"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultTURNRESTTTLSeconds     int64 = 600
	DefaultTURNRESTUsernamePrefix       = "callvault"
)

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config is the resolved runtime configuration.
type Config struct {
	ListenAddr      string
	ShutdownTimeout time.Duration

	LogFormat LogFormat
	LogLevel  slog.Level

	FreshnessWindow time.Duration
	NonceTTL        time.Duration

	CallBudget         int
	CallRefillInterval time.Duration

	RingTimeout   time.Duration
	IdleTimeout   time.Duration
	QueueEntryTTL time.Duration

	RoomInviteTTL       time.Duration
	RoomHostLeavePolicy room.HostLeavePolicy

	RegisterTimeout      time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	TURNRESTSharedSecret   string
	TURNRESTTTLSeconds     int64
	TURNRESTUsernamePrefix string
	STUNURLs               []string
	TURNURLs               []string
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	logFormatStr := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	freshnessWindow, err := envDurationOrDefault(lookup, envVarFreshnessWindow, 0)
	if err != nil {
		return Config{}, err
	}
	nonceTTL, err := envDurationOrDefault(lookup, envVarNonceTTL, 0)
	if err != nil {
		return Config{}, err
	}
	callBudget, err := envIntOrDefault(lookup, envVarCallBudget, 0)
	if err != nil {
		return Config{}, err
	}
	callRefill, err := envDurationOrDefault(lookup, envVarCallRefillInterval, 0)
	if err != nil {
		return Config{}, err
	}
	ringTimeout, err := envDurationOrDefault(lookup, envVarRingTimeout, 0)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarIdleTimeout, 0)
	if err != nil {
		return Config{}, err
	}
	queueEntryTTL, err := envDurationOrDefault(lookup, envVarQueueEntryTTL, 0)
	if err != nil {
		return Config{}, err
	}
	roomInviteTTL, err := envDurationOrDefault(lookup, envVarRoomInviteTTL, 0)
	if err != nil {
		return Config{}, err
	}
	registerTimeout, err := envDurationOrDefault(lookup, envVarRegisterTimeout, 0)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, 0)
	if err != nil {
		return Config{}, err
	}
	maxPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, 0)
	if err != nil {
		return Config{}, err
	}

	hostLeaveStr := envOrDefault(lookup, envVarRoomHostLeavePolicy, string(room.HostLeaveTransfer))

	turnSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnTTL := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnTTL = n
	}
	turnPrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	stunURLsStr := envOrDefault(lookup, envVarSTUNURLs, "")
	turnURLsStr := envOrDefault(lookup, envVarTURNURLs, "")

	fs := flag.NewFlagSet("callvault-signaling", flag.ContinueOnError)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.StringVar(&hostLeaveStr, "room-host-leave-policy", hostLeaveStr, "Room behavior on host departure: transfer or end (env "+envVarRoomHostLeavePolicy+")")
	fs.StringVar(&turnSecret, "turn-rest-shared-secret", turnSecret, "TURN REST shared secret (env "+envVarTURNRESTSharedSecret+")")
	fs.StringVar(&stunURLsStr, "stun-urls", stunURLsStr, "Comma-separated STUN URLs (env "+envVarSTUNURLs+")")
	fs.StringVar(&turnURLsStr, "turn-urls", turnURLsStr, "Comma-separated TURN URLs (env "+envVarTURNURLs+")")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	logFormat := LogFormat(strings.ToLower(strings.TrimSpace(logFormatStr)))
	if logFormat != LogFormatText && logFormat != LogFormatJSON {
		return Config{}, fmt.Errorf("unsupported log format %q", logFormatStr)
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	hostLeave := room.HostLeavePolicy(strings.ToLower(strings.TrimSpace(hostLeaveStr)))
	if hostLeave != room.HostLeaveTransfer && hostLeave != room.HostLeaveEnd {
		return Config{}, fmt.Errorf("invalid %s %q: want transfer or end", envVarRoomHostLeavePolicy, hostLeaveStr)
	}

	return Config{
		ListenAddr:      listenAddr,
		ShutdownTimeout: shutdownTimeout,

		LogFormat: logFormat,
		LogLevel:  logLevel,

		FreshnessWindow: freshnessWindow,
		NonceTTL:        nonceTTL,

		CallBudget:         callBudget,
		CallRefillInterval: callRefill,

		RingTimeout:   ringTimeout,
		IdleTimeout:   idleTimeout,
		QueueEntryTTL: queueEntryTTL,

		RoomInviteTTL:       roomInviteTTL,
		RoomHostLeavePolicy: hostLeave,

		RegisterTimeout:      registerTimeout,
		MaxMessageBytes:      int64(maxMessageBytes),
		MaxMessagesPerSecond: maxPerSecond,

		TURNRESTSharedSecret:   turnSecret,
		TURNRESTTTLSeconds:     turnTTL,
		TURNRESTUsernamePrefix: turnPrefix,
		STUNURLs:               splitCSV(stunURLsStr),
		TURNURLs:               splitCSV(turnURLsStr),
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", s)
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
