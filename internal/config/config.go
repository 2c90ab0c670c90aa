package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/origin"
)

const (
	envVarListenAddr      = "AERO_XHR_SIGNALING_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_XHR_SIGNALING_LOG_FORMAT"
	envVarLogLevel        = "AERO_XHR_SIGNALING_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_XHR_SIGNALING_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_XHR_SIGNALING_MODE"
	envVarStaticDir       = "AERO_XHR_SIGNALING_STATIC_DIR"

	// Registry bounds.
	envVarMaxPairs           = "AERO_XHR_SIGNALING_MAX_PAIRS"
	envVarMaxMailboxMessages = "AERO_XHR_SIGNALING_MAX_MAILBOX_MESSAGES"
	envVarMaxMessageBytes    = "AERO_XHR_SIGNALING_MAX_MESSAGE_BYTES"
	envVarPairIdleTimeout    = "AERO_XHR_SIGNALING_PAIR_IDLE_TIMEOUT"
	envVarReapInterval       = "AERO_XHR_SIGNALING_REAP_INTERVAL"

	// Per-client request throttling.
	envVarMaxRequestsPerSecond  = "AERO_XHR_SIGNALING_MAX_REQUESTS_PER_SECOND"
	envVarRequestBurst          = "AERO_XHR_SIGNALING_REQUEST_BURST"
	envVarMaxRateLimitedClients = "AERO_XHR_SIGNALING_MAX_RATE_LIMITED_CLIENTS"

	// WebSocket push.
	envVarWSPush         = "AERO_XHR_SIGNALING_WS_PUSH"
	envVarWSPingInterval = "AERO_XHR_SIGNALING_WS_PING_INTERVAL"
	envVarWSIdleTimeout  = "AERO_XHR_SIGNALING_WS_IDLE_TIMEOUT"

	DefaultListenAddr                 = "127.0.0.1:5000"
	DefaultShutdown                   = 15 * time.Second
	DefaultMode                  Mode = ModeDev
	DefaultMaxMailboxMessages         = 256
	DefaultMaxMessageBytes            = int64(64 * 1024)
	DefaultReapInterval               = 30 * time.Second
	DefaultMaxRateLimitedClients      = 4096
	DefaultWSPingInterval             = 20 * time.Second
	DefaultWSIdleTimeout              = 60 * time.Second
)

// Exported env var names, for callers that document or warn about settings.
const (
	EnvMaxPairs             = envVarMaxPairs
	EnvMaxRequestsPerSecond = envVarMaxRequestsPerSecond
	EnvPairIdleTimeout      = envVarPairIdleTimeout
	EnvAllowedOrigins       = envVarAllowedOrigins
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// StaticDir, when set, is served for paths that no endpoint claims.
	StaticDir string

	// Registry bounds. A value <= 0 means unlimited/disabled unless noted.
	MaxPairs           int
	MaxMailboxMessages int
	MaxMessageBytes    int64 // must be > 0
	PairIdleTimeout    time.Duration
	ReapInterval       time.Duration // must be > 0

	MaxRequestsPerSecond  int
	RequestBurst          int // defaults to MaxRequestsPerSecond
	MaxRateLimitedClients int

	WSPush         bool
	WSPingInterval time.Duration
	WSIdleTimeout  time.Duration
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	staticDir := envOrDefault(lookup, envVarStaticDir, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	maxPairs, err := envIntOrDefault(lookup, envVarMaxPairs, 0)
	if err != nil {
		return Config{}, err
	}
	maxMailboxMessages, err := envIntOrDefault(lookup, envVarMaxMailboxMessages, DefaultMaxMailboxMessages)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	pairIdleTimeout, err := envDurationOrDefault(lookup, envVarPairIdleTimeout, 0)
	if err != nil {
		return Config{}, err
	}
	reapInterval, err := envDurationOrDefault(lookup, envVarReapInterval, DefaultReapInterval)
	if err != nil {
		return Config{}, err
	}

	maxRequestsPerSecond, err := envIntOrDefault(lookup, envVarMaxRequestsPerSecond, 0)
	if err != nil {
		return Config{}, err
	}
	envBurst, envBurstOK := lookup(envVarRequestBurst)
	envBurstSet := envBurstOK && strings.TrimSpace(envBurst) != ""
	requestBurst, err := envIntOrDefault(lookup, envVarRequestBurst, 0)
	if err != nil {
		return Config{}, err
	}
	maxRateLimitedClients, err := envIntOrDefault(lookup, envVarMaxRateLimitedClients, DefaultMaxRateLimitedClients)
	if err != nil {
		return Config{}, err
	}

	wsPush := false
	if raw, ok := lookup(envVarWSPush); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWSPush, raw, err)
		}
		wsPush = v
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("aero-xhr-signaling", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&staticDir, "static-dir", staticDir, "Directory served for paths no endpoint claims (env "+envVarStaticDir+")")

	fs.IntVar(&maxPairs, "max-pairs", maxPairs, "Maximum keys with a live pairing record (0 = unlimited; env "+envVarMaxPairs+")")
	fs.IntVar(&maxMailboxMessages, "max-mailbox-messages", maxMailboxMessages, "Maximum queued messages per participant (0 = unlimited; env "+envVarMaxMailboxMessages+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max request body size in bytes for /send and /get (env "+envVarMaxMessageBytes+")")
	fs.DurationVar(&pairIdleTimeout, "pair-idle-timeout", pairIdleTimeout, "Forget pairings untouched for this long (0 = never; env "+envVarPairIdleTimeout+")")
	fs.DurationVar(&reapInterval, "reap-interval", reapInterval, "How often idle pairings are swept (env "+envVarReapInterval+")")

	fs.IntVar(&maxRequestsPerSecond, "max-requests-per-second", maxRequestsPerSecond, "Requests/sec allowed per client IP (0 = unlimited; env "+envVarMaxRequestsPerSecond+")")
	fs.IntVar(&requestBurst, "request-burst", requestBurst, "Burst size per client IP (default: max-requests-per-second; env "+envVarRequestBurst+")")
	fs.IntVar(&maxRateLimitedClients, "max-rate-limited-clients", maxRateLimitedClients, "Maximum client IPs tracked by the rate limiter (env "+envVarMaxRateLimitedClients+")")

	fs.BoolVar(&wsPush, "ws-push", wsPush, "Enable the GET /ws push channel (env "+envVarWSPush+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Ping interval on push connections (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close push connections without a pong for this long (env "+envVarWSIdleTimeout+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	if !envBurstSet && !setFlags["request-burst"] {
		requestBurst = maxRequestsPerSecond
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if maxPairs < 0 {
		return Config{}, fmt.Errorf("%s/--max-pairs must be >= 0 (0 = unlimited)", envVarMaxPairs)
	}
	if maxMailboxMessages < 0 {
		return Config{}, fmt.Errorf("%s/--max-mailbox-messages must be >= 0 (0 = unlimited)", envVarMaxMailboxMessages)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if pairIdleTimeout < 0 {
		return Config{}, fmt.Errorf("%s/--pair-idle-timeout must be >= 0 (0 = never)", envVarPairIdleTimeout)
	}
	if reapInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--reap-interval must be > 0", envVarReapInterval)
	}
	if maxRequestsPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--max-requests-per-second must be >= 0 (0 = unlimited)", envVarMaxRequestsPerSecond)
	}
	if requestBurst < 0 {
		return Config{}, fmt.Errorf("%s/--request-burst must be >= 0", envVarRequestBurst)
	}
	if maxRateLimitedClients <= 0 {
		return Config{}, fmt.Errorf("%s/--max-rate-limited-clients must be > 0", envVarMaxRateLimitedClients)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0", envVarWSPingInterval)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be < %s/--ws-idle-timeout", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	if staticDir != "" {
		fi, err := os.Stat(staticDir)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/--static-dir %q: %w", envVarStaticDir, staticDir, err)
		}
		if !fi.IsDir() {
			return Config{}, fmt.Errorf("invalid %s/--static-dir %q: not a directory", envVarStaticDir, staticDir)
		}
	}

	return Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,
		StaticDir:       staticDir,

		MaxPairs:           maxPairs,
		MaxMailboxMessages: maxMailboxMessages,
		MaxMessageBytes:    maxMessageBytes,
		PairIdleTimeout:    pairIdleTimeout,
		ReapInterval:       reapInterval,

		MaxRequestsPerSecond:  maxRequestsPerSecond,
		RequestBurst:          requestBurst,
		MaxRateLimitedClients: maxRateLimitedClients,

		WSPush:         wsPush,
		WSPingInterval: wsPingInterval,
		WSIdleTimeout:  wsIdleTimeout,
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

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
