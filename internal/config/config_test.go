package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.MaxPairs != 0 {
		t.Fatalf("MaxPairs=%d, want 0", cfg.MaxPairs)
	}
	if cfg.MaxMailboxMessages != DefaultMaxMailboxMessages {
		t.Fatalf("MaxMailboxMessages=%d, want %d", cfg.MaxMailboxMessages, DefaultMaxMailboxMessages)
	}
	if cfg.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Fatalf("MaxMessageBytes=%d, want %d", cfg.MaxMessageBytes, DefaultMaxMessageBytes)
	}
	if cfg.PairIdleTimeout != 0 {
		t.Fatalf("PairIdleTimeout=%v, want 0", cfg.PairIdleTimeout)
	}
	if cfg.ReapInterval != DefaultReapInterval {
		t.Fatalf("ReapInterval=%v, want %v", cfg.ReapInterval, DefaultReapInterval)
	}
	if cfg.MaxRequestsPerSecond != 0 || cfg.RequestBurst != 0 {
		t.Fatalf("rate limit=%d/%d, want disabled", cfg.MaxRequestsPerSecond, cfg.RequestBurst)
	}
	if cfg.WSPush {
		t.Fatalf("WSPush=true, want false")
	}
	if cfg.StaticDir != "" {
		t.Fatalf("StaticDir=%q, want empty", cfg.StaticDir)
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarMode:      "prod",
		envVarLogFormat: "text",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr: "0.0.0.0:9000",
		envVarMaxPairs:   "10",
	}), []string{"--listen-addr", "127.0.0.1:7000", "--max-pairs", "20"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7000" {
		t.Fatalf("ListenAddr=%q, want 127.0.0.1:7000", cfg.ListenAddr)
	}
	if cfg.MaxPairs != 20 {
		t.Fatalf("MaxPairs=%d, want 20", cfg.MaxPairs)
	}
}

func TestRegistryBoundsFromEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarMaxMailboxMessages: "8",
		envVarMaxMessageBytes:    "1024",
		envVarPairIdleTimeout:    "5m",
		envVarReapInterval:       "10s",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxMailboxMessages != 8 {
		t.Fatalf("MaxMailboxMessages=%d, want 8", cfg.MaxMailboxMessages)
	}
	if cfg.MaxMessageBytes != 1024 {
		t.Fatalf("MaxMessageBytes=%d, want 1024", cfg.MaxMessageBytes)
	}
	if cfg.PairIdleTimeout != 5*time.Minute {
		t.Fatalf("PairIdleTimeout=%v, want 5m", cfg.PairIdleTimeout)
	}
	if cfg.ReapInterval != 10*time.Second {
		t.Fatalf("ReapInterval=%v, want 10s", cfg.ReapInterval)
	}
}

func TestRequestBurstDefaultsToRate(t *testing.T) {
	cfg, err := load(noEnv, []string{"--max-requests-per-second", "25"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RequestBurst != 25 {
		t.Fatalf("RequestBurst=%d, want 25", cfg.RequestBurst)
	}

	cfg, err = load(lookupMap(map[string]string{envVarRequestBurst: "100"}), []string{"--max-requests-per-second", "25"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RequestBurst != 100 {
		t.Fatalf("RequestBurst=%d, want 100", cfg.RequestBurst)
	}
}

func TestWSPushFromEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{envVarWSPush: "true"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.WSPush {
		t.Fatalf("WSPush=false, want true")
	}

	if _, err := load(lookupMap(map[string]string{envVarWSPush: "maybe"}), nil); err == nil {
		t.Fatalf("expected error for non-boolean %s", envVarWSPush)
	}
}

func TestAllowedOriginsNormalized(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarAllowedOrigins: "HTTPS://Example.com:443, http://localhost:5173,*",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://example.com", "http://localhost:5173", "*"}
	if strings.Join(cfg.AllowedOrigins, " ") != strings.Join(want, " ") {
		t.Fatalf("AllowedOrigins=%v, want %v", cfg.AllowedOrigins, want)
	}
}

func TestStaticDirMustExist(t *testing.T) {
	dir := t.TempDir()
	cfg, err := load(noEnv, []string{"--static-dir", dir})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StaticDir != dir {
		t.Fatalf("StaticDir=%q, want %q", cfg.StaticDir, dir)
	}

	if _, err := load(noEnv, []string{"--static-dir", filepath.Join(dir, "missing")}); err == nil {
		t.Fatalf("expected error for missing static dir")
	}

	file := filepath.Join(dir, "index.html")
	if err := os.WriteFile(file, []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := load(noEnv, []string{"--static-dir", file}); err == nil {
		t.Fatalf("expected error when static dir is a file")
	}
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{name: "mode", args: []string{"--mode", "staging"}},
		{name: "log format", args: []string{"--log-format", "xml"}},
		{name: "log level", args: []string{"--log-level", "loud"}},
		{name: "empty listen addr", args: []string{"--listen-addr", ""}},
		{name: "zero shutdown", args: []string{"--shutdown-timeout", "0s"}},
		{name: "negative max pairs", args: []string{"--max-pairs", "-1"}},
		{name: "negative mailbox", args: []string{"--max-mailbox-messages", "-1"}},
		{name: "zero message bytes", args: []string{"--max-message-bytes", "0"}},
		{name: "negative idle", args: []string{"--pair-idle-timeout", "-1s"}},
		{name: "zero reap interval", args: []string{"--reap-interval", "0s"}},
		{name: "negative rate", args: []string{"--max-requests-per-second", "-5"}},
		{name: "zero client cap", args: []string{"--max-rate-limited-clients", "0"}},
		{name: "ping not below idle", args: []string{"--ws-ping-interval", "60s", "--ws-idle-timeout", "60s"}},
		{name: "bad origin", env: map[string]string{envVarAllowedOrigins: "example.com"}},
		{name: "bad env int", env: map[string]string{envVarMaxPairs: "many"}},
		{name: "bad env duration", env: map[string]string{envVarPairIdleTimeout: "soon"}},
		{name: "unknown flag", args: []string{"--turbo"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := load(lookupMap(tc.env), tc.args); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []LogFormat{LogFormatText, LogFormatJSON} {
		if _, err := NewLogger(Config{LogFormat: format}); err != nil {
			t.Fatalf("NewLogger(%q): %v", format, err)
		}
	}
	if _, err := NewLogger(Config{LogFormat: "yaml"}); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}
