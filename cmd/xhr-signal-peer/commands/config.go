package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "XHR_SIGNAL_PEER"
	configFileName = "xhr-signal-peer"

	keyConfig         = "config"
	keyServer         = "server"
	keyKey            = "key"
	keyICEServers     = "ice-servers"
	keyLabel          = "label"
	keyLogLevel       = "log-level"
	keyConnectTimeout = "connect-timeout"
	keyUDPPortMin     = "udp-port-min"
	keyUDPPortMax     = "udp-port-max"
)

// peerConfig is the resolved configuration: flags override environment
// variables, which override the config file, which overrides defaults.
type peerConfig struct {
	ServerURL      string
	Key            string
	ICEServers     []string
	Label          string
	LogLevel       slog.Level
	ConnectTimeout time.Duration
	UDPPortMin     uint16
	UDPPortMax     uint16
}

func registerFlags(fs *pflag.FlagSet) {
	fs.String(keyConfig, "", "config file (default ./xhr-signal-peer.{yaml,json,toml} if present)")
	fs.String(keyServer, "http://127.0.0.1:5000", "base URL of the signaling relay")
	fs.String(keyKey, "", "shared pairing key")
	fs.StringSlice(keyICEServers, nil, "ICE server URLs, e.g. stun:stun.l.google.com:19302")
	fs.String(keyLabel, "signal", "data channel label")
	fs.String(keyLogLevel, "info", "log level (debug, info, warn, error)")
	fs.Duration(keyConnectTimeout, time.Minute, "how long to wait for the data channel to open")
	fs.Int(keyUDPPortMin, 0, "lowest UDP port for ICE host candidates (0 = any)")
	fs.Int(keyUDPPortMax, 0, "highest UDP port for ICE host candidates (0 = any)")
}

// newViper layers environment variables and an optional config file under
// the parsed flags. Without --config, configDir is searched for
// xhr-signal-peer.{yaml,json,toml}; a missing file there is not an error.
func newViper(fs *pflag.FlagSet, configDir string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString(keyConfig); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configFileName)
		v.AddConfigPath(configDir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func loadPeerConfig(v *viper.Viper) (peerConfig, error) {
	cfg := peerConfig{
		ServerURL:      strings.TrimSpace(v.GetString(keyServer)),
		Key:            strings.TrimSpace(v.GetString(keyKey)),
		Label:          strings.TrimSpace(v.GetString(keyLabel)),
		ConnectTimeout: v.GetDuration(keyConnectTimeout),
	}

	for _, s := range v.GetStringSlice(keyICEServers) {
		if s = strings.TrimSpace(s); s != "" {
			cfg.ICEServers = append(cfg.ICEServers, s)
		}
	}

	if cfg.Key == "" {
		return peerConfig{}, fmt.Errorf("--%s is required", keyKey)
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return peerConfig{}, fmt.Errorf("invalid --%s %q (expected http(s)://host[:port])", keyServer, cfg.ServerURL)
	}
	if cfg.Label == "" {
		return peerConfig{}, fmt.Errorf("--%s must not be empty", keyLabel)
	}
	if cfg.ConnectTimeout <= 0 {
		return peerConfig{}, fmt.Errorf("--%s must be > 0", keyConnectTimeout)
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString(keyLogLevel))); err != nil {
		return peerConfig{}, fmt.Errorf("invalid --%s: %w", keyLogLevel, err)
	}

	minPort, maxPort := v.GetInt(keyUDPPortMin), v.GetInt(keyUDPPortMax)
	if minPort < 0 || maxPort < 0 || minPort > math.MaxUint16 || maxPort > math.MaxUint16 {
		return peerConfig{}, fmt.Errorf("udp ports must be within 0-65535")
	}
	if (minPort == 0) != (maxPort == 0) || minPort > maxPort {
		return peerConfig{}, fmt.Errorf("invalid udp port range %d-%d", minPort, maxPort)
	}
	cfg.UDPPortMin, cfg.UDPPortMax = uint16(minPort), uint16(maxPort)

	return cfg, nil
}
