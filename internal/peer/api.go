package peer

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// APIConfig tunes the pion API used for peer connections.
type APIConfig struct {
	// Net replaces the host network, e.g. with a vnet.Net in tests.
	Net transport.Net

	LoggerFactory logging.LoggerFactory

	// UDPPortMin and UDPPortMax restrict ICE host candidates to a port range.
	// Both zero means any port.
	UDPPortMin uint16
	UDPPortMax uint16
}

func NewAPI(cfg APIConfig) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	}
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}
