package peerlink

import (
	"fmt"
	"log/slog"

	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/zapfon/calls/internal/config"
)

// APIOptions configures the shared webrtc.API all links are built from.
type APIOptions struct {
	// UDPPortMin/UDPPortMax restrict ephemeral UDP ports when both are set.
	UDPPortMin uint16
	UDPPortMax uint16

	// Net overrides the network stack, used by tests to run over a simulated
	// network.
	Net transport.Net

	Logger *slog.Logger
}

// NewAPI builds the webrtc.API that links share: default codecs plus a
// setting engine carrying the port range and the slog-backed logger.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	se := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(opts.Logger),
	}
	if opts.UDPPortMin != 0 || opts.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

// NewAPIFromConfig builds the shared webrtc.API from loaded configuration.
// Constructing it at startup surfaces port-range misconfigurations early;
// ICE sockets are only created once PeerConnections are.
func NewAPIFromConfig(cfg config.Config, logger *slog.Logger) (*webrtc.API, error) {
	opts := APIOptions{Logger: logger}
	if r := cfg.WebRTCUDPPortRange; r != nil {
		opts.UDPPortMin = r.Min
		opts.UDPPortMax = r.Max
	}
	return NewAPI(opts)
}
