package peerlink

import (
	"testing"

	"github.com/zapfon/calls/internal/config"
)

func TestNewAPIFromConfig(t *testing.T) {
	api, err := NewAPIFromConfig(config.Config{
		WebRTCUDPPortRange: &config.UDPPortRange{Min: 50000, Max: 50099},
	}, nil)
	if err != nil {
		t.Fatalf("NewAPIFromConfig: %v", err)
	}
	if api == nil {
		t.Fatalf("expected non-nil API")
	}
}

func TestNewAPIFromConfig_RejectsInvertedRange(t *testing.T) {
	_, err := NewAPIFromConfig(config.Config{
		WebRTCUDPPortRange: &config.UDPPortRange{Min: 50099, Max: 50000},
	}, nil)
	if err == nil {
		t.Fatalf("expected error for inverted port range")
	}
}
