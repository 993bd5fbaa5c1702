package peerlink_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/zapfon/calls/internal/peerlink"
)

func TestPionLink_NegotiatesAndConnects(t *testing.T) {
	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	apiA, err := peerlink.NewAPI(peerlink.APIOptions{Net: netA})
	if err != nil {
		t.Fatalf("new api A: %v", err)
	}
	apiB, err := peerlink.NewAPI(peerlink.APIOptions{Net: netB})
	if err != nil {
		t.Fatalf("new api B: %v", err)
	}

	linkA, err := peerlink.New(apiA, nil, nil)
	if err != nil {
		t.Fatalf("new link A: %v", err)
	}
	t.Cleanup(func() { _ = linkA.Close() })

	linkB, err := peerlink.New(apiB, nil, nil)
	if err != nil {
		t.Fatalf("new link B: %v", err)
	}
	t.Cleanup(func() { _ = linkB.Close() })

	// Candidates trickle before the far side has a remote description, so
	// buffer them in channels and drain after the exchange.
	candFromA := make(chan json.RawMessage, 64)
	candFromB := make(chan json.RawMessage, 64)
	linkA.OnLocalCandidate(func(payload json.RawMessage) { candFromA <- payload })
	linkB.OnLocalCandidate(func(payload json.RawMessage) { candFromB <- payload })

	connA := make(chan peerlink.ConnState, 16)
	connB := make(chan peerlink.ConnState, 16)
	linkA.OnConnectivityChange(func(s peerlink.ConnState) { connA <- s })
	linkB.OnConnectivityChange(func(s peerlink.ConnState) { connB <- s })

	trackCh := make(chan *webrtc.TrackRemote, 1)
	linkB.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		select {
		case trackCh <- track:
		default:
		}
	})

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "caller")
	if err != nil {
		t.Fatalf("new local track: %v", err)
	}
	if err := linkA.AttachLocalTracks([]webrtc.TrackLocal{audio}); err != nil {
		t.Fatalf("attach tracks: %v", err)
	}

	if linkA.AwaitingRemoteDescription() {
		t.Fatalf("link A awaiting remote description before offering")
	}

	offer, err := linkA.CreateLocalDescription()
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if !linkA.AwaitingRemoteDescription() {
		t.Fatalf("link A not awaiting remote description after offering")
	}

	if err := linkB.ApplyRemoteDescription(offer); err != nil {
		t.Fatalf("apply offer: %v", err)
	}
	answer, err := linkB.CreateLocalDescription()
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if linkB.AwaitingRemoteDescription() {
		t.Fatalf("link B awaiting remote description after answering")
	}

	if err := linkA.ApplyRemoteDescription(answer); err != nil {
		t.Fatalf("apply answer: %v", err)
	}
	if linkA.AwaitingRemoteDescription() {
		t.Fatalf("link A still awaiting remote description after answer applied")
	}

	stopTrickle := make(chan struct{})
	defer close(stopTrickle)
	go func() {
		for {
			select {
			case payload := <-candFromA:
				if err := linkB.AddRemoteCandidate(payload); err != nil {
					t.Errorf("add candidate to B: %v", err)
				}
			case payload := <-candFromB:
				if err := linkA.AddRemoteCandidate(payload); err != nil {
					t.Errorf("add candidate to A: %v", err)
				}
			case <-stopTrickle:
				return
			}
		}
	}()

	waitConnected(t, "A", connA)
	waitConnected(t, "B", connB)

	// A silent opus frame every 20ms until B surfaces the remote track.
	silence := []byte{0xf8, 0xff, 0xfe}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case track := <-trackCh:
			if track.Kind() != webrtc.RTPCodecTypeAudio {
				t.Fatalf("remote track kind=%s, want audio", track.Kind())
			}
			return
		case <-ticker.C:
			if err := audio.WriteSample(media.Sample{Data: silence, Duration: 20 * time.Millisecond}); err != nil {
				t.Fatalf("write sample: %v", err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for remote track")
		}
	}
}

func waitConnected(t *testing.T, name string, ch <-chan peerlink.ConnState) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == peerlink.ConnConnected {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for link %s to connect", name)
		}
	}
}

func TestPionLink_RejectsMalformedPayloads(t *testing.T) {
	link, err := peerlink.New(nil, nil, nil)
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	t.Cleanup(func() { _ = link.Close() })

	if err := link.ApplyRemoteDescription(json.RawMessage(`{`)); !errors.Is(err, peerlink.ErrBadDescription) {
		t.Fatalf("apply err=%v, want ErrBadDescription", err)
	}
	if err := link.AddRemoteCandidate(json.RawMessage(`nope`)); !errors.Is(err, peerlink.ErrBadCandidate) {
		t.Fatalf("add candidate err=%v, want ErrBadCandidate", err)
	}
}

func TestPionLink_CloseIsIdempotent(t *testing.T) {
	link, err := peerlink.New(nil, nil, nil)
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
