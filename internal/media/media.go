// Package media acquires local outbound tracks for a call. Production
// deployments plug in a capture-backed Source; the built-in SampleSource
// synthesizes silent audio (and a static video pattern) so calls can run
// headless.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/zapfon/calls/internal/callrecord"
)

// ErrUnavailable reports that the local media source cannot be acquired.
var ErrUnavailable = errors.New("media: source unavailable")

// Source hands out local track bundles. Acquire may be slow; it honors ctx.
type Source interface {
	Acquire(ctx context.Context, mode callrecord.Mode) (*Handle, error)
}

// Handle owns a set of live local tracks. Exactly one session holds a handle
// at a time; Release stops production and is idempotent.
type Handle struct {
	tracks []webrtc.TrackLocal
	muted  atomic.Bool

	stop        chan struct{}
	releaseOnce sync.Once
}

func (h *Handle) Tracks() []webrtc.TrackLocal { return h.tracks }

// SetMuted pauses or resumes outbound audio without renegotiation.
func (h *Handle) SetMuted(muted bool) { h.muted.Store(muted) }

func (h *Handle) Muted() bool { return h.muted.Load() }

func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		if h.stop != nil {
			close(h.stop)
		}
	})
}

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = 100 * time.Millisecond
)

// opusSilence is a single silent opus frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SampleSource synthesizes tracks from generated samples.
type SampleSource struct {
	logger *slog.Logger
}

var _ Source = (*SampleSource)(nil)

func NewSampleSource(logger *slog.Logger) *SampleSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &SampleSource{logger: logger}
}

func (s *SampleSource) Acquire(ctx context.Context, mode callrecord.Mode) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrUnavailable, mode)
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "zapfon")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	h := &Handle{
		tracks: []webrtc.TrackLocal{audio},
		stop:   make(chan struct{}),
	}

	var video *webrtc.TrackLocalStaticSample
	if mode == callrecord.ModeVideo {
		video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", "zapfon")
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		h.tracks = append(h.tracks, video)
	}

	go s.pump(h, audio, video)
	return h, nil
}

// pump writes frames until the handle is released. Muted audio still ticks so
// receivers keep seeing a live track; only the payloads stop.
func (s *SampleSource) pump(h *Handle, audio, video *webrtc.TrackLocalStaticSample) {
	audioTick := time.NewTicker(audioFrameInterval)
	defer audioTick.Stop()

	var videoTick <-chan time.Time
	if video != nil {
		t := time.NewTicker(videoFrameInterval)
		defer t.Stop()
		videoTick = t.C
	}

	videoFrame := make([]byte, 640)
	for {
		select {
		case <-h.stop:
			return
		case <-audioTick.C:
			if h.Muted() {
				continue
			}
			if err := audio.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: audioFrameInterval}); err != nil {
				s.logger.Debug("write audio sample", "err", err)
			}
		case <-videoTick:
			if err := video.WriteSample(pionmedia.Sample{Data: videoFrame, Duration: videoFrameInterval}); err != nil {
				s.logger.Debug("write video sample", "err", err)
			}
		}
	}
}
