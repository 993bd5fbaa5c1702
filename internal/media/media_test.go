package media

import (
	"context"
	"errors"
	"testing"

	"github.com/zapfon/calls/internal/callrecord"
)

func TestSampleSource_AudioMode(t *testing.T) {
	src := NewSampleSource(nil)
	h, err := src.Acquire(context.Background(), callrecord.ModeAudio)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Release()

	if got := len(h.Tracks()); got != 1 {
		t.Fatalf("tracks=%d, want 1", got)
	}
	if h.Tracks()[0].Kind().String() != "audio" {
		t.Fatalf("kind=%s, want audio", h.Tracks()[0].Kind())
	}
}

func TestSampleSource_VideoMode(t *testing.T) {
	src := NewSampleSource(nil)
	h, err := src.Acquire(context.Background(), callrecord.ModeVideo)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Release()

	if got := len(h.Tracks()); got != 2 {
		t.Fatalf("tracks=%d, want 2", got)
	}
}

func TestSampleSource_RejectsBadMode(t *testing.T) {
	src := NewSampleSource(nil)
	if _, err := src.Acquire(context.Background(), callrecord.Mode("screenshare")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err=%v, want ErrUnavailable", err)
	}
}

func TestSampleSource_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := NewSampleSource(nil)
	if _, err := src.Acquire(ctx, callrecord.ModeAudio); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err=%v, want ErrUnavailable", err)
	}
}

func TestHandle_ReleaseIdempotent(t *testing.T) {
	src := NewSampleSource(nil)
	h, err := src.Acquire(context.Background(), callrecord.ModeAudio)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h.Release()
	h.Release()
}

func TestHandle_Mute(t *testing.T) {
	src := NewSampleSource(nil)
	h, err := src.Acquire(context.Background(), callrecord.ModeAudio)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Release()

	if h.Muted() {
		t.Fatalf("handle muted at acquire")
	}
	h.SetMuted(true)
	if !h.Muted() {
		t.Fatalf("handle not muted after SetMuted(true)")
	}
	h.SetMuted(false)
	if h.Muted() {
		t.Fatalf("handle muted after SetMuted(false)")
	}
}
