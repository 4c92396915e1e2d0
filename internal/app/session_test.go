package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/mictrail/pkg/audio"
	audiomock "github.com/MrWong99/mictrail/pkg/audio/mock"
)

// recordingSink collects frames and counts Close calls.
type recordingSink struct {
	mu       sync.Mutex
	frames   []audio.AudioFrame
	closes   int
	closeErr error
}

func (r *recordingSink) OnFrame(f audio.AudioFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	return r.closeErr
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func testFrames(n int) []audio.AudioFrame {
	frames := make([]audio.AudioFrame, n)
	for i := range frames {
		frames[i] = audio.AudioFrame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1,
			CapturedAt: time.UnixMilli(int64(i) * 20)}
	}
	return frames
}

func TestNewSession_NilArguments(t *testing.T) {
	t.Parallel()
	if _, err := NewSession(nil, &recordingSink{}); err == nil {
		t.Error("nil source: expected error")
	}
	if _, err := NewSession(&audiomock.Source{}, nil); err == nil {
		t.Error("nil sink: expected error")
	}
}

func TestSession_RunUntilSourceEnds(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{Frames: testFrames(5)}
	sink := &recordingSink{}
	s, err := NewSession(src, sink)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sink.count() != 5 || s.Frames() != 5 {
		t.Errorf("delivered %d frames (counter %d), want 5", sink.count(), s.Frames())
	}
	if err := s.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
}

func TestSession_RunUntilCancelled(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{Frames: testFrames(3), Hold: true}
	sink := &recordingSink{}
	s, _ := NewSession(src, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if sink.count() != 3 {
		t.Errorf("delivered %d frames, want 3", sink.count())
	}
}

func TestSession_StartError(t *testing.T) {
	t.Parallel()
	boom := errors.New("no microphone")
	s, _ := NewSession(&audiomock.Source{StartError: boom}, &recordingSink{})
	if err := s.Run(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Run err = %v, want %v", err, boom)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{CloseError: errors.New("busy")}
	sink := &recordingSink{}
	s, _ := NewSession(src, sink)

	if err := s.Close(); err == nil {
		t.Error("first Close should report the source error")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if sink.closes != 1 || src.CallCountClose != 1 {
		t.Errorf("sink closes %d, source closes %d, want 1 each", sink.closes, src.CallCountClose)
	}
	if err := s.Run(context.Background()); err == nil {
		t.Error("Run after Close should fail")
	}
}
