// Package synth provides a synthetic [audio.Source] that emits a continuous
// sine tone as mono PCM16 frames on a real-time cadence.
//
// It is the default capture source: it needs no audio hardware, which makes
// it useful for demos, soak tests of the retention budget, and CI.
package synth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/mictrail/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

const (
	defaultSampleRate = 16000
	defaultFrame      = 20 * time.Millisecond
	defaultFrequency  = 440.0
	defaultAmplitude  = 0.25
)

// Option configures a [Source].
type Option func(*Source)

// WithSampleRate sets the output sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(s *Source) { s.sampleRate = rate }
}

// WithFrameDuration sets the playback duration of each emitted frame. Frames
// are paced at this interval.
func WithFrameDuration(d time.Duration) Option {
	return func(s *Source) { s.frame = d }
}

// WithFrequency sets the tone frequency in Hz. Zero produces silence.
func WithFrequency(hz float64) Option {
	return func(s *Source) { s.freq = hz }
}

// WithAmplitude sets the peak amplitude as a fraction of full scale (0..1].
func WithAmplitude(a float64) Option {
	return func(s *Source) { s.amp = a }
}

// WithClock overrides the wall clock used for the first frame's timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// Source generates a sine tone. Timestamps advance by exactly one frame
// duration per frame so that they stay gap-free even when the ticker drifts.
type Source struct {
	sampleRate int
	frame      time.Duration
	freq       float64
	amp        float64
	now        func() time.Time

	mu      sync.Mutex
	started bool
	done    chan struct{}
	once    sync.Once
}

// New returns a tone source. Unset options fall back to 16 kHz, 20 ms frames
// and a 440 Hz tone.
func New(opts ...Option) (*Source, error) {
	s := &Source{
		sampleRate: defaultSampleRate,
		frame:      defaultFrame,
		freq:       defaultFrequency,
		amp:        defaultAmplitude,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	var errs []error
	if s.sampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", s.sampleRate))
	}
	if audio.FrameBytes(s.sampleRate, s.frame) <= 0 {
		errs = append(errs, fmt.Errorf("frame duration %s holds no samples at %d Hz", s.frame, s.sampleRate))
	}
	if s.freq < 0 || s.freq >= float64(s.sampleRate)/2 {
		errs = append(errs, fmt.Errorf("frequency %.1f Hz must be in [0, %d)", s.freq, s.sampleRate/2))
	}
	if s.amp <= 0 || s.amp > 1 {
		errs = append(errs, fmt.Errorf("amplitude %.2f must be in (0, 1]", s.amp))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("synth: %w", err)
	}
	return s, nil
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	return audio.Format{SampleRate: s.sampleRate, Channels: 1}
}

// Start implements [audio.Source]. The returned channel is unbuffered, so a
// slow consumer slows the generator down rather than growing memory.
func (s *Source) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, errors.New("synth: already started")
	}
	s.started = true

	ch := make(chan audio.AudioFrame)
	go s.run(ctx, ch)
	return ch, nil
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *Source) run(ctx context.Context, ch chan<- audio.AudioFrame) {
	defer close(ch)

	ticker := time.NewTicker(s.frame)
	defer ticker.Stop()

	samplesPerFrame := audio.FrameBytes(s.sampleRate, s.frame) / audio.BytesPerSample
	step := 2 * math.Pi * s.freq / float64(s.sampleRate)
	peak := s.amp * math.MaxInt16
	start := s.now()
	var sampleIdx int64

	for {
		buf := make([]byte, samplesPerFrame*audio.BytesPerSample)
		for i := range samplesPerFrame {
			v := peak * math.Sin(step*float64(sampleIdx+int64(i)))
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v)))
		}
		frame := audio.AudioFrame{
			Data:       buf,
			SampleRate: s.sampleRate,
			Channels:   1,
			CapturedAt: start.Add(time.Duration(sampleIdx) * time.Second / time.Duration(s.sampleRate)),
		}
		sampleIdx += int64(samplesPerFrame)

		select {
		case ch <- frame:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}
