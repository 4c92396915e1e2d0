// Package pcmreader adapts a raw PCM16 byte stream (for example stdin fed by
// "arecord -f S16_LE -c1 -r16000 -t raw") into an [audio.Source].
package pcmreader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/mictrail/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Source reads fixed-size frames from r. Capture timestamps start at the
// moment the first frame was read and then advance by sample count, so a
// stream that is read faster than real time still yields a gap-free
// timeline.
type Source struct {
	r          io.Reader
	sampleRate int
	channels   int
	frameBytes int
	now        func() time.Time

	mu      sync.Mutex
	started bool
	done    chan struct{}
	once    sync.Once
}

// Option configures a [Source].
type Option func(*Source)

// WithChannels declares an interleaved multi-channel input. Default 1.
func WithChannels(n int) Option {
	return func(s *Source) { s.channels = n }
}

// WithClock overrides the wall clock used for the first frame's timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// New returns a source that splits r into frames of frameDur at sampleRate.
func New(r io.Reader, sampleRate int, frameDur time.Duration, opts ...Option) (*Source, error) {
	if r == nil {
		return nil, errors.New("pcmreader: reader must not be nil")
	}
	s := &Source{
		r:          r,
		sampleRate: sampleRate,
		channels:   1,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sampleRate <= 0 {
		return nil, fmt.Errorf("pcmreader: sample rate %d must be positive", sampleRate)
	}
	if s.channels <= 0 {
		return nil, fmt.Errorf("pcmreader: channel count %d must be positive", s.channels)
	}
	s.frameBytes = audio.FrameBytes(sampleRate, frameDur) * s.channels
	if s.frameBytes <= 0 {
		return nil, fmt.Errorf("pcmreader: frame duration %s holds no samples at %d Hz", frameDur, sampleRate)
	}
	return s, nil
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	return audio.Format{SampleRate: s.sampleRate, Channels: s.channels}
}

// Start implements [audio.Source]. The channel closes at end of input, on a
// read error, on ctx cancellation, or after Close.
func (s *Source) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, errors.New("pcmreader: already started")
	}
	s.started = true

	ch := make(chan audio.AudioFrame)
	go s.run(ctx, ch)
	return ch, nil
}

// Close implements [audio.Source]. If the reader is an [io.Closer] it is
// closed too, which unblocks a pending read on pipes.
func (s *Source) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if c, ok := s.r.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

func (s *Source) run(ctx context.Context, ch chan<- audio.AudioFrame) {
	defer close(ch)

	align := audio.BytesPerSample * s.channels
	var start time.Time
	var samples int64

	for {
		buf := make([]byte, s.frameBytes)
		n, err := io.ReadFull(s.r, buf)
		n -= n % align
		if n > 0 {
			if start.IsZero() {
				start = s.now()
			}
			frame := audio.AudioFrame{
				Data:       buf[:n],
				SampleRate: s.sampleRate,
				Channels:   s.channels,
				CapturedAt: start.Add(time.Duration(samples) * time.Second / time.Duration(s.sampleRate)),
			}
			samples += int64(n / align)
			select {
			case ch <- frame:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			slog.Info("pcmreader: end of input", "samples", samples)
			return
		default:
			select {
			case <-s.done:
			default:
				slog.Warn("pcmreader: read failed, stopping capture", "err", err)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}
	}
}
