package app

import (
	"os"
	"time"

	"github.com/MrWong99/mictrail/internal/config"
	"github.com/MrWong99/mictrail/pkg/audio"
	"github.com/MrWong99/mictrail/pkg/audio/pcmreader"
	"github.com/MrWong99/mictrail/pkg/audio/synth"
)

// DefaultRegistry returns a registry with the capture sources shipped with
// mictrail:
//
//   - "synth": a sine tone at capture.tone_hz
//   - "stdin": raw little-endian PCM16 mono read from standard input
func DefaultRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterSource("synth", func(c config.CaptureConfig) (audio.Source, error) {
		return synth.New(
			synth.WithSampleRate(c.SampleRate),
			synth.WithFrameDuration(frameDuration(c)),
			synth.WithFrequency(c.ToneHz),
		)
	})
	reg.RegisterSource("stdin", func(c config.CaptureConfig) (audio.Source, error) {
		return pcmreader.New(os.Stdin, c.SampleRate, frameDuration(c))
	})
	return reg
}

func frameDuration(c config.CaptureConfig) time.Duration {
	return time.Duration(c.FrameMs) * time.Millisecond
}
