// Package audio defines the frame type and capture-source abstraction that
// feed the mictrail buffering engine, together with small PCM16 helpers.
//
// The primary abstraction is [Source]: anything that produces a stream of
// [AudioFrame] values on its own cadence (a microphone callback, a pipe from
// arecord, a synthetic generator). Implementations live in sub-packages
// (audio/synth, audio/pcmreader) and are chosen at startup through the
// capture-source registry in internal/config.
package audio

import "context"

// Source is a capture collaborator that delivers frames on its own goroutine.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Start begins capture and returns the channel on which frames are
	// delivered. The channel is closed when ctx is cancelled, when the
	// underlying input is exhausted, or after Close. Start may be called only
	// once per Source.
	Start(ctx context.Context) (<-chan AudioFrame, error)

	// Format reports the sample rate and channel count the source produces.
	Format() Format

	// Close stops capture and releases resources. It is safe to call Close
	// more than once; subsequent calls are no-ops and return nil.
	Close() error
}
