package audio

import "time"

// BytesPerSample is the width of one linear PCM16 sample.
const BytesPerSample = 2

// AudioFrame represents a single frame of captured audio.
// Frames are the atomic unit handed from a capture [Source] to the buffering
// engine. The engine copies Data into a segment file and does not retain the
// frame afterwards.
type AudioFrame struct {
	// Data holds little-endian signed 16-bit PCM samples.
	Data []byte

	// SampleRate in Hz (e.g., 16000, 44100, 48000).
	SampleRate int

	// Channels: 1 for mono. Zero is treated as mono. Stereo frames are
	// down-mixed before they reach a segment.
	Channels int

	// CapturedAt is the wall-clock capture time of the first sample in Data.
	CapturedAt time.Time
}

// TimestampMs returns the capture time in milliseconds since the Unix epoch.
func (f AudioFrame) TimestampMs() int64 {
	return f.CapturedAt.UnixMilli()
}

// Duration returns the playback duration of the frame's samples.
// Returns 0 when the sample rate is unknown.
func (f AudioFrame) Duration() time.Duration {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.Data) / (BytesPerSample * ch)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// FrameBytes returns the number of bytes in a mono PCM16 frame of duration d
// at sampleRate.
func FrameBytes(sampleRate int, d time.Duration) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return samples * BytesPerSample
}
