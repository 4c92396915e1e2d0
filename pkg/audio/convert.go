package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// FormatConverter normalises frames to a mono PCM16 stream at a fixed target
// sample rate. It logs a warning on the first format mismatch and on the
// first misaligned PCM buffer.
// Create one per segment; not designed for shared use across goroutines.
type FormatConverter struct {
	// TargetRate is the sample rate every converted frame is resampled to.
	TargetRate int

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns the frame as mono PCM16 at c.TargetRate. If the frame
// already matches, it is returned unchanged (zero allocation).
// Conversion order: down-mix first, then resample (avoids resampling stereo).
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	channels := frame.Channels
	if channels <= 0 {
		channels = 1
	}

	// int16 PCM needs whole samples per channel.
	if len(frame.Data)%(BytesPerSample*channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: truncating misaligned PCM data",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", channels,
			)
		})
		frame.Data = frame.Data[:len(frame.Data)-len(frame.Data)%(BytesPerSample*channels)]
	}

	if channels == 1 && (frame.SampleRate == c.TargetRate || frame.SampleRate <= 0) {
		frame.Channels = 1
		frame.SampleRate = c.TargetRate
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, channels),
			"to", formatString(c.TargetRate, 1),
		)
	})

	pcm := frame.Data
	switch channels {
	case 1:
	case 2:
		pcm = StereoToMono(pcm)
	default:
		pcm = DownmixToMono(pcm, channels)
	}
	if frame.SampleRate != c.TargetRate {
		pcm = ResampleMono16(pcm, frame.SampleRate, c.TargetRate)
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.TargetRate,
		Channels:   1,
		CapturedAt: frame.CapturedAt,
	}
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	return DownmixToMono(pcm, 2)
}

// DownmixToMono averages interleaved int16 samples across channels.
// Trailing bytes that do not form a whole frame are dropped.
func DownmixToMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * BytesPerSample
	frames := len(pcm) / stride
	out := make([]byte, frames*BytesPerSample)
	for i := range frames {
		var sum int32
		for ch := range channels {
			off := i*stride + ch*BytesPerSample
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		avg := clamp16(sum / int32(channels))
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func clamp16(v int32) int32 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
