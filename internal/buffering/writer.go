package buffering

import (
	"errors"
	"fmt"

	"github.com/MrWong99/mictrail/pkg/audio"
	"github.com/MrWong99/mictrail/pkg/audio/wav"
)

// SegmentInfo describes one finalized segment. Values are immutable once
// created; the registry hands out copies.
type SegmentInfo struct {
	// ID is the unique identifier inherited from the segment's writer.
	ID string `json:"id"`

	// Location is where the finalized file lives (an absolute path for
	// [DirStorage]).
	Location string `json:"fileLocation"`

	// SampleRate of the PCM data in Hz.
	SampleRate int `json:"sampleRate"`

	// StartTimestamp is the capture time of the first frame, in
	// milliseconds since the Unix epoch.
	StartTimestamp int64 `json:"startTimestamp"`

	// DurationMs is bytes / (sampleRate × 2) × 1000, truncated.
	DurationMs int64 `json:"durationMs"`

	// SizeBytes is the number of PCM bytes in the data chunk (excluding
	// the 44-byte header).
	SizeBytes int64 `json:"sizeBytes"`

	name string
}

// segmentName returns the storage key for a segment started at startMs.
func segmentName(startMs int64, id string) string {
	return fmt.Sprintf("segment_%d_%s%s", startMs, id, segmentExt)
}

// segmentWriter owns exactly one open, growing segment file. A writer that
// is returned from createWriter is always fully open: the file exists and
// carries a zero-size header.
type segmentWriter struct {
	id         string
	name       string
	sampleRate int
	startMs    int64

	storage      Storage
	file         File
	bytesWritten int64
	conv         audio.FormatConverter
}

// createWriter creates the backing file and pre-writes a zero-size header.
// On failure nothing is left behind and no writer is returned.
func createWriter(storage Storage, id string, sampleRate int, startMs int64) (*segmentWriter, error) {
	name := segmentName(startMs, id)
	f, err := storage.Create(name)
	if err != nil {
		return nil, err
	}
	if err := f.WriteHeader(wav.EncodeHeader(sampleRate, 0)); err != nil {
		_ = f.Close()
		_ = storage.Remove(name)
		return nil, fmt.Errorf("buffering: write initial header for %q: %w", name, err)
	}
	return &segmentWriter{
		id:         id,
		name:       name,
		sampleRate: sampleRate,
		startMs:    startMs,
		storage:    storage,
		file:       f,
		conv:       audio.FormatConverter{TargetRate: sampleRate},
	}, nil
}

// append writes p at the end of the file and advances the byte counter by
// the number of bytes actually written. The error is returned for
// observability only; callers must not propagate it to the capture path.
func (w *segmentWriter) append(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if !w.fits(len(p)) {
		return fmt.Errorf("buffering: append to %q: segment would exceed %d data bytes", w.name, int64(wav.MaxDataSize))
	}
	n, err := w.file.Append(p)
	w.bytesWritten += int64(n)
	if err != nil {
		return fmt.Errorf("buffering: append to %q: %w", w.name, err)
	}
	return nil
}

// fits reports whether n more bytes keep the data size within what the
// header can describe.
func (w *segmentWriter) fits(n int) bool {
	return w.bytesWritten+int64(n) <= wav.MaxDataSize
}

// elapsedReached reports whether the writer holds at least seconds of audio
// or has reached the header's size limit.
func (w *segmentWriter) elapsedReached(seconds int) bool {
	return w.bytesWritten >= int64(seconds)*int64(w.sampleRate)*audio.BytesPerSample ||
		w.bytesWritten >= wav.MaxDataSize
}

// finalize closes the writer. With zero bytes written the file is deleted
// and ok is false. Otherwise the header is patched with the true data size
// and a [SegmentInfo] is returned; a failed patch or close is reported in
// err but still yields the info, built from the in-memory byte count. A
// size beyond [wav.MaxDataSize] is clamped in the header and reported.
func (w *segmentWriter) finalize() (info SegmentInfo, ok bool, err error) {
	if w.bytesWritten == 0 {
		return SegmentInfo{}, false, w.discard()
	}

	var sizeErr error
	dataSize := w.bytesWritten
	if dataSize > wav.MaxDataSize {
		dataSize = wav.MaxDataSize
		sizeErr = fmt.Errorf("buffering: %q holds %d data bytes, header clamped to %d", w.name, w.bytesWritten, dataSize)
	}
	patchErr := w.file.WriteHeader(wav.EncodeHeader(w.sampleRate, uint32(dataSize)))
	if patchErr != nil {
		patchErr = fmt.Errorf("buffering: patch header of %q: %w", w.name, patchErr)
	}
	closeErr := w.file.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("buffering: close %q: %w", w.name, closeErr)
	}

	info = SegmentInfo{
		ID:             w.id,
		Location:       w.storage.Location(w.name),
		SampleRate:     w.sampleRate,
		StartTimestamp: w.startMs,
		DurationMs:     wav.DurationMs(w.bytesWritten, w.sampleRate),
		SizeBytes:      w.bytesWritten,
		name:           w.name,
	}
	return info, true, errors.Join(sizeErr, patchErr, closeErr)
}

// discard closes the file, ignoring close errors, and deletes it. Safe to
// call on an already closed writer. The returned error reports a failed
// delete for observability.
func (w *segmentWriter) discard() error {
	_ = w.file.Close()
	return w.storage.Remove(w.name)
}
