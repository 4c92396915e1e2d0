// Package buffering implements the buffered segment engine: it turns a
// continuous stream of PCM16 mono frames into a sequence of finalized,
// self-contained WAV segment files, and keeps their summed duration within a
// retention budget by evicting the oldest segments.
//
// The [Controller] is the only entry point. At most one segment writer is
// open at any time; it is created lazily on the first frame after buffering
// is enabled and closes itself (rollover) once it holds the configured chunk
// duration. Every append-path and control-path operation is serialised
// through a single mutex, so frames may arrive on a capture goroutine while
// control calls come from elsewhere.
//
// File errors never propagate into the capture path. They are logged,
// counted in [observe.Metrics], and the engine carries on: a failed create is
// retried on the next frame, a failed append shortens the segment, a failed
// header patch still yields metadata, and failed deletes are ignored.
package buffering

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/mictrail/internal/observe"
	"github.com/MrWong99/mictrail/pkg/audio"
)

// Defaults applied to non-positive configuration values.
const (
	DefaultChunkDurationSeconds = 300
	DefaultMaxBufferedMinutes   = 60
)

// ErrNoSegment is returned by lookups for an id that is not registered.
var ErrNoSegment = errors.New("buffering: no such segment")

// Config holds the session-start settings of a [Controller].
type Config struct {
	// ChunkDurationSeconds is the rollover threshold. Non-positive values
	// fall back to [DefaultChunkDurationSeconds].
	ChunkDurationSeconds int

	// MaxBufferedMinutes is the retention budget over all segments.
	// Non-positive values fall back to [DefaultMaxBufferedMinutes].
	MaxBufferedMinutes int
}

// withDefaults returns cfg with non-positive values replaced.
func (cfg Config) withDefaults() Config {
	if cfg.ChunkDurationSeconds <= 0 {
		cfg.ChunkDurationSeconds = DefaultChunkDurationSeconds
	}
	if cfg.MaxBufferedMinutes <= 0 {
		cfg.MaxBufferedMinutes = DefaultMaxBufferedMinutes
	}
	return cfg
}

// maxBufferedMs is the retention budget in milliseconds.
func (cfg Config) maxBufferedMs() int64 {
	return int64(cfg.MaxBufferedMinutes) * 60_000
}

// Observer is notified of registry changes. Callbacks run while the
// controller lock is held, in the exact order the changes happen; they must
// return quickly and must not call back into the [Controller].
type Observer interface {
	SegmentFinalized(info SegmentInfo)
	SegmentEvicted(info SegmentInfo)
	SegmentsCleared(removed []SegmentInfo)
}

// OpenSegment describes the in-progress writer.
type OpenSegment struct {
	ID             string `json:"id"`
	SampleRate     int    `json:"sampleRate"`
	StartTimestamp int64  `json:"startTimestamp"`
	BytesWritten   int64  `json:"bytesWritten"`
}

// Option configures a [Controller].
type Option func(*Controller)

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithObserver registers an observer. May be given more than once.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithIDGenerator overrides segment id generation. The default produces
// random UUIDs.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithEnabled sets the initial buffering state. Buffering starts disabled.
func WithEnabled(enabled bool) Option {
	return func(c *Controller) { c.enabled = enabled }
}

// Controller is the buffering façade. All exported methods are safe for
// concurrent use.
type Controller struct {
	storage   Storage
	cfg       Config
	metrics   *observe.Metrics
	observers []Observer
	newID     func() string

	mu      sync.Mutex
	enabled bool
	writer  *segmentWriter // nil when no segment is open
	reg     registry

	// failure streaks, used to keep hot-path logging quiet
	createFailing bool
	appendFailing bool
	warnedNoRate  bool
}

// New creates a Controller that stores segments in storage.
func New(storage Storage, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		storage: storage,
		cfg:     cfg.withDefaults(),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Config returns the effective configuration after defaults.
func (c *Controller) Config() Config { return c.cfg }

// RemoveStale deletes segment files left in storage by a previous process.
// The registry always starts empty, so such files would otherwise never be
// evicted. Call it once before the first frame. Individual delete failures
// are logged and skipped.
func (c *Controller) RemoveStale() (int, error) {
	names, err := c.storage.List()
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	live := make(map[string]bool, c.reg.len()+1)
	for _, s := range c.reg.segments {
		live[s.name] = true
	}
	if c.writer != nil {
		live[c.writer.name] = true
	}

	removed := 0
	for _, name := range names {
		if live[name] {
			continue
		}
		if err := c.storage.Remove(name); err != nil {
			slog.Warn("buffering: failed to remove stale segment", "name", name, "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// SetBufferingEnabled turns buffering on or off. Enabling does not create a
// writer; the next frame does. Disabling finalizes the open writer, if any.
func (c *Controller) SetBufferingEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enabled != enabled {
		slog.Info("buffering: state changed", "enabled", enabled)
	}
	c.enabled = enabled
	if !enabled {
		c.finalizeLocked()
	}
}

// Enabled reports whether buffering is on.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// OnFrame routes a captured frame to the open writer, creating one if
// needed, and rolls the segment over once it reaches the chunk duration.
// It is a no-op while buffering is disabled and never returns an error.
func (c *Controller) OnFrame(frame audio.AudioFrame) {
	ctx := context.Background()
	c.metrics.FramesReceived.Add(ctx, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	if c.writer == nil && !c.openLocked(ctx, frame) {
		return
	}

	w := c.writer
	data := w.conv.Convert(frame).Data
	if w.bytesWritten > 0 && !w.fits(len(data)) {
		// The header cannot describe more data; start a new segment here.
		c.finalizeLocked()
		if !c.openLocked(ctx, frame) {
			return
		}
		w = c.writer
		data = w.conv.Convert(frame).Data
	}
	before := w.bytesWritten
	if err := w.append(data); err != nil {
		c.metrics.RecordSegmentError(ctx, "append")
		c.logStreak(&c.appendFailing, "buffering: append failed", "id", w.id, "err", err)
	} else if c.appendFailing {
		slog.Info("buffering: append recovered", "id", w.id)
		c.appendFailing = false
	}
	if n := w.bytesWritten - before; n > 0 {
		c.metrics.BufferedBytes.Add(ctx, n)
	}

	if w.elapsedReached(c.cfg.ChunkDurationSeconds) {
		c.finalizeLocked()
	}
}

// openLocked creates a writer seeded with frame. It reports false when the
// frame must be dropped. Caller must hold c.mu.
func (c *Controller) openLocked(ctx context.Context, frame audio.AudioFrame) bool {
	if frame.SampleRate <= 0 {
		if !c.warnedNoRate {
			c.warnedNoRate = true
			slog.Warn("buffering: dropping frame without sample rate", "bytes", len(frame.Data))
		}
		return false
	}
	w, err := createWriter(c.storage, c.newID(), frame.SampleRate, frame.TimestampMs())
	if err != nil {
		c.metrics.RecordSegmentError(ctx, "create")
		c.logStreak(&c.createFailing, "buffering: failed to create segment", "err", err)
		return false
	}
	if c.createFailing {
		slog.Info("buffering: segment creation recovered")
		c.createFailing = false
	}
	c.writer = w
	slog.Debug("buffering: segment opened", "id", w.id, "sample_rate", w.sampleRate, "start", w.startMs)
	return true
}

// Segments returns an ordered snapshot (oldest first) of the registered
// segments. The returned slice is owned by the caller.
func (c *Controller) Segments() []SegmentInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg.snapshot()
}

// Segment returns the registered segment with the given id, or
// [ErrNoSegment].
func (c *Controller) Segment(id string) (SegmentInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.reg.find(id)
	if !ok {
		return SegmentInfo{}, ErrNoSegment
	}
	return info, nil
}

// OpenAudio opens the finalized file of segment id for reading. The lookup
// and the open happen under the controller lock, so a segment that is listed
// can always be opened even if it is evicted right afterwards.
func (c *Controller) OpenAudio(id string) (io.ReadSeekCloser, SegmentInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.reg.find(id)
	if !ok {
		return nil, SegmentInfo{}, ErrNoSegment
	}
	rc, err := c.storage.Open(info.name)
	if err != nil {
		return nil, SegmentInfo{}, fmt.Errorf("buffering: open segment %s: %w", id, err)
	}
	return rc, info, nil
}

// OpenSegment reports the in-progress writer, if any.
func (c *Controller) OpenSegment() (OpenSegment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer == nil {
		return OpenSegment{}, false
	}
	return OpenSegment{
		ID:             c.writer.id,
		SampleRate:     c.writer.sampleRate,
		StartTimestamp: c.writer.startMs,
		BytesWritten:   c.writer.bytesWritten,
	}, true
}

// BufferedDurationMs returns the summed duration of all registered segments.
func (c *Controller) BufferedDurationMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg.total()
}

// Clear discards the open writer regardless of its contents, deletes every
// registered segment file, and empties the registry. Delete failures are
// logged and ignored.
func (c *Controller) Clear() {
	ctx := context.Background()

	c.mu.Lock()
	defer c.mu.Unlock()

	if w := c.writer; w != nil {
		c.writer = nil
		if err := w.discard(); err != nil {
			c.metrics.RecordSegmentError(ctx, "delete")
			slog.Warn("buffering: failed to delete discarded segment", "id", w.id, "err", err)
		}
		c.metrics.RecordDiscard(ctx, observe.ReasonCleared)
	}

	removed := c.reg.reset()
	for _, s := range removed {
		c.removeFile(ctx, s)
		c.metrics.RecordUnregistered(ctx, s.DurationMs, false)
	}
	for _, o := range c.observers {
		o.SegmentsCleared(removed)
	}
	slog.Info("buffering: cleared", "segments", len(removed))
}

// Close disables buffering and finalizes the open writer. Registered
// segments stay on disk. It is safe to call Close more than once.
func (c *Controller) Close() error {
	c.SetBufferingEnabled(false)
	return nil
}

// finalizeLocked closes the open writer, registers its segment and enforces
// retention. Caller must hold c.mu.
func (c *Controller) finalizeLocked() {
	w := c.writer
	if w == nil {
		return
	}
	c.writer = nil
	ctx := context.Background()

	start := time.Now()
	info, ok, err := w.finalize()
	c.metrics.FinalizeDuration.Record(ctx, time.Since(start).Seconds())

	if !ok {
		c.metrics.RecordDiscard(ctx, observe.ReasonEmpty)
		if err != nil {
			c.metrics.RecordSegmentError(ctx, "delete")
			slog.Warn("buffering: failed to delete empty segment", "id", w.id, "err", err)
		}
		return
	}
	if err != nil {
		c.metrics.RecordSegmentError(ctx, "patch_header")
		slog.Warn("buffering: segment finalized with imperfect header", "id", info.ID, "err", err)
	}

	c.reg.push(info)
	c.metrics.RecordRegistered(ctx, info.DurationMs)
	for _, o := range c.observers {
		o.SegmentFinalized(info)
	}
	slog.Debug("buffering: segment finalized",
		"id", info.ID,
		"duration_ms", info.DurationMs,
		"size_bytes", info.SizeBytes,
	)

	evicted := enforceRetention(&c.reg, c.cfg.maxBufferedMs(), func(s SegmentInfo) {
		c.removeFile(ctx, s)
	})
	for _, s := range evicted {
		c.metrics.RecordUnregistered(ctx, s.DurationMs, true)
		for _, o := range c.observers {
			o.SegmentEvicted(s)
		}
		slog.Debug("buffering: segment evicted", "id", s.ID, "duration_ms", s.DurationMs)
	}
}

// removeFile deletes a registered segment's file, best-effort.
func (c *Controller) removeFile(ctx context.Context, s SegmentInfo) {
	if err := c.storage.Remove(s.name); err != nil {
		c.metrics.RecordSegmentError(ctx, "delete")
		slog.Warn("buffering: failed to delete segment", "id", s.ID, "err", err)
	}
}

// logStreak logs at WARN for the first failure of a streak and at DEBUG for
// the rest, so a persistently failing disk does not flood the log at frame
// rate.
func (c *Controller) logStreak(failing *bool, msg string, args ...any) {
	if *failing {
		slog.Debug(msg, args...)
		return
	}
	*failing = true
	slog.Warn(msg, args...)
}
