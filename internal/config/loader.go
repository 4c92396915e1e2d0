package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/mictrail/pkg/audio/wav"
)

// KnownSources lists the capture sources shipped with mictrail.
// Used by [Validate] to warn about unrecognised source names.
var KnownSources = []string{"synth", "stdin"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals. An empty document yields the all-defaults config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields. Non-positive chunk and retention values
// fall back to their defaults with a warning, matching the engine's own
// fallback.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogMaxSizeMB <= 0 {
		cfg.Server.LogMaxSizeMB = 100
	}

	if cfg.Capture.Source == "" {
		cfg.Capture.Source = DefaultSource
	}
	if cfg.Capture.SampleRate <= 0 {
		cfg.Capture.SampleRate = DefaultSampleRate
	}
	if cfg.Capture.FrameMs <= 0 {
		cfg.Capture.FrameMs = DefaultFrameMs
	}
	if cfg.Capture.ToneHz <= 0 {
		cfg.Capture.ToneHz = DefaultToneHz
	}

	if cfg.Buffering.Directory == "" {
		cfg.Buffering.Directory = DefaultBufferDirectory
	}
	if cfg.Buffering.ChunkDurationSeconds <= 0 {
		if cfg.Buffering.ChunkDurationSeconds < 0 {
			slog.Warn("buffering.chunk_duration_seconds is not positive; using default",
				"value", cfg.Buffering.ChunkDurationSeconds, "default", DefaultChunkDurationSeconds)
		}
		cfg.Buffering.ChunkDurationSeconds = DefaultChunkDurationSeconds
	}
	if cfg.Buffering.MaxBufferedMinutes <= 0 {
		if cfg.Buffering.MaxBufferedMinutes < 0 {
			slog.Warn("buffering.max_buffered_minutes is not positive; using default",
				"value", cfg.Buffering.MaxBufferedMinutes, "default", DefaultMaxBufferedMinutes)
		}
		cfg.Buffering.MaxBufferedMinutes = DefaultMaxBufferedMinutes
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogMaxBackups < 0 {
		errs = append(errs, fmt.Errorf("server.log_max_backups %d must not be negative", cfg.Server.LogMaxBackups))
	}
	if cfg.Server.LogMaxAgeDays < 0 {
		errs = append(errs, fmt.Errorf("server.log_max_age_days %d must not be negative", cfg.Server.LogMaxAgeDays))
	}

	// Capture
	validateSourceName(cfg.Capture.Source)
	if cfg.Capture.SampleRate < 8000 || cfg.Capture.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d is out of range [8000, 192000]", cfg.Capture.SampleRate))
	}
	if cfg.Capture.FrameMs > 1000 {
		errs = append(errs, fmt.Errorf("capture.frame_ms %d is out of range [1, 1000]", cfg.Capture.FrameMs))
	}
	if cfg.Capture.ToneHz*2 >= float64(cfg.Capture.SampleRate) {
		errs = append(errs, fmt.Errorf("capture.tone_hz %.1f must be below the Nyquist frequency of %d Hz", cfg.Capture.ToneHz, cfg.Capture.SampleRate/2))
	}

	// Buffering
	if rate := int64(cfg.Capture.SampleRate); rate > 0 {
		if chunkBytes := int64(cfg.Buffering.ChunkDurationSeconds) * rate * 2; chunkBytes > wav.MaxDataSize {
			errs = append(errs, fmt.Errorf("buffering.chunk_duration_seconds %d at %d Hz exceeds the WAV size limit; maximum is %d",
				cfg.Buffering.ChunkDurationSeconds, rate, int64(wav.MaxDataSize)/(rate*2)))
		}
	}
	if cfg.Buffering.ChunkDurationSeconds > cfg.Buffering.MaxBufferedMinutes*60 {
		slog.Warn("buffering.chunk_duration_seconds exceeds the retention budget; each new segment will evict all older ones",
			"chunk_duration_seconds", cfg.Buffering.ChunkDurationSeconds,
			"max_buffered_minutes", cfg.Buffering.MaxBufferedMinutes,
		)
	}

	return errors.Join(errs...)
}

// validateSourceName logs a warning if name is not one of [KnownSources].
func validateSourceName(name string) {
	if name == "" || slices.Contains(KnownSources, name) {
		return
	}
	slog.Warn("unknown capture source, may be a typo or an externally registered source",
		"name", name,
		"known", KnownSources,
	)
}
