package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// takes effect on restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	BufferingToggled bool
	BufferingEnabled bool

	// RestartRequired lists settings that changed but are fixed for the
	// lifetime of a capture session.
	RestartRequired []string
}

// HasChanges reports whether any hot-reloadable setting changed.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.BufferingToggled
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Buffering.Enabled != new.Buffering.Enabled {
		d.BufferingToggled = true
		d.BufferingEnabled = new.Buffering.Enabled
	}

	restart := []struct {
		name    string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"server.log_file", old.Server.LogFile != new.Server.LogFile},
		{"capture", old.Capture != new.Capture},
		{"buffering.directory", old.Buffering.Directory != new.Buffering.Directory},
		{"buffering.chunk_duration_seconds", old.Buffering.ChunkDurationSeconds != new.Buffering.ChunkDurationSeconds},
		{"buffering.max_buffered_minutes", old.Buffering.MaxBufferedMinutes != new.Buffering.MaxBufferedMinutes},
		{"catalog.postgres_dsn", old.Catalog.PostgresDSN != new.Catalog.PostgresDSN},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.name)
		}
	}
	return d
}
