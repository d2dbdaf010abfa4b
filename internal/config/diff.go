package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	FrameIdleThresholdChanged bool
	NewFrameIdleThreshold     int
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes safe to apply without restart — provider selection
// and the database DSN require a process restart and are not diffed here.
// Agent personalities, voices, and tool grants are no longer config-file
// concerns: they are persisted rows (C1) edited through the session
// gateway, not YAML, so there is nothing analogous to diff.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Frame.IdleThresholdMinutes != new.Frame.IdleThresholdMinutes {
		d.FrameIdleThresholdChanged = true
		d.NewFrameIdleThreshold = new.Frame.IdleThresholdMinutes
	}

	return d
}
