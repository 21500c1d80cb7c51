package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// store changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CaptureChanged covers the arbitration and silence tuning knobs
	// (silence_ms, min_stream_chars, corroborate_below, session_timeout).
	CaptureChanged bool
	NewCapture     CaptureConfig

	// OptimisticChanged tracks the enrich.optimistic toggle.
	OptimisticChanged bool
	NewOptimistic     bool
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.CaptureChanged || d.OptimisticChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oc, nc := old.Capture, new.Capture
	if oc.SilenceMs != nc.SilenceMs ||
		oc.MinStreamChars != nc.MinStreamChars ||
		oc.CorroborateBelow != nc.CorroborateBelow ||
		oc.SessionTimeout != nc.SessionTimeout {
		d.CaptureChanged = true
		d.NewCapture = nc
	}

	oldOpt := old.Enrich.Optimistic == nil || *old.Enrich.Optimistic
	newOpt := new.Enrich.Optimistic == nil || *new.Enrich.Optimistic
	if oldOpt != newOpt {
		d.OptimisticChanged = true
		d.NewOptimistic = newOpt
	}

	return d
}
