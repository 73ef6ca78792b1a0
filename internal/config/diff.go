package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; transport
// endpoints and credentials require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CatalogPathChanged bool
	NewCatalogPath     string

	RingNumberChanged bool
	NewRingNumber     string
}

// Any reports whether the diff contains at least one applied change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.CatalogPathChanged || d.RingNumberChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Catalog.Path != new.Catalog.Path {
		d.CatalogPathChanged = true
		d.NewCatalogPath = new.Catalog.Path
	}

	if old.Escalation.RingNumber != new.Escalation.RingNumber {
		d.RingNumberChanged = true
		d.NewRingNumber = new.Escalation.RingNumber
	}

	return d
}
