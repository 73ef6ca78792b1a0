package config_test

import (
	"testing"

	"github.com/taliaworks/pipecat-bridge/internal/config"
)

// baseConfig returns a config used as the "old" side of diff tests.
func baseConfig() *config.Config {
	cfg := config.Default()
	cfg.Agent.URL = "ws://localhost:7860/ws"
	cfg.Catalog.Path = "services.json"
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()

	d := config.Diff(old, new)
	if d.Any() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged should be true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want %q", d.NewLogLevel, config.LogDebug)
	}
	if d.CatalogPathChanged || d.RingNumberChanged {
		t.Errorf("unrelated fields flagged: %+v", d)
	}
}

func TestDiff_CatalogPathChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Catalog.Path = "/srv/data/services.json"

	d := config.Diff(old, new)
	if !d.CatalogPathChanged {
		t.Fatal("CatalogPathChanged should be true")
	}
	if d.NewCatalogPath != "/srv/data/services.json" {
		t.Errorf("NewCatalogPath = %q", d.NewCatalogPath)
	}
}

func TestDiff_RingNumberChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Escalation.RingNumber = "7"

	d := config.Diff(old, new)
	if !d.RingNumberChanged {
		t.Fatal("RingNumberChanged should be true")
	}
	if d.NewRingNumber != "7" {
		t.Errorf("NewRingNumber = %q, want %q", d.NewRingNumber, "7")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogWarn
	new.Catalog.Path = "other.json"
	new.Escalation.RingNumber = "2"

	d := config.Diff(old, new)
	if !d.LogLevelChanged || !d.CatalogPathChanged || !d.RingNumberChanged {
		t.Errorf("all three changes should be flagged, got %+v", d)
	}
	if !d.Any() {
		t.Error("Any() should be true")
	}
}

func TestDiff_RestartOnlyFieldsIgnored(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Agent.URL = "ws://other:7860/ws"
	new.Database.Host = "db2.internal"
	new.Booking.BaseURL = "https://other.example.com"

	d := config.Diff(old, new)
	if d.Any() {
		t.Errorf("transport and credential changes must not appear in diff, got %+v", d)
	}
}
