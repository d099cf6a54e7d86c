package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRuntimeConfig_Missing(t *testing.T) {
	rc, err := LoadRuntimeConfig(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rc != nil {
		t.Fatalf("expected nil for missing file, got %+v", rc)
	}
}

func TestSaveAndLoadRuntimeConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	want := &RuntimeConfig{ServerURL: "https://rmm.example.com", MetricsInterval: 45}

	if err := SaveRuntimeConfig(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := LoadRuntimeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || got.ServerURL != want.ServerURL || got.MetricsInterval != want.MetricsInterval {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestSetServerURL_DetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	changed, err := SetServerURL(path, "https://a.example.com")
	if err != nil {
		t.Fatalf("first set: %v", err)
	}
	if !changed {
		t.Fatalf("expected change on first set (from empty)")
	}

	changed, err = SetServerURL(path, "https://a.example.com")
	if err != nil {
		t.Fatalf("second set: %v", err)
	}
	if changed {
		t.Fatalf("expected no change when URL is identical")
	}

	changed, err = SetServerURL(path, "https://b.example.com")
	if err != nil {
		t.Fatalf("third set: %v", err)
	}
	if !changed {
		t.Fatalf("expected change when URL differs")
	}
}

func TestLoad_AppliesOverridesAndCreatesDataDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "nested", "rmm")

	if _, err := SetServerURLForTest(dataDir); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	cfg, err := Load(dataDir, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerURL != "https://seeded.example.com" {
		t.Fatalf("expected seeded server URL, got %q", cfg.ServerURL)
	}

	cfg2, err := Load(dataDir, "https://cli-override.example.com")
	if err != nil {
		t.Fatalf("load with override: %v", err)
	}
	if cfg2.ServerURL != "https://cli-override.example.com" {
		t.Fatalf("expected CLI override to win, got %q", cfg2.ServerURL)
	}

	freshDir := filepath.Join(t.TempDir(), "fresh", "rmm")
	if _, err := Load(freshDir, ""); err != nil {
		t.Fatalf("load into missing data dir: %v", err)
	}
	if fi, err := os.Stat(freshDir); err != nil || !fi.IsDir() {
		t.Fatalf("expected Load to create data dir %s: %v", freshDir, err)
	}
}

// SetServerURLForTest seeds a config.json under dataDir, creating dataDir
// first because SetServerURL does not create missing directories.
func SetServerURLForTest(dataDir string) (bool, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return false, err
	}
	return SetServerURL(filepath.Join(dataDir, "config.json"), "https://seeded.example.com")
}
