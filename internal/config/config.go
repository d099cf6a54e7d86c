// Package config handles agent configuration loading, defaults, and the
// on-disk RuntimeConfig override document.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Compile-time defaults. RuntimeConfig overrides any of these that are
// present in config.json or passed as CLI flags.
const (
	DefaultMetricsInterval     = 60 * time.Second
	DefaultHeartbeatInterval   = 60 * time.Second
	DefaultStatusCheckInterval = 60 * time.Second
	DefaultUpdateCheckInterval = 6 * time.Hour
	DefaultEnrollPollInterval  = 30 * time.Second
	DefaultMetricsDaemonURL    = "http://127.0.0.1:19999"
	BinaryName                 = "rmm-agent"
)

// RuntimeConfig is the persisted override document at <data_dir>/config.json.
// Every field is optional; a zero value means "use the compile-time default".
type RuntimeConfig struct {
	ServerURL       string `json:"server_url,omitempty"`
	MetricsURL      string `json:"metrics_url,omitempty"`
	MetricsInterval int    `json:"metrics_interval_seconds,omitempty"`
}

// Config is the fully resolved configuration the rest of the agent uses.
type Config struct {
	DataDir    string
	ServerURL  string
	MetricsURL string

	MetricsInterval     time.Duration
	HeartbeatInterval   time.Duration
	StatusCheckInterval time.Duration
	UpdateCheckInterval time.Duration
	EnrollPollInterval  time.Duration

	UpdatesDisabled bool
}

// CredentialPath returns the path to the credential file.
func (c *Config) CredentialPath() string { return filepath.Join(c.DataDir, "agent.key") }

// RuntimeConfigPath returns the path to the persisted override document.
func (c *Config) RuntimeConfigPath() string { return filepath.Join(c.DataDir, "config.json") }

// StatusPath returns the path to the status snapshot file.
func (c *Config) StatusPath() string { return filepath.Join(c.DataDir, "status.json") }

// LogPath returns today's rolling log file path.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, fmt.Sprintf("agent.log.%s", time.Now().UTC().Format("2006-01-02")))
}

// UpdateDir returns the directory staged update binaries and the pending
// marker live under.
func (c *Config) UpdateDir() string { return filepath.Join(c.DataDir, "update") }

// PendingMarkerPath returns the path to the pending-update marker.
func (c *Config) PendingMarkerPath() string { return filepath.Join(c.UpdateDir(), "pending.json") }

// DefaultDataDir returns the platform-appropriate default data directory.
func DefaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return filepath.Join(programData, "RMM")
	case "darwin":
		return "/Library/Application Support/RMM"
	default:
		return "/var/lib/rmm"
	}
}

// Load resolves configuration from compile-time defaults, the persisted
// RuntimeConfig document (if present), and explicit overrides. It ensures
// the data directory exists before returning.
func Load(dataDirOverride, serverURLOverride string) (*Config, error) {
	dataDir := dataDirOverride
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}

	cfg := &Config{
		DataDir:             dataDir,
		MetricsURL:          DefaultMetricsDaemonURL,
		MetricsInterval:     DefaultMetricsInterval,
		HeartbeatInterval:   DefaultHeartbeatInterval,
		StatusCheckInterval: DefaultStatusCheckInterval,
		UpdateCheckInterval: DefaultUpdateCheckInterval,
		EnrollPollInterval:  DefaultEnrollPollInterval,
	}

	rc, err := LoadRuntimeConfig(filepath.Join(dataDir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("load runtime config: %w", err)
	}
	if rc != nil {
		applyOverrides(cfg, rc)
	}

	if serverURLOverride != "" {
		cfg.ServerURL = serverURLOverride
	}

	return cfg, nil
}

func applyOverrides(cfg *Config, rc *RuntimeConfig) {
	if rc.ServerURL != "" {
		cfg.ServerURL = rc.ServerURL
	}
	if rc.MetricsURL != "" {
		cfg.MetricsURL = rc.MetricsURL
	}
	if rc.MetricsInterval > 0 {
		cfg.MetricsInterval = time.Duration(rc.MetricsInterval) * time.Second
	}
}

// LoadRuntimeConfig reads the persisted override document. A missing file
// is not an error; it returns (nil, nil).
func LoadRuntimeConfig(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var rc RuntimeConfig
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &rc, nil
}

// SaveRuntimeConfig atomically persists the override document: write to a
// temp file in the same directory, then rename over the target.
func SaveRuntimeConfig(path string, rc *RuntimeConfig) error {
	data, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal runtime config: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp config file into place: %w", err)
	}
	return nil
}

// SetServerURL persists a new server_url override, returning true if it
// differs from the previously persisted value (the CLI uses this to decide
// whether to wipe the credential before the supervisor starts).
func SetServerURL(path, newURL string) (changed bool, err error) {
	rc, err := LoadRuntimeConfig(path)
	if err != nil {
		return false, err
	}
	if rc == nil {
		rc = &RuntimeConfig{}
	}

	changed = rc.ServerURL != newURL
	rc.ServerURL = newURL

	if err := SaveRuntimeConfig(path, rc); err != nil {
		return false, err
	}
	return changed, nil
}
