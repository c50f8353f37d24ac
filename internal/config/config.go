package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	minWindowMinutes   = 1
	maxWindowMinutes   = 1440
	minRetentionHours  = 1
	maxRetentionHours  = 720
	minProbeTimeoutSec = 1
	maxProbeTimeoutSec = 60
	minLogSizeMB       = 1
	maxLogSizeMB       = 1024
	maxLogBackups      = 100
)

// Battery probe kinds.
const (
	ProbeUPower = "upower"
	ProbeDBus   = "dbus"
	ProbeSysfs  = "sysfs"
	ProbeNone   = "none"
)

type Config struct {
	Storage    StorageConfig    `toml:"storage" json:"storage"`
	Report     ReportConfig     `toml:"report" json:"report"`
	Cleanup    CleanupConfig    `toml:"cleanup" json:"cleanup"`
	Battery    BatteryConfig    `toml:"battery" json:"battery"`
	Probes     ProbesConfig     `toml:"probes" json:"probes"`
	Classifier ClassifierConfig `toml:"classifier" json:"classifier"`
	Log        LogConfig        `toml:"log" json:"log"`
}

type StorageConfig struct {
	DBPath string `toml:"db_path" json:"db_path"`
}

type ReportConfig struct {
	WindowMinutes int `toml:"window_minutes" json:"window_minutes"`
}

type CleanupConfig struct {
	RetentionHours int `toml:"retention_hours" json:"retention_hours"`
}

type BatteryConfig struct {
	Probe  string `toml:"probe" json:"probe"`
	Device string `toml:"device" json:"device"`
}

type ProbesConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds" json:"timeout_seconds"`
}

type ClassifierConfig struct {
	SupervisorRoots []string `toml:"supervisor_roots" json:"supervisor_roots"`
	HelperNames     []string `toml:"helper_names" json:"helper_names"`
	NativePrefixes  []string `toml:"native_prefixes" json:"native_prefixes"`
}

type LogConfig struct {
	Level      string `toml:"level" json:"level"`
	File       string `toml:"file" json:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups"`
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DBPath: "~/.local/share/app-power/power.db",
		},
		Report: ReportConfig{
			WindowMinutes: 60,
		},
		Cleanup: CleanupConfig{
			RetentionHours: 10,
		},
		Battery: BatteryConfig{
			Probe:  ProbeUPower,
			Device: "BAT0",
		},
		Probes: ProbesConfig{
			TimeoutSeconds: 5,
		},
		Classifier: ClassifierConfig{
			SupervisorRoots: []string{"systemd", "bwrap"},
			HelperNames:     []string{"flatpak-session-helper", "flatpak-portal", "xdg-dbus-proxy"},
			NativePrefixes:  []string{"app-gnome-"},
		},
		Log: LogConfig{
			Level:      "warn",
			MaxSizeMB:  5,
			MaxBackups: 3,
		},
	}
}

// DefaultPath is $XDG_CONFIG_HOME/app-power/config.toml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "app-power", "config.toml"), nil
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return NormalizeAndValidate(cfg)
}

// Window is the report look-back span.
func (c *Config) Window() time.Duration {
	return time.Duration(c.Report.WindowMinutes) * time.Minute
}

// Retention is the trim horizon.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Cleanup.RetentionHours) * time.Hour
}

// ProbeTimeout bounds each external tool invocation.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Probes.TimeoutSeconds) * time.Second
}

func NormalizeAndValidate(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}

	sanitized := *cfg

	var err error
	sanitized.Storage.DBPath, err = sanitizePath("storage.db_path", sanitized.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(sanitized.Log.File) != "" {
		sanitized.Log.File, err = sanitizePath("log.file", sanitized.Log.File)
		if err != nil {
			return nil, err
		}
	}

	if err := validateRange("report.window_minutes", sanitized.Report.WindowMinutes, minWindowMinutes, maxWindowMinutes); err != nil {
		return nil, err
	}
	if err := validateRange("cleanup.retention_hours", sanitized.Cleanup.RetentionHours, minRetentionHours, maxRetentionHours); err != nil {
		return nil, err
	}
	if sanitized.Cleanup.RetentionHours*60 < sanitized.Report.WindowMinutes {
		return nil, fmt.Errorf("cleanup.retention_hours must cover report.window_minutes")
	}
	if err := validateRange("probes.timeout_seconds", sanitized.Probes.TimeoutSeconds, minProbeTimeoutSec, maxProbeTimeoutSec); err != nil {
		return nil, err
	}
	if err := validateRange("log.max_size_mb", sanitized.Log.MaxSizeMB, minLogSizeMB, maxLogSizeMB); err != nil {
		return nil, err
	}
	if err := validateRange("log.max_backups", sanitized.Log.MaxBackups, 0, maxLogBackups); err != nil {
		return nil, err
	}

	sanitized.Battery.Probe = strings.ToLower(strings.TrimSpace(sanitized.Battery.Probe))
	switch sanitized.Battery.Probe {
	case ProbeUPower, ProbeDBus, ProbeSysfs, ProbeNone:
	default:
		return nil, fmt.Errorf("battery.probe must be one of upower, dbus, sysfs, none, got %q", cfg.Battery.Probe)
	}
	sanitized.Battery.Device = strings.TrimSpace(sanitized.Battery.Device)
	if sanitized.Battery.Device == "" && (sanitized.Battery.Probe == ProbeUPower || sanitized.Battery.Probe == ProbeDBus) {
		return nil, fmt.Errorf("battery.device must not be empty for probe %q", sanitized.Battery.Probe)
	}

	switch strings.ToLower(sanitized.Log.Level) {
	case "debug", "info", "warn", "error":
		sanitized.Log.Level = strings.ToLower(sanitized.Log.Level)
	default:
		return nil, fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", sanitized.Log.Level)
	}

	if len(sanitized.Classifier.SupervisorRoots) == 0 {
		return nil, fmt.Errorf("classifier.supervisor_roots must not be empty")
	}

	return &sanitized, nil
}

func Save(path string, cfg *Config) error {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return fmt.Errorf("config path must not be empty")
	}

	sanitized, err := NormalizeAndValidate(cfg)
	if err != nil {
		return err
	}
	// Keep the portable "~/" form when writing the defaults out.
	sanitized.Storage.DBPath = strings.TrimSpace(cfg.Storage.DBPath)

	var data bytes.Buffer
	if err := toml.NewEncoder(&data).Encode(sanitized); err != nil {
		return fmt.Errorf("encode config TOML: %w", err)
	}

	dir := filepath.Dir(trimmedPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data.Bytes()); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, trimmedPath); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	tmpPath = ""

	return nil
}

// sanitizePath trims, expands a leading "~/" and requires an absolute path.
func sanitizePath(name, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%s must not be empty", name)
	}
	if rest, ok := strings.CutPrefix(trimmed, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("%s: expand home: %w", name, err)
		}
		trimmed = filepath.Join(home, rest)
	}
	cleaned := filepath.Clean(trimmed)
	if !filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%s must be an absolute path, got %q", name, value)
	}
	return cleaned, nil
}

func validateRange(name string, value, min, max int) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, min, max, value)
	}

	return nil
}
