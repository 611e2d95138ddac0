package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"repofs/internal/artifacts"
	"repofs/internal/util"
)

// getConfigDir returns the config directory path.
// Uses REPOFS_CONFIG_DIR env var if set, otherwise defaults to ~/.repofs.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("REPOFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".repofs")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// PidPath returns the PID file path
func PidPath() string {
	return filepath.Join(getConfigDir(), "daemon.pid")
}

// LogPath returns the log file path.
// Uses REPOFS_DAEMON_LOG env var if set, otherwise defaults to config_dir/daemon.log.
func LogPath() string {
	if envPath := os.Getenv("REPOFS_DAEMON_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "daemon.log")
}

// LockPath returns the lock file path
func LockPath() string {
	return filepath.Join(getConfigDir(), "daemon.lock")
}

// SettingsPath returns the settings file path
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir creates the config directory and writes the default
// settings file unless one exists.
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	settingsPath := SettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// CacheSettings sizes the per-share metadata cache.
type CacheSettings struct {
	TTL        time.Duration `yaml:"ttl" validate:"gte=0"`
	MaxEntries int           `yaml:"max_entries" validate:"gte=0"`
}

// MonitorSettings controls the node monitors.
type MonitorSettings struct {
	Enabled   bool `yaml:"enabled"`
	QueueWarn int  `yaml:"queue_warn" validate:"gte=0"`
}

// QuotaSettings controls per-user usage tracking.
type QuotaSettings struct {
	Enabled           bool          `yaml:"enabled"`
	DefaultLimit      int64         `yaml:"default_limit" validate:"gte=0"` // bytes, 0 = unlimited
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" validate:"gte=0"`
	SweepInterval     time.Duration `yaml:"sweep_interval" validate:"gte=0"`
}

// TransactionSettings bounds retries of repository transactions.
type TransactionSettings struct {
	Attempts uint          `yaml:"attempts" validate:"lte=100"`
	Delay    time.Duration `yaml:"delay" validate:"gte=0"`
	MaxDelay time.Duration `yaml:"max_delay" validate:"gte=0"`
}

// Retry returns the settings as a retry configuration.
func (t TransactionSettings) Retry() util.RetryConfig {
	return util.RetryConfig{Attempts: t.Attempts, Delay: t.Delay, MaxDelay: t.MaxDelay}
}

// ShareSettings describes one exported share.
type ShareSettings struct {
	Name          string   `yaml:"name" validate:"required,max=80"`
	Root          string   `yaml:"root" validate:"required"` // repository folder path
	ReadOnly      bool     `yaml:"read_only"`
	Notify        bool     `yaml:"notify"`
	TempPatterns  []string `yaml:"temp_patterns,omitempty"` // gitignore syntax, empty = defaults
	ShuffleWindow int      `yaml:"shuffle_window,omitempty" validate:"gte=0"`
}

// Settings represents the daemon settings file
type Settings struct {
	LogLevel      string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn none off"`
	Listen        string `yaml:"listen" validate:"required"`
	MetricsListen string `yaml:"metrics_listen"`
	Store         string `yaml:"store" validate:"required"` // relative paths are below the config dir
	BusyTimeout   int    `yaml:"busy_timeout" validate:"gte=0"`

	Cache       CacheSettings       `yaml:"cache"`
	Monitor     MonitorSettings     `yaml:"monitor"`
	Quota       QuotaSettings       `yaml:"quota"`
	Transaction TransactionSettings `yaml:"transaction"`

	Shares []ShareSettings `yaml:"shares" validate:"dive"`
}

// DefaultSettings parses the embedded default settings.
func DefaultSettings() *Settings {
	var s Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &s); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return &s
}

// ApplyDefaults fills zero-value fields from the embedded defaults.
// Shares are never defaulted once the file names any.
func (s *Settings) ApplyDefaults() {
	def := DefaultSettings()
	s.LogLevel = strings.ToLower(s.LogLevel)
	if s.Listen == "" {
		s.Listen = def.Listen
	}
	if s.Store == "" {
		s.Store = def.Store
	}
	if s.Cache.TTL == 0 {
		s.Cache.TTL = def.Cache.TTL
	}
	if s.Cache.MaxEntries == 0 {
		s.Cache.MaxEntries = def.Cache.MaxEntries
	}
	if s.Monitor.QueueWarn == 0 {
		s.Monitor.QueueWarn = def.Monitor.QueueWarn
	}
	if s.Quota.InactivityTimeout == 0 {
		s.Quota.InactivityTimeout = def.Quota.InactivityTimeout
	}
	if s.Quota.SweepInterval == 0 {
		s.Quota.SweepInterval = def.Quota.SweepInterval
	}
	if s.Transaction.Attempts == 0 {
		s.Transaction.Attempts = def.Transaction.Attempts
	}
	if s.Transaction.Delay == 0 {
		s.Transaction.Delay = def.Transaction.Delay
	}
	if s.Transaction.MaxDelay == 0 {
		s.Transaction.MaxDelay = def.Transaction.MaxDelay
	}
	if s.Shares == nil {
		s.Shares = def.Shares
	}
}

// StorePath returns the repository database path, resolved against the
// config directory when relative.
func (s *Settings) StorePath() string {
	if filepath.IsAbs(s.Store) {
		return s.Store
	}
	return filepath.Join(getConfigDir(), s.Store)
}

// LoggingEnabled reports whether any level other than "none" is set.
func (s *Settings) LoggingEnabled() bool {
	return s.LogLevel != "" && s.LogLevel != "none" && s.LogLevel != "off"
}

// LoadSettings loads settings from the config directory. A missing file
// yields the embedded defaults.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFromPath(SettingsPath())
}

// LoadSettingsFromPath loads, defaults and validates the settings at path.
func LoadSettingsFromPath(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		data = artifacts.GlobalSettings
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	s.ApplyDefaults()
	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveSettings writes settings to the config directory
func SaveSettings(s *Settings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	header := []byte("# repofs daemon settings\n# See: repofs config --help\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0600)
}
