package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager loads and watches the engine configuration.
type Manager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// NewManager builds a manager for the given config file path. The file is
// optional; defaults and environment variables cover a missing file.
func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
		watchChan:  make(chan Config, 1),
	}
}

// Load reads configuration from all sources.
func (m *Manager) Load() error {
	m.viper = viper.New()
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("DETECTK")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if err := m.viper.ReadInConfig(); err != nil {
		// A missing file is fine, defaults plus env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		} else if os.IsNotExist(err) {
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	m.unmarshalConfig()
	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	return m.config
}

// Validate reports all configuration problems as one error.
func (m *Manager) Validate() error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch emits the updated config whenever the file changes on disk.
func (m *Manager) Watch() <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		m.unmarshalConfig()
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update.
		}
	})
	return m.watchChan
}

// Reload re-reads the configuration from its sources.
func (m *Manager) Reload() error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	m.unmarshalConfig()
	return nil
}

// setDefaults sets default values in viper.
func (m *Manager) setDefaults() {
	defaults := DefaultConfig()

	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.rate_limit_per_min", defaults.Server.RateLimitPerMin)

	m.viper.SetDefault("store.path", defaults.Store.Path)
	m.viper.SetDefault("profiles_path", defaults.ProfilesPath)
	m.viper.SetDefault("metrics_dir", defaults.MetricsDir)

	m.viper.SetDefault("runner.enabled", defaults.Runner.Enabled)
	m.viper.SetDefault("runner.lock_timeout", defaults.Runner.LockTimeout)
	m.viper.SetDefault("runner.detection_window", defaults.Runner.DetectionWindow)

	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file.path", defaults.Logging.File.Path)
	m.viper.SetDefault("logging.file.max_size_mb", defaults.Logging.File.MaxSizeMB)
	m.viper.SetDefault("logging.file.max_backups", defaults.Logging.File.MaxBackups)
	m.viper.SetDefault("logging.file.max_age_days", defaults.Logging.File.MaxAgeDays)
}

// unmarshalConfig copies viper values into the Config struct.
func (m *Manager) unmarshalConfig() {
	cfg := &Config{}

	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.RateLimitPerMin = m.viper.GetInt("server.rate_limit_per_min")

	cfg.Store.Path = m.viper.GetString("store.path")
	cfg.ProfilesPath = m.viper.GetString("profiles_path")
	cfg.MetricsDir = m.viper.GetString("metrics_dir")

	cfg.Runner.Enabled = m.viper.GetBool("runner.enabled")
	cfg.Runner.LockTimeout = m.viper.GetDuration("runner.lock_timeout")
	cfg.Runner.DetectionWindow = m.viper.GetDuration("runner.detection_window")

	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File.Path = m.viper.GetString("logging.file.path")
	cfg.Logging.File.MaxSizeMB = m.viper.GetInt("logging.file.max_size_mb")
	cfg.Logging.File.MaxBackups = m.viper.GetInt("logging.file.max_backups")
	cfg.Logging.File.MaxAgeDays = m.viper.GetInt("logging.file.max_age_days")

	m.config = cfg
}
