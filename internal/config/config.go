// Package config loads daemon configuration.
//
// Configuration comes from a kinship.yml file plus KINSHIP_* environment
// overrides (KINSHIP_REMOTE_URL overrides remote.url, and so on). All
// knobs have defaults, so a missing file is not an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	// DataDir holds the local database, identity file, and logs.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Remote RemoteConfig `mapstructure:"remote" yaml:"remote"`
	Sync   SyncConfig   `mapstructure:"sync" yaml:"sync"`
	Spool  SpoolConfig  `mapstructure:"spool" yaml:"spool"`
	Wake   WakeConfig   `mapstructure:"wake" yaml:"wake"`
	Status StatusConfig `mapstructure:"status" yaml:"status"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

// RemoteConfig points at the shared remote store.
type RemoteConfig struct {
	URL          string        `mapstructure:"url" yaml:"url"`
	AuthToken    string        `mapstructure:"auth_token" yaml:"auth_token"`
	ReplicaPath  string        `mapstructure:"replica_path" yaml:"replica_path"`
	SyncInterval time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`
}

// SyncConfig tunes the scheduler tiers.
type SyncConfig struct {
	UsageUploadInterval      time.Duration `mapstructure:"usage_upload_interval" yaml:"usage_upload_interval"`
	ConfigPullInterval       time.Duration `mapstructure:"config_pull_interval" yaml:"config_pull_interval"`
	PresenceRefreshInterval  time.Duration `mapstructure:"presence_refresh_interval" yaml:"presence_refresh_interval"`
	EntitlementCheckInterval time.Duration `mapstructure:"entitlement_check_interval" yaml:"entitlement_check_interval"`
	InvitationSweepInterval  time.Duration `mapstructure:"invitation_sweep_interval" yaml:"invitation_sweep_interval"`
	RunBudget                time.Duration `mapstructure:"run_budget" yaml:"run_budget"`
	TriggerThrottle          time.Duration `mapstructure:"trigger_throttle" yaml:"trigger_throttle"`
}

// SpoolConfig locates the enforcement event spool.
type SpoolConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// WakeConfig points at the remote wake websocket endpoint. Empty URL
// disables the listener.
type WakeConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// StatusConfig controls the local status HTTP server.
type StatusConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig controls log rotation.
type LogConfig struct {
	// File is the rotated log path. Empty logs to stderr only.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".kinship")
	return &Config{
		DataDir: dataDir,
		Remote: RemoteConfig{
			SyncInterval: 5 * time.Minute,
		},
		Sync: SyncConfig{
			UsageUploadInterval:      15 * time.Minute,
			ConfigPullInterval:       30 * time.Minute,
			PresenceRefreshInterval:  30 * time.Minute,
			EntitlementCheckInterval: 24 * time.Hour,
			InvitationSweepInterval:  time.Hour,
			RunBudget:                25 * time.Second,
			TriggerThrottle:          30 * time.Second,
		},
		Spool: SpoolConfig{
			Dir: filepath.Join(dataDir, "spool"),
		},
		Status: StatusConfig{
			Addr: "127.0.0.1:7077",
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
		},
	}
}

// Load reads kinship.yml from dir (or the defaults when dir is empty),
// applying KINSHIP_* environment overrides.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("kinship")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".kinship"))
		}
	}

	v.SetEnvPrefix("KINSHIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.auth_token", d.Remote.AuthToken)
	v.SetDefault("remote.replica_path", d.Remote.ReplicaPath)
	v.SetDefault("remote.sync_interval", d.Remote.SyncInterval)
	v.SetDefault("sync.usage_upload_interval", d.Sync.UsageUploadInterval)
	v.SetDefault("sync.config_pull_interval", d.Sync.ConfigPullInterval)
	v.SetDefault("sync.presence_refresh_interval", d.Sync.PresenceRefreshInterval)
	v.SetDefault("sync.entitlement_check_interval", d.Sync.EntitlementCheckInterval)
	v.SetDefault("sync.invitation_sweep_interval", d.Sync.InvitationSweepInterval)
	v.SetDefault("sync.run_budget", d.Sync.RunBudget)
	v.SetDefault("sync.trigger_throttle", d.Sync.TriggerThrottle)
	v.SetDefault("spool.dir", d.Spool.Dir)
	v.SetDefault("wake.url", d.Wake.URL)
	v.SetDefault("status.addr", d.Status.Addr)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// WriteStarter writes a starter kinship.yml with the defaults spelled
// out, refusing to clobber an existing file.
func WriteStarter(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	d := Default()
	// Durations are written as strings ("15m") so the file stays
	// human-editable; yaml.Marshal on time.Duration would emit
	// nanosecond integers.
	starter := map[string]any{
		"data_dir": d.DataDir,
		"remote": map[string]any{
			"url":           d.Remote.URL,
			"auth_token":    d.Remote.AuthToken,
			"replica_path":  d.Remote.ReplicaPath,
			"sync_interval": d.Remote.SyncInterval.String(),
		},
		"sync": map[string]any{
			"usage_upload_interval":      d.Sync.UsageUploadInterval.String(),
			"config_pull_interval":       d.Sync.ConfigPullInterval.String(),
			"presence_refresh_interval":  d.Sync.PresenceRefreshInterval.String(),
			"entitlement_check_interval": d.Sync.EntitlementCheckInterval.String(),
			"invitation_sweep_interval":  d.Sync.InvitationSweepInterval.String(),
			"run_budget":                 d.Sync.RunBudget.String(),
			"trigger_throttle":           d.Sync.TriggerThrottle.String(),
		},
		"spool":  map[string]any{"dir": d.Spool.Dir},
		"wake":   map[string]any{"url": d.Wake.URL},
		"status": map[string]any{"addr": d.Status.Addr},
		"log": map[string]any{
			"file":         d.Log.File,
			"max_size_mb":  d.Log.MaxSizeMB,
			"max_backups":  d.Log.MaxBackups,
			"max_age_days": d.Log.MaxAgeDays,
		},
	}

	data, err := yaml.Marshal(starter)
	if err != nil {
		return fmt.Errorf("failed to render starter config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write starter config: %w", err)
	}
	return nil
}

// Paths derived from DataDir.

// DatabasePath is the local SQLite database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "kinship.db")
}

// IdentityPath is the device identity file.
func (c *Config) IdentityPath() string {
	return filepath.Join(c.DataDir, "identity.toml")
}
