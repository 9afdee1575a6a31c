// Package config provides YAML-based configuration loading for signalbox.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when no --config flag is given.
const DefaultPath = "signalbox.yaml"

// DefaultChannelID is the channel monitored when none is configured.
const DefaultChannelID = "C0A8LB49E1M"

// State file names, relative to StateDir.
const (
	InboxFileName       = "slack_inbox.json"
	AckFileName         = "slack_acknowledged.json"
	LastSyncFileName    = "slack_last_sync.txt"
	HandleFileName      = "slack_bot_pids.json"
	ListenerLogName     = "slack_listener.log"
	AcknowledgerLogName = "slack_acknowledger.log"
	DownloadsDirName    = "slack_downloads"
	SQLiteFileName      = "signalbox.db"
)

// Storage drivers.
const (
	DriverJSON   = "json"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Listener modes.
const (
	ModePoll   = "poll"
	ModeSocket = "socket"
)

// Config is the top-level signalbox configuration, loaded from signalbox.yaml.
type Config struct {
	StateDir     string             `yaml:"state_dir"`
	Slack        SlackConfig        `yaml:"slack"`
	Storage      StorageConfig      `yaml:"storage"`
	Listener     ListenerConfig     `yaml:"listener"`
	Acknowledger AcknowledgerConfig `yaml:"acknowledger"`
	Downloads    DownloadsConfig    `yaml:"downloads"`
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
}

// SlackConfig holds Slack credentials and channels. Tokens are normally
// supplied through SLACK_BOT_TOKEN and SLACK_APP_TOKEN.
type SlackConfig struct {
	BotToken      string `yaml:"bot_token"`
	AppToken      string `yaml:"app_token"`
	ChannelID     string `yaml:"channel_id"`
	NotifyChannel string `yaml:"notify_channel"`
}

// StorageConfig selects the inbox backend.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ListenerConfig controls the Listener loop.
type ListenerConfig struct {
	Mode            string `yaml:"mode"`
	IntervalSec     int    `yaml:"interval_sec"`
	HistoryLimit    int    `yaml:"history_limit"`
	PollLimit       int    `yaml:"poll_limit"`
	ReceiptReaction string `yaml:"receipt_reaction"`
	ResyncCron      string `yaml:"resync_cron"`
}

// AcknowledgerConfig controls the Acknowledger loop.
type AcknowledgerConfig struct {
	IntervalSec int    `yaml:"interval_sec"`
	Reaction    string `yaml:"reaction"`
	WatchInbox  *bool  `yaml:"watch_inbox"`
}

// Watch reports whether the Acknowledger should wake on inbox changes.
func (a AcknowledgerConfig) Watch() bool {
	return a.WatchInbox == nil || *a.WatchInbox
}

// DownloadsConfig controls file downloads.
type DownloadsConfig struct {
	MaxSizeMB int `yaml:"max_size_mb"`
}

// ServerConfig controls the inbox HTTP API.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig controls log file rotation.
type LogConfig struct {
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// LoadOrDefault behaves like Load but returns the default configuration
// when path does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Parse(nil)
	}
	return nil, err
}

// Parse unmarshals YAML bytes into a validated Config. Environment overrides
// are applied before defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides credentials and locations from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		c.Slack.BotToken = v
	}
	if v := os.Getenv("SLACK_APP_TOKEN"); v != "" {
		c.Slack.AppToken = v
	}
	if v := os.Getenv("SLACK_CHANNEL_ID"); v != "" {
		c.Slack.ChannelID = v
	}
	if v := os.Getenv("SIGNALBOX_STATE_DIR"); v != "" {
		c.StateDir = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = "."
	}
	if c.Slack.ChannelID == "" {
		c.Slack.ChannelID = DefaultChannelID
	}
	if c.Slack.NotifyChannel == "" {
		c.Slack.NotifyChannel = "claude-notifications"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverJSON
	}
	if c.Storage.Driver == DriverSQLite && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.StateDir, SQLiteFileName)
	}
	if c.Listener.Mode == "" {
		c.Listener.Mode = ModePoll
	}
	if c.Listener.IntervalSec == 0 {
		c.Listener.IntervalSec = 10
	}
	if c.Listener.HistoryLimit == 0 {
		c.Listener.HistoryLimit = 50
	}
	if c.Listener.PollLimit == 0 {
		c.Listener.PollLimit = 20
	}
	if c.Listener.ReceiptReaction == "" {
		c.Listener.ReceiptReaction = "eyes"
	}
	if c.Acknowledger.IntervalSec == 0 {
		c.Acknowledger.IntervalSec = 5
	}
	if c.Acknowledger.Reaction == "" {
		c.Acknowledger.Reaction = "white_check_mark"
	}
	if c.Downloads.MaxSizeMB == 0 {
		c.Downloads.MaxSizeMB = 10
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8377
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 5
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
}

// validate checks that all fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Storage.Driver {
	case DriverJSON, DriverSQLite:
	case DriverMySQL:
		if c.Storage.DSN == "" {
			errs = append(errs, "storage.dsn is required for mysql")
		} else if _, err := mysql.ParseDSN(c.Storage.DSN); err != nil {
			errs = append(errs, fmt.Sprintf("storage.dsn: %v", err))
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not one of json, sqlite, mysql", c.Storage.Driver))
	}
	switch c.Listener.Mode {
	case ModePoll, ModeSocket:
	default:
		errs = append(errs, fmt.Sprintf("listener.mode %q is not one of poll, socket", c.Listener.Mode))
	}
	if c.Listener.IntervalSec < 0 {
		errs = append(errs, "listener.interval_sec must be positive")
	}
	if c.Listener.HistoryLimit < 0 || c.Listener.PollLimit < 0 {
		errs = append(errs, "listener limits must be positive")
	}
	if c.Listener.ResyncCron != "" {
		if _, err := CronParser.Parse(c.Listener.ResyncCron); err != nil {
			errs = append(errs, fmt.Sprintf("listener.resync_cron: %v", err))
		}
	}
	if c.Acknowledger.IntervalSec < 0 {
		errs = append(errs, "acknowledger.interval_sec must be positive")
	}
	if c.Downloads.MaxSizeMB < 0 {
		errs = append(errs, "downloads.max_size_mb must be positive")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port out of range")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CronParser parses the standard 5-field cron expressions used by
// listener.resync_cron.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Path joins name onto the state directory.
func (c *Config) Path(name string) string {
	return filepath.Join(c.StateDir, name)
}
