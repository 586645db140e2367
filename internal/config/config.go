package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tunables with defaults that can be overridden in the config file.
// The "correct" values for these are operational judgement calls, so
// they are named here rather than buried in the components.
const (
	// DefaultAbsenceThreshold is how many consecutive distinct PlayerList
	// snapshots a tracked target may be missing from before it is
	// considered offline.
	DefaultAbsenceThreshold = 3

	// DefaultFlushInterval is how often buffered track points are written
	// to the database regardless of buffer size.
	DefaultFlushInterval = 15 * time.Second

	// DefaultFlushThreshold is the per-player buffer size that triggers an
	// immediate flush.
	DefaultFlushThreshold = 10

	// DefaultMaxPointsPerPlayer caps stored track length; oldest points
	// are dropped on overflow.
	DefaultMaxPointsPerPlayer = 2000

	// DefaultDedupWindow is how many recent line fingerprints are
	// remembered to absorb transport replays.
	DefaultDedupWindow = 512

	// MinPollInterval is the floor for per-guild FTP polling.
	MinPollInterval = 5 * time.Second

	// DialTimeout bounds FTP connection establishment.
	DialTimeout = 20 * time.Second

	// WholeFileFallbackCap is the largest file we are willing to fetch in
	// full when the server refuses resumed reads.
	WholeFileFallbackCap = 512 * 1024
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Guilds   []GuildConfig  `yaml:"guilds"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	HTTPPort   int    `yaml:"http_port"`
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

// LoggingConfig holds zerolog settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// ArchiveConfig controls the raw ADM segment archive used for replay
// debugging. Disabled unless a directory is configured.
type ArchiveConfig struct {
	Dir string `yaml:"dir"`
}

// TrackerConfig holds ingestion tunables. Zero values take the
// package defaults above.
type TrackerConfig struct {
	AbsenceThreshold   int           `yaml:"absence_threshold"`
	FlushInterval      time.Duration `yaml:"flush_interval"`
	FlushThreshold     int           `yaml:"flush_threshold"`
	MaxPointsPerPlayer int           `yaml:"max_points_per_player"`
	DedupWindow        int           `yaml:"dedup_window"`
}

// GuildConfig describes one guild's FTP log source. Optional fields are
// enumerated explicitly; unknown keys in the config file are rejected.
type GuildConfig struct {
	GuildID     int64  `yaml:"guild_id"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Directory   string `yaml:"directory"`
	IntervalSec int    `yaml:"interval_sec"`

	// LogPrefix restricts file discovery to names with this prefix.
	// Default: empty (no restriction).
	LogPrefix string `yaml:"log_prefix"`
	// APIToken is the hosting provider's API token, recorded for
	// operators that front the FTP endpoint with a provider API.
	// Default: empty (plain FTP credentials only).
	APIToken string `yaml:"api_token"`
	// ServiceID is the hosting provider's service identifier.
	// Default: empty.
	ServiceID string `yaml:"service_id"`
}

// Interval returns the guild's polling interval, floor-clamped to
// MinPollInterval.
func (g GuildConfig) Interval() time.Duration {
	iv := time.Duration(g.IntervalSec) * time.Second
	if iv < MinPollInterval {
		return MinPollInterval
	}
	return iv
}

// Addr returns the host:port dial address for the guild's FTP server.
func (g GuildConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Set defaults
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/dayz-tracker/tracker.db"
	}
	if cfg.Auth.TokenDuration == 0 {
		cfg.Auth.TokenDuration = 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracker.AbsenceThreshold == 0 {
		cfg.Tracker.AbsenceThreshold = DefaultAbsenceThreshold
	}
	if cfg.Tracker.FlushInterval == 0 {
		cfg.Tracker.FlushInterval = DefaultFlushInterval
	}
	if cfg.Tracker.FlushThreshold == 0 {
		cfg.Tracker.FlushThreshold = DefaultFlushThreshold
	}
	if cfg.Tracker.MaxPointsPerPlayer == 0 {
		cfg.Tracker.MaxPointsPerPlayer = DefaultMaxPointsPerPlayer
	}
	if cfg.Tracker.DedupWindow == 0 {
		cfg.Tracker.DedupWindow = DefaultDedupWindow
	}

	for i := range cfg.Guilds {
		g := &cfg.Guilds[i]
		if g.GuildID == 0 {
			return nil, fmt.Errorf("guild entry %d: guild_id is required", i)
		}
		if g.Host == "" {
			return nil, fmt.Errorf("guild %d: host is required", g.GuildID)
		}
		if g.Port == 0 {
			g.Port = 21
		}
		if g.Directory == "" {
			g.Directory = "/"
		}
	}

	return &cfg, nil
}
