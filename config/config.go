// Package config loads the YAML configuration of a ringline daemon.
package config

import (
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"go.ringline.dev/callkit"
)

// The configuration file location, relative to a directory searched by Find.
const (
	DotDir   = ".ringline"
	FileName = "config.yaml"
)

// ErrNotFound is returned by Find when no configuration file exists.
var ErrNotFound = errors.Errorf("%q not found on system", filepath.Join(DotDir, FileName))

// Store drivers.
const (
	StoreMemory  = "memory"
	StoreMongoDB = "mongodb"
)

// Media sources.
const (
	SourceSynthetic = "synthetic"
	SourceDevice    = "device"
)

// DefaultICEServers are used when none are configured.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// Config is the configuration of one user's daemon.
type Config struct {
	UserID  string        `yaml:"user_id"`
	Debug   bool          `yaml:"debug"`
	Store   StoreConfig   `yaml:"store"`
	Users   UsersConfig   `yaml:"users"`
	History HistoryConfig `yaml:"history"`
	Media   MediaConfig   `yaml:"media"`
	Call    CallConfig    `yaml:"call"`
	Metrics MetricsConfig `yaml:"metrics"`

	path string
}

// StoreConfig selects where call records live.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	URI    string `yaml:"uri"`
	// Retention is how long the memory store keeps ended calls.
	Retention time.Duration `yaml:"retention"`
}

// UsersConfig describes the user directory. Without MongoDB the listed profiles are
// the whole directory.
type UsersConfig struct {
	Profiles []ProfileConfig `yaml:"profiles"`
	Redis    RedisConfig     `yaml:"redis"`
}

// ProfileConfig is a user profile seeded into the directory.
type ProfileConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	PhotoURL    string `yaml:"photo_url"`
	Online      bool   `yaml:"online"`
}

// RedisConfig enables presence tracking when Addr is set.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Prefix      string        `yaml:"prefix"`
	PresenceTTL time.Duration `yaml:"presence_ttl"`
}

// HistoryConfig enables the call log when Driver is set.
type HistoryConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// MediaConfig controls capture and peer connections.
type MediaConfig struct {
	Source          string   `yaml:"source"`
	ICEServers      []string `yaml:"ice_servers"`
	Trickle         bool     `yaml:"trickle"`
	IncludeLoopback bool     `yaml:"include_loopback"`
	VideoBitRate    int      `yaml:"video_bit_rate"`
}

// CallConfig tunes the call session timeouts. Zero values keep the client defaults.
type CallConfig struct {
	RingTimeout        time.Duration `yaml:"ring_timeout"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	PublishAttempts    int           `yaml:"publish_attempts"`
}

// MetricsConfig enables periodic logging of the call metrics.
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Path returns the file the configuration was read from.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = StoreMemory
	}
	if c.Media.Source == "" {
		c.Media.Source = SourceSynthetic
	}
	if c.Media.ICEServers == nil {
		c.Media.ICEServers = DefaultICEServers
	}
	if c.Metrics.ReportInterval <= 0 {
		c.Metrics.ReportInterval = time.Minute
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return errors.New("user_id is required")
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreMongoDB:
		if c.Store.URI == "" {
			return errors.New("store.uri is required for mongodb")
		}
	default:
		return errors.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.History.Driver {
	case "":
	case "sqlite", "postgres":
		if c.History.DSN == "" {
			return errors.Errorf("history.dsn is required for %s", c.History.Driver)
		}
	default:
		return errors.Errorf("unknown history.driver %q", c.History.Driver)
	}
	if !slices.Contains([]string{SourceSynthetic, SourceDevice}, c.Media.Source) {
		return errors.Errorf("unknown media.source %q", c.Media.Source)
	}
	for _, profile := range c.Users.Profiles {
		if profile.ID == "" {
			return errors.New("users.profiles entries need an id")
		}
	}
	if c.Call.RingTimeout < 0 || c.Call.NegotiationTimeout < 0 || c.Users.Redis.PresenceTTL < 0 {
		return errors.New("timeouts cannot be negative")
	}
	return nil
}

// Read loads, defaults and validates the configuration at path.
func Read(path string) (*Config, error) {
	//nolint:gosec
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer callkit.UncheckedErrorFunc(file.Close)

	var cfg Config
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration in %s", path)
	}
	cfg.path = path
	return &cfg, nil
}

// Find reads the configuration file found by searching upwards from the working
// directory.
func Find() (*Config, error) {
	path, err := search()
	if err != nil {
		return nil, err
	}
	return Read(path)
}

func search() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir, err := filepath.Abs(wd)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, DotDir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		next := filepath.Dir(dir)
		if next == dir {
			return "", ErrNotFound
		}
		dir = next
	}
}
