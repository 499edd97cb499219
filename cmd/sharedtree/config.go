package main

import (
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/drpcorg/sharedtree"
	"github.com/drpcorg/sharedtree/network"
	"github.com/drpcorg/sharedtree/utils"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the sharedtree.yaml file. Every field can be overridden by a
// SHAREDTREE_* environment variable.
type Config struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// StoreDir keeps summaries and sequenced edits; empty means in memory.
	StoreDir string `yaml:"store_dir"`
	// Schema is a catalog file; empty means no validation.
	Schema            string        `yaml:"schema"`
	SnapshotCacheSize int           `yaml:"snapshot_cache_size"`
	Summary           SummaryConfig `yaml:"summary"`
	Network           NetworkConfig `yaml:"network"`
}

type SummaryConfig struct {
	Version    string `yaml:"version"`
	TailLength int    `yaml:"tail_length"`
	// KeepStored is the number of checkpoints the store retains.
	KeepStored int `yaml:"keep_stored"`
}

type NetworkConfig struct {
	// Listen addresses of the sequencer, e.g. tcp://:7070 or ws://:7071.
	Listen []string `yaml:"listen"`
	// Connect is the sequencer a replica dials.
	Connect      string `yaml:"connect"`
	Metrics      string `yaml:"metrics"`
	WriteTimeout string `yaml:"write_timeout"`
	QueueLimit   int    `yaml:"queue_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		Name:              "replica",
		LogLevel:          "warn",
		SnapshotCacheSize: 64,
		Summary: SummaryConfig{
			Version:    sharedtree.CurrentSummaryVersion,
			KeepStored: 4,
		},
		Network: NetworkConfig{
			WriteTimeout: "30s",
			QueueLimit:   1024,
		},
	}
}

// LoadConfig reads path over the defaults. A missing file leaves the
// defaults in place; environment overrides apply either way.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, errors.Wrap(err, "read config")
		default:
			if err = yaml.Unmarshal(raw, cfg); err != nil {
				return nil, errors.Wrapf(err, "parse config %s", path)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("SHAREDTREE_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("SHAREDTREE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SHAREDTREE_STORE_DIR"); v != "" {
		c.StoreDir = v
	}
	if v := os.Getenv("SHAREDTREE_SCHEMA"); v != "" {
		c.Schema = v
	}
	if v := os.Getenv("SHAREDTREE_SUMMARY_VERSION"); v != "" {
		c.Summary.Version = v
	}
	if v := os.Getenv("SHAREDTREE_SUMMARY_TAIL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "SHAREDTREE_SUMMARY_TAIL")
		}
		c.Summary.TailLength = n
	}
	if v := os.Getenv("SHAREDTREE_LISTEN"); v != "" {
		c.Network.Listen = strings.Split(v, ",")
	}
	if v := os.Getenv("SHAREDTREE_CONNECT"); v != "" {
		c.Network.Connect = v
	}
	if v := os.Getenv("SHAREDTREE_METRICS"); v != "" {
		c.Network.Metrics = v
	}
	return nil
}

func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := c.writeTimeout(); err != nil {
		return err
	}
	if c.Summary.TailLength < 0 {
		return errors.New("summary.tail_length must not be negative")
	}
	if !slices.Contains(sharedtree.SupportedSummaryVersions, c.Summary.Version) {
		return errors.Wrap(sharedtree.ErrUnsupportedSummaryVersion, c.Summary.Version)
	}
	return nil
}

func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, errors.Wrapf(err, "log_level %q", c.LogLevel)
	}
	return level, nil
}

func (c *Config) writeTimeout() (time.Duration, error) {
	if c.Network.WriteTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Network.WriteTimeout)
	return d, errors.Wrapf(err, "network.write_timeout %q", c.Network.WriteTimeout)
}

func (c *Config) Logger() *utils.DefaultLogger {
	level, _ := c.Level()
	return utils.NewDefaultLogger(level)
}

// TreeOptions maps the config onto a replica; the caller adds the store
// and the validator.
func (c *Config) TreeOptions(log utils.Logger) sharedtree.Options {
	return sharedtree.Options{
		Name:              c.Name,
		Logger:            log,
		SnapshotCacheSize: c.SnapshotCacheSize,
		SummaryVersion:    c.Summary.Version,
		SummaryTailLength: c.Summary.TailLength,
	}
}

func (c *Config) NetOptions(log utils.Logger) network.Options {
	timeout, _ := c.writeTimeout()
	return network.Options{
		Logger:       log,
		WriteTimeout: timeout,
	}
}
