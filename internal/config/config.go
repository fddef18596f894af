// Package config loads the mitigator's YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nshruti113/ddos-mitigator/internal/detection"
	"github.com/nshruti113/ddos-mitigator/internal/engine"
	"github.com/nshruti113/ddos-mitigator/internal/logging"
)

// ErrNoConfigPath is returned when Load is called without a file.
var ErrNoConfigPath = errors.New("no config path given")

type Config struct {
	Server     ServerConfig               `yaml:"server"`
	Logging    logging.Config             `yaml:"logging"`
	Engine     EngineConfig               `yaml:"engine"`
	Mitigation detection.MitigationConfig `yaml:"mitigation"`
	Whitelist  []string                   `yaml:"whitelist"`
	Redis      RedisConfig                `yaml:"redis"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Mode is the gin mode: debug, release or test.
	Mode string `yaml:"mode"`
}

type EngineConfig struct {
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	GraylistMaxAge  time.Duration `yaml:"graylist_max_age"`
	TrackerCapacity int           `yaml:"tracker_capacity"`
	Shards          int           `yaml:"shards"`
	EventBuffer     int           `yaml:"event_buffer"`
}

// Options converts the section to engine options.
func (c EngineConfig) Options() engine.Options {
	return engine.Options{
		SweepInterval:   c.SweepInterval,
		GraylistMaxAge:  c.GraylistMaxAge,
		TrackerCapacity: c.TrackerCapacity,
		Shards:          c.Shards,
		EventBuffer:     c.EventBuffer,
	}
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// PublishRate caps alert publishes per second.
	PublishRate  float64 `yaml:"publish_rate"`
	PublishBurst int     `yaml:"publish_burst"`
	// HistoryRetention bounds how long events stay in the history set.
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, ErrNoConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML config. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills ambient settings only. Detection thresholds are never
// defaulted.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8888"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Engine.SweepInterval == 0 {
		c.Engine.SweepInterval = engine.DefaultSweepInterval
	}
	if c.Engine.GraylistMaxAge == 0 {
		c.Engine.GraylistMaxAge = engine.DefaultGraylistMaxAge
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PublishRate == 0 {
		c.Redis.PublishRate = 50
	}
	if c.Redis.PublishBurst == 0 {
		c.Redis.PublishBurst = 100
	}
	if c.Redis.HistoryRetention == 0 {
		c.Redis.HistoryRetention = 24 * time.Hour
	}
}

func (c *Config) validate() error {
	if err := c.Mitigation.Validate(); err != nil {
		return err
	}
	if _, err := c.WhitelistPrefixes(); err != nil {
		return err
	}
	if c.Engine.TrackerCapacity < 0 || c.Engine.Shards < 0 || c.Engine.EventBuffer < 0 {
		return errors.New("engine sizes must not be negative")
	}
	if c.Redis.PublishRate < 0 || c.Redis.PublishBurst < 0 {
		return errors.New("redis publish limits must not be negative")
	}
	return nil
}

// WhitelistPrefixes parses whitelist entries. A bare address becomes a
// single-address prefix.
func (c *Config) WhitelistPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.Whitelist))
	for _, s := range c.Whitelist {
		p, err := ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("whitelist: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ParsePrefix accepts "192.0.2.1" or "192.0.2.0/24".
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
