// Package config loads node configuration from an optional YAML file and
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Coordination backends.
const (
	BackendMemory = "memory"
	BackendEtcd   = "etcd"
)

type Config struct {
	Node  NodeCfg  `yaml:"node"`
	Cache CacheCfg `yaml:"cache"`
	Coord CoordCfg `yaml:"coord"`
	Log   LogCfg   `yaml:"log"`
}

type NodeCfg struct {
	ID string `yaml:"id"`
	// Addr is advertised to peers through discovery.
	Addr   string `yaml:"addr"`
	Listen string `yaml:"listen"`
}

type CacheCfg struct {
	// Capacity is the entry limit of the node's cache.
	Capacity   int           `yaml:"capacity"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

type CoordCfg struct {
	// Backend is "memory" (in-process fake, single node) or "etcd".
	Backend   string  `yaml:"backend"`
	QueueSize int     `yaml:"queue_size"`
	Etcd      EtcdCfg `yaml:"etcd"`
}

type EtcdCfg struct {
	Endpoints      []string      `yaml:"endpoints"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SessionTTL     int64         `yaml:"session_ttl"`
	Prefix         string        `yaml:"prefix"`
}

type LogCfg struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Node:  NodeCfg{Listen: ":8080"},
		Cache: CacheCfg{Capacity: 65536},
		Coord: CoordCfg{
			Backend:   BackendMemory,
			QueueSize: 1024,
			Etcd: EtcdCfg{
				Endpoints:      []string{"http://etcd:2379"},
				DialTimeout:    5 * time.Second,
				RequestTimeout: 5 * time.Second,
				SessionTTL:     10,
				Prefix:         "/zephyr",
			},
		},
		Log: LogCfg{Level: "info"},
	}
}

// Load reads path (skipped when empty) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SELF_ID", &c.Node.ID)
	str("SELF_ADDR", &c.Node.Addr)
	str("LISTEN_ADDR", &c.Node.Listen)
	str("COORD_BACKEND", &c.Coord.Backend)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("ETCD_ENDPOINTS"); ok && v != "" {
		var eps []string
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				eps = append(eps, ep)
			}
		}
		c.Coord.Etcd.Endpoints = eps
	}
	if v, ok := lookup("CACHE_CAPACITY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: CACHE_CAPACITY: %w", err)
		}
		c.Cache.Capacity = n
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("config: cache.capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Cache.DefaultTTL < 0 {
		return errors.New("config: cache.default_ttl must not be negative")
	}
	if c.Coord.QueueSize < 0 {
		return errors.New("config: coord.queue_size must not be negative")
	}
	switch c.Coord.Backend {
	case BackendMemory:
	case BackendEtcd:
		if len(c.Coord.Etcd.Endpoints) == 0 {
			return errors.New("config: coord.etcd.endpoints is empty")
		}
	default:
		return fmt.Errorf("config: unknown coord.backend %q", c.Coord.Backend)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	return nil
}

// Logger builds the process logger.
func (c LogCfg) Logger() (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
