package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the microconv configuration file
// (~/.config/microconv/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	CacheSlots    *int64 `yaml:"cache_slots"`
	CacheCapacity *int64 `yaml:"cache_capacity"`
	PackedLoads   *bool  `yaml:"packed_loads"`

	ServerAddress string `yaml:"server_address"`
}

// configPathFunc is a seam for tests.
var configPathFunc = configPath

func configPath() string {
	if p := os.Getenv("MICROCONV_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "microconv", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config.
func LoadConfig() (Config, error) {
	return loadConfigFile(configPathFunc())
}

func loadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// applyLoggingConfig applies config file defaults to the root logging flags.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

func applyEngineConfig(c *cli.Command, cfg Config, f *engineFlags) {
	if cfg.CacheSlots != nil && !c.IsSet("cache-slots") {
		f.cacheSlots = *cfg.CacheSlots
	}
	if cfg.CacheCapacity != nil && !c.IsSet("cache-capacity") {
		f.cacheCapacity = *cfg.CacheCapacity
	}
	if cfg.PackedLoads != nil && !c.IsSet("packed-loads") {
		f.packedLoads = *cfg.PackedLoads
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
