// Package config loads the rtcrd configuration file.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultSocket   = "/run/rtcr/rtcrd.sock"
	DefaultStateDir = "/run/rtcr"
)

// Config is the daemon configuration.
type Config struct {
	Socket      string
	StateDir    string
	MetricsAddr string
	Bootstrap   bool
	Log         Log
}

type Log struct {
	File   string
	Debug  bool
	Format string
}

type fileConfig struct {
	Socket      string  `toml:"socket"`
	StateDir    string  `toml:"state_dir"`
	MetricsAddr string  `toml:"metrics_addr"`
	Bootstrap   bool    `toml:"bootstrap"`
	Log         fileLog `toml:"log"`
}

type fileLog struct {
	File   string `toml:"file"`
	Debug  bool   `toml:"debug"`
	Format string `toml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Socket:   DefaultSocket,
		StateDir: DefaultStateDir,
		Log:      Log{Format: "text"},
	}
}

// Load reads the TOML file at path over the defaults. Keys missing from the
// file keep their default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("socket") {
		cfg.Socket = strings.TrimSpace(raw.Socket)
	}

	if meta.IsDefined("state_dir") {
		cfg.StateDir = strings.TrimSpace(raw.StateDir)
	}

	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if meta.IsDefined("bootstrap") {
		cfg.Bootstrap = raw.Bootstrap
	}

	if meta.IsDefined("log", "file") {
		cfg.Log.File = strings.TrimSpace(raw.Log.File)
	}

	if meta.IsDefined("log", "debug") {
		cfg.Log.Debug = raw.Log.Debug
	}

	if meta.IsDefined("log", "format") {
		cfg.Log.Format = strings.TrimSpace(raw.Log.Format)
	}

	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Socket == "" {
		return errors.New("socket cannot be empty")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (json | text)", c.Log.Format)
	}

	return nil
}
