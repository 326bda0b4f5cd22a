// Package config holds the TOML configuration consumed by the CLI.
package config

import (
	"github.com/BurntSushi/toml"
)

const MB = 1024 * 1024

// Config is the top-level configuration.
type Config struct {
	Dir      string `toml:"dir"`       // Directory to store the data in. Should exist and be writable.
	LogLevel string `toml:"log-level"` // debug, info, warn, error
	Pretty   bool   `toml:"pretty"`    // Pretty-print log output.
	Engine   Engine `toml:"engine"`    // Engine options.
}

// Engine holds storage-engine options.
type Engine struct {
	MaxLogFileSize int64 `toml:"max-log-file-size"` // Rotate value log files at this size.
	SyncWrite      bool  `toml:"sync-write"`        // Fsync every commit (always on; kept for clarity).
}

// DefaultConf is the configuration used when no file is given.
var DefaultConf = Config{
	Dir:      "treekv-data",
	LogLevel: "info",
	Pretty:   false,
	Engine: Engine{
		MaxLogFileSize: 64 * MB,
		SyncWrite:      true,
	},
}

// Load reads a TOML configuration file over the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConf
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
