// Package config provides configuration management for partbak using Viper.
package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/thoreinstein/partbak/internal/errors"
)

// AppName is the application name used for config file naming.
const AppName = "partbak"

// Config represents the top-level configuration structure. Sizes are
// kept as strings in dd operand notation ("1m", "100m", "0x1000") and
// parsed at the point of use.
type Config struct {
	BlockSize     string `mapstructure:"block_size" yaml:"block_size"`
	PartSize      string `mapstructure:"part_size" yaml:"part_size"`
	Snapshots     int    `mapstructure:"snapshots" yaml:"snapshots"`
	Link          string `mapstructure:"link" yaml:"link"`
	ChainHash     string `mapstructure:"chain_hash" yaml:"chain_hash"`
	KeepNullParts bool   `mapstructure:"keep_null_parts" yaml:"keep_null_parts"`
}

// Init initializes Viper with default configuration.
// Call this once at application startup before accessing config values.
func Init() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// Search paths (in order of precedence)
	viper.AddConfigPath(".")
	viper.AddConfigPath(filepath.Join(xdg.ConfigHome, AppName))

	// Environment variable support (PARTBAK_BLOCK_SIZE etc.)
	viper.SetEnvPrefix("PARTBAK")
	viper.AutomaticEnv()

	viper.SetDefault("block_size", "1m")
	viper.SetDefault("part_size", "100m")
	viper.SetDefault("snapshots", 4)
	viper.SetDefault("link", "hard")
	viper.SetDefault("chain_hash", "sha1")
	viper.SetDefault("keep_null_parts", false)
}

// Load reads the configuration file.
// If path is provided, it reads from that specific file.
// If path is empty, it searches in the default locations and falls back
// to defaults when no file is found.
func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Implicit load without a config file uses defaults; an
			// explicitly named file must exist.
			if path != "" {
				return nil, errors.Wrapf(err, "config file not found at %s", path)
			}
		} else {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}

	return &cfg, nil
}

// Default returns a configuration with the built-in defaults.
func Default() *Config {
	return &Config{
		BlockSize:     "1m",
		PartSize:      "100m",
		Snapshots:     4,
		Link:          "hard",
		ChainHash:     "sha1",
		KeepNullParts: false,
	}
}
