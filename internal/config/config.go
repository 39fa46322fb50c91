// Package config loads the peer daemon's YAML configuration: the listen
// address, wire codec, debug switches, and the optional message journal.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen string `yaml:"listen"` // TCP listen address (e.g. ":9301")
	Codec  string `yaml:"codec"`  // connection framing: "json" or "msgpack"
	Debug  bool   `yaml:"debug"`

	Journal JournalConfig `yaml:"journal"`
}

type JournalConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`      // badger directory; ignored when in_memory
	InMemory bool   `yaml:"in_memory"` // keep records only for the process lifetime
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: ":9301",
		Codec:  "json",
	}
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults
	if config.Listen == "" {
		config.Listen = ":9301"
	}
	if config.Codec == "" {
		config.Codec = "json"
	}

	// Validate configuration values
	if config.Codec != "json" && config.Codec != "msgpack" {
		return nil, fmt.Errorf("unknown codec %q (want json or msgpack)", config.Codec)
	}
	if config.Journal.Enabled && !config.Journal.InMemory && config.Journal.Path == "" {
		return nil, fmt.Errorf("journal enabled without a path")
	}

	return &config, nil
}
