// Package config loads the cityhall client configuration file.
//
// The file is HCL:
//
//	url         = "http://localhost:5000/api"
//	user        = "cityhall"
//	environment = "dev"
//
//	store {
//	  driver = "sqlite"
//	  dsn    = "/var/lib/cityhall/cityhall.db"
//	}
//
// A store block selects an in-process store instead of a remote server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Store drivers understood by the in-process store.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the decoded configuration file.
type Config struct {
	URL         string `hcl:"url,optional"`
	User        string `hcl:"user,optional"`
	Password    string `hcl:"password,optional"`
	Environment string `hcl:"environment,optional"`

	Store *Store `hcl:"store,block"`
}

// Store configures an in-process store.
type Store struct {
	Driver string `hcl:"driver"`
	DSN    string `hcl:"dsn,optional"`
}

// Default is used when no file exists.
func Default() *Config {
	return &Config{User: "cityhall"}
}

// DefaultPath returns ~/.cityhall/config.hcl.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home dir: %w", err)
	}
	return filepath.Join(home, ".cityhall", "config.hcl"), nil
}

// Load decodes path. A missing file yields Default unless required is set.
func Load(path string, required bool) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !required {
		return Default(), nil
	}
	cfg := Default()
	if err := hclsimple.DecodeFile(path, nil, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration names exactly one way to reach a
// store.
func (c *Config) Validate() error {
	if c.Store == nil {
		return nil
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store driver %s needs a dsn", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.URL != "" {
		return errors.New("set either url or a store block, not both")
	}
	return nil
}
