// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlite

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes how to open a database.
type Config struct {
	// Path is the database file or file: URI.
	Path        string        `yaml:"path"`
	ReadOnly    bool          `yaml:"read_only"`
	Create      bool          `yaml:"create"`
	SharedCache bool          `yaml:"shared_cache"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// DefaultBusyTimeout is the busy timeout of a Config that does not set one.
const DefaultBusyTimeout = 5 * time.Second

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("sqlite.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, prefix+"path", "", "Path or file: URI of the database.")
	f.BoolVar(&cfg.ReadOnly, prefix+"read-only", false, "Open the database read-only.")
	f.BoolVar(&cfg.Create, prefix+"create", false, "Create the database if it does not exist.")
	f.BoolVar(&cfg.SharedCache, prefix+"shared-cache", false, "Share the page cache with other connections to the same database.")
	f.DurationVar(&cfg.BusyTimeout, prefix+"busy-timeout", DefaultBusyTimeout, "How long to wait on a locked database before failing.")
}

func (cfg *Config) Validate() error {
	if cfg.Path == "" {
		return errors.New("sqlite: path is required")
	}
	if cfg.ReadOnly && cfg.Create {
		return errors.New("sqlite: read_only and create are mutually exclusive")
	}
	if cfg.BusyTimeout < 0 {
		return fmt.Errorf("sqlite: busy_timeout must not be negative, got %v", cfg.BusyTimeout)
	}
	return nil
}

// OpenFlags reports the flags for Open described by cfg.
func (cfg *Config) OpenFlags() OpenFlags {
	flags := ReadWrite
	if cfg.ReadOnly {
		flags = ReadOnly
	}
	if cfg.Create {
		flags |= Create
	}
	if cfg.SharedCache {
		flags |= SharedCache
	}
	return flags
}

// LoadConfig parses a YAML document into a Config.
// Unknown fields are an error. busy_timeout defaults to DefaultBusyTimeout.
func LoadConfig(b []byte) (Config, error) {
	cfg := Config{BusyTimeout: DefaultBusyTimeout}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("sqlite: parsing config: %w", err)
	}
	return cfg, nil
}

// OpenConfig validates cfg and opens the database it describes.
// opts are applied after the options derived from cfg.
func OpenConfig(cfg Config, opts ...Option) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts = append([]Option{WithBusyTimeout(cfg.BusyTimeout)}, opts...)
	return Open(cfg.Path, cfg.OpenFlags(), opts...)
}
