// Copyright 2026 The PerfSight Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package conf loads the TOML configuration file.
package conf

import (
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// Symbols configures how binaries are located and symbolized.
type Symbols struct {
	SymFsDir string `toml:"symfs_dir"`
	Vdso32   string `toml:"vdso32"`
	Vdso64   string `toml:"vdso64"`
	Vmlinux  string `toml:"vmlinux"`
	Kallsyms string `toml:"kallsyms"`
	Demangle bool   `toml:"demangle"`
}

// Log configures the logging wrapper.
type Log struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Config is the top-level configuration.
type Config struct {
	Symbols Symbols `toml:"symbols"`
	Log     Log     `toml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Symbols: Symbols{Demangle: true},
		Log:     Log{Level: "info"},
	}
}

// Load reads a TOML config file. Fields not present keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}
