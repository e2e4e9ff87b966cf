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

package conf

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantErr  bool
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name: "full config",
			content: `
[symbols]
symfs_dir = "/tmp/symbols"
vdso32 = "/tmp/vdso32"
vdso64 = "/tmp/vdso64"
vmlinux = "/boot/vmlinux"
demangle = false

[log]
level = "debug"
file = "/var/log/perfsight.log"
`,
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Symbols.SymFsDir != "/tmp/symbols" {
					t.Errorf("SymFsDir = %q", cfg.Symbols.SymFsDir)
				}
				if cfg.Symbols.Vdso32 != "/tmp/vdso32" || cfg.Symbols.Vdso64 != "/tmp/vdso64" {
					t.Errorf("vdso overrides = %q, %q", cfg.Symbols.Vdso32, cfg.Symbols.Vdso64)
				}
				if cfg.Symbols.Demangle {
					t.Errorf("Demangle = true, want explicit false")
				}
				if cfg.Log.Level != "debug" {
					t.Errorf("Log.Level = %q", cfg.Log.Level)
				}
			},
		},
		{
			name:    "empty file keeps defaults",
			content: "",
			validate: func(t *testing.T, cfg *Config) {
				if !cfg.Symbols.Demangle {
					t.Errorf("Demangle default = false, want true")
				}
				if cfg.Log.Level != "info" {
					t.Errorf("Log.Level default = %q, want info", cfg.Log.Level)
				}
			},
		},
		{
			name:    "malformed toml",
			content: "[symbols\nbroken",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "conf.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			cfg, err := Load(path)
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				tt.validate(t, cfg)
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		if _, err := Load("/does/not/exist.toml"); err == nil {
			t.Errorf("Load() expected error, got nil")
		}
	})
}
