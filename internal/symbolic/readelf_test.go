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

package symbolic

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

var testBuildID = []byte{
	0x0b, 0x12, 0xa0, 0x29, 0x0e, 0x2e, 0xe7, 0xd7, 0xbb, 0x01,
	0xfe, 0xee, 0xa4, 0x19, 0x10, 0x6c, 0x3a, 0x4f, 0x6a, 0xc1,
}

func TestReadBuildID(t *testing.T) {
	dir := t.TempDir()
	path := writeTestElf(t, dir, "libfoo.so", testBuildID, 0x1000, nil)

	id, err := ReadBuildID(path)
	if err != nil {
		t.Errorf("ReadBuildID() error = %v", err)
		return
	}
	if !id.Equal(NewBuildID(testBuildID)) {
		t.Errorf("ReadBuildID() = %s, want %s", id, NewBuildID(testBuildID))
	}
}

func TestReadBuildIDErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		path    string
		wantErr error
	}{
		{
			name: "not an elf",
			path: func() string {
				p := filepath.Join(dir, "garbage")
				os.WriteFile(p, []byte("not an elf at all"), 0o644)
				return p
			}(),
			wantErr: ErrMalformed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadBuildID(tt.path)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ReadBuildID() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		if _, err := ReadBuildID(filepath.Join(dir, "missing")); err == nil {
			t.Errorf("ReadBuildID() expected error, got nil")
		}
	})
}

func TestReadMinExecutableVaddr(t *testing.T) {
	dir := t.TempDir()
	path := writeTestElf(t, dir, "libfoo.so", testBuildID, 0x2000, nil)

	vaddr, err := ReadMinExecutableVaddr(path, BuildID{})
	if err != nil {
		t.Errorf("ReadMinExecutableVaddr() error = %v", err)
		return
	}
	if vaddr != 0x2000 {
		t.Errorf("ReadMinExecutableVaddr() = %#x, want %#x", vaddr, 0x2000)
	}
}

func TestReadMinExecutableVaddrBuildIDMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeTestElf(t, dir, "libfoo.so", testBuildID, 0x2000, nil)

	other := NewBuildID([]byte{1, 2, 3, 4})
	_, err := ReadMinExecutableVaddr(path, other)
	if !errors.Is(err, ErrBuildIDMismatch) {
		t.Errorf("ReadMinExecutableVaddr() error = %v, want %v", err, ErrBuildIDMismatch)
	}
}

func TestParseElfSymbols(t *testing.T) {
	dir := t.TempDir()
	path := writeTestElf(t, dir, "libfoo.so", testBuildID, 0x1000, []testElfSym{
		{name: "func1", value: 0x1000, size: 0x10, typ: 2, inText: true},
		{name: "label_in_text", value: 0x1010, size: 0, typ: 0, inText: true},
		{name: "data_label", value: 0x3000, size: 0, typ: 0, inText: false},
	})

	var got []ElfSymbol
	if err := ParseElfSymbols(path, NewBuildID(testBuildID), func(s ElfSymbol) {
		got = append(got, s)
	}); err != nil {
		t.Errorf("ParseElfSymbols() error = %v", err)
		return
	}
	if len(got) != 2 {
		t.Errorf("ParseElfSymbols() yielded %d symbols, want 2", len(got))
		return
	}
	if !got[0].IsFunc || !got[0].IsInTextSection || got[0].Name != "func1" {
		t.Errorf("symbol 0 = %+v, want text function func1", got[0])
	}
	if !got[1].IsLabel || !got[1].IsInTextSection {
		t.Errorf("symbol 1 = %+v, want label in text", got[1])
	}
	for _, s := range got {
		if s.Name == "data_label" {
			t.Errorf("symbol %+v reported, want labels outside text skipped", s)
		}
	}
}

func TestParseElfSymbolsNoSymbolTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stripped.so")
	if err := os.WriteFile(path, buildTestElf(testBuildID, 0x1000, nil, false), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	err := ParseElfSymbols(path, BuildID{}, func(ElfSymbol) {})
	if !errors.Is(err, ErrNoSymbolTable) {
		t.Errorf("ParseElfSymbols() error = %v, want %v", err, ErrNoSymbolTable)
	}
}

func TestReadBuildIDFromAPKEntry(t *testing.T) {
	dir := t.TempDir()
	apkPath := filepath.Join(dir, "base.apk")

	f, err := os.Create(apkPath)
	if err != nil {
		t.Fatalf("create apk: %v", err)
	}
	zw := zip.NewWriter(f)
	entry, err := zw.Create("lib/arm64/libnative.so")
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if _, err := entry.Write(buildTestElf(testBuildID, 0x1000, nil, true)); err != nil {
		t.Fatalf("write entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	f.Close()

	id, err := ReadBuildID(JoinAPKPath(apkPath, "lib/arm64/libnative.so"))
	if err != nil {
		t.Errorf("ReadBuildID(apk entry) error = %v", err)
		return
	}
	if !id.Equal(NewBuildID(testBuildID)) {
		t.Errorf("ReadBuildID(apk entry) = %s, want %s", id, NewBuildID(testBuildID))
	}

	t.Run("missing entry", func(t *testing.T) {
		_, err := ReadBuildID(JoinAPKPath(apkPath, "lib/x86/other.so"))
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("ReadBuildID(missing entry) error = %v, want %v", err, ErrMalformed)
		}
	})
}

func TestSplitAPKPath(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		wantAPK   string
		wantEntry string
		wantOK    bool
	}{
		{"apk path", "base.apk!/lib/libx.so", "base.apk", "lib/libx.so", true},
		{"plain path", "/usr/lib/libc.so", "", "", false},
		{"empty entry", "base.apk!/", "base.apk", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apk, entry, ok := SplitAPKPath(tt.path)
			if apk != tt.wantAPK || entry != tt.wantEntry || ok != tt.wantOK {
				t.Errorf("SplitAPKPath(%q) = %q, %q, %v", tt.path, apk, entry, ok)
			}
		})
	}
}
