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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindDebugFileByBuildIDList(t *testing.T) {
	dir := t.TempDir()
	writeTestElf(t, dir, "elf", testBuildID, 0x1000, nil)
	id := NewBuildID(testBuildID)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build_id_list"),
		[]byte(id.String()+"=elf\n"), 0o644))

	finder := NewDebugFileFinder()
	require.NoError(t, finder.SetSymFsDir(dir))

	got := finder.FindDebugFile("elf", false, id)
	want := dir + "/elf"
	if got != want {
		t.Errorf("FindDebugFile() = %q, want %q", got, want)
	}
}

func TestFindDebugFileSymfsConcatenation(t *testing.T) {
	dir := t.TempDir()
	writeTestElf(t, dir, "system/lib/libfoo.so", testBuildID, 0x1000, nil)

	finder := NewDebugFileFinder()
	require.NoError(t, finder.SetSymFsDir(dir))

	got := finder.FindDebugFile("/system/lib/libfoo.so", false, NewBuildID(testBuildID))
	want := dir + "/system/lib/libfoo.so"
	if got != want {
		t.Errorf("FindDebugFile() = %q, want %q", got, want)
	}
}

func TestFindDebugFileMismatchFallsBack(t *testing.T) {
	dir := t.TempDir()
	writeTestElf(t, dir, "libfoo.so", testBuildID, 0x1000, nil)

	finder := NewDebugFileFinder()
	require.NoError(t, finder.SetSymFsDir(dir))

	// A symfs copy with a different build id must be skipped.
	got := finder.FindDebugFile("libfoo.so", false, NewBuildID([]byte{9, 9, 9}))
	if got != "libfoo.so" {
		t.Errorf("FindDebugFile() = %q, want original path back", got)
	}
}

func TestFindDebugFileVdsoDispatch(t *testing.T) {
	finder := NewDebugFileFinder()
	finder.SetVdsoFile("/tmp/vdso32", false)
	finder.SetVdsoFile("/tmp/vdso64", true)

	tests := []struct {
		name    string
		force64 bool
		want    string
	}{
		{"32 bit", false, "/tmp/vdso32"},
		{"64 bit", true, "/tmp/vdso64"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := finder.FindDebugFile("[vdso]", tt.force64, BuildID{}); got != tt.want {
				t.Errorf("FindDebugFile([vdso]) = %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("no override set", func(t *testing.T) {
		bare := NewDebugFileFinder()
		if got := bare.FindDebugFile("[vdso]", true, BuildID{}); got != "[vdso]" {
			t.Errorf("FindDebugFile([vdso]) = %q, want [vdso]", got)
		}
	})
}

func TestFindDebugFileWithoutSymfs(t *testing.T) {
	finder := NewDebugFileFinder()
	if got := finder.FindDebugFile("/system/lib/libc.so", false, BuildID{}); got != "/system/lib/libc.so" {
		t.Errorf("FindDebugFile() = %q, want input back", got)
	}
}

func TestFindDebugFileIsPure(t *testing.T) {
	dir := t.TempDir()
	writeTestElf(t, dir, "libbar.so", testBuildID, 0x1000, nil)

	finder := NewDebugFileFinder()
	require.NoError(t, finder.SetSymFsDir(dir))

	first := finder.FindDebugFile("libbar.so", false, NewBuildID(testBuildID))
	for i := 0; i < 3; i++ {
		if got := finder.FindDebugFile("libbar.so", false, NewBuildID(testBuildID)); got != first {
			t.Errorf("FindDebugFile() call %d = %q, want %q", i, got, first)
		}
	}
}

func TestSetSymFsDir(t *testing.T) {
	tests := []struct {
		name    string
		dir     func(t *testing.T) string
		wantErr bool
	}{
		{"valid directory", func(t *testing.T) string { return t.TempDir() }, false},
		{"missing", func(t *testing.T) string { return "/does/not/exist" }, true},
		{
			"plain file",
			func(t *testing.T) string {
				p := filepath.Join(t.TempDir(), "f")
				os.WriteFile(p, nil, 0o644)
				return p
			},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewDebugFileFinder().SetSymFsDir(tt.dir(t))
			if (err != nil) != tt.wantErr {
				t.Errorf("SetSymFsDir() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildIDListMalformedLinesSkipped(t *testing.T) {
	dir := t.TempDir()
	writeTestElf(t, dir, "elf", testBuildID, 0x1000, nil)
	id := NewBuildID(testBuildID)
	content := "\n" + "no separator line\n" + "a=b=c\n" + id.String() + "=elf\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build_id_list"), []byte(content), 0o644))

	finder := NewDebugFileFinder()
	require.NoError(t, finder.SetSymFsDir(dir))

	if got := finder.FindDebugFile("elf", false, id); got != dir+"/elf" {
		t.Errorf("FindDebugFile() = %q, want %q", got, dir+"/elf")
	}
	if len(finder.buildIDToFile) != 1 {
		t.Errorf("build id index has %d entries, want 1", len(finder.buildIDToFile))
	}
}
