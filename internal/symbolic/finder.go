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
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"

	"perfsight/internal/log"
)

const (
	vdsoPath       = "[vdso]"
	systemDebugDir = "/usr/lib/debug"
	buildIDList    = "build_id_list"
)

// DebugFileFinder maps a dso path recorded at profiling time to the on-disk
// file carrying its symbols, using a symbol root directory, a build-id index
// and per-bitness vdso overrides.
type DebugFileFinder struct {
	symfsDir      string
	buildIDToFile map[string]string
	vdso32        string
	vdso64        string
}

func NewDebugFileFinder() *DebugFileFinder {
	return &DebugFileFinder{buildIDToFile: make(map[string]string)}
}

// SetSymFsDir points the finder at a directory holding copies of the
// profiled binaries and reloads its build_id_list index.
func (f *DebugFileFinder) SetSymFsDir(dir string) error {
	st, err := os.Stat(dir)
	if err != nil {
		return errors.Wrap(err, "symfs dir")
	}
	if !st.IsDir() {
		return errors.Errorf("symfs %s is not a directory", dir)
	}
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	f.symfsDir = dir
	f.buildIDToFile = make(map[string]string)
	f.loadBuildIDList()
	return nil
}

// SetVdsoFile installs an override used for any lookup of the literal
// "[vdso]" dso path.
func (f *DebugFileFinder) SetVdsoFile(path string, is64bit bool) {
	if is64bit {
		f.vdso64 = path
	} else {
		f.vdso32 = path
	}
}

// loadBuildIDList reads symfs_dir/build_id_list: "HEX=relpath" per line,
// malformed lines skipped silently.
func (f *DebugFileFinder) loadBuildIDList() {
	file, err := os.Open(f.symfsDir + buildIDList)
	if err != nil {
		log.Debugf("no build id list under %s: %v", f.symfsDir, err)
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		items := strings.Split(line, "=")
		if len(items) != 2 {
			continue
		}
		f.buildIDToFile[items[0]] = items[1]
	}
}

// FindDebugFile resolves dsoPath to the file that should be parsed for
// symbols. The returned path may be the input unchanged when nothing
// better is known.
func (f *DebugFileFinder) FindDebugFile(dsoPath string, force64bit bool, buildID BuildID) string {
	if dsoPath == vdsoPath {
		if force64bit && f.vdso64 != "" {
			return f.vdso64
		}
		if !force64bit && f.vdso32 != "" {
			return f.vdso32
		}
		return dsoPath
	}
	if f.symfsDir == "" {
		return dsoPath
	}

	if buildID.IsEmpty() {
		// A build id recorded at profiling time takes priority, but a
		// file that can name its own id still gets verified lookups.
		id, err := ReadBuildID(dsoPath)
		if err != nil {
			return dsoPath
		}
		buildID = id
	}

	var candidates []string
	if relpath, ok := f.buildIDToFile[buildID.String()]; ok {
		candidates = append(candidates, f.symfsDir+relpath)
	}
	candidates = append(candidates,
		f.symfsDir+strings.TrimPrefix(dsoPath, "/"),
		systemDebugDir+dsoPath)

	for _, path := range candidates {
		id, err := ReadBuildID(path)
		if err != nil {
			continue
		}
		if id.Equal(buildID) {
			return path
		}
		log.Debugf("skip %s for %s: %v", path, dsoPath, ErrBuildIDMismatch)
	}
	return dsoPath
}
