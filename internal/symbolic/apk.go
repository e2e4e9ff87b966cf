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
	"fmt"
	"io"
	"strings"

	"perfsight/internal/log"
)

// apkEntrySeparator joins an APK path and the entry inside it, as in
// "base.apk!/lib/arm64/libfoo.so".
const apkEntrySeparator = "!/"

// SplitAPKPath splits a "container!/entry" path. ok is false for plain
// file paths.
func SplitAPKPath(path string) (apk, entry string, ok bool) {
	i := strings.Index(path, apkEntrySeparator)
	if i < 0 {
		return "", "", false
	}
	return path[:i], path[i+len(apkEntrySeparator):], true
}

// JoinAPKPath builds a "container!/entry" path.
func JoinAPKPath(apk, entry string) string {
	return apk + apkEntrySeparator + entry
}

// readAPKEntry extracts one entry of a zip container into memory.
func readAPKEntry(apkPath, entry string) ([]byte, error) {
	r, err := zip.OpenReader(apkPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", apkPath, ErrMalformed)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != entry {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %s in %s: %w", entry, apkPath, ErrMalformed)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read entry %s in %s: %w", entry, apkPath, err)
		}
		return data, nil
	}
	log.Debugf("entry %s not found in %s", entry, apkPath)
	return nil, fmt.Errorf("entry %s in %s: %w", entry, apkPath, ErrMalformed)
}
