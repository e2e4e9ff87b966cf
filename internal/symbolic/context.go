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

	"perfsight/internal/log"
)

// Context is the configuration snapshot shared by every Dso created from
// it: demangling, kernel symbol sources, expected build ids and the debug
// file finder. It replaces process-wide globals; initialize it before
// reading samples and do not mutate it while Dsos are live.
type Context struct {
	Finder *DebugFileFinder

	demangle        bool
	vmlinux         string
	kallsyms        string
	readProcKsyms   bool
	expectedBuildID map[string]BuildID
	dumpIDCounter   uint32
}

func NewContext() *Context {
	return &Context{
		Finder:          NewDebugFileFinder(),
		demangle:        true,
		expectedBuildID: make(map[string]BuildID),
	}
}

// SetDemangle toggles demangling of symbol names.
func (c *Context) SetDemangle(enable bool) {
	c.demangle = enable
}

// SetVmlinux points kernel symbolization at an uncompressed kernel image.
func (c *Context) SetVmlinux(path string) {
	c.vmlinux = path
}

// SetKallsyms caches kallsyms text to symbolize kernel addresses with.
func (c *Context) SetKallsyms(text string) {
	c.kallsyms = text
}

// SetReadKernelSymbolsFromProc opts in to reading /proc/kallsyms when no
// vmlinux or cached kallsyms text is configured.
func (c *Context) SetReadKernelSymbolsFromProc(enable bool) {
	c.readProcKsyms = enable
}

// SetBuildIDs installs the dso path to build id expectations recorded in
// the profile.
func (c *Context) SetBuildIDs(ids map[string]BuildID) {
	for path, id := range ids {
		c.expectedBuildID[path] = id
	}
}

// ExpectedBuildIDFor returns the recorded build id for a dso path, or the
// empty id.
func (c *Context) ExpectedBuildIDFor(path string) BuildID {
	return c.expectedBuildID[path]
}

func (c *Context) nextDumpID() uint32 {
	id := c.dumpIDCounter
	c.dumpIDCounter++
	return id
}

// kernelBuildIDMatches reports whether the expected kernel build id equals
// the running kernel's, read from the ELF notes the kernel exports.
func (c *Context) kernelBuildIDMatches(expected BuildID) bool {
	if expected.IsEmpty() {
		return false
	}
	id, err := runningKernelBuildID()
	if err != nil {
		log.Debugf("running kernel build id: %v", err)
		return false
	}
	return id.Equal(expected)
}

func runningKernelBuildID() (BuildID, error) {
	f, err := os.Open("/sys/kernel/notes")
	if err != nil {
		return BuildID{}, err
	}
	defer f.Close()
	id, found, err := findBuildIDNote(f, 4, hostByteOrder)
	if err != nil {
		return BuildID{}, err
	}
	if !found {
		return BuildID{}, ErrNoBuildID
	}
	return id, nil
}
