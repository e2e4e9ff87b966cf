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
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// linkerPrefix marks symbols resolved through the dynamic linker; it is
// stripped before demangling and replaced by "[linker]" afterwards.
const linkerPrefix = "__dl_"

// Demangle rewrites a mangled symbol name into its human-readable form.
// Names that fail to demangle come back unchanged, except that a linker
// prefix is still rewritten to "[linker]".
func Demangle(name string) string {
	prefixed := strings.HasPrefix(name, linkerPrefix)
	if prefixed {
		name = name[len(linkerPrefix):]
	}
	out := demangle.Filter(name)
	if prefixed {
		out = "[linker]" + out
	}
	return out
}
