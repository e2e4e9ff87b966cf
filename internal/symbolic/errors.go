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

import "errors"

var (
	// ErrMalformed reports an inconsistent container header (ELF magic,
	// DEX header, ZIP directory).
	ErrMalformed = errors.New("malformed file")

	// ErrNoSymbolTable reports a valid ELF with neither .symtab nor .dynsym.
	ErrNoSymbolTable = errors.New("no symbol table")

	// ErrNoBuildID reports an ELF without a GNU build-id note.
	ErrNoBuildID = errors.New("no build id section")

	// ErrBuildIDMismatch reports a file whose build id disagrees with the
	// expected one.
	ErrBuildIDMismatch = errors.New("build id mismatch")
)
