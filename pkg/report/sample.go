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

// Package report iterates the samples of a recording, enriched with
// resolved and demangled symbols.
package report

// Mapping locates one frame's virtual address range. Values live in a
// per-sample arena; pointers into it are valid until the next sample.
type Mapping struct {
	Start uint64
	End   uint64
	Pgoff uint64
}

// SymbolEntry resolves one instruction pointer to a named location in a
// binary.
type SymbolEntry struct {
	DsoName     string
	VaddrInFile uint64
	SymbolName  string
	SymbolAddr  uint64
	SymbolLen   uint64
	Mapping     *Mapping
}

// CallChainEntry is one resolved frame of a sample's call chain.
type CallChainEntry struct {
	IP     uint64
	Symbol SymbolEntry
}

// Sample is one enriched sample event.
type Sample struct {
	IP         uint64
	Pid        uint32
	Tid        uint32
	ThreadComm string
	Time       uint64
	InKernel   bool
	CPU        uint32
	Period     uint64

	Symbol    SymbolEntry
	CallChain []CallChainEntry
}
