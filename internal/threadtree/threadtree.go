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

// Package threadtree keeps the per-process view of a recording: threads,
// their names and the mapping tables fork/exec/mmap records build up.
package threadtree

import (
	"sort"

	"perfsight/internal/perfrecord"
	"perfsight/internal/symbolic"
)

// UnknownComm names threads that never saw a comm record.
const UnknownComm = "unknown"

// MapEntry describes one virtual address range of a process.
type MapEntry struct {
	StartAddr     uint64
	Len           uint64
	Pgoff         uint64
	TimeInstalled uint64
	Dso           *symbolic.Dso
	InKernel      bool
}

func (m *MapEntry) contains(addr uint64) bool {
	return addr >= m.StartAddr && addr < m.StartAddr+m.Len
}

// mapSet is an address-sorted mapping table shared by the threads of one
// process.
type mapSet struct {
	maps []*MapEntry
}

// insert adds a mapping, trimming or splitting whatever it overlaps.
// Later mappings win, matching the kernel's mmap semantics.
func (s *mapSet) insert(m *MapEntry) {
	end := m.StartAddr + m.Len
	var kept []*MapEntry
	for _, old := range s.maps {
		oldEnd := old.StartAddr + old.Len
		if oldEnd <= m.StartAddr || old.StartAddr >= end {
			kept = append(kept, old)
			continue
		}
		if old.StartAddr < m.StartAddr {
			left := *old
			left.Len = m.StartAddr - old.StartAddr
			kept = append(kept, &left)
		}
		if oldEnd > end {
			right := *old
			right.Len = oldEnd - end
			right.StartAddr = end
			right.Pgoff = old.Pgoff + (end - old.StartAddr)
			kept = append(kept, &right)
		}
	}
	kept = append(kept, m)
	sort.Slice(kept, func(i, j int) bool { return kept[i].StartAddr < kept[j].StartAddr })
	s.maps = kept
}

func (s *mapSet) find(addr uint64) *MapEntry {
	i := sort.Search(len(s.maps), func(i int) bool { return s.maps[i].StartAddr > addr })
	if i > 0 && s.maps[i-1].contains(addr) {
		return s.maps[i-1]
	}
	return nil
}

func (s *mapSet) clone() *mapSet {
	out := &mapSet{maps: make([]*MapEntry, len(s.maps))}
	copy(out.maps, s.maps)
	return out
}

// ThreadEntry is one thread of a profiled process. Threads of the same
// process share a mapping table.
type ThreadEntry struct {
	Pid  uint32
	Tid  uint32
	Comm string

	maps *mapSet
}

// ThreadTree applies the non-sample records of a recording and answers
// address lookups at the state they built up.
type ThreadTree struct {
	ctx     *symbolic.Context
	threads map[uint64]*ThreadEntry

	kernelMaps mapSet
	kernelDso  *symbolic.Dso

	// dsos shares one Dso between every mapping of the same path.
	dsos map[string]*symbolic.Dso

	unknownDso *symbolic.Dso
	unknownMap MapEntry
}

func New(ctx *symbolic.Context) *ThreadTree {
	t := &ThreadTree{
		ctx:     ctx,
		threads: make(map[uint64]*ThreadEntry),
		dsos:    make(map[string]*symbolic.Dso),
	}
	t.unknownDso = symbolic.NewDso(ctx, symbolic.DsoUnknown, "unknown", false)
	t.unknownMap = MapEntry{Len: ^uint64(0), Dso: t.unknownDso}
	return t
}

func threadKey(pid, tid uint32) uint64 {
	return uint64(pid)<<32 | uint64(tid)
}

// Update applies one record to the process view. Sample records are a
// no-op here.
func (t *ThreadTree) Update(rec perfrecord.Record) {
	switch r := rec.(type) {
	case *perfrecord.CommRecord:
		if r.Exec {
			t.ExecThread(r.Pid, r.Tid, r.Comm)
		} else {
			t.SetThreadName(r.Pid, r.Tid, r.Comm)
		}
	case *perfrecord.ForkRecord:
		t.ForkThread(r.Pid, r.Tid, r.Ppid, r.Ptid)
	case *perfrecord.ExitRecord:
		t.ExitThread(r.Pid, r.Tid)
	case *perfrecord.MmapRecord:
		if r.InKernel {
			t.AddKernelMap(r.Addr, r.Len, r.Pgoff, r.Time, r.Filename)
		} else {
			t.AddThreadMap(r.Pid, r.Tid, r.Addr, r.Len, r.Pgoff, r.Time, r.Filename)
		}
	}
}

// FindThreadOrNew returns the thread entry, creating it (and its process
// mapping table) on first sight.
func (t *ThreadTree) FindThreadOrNew(pid, tid uint32) *ThreadEntry {
	key := threadKey(pid, tid)
	if thread, ok := t.threads[key]; ok {
		return thread
	}
	thread := &ThreadEntry{Pid: pid, Tid: tid, Comm: UnknownComm}
	if main, ok := t.threads[threadKey(pid, pid)]; ok && pid != tid {
		thread.maps = main.maps
	} else {
		thread.maps = &mapSet{}
	}
	t.threads[key] = thread
	return thread
}

// SetThreadName applies a plain comm record: the thread is renamed and
// its mappings stay.
func (t *ThreadTree) SetThreadName(pid, tid uint32, comm string) {
	t.FindThreadOrNew(pid, tid).Comm = comm
}

// ExecThread applies an exec-flagged comm record: a new program image
// replaces the process, so the pre-exec mapping table is dropped.
func (t *ThreadTree) ExecThread(pid, tid uint32, comm string) {
	thread := t.FindThreadOrNew(pid, tid)
	thread.Comm = comm
	thread.maps = &mapSet{}
}

// ForkThread applies a fork record: a new process clones the parent's
// mapping table, a new thread of an existing process joins it.
func (t *ThreadTree) ForkThread(pid, tid, ppid, ptid uint32) {
	parent := t.FindThreadOrNew(ppid, ptid)
	child := t.FindThreadOrNew(pid, tid)
	child.Comm = parent.Comm
	if pid != ppid {
		child.maps = parent.maps.clone()
		// Sibling threads created before the fork record stay on the
		// old table; later threads of pid join through FindThreadOrNew.
	} else {
		child.maps = parent.maps
	}
}

// ExitThread drops a thread entry.
func (t *ThreadTree) ExitThread(pid, tid uint32) {
	delete(t.threads, threadKey(pid, tid))
}

// AddThreadMap applies a user-space mmap record.
func (t *ThreadTree) AddThreadMap(pid, tid uint32, start, length, pgoff, time uint64, filename string) {
	thread := t.FindThreadOrNew(pid, tid)
	thread.maps.insert(&MapEntry{
		StartAddr:     start,
		Len:           length,
		Pgoff:         pgoff,
		TimeInstalled: time,
		Dso:           t.findUserDso(filename),
	})
}

// AddKernelMap applies a kernel or module mmap record.
func (t *ThreadTree) AddKernelMap(start, length, pgoff, time uint64, filename string) {
	t.kernelMaps.insert(&MapEntry{
		StartAddr:     start,
		Len:           length,
		Pgoff:         pgoff,
		TimeInstalled: time,
		Dso:           t.findKernelDso(filename),
		InKernel:      true,
	})
}

// kernelMapPrefix marks the main kernel mapping in mmap records, as in
// "[kernel.kallsyms]_text".
const kernelMapPrefix = "[kernel.kallsyms]"

func (t *ThreadTree) findKernelDso(filename string) *symbolic.Dso {
	if len(filename) >= len(kernelMapPrefix) && filename[:len(kernelMapPrefix)] == kernelMapPrefix {
		if t.kernelDso == nil {
			t.kernelDso = symbolic.NewDso(t.ctx, symbolic.DsoKernel, kernelMapPrefix, false)
		}
		return t.kernelDso
	}
	if dso, ok := t.dsos[filename]; ok {
		return dso
	}
	dso := symbolic.NewDso(t.ctx, symbolic.DsoKernelModule, filename, false)
	t.dsos[filename] = dso
	return dso
}

func (t *ThreadTree) findUserDso(filename string) *symbolic.Dso {
	if dso, ok := t.dsos[filename]; ok {
		return dso
	}
	dso := symbolic.NewDso(t.ctx, symbolic.DsoElfFile, filename, false)
	t.dsos[filename] = dso
	return dso
}

// SeedDsoSymbols installs pre-resolved symbols for a dso, as carried in
// the recording's file feature section. The dso is created with the
// recorded type so later mappings of the same path share it.
func (t *ThreadTree) SeedDsoSymbols(typ symbolic.DsoType, path string, minVaddr uint64, symbols []symbolic.Symbol) {
	var dso *symbolic.Dso
	if typ == symbolic.DsoKernel {
		dso = t.KernelDso()
	} else if existing, ok := t.dsos[path]; ok {
		dso = existing
	} else {
		dso = symbolic.NewDso(t.ctx, typ, path, false)
		t.dsos[path] = dso
	}
	dso.SetMinVirtualAddress(minVaddr)
	dso.SetSymbols(symbols)
}

// KernelDso exposes the main kernel dso, creating it on demand. Used when
// the recording lacks a kernel mmap but samples land in kernel space.
func (t *ThreadTree) KernelDso() *symbolic.Dso {
	if t.kernelDso == nil {
		t.kernelDso = symbolic.NewDso(t.ctx, symbolic.DsoKernel, kernelMapPrefix, false)
	}
	return t.kernelDso
}

// FindMap returns the mapping covering ip, or the shared unknown sentinel;
// callers never see nil.
func (t *ThreadTree) FindMap(thread *ThreadEntry, ip uint64, inKernel bool) *MapEntry {
	var m *MapEntry
	if inKernel {
		m = t.kernelMaps.find(ip)
	} else if thread != nil {
		m = thread.maps.find(ip)
	}
	if m == nil {
		return &t.unknownMap
	}
	return m
}

// IsUnknownMap reports whether m is the sentinel returned for unmapped
// addresses.
func (t *ThreadTree) IsUnknownMap(m *MapEntry) bool {
	return m == &t.unknownMap
}

// unknownSymbol is handed out when a dso cannot resolve an address.
var unknownSymbol = symbolic.Symbol{Name: "unknown", Len: 1}

// FindSymbol translates ip into the mapped file's address space, resolves
// it through the mapping's dso and returns the symbol plus the in-file
// vaddr. Lookup failures return a shared unknown symbol.
func (t *ThreadTree) FindSymbol(m *MapEntry, ip uint64) (*symbolic.Symbol, uint64) {
	vaddr := t.VaddrInFile(m, ip)
	if s := m.Dso.FindSymbol(vaddr); s != nil {
		return s, vaddr
	}
	return &unknownSymbol, vaddr
}

// VaddrInFile maps a runtime ip to an address inside the backing file.
func (t *ThreadTree) VaddrInFile(m *MapEntry, ip uint64) uint64 {
	switch m.Dso.Type() {
	case symbolic.DsoKernel:
		// Kernel symbols are keyed by runtime address.
		return ip
	case symbolic.DsoElfFile:
		return ip - m.StartAddr + m.Pgoff + m.Dso.MinVirtualAddress()
	default:
		return ip - m.StartAddr + m.Pgoff
	}
}
