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
	"errors"
	"fmt"
	"os"
	"path"
	"sort"

	"perfsight/internal/log"
)

// DsoType selects the variant of a Dso.
type DsoType int

const (
	DsoKernel DsoType = iota
	DsoKernelModule
	DsoElfFile
	DsoDexFile
	DsoUnknown
)

func (t DsoType) String() string {
	switch t {
	case DsoKernel:
		return "kernel"
	case DsoKernelModule:
		return "kernel_module"
	case DsoElfFile:
		return "elf_file"
	case DsoDexFile:
		return "dex_file"
	case DsoUnknown:
		return "unknown"
	}
	return fmt.Sprintf("DsoType(%d)", int(t))
}

// Symbol is one entry of a Dso's address-sorted symbol table.
type Symbol struct {
	Addr uint64
	Len  uint64
	Name string

	demangled string
	dumpID    *uint32
}

// DemangledName demangles lazily; the result is cached on the symbol.
func (s *Symbol) DemangledName(demangleNames bool) string {
	if s.demangled == "" {
		if demangleNames {
			s.demangled = Demangle(s.Name)
		} else {
			s.demangled = s.Name
		}
	}
	return s.demangled
}

// Dso is the lazily loaded symbol table of one binary mapped into a
// profiled process. The variant decides where symbols come from.
type Dso struct {
	ctx  *Context
	typ  DsoType
	path string

	// debugFilePath is where symbols are read from; it differs from path
	// when the debug file finder located a better copy.
	debugFilePath string
	fileName      string
	force64bit    bool

	loaded         bool
	symbols        []Symbol
	unknownSymbols map[uint64]Symbol
	minVaddr       *uint64
	dumpID         *uint32
	symbolDumpID   uint32

	// dex carries the DEX symbol state of an ELF dso reclassified by
	// AddDexFileOffset. Owned exclusively by this dso.
	dex        *Dso
	dexOffsets []uint64
}

// NewDso constructs the given variant. Unknown types are a programming
// error and panic.
func NewDso(ctx *Context, typ DsoType, dsoPath string, force64bit bool) *Dso {
	d := &Dso{
		ctx:           ctx,
		typ:           typ,
		path:          dsoPath,
		debugFilePath: dsoPath,
		fileName:      path.Base(dsoPath),
		force64bit:    force64bit,
	}
	switch typ {
	case DsoElfFile:
		d.debugFilePath = ctx.Finder.FindDebugFile(dsoPath, force64bit, ctx.ExpectedBuildIDFor(dsoPath))
	case DsoKernel, DsoKernelModule, DsoDexFile, DsoUnknown:
	default:
		panic(fmt.Sprintf("unknown dso type %d for %s", int(typ), dsoPath))
	}
	return d
}

func (d *Dso) Type() DsoType     { return d.typ }
func (d *Dso) Path() string      { return d.path }
func (d *Dso) DebugPath() string { return d.debugFilePath }
func (d *Dso) FileName() string  { return d.fileName }
func (d *Dso) IsLoaded() bool    { return d.loaded }

// DumpID hands out a stable per-context id on first use.
func (d *Dso) DumpID() uint32 {
	if d.dumpID == nil {
		id := d.ctx.nextDumpID()
		d.dumpID = &id
	}
	return *d.dumpID
}

// SymbolDumpID hands out a stable per-dso id for a resolved symbol on
// first use. Serialized reports reference symbols by this small integer
// instead of repeating names across samples.
func (d *Dso) SymbolDumpID(s *Symbol) uint32 {
	if s.dumpID == nil {
		id := d.symbolDumpID
		d.symbolDumpID++
		s.dumpID = &id
	}
	return *s.dumpID
}

// MinVirtualAddress is the lowest executable vaddr of an ELF dso. Failures
// are logged once and cached as 0.
func (d *Dso) MinVirtualAddress() uint64 {
	if d.typ != DsoElfFile {
		return 0
	}
	if d.minVaddr == nil {
		v, err := ReadMinExecutableVaddr(d.debugFilePath, d.ctx.ExpectedBuildIDFor(d.path))
		if err != nil {
			log.Warnf("min executable vaddr of %s: %v", d.debugFilePath, err)
			v = 0
		}
		d.minVaddr = &v
	}
	return *d.minVaddr
}

// SetMinVirtualAddress installs a known minimum executable vaddr,
// bypassing the lazy read.
func (d *Dso) SetMinVirtualAddress(v uint64) {
	d.minVaddr = &v
}

// AddDexFileOffset records that the mapping backed by this dso hosts DEX
// code at the given file offset. An ELF dso is reclassified: the variant
// switches to DEX and a subordinate DEX dso over the same file takes over
// symbol loading.
func (d *Dso) AddDexFileOffset(offset uint64) {
	switch d.typ {
	case DsoDexFile:
		target := d
		if d.dex != nil {
			target = d.dex
		}
		target.appendDexOffset(offset)
	case DsoElfFile:
		d.typ = DsoDexFile
		d.dex = NewDso(d.ctx, DsoDexFile, d.debugFilePath, d.force64bit)
		d.dex.appendDexOffset(offset)
	default:
	}
}

func (d *Dso) appendDexOffset(offset uint64) {
	i := sort.Search(len(d.dexOffsets), func(i int) bool { return d.dexOffsets[i] >= offset })
	if i < len(d.dexOffsets) && d.dexOffsets[i] == offset {
		return
	}
	d.dexOffsets = append(d.dexOffsets, 0)
	copy(d.dexOffsets[i+1:], d.dexOffsets[i:])
	d.dexOffsets[i] = offset
	d.loaded = false
	if d.dex != nil {
		d.dex.loaded = false
	}
}

// DexFileOffsets returns the recorded embedding offsets; nil for non-DEX
// variants.
func (d *Dso) DexFileOffsets() []uint64 {
	if d.typ != DsoDexFile {
		return nil
	}
	if d.dex != nil {
		return d.dex.dexOffsets
	}
	return d.dexOffsets
}

// FindSymbol loads symbols on first use and then binary-searches for the
// symbol covering vaddr. Unknown-symbol entries added by the caller are
// consulted as a fallback.
func (d *Dso) FindSymbol(vaddr uint64) *Symbol {
	if d.dex != nil {
		return d.dex.FindSymbol(vaddr)
	}
	if !d.loaded {
		d.Load()
	}
	i := sort.Search(len(d.symbols), func(i int) bool { return d.symbols[i].Addr > vaddr })
	if i > 0 {
		s := &d.symbols[i-1]
		if vaddr < s.Addr+s.Len {
			return s
		}
	}
	if s, ok := d.unknownSymbols[vaddr]; ok {
		u := s
		return &u
	}
	return nil
}

// AddUnknownSymbol registers a caller-provided symbol for an address that
// the symbol table cannot resolve.
func (d *Dso) AddUnknownSymbol(vaddr uint64, name string) {
	if d.unknownSymbols == nil {
		d.unknownSymbols = make(map[uint64]Symbol)
	}
	d.unknownSymbols[vaddr] = Symbol{Addr: vaddr, Len: 1, Name: name}
}

// SetSymbols replaces or merges the symbol table; it marks the dso loaded.
// Used by callers carrying their own symbol source and by tests.
func (d *Dso) SetSymbols(symbols []Symbol) {
	d.finishLoad(symbols)
}

// Demangle resolves a symbol's display name under this dso's context.
func (d *Dso) Demangle(s *Symbol) string {
	return s.DemangledName(d.ctx.demangle)
}

// Load reads the symbol table eagerly. FindSymbol calls it on first query;
// calling it again after AddDexFileOffset refreshes DEX symbols.
func (d *Dso) Load() {
	if d.dex != nil {
		d.dex.Load()
		return
	}
	if d.loaded {
		return
	}
	var symbols []Symbol
	sink := func(name string, addr, size uint64) {
		symbols = append(symbols, Symbol{Addr: addr, Len: size, Name: name})
	}

	var err error
	switch d.typ {
	case DsoElfFile, DsoKernelModule:
		err = d.loadElf(sink)
	case DsoKernel:
		err = d.loadKernel(sink)
	case DsoDexFile:
		err = d.loadDex(sink)
	case DsoUnknown:
	}
	if err != nil {
		if errors.Is(err, ErrNoSymbolTable) && d.path == vdsoPath {
			// The vdso rarely carries a symbol table; stay quiet.
		} else {
			log.Warnf("load symbols of %s (%s): %v", d.path, d.debugFilePath, err)
		}
	}
	d.finishLoad(symbols)
}

func (d *Dso) loadElf(sink func(string, uint64, uint64)) error {
	expected := d.ctx.ExpectedBuildIDFor(d.path)
	return ParseElfSymbols(d.debugFilePath, expected, func(s ElfSymbol) {
		if s.IsFunc || (s.IsLabel && s.IsInTextSection) {
			sink(s.Name, s.Vaddr, s.Len)
		}
	})
}

func (d *Dso) loadKernel(sink func(string, uint64, uint64)) error {
	if d.ctx.vmlinux != "" {
		return ParseElfSymbols(d.ctx.vmlinux, d.ctx.ExpectedBuildIDFor(d.path), func(s ElfSymbol) {
			if s.IsFunc {
				sink(s.Name, s.Vaddr, s.Len)
			}
		})
	}
	if d.ctx.kallsyms != "" {
		ParseKallsyms(d.ctx.kallsyms, func(name string, addr uint64) {
			sink(name, addr, 0)
		})
		return nil
	}
	expected := d.ctx.ExpectedBuildIDFor(d.path)
	if d.ctx.readProcKsyms || d.ctx.kernelBuildIDMatches(expected) {
		data, err := readProcKallsyms()
		if err != nil {
			return err
		}
		ParseKallsyms(data, func(name string, addr uint64) {
			sink(name, addr, 0)
		})
	}
	return nil
}

func (d *Dso) loadDex(sink func(string, uint64, uint64)) error {
	return ParseDexSymbols(d.debugFilePath, d.dexOffsets, func(s DexSymbol) {
		sink(s.Name, s.Offset, s.Len)
	})
}

// finishLoad sorts and fixes the fresh symbols, merging with any previous
// load by set union.
func (d *Dso) finishLoad(symbols []Symbol) {
	sortAndFixSymbols(symbols)
	if d.typ == DsoKernel && len(symbols) > 0 {
		// The tail of kernel space belongs to the last symbol.
		last := &symbols[len(symbols)-1]
		last.Len = ^uint64(0) - last.Addr
	}
	if len(d.symbols) > 0 {
		symbols = mergeSortedSymbols(d.symbols, symbols)
	}
	d.symbols = symbols
	d.loaded = true
}

// sortAndFixSymbols stable-sorts by address and patches zero-length
// placeholders from the address of the following symbol.
func sortAndFixSymbols(symbols []Symbol) {
	sort.SliceStable(symbols, func(i, j int) bool { return symbols[i].Addr < symbols[j].Addr })
	for i := range symbols {
		if symbols[i].Len != 0 {
			continue
		}
		if i+1 < len(symbols) && symbols[i+1].Addr > symbols[i].Addr {
			symbols[i].Len = symbols[i+1].Addr - symbols[i].Addr
		}
	}
}

// mergeSortedSymbols unions two sorted tables on (addr, len, name). When
// addresses collide the entry already present wins.
func mergeSortedSymbols(a, b []Symbol) []Symbol {
	out := make([]Symbol, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].Addr < b[j].Addr:
			out = append(out, a[i])
			i++
		case a[i].Addr > b[j].Addr:
			out = append(out, b[j])
			j++
		default:
			// Colliding addresses keep the entry already present.
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

func readProcKallsyms() (string, error) {
	data, err := os.ReadFile("/proc/kallsyms")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
