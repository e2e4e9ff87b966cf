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
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	maxNoteSize        = 1 << 20
	noteTypeGNUBuildID = 3
)

var hostByteOrder = binary.NativeEndian

// ElfSymbol is one entry reported by ParseElfSymbols.
type ElfSymbol struct {
	Name            string
	Vaddr           uint64
	Len             uint64
	IsFunc          bool
	IsLabel         bool
	IsInTextSection bool
}

// openElf opens a plain ELF path or a "container!/entry" path addressing an
// ELF inside an APK. The returned close func releases the underlying file.
func openElf(path string) (*elf.File, func(), error) {
	if apk, entry, ok := SplitAPKPath(path); ok {
		data, err := readAPKEntry(apk, entry)
		if err != nil {
			return nil, nil, err
		}
		f, err := elf.NewFile(bytes.NewReader(data))
		if err != nil {
			return nil, nil, fmt.Errorf("parse %s: %w", path, ErrMalformed)
		}
		return f, func() {}, nil
	}

	osf, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := elf.NewFile(osf)
	if err != nil {
		osf.Close()
		return nil, nil, fmt.Errorf("parse %s: %w", path, ErrMalformed)
	}
	return f, func() { osf.Close() }, nil
}

// ReadBuildID reads the NT_GNU_BUILD_ID note of an ELF file. path may be a
// plain file or a "container!/entry" APK member.
func ReadBuildID(path string) (BuildID, error) {
	f, closef, err := openElf(path)
	if err != nil {
		return BuildID{}, err
	}
	defer closef()
	return readBuildIDFromElf(f, path)
}

func readBuildIDFromElf(f *elf.File, path string) (BuildID, error) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_NOTE {
			continue
		}
		align := int(p.Align)
		if align == 0 {
			align = 4
		}
		if id, found, err := findBuildIDNote(p.Open(), align, f.ByteOrder); err != nil {
			return BuildID{}, fmt.Errorf("notes of %s: %w", path, ErrMalformed)
		} else if found {
			return id, nil
		}
	}
	for _, s := range f.Sections {
		if s.Type != elf.SHT_NOTE {
			continue
		}
		align := int(s.Addralign)
		if align == 0 {
			align = 4
		}
		if id, found, err := findBuildIDNote(s.Open(), align, f.ByteOrder); err != nil {
			return BuildID{}, fmt.Errorf("notes of %s: %w", path, ErrMalformed)
		} else if found {
			return id, nil
		}
	}
	return BuildID{}, fmt.Errorf("%s: %w", path, ErrNoBuildID)
}

// findBuildIDNote scans one SHT_NOTE section or PT_NOTE segment for a
// "GNU" note of type NT_GNU_BUILD_ID.
func findBuildIDNote(reader io.Reader, align int, order binary.ByteOrder) (BuildID, bool, error) {
	r := bufio.NewReader(reader)

	padding := func(size int) int {
		return ((size + (align - 1)) &^ (align - 1)) - size
	}
	skip := func(n int) error {
		for ; n > 0; n-- {
			if _, err := r.ReadByte(); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		var hdr [12]byte
		if _, err := io.ReadFull(r, hdr[:]); err == io.EOF {
			return BuildID{}, false, nil
		} else if err != nil {
			return BuildID{}, false, err
		}
		namesz := order.Uint32(hdr[0:4])
		descsz := order.Uint32(hdr[4:8])
		typ := order.Uint32(hdr[8:12])
		if namesz > maxNoteSize || descsz > maxNoteSize {
			return BuildID{}, false, errors.New("note too large")
		}

		var name string
		if namesz > 0 {
			// name is null terminated; sizes in the wild disagree on
			// whether namesz counts the terminator.
			s, err := r.ReadString('\x00')
			if err != nil {
				return BuildID{}, false, err
			}
			namesz = uint32(len(s))
			name = s[:len(s)-1]
		}
		if err := skip(padding(len(hdr) + int(namesz))); err != nil {
			return BuildID{}, false, err
		}

		desc := make([]byte, descsz)
		if _, err := io.ReadFull(r, desc); err != nil {
			return BuildID{}, false, err
		}
		if name == "GNU" && typ == noteTypeGNUBuildID {
			return NewBuildID(desc), true, nil
		}

		// Padding up to the next note may be cut short at the end of the
		// section.
		for n := padding(len(desc)); n > 0; n-- {
			if _, err := r.ReadByte(); err == io.EOF {
				break
			} else if err != nil {
				return BuildID{}, false, err
			}
		}
	}
}

// checkElfBuildID verifies the file against an expected build id. An empty
// expectation always passes.
func checkElfBuildID(f *elf.File, path string, expected BuildID) error {
	if expected.IsEmpty() {
		return nil
	}
	id, err := readBuildIDFromElf(f, path)
	if err != nil {
		return err
	}
	if !id.Equal(expected) {
		return fmt.Errorf("%s: expected %s, got %s: %w", path, expected, id, ErrBuildIDMismatch)
	}
	return nil
}

// ReadMinExecutableVaddr returns the lowest p_vaddr among executable LOAD
// segments, or 0 when the file has none.
func ReadMinExecutableVaddr(path string, expected BuildID) (uint64, error) {
	f, closef, err := openElf(path)
	if err != nil {
		return 0, err
	}
	defer closef()

	if err := checkElfBuildID(f, path, expected); err != nil {
		return 0, err
	}

	minVaddr := ^uint64(0)
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Flags&elf.PF_X != 0 && p.Vaddr < minVaddr {
			minVaddr = p.Vaddr
		}
	}
	if minVaddr == ^uint64(0) {
		return 0, nil
	}
	return minVaddr, nil
}

// ParseElfSymbols walks .symtab, or .dynsym when no .symtab exists, and
// reports every STT_FUNC symbol plus every STT_NOTYPE symbol that lives in
// the text section.
func ParseElfSymbols(path string, expected BuildID, sink func(ElfSymbol)) error {
	f, closef, err := openElf(path)
	if err != nil {
		return err
	}
	defer closef()

	if err := checkElfBuildID(f, path, expected); err != nil {
		return err
	}

	textIndex := elf.SectionIndex(0)
	for i, s := range f.Sections {
		if s.Name == ".text" {
			textIndex = elf.SectionIndex(i)
			break
		}
	}

	syms, err := f.Symbols()
	if err != nil {
		syms, err = f.DynamicSymbols()
		if err != nil {
			return fmt.Errorf("%s: %w", path, ErrNoSymbolTable)
		}
	}

	for _, sym := range syms {
		typ := elf.ST_TYPE(sym.Info)
		inText := textIndex != 0 && sym.Section == textIndex
		isFunc := typ == elf.STT_FUNC
		isLabel := typ == elf.STT_NOTYPE && inText
		if !isFunc && !isLabel {
			continue
		}
		if sym.Name == "" {
			continue
		}
		sink(ElfSymbol{
			Name:            sym.Name,
			Vaddr:           sym.Value,
			Len:             sym.Size,
			IsFunc:          isFunc,
			IsLabel:         isLabel,
			IsInTextSection: inText,
		})
	}
	return nil
}
