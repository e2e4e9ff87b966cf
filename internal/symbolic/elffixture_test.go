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
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// testElfSym describes one .symtab entry of a fixture ELF.
type testElfSym struct {
	name   string
	value  uint64
	size   uint64
	typ    byte // STT_FUNC = 2, STT_NOTYPE = 0
	inText bool
}

// elfWriter appends little-endian fields to a buffer.
type elfWriter struct {
	buf []byte
}

func (w *elfWriter) u16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *elfWriter) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *elfWriter) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *elfWriter) bytes(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *elfWriter) zeros(n int) {
	w.buf = append(w.buf, make([]byte, n)...)
}

// buildTestElf assembles a minimal ELF64 shared object: a GNU build-id
// note, an executable LOAD segment at textVaddr, a .text section and,
// optionally, a .symtab.
func buildTestElf(buildID []byte, textVaddr uint64, syms []testElfSym, withSymtab bool) []byte {
	const (
		ehsize    = 64
		phentsize = 56
		shentsize = 64
		phnum     = 2
		textSize  = 0x100
	)

	// build-id desc padded to 4 bytes.
	desc := append([]byte(nil), buildID...)
	for len(desc)%4 != 0 {
		desc = append(desc, 0)
	}
	noteSize := 12 + 4 + len(desc) // header + "GNU\x00" + desc

	shnum := 4 // null, .text, .note, .shstrtab
	if withSymtab {
		shnum = 6 // + .symtab, .strtab
	}

	phoff := uint64(ehsize)
	noteOff := phoff + phnum*phentsize
	textOff := noteOff + uint64(noteSize)
	symOff := textOff + textSize
	symSize := uint64(0)
	if withSymtab {
		symSize = uint64(1+len(syms)) * 24
	}
	strOff := symOff + symSize

	// .strtab: leading NUL then the symbol names.
	var strtab []byte
	strtab = append(strtab, 0)
	nameOff := make([]uint32, len(syms))
	for i, s := range syms {
		nameOff[i] = uint32(len(strtab))
		strtab = append(strtab, s.name...)
		strtab = append(strtab, 0)
	}

	// .shstrtab section names.
	var shstrtab []byte
	shstrtab = append(shstrtab, 0)
	addName := func(name string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, name...)
		shstrtab = append(shstrtab, 0)
		return off
	}
	nText := addName(".text")
	nNote := addName(".note.gnu.build-id")
	var nSymtab, nStrtab uint32
	if withSymtab {
		nSymtab = addName(".symtab")
		nStrtab = addName(".strtab")
	}
	nShstrtab := addName(".shstrtab")

	shstrOff := strOff + uint64(len(strtab))
	shoff := shstrOff + uint64(len(shstrtab))
	shoff = (shoff + 7) &^ 7

	w := &elfWriter{}

	// ELF header.
	w.bytes([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	w.zeros(8)
	w.u16(3)  // ET_DYN
	w.u16(62) // EM_X86_64
	w.u32(1)
	w.u64(0)
	w.u64(phoff)
	w.u64(shoff)
	w.u32(0)
	w.u16(ehsize)
	w.u16(phentsize)
	w.u16(phnum)
	w.u16(shentsize)
	w.u16(uint16(shnum))
	w.u16(uint16(shnum - 1)) // .shstrtab index

	// PT_NOTE.
	w.u32(4)
	w.u32(4) // PF_R
	w.u64(noteOff)
	w.u64(noteOff)
	w.u64(noteOff)
	w.u64(uint64(noteSize))
	w.u64(uint64(noteSize))
	w.u64(4)

	// PT_LOAD, executable, at textVaddr.
	w.u32(1)
	w.u32(5) // PF_R | PF_X
	w.u64(textOff)
	w.u64(textVaddr)
	w.u64(textVaddr)
	w.u64(textSize)
	w.u64(textSize)
	w.u64(0x1000)

	// Note payload.
	w.u32(4)
	w.u32(uint32(len(desc)))
	w.u32(3) // NT_GNU_BUILD_ID
	w.bytes([]byte("GNU\x00"))
	w.bytes(desc)

	// .text payload.
	w.zeros(textSize)

	// .symtab payload: null entry then the fixture symbols.
	if withSymtab {
		w.zeros(24)
		for i, s := range syms {
			shndx := uint16(0)
			if s.inText {
				shndx = 1
			}
			w.u32(nameOff[i])
			w.buf = append(w.buf, 0x10|s.typ) // STB_GLOBAL binding
			w.buf = append(w.buf, 0)
			w.u16(shndx)
			w.u64(s.value)
			w.u64(s.size)
		}
		w.bytes(strtab)
	} else {
		w.bytes(strtab)
	}
	w.bytes(shstrtab)
	for uint64(len(w.buf)) < shoff {
		w.buf = append(w.buf, 0)
	}

	shdr := func(name, typ uint32, flags, addr, off, size uint64, link, info uint32, align, entsize uint64) {
		w.u32(name)
		w.u32(typ)
		w.u64(flags)
		w.u64(addr)
		w.u64(off)
		w.u64(size)
		w.u32(link)
		w.u32(info)
		w.u64(align)
		w.u64(entsize)
	}

	shdr(0, 0, 0, 0, 0, 0, 0, 0, 0, 0)
	shdr(nText, 1, 2|4, textVaddr, textOff, textSize, 0, 0, 16, 0)
	shdr(nNote, 7, 2, noteOff, noteOff, uint64(noteSize), 0, 0, 4, 0)
	if withSymtab {
		shdr(nSymtab, 2, 0, 0, symOff, symSize, 4, 1, 8, 24)
		shdr(nStrtab, 3, 0, 0, strOff, uint64(len(strtab)), 0, 0, 1, 0)
	}
	shdr(nShstrtab, 3, 0, 0, shstrOff, uint64(len(shstrtab)), 0, 0, 1, 0)

	return w.buf
}

// writeTestElf drops a fixture ELF into dir and returns its path.
func writeTestElf(t *testing.T, dir, name string, buildID []byte, textVaddr uint64, syms []testElfSym) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, buildTestElf(buildID, textVaddr, syms, true), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
