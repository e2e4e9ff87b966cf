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
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"perfsight/internal/log"
)

// dexHeaderSize is sizeof(struct header_item) in the DEX format.
const dexHeaderSize = 112

const noIndex = 0xffffffff

// DexSymbol is one method reported by ParseDexSymbols. Offset is the file
// offset of the method's bytecode, Len its size in bytes.
type DexSymbol struct {
	Name   string
	Offset uint64
	Len    uint64
}

// dexFile is a read-only view over one DEX embedded at some offset of a
// larger file (a vdex or an APK member).
type dexFile struct {
	data []byte // bytes from the embedding offset to the end of the file
	base uint64 // embedding offset inside the outer file

	stringIDsOff  uint32
	stringIDsSize uint32
	typeIDsOff    uint32
	typeIDsSize   uint32
	methodIDsOff  uint32
	methodIDsSize uint32
	classDefsOff  uint32
	classDefsSize uint32
}

// ParseDexSymbols maps path once and walks the DEX file found at each of
// the given offsets, reporting every method that carries a code item. Any
// header or loader failure aborts the whole parse.
func ParseDexSymbols(path string, offsets []uint64, sink func(DexSymbol)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	size := st.Size()
	if size == 0 {
		return fmt.Errorf("%s is empty: %w", path, ErrMalformed)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", path, err)
	}
	defer unix.Munmap(data)

	for _, off := range offsets {
		dex, err := openDexAt(data, off)
		if err != nil {
			return fmt.Errorf("dex at %#x in %s: %w", off, path, err)
		}
		if err := dex.emitMethods(sink); err != nil {
			return fmt.Errorf("dex at %#x in %s: %w", off, path, err)
		}
	}
	return nil
}

func openDexAt(data []byte, offset uint64) (*dexFile, error) {
	if offset >= uint64(len(data)) || uint64(len(data))-offset < dexHeaderSize {
		return nil, fmt.Errorf("truncated header: %w", ErrMalformed)
	}
	d := data[offset:]
	if string(d[0:4]) != "dex\n" {
		return nil, fmt.Errorf("bad magic: %w", ErrMalformed)
	}
	fileSize := binary.LittleEndian.Uint32(d[32:])
	if offset+uint64(fileSize) > uint64(len(data)) {
		return nil, fmt.Errorf("file size %d exceeds container: %w", fileSize, ErrMalformed)
	}

	return &dexFile{
		data:          d,
		base:          offset,
		stringIDsSize: binary.LittleEndian.Uint32(d[56:]),
		stringIDsOff:  binary.LittleEndian.Uint32(d[60:]),
		typeIDsSize:   binary.LittleEndian.Uint32(d[64:]),
		typeIDsOff:    binary.LittleEndian.Uint32(d[68:]),
		methodIDsSize: binary.LittleEndian.Uint32(d[88:]),
		methodIDsOff:  binary.LittleEndian.Uint32(d[92:]),
		classDefsSize: binary.LittleEndian.Uint32(d[96:]),
		classDefsOff:  binary.LittleEndian.Uint32(d[100:]),
	}, nil
}

func (d *dexFile) emitMethods(sink func(DexSymbol)) error {
	for i := uint32(0); i < d.classDefsSize; i++ {
		// class_def_item is 32 bytes; class_data_off sits at +24.
		defOff := uint64(d.classDefsOff) + uint64(i)*32
		if defOff+32 > uint64(len(d.data)) {
			return fmt.Errorf("class def %d out of range: %w", i, ErrMalformed)
		}
		classIdx := binary.LittleEndian.Uint32(d.data[defOff:])
		classDataOff := binary.LittleEndian.Uint32(d.data[defOff+24:])
		if classDataOff == 0 {
			continue
		}
		if err := d.emitClassMethods(classIdx, classDataOff, sink); err != nil {
			return err
		}
	}
	return nil
}

// emitClassMethods walks one class_data_item: field and method lists are
// uleb128 encoded, method indexes are diffs against the previous entry.
func (d *dexFile) emitClassMethods(classIdx, classDataOff uint32, sink func(DexSymbol)) error {
	r := &ulebReader{data: d.data, pos: uint64(classDataOff)}

	staticFields := r.uleb128()
	instanceFields := r.uleb128()
	directMethods := r.uleb128()
	virtualMethods := r.uleb128()

	for i := uint64(0); i < staticFields+instanceFields; i++ {
		r.uleb128() // field_idx_diff
		r.uleb128() // access_flags
	}

	emitList := func(count uint64) error {
		methodIdx := uint64(0)
		for i := uint64(0); i < count; i++ {
			methodIdx += r.uleb128()
			r.uleb128() // access_flags
			codeOff := r.uleb128()
			if r.err != nil {
				return fmt.Errorf("class data: %w", ErrMalformed)
			}
			if codeOff == 0 {
				continue
			}
			sym, err := d.methodSymbol(uint32(methodIdx), codeOff)
			if err != nil {
				return err
			}
			sink(sym)
		}
		return nil
	}

	if err := emitList(directMethods); err != nil {
		return err
	}
	if err := emitList(virtualMethods); err != nil {
		return err
	}
	if r.err != nil {
		return fmt.Errorf("class data: %w", ErrMalformed)
	}
	return nil
}

func (d *dexFile) methodSymbol(methodIdx uint32, codeOff uint64) (DexSymbol, error) {
	// code_item: 4 u16 fields, debug_info_off u32, insns_size u32 (in
	// 16-bit code units), then the insns array.
	if codeOff+16 > uint64(len(d.data)) {
		return DexSymbol{}, fmt.Errorf("code item out of range: %w", ErrMalformed)
	}
	insnCount := binary.LittleEndian.Uint32(d.data[codeOff+12:])

	name, err := d.prettyMethodName(methodIdx)
	if err != nil {
		return DexSymbol{}, err
	}
	return DexSymbol{
		Name:   name,
		Offset: d.base + codeOff + 16,
		Len:    uint64(insnCount) * 2,
	}, nil
}

// prettyMethodName renders "com.example.Outer$Inner.method" from the
// method's class descriptor and name.
func (d *dexFile) prettyMethodName(methodIdx uint32) (string, error) {
	if methodIdx >= d.methodIDsSize {
		return "", fmt.Errorf("method index %d out of range: %w", methodIdx, ErrMalformed)
	}
	// method_id_item: class_idx u16, proto_idx u16, name_idx u32.
	off := uint64(d.methodIDsOff) + uint64(methodIdx)*8
	if off+8 > uint64(len(d.data)) {
		return "", fmt.Errorf("method id out of range: %w", ErrMalformed)
	}
	classIdx := uint32(binary.LittleEndian.Uint16(d.data[off:]))
	nameIdx := binary.LittleEndian.Uint32(d.data[off+4:])

	desc, err := d.typeDescriptor(classIdx)
	if err != nil {
		return "", err
	}
	name, err := d.stringAt(nameIdx)
	if err != nil {
		return "", err
	}
	return descriptorToDotted(desc) + "." + name, nil
}

func (d *dexFile) typeDescriptor(typeIdx uint32) (string, error) {
	if typeIdx == noIndex || typeIdx >= d.typeIDsSize {
		return "", fmt.Errorf("type index %d out of range: %w", typeIdx, ErrMalformed)
	}
	off := uint64(d.typeIDsOff) + uint64(typeIdx)*4
	if off+4 > uint64(len(d.data)) {
		return "", fmt.Errorf("type id out of range: %w", ErrMalformed)
	}
	return d.stringAt(binary.LittleEndian.Uint32(d.data[off:]))
}

// stringAt reads string_ids[idx]: a u32 offset to a uleb128 utf16 length
// followed by MUTF-8 bytes terminated by NUL.
func (d *dexFile) stringAt(idx uint32) (string, error) {
	if idx >= d.stringIDsSize {
		return "", fmt.Errorf("string index %d out of range: %w", idx, ErrMalformed)
	}
	off := uint64(d.stringIDsOff) + uint64(idx)*4
	if off+4 > uint64(len(d.data)) {
		return "", fmt.Errorf("string id out of range: %w", ErrMalformed)
	}
	dataOff := uint64(binary.LittleEndian.Uint32(d.data[off:]))

	r := &ulebReader{data: d.data, pos: dataOff}
	r.uleb128() // utf16 length, not the byte length
	if r.err != nil {
		return "", fmt.Errorf("string data: %w", ErrMalformed)
	}
	start := r.pos
	for r.pos < uint64(len(d.data)) && d.data[r.pos] != 0 {
		r.pos++
	}
	if r.pos >= uint64(len(d.data)) {
		return "", fmt.Errorf("unterminated string: %w", ErrMalformed)
	}
	return string(d.data[start:r.pos]), nil
}

// descriptorToDotted converts "Lcom/example/Foo;" to "com.example.Foo".
// Non-class descriptors are returned unchanged.
func descriptorToDotted(desc string) string {
	if len(desc) < 3 || desc[0] != 'L' || desc[len(desc)-1] != ';' {
		log.Debugf("unexpected type descriptor %q", desc)
		return desc
	}
	return strings.ReplaceAll(desc[1:len(desc)-1], "/", ".")
}

// ulebReader decodes unsigned LEB128 values with sticky error handling.
type ulebReader struct {
	data []byte
	pos  uint64
	err  error
}

func (r *ulebReader) uleb128() uint64 {
	if r.err != nil {
		return 0
	}
	var v uint64
	var shift uint
	for {
		if r.pos >= uint64(len(r.data)) || shift > 63 {
			r.err = ErrMalformed
			return 0
		}
		b := r.data[r.pos]
		r.pos++
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v
		}
		shift += 7
	}
}
