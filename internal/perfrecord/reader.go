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

package perfrecord

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
	"os"

	"perfsight/internal/log"
	"perfsight/internal/symbolic"
)

// FileReader reads one perf.data file: header and features at open time,
// records on demand.
type FileReader struct {
	r     io.ReaderAt
	size  int64
	close func() error

	attr        eventAttr
	sampleIDAll bool

	buildIDs []BuildIDRecord
	files    []FileInfo
	meta     map[string]string

	dataPos uint64
	dataEnd uint64
}

// Open opens a perf.data file from disk.
func Open(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	r, err := NewReader(f, st.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	r.close = f.Close
	return r, nil
}

// NewReader reads a perf.data image from memory or any random-access
// source.
func NewReader(ra io.ReaderAt, size int64) (*FileReader, error) {
	r := &FileReader{r: ra, size: size, meta: make(map[string]string)}

	var hdr fileHeader
	sr := io.NewSectionReader(ra, 0, size)
	if err := binary.Read(sr, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("perf.data header: %w", err)
	}
	if string(hdr.Magic[:]) != headerMagic {
		return nil, fmt.Errorf("bad perf.data magic %q", hdr.Magic)
	}

	if err := r.readAttrs(&hdr); err != nil {
		return nil, err
	}
	if err := r.readFeatures(&hdr); err != nil {
		return nil, err
	}

	r.dataPos = hdr.Data.Offset
	r.dataEnd = hdr.Data.Offset + hdr.Data.Size
	return r, nil
}

// Close releases the underlying file, when there is one.
func (r *FileReader) Close() error {
	if r.close != nil {
		return r.close()
	}
	return nil
}

// Meta returns the meta-info key/value section (empty map when absent).
func (r *FileReader) Meta() map[string]string { return r.meta }

// BuildIDs returns the recorded dso path to build id pairs.
func (r *FileReader) BuildIDs() []BuildIDRecord { return r.buildIDs }

// Files returns the per-dso file feature entries.
func (r *FileReader) Files() []FileInfo { return r.files }

func (r *FileReader) readAttrs(hdr *fileHeader) error {
	if hdr.Attrs.Size == 0 || hdr.AttrSize == 0 {
		return fmt.Errorf("perf.data has no event attrs")
	}
	// Only the first attr matters: every event of one recording shares
	// the sample format bits the reader depends on.
	buf := make([]byte, hdr.AttrSize)
	if _, err := r.r.ReadAt(buf, int64(hdr.Attrs.Offset)); err != nil {
		return fmt.Errorf("perf.data attrs: %w", err)
	}
	c := newCursor(buf)
	r.attr.Type = c.u32()
	r.attr.Size = c.u32()
	r.attr.Config = c.u64()
	r.attr.SamplePeriod = c.u64()
	r.attr.SampleFormat = SampleFormat(c.u64())
	r.attr.ReadFormat = ReadFormat(c.u64())
	r.attr.Flags = c.u64()
	if c.err != nil {
		return fmt.Errorf("perf.data attrs: %w", c.err)
	}
	r.sampleIDAll = r.attr.Flags&attrFlagSampleIDAll != 0
	return nil
}

// readFeatures walks the feature section table that follows the data
// section: one fileSection per set feature bit, ascending.
func (r *FileReader) readFeatures(hdr *fileHeader) error {
	count := hdr.featureCount()
	if count == 0 {
		return nil
	}
	sections := make([]fileSection, count)
	sr := io.NewSectionReader(r.r, int64(hdr.Data.Offset+hdr.Data.Size), r.size)
	if err := binary.Read(sr, binary.LittleEndian, sections); err != nil {
		return fmt.Errorf("perf.data feature sections: %w", err)
	}

	i := 0
	for bit := 0; bit < numFeatureBits; bit++ {
		if !hdr.hasFeature(bit) {
			continue
		}
		sec := sections[i]
		i++
		data := make([]byte, sec.Size)
		if _, err := r.r.ReadAt(data, int64(sec.Offset)); err != nil {
			return fmt.Errorf("perf.data feature %d: %w", bit, err)
		}
		switch bit {
		case featureBuildID:
			r.parseBuildIDFeature(data)
		case featureFile:
			r.parseFileFeature(data)
		case featureMetaInfo:
			r.parseMetaInfoFeature(data)
		}
	}
	return nil
}

// parseBuildIDFeature decodes a sequence of build_id_event entries:
// perf_event_header, pid, 20-byte id padded to 24, filename.
func (r *FileReader) parseBuildIDFeature(data []byte) {
	c := newCursor(data)
	for c.remaining() >= 8 {
		start := c.pos
		c.u32() // header type
		c.u16() // misc
		size := uint64(c.u16())
		if size < 8 || start+size > uint64(len(data)) {
			log.Warnf("truncated build id entry, ignoring the rest")
			return
		}
		body := newCursor(data[start+8 : start+size])
		pid := body.u32()
		id := make([]byte, symbolic.BuildIDSize)
		body.bytes(id)
		body.skip(4) // build id storage is padded to 24 bytes
		name := body.cstring()
		if body.err != nil {
			log.Warnf("malformed build id entry, ignoring the rest")
			return
		}
		r.buildIDs = append(r.buildIDs, BuildIDRecord{
			Pid:      pid,
			BuildID:  symbolic.NewBuildID(id),
			Filename: name,
			InKernel: pid == ^uint32(0),
		})
		c.pos = start + size
	}
}

// parseFileFeature decodes per-dso entries: u32 entry size, path, dso
// type, min vaddr and a pre-resolved symbol list.
func (r *FileReader) parseFileFeature(data []byte) {
	c := newCursor(data)
	for c.remaining() >= 4 {
		size := uint64(c.u32())
		if size == 0 || c.pos+size > uint64(len(data)) {
			log.Warnf("truncated file feature entry, ignoring the rest")
			return
		}
		body := newCursor(data[c.pos : c.pos+size])
		c.pos += size

		var fi FileInfo
		fi.Path = body.cstring()
		fi.DsoType = body.u32()
		fi.MinVaddr = body.u64()
		count := body.u32()
		for i := uint32(0); i < count && body.err == nil; i++ {
			var s FileSymbol
			s.Vaddr = body.u64()
			s.Len = uint64(body.u32())
			s.Name = body.cstring()
			fi.Symbols = append(fi.Symbols, s)
		}
		if body.err != nil {
			log.Warnf("malformed file feature entry for %q, ignoring the rest", fi.Path)
			return
		}
		r.files = append(r.files, fi)
	}
}

// parseMetaInfoFeature decodes NUL separated key/value pairs.
func (r *FileReader) parseMetaInfoFeature(data []byte) {
	c := newCursor(data)
	for c.remaining() > 0 {
		key := c.cstring()
		value := c.cstring()
		if c.err != nil {
			return
		}
		r.meta[key] = value
	}
}

// Next returns the next record, io.EOF at the end of the data section.
func (r *FileReader) Next() (Record, error) {
	if r.dataPos+8 > r.dataEnd {
		return nil, io.EOF
	}
	var hdr [8]byte
	if _, err := r.r.ReadAt(hdr[:], int64(r.dataPos)); err != nil {
		return nil, err
	}
	typ := RecordType(binary.LittleEndian.Uint32(hdr[0:4]))
	misc := binary.LittleEndian.Uint16(hdr[4:6])
	size := uint64(binary.LittleEndian.Uint16(hdr[6:8]))
	if size < 8 || r.dataPos+size > r.dataEnd {
		return nil, fmt.Errorf("record of size %d at %#x overruns data section", size, r.dataPos)
	}
	payload := make([]byte, size-8)
	if _, err := r.r.ReadAt(payload, int64(r.dataPos)+8); err != nil {
		return nil, err
	}
	r.dataPos += size

	rec, err := r.decode(typ, misc, payload)
	if err != nil {
		return nil, fmt.Errorf("record type %d at %#x: %w", typ, r.dataPos-size, err)
	}
	return rec, nil
}

func (r *FileReader) decode(typ RecordType, misc uint16, payload []byte) (Record, error) {
	inKernel := misc&miscCPUModeMask == miscKernel
	switch typ {
	case RecordTypeMmap:
		c := newCursor(payload)
		rec := &MmapRecord{InKernel: inKernel}
		rec.Pid = c.u32()
		rec.Tid = c.u32()
		rec.Addr = c.u64()
		rec.Len = c.u64()
		rec.Pgoff = c.u64()
		rec.Filename = c.cstring()
		r.parseTrailer(payload, &rec.SampleCommon)
		return rec, c.err
	case RecordTypeMmap2:
		c := newCursor(payload)
		rec := &MmapRecord{InKernel: inKernel}
		rec.Pid = c.u32()
		rec.Tid = c.u32()
		rec.Addr = c.u64()
		rec.Len = c.u64()
		rec.Pgoff = c.u64()
		c.skip(32) // maj, min, ino, ino_generation, prot, flags
		rec.Filename = c.cstring()
		r.parseTrailer(payload, &rec.SampleCommon)
		return rec, c.err
	case RecordTypeComm:
		c := newCursor(payload)
		rec := &CommRecord{Exec: misc&miscCommExec != 0}
		rec.Pid = c.u32()
		rec.Tid = c.u32()
		rec.Comm = c.cstring()
		r.parseTrailer(payload, &rec.SampleCommon)
		return rec, c.err
	case RecordTypeFork, RecordTypeExit:
		c := newCursor(payload)
		var common SampleCommon
		pid := c.u32()
		ppid := c.u32()
		tid := c.u32()
		ptid := c.u32()
		t := c.u64()
		common.Pid, common.Tid, common.Time = pid, tid, t
		r.parseTrailer(payload, &common)
		if typ == RecordTypeFork {
			return &ForkRecord{SampleCommon: common, Ppid: ppid, Ptid: ptid}, c.err
		}
		return &ExitRecord{SampleCommon: common, Ppid: ppid, Ptid: ptid}, c.err
	case RecordTypeSample:
		return r.decodeSample(payload, inKernel)
	default:
		return &UnknownRecord{Raw: payload, Type: typ}, nil
	}
}

// parseTrailer fills the sample_id trailer of a non-sample record when
// the recording carries one.
func (r *FileReader) parseTrailer(payload []byte, common *SampleCommon) {
	if !r.sampleIDAll {
		return
	}
	f := r.attr.SampleFormat
	size := 0
	for _, bit := range []SampleFormat{SampleFormatTID, SampleFormatTime, SampleFormatID, SampleFormatStreamID, SampleFormatCPU, SampleFormatIdentifier} {
		if f&bit != 0 {
			size += 8
		}
	}
	if size == 0 || size > len(payload) {
		return
	}
	c := newCursor(payload[len(payload)-size:])
	if f&SampleFormatTID != 0 {
		common.Pid = c.u32()
		common.Tid = c.u32()
	}
	if f&SampleFormatTime != 0 {
		common.Time = c.u64()
	}
	if f&SampleFormatID != 0 {
		common.ID = c.u64()
	}
	if f&SampleFormatStreamID != 0 {
		c.u64()
	}
	if f&SampleFormatCPU != 0 {
		common.CPU = c.u32()
		c.u32()
	}
}

func (r *FileReader) decodeSample(payload []byte, inKernel bool) (*SampleRecord, error) {
	f := r.attr.SampleFormat
	c := newCursor(payload)
	rec := &SampleRecord{InKernel: inKernel}

	if f&SampleFormatIdentifier != 0 {
		rec.ID = c.u64()
	}
	if f&SampleFormatIP != 0 {
		rec.IP = c.u64()
	}
	if f&SampleFormatTID != 0 {
		rec.Pid = c.u32()
		rec.Tid = c.u32()
	}
	if f&SampleFormatTime != 0 {
		rec.Time = c.u64()
	}
	if f&SampleFormatAddr != 0 {
		rec.Addr = c.u64()
	}
	if f&SampleFormatID != 0 {
		rec.ID = c.u64()
	}
	if f&SampleFormatStreamID != 0 {
		c.u64()
	}
	if f&SampleFormatCPU != 0 {
		rec.CPU = c.u32()
		c.u32()
	}
	if f&SampleFormatPeriod != 0 {
		rec.Period = c.u64()
	}
	if f&SampleFormatRead != 0 {
		c.skip(r.readFormatSize(c))
	}
	if f&SampleFormatCallchain != 0 {
		nr := c.u64()
		if nr > uint64(c.remaining())/8 {
			return nil, fmt.Errorf("callchain of %d entries overruns record", nr)
		}
		rec.IPs, rec.KernelIPCount = decodeCallchain(c, nr, inKernel)
	}
	if c.err != nil {
		return nil, c.err
	}
	if len(rec.IPs) == 0 {
		rec.IPs = []uint64{rec.IP}
		if inKernel {
			rec.KernelIPCount = 1
		}
	}
	return rec, nil
}

// decodeCallchain strips PERF_CONTEXT markers and counts the leading
// kernel frames.
func decodeCallchain(c *cursor, nr uint64, inKernel bool) (ips []uint64, kernelCount int) {
	kernelContext := inKernel
	sawUser := false
	for i := uint64(0); i < nr; i++ {
		v := c.u64()
		if v >= contextMax {
			switch v {
			case contextUser:
				kernelContext = false
			case contextKernel:
				kernelContext = true
			}
			continue
		}
		ips = append(ips, v)
		if kernelContext && !sawUser {
			kernelCount++
		} else {
			sawUser = true
		}
	}
	return ips, kernelCount
}

// readFormatSize computes the byte size of the read_format blob of one
// sample.
func (r *FileReader) readFormatSize(c *cursor) int {
	rf := r.attr.ReadFormat
	if rf&ReadFormatGroup == 0 {
		n := 1 // value
		n += bits.OnesCount64(uint64(rf & (ReadFormatTotalTimeEnabled | ReadFormatTotalTimeRunning | ReadFormatID)))
		return n * 8
	}
	// nr, optional times, then nr * (value [+ id]) entries.
	nr := c.peekU64()
	n := 1 + bits.OnesCount64(uint64(rf&(ReadFormatTotalTimeEnabled|ReadFormatTotalTimeRunning)))
	per := 1
	if rf&ReadFormatID != 0 {
		per = 2
	}
	return (n + int(nr)*per) * 8
}

// cursor walks a byte slice little-endian with a sticky error.
type cursor struct {
	data []byte
	pos  uint64
	err  error
}

func newCursor(data []byte) *cursor {
	return &cursor{data: data}
}

func (c *cursor) remaining() int {
	if c.pos >= uint64(len(c.data)) {
		return 0
	}
	return len(c.data) - int(c.pos)
}

func (c *cursor) fail() {
	if c.err == nil {
		c.err = io.ErrUnexpectedEOF
	}
}

func (c *cursor) u16() uint16 {
	if c.remaining() < 2 {
		c.fail()
		return 0
	}
	v := binary.LittleEndian.Uint16(c.data[c.pos:])
	c.pos += 2
	return v
}

func (c *cursor) u32() uint32 {
	if c.remaining() < 4 {
		c.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(c.data[c.pos:])
	c.pos += 4
	return v
}

func (c *cursor) u64() uint64 {
	if c.remaining() < 8 {
		c.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(c.data[c.pos:])
	c.pos += 8
	return v
}

func (c *cursor) peekU64() uint64 {
	if c.remaining() < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(c.data[c.pos:])
}

func (c *cursor) bytes(out []byte) {
	if c.remaining() < len(out) {
		c.fail()
		return
	}
	copy(out, c.data[c.pos:])
	c.pos += uint64(len(out))
}

func (c *cursor) skip(n int) {
	if n < 0 || c.remaining() < n {
		c.fail()
		return
	}
	c.pos += uint64(n)
}

// cstring reads a NUL terminated string, tolerating alignment padding
// after it.
func (c *cursor) cstring() string {
	start := c.pos
	for c.pos < uint64(len(c.data)) {
		if c.data[c.pos] == 0 {
			s := string(c.data[start:c.pos])
			c.pos++
			return s
		}
		c.pos++
	}
	c.fail()
	return ""
}
