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

// Package perfrecord decodes the perf.data recording format: the file
// header, the feature sections the engine needs (build-id, file layout,
// meta-info) and the record stream.
package perfrecord

import "perfsight/internal/symbolic"

// headerMagic is the on-disk magic of perf.data version 2.
const headerMagic = "PERFILE2"

// perf_file_header from tools/perf/util/header.h.
type fileHeader struct {
	Magic      [8]byte
	Size       uint64
	AttrSize   uint64
	Attrs      fileSection
	Data       fileSection
	EventTypes fileSection
	Features   [4]uint64
}

func (h *fileHeader) hasFeature(f int) bool {
	return h.Features[f/64]&(1<<(uint(f)%64)) != 0
}

func (h *fileHeader) featureCount() int {
	n := 0
	for _, w := range h.Features {
		for ; w != 0; w &= w - 1 {
			n++
		}
	}
	return n
}

// perf_file_section from tools/perf/util/header.h.
type fileSection struct {
	Offset uint64
	Size   uint64
}

// Feature section numbers. Build-id is the standard perf feature; file
// layout and meta-info live in the extended range.
const (
	featureBuildID  = 2
	featureFile     = 128
	featureMetaInfo = 129

	numFeatureBits = 256
)

// SampleFormat is the perf_event_attr.sample_type bitmap deciding the
// layout of sample records and of the sample_id trailer.
type SampleFormat uint64

const (
	SampleFormatIP SampleFormat = 1 << iota
	SampleFormatTID
	SampleFormatTime
	SampleFormatAddr
	SampleFormatRead
	SampleFormatCallchain
	SampleFormatID
	SampleFormatCPU
	SampleFormatPeriod
	SampleFormatStreamID
	SampleFormatRaw
	SampleFormatBranchStack
	SampleFormatRegsUser
	SampleFormatStackUser
	SampleFormatWeight
	SampleFormatDataSrc
	SampleFormatIdentifier
)

// ReadFormat is the perf_event_attr.read_format bitmap.
type ReadFormat uint64

const (
	ReadFormatTotalTimeEnabled ReadFormat = 1 << iota
	ReadFormatTotalTimeRunning
	ReadFormatID
	ReadFormatGroup
)

// eventAttr carries the perf_event_attr fields the reader needs.
type eventAttr struct {
	Type         uint32
	Size         uint32
	Config       uint64
	SamplePeriod uint64
	SampleFormat SampleFormat
	ReadFormat   ReadFormat
	Flags        uint64
}

// attrFlagSampleIDAll says non-sample records end with a sample_id
// trailer.
const attrFlagSampleIDAll = 1 << 18

// RecordType is the perf_event_header type field.
type RecordType uint32

const (
	RecordTypeMmap RecordType = 1 + iota
	RecordTypeLost
	RecordTypeComm
	RecordTypeExit
	RecordTypeThrottle
	RecordTypeUnthrottle
	RecordTypeFork
	RecordTypeRead
	RecordTypeSample
	RecordTypeMmap2
)

// PERF_RECORD_MISC_* bits: the cpu mode mask and the COMM exec flag.
const (
	miscCPUModeMask = 7
	miscKernel      = 1
	miscUser        = 2
	miscCommExec    = 1 << 13
)

// Callchain context markers separating kernel and user frames.
const (
	contextKernel = ^uint64(127)
	contextUser   = ^uint64(511)
	contextMax    = ^uint64(4095)
)

// Record is one entry of the record stream.
type Record interface {
	RecordType() RecordType
}

// SampleCommon carries the sample_id fields shared by every record.
type SampleCommon struct {
	Pid  uint32
	Tid  uint32
	Time uint64
	ID   uint64
	CPU  uint32
}

// MmapRecord reports a new mapping in a process (MMAP and MMAP2 collapse
// into one type; the extra MMAP2 fields are not needed downstream).
type MmapRecord struct {
	SampleCommon
	Addr     uint64
	Len      uint64
	Pgoff    uint64
	Filename string
	InKernel bool
}

func (*MmapRecord) RecordType() RecordType { return RecordTypeMmap }

// CommRecord reports a thread name change. Exec is set when the change
// comes from exec loading a new program image rather than a plain rename.
type CommRecord struct {
	SampleCommon
	Comm string
	Exec bool
}

func (*CommRecord) RecordType() RecordType { return RecordTypeComm }

// ForkRecord reports a new thread or process.
type ForkRecord struct {
	SampleCommon
	Ppid uint32
	Ptid uint32
}

func (*ForkRecord) RecordType() RecordType { return RecordTypeFork }

// ExitRecord reports thread exit.
type ExitRecord struct {
	SampleCommon
	Ppid uint32
	Ptid uint32
}

func (*ExitRecord) RecordType() RecordType { return RecordTypeExit }

// SampleRecord is one PC sample. IPs holds the decoded call chain with
// context markers stripped, or only IP when the record carries no call
// chain; KernelIPCount says how many leading entries are kernel space.
type SampleRecord struct {
	SampleCommon
	IP            uint64
	Addr          uint64
	Period        uint64
	IPs           []uint64
	KernelIPCount int
	InKernel      bool
}

func (*SampleRecord) RecordType() RecordType { return RecordTypeSample }

// UnknownRecord is any record type the engine does not decode; it only
// advances the stream.
type UnknownRecord struct {
	Raw  []byte
	Type RecordType
}

func (r *UnknownRecord) RecordType() RecordType { return r.Type }

// BuildIDRecord pairs a dso path with the build id recorded for it.
type BuildIDRecord struct {
	Pid      uint32
	BuildID  symbolic.BuildID
	Filename string
	InKernel bool
}

// FileSymbol is one pre-resolved symbol stored in the file feature.
type FileSymbol struct {
	Vaddr uint64
	Len   uint64
	Name  string
}

// FileInfo is the per-dso metadata of the file feature section.
type FileInfo struct {
	Path     string
	DsoType  uint32
	MinVaddr uint64
	Symbols  []FileSymbol
}
