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

package report

import (
	"io"

	"perfsight/internal/log"
	"perfsight/internal/perfrecord"
	"perfsight/internal/symbolic"
	"perfsight/internal/threadtree"
)

// RecordSource supplies the decoded contents of one recording. The file
// reader in internal/perfrecord is the production implementation; tests
// substitute in-memory sources.
type RecordSource interface {
	Meta() map[string]string
	BuildIDs() []perfrecord.BuildIDRecord
	Files() []perfrecord.FileInfo
	Next() (perfrecord.Record, error)
}

// Reader pulls records from a recording and emits enriched samples. It is
// single threaded; one goroutine pulls samples sequentially.
type Reader struct {
	ctx    *symbolic.Context
	source RecordSource
	tree   *threadtree.ThreadTree

	opened        bool
	traceOffcpu   bool
	eventTypeInfo string

	suppressArtFrames bool

	// nextSampleCache defers each sample by one on its tid so off-cpu
	// recordings can report time-until-next-sample as the period.
	nextSampleCache map[uint32]*perfrecord.SampleRecord

	mappings []Mapping
}

// NewReader opens a recording file.
func NewReader(ctx *symbolic.Context, path string) (*Reader, error) {
	src, err := perfrecord.Open(path)
	if err != nil {
		return nil, err
	}
	return NewReaderFromSource(ctx, src), nil
}

// NewReaderFromSource wraps an already opened record source.
func NewReaderFromSource(ctx *symbolic.Context, source RecordSource) *Reader {
	return &Reader{
		ctx:             ctx,
		source:          source,
		tree:            threadtree.New(ctx),
		nextSampleCache: make(map[uint32]*perfrecord.SampleRecord),
	}
}

// SetSuppressArtFrames elides ART interpreter frames adjacent to DEX
// frames in emitted call chains.
func (r *Reader) SetSuppressArtFrames(enable bool) {
	r.suppressArtFrames = enable
}

// EventTypeInfo returns the recorded event type description, available
// after the first NextSample call.
func (r *Reader) EventTypeInfo() string { return r.eventTypeInfo }

// TraceOffcpu reports whether the recording traced off-cpu time,
// available after the first NextSample call.
func (r *Reader) TraceOffcpu() bool { return r.traceOffcpu }

// ThreadTree exposes the process view built up so far.
func (r *Reader) ThreadTree() *threadtree.ThreadTree { return r.tree }

// open consumes the recording's features: build ids, pre-resolved file
// symbols and the meta-info section.
func (r *Reader) open() {
	meta := r.source.Meta()
	r.traceOffcpu = meta["trace_offcpu"] == "true" || meta["trace_offcpu"] == "1"
	r.eventTypeInfo = meta["event_type_info"]

	ids := make(map[string]symbolic.BuildID)
	for _, b := range r.source.BuildIDs() {
		ids[b.Filename] = b.BuildID
	}
	r.ctx.SetBuildIDs(ids)

	for _, f := range r.source.Files() {
		symbols := make([]symbolic.Symbol, 0, len(f.Symbols))
		for _, s := range f.Symbols {
			symbols = append(symbols, symbolic.Symbol{Addr: s.Vaddr, Len: s.Len, Name: s.Name})
		}
		r.tree.SeedDsoSymbols(symbolic.DsoType(f.DsoType), f.Path, f.MinVaddr, symbols)
	}
	r.opened = true
}

// NextSample returns the next enriched sample, io.EOF at the end of the
// recording. Non-sample records only advance the process view and never
// surface.
func (r *Reader) NextSample() (*Sample, error) {
	if !r.opened {
		r.open()
	}
	for {
		rec, err := r.source.Next()
		if err == io.EOF {
			// Under trace_offcpu the cached last sample per tid has no
			// successor to compute a duration from; it is never emitted.
			return nil, io.EOF
		}
		if err != nil {
			log.Errorf("read record: %v", err)
			return nil, err
		}
		r.tree.Update(rec)

		sample, ok := rec.(*perfrecord.SampleRecord)
		if !ok {
			continue
		}
		if !r.traceOffcpu {
			return r.enrich(sample, sample.Period), nil
		}

		cached, ok := r.nextSampleCache[sample.Tid]
		r.nextSampleCache[sample.Tid] = sample
		if !ok {
			continue
		}
		// The cached sample's weight is the time until this one, kept
		// strictly positive.
		period := max(sample.Time, cached.Time+1) - cached.Time
		return r.enrich(cached, period), nil
	}
}

func (r *Reader) enrich(rec *perfrecord.SampleRecord, period uint64) *Sample {
	thread := r.tree.FindThreadOrNew(rec.Pid, rec.Tid)
	sample := &Sample{
		IP:         rec.IP,
		Pid:        rec.Pid,
		Tid:        rec.Tid,
		ThreadComm: thread.Comm,
		Time:       rec.Time,
		InKernel:   rec.InKernel,
		CPU:        rec.CPU,
		Period:     period,
	}
	frames := r.filterFrames(r.tree, thread, rec.IPs, rec.KernelIPCount)
	r.resolveFrames(r.tree, sample, frames)
	return sample
}
