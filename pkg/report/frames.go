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
	"strings"

	"perfsight/internal/symbolic"
	"perfsight/internal/threadtree"
)

// artInterpreterSuffix identifies mappings backed by the ART interpreter.
const artInterpreterSuffix = "/libart.so"

// rawFrame is one call chain ip paired with the mapping that covered it.
type rawFrame struct {
	ip uint64
	m  *threadtree.MapEntry
}

func isInterpreterFrame(m *threadtree.MapEntry) bool {
	return strings.HasSuffix(m.Dso.Path(), artInterpreterSuffix)
}

// filterFrames walks the raw chain and, when ART frame suppression is on,
// elides interpreter frames adjacent to DEX frames: a DEX frame pops the
// interpreter frames accumulated right before it and drops the ones right
// after it. The pass is idempotent.
func (r *Reader) filterFrames(tree *threadtree.ThreadTree, thread *threadtree.ThreadEntry, ips []uint64, kernelIPCount int) []rawFrame {
	frames := make([]rawFrame, 0, len(ips))
	nearJava := false
	for i, ip := range ips {
		m := tree.FindMap(thread, ip, i < kernelIPCount)
		if r.suppressArtFrames {
			switch {
			case m.Dso.Type() == symbolic.DsoDexFile:
				nearJava = true
				for len(frames) > 0 && isInterpreterFrame(frames[len(frames)-1].m) {
					frames = frames[:len(frames)-1]
				}
			case isInterpreterFrame(m):
				if nearJava {
					continue
				}
			default:
				nearJava = false
			}
		}
		frames = append(frames, rawFrame{ip: ip, m: m})
	}
	return frames
}

// resolveFrames turns surviving frames into symbol entries. The first
// frame becomes the sample's own ip and symbol, the rest its call chain.
func (r *Reader) resolveFrames(tree *threadtree.ThreadTree, sample *Sample, frames []rawFrame) {
	if len(frames) == 0 {
		return
	}

	// The arena is reused across samples; grow it before taking
	// pointers so they stay valid for the whole sample.
	if cap(r.mappings) < len(frames) {
		r.mappings = make([]Mapping, 0, len(frames))
	} else {
		r.mappings = r.mappings[:0]
	}

	entry := func(f rawFrame) SymbolEntry {
		sym, vaddr := tree.FindSymbol(f.m, f.ip)
		r.mappings = append(r.mappings, Mapping{
			Start: f.m.StartAddr,
			End:   f.m.StartAddr + f.m.Len,
			Pgoff: f.m.Pgoff,
		})
		return SymbolEntry{
			DsoName:     f.m.Dso.Path(),
			VaddrInFile: vaddr,
			SymbolName:  f.m.Dso.Demangle(sym),
			SymbolAddr:  sym.Addr,
			SymbolLen:   sym.Len,
			Mapping:     &r.mappings[len(r.mappings)-1],
		}
	}

	sample.IP = frames[0].ip
	sample.Symbol = entry(frames[0])
	for _, f := range frames[1:] {
		sample.CallChain = append(sample.CallChain, CallChainEntry{IP: f.ip, Symbol: entry(f)})
	}
}
