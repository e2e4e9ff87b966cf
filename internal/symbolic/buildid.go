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
	"bytes"
	"encoding/hex"
)

// BuildIDSize is the stored width of a build id. GNU build ids are at most
// 20 bytes; shorter ids are zero padded on the right.
const BuildIDSize = 20

// BuildID identifies an exact build of a binary. The zero value is the
// empty build id, which compares equal to nothing.
type BuildID struct {
	data [BuildIDSize]byte
	size int
}

// NewBuildID copies up to BuildIDSize bytes of b.
func NewBuildID(b []byte) BuildID {
	var id BuildID
	n := copy(id.data[:], b)
	id.size = n
	return id
}

// ParseBuildID decodes a lowercase or uppercase hex build id.
func ParseBuildID(s string) (BuildID, bool) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) == 0 || len(b) > BuildIDSize {
		return BuildID{}, false
	}
	return NewBuildID(b), true
}

// IsEmpty reports whether the id carries no bytes.
func (id BuildID) IsEmpty() bool {
	return id.size == 0
}

// Equal is bytewise equality. An empty id equals no other id.
func (id BuildID) Equal(other BuildID) bool {
	if id.IsEmpty() || other.IsEmpty() {
		return false
	}
	return bytes.Equal(id.data[:], other.data[:])
}

// Bytes returns the meaningful prefix of the id.
func (id BuildID) Bytes() []byte {
	return id.data[:id.size]
}

func (id BuildID) String() string {
	return hex.EncodeToString(id.data[:id.size])
}
