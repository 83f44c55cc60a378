// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package desc

import (
	"github.com/transparency-dev/armored-witness-caam/phys"
)

// Scatter/gather table entry layout
const (
	SGEntrySize  = 16
	MaxSGEntries = 12

	SGLengthMask = 0x3fffffff
	sgExtension  = 0x80000000
	sgFinal      = 0x40000000
	sgBPIDMask   = 0xff
	sgBPIDShift  = 16
	sgOffsetMask = 0x1fff
)

// SGEntry is one segment of a scatter/gather table.
type SGEntry struct {
	Addr      phys.Addr
	Length    uint32
	Extension bool
	Final     bool
	BPID      uint8
	Offset    uint16
}

// Words encodes the entry, the address high word comes first on big-endian
// engines.
func (e SGEntry) Words(bigEndian bool) (w [4]uint32) {
	if bigEndian {
		w[0], w[1] = e.Addr.High(), e.Addr.Low()
	} else {
		w[0], w[1] = e.Addr.Low(), e.Addr.High()
	}

	w[2] = e.Length & SGLengthMask

	if e.Extension {
		w[2] |= sgExtension
	}

	if e.Final {
		w[2] |= sgFinal
	}

	w[3] = uint32(e.BPID)<<sgBPIDShift | uint32(e.Offset)&sgOffsetMask

	return
}

// ParseSGEntry decodes an entry encoded with Words.
func ParseSGEntry(w [4]uint32, bigEndian bool) (e SGEntry) {
	if bigEndian {
		e.Addr = phys.Join(w[0], w[1])
	} else {
		e.Addr = phys.Join(w[1], w[0])
	}

	e.Length = w[2] & SGLengthMask
	e.Extension = w[2]&sgExtension != 0
	e.Final = w[2]&sgFinal != 0
	e.BPID = uint8(w[3] >> sgBPIDShift & sgBPIDMask)
	e.Offset = uint16(w[3] & sgOffsetMask)

	return
}
