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

// Package phys represents physical addresses handed to the SEC engine over
// DMA.
//
// Physical and virtual address spaces are identical on the supported SoCs,
// conversions to and from Go memory are performed by the mem package against
// the DMA region owning the buffer.
package phys

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when an address does not fit the configured
// pointer width.
var ErrOutOfRange = errors.New("physical address out of range")

// Addr is a physical bus address.
type Addr uint64

// High returns the upper 32 bits of the address.
func (a Addr) High() uint32 {
	return uint32(a >> 32)
}

// Low returns the lower 32 bits of the address.
func (a Addr) Low() uint32 {
	return uint32(a)
}

// Add returns the address offset by off bytes.
func (a Addr) Add(off int) Addr {
	return a + Addr(off)
}

func (a Addr) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Join builds an address from its 32-bit halves.
func Join(hi, lo uint32) Addr {
	return Addr(hi)<<32 | Addr(lo)
}

// Width is the number of 32-bit descriptor words used to encode a pointer.
type Width int

const (
	Width32 Width = 1
	Width64 Width = 2
)

// Words returns the number of 32-bit words for a pointer.
func (w Width) Words() int {
	return int(w)
}

// Bytes returns the pointer size in bytes.
func (w Width) Bytes() int {
	return int(w) * 4
}

// Valid reports whether w is a supported pointer width.
func (w Width) Valid() bool {
	return w == Width32 || w == Width64
}

func (w Width) String() string {
	return fmt.Sprintf("%d-bit", w.Bytes()*8)
}

// Split encodes an address as descriptor words. 64-bit pointers are emitted
// high half first on big-endian platforms and low half first otherwise.
func Split(a Addr, w Width, bigEndian bool) ([]uint32, error) {
	switch w {
	case Width32:
		if a.High() != 0 {
			return nil, fmt.Errorf("%w: %v in %v pointer", ErrOutOfRange, a, w)
		}

		return []uint32{a.Low()}, nil
	case Width64:
		if bigEndian {
			return []uint32{a.High(), a.Low()}, nil
		}

		return []uint32{a.Low(), a.High()}, nil
	}

	return nil, fmt.Errorf("invalid pointer width %d", w)
}

// Merge decodes an address previously encoded with Split.
func Merge(words []uint32, w Width, bigEndian bool) Addr {
	if w == Width32 || len(words) < 2 {
		return Addr(words[0])
	}

	if bigEndian {
		return Join(words[0], words[1])
	}

	return Join(words[1], words[0])
}
