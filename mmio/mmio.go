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

// Package mmio implements register and DMA memory access for the SEC engine
// with the device endianness selected once per platform.
package mmio

import (
	mbits "math/bits"
	"sync/atomic"

	"github.com/usbarmory/tamago/bits"

	"github.com/transparency-dev/armored-witness-caam/phys"
	"github.com/transparency-dev/armored-witness-caam/timer"
)

// Bus performs raw 32-bit loads and stores in CPU byte order.
type Bus interface {
	Load32(addr uint64) uint32
	Store32(addr uint64, val uint32)
}

// Accessor reads and writes device words in device byte order.
type Accessor interface {
	Read32(addr uint64) uint32
	Write32(addr uint64, val uint32)
	Read64(addr uint64) uint64
	Write64(addr uint64, val uint64)
	BigEndian() bool
}

// Cache performs data cache maintenance on platforms where DMA is not
// coherent.
type Cache interface {
	Flush(addr phys.Addr, size int)
	Invalidate(addr phys.Addr, size int)
}

// Device is an Accessor over a Bus.
type Device struct {
	bus       Bus
	bigEndian bool
}

// New returns an accessor for a device with the given byte order.
func New(bus Bus, bigEndian bool) *Device {
	return &Device{
		bus:       bus,
		bigEndian: bigEndian,
	}
}

// BigEndian reports whether the device is big endian.
func (d *Device) BigEndian() bool {
	return d.bigEndian
}

func (d *Device) Read32(addr uint64) uint32 {
	val := d.bus.Load32(addr)

	if d.bigEndian {
		return mbits.ReverseBytes32(val)
	}

	return val
}

func (d *Device) Write32(addr uint64, val uint32) {
	if d.bigEndian {
		val = mbits.ReverseBytes32(val)
	}

	d.bus.Store32(addr, val)
}

// Read64 reads a register pair, the most significant word comes first on
// big-endian devices.
func (d *Device) Read64(addr uint64) uint64 {
	if d.bigEndian {
		return uint64(d.Read32(addr))<<32 | uint64(d.Read32(addr+4))
	}

	return uint64(d.Read32(addr+4))<<32 | uint64(d.Read32(addr))
}

// Write64 writes a register pair, the most significant word comes first on
// big-endian devices.
func (d *Device) Write64(addr uint64, val uint64) {
	hi := uint32(val >> 32)
	lo := uint32(val)

	if d.bigEndian {
		d.Write32(addr, hi)
		d.Write32(addr+4, lo)
		return
	}

	d.Write32(addr, lo)
	d.Write32(addr+4, hi)
}

var fence uint32

// Barrier orders prior memory writes before subsequent device accesses.
func Barrier() {
	atomic.AddUint32(&fence, 1)
}

// Get returns the register field at pos masked by mask.
func Get(a Accessor, addr uint64, pos int, mask int) uint32 {
	val := a.Read32(addr)
	return bits.Get(&val, pos, mask)
}

// Set sets a register bit.
func Set(a Accessor, addr uint64, pos int) {
	val := a.Read32(addr)
	bits.Set(&val, pos)
	a.Write32(addr, val)
}

// Clear clears a register bit.
func Clear(a Accessor, addr uint64, pos int) {
	val := a.Read32(addr)
	bits.Clear(&val, pos)
	a.Write32(addr, val)
}

// SetN updates the register field at pos masked by mask.
func SetN(a Accessor, addr uint64, pos int, mask int, val uint32) {
	reg := a.Read32(addr)
	bits.SetN(&reg, pos, mask, val)
	a.Write32(addr, reg)
}

// WaitFor polls a register field until it equals val or the deadline
// expires, it returns false on expiry.
func WaitFor(a Accessor, addr uint64, pos int, mask int, val uint32, d *timer.Deadline) bool {
	for Get(a, addr, pos, mask) != val {
		if d.Expired() {
			return false
		}
	}

	return true
}
