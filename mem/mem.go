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

// Package mem manages DMA memory shared with the SEC engine.
package mem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/transparency-dev/armored-witness-caam/phys"
)

var (
	ErrNoMemory   = errors.New("DMA memory exhausted")
	ErrOutOfRange = errors.New("address outside DMA region")
)

// Allocator reserves DMA memory, it is satisfied by a TamaGo *dma.Region.
type Allocator interface {
	Reserve(size int, align int) (addr uint, buf []byte)
	Release(addr uint)
}

type block struct {
	addr uint
	size int
}

// Region is a DMA region backed by Go memory, its addresses are physical
// addresses as seen by a simulated engine.
type Region struct {
	sync.Mutex

	start  uint
	mem    []byte
	blocks []block
}

// NewRegion returns a region of size bytes starting at start.
func NewRegion(start uint, size int) *Region {
	return &Region{
		start: start,
		mem:   make([]byte, size),
	}
}

// Start returns the region start address.
func (r *Region) Start() uint {
	return r.start
}

// End returns the region end address.
func (r *Region) End() uint {
	return r.start + uint(len(r.mem))
}

// Size returns the region size.
func (r *Region) Size() int {
	return len(r.mem)
}

func alignUp(addr uint, align int) uint {
	a := uint(align)
	return (addr + a - 1) &^ (a - 1)
}

// Reserve allocates a zeroed buffer of size bytes aligned to align (word
// aligned when align is 0), it returns a nil buffer when exhausted.
func (r *Region) Reserve(size int, align int) (addr uint, buf []byte) {
	r.Lock()
	defer r.Unlock()

	if align < 4 {
		align = 4
	}

	if size <= 0 {
		return
	}

	cur := r.start
	pos := len(r.blocks)

	for i, b := range r.blocks {
		if a := alignUp(cur, align); a+uint(size) <= b.addr {
			cur = a
			pos = i
			break
		}

		cur = b.addr + uint(b.size)
	}

	if pos == len(r.blocks) {
		cur = alignUp(cur, align)

		if cur+uint(size) > r.End() {
			return 0, nil
		}
	}

	r.blocks = append(r.blocks, block{})
	copy(r.blocks[pos+1:], r.blocks[pos:])
	r.blocks[pos] = block{addr: cur, size: size}

	off := cur - r.start
	buf = r.mem[off : off+uint(size) : off+uint(size)]

	for i := range buf {
		buf[i] = 0
	}

	return cur, buf
}

// Release frees a reservation made at addr.
func (r *Region) Release(addr uint) {
	r.Lock()
	defer r.Unlock()

	i := sort.Search(len(r.blocks), func(i int) bool {
		return r.blocks[i].addr >= addr
	})

	if i < len(r.blocks) && r.blocks[i].addr == addr {
		r.blocks = append(r.blocks[:i], r.blocks[i+1:]...)
	}
}

// Reserved returns the number of bytes currently reserved.
func (r *Region) Reserved() (n int) {
	r.Lock()
	defer r.Unlock()

	for _, b := range r.blocks {
		n += b.size
	}

	return
}

// Contains reports whether [addr, addr+n) lies within the region.
func (r *Region) Contains(addr uint64, n int) bool {
	return addr >= uint64(r.start) && addr+uint64(n) <= uint64(r.End())
}

// Bytes returns the region memory at a physical address.
func (r *Region) Bytes(addr phys.Addr, n int) ([]byte, error) {
	if n < 0 || !r.Contains(uint64(addr), n) {
		return nil, fmt.Errorf("%w: %v+%d", ErrOutOfRange, addr, n)
	}

	off := uint64(addr) - uint64(r.start)

	return r.mem[off : off+uint64(n)], nil
}

// Load32 implements mmio.Bus over the region memory.
func (r *Region) Load32(addr uint64) uint32 {
	buf, err := r.Bytes(phys.Addr(addr), 4)

	if err != nil {
		panic(err)
	}

	return binary.LittleEndian.Uint32(buf)
}

// Store32 implements mmio.Bus over the region memory.
func (r *Region) Store32(addr uint64, val uint32) {
	buf, err := r.Bytes(phys.Addr(addr), 4)

	if err != nil {
		panic(err)
	}

	binary.LittleEndian.PutUint32(buf, val)
}

// Buffer is a DMA reservation with its physical address.
type Buffer struct {
	Addr phys.Addr
	Data []byte

	alloc Allocator
}

// Alloc reserves a DMA buffer.
func Alloc(a Allocator, size int, align int) (*Buffer, error) {
	addr, buf := a.Reserve(size, align)

	if buf == nil {
		return nil, fmt.Errorf("%w: %d bytes", ErrNoMemory, size)
	}

	return &Buffer{
		Addr:  phys.Addr(addr),
		Data:  buf,
		alloc: a,
	}, nil
}

// Len returns the buffer size.
func (b *Buffer) Len() int {
	return len(b.Data)
}

// Phys returns the physical address of the byte at off.
func (b *Buffer) Phys(off int) (phys.Addr, error) {
	if off < 0 || off > len(b.Data) {
		return 0, fmt.Errorf("%w: offset %d of %d", ErrOutOfRange, off, len(b.Data))
	}

	return b.Addr.Add(off), nil
}

// Offset converts a physical address back to an offset within the buffer.
func (b *Buffer) Offset(addr phys.Addr) (int, error) {
	if addr < b.Addr || addr >= b.Addr.Add(len(b.Data)) {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, addr)
	}

	return int(addr - b.Addr), nil
}

// Free releases the buffer.
func (b *Buffer) Free() {
	if b == nil || b.alloc == nil {
		return
	}

	b.alloc.Release(uint(b.Addr))
	b.alloc = nil
}
