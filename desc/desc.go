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

// Package desc builds SEC job descriptors.
//
// A job descriptor is an array of at most 64 words, word 0 is the job header
// carrying the descriptor length in its lower 7 bits. Pointers take one or two
// words depending on the engine pointer size (MCFGR PS).
package desc

import (
	"errors"

	"github.com/transparency-dev/armored-witness-caam/phys"
)

// Capacity is the maximum descriptor length in words.
const Capacity = 64

const lengthMask = 0x7f

var (
	ErrOverflow    = errors.New("descriptor overflow")
	ErrUnsupported = errors.New("unsupported descriptor parameter")
)

// Descriptor is a job descriptor under construction.
type Descriptor struct {
	words     [Capacity]uint32
	width     phys.Width
	bigEndian bool
}

// New returns an empty descriptor for the given pointer width and engine
// byte order.
func New(w phys.Width, bigEndian bool) *Descriptor {
	return &Descriptor{
		width:     w,
		bigEndian: bigEndian,
	}
}

// Length returns the descriptor length encoded in a header word.
func Length(header uint32) int {
	return int(header & lengthMask)
}

// Width returns the descriptor pointer width.
func (d *Descriptor) Width() phys.Width {
	return d.width
}

// BigEndian returns the descriptor pointer word order.
func (d *Descriptor) BigEndian() bool {
	return d.bigEndian
}

// Begin resets the header word.
func (d *Descriptor) Begin() {
	d.words[0] = 0
}

// Len returns the number of words written.
func (d *Descriptor) Len() int {
	return Length(d.words[0])
}

// Size returns the descriptor size in bytes.
func (d *Descriptor) Size() int {
	return d.Len() * 4
}

// Words returns a copy of the written words.
func (d *Descriptor) Words() []uint32 {
	w := make([]uint32, d.Len())
	copy(w, d.words[:])
	return w
}

// AddWord appends a word and increments the header length, the first word
// added is the header itself.
func (d *Descriptor) AddWord(word uint32) error {
	n := d.Len()

	if n+1 > Capacity {
		return ErrOverflow
	}

	d.words[n] = word
	d.words[0]++

	return nil
}

// AddPointer appends a physical address using the descriptor pointer width.
func (d *Descriptor) AddPointer(addr phys.Addr) error {
	words, err := phys.Split(addr, d.width, d.bigEndian)

	if err != nil {
		return err
	}

	if d.Len()+len(words) > Capacity {
		return ErrOverflow
	}

	for _, w := range words {
		d.words[d.Len()] = w
		d.words[0]++
	}

	return nil
}

// Pointer decodes the pointer starting at words[i].
func Pointer(words []uint32, i int, w phys.Width, bigEndian bool) phys.Addr {
	return phys.Merge(words[i:i+w.Words()], w, bigEndian)
}

// writer accumulates the first error of a builder sequence.
type writer struct {
	d   *Descriptor
	err error
}

func (w *writer) word(v ...uint32) {
	for _, x := range v {
		if w.err == nil {
			w.err = w.d.AddWord(x)
		}
	}
}

func (w *writer) ptr(a phys.Addr) {
	if w.err == nil {
		w.err = w.d.AddPointer(a)
	}
}

// build assembles a descriptor in scratch space and commits it only on
// success.
func (d *Descriptor) build(f func(w *writer)) error {
	s := &Descriptor{
		width:     d.width,
		bigEndian: d.bigEndian,
	}

	w := &writer{d: s}
	w.word(HeaderJob)
	f(w)

	if w.err != nil {
		return w.err
	}

	*d = *s

	return nil
}
