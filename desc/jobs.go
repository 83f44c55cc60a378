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
	"fmt"

	"github.com/transparency-dev/armored-witness-caam/phys"
)

// Command words, these are the hardware ABI.
const (
	HeaderJob = 0xb0800000

	// OPERATION class 1 RNG
	OpRNG               = 0x82500000
	OpRNGInstantiate    = 0x82500004
	OpRNGSecureKeys     = 0x82501000
	rngStateHandleShift = 4

	// LOAD immediate, clear written register
	LoadClearWritten = 0xa2000001
	// LOAD immediate, DECO control (generate secure keys)
	LoadSecureKeys      = 0x10880004
	secureKeysImmediate = 0x00000001

	// FIFO STORE RNG output
	StoreRNG = 0x60340000

	// KEY class 2
	KeyClass2 = 0x04000000
	// SEQ IN/OUT PTR
	SeqInPtr  = 0xf0400000
	SeqOutPtr = 0xf8400000
	// OPERATION encapsulation protocol, blob
	OpBlobEncap = 0x870d0000

	// OPERATION class 2 SHA-256, init and finalize
	OpSHA256 = 0x8443000d
	// FIFO LOAD class 2 message, scatter/gather, last
	LoadMessageSG = 0x25140000
	// FIFO LOAD with extended length word
	LoadMessageSGExt = 0x25540000
	// STORE class 2 context
	StoreContext = 0x54200000

	// KEY PKHA E
	KeyPKHAE = 0x02010000
	// FIFO LOAD PKHA A
	LoadPKHAA = 0x220c0000
	// FIFO LOAD PKHA N
	LoadPKHAN = 0x22080000
	// OPERATION PKHA modular exponentiation
	OpPKHAModExp = 0x81800006
	// FIFO STORE PKHA B
	StorePKHAB = 0x620d0000
)

const (
	// MaxRNGLength is the largest RNG request encodable in a FIFO STORE.
	MaxRNGLength = 0xffff
	// MaxImmediateLength is the largest message length encodable in a FIFO
	// LOAD without an extended length word.
	MaxImmediateLength = 0xffff
	// MaxKeyLength is the KEY command length field limit.
	MaxKeyLength = 0x3ff
	// MaxPKSize is the largest PKHA operand in bytes.
	MaxPKSize = 512

	SHA256Size = 32
)

// RNGGenerate builds a descriptor filling n bytes at out from RNG state
// handle sh. Additional input is not supported.
func RNGGenerate(d *Descriptor, out phys.Addr, n int, addIn int, sh int) error {
	if n <= 0 || n > MaxRNGLength {
		return fmt.Errorf("%w: RNG length %d", ErrUnsupported, n)
	}

	if addIn > 0 {
		return fmt.Errorf("%w: RNG additional input", ErrUnsupported)
	}

	if sh < 0 || sh > 1 {
		return fmt.Errorf("%w: RNG state handle %d", ErrUnsupported, sh)
	}

	return d.build(func(w *writer) {
		w.word(OpRNG | uint32(sh)<<rngStateHandleShift)
		w.word(StoreRNG | uint32(n))
		w.ptr(out)
	})
}

// RNGInstantiate builds a descriptor instantiating RNG state handle 0 and
// generating the secure keys.
func RNGInstantiate(d *Descriptor) error {
	return d.build(func(w *writer) {
		w.word(
			OpRNGInstantiate,
			LoadClearWritten,
			LoadSecureKeys,
			secureKeysImmediate,
			OpRNGSecureKeys,
		)
	})
}

// Blob builds a blob encapsulation descriptor using the class 2 key
// identifier at keyID.
func Blob(d *Descriptor, keyID phys.Addr, keySize int, in phys.Addr, inSize int, out phys.Addr, outSize int) error {
	if keySize <= 0 || keySize > MaxKeyLength {
		return fmt.Errorf("%w: key identifier size %d", ErrUnsupported, keySize)
	}

	if inSize <= 0 || outSize <= 0 {
		return fmt.Errorf("%w: blob sizes %d/%d", ErrUnsupported, inSize, outSize)
	}

	return d.build(func(w *writer) {
		w.word(KeyClass2 | uint32(keySize))
		w.ptr(keyID)
		w.word(SeqInPtr)
		w.ptr(in)
		w.word(uint32(inSize))
		w.word(SeqOutPtr)
		w.ptr(out)
		w.word(uint32(outSize))
		w.word(OpBlobEncap)
	})
}

// SHA256 builds a descriptor hashing size bytes described by the
// scatter/gather table at sg, the digest is stored at out.
func SHA256(d *Descriptor, sg phys.Addr, size uint32, out phys.Addr) error {
	return d.build(func(w *writer) {
		w.word(OpSHA256)

		if size > MaxImmediateLength {
			w.word(LoadMessageSGExt)
			w.ptr(sg)
			w.word(size)
		} else {
			w.word(LoadMessageSG | size)
			w.ptr(sg)
		}

		w.word(StoreContext | SHA256Size)
		w.ptr(out)
	})
}

// ModExpParams describes the operands of a PKHA modular exponentiation
// computing A^E mod N.
type ModExpParams struct {
	E     phys.Addr
	ESize int
	A     phys.Addr
	ASize int
	N     phys.Addr
	NSize int

	Out     phys.Addr
	OutSize int
}

func (p *ModExpParams) validate() error {
	for _, s := range []int{p.ESize, p.ASize, p.NSize, p.OutSize} {
		if s <= 0 || s > MaxPKSize {
			return fmt.Errorf("%w: PKHA operand size %d", ErrUnsupported, s)
		}
	}

	return nil
}

// ModExp builds a PKHA modular exponentiation descriptor.
func ModExp(d *Descriptor, p *ModExpParams) error {
	if err := p.validate(); err != nil {
		return err
	}

	return d.build(func(w *writer) {
		w.word(KeyPKHAE | uint32(p.ESize))
		w.ptr(p.E)
		w.word(LoadPKHAA | uint32(p.ASize))
		w.ptr(p.A)
		w.word(LoadPKHAN | uint32(p.NSize))
		w.ptr(p.N)
		w.word(OpPKHAModExp)
		w.word(StorePKHAB | uint32(p.OutSize))
		w.ptr(p.Out)
	})
}
