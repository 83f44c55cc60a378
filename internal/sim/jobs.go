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

package sim

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/transparency-dev/armored-witness-caam/desc"
	"github.com/transparency-dev/armored-witness-caam/phys"
)

var errAddress = errors.New("address error")

// parser walks descriptor words.
type parser struct {
	e     *Engine
	words []uint32
	i     int
	err   bool
}

func (p *parser) word() uint32 {
	if p.i >= len(p.words) {
		p.err = true
		return 0
	}

	w := p.words[p.i]
	p.i++

	return w
}

func (p *parser) ptr() phys.Addr {
	n := p.e.width.Words()

	if p.i+n > len(p.words) {
		p.err = true
		return 0
	}

	a := desc.Pointer(p.words, p.i, p.e.width, p.e.cfg.BigEndian)
	p.i += n

	return a
}

func (p *parser) expect(mask uint32, val uint32) uint32 {
	w := p.word()

	if w&mask != val {
		p.err = true
	}

	return w
}

func (e *Engine) bytes(addr phys.Addr, n int) ([]byte, error) {
	buf, err := e.cfg.RAM.Bytes(addr, n)

	if err != nil {
		return nil, errAddress
	}

	return buf, nil
}

// execute runs the descriptor at addr and returns its status word.
func (e *Engine) execute(addr phys.Addr) uint32 {
	if !e.cfg.RAM.Contains(uint64(addr), 4) {
		return StatusAddress
	}

	n := desc.Length(e.ram.Read32(uint64(addr)))

	if n < 2 || !e.cfg.RAM.Contains(uint64(addr), n*4) {
		return StatusInvalidCommand
	}

	words := make([]uint32, n)

	for i := range words {
		words[i] = e.ram.Read32(uint64(addr) + uint64(4*i))
	}

	if words[0]&^0x7f != desc.HeaderJob {
		return StatusInvalidCommand
	}

	p := &parser{e: e, words: words, i: 1}
	op := words[1]

	switch {
	case op == desc.OpRNGInstantiate:
		return e.instantiate(p)
	case op&^0xf0 == desc.OpRNG:
		return e.generate(p)
	case op&0xfffffc00 == desc.KeyClass2:
		return e.blob(p)
	case op == desc.OpSHA256:
		return e.hash(p)
	case op&0xffff0000 == desc.KeyPKHAE:
		return e.modexp(p)
	}

	return StatusInvalidCommand
}

func (e *Engine) instantiate(p *parser) uint32 {
	p.word()
	p.expect(0xffffffff, desc.LoadClearWritten)
	p.expect(0xffffffff, desc.LoadSecureKeys)
	p.word()
	p.expect(0xffffffff, desc.OpRNGSecureKeys)

	if p.err {
		return StatusInvalidCommand
	}

	e.delays = append(e.delays, e.regs[RTSDCTL]>>16)

	if e.regs[RTMCTL]>>RTMCTL_PRGM&1 == 1 || e.rdsta&1 == 1 {
		return StatusRNG
	}

	if e.failures > 0 {
		e.failures--
		return StatusRNG
	}

	e.rdsta |= 1

	return 0
}

func (e *Engine) next64() uint64 {
	// xorshift64*
	x := e.rngState
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	e.rngState = x

	return x * 0x2545f4914f6cdd1d
}

func (e *Engine) generate(p *parser) uint32 {
	sh := p.word() >> 4 & 0xf
	n := int(p.expect(0xffff0000, desc.StoreRNG) & 0xffff)
	out := p.ptr()

	if p.err {
		return StatusInvalidCommand
	}

	if e.rdsta>>sh&1 == 0 {
		return StatusRNG
	}

	buf, err := e.bytes(out, n)

	if err != nil {
		return StatusAddress
	}

	var w [8]byte

	for i := range buf {
		if i%8 == 0 {
			binary.LittleEndian.PutUint64(w[:], e.next64())
		}

		buf[i] = w[i%8]
	}

	return 0
}

func (e *Engine) blob(p *parser) uint32 {
	keySize := int(p.word() & desc.MaxKeyLength)
	keyAddr := p.ptr()
	p.expect(0xffffffff, desc.SeqInPtr)
	inAddr := p.ptr()
	inSize := int(p.word())
	p.expect(0xffffffff, desc.SeqOutPtr)
	outAddr := p.ptr()
	outSize := int(p.word())
	p.expect(0xffffffff, desc.OpBlobEncap)

	if p.err {
		return StatusInvalidCommand
	}

	key, err := e.bytes(keyAddr, keySize)

	if err != nil {
		return StatusAddress
	}

	in, err := e.bytes(inAddr, inSize)

	if err != nil {
		return StatusAddress
	}

	out, err := e.bytes(outAddr, outSize)

	if err != nil {
		return StatusAddress
	}

	// blob key (32) and MAC (16) around the encrypted payload
	if outSize < inSize+48 {
		return StatusInvalidCommand
	}

	var ctr [4]byte

	for off := 0; off < len(out); off += sha256.Size {
		binary.BigEndian.PutUint32(ctr[:], uint32(off))

		mac := hmac.New(sha256.New, e.cfg.Secret)
		mac.Write(key)
		mac.Write(in)
		mac.Write(ctr[:])

		copy(out[off:], mac.Sum(nil))
	}

	return 0
}

func (e *Engine) hash(p *parser) uint32 {
	var size uint32

	p.word()
	load := p.word()

	switch load & 0xffff0000 {
	case desc.LoadMessageSGExt:
		// extended length follows the pointer
	case desc.LoadMessageSG:
		size = load & 0xffff
	default:
		return StatusInvalidCommand
	}

	sg := p.ptr()

	if load&0xffff0000 == desc.LoadMessageSGExt {
		size = p.word()
	}

	p.expect(0xffffffff, desc.StoreContext|desc.SHA256Size)
	out := p.ptr()

	if p.err {
		return StatusInvalidCommand
	}

	h := sha256.New()
	total := uint32(0)
	final := false

	for i := 0; i < desc.MaxSGEntries && !final; i++ {
		var w [4]uint32

		at := sg.Add(i * desc.SGEntrySize)

		if !e.cfg.RAM.Contains(uint64(at), desc.SGEntrySize) {
			return StatusAddress
		}

		for j := range w {
			w[j] = e.ram.Read32(uint64(at) + uint64(4*j))
		}

		entry := desc.ParseSGEntry(w, e.cfg.BigEndian)
		data, err := e.bytes(entry.Addr.Add(int(entry.Offset)), int(entry.Length))

		if err != nil {
			return StatusAddress
		}

		h.Write(data)
		total += entry.Length
		final = entry.Final
	}

	if !final || total != size {
		return StatusInvalidCommand
	}

	digest, err := e.bytes(out, desc.SHA256Size)

	if err != nil {
		return StatusAddress
	}

	copy(digest, h.Sum(nil))

	return 0
}

func (e *Engine) modexp(p *parser) uint32 {
	eSize := int(p.word() & desc.MaxKeyLength)
	eAddr := p.ptr()
	aSize := int(p.expect(0xffff0000, desc.LoadPKHAA) & 0xffff)
	aAddr := p.ptr()
	nSize := int(p.expect(0xffff0000, desc.LoadPKHAN) & 0xffff)
	nAddr := p.ptr()
	p.expect(0xffffffff, desc.OpPKHAModExp)
	outSize := int(p.expect(0xffff0000, desc.StorePKHAB) & 0xffff)
	outAddr := p.ptr()

	if p.err {
		return StatusInvalidCommand
	}

	var operands [3]*big.Int

	for i, op := range []struct {
		addr phys.Addr
		size int
	}{{eAddr, eSize}, {aAddr, aSize}, {nAddr, nSize}} {
		buf, err := e.bytes(op.addr, op.size)

		if err != nil {
			return StatusAddress
		}

		operands[i] = new(big.Int).SetBytes(buf)
	}

	exp, a, n := operands[0], operands[1], operands[2]

	if n.Sign() == 0 || n.Bit(0) == 0 || a.Cmp(n) >= 0 {
		return StatusPKHA
	}

	out, err := e.bytes(outAddr, outSize)

	if err != nil {
		return StatusAddress
	}

	res := new(big.Int).Exp(a, exp, n)

	if len(res.Bytes()) > outSize {
		return StatusPKHA
	}

	res.FillBytes(out)

	return 0
}
