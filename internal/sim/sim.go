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

// Package sim implements an in-process SEC engine: job rings, RNG and
// descriptor execution, with fault injection for driver testing.
package sim

import (
	mbits "math/bits"
	"sync"

	"github.com/transparency-dev/armored-witness-caam/mem"
	"github.com/transparency-dev/armored-witness-caam/mmio"
	"github.com/transparency-dev/armored-witness-caam/phys"
)

// Common registers
const (
	MCFGR         = 0x0004
	MCFGR_PS      = 16
	SCFGR         = 0x000c
	SCFGR_VIRT    = 15
	JRICID_MS     = 0x0010
	ICID_LICID    = 31
	JRSTARTR      = 0x005c
	RTMCTL        = 0x0600
	RTMCTL_PRGM   = 16
	RTSDCTL       = 0x0610
	RTFRQMIN      = 0x0618
	RTFRQMAX      = 0x061c
	RDSTA         = 0x06c0
	CTPR_MS       = 0x0fa8
	CTPR_VIRT_INC = 0
	SECVID_MS     = 0x0ff8
)

// Job ring registers
const (
	regIRBA   = 0x00
	regIRS    = 0x0c
	regIRSA   = 0x14
	regIRJA   = 0x1c
	regORBA   = 0x20
	regORS    = 0x2c
	regORJR   = 0x34
	regORSF   = 0x3c
	regJRINT  = 0x4c
	regJRCFG1 = 0x54
	regJRCR   = 0x6c

	jrintJRE      = 0x2
	jrintHaltBusy = 0x4
	jrintHaltDone = 0x8

	errBadInputBase = 0x3
	errRemTooMany   = 0x8
	errAddTooMany   = 0x9
)

// Status words reported by the simulated engine.
const (
	StatusInvalidCommand = 0x40000004
	StatusAddress        = 0x40000007
	StatusHFNThreshold   = 0x400000f1
	StatusRNG            = 0x2000005b
	StatusPKHA           = 0x20000083
	StatusJumpHalt       = 0x78001203
)

// Config describes the simulated engine.
type Config struct {
	// Base is the CAAM register base.
	Base uint64
	// Stride separates job ring register windows, job ring n is at
	// Base+Stride*(n+1).
	Stride uint64
	// BigEndian selects the engine byte order.
	BigEndian bool
	// Width is the pointer size until MCFGR PS is programmed.
	Width phys.Width
	// RAM is the memory reachable by DMA.
	RAM *mem.Region
	// ID is reported in SECVID_MS.
	ID uint32
	// Virtualization reports SCFGR VIRT_EN.
	Virtualization bool
	// Secret seeds blob encapsulation.
	Secret []byte
}

type ring struct {
	irba uint64
	orba uint64
	irs  uint32
	ors  uint32

	jrint  uint32
	jrcfg1 uint32
	jrcr   uint32
	halted bool

	rd      uint32
	wr      uint32
	pending uint32
	full    uint32
}

// Engine is a simulated SEC, it implements mmio.Bus over its register window
// and RAM.
type Engine struct {
	sync.Mutex

	cfg   Config
	ram   mmio.Accessor
	width phys.Width

	regs  map[uint64]uint32
	rings [4]ring

	rdsta    uint32
	rngState uint64

	// fault injection
	failures   int
	delays     []uint32
	paused     bool
	haltStall  bool
	resetStall bool
	forced     []uint32

	jobs int
}

// New returns a simulated engine.
func New(cfg Config) *Engine {
	if cfg.Stride == 0 {
		cfg.Stride = 0x10000
	}

	if !cfg.Width.Valid() {
		cfg.Width = phys.Width32
	}

	if cfg.ID == 0 {
		cfg.ID = 0x0a100400
	}

	if len(cfg.Secret) == 0 {
		cfg.Secret = []byte("armored witness simulated SEC")
	}

	e := &Engine{
		cfg:      cfg,
		ram:      mmio.New(cfg.RAM, cfg.BigEndian),
		width:    cfg.Width,
		regs:     make(map[uint64]uint32),
		rngState: 0x9e3779b97f4a7c15,
	}

	e.regs[SECVID_MS] = cfg.ID

	if cfg.Virtualization {
		e.regs[SCFGR] = 1 << SCFGR_VIRT
		e.regs[CTPR_MS] = 1 << CTPR_VIRT_INC
	}

	return e
}

// JobRingBase returns the register base of job ring n.
func (e *Engine) JobRingBase(n int) uint64 {
	return e.cfg.Base + e.cfg.Stride*uint64(n+1)
}

func (e *Engine) swap(val uint32) uint32 {
	if e.cfg.BigEndian {
		return mbits.ReverseBytes32(val)
	}

	return val
}

func (e *Engine) window(addr uint64) (off uint64, ok bool) {
	if addr < e.cfg.Base || addr >= e.cfg.Base+e.cfg.Stride*uint64(len(e.rings)+1) {
		return
	}

	return addr - e.cfg.Base, true
}

// Load32 implements mmio.Bus.
func (e *Engine) Load32(addr uint64) uint32 {
	e.Lock()
	defer e.Unlock()

	if off, ok := e.window(addr); ok {
		return e.swap(e.readReg(off))
	}

	return e.cfg.RAM.Load32(addr)
}

// Store32 implements mmio.Bus.
func (e *Engine) Store32(addr uint64, val uint32) {
	e.Lock()
	defer e.Unlock()

	if off, ok := e.window(addr); ok {
		e.writeReg(off, e.swap(val))
		return
	}

	e.cfg.RAM.Store32(addr, val)
}

func (e *Engine) readReg(off uint64) uint32 {
	if off >= e.cfg.Stride {
		return e.readRing(&e.rings[off/e.cfg.Stride-1], off%e.cfg.Stride)
	}

	switch off {
	case RDSTA:
		return e.rdsta
	}

	return e.regs[off]
}

func (e *Engine) writeReg(off uint64, val uint32) {
	if off >= e.cfg.Stride {
		e.writeRing(&e.rings[off/e.cfg.Stride-1], off%e.cfg.Stride, val)
		return
	}

	switch {
	case off == MCFGR:
		if val>>MCFGR_PS&1 == 1 {
			e.width = phys.Width64
		} else {
			e.width = phys.Width32
		}
	case off >= JRICID_MS && off < JRSTARTR && (off-JRICID_MS)%8 == 0:
		if e.regs[off]>>ICID_LICID&1 == 1 {
			return
		}
	case off == RDSTA || off == SECVID_MS:
		return
	}

	e.regs[off] = val
}

// half returns the 32-bit half of a 64-bit base register at off (0 or 4).
func (e *Engine) half(val uint64, off uint64) uint32 {
	high := off == 0

	if !e.cfg.BigEndian {
		high = !high
	}

	if high {
		return uint32(val >> 32)
	}

	return uint32(val)
}

func (e *Engine) setHalf(reg *uint64, off uint64, val uint32) {
	high := off == 0

	if !e.cfg.BigEndian {
		high = !high
	}

	if high {
		*reg = *reg&0xffffffff | uint64(val)<<32
	} else {
		*reg = *reg&^0xffffffff | uint64(val)
	}
}

func (e *Engine) readRing(r *ring, off uint64) uint32 {
	switch off {
	case regIRBA, regIRBA + 4:
		return e.half(r.irba, off-regIRBA)
	case regORBA, regORBA + 4:
		return e.half(r.orba, off-regORBA)
	case regIRS:
		return r.irs
	case regORS:
		return r.ors
	case regIRSA:
		if r.irs < r.pending {
			return 0
		}
		return r.irs - r.pending
	case regORSF:
		return r.full
	case regJRINT:
		return r.jrint
	case regJRCFG1:
		return r.jrcfg1
	case regJRCR:
		return r.jrcr
	}

	return 0
}

func (e *Engine) writeRing(r *ring, off uint64, val uint32) {
	switch off {
	case regIRBA, regIRBA + 4:
		e.setHalf(&r.irba, off-regIRBA, val)
	case regORBA, regORBA + 4:
		e.setHalf(&r.orba, off-regORBA, val)
	case regIRS:
		r.irs = val
	case regORS:
		r.ors = val
	case regIRJA:
		if r.pending+r.full+val > r.irs {
			r.jrint |= jrintJRE | errAddTooMany<<8
			return
		}

		r.pending += val

		if !e.paused {
			e.process(r, int(r.pending))
		}
	case regORJR:
		if val > r.full {
			r.jrint |= jrintJRE | errRemTooMany<<8
			return
		}

		r.full -= val
	case regJRINT:
		r.jrint &^= val
	case regJRCFG1:
		r.jrcfg1 = val
	case regJRCR:
		if val&1 == 0 {
			return
		}

		if !r.halted {
			r.jrint &^= jrintHaltBusy | jrintHaltDone

			if e.haltStall {
				r.jrint |= jrintHaltBusy
				return
			}

			r.jrint |= jrintHaltDone
			r.halted = true

			return
		}

		if e.resetStall {
			r.jrcr = 1
			return
		}

		*r = ring{jrcfg1: r.jrcfg1}
	}
}

func (e *Engine) process(r *ring, n int) {
	for ; n > 0 && r.pending > 0; n-- {
		if r.irs == 0 || r.ors == 0 || r.irba == 0 || r.orba == 0 {
			r.jrint |= jrintJRE | errBadInputBase<<8
			return
		}

		ptr := uint64(e.width.Bytes())
		in := r.irba + uint64(r.rd)*ptr
		addr := e.readPointer(in)

		r.rd = (r.rd + 1) % r.irs
		r.pending--

		status := e.execute(addr)

		if len(e.forced) > 0 {
			status = e.forced[0]
			e.forced = e.forced[1:]
		}

		out := r.orba + uint64(r.wr)*(ptr+4)
		e.writePointer(out, addr)
		e.ram.Write32(out+ptr, status)

		r.wr = (r.wr + 1) % r.ors
		r.full++
		e.jobs++
	}
}

func (e *Engine) readPointer(at uint64) phys.Addr {
	if e.width == phys.Width32 {
		return phys.Addr(e.ram.Read32(at))
	}

	return phys.Addr(e.ram.Read64(at))
}

func (e *Engine) writePointer(at uint64, val phys.Addr) {
	if e.width == phys.Width32 {
		e.ram.Write32(at, val.Low())
		return
	}

	e.ram.Write64(at, uint64(val))
}

// Pause holds submitted jobs until Resume or Complete.
func (e *Engine) Pause() {
	e.Lock()
	defer e.Unlock()

	e.paused = true
}

// Resume completes all held jobs and stops holding new ones.
func (e *Engine) Resume() {
	e.Lock()
	defer e.Unlock()

	e.paused = false

	for i := range e.rings {
		e.process(&e.rings[i], int(e.rings[i].pending))
	}
}

// Complete processes up to n held jobs on job ring jr.
func (e *Engine) Complete(jr int, n int) {
	e.Lock()
	defer e.Unlock()

	e.process(&e.rings[jr], n)
}

// FailInstantiate makes the next n RNG instantiations fail.
func (e *Engine) FailInstantiate(n int) {
	e.Lock()
	defer e.Unlock()

	e.failures = n
}

// Instantiate marks RNG state handle sh as instantiated, as left by an
// earlier boot stage.
func (e *Engine) Instantiate(sh int) {
	e.Lock()
	defer e.Unlock()

	e.rdsta |= 1 << sh
}

// EntropyDelays returns the entropy delay programmed at each RNG
// instantiation attempt.
func (e *Engine) EntropyDelays() []uint32 {
	e.Lock()
	defer e.Unlock()

	return append([]uint32(nil), e.delays...)
}

// StallHalt keeps job ring flushes in progress.
func (e *Engine) StallHalt(stall bool) {
	e.Lock()
	defer e.Unlock()

	e.haltStall = stall
}

// StallReset keeps job ring resets in progress.
func (e *Engine) StallReset(stall bool) {
	e.Lock()
	defer e.Unlock()

	e.resetStall = stall
}

// RaiseRingError reports a job ring error in JRINT.
func (e *Engine) RaiseRingError(jr int, typ uint32) {
	e.Lock()
	defer e.Unlock()

	e.rings[jr].jrint |= jrintJRE | typ<<8
}

// ForceStatus overrides the status word of the next completed jobs.
func (e *Engine) ForceStatus(status ...uint32) {
	e.Lock()
	defer e.Unlock()

	e.forced = append(e.forced, status...)
}

// LockICID sets the LICID lock of job ring jr.
func (e *Engine) LockICID(jr int) {
	e.Lock()
	defer e.Unlock()

	e.regs[JRICID_MS+8*uint64(jr)] |= 1 << ICID_LICID
}

// Register returns the value of a common register.
func (e *Engine) Register(off uint64) uint32 {
	e.Lock()
	defer e.Unlock()

	return e.readReg(off)
}

// Jobs returns the number of executed descriptors.
func (e *Engine) Jobs() int {
	e.Lock()
	defer e.Unlock()

	return e.jobs
}

// Held returns the number of jobs held on job ring jr.
func (e *Engine) Held(jr int) int {
	e.Lock()
	defer e.Unlock()

	return int(e.rings[jr].pending)
}
