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

package jr

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-caam/desc"
	"github.com/transparency-dev/armored-witness-caam/mem"
	"github.com/transparency-dev/armored-witness-caam/mmio"
	"github.com/transparency-dev/armored-witness-caam/phys"
	"github.com/transparency-dev/armored-witness-caam/timer"
)

// slotSize is the DMA space reserved for each ring entry descriptor.
const slotSize = desc.Capacity * 4

// Mode selects how completions are detected.
type Mode int

const (
	ModePoll Mode = iota
	ModeIRQ
)

// RingState is the job ring state.
type RingState int32

const (
	RingStarted RingState = iota
	RingResetInProgress
	RingShutdown
)

// Callback is invoked synchronously by Poll for each successfully completed
// job, it must not call Poll.
type Callback func(words []uint32, status uint32, arg any, r *Ring)

// Stats counts ring activity.
type Stats struct {
	Enqueued  uint64
	Completed uint64
	Failed    uint64
	Discarded uint64
}

// pending tracks a job submitted by SubmitAndWait.
type pending struct {
	done   chan struct{}
	status uint32
	err    error
}

func (p *pending) finish(status uint32, err error) {
	p.status = status
	p.err = err
	close(p.done)
}

// slot is the host side table entry for a ring index, the hardware visible
// descriptor area holds descriptor words only.
type slot struct {
	active bool
	cb     Callback
	arg    any
	job    *pending
}

// Config describes a job ring instance.
type Config struct {
	// Index is the hardware job ring number.
	Index int
	// Base is the job ring register base address.
	Base uint64

	Accessor mmio.Accessor
	Memory   mem.Allocator
	Clock    timer.Clock
	// Cache is only required for non-coherent DMA.
	Cache mmio.Cache

	// Width is the engine pointer size (MCFGR PS).
	Width phys.Width
	// Size is the number of ring entries, a power of two.
	Size int
	// Threshold is the number of usable entries plus one, it defaults to
	// Size which reserves a single entry.
	Threshold int
	Mode      Mode

	Coalescing      bool
	CoalescingCount uint8
	CoalescingTimer uint16

	// Timeout bounds SubmitAndWait in milliseconds.
	Timeout uint64
	// ResetIterations bounds each reset polling loop.
	ResetIterations int

	// Metrics, when set, receives the ring counters as jr<Index>.enqueued,
	// jr<Index>.completed, jr<Index>.failed and jr<Index>.discarded.
	Metrics metrics.Registry
}

// Ring is a SEC job ring.
type Ring struct {
	drv *Driver
	cfg Config

	acc  mmio.Accessor
	base uint64
	size uint32
	mask uint32

	entrySize int

	inring  *mem.Buffer
	outring *mem.Buffer
	descs   *mem.Buffer

	// producer side
	prod sync.Mutex
	pidx atomic.Uint32

	// consumer side
	cons    sync.Mutex
	cidx    atomic.Uint32
	polling atomic.Bool

	slots []slot
	state atomic.Int32

	coalescing bool

	enqueued  metrics.Counter
	completed metrics.Counter
	failed    metrics.Counter
	discarded metrics.Counter
}

// Full reports whether a ring of the given size cannot accept a job, one
// entry is always kept free so that pidx never reaches cidx while jobs are
// outstanding.
func Full(pidx, cidx, size, threshold uint32) bool {
	return (pidx+1+(size-threshold))&(size-1) == cidx
}

func next(idx, size uint32) uint32 {
	return (idx + 1) & (size - 1)
}

func (c *Config) validate() error {
	if c.Accessor == nil || c.Memory == nil || c.Clock == nil {
		return errors.New("missing accessor, memory or clock")
	}

	if c.Size < 2 || c.Size&(c.Size-1) != 0 {
		return fmt.Errorf("invalid ring size %d, must be a power of two", c.Size)
	}

	if c.Threshold == 0 {
		c.Threshold = c.Size
	}

	if c.Threshold < 2 || c.Threshold > c.Size {
		return fmt.Errorf("invalid ring threshold %d", c.Threshold)
	}

	if !c.Width.Valid() {
		return fmt.Errorf("invalid pointer width %d", c.Width)
	}

	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}

	if c.ResetIterations == 0 {
		c.ResetIterations = DefaultResetIterations
	}

	return nil
}

func newRing(drv *Driver, cfg Config) (r *Ring, err error) {
	if err = cfg.validate(); err != nil {
		return
	}

	r = &Ring{
		drv:       drv,
		cfg:       cfg,
		acc:       cfg.Accessor,
		base:      cfg.Base,
		size:      uint32(cfg.Size),
		mask:      uint32(cfg.Size - 1),
		entrySize: cfg.Width.Bytes() + 4,
		slots:     make([]slot, cfg.Size),
	}

	r.enqueued = r.counter("enqueued")
	r.completed = r.counter("completed")
	r.failed = r.counter("failed")
	r.discarded = r.counter("discarded")

	r.state.Store(int32(RingResetInProgress))

	if r.inring, err = mem.Alloc(cfg.Memory, cfg.Size*cfg.Width.Bytes(), 64); err != nil {
		return nil, err
	}

	if r.outring, err = mem.Alloc(cfg.Memory, cfg.Size*r.entrySize, 64); err != nil {
		r.free()
		return nil, err
	}

	if r.descs, err = mem.Alloc(cfg.Memory, cfg.Size*slotSize, 64); err != nil {
		r.free()
		return nil, err
	}

	return
}

// counter returns a new ring counter, replacing any counter of a previous
// ring with the same index in the metrics registry.
func (r *Ring) counter(name string) metrics.Counter {
	c := metrics.NewCounter()

	if r.cfg.Metrics == nil {
		return c
	}

	name = fmt.Sprintf("jr%d.%s", r.cfg.Index, name)
	r.cfg.Metrics.Unregister(name)

	if err := r.cfg.Metrics.Register(name, c); err != nil {
		klog.Warningf("SEC jr%d could not register %s, %v", r.cfg.Index, name, err)
	}

	return c
}

func (r *Ring) free() {
	r.inring.Free()
	r.outring.Free()
	r.descs.Free()
}

// Index returns the hardware job ring number.
func (r *Ring) Index() int {
	return r.cfg.Index
}

// State returns the ring state.
func (r *Ring) State() RingState {
	return RingState(r.state.Load())
}

// Size returns the number of ring entries.
func (r *Ring) Size() int {
	return int(r.size)
}

// Width returns the ring pointer width.
func (r *Ring) Width() phys.Width {
	return r.cfg.Width
}

// Indices returns the producer and consumer indices.
func (r *Ring) Indices() (pidx uint32, cidx uint32) {
	return r.pidx.Load(), r.cidx.Load()
}

// Outstanding returns the number of jobs enqueued and not yet dequeued.
func (r *Ring) Outstanding() int {
	return int((r.pidx.Load() - r.cidx.Load()) & r.mask)
}

// Stats returns the ring counters.
func (r *Ring) Stats() Stats {
	return Stats{
		Enqueued:  uint64(r.enqueued.Count()),
		Completed: uint64(r.completed.Count()),
		Failed:    uint64(r.failed.Count()),
		Discarded: uint64(r.discarded.Count()),
	}
}

func (r *Ring) reg(off uint64) uint64 {
	return r.base + off
}

func (r *Ring) flushCache(addr phys.Addr, n int) {
	if r.cfg.Cache != nil {
		r.cfg.Cache.Flush(addr, n)
	}
}

func (r *Ring) invalidateCache(addr phys.Addr, n int) {
	if r.cfg.Cache != nil {
		r.cfg.Cache.Invalidate(addr, n)
	}
}

func (r *Ring) writePointer(at phys.Addr, val phys.Addr) {
	if r.cfg.Width == phys.Width32 {
		r.acc.Write32(uint64(at), val.Low())
		return
	}

	r.acc.Write64(uint64(at), uint64(val))
}

func (r *Ring) readPointer(at phys.Addr) phys.Addr {
	if r.cfg.Width == phys.Width32 {
		return phys.Addr(r.acc.Read32(uint64(at)))
	}

	return phys.Addr(r.acc.Read64(uint64(at)))
}

func (r *Ring) slotAddr(idx uint32) phys.Addr {
	return r.descs.Addr.Add(int(idx) * slotSize)
}

func (r *Ring) slotIndex(addr phys.Addr) (idx uint32, ok bool) {
	off, err := r.descs.Offset(addr)

	if err != nil || off%slotSize != 0 {
		return
	}

	return uint32(off / slotSize), true
}

func (r *Ring) readDescriptor(addr phys.Addr) []uint32 {
	n := desc.Length(r.acc.Read32(uint64(addr)))
	words := make([]uint32, n)

	for i := range words {
		words[i] = r.acc.Read32(uint64(addr) + uint64(4*i))
	}

	return words
}

// EnableIRQs unmasks the job ring interrupt.
func (r *Ring) EnableIRQs() {
	mmio.Clear(r.acc, r.reg(JR_JRCFG1), JRCFG1_IMSK)
}

// DisableIRQs masks the job ring interrupt.
func (r *Ring) DisableIRQs() {
	mmio.Set(r.acc, r.reg(JR_JRCFG1), JRCFG1_IMSK)
}

// SetCoalescing programs the interrupt coalescing timer and descriptor count
// thresholds, the enable and mask bits are preserved.
func (r *Ring) SetCoalescing(timer uint16, count uint8) {
	mmio.SetN(r.acc, r.reg(JR_JRCFG1), JRCFG1_ICDCT, 0xff, uint32(count))
	mmio.SetN(r.acc, r.reg(JR_JRCFG1), JRCFG1_ICTT, 0xffff, uint32(timer))
}

// EnableCoalescing enables interrupt coalescing.
func (r *Ring) EnableCoalescing() {
	mmio.Set(r.acc, r.reg(JR_JRCFG1), JRCFG1_ICEN)
	r.coalescing = true
}

// DisableCoalescing disables interrupt coalescing.
func (r *Ring) DisableCoalescing() {
	mmio.Clear(r.acc, r.reg(JR_JRCFG1), JRCFG1_ICEN)
	r.coalescing = false
}

// halt flushes and resets the job ring in hardware.
func (r *Ring) halt() (err error) {
	var val uint32

	r.DisableIRQs()

	defer func() {
		if r.cfg.Mode != ModePoll {
			r.EnableIRQs()
		}
	}()

	// initiate flush (required prior to reset)
	r.acc.Write32(r.reg(JR_JRCR), 1<<JRCR_RESET)
	_ = r.acc.Read32(r.reg(JR_JRCR))

	d := timer.Iterations(r.cfg.ResetIterations)

	for {
		val = r.acc.Read32(r.reg(JR_JRINT))

		if (val>>JRINT_HALT)&HALT_MASK != HALT_BUSY || d.Expired() {
			break
		}
	}

	if (val>>JRINT_HALT)&HALT_MASK != HALT_DONE {
		klog.Errorf("SEC jr%d failed to flush, JRINT %#x", r.cfg.Index, val)
		return fmt.Errorf("%w: flush (JRINT %#x)", ErrResetTimeout, val)
	}

	// initiate reset
	r.acc.Write32(r.reg(JR_JRCR), 1<<JRCR_RESET)

	if !mmio.WaitFor(r.acc, r.reg(JR_JRCR), JRCR_RESET, 1, 0, timer.Iterations(r.cfg.ResetIterations)) {
		klog.Errorf("SEC jr%d failed to reset", r.cfg.Index)
		return fmt.Errorf("%w: reset", ErrResetTimeout)
	}

	return
}

// Reset resets the job ring in hardware and restores its size and base
// registers, which a hardware reset clears. The ring stays busy when the
// hardware does not complete the reset.
func (r *Ring) Reset() (err error) {
	r.cons.Lock()
	defer r.cons.Unlock()

	r.prod.Lock()
	defer r.prod.Unlock()

	r.state.Store(int32(RingResetInProgress))

	if err = r.halt(); err != nil {
		return
	}

	r.acc.Write32(r.reg(JR_IRS), r.size)
	r.acc.Write32(r.reg(JR_ORS), r.size)
	r.acc.Write64(r.reg(JR_IRBA), uint64(r.inring.Addr))
	r.acc.Write64(r.reg(JR_ORBA), uint64(r.outring.Addr))

	r.pidx.Store(0)
	r.cidx.Store(0)

	for i := range r.slots {
		r.slots[i] = slot{}
	}

	r.state.Store(int32(RingStarted))

	klog.V(1).Infof("SEC jr%d reset size:%d in:%v out:%v", r.cfg.Index, r.size, r.inring.Addr, r.outring.Addr)

	return
}

// Shutdown resets the job ring in hardware, disables coalescing and
// interrupts and releases its DMA memory.
func (r *Ring) Shutdown() (err error) {
	r.cons.Lock()
	defer r.cons.Unlock()

	r.prod.Lock()
	defer r.prod.Unlock()

	if r.State() == RingShutdown {
		return
	}

	if err = r.halt(); err != nil {
		klog.Errorf("SEC jr%d failed to shutdown hardware job ring", r.cfg.Index)
		return
	}

	if r.coalescing {
		r.DisableCoalescing()
	}

	if r.cfg.Mode != ModePoll {
		r.DisableIRQs()
	}

	r.state.Store(int32(RingShutdown))
	r.free()

	return
}

// Enqueue submits a descriptor, cb is invoked with arg by the Poll call
// dequeuing it.
func (r *Ring) Enqueue(d *desc.Descriptor, cb Callback, arg any) error {
	return r.enqueue(d, slot{cb: cb, arg: arg})
}

func (r *Ring) enqueue(d *desc.Descriptor, s slot) error {
	if r.drv.State() != StateStarted {
		return ErrNotStarted
	}

	switch r.State() {
	case RingResetInProgress:
		return ErrRingBusy
	case RingShutdown:
		return ErrNotStarted
	}

	if d.Width() != r.cfg.Width || d.BigEndian() != r.acc.BigEndian() {
		return fmt.Errorf("%w: %v pointers, big endian %v", ErrDescriptorFormat, d.Width(), d.BigEndian())
	}

	r.prod.Lock()
	defer r.prod.Unlock()

	pidx := r.pidx.Load()

	if Full(pidx, r.cidx.Load(), r.size, uint32(r.cfg.Threshold)) {
		return ErrRingFull
	}

	addr := r.slotAddr(pidx)
	words := d.Words()

	for i, w := range words {
		r.acc.Write32(uint64(addr)+uint64(4*i), w)
	}

	r.flushCache(addr, len(words)*4)

	s.active = true
	r.slots[pidx] = s

	entry := r.inring.Addr.Add(int(pidx) * r.cfg.Width.Bytes())
	r.writePointer(entry, addr)
	r.flushCache(entry, r.cfg.Width.Bytes())

	mmio.Barrier()

	// notify one job added
	r.acc.Write32(r.reg(JR_IRJA), 1)

	r.pidx.Store(next(pidx, r.size))
	r.enqueued.Inc(1)

	return nil
}

// ringError checks JRINT for errors not reported in output ring entries.
func (r *Ring) ringError() error {
	val := r.acc.Read32(r.reg(JR_JRINT))

	if val>>JRINT_JRE&1 == 0 {
		return nil
	}

	err := &RingError{
		Ring: r.cfg.Index,
		Type: val >> JRINT_ERR & ERR_MASK,
	}

	klog.Errorf("SEC %v", err)

	return err
}

// Poll dequeues up to limit completed jobs, or all of them when limit is
// negative, invoking their callbacks in completion order. A job completed
// with an error stops the batch, its status is decoded and returned while
// the remaining jobs are left for the next call.
func (r *Ring) Poll(limit int) (n int, err error) {
	if !r.polling.CompareAndSwap(false, true) {
		return 0, ErrPollBusy
	}
	defer r.polling.Store(false)

	if r.drv.State() != StateStarted {
		return 0, ErrNotStarted
	}

	r.cons.Lock()
	defer r.cons.Unlock()

	if r.State() != RingStarted {
		return 0, ErrRingBusy
	}

	if err = r.ringError(); err != nil {
		return
	}

	available := int(r.acc.Read32(r.reg(JR_ORSF)))
	notify := available

	if limit >= 0 && limit < available {
		notify = limit
	}

	for n < notify {
		cidx := r.cidx.Load()
		entry := r.outring.Addr.Add(int(cidx) * r.entrySize)

		r.invalidateCache(entry, r.entrySize)

		status := r.acc.Read32(uint64(entry) + uint64(r.cfg.Width.Bytes()))
		addr := r.readPointer(entry)
		idx, ok := r.slotIndex(addr)

		if !ok || !r.slots[idx].active {
			klog.Errorf("SEC jr%d no descriptor at %v returned", r.cfg.Index, addr)
			return n, fmt.Errorf("%w: %v", ErrUnknownDescriptor, addr)
		}

		words := r.readDescriptor(addr)
		s := r.slots[idx]
		r.slots[idx] = slot{}

		r.cidx.Store(next(cidx, r.size))

		if status != 0 {
			serr := DecodeStatus(status)
			serr.log(r.cfg.Index)

			if !serr.Warning() {
				r.acc.Write32(r.reg(JR_ORJR), 1)
				r.failed.Inc(1)

				if s.job != nil {
					s.job.finish(status, serr)
				}

				return n, serr
			}
		}

		// signal that the job has been processed and the slot is free
		r.acc.Write32(r.reg(JR_ORJR), 1)
		r.completed.Inc(1)
		n++

		switch {
		case s.job != nil:
			s.job.finish(status, nil)
		case s.cb != nil:
			s.cb(words, status, s.arg, r)
		}
	}

	return
}

// Flush discards all outstanding jobs without notification. Jobs which the
// hardware does not complete before the deadline are dropped.
func (r *Ring) Flush(d *timer.Deadline) (discarded int) {
	r.cons.Lock()
	defer r.cons.Unlock()

	defer func() {
		r.discarded.Inc(int64(discarded))
	}()

	for r.pidx.Load() != r.cidx.Load() {
		available := int(r.acc.Read32(r.reg(JR_ORSF)))

		for i := 0; i < available; i++ {
			cidx := r.cidx.Load()
			entry := r.outring.Addr.Add(int(cidx) * r.entrySize)

			r.invalidateCache(entry, r.entrySize)

			if idx, ok := r.slotIndex(r.readPointer(entry)); ok {
				r.slots[idx] = slot{}
			}

			r.cidx.Store(next(cidx, r.size))
			r.acc.Write32(r.reg(JR_ORJR), 1)
			discarded++
		}

		if r.pidx.Load() != r.cidx.Load() && d.Expired() {
			dropped := r.Outstanding()
			klog.Warningf("SEC jr%d flush timeout, dropping %d jobs", r.cfg.Index, dropped)

			for i := range r.slots {
				r.slots[i] = slot{}
			}

			r.cidx.Store(r.pidx.Load())
			discarded += dropped
		}
	}

	return
}

// SubmitAndWait writes a descriptor to the ring and polls until it
// completes or the ring timeout expires. It returns the job status word,
// non-zero only for completed jobs carrying a warning.
func (r *Ring) SubmitAndWait(d *desc.Descriptor) (status uint32, err error) {
	p := &pending{
		done: make(chan struct{}),
	}

	if err = r.enqueue(d, slot{job: p}); err != nil {
		return
	}

	deadline := timer.After(r.cfg.Clock, r.cfg.Timeout)

	for {
		_, perr := r.Poll(-1)

		select {
		case <-p.done:
			return p.status, p.err
		default:
		}

		var serr *StatusError

		switch {
		case perr == nil, errors.Is(perr, ErrPollBusy), errors.As(perr, &serr):
			// other jobs may be reported before ours
		default:
			return 0, perr
		}

		if deadline.Expired() {
			klog.Errorf("SEC jr%d job timeout after %d ms", r.cfg.Index, r.cfg.Timeout)
			return 0, ErrPollTimeout
		}
	}
}
