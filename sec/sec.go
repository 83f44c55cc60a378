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

// Package sec implements the cryptographic services of an NXP Security
// Engine (SEC, also known as CAAM): SHA-256 hashing, RSA PKCS#1 v1.5
// signature verification, random number generation and hardware unique key
// derivation.
//
// Every operation builds a job descriptor and runs it synchronously on a
// single job ring in poll mode.
package sec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/coreos/go-semver/semver"
	"github.com/rcrowley/go-metrics"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-caam/api"
	"github.com/transparency-dev/armored-witness-caam/config"
	"github.com/transparency-dev/armored-witness-caam/desc"
	"github.com/transparency-dev/armored-witness-caam/jr"
	"github.com/transparency-dev/armored-witness-caam/mem"
	"github.com/transparency-dev/armored-witness-caam/mmio"
	"github.com/transparency-dev/armored-witness-caam/phys"
	"github.com/transparency-dev/armored-witness-caam/timer"
)

var (
	ErrNotInitialized     = errors.New("SEC not initialized")
	ErrUnsupportedVersion = errors.New("unsupported SEC version")
)

// SEC represents a Security Engine instance.
type SEC struct {
	sync.Mutex

	// Platform describes the SoC integration.
	Platform *config.Platform
	// Accessor performs register and DMA memory accesses.
	Accessor mmio.Accessor
	// Memory is the DMA allocator.
	Memory mem.Allocator
	// Clock bounds synchronous jobs.
	Clock timer.Clock
	// Cache performs DMA cache maintenance, required only on non-coherent
	// platforms.
	Cache mmio.Cache
	// Driver holds the job ring state, Init creates one when nil.
	Driver *jr.Driver
	// Metrics receives the job ring counters when set.
	Metrics metrics.Registry

	ring    *jr.Ring
	rng     sync.Mutex
	hashes  chan *hashContext
	ipID    uint16
	version *semver.Version
}

// New returns a SEC instance, Init must be called before use.
func New(p *config.Platform, acc mmio.Accessor, alloc mem.Allocator, clock timer.Clock) *SEC {
	return &SEC{
		Platform: p,
		Accessor: acc,
		Memory:   alloc,
		Clock:    clock,
	}
}

func (s *SEC) reg(off uint64) uint64 {
	return s.Platform.CAAMBase + off
}

// Init configures the engine for the platform job ring, starts the job ring
// driver and, unless disabled, instantiates the RNG. It is a no-op when the
// engine is already initialized.
func (s *SEC) Init() (err error) {
	s.Lock()
	defer s.Unlock()

	if s.ring != nil {
		return
	}

	if s.Platform == nil || s.Accessor == nil || s.Memory == nil || s.Clock == nil {
		return errors.New("missing platform, accessor, memory or clock")
	}

	if err = s.Platform.Validate(); err != nil {
		return
	}

	if err = s.checkVersion(); err != nil {
		return
	}

	s.configureICID()
	s.configureMCFGR()

	if s.virtualization() {
		klog.V(1).Infof("SEC virtualization enabled, starting jr%d", s.Platform.JobRing)
		mmio.Set(s.Accessor, s.reg(SEC_JRSTARTR), s.Platform.JobRing)
	}

	if s.Driver == nil {
		s.Driver = &jr.Driver{}
	}

	if err = s.Driver.LibInit(); err != nil {
		return
	}

	if s.ring, err = s.Driver.InitJobRing(s.ringConfig()); err != nil {
		return
	}

	if err = s.initHashContexts(); err != nil {
		s.releaseLocked()
		return
	}

	if s.Platform.RNG.Skip {
		return
	}

	if _, err = s.instantiateRNG(s.ring); err != nil {
		s.releaseLocked()
	}

	return
}

func (s *SEC) ringConfig() jr.Config {
	p := s.Platform

	cfg := jr.Config{
		Index:    p.JobRing,
		Base:     p.JobRingBase(),
		Accessor: s.Accessor,
		Memory:   s.Memory,
		Clock:    s.Clock,
		Width:    p.Width(),
		Size:     p.RingSize,
		Mode:     jr.ModePoll,
		Timeout:  p.TimeoutMS,
		Metrics:  s.Metrics,
	}

	if !p.Coherent {
		if s.Cache == nil {
			klog.Warningf("SEC %s DMA is not coherent but no cache maintenance is available", p.Name)
		}

		cfg.Cache = s.Cache
	}

	// completions are still polled, interrupts are left to the platform
	if p.Coalescing.Enabled {
		cfg.Mode = jr.ModeIRQ
		cfg.Coalescing = true
		cfg.CoalescingCount = p.Coalescing.Count
		cfg.CoalescingTimer = p.Coalescing.Timer
	}

	return cfg
}

// checkVersion reads the engine version and rejects engines older than the
// platform minimum.
func (s *SEC) checkVersion() error {
	val := s.Accessor.Read32(s.reg(SEC_SECVID_MS))

	s.ipID = uint16(val >> SECVID_IP_ID)
	s.version = &semver.Version{
		Major: int64(val >> SECVID_MAJ & 0xff),
		Minor: int64(val >> SECVID_MIN & 0xff),
	}

	klog.V(1).Infof("SEC %s IP ID %#04x version %v", s.Platform.Name, s.ipID, s.version)

	if want := s.Platform.Version(); want != nil && s.version.LessThan(*want) {
		return fmt.Errorf("%w: %v, want at least %v", ErrUnsupportedVersion, s.version, want)
	}

	return nil
}

// configureICID assigns the job ring isolation context, unless locked by an
// earlier boot stage.
func (s *SEC) configureICID() {
	icid := s.Platform.ICID

	if !icid.Enabled {
		return
	}

	ms, ls := jricid(s.Platform.JobRing)

	if mmio.Get(s.Accessor, s.reg(ms), JRICID_MS_LICID, 1) == 1 {
		klog.V(1).Infof("SEC jr%d ICID locked", s.Platform.JobRing)
		return
	}

	val := uint32(icid.SDID&JRICID_MASK) << JRICID_MS_SDID

	if icid.TrustZone {
		val |= 1 << JRICID_MS_TZ
	}

	s.Accessor.Write32(s.reg(ms), val)
	s.Accessor.Write32(s.reg(ls), uint32(icid.NSEQID&JRICID_MASK)<<JRICID_LS_NSEQID|uint32(icid.SEQID&JRICID_MASK)<<JRICID_LS_SEQID)
}

// configureMCFGR sets the engine pointer size and DMA cache attributes.
func (s *SEC) configureMCFGR() {
	reg := s.reg(SEC_MCFGR)

	mmio.SetN(s.Accessor, reg, MCFGR_AWCACHE, 0xf, uint32(s.Platform.Cache.AWCache))
	mmio.SetN(s.Accessor, reg, MCFGR_ARCACHE, 0xf, uint32(s.Platform.Cache.ARCache))

	if s.Platform.Width() == phys.Width64 {
		mmio.Set(s.Accessor, reg, MCFGR_PS)
	} else {
		mmio.Clear(s.Accessor, reg, MCFGR_PS)
	}
}

// virtualization reports whether job rings must be started through
// JRSTARTR.
func (s *SEC) virtualization() bool {
	if mmio.Get(s.Accessor, s.reg(SEC_CTPR_MS), CTPR_VIRT_EN_INC, 1) == 0 {
		return false
	}

	return mmio.Get(s.Accessor, s.reg(SEC_CTPR_MS), CTPR_VIRT_EN_POR, 1) == 1 ||
		mmio.Get(s.Accessor, s.reg(SEC_SCFGR), SCFGR_VIRT_EN, 1) == 1
}

// Release discards outstanding jobs, shuts down the job ring driver and
// frees the engine DMA memory.
func (s *SEC) Release() error {
	s.Lock()
	defer s.Unlock()

	if s.ring == nil {
		return ErrNotInitialized
	}

	return s.releaseLocked()
}

func (s *SEC) releaseLocked() (err error) {
	err = s.Driver.Release()

	// contexts held by active hashes are freed on release
	for s.hashes != nil {
		select {
		case ctx := <-s.hashes:
			ctx.free()
		default:
			s.hashes = nil
		}
	}

	s.ring = nil

	return
}

func (s *SEC) jobRing() (*jr.Ring, error) {
	s.Lock()
	defer s.Unlock()

	if s.ring == nil {
		return nil, ErrNotInitialized
	}

	return s.ring, nil
}

func (s *SEC) descriptor() *desc.Descriptor {
	return desc.New(s.Platform.Width(), s.Platform.BigEndian)
}

// run builds a descriptor and runs it synchronously.
func (s *SEC) run(build func(d *desc.Descriptor) error) error {
	r, err := s.jobRing()

	if err != nil {
		return err
	}

	return s.runOn(r, build)
}

func (s *SEC) runOn(r *jr.Ring, build func(d *desc.Descriptor) error) (err error) {
	d := s.descriptor()

	if err = build(d); err != nil {
		return
	}

	_, err = r.SubmitAndWait(d)

	return
}

func (s *SEC) alloc(size int) (*mem.Buffer, error) {
	return mem.Alloc(s.Memory, size, 0)
}

// flush writes back buf before the engine reads it.
func (s *SEC) flush(buf *mem.Buffer) {
	if s.Cache != nil && !s.Platform.Coherent {
		s.Cache.Flush(buf.Addr, buf.Len())
	}
}

// invalidate discards cached lines of buf after the engine wrote it.
func (s *SEC) invalidate(buf *mem.Buffer) {
	if s.Cache != nil && !s.Platform.Coherent {
		s.Cache.Invalidate(buf.Addr, buf.Len())
	}
}

// Version returns the SEC IP identifier and major.minor revision.
func (s *SEC) Version() (ipID uint16, version *semver.Version) {
	s.Lock()
	defer s.Unlock()

	return s.ipID, s.version
}

// Status returns the SEC status.
func (s *SEC) Status() *api.Status {
	s.Lock()
	defer s.Unlock()

	p := s.Platform

	status := &api.Status{
		Platform:     p.Name,
		IPID:         s.ipID,
		JobRing:      p.JobRing,
		RingSize:     p.RingSize,
		PointerWidth: p.PointerWidth,
		BigEndian:    p.BigEndian,
		State:        jr.StateIdle.String(),
	}

	if s.version != nil {
		status.Version = s.version.String()
	}

	if s.Driver != nil {
		status.State = s.Driver.State().String()
	}

	if s.ring == nil {
		return status
	}

	stats := s.ring.Stats()

	status.RNG = s.rngInstantiated()
	status.Enqueued = stats.Enqueued
	status.Completed = stats.Completed
	status.Failed = stats.Failed
	status.Discarded = stats.Discarded
	status.Outstanding = s.ring.Outstanding()

	return status
}
