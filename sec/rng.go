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

package sec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-caam/desc"
	"github.com/transparency-dev/armored-witness-caam/jr"
	"github.com/transparency-dev/armored-witness-caam/mmio"
)

// ErrRNGInstantiate is returned when no entropy delay allows the RNG to be
// instantiated.
var ErrRNGInstantiate = errors.New("RNG instantiation failed")

// entropyDelay walks the TRNG entropy delays tried at each instantiation
// attempt, retries are immediate as each attempt already samples for the
// programmed delay.
type entropyDelay struct {
	min   uint32
	max   uint32
	step  uint32
	delay uint32
}

// Reset implements backoff.BackOff.
func (b *entropyDelay) Reset() {
	b.delay = b.min
}

// NextBackOff implements backoff.BackOff.
func (b *entropyDelay) NextBackOff() time.Duration {
	b.delay += b.step

	if b.delay >= b.max {
		return backoff.Stop
	}

	return 0
}

// kickTRNG programs the TRNG entropy delay and sampling parameters, the
// frequency counter bounds follow the delay.
func (s *SEC) kickTRNG(delay uint32) {
	rtmctl := s.reg(RNG_RTMCTL)

	mmio.Set(s.Accessor, rtmctl, RTMCTL_PRGM)

	mmio.SetN(s.Accessor, s.reg(RNG_RTSDCTL), RTSDCTL_ENT_DLY, 0xffff, delay)
	s.Accessor.Write32(s.reg(RNG_RTFRQMIN), delay>>2)
	s.Accessor.Write32(s.reg(RNG_RTFRQMAX), 1<<RTFRQMAX_DISABLE)

	mmio.SetN(s.Accessor, rtmctl, RTMCTL_SAMP_MODE, 0b11, SAMP_MODE_RAW)
	mmio.Clear(s.Accessor, rtmctl, RTMCTL_PRGM)
}

// rngHandle returns the first instantiated RNG state handle, a handle left
// instantiated by an earlier boot stage is used as is.
func (s *SEC) rngHandle() (sh int, ok bool) {
	rdsta := s.reg(RNG_RDSTA)

	switch {
	case mmio.Get(s.Accessor, rdsta, RDSTA_IF0, 1) == 1:
		return 0, true
	case mmio.Get(s.Accessor, rdsta, RDSTA_IF1, 1) == 1:
		return 1, true
	}

	return 0, false
}

func (s *SEC) rngInstantiated() bool {
	_, ok := s.rngHandle()
	return ok
}

// instantiateRNG instantiates RNG state handle 0 on r, raising the entropy
// delay after each failed attempt. It returns the state handle to generate
// from.
func (s *SEC) instantiateRNG(r *jr.Ring) (sh int, err error) {
	s.rng.Lock()
	defer s.rng.Unlock()

	if sh, ok := s.rngHandle(); ok {
		klog.V(1).Infof("SEC RNG already instantiated (state handle %d)", sh)
		return sh, nil
	}

	cfg := s.Platform.RNG
	b := &entropyDelay{
		min:  cfg.MinEntropyDelay,
		max:  cfg.MaxEntropyDelay,
		step: cfg.Step,
	}

	var delay uint32

	attempt := func() error {
		delay = b.delay
		s.kickTRNG(delay)

		err := s.runOn(r, desc.RNGInstantiate)

		switch {
		case err == nil:
			return nil
		case errors.Is(err, jr.ErrProcessing):
			return err
		}

		return backoff.Permanent(err)
	}

	notify := func(err error, _ time.Duration) {
		klog.V(1).Infof("SEC RNG instantiation failed with entropy delay %d (%v)", delay, err)
	}

	if err = backoff.RetryNotify(attempt, b, notify); err != nil {
		klog.Errorf("SEC RNG instantiation failed, last entropy delay %d", delay)
		return 0, fmt.Errorf("%w: %w", ErrRNGInstantiate, err)
	}

	klog.V(1).Infof("SEC RNG instantiated with entropy delay %d", delay)

	return
}

// InstantiateRNG instantiates the RNG, it is a no-op when the RNG is already
// instantiated.
func (s *SEC) InstantiateRNG() error {
	r, err := s.jobRing()

	if err != nil {
		return err
	}

	_, err = s.instantiateRNG(r)

	return err
}

// Read fills buf with random bytes from the instantiated RNG state handle,
// instantiating the RNG first when required. It implements io.Reader.
func (s *SEC) Read(buf []byte) (n int, err error) {
	r, err := s.jobRing()

	if err != nil || len(buf) == 0 {
		return
	}

	sh, err := s.instantiateRNG(r)

	if err != nil {
		return
	}

	out, err := s.alloc(min(len(buf), desc.MaxRNGLength))

	if err != nil {
		return
	}

	defer out.Free()

	for n < len(buf) {
		size := min(len(buf)-n, out.Len())

		err = s.runOn(r, func(d *desc.Descriptor) error {
			return desc.RNGGenerate(d, out.Addr, size, 0, sh)
		})

		if err != nil {
			return
		}

		s.invalidate(out)
		n += copy(buf[n:], out.Data[:size])
	}

	return
}

// Random32 returns a 32-bit random number.
func (s *SEC) Random32() (uint32, error) {
	var buf [4]byte

	if _, err := s.Read(buf[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(buf[:]), nil
}

// Random64 returns a 64-bit random number.
func (s *SEC) Random64() (uint64, error) {
	var buf [8]byte

	if _, err := s.Read(buf[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(buf[:]), nil
}

// RandomOrZero32 returns a 32-bit random number, or zero when the RNG is not
// available.
func (s *SEC) RandomOrZero32() uint32 {
	n, err := s.Random32()

	if err != nil {
		klog.Warningf("SEC RNG unavailable, returning zero (%v)", err)
	}

	return n
}

// RandomOrZero64 returns a 64-bit random number, or zero when the RNG is not
// available.
func (s *SEC) RandomOrZero64() uint64 {
	n, err := s.Random64()

	if err != nil {
		klog.Warningf("SEC RNG unavailable, returning zero (%v)", err)
	}

	return n
}
