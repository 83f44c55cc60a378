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

// Package jr implements the SEC job ring protocol.
//
// A job ring is a pair of circular buffers in DMA memory: the input ring
// holds pointers to job descriptors and the output ring receives, in
// completion order, the descriptor pointer and its status word. Jobs are
// submitted with Enqueue and collected with Poll, SubmitAndWait combines
// both for synchronous use.
package jr

import (
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-caam/timer"
)

// State is the driver state.
type State int32

const (
	StateIdle State = iota
	StateStarted
	StateRelease
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateRelease:
		return "release"
	}

	return "unknown"
}

// Driver owns the job rings of a SEC instance.
type Driver struct {
	sync.Mutex

	state atomic.Int32
	rings []*Ring
}

// State returns the driver state.
func (d *Driver) State() State {
	return State(d.state.Load())
}

// Rings returns the initialized job rings.
func (d *Driver) Rings() []*Ring {
	d.Lock()
	defer d.Unlock()

	return append([]*Ring(nil), d.rings...)
}

// LibInit starts the driver, it is a no-op when already started.
func (d *Driver) LibInit() error {
	d.Lock()
	defer d.Unlock()

	switch d.State() {
	case StateStarted:
		return nil
	case StateRelease:
		return ErrReleaseInProgress
	}

	d.rings = nil
	d.state.Store(int32(StateStarted))

	return nil
}

// InitJobRing allocates and resets a job ring, enabling interrupts and
// coalescing when the ring is configured for interrupt mode.
func (d *Driver) InitJobRing(cfg Config) (r *Ring, err error) {
	d.Lock()
	defer d.Unlock()

	if d.State() != StateStarted {
		return nil, ErrNotStarted
	}

	if len(d.rings) >= MaxRings {
		return nil, ErrNoRing
	}

	for _, jr := range d.rings {
		if jr.Index() == cfg.Index {
			return nil, ErrNoRing
		}
	}

	if r, err = newRing(d, cfg); err != nil {
		return
	}

	if err = r.Reset(); err != nil {
		r.free()
		return nil, err
	}

	if cfg.Mode == ModeIRQ {
		if cfg.Coalescing {
			r.SetCoalescing(cfg.CoalescingTimer, cfg.CoalescingCount)
			r.EnableCoalescing()
		}

		r.EnableIRQs()
	}

	d.rings = append(d.rings, r)

	klog.V(1).Infof("SEC jr%d started (%d entries, %v pointers)", cfg.Index, cfg.Size, cfg.Width)

	return
}

// Release discards outstanding jobs without notification, shuts down every
// ring and returns the driver to idle.
func (d *Driver) Release() (err error) {
	switch d.State() {
	case StateIdle:
		return ErrNotStarted
	case StateRelease:
		return ErrReleaseInProgress
	}

	if !d.state.CompareAndSwap(int32(StateStarted), int32(StateRelease)) {
		return ErrReleaseInProgress
	}

	d.Lock()
	defer d.Unlock()

	for _, r := range d.rings {
		if n := r.Flush(timer.After(r.cfg.Clock, r.cfg.Timeout)); n > 0 {
			klog.Infof("SEC jr%d discarded %d jobs", r.Index(), n)
		}
	}

	for _, r := range d.rings {
		if e := r.Shutdown(); e != nil && err == nil {
			err = e
		}
	}

	d.rings = nil
	d.state.Store(int32(StateIdle))

	return
}
