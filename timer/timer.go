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

// Package timer provides the millisecond clock and deadlines used to bound
// every busy-wait loop of the SEC driver.
package timer

import (
	"sync"
	"time"
)

// Clock is a monotonic millisecond time source.
type Clock interface {
	Now() uint64
}

// Elapsed returns the milliseconds passed since start.
func Elapsed(c Clock, start uint64) uint64 {
	return c.Now() - start
}

// System is a Clock backed by the Go runtime monotonic clock.
type System struct {
	start time.Time
}

// NewSystem returns a Clock starting at zero.
func NewSystem() *System {
	return &System{start: time.Now()}
}

// Now implements Clock.
func (s *System) Now() uint64 {
	return uint64(time.Since(s.start).Milliseconds())
}

// Fake is a manually driven Clock, every reading advances it by Step.
type Fake struct {
	sync.Mutex

	Step uint64
	now  uint64
}

// Now implements Clock.
func (f *Fake) Now() uint64 {
	f.Lock()
	defer f.Unlock()

	now := f.now
	f.now += f.Step

	return now
}

// Advance moves the clock forward by ms.
func (f *Fake) Advance(ms uint64) {
	f.Lock()
	f.now += ms
	f.Unlock()
}

// Deadline bounds a polling loop either by wall-clock time or by a number of
// iterations.
type Deadline struct {
	clock   Clock
	start   uint64
	timeout uint64

	count int
	limit int
}

// After returns a Deadline expiring ms milliseconds from now.
func After(c Clock, ms uint64) *Deadline {
	return &Deadline{
		clock:   c,
		start:   c.Now(),
		timeout: ms,
	}
}

// Iterations returns a Deadline expiring on the n-th call to Expired.
func Iterations(n int) *Deadline {
	return &Deadline{limit: n}
}

// Expired reports whether the deadline has passed, iteration bounded
// deadlines count each call.
func (d *Deadline) Expired() bool {
	if d.clock == nil {
		d.count++
		return d.count >= d.limit
	}

	return Elapsed(d.clock, d.start) >= d.timeout
}

// Remaining returns the iterations or milliseconds left.
func (d *Deadline) Remaining() uint64 {
	if d.clock == nil {
		if d.count >= d.limit {
			return 0
		}

		return uint64(d.limit - d.count)
	}

	if e := Elapsed(d.clock, d.start); e < d.timeout {
		return d.timeout - e
	}

	return 0
}
