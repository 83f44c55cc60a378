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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/armored-witness-caam/desc"
	"github.com/transparency-dev/armored-witness-caam/internal/sim"
	"github.com/transparency-dev/armored-witness-caam/mem"
	"github.com/transparency-dev/armored-witness-caam/mmio"
	"github.com/transparency-dev/armored-witness-caam/phys"
	"github.com/transparency-dev/armored-witness-caam/timer"
)

const (
	caamBase = 0x02140000
	ramStart = 0x80000000
	ramSize  = 0x40000
)

type testEnv struct {
	eng   *sim.Engine
	ram   *mem.Region
	acc   mmio.Accessor
	clock *timer.Fake
	drv   *Driver
	ring  *Ring
}

func newEnv(t *testing.T, width phys.Width, bigEndian bool, size int) *testEnv {
	t.Helper()

	env := &testEnv{
		ram:   mem.NewRegion(ramStart, ramSize),
		clock: &timer.Fake{Step: 1},
		drv:   &Driver{},
	}

	env.eng = sim.New(sim.Config{
		Base:      caamBase,
		BigEndian: bigEndian,
		Width:     width,
		RAM:       env.ram,
	})
	env.acc = mmio.New(env.eng, bigEndian)

	require.NoError(t, env.drv.LibInit())

	r, err := env.drv.InitJobRing(env.config(width, size))
	require.NoError(t, err)
	env.ring = r

	d := desc.New(width, bigEndian)
	require.NoError(t, desc.RNGInstantiate(d))

	_, err = r.SubmitAndWait(d)
	require.NoError(t, err)

	return env
}

func (env *testEnv) config(width phys.Width, size int) Config {
	return Config{
		Index:           0,
		Base:            env.eng.JobRingBase(0),
		Accessor:        env.acc,
		Memory:          env.ram,
		Clock:           env.clock,
		Width:           width,
		Size:            size,
		Timeout:         1000,
		ResetIterations: 100,
	}
}

// job returns an RNG descriptor filling a fresh 8 byte buffer.
func (env *testEnv) job(t *testing.T) (*desc.Descriptor, *mem.Buffer) {
	t.Helper()

	out, err := mem.Alloc(env.ram, 8, 0)
	require.NoError(t, err)

	d := desc.New(env.ring.Width(), env.acc.BigEndian())
	require.NoError(t, desc.RNGGenerate(d, out.Addr, out.Len(), 0, 0))

	return d, out
}

func TestFull(t *testing.T) {
	for size := uint32(2); size <= 1024; size <<= 1 {
		mask := size - 1

		for pidx := uint32(0); pidx < size; pidx++ {
			for cidx := uint32(0); cidx < size; cidx++ {
				outstanding := (pidx - cidx) & mask
				full := Full(pidx, cidx, size, size)

				if full != (outstanding == size-1) {
					t.Fatalf("size %d pidx %d cidx %d: Got full %v with %d outstanding", size, pidx, cidx, full, outstanding)
				}

				if !full && next(pidx, size) == cidx {
					t.Fatalf("size %d pidx %d cidx %d: enqueue would make pidx reach cidx", size, pidx, cidx)
				}
			}
		}
	}
}

func TestSubmitAndWait(t *testing.T) {
	for _, test := range []struct {
		width     phys.Width
		bigEndian bool
	}{
		{phys.Width32, false},
		{phys.Width32, true},
		{phys.Width64, false},
		{phys.Width64, true},
	} {
		t.Run(fmt.Sprintf("%v/be=%v", test.width, test.bigEndian), func(t *testing.T) {
			env := newEnv(t, test.width, test.bigEndian, DefaultSize)
			d, out := env.job(t)

			status, err := env.ring.SubmitAndWait(d)
			require.NoError(t, err)
			require.Zero(t, status)
			require.NotEqual(t, make([]byte, 8), out.Data)

			if got := env.ring.Stats(); got.Completed != 2 || got.Enqueued != 2 {
				t.Errorf("Got %+v, want 2 enqueued and completed", got)
			}
		})
	}
}

func TestRingFull(t *testing.T) {
	env := newEnv(t, phys.Width32, false, 16)
	env.eng.Pause()

	for i := 0; i < 15; i++ {
		d, _ := env.job(t)
		require.NoError(t, env.ring.Enqueue(d, nil, nil), "enqueue %d", i)
	}

	d, _ := env.job(t)

	if err := env.ring.Enqueue(d, nil, nil); !errors.Is(err, ErrRingFull) {
		t.Fatalf("Got %v, want %v", err, ErrRingFull)
	}

	env.eng.Complete(0, 1)

	n, err := env.ring.Poll(-1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, env.ring.Enqueue(d, nil, nil))
	require.Equal(t, 15, env.ring.Outstanding())
}

func TestPollLimit(t *testing.T) {
	env := newEnv(t, phys.Width64, true, DefaultSize)
	env.eng.Pause()

	var notified []int

	cb := func(words []uint32, status uint32, arg any, r *Ring) {
		if r != env.ring || status != 0 || len(words) != desc.Length(words[0]) {
			t.Errorf("unexpected callback arguments %v %#x", words, status)
		}

		notified = append(notified, arg.(int))
	}

	for i := 0; i < 5; i++ {
		d, _ := env.job(t)
		require.NoError(t, env.ring.Enqueue(d, cb, i))
	}

	env.eng.Resume()

	n, err := env.ring.Poll(3)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	if diff := cmp.Diff([]int{0, 1, 2}, notified); diff != "" {
		t.Fatalf("first poll diff (-want +got):\n%s", diff)
	}

	n, err = env.ring.Poll(-1)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	if diff := cmp.Diff([]int{0, 1, 2, 3, 4}, notified); diff != "" {
		t.Errorf("second poll diff (-want +got):\n%s", diff)
	}

	n, err = env.ring.Poll(0)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPollStatusError(t *testing.T) {
	env := newEnv(t, phys.Width32, false, DefaultSize)
	env.eng.Pause()

	for i := 0; i < 3; i++ {
		d, _ := env.job(t)
		require.NoError(t, env.ring.Enqueue(d, nil, nil))
	}

	env.eng.ForceStatus(0, sim.StatusInvalidCommand)
	env.eng.Resume()

	n, err := env.ring.Poll(-1)
	require.Equal(t, 1, n)
	require.ErrorIs(t, err, ErrProcessing)

	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, SourceDECO, serr.Source)

	n, err = env.ring.Poll(-1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	if got := env.ring.Stats(); got.Failed != 1 || got.Completed != 3 {
		t.Errorf("Got %+v, want 1 failed and 3 completed", got)
	}
}

func TestSubmitAndWaitStatus(t *testing.T) {
	env := newEnv(t, phys.Width32, false, DefaultSize)

	env.eng.ForceStatus(sim.StatusHFNThreshold)
	d, _ := env.job(t)

	status, err := env.ring.SubmitAndWait(d)
	require.NoError(t, err)
	require.Equal(t, uint32(sim.StatusHFNThreshold), status)

	env.eng.ForceStatus(sim.StatusJumpHalt)

	_, err = env.ring.SubmitAndWait(d)
	require.ErrorIs(t, err, ErrProcessing)
}

func TestSubmitAndWaitTimeout(t *testing.T) {
	env := newEnv(t, phys.Width32, false, DefaultSize)
	env.eng.Pause()

	d, _ := env.job(t)

	if _, err := env.ring.SubmitAndWait(d); !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("Got %v, want %v", err, ErrPollTimeout)
	}

	require.Equal(t, 1, env.ring.Outstanding())
}

func TestRingError(t *testing.T) {
	env := newEnv(t, phys.Width32, false, DefaultSize)
	env.eng.Pause()

	d, _ := env.job(t)
	require.NoError(t, env.ring.Enqueue(d, nil, nil))

	env.eng.RaiseRingError(0, ERR_REM_TOO_MANY)
	env.eng.Resume()

	n, err := env.ring.Poll(-1)
	require.Zero(t, n)
	require.ErrorIs(t, err, ErrRingFault)

	var rerr *RingError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, uint32(ERR_REM_TOO_MANY), rerr.Type)
	require.Equal(t, 1, env.ring.Outstanding())
}

func TestReentrantPoll(t *testing.T) {
	env := newEnv(t, phys.Width32, false, DefaultSize)

	var inner error

	cb := func(_ []uint32, _ uint32, _ any, r *Ring) {
		_, inner = r.Poll(-1)
	}

	env.eng.Pause()

	d, _ := env.job(t)
	require.NoError(t, env.ring.Enqueue(d, cb, nil))

	env.eng.Resume()

	n, err := env.ring.Poll(-1)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.ErrorIs(t, inner, ErrPollBusy)
}

func TestResetTimeout(t *testing.T) {
	for _, test := range []struct {
		name  string
		stall func(e *sim.Engine)
	}{
		{"halt", func(e *sim.Engine) { e.StallHalt(true) }},
		{"reset", func(e *sim.Engine) { e.StallReset(true) }},
	} {
		t.Run(test.name, func(t *testing.T) {
			env := newEnv(t, phys.Width32, false, DefaultSize)
			test.stall(env.eng)

			if err := env.ring.Reset(); !errors.Is(err, ErrResetTimeout) {
				t.Fatalf("Got %v, want %v", err, ErrResetTimeout)
			}

			d, _ := env.job(t)

			if err := env.ring.Enqueue(d, nil, nil); !errors.Is(err, ErrRingBusy) {
				t.Errorf("Got %v, want %v", err, ErrRingBusy)
			}
		})
	}
}

func TestReset(t *testing.T) {
	env := newEnv(t, phys.Width64, false, DefaultSize)

	for i := 0; i < 3; i++ {
		d, _ := env.job(t)
		_, err := env.ring.SubmitAndWait(d)
		require.NoError(t, err)
	}

	require.NoError(t, env.ring.Reset())

	pidx, cidx := env.ring.Indices()
	require.Zero(t, pidx)
	require.Zero(t, cidx)

	d, _ := env.job(t)
	_, err := env.ring.SubmitAndWait(d)
	require.NoError(t, err)
}

func TestDescriptorFormat(t *testing.T) {
	env := newEnv(t, phys.Width32, false, DefaultSize)

	d := desc.New(phys.Width64, false)
	require.NoError(t, desc.RNGInstantiate(d))

	if err := env.ring.Enqueue(d, nil, nil); !errors.Is(err, ErrDescriptorFormat) {
		t.Errorf("Got %v, want %v", err, ErrDescriptorFormat)
	}
}

func TestCoalescing(t *testing.T) {
	env := newEnv(t, phys.Width32, false, DefaultSize)

	cfg := env.config(phys.Width32, 4)
	cfg.Index = 1
	cfg.Base = env.eng.JobRingBase(1)
	cfg.Mode = ModeIRQ
	cfg.Coalescing = true
	cfg.CoalescingCount = 4
	cfg.CoalescingTimer = 0x100

	r, err := env.drv.InitJobRing(cfg)
	require.NoError(t, err)

	reg := cfg.Base + JR_JRCFG1

	if got, want := env.acc.Read32(reg), uint32(0x100<<JRCFG1_ICTT|4<<JRCFG1_ICDCT|1<<JRCFG1_ICEN); got != want {
		t.Fatalf("Got JRCFG1 %#x, want %#x", got, want)
	}

	require.NoError(t, r.Shutdown())

	if got := env.acc.Read32(reg); got&(1<<JRCFG1_ICEN) != 0 || got&(1<<JRCFG1_IMSK) == 0 {
		t.Errorf("Got JRCFG1 %#x, want coalescing disabled and interrupts masked", got)
	}
}

func TestStatusDecode(t *testing.T) {
	for _, test := range []struct {
		status  uint32
		want    StatusError
		warning bool
	}{
		{
			status:  0x400000f1,
			want:    StatusError{Status: 0x400000f1, Source: SourceDECO, Code: 0xf1},
			warning: true,
		},
		{
			status: 0x40000304,
			want:   StatusError{Status: 0x40000304, Source: SourceDECO, Index: 3, Code: 0x04},
		},
		{
			status: 0x20000083,
			want:   StatusError{Status: 0x20000083, Source: SourceCCB, CHA: 8, Code: 3},
		},
		{
			status: 0x78001203,
			want:   StatusError{Status: 0x78001203, Source: SourceJumpHaltCond, Jump: true, Index: 0x12, Code: 0x03},
		},
		{
			status: 0x60000301,
			want:   StatusError{Status: 0x60000301, Source: SourceJobRing, Index: 3, Code: 0x01},
		},
		{
			status: 0x30000000,
			want:   StatusError{Status: 0x30000000, Source: SourceJumpHaltUser},
		},
	} {
		t.Run(fmt.Sprintf("%#x", test.status), func(t *testing.T) {
			got := DecodeStatus(test.status)

			if diff := cmp.Diff(test.want, *got); diff != "" {
				t.Errorf("DecodeStatus diff (-want +got):\n%s", diff)
			}

			if got.Warning() != test.warning {
				t.Errorf("Got warning %v, want %v", got.Warning(), test.warning)
			}

			if !errors.Is(got, ErrProcessing) {
				t.Errorf("Got %v, want wrapped %v", got, ErrProcessing)
			}
		})
	}
}

func TestRingMetrics(t *testing.T) {
	env := newEnv(t, phys.Width32, false, DefaultSize)
	registry := metrics.NewRegistry()

	count := func(name string) int64 {
		c, ok := registry.Get(name).(metrics.Counter)
		require.True(t, ok, name)

		return c.Count()
	}

	cfg := env.config(phys.Width32, DefaultSize)
	cfg.Index = 1
	cfg.Base = env.eng.JobRingBase(1)
	cfg.Metrics = registry

	r, err := env.drv.InitJobRing(cfg)
	require.NoError(t, err)

	env.ring = r
	d, _ := env.job(t)

	_, err = r.SubmitAndWait(d)
	require.NoError(t, err)

	env.eng.ForceStatus(sim.StatusInvalidCommand)

	_, err = r.SubmitAndWait(d)
	require.ErrorIs(t, err, ErrProcessing)

	want := map[string]int64{
		"jr1.enqueued":  2,
		"jr1.completed": 1,
		"jr1.failed":    1,
		"jr1.discarded": 0,
	}

	for name, n := range want {
		if got := count(name); got != n {
			t.Errorf("Got %s %d, want %d", name, got, n)
		}
	}

	if got := r.Stats(); got.Enqueued != 2 || got.Completed != 1 || got.Failed != 1 {
		t.Errorf("Got %+v, want 2 enqueued, 1 completed and 1 failed", got)
	}

	// rings without a registry are not exported
	require.Nil(t, registry.Get("jr0.enqueued"))
}
