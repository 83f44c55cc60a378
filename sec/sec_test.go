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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/armored-witness-caam/api"
	"github.com/transparency-dev/armored-witness-caam/config"
	"github.com/transparency-dev/armored-witness-caam/internal/sim"
	"github.com/transparency-dev/armored-witness-caam/mem"
	"github.com/transparency-dev/armored-witness-caam/mmio"
	"github.com/transparency-dev/armored-witness-caam/timer"
)

const (
	ramStart = 0x80000000
	ramSize  = 0x100000
)

type testEnv struct {
	p   *config.Platform
	eng *sim.Engine
	ram *mem.Region
	sec *SEC
}

type envOption func(p *config.Platform, cfg *sim.Config)

func withID(id uint32) envOption {
	return func(_ *config.Platform, cfg *sim.Config) {
		cfg.ID = id
	}
}

func withVirtualization() envOption {
	return func(_ *config.Platform, cfg *sim.Config) {
		cfg.Virtualization = true
	}
}

func withPlatform(f func(p *config.Platform)) envOption {
	return func(p *config.Platform, _ *sim.Config) {
		f(p)
	}
}

// newEnv returns an uninitialized SEC backed by a simulated engine.
func newEnv(t *testing.T, preset string, opts ...envOption) *testEnv {
	t.Helper()

	p, err := config.Preset(preset)
	require.NoError(t, err)

	p.TimeoutMS = 1000

	env := &testEnv{
		p:   p,
		ram: mem.NewRegion(ramStart, ramSize),
	}

	cfg := sim.Config{
		Base:      p.CAAMBase,
		Stride:    p.RingStride,
		BigEndian: p.BigEndian,
		RAM:       env.ram,
	}

	for _, opt := range opts {
		opt(p, &cfg)
	}

	env.eng = sim.New(cfg)
	env.sec = New(p, mmio.New(env.eng, p.BigEndian), env.ram, &timer.Fake{Step: 1})

	return env
}

// initEnv returns an initialized SEC backed by a simulated engine.
func initEnv(t *testing.T, preset string, opts ...envOption) *testEnv {
	t.Helper()

	env := newEnv(t, preset, opts...)
	require.NoError(t, env.sec.Init())

	t.Cleanup(func() {
		_ = env.sec.Release()
	})

	return env
}

func TestInit(t *testing.T) {
	for _, preset := range config.Presets() {
		t.Run(preset, func(t *testing.T) {
			env := initEnv(t, preset, withID(0x0a100500))

			require.True(t, env.sec.rngInstantiated())
			// idempotent
			require.NoError(t, env.sec.Init())

			want := uint32(env.p.Cache.AWCache)<<MCFGR_AWCACHE | uint32(env.p.Cache.ARCache)<<MCFGR_ARCACHE

			if env.p.PointerWidth == 64 {
				want |= 1 << MCFGR_PS
			}

			if got := env.eng.Register(SEC_MCFGR); got != want {
				t.Errorf("Got MCFGR %#x, want %#x", got, want)
			}

			if got := env.eng.Register(SEC_JRSTARTR); got != 0 {
				t.Errorf("Got JRSTARTR %#x without virtualization", got)
			}
		})
	}
}

func TestInitICID(t *testing.T) {
	icid := withPlatform(func(p *config.Platform) {
		p.ICID = config.ICID{
			Enabled:   true,
			TrustZone: true,
			SDID:      5,
			SEQID:     1,
			NSEQID:    2,
		}
	})

	t.Run("configured", func(t *testing.T) {
		env := initEnv(t, "ls1046a", icid)
		ms, ls := jricid(env.p.JobRing)

		if got, want := env.eng.Register(ms), uint32(1<<JRICID_MS_TZ|5); got != want {
			t.Errorf("Got JRICID_MS %#x, want %#x", got, want)
		}

		if got, want := env.eng.Register(ls), uint32(2<<JRICID_LS_NSEQID|1); got != want {
			t.Errorf("Got JRICID_LS %#x, want %#x", got, want)
		}
	})

	t.Run("locked", func(t *testing.T) {
		env := newEnv(t, "ls1046a", icid)
		env.eng.LockICID(env.p.JobRing)

		require.NoError(t, env.sec.Init())
		defer env.sec.Release()

		ms, ls := jricid(env.p.JobRing)

		if got, want := env.eng.Register(ms), uint32(1<<JRICID_MS_LICID); got != want {
			t.Errorf("Got JRICID_MS %#x, want %#x", got, want)
		}

		if got := env.eng.Register(ls); got != 0 {
			t.Errorf("Got JRICID_LS %#x, want 0", got)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		env := initEnv(t, "imx6ul")
		ms, _ := jricid(env.p.JobRing)

		if got := env.eng.Register(ms); got != 0 {
			t.Errorf("Got JRICID_MS %#x, want 0", got)
		}
	})
}

func TestInitVirtualization(t *testing.T) {
	env := initEnv(t, "lx2160a", withID(0x0a100500), withVirtualization())

	if got, want := env.eng.Register(SEC_JRSTARTR), uint32(1<<env.p.JobRing); got != want {
		t.Errorf("Got JRSTARTR %#x, want %#x", got, want)
	}
}

func TestInitVersion(t *testing.T) {
	for _, test := range []struct {
		desc    string
		preset  string
		id      uint32
		wantErr error
	}{
		{
			desc:   "no minimum",
			preset: "imx6ul",
			id:     0x0a100100,
		},
		{
			desc:   "minimum",
			preset: "lx2160a",
			id:     0x0a100500,
		},
		{
			desc:    "too old",
			preset:  "lx2160a",
			id:      0x0a100400,
			wantErr: ErrUnsupportedVersion,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			env := newEnv(t, test.preset, withID(test.id))
			err := env.sec.Init()

			if test.wantErr != nil {
				require.ErrorIs(t, err, test.wantErr)
				require.ErrorIs(t, env.sec.Release(), ErrNotInitialized)
				return
			}

			require.NoError(t, err)
			defer env.sec.Release()

			ipID, version := env.sec.Version()

			if ipID != 0x0a10 {
				t.Errorf("Got IP ID %#x, want 0x0a10", ipID)
			}

			if got, want := version.Major, int64(test.id>>8&0xff); got != want {
				t.Errorf("Got major version %d, want %d", got, want)
			}
		})
	}
}

func TestInitSkipRNG(t *testing.T) {
	env := initEnv(t, "imx6ul", withPlatform(func(p *config.Platform) {
		p.RNG.Skip = true
	}))

	require.False(t, env.sec.rngInstantiated())
	require.Empty(t, env.eng.EntropyDelays())

	// instantiated on first use
	_, err := env.sec.Random32()
	require.NoError(t, err)
	require.True(t, env.sec.rngInstantiated())
}

func TestRelease(t *testing.T) {
	env := newEnv(t, "lx2160a", withID(0x0a100500))

	require.ErrorIs(t, env.sec.Release(), ErrNotInitialized)

	require.NoError(t, env.sec.Init())
	require.NotZero(t, env.ram.Reserved())

	h, err := env.sec.NewHash(SHA256)
	require.NoError(t, err)
	require.NoError(t, h.Update(SHA256, []byte("pending")))

	require.NoError(t, env.sec.Release())
	require.ErrorIs(t, env.sec.Release(), ErrNotInitialized)

	// contexts held across release are freed on close
	h.Close()

	if n := env.ram.Reserved(); n != 0 {
		t.Errorf("Got %d bytes reserved after release, want 0", n)
	}

	_, err = env.sec.Sum256([]byte("released"))
	require.ErrorIs(t, err, ErrNotInitialized)

	// reinitialization keeps the RNG instantiated by the first one
	require.NoError(t, env.sec.Init())
	defer env.sec.Release()

	require.Len(t, env.eng.EntropyDelays(), 1)
}

func TestInitMissing(t *testing.T) {
	s := &SEC{}

	if err := s.Init(); err == nil || errors.Is(err, ErrNotInitialized) {
		t.Errorf("Got %v, want configuration error", err)
	}
}

func TestStatus(t *testing.T) {
	env := initEnv(t, "imx6ul")

	_, err := env.sec.Sum256([]byte("status"))
	require.NoError(t, err)

	want := &api.Status{
		Platform:     "imx6ul",
		IPID:         0x0a10,
		Version:      "4.0.0",
		State:        "started",
		JobRing:      0,
		RingSize:     16,
		PointerWidth: 32,
		RNG:          true,
		// RNG instantiation and hash
		Enqueued:  2,
		Completed: 2,
	}

	if diff := cmp.Diff(want, env.sec.Status()); diff != "" {
		t.Errorf("Status diff (-want +got):\n%s", diff)
	}
}
