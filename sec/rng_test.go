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
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/armored-witness-caam/desc"
	"github.com/transparency-dev/armored-witness-caam/internal/sim"
	"github.com/transparency-dev/armored-witness-caam/jr"
)

func TestEntropyDelay(t *testing.T) {
	b := &entropyDelay{min: 3200, max: 12800, step: 400}
	b.Reset()

	var delays []uint32

	for {
		delays = append(delays, b.delay)

		if b.NextBackOff() < 0 {
			break
		}
	}

	if got, want := len(delays), 24; got != want {
		t.Fatalf("Got %d attempts, want %d", got, want)
	}

	if got, want := delays[len(delays)-1], uint32(12400); got != want {
		t.Errorf("Got last delay %d, want %d", got, want)
	}

	b.Reset()

	if b.delay != 3200 {
		t.Errorf("Got delay %d after reset, want 3200", b.delay)
	}
}

func TestInstantiateRNGRetry(t *testing.T) {
	env := newEnv(t, "imx6ul")
	env.eng.FailInstantiate(2)

	require.NoError(t, env.sec.Init())
	defer env.sec.Release()

	want := []uint32{3200, 3600, 4000}

	if diff := cmp.Diff(want, env.eng.EntropyDelays()); diff != "" {
		t.Errorf("entropy delays diff (-want +got):\n%s", diff)
	}

	if got, want := env.eng.Register(RNG_RTFRQMIN), uint32(4000>>2); got != want {
		t.Errorf("Got RTFRQMIN %d, want %d", got, want)
	}

	if got := env.eng.Register(RNG_RTMCTL); got>>RTMCTL_PRGM&1 != 0 || got&0b11 != SAMP_MODE_RAW {
		t.Errorf("Got RTMCTL %#x, want run mode with raw sampling", got)
	}

	// idempotent
	require.NoError(t, env.sec.InstantiateRNG())
	require.Len(t, env.eng.EntropyDelays(), 3)
}

func TestInstantiateRNGStateHandle(t *testing.T) {
	for _, sh := range []int{0, 1} {
		t.Run(fmt.Sprintf("handle %d", sh), func(t *testing.T) {
			env := newEnv(t, "imx6ul")
			env.eng.Instantiate(sh)
			// instantiation attempts would all fail
			env.eng.FailInstantiate(100)

			require.NoError(t, env.sec.Init())
			defer env.sec.Release()

			require.Empty(t, env.eng.EntropyDelays())

			got, ok := env.sec.rngHandle()
			require.True(t, ok)
			require.Equal(t, sh, got)

			buf := make([]byte, 64)
			_, err := env.sec.Read(buf)
			require.NoError(t, err)

			if bytes.Equal(buf, make([]byte, len(buf))) {
				t.Errorf("Got all zero random bytes from state handle %d", sh)
			}

			require.Empty(t, env.eng.EntropyDelays())
		})
	}
}

func TestInstantiateRNGFailure(t *testing.T) {
	env := newEnv(t, "imx6ul")
	env.eng.FailInstantiate(100)

	require.ErrorIs(t, env.sec.Init(), ErrRNGInstantiate)
	require.ErrorIs(t, env.sec.Release(), ErrNotInitialized)

	delays := env.eng.EntropyDelays()
	require.Len(t, delays, 24)

	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Fatalf("Got entropy delay %d after %d, want strictly increasing", delays[i], delays[i-1])
		}
	}

	if last := delays[len(delays)-1]; last >= env.p.RNG.MaxEntropyDelay {
		t.Errorf("Got entropy delay %d, want below %d", last, env.p.RNG.MaxEntropyDelay)
	}

	if n := env.ram.Reserved(); n != 0 {
		t.Errorf("Got %d bytes reserved after failed init, want 0", n)
	}
}

func TestInstantiateRNGReleased(t *testing.T) {
	env := initEnv(t, "imx6ul")

	require.NoError(t, env.sec.Release())
	require.ErrorIs(t, env.sec.InstantiateRNG(), ErrNotInitialized)

	_, err := env.sec.Read(make([]byte, 4))
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestRead(t *testing.T) {
	env := initEnv(t, "ls1046a")

	for _, size := range []int{0, 1, 7, 4096, desc.MaxRNGLength + 10} {
		buf := make([]byte, size)

		n, err := env.sec.Read(buf)
		require.NoError(t, err)
		require.Equal(t, size, n)

		if size > 64 && bytes.Equal(buf, make([]byte, size)) {
			t.Errorf("Got all zero random bytes (%d)", size)
		}
	}

	// io.Reader
	buf := make([]byte, 100)
	_, err := io.ReadFull(env.sec, buf)
	require.NoError(t, err)
}

func TestRandom(t *testing.T) {
	env := initEnv(t, "imx6ul")

	a, err := env.sec.Random64()
	require.NoError(t, err)

	b, err := env.sec.Random64()
	require.NoError(t, err)

	if a == b {
		t.Errorf("Got repeated random number %#x", a)
	}

	_, err = env.sec.Random32()
	require.NoError(t, err)

	require.NotZero(t, env.sec.RandomOrZero32())
	require.NotZero(t, env.sec.RandomOrZero64())

	env.eng.ForceStatus(sim.StatusRNG)

	_, err = env.sec.Random32()
	require.ErrorIs(t, err, jr.ErrProcessing)

	env.eng.ForceStatus(sim.StatusRNG, sim.StatusRNG)

	require.Zero(t, env.sec.RandomOrZero32())
	require.Zero(t, env.sec.RandomOrZero64())
}
