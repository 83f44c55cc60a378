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
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/armored-witness-caam/config"
	"github.com/transparency-dev/armored-witness-caam/desc"
	"github.com/transparency-dev/armored-witness-caam/internal/sim"
	"github.com/transparency-dev/armored-witness-caam/jr"
	"github.com/transparency-dev/armored-witness-caam/mem"
)

func TestSum256(t *testing.T) {
	for _, preset := range []string{"imx6ul", "ls1046a"} {
		env := initEnv(t, preset)

		for _, size := range []int{0, 1, 64, 4096, desc.MaxImmediateLength + 1} {
			t.Run(fmt.Sprintf("%s/%d", preset, size), func(t *testing.T) {
				data := bytes.Repeat([]byte{0xa5}, size)

				got, err := env.sec.Sum256(data)
				require.NoError(t, err)

				if want := sha256.Sum256(data); got != want {
					t.Errorf("Got %x, want %x", got, want)
				}
			})
		}
	}
}

func TestHashLimit(t *testing.T) {
	env := initEnv(t, "imx6ul")

	h, err := env.sec.NewHash(SHA256)
	require.NoError(t, err)

	want := sha256.New()

	for i := 0; i < desc.MaxSGEntries; i++ {
		chunk := []byte(fmt.Sprintf("segment %d", i))

		require.NoError(t, h.Update(SHA256, chunk))
		want.Write(chunk)
	}

	require.ErrorIs(t, h.Update(SHA256, []byte("one too many")), ErrLimitExceeded)

	if got := h.Len(); got != desc.MaxSGEntries {
		t.Errorf("Got %d entries after failed update, want %d", got, desc.MaxSGEntries)
	}

	sum, err := h.Final()
	require.NoError(t, err)

	if !bytes.Equal(sum[:], want.Sum(nil)) {
		t.Errorf("Got %x, want %x", sum, want.Sum(nil))
	}

	// the context is available again
	h, err = env.sec.NewHash(SHA256)
	require.NoError(t, err)
	h.Close()
}

func TestHashAlreadyActive(t *testing.T) {
	env := initEnv(t, "imx6ul")

	h, err := env.sec.NewHash(SHA256)
	require.NoError(t, err)

	_, err = env.sec.NewHash(SHA256)
	require.ErrorIs(t, err, ErrAlreadyActive)

	_, err = env.sec.Sum256([]byte("busy"))
	require.ErrorIs(t, err, ErrAlreadyActive)

	h.Close()
	// no-op
	h.Close()

	_, err = env.sec.Sum256([]byte("idle"))
	require.NoError(t, err)
}

func TestHashContexts(t *testing.T) {
	env := initEnv(t, "imx6ul", withPlatform(func(p *config.Platform) {
		p.HashContexts = 2
	}))

	a, err := env.sec.NewHash(SHA256)
	require.NoError(t, err)
	defer a.Close()

	b, err := env.sec.NewHash(SHA256)
	require.NoError(t, err)
	defer b.Close()

	_, err = env.sec.NewHash(SHA256)
	require.ErrorIs(t, err, ErrAlreadyActive)

	require.NoError(t, a.Update(SHA256, []byte("a")))
	require.NoError(t, b.Update(SHA256, []byte("b")))

	sumB, err := b.Final()
	require.NoError(t, err)

	sumA, err := a.Final()
	require.NoError(t, err)

	if want := sha256.Sum256([]byte("a")); sumA != want {
		t.Errorf("Got %x, want %x", sumA, want)
	}

	if want := sha256.Sum256([]byte("b")); sumB != want {
		t.Errorf("Got %x, want %x", sumB, want)
	}
}

func TestHashFinalError(t *testing.T) {
	env := initEnv(t, "imx6ul")

	h, err := env.sec.NewHash(SHA256)
	require.NoError(t, err)
	require.NoError(t, h.Update(SHA256, []byte("fails")))

	env.eng.ForceStatus(sim.StatusInvalidCommand)

	_, err = h.Final()
	require.ErrorIs(t, err, jr.ErrProcessing)

	_, err = h.Final()
	require.ErrorIs(t, err, ErrHashReleased)
	require.ErrorIs(t, h.Update(SHA256, nil), ErrHashReleased)

	// released despite the failure
	h, err = env.sec.NewHash(SHA256)
	require.NoError(t, err)
	h.Close()
}

func TestHashEmptyUpdates(t *testing.T) {
	env := initEnv(t, "imx6ul")

	h, err := env.sec.NewHash(SHA256)
	require.NoError(t, err)

	for i := 0; i < desc.MaxSGEntries-1; i++ {
		require.NoError(t, h.Update(SHA256, nil))
	}

	require.NoError(t, h.Update(SHA256, []byte("abc")))
	require.Equal(t, desc.MaxSGEntries, h.Len())

	require.ErrorIs(t, h.Update(SHA256, nil), ErrLimitExceeded)
	require.ErrorIs(t, h.Update(SHA256, []byte{}), ErrLimitExceeded)

	got, err := h.Final()
	require.NoError(t, err)

	if want := sha256.Sum256([]byte("abc")); got != want {
		t.Errorf("Got %x, want %x", got, want)
	}
}

func TestHashAlgoMismatch(t *testing.T) {
	env := initEnv(t, "imx6ul")

	_, err := env.sec.NewHash(HashAlgorithm(0))
	require.ErrorIs(t, err, ErrUnsupportedDigest)

	h, err := env.sec.NewHash(SHA256)
	require.NoError(t, err)
	defer h.Close()

	require.ErrorIs(t, h.Update(HashAlgorithm(2), []byte("x")), ErrAlgoMismatch)
	require.ErrorIs(t, h.UpdateAddr(HashAlgorithm(2), ramStart, 1), ErrAlgoMismatch)
	require.Zero(t, h.Len())
}

func TestHashUpdateAddr(t *testing.T) {
	env := initEnv(t, "ls1046a")

	buf, err := mem.Alloc(env.ram, 100, 0)
	require.NoError(t, err)
	defer buf.Free()

	copy(buf.Data, bytes.Repeat([]byte("dma"), 34))

	h, err := env.sec.NewHash(SHA256)
	require.NoError(t, err)

	require.NoError(t, h.UpdateAddr(SHA256, buf.Addr, 50))
	// empty segments take an entry each
	require.NoError(t, h.Update(SHA256, nil))
	require.NoError(t, h.UpdateAddr(SHA256, buf.Addr.Add(50), 0))
	require.NoError(t, h.Update(SHA256, buf.Data[50:]))
	require.Equal(t, 4, h.Len())

	require.Error(t, h.UpdateAddr(SHA256, buf.Addr, -1))
	require.ErrorIs(t, h.UpdateAddr(SHA256, buf.Addr, desc.SGLengthMask+1), ErrLimitExceeded)

	got, err := h.Final()
	require.NoError(t, err)

	if want := sha256.Sum256(buf.Data); got != want {
		t.Errorf("Got %x, want %x", got, want)
	}
}
