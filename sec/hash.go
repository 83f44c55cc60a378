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
	"crypto/sha256"
	"errors"
	"fmt"
	"math"

	"github.com/transparency-dev/armored-witness-caam/desc"
	"github.com/transparency-dev/armored-witness-caam/mem"
	"github.com/transparency-dev/armored-witness-caam/phys"
)

var (
	ErrAlreadyActive = errors.New("no hash context available")
	ErrLimitExceeded = errors.New("hash scatter/gather table full")
	ErrAlgoMismatch  = errors.New("hash algorithm mismatch")
	ErrHashReleased  = errors.New("hash context released")
)

// HashAlgorithm identifies a hash function.
type HashAlgorithm int

const (
	SHA256 HashAlgorithm = iota + 1
)

// hashContext holds the DMA memory of one hash computation.
type hashContext struct {
	sg     *mem.Buffer
	digest *mem.Buffer
}

func (ctx *hashContext) free() {
	ctx.sg.Free()
	ctx.digest.Free()
}

func (s *SEC) initHashContexts() (err error) {
	s.hashes = make(chan *hashContext, s.Platform.HashContexts)

	for i := 0; i < s.Platform.HashContexts; i++ {
		ctx := &hashContext{}

		if ctx.sg, err = s.alloc(desc.MaxSGEntries * desc.SGEntrySize); err != nil {
			return
		}

		if ctx.digest, err = s.alloc(sha256.Size); err != nil {
			ctx.free()
			return
		}

		s.hashes <- ctx
	}

	return
}

// putHashContext returns a context to the pool it was taken from, or frees
// it when the engine has been released since.
func (s *SEC) putHashContext(pool chan *hashContext, ctx *hashContext) {
	s.Lock()
	defer s.Unlock()

	if pool != s.hashes {
		ctx.free()
		return
	}

	pool <- ctx
}

// Hash is an active hash computation, it owns one engine hash context until
// Final or Close.
type Hash struct {
	s    *SEC
	pool chan *hashContext
	ctx  *hashContext
	alg  HashAlgorithm

	entries []desc.SGEntry
	size    uint64
	bufs    []*mem.Buffer
}

// NewHash starts a hash computation, it fails with ErrAlreadyActive when all
// hash contexts are in use.
func (s *SEC) NewHash(alg HashAlgorithm) (h *Hash, err error) {
	if alg != SHA256 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDigest, alg)
	}

	s.Lock()
	defer s.Unlock()

	if s.ring == nil {
		return nil, ErrNotInitialized
	}

	select {
	case ctx := <-s.hashes:
		h = &Hash{
			s:    s,
			pool: s.hashes,
			ctx:  ctx,
			alg:  alg,
		}
	default:
		return nil, ErrAlreadyActive
	}

	return
}

func (h *Hash) check(alg HashAlgorithm, n int) error {
	if h.ctx == nil {
		return ErrHashReleased
	}

	if alg != h.alg {
		return ErrAlgoMismatch
	}

	if len(h.entries) >= desc.MaxSGEntries {
		return fmt.Errorf("%w (%d entries)", ErrLimitExceeded, desc.MaxSGEntries)
	}

	if n > desc.SGLengthMask || h.size+uint64(n) > math.MaxUint32 {
		return fmt.Errorf("%w (%d bytes)", ErrLimitExceeded, h.size+uint64(n))
	}

	return nil
}

// Update copies data to DMA memory and appends it to the computation, every
// call takes one scatter/gather entry, empty ones included.
func (h *Hash) Update(alg HashAlgorithm, data []byte) (err error) {
	if err = h.check(alg, len(data)); err != nil {
		return
	}

	if len(data) == 0 {
		h.append(h.ctx.digest.Addr, 0)
		return
	}

	buf, err := h.s.alloc(len(data))

	if err != nil {
		return
	}

	copy(buf.Data, data)
	h.s.flush(buf)

	h.bufs = append(h.bufs, buf)
	h.append(buf.Addr, len(data))

	return
}

// UpdateAddr appends n bytes of DMA memory at addr to the computation, the
// memory must not change until Final.
func (h *Hash) UpdateAddr(alg HashAlgorithm, addr phys.Addr, n int) (err error) {
	if n < 0 {
		return fmt.Errorf("invalid length %d", n)
	}

	if err = h.check(alg, n); err != nil {
		return
	}

	h.append(addr, n)

	return
}

func (h *Hash) append(addr phys.Addr, n int) {
	h.entries = append(h.entries, desc.SGEntry{
		Addr:   addr,
		Length: uint32(n),
	})

	h.size += uint64(n)
}

// Len returns the number of scatter/gather entries in use.
func (h *Hash) Len() int {
	return len(h.entries)
}

// Final runs the hash descriptor and returns the digest, the hash context is
// released whether or not it succeeds.
func (h *Hash) Final() (sum [sha256.Size]byte, err error) {
	if h.ctx == nil {
		return sum, ErrHashReleased
	}

	defer h.Close()

	if len(h.entries) == 0 {
		// the engine requires at least one (empty) segment
		h.append(h.ctx.digest.Addr, 0)
	}

	h.entries[len(h.entries)-1].Final = true

	be := h.s.Platform.BigEndian

	for i, e := range h.entries {
		at := uint64(h.ctx.sg.Addr) + uint64(i*desc.SGEntrySize)

		for j, w := range e.Words(be) {
			h.s.Accessor.Write32(at+uint64(4*j), w)
		}
	}

	h.s.flush(h.ctx.sg)

	err = h.s.run(func(d *desc.Descriptor) error {
		return desc.SHA256(d, h.ctx.sg.Addr, uint32(h.size), h.ctx.digest.Addr)
	})

	if err != nil {
		return
	}

	h.s.invalidate(h.ctx.digest)
	copy(sum[:], h.ctx.digest.Data)

	return
}

// Close releases the hash context without computing the digest, it is a
// no-op after Final.
func (h *Hash) Close() {
	if h.ctx == nil {
		return
	}

	for _, buf := range h.bufs {
		buf.Free()
	}

	h.s.putHashContext(h.pool, h.ctx)

	h.ctx = nil
	h.bufs = nil
	h.entries = nil
	h.size = 0
}

// Sum256 returns the SHA-256 digest of data.
func (s *SEC) Sum256(data []byte) (sum [sha256.Size]byte, err error) {
	h, err := s.NewHash(SHA256)

	if err != nil {
		return
	}

	defer h.Close()

	for len(data) > 0 {
		n := len(data)

		if n > desc.SGLengthMask {
			n = desc.SGLengthMask
		}

		if err = h.Update(SHA256, data[:n]); err != nil {
			return
		}

		data = data[n:]
	}

	return h.Final()
}
