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

package rpmb

import (
	"crypto/sha256"
	"crypto/subtle"
	"io"
)

const (
	ipad = 0x36
	opad = 0x5c
)

// Engine supplies the RPMB request nonces and the SHA-256 jobs behind frame
// MACs, it is satisfied by *sec.SEC.
type Engine interface {
	io.Reader
	Sum256(data []byte) ([sha256.Size]byte, error)
}

// mac returns the HMAC-SHA256 (RFC 2104) of msg, both hash passes run on the
// engine. The key is shorter than the hash block and is used as is.
func (p *RPMB) mac(msg []byte) (sum [sha256.Size]byte, err error) {
	inner := make([]byte, sha256.BlockSize, sha256.BlockSize+len(msg))
	outer := make([]byte, sha256.BlockSize, sha256.BlockSize+sha256.Size)

	copy(inner, p.key[:])
	copy(outer, p.key[:])

	for i := range inner {
		inner[i] ^= ipad
		outer[i] ^= opad
	}

	if sum, err = p.engine.Sum256(append(inner, msg...)); err != nil {
		return
	}

	return p.engine.Sum256(append(outer, sum[:]...))
}

// sign sets the MAC of a request frame.
func (p *RPMB) sign(f *Frame) (err error) {
	f.KeyMAC, err = p.mac(authenticated(f.Bytes()))
	return
}

// verify checks the MAC of a received frame.
func (p *RPMB) verify(buf []byte, f *Frame) error {
	sum, err := p.mac(authenticated(buf))

	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare(sum[:], f.KeyMAC[:]) != 1 {
		return ErrMAC
	}

	return nil
}
