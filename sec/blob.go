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
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/transparency-dev/armored-witness-caam/desc"
)

const (
	hukKeyIDSize = 16
	hukInputSize = 16
	// blob key, encrypted input and MAC
	hukBlobSize = 32 + hukInputSize + 16

	// MaxHUKSize is the largest hardware unique key size.
	MaxHUKSize = hukBlobSize / 2
	// MaxDerivedKeySize is the largest DeriveKey size (HKDF-SHA256 limit).
	MaxDerivedKeySize = 255 * sha256.Size
)

// HardwareUniqueKey returns a device unique key of the requested size, it
// is extracted from the encapsulation of a fixed input under a fixed key
// identifier. The key never changes for a given device.
func (s *SEC) HardwareUniqueKey(size int) (key []byte, err error) {
	if size <= 0 || size > MaxHUKSize {
		return nil, fmt.Errorf("invalid key size %d, maximum %d", size, MaxHUKSize)
	}

	buf, err := s.alloc(hukKeyIDSize + hukInputSize + hukBlobSize)

	if err != nil {
		return
	}

	defer buf.Free()

	keyID := buf.Data[:hukKeyIDSize]
	input := buf.Data[hukKeyIDSize : hukKeyIDSize+hukInputSize]
	blob := buf.Data[hukKeyIDSize+hukInputSize:]

	for i := range keyID {
		keyID[i] = 0xff
	}

	clear(input)
	clear(blob)
	s.flush(buf)

	err = s.run(func(d *desc.Descriptor) error {
		return desc.Blob(d,
			buf.Addr, hukKeyIDSize,
			buf.Addr.Add(hukKeyIDSize), hukInputSize,
			buf.Addr.Add(hukKeyIDSize+hukInputSize), hukBlobSize)
	})

	if err != nil {
		return
	}

	s.invalidate(buf)

	key = make([]byte, size)

	for i := range key {
		key[i] = blob[2*i]
	}

	clear(blob)

	return
}

// DeriveKey returns a key derived from the hardware unique key with
// HKDF-SHA256, info separates keys derived for different purposes.
func (s *SEC) DeriveKey(info []byte, size int) (key []byte, err error) {
	if size <= 0 || size > MaxDerivedKeySize {
		return nil, fmt.Errorf("invalid key size %d, maximum %d", size, MaxDerivedKeySize)
	}

	huk, err := s.HardwareUniqueKey(MaxHUKSize)

	if err != nil {
		return
	}

	defer clear(huk)

	key = make([]byte, size)

	if _, err = io.ReadFull(hkdf.New(sha256.New, huk, nil, info), key); err != nil {
		return nil, err
	}

	return
}
