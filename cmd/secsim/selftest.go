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

package main

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-caam/auth"
	"github.com/transparency-dev/armored-witness-caam/internal/img"
	"github.com/transparency-dev/armored-witness-caam/sec"
)

// FIPS 180-2 SHA-256 "abc" test vector
const abcDigest = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

func selftest(s *sec.SEC) (err error) {
	for _, t := range []struct {
		name string
		fn   func(s *sec.SEC) error
	}{
		{"sha256", testHash},
		{"rng", testRNG},
		{"huk", testHUK},
		{"rsa", testImage},
	} {
		if err = t.fn(s); err != nil {
			return fmt.Errorf("%s self test failed: %w", t.name, err)
		}

		klog.Infof("%s self test passed", t.name)
	}

	return
}

func testHash(s *sec.SEC) error {
	sum, err := s.Sum256([]byte("abc"))

	if err != nil {
		return err
	}

	if got := hex.EncodeToString(sum[:]); got != abcDigest {
		return fmt.Errorf("got digest %s, want %s", got, abcDigest)
	}

	return nil
}

func testRNG(s *sec.SEC) error {
	a, err := s.Random64()

	if err != nil {
		return err
	}

	b, err := s.Random64()

	if err != nil {
		return err
	}

	if a == b {
		return fmt.Errorf("repeated random number %#x", a)
	}

	buf := make([]byte, 64)

	if _, err = s.Read(buf); err != nil {
		return err
	}

	if bytes.Equal(buf, make([]byte, len(buf))) {
		return errors.New("all zero random bytes")
	}

	return nil
}

func testHUK(s *sec.SEC) error {
	a, err := s.DeriveKey([]byte("secsim a"), 32)

	if err != nil {
		return err
	}

	b, err := s.DeriveKey([]byte("secsim b"), 32)

	if err != nil {
		return err
	}

	if bytes.Equal(a, b) {
		return errors.New("derived keys do not depend on info")
	}

	return nil
}

// testImage authenticates a freshly signed applet image through the
// registered SEC crypto library.
func testImage(s *sec.SEC) (err error) {
	lib, err := auth.Lookup(sec.LibraryName)

	if err != nil {
		return
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)

	if err != nil {
		return
	}

	pubkey, err := x509.MarshalPKIXPublicKey(&key.PublicKey)

	if err != nil {
		return
	}

	elf := []byte("\x7fELF secsim applet")
	sum := sha256.Sum256(elf)

	sig, err := rsa.SignPKCS1v15(nil, key, crypto.SHA256, sum[:])

	if err != nil {
		return
	}

	image := img.Pack(sig, elf)

	if _, err = img.Authenticate(lib, s, image, pubkey); err != nil {
		return
	}

	image[len(image)-1] ^= 0xff

	if _, err = img.Authenticate(lib, s, image, pubkey); !errors.Is(err, auth.ErrSignature) {
		return fmt.Errorf("tampered image: got %v, want %v", err, auth.ErrSignature)
	}

	return nil
}
