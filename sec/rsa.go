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
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-witness-caam/desc"
)

var (
	ErrVerification      = errors.New("signature verification failed")
	ErrSignatureMismatch = fmt.Errorf("%w: signature mismatch", ErrVerification)
	ErrUnsupportedDigest = errors.New("unsupported digest")
	ErrUnsupportedKey    = errors.New("unsupported public key")
)

// sha256Prefix is the DER encoding of the SHA-256 DigestInfo up to the
// digest value.
var sha256Prefix = []byte{
	0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01,
	0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20,
}

// RSA modulus sizes supported by the PKHA, in bytes.
var keySizes = map[int]bool{
	128: true,
	256: true,
	512: true,
}

// encodePKCS1v15 returns the EMSA-PKCS1-v1_5 encoding of a SHA-256 digest
// for a k bytes modulus.
func encodePKCS1v15(k int, digest []byte) []byte {
	em := make([]byte, k)
	t := len(sha256Prefix) + len(digest)

	em[1] = 0x01

	for i := 2; i < k-t-1; i++ {
		em[i] = 0xff
	}

	copy(em[k-t:], sha256Prefix)
	copy(em[k-len(digest):], digest)

	return em
}

// VerifyPKCS1v15 verifies an RSASSA-PKCS1-v1_5 signature over a SHA-256
// digest, the modular exponentiation runs on the PKHA. The modulus n and
// exponent e are big-endian.
func (s *SEC) VerifyPKCS1v15(n []byte, e []byte, sig []byte, digest []byte) (err error) {
	if len(digest) != sha256.Size {
		return fmt.Errorf("%w: %d bytes", ErrUnsupportedDigest, len(digest))
	}

	k := len(n)

	if !keySizes[k] {
		return fmt.Errorf("%w: %d bits modulus", ErrUnsupportedKey, k*8)
	}

	if len(e) == 0 || len(e) > k {
		return fmt.Errorf("%w: %d bytes exponent", ErrUnsupportedKey, len(e))
	}

	if len(sig) != k {
		return fmt.Errorf("%w: signature size %d, modulus size %d", ErrSignatureMismatch, len(sig), k)
	}

	// the PKHA requires an odd modulus larger than the base
	if n[k-1]&1 == 0 || bytes.Compare(sig, n) >= 0 {
		return ErrSignatureMismatch
	}

	buf, err := s.alloc(3*k + len(e))

	if err != nil {
		return
	}

	defer buf.Free()

	p := &desc.ModExpParams{
		N:       buf.Addr,
		NSize:   k,
		A:       buf.Addr.Add(k),
		ASize:   k,
		Out:     buf.Addr.Add(2 * k),
		OutSize: k,
		E:       buf.Addr.Add(3 * k),
		ESize:   len(e),
	}

	copy(buf.Data, n)
	copy(buf.Data[k:], sig)
	copy(buf.Data[3*k:], e)
	s.flush(buf)

	// job ring and PKHA errors are not verification failures
	if err = s.run(func(d *desc.Descriptor) error {
		return desc.ModExp(d, p)
	}); err != nil {
		return
	}

	s.invalidate(buf)

	if subtle.ConstantTimeCompare(buf.Data[2*k:3*k], encodePKCS1v15(k, digest)) != 1 {
		return ErrSignatureMismatch
	}

	return
}
