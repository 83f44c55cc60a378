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
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	encoding_asn1 "encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/transparency-dev/armored-witness-caam/auth"
)

// LibraryName is the crypto library registration name of the SEC.
const LibraryName = "sec"

var oidSHA256 = encoding_asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

// Library exposes the SEC as an image authentication crypto library.
type Library struct {
	sec *SEC
}

var _ auth.Library = &Library{}

// NewLibrary returns the crypto library of a SEC instance.
func NewLibrary(s *SEC) *Library {
	return &Library{sec: s}
}

// Name implements auth.Library.
func (l *Library) Name() string {
	return LibraryName
}

// Init implements auth.Library.
func (l *Library) Init() error {
	if err := l.sec.Init(); err != nil {
		return fmt.Errorf("%w: %w", auth.ErrInit, err)
	}

	return nil
}

// VerifySignature implements auth.Library, data is the SHA-256 digest of the
// signed message.
func (l *Library) VerifySignature(data []byte, sig []byte, alg auth.Algorithm, pubkey []byte) error {
	if alg != auth.AlgRSAPKCS1v15SHA256 {
		return fmt.Errorf("%w: unsupported algorithm %v", auth.ErrSignature, alg)
	}

	n, e, err := parsePublicKey(pubkey)

	if err != nil {
		return fmt.Errorf("%w: %w", auth.ErrSignature, err)
	}

	if err = l.sec.VerifyPKCS1v15(n, e, sig, data); err != nil {
		return fmt.Errorf("%w: %w", auth.ErrSignature, err)
	}

	return nil
}

// parsePublicKey returns the big-endian modulus and exponent of a DER
// encoded (PKIX or PKCS#1) RSA public key, or of an N || E key with each half
// sized to the modulus.
func parsePublicKey(pubkey []byte) (n []byte, e []byte, err error) {
	if pub, derr := parseDER(pubkey); derr == nil {
		n = make([]byte, pub.Size())
		pub.N.FillBytes(n)

		return n, big.NewInt(int64(pub.E)).Bytes(), nil
	}

	k := len(pubkey) / 2

	if len(pubkey)%2 != 0 || !keySizes[k] {
		return nil, nil, fmt.Errorf("%w: %d bytes key", ErrUnsupportedKey, len(pubkey))
	}

	n = pubkey[:k]
	e = pubkey[k:]

	for len(e) > 1 && e[0] == 0 {
		e = e[1:]
	}

	return
}

func parseDER(der []byte) (*rsa.PublicKey, error) {
	if pub, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return pub, nil
	}

	key, err := x509.ParsePKIXPublicKey(der)

	if err != nil {
		return nil, err
	}

	pub, ok := key.(*rsa.PublicKey)

	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}

	return pub, nil
}

// parseDigestInfo returns the digest of a DER encoded DigestInfo, bytes
// following the DigestInfo are ignored.
func parseDigestInfo(der []byte) (oid encoding_asn1.ObjectIdentifier, digest []byte, err error) {
	var info, algID cryptobyte.String

	input := cryptobyte.String(der)

	if !input.ReadASN1(&info, asn1.SEQUENCE) ||
		!info.ReadASN1(&algID, asn1.SEQUENCE) ||
		!algID.ReadASN1ObjectIdentifier(&oid) {
		return nil, nil, errors.New("invalid DigestInfo algorithm")
	}

	if !algID.Empty() && (!algID.SkipASN1(asn1.NULL) || !algID.Empty()) {
		return nil, nil, errors.New("invalid DigestInfo algorithm parameters")
	}

	if !info.ReadASN1Bytes(&digest, asn1.OCTET_STRING) || !info.Empty() {
		return nil, nil, errors.New("invalid DigestInfo digest")
	}

	return
}

// VerifyHash implements auth.Library, the digest of data is computed on the
// SEC.
func (l *Library) VerifyHash(data []byte, digestInfo []byte) error {
	oid, digest, err := parseDigestInfo(digestInfo)

	if err != nil {
		return fmt.Errorf("%w: %w", auth.ErrHash, err)
	}

	if !oid.Equal(oidSHA256) {
		return fmt.Errorf("%w: %w %v", auth.ErrHash, ErrUnsupportedDigest, oid)
	}

	sum, err := l.sec.Sum256(data)

	if err != nil {
		return fmt.Errorf("%w: %w", auth.ErrHash, err)
	}

	if subtle.ConstantTimeCompare(sum[:], digest) != 1 {
		return fmt.Errorf("%w: digest mismatch", auth.ErrHash)
	}

	return nil
}
