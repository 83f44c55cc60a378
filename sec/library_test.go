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
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/armored-witness-caam/auth"
)

func digestInfo(oid []byte, digest []byte, trailer ...byte) []byte {
	algID := append([]byte{0x30, byte(len(oid) + 4), 0x06, byte(len(oid))}, oid...)
	algID = append(algID, 0x05, 0x00)

	info := append(algID, 0x04, byte(len(digest)))
	info = append(info, digest...)

	der := append([]byte{0x30, byte(len(info))}, info...)

	return append(der, trailer...)
}

var (
	derSHA256 = []byte{0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01}
	derSHA1   = []byte{0x2b, 0x0e, 0x03, 0x02, 0x1a}
)

func TestDigestInfo(t *testing.T) {
	digest := sha256.Sum256([]byte("digest"))

	// matches the PKCS#1 encoding prefix
	if got, want := digestInfo(derSHA256, digest[:]), append(append([]byte(nil), sha256Prefix...), digest[:]...); string(got) != string(want) {
		t.Fatalf("Got %x, want %x", got, want)
	}

	for _, test := range []struct {
		desc    string
		der     []byte
		wantErr bool
	}{
		{
			desc: "valid",
			der:  digestInfo(derSHA256, digest[:]),
		},
		{
			desc: "padded",
			der:  digestInfo(derSHA256, digest[:], 0, 0, 0),
		},
		{
			desc:    "truncated",
			der:     digestInfo(derSHA256, digest[:])[:40],
			wantErr: true,
		},
		{
			desc:    "empty",
			wantErr: true,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			oid, got, err := parseDigestInfo(test.der)

			if test.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.True(t, oid.Equal(oidSHA256))
			require.Equal(t, digest[:], got)
		})
	}
}

func TestLibraryVerifyHash(t *testing.T) {
	env := initEnv(t, "imx6ul")
	lib := NewLibrary(env.sec)

	data := []byte("applet")
	digest := sha256.Sum256(data)
	other := sha256.Sum256([]byte("other"))

	for _, test := range []struct {
		desc    string
		info    []byte
		wantErr bool
	}{
		{
			desc: "match",
			info: digestInfo(derSHA256, digest[:]),
		},
		{
			desc: "padded",
			info: digestInfo(derSHA256, digest[:], 0xff, 0xff),
		},
		{
			desc:    "mismatch",
			info:    digestInfo(derSHA256, other[:]),
			wantErr: true,
		},
		{
			desc:    "SHA-1",
			info:    digestInfo(derSHA1, digest[:20]),
			wantErr: true,
		},
		{
			desc:    "malformed",
			info:    []byte{0x30, 0x00},
			wantErr: true,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			err := lib.VerifyHash(data, test.info)

			if test.wantErr {
				require.ErrorIs(t, err, auth.ErrHash)
				return
			}

			require.NoError(t, err)
		})
	}
}

func TestLibraryVerifySignature(t *testing.T) {
	env := initEnv(t, "ls1046a")
	lib := NewLibrary(env.sec)

	require.Equal(t, LibraryName, lib.Name())
	require.NoError(t, lib.Init())

	key := newTestKey(t, 2048)

	pkix, err := x509.MarshalPKIXPublicKey(&key.key.PublicKey)
	require.NoError(t, err)

	// N || E with each half sized to the modulus
	nxp := make([]byte, 2*len(key.n))
	copy(nxp, key.n)
	copy(nxp[2*len(key.n)-len(key.e):], key.e)

	for _, test := range []struct {
		desc   string
		pubkey []byte
	}{
		{
			desc:   "PKIX",
			pubkey: pkix,
		},
		{
			desc:   "PKCS#1",
			pubkey: x509.MarshalPKCS1PublicKey(&key.key.PublicKey),
		},
		{
			desc:   "N || E",
			pubkey: nxp,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			require.NoError(t, lib.VerifySignature(key.digest, key.sig, auth.AlgRSAPKCS1v15SHA256, test.pubkey))

			err := lib.VerifySignature(key.digest, flip(key.sig, 10), auth.AlgRSAPKCS1v15SHA256, test.pubkey)
			require.ErrorIs(t, err, auth.ErrSignature)
			require.ErrorIs(t, err, ErrSignatureMismatch)
		})
	}

	err = lib.VerifySignature(key.digest, key.sig, auth.Algorithm(0), pkix)
	require.ErrorIs(t, err, auth.ErrSignature)

	err = lib.VerifySignature(key.digest, key.sig, auth.AlgRSAPKCS1v15SHA256, nxp[1:])
	require.ErrorIs(t, err, ErrUnsupportedKey)
}

func TestLibraryInitError(t *testing.T) {
	env := newEnv(t, "lx2160a")

	// the simulated engine predates the platform minimum
	require.ErrorIs(t, NewLibrary(env.sec).Init(), auth.ErrInit)
}
