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

// Package rpc implements the receiver exposing SEC services to trusted
// applets over the monitor RPC (net/rpc) interface.
package rpc

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-caam/api"
	apirpc "github.com/transparency-dev/armored-witness-caam/api/rpc"
	"github.com/transparency-dev/armored-witness-caam/auth"
	"github.com/transparency-dev/armored-witness-caam/sec"
)

// ErrInvalidArgument is returned for malformed requests.
var ErrInvalidArgument = errors.New("invalid argument")

// SEC represents the SEC receiver for user/system mode RPC over system
// calls.
type SEC struct {
	SEC *sec.SEC
}

// Random returns random bytes, either Size bytes or a single big-endian 32
// or 64 bit number. On platforms configured with zero_on_failure an RNG
// failure yields zero bytes instead of an error.
func (r *SEC) Random(req apirpc.Random, out *[]byte) (err error) {
	if out == nil {
		return ErrInvalidArgument
	}

	size := req.Size

	switch req.Bits {
	case 0:
	case 32, 64:
		size = req.Bits / 8
	default:
		return fmt.Errorf("%w: %d bits", ErrInvalidArgument, req.Bits)
	}

	if size <= 0 || size > apirpc.MaxRandom {
		return fmt.Errorf("%w: %d bytes", ErrInvalidArgument, size)
	}

	buf := make([]byte, size)

	if _, err = r.SEC.Read(buf); err != nil {
		if !r.SEC.Platform.RNG.ZeroOnFailure {
			return
		}

		klog.Warningf("SM returning zero random bytes, %v", err)
		clear(buf)
	}

	*out = buf

	return nil
}

// DeriveKey returns a key derived from the hardware unique key.
func (r *SEC) DeriveKey(req apirpc.DeriveKey, key *[]byte) (err error) {
	if key == nil {
		return ErrInvalidArgument
	}

	*key, err = r.SEC.DeriveKey(req.Info, req.Size)

	return
}

// Sum256 returns the SHA-256 digest of data, computed by the SEC.
func (r *SEC) Sum256(data []byte, sum *[sha256.Size]byte) (err error) {
	if sum == nil {
		return ErrInvalidArgument
	}

	*sum, err = r.SEC.Sum256(data)

	return
}

// Verify verifies an RSA PKCS#1 v1.5 signature over a SHA-256 digest through
// a registered crypto library.
func (r *SEC) Verify(req apirpc.Verify, _ *bool) error {
	lib, err := auth.Lookup(req.Library)

	if err != nil {
		return err
	}

	return lib.VerifySignature(req.Digest, req.Sig, auth.AlgRSAPKCS1v15SHA256, req.PublicKey)
}

// Status returns SEC status information.
func (r *SEC) Status(_ bool, status *api.Status) error {
	if status == nil {
		return ErrInvalidArgument
	}

	*status = *r.SEC.Status()

	return nil
}
