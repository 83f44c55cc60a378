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

// Package rpc defines the requests served by the secure monitor SEC
// receiver.
package rpc

// MaxRandom is the largest random number request.
const MaxRandom = 4096

// Random represents an RPC random number request.
type Random struct {
	// Size is the number of random bytes, it is ignored for Bits requests.
	Size int
	// Bits requests a single 32 or 64 bit random number.
	Bits int
}

// DeriveKey represents an RPC request for a key derived from the hardware
// unique key.
type DeriveKey struct {
	// Info is the HKDF context information, it separates keys derived
	// for different purposes.
	Info []byte
	// Size is the key size in bytes.
	Size int
}

// Verify represents an RPC signature verification request.
type Verify struct {
	// Library is the crypto library registration name.
	Library string
	Digest  []byte
	Sig     []byte
	// PublicKey is an RSA public key, either N || E with each half sized
	// to the modulus, or DER encoded.
	PublicKey []byte
}
