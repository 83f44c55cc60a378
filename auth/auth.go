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

// Package auth provides the crypto library registration surface used by
// image authentication.
//
// A boot stage registers the libraries available on its platform, the
// authentication code looks one up by name and treats any error it returns
// as an authentication failure.
package auth

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Algorithm identifies a signature scheme.
type Algorithm int

const (
	// AlgRSAPKCS1v15SHA256 is RSASSA-PKCS1-v1_5 over a SHA-256 digest.
	AlgRSAPKCS1v15SHA256 Algorithm = iota + 1
)

func (a Algorithm) String() string {
	switch a {
	case AlgRSAPKCS1v15SHA256:
		return "RSA-PKCS1v15-SHA256"
	}

	return fmt.Sprintf("unknown algorithm %d", int(a))
}

// Result codes, every library error wraps one of them.
var (
	ErrInit      = errors.New("crypto library initialization failed")
	ErrSignature = errors.New("signature verification failed")
	ErrHash      = errors.New("hash verification failed")
)

var (
	ErrDuplicate = errors.New("crypto library already registered")
	ErrNotFound  = errors.New("crypto library not registered")
)

// Library is a crypto library usable for image authentication.
type Library interface {
	// Name returns the registration name.
	Name() string
	// Init prepares the library, it must be safe to call more than once.
	Init() error
	// VerifySignature verifies sig over data, which is the message digest
	// for the algorithm, with an encoded public key.
	VerifySignature(data []byte, sig []byte, alg Algorithm, pubkey []byte) error
	// VerifyHash verifies data against a DER encoded DigestInfo.
	VerifyHash(data []byte, digestInfo []byte) error
}

var (
	mu        sync.Mutex
	libraries = make(map[string]Library)
)

// Register makes a library available for lookup.
func Register(lib Library) error {
	mu.Lock()
	defer mu.Unlock()

	name := lib.Name()

	if _, ok := libraries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}

	libraries[name] = lib

	return nil
}

// Unregister removes a library.
func Unregister(name string) {
	mu.Lock()
	defer mu.Unlock()

	delete(libraries, name)
}

// Lookup returns a registered library.
func Lookup(name string) (Library, error) {
	mu.Lock()
	defer mu.Unlock()

	lib, ok := libraries[name]

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	return lib, nil
}

// Registered returns the names of the registered libraries.
func Registered() (names []string) {
	mu.Lock()
	defer mu.Unlock()

	for name := range libraries {
		names = append(names, name)
	}

	sort.Strings(names)

	return
}
