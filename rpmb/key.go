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
	"crypto/aes"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"k8s.io/klog/v2"
)

// KeyIterations is the PBKDF2 iteration count of DeriveKey.
const KeyIterations = 4096

// ErrKeyProgrammed is returned when the device already programmed an
// authentication key on an eMMC, a blank partition then means the eMMC was
// replaced.
var ErrKeyProgrammed = errors.New("RPMB key already programmed on this device")

// KeyDeriver derives device unique keys, it is satisfied by *sec.SEC.
type KeyDeriver interface {
	DeriveKey(info []byte, size int) ([]byte, error)
}

// DeriveKey returns the RPMB authentication key for diversifier, the device
// key is stretched with the SoC unique ID as salt.
func DeriveKey(kd KeyDeriver, diversifier string, uid []byte) ([]byte, error) {
	if len(uid) == 0 {
		return nil, errors.New("missing unique ID")
	}

	dk, err := kd.DeriveKey([]byte(diversifier), aes.BlockSize)

	if err != nil {
		return nil, fmt.Errorf("could not derive RPMB key (%v)", err)
	}

	return pbkdf2.Key(dk, uid, KeyIterations, KeyLength, sha256.New), nil
}

// Fuse is a one-time programmable flag recording that the device programmed
// an RPMB authentication key.
type Fuse interface {
	// Blown reports whether the flag is set.
	Blown() (bool, error)
	// Blow sets the flag, it is irreversible.
	Blow() error
}

// Provision programs the authentication key on a blank partition. The fuse is
// blown before programming and a blank partition is refused once it is, so
// that a replacement eMMC cannot intercept ProgramKey.
func (p *RPMB) Provision(f Fuse) (err error) {
	programmed, err := p.Programmed()

	if err != nil || programmed {
		return
	}

	blown, err := f.Blown()

	switch {
	case err != nil:
		return fmt.Errorf("could not read RPMB program key flag (%v)", err)
	case blown:
		return ErrKeyProgrammed
	}

	if err = f.Blow(); err != nil {
		return fmt.Errorf("could not fuse RPMB program key flag (%v)", err)
	}

	klog.Info("RPMB authentication key not yet programmed, programming")

	if err = p.ProgramKey(); err != nil {
		return fmt.Errorf("could not program RPMB key (%v)", err)
	}

	return
}
