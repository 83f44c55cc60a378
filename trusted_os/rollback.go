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
	"errors"
	"fmt"
	"strconv"

	"github.com/usbarmory/crucible/otp"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
	"github.com/usbarmory/tamago/soc/nxp/usdhc"

	"github.com/transparency-dev/armored-witness-caam/rpmb"
	"github.com/transparency-dev/armored-witness-caam/sec"
)

const (
	// RPMB sector for CVE-2020-13799 mitigation
	dummySector = 0
	// RPMB sector for OS rollback protection
	osVersionSector = 1
	// RPMB OTP flag bank
	rpmbFuseBank = 4
	// RPMB OTP flag word
	rpmbFuseWord = 6

	diversifierMAC = "ArmoryWitnessMAC"
)

// rpmbFuse is the OCOTP bit recording RPMB key programming.
type rpmbFuse struct{}

func (rpmbFuse) Blown() (bool, error) {
	res, err := otp.ReadOCOTP(rpmbFuseBank, rpmbFuseWord, 0, 1)

	if err != nil {
		return false, err
	}

	return bytes.Equal(res, []byte{1}), nil
}

func (rpmbFuse) Blow() error {
	return otp.BlowOCOTP(rpmbFuseBank, rpmbFuseWord, 0, 1, []byte{1})
}

// checkRollback enforces the monitor version epoch stored in the eMMC RPMB,
// authenticated with a key derived from the SEC hardware unique key and the
// SoC unique ID.
func checkRollback(s *sec.SEC, card *usdhc.USDHC, version string) (err error) {
	if !card.Info().MMC {
		return errors.New("no MMC card detected")
	}

	v, err := strconv.ParseUint(version, 10, 32)

	if err != nil {
		return fmt.Errorf("invalid version %q, %v", version, err)
	}

	uid := imx6ul.UniqueID()
	key, err := rpmb.DeriveKey(s, diversifierMAC, uid[:])

	if err != nil {
		return
	}

	p, err := rpmb.Init(card, key, s, dummySector, false)

	if err != nil {
		return
	}

	// a blank partition is programmed only once per device
	if err = p.Provision(rpmbFuse{}); err != nil {
		return
	}

	// invalidate uncommitted writes
	if err = p.Write(dummySector, nil); err != nil {
		return
	}

	return p.CheckVersion(osVersionSector, uint32(v))
}
