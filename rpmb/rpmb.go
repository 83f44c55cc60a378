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

// Package rpmb implements Replay Protected Memory Block (RPMB) access on
// eMMCs. Frame MACs and request nonces are computed by an Engine, the SEC on
// the secure monitor, which also derives the authentication key.
//
// The API supports mitigations for CVE-2020-13799 as described in the whitepaper linked at:
//
//	https://www.westerndigital.com/support/productsecurity/wdc-20008-replay-attack-vulnerabilities-rpmb-protocol-applications
package rpmb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// KeyLength is the size of the RPMB authentication key.
const KeyLength = 32

var (
	ErrNotInitialized = errors.New("RPMB instance not initialized")
	ErrRollback       = errors.New("version rollback")
)

// Card is an eMMC exposing its RPMB partition, as implemented by the TamaGo
// NXP uSDHC driver.
type Card interface {
	// WriteRPMB sends a data frame, reliable selects a reliable write.
	WriteRPMB(buf []byte, reliable bool) error
	// ReadRPMB receives a data frame.
	ReadRPMB(buf []byte) error
}

// RPMB defines a Replay Protected Memory Block partition access instance.
type RPMB struct {
	sync.Mutex

	card   Card
	key    [KeyLength]byte
	engine Engine
}

// Init returns a new RPMB instance for a specific MMC card and MAC key, MACs
// and nonces are computed by engine. The dummyBlock argument is an unused
// sector, required for CVE-2020-13799 mitigation to invalidate uncommitted
// writes.
func Init(card Card, key []byte, engine Engine, dummyBlock uint16, writeDummy bool) (p *RPMB, err error) {
	if card == nil {
		return nil, errors.New("no MMC card set")
	}

	if len(key) != KeyLength {
		return nil, errors.New("invalid MAC key size")
	}

	if engine == nil {
		return nil, errors.New("no MAC engine set")
	}

	p = &RPMB{
		card:   card,
		engine: engine,
	}

	copy(p.key[:], key)

	// invalidate uncommitted writes (CVE-2020-13799) if the RPMB has previously been programmed
	if writeDummy {
		if err = p.Write(dummyBlock, nil); err != nil {
			return nil, err
		}
	}

	return
}

// ProgramKey programs the RPMB partition authentication key.
//
// *WARNING*: this is a one-time irreversible operation for the specific MMC
// card associated to the RPMB partition instance.
func (p *RPMB) ProgramKey() (err error) {
	_, err = p.op(&request{
		frame: &Frame{
			KeyMAC: p.key,
			Type:   KeyProgramming,
		},
		resultRead: true,
	})

	return
}

// Programmed reports whether the partition authentication key has been
// programmed.
func (p *RPMB) Programmed() (bool, error) {
	_, err := p.Counter(false)

	var e *OperationError

	switch {
	case errors.As(err, &e) && e.KeyNotProgrammed():
		return false, nil
	case err != nil:
		return false, err
	}

	return true, nil
}

// Counter returns the RPMB partition write counter, the argument boolean
// indicates whether the read operation should be authenticated.
func (p *RPMB) Counter(auth bool) (n uint32, err error) {
	res, err := p.op(&request{
		frame:        &Frame{Type: CounterRead},
		nonce:        auth,
		authenticate: auth,
	})

	if err != nil {
		return
	}

	return res.Counter, nil
}

// Write performs an authenticated data transfer to the card RPMB partition,
// the input buffer can contain up to DataLength bytes.
//
// The write operation mitigates CVE-2020-13799 by verifying that the response
// counter is equal to a single increment of the request counter, otherwise an
// error is returned.
func (p *RPMB) Write(offset uint16, buf []byte) (err error) {
	return p.transfer(DataWrite, offset, buf)
}

// Read performs an authenticated data transfer from the card RPMB partition,
// the input buffer can contain up to DataLength bytes.
func (p *RPMB) Read(offset uint16, buf []byte) (err error) {
	return p.transfer(DataRead, offset, buf)
}

// Version returns the version epoch stored at offset.
func (p *RPMB) Version(offset uint16) (uint32, error) {
	buf := make([]byte, 4)

	if err := p.Read(offset, buf); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(buf), nil
}

// CheckVersion rejects versions older than the epoch stored at offset, the
// epoch is advanced when version is newer.
func (p *RPMB) CheckVersion(offset uint16, version uint32) error {
	expected, err := p.Version(offset)

	if err != nil {
		return err
	}

	switch {
	case version < expected:
		return fmt.Errorf("%w: version %d, want at least %d", ErrRollback, version, expected)
	case version > expected:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, version)

		return p.Write(offset, buf)
	}

	return nil
}
