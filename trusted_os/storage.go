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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/usbarmory/tamago/soc/nxp/usdhc"
)

const (
	expectedBlockSize = 512 // Expected size of MMC block in bytes
	appletBlock       = 0x200000
	appletLimit       = 31457280
	lengthSize        = 4
)

// Card is the subset of the usdhc.USDHC API used to read the applet,
// allowing substitutions for testing.
type Card interface {
	// Read reads size bytes at offset from the underlying storage.
	Read(offset int64, size int64) ([]byte, error)
	// Info returns information about the underlying storage.
	Info() usdhc.CardInfo
}

// readApplet reads the signed applet image from internal storage, stored as
// its big-endian length followed by the image. The image is *not* verified
// by this function.
func readApplet(card Card) ([]byte, error) {
	if blockSize := card.Info().BlockSize; blockSize != expectedBlockSize {
		return nil, fmt.Errorf("h/w invariant error - expected MMC blocksize %d, found %d", expectedBlockSize, blockSize)
	}

	offset := int64(appletBlock * expectedBlockSize)

	buf, err := card.Read(offset, lengthSize)

	if err != nil {
		return nil, err
	}

	if len(buf) != lengthSize {
		return nil, errors.New("short applet header")
	}

	size := binary.BigEndian.Uint32(buf)

	if size == 0 || size > appletLimit {
		return nil, fmt.Errorf("invalid applet size %d", size)
	}

	return card.Read(offset+lengthSize, int64(size))
}
