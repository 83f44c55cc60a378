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

// Package img handles signed applet images, an image is the big-endian
// signature length followed by the signature and the ELF payload.
package img

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-caam/auth"
)

const headerSize = 4

var ErrInvalidImage = errors.New("invalid image")

// Hasher computes SHA-256 digests, it is satisfied by *sec.SEC.
type Hasher interface {
	Sum256(data []byte) ([sha256.Size]byte, error)
}

// Extract splits an image into its signature and ELF payload.
func Extract(buf []byte) (sig []byte, elf []byte, err error) {
	if len(buf) < headerSize {
		return nil, nil, fmt.Errorf("%w: short header", ErrInvalidImage)
	}

	length := binary.BigEndian.Uint32(buf[0:headerSize])

	if uint64(length) > uint64(len(buf)-headerSize) {
		return nil, nil, fmt.Errorf("%w: signature length %d exceeds image", ErrInvalidImage, length)
	}

	sig = buf[headerSize : headerSize+length]
	elf = buf[headerSize+length:]

	if len(elf) == 0 {
		return nil, nil, fmt.Errorf("%w: missing payload", ErrInvalidImage)
	}

	return
}

// Pack returns the image of a signed ELF payload.
func Pack(sig []byte, elf []byte) []byte {
	buf := make([]byte, headerSize, headerSize+len(sig)+len(elf))
	binary.BigEndian.PutUint32(buf, uint32(len(sig)))

	buf = append(buf, sig...)

	return append(buf, elf...)
}

// Authenticate verifies an image RSA PKCS#1 v1.5 signature with lib, the
// payload digest is computed with h. It returns the authenticated ELF
// payload.
func Authenticate(lib auth.Library, h Hasher, buf []byte, pubkey []byte) (elf []byte, err error) {
	sig, elf, err := Extract(buf)

	if err != nil {
		return
	}

	if err = lib.Init(); err != nil {
		return nil, err
	}

	sum, err := h.Sum256(elf)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", auth.ErrHash, err)
	}

	if err = lib.VerifySignature(sum[:], sig, auth.AlgRSAPKCS1v15SHA256, pubkey); err != nil {
		return nil, err
	}

	klog.V(1).Infof("%s authenticated %d bytes image (sha256:%x)", lib.Name(), len(elf), sum)

	return
}
