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
	"encoding/hex"
	"log"
	"os"
	"runtime"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/transparency-dev/armored-witness-caam/auth"
	"github.com/transparency-dev/armored-witness-caam/config"
	"github.com/transparency-dev/armored-witness-caam/internal/img"
	"github.com/transparency-dev/armored-witness-caam/mem"
	"github.com/transparency-dev/armored-witness-caam/mmio"
	"github.com/transparency-dev/armored-witness-caam/sec"
	"github.com/transparency-dev/armored-witness-caam/timer"
)

// initialized at compile time (-ldflags "-X main.Version=...")
var (
	Build    string
	Revision string
	Version  string
	// PublicKey is the hex encoded applet signing key (PKIX, PKCS#1 or
	// N || E).
	PublicKey string
	// Platform selects the SEC configuration preset.
	Platform = "imx6ul"
)

var Storage = usbarmory.MMC

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)

	if len(PublicKey) == 0 {
		log.Fatal("SM applet authentication key is missing")
	}

	if imx6ul.Native {
		imx6ul.SetARMFreq(imx6ul.Freq792)
	}

	imx6ul.GIC.Init(true, false)

	log.Printf("%s/%s (%s) • TEE security monitor (Secure World system/monitor) • %s %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		Version, Revision, Build)
}

// initSEC brings up the SEC job ring and registers it as crypto library.
func initSEC() (s *sec.SEC, err error) {
	p, err := config.Preset(Platform)

	if err != nil {
		return
	}

	alloc, err := mem.NewDMA(secDMAStart, secDMASize)

	if err != nil {
		return
	}

	// the SEC DMA region is mapped uncached
	p.Coherent = true

	s = sec.New(p, mmio.New(mmio.Native(), p.BigEndian), alloc, timer.NewSystem())

	if err = s.Init(); err != nil {
		return nil, err
	}

	if err = auth.Register(sec.NewLibrary(s)); err != nil {
		_ = s.Release()
		return nil, err
	}

	return
}

func main() {
	usbarmory.LED("blue", false)
	usbarmory.LED("white", false)

	if imx6ul.CAAM == nil {
		log.Fatal("SM SEC not available on this SoC")
	}

	pubkey, err := hex.DecodeString(PublicKey)

	if err != nil {
		log.Fatalf("SM invalid applet authentication key, %v", err)
	}

	s, err := initSEC()

	if err != nil {
		log.Fatalf("SM could not initialize SEC, %v", err)
	}

	log.Printf("SM SEC initialized\n%s", s.Status().Print())

	lib, err := auth.Lookup(sec.LibraryName)

	if err != nil {
		log.Fatalf("SM missing crypto library, %v", err)
	}

	if err = Storage.Detect(); err != nil {
		log.Fatalf("SM failed to detect storage, %v", err)
	}

	if len(Version) != 0 {
		log.Printf("SM version verification (%s)", Version)

		if err = checkRollback(s, Storage, Version); err != nil {
			log.Fatalf("SM firmware rollback check failure, %v", err)
		}
	}

	image, err := readApplet(Storage)

	if err != nil {
		log.Fatalf("SM could not load applet, %v", err)
	}

	log.Printf("SM applet verification")

	elf, err := img.Authenticate(lib, s, image, pubkey)

	if err != nil {
		log.Fatalf("SM applet verification error, %v", err)
	}

	log.Printf("SM applet verified")
	usbarmory.LED("white", true)

	err = loadApplet(elf, s)

	usbarmory.LED("white", false)
	_ = s.Release()

	log.Fatalf("SM applet execution ended, %v", err)
}
