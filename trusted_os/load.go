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
	"fmt"
	"log"

	"github.com/usbarmory/tamago/arm"

	"github.com/usbarmory/armory-boot/exec"

	"github.com/usbarmory/GoTEE/monitor"

	"github.com/transparency-dev/armored-witness-caam/internal/rpc"
	"github.com/transparency-dev/armored-witness-caam/sec"
)

// loadApplet loads an authenticated TamaGo unikernel as trusted applet and
// runs it with access to the SEC receiver.
func loadApplet(elf []byte, s *sec.SEC) (err error) {
	image := &exec.ELFImage{
		Region: appletRegion,
		ELF:    elf,
	}

	if err = image.Load(); err != nil {
		return
	}

	ta, err := monitor.Load(image.Entry(), image.Region, true)

	if err != nil {
		return fmt.Errorf("SM could not load applet: %v", err)
	}

	log.Printf("SM applet loaded addr:%#x entry:%#x size:%d", ta.Memory.Start(), ta.R15, len(elf))

	// register RPC receiver
	if err = ta.Server.Register(&rpc.SEC{SEC: s}); err != nil {
		return
	}

	// set stack pointer to end of available memory
	ta.R13 = uint32(ta.Memory.End())

	// override default handler
	ta.Handler = handler

	return run(ta)
}

func run(ctx *monitor.ExecCtx) (err error) {
	mode := arm.ModeName(int(ctx.SPSR) & 0x1f)
	ns := ctx.NonSecure()

	log.Printf("SM applet started mode:%s sp:%#.8x pc:%#.8x ns:%v", mode, ctx.R13, ctx.R15, ns)

	err = ctx.Run()

	log.Printf("SM applet stopped mode:%s sp:%#.8x lr:%#.8x pc:%#.8x ns:%v err:%v", mode, ctx.R13, ctx.R14, ctx.R15, ns, err)

	return
}
