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

	"github.com/usbarmory/tamago/arm"

	"github.com/usbarmory/GoTEE/monitor"
	"github.com/usbarmory/GoTEE/syscall"
)

// handler serves applet supervisor calls, overriding GoTEE default handling
// of SYS_WRITE to avoid interleaved logs. RPC requests, including the SEC
// receiver, are served by the default secure handler.
func handler(ctx *monitor.ExecCtx) (err error) {
	if ctx.ExceptionVector != arm.SUPERVISOR {
		return fmt.Errorf("unhandled exception %x", ctx.ExceptionVector)
	}

	switch ctx.A0() {
	case syscall.SYS_WRITE:
		return bufferedStdoutLog(byte(ctx.A1()))
	default:
		return monitor.SecureHandler(ctx)
	}
}
