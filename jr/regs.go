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

package jr

// Job ring registers, offsets are relative to the ring base. Base address
// registers are 64-bit pairs whose word order follows the engine endianness.
const (
	JR_IRBA  = 0x00
	JR_IRS   = 0x0c
	JR_IRSA  = 0x14
	JR_IRJA  = 0x1c
	JR_ORBA  = 0x20
	JR_ORS   = 0x2c
	JR_ORJR  = 0x34
	JR_ORSF  = 0x3c
	JR_JRSTA = 0x44

	JR_JRINT     = 0x4c
	JRINT_JRE    = 1
	JRINT_HALT   = 2
	JRINT_ERR    = 8
	JRINT_ORWI   = 16
	HALT_MASK    = 0b11
	HALT_RUNNING = 0b00
	HALT_BUSY    = 0b01
	HALT_DONE    = 0b10
	ERR_MASK     = 0xf
	ORWI_MASK    = 0x3fff

	JR_JRCFG0 = 0x50

	JR_JRCFG1    = 0x54
	JRCFG1_ICTT  = 16
	JRCFG1_ICDCT = 8
	JRCFG1_ICEN  = 1
	JRCFG1_IMSK  = 0

	JR_IRRI = 0x5c
	JR_ORWI = 0x64

	JR_JRCR    = 0x6c
	JRCR_RESET = 0
)

// JRINT error types
const (
	ERR_WRITE_STATUS    = 0x1
	ERR_BAD_INPUT_BASE  = 0x3
	ERR_BAD_OUTPUT_BASE = 0x4
	ERR_WRITE_2_IRBA    = 0x5
	ERR_WRITE_2_ORBA    = 0x6
	ERR_RES_B4_HALT     = 0x7
	ERR_REM_TOO_MANY    = 0x8
	ERR_ADD_TOO_MANY    = 0x9
)

const (
	// DefaultTimeout bounds SubmitAndWait (ms).
	DefaultTimeout = 200000
	// DefaultResetIterations bounds each reset polling loop.
	DefaultResetIterations = 100000
	// DefaultSize is the number of ring entries.
	DefaultSize = 16
	// MaxRings is the number of rings a Driver can own.
	MaxRings = 4
)
