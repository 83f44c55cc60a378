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

package sec

// SEC registers
const (
	SEC_MCFGR     = 0x0004
	MCFGR_PS      = 16
	MCFGR_AWCACHE = 8
	MCFGR_ARCACHE = 12

	SEC_SCFGR     = 0x000c
	SCFGR_RNGSH0  = 9
	SCFGR_VIRT_EN = 15

	SEC_JRICID_MS   = 0x0010
	JRICID_MS_LICID = 31
	JRICID_MS_LAMTD = 17
	JRICID_MS_AMTDT = 16
	JRICID_MS_TZ    = 15
	JRICID_MS_SDID  = 0

	SEC_JRICID_LS    = 0x0014
	JRICID_LS_NSEQID = 16
	JRICID_LS_SEQID  = 0
	JRICID_MASK      = 0xfff

	SEC_JRSTARTR = 0x005c

	SEC_CTPR_MS      = 0x0fa8
	CTPR_VIRT_EN_INC = 0
	CTPR_VIRT_EN_POR = 1

	SEC_SECVID_MS = 0x0ff8
	SECVID_IP_ID  = 16
	SECVID_MAJ    = 8
	SECVID_MIN    = 0
)

// RNG registers
const (
	RNG_RTMCTL            = 0x0600
	RTMCTL_PRGM           = 16
	RTMCTL_SAMP_MODE      = 0
	SAMP_MODE_VON_NEUMANN = 0b00
	SAMP_MODE_RAW         = 0b01

	RNG_RTSDCTL     = 0x0610
	RTSDCTL_ENT_DLY = 16

	RNG_RTFRQMIN     = 0x0618
	RNG_RTFRQMAX     = 0x061c
	RTFRQMAX_DISABLE = 20

	RNG_RDSTA = 0x06c0
	RDSTA_IF0 = 0
	RDSTA_IF1 = 1
)

// jricid returns the offset of the ICID register pair of job ring n.
func jricid(n int) (ms uint64, ls uint64) {
	return SEC_JRICID_MS + 8*uint64(n), SEC_JRICID_LS + 8*uint64(n)
}
