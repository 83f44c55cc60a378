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

package api

import (
	"bytes"
	"fmt"
)

// Status represents the SEC status.
type Status struct {
	// Platform is the SoC integration name.
	Platform string
	// IPID is the SEC IP identifier (SECVID_MS IP_ID).
	IPID uint16
	// Version is the SEC major.minor revision.
	Version string
	// State is the job ring driver state.
	State string

	JobRing      int
	RingSize     int
	PointerWidth int
	BigEndian    bool
	// RNG reports whether RNG state handle 0 is instantiated.
	RNG bool

	Enqueued    uint64
	Completed   uint64
	Failed      uint64
	Discarded   uint64
	Outstanding int
}

// Print returns the SEC status in textual format.
func (p *Status) Print() string {
	var status bytes.Buffer

	status.WriteString("------------------------------------------------------------------ SEC ----\n")
	status.WriteString(fmt.Sprintf("Platform ...............: %s\n", p.Platform))
	status.WriteString(fmt.Sprintf("Version ................: %s (IP ID %#04x)\n", p.Version, p.IPID))
	status.WriteString(fmt.Sprintf("Driver .................: %s\n", p.State))
	status.WriteString(fmt.Sprintf("Job ring ...............: %d (%d entries, %d-bit pointers, big endian %v)\n", p.JobRing, p.RingSize, p.PointerWidth, p.BigEndian))
	status.WriteString(fmt.Sprintf("RNG ....................: %v\n", p.RNG))
	status.WriteString(fmt.Sprintf("Jobs ...................: %d enqueued, %d completed, %d failed, %d discarded, %d outstanding", p.Enqueued, p.Completed, p.Failed, p.Discarded, p.Outstanding))

	return status.String()
}
