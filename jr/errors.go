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

import (
	"errors"
	"fmt"
)

// Transport errors
var (
	ErrNotStarted        = errors.New("driver not started")
	ErrRingBusy          = errors.New("job ring reset in progress")
	ErrRingFull          = errors.New("job ring full")
	ErrResetTimeout      = errors.New("job ring reset timeout")
	ErrPollTimeout       = errors.New("job ring poll timeout")
	ErrReleaseInProgress = errors.New("driver release in progress")
	ErrNoRing            = errors.New("no job ring available")
	ErrPollBusy          = errors.New("job ring poll already in progress")
	ErrUnknownDescriptor = errors.New("unknown descriptor returned")
	ErrDescriptorFormat  = errors.New("descriptor format mismatch")
)

var (
	// ErrProcessing is wrapped by every descriptor status error.
	ErrProcessing = errors.New("descriptor processing error")
	// ErrRingFault is wrapped by every job ring error.
	ErrRingFault = errors.New("job ring error")
)

var ringErrors = map[uint32]string{
	ERR_WRITE_STATUS:    "error writing status to output ring",
	ERR_BAD_INPUT_BASE:  "bad input ring base (not on a 4-byte boundary)",
	ERR_BAD_OUTPUT_BASE: "bad output ring base (not on a 4-byte boundary)",
	ERR_WRITE_2_IRBA:    "invalid write to input ring base address register",
	ERR_WRITE_2_ORBA:    "invalid write to output ring base address register",
	ERR_RES_B4_HALT:     "job ring released before job ring is halted",
	ERR_REM_TOO_MANY:    "removed too many jobs from job ring",
	ERR_ADD_TOO_MANY:    "added too many jobs on job ring",
}

// RingError is a job ring error which could not be reported through an
// output ring status word.
type RingError struct {
	Ring int
	Type uint32
}

func (e *RingError) Error() string {
	msg, ok := ringErrors[e.Type]

	if !ok {
		msg = fmt.Sprintf("unknown error type %d", e.Type)
	}

	return fmt.Sprintf("job ring %d: %s", e.Ring, msg)
}

func (e *RingError) Unwrap() error {
	return ErrRingFault
}
