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
	"fmt"

	"k8s.io/klog/v2"
)

// Source is the status source (SSRC) of a descriptor status word.
type Source uint8

const (
	SourceNone         Source = 0x0
	SourceCCB          Source = 0x2
	SourceJumpHaltUser Source = 0x3
	SourceDECO         Source = 0x4
	SourceJobRing      Source = 0x6
	SourceJumpHaltCond Source = 0x7
)

// Status word layout
const (
	STATUS_SSRC      = 28
	STATUS_JMP       = 27
	STATUS_DESC_IDX  = 8
	STATUS_CCB_CHAID = 4
	STATUS_JR_NADDR  = 8

	ssrcMask    = 0xf
	descIdxMask = 0xff
	chaidMask   = 0xf
	errIDMask   = 0xf
	codeMask    = 0xff
	naddrMask   = 0x7

	// DECO_HFN_THRESHOLD reports a completed descriptor exceeding the HFN
	// threshold.
	DECO_HFN_THRESHOLD = 0xf1
)

var sourceNames = map[Source]string{
	SourceNone:         "no status source",
	SourceCCB:          "CCB",
	SourceJumpHaltUser: "jump halt user",
	SourceDECO:         "DECO",
	SourceJobRing:      "job ring",
	SourceJumpHaltCond: "jump halt condition",
}

func (s Source) String() string {
	if n, ok := sourceNames[s]; ok {
		return n
	}

	return fmt.Sprintf("unknown source %#x", uint8(s))
}

// StatusError is a decoded non-zero descriptor status word.
type StatusError struct {
	Status uint32
	Source Source
	// Jump is set when the error follows a JUMP command.
	Jump bool
	// Index is the descriptor word index (DESC_IDX), or the job ring
	// address pointer count (NADDR) for job ring errors.
	Index uint8
	// CHA is the CCB accelerator identifier.
	CHA uint8
	// Code is the error, or halt condition, code.
	Code uint8
}

// DecodeStatus decodes a descriptor status word.
func DecodeStatus(status uint32) *StatusError {
	e := &StatusError{
		Status: status,
		Source: Source(status >> STATUS_SSRC & ssrcMask),
		Jump:   status>>STATUS_JMP&1 == 1,
	}

	switch e.Source {
	case SourceCCB:
		e.Index = uint8(status >> STATUS_DESC_IDX & descIdxMask)
		e.CHA = uint8(status >> STATUS_CCB_CHAID & chaidMask)
		e.Code = uint8(status & errIDMask)
	case SourceDECO, SourceJumpHaltCond:
		e.Index = uint8(status >> STATUS_DESC_IDX & descIdxMask)
		e.Code = uint8(status & codeMask)
	case SourceJobRing:
		e.Index = uint8(status >> STATUS_JR_NADDR & naddrMask)
		e.Code = uint8(status & codeMask)
	}

	return e
}

// Warning reports whether the status describes a job which completed
// despite the error.
func (e *StatusError) Warning() bool {
	return e.Source == SourceDECO && e.Code == DECO_HFN_THRESHOLD
}

func (e *StatusError) Error() string {
	switch e.Source {
	case SourceCCB:
		return fmt.Sprintf("%s error %#x (CHA %d, index %d, status %#.8x)", e.Source, e.Code, e.CHA, e.Index, e.Status)
	case SourceDECO, SourceJobRing:
		return fmt.Sprintf("%s error %#x (index %d, status %#.8x)", e.Source, e.Code, e.Index, e.Status)
	case SourceJumpHaltCond:
		return fmt.Sprintf("%s %#x (jump %v, index %d, status %#.8x)", e.Source, e.Code, e.Jump, e.Index, e.Status)
	}

	return fmt.Sprintf("%s (status %#.8x)", e.Source, e.Status)
}

func (e *StatusError) Unwrap() error {
	return ErrProcessing
}

// log reports the decoded status the way the engine documentation groups
// them, only DECO and jump halt conditions carry decodable details.
func (e *StatusError) log(ring int) {
	switch e.Source {
	case SourceNone:
		klog.Infof("SEC jr%d no status source %#.8x", ring, e.Status)
	case SourceDECO:
		if e.Warning() {
			klog.Warningf("SEC jr%d descriptor completed but exceeds the HFN threshold (index %d)", ring, e.Index)
			return
		}

		klog.Errorf("SEC jr%d DECO error %#x not implemented (jump %v, index %d)", ring, e.Code, e.Jump, e.Index)
	case SourceJumpHaltCond:
		klog.Errorf("SEC jr%d jump halt condition %#x (jump %v, index %d)", ring, e.Code, e.Jump, e.Index)
	case SourceCCB, SourceJumpHaltUser, SourceJobRing:
		klog.Warningf("SEC jr%d %s status %#.8x not implemented", ring, e.Source, e.Status)
	default:
		klog.Errorf("SEC jr%d unknown status source %#.8x", ring, e.Status)
	}
}
