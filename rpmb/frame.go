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

package rpmb

import (
	"encoding/binary"
	"fmt"
)

// FrameLength is the size of an RPMB data frame.
const FrameLength = 512

// Data frame field offsets, JESD84-B51 Table 17. The MAC covers the frame
// from the data field to its end.
const (
	offKeyMAC  = 196
	offData    = 228
	offNonce   = 484
	offCounter = 500
	offAddress = 504
	offBlocks  = 506
	offResult  = 508
	offType    = 510

	DataLength = offNonce - offData
)

// Request message types, JESD84-B51 Table 18. Responses carry the request
// type in the most significant byte.
const (
	KeyProgramming uint16 = iota + 1
	CounterRead
	DataWrite
	DataRead
	ResultRead
	ConfigWrite
	ConfigRead
)

// Operation results, JESD84-B51 Table 20.
const (
	ResultOK uint16 = iota
	ResultGeneralFailure
	ResultAuthenticationFailure
	ResultCounterFailure
	ResultAddressFailure
	ResultWriteFailure
	ResultReadFailure
	ResultKeyNotProgrammed

	// ResultCounterExpired is set along any result once the write counter
	// reached its maximum.
	ResultCounterExpired uint16 = 0x80
	resultMask                  = 0x7f
)

// response returns the response message type for a request.
func response(req uint16) uint16 {
	return req << 8
}

// reliable reports whether a request is sent with a reliable write.
func reliable(req uint16) bool {
	return req == KeyProgramming || req == DataWrite || req == ConfigWrite
}

// Frame is an RPMB data frame.
type Frame struct {
	KeyMAC  [32]byte
	Data    [DataLength]byte
	Nonce   [16]byte
	Counter uint32
	Address uint16
	Blocks  uint16
	Result  uint16
	Type    uint16
}

// Bytes returns the frame wire format, multi-byte fields are big-endian.
func (f *Frame) Bytes() []byte {
	buf := make([]byte, FrameLength)

	copy(buf[offKeyMAC:], f.KeyMAC[:])
	copy(buf[offData:], f.Data[:])
	copy(buf[offNonce:], f.Nonce[:])

	binary.BigEndian.PutUint32(buf[offCounter:], f.Counter)
	binary.BigEndian.PutUint16(buf[offAddress:], f.Address)
	binary.BigEndian.PutUint16(buf[offBlocks:], f.Blocks)
	binary.BigEndian.PutUint16(buf[offResult:], f.Result)
	binary.BigEndian.PutUint16(buf[offType:], f.Type)

	return buf
}

// UnmarshalBinary parses a frame in wire format.
func (f *Frame) UnmarshalBinary(buf []byte) error {
	if len(buf) != FrameLength {
		return fmt.Errorf("invalid frame length %d", len(buf))
	}

	copy(f.KeyMAC[:], buf[offKeyMAC:])
	copy(f.Data[:], buf[offData:])
	copy(f.Nonce[:], buf[offNonce:])

	f.Counter = binary.BigEndian.Uint32(buf[offCounter:])
	f.Address = binary.BigEndian.Uint16(buf[offAddress:])
	f.Blocks = binary.BigEndian.Uint16(buf[offBlocks:])
	f.Result = binary.BigEndian.Uint16(buf[offResult:])
	f.Type = binary.BigEndian.Uint16(buf[offType:])

	return nil
}

// authenticated returns the frame region covered by the MAC.
func authenticated(buf []byte) []byte {
	return buf[offData:]
}

// OperationError reports a card operation result other than ResultOK.
type OperationError struct {
	Result uint16
}

func (e *OperationError) Error() string {
	var reason string

	switch e.Result & resultMask {
	case ResultGeneralFailure:
		reason = "general failure"
	case ResultAuthenticationFailure:
		reason = "authentication failure"
	case ResultCounterFailure:
		reason = "counter failure"
	case ResultAddressFailure:
		reason = "address failure"
	case ResultWriteFailure:
		reason = "write failure"
	case ResultReadFailure:
		reason = "read failure"
	case ResultKeyNotProgrammed:
		reason = "authentication key not yet programmed"
	default:
		reason = "unknown result"
	}

	return fmt.Sprintf("RPMB operation failed, %s (%#04x)", reason, e.Result)
}

// KeyNotProgrammed reports whether the card has no authentication key.
func (e *OperationError) KeyNotProgrammed() bool {
	return e.Result&resultMask == ResultKeyNotProgrammed
}
