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
	"errors"
	"fmt"
	"io"
)

var (
	ErrMAC      = errors.New("invalid response MAC")
	ErrNonce    = errors.New("nonce mismatch")
	ErrCounter  = errors.New("write counter mismatch")
	ErrResponse = errors.New("unexpected response type")
)

// request is a frame exchange with the card.
type request struct {
	frame *Frame

	// sign sets the request MAC
	sign bool
	// nonce sets a random request nonce
	nonce bool
	// authenticate verifies the response MAC
	authenticate bool
	// resultRead fetches the response with a result read request
	resultRead bool
}

func (p *RPMB) op(r *request) (res *Frame, err error) {
	p.Lock()
	defer p.Unlock()

	if p.card == nil {
		return nil, ErrNotInitialized
	}

	req := r.frame

	if r.nonce {
		if _, err = io.ReadFull(p.engine, req.Nonce[:]); err != nil {
			return nil, fmt.Errorf("could not generate nonce, %w", err)
		}
	}

	if r.sign {
		if err = p.sign(req); err != nil {
			return nil, fmt.Errorf("could not sign request, %w", err)
		}
	}

	if err = p.card.WriteRPMB(req.Bytes(), reliable(req.Type)); err != nil {
		return
	}

	if r.resultRead {
		rr := &Frame{Type: ResultRead}

		if err = p.card.WriteRPMB(rr.Bytes(), false); err != nil {
			return
		}
	}

	buf := make([]byte, FrameLength)

	if err = p.card.ReadRPMB(buf); err != nil {
		return
	}

	res = &Frame{}

	if err = res.UnmarshalBinary(buf); err != nil {
		return nil, err
	}

	if r.authenticate {
		if err = p.verify(buf, res); err != nil {
			return nil, err
		}
	}

	switch {
	case res.Type != response(req.Type):
		return nil, fmt.Errorf("%w %#04x to request %#04x", ErrResponse, res.Type, req.Type)
	case res.Nonce != req.Nonce:
		return nil, ErrNonce
	case res.Result&resultMask != ResultOK:
		return nil, &OperationError{Result: res.Result}
	}

	return
}

// transfer performs an authenticated single block read or write at offset.
func (p *RPMB) transfer(kind uint16, offset uint16, buf []byte) (err error) {
	if len(buf) > DataLength {
		return fmt.Errorf("transfer size must not exceed %d bytes", DataLength)
	}

	r := &request{
		frame: &Frame{
			Type:    kind,
			Address: offset,
			Blocks:  1,
		},
		sign:         kind == DataWrite,
		nonce:        kind == DataRead,
		authenticate: true,
		resultRead:   kind == DataWrite,
	}

	if kind == DataWrite {
		if r.frame.Counter, err = p.Counter(true); err != nil {
			return
		}

		copy(r.frame.Data[:], buf)
	}

	res, err := p.op(r)

	if err != nil {
		return
	}

	switch {
	case kind == DataRead:
		copy(buf, res.Data[:])
	case res.Counter != r.frame.Counter+1:
		// CVE-2020-13799
		return fmt.Errorf("%w: got %d, want %d", ErrCounter, res.Counter, r.frame.Counter+1)
	}

	return
}
