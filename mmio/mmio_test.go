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

package mmio

import (
	"testing"

	"github.com/transparency-dev/armored-witness-caam/timer"
)

type mapBus map[uint64]uint32

func (m mapBus) Load32(addr uint64) uint32 {
	return m[addr]
}

func (m mapBus) Store32(addr uint64, val uint32) {
	m[addr] = val
}

func TestEndianness(t *testing.T) {
	for _, test := range []struct {
		name      string
		bigEndian bool
		wantRaw0  uint32
		wantRaw4  uint32
	}{
		{
			name:     "little endian",
			wantRaw0: 0x55667788,
			wantRaw4: 0x11223344,
		},
		{
			name:      "big endian",
			bigEndian: true,
			wantRaw0:  0x44332211,
			wantRaw4:  0x88776655,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			bus := mapBus{}
			dev := New(bus, test.bigEndian)

			dev.Write64(0x100, 0x1122334455667788)

			if bus[0x100] != test.wantRaw0 || bus[0x104] != test.wantRaw4 {
				t.Fatalf("Got %#x %#x, want %#x %#x", bus[0x100], bus[0x104], test.wantRaw0, test.wantRaw4)
			}

			if got := dev.Read64(0x100); got != 0x1122334455667788 {
				t.Errorf("Got %#x, want 0x1122334455667788", got)
			}

			dev.Write32(0x200, 0xcafebabe)

			if got := dev.Read32(0x200); got != 0xcafebabe {
				t.Errorf("Got %#x, want 0xcafebabe", got)
			}
		})
	}
}

func TestFields(t *testing.T) {
	dev := New(mapBus{}, true)

	SetN(dev, 0x10, 16, 0xffff, 3200)
	Set(dev, 0x10, 0)

	if got := Get(dev, 0x10, 16, 0xffff); got != 3200 {
		t.Errorf("Got %d, want 3200", got)
	}

	if got := dev.Read32(0x10); got != 3200<<16|1 {
		t.Errorf("Got %#x, want %#x", got, 3200<<16|1)
	}

	Clear(dev, 0x10, 0)

	if got := Get(dev, 0x10, 0, 1); got != 0 {
		t.Errorf("Got %d, want 0", got)
	}
}

func TestWaitFor(t *testing.T) {
	dev := New(mapBus{0x20: 1}, false)

	if WaitFor(dev, 0x20, 0, 1, 0, timer.Iterations(10)) {
		t.Error("Got ready, want timeout")
	}

	if !WaitFor(dev, 0x20, 0, 1, 1, timer.Iterations(10)) {
		t.Error("Got timeout, want ready")
	}
}
