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

package timer

import "testing"

func TestIterations(t *testing.T) {
	d := Iterations(3)

	for i := 0; i < 2; i++ {
		if d.Expired() {
			t.Fatalf("expired after %d iterations", i+1)
		}
	}

	if !d.Expired() {
		t.Error("Got not expired, want expired on 3rd iteration")
	}

	if d.Remaining() != 0 {
		t.Errorf("Got %d remaining, want 0", d.Remaining())
	}
}

func TestAfter(t *testing.T) {
	c := &Fake{}
	d := After(c, 200)

	c.Advance(199)

	if d.Expired() {
		t.Fatal("expired early")
	}

	if got := d.Remaining(); got != 1 {
		t.Errorf("Got %d, want 1", got)
	}

	c.Advance(1)

	if !d.Expired() {
		t.Error("Got not expired, want expired")
	}
}

func TestFakeStep(t *testing.T) {
	c := &Fake{Step: 50}

	if got := c.Now(); got != 0 {
		t.Fatalf("Got %d, want 0", got)
	}

	if got := c.Now(); got != 50 {
		t.Fatalf("Got %d, want 50", got)
	}

	if got := Elapsed(c, 0); got != 100 {
		t.Errorf("Got %d, want 100", got)
	}
}
