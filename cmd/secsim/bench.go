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
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/cheggaaa/pb/v3"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-caam/sec"
)

// bench hashes n messages of size bytes, checking every digest.
func bench(s *sec.SEC, n int, size int) (err error) {
	if n <= 0 {
		return fmt.Errorf("invalid iterations %d", n)
	}

	msg := make([]byte, size)

	if _, err = s.Read(msg); err != nil {
		return
	}

	want := sha256.Sum256(msg)

	bar := pb.StartNew(n)
	start := time.Now()

	for i := 0; i < n; i++ {
		sum, err := s.Sum256(msg)

		if err != nil {
			bar.Finish()
			return err
		}

		if sum != want {
			bar.Finish()
			return fmt.Errorf("iteration %d: got digest %x, want %x", i, sum, want)
		}

		bar.Increment()
	}

	bar.Finish()

	elapsed := time.Since(start)
	klog.Infof("hashed %d x %d bytes in %v (%.0f ops/s)", n, size, elapsed, float64(n)/elapsed.Seconds())

	return
}
