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

// secsim runs the SEC driver against the simulated engine, either as a
// functional self test or as a hashing benchmark.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rcrowley/go-metrics"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-caam/auth"
	"github.com/transparency-dev/armored-witness-caam/config"
	"github.com/transparency-dev/armored-witness-caam/internal/sim"
	"github.com/transparency-dev/armored-witness-caam/mem"
	"github.com/transparency-dev/armored-witness-caam/mmio"
	"github.com/transparency-dev/armored-witness-caam/sec"
	"github.com/transparency-dev/armored-witness-caam/timer"
)

const (
	ramStart = 0x80000000
	// ring, hash and RSA buffers
	ramReserve = 0x100000
)

var (
	configFile = flag.String("config", "", "Platform YAML file, overrides -platform.")
	platform   = flag.String("platform", config.DefaultPreset, fmt.Sprintf("Built-in platform %v.", config.Presets()))
	mode       = flag.String("mode", "selftest", "Either selftest or bench.")
	n          = flag.Int("n", 1000, "Number of bench iterations.")
	size       = flag.Int("size", 4096, "Size in bytes of bench messages.")
	dump       = flag.Bool("metrics", false, "Print the job ring counters on exit.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if err := run(); err != nil {
		klog.Exitf("secsim: %v", err)
	}
}

func run() (err error) {
	p, err := loadPlatform()

	if err != nil {
		return
	}

	s, err := newSEC(p, *size)

	if err != nil {
		return
	}

	if err = s.Init(); err != nil {
		return fmt.Errorf("SEC initialization failed: %w", err)
	}

	defer s.Release()

	if err = auth.Register(sec.NewLibrary(s)); err != nil {
		return
	}

	defer auth.Unregister(sec.LibraryName)

	switch *mode {
	case "selftest":
		err = selftest(s)
	case "bench":
		err = bench(s, *n, *size)
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}

	fmt.Fprintln(os.Stdout, s.Status().Print())

	if *dump {
		metrics.WriteOnce(s.Metrics, os.Stdout)
	}

	return
}

func loadPlatform() (*config.Platform, error) {
	if *configFile != "" {
		return config.Load(*configFile)
	}

	return config.Preset(*platform)
}

// newSEC returns a SEC backed by a simulated engine matching p, with enough
// DMA memory for messages of msgSize bytes.
func newSEC(p *config.Platform, msgSize int) (*sec.SEC, error) {
	if msgSize < 0 {
		return nil, fmt.Errorf("invalid message size %d", msgSize)
	}

	cfg := sim.Config{
		Base:      p.CAAMBase,
		Stride:    p.RingStride,
		BigEndian: p.BigEndian,
		RAM:       mem.NewRegion(ramStart, ramReserve+msgSize),
	}

	// report the oldest version the platform accepts
	if v := p.Version(); v != nil {
		cfg.ID = 0x0a10<<16 | uint32(v.Major&0xff)<<8 | uint32(v.Minor&0xff)
	}

	eng := sim.New(cfg)

	klog.V(1).Infof("simulating %s SEC at %#x (%d-bit, big endian %v)", p.Name, p.CAAMBase, p.PointerWidth, p.BigEndian)

	s := sec.New(p, mmio.New(eng, p.BigEndian), cfg.RAM, timer.NewSystem())
	s.Metrics = metrics.NewRegistry()

	return s, nil
}
