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

// Package config describes the SoC integration of a SEC instance: register
// base, job ring, pointer size, byte order and the engine tunables.
package config

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/coreos/go-semver/semver"
	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-witness-caam/phys"
)

//go:embed presets/*.yaml
var presets embed.FS

// DefaultPreset is the platform returned by Default.
const DefaultPreset = "ls1046a"

// maxRings is the number of job rings of a SEC instance.
const maxRings = 4

// ICID holds the job ring isolation context.
type ICID struct {
	// Enabled selects whether the job ring ICID registers are programmed,
	// SoCs without them leave it unset.
	Enabled bool `yaml:"enabled"`
	// TrustZone marks the job ring as secure world only.
	TrustZone bool   `yaml:"trustzone"`
	SDID      uint16 `yaml:"sdid"`
	SEQID     uint16 `yaml:"seqid"`
	NSEQID    uint16 `yaml:"nseqid"`
}

// Cache holds the AXI cache attributes of engine DMA transactions.
type Cache struct {
	AWCache uint8 `yaml:"awcache"`
	ARCache uint8 `yaml:"arcache"`
}

// RNG holds the random number generator instantiation parameters.
type RNG struct {
	// Skip leaves RNG instantiation to another boot stage.
	Skip bool `yaml:"skip"`
	// ZeroOnFailure makes random number reads return zero instead of an
	// error when the engine fails.
	ZeroOnFailure bool `yaml:"zero_on_failure"`

	MinEntropyDelay uint32 `yaml:"min_entropy_delay"`
	MaxEntropyDelay uint32 `yaml:"max_entropy_delay"`
	Step            uint32 `yaml:"step"`
}

// Coalescing holds the job ring interrupt coalescing thresholds.
type Coalescing struct {
	Enabled bool   `yaml:"enabled"`
	Count   uint8  `yaml:"count"`
	Timer   uint16 `yaml:"timer"`
}

// Platform describes a SEC instance.
type Platform struct {
	Name string `yaml:"name"`

	// CAAMBase is the SEC register base address.
	CAAMBase uint64 `yaml:"caam_base"`
	// RingStride separates job ring register windows.
	RingStride uint64 `yaml:"ring_stride"`
	// JobRing is the job ring used by this world.
	JobRing int `yaml:"job_ring"`
	// RingSize is the number of job ring entries.
	RingSize int `yaml:"ring_size"`
	// PointerWidth is the DMA pointer size in bits (32 or 64).
	PointerWidth int  `yaml:"pointer_width"`
	BigEndian    bool `yaml:"big_endian"`
	// Coherent is set when DMA memory requires no cache maintenance.
	Coherent bool `yaml:"coherent"`

	ICID  ICID  `yaml:"icid"`
	Cache Cache `yaml:"cache"`

	// TimeoutMS bounds synchronous job completion.
	TimeoutMS uint64 `yaml:"timeout_ms"`
	// HashContexts is the number of concurrent hash operations.
	HashContexts int `yaml:"hash_contexts"`

	RNG        RNG        `yaml:"rng"`
	Coalescing Coalescing `yaml:"coalescing"`

	// MinVersion is the oldest supported SEC version (semver).
	MinVersion string `yaml:"min_version"`
}

// Presets returns the names of the built-in platforms.
func Presets() (names []string) {
	entries, err := presets.ReadDir("presets")

	if err != nil {
		return
	}

	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), path.Ext(e.Name())))
	}

	sort.Strings(names)

	return
}

// Preset returns a built-in platform by name.
func Preset(name string) (*Platform, error) {
	buf, err := presets.ReadFile(path.Join("presets", name+".yaml"))

	if err != nil {
		return nil, fmt.Errorf("unknown platform %q, want one of %v", name, Presets())
	}

	p := &Platform{}

	if err = yaml.Unmarshal(buf, p); err != nil {
		return nil, fmt.Errorf("invalid %s preset: %v", name, err)
	}

	return p, nil
}

// Default returns the default platform.
func Default() *Platform {
	p, err := Preset(DefaultPreset)

	if err != nil {
		panic(err)
	}

	return p
}

// Parse reads a YAML platform description, fields it does not set keep the
// values of the preset named by its base key, or of Default.
func Parse(buf []byte) (p *Platform, err error) {
	var base struct {
		Base string `yaml:"base"`
	}

	if err = yaml.Unmarshal(buf, &base); err != nil {
		return
	}

	if base.Base == "" {
		base.Base = DefaultPreset
	}

	if p, err = Preset(base.Base); err != nil {
		return
	}

	if err = yaml.Unmarshal(buf, p); err != nil {
		return nil, err
	}

	return p, p.Validate()
}

// Load reads a YAML platform description from a file.
func Load(name string) (*Platform, error) {
	buf, err := os.ReadFile(name)

	if err != nil {
		return nil, err
	}

	return Parse(buf)
}

// Validate checks the platform for consistency.
func (p *Platform) Validate() error {
	if p.Name == "" {
		return errors.New("missing field: name")
	}

	if p.CAAMBase == 0 {
		return errors.New("missing field: caam_base")
	}

	if p.RingStride == 0 || p.RingStride&(p.RingStride-1) != 0 {
		return fmt.Errorf("invalid ring_stride %#x", p.RingStride)
	}

	if p.JobRing < 0 || p.JobRing >= maxRings {
		return fmt.Errorf("invalid job_ring %d, want 0-%d", p.JobRing, maxRings-1)
	}

	if p.RingSize < 2 || p.RingSize&(p.RingSize-1) != 0 {
		return fmt.Errorf("invalid ring_size %d, must be a power of two", p.RingSize)
	}

	if p.PointerWidth != 32 && p.PointerWidth != 64 {
		return fmt.Errorf("invalid pointer_width %d, want 32 or 64", p.PointerWidth)
	}

	if p.Cache.AWCache > 0xf || p.Cache.ARCache > 0xf {
		return fmt.Errorf("invalid cache attributes %#x/%#x", p.Cache.AWCache, p.Cache.ARCache)
	}

	if p.TimeoutMS == 0 {
		return errors.New("missing field: timeout_ms")
	}

	if p.HashContexts < 1 {
		return fmt.Errorf("invalid hash_contexts %d", p.HashContexts)
	}

	if !p.RNG.Skip {
		if p.RNG.Step == 0 || p.RNG.MinEntropyDelay == 0 || p.RNG.MinEntropyDelay >= p.RNG.MaxEntropyDelay {
			return fmt.Errorf("invalid rng entropy delay %d-%d step %d", p.RNG.MinEntropyDelay, p.RNG.MaxEntropyDelay, p.RNG.Step)
		}

		// RTSDCTL ENT_DLY is 16 bits wide
		if p.RNG.MaxEntropyDelay > 0xffff {
			return fmt.Errorf("invalid rng max_entropy_delay %d", p.RNG.MaxEntropyDelay)
		}
	}

	if p.MinVersion != "" {
		if _, err := semver.NewVersion(p.MinVersion); err != nil {
			return fmt.Errorf("invalid min_version: %v", err)
		}
	}

	return nil
}

// Width returns the engine pointer width.
func (p *Platform) Width() phys.Width {
	if p.PointerWidth == 64 {
		return phys.Width64
	}

	return phys.Width32
}

// JobRingBase returns the register base of the configured job ring.
func (p *Platform) JobRingBase() uint64 {
	return p.CAAMBase + p.RingStride*uint64(p.JobRing+1)
}

// Version returns the minimum supported SEC version, nil when unset.
func (p *Platform) Version() *semver.Version {
	if p.MinVersion == "" {
		return nil
	}

	v, err := semver.NewVersion(p.MinVersion)

	if err != nil {
		return nil
	}

	return v
}
