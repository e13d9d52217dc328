// Copyright 2024 The gVisor Authors.
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

package channel

import (
	"fmt"

	"gvisor.dev/vchiq/pkg/hostarch"
)

const (
	// SlotSize is the size of one slot of the shared region.
	SlotSize = hostarch.PageSize

	// MinRegionSize holds the header slot and the two ring slots.
	MinRegionSize = 3 * SlotSize

	// MaxRegionSize bounds the slot area so that bus addresses fit the
	// 32-bit header fields.
	MaxRegionSize = 1 << 28

	// DefaultMaxBulks is the default number of concurrent bulk transfers.
	DefaultMaxBulks = 8

	// MaxBulks is the largest supported number of concurrent bulk
	// transfers: a ring of twice as many records must fit a slot.
	MaxBulks = 64
)

// Config configures a channel.
type Config struct {
	// RegionSize is the size of the slot area in bytes. It is rounded up to
	// a whole number of slots.
	RegionSize int

	// CacheLineSize is the cache line size used for fragment staging.
	CacheLineSize int

	// MaxBulks is the number of bulk transfers that may be in flight at
	// once. The fragment pool holds two fragments per transfer.
	MaxBulks int
}

// DefaultConfig returns the default channel configuration.
func DefaultConfig() Config {
	return Config{
		RegionSize:    16 * SlotSize,
		CacheLineSize: hostarch.DefaultCacheLineSize,
		MaxBulks:      DefaultMaxBulks,
	}
}

// Validate returns an error if c cannot be used.
func (c *Config) Validate() error {
	if c.RegionSize < MinRegionSize || c.RegionSize > MaxRegionSize {
		return fmt.Errorf("region size %d out of range [%d, %d]", c.RegionSize, MinRegionSize, MaxRegionSize)
	}
	if err := hostarch.ValidCacheLineSize(c.CacheLineSize); err != nil {
		return err
	}
	if c.MaxBulks <= 0 || c.MaxBulks > MaxBulks {
		return fmt.Errorf("max bulks %d out of range [1, %d]", c.MaxBulks, MaxBulks)
	}
	return nil
}

// Fragments returns the number of fragments for c.
func (c *Config) Fragments() int {
	return 2 * c.MaxBulks
}

// slotCount returns the number of slots in the slot area.
func (c *Config) slotCount() int {
	return (c.RegionSize + SlotSize - 1) / SlotSize
}

// ringCapacity returns the number of records in each ring.
func (c *Config) ringCapacity() int {
	n := 16
	for n < 2*c.MaxBulks {
		n <<= 1
	}
	return n
}
