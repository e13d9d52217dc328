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

// Package hostarch describes the page and cache geometry shared by the CPU
// and the remote device.
package hostarch

import (
	"fmt"
	"math/bits"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page in bytes.
	PageSize = 1 << PageShift

	// PageMask masks the offset within a page.
	PageMask = PageSize - 1

	// DefaultCacheLineSize is the cache line size assumed when a channel is
	// not configured otherwise.
	DefaultCacheLineSize = 64

	// MaxCacheLineSize bounds configurable cache line sizes.
	MaxCacheLineSize = 256
)

// AccessType specifies how pinned memory will be accessed by the remote
// device.
type AccessType struct {
	// Read is true if the device will read the memory.
	Read bool

	// Write is true if the device will write the memory.
	Write bool
}

var (
	// Read is read-only access.
	Read = AccessType{Read: true}

	// Write is write-only access.
	Write = AccessType{Write: true}
)

// String implements fmt.Stringer.String.
func (at AccessType) String() string {
	switch {
	case at.Read && at.Write:
		return "rw"
	case at.Read:
		return "r-"
	case at.Write:
		return "-w"
	default:
		return "--"
	}
}

// ValidCacheLineSize returns an error if n cannot be used as a cache line
// size.
func ValidCacheLineSize(n int) error {
	if n <= 0 || n > MaxCacheLineSize || bits.OnesCount(uint(n)) != 1 {
		return fmt.Errorf("invalid cache line size %d: must be a power of 2 no larger than %d", n, MaxCacheLineSize)
	}
	return nil
}

// PageRoundDown rounds x down to a page boundary.
func PageRoundDown[T ~int | ~uint | ~int64 | ~uint64 | ~uint32](x T) T {
	return x &^ PageMask
}

// PageRoundUp rounds x up to a page boundary. ok is false iff rounding up
// wrapped around.
func PageRoundUp[T ~int | ~uint | ~int64 | ~uint64 | ~uint32](x T) (val T, ok bool) {
	val = PageRoundDown(x + PageMask)
	ok = val >= x
	return
}

// PagesSpanned returns the number of pages touched by length bytes starting
// at offset bytes into the first page.
func PagesSpanned(offset, length int) int {
	return (offset + length + PageMask) >> PageShift
}
