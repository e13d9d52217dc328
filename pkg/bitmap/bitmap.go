// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides a bitmap used to track allocated page frames.
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
)

// MaxBitEntryLimit defines the upper limit on how many bit entries are supported by this Bitmap
// implementation.
const MaxBitEntryLimit uint32 = math.MaxInt32

// Bitmap implements an efficient bitmap.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the number of usable bits.
	size uint32

	// bitBlock holds the bits. The type of bitBlock is uint64 which means
	// each number in bitBlock contains 64 entries.
	bitBlock []uint64
}

// New create a new empty Bitmap of size bits.
func New(size uint32) Bitmap {
	b := Bitmap{size: size}
	bSize := (size + 63) / 64
	b.bitBlock = make([]uint64, bSize)
	return b
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// GetNumOnes returns the number of ones in the bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// IsSet returns true if bit i is set.
func (b *Bitmap) IsSet(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// FirstZero returns the first unset bit from the range [start, ).
func (b *Bitmap) FirstZero(start uint32) (bit uint32, err error) {
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	if start >= b.size {
		return MaxBitEntryLimit, fmt.Errorf("given start of range exceeds bitmap size")
	}
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := uint32(bits.TrailingZeros64(^w) + i*64)
			if r >= b.size {
				break
			}
			return r, nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no unset bits")
}

// FirstZeroRun returns the first bit in [start, ) that begins a run of n
// unset bits.
func (b *Bitmap) FirstZeroRun(start, n uint32) (uint32, error) {
	if n == 0 {
		return MaxBitEntryLimit, fmt.Errorf("empty run requested")
	}
	for start < b.size {
		first, err := b.FirstZero(start)
		if err != nil {
			return MaxBitEntryLimit, err
		}
		if uint64(first)+uint64(n) > uint64(b.size) {
			break
		}
		run := uint32(1)
		for run < n && !b.IsSet(first+run) {
			run++
		}
		if run == n {
			return first, nil
		}
		start = first + run
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no run of %d unset bits", n)
}

// Add sets bit i.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Add(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock | mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes++
	}
}

// Remove clears bit i.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Remove(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock &^ mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes--
	}
}

// AddRange sets bits [begin, end).
func (b *Bitmap) AddRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Add(i)
	}
}

// RemoveRange clears bits [begin, end).
func (b *Bitmap) RemoveRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Remove(i)
	}
}

// ToSlice transforms a Bitmap into a slice of the set bits.
func (b *Bitmap) ToSlice() []uint32 {
	bitmapSlice := make([]uint32, 0, b.numOnes)
	for i, w := range b.bitBlock {
		for w != 0 {
			r := bits.TrailingZeros64(w)
			bitmapSlice = append(bitmapSlice, uint32(i*64+r))
			w &^= uint64(1) << r
		}
	}
	return bitmapSlice
}
