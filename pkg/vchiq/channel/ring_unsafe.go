// Copyright 2019 The gVisor Authors.
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
	"sync/atomic"
	"unsafe"
)

// RecordSize is the size of one ring record.
const RecordSize = 16

// ringHeaderSize is the size of the index words at the start of a ring.
const ringHeaderSize = 16

// Ring header offsets.
const (
	offPut = 0
	offGet = 4
)

// Record is one fixed-size ring entry.
type Record [RecordSize]byte

// ringSize returns the bytes used by a ring of capacity records.
func ringSize(capacity int) int {
	return ringHeaderSize + capacity*RecordSize
}

// Ring is a single-producer, single-consumer queue of Records in shared
// memory. Indices are free-running 32-bit counters; the producer owns put
// and the consumer owns get. A record is written before put is advanced
// past it and read before get is advanced past it.
type Ring struct {
	mem      []byte
	capacity uint32
}

// newRing returns a Ring over mem. capacity must be a power of two.
func newRing(mem []byte, capacity int) *Ring {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic(fmt.Sprintf("ring capacity %d is not a power of two", capacity))
	}
	if len(mem) < ringSize(capacity) {
		panic(fmt.Sprintf("ring of %d records needs %d bytes, got %d", capacity, ringSize(capacity), len(mem)))
	}
	return &Ring{
		mem:      mem[:ringSize(capacity)],
		capacity: uint32(capacity),
	}
}

func loadWord(b []byte, off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[off:][:4][0])))
}

func storeWord(b []byte, off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[off:][:4][0])), v)
}

func (r *Ring) entry(idx uint32) []byte {
	off := ringHeaderSize + int(idx&(r.capacity-1))*RecordSize
	return r.mem[off : off+RecordSize]
}

// Capacity returns the number of records the ring holds.
func (r *Ring) Capacity() int {
	return int(r.capacity)
}

// Len returns the number of records queued.
func (r *Ring) Len() int {
	return int(loadWord(r.mem, offPut) - loadWord(r.mem, offGet))
}

// Push appends rec. It returns false if the ring is full.
func (r *Ring) Push(rec Record) bool {
	put := loadWord(r.mem, offPut)
	if put-loadWord(r.mem, offGet) >= r.capacity {
		return false
	}
	copy(r.entry(put), rec[:])
	storeWord(r.mem, offPut, put+1)
	return true
}

// Pop removes the oldest record. It returns false if the ring is empty.
func (r *Ring) Pop() (Record, bool) {
	var rec Record
	get := loadWord(r.mem, offGet)
	if get == loadWord(r.mem, offPut) {
		return rec, false
	}
	copy(rec[:], r.entry(get))
	storeWord(r.mem, offGet, get+1)
	return rec, true
}
