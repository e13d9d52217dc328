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

package doorbell

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// EventSize is the size of an Event in shared memory.
const EventSize = 8

// Event is a {armed, fired} pair of 32-bit words in memory shared with the
// remote device. The side that waits on an event owns armed; the side that
// signals it sets fired and honours armed.
type Event struct {
	mem  []byte
	wake chan struct{}
}

// NewEvent returns an Event stored in the first EventSize bytes of mem,
// which must be 4-byte aligned.
func NewEvent(mem []byte) *Event {
	if len(mem) < EventSize {
		panic(fmt.Sprintf("event needs %d bytes, got %d", EventSize, len(mem)))
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		panic("event memory is not 4-byte aligned")
	}
	return &Event{
		mem:  mem[:EventSize:EventSize],
		wake: make(chan struct{}, 1),
	}
}

func (e *Event) armedWord() *uint32 {
	return (*uint32)(unsafe.Pointer(&e.mem[0]))
}

func (e *Event) firedWord() *uint32 {
	return (*uint32)(unsafe.Pointer(&e.mem[4]))
}

// Armed returns true if the waiting side is blocked on the event.
func (e *Event) Armed() bool {
	return atomic.LoadUint32(e.armedWord()) != 0
}

// Fired returns true if the event has been signalled and not yet consumed.
func (e *Event) Fired() bool {
	return atomic.LoadUint32(e.firedWord()) != 0
}

// Arm marks the waiting side as listening.
func (e *Event) Arm() {
	atomic.StoreUint32(e.armedWord(), 1)
}

// Disarm clears the armed flag.
func (e *Event) Disarm() {
	atomic.StoreUint32(e.armedWord(), 0)
}

// Fire sets fired and returns whether the waiting side was armed. Every
// write to shared memory made before Fire is visible to a reader that
// observes fired.
func (e *Event) Fire() bool {
	atomic.StoreUint32(e.firedWord(), 1)
	return atomic.LoadUint32(e.armedWord()) != 0
}

// Consume clears fired and returns whether it was set.
func (e *Event) Consume() bool {
	return atomic.SwapUint32(e.firedWord(), 0) != 0
}

// poll wakes a waiter if the event has fired while armed.
func (e *Event) poll() bool {
	if atomic.LoadUint32(e.firedWord()) == 0 || atomic.LoadUint32(e.armedWord()) == 0 {
		return false
	}
	e.Disarm()
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}
