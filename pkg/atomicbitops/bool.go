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

package atomicbitops

import "sync/atomic"

// Bool is an atomic Boolean stored as 0 or 1 in a Uint32.
type Bool struct {
	Uint32
}

func b32(val bool) uint32 {
	if val {
		return 1
	}
	return 0
}

// FromBool returns a Bool initialized to value val.
func FromBool(val bool) Bool {
	return Bool{Uint32{value: b32(val)}}
}

// Load returns the current value.
//
//go:nosplit
func (b *Bool) Load() bool {
	return atomic.LoadUint32(&b.value) != 0
}

// Store sets the value to val.
//
//go:nosplit
func (b *Bool) Store(val bool) {
	atomic.StoreUint32(&b.value, b32(val))
}

// Swap sets the value to val and returns the previous value.
//
//go:nosplit
func (b *Bool) Swap(val bool) bool {
	return atomic.SwapUint32(&b.value, b32(val)) != 0
}

// CompareAndSwap sets the value to newVal if it is oldVal, and reports
// whether it did.
//
//go:nosplit
func (b *Bool) CompareAndSwap(oldVal, newVal bool) bool {
	return atomic.CompareAndSwapUint32(&b.value, b32(oldVal), b32(newVal))
}
