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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemove(t *testing.T) {
	b := New(130)
	for _, i := range []uint32{0, 63, 64, 129} {
		b.Add(i)
	}
	b.Add(64)
	if got := b.GetNumOnes(); got != 4 {
		t.Errorf("GetNumOnes() = %d, want 4", got)
	}
	if diff := cmp.Diff([]uint32{0, 63, 64, 129}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice() mismatch (-want +got):\n%s", diff)
	}
	b.Remove(63)
	if b.IsSet(63) {
		t.Errorf("IsSet(63) after Remove")
	}
	if got := b.GetNumOnes(); got != 3 {
		t.Errorf("GetNumOnes() = %d, want 3", got)
	}
}

func TestFirstZero(t *testing.T) {
	b := New(70)
	b.AddRange(0, 66)
	if got, err := b.FirstZero(0); err != nil || got != 66 {
		t.Errorf("FirstZero(0) = %d, %v, want 66", got, err)
	}
	b.AddRange(66, 70)
	if _, err := b.FirstZero(0); err == nil {
		t.Errorf("FirstZero on a full bitmap succeeded")
	}
}

func TestFirstZeroRun(t *testing.T) {
	b := New(64)
	// Holes at [2,4), [5,9), [20,64).
	b.AddRange(0, 2)
	b.Add(4)
	b.AddRange(9, 20)
	for _, tc := range []struct {
		n    uint32
		want uint32
		ok   bool
	}{
		{1, 2, true},
		{2, 2, true},
		{3, 5, true},
		{4, 5, true},
		{5, 20, true},
		{44, 20, true},
		{45, 0, false},
	} {
		got, err := b.FirstZeroRun(0, tc.n)
		if tc.ok != (err == nil) || (tc.ok && got != tc.want) {
			t.Errorf("FirstZeroRun(0, %d) = %d, %v, want %d, ok=%t", tc.n, got, err, tc.want, tc.ok)
		}
	}
}
