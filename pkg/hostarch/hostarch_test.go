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

package hostarch

import "testing"

func TestRounding(t *testing.T) {
	for _, tc := range []struct {
		addr     Addr
		down, up Addr
		offset   uint64
	}{
		{0, 0, 0, 0},
		{1, 0, PageSize, 1},
		{PageSize - 1, 0, PageSize, PageSize - 1},
		{PageSize, PageSize, PageSize, 0},
		{3*PageSize + 60, 3 * PageSize, 4 * PageSize, 60},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown() = %v, want %v", tc.addr, got, tc.down)
		}
		if got, ok := tc.addr.RoundUp(); !ok || got != tc.up {
			t.Errorf("%v.RoundUp() = %v, %t, want %v, true", tc.addr, got, ok, tc.up)
		}
		if got := tc.addr.PageOffset(); got != tc.offset {
			t.Errorf("%v.PageOffset() = %d, want %d", tc.addr, got, tc.offset)
		}
	}
}

func TestRoundUpWraps(t *testing.T) {
	if _, ok := (^Addr(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the last address did not report wraparound")
	}
}

func TestPagesSpanned(t *testing.T) {
	for _, tc := range []struct {
		offset, length, want int
	}{
		{0, 1, 1},
		{0, PageSize, 1},
		{1, PageSize, 2},
		{60, 4100, 2},
		{0, 40 * PageSize, 40},
		{PageSize - 1, 2, 2},
	} {
		if got := PagesSpanned(tc.offset, tc.length); got != tc.want {
			t.Errorf("PagesSpanned(%d, %d) = %d, want %d", tc.offset, tc.length, got, tc.want)
		}
	}
}

func TestValidCacheLineSize(t *testing.T) {
	for _, n := range []int{1, 32, 64, 128, 256} {
		if err := ValidCacheLineSize(n); err != nil {
			t.Errorf("ValidCacheLineSize(%d) = %v, want nil", n, err)
		}
	}
	for _, n := range []int{0, -64, 48, 512} {
		if err := ValidCacheLineSize(n); err == nil {
			t.Errorf("ValidCacheLineSize(%d) succeeded unexpectedly", n)
		}
	}
}

func TestPageRoundUpInt(t *testing.T) {
	if got, ok := PageRoundUp(4097); !ok || got != 2*PageSize {
		t.Errorf("PageRoundUp(4097) = %d, %t", got, ok)
	}
}
