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

package pagelist

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vchiq/pkg/errors/linuxerr"
	"gvisor.dev/vchiq/pkg/hostarch"
	"gvisor.dev/vchiq/pkg/vchiq/fragment"
	"gvisor.dev/vchiq/pkg/vchiq/host"
)

const (
	userBase = hostarch.Addr(0x7f0000000000)
	busBase  = hostarch.Addr(0x10000000)
)

// fakeMM maps user pages to bus addresses from a table and counts pins.
type fakeMM struct {
	frames map[hostarch.Addr]hostarch.Addr
	pins   map[hostarch.Addr]int
	dirty  map[hostarch.Addr]bool
}

func newFakeMM() *fakeMM {
	return &fakeMM{
		frames: make(map[hostarch.Addr]hostarch.Addr),
		pins:   make(map[hostarch.Addr]int),
		dirty:  make(map[hostarch.Addr]bool),
	}
}

// mapPages maps count user pages at va to the bus pages named by frame.
func (m *fakeMM) mapPages(va hostarch.Addr, count int, frame func(i int) int) {
	for i := 0; i < count; i++ {
		m.frames[va+hostarch.Addr(i*hostarch.PageSize)] = busBase + hostarch.Addr(frame(i)*hostarch.PageSize)
	}
}

func (m *fakeMM) PinPages(ctx context.Context, addr hostarch.Addr, count int, at hostarch.AccessType) ([]host.Page, error) {
	var pages []host.Page
	for i := 0; i < count; i++ {
		bus, ok := m.frames[addr+hostarch.Addr(i*hostarch.PageSize)]
		if !ok {
			return pages, fmt.Errorf("page %d not mapped", i)
		}
		m.pins[bus]++
		pages = append(pages, host.Page{Addr: bus})
	}
	return pages, nil
}

func (m *fakeMM) UnpinPages(pages []host.Page, dirty bool) {
	for _, p := range pages {
		m.pins[p.Addr]--
		if m.pins[p.Addr] == 0 {
			delete(m.pins, p.Addr)
		}
		if dirty {
			m.dirty[p.Addr] = true
		}
	}
}

func (m *fakeMM) pinned() int {
	n := 0
	for _, c := range m.pins {
		n += c
	}
	return n
}

func contiguous(i int) int { return i }

func newBuilder(t *testing.T, mm host.MemoryManager, fragments int, nonBlocking bool) *Builder {
	t.Helper()
	pool, err := fragment.New(make([]byte, fragment.Size(fragments, 64)), busBase, fragments, 64)
	if err != nil {
		t.Fatalf("fragment.New failed: %v", err)
	}
	return NewBuilder(mm, pool, nonBlocking)
}

func pagesAt(addrs ...int) []host.Page {
	var pages []host.Page
	for _, a := range addrs {
		pages = append(pages, host.Page{Addr: busBase + hostarch.Addr(a*hostarch.PageSize)})
	}
	return pages
}

func TestCompress(t *testing.T) {
	for _, tc := range []struct {
		name  string
		pages []host.Page
		want  []Run
	}{
		{
			name: "empty",
		},
		{
			name:  "single",
			pages: pagesAt(7),
			want:  []Run{{Addr: busBase + 7*hostarch.PageSize, Pages: 1}},
		},
		{
			name:  "contiguous",
			pages: pagesAt(0, 1, 2),
			want:  []Run{{Addr: busBase, Pages: 3}},
		},
		{
			name:  "gap",
			pages: pagesAt(0, 1, 5, 6, 7),
			want: []Run{
				{Addr: busBase, Pages: 2},
				{Addr: busBase + 5*hostarch.PageSize, Pages: 3},
			},
		},
		{
			name:  "descending",
			pages: pagesAt(3, 2, 1),
			want: []Run{
				{Addr: busBase + 3*hostarch.PageSize, Pages: 1},
				{Addr: busBase + 2*hostarch.PageSize, Pages: 1},
				{Addr: busBase + 1*hostarch.PageSize, Pages: 1},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, Compress(tc.pages)); diff != "" {
				t.Errorf("Compress mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompressRunBound(t *testing.T) {
	var addrs []int
	for i := 0; i < 40; i++ {
		addrs = append(addrs, i)
	}
	want := []Run{
		{Addr: busBase, Pages: 32},
		{Addr: busBase + 32*hostarch.PageSize, Pages: 8},
	}
	if diff := cmp.Diff(want, Compress(pagesAt(addrs...))); diff != "" {
		t.Errorf("Compress mismatch (-want +got):\n%s", diff)
	}
}

func TestCompressDiscontinuities(t *testing.T) {
	// Frames chosen so that every fourth page starts a new run.
	var addrs []int
	for i := 0; i < 24; i++ {
		addrs = append(addrs, i+i/4*10)
	}
	runs := Compress(pagesAt(addrs...))
	discontinuities := 0
	for i := 1; i < len(addrs); i++ {
		if addrs[i] != addrs[i-1]+1 {
			discontinuities++
		}
	}
	if len(runs) != discontinuities+1 {
		t.Errorf("got %d runs, want %d", len(runs), discontinuities+1)
	}
	total := 0
	for _, r := range runs {
		if r.Pages == 0 || r.Pages > MaxRunPages {
			t.Errorf("run %+v has an invalid page count", r)
		}
		total += int(r.Pages)
	}
	if total != len(addrs) {
		t.Errorf("runs cover %d pages, want %d", total, len(addrs))
	}
}

func TestBuildContiguous40Pages(t *testing.T) {
	mm := newFakeMM()
	mm.mapPages(userBase, 40, contiguous)
	b := newBuilder(t, mm, 4, false)

	d, err := b.Build(context.Background(), userBase, 40*hostarch.PageSize, Write)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(d.Runs) != 2 || d.Runs[0].Pages != 32 || d.Runs[1].Pages != 8 {
		t.Errorf("Build runs = %+v, want 32 + 8 pages", d.Runs)
	}
	if d.HasFragment {
		t.Errorf("Write transfer was given a fragment")
	}
	if got := mm.pinned(); got != 40 {
		t.Errorf("pinned = %d, want 40", got)
	}
	b.Release(d, false)
	if got := mm.pinned(); got != 0 {
		t.Errorf("pinned after Release = %d, want 0", got)
	}
}

func TestBuildMisalignedRead(t *testing.T) {
	mm := newFakeMM()
	mm.mapPages(userBase, 2, contiguous)
	b := newBuilder(t, mm, 4, false)

	d, err := b.Build(context.Background(), userBase+60, 4100, Read)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if d.Offset != 60 {
		t.Errorf("Offset = %d, want 60", d.Offset)
	}
	if !d.HasFragment {
		t.Errorf("misaligned Read did not get a fragment")
	}
	if len(d.Pages) != 2 {
		t.Errorf("pinned %d pages, want 2", len(d.Pages))
	}
	b.Release(d, true)
	if got := b.Pool().Outstanding(); got != 0 {
		t.Errorf("fragments outstanding after Release = %d, want 0", got)
	}
	if !mm.dirty[busBase] || !mm.dirty[busBase+hostarch.PageSize] {
		t.Errorf("pages not marked dirty: %v", mm.dirty)
	}
}

func TestNeedsFragment(t *testing.T) {
	for _, tc := range []struct {
		kind           Kind
		offset, length int
		want           bool
	}{
		{Read, 0, 4096, false},
		{Read, 64, 128, false},
		{Read, 60, 4100, true},
		{Read, 0, 100, true},
		{Read, 3, 61, true},
		{Write, 60, 4100, false},
	} {
		if got := NeedsFragment(tc.kind, tc.offset, tc.length, 64); got != tc.want {
			t.Errorf("NeedsFragment(%v, %d, %d) = %t, want %t", tc.kind, tc.offset, tc.length, got, tc.want)
		}
	}
}

func TestBuildInvalidLength(t *testing.T) {
	b := newBuilder(t, newFakeMM(), 1, false)
	for _, length := range []int{0, -1} {
		if _, err := b.Build(context.Background(), userBase, length, Write); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("Build(length=%d) = %v, want EINVAL", length, err)
		}
	}
}

func TestBuildPartialPin(t *testing.T) {
	mm := newFakeMM()
	// Only the first 3 of 5 pages are mapped.
	mm.mapPages(userBase, 3, contiguous)
	b := newBuilder(t, mm, 1, false)

	if _, err := b.Build(context.Background(), userBase, 5*hostarch.PageSize, Read); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("Build = %v, want EFAULT", err)
	}
	if got := mm.pinned(); got != 0 {
		t.Errorf("pinned after failed Build = %d, want 0", got)
	}
	if got := b.Pool().Outstanding(); got != 0 {
		t.Errorf("fragments outstanding after failed Build = %d, want 0", got)
	}
}

func TestBuildNoFragmentSlot(t *testing.T) {
	mm := newFakeMM()
	mm.mapPages(userBase, 1, contiguous)
	b := newBuilder(t, mm, 1, true)

	d, err := b.Build(context.Background(), userBase+1, 10, Read)
	if err != nil {
		t.Fatalf("first Build failed: %v", err)
	}
	if _, err := b.Build(context.Background(), userBase+1, 10, Read); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Errorf("second Build = %v, want EAGAIN", err)
	}
	if got := mm.pinned(); got != 1 {
		t.Errorf("pinned = %d, want 1", got)
	}
	b.Release(d, false)
}

func TestBuildCancelled(t *testing.T) {
	mm := newFakeMM()
	mm.mapPages(userBase, 1, contiguous)
	b := newBuilder(t, mm, 1, false)

	d, err := b.Build(context.Background(), userBase+1, 10, Read)
	if err != nil {
		t.Fatalf("first Build failed: %v", err)
	}
	defer b.Release(d, false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Build(ctx, userBase+1, 10, Read); !linuxerr.Equals(linuxerr.EINTR, err) {
		t.Errorf("blocked Build = %v, want EINTR", err)
	}
	if got := mm.pinned(); got != 1 {
		t.Errorf("pinned = %d, want 1", got)
	}
}

func TestReleaseTwice(t *testing.T) {
	mm := newFakeMM()
	mm.mapPages(userBase, 1, contiguous)
	b := newBuilder(t, mm, 1, false)
	d, err := b.Build(context.Background(), userBase+8, 8, Read)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	b.Release(d, false)
	b.Release(d, false)
	if got := mm.pinned(); got != 0 {
		t.Errorf("pinned = %d, want 0", got)
	}
}
