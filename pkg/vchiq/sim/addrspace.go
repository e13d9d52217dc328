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

package sim

import (
	"context"
	"fmt"

	"gvisor.dev/vchiq/pkg/errors/linuxerr"
	"gvisor.dev/vchiq/pkg/hostarch"
	"gvisor.dev/vchiq/pkg/sync"
	"gvisor.dev/vchiq/pkg/vchiq/host"
)

// Layout controls how Map assigns physical frames to virtual pages.
type Layout int

const (
	// Contiguous backs consecutive pages with consecutive frames.
	Contiguous Layout = iota

	// Scattered backs consecutive pages with frames separated by gaps.
	Scattered

	// Reversed backs consecutive pages with consecutive frames in
	// descending order.
	Reversed
)

// String implements fmt.Stringer.String.
func (l Layout) String() string {
	switch l {
	case Contiguous:
		return "contiguous"
	case Scattered:
		return "scattered"
	case Reversed:
		return "reversed"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// ParseLayout parses the String form of a Layout.
func ParseLayout(s string) (Layout, error) {
	for _, l := range []Layout{Contiguous, Scattered, Reversed} {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown layout %q", s)
}

type mapping struct {
	frame hostarch.Addr
	pins  int
	dirty bool
}

// AddressSpace is a simulated user address space backed by PhysMem. It
// implements host.MemoryManager.
type AddressSpace struct {
	mem *PhysMem

	mu sync.Mutex

	// pages maps page-aligned virtual addresses to their backing frame.
	// Protected by mu.
	pages map[hostarch.Addr]*mapping

	// frames maps bus addresses back to the mapping using them. Protected
	// by mu.
	frames map[hostarch.Addr]*mapping
}

var _ host.MemoryManager = (*AddressSpace)(nil)

// NewAddressSpace returns an empty address space over mem.
func NewAddressSpace(mem *PhysMem) *AddressSpace {
	return &AddressSpace{
		mem:    mem,
		pages:  make(map[hostarch.Addr]*mapping),
		frames: make(map[hostarch.Addr]*mapping),
	}
}

// Map maps count pages at the page-aligned address addr to newly allocated
// frames.
func (as *AddressSpace) Map(addr hostarch.Addr, count int, layout Layout) error {
	if !addr.IsPageAligned() || count <= 0 {
		return linuxerr.EINVAL
	}
	frames, err := as.mem.AllocFrames(count, layout != Scattered)
	if err != nil {
		return err
	}
	if layout == Reversed {
		for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
			frames[i], frames[j] = frames[j], frames[i]
		}
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	for i := 0; i < count; i++ {
		if _, ok := as.pages[addr+hostarch.Addr(i*hostarch.PageSize)]; ok {
			as.mem.ReleaseFrames(frames)
			return linuxerr.EBUSY
		}
	}
	for i, f := range frames {
		// Fresh mappings read as zero, like anonymous memory.
		if b, err := as.mem.Slice(f, hostarch.PageSize); err == nil {
			clear(b)
		}
		m := &mapping{frame: f}
		as.pages[addr+hostarch.Addr(i*hostarch.PageSize)] = m
		as.frames[f] = m
	}
	return nil
}

// Unmap unmaps count pages at addr and frees their frames. Pinned pages
// cannot be unmapped.
func (as *AddressSpace) Unmap(addr hostarch.Addr, count int) error {
	if !addr.IsPageAligned() || count <= 0 {
		return linuxerr.EINVAL
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	for i := 0; i < count; i++ {
		m, ok := as.pages[addr+hostarch.Addr(i*hostarch.PageSize)]
		if !ok {
			return linuxerr.EFAULT
		}
		if m.pins > 0 {
			return linuxerr.EBUSY
		}
	}
	frames := make([]hostarch.Addr, 0, count)
	for i := 0; i < count; i++ {
		va := addr + hostarch.Addr(i*hostarch.PageSize)
		m := as.pages[va]
		delete(as.pages, va)
		delete(as.frames, m.frame)
		frames = append(frames, m.frame)
	}
	as.mem.ReleaseFrames(frames)
	return nil
}

// forEachPage calls fn on each page-sized piece of the length bytes at addr.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) forEachPage(addr hostarch.Addr, length int, fn func(b []byte, done int)) error {
	done := 0
	for done < length {
		va := addr + hostarch.Addr(done)
		m, ok := as.pages[va.RoundDown()]
		if !ok {
			return linuxerr.EFAULT
		}
		off := int(va.PageOffset())
		n := min(hostarch.PageSize-off, length-done)
		b, err := as.mem.Slice(m.frame+hostarch.Addr(off), n)
		if err != nil {
			return err
		}
		fn(b, done)
		done += n
	}
	return nil
}

// Read copies len(dst) bytes at addr into dst.
func (as *AddressSpace) Read(addr hostarch.Addr, dst []byte) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.forEachPage(addr, len(dst), func(b []byte, done int) {
		copy(dst[done:], b)
	})
}

// Write copies src into memory at addr.
func (as *AddressSpace) Write(addr hostarch.Addr, src []byte) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.forEachPage(addr, len(src), func(b []byte, done int) {
		copy(b, src[done:])
	})
}

// Frame returns the bus address of the frame backing addr.
func (as *AddressSpace) Frame(addr hostarch.Addr) (hostarch.Addr, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	m, ok := as.pages[addr.RoundDown()]
	if !ok {
		return 0, false
	}
	return m.frame + hostarch.Addr(addr.PageOffset()), true
}

// PinPages implements host.MemoryManager.PinPages. Pinning stops at the
// first unmapped page.
func (as *AddressSpace) PinPages(ctx context.Context, addr hostarch.Addr, count int, at hostarch.AccessType) ([]host.Page, error) {
	if !addr.IsPageAligned() {
		return nil, linuxerr.EINVAL
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	pages := make([]host.Page, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return pages, linuxerr.FromContext(err)
		}
		m, ok := as.pages[addr+hostarch.Addr(i*hostarch.PageSize)]
		if !ok {
			return pages, linuxerr.EFAULT
		}
		m.pins++
		pages = append(pages, host.Page{Addr: m.frame})
	}
	return pages, nil
}

// UnpinPages implements host.MemoryManager.UnpinPages.
func (as *AddressSpace) UnpinPages(pages []host.Page, dirty bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, p := range pages {
		m, ok := as.frames[p.Addr]
		if !ok || m.pins == 0 {
			panic(fmt.Sprintf("unpin of unpinned page %v", p.Addr))
		}
		m.pins--
		if dirty {
			m.dirty = true
		}
	}
}

// Pinned returns the total number of outstanding pins.
func (as *AddressSpace) Pinned() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	n := 0
	for _, m := range as.pages {
		n += m.pins
	}
	return n
}

// Dirty returns true if the page containing addr was unpinned dirty since
// the last ClearDirty.
func (as *AddressSpace) Dirty(addr hostarch.Addr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	m, ok := as.pages[addr.RoundDown()]
	return ok && m.dirty
}

// ClearDirty clears every dirty flag.
func (as *AddressSpace) ClearDirty() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, m := range as.pages {
		m.dirty = false
	}
}
