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

// Package pagelist pins the memory behind a bulk transfer and describes it
// to the remote device as a list of physically contiguous page runs.
package pagelist

import (
	"context"
	"fmt"

	"gvisor.dev/vchiq/pkg/cleanup"
	"gvisor.dev/vchiq/pkg/errors/linuxerr"
	"gvisor.dev/vchiq/pkg/hostarch"
	"gvisor.dev/vchiq/pkg/log"
	"gvisor.dev/vchiq/pkg/vchiq/fragment"
	"gvisor.dev/vchiq/pkg/vchiq/host"
)

// MaxRunPages is the largest number of pages a single Run may cover. The
// wire format holds the page count minus one in 5 bits.
const MaxRunPages = 32

// Kind is the direction of a transfer.
type Kind int

const (
	// Write transfers move data from local memory to the remote device.
	Write Kind = iota

	// Read transfers move data from the remote device into local memory.
	Read
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case Write:
		return "write"
	case Read:
		return "read"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// accessType returns the access the remote device makes to the pages.
func (k Kind) accessType() hostarch.AccessType {
	if k == Read {
		return hostarch.Write
	}
	return hostarch.Read
}

// Run is a sequence of physically contiguous pages.
type Run struct {
	// Addr is the bus address of the first page.
	Addr hostarch.Addr

	// Pages is the number of pages in the run, in [1, MaxRunPages].
	Pages uint8
}

// Len returns the number of bytes covered by r.
func (r Run) Len() int {
	return int(r.Pages) * hostarch.PageSize
}

// Compress groups pages into runs. A run grows while each page directly
// follows the previous one and the run is shorter than MaxRunPages.
func Compress(pages []host.Page) []Run {
	var runs []Run
	for _, p := range pages {
		if n := len(runs); n > 0 {
			last := &runs[n-1]
			if last.Pages < MaxRunPages && p.Addr == last.Addr+hostarch.Addr(last.Len()) {
				last.Pages++
				continue
			}
		}
		runs = append(runs, Run{Addr: p.Addr, Pages: 1})
	}
	return runs
}

// Descriptor describes one pinned transfer buffer.
type Descriptor struct {
	// Addr is the virtual address of the first byte of the buffer.
	Addr hostarch.Addr

	// Length is the length of the buffer in bytes.
	Length int

	// Kind is the direction of the transfer.
	Kind Kind

	// Offset is the offset of the first byte within the first page.
	Offset int

	// Fragment is the fragment staging the misaligned ends of a Read
	// transfer. It is only meaningful if HasFragment is true.
	Fragment    fragment.Index
	HasFragment bool

	// Runs describes Pages for the remote device.
	Runs []Run

	// Pages are the pinned pages, in address order. Pages is nil once the
	// descriptor has been unpinned.
	Pages []host.Page
}

// String implements fmt.Stringer.String.
func (d *Descriptor) String() string {
	frag := "none"
	if d.HasFragment {
		frag = fmt.Sprintf("%d", d.Fragment)
	}
	return fmt.Sprintf("%v %d bytes at %v (offset %d, %d pages in %d runs, fragment %s)", d.Kind, d.Length, d.Addr, d.Offset, len(d.Pages), len(d.Runs), frag)
}

// NeedsFragment returns true if a Read transfer of length bytes starting
// offset bytes into its first page has an end that does not fall on a
// lineSize boundary.
func NeedsFragment(kind Kind, offset, length, lineSize int) bool {
	if kind != Read {
		return false
	}
	mask := lineSize - 1
	return offset&mask != 0 || (offset+length)&mask != 0
}

// Builder builds Descriptors.
type Builder struct {
	mm          host.MemoryManager
	pool        *fragment.Pool
	lineSize    int
	nonBlocking bool
}

// NewBuilder returns a Builder pinning through mm and staging misaligned
// ends in pool. If nonBlocking is true, Build fails with EAGAIN instead of
// waiting for a free fragment.
func NewBuilder(mm host.MemoryManager, pool *fragment.Pool, nonBlocking bool) *Builder {
	return &Builder{
		mm:          mm,
		pool:        pool,
		lineSize:    pool.LineSize(),
		nonBlocking: nonBlocking,
	}
}

// Pool returns the fragment pool used by b.
func (b *Builder) Pool() *fragment.Pool {
	return b.pool
}

// LineSize returns the cache line size used to decide whether a transfer
// needs a fragment.
func (b *Builder) LineSize() int {
	return b.lineSize
}

// Build pins the length bytes at addr and returns a descriptor for them.
//
// Build returns EINVAL if length is not positive or the range wraps, EFAULT
// if not every page could be pinned, and EAGAIN or EINTR if a needed
// fragment could not be acquired. On error nothing remains pinned.
func (b *Builder) Build(ctx context.Context, addr hostarch.Addr, length int, kind Kind) (*Descriptor, error) {
	if length <= 0 {
		return nil, linuxerr.EINVAL
	}
	if _, ok := addr.AddLength(uint64(length)); !ok {
		return nil, linuxerr.EINVAL
	}
	offset := int(addr.PageOffset())
	count := hostarch.PagesSpanned(offset, length)

	pages, err := b.mm.PinPages(ctx, addr.RoundDown(), count, kind.accessType())
	if err != nil || len(pages) != count {
		if len(pages) > 0 {
			b.mm.UnpinPages(pages, false)
		}
		log.Debugf("Pinned %d of %d pages at %v: %v", len(pages), count, addr.RoundDown(), err)
		if ctx.Err() != nil {
			return nil, linuxerr.FromContext(ctx.Err())
		}
		return nil, linuxerr.EFAULT
	}
	cu := cleanup.Make(func() { b.mm.UnpinPages(pages, false) })
	defer cu.Clean()

	d := &Descriptor{
		Addr:   addr,
		Length: length,
		Kind:   kind,
		Offset: offset,
		Runs:   Compress(pages),
		Pages:  pages,
	}

	if NeedsFragment(kind, offset, length, b.lineSize) {
		var idx fragment.Index
		if b.nonBlocking {
			idx, err = b.pool.TryAcquire()
		} else {
			idx, err = b.pool.Acquire(ctx)
		}
		if err != nil {
			return nil, err
		}
		d.Fragment = idx
		d.HasFragment = true
	}

	cu.Release()
	return d, nil
}

// ReleaseFragment returns d's fragment, if any, to the pool.
func (b *Builder) ReleaseFragment(d *Descriptor) {
	if !d.HasFragment {
		return
	}
	d.HasFragment = false
	b.pool.Release(d.Fragment)
}

// Unpin unpins d's pages, marking them dirty if requested.
func (b *Builder) Unpin(d *Descriptor, dirty bool) {
	if d.Pages == nil {
		return
	}
	pages := d.Pages
	d.Pages = nil
	b.mm.UnpinPages(pages, dirty)
}

// Release releases every resource held by d. Pages are marked dirty if
// dirty is true.
func (b *Builder) Release(d *Descriptor, dirty bool) {
	b.ReleaseFragment(d)
	b.Unpin(d, dirty)
}
