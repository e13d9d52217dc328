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

// Package fragment implements the pool of cache-line staging buffers used by
// bulk receives whose first or last byte does not fall on a cache line
// boundary.
//
// Each fragment is two cache lines: the head line receives the bytes before
// the first aligned line of the transfer, the tail line receives the bytes
// after the last one. Fragments live in memory shared with the remote
// device, which writes them directly.
package fragment

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"gvisor.dev/vchiq/pkg/atomicbitops"
	"gvisor.dev/vchiq/pkg/errors/linuxerr"
	"gvisor.dev/vchiq/pkg/hostarch"
)

// Index identifies a fragment within a Pool.
type Index int

// Pool is a fixed-capacity pool of fragments.
//
// Free fragments are kept on a lock-free stack. A counting semaphore holds
// one permit per free fragment: Acquire takes a permit before popping, and
// Release pushes before returning the permit, so a holder of a permit always
// finds a fragment on the stack.
type Pool struct {
	mem      []byte
	base     hostarch.Addr
	lineSize int
	count    int

	permits *semaphore.Weighted

	// head is the top of the free stack: the low 32 bits hold the index of
	// the top fragment plus one (zero means empty), the high 32 bits a
	// generation count bumped by every update so that a concurrent
	// pop/push pair cannot be mistaken for no change.
	head atomicbitops.Uint64

	// next[i] is the index plus one of the fragment below i on the stack.
	next []atomicbitops.Int32

	// owned[i] is true while fragment i is held by a transfer.
	owned []atomicbitops.Bool

	outstanding atomicbitops.Int32
}

// Size returns the number of bytes of shared memory needed for count
// fragments with the given cache line size.
func Size(count, lineSize int) int {
	return count * 2 * lineSize
}

// New returns a Pool of count fragments carved out of mem, whose first byte
// is at bus address base.
func New(mem []byte, base hostarch.Addr, count, lineSize int) (*Pool, error) {
	if err := hostarch.ValidCacheLineSize(lineSize); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fmt.Errorf("invalid fragment count %d", count)
	}
	if need := Size(count, lineSize); len(mem) < need {
		return nil, fmt.Errorf("fragment memory too small: have %d bytes, need %d", len(mem), need)
	}
	if base.CacheLineOffset(lineSize) != 0 {
		return nil, fmt.Errorf("fragment base %v is not aligned to %d bytes", base, lineSize)
	}
	p := &Pool{
		mem:      mem[:Size(count, lineSize)],
		base:     base,
		lineSize: lineSize,
		count:    count,
		permits:  semaphore.NewWeighted(int64(count)),
		next:     make([]atomicbitops.Int32, count),
		owned:    make([]atomicbitops.Bool, count),
	}
	// Chain every fragment in index order so that the first Acquire returns
	// fragment 0.
	for i := 0; i < count-1; i++ {
		p.next[i].Store(int32(i + 2))
	}
	p.head.Store(1)
	return p, nil
}

// Count returns the capacity of the pool.
func (p *Pool) Count() int {
	return p.count
}

// LineSize returns the cache line size of each half of a fragment.
func (p *Pool) LineSize() int {
	return p.lineSize
}

// Base returns the bus address of fragment 0.
func (p *Pool) Base() hostarch.Addr {
	return p.base
}

// Outstanding returns the number of fragments currently held.
func (p *Pool) Outstanding() int {
	return int(p.outstanding.Load())
}

// Acquire blocks until a fragment is free or ctx is done. It returns EINTR
// if ctx is done first.
func (p *Pool) Acquire(ctx context.Context) (Index, error) {
	if err := p.permits.Acquire(ctx, 1); err != nil {
		return -1, linuxerr.EINTR
	}
	return p.take(), nil
}

// TryAcquire returns a free fragment without blocking, or EAGAIN if there is
// none.
func (p *Pool) TryAcquire() (Index, error) {
	if !p.permits.TryAcquire(1) {
		return -1, linuxerr.EAGAIN
	}
	return p.take(), nil
}

// take pops a fragment. The caller holds a permit.
func (p *Pool) take() Index {
	idx := p.pop()
	if idx < 0 {
		panic("fragment pool: permit granted with an empty free list")
	}
	if p.owned[idx].Swap(true) {
		panic(fmt.Sprintf("fragment pool: fragment %d handed out twice", idx))
	}
	p.outstanding.Add(1)
	return idx
}

// Release returns idx to the pool. It never blocks, so it may be called from
// completion context.
func (p *Pool) Release(idx Index) {
	p.check(idx)
	if !p.owned[idx].Swap(false) {
		panic(fmt.Sprintf("fragment pool: release of free fragment %d", idx))
	}
	p.outstanding.Add(-1)
	p.push(idx)
	p.permits.Release(1)
}

func (p *Pool) pop() Index {
	for {
		h := p.head.Load()
		top := uint32(h)
		if top == 0 {
			return -1
		}
		below := uint32(p.next[top-1].Load())
		nh := ((h>>32)+1)<<32 | uint64(below)
		if p.head.CompareAndSwap(h, nh) {
			return Index(top - 1)
		}
	}
}

func (p *Pool) push(idx Index) {
	for {
		h := p.head.Load()
		p.next[idx].Store(int32(uint32(h)))
		nh := ((h>>32)+1)<<32 | uint64(idx+1)
		if p.head.CompareAndSwap(h, nh) {
			return
		}
	}
}

func (p *Pool) check(idx Index) {
	if idx < 0 || int(idx) >= p.count {
		panic(fmt.Sprintf("fragment index %d out of range [0, %d)", idx, p.count))
	}
}

// Head returns the head cache line of fragment idx.
func (p *Pool) Head(idx Index) []byte {
	p.check(idx)
	off := int(idx) * 2 * p.lineSize
	return p.mem[off : off+p.lineSize : off+p.lineSize]
}

// Tail returns the tail cache line of fragment idx.
func (p *Pool) Tail(idx Index) []byte {
	p.check(idx)
	off := int(idx)*2*p.lineSize + p.lineSize
	return p.mem[off : off+p.lineSize : off+p.lineSize]
}

// Addr returns the bus address of fragment idx.
func (p *Pool) Addr(idx Index) hostarch.Addr {
	p.check(idx)
	return p.base + hostarch.Addr(int(idx)*2*p.lineSize)
}
