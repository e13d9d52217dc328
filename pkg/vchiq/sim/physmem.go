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

// Package sim provides an in-process host for vchiq channels.
//
// Physical memory is a memfd mapped twice: once for the CPU and once for
// the simulated remote device, so that both sides observe each other's
// writes through distinct mappings as they would through a bus.
package sim

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/vchiq/pkg/bitmap"
	"gvisor.dev/vchiq/pkg/errors/linuxerr"
	"gvisor.dev/vchiq/pkg/hostarch"
	"gvisor.dev/vchiq/pkg/log"
	"gvisor.dev/vchiq/pkg/memutil"
	"gvisor.dev/vchiq/pkg/sync"
	"gvisor.dev/vchiq/pkg/vchiq/host"
)

// BusBase is the bus address of the first physical frame.
const BusBase = hostarch.Addr(0x10000000)

// PhysMem is simulated physical memory made of page frames.
type PhysMem struct {
	fd     int
	frames int

	// cpu and dev are two mappings of the same file.
	cpu []byte
	dev []byte

	mu sync.Mutex

	// used tracks allocated frames. Protected by mu.
	used bitmap.Bitmap
}

// NewPhysMem returns frames pages of zeroed physical memory.
func NewPhysMem(frames int) (*PhysMem, error) {
	if frames <= 0 || frames > int(^uint32(0)>>hostarch.PageShift) {
		return nil, fmt.Errorf("invalid frame count %d", frames)
	}
	size := frames * hostarch.PageSize
	fd, err := memutil.CreateMemFD("vchiq-physmem", 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate(%d) failed: %w", size, err)
	}
	cpu, err := memutil.MapShared(fd, 0, size)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mapping physical memory: %w", err)
	}
	dev, err := memutil.MapShared(fd, 0, size)
	if err != nil {
		memutil.UnmapSlice(cpu)
		unix.Close(fd)
		return nil, fmt.Errorf("mapping device view: %w", err)
	}
	log.Debugf("Simulated physical memory: %d frames at %v", frames, BusBase)
	return &PhysMem{
		fd:     fd,
		frames: frames,
		cpu:    cpu,
		dev:    dev,
		used:   bitmap.New(uint32(frames)),
	}, nil
}

// Close unmaps the memory. Nothing may use it afterwards.
func (p *PhysMem) Close() error {
	var firstErr error
	for _, m := range [][]byte{p.cpu, p.dev} {
		if err := memutil.UnmapSlice(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := unix.Close(p.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Frames returns the total number of frames.
func (p *PhysMem) Frames() int {
	return p.frames
}

// FreeFrames returns the number of unallocated frames.
func (p *PhysMem) FreeFrames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames - int(p.used.GetNumOnes())
}

func frameAddr(frame uint32) hostarch.Addr {
	return BusBase + hostarch.Addr(frame)<<hostarch.PageShift
}

func (p *PhysMem) frame(addr hostarch.Addr) (uint32, bool) {
	if addr < BusBase || !addr.IsPageAligned() {
		return 0, false
	}
	f := uint64(addr-BusBase) >> hostarch.PageShift
	return uint32(f), f < uint64(p.frames)
}

// AllocFrames allocates n frames and returns their bus addresses in
// ascending order. If contiguous is false, allocated frames are separated
// by at least one free frame wherever possible.
func (p *PhysMem) AllocFrames(n int, contiguous bool) ([]hostarch.Addr, error) {
	if n <= 0 {
		return nil, linuxerr.EINVAL
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	addrs := make([]hostarch.Addr, 0, n)
	if contiguous {
		first, err := p.used.FirstZeroRun(0, uint32(n))
		if err != nil {
			return nil, linuxerr.ENOMEM
		}
		p.used.AddRange(first, first+uint32(n))
		for i := uint32(0); i < uint32(n); i++ {
			addrs = append(addrs, frameAddr(first+i))
		}
		return addrs, nil
	}

	if p.frames-int(p.used.GetNumOnes()) < n {
		return nil, linuxerr.ENOMEM
	}
	next := uint32(0)
	for len(addrs) < n {
		f, err := p.used.FirstZero(next)
		if err != nil {
			// Out of gapped frames; pack the rest from the start.
			if f, err = p.used.FirstZero(0); err != nil {
				panic("free frame accounting is inconsistent")
			}
		}
		p.used.Add(f)
		addrs = append(addrs, frameAddr(f))
		next = f + 2
	}
	return addrs, nil
}

// ReleaseFrames frees frames returned by AllocFrames.
func (p *PhysMem) ReleaseFrames(addrs []hostarch.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range addrs {
		f, ok := p.frame(a)
		if !ok || !p.used.IsSet(f) {
			panic(fmt.Sprintf("release of unallocated frame %v", a))
		}
		p.used.Remove(f)
	}
}

func (p *PhysMem) slice(m []byte, addr hostarch.Addr, length int) ([]byte, error) {
	if length < 0 || addr < BusBase {
		return nil, linuxerr.EFAULT
	}
	off := uint64(addr - BusBase)
	if off+uint64(length) > uint64(len(m)) {
		return nil, linuxerr.EFAULT
	}
	return m[off : off+uint64(length) : off+uint64(length)], nil
}

// Slice implements host.PhysicalMemory.Slice. It returns the CPU view.
func (p *PhysMem) Slice(addr hostarch.Addr, length int) ([]byte, error) {
	return p.slice(p.cpu, addr, length)
}

// DeviceSlice returns the remote device's view of length bytes at addr.
func (p *PhysMem) DeviceSlice(addr hostarch.Addr, length int) ([]byte, error) {
	return p.slice(p.dev, addr, length)
}

// dmaRegion implements host.DMARegion.
type dmaRegion struct {
	mem    *PhysMem
	frames []hostarch.Addr
	bytes  []byte
	once   sync.Once
}

// Bytes implements host.DMARegion.Bytes.
func (r *dmaRegion) Bytes() []byte {
	return r.bytes
}

// PhysAddr implements host.DMARegion.PhysAddr.
func (r *dmaRegion) PhysAddr() hostarch.Addr {
	return r.frames[0]
}

// Close implements host.DMARegion.Close.
func (r *dmaRegion) Close() error {
	r.once.Do(func() {
		r.mem.ReleaseFrames(r.frames)
	})
	return nil
}

// AllocateDMA implements host.DMAAllocator.AllocateDMA.
func (p *PhysMem) AllocateDMA(size int) (host.DMARegion, error) {
	if size <= 0 {
		return nil, linuxerr.EINVAL
	}
	rounded, ok := hostarch.PageRoundUp(size)
	if !ok {
		return nil, linuxerr.ENOMEM
	}
	frames, err := p.AllocFrames(rounded>>hostarch.PageShift, true)
	if err != nil {
		return nil, err
	}
	b, err := p.Slice(frames[0], rounded)
	if err != nil {
		p.ReleaseFrames(frames)
		return nil, err
	}
	clear(b)
	return &dmaRegion{mem: p, frames: frames, bytes: b}, nil
}
