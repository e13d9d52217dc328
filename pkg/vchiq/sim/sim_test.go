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
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vchiq/pkg/errors/linuxerr"
	"gvisor.dev/vchiq/pkg/hostarch"
	"gvisor.dev/vchiq/pkg/vchiq/host"
)

const userBase = hostarch.Addr(0x400000)

func newHost(t *testing.T, frames int) *Host {
	t.Helper()
	h, err := NewHost(frames)
	if err != nil {
		t.Fatalf("NewHost failed: %v", err)
	}
	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return h
}

func TestDeviceViewAliases(t *testing.T) {
	h := newHost(t, 4)
	cpu, err := h.Mem.Slice(BusBase+hostarch.PageSize, 16)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	dev, err := h.Mem.DeviceSlice(BusBase+hostarch.PageSize, 16)
	if err != nil {
		t.Fatalf("DeviceSlice failed: %v", err)
	}
	copy(cpu, "hello, device")
	if !bytes.Equal(cpu, dev) {
		t.Errorf("device view = %q, want %q", dev, cpu)
	}
	if _, err := h.Mem.Slice(BusBase+4*hostarch.PageSize-8, 16); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("Slice past the end = %v, want EFAULT", err)
	}
}

func TestAllocFrames(t *testing.T) {
	h := newHost(t, 16)
	contig, err := h.Mem.AllocFrames(4, true)
	if err != nil {
		t.Fatalf("AllocFrames(contiguous) failed: %v", err)
	}
	for i := 1; i < len(contig); i++ {
		if contig[i] != contig[i-1]+hostarch.PageSize {
			t.Errorf("contiguous frames %v are not consecutive", contig)
		}
	}
	scattered, err := h.Mem.AllocFrames(4, false)
	if err != nil {
		t.Fatalf("AllocFrames(scattered) failed: %v", err)
	}
	for i := 1; i < len(scattered); i++ {
		if scattered[i] == scattered[i-1]+hostarch.PageSize {
			t.Errorf("scattered frames %v include neighbours", scattered)
		}
	}
	if got := h.Mem.FreeFrames(); got != 8 {
		t.Errorf("FreeFrames = %d, want 8", got)
	}
	h.Mem.ReleaseFrames(contig)
	h.Mem.ReleaseFrames(scattered)
	if got := h.Mem.FreeFrames(); got != 16 {
		t.Errorf("FreeFrames after release = %d, want 16", got)
	}
	if _, err := h.Mem.AllocFrames(17, false); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("AllocFrames(17) = %v, want ENOMEM", err)
	}
}

func TestAllocateDMA(t *testing.T) {
	h := newHost(t, 8)
	r, err := h.Mem.AllocateDMA(hostarch.PageSize + 1)
	if err != nil {
		t.Fatalf("AllocateDMA failed: %v", err)
	}
	if got := len(r.Bytes()); got != 2*hostarch.PageSize {
		t.Errorf("len(Bytes) = %d, want %d", got, 2*hostarch.PageSize)
	}
	if !r.PhysAddr().IsPageAligned() {
		t.Errorf("PhysAddr %v is not page aligned", r.PhysAddr())
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if got := h.Mem.FreeFrames(); got != 8 {
		t.Errorf("FreeFrames = %d, want 8", got)
	}
}

func TestAddressSpaceLayouts(t *testing.T) {
	for _, tc := range []struct {
		layout Layout
		runs   int
	}{
		{Contiguous, 1},
		{Scattered, 4},
		{Reversed, 4},
	} {
		t.Run(tc.layout.String(), func(t *testing.T) {
			h := newHost(t, 16)
			if err := h.AS.Map(userBase, 4, tc.layout); err != nil {
				t.Fatalf("Map failed: %v", err)
			}
			pages, err := h.AS.PinPages(context.Background(), userBase, 4, hostarch.Read)
			if err != nil {
				t.Fatalf("PinPages failed: %v", err)
			}
			defer h.AS.UnpinPages(pages, false)
			runs := 1
			for i := 1; i < len(pages); i++ {
				if pages[i].Addr != pages[i-1].Addr+hostarch.PageSize {
					runs++
				}
			}
			if runs != tc.runs {
				t.Errorf("pages %v form %d runs, want %d", pages, runs, tc.runs)
			}
		})
	}
}

func TestAddressSpaceReadWrite(t *testing.T) {
	h := newHost(t, 16)
	if err := h.AS.Map(userBase, 3, Scattered); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	want := make([]byte, 2*hostarch.PageSize)
	for i := range want {
		want[i] = byte(i * 7)
	}
	addr := userBase + 100
	if err := h.AS.Write(addr, want); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got := make([]byte, len(want))
	if err := h.AS.Read(addr, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Read does not match Write")
	}

	// The second page's bytes must be in its own frame.
	frame, ok := h.AS.Frame(userBase + hostarch.PageSize)
	if !ok {
		t.Fatalf("Frame failed")
	}
	b, err := h.Mem.Slice(frame, 1)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	if off := hostarch.PageSize - 100; b[0] != want[off] {
		t.Errorf("frame byte = %#x, want %#x", b[0], want[off])
	}

	if err := h.AS.Read(userBase+3*hostarch.PageSize-1, make([]byte, 2)); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("Read across the end of the mapping = %v, want EFAULT", err)
	}
}

func TestPinPartial(t *testing.T) {
	h := newHost(t, 16)
	if err := h.AS.Map(userBase, 4, Contiguous); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if err := h.AS.Unmap(userBase+2*hostarch.PageSize, 1); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	pages, err := h.AS.PinPages(context.Background(), userBase, 4, hostarch.Write)
	if !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("PinPages = %v, want EFAULT", err)
	}
	if len(pages) != 2 {
		t.Errorf("PinPages pinned %d pages, want 2", len(pages))
	}
	if got := h.AS.Pinned(); got != 2 {
		t.Errorf("Pinned = %d, want 2", got)
	}
	if err := h.AS.Unmap(userBase, 1); !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Errorf("Unmap of pinned page = %v, want EBUSY", err)
	}
	h.AS.UnpinPages(pages, true)
	if got := h.AS.Pinned(); got != 0 {
		t.Errorf("Pinned after unpin = %d, want 0", got)
	}
	if !h.AS.Dirty(userBase) || h.AS.Dirty(userBase+3*hostarch.PageSize) {
		t.Errorf("dirty flags: page 0 %t, page 3 %t; want true, false", h.AS.Dirty(userBase), h.AS.Dirty(userBase+3*hostarch.PageSize))
	}
}

func TestPinCancelled(t *testing.T) {
	h := newHost(t, 4)
	if err := h.AS.Map(userBase, 2, Contiguous); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pages, err := h.AS.PinPages(ctx, userBase, 2, hostarch.Read)
	if !linuxerr.Equals(linuxerr.EINTR, err) || len(pages) != 0 {
		t.Errorf("PinPages = %v, %v; want no pages, EINTR", pages, err)
	}
}

func TestIRQ(t *testing.T) {
	c := NewIRQ()
	calls := 0
	if err := c.Register(5, func() { calls++ }); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := c.Register(5, func() {}); err == nil {
		t.Errorf("second Register succeeded")
	}
	if c.Raise(5) {
		t.Errorf("Raise on a disabled line delivered")
	}
	c.Enable(5)
	if !c.Raise(5) || calls != 1 {
		t.Errorf("Raise on an enabled line: calls = %d, want 1", calls)
	}
	c.Disable(5)
	c.Raise(5)
	c.Raise(6)
	if calls != 1 || c.Delivered() != 1 || c.Dropped() != 3 {
		t.Errorf("calls = %d, delivered = %d, dropped = %d; want 1, 1, 3", calls, c.Delivered(), c.Dropped())
	}
}

func TestRegs(t *testing.T) {
	var r Regs
	rung := 0
	r.OnBell(func() { rung++ })
	r.RingBell()
	r.RingBell()
	if rung != 2 || r.Rings() != 2 {
		t.Errorf("bell rung %d times, Rings = %d; want 2", rung, r.Rings())
	}
	r.SetStatus(0x4)
	r.SetStatus(0x1)
	if got := r.ReadStatus(); got != 0x5 {
		t.Errorf("ReadStatus = %#x, want 0x5", got)
	}
	if got := r.ReadStatus(); got != 0 {
		t.Errorf("ReadStatus after read = %#x, want 0", got)
	}
}

func TestMailbox(t *testing.T) {
	var m Mailbox
	var got []uint32
	m.Listen(host.MailboxChannelVCHIQ, func(v uint32) { got = append(got, v) })
	if err := m.Write(host.MailboxChannelVCHIQ, 0x10000000); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := m.Write(host.MailboxChannelPower, 1); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if diff := cmp.Diff([]uint32{0x10000000}, got); diff != "" {
		t.Errorf("listener values mismatch (-want +got):\n%s", diff)
	}
	want := []MailboxWrite{
		{Channel: host.MailboxChannelVCHIQ, Value: 0x10000000},
		{Channel: host.MailboxChannelPower, Value: 1},
	}
	if diff := cmp.Diff(want, m.Writes()); diff != "" {
		t.Errorf("Writes mismatch (-want +got):\n%s", diff)
	}
	m.FailWrites(linuxerr.EIO)
	if err := m.Write(host.MailboxChannelVCHIQ, 0); !linuxerr.Equals(linuxerr.EIO, err) {
		t.Errorf("Write = %v, want EIO", err)
	}
}
