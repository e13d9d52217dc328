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

// Package host defines the collaborators a vchiq channel needs from its
// host: page pinning, physical memory access, DMA-capable allocation,
// interrupts, the doorbell registers and the mailbox.
//
// Implementations are platform specific. Package sim provides an in-process
// implementation used by tests and by the vcsim tool.
package host

import (
	"context"

	"gvisor.dev/vchiq/pkg/hostarch"
)

// Page is a pinned page of memory, identified by its bus address as seen by
// the remote device.
type Page struct {
	// Addr is the page-aligned bus address of the page.
	Addr hostarch.Addr
}

// MemoryManager pins and unpins the pages backing caller-owned virtual
// memory.
type MemoryManager interface {
	// PinPages pins count pages starting at the page-aligned address addr,
	// preventing them from being moved or evicted, and returns them in
	// address order.
	//
	// If not all pages could be pinned, PinPages returns the pages it did
	// pin together with a non-nil error. The caller must unpin every page
	// returned, even on error.
	PinPages(ctx context.Context, addr hostarch.Addr, count int, at hostarch.AccessType) ([]Page, error)

	// UnpinPages releases pins taken by PinPages. If dirty is true the
	// pages are marked as modified by the device.
	UnpinPages(pages []Page, dirty bool)
}

// PhysicalMemory gives the CPU direct access to physical memory.
type PhysicalMemory interface {
	// Slice returns length bytes of memory starting at the bus address
	// addr. The range must not cross the end of a single allocation.
	Slice(addr hostarch.Addr, length int) ([]byte, error)
}

// DMARegion is physically contiguous memory shared with the remote device.
type DMARegion interface {
	// Bytes returns the CPU view of the region.
	Bytes() []byte

	// PhysAddr returns the bus address of the first byte of the region.
	PhysAddr() hostarch.Addr

	// Close releases the region. The remote device must no longer access
	// it.
	Close() error
}

// DMAAllocator allocates DMA-capable memory.
type DMAAllocator interface {
	// AllocateDMA allocates a zeroed region of at least size bytes,
	// rounded up to a page boundary.
	AllocateDMA(size int) (DMARegion, error)
}

// Handler is an interrupt handler. It runs in interrupt context: it must
// not block.
type Handler func()

// InterruptController routes interrupt lines to handlers.
type InterruptController interface {
	// Register installs h as the handler for line. The line starts
	// disabled.
	Register(line int, h Handler) error

	// Enable unmasks line.
	Enable(line int)

	// Disable masks line. Once Disable returns, the handler for line is
	// not running and will not run until the line is enabled again.
	Disable(line int)

	// Unregister disables line and removes its handler.
	Unregister(line int)
}

// Registers are the doorbell registers shared with the remote device.
type Registers interface {
	// RingBell writes the bell register, raising an interrupt on the
	// remote device.
	RingBell()

	// ReadStatus reads and clears the local doorbell status register.
	ReadStatus() uint32
}

// Mailbox channels.
const (
	MailboxChannelPower       uint8 = 0
	MailboxChannelFramebuffer uint8 = 1
	MailboxChannelVCHIQ       uint8 = 3
)

// Mailbox is the property mailbox used to hand the remote device the base
// address of the shared region.
type Mailbox interface {
	// Write posts value on channel.
	Write(channel uint8, value uint32) error
}

// Host bundles every collaborator a channel needs.
type Host struct {
	Memory    MemoryManager
	Physical  PhysicalMemory
	DMA       DMAAllocator
	Interrupt InterruptController
	Registers Registers
	Mailbox   Mailbox

	// IRQ is the interrupt line raised by the remote device's doorbell.
	IRQ int
}
