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
	"gvisor.dev/vchiq/pkg/vchiq/host"
)

// DefaultIRQ is the interrupt line used by the simulated doorbell.
const DefaultIRQ = 66

// Host is a complete simulated host.
type Host struct {
	Mem     *PhysMem
	AS      *AddressSpace
	IRQ     *IRQ
	Regs    *Regs
	Mailbox *Mailbox
}

// NewHost returns a simulated host with frames pages of physical memory.
func NewHost(frames int) (*Host, error) {
	mem, err := NewPhysMem(frames)
	if err != nil {
		return nil, err
	}
	return &Host{
		Mem:     mem,
		AS:      NewAddressSpace(mem),
		IRQ:     NewIRQ(),
		Regs:    &Regs{},
		Mailbox: &Mailbox{},
	}, nil
}

// Host returns the collaborators a channel needs.
func (h *Host) Host() host.Host {
	return host.Host{
		Memory:    h.AS,
		Physical:  h.Mem,
		DMA:       h.Mem,
		Interrupt: h.IRQ,
		Registers: h.Regs,
		Mailbox:   h.Mailbox,
		IRQ:       DefaultIRQ,
	}
}

// Close releases the physical memory.
func (h *Host) Close() error {
	return h.Mem.Close()
}
