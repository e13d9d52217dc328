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

// Package doorbell implements event signalling between the local processor
// and the remote device.
//
// Each direction uses Events in shared memory. A signaller sets fired and
// rings the other side's doorbell only if the waiter is armed. The remote
// device rings the local doorbell by setting the bell bit in the status
// register and raising an interrupt, after which every local event is
// polled.
package doorbell

import (
	"context"
	"time"

	"gvisor.dev/vchiq/pkg/atomicbitops"
	"gvisor.dev/vchiq/pkg/errors/linuxerr"
	"gvisor.dev/vchiq/pkg/log"
	"gvisor.dev/vchiq/pkg/vchiq/host"
)

// StatusBell is the status register bit set by the remote device when it
// rings the local doorbell.
const StatusBell = 0x4

// Signal fires e, which the remote device waits on, and rings the remote
// doorbell if the remote is armed.
func Signal(e *Event, regs host.Registers) {
	if e.Fire() {
		regs.RingBell()
	}
}

// Wait blocks until e, which the local side waits on, has fired. It returns
// EINTR if ctx is done first. The event is consumed on return.
func Wait(ctx context.Context, e *Event) error {
	for !e.Fired() {
		e.Arm()
		if e.Fired() {
			break
		}
		select {
		case <-e.wake:
		case <-ctx.Done():
			e.Disarm()
			return linuxerr.FromContext(ctx.Err())
		}
	}
	e.Disarm()
	e.Consume()
	return nil
}

// Stats are Bell counters.
type Stats struct {
	Interrupts uint64
	Spurious   uint64
}

// Bell handles the local doorbell interrupt.
type Bell struct {
	regs host.Registers
	intr host.InterruptController
	line int

	// events and callback are set by Attach and immutable thereafter.
	events   []*Event
	callback func()

	interrupts  atomicbitops.Uint64
	spurious    atomicbitops.Uint64
	spuriousLog log.Logger
}

// NewBell returns a Bell for the doorbell interrupt on line.
func NewBell(regs host.Registers, intr host.InterruptController, line int) *Bell {
	return &Bell{
		regs:        regs,
		intr:        intr,
		line:        line,
		spuriousLog: log.BasicRateLimitedLogger(time.Second),
	}
}

// Attach installs the interrupt handler and enables the line. On every
// doorbell interrupt the local events are polled and then callback, if not
// nil, is invoked in interrupt context.
func (b *Bell) Attach(events []*Event, callback func()) error {
	b.events = events
	b.callback = callback
	if err := b.intr.Register(b.line, b.OnInterrupt); err != nil {
		return err
	}
	b.intr.Enable(b.line)
	return nil
}

// Detach disables the interrupt line and removes the handler. When Detach
// returns the handler is not running.
func (b *Bell) Detach() {
	b.intr.Unregister(b.line)
}

// OnInterrupt is the doorbell interrupt handler.
func (b *Bell) OnInterrupt() {
	b.interrupts.Add(1)
	status := b.regs.ReadStatus()
	if status&StatusBell == 0 {
		b.spurious.Add(1)
		b.spuriousLog.Warningf("Spurious doorbell interrupt on line %d, status %#x", b.line, status)
		return
	}
	for _, e := range b.events {
		e.poll()
	}
	if b.callback != nil {
		b.callback()
	}
}

// Stats returns the interrupt counters.
func (b *Bell) Stats() Stats {
	return Stats{
		Interrupts: b.interrupts.Load(),
		Spurious:   b.spurious.Load(),
	}
}
