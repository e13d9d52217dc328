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
	"fmt"

	"gvisor.dev/vchiq/pkg/atomicbitops"
	"gvisor.dev/vchiq/pkg/sync"
	"gvisor.dev/vchiq/pkg/vchiq/host"
)

type irqLine struct {
	// mu is held while the handler runs.
	mu      sync.Mutex
	handler host.Handler
	enabled bool
}

// IRQ is a simulated interrupt controller. It implements
// host.InterruptController.
type IRQ struct {
	mu    sync.Mutex
	lines map[int]*irqLine

	delivered atomicbitops.Uint64
	dropped   atomicbitops.Uint64
}

var _ host.InterruptController = (*IRQ)(nil)

// NewIRQ returns an interrupt controller with no lines registered.
func NewIRQ() *IRQ {
	return &IRQ{lines: make(map[int]*irqLine)}
}

func (c *IRQ) line(n int) *irqLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines[n]
}

// Register implements host.InterruptController.Register.
func (c *IRQ) Register(line int, h host.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lines[line]; ok {
		return fmt.Errorf("interrupt line %d already registered", line)
	}
	c.lines[line] = &irqLine{handler: h}
	return nil
}

// Unregister implements host.InterruptController.Unregister.
func (c *IRQ) Unregister(line int) {
	c.Disable(line)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lines, line)
}

// Enable implements host.InterruptController.Enable.
func (c *IRQ) Enable(line int) {
	if l := c.line(line); l != nil {
		l.mu.Lock()
		l.enabled = true
		l.mu.Unlock()
	}
}

// Disable implements host.InterruptController.Disable.
func (c *IRQ) Disable(line int) {
	if l := c.line(line); l != nil {
		// Taking l.mu waits for a running handler.
		l.mu.Lock()
		l.enabled = false
		l.mu.Unlock()
	}
}

// Raise raises line, running its handler on the calling goroutine if the
// line is enabled. An interrupt raised on a disabled line is dropped.
func (c *IRQ) Raise(line int) bool {
	l := c.line(line)
	if l == nil {
		c.dropped.Add(1)
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		c.dropped.Add(1)
		return false
	}
	c.delivered.Add(1)
	l.handler()
	return true
}

// Delivered returns the number of interrupts that ran a handler.
func (c *IRQ) Delivered() uint64 {
	return c.delivered.Load()
}

// Dropped returns the number of interrupts raised on a missing or disabled
// line.
func (c *IRQ) Dropped() uint64 {
	return c.dropped.Load()
}

// Regs are simulated doorbell registers. They implement host.Registers.
type Regs struct {
	status atomicbitops.Uint32
	rings  atomicbitops.Uint64

	mu     sync.Mutex
	onBell func()
}

var _ host.Registers = (*Regs)(nil)

// OnBell sets the function called, on the ringing goroutine, when the bell
// register is written.
func (r *Regs) OnBell(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onBell = f
}

// RingBell implements host.Registers.RingBell.
func (r *Regs) RingBell() {
	r.rings.Add(1)
	r.mu.Lock()
	f := r.onBell
	r.mu.Unlock()
	if f != nil {
		f()
	}
}

// Rings returns the number of times the bell was rung.
func (r *Regs) Rings() uint64 {
	return r.rings.Load()
}

// ReadStatus implements host.Registers.ReadStatus.
func (r *Regs) ReadStatus() uint32 {
	return r.status.Swap(0)
}

// SetStatus sets bits in the status register, as the remote device does
// before raising the interrupt.
func (r *Regs) SetStatus(bits uint32) {
	r.status.Or(bits)
}

// MailboxWrite is one recorded mailbox write.
type MailboxWrite struct {
	Channel uint8
	Value   uint32
}

// Mailbox is a simulated mailbox. It implements host.Mailbox.
type Mailbox struct {
	mu        sync.Mutex
	writes    []MailboxWrite
	listeners map[uint8]func(uint32)
	fail      error
}

var _ host.Mailbox = (*Mailbox)(nil)

// Listen sets the function called with every value written to channel.
func (m *Mailbox) Listen(channel uint8, f func(uint32)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listeners == nil {
		m.listeners = make(map[uint8]func(uint32))
	}
	m.listeners[channel] = f
}

// FailWrites makes every subsequent Write return err. A nil err restores
// normal operation.
func (m *Mailbox) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Write implements host.Mailbox.Write.
func (m *Mailbox) Write(channel uint8, value uint32) error {
	m.mu.Lock()
	if m.fail != nil {
		err := m.fail
		m.mu.Unlock()
		return err
	}
	m.writes = append(m.writes, MailboxWrite{Channel: channel, Value: value})
	f := m.listeners[channel]
	m.mu.Unlock()
	if f != nil {
		f(value)
	}
	return nil
}

// Writes returns every successful write so far.
func (m *Mailbox) Writes() []MailboxWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MailboxWrite(nil), m.writes...)
}
