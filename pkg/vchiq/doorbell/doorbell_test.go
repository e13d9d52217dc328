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

package doorbell

import (
	"context"
	"testing"
	"time"

	"gvisor.dev/vchiq/pkg/errors/linuxerr"
	"gvisor.dev/vchiq/pkg/vchiq/sim"
)

func newEvent() *Event {
	// Heap allocations of 8 bytes are 8-byte aligned.
	return NewEvent(make([]byte, EventSize))
}

func TestSignalRingsOnlyWhenArmed(t *testing.T) {
	var regs sim.Regs
	e := newEvent()

	Signal(e, &regs)
	if regs.Rings() != 0 {
		t.Errorf("Signal of an unarmed event rang the bell")
	}
	if !e.Fired() {
		t.Errorf("Signal did not set fired")
	}

	e.Consume()
	e.Arm()
	Signal(e, &regs)
	if regs.Rings() != 1 {
		t.Errorf("Signal of an armed event: rings = %d, want 1", regs.Rings())
	}
}

func TestWaitAlreadyFired(t *testing.T) {
	e := newEvent()
	e.Fire()
	if err := Wait(context.Background(), e); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if e.Fired() || e.Armed() {
		t.Errorf("after Wait: fired %t, armed %t; want both false", e.Fired(), e.Armed())
	}
}

func TestWaitCancelled(t *testing.T) {
	e := newEvent()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := Wait(ctx, e); !linuxerr.Equals(linuxerr.EINTR, err) {
		t.Errorf("Wait = %v, want EINTR", err)
	}
	if e.Armed() {
		t.Errorf("event still armed after a cancelled Wait")
	}
}

// remoteRing plays the remote device: it fires a local event and, if the
// local side is armed, sets the bell bit and raises the interrupt.
func remoteRing(e *Event, regs *sim.Regs, irq *sim.IRQ, line int) {
	if e.Fire() {
		regs.SetStatus(StatusBell)
		irq.Raise(line)
	}
}

func TestBellWakesWaiter(t *testing.T) {
	const line = 3
	var regs sim.Regs
	irq := sim.NewIRQ()
	e := newEvent()
	callbacks := make(chan struct{}, 1)

	b := NewBell(&regs, irq, line)
	if err := b.Attach([]*Event{e}, func() { callbacks <- struct{}{} }); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer b.Detach()

	done := make(chan error, 1)
	go func() { done <- Wait(context.Background(), e) }()

	// Wait until the waiter has armed, as the remote would observe.
	deadline := time.Now().Add(5 * time.Second)
	for !e.Armed() {
		if time.Now().After(deadline) {
			t.Fatalf("waiter never armed")
		}
		time.Sleep(time.Millisecond)
	}
	remoteRing(e, &regs, irq, line)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Wait did not return after the doorbell")
	}
	select {
	case <-callbacks:
	default:
		t.Errorf("callback was not invoked")
	}
	if got := b.Stats(); got.Interrupts != 1 || got.Spurious != 0 {
		t.Errorf("Stats = %+v, want 1 interrupt, 0 spurious", got)
	}
}

func TestBellSpurious(t *testing.T) {
	const line = 4
	var regs sim.Regs
	irq := sim.NewIRQ()
	called := false

	b := NewBell(&regs, irq, line)
	if err := b.Attach(nil, func() { called = true }); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	regs.SetStatus(0x1)
	irq.Raise(line)
	if called {
		t.Errorf("callback invoked without the bell bit")
	}
	if got := b.Stats(); got.Spurious != 1 {
		t.Errorf("Spurious = %d, want 1", got.Spurious)
	}

	b.Detach()
	regs.SetStatus(StatusBell)
	irq.Raise(line)
	if called {
		t.Errorf("callback invoked after Detach")
	}
}
