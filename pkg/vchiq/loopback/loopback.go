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

// Package loopback implements a remote device that echoes data back to the
// local side.
//
// The device runs on its own goroutine and touches the channel only through
// the device view of simulated physical memory. Write transfers append
// their bytes to a FIFO; Read transfers pop the oldest payload and write it
// into the destination, staging the misaligned head and tail in the
// transfer's fragment as real firmware does.
package loopback

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/vchiq/pkg/atomicbitops"
	"gvisor.dev/vchiq/pkg/hostarch"
	"gvisor.dev/vchiq/pkg/log"
	"gvisor.dev/vchiq/pkg/sync"
	"gvisor.dev/vchiq/pkg/vchiq/channel"
	"gvisor.dev/vchiq/pkg/vchiq/doorbell"
	"gvisor.dev/vchiq/pkg/vchiq/host"
	"gvisor.dev/vchiq/pkg/vchiq/pagelist"
	"gvisor.dev/vchiq/pkg/vchiq/sim"
)

// Stats are Device counters.
type Stats struct {
	Bulks      uint64
	BytesIn    uint64
	BytesOut   uint64
	Dropped    uint64
	Failed     uint64
	Interrupts uint64
}

// Device is a loopback remote device attached to a simulated host.
type Device struct {
	mem  *sim.PhysMem
	regs *sim.Regs
	irq  *sim.IRQ
	box  *sim.Mailbox
	line int

	publish chan hostarch.Addr
	bell    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	ready   chan struct{}

	// remote is only accessed by the device goroutine.
	remote *channel.Remote

	mu sync.Mutex
	// fifo holds payloads written by the local side. Protected by mu.
	fifo [][]byte

	dropCompletions atomicbitops.Bool
	shortBy         atomicbitops.Int32
	failNext        atomicbitops.Bool

	bulks      atomicbitops.Uint64
	bytesIn    atomicbitops.Uint64
	bytesOut   atomicbitops.Uint64
	dropped    atomicbitops.Uint64
	failed     atomicbitops.Uint64
	interrupts atomicbitops.Uint64
}

// New attaches a loopback device to h and starts it. The device picks up a
// channel when it is published on the mailbox.
func New(h *sim.Host) *Device {
	d := &Device{
		mem:     h.Mem,
		regs:    h.Regs,
		irq:     h.IRQ,
		box:     h.Mailbox,
		line:    sim.DefaultIRQ,
		publish: make(chan hostarch.Addr, 1),
		bell:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
	}
	h.Mailbox.Listen(host.MailboxChannelVCHIQ, func(v uint32) {
		select {
		case d.publish <- hostarch.Addr(v):
		default:
			log.Warningf("Loopback device ignoring repeated publication of %#x", v)
		}
	})
	h.Regs.OnBell(func() {
		select {
		case d.bell <- struct{}{}:
		default:
		}
	})
	go d.run()
	return d
}

// Close stops the device goroutine and detaches from the host.
func (d *Device) Close() {
	close(d.stop)
	<-d.done
	d.regs.OnBell(nil)
	d.box.Listen(host.MailboxChannelVCHIQ, nil)
}

// Ready returns a channel closed once the device has initialised a channel.
func (d *Device) Ready() <-chan struct{} {
	return d.ready
}

// DropCompletions makes the device process transfers without ever
// completing them.
func (d *Device) DropCompletions(drop bool) {
	d.dropCompletions.Store(drop)
}

// ShortBy makes the device report every transfer n bytes shorter than
// requested.
func (d *Device) ShortBy(n int) {
	d.shortBy.Store(int32(n))
}

// FailNext makes the device fail the next transfer.
func (d *Device) FailNext() {
	d.failNext.Store(true)
}

// Queue appends a payload for a later Read transfer.
func (d *Device) Queue(payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fifo = append(d.fifo, append([]byte(nil), payload...))
}

// Pending returns the number of payloads waiting to be read.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fifo)
}

// Drain removes and returns every queued payload.
func (d *Device) Drain() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := d.fifo
	d.fifo = nil
	return f
}

func (d *Device) pop() ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.fifo) == 0 {
		return nil, false
	}
	p := d.fifo[0]
	d.fifo = d.fifo[1:]
	return p, true
}

// Stats returns the device counters.
func (d *Device) Stats() Stats {
	return Stats{
		Bulks:      d.bulks.Load(),
		BytesIn:    d.bytesIn.Load(),
		BytesOut:   d.bytesOut.Load(),
		Dropped:    d.dropped.Load(),
		Failed:     d.failed.Load(),
		Interrupts: d.interrupts.Load(),
	}
}

func (d *Device) run() {
	defer close(d.done)
	for {
		select {
		case base := <-d.publish:
			if err := d.attach(base); err != nil {
				log.Warningf("Loopback device failed to attach channel at %v: %v", base, err)
			}
		case <-d.bell:
			d.service()
		case <-d.stop:
			return
		}
	}
}

func (d *Device) attach(base hostarch.Addr) error {
	slot, err := d.mem.DeviceSlice(base, channel.SlotSize)
	if err != nil {
		return err
	}
	h, err := channel.ParseHeader(slot)
	if err != nil {
		return err
	}
	mem, err := d.mem.DeviceSlice(base, int(h.SlotCount)*channel.SlotSize)
	if err != nil {
		return err
	}
	r, err := channel.OpenRemote(mem, base)
	if err != nil {
		return err
	}
	d.remote = r
	// The device is always listening.
	r.RemoteTrigger().Arm()
	r.MarkInitialised()
	close(d.ready)
	log.Debugf("Loopback device attached channel at %v: %+v", base, h)
	return nil
}

func (d *Device) service() {
	r := d.remote
	if r == nil || !r.RemoteTrigger().Consume() {
		return
	}
	completed := 0
	for {
		rec, ok := r.PopBulk()
		if !ok {
			break
		}
		d.bulks.Add(1)
		actual := d.transfer(rec)
		if d.dropCompletions.Load() {
			d.dropped.Add(1)
			continue
		}
		if !r.PushCompletion(channel.CompletionRecord{Handle: rec.Handle, Actual: actual}) {
			log.Warningf("Loopback completion ring full, dropping completion of %d", rec.Handle)
			continue
		}
		completed++
	}
	if completed > 0 && r.LocalTrigger().Fire() {
		d.regs.SetStatus(doorbell.StatusBell)
		d.interrupts.Add(1)
		d.irq.Raise(d.line)
	}
}

// transfer performs rec and returns the value to report as its actual
// length.
func (d *Device) transfer(rec channel.BulkRecord) int32 {
	w, err := d.readPagelist(rec)
	if err != nil {
		log.Warningf("Loopback transfer %d: %v", rec.Handle, err)
		d.failed.Add(1)
		return -int32(unix.EINVAL)
	}
	if d.failNext.Swap(false) {
		d.failed.Add(1)
		return -int32(unix.EIO)
	}
	length := int(w.Length) - int(d.shortBy.Load())
	if length < 0 {
		length = 0
	}
	x := newXfer(d.mem, w)

	if w.Kind() == pagelist.Write {
		payload := make([]byte, length)
		if err := x.direct(payload, 0, true); err != nil {
			log.Warningf("Loopback transfer %d: %v", rec.Handle, err)
			d.failed.Add(1)
			return -int32(unix.EFAULT)
		}
		d.Queue(payload)
		d.bytesIn.Add(uint64(length))
		return int32(length)
	}

	payload, _ := d.pop()
	n := min(len(payload), length)
	if err := d.scatter(x, w, payload[:n]); err != nil {
		log.Warningf("Loopback transfer %d: %v", rec.Handle, err)
		d.failed.Add(1)
		return -int32(unix.EFAULT)
	}
	d.bytesOut.Add(uint64(n))
	return int32(n)
}

func (d *Device) readPagelist(rec channel.BulkRecord) (*pagelist.Wire, error) {
	hdr, err := d.mem.DeviceSlice(rec.Pagelist, pagelist.HeaderSize)
	if err != nil {
		return nil, err
	}
	_, size, err := pagelist.DecodeHeader(hdr)
	if err != nil {
		return nil, err
	}
	b, err := d.mem.DeviceSlice(rec.Pagelist, size)
	if err != nil {
		// The worst case size can run past the end of memory; the page
		// list itself is held in whole pages.
		pageEnd := rec.Pagelist.RoundDown() + hostarch.PageSize
		if b, err = d.mem.DeviceSlice(rec.Pagelist, int(pageEnd-rec.Pagelist)); err != nil {
			return nil, err
		}
	}
	w, err := pagelist.Decode(b)
	if err != nil {
		return nil, err
	}
	if w.Length != rec.Length {
		return nil, fmt.Errorf("page list length %d, record length %d", w.Length, rec.Length)
	}
	if w.Kind() != rec.Kind {
		return nil, fmt.Errorf("page list kind %v, record kind %v", w.Kind(), rec.Kind)
	}
	return w, nil
}
