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

// Package bulk moves data between pinned local buffers and the remote
// device.
//
// A transfer is submitted as an encoded page list in DMA memory plus a
// record on the channel's bulk ring. When the remote device posts the
// matching completion, the misaligned ends of a Read transfer are copied
// from the fragment into the destination pages, the fragment is returned
// to the pool and the pages are unpinned on a worker goroutine, since
// completion runs in interrupt context.
package bulk

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"gvisor.dev/vchiq/pkg/atomicbitops"
	"gvisor.dev/vchiq/pkg/errors/linuxerr"
	"gvisor.dev/vchiq/pkg/hostarch"
	"gvisor.dev/vchiq/pkg/log"
	"gvisor.dev/vchiq/pkg/sync"
	"gvisor.dev/vchiq/pkg/vchiq/channel"
	"gvisor.dev/vchiq/pkg/vchiq/host"
	"gvisor.dev/vchiq/pkg/vchiq/pagelist"
)

// DefaultTimeout is the default time the remote device has to complete a
// transfer.
const DefaultTimeout = 5 * time.Second

// Config configures a Manager.
type Config struct {
	// Timeout is the time the remote device has to complete a transfer
	// before it is aborted with ETIMEDOUT. Zero disables the timeout.
	Timeout time.Duration
}

// Stats are Manager counters.
type Stats struct {
	Submitted     uint64
	Completed     uint64
	Aborted       uint64
	TimedOut      uint64
	Late          uint64
	FragmentsUsed uint64
}

// Manager runs bulk transfers over a channel.
type Manager struct {
	st      *channel.State
	builder *pagelist.Builder
	dma     host.DMAAllocator
	phys    host.PhysicalMemory
	cfg     Config

	// slots bounds the number of transfers that are in flight or waiting
	// to be unpinned.
	slots    *semaphore.Weighted
	maxBulks int64

	// transfers maps handles to in-flight transfers.
	transfers  sync.Map
	nextHandle atomicbitops.Uint32

	// mu protects closed.
	mu     sync.Mutex
	closed bool

	// unpin holds finished transfers for the unpin worker. It never fills:
	// every queued transfer still holds a slot.
	unpin      chan *Transfer
	stop       chan struct{}
	workerDone chan struct{}
	closeOnce  sync.Once

	submitted     atomicbitops.Uint64
	completed     atomicbitops.Uint64
	aborted       atomicbitops.Uint64
	timedOut      atomicbitops.Uint64
	late          atomicbitops.Uint64
	fragmentsUsed atomicbitops.Uint64

	lateLog log.Logger
}

// NewManager returns a Manager for st. Page lists are allocated from dma.
// The Manager installs itself as st's completion handler.
func NewManager(st *channel.State, builder *pagelist.Builder, dma host.DMAAllocator, cfg Config) *Manager {
	maxBulks := int64(st.Config().MaxBulks)
	m := &Manager{
		st:         st,
		builder:    builder,
		dma:        dma,
		phys:       st.Host().Physical,
		cfg:        cfg,
		slots:      semaphore.NewWeighted(maxBulks),
		maxBulks:   maxBulks,
		unpin:      make(chan *Transfer, maxBulks),
		stop:       make(chan struct{}),
		workerDone: make(chan struct{}),
		lateLog:    log.BasicRateLimitedLogger(time.Second),
	}
	go m.unpinWorker()
	st.OnCompletion(m.onCompletion)
	return m
}

// Builder returns the page list builder used by Transmit and Receive.
func (m *Manager) Builder() *pagelist.Builder {
	return m.builder
}

// Submit hands d to the remote device. On success the transfer owns d and
// releases it when it finishes; on error d is left to the caller.
func (m *Manager) Submit(ctx context.Context, d *pagelist.Descriptor) (*Transfer, error) {
	if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, linuxerr.EINTR
	}
	t, err := m.submit(d)
	if err != nil {
		m.slots.Release(1)
		return nil, err
	}
	return t, nil
}

func (m *Manager) submit(d *pagelist.Descriptor) (*Transfer, error) {
	buf, err := pagelist.Encode(d)
	if err != nil {
		return nil, err
	}
	pl, err := m.dma.AllocateDMA(len(buf))
	if err != nil {
		log.Warningf("Failed to allocate %d bytes for a page list: %v", len(buf), err)
		return nil, linuxerr.ENOMEM
	}
	copy(pl.Bytes(), buf)

	t := &Transfer{
		m:      m,
		handle: m.nextHandle.Add(1),
		desc:   d,
		pl:     pl,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.closePagelist(t)
		return nil, linuxerr.ESHUTDOWN
	}
	m.transfers.Store(t.handle, t)
	m.mu.Unlock()

	// d belongs to the completion and timeout paths once the record is
	// posted.
	hasFragment := d.HasFragment
	var desc string
	if log.IsLogging(log.Debug) {
		desc = d.String()
	}
	rec := channel.BulkRecord{
		Handle:   t.handle,
		Pagelist: pl.PhysAddr(),
		Length:   uint32(d.Length),
		Kind:     d.Kind,
	}
	if err := m.st.PostBulk(rec); err != nil {
		m.forget(t)
		return nil, err
	}
	if m.cfg.Timeout > 0 {
		t.armTimer(m.cfg.Timeout, func() { m.expire(t) })
	}
	m.submitted.Add(1)
	if hasFragment {
		m.fragmentsUsed.Add(1)
	}
	if err := m.st.Signal(); err != nil {
		// The record is queued; the transfer finishes through the normal
		// completion, timeout or Close paths.
		log.Warningf("Failed to signal transfer %d: %v", t.handle, err)
	}
	log.Debugf("Submitted transfer %d: %s", t.handle, desc)
	return t, nil
}

// forget undoes submit for a transfer the remote never saw.
func (m *Manager) forget(t *Transfer) {
	if !t.once.Swap(true) {
		t.stopTimer()
		m.transfers.Delete(t.handle)
		m.closePagelist(t)
	}
}

func (m *Manager) closePagelist(t *Transfer) {
	if err := t.pl.Close(); err != nil {
		log.Warningf("Failed to free page list of transfer %d: %v", t.handle, err)
	}
}

// onCompletion routes a completion record from the remote device. It runs
// in interrupt context.
func (m *Manager) onCompletion(c channel.CompletionRecord) {
	v, ok := m.transfers.Load(c.Handle)
	if !ok {
		m.late.Add(1)
		m.lateLog.Infof("Ignoring completion of unknown or finished transfer %d", c.Handle)
		return
	}
	t := v.(*Transfer)
	if c.Actual < 0 {
		log.Debugf("Remote failed transfer %d: %d", c.Handle, c.Actual)
		m.Abort(t, linuxerr.EIO)
		return
	}
	m.Complete(t, int(c.Actual))
}

// Complete finishes t with actual bytes transferred. Only the first call to
// Complete or Abort for a transfer has any effect. It never blocks.
func (m *Manager) Complete(t *Transfer, actual int) {
	if m.finish(t, actual, nil) {
		m.completed.Add(1)
	}
}

// Abort finishes t with no bytes transferred and the given error.
func (m *Manager) Abort(t *Transfer, err error) {
	if m.finish(t, 0, err) {
		m.aborted.Add(1)
	}
}

func (m *Manager) expire(t *Transfer) {
	if m.finish(t, 0, linuxerr.ETIMEDOUT) {
		m.timedOut.Add(1)
		log.Warningf("Transfer %d timed out after %v", t.handle, m.cfg.Timeout)
	}
}

// finish releases everything t holds except its pages, which are queued for
// the unpin worker. It returns false if t had already finished.
func (m *Manager) finish(t *Transfer, actual int, err error) bool {
	if t.once.Swap(true) {
		return false
	}
	t.stopTimer()
	m.transfers.Delete(t.handle)

	d := t.desc
	if actual > d.Length {
		log.Warningf("Transfer %d reports %d bytes of %d", t.handle, actual, d.Length)
		actual = d.Length
	}
	if d.HasFragment {
		if actual > 0 {
			m.copyFragment(d, actual)
		}
		m.builder.ReleaseFragment(d)
	}
	m.closePagelist(t)

	t.actual, t.err = actual, err
	m.unpin <- t
	return true
}

// copyFragment copies the head and tail bytes of a Read transfer from its
// fragment into the destination pages.
func (m *Manager) copyFragment(d *pagelist.Descriptor, actual int) {
	pool := m.builder.Pool()
	line := m.builder.LineSize()

	head := (line - d.Offset) & (line - 1)
	head = min(head, actual)
	if head > 0 {
		m.copyToPage(d, 0, d.Offset, pool.Head(d.Fragment)[:head])
	}

	end := d.Offset + actual
	tail := end & (line - 1)
	if tail > 0 && head < actual {
		page := end >> hostarch.PageShift
		off := (end & hostarch.PageMask) &^ (line - 1)
		m.copyToPage(d, page, off, pool.Tail(d.Fragment)[:tail])
	}
}

func (m *Manager) copyToPage(d *pagelist.Descriptor, page, off int, src []byte) {
	if page >= len(d.Pages) {
		log.Warningf("Fragment copy to page %d of a %d page transfer", page, len(d.Pages))
		return
	}
	dst, err := m.phys.Slice(d.Pages[page].Addr+hostarch.Addr(off), len(src))
	if err != nil {
		log.Warningf("Fragment copy to %v failed: %v", d.Pages[page].Addr+hostarch.Addr(off), err)
		return
	}
	copy(dst, src)
}

func (m *Manager) unpinWorker() {
	defer close(m.workerDone)
	for {
		select {
		case t := <-m.unpin:
			m.retire(t)
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) retire(t *Transfer) {
	m.builder.Unpin(t.desc, t.desc.Kind == pagelist.Read)
	m.slots.Release(1)
	close(t.done)
}

// Transmit sends the length bytes at addr to the remote device.
func (m *Manager) Transmit(ctx context.Context, addr hostarch.Addr, length int) (int, error) {
	return m.run(ctx, addr, length, pagelist.Write)
}

// Receive fills the length bytes at addr from the remote device.
func (m *Manager) Receive(ctx context.Context, addr hostarch.Addr, length int) (int, error) {
	return m.run(ctx, addr, length, pagelist.Read)
}

func (m *Manager) run(ctx context.Context, addr hostarch.Addr, length int, kind pagelist.Kind) (int, error) {
	d, err := m.builder.Build(ctx, addr, length, kind)
	if err != nil {
		return 0, err
	}
	t, err := m.Submit(ctx, d)
	if err != nil {
		m.builder.Release(d, false)
		return 0, err
	}
	n, err := t.Wait(ctx)
	if linuxerr.Equals(linuxerr.EINTR, err) {
		// Abort is a no-op if t finished in the meantime.
		m.Abort(t, linuxerr.EINTR)
		<-t.done
		return t.actual, t.err
	}
	return n, err
}

// Close aborts every in-flight transfer with ESHUTDOWN, waits for their
// pages to be unpinned and stops the unpin worker. Submit fails afterwards.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.st.OnCompletion(nil)
		m.transfers.Range(func(_, v any) bool {
			m.Abort(v.(*Transfer), linuxerr.ESHUTDOWN)
			return true
		})
		// Every slot returns once its transfer is unpinned.
		if err := m.slots.Acquire(context.Background(), m.maxBulks); err != nil {
			panic("unreachable: " + err.Error())
		}
		close(m.stop)
		<-m.workerDone
		// Let Submit calls queued behind Close fail with ESHUTDOWN.
		m.slots.Release(m.maxBulks)
		log.Debugf("Bulk manager closed: %+v", m.Stats())
	})
}

// Stats returns the manager counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Submitted:     m.submitted.Load(),
		Completed:     m.completed.Load(),
		Aborted:       m.aborted.Load(),
		TimedOut:      m.timedOut.Load(),
		Late:          m.late.Load(),
		FragmentsUsed: m.fragmentsUsed.Load(),
	}
}
