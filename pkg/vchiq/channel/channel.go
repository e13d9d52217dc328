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

// Package channel manages the shared memory region through which the local
// processor and the remote device communicate.
//
// The region starts with a slot area whose first slot holds the header
// describing the geometry, followed by the slots holding the bulk and
// completion rings. The fragment pool follows the slot area. The bus
// address of the region is handed to the remote device over the mailbox
// exactly once, after which the geometry never changes.
package channel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/vchiq/pkg/cleanup"
	"gvisor.dev/vchiq/pkg/errors/linuxerr"
	"gvisor.dev/vchiq/pkg/gate"
	"gvisor.dev/vchiq/pkg/hostarch"
	"gvisor.dev/vchiq/pkg/log"
	"gvisor.dev/vchiq/pkg/sync"
	"gvisor.dev/vchiq/pkg/vchiq/doorbell"
	"gvisor.dev/vchiq/pkg/vchiq/fragment"
	"gvisor.dev/vchiq/pkg/vchiq/host"
)

// remotePollInterval is how often WaitRemote checks slot zero.
const remotePollInterval = 10 * time.Millisecond

var errRemoteNotReady = errors.New("remote not initialised")

// CompletionHandler is called, in interrupt context, for every completion
// record posted by the remote device.
type CompletionHandler func(CompletionRecord)

// State is an initialised channel.
type State struct {
	cfg  Config
	host host.Host

	region host.DMARegion
	mem    []byte
	base   hostarch.Addr

	// slotSize is the size of the slot area. The fragment pool starts
	// there.
	slotSize  int
	slotCount int
	header    Header

	pool *fragment.Pool

	// localTrigger is fired by the remote device; remoteTrigger is fired
	// by this side.
	localTrigger  *doorbell.Event
	remoteTrigger *doorbell.Event

	bulks       *Ring
	completions *Ring
	bell        *doorbell.Bell

	// postMu serializes producers of the bulk ring.
	postMu sync.Mutex

	handler atomic.Pointer[CompletionHandler]

	// users tracks callers of PostBulk, Signal and the interrupt callback
	// so that Teardown can wait for them.
	users gate.Gate

	teardownOnce sync.Once
}

// Init allocates and publishes a channel.
func Init(ctx context.Context, cfg Config, h host.Host) (*State, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid channel config: %w", err)
	}
	slotCount := cfg.slotCount()
	slotSize, _ := hostarch.PageRoundUp(slotCount * SlotSize)
	fragSize, _ := hostarch.PageRoundUp(fragment.Size(cfg.Fragments(), cfg.CacheLineSize))

	region, err := h.DMA.AllocateDMA(slotSize + fragSize)
	if err != nil {
		log.Warningf("Failed to allocate %d bytes of channel memory: %v", slotSize+fragSize, err)
		return nil, linuxerr.ENOMEM
	}
	cu := cleanup.Make(func() {
		if err := region.Close(); err != nil {
			log.Warningf("Failed to free channel memory: %v", err)
		}
	})
	defer cu.Clean()

	base := region.PhysAddr()
	if end, ok := base.AddLength(uint64(slotSize + fragSize)); !ok || uint64(end) > math.MaxUint32 {
		return nil, fmt.Errorf("channel memory at %v is not addressable by the remote: %w", base, linuxerr.EINVAL)
	}

	mem := region.Bytes()[:slotSize+fragSize]
	clear(mem)

	ringCap := cfg.ringCapacity()
	s := &State{
		cfg:       cfg,
		host:      h,
		region:    region,
		mem:       mem,
		base:      base,
		slotSize:  slotSize,
		slotCount: slotCount,
		header: Header{
			Magic:          Magic,
			Version:        Version,
			VersionMin:     VersionMin,
			SlotSize:       SlotSize,
			SlotCount:      uint32(slotCount),
			FragmentsBase:  uint32(base) + uint32(slotSize),
			FragmentCount:  uint32(cfg.Fragments()),
			CacheLineSize:  uint32(cfg.CacheLineSize),
			MaxBulks:       uint32(cfg.MaxBulks),
			BulkRing:       SlotSize,
			CompletionRing: 2 * SlotSize,
			RingCapacity:   uint32(ringCap),
		},
		localTrigger:  doorbell.NewEvent(mem[offLocalTrigger:]),
		remoteTrigger: doorbell.NewEvent(mem[offRemoteTrigger:]),
		bulks:         newRing(mem[SlotSize:2*SlotSize], ringCap),
		completions:   newRing(mem[2*SlotSize:3*SlotSize], ringCap),
	}
	s.pool, err = fragment.New(mem[slotSize:], base+hostarch.Addr(slotSize), cfg.Fragments(), cfg.CacheLineSize)
	if err != nil {
		return nil, err
	}

	s.bell = doorbell.NewBell(h.Registers, h.Interrupt, h.IRQ)
	if err := s.bell.Attach([]*doorbell.Event{s.localTrigger}, s.onDoorbell); err != nil {
		return nil, fmt.Errorf("attaching doorbell interrupt %d: %w", h.IRQ, err)
	}
	cu.Add(s.bell.Detach)
	// Completions are taken in interrupt context, so the local side is
	// always listening.
	s.localTrigger.Arm()

	s.header.put(mem)
	// The magic is stored last and atomically: the remote device treats it
	// as the signal that the rest of the header is valid.
	storeWord(mem, offMagic, Magic)

	if err := h.Mailbox.Write(host.MailboxChannelVCHIQ, uint32(base)); err != nil {
		return nil, fmt.Errorf("publishing channel base %v: %w", base, err)
	}

	cu.Release()
	log.Infof("Channel published at %v: %d slots, %d fragments of %d bytes, ring capacity %d", base, slotCount, cfg.Fragments(), 2*cfg.CacheLineSize, ringCap)
	return s, nil
}

// WaitRemote blocks until the remote device has marked slot zero as
// initialised, or ctx is done.
func (s *State) WaitRemote(ctx context.Context) error {
	op := func() error {
		if loadWord(s.mem, offInitialised) != 0 {
			return nil
		}
		return errRemoteNotReady
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(remotePollInterval), ctx)
	if err := backoff.Retry(op, b); err != nil {
		// The backoff stops as soon as the next poll would pass ctx's
		// deadline, which can be before ctx.Err is set.
		if err == errRemoteNotReady || ctx.Err() != nil {
			return linuxerr.EINTR
		}
		return err
	}
	log.Debugf("Remote initialised channel at %v", s.base)
	return nil
}

// OnCompletion sets the handler for completion records. Records that
// arrive while no handler is set stay queued until the next DrainCompletions.
func (s *State) OnCompletion(h CompletionHandler) {
	if h == nil {
		s.handler.Store(nil)
		return
	}
	s.handler.Store(&h)
}

func (s *State) onDoorbell() {
	if !s.users.Enter() {
		return
	}
	defer s.users.Leave()
	// Re-arm before draining: a record posted after the drain finds the
	// trigger armed and raises another interrupt.
	s.localTrigger.Consume()
	s.localTrigger.Arm()
	if h := s.handler.Load(); h != nil {
		s.drain(*h)
	}
}

// PostBulk queues rec on the bulk ring. It does not signal the remote.
func (s *State) PostBulk(rec BulkRecord) error {
	if !s.users.Enter() {
		return linuxerr.ESHUTDOWN
	}
	defer s.users.Leave()
	s.postMu.Lock()
	defer s.postMu.Unlock()
	if !s.bulks.Push(rec.marshal()) {
		return linuxerr.EBUSY
	}
	return nil
}

// DrainCompletions calls fn for every queued completion record and returns
// the number of records drained.
func (s *State) DrainCompletions(fn CompletionHandler) int {
	if !s.users.Enter() {
		return 0
	}
	defer s.users.Leave()
	return s.drain(fn)
}

func (s *State) drain(fn CompletionHandler) int {
	n := 0
	for {
		rec, ok := s.completions.Pop()
		if !ok {
			return n
		}
		var c CompletionRecord
		c.unmarshal(rec)
		fn(c)
		n++
	}
}

// Signal rings the remote device.
func (s *State) Signal() error {
	if !s.users.Enter() {
		return linuxerr.ESHUTDOWN
	}
	defer s.users.Leave()
	doorbell.Signal(s.remoteTrigger, s.host.Registers)
	return nil
}

// Teardown waits for in-flight users, disables the doorbell interrupt and
// frees the region. The remote device must no longer access the region.
func (s *State) Teardown() error {
	var err error
	s.teardownOnce.Do(func() {
		s.users.Close()
		s.bell.Detach()
		if out := s.pool.Outstanding(); out != 0 {
			log.Warningf("Channel torn down with %d fragments outstanding", out)
		}
		err = s.region.Close()
		log.Infof("Channel at %v torn down", s.base)
	})
	return err
}

// Config returns the channel configuration.
func (s *State) Config() Config {
	return s.cfg
}

// Header returns the published geometry.
func (s *State) Header() Header {
	return s.header
}

// Region returns the CPU view of the shared region.
func (s *State) Region() []byte {
	return s.mem
}

// Base returns the bus address of the shared region.
func (s *State) Base() hostarch.Addr {
	return s.base
}

// Size returns the size of the shared region, fragments included.
func (s *State) Size() int {
	return len(s.mem)
}

// SlotCount returns the number of slots in the slot area.
func (s *State) SlotCount() int {
	return s.slotCount
}

// Pool returns the fragment pool.
func (s *State) Pool() *fragment.Pool {
	return s.pool
}

// Host returns the host collaborators.
func (s *State) Host() host.Host {
	return s.host
}

// BellStats returns the doorbell interrupt counters.
func (s *State) BellStats() doorbell.Stats {
	return s.bell.Stats()
}
