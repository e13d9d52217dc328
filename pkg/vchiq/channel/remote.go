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

package channel

import (
	"fmt"

	"gvisor.dev/vchiq/pkg/errors/linuxerr"
	"gvisor.dev/vchiq/pkg/hostarch"
	"gvisor.dev/vchiq/pkg/vchiq/doorbell"
)

// Remote is the remote device's view of a published channel.
type Remote struct {
	mem    []byte
	base   hostarch.Addr
	header Header

	localTrigger  *doorbell.Event
	remoteTrigger *doorbell.Event
	bulks         *Ring
	completions   *Ring
}

// OpenRemote parses the channel published at base. mem is the remote
// device's mapping of the slot area, starting at base.
func OpenRemote(mem []byte, base hostarch.Addr) (*Remote, error) {
	h, err := ParseHeader(mem)
	if err != nil {
		return nil, err
	}
	if h.SlotSize != SlotSize {
		return nil, fmt.Errorf("slot size %d, want %d: %w", h.SlotSize, SlotSize, linuxerr.EINVAL)
	}
	if want := int(h.SlotCount) * SlotSize; len(mem) < want {
		return nil, fmt.Errorf("slot area is %d bytes, mapping is %d: %w", want, len(mem), linuxerr.EINVAL)
	}
	capacity := int(h.RingCapacity)
	if capacity <= 0 || capacity&(capacity-1) != 0 || ringSize(capacity) > SlotSize {
		return nil, fmt.Errorf("ring capacity %d: %w", capacity, linuxerr.EINVAL)
	}
	for _, off := range []uint32{h.BulkRing, h.CompletionRing} {
		if off < SlotSize || int(off)+ringSize(capacity) > len(mem) {
			return nil, fmt.Errorf("ring at offset %d: %w", off, linuxerr.EINVAL)
		}
	}
	return &Remote{
		mem:           mem,
		base:          base,
		header:        h,
		localTrigger:  doorbell.NewEvent(mem[offLocalTrigger:]),
		remoteTrigger: doorbell.NewEvent(mem[offRemoteTrigger:]),
		bulks:         newRing(mem[h.BulkRing:], capacity),
		completions:   newRing(mem[h.CompletionRing:], capacity),
	}, nil
}

// Header returns the parsed geometry.
func (r *Remote) Header() Header {
	return r.header
}

// Base returns the bus address of the channel.
func (r *Remote) Base() hostarch.Addr {
	return r.base
}

// FragmentsBase returns the bus address of the fragment pool.
func (r *Remote) FragmentsBase() hostarch.Addr {
	return hostarch.Addr(r.header.FragmentsBase)
}

// MarkInitialised tells the local side that the remote is ready.
func (r *Remote) MarkInitialised() {
	storeWord(r.mem, offInitialised, 1)
}

// LocalTrigger returns the event the local side waits on.
func (r *Remote) LocalTrigger() *doorbell.Event {
	return r.localTrigger
}

// RemoteTrigger returns the event the remote device waits on.
func (r *Remote) RemoteTrigger() *doorbell.Event {
	return r.remoteTrigger
}

// PopBulk removes the oldest bulk request.
func (r *Remote) PopBulk() (BulkRecord, bool) {
	var b BulkRecord
	rec, ok := r.bulks.Pop()
	if ok {
		b.unmarshal(rec)
	}
	return b, ok
}

// PushCompletion queues a completion record. It returns false if the ring
// is full.
func (r *Remote) PushCompletion(c CompletionRecord) bool {
	return r.completions.Push(c.marshal())
}
