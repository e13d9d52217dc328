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

	"gvisor.dev/vchiq/pkg/binary"
	"gvisor.dev/vchiq/pkg/errors/linuxerr"
	"gvisor.dev/vchiq/pkg/hostarch"
	"gvisor.dev/vchiq/pkg/vchiq/doorbell"
	"gvisor.dev/vchiq/pkg/vchiq/pagelist"
)

const (
	// Magic is "VCHI" in little-endian byte order. It is stored last when
	// the header is written, so a reader that sees it sees the rest.
	Magic = 0x49484356

	// Version is the protocol version written by this side.
	Version = 8

	// VersionMin is the oldest protocol version this side accepts.
	VersionMin = 3
)

// Offsets of the slot zero header fields. Every field is a little-endian
// uint32.
const (
	offMagic          = 0
	offVersion        = 4
	offVersionMin     = 8
	offSlotSize       = 12
	offSlotCount      = 16
	offFragmentsBase  = 20
	offFragmentCount  = 24
	offCacheLineSize  = 28
	offMaxBulks       = 32
	offBulkRing       = 36
	offCompletionRing = 40
	offRingCapacity   = 44
	offInitialised    = 48
	offLocalTrigger   = 56
	offRemoteTrigger  = offLocalTrigger + doorbell.EventSize
	headerSize        = offRemoteTrigger + doorbell.EventSize
)

// Header is the geometry published in slot zero.
type Header struct {
	Magic         uint32
	Version       uint32
	VersionMin    uint32
	SlotSize      uint32
	SlotCount     uint32
	FragmentsBase uint32
	FragmentCount uint32
	CacheLineSize uint32
	MaxBulks      uint32

	// BulkRing and CompletionRing are byte offsets from the start of the
	// region.
	BulkRing       uint32
	CompletionRing uint32
	RingCapacity   uint32
}

// put writes every field except Magic.
func (h *Header) put(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[offVersion:], h.Version)
	le.PutUint32(b[offVersionMin:], h.VersionMin)
	le.PutUint32(b[offSlotSize:], h.SlotSize)
	le.PutUint32(b[offSlotCount:], h.SlotCount)
	le.PutUint32(b[offFragmentsBase:], h.FragmentsBase)
	le.PutUint32(b[offFragmentCount:], h.FragmentCount)
	le.PutUint32(b[offCacheLineSize:], h.CacheLineSize)
	le.PutUint32(b[offMaxBulks:], h.MaxBulks)
	le.PutUint32(b[offBulkRing:], h.BulkRing)
	le.PutUint32(b[offCompletionRing:], h.CompletionRing)
	le.PutUint32(b[offRingCapacity:], h.RingCapacity)
}

// ParseHeader reads the header at the start of b. Magic is read
// atomically.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, fmt.Errorf("header needs %d bytes, got %d: %w", headerSize, len(b), linuxerr.EINVAL)
	}
	le := binary.LittleEndian
	h := Header{
		Magic:          loadWord(b, offMagic),
		Version:        le.Uint32(b[offVersion:]),
		VersionMin:     le.Uint32(b[offVersionMin:]),
		SlotSize:       le.Uint32(b[offSlotSize:]),
		SlotCount:      le.Uint32(b[offSlotCount:]),
		FragmentsBase:  le.Uint32(b[offFragmentsBase:]),
		FragmentCount:  le.Uint32(b[offFragmentCount:]),
		CacheLineSize:  le.Uint32(b[offCacheLineSize:]),
		MaxBulks:       le.Uint32(b[offMaxBulks:]),
		BulkRing:       le.Uint32(b[offBulkRing:]),
		CompletionRing: le.Uint32(b[offCompletionRing:]),
		RingCapacity:   le.Uint32(b[offRingCapacity:]),
	}
	if h.Magic != Magic {
		return h, fmt.Errorf("bad magic %#x: %w", h.Magic, linuxerr.EINVAL)
	}
	if h.Version < VersionMin || h.VersionMin > Version {
		return h, fmt.Errorf("incompatible version %d (min %d): %w", h.Version, h.VersionMin, linuxerr.EINVAL)
	}
	return h, nil
}

// BulkRecord asks the remote device to perform a bulk transfer.
type BulkRecord struct {
	// Handle identifies the transfer in the matching CompletionRecord.
	Handle uint32

	// Pagelist is the bus address of the encoded page list.
	Pagelist hostarch.Addr

	// Length is the transfer length in bytes.
	Length uint32

	// Kind is the transfer direction.
	Kind pagelist.Kind
}

func (r *BulkRecord) marshal() Record {
	var rec Record
	le := binary.LittleEndian
	le.PutUint32(rec[0:], r.Handle)
	le.PutUint32(rec[4:], uint32(r.Pagelist))
	le.PutUint32(rec[8:], r.Length)
	le.PutUint32(rec[12:], uint32(r.Kind))
	return rec
}

func (r *BulkRecord) unmarshal(rec Record) {
	le := binary.LittleEndian
	r.Handle = le.Uint32(rec[0:])
	r.Pagelist = hostarch.Addr(le.Uint32(rec[4:]))
	r.Length = le.Uint32(rec[8:])
	r.Kind = pagelist.Kind(le.Uint32(rec[12:]))
}

// CompletionRecord reports the outcome of a bulk transfer.
type CompletionRecord struct {
	Handle uint32

	// Actual is the number of bytes transferred. A negative value means
	// the remote failed the transfer.
	Actual int32
}

func (r *CompletionRecord) marshal() Record {
	var rec Record
	le := binary.LittleEndian
	le.PutUint32(rec[0:], r.Handle)
	le.PutUint32(rec[4:], uint32(r.Actual))
	return rec
}

func (r *CompletionRecord) unmarshal(rec Record) {
	le := binary.LittleEndian
	r.Handle = le.Uint32(rec[0:])
	r.Actual = int32(le.Uint32(rec[4:]))
}
