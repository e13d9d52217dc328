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

package pagelist

import (
	"fmt"
	"math"

	"gvisor.dev/vchiq/pkg/binary"
	"gvisor.dev/vchiq/pkg/errors/linuxerr"
	"gvisor.dev/vchiq/pkg/hostarch"
	"gvisor.dev/vchiq/pkg/vchiq/fragment"
)

// Type is the type field of an encoded page list.
type Type uint16

// Page list types. A Read transfer with a fragment is encoded as
// TypeReadWithFragments plus the fragment index.
const (
	TypeWrite             Type = 0
	TypeRead              Type = 1
	TypeReadWithFragments Type = 2
)

// HeaderSize is the size of an encoded page list with no runs.
const HeaderSize = 8

// runSize is the size of one encoded run.
const runSize = 4

// runPagesMask masks the page count, minus one, out of an encoded run.
const runPagesMask = MaxRunPages - 1

// EncodedSize returns the size of an encoded page list with n runs.
func EncodedSize(n int) int {
	return HeaderSize + n*runSize
}

// Wire is a decoded page list, as seen by the remote device.
type Wire struct {
	Length uint32
	Type   Type
	Offset uint16
	Runs   []Run
}

// Kind returns the direction of the transfer.
func (w *Wire) Kind() Kind {
	if w.Type == TypeWrite {
		return Write
	}
	return Read
}

// Fragment returns the fragment attached to the transfer, if any.
func (w *Wire) Fragment() (fragment.Index, bool) {
	if w.Type < TypeReadWithFragments {
		return 0, false
	}
	return fragment.Index(w.Type - TypeReadWithFragments), true
}

// Span returns the number of bytes covered by w's runs.
func (w *Wire) Span() int {
	n := 0
	for _, r := range w.Runs {
		n += r.Len()
	}
	return n
}

func encodeType(d *Descriptor) (Type, error) {
	switch {
	case d.Kind == Write:
		return TypeWrite, nil
	case !d.HasFragment:
		return TypeRead, nil
	case int(d.Fragment) > math.MaxUint16-int(TypeReadWithFragments):
		return 0, fmt.Errorf("fragment index %d does not fit the type field: %w", d.Fragment, linuxerr.EINVAL)
	default:
		return TypeReadWithFragments + Type(d.Fragment), nil
	}
}

// Encode returns the wire representation of d:
//
//	u32 length | u16 type | u16 offset | u32 run[0] | u32 run[1] | ...
//
// all little-endian. Each run is its page-aligned bus address with the page
// count minus one in the low 5 bits.
func Encode(d *Descriptor) ([]byte, error) {
	return AppendEncoded(make([]byte, 0, EncodedSize(len(d.Runs))), d)
}

// AppendEncoded appends the wire representation of d to buf.
func AppendEncoded(buf []byte, d *Descriptor) ([]byte, error) {
	if d.Length <= 0 || uint64(d.Length) > math.MaxUint32 {
		return nil, fmt.Errorf("length %d out of range: %w", d.Length, linuxerr.EINVAL)
	}
	if d.Offset < 0 || d.Offset >= hostarch.PageSize {
		return nil, fmt.Errorf("offset %d out of range: %w", d.Offset, linuxerr.EINVAL)
	}
	typ, err := encodeType(d)
	if err != nil {
		return nil, err
	}
	buf = binary.AppendUint32(buf, binary.LittleEndian, uint32(d.Length))
	buf = binary.AppendUint16(buf, binary.LittleEndian, uint16(typ))
	buf = binary.AppendUint16(buf, binary.LittleEndian, uint16(d.Offset))
	for _, r := range d.Runs {
		if !r.Addr.IsPageAligned() || uint64(r.Addr) > math.MaxUint32 {
			return nil, fmt.Errorf("run address %v not encodable: %w", r.Addr, linuxerr.EINVAL)
		}
		if r.Pages == 0 || r.Pages > MaxRunPages {
			return nil, fmt.Errorf("run of %d pages at %v: %w", r.Pages, r.Addr, linuxerr.EINVAL)
		}
		buf = binary.AppendUint32(buf, binary.LittleEndian, uint32(r.Addr)|uint32(r.Pages-1))
	}
	return buf, nil
}

// DecodeHeader parses the fixed header at the start of b. It returns the
// header with no runs and the largest size the full encoding can have,
// which is reached when no two pages are contiguous.
func DecodeHeader(b []byte) (*Wire, int, error) {
	dec := binary.NewDecoder(b, binary.LittleEndian)
	w := &Wire{
		Length: dec.Uint32(),
		Type:   Type(dec.Uint16()),
		Offset: dec.Uint16(),
	}
	if dec.Err != nil {
		return nil, 0, fmt.Errorf("page list header: %v: %w", dec.Err, linuxerr.EINVAL)
	}
	if w.Length == 0 || int(w.Offset) >= hostarch.PageSize {
		return nil, 0, fmt.Errorf("page list length %d offset %d: %w", w.Length, w.Offset, linuxerr.EINVAL)
	}
	return w, EncodedSize(hostarch.PagesSpanned(int(w.Offset), int(w.Length))), nil
}

// Decode parses an encoded page list. The number of runs is implied by the
// offset and length: Decode consumes runs until they cover both, and fails
// if b is exhausted first.
func Decode(b []byte) (*Wire, error) {
	w, _, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	dec := binary.NewDecoder(b[HeaderSize:], binary.LittleEndian)
	need := uint64(w.Offset) + uint64(w.Length)
	for covered := uint64(0); covered < need; {
		v := dec.Uint32()
		if dec.Err != nil {
			return nil, fmt.Errorf("page list runs cover %d of %d bytes: %w", covered, need, linuxerr.EINVAL)
		}
		r := Run{
			Addr:  hostarch.Addr(v &^ runPagesMask),
			Pages: uint8(v&runPagesMask) + 1,
		}
		w.Runs = append(w.Runs, r)
		covered += uint64(r.Len())
	}
	return w, nil
}
