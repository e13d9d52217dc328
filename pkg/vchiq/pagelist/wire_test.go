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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vchiq/pkg/errors/linuxerr"
	"gvisor.dev/vchiq/pkg/hostarch"
	"gvisor.dev/vchiq/pkg/vchiq/fragment"
)

func TestEncodeLayout(t *testing.T) {
	d := &Descriptor{
		Length:      4100,
		Kind:        Read,
		Offset:      60,
		Fragment:    3,
		HasFragment: true,
		Runs: []Run{
			{Addr: 0x10002000, Pages: 1},
			{Addr: 0x10008000, Pages: 32},
		},
	}
	got, err := Encode(d)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := []byte{
		0x04, 0x10, 0x00, 0x00, // length
		0x05, 0x00, // type: read with fragment 3
		0x3c, 0x00, // offset
		0x00, 0x20, 0x00, 0x10, // run 0: one page
		0x1f, 0x80, 0x00, 0x10, // run 1: 32 pages
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Encode mismatch (-want +got):\n%s", diff)
	}
	if len(got) != EncodedSize(len(d.Runs)) {
		t.Errorf("len(Encode) = %d, EncodedSize = %d", len(got), EncodedSize(len(d.Runs)))
	}
}

func TestEncodeDecode(t *testing.T) {
	d := &Descriptor{
		Length: 3 * hostarch.PageSize,
		Kind:   Write,
		Offset: 100,
		Runs: []Run{
			{Addr: 0x10000000, Pages: 2},
			{Addr: 0x20000000, Pages: 2},
		},
	}
	b, err := Encode(d)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	w, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := &Wire{
		Length: uint32(d.Length),
		Type:   TypeWrite,
		Offset: 100,
		Runs:   d.Runs,
	}
	if diff := cmp.Diff(want, w); diff != "" {
		t.Errorf("Decode mismatch (-want +got):\n%s", diff)
	}
	if w.Kind() != Write {
		t.Errorf("Kind = %v, want write", w.Kind())
	}
	if _, ok := w.Fragment(); ok {
		t.Errorf("Write page list reports a fragment")
	}
}

func TestWireFragment(t *testing.T) {
	for _, tc := range []struct {
		typ      Type
		wantKind Kind
		wantIdx  fragment.Index
		wantOK   bool
	}{
		{TypeWrite, Write, 0, false},
		{TypeRead, Read, 0, false},
		{TypeReadWithFragments, Read, 0, true},
		{TypeReadWithFragments + 9, Read, 9, true},
	} {
		w := Wire{Type: tc.typ}
		idx, ok := w.Fragment()
		if w.Kind() != tc.wantKind || idx != tc.wantIdx || ok != tc.wantOK {
			t.Errorf("type %d: got (%v, %d, %t), want (%v, %d, %t)", tc.typ, w.Kind(), idx, ok, tc.wantKind, tc.wantIdx, tc.wantOK)
		}
	}
}

func TestEncodeInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		d    Descriptor
	}{
		{
			name: "unaligned run",
			d:    Descriptor{Length: 1, Runs: []Run{{Addr: 0x10000010, Pages: 1}}},
		},
		{
			name: "address above 4GiB",
			d:    Descriptor{Length: 1, Runs: []Run{{Addr: 0x100000000, Pages: 1}}},
		},
		{
			name: "empty run",
			d:    Descriptor{Length: 1, Runs: []Run{{Addr: 0x10000000}}},
		},
		{
			name: "zero length",
			d:    Descriptor{Runs: []Run{{Addr: 0x10000000, Pages: 1}}},
		},
		{
			name: "offset past page",
			d:    Descriptor{Length: 1, Offset: hostarch.PageSize, Runs: []Run{{Addr: 0x10000000, Pages: 1}}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Encode(&tc.d); !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("Encode = %v, want EINVAL", err)
			}
		})
	}
}

func TestDecodeShort(t *testing.T) {
	d := &Descriptor{
		Length: 2 * hostarch.PageSize,
		Kind:   Read,
		Runs:   []Run{{Addr: 0x10000000, Pages: 2}},
	}
	b, err := Encode(d)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	for n := 0; n < len(b); n++ {
		if _, err := Decode(b[:n]); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("Decode(%d bytes) = %v, want EINVAL", n, err)
		}
	}
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	d := &Descriptor{
		Length: 10,
		Kind:   Read,
		Runs:   []Run{{Addr: 0x10000000, Pages: 1}},
	}
	b, err := Encode(d)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	b = append(b, 0xff, 0xff, 0xff, 0xff)
	w, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(w.Runs) != 1 || w.Span() != hostarch.PageSize {
		t.Errorf("Decode runs = %+v, want one page", w.Runs)
	}
}
