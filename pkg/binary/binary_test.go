// Copyright 2018 The gVisor Authors.
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

package binary

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAppendAndDecode(t *testing.T) {
	var buf []byte
	buf = AppendUint32(buf, LittleEndian, 0x01020304)
	buf = AppendUint16(buf, LittleEndian, 0x0506)
	buf = AppendUint64(buf, LittleEndian, 0x0708090a0b0c0d0e)

	want := []byte{4, 3, 2, 1, 6, 5, 0xe, 0xd, 0xc, 0xb, 0xa, 9, 8, 7}
	if diff := cmp.Diff(want, buf); diff != "" {
		t.Fatalf("encoded bytes mismatch (-want +got):\n%s", diff)
	}

	d := NewDecoder(buf, LittleEndian)
	if got := d.Uint32(); got != 0x01020304 {
		t.Errorf("Uint32() = %#x", got)
	}
	if got := d.Uint16(); got != 0x0506 {
		t.Errorf("Uint16() = %#x", got)
	}
	if got := d.Uint64(); got != 0x0708090a0b0c0d0e {
		t.Errorf("Uint64() = %#x", got)
	}
	if d.Err != nil || d.Remaining() != 0 {
		t.Errorf("Err = %v, Remaining() = %d", d.Err, d.Remaining())
	}
}

func TestDecoderShort(t *testing.T) {
	d := NewDecoder([]byte{1, 2, 3}, LittleEndian)
	if got := d.Uint32(); got != 0 {
		t.Errorf("Uint32() on short buffer = %#x, want 0", got)
	}
	if d.Err == nil {
		t.Fatalf("short read did not set Err")
	}
	if got := d.Uint16(); got != 0 {
		t.Errorf("Uint16() after error = %#x, want 0", got)
	}
}
