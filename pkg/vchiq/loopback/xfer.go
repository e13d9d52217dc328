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

package loopback

import (
	"fmt"

	"gvisor.dev/vchiq/pkg/hostarch"
	"gvisor.dev/vchiq/pkg/vchiq/pagelist"
	"gvisor.dev/vchiq/pkg/vchiq/sim"
)

// xfer maps byte positions of a transfer to device memory.
type xfer struct {
	mem    *sim.PhysMem
	offset int
	pages  []hostarch.Addr
}

func newXfer(mem *sim.PhysMem, w *pagelist.Wire) *xfer {
	x := &xfer{mem: mem, offset: int(w.Offset)}
	for _, r := range w.Runs {
		for i := 0; i < int(r.Pages); i++ {
			x.pages = append(x.pages, r.Addr+hostarch.Addr(i*hostarch.PageSize))
		}
	}
	return x
}

// direct moves buf to or from transfer positions [pos, pos+len(buf)) in the
// destination pages. If read is true the pages are copied into buf.
func (x *xfer) direct(buf []byte, pos int, read bool) error {
	for done := 0; done < len(buf); {
		abs := x.offset + pos + done
		page := abs >> hostarch.PageShift
		if page >= len(x.pages) {
			return fmt.Errorf("transfer position %d beyond %d pages", pos+done, len(x.pages))
		}
		off := abs & hostarch.PageMask
		n := min(hostarch.PageSize-off, len(buf)-done)
		b, err := x.mem.DeviceSlice(x.pages[page]+hostarch.Addr(off), n)
		if err != nil {
			return err
		}
		if read {
			copy(buf[done:], b)
		} else {
			copy(b, buf[done:])
		}
		done += n
	}
	return nil
}

// scatter writes payload to the start of a Read transfer. Bytes before the
// first cache line boundary go to the fragment's head buffer and bytes after
// the last one to its tail buffer; everything in between goes directly to
// the pages.
func (d *Device) scatter(x *xfer, w *pagelist.Wire, payload []byte) error {
	n := len(payload)
	if n == 0 {
		return nil
	}
	idx, ok := w.Fragment()
	if !ok {
		return x.direct(payload, 0, false)
	}

	r := d.remote
	line := int(r.Header().CacheLineSize)
	frag, err := d.mem.DeviceSlice(r.FragmentsBase()+hostarch.Addr(int(idx)*2*line), 2*line)
	if err != nil {
		return err
	}
	head := min((line-x.offset)&(line-1), n)
	tail := 0
	if head < n {
		tail = (x.offset + n) & (line - 1)
	}
	copy(frag[:line], payload[:head])
	copy(frag[line:], payload[n-tail:])
	return x.direct(payload[head:n-tail], head, false)
}
