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

package bulk

import (
	"context"
	"sync/atomic"
	"time"

	"gvisor.dev/vchiq/pkg/atomicbitops"
	"gvisor.dev/vchiq/pkg/errors/linuxerr"
	"gvisor.dev/vchiq/pkg/vchiq/host"
	"gvisor.dev/vchiq/pkg/vchiq/pagelist"
)

// Transfer is a submitted bulk transfer.
type Transfer struct {
	m      *Manager
	handle uint32
	desc   *pagelist.Descriptor
	pl     host.DMARegion
	timer  atomic.Pointer[time.Timer]

	// once is set by the first of Complete, Abort, expiry or a failed
	// submit.
	once atomicbitops.Bool

	// done is closed once the pages are unpinned. actual and err are
	// immutable thereafter.
	done   chan struct{}
	actual int
	err    error
}

// Handle returns the handle identifying t on the rings.
func (t *Transfer) Handle() uint32 {
	return t.handle
}

// Descriptor returns the page list descriptor of t.
func (t *Transfer) Descriptor() *pagelist.Descriptor {
	return t.desc
}

// Done returns a channel closed once t has finished and its pages are
// unpinned.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// armTimer calls f after d unless t finishes first.
func (t *Transfer) armTimer(d time.Duration, f func()) {
	timer := time.AfterFunc(d, f)
	t.timer.Store(timer)
	if t.once.Load() {
		timer.Stop()
	}
}

func (t *Transfer) stopTimer() {
	if timer := t.timer.Load(); timer != nil {
		timer.Stop()
	}
}

// Wait blocks until t has finished and returns the number of bytes
// transferred. It returns EINTR if ctx is done first, in which case t is
// still in flight.
func (t *Transfer) Wait(ctx context.Context) (int, error) {
	select {
	case <-t.done:
		return t.actual, t.err
	case <-ctx.Done():
		return 0, linuxerr.EINTR
	}
}
