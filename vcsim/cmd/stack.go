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

package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"gvisor.dev/vchiq/pkg/cleanup"
	"gvisor.dev/vchiq/pkg/hostarch"
	"gvisor.dev/vchiq/pkg/log"
	"gvisor.dev/vchiq/pkg/vchiq/bulk"
	"gvisor.dev/vchiq/pkg/vchiq/channel"
	"gvisor.dev/vchiq/pkg/vchiq/loopback"
	"gvisor.dev/vchiq/pkg/vchiq/pagelist"
	"gvisor.dev/vchiq/pkg/vchiq/sim"
	"gvisor.dev/vchiq/vcsim/config"
)

// attachTimeout bounds how long the device has to pick up the channel.
const attachTimeout = 10 * time.Second

// stack is a channel and bulk manager served by a loopback device on a
// simulated host.
type stack struct {
	host *sim.Host
	dev  *loopback.Device
	st   *channel.State
	m    *bulk.Manager
}

func newStack(ctx context.Context, conf *config.Config) (*stack, error) {
	h, err := sim.NewHost(conf.Frames)
	if err != nil {
		return nil, fmt.Errorf("creating simulated host: %w", err)
	}
	cu := cleanup.Make(func() { h.Close() })
	defer cu.Clean()

	s := &stack{host: h, dev: loopback.New(h)}
	cu.Add(s.dev.Close)

	s.st, err = channel.Init(ctx, conf.Channel(), h.Host())
	if err != nil {
		return nil, fmt.Errorf("initialising channel: %w", err)
	}
	cu.Add(func() { s.st.Teardown() })

	wctx, cancel := context.WithTimeout(ctx, attachTimeout)
	defer cancel()
	if err := s.st.WaitRemote(wctx); err != nil {
		return nil, fmt.Errorf("waiting for remote: %w", err)
	}

	b := pagelist.NewBuilder(h.AS, s.st.Pool(), conf.NonBlocking)
	s.m = bulk.NewManager(s.st, b, h.Mem, bulk.Config{Timeout: conf.Timeout})
	cu.Release()
	return s, nil
}

// close tears the stack down in the reverse order of construction.
func (s *stack) close() {
	s.m.Close()
	s.dev.Close()
	if err := s.st.Teardown(); err != nil {
		log.Warningf("Channel teardown: %v", err)
	}
	if err := s.host.Close(); err != nil {
		log.Warningf("Closing simulated host: %v", err)
	}
}

// buffer maps a buffer of length bytes at addr and returns a function that
// unmaps it.
func (s *stack) buffer(addr hostarch.Addr, length int, layout sim.Layout) (func(), error) {
	start := addr.RoundDown()
	n := hostarch.PagesSpanned(int(addr.PageOffset()), length)
	if err := s.host.AS.Map(start, n, layout); err != nil {
		return nil, fmt.Errorf("mapping %d pages at %v: %w", n, start, err)
	}
	return func() {
		if err := s.host.AS.Unmap(start, n); err != nil {
			log.Warningf("Unmapping %d pages at %v: %v", n, start, err)
		}
	}, nil
}

func (s *stack) printStats(w io.Writer) {
	bs := s.m.Stats()
	fmt.Fprintf(w, "bulk: submitted=%d completed=%d aborted=%d timed-out=%d late=%d fragments=%d\n",
		bs.Submitted, bs.Completed, bs.Aborted, bs.TimedOut, bs.Late, bs.FragmentsUsed)
	ds := s.dev.Stats()
	fmt.Fprintf(w, "device: bulks=%d in=%d out=%d dropped=%d failed=%d interrupts=%d\n",
		ds.Bulks, ds.BytesIn, ds.BytesOut, ds.Dropped, ds.Failed, ds.Interrupts)
	ls := s.st.BellStats()
	fmt.Fprintf(w, "doorbell: interrupts=%d spurious=%d\n", ls.Interrupts, ls.Spurious)
}
