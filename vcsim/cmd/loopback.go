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
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vchiq/pkg/hostarch"
	"gvisor.dev/vchiq/pkg/log"
	"gvisor.dev/vchiq/pkg/sync"
	"gvisor.dev/vchiq/pkg/vchiq/sim"
	"gvisor.dev/vchiq/vcsim/cmd/util"
	"gvisor.dev/vchiq/vcsim/config"
)

const (
	// transmitBase and receiveBase are the virtual addresses where the
	// buffers of the loopback command are mapped. Buffer i starts
	// i*bufferStride past its base.
	transmitBase = hostarch.Addr(0x10000000)
	receiveBase  = hostarch.Addr(0x40000000)
	bufferStride = 64 * hostarch.PageSize
)

// Loopback implements subcommands.Command for the "loopback" command.
type Loopback struct {
	count     int
	parallel  int
	maxLength int
	seed      int64
	layout    string
}

// Name implements subcommands.Command.Name.
func (*Loopback) Name() string {
	return "loopback"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Loopback) Synopsis() string {
	return "send random buffers through a loopback device and verify them"
}

// Usage implements subcommands.Command.Usage.
func (*Loopback) Usage() string {
	return `loopback [flags] - transmit buffers of random length and alignment to a
loopback device, receive them back into differently aligned buffers and check
that every byte survived the round trip.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Loopback) SetFlags(f *flag.FlagSet) {
	f.IntVar(&l.count, "count", 64, "number of buffers to send.")
	f.IntVar(&l.parallel, "parallel", 8, "number of transfers issued concurrently.")
	f.IntVar(&l.maxLength, "max-length", 3*hostarch.PageSize+100, "largest buffer length in bytes.")
	f.Int64Var(&l.seed, "seed", 1, "random seed for buffer lengths, offsets and contents.")
	f.StringVar(&l.layout, "layout", sim.Scattered.String(), "physical layout of buffers: contiguous, scattered or reversed.")
}

// Execute implements subcommands.Command.Execute.
func (l *Loopback) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if l.count <= 0 || l.parallel <= 0 {
		util.Fatalf("--count and --parallel must be positive")
	}
	if l.maxLength <= 0 || l.maxLength > bufferStride-hostarch.PageSize {
		util.Fatalf("--max-length must be in [1, %d]", bufferStride-hostarch.PageSize)
	}
	layout, err := sim.ParseLayout(l.layout)
	if err != nil {
		util.Fatalf("%v", err)
	}

	s, err := newStack(ctx, conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	defer s.close()

	if err := l.roundTrip(ctx, s, layout); err != nil {
		util.Fatalf("loopback failed: %v", err)
	}
	fmt.Fprintf(os.Stdout, "%d buffers verified\n", l.count)
	s.printStats(os.Stdout)
	return subcommands.ExitSuccess
}

// roundTrip transmits l.count buffers and then receives them. The device
// returns payloads in the order it accepted them, which is not known to the
// caller when transfers run concurrently, so received payloads are matched
// against the set of transmitted ones.
func (l *Loopback) roundTrip(ctx context.Context, s *stack, layout sim.Layout) error {
	var (
		mu   sync.Mutex
		sent = make(map[string]int)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.parallel)
	for i := 0; i < l.count; i++ {
		i := i // per-iteration copy (pre-Go 1.22 loop semantics)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(l.seed + int64(i)))
			length := 1 + rng.Intn(l.maxLength)
			addr := transmitBase + hostarch.Addr(i*bufferStride+rng.Intn(hostarch.PageSize))
			payload := make([]byte, length)
			rng.Read(payload)

			unmap, err := s.buffer(addr, length, layout)
			if err != nil {
				return err
			}
			defer unmap()
			if err := s.host.AS.Write(addr, payload); err != nil {
				return err
			}
			n, err := s.m.Transmit(gctx, addr, length)
			if err != nil {
				return fmt.Errorf("transmit %d of %d bytes at %v: %w", i, length, addr, err)
			}
			if n != length {
				return fmt.Errorf("transmit %d: sent %d of %d bytes", i, n, length)
			}
			mu.Lock()
			sent[string(payload)]++
			mu.Unlock()
			log.Debugf("Transmitted buffer %d: %d bytes at %v", i, length, addr)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(l.parallel)
	for i := 0; i < l.count; i++ {
		i := i // per-iteration copy (pre-Go 1.22 loop semantics)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(^(l.seed + int64(i))))
			addr := receiveBase + hostarch.Addr(i*bufferStride+rng.Intn(hostarch.PageSize))
			unmap, err := s.buffer(addr, l.maxLength, layout)
			if err != nil {
				return err
			}
			defer unmap()
			n, err := s.m.Receive(gctx, addr, l.maxLength)
			if err != nil {
				return fmt.Errorf("receive %d at %v: %w", i, addr, err)
			}
			got := make([]byte, n)
			if err := s.host.AS.Read(addr, got); err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if sent[string(got)] == 0 {
				return fmt.Errorf("receive %d: %d bytes at %v match no transmitted buffer", i, n, addr)
			}
			sent[string(got)]--
			return nil
		})
	}
	return g.Wait()
}
