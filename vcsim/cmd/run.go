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
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vchiq/pkg/atomicbitops"
	"gvisor.dev/vchiq/pkg/errors/linuxerr"
	"gvisor.dev/vchiq/pkg/hostarch"
	"gvisor.dev/vchiq/pkg/log"
	"gvisor.dev/vchiq/pkg/sync"
	"gvisor.dev/vchiq/pkg/vchiq/sim"
	"gvisor.dev/vchiq/vcsim/cmd/util"
	"gvisor.dev/vchiq/vcsim/config"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	stats bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a scripted list of transfers against a loopback device"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.yaml> - run the steps of a scenario file in order.
Steps transmit to or receive from a loopback device, change device behaviour,
or group other steps to run concurrently.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.stats, "stats", true, "print transfer statistics when done.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	file, err := os.Open(f.Arg(0))
	if err != nil {
		util.Fatalf("opening scenario: %v", err)
	}
	sc, err := parseScenario(file)
	file.Close()
	if err != nil {
		util.Fatalf("%s: %v", f.Arg(0), err)
	}

	s, err := newStack(ctx, conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	defer s.close()

	rn := newRunner(s, sc)
	if err := rn.run(ctx); err != nil {
		util.Fatalf("%s: %v", f.Arg(0), err)
	}
	fmt.Fprintf(os.Stdout, "%d steps passed\n", rn.passed.Load())
	if r.stats {
		s.printStats(os.Stdout)
	}
	return subcommands.ExitSuccess
}

// runner executes a scenario on a stack.
type runner struct {
	s      *stack
	sc     *Scenario
	layout sim.Layout

	// next is the index of the next buffer address.
	next atomicbitops.Int32

	// passed counts completed steps.
	passed atomicbitops.Int32
}

func newRunner(s *stack, sc *Scenario) *runner {
	// parseScenario has checked the layout.
	layout, _ := sim.ParseLayout(sc.Layout)
	return &runner{s: s, sc: sc, layout: layout}
}

func (rn *runner) run(ctx context.Context) error {
	for i := range rn.sc.Steps {
		if err := rn.step(ctx, &rn.sc.Steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func (rn *runner) step(ctx context.Context, st *Step) error {
	var err error
	switch st.Op {
	case opTransmit, opReceive:
		err = rn.transfer(ctx, st)
	case opDevice:
		rn.s.dev.DropCompletions(st.Drop)
		rn.s.dev.ShortBy(st.Short)
		if st.Fail {
			rn.s.dev.FailNext()
		}
	case opParallel:
		var wg sync.WaitGroupErr
		for i := range st.Steps {
			sub := &st.Steps[i]
			wg.Go(func() error { return rn.step(ctx, sub) })
		}
		err = wg.Error()
	}
	if err != nil {
		return fmt.Errorf("step %q: %w", st.Name, err)
	}
	log.Debugf("Step %q passed", st.Name)
	rn.passed.Add(1)
	return nil
}

func (rn *runner) transfer(ctx context.Context, st *Step) error {
	layout := rn.layout
	if st.Layout != "" {
		var err error
		if layout, err = sim.ParseLayout(st.Layout); err != nil {
			return err
		}
	}
	slot := rn.next.Add(1) - 1
	addr := transmitBase + hostarch.Addr(int(slot)*bufferStride+st.Offset)
	unmap, err := rn.s.buffer(addr, st.Length, layout)
	if err != nil {
		return err
	}
	defer unmap()

	var n int
	if st.Op == opTransmit {
		if err := rn.s.host.AS.Write(addr, st.pattern(st.Length)); err != nil {
			return err
		}
		n, err = rn.s.m.Transmit(ctx, addr, st.Length)
	} else {
		n, err = rn.s.m.Receive(ctx, addr, st.Length)
	}

	if st.Error != "" {
		if want := errorNames[st.Error]; !linuxerr.Equals(want, err) {
			return fmt.Errorf("%s failed with %v, want %s", st.Op, err, st.Error)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s of %d bytes at %v: %w", st.Op, st.Length, addr, err)
	}
	if n != st.want() {
		return fmt.Errorf("%s moved %d bytes, want %d", st.Op, n, st.want())
	}
	if st.Op == opReceive && st.Data != "" {
		got := make([]byte, n)
		if err := rn.s.host.AS.Read(addr, got); err != nil {
			return err
		}
		if !bytes.Equal(got, st.pattern(n)) {
			return fmt.Errorf("received bytes don't repeat %q", st.Data)
		}
	}
	return nil
}
