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
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
	"gvisor.dev/vchiq/pkg/errors"
	"gvisor.dev/vchiq/pkg/errors/linuxerr"
	"gvisor.dev/vchiq/pkg/hostarch"
	"gvisor.dev/vchiq/pkg/vchiq/sim"
)

// Step operations.
const (
	opTransmit = "transmit"
	opReceive  = "receive"
	opDevice   = "device"
	opParallel = "parallel"
)

// Scenario is a scripted list of transfers, read from YAML:
//
//	layout: scattered
//	steps:
//	- op: transmit
//	  offset: 60
//	  length: 4100
//	  data: HEAD
//	- op: receive
//	  offset: 3
//	  length: 4100
//	  data: HEAD
//	- op: device
//	  fail: true
//	- op: transmit
//	  length: 10
//	  error: EIO
type Scenario struct {
	// Layout is the default physical layout of step buffers.
	Layout string `yaml:"layout"`

	// Steps are run in order.
	Steps []Step `yaml:"steps"`
}

// Step is one scenario step.
type Step struct {
	// Name is used in messages. It defaults to the step's position.
	Name string `yaml:"name"`

	// Op is one of transmit, receive, device or parallel.
	Op string `yaml:"op"`

	// Offset is the buffer's offset into its first page.
	Offset int `yaml:"offset"`

	// Length is the buffer length in bytes.
	Length int `yaml:"length"`

	// Layout overrides the scenario layout for this step's buffer.
	Layout string `yaml:"layout"`

	// Data is repeated to fill a transmitted buffer. For a receive it is
	// the pattern the received bytes must repeat. An empty Data transmits
	// zeroes and doesn't check received bytes.
	Data string `yaml:"data"`

	// Want is the expected transfer count. It defaults to Length.
	Want *int `yaml:"want"`

	// Error is the name of the errno the transfer must fail with, e.g.
	// EIO.
	Error string `yaml:"error"`

	// Fail makes the device fail the next transfer.
	Fail bool `yaml:"fail"`

	// Short makes the device transfer Short bytes less than asked.
	Short int `yaml:"short"`

	// Drop makes the device drop completions until a later device step
	// clears it.
	Drop bool `yaml:"drop"`

	// Steps of a parallel step run concurrently.
	Steps []Step `yaml:"steps"`
}

var errorNames = map[string]*errors.Error{
	"EAGAIN":    linuxerr.EAGAIN,
	"EBUSY":     linuxerr.EBUSY,
	"EFAULT":    linuxerr.EFAULT,
	"EINTR":     linuxerr.EINTR,
	"EINVAL":    linuxerr.EINVAL,
	"EIO":       linuxerr.EIO,
	"ENOMEM":    linuxerr.ENOMEM,
	"ESHUTDOWN": linuxerr.ESHUTDOWN,
	"ETIMEDOUT": linuxerr.ETIMEDOUT,
}

// parseScenario reads a scenario from r. Unknown fields are rejected.
func parseScenario(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}
	if sc.Layout == "" {
		sc.Layout = sim.Scattered.String()
	}
	if _, err := sim.ParseLayout(sc.Layout); err != nil {
		return nil, err
	}
	if len(sc.Steps) == 0 {
		return nil, fmt.Errorf("scenario has no steps")
	}
	if err := validateSteps(sc.Steps, "", false); err != nil {
		return nil, err
	}
	return &sc, nil
}

func validateSteps(steps []Step, prefix string, nested bool) error {
	for i := range steps {
		s := &steps[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("%s%d", prefix, i)
		}
		if s.Op == "" && len(s.Steps) > 0 {
			s.Op = opParallel
		}
		if err := s.validate(nested); err != nil {
			return fmt.Errorf("step %q: %w", s.Name, err)
		}
		if s.Op == opParallel {
			if err := validateSteps(s.Steps, s.Name+".", true); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Step) validate(nested bool) error {
	switch s.Op {
	case opTransmit, opReceive:
		if s.Length <= 0 || s.Length > bufferStride-hostarch.PageSize {
			return fmt.Errorf("length %d out of range [1, %d]", s.Length, bufferStride-hostarch.PageSize)
		}
		if s.Offset < 0 || s.Offset >= hostarch.PageSize {
			return fmt.Errorf("offset %d out of range [0, %d)", s.Offset, hostarch.PageSize)
		}
		if s.Layout != "" {
			if _, err := sim.ParseLayout(s.Layout); err != nil {
				return err
			}
		}
		if s.Error != "" {
			if _, ok := errorNames[s.Error]; !ok {
				return fmt.Errorf("unknown error %q", s.Error)
			}
		}
		if s.Want != nil && (*s.Want < 0 || *s.Want > s.Length) {
			return fmt.Errorf("want %d out of range [0, %d]", *s.Want, s.Length)
		}
	case opDevice:
		if s.Short < 0 {
			return fmt.Errorf("negative short %d", s.Short)
		}
	case opParallel:
		if nested {
			return fmt.Errorf("parallel steps cannot be nested")
		}
		if len(s.Steps) == 0 {
			return fmt.Errorf("parallel step has no steps")
		}
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	return nil
}

// want returns the expected transfer count.
func (s *Step) want() int {
	if s.Want != nil {
		return *s.Want
	}
	return s.Length
}

// pattern returns n bytes repeating s.Data.
func (s *Step) pattern(n int) []byte {
	if s.Data == "" {
		return make([]byte, n)
	}
	return bytes.Repeat([]byte(s.Data), n/len(s.Data)+1)[:n]
}
