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

// Package config provides basic infrastructure to set configuration settings
// for vcsim. Each setting that can be changed from the command line must have
// a `flag` tag and be registered in RegisterFlags.
package config

import (
	"fmt"
	"time"

	"gvisor.dev/vchiq/pkg/hostarch"
	"gvisor.dev/vchiq/pkg/log"
	"gvisor.dev/vchiq/pkg/vchiq/channel"
)

// Config holds configuration that is not part of a scenario.
type Config struct {
	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFormat is the format used for log messages.
	LogFormat LogFormat `flag:"log-format"`

	// DebugLog is the path to log debug information to, if not empty. It
	// may contain %TIMESTAMP% and %COMMAND%.
	DebugLog string `flag:"debug-log"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// Frames is the number of physical page frames of the simulated host.
	Frames int `flag:"frames"`

	// RegionSize is the size of the channel slot area in bytes.
	RegionSize int `flag:"region-size"`

	// CacheLine is the cache line size used for fragment staging.
	CacheLine int `flag:"cache-line"`

	// Bulks is the number of bulk transfers that may be in flight at once.
	Bulks int `flag:"bulks"`

	// Timeout bounds how long a transfer waits for the remote. Zero waits
	// forever.
	Timeout time.Duration `flag:"timeout"`

	// NonBlocking makes transfers fail with EAGAIN instead of waiting when
	// no fragment slot is free.
	NonBlocking bool `flag:"non-blocking"`
}

// Channel returns the channel configuration described by c.
func (c *Config) Channel() channel.Config {
	return channel.Config{
		RegionSize:    c.RegionSize,
		CacheLineSize: c.CacheLine,
		MaxBulks:      c.Bulks,
	}
}

func (c *Config) validate() error {
	if c.Frames <= 0 {
		return fmt.Errorf("--frames must be positive, got %d", c.Frames)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("--timeout must not be negative, got %v", c.Timeout)
	}
	cc := c.Channel()
	if err := cc.Validate(); err != nil {
		return fmt.Errorf("invalid channel configuration: %w", err)
	}
	// The frames must hold the slot area with room left over for the
	// fragments and page lists.
	if slots := c.RegionSize / hostarch.PageSize; c.Frames <= slots {
		return fmt.Errorf("--frames=%d cannot hold a %d byte region", c.Frames, c.RegionSize)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Frames: %d", c.Frames)
	log.Infof("Config.RegionSize: %#x", c.RegionSize)
	log.Infof("Config.CacheLine: %d", c.CacheLine)
	log.Infof("Config.Bulks: %d", c.Bulks)
	log.Infof("Config.Timeout: %v", c.Timeout)
	log.Infof("Config.NonBlocking: %t", c.NonBlocking)
	log.Debugf("Config.LogFormat: %v", c.LogFormat)
	log.Debugf("Config.DebugLog: %q", c.DebugLog)
	log.Debugf("Config.AlsoLogToStderr: %t", c.AlsoLogToStderr)
}

// LogFormat selects the log message encoding.
type LogFormat string

const (
	// LogFormatText is the glog style text format.
	LogFormatText LogFormat = "text"

	// LogFormatJSON is one JSON object per message.
	LogFormatJSON LogFormat = "json"

	// LogFormatK8sJSON is one JSON object per message, in the format used
	// by Kubernetes.
	LogFormatK8sJSON LogFormat = "json-k8s"
)

func logFormatPtr(v LogFormat) *LogFormat {
	return &v
}

// Set implements flag.Value.
func (l *LogFormat) Set(v string) error {
	switch LogFormat(v) {
	case LogFormatText, LogFormatJSON, LogFormatK8sJSON:
		*l = LogFormat(v)
		return nil
	}
	return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", v)
}

// Get implements flag.Getter.
func (l *LogFormat) Get() any {
	return *l
}

// String implements flag.Value.
func (l LogFormat) String() string {
	return string(l)
}

// Emitter returns an emitter writing messages in format l.
func (l LogFormat) Emitter(w *log.Writer) log.Emitter {
	switch l {
	case LogFormatJSON:
		return log.JSONEmitter{Writer: w}
	case LogFormatK8sJSON:
		return log.K8sJSONEmitter{Writer: w}
	default:
		return log.GoogleEmitter{Writer: w}
	}
}
