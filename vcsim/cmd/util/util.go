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

// Package util groups helpers shared by vcsim commands.
package util

import (
	"fmt"
	"io"
	"os"

	"gvisor.dev/vchiq/pkg/log"
)

// ErrorLogger receives fatal error messages in addition to stderr.
var ErrorLogger io.Writer

// Fatalf writes the message to stderr and ErrorLogger, logs it, and exits
// with status 128.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	writeError(msg)
	os.Exit(128)
}

func writeError(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	if ErrorLogger != nil {
		fmt.Fprintln(ErrorLogger, msg)
	}
}
