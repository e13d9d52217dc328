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

package log

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg...
//
// L is the level (D, I or W) and pid is right aligned in 7 columns.
type GoogleEmitter struct {
	*Writer
}

// levelChar maps a level to its header character.
var levelChar = [...]byte{
	Warning: 'W',
	Info:    'I',
	Debug:   'D',
}

// pid is the padded process id column of the header.
var pid = fmt.Sprintf("%7d", os.Getpid())

// appendDigits appends the low n decimal digits of v, zero padded.
func appendDigits(b []byte, v, n int) []byte {
	var d [8]byte
	for i := n - 1; i >= 0; i-- {
		d[i] = '0' + byte(v%10)
		v /= 10
	}
	return append(b, d[:n]...)
}

// caller returns "file:line" for the frame depth levels above the caller of
// Emit.
func caller(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		return "x:0"
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// header appends the glog header for a message to b.
func header(b []byte, level Level, ts time.Time, where string) []byte {
	c := byte('?')
	if int(level) < len(levelChar) {
		c = levelChar[level]
	}
	_, month, day := ts.Date()
	hour, minute, second := ts.Clock()
	b = append(b, c)
	b = appendDigits(b, int(month), 2)
	b = appendDigits(b, day, 2)
	b = append(b, ' ')
	b = appendDigits(b, hour, 2)
	b = append(b, ':')
	b = appendDigits(b, minute, 2)
	b = append(b, ':')
	b = appendDigits(b, second, 2)
	b = append(b, '.')
	b = appendDigits(b, ts.Nanosecond()/1000, 6)
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')
	b = append(b, where...)
	return append(b, "] "...)
}

// Emit implements Emitter.Emit.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	// Most headers fit the local array, keeping the line off the heap.
	var local [256]byte
	line := header(local[:0], level, timestamp, caller(depth))
	line = append(line, format...)
	line = append(line, '\n')
	g.Writer.Emit(depth+1, level, timestamp, string(line), args...)
}
