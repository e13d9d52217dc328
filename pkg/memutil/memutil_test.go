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

package memutil

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestMapSharedAliases(t *testing.T) {
	fd, err := CreateMemFD("memutil_test", unix.MFD_CLOEXEC)
	if err != nil {
		t.Fatalf("CreateMemFD failed: %v", err)
	}
	defer unix.Close(fd)
	size := unix.Getpagesize()
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		t.Fatalf("ftruncate failed: %v", err)
	}
	a, err := MapShared(fd, 0, size)
	if err != nil {
		t.Fatalf("MapShared failed: %v", err)
	}
	defer UnmapSlice(a)
	b, err := MapShared(fd, 0, size)
	if err != nil {
		t.Fatalf("MapShared failed: %v", err)
	}
	defer UnmapSlice(b)

	a[17] = 0x5a
	if b[17] != 0x5a {
		t.Errorf("second mapping did not observe write: got %#x", b[17])
	}
}
