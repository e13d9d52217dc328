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

package linuxerr

import (
	"context"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestEquals(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want bool
	}{
		{"same", EFAULT, true},
		{"wrapped", fmt.Errorf("pinning: %w", EFAULT), true},
		{"errno", unix.EFAULT, true},
		{"other", EAGAIN, false},
		{"nil", nil, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Equals(EFAULT, tc.err); got != tc.want {
				t.Errorf("Equals(EFAULT, %v) = %t, want %t", tc.err, got, tc.want)
			}
		})
	}
	if !Equals(noError, nil) {
		t.Errorf("Equals(nil, nil) = false")
	}
}

func TestErrorFromUnix(t *testing.T) {
	if err := ErrorFromUnix(0); err != nil {
		t.Errorf("ErrorFromUnix(0) = %v, want nil", err)
	}
	if err := ErrorFromUnix(unix.ETIMEDOUT); err != ETIMEDOUT {
		t.Errorf("ErrorFromUnix(ETIMEDOUT) = %v, want %v", err, ETIMEDOUT)
	}
	if err := ErrorFromUnix(unix.EPERM); err != unix.EPERM {
		t.Errorf("ErrorFromUnix(EPERM) = %v, want %v", err, unix.EPERM)
	}
	if got := ToUnix(ENOMEM); got != unix.ENOMEM {
		t.Errorf("ToUnix(ENOMEM) = %v", got)
	}
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := FromContext(ctx.Err()); err != EINTR {
		t.Errorf("FromContext(%v) = %v, want EINTR", ctx.Err(), err)
	}
	if err := FromContext(EIO); err != EIO {
		t.Errorf("FromContext(EIO) = %v, want EIO", err)
	}
}
