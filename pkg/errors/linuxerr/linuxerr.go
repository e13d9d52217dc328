// Copyright 2021 The gVisor Authors.
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

// Package linuxerr contains the error codes returned by the vchiq packages,
// exported as an error interface pointers. This allows for fast comparison
// and return operations comperable to unix.Errno constants.
package linuxerr

import (
	"context"
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/vchiq/pkg/errors"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. Since the types are distinct they are not directly comparable,
// but the Errno method returns an Errno number such that
// unix.Errno(ENOMEM.Errno()) == unix.ENOMEM is true.
var (
	noError *errors.Error = nil

	// ENOMEM is returned when descriptor or metadata allocation fails.
	ENOMEM = errors.New(unix.ENOMEM, "out of memory")

	// EFAULT is returned when fewer pages than requested could be pinned.
	EFAULT = errors.New(unix.EFAULT, "bad address: partial pin")

	// EAGAIN is returned by non-blocking fragment acquisition when the pool
	// is exhausted.
	EAGAIN = errors.New(unix.EAGAIN, "try again: no fragment slot")

	// EINTR is returned when a blocking wait is cancelled.
	EINTR = errors.New(unix.EINTR, "interrupted")

	// ETIMEDOUT is returned when the remote side never completes a bulk
	// transfer.
	ETIMEDOUT = errors.New(unix.ETIMEDOUT, "remote timed out")

	// EINVAL is returned for malformed requests.
	EINVAL = errors.New(unix.EINVAL, "invalid argument")

	// ESHUTDOWN is returned once a channel or manager has been shut down.
	ESHUTDOWN = errors.New(unix.ESHUTDOWN, "channel shut down")

	// EIO is returned when the remote side reports a failed transfer.
	EIO = errors.New(unix.EIO, "I/O error")

	// EBUSY is returned when a resource is still in use.
	EBUSY = errors.New(unix.EBUSY, "device or resource busy")
)

var errorMap = map[unix.Errno]*errors.Error{
	unix.ENOMEM:    ENOMEM,
	unix.EFAULT:    EFAULT,
	unix.EAGAIN:    EAGAIN,
	unix.EINTR:     EINTR,
	unix.ETIMEDOUT: ETIMEDOUT,
	unix.EINVAL:    EINVAL,
	unix.ESHUTDOWN: ESHUTDOWN,
	unix.EIO:       EIO,
	unix.EBUSY:     EBUSY,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno. Errnos without a
// dedicated value are returned unchanged.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorMap[err]; ok {
		return e
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error. Wrapped errors are unwrapped.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	if e == noError {
		return false
	}
	if goerrors.Is(err, e) {
		return true
	}
	var errno unix.Errno
	return goerrors.As(err, &errno) && errno == e.Errno()
}

// FromContext converts the error returned by a cancelled or expired
// context into EINTR, leaving other errors unchanged.
func FromContext(err error) error {
	if goerrors.Is(err, context.Canceled) || goerrors.Is(err, context.DeadlineExceeded) {
		return EINTR
	}
	return err
}
