//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package poolMgr

import (
	"errors"
	"fmt"

	"github.com/nestybox/buddy-mgr/lib/backingStore"
	"github.com/nestybox/buddy-mgr/lib/buddyAlloc"
	"golang.org/x/sys/unix"
)

// ErrInvalidArg is returned for negative references or lengths, or buffer
// operations with no target set
var ErrInvalidArg = errors.New("invalid-argument")

// Error code <-> error mapping; codes are returned negated.
var codeTable = []struct {
	errno unix.Errno
	err   error
}{
	// ErrDoubleFree must precede ErrInvalidRef, as it wraps it
	{unix.EALREADY, buddyAlloc.ErrDoubleFree},
	{unix.ENOENT, buddyAlloc.ErrInvalidRef},
	{unix.ENOSPC, buddyAlloc.ErrNoSpace},
	{unix.EINVAL, buddyAlloc.ErrInvalidSize},
	{unix.EINVAL, ErrInvalidArg},
	{unix.EFAULT, backingStore.ErrOutOfBounds},
	{unix.EBADF, ErrClosed},
	{unix.EBADF, backingStore.ErrClosed},
}

// ErrCode converts an error returned by the pool manager into a negative error code
// (0 for nil)
func ErrCode(err error) int64 {

	if err == nil {
		return 0
	}

	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return -int64(c.errno)
		}
	}

	return -int64(unix.EIO)
}

// CodeErr converts a negative error code back into an error (nil for codes >= 0)
func CodeErr(code int64) error {

	if code >= 0 {
		return nil
	}

	errno := unix.Errno(-code)

	switch errno {
	case unix.EINVAL:
		return ErrInvalidArg
	case unix.EBADF:
		return ErrClosed
	}

	for _, c := range codeTable {
		if c.errno == errno {
			return c.err
		}
	}

	return fmt.Errorf("pool error: %w", errno)
}
