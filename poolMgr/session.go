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
	"sync"

	"github.com/google/uuid"
	"github.com/nestybox/buddy-mgr/intf"
	"github.com/nestybox/buddy-mgr/lib/buddyAlloc"
	"github.com/sirupsen/logrus"
)

const noTarget int64 = -1

// Session is a client's view of the pool. It exposes the pool operations with
// integer results (block references or byte counts, or a negative error code; see
// ErrCode()), and carries the write and read targets of the two-step
// "set target, then transfer buffer" protocol.
type Session struct {
	id   uuid.UUID
	pool intf.PoolMgr
	wref int64
	rref int64
	mu   sync.Mutex // protects wref and rref
}

func NewSession(pool intf.PoolMgr) *Session {
	return &Session{
		id:   uuid.New(),
		pool: pool,
		wref: noTarget,
		rref: noTarget,
	}
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

// Allocate returns the reference of a new block of at least 'size' bytes
func (s *Session) Allocate(size uint32) int64 {
	logrus.Debugf("session %s: allocating [%d] bytes", s.id, size)

	ref, err := s.pool.Alloc(uint64(size))
	if err != nil {
		logrus.Debugf("session %s: alloc of [%d] bytes failed: %v", s.id, size, err)
		return ErrCode(err)
	}

	return int64(ref)
}

// Free releases the block at the given reference; returns 0 on success
func (s *Session) Free(ref int64) int32 {
	logrus.Debugf("session %s: freeing block at reference [%d]", s.id, ref)

	if ref < 0 {
		return int32(ErrCode(buddyAlloc.ErrInvalidRef))
	}

	if err := s.pool.Free(uint64(ref)); err != nil {
		logrus.Debugf("session %s: free of reference [%d] failed: %v", s.id, ref, err)
		return int32(ErrCode(err))
	}

	return 0
}

// SetWriteTarget sets the reference used by subsequent WriteBuffer() calls
func (s *Session) SetWriteTarget(ref int64) int64 {
	if ref < 0 {
		return ErrCode(ErrInvalidArg)
	}

	s.mu.Lock()
	s.wref = ref
	s.mu.Unlock()

	return ref
}

// WriteBuffer writes data at the current write target; returns the bytes written
func (s *Session) WriteBuffer(data []byte) int64 {
	s.mu.Lock()
	ref := s.wref
	s.mu.Unlock()

	if ref == noTarget {
		return ErrCode(ErrInvalidArg)
	}

	return s.Write(ref, data)
}

// SetReadTarget sets the reference used by subsequent ReadBuffer() calls
func (s *Session) SetReadTarget(ref int64) int64 {
	if ref < 0 {
		return ErrCode(ErrInvalidArg)
	}

	s.mu.Lock()
	s.rref = ref
	s.mu.Unlock()

	return ref
}

// ReadBuffer reads up to maxLen bytes at the current read target; returns the bytes
// read along with their count
func (s *Session) ReadBuffer(maxLen int) ([]byte, int64) {
	s.mu.Lock()
	ref := s.rref
	s.mu.Unlock()

	if ref == noTarget {
		return nil, ErrCode(ErrInvalidArg)
	}

	return s.Read(ref, maxLen)
}

// Write is the single-call form of SetWriteTarget() + WriteBuffer()
func (s *Session) Write(ref int64, data []byte) int64 {
	if ref < 0 {
		return ErrCode(ErrInvalidArg)
	}

	n, err := s.pool.Write(uint64(ref), data)
	if err != nil {
		return ErrCode(err)
	}

	return int64(n)
}

// Read is the single-call form of SetReadTarget() + ReadBuffer()
func (s *Session) Read(ref int64, maxLen int) ([]byte, int64) {
	if ref < 0 || maxLen < 0 {
		return nil, ErrCode(ErrInvalidArg)
	}

	buf, err := s.pool.Read(uint64(ref), maxLen)
	if err != nil {
		return nil, ErrCode(err)
	}

	return buf, int64(len(buf))
}
