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

// The pool manager ties the buddy allocator to the backing store it partitions, and
// is the only entry point through which requests reach either of them.
//
// All operations (alloc, free, write, read) are serialized under a single lock, so a
// write or read never races with a free that coalesces the block it targets.
//
// When strict bounds checking is enabled, writes and reads must fall within a
// currently allocated block. Otherwise only the pool boundaries are enforced and a
// caller may write across block boundaries.

package poolMgr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nestybox/buddy-mgr/intf"
	"github.com/nestybox/buddy-mgr/lib/backingStore"
	"github.com/nestybox/buddy-mgr/lib/buddyAlloc"
)

var ErrClosed = errors.New("pool-closed")

// Config holds the pool manager's settings
type Config struct {
	PoolSize     uint64 // bytes; must be a power of 2
	BuffSize     int    // max bytes per write / read
	StrictBounds bool   // confine writes / reads to allocated blocks
}

type mgr struct {
	cfg    Config
	alloc  intf.BlockAlloc
	store  intf.Store
	closed bool
	mu     sync.Mutex // serializes all pool operations
}

// New creates a pool manager, along with its backing store and allocator
func New(cfg Config) (intf.PoolMgr, error) {

	if !buddyAlloc.IsPowerOfTwo(cfg.PoolSize) {
		return nil, fmt.Errorf("pool size must be a power of 2; got %v", cfg.PoolSize)
	}

	if cfg.BuffSize <= 0 {
		return nil, fmt.Errorf("buffer size must be > 0; got %v", cfg.BuffSize)
	}

	store, err := backingStore.New(cfg.PoolSize, cfg.BuffSize)
	if err != nil {
		return nil, fmt.Errorf("failed to setup backing store: %v", err)
	}

	alloc, err := buddyAlloc.New(cfg.PoolSize)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to setup buddy allocator: %v", err)
	}

	return newMgr(cfg, alloc, store), nil
}

func newMgr(cfg Config, alloc intf.BlockAlloc, store intf.Store) *mgr {
	return &mgr{
		cfg:   cfg,
		alloc: alloc,
		store: store,
	}
}

func (m *mgr) Alloc(size uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	return m.alloc.Alloc(size)
}

func (m *mgr) Free(ref uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	return m.alloc.Free(ref)
}

func (m *mgr) Write(ref uint64, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	if m.cfg.StrictBounds {
		if err := m.checkBounds(ref, len(data)); err != nil {
			return 0, err
		}
	}

	return m.store.Write(ref, data)
}

func (m *mgr) Read(ref uint64, maxLen int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	if m.cfg.StrictBounds {
		if err := m.checkBounds(ref, maxLen); err != nil {
			return nil, err
		}
	}

	return m.store.Read(ref, maxLen)
}

// checkBounds verifies that [ref, ref+length) lies within an allocated block; ranges
// running past the pool are out of bounds regardless of the block. This function
// assumes m.mu is held.
func (m *mgr) checkBounds(ref uint64, length int) error {

	size := m.store.Size()

	if length < 0 || ref > size || uint64(length) > size-ref {
		return backingStore.ErrOutOfBounds
	}

	blk, err := m.alloc.Lookup(ref)
	if err != nil {
		return err
	}

	if blk.State != buddyAlloc.Allocated {
		return buddyAlloc.ErrInvalidRef
	}

	if uint64(length) > blk.End()-ref {
		return backingStore.ErrOutOfBounds
	}

	return nil
}

func (m *mgr) Stats() intf.PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.alloc.Usage()

	return intf.PoolStats{
		PoolSize:  u.Size,
		BuffSize:  m.store.BuffSize(),
		Allocated: u.Allocated,
		Free:      u.Free,
		Blocks:    u.Blocks,
		Nodes:     u.Nodes,
	}
}

// Close tears down the allocator's tree and releases the backing store
func (m *mgr) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.alloc.Destroy()
	m.closed = true

	return m.store.Close()
}
