//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

// The backing store is the memory that the buddy allocator partitions. It's a
// fixed-size anonymous memory mapping addressed by offset.
//
// Write() and Read() are string oriented: they stop at the first NUL byte and never
// transfer more than the store's buffer size in one call. They are a convenience for
// text payloads, not a general byte-copy primitive.
//
// The store has no knowledge of the allocator; callers are responsible for keeping
// accesses within the blocks they own.

package backingStore

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	ErrOutOfBounds = errors.New("out-of-bounds")
	ErrClosed      = errors.New("closed")
)

// Store is a bounds-checked byte buffer over [0, size)
type Store struct {
	mem      []byte
	size     uint64
	buffSize int
}

// New maps a store of 'size' bytes; buffSize caps the bytes transferred per
// Write() / Read() call.
func New(size uint64, buffSize int) (*Store, error) {

	if size == 0 {
		return nil, fmt.Errorf("invalid store size: %v", size)
	}

	if buffSize <= 0 {
		return nil, fmt.Errorf("invalid buffer size: %v", buffSize)
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("failed to map %v bytes for the backing store: %w", size, err)
	}

	return &Store{
		mem:      mem,
		size:     size,
		buffSize: buffSize,
	}, nil
}

func (s *Store) Size() uint64 {
	return s.size
}

func (s *Store) BuffSize() int {
	return s.buffSize
}

// inBounds checks that [offset, offset+length) lies within the store
func (s *Store) inBounds(offset uint64, length int) bool {
	return length >= 0 && offset <= s.size && uint64(length) <= s.size-offset
}

// Write copies data into the store at the given offset and returns the number of
// bytes written. Copying stops at the first NUL byte (which is stored but not
// counted) or after BuffSize() bytes.
func (s *Store) Write(offset uint64, data []byte) (int, error) {

	if s.mem == nil {
		return 0, ErrClosed
	}

	if !s.inBounds(offset, len(data)) {
		return 0, ErrOutOfBounds
	}

	n := 0
	for i := 0; i < len(data) && i < s.buffSize; i++ {
		s.mem[offset+uint64(i)] = data[i]
		if data[i] == 0 {
			break
		}
		n++
	}

	return n, nil
}

// Read returns the bytes at the given offset, up to the first NUL byte or
// min(maxLen, BuffSize()) bytes.
func (s *Store) Read(offset uint64, maxLen int) ([]byte, error) {

	if s.mem == nil {
		return nil, ErrClosed
	}

	if !s.inBounds(offset, maxLen) {
		return nil, ErrOutOfBounds
	}

	buf := make([]byte, 0, min(maxLen, s.buffSize))
	for i := 0; i < maxLen && i < s.buffSize; i++ {
		b := s.mem[offset+uint64(i)]
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}

	return buf, nil
}

// Close unmaps the store
func (s *Store) Close() error {

	if s.mem == nil {
		return nil
	}

	if err := unix.Munmap(s.mem); err != nil {
		return fmt.Errorf("failed to unmap the backing store: %w", err)
	}

	s.mem = nil
	return nil
}
