//
// buddy-mgr interfaces
//

package intf

import (
	"github.com/nestybox/buddy-mgr/lib/buddyAlloc"
)

// The BlockAlloc interface defines the interface exposed by the entity that
// partitions the pool into blocks
type BlockAlloc interface {

	// Allocates an unused block of at least 'size' bytes and returns its start offset;
	// possible errors are nil, "exhausted", or "invalid-size".
	Alloc(size uint64) (uint64, error)

	// Free releases a block previously returned by Alloc(); possible errors are nil,
	// "invalid-ref", or "double-free" (which is also an "invalid-ref").
	Free(start uint64) error

	// Lookup returns the block containing the given offset.
	Lookup(offset uint64) (buddyAlloc.Block, error)

	Usage() buddyAlloc.Usage
	Destroy()
}

// The Store interface defines the byte storage behind the pool
type Store interface {
	Write(offset uint64, data []byte) (int, error)
	Read(offset uint64, maxLen int) ([]byte, error)
	Size() uint64
	BuffSize() int
	Close() error
}

// PoolStats summarizes the state of a pool
type PoolStats struct {
	PoolSize  uint64
	BuffSize  int
	Allocated uint64
	Free      uint64
	Blocks    int
	Nodes     int
}

// The PoolMgr interface defines the interface exposed by the pool manager to the
// request transport. All operations are serialized.
type PoolMgr interface {
	Alloc(size uint64) (uint64, error)
	Free(ref uint64) error
	Write(ref uint64, data []byte) (int, error)
	Read(ref uint64, maxLen int) ([]byte, error)
	Stats() PoolStats
	Close() error
}
