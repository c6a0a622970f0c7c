// Implementation of a tree-based buddy allocator.
//
// The Buddy class manages a range [0, size) where size is a power of two, and
// allows a user to allocate and free power-of-two sized portions of that range.
//
// A Buddy object is created with New(), allocations are performed with Alloc(), and
// freeing is performed with Free().
//
// Internally the range is described by a binary tree. Each node covers a
// power-of-two extent and is either a free leaf, an allocated leaf, or split in two
// halves (its buddies). The leaves always partition the whole range.
//
// Alloc() descends the tree left-first. When it reaches a free leaf that is more
// than twice the requested size, it splits the leaf and continues into the left
// half; it stops at the first free leaf whose size lies within [size, 2*size].
// The returned value is the start offset of that leaf.
//
// Free() locates the leaf at the given offset, marks it free, and then walks back
// up the tree merging (coalescing) both children of each ancestor for as long as
// they are free leaves.
//
// Allocations and frees are done in O(log2(n)), where n is the range size. There
// is no per-allocation metadata other than the tree itself. Nodes are kept in an
// arena and referenced by handle; node slots released by coalescing are reused.

package buddyAlloc

import (
	"fmt"
	"sync"
)

const rootHandle handle = 0

// Usage summarizes the state of a Buddy object
type Usage struct {
	Size      uint64 // range size
	Allocated uint64 // bytes in allocated leaves
	Free      uint64 // bytes in free leaves
	Blocks    int    // number of allocated leaves
	Nodes     int    // number of nodes in the tree
}

// Buddy represents an instance of a buddy allocator
type Buddy struct {
	size  uint64
	arena arena
	mu    sync.Mutex
}

// New creates a buddy allocator for the range [0, size); size must be a power of
// two and at least 2.
func New(size uint64) (*Buddy, error) {

	if size < 2 || !IsPowerOfTwo(size) {
		return nil, fmt.Errorf("size must be a power of 2 (>= 2); got %v", size)
	}

	b := &Buddy{
		size: size,
	}
	b.arena.alloc(0, size, nilHandle)

	return b, nil
}

// Size returns the size of the range managed by the allocator
func (b *Buddy) Size() uint64 {
	return b.size
}

// Alloc allocates an unused block of at least the given size and returns its start.
func (b *Buddy) Alloc(size uint64) (uint64, error) {

	if size == 0 {
		return 0, ErrInvalidSize
	}

	if size > b.size {
		return 0, ErrNoSpace
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	start, ok := b.alloc(rootHandle, size)
	if !ok {
		return 0, ErrNoSpace
	}

	return start, nil
}

// alloc searches the subtree at h for a block of the given size; ok is false if
// the subtree can't satisfy the request. This function assumes b.mu is held.
func (b *Buddy) alloc(h handle, size uint64) (start uint64, ok bool) {
	n := b.arena.get(h)

	if n.state == Split {
		right := n.right
		if start, ok = b.alloc(n.left, size); ok {
			return start, true
		}
		return b.alloc(right, size)
	}

	if n.state != Free || n.size < size {
		return 0, false
	}

	if n.size/2 > size {
		b.split(h)
		return b.alloc(b.arena.get(h).left, size)
	}

	n.state = Allocated
	return n.start, true
}

// split divides the free leaf at h into two free halves
func (b *Buddy) split(h handle) {
	n := b.arena.get(h)
	start, half := n.start, n.size/2

	// the arena may grow here, so n must be reloaded afterwards
	left := b.arena.alloc(start, half, h)
	right := b.arena.alloc(start+half, half, h)

	n = b.arena.get(h)
	n.left = left
	n.right = right
	n.state = Split
}

// Free deallocates the block starting at the given offset; the offset must have been
// returned by a prior call to Alloc().
func (b *Buddy) Free(start uint64) error {

	if start >= b.size {
		return ErrInvalidRef
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.find(start)
	n := b.arena.get(h)

	if n.start != start {
		return ErrInvalidRef
	}

	if n.state == Free {
		return ErrDoubleFree
	}

	n.state = Free
	b.coalesce(n.parent)

	return nil
}

// coalesce merges the children of h (and then of its ancestors) while both of them
// are free leaves. This function assumes b.mu is held.
func (b *Buddy) coalesce(h handle) {
	for h != nilHandle {
		n := b.arena.get(h)

		left := b.arena.get(n.left)
		right := b.arena.get(n.right)

		if left.state != Free || right.state != Free {
			return
		}

		b.arena.release(n.left)
		b.arena.release(n.right)

		n.left = nilHandle
		n.right = nilHandle
		n.state = Free

		h = n.parent
	}
}

// find returns the leaf whose range contains the given offset (which must be
// within range). This function assumes b.mu is held.
func (b *Buddy) find(offset uint64) handle {
	h := rootHandle

	for {
		n := b.arena.get(h)
		if n.isLeaf() {
			return h
		}

		if offset < b.arena.get(n.right).start {
			h = n.left
		} else {
			h = n.right
		}
	}
}

// Lookup returns the leaf block that contains the given offset
func (b *Buddy) Lookup(offset uint64) (Block, error) {

	if offset >= b.size {
		return Block{}, ErrInvalidRef
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.arena.get(b.find(offset))

	return Block{n.start, n.size, n.state}, nil
}

// Blocks returns the leaves of the tree, ordered by start offset
func (b *Buddy) Blocks() []Block {
	b.mu.Lock()
	defer b.mu.Unlock()

	blocks := []Block{}
	b.walk(rootHandle, func(n *node) {
		blocks = append(blocks, Block{n.start, n.size, n.state})
	})

	return blocks
}

// walk calls fn on each leaf under h, left to right
func (b *Buddy) walk(h handle, fn func(n *node)) {
	n := b.arena.get(h)

	if n.isLeaf() {
		fn(n)
		return
	}

	b.walk(n.left, fn)
	b.walk(n.right, fn)
}

// Usage returns usage stats for the allocator
func (b *Buddy) Usage() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()

	u := Usage{
		Size:  b.size,
		Nodes: b.arena.live(),
	}

	b.walk(rootHandle, func(n *node) {
		if n.state == Allocated {
			u.Allocated += n.size
			u.Blocks++
		} else {
			u.Free += n.size
		}
	})

	return u
}

// Destroy tears down the tree; on return the whole range is a single free block.
func (b *Buddy) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.arena.reset()
	b.arena.alloc(0, b.size, nilHandle)
}
