//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

package buddyAlloc

import "fmt"

// BlockState is the state of a node in the buddy tree
type BlockState int

const (
	Free      BlockState = iota // leaf, available
	Allocated                   // leaf, handed out by Alloc()
	Split                       // inner node with two children
)

func (s BlockState) String() string {
	switch s {
	case Free:
		return "free"
	case Allocated:
		return "allocated"
	case Split:
		return "split"
	}
	return fmt.Sprintf("BlockState(%d)", int(s))
}

// handle indexes a node in the arena
type handle int32

const nilHandle handle = -1

// node is one node of the buddy tree; children exist iff state == Split
type node struct {
	start  uint64
	size   uint64
	state  BlockState
	parent handle
	left   handle
	right  handle
}

func (n *node) isLeaf() bool {
	return n.state != Split
}

func (n *node) end() uint64 {
	return n.start + n.size
}

// Block describes a leaf of the buddy tree
type Block struct {
	Start uint64
	Size  uint64
	State BlockState
}

// End returns the first offset past the block
func (b Block) End() uint64 {
	return b.Start + b.Size
}

func (b Block) String() string {
	return fmt.Sprintf("{%v, %v, %v}", b.Start, b.Size, b.State)
}
