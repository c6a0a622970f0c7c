//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

package buddyAlloc

// arena owns all the tree nodes; released slots are recycled
type arena struct {
	nodes     []node
	freeSlots []handle
}

// get returns the node for the given handle
func (a *arena) get(h handle) *node {
	return &a.nodes[h]
}

// alloc stores a new free leaf and returns its handle
func (a *arena) alloc(start, size uint64, parent handle) handle {
	n := node{
		start:  start,
		size:   size,
		state:  Free,
		parent: parent,
		left:   nilHandle,
		right:  nilHandle,
	}

	if l := len(a.freeSlots); l > 0 {
		h := a.freeSlots[l-1]
		a.freeSlots = a.freeSlots[:l-1]
		a.nodes[h] = n
		return h
	}

	a.nodes = append(a.nodes, n)
	return handle(len(a.nodes) - 1)
}

// release returns the slot of the given node to the arena
func (a *arena) release(h handle) {
	a.nodes[h] = node{parent: nilHandle, left: nilHandle, right: nilHandle}
	a.freeSlots = append(a.freeSlots, h)
}

// live returns the number of nodes currently in the tree
func (a *arena) live() int {
	return len(a.nodes) - len(a.freeSlots)
}

// reset drops all nodes
func (a *arena) reset() {
	a.nodes = a.nodes[:0]
	a.freeSlots = a.freeSlots[:0]
}
