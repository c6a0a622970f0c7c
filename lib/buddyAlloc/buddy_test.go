//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

package buddyAlloc

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"

	mapset "github.com/deckarep/golang-set"
)

// checkTree verifies the structural invariants of the buddy tree
func checkTree(t *testing.T, b *Buddy) {
	t.Helper()

	var next uint64
	nodes := 0

	var check func(h, parent handle)
	check = func(h, parent handle) {
		n := b.arena.get(h)
		nodes++

		if n.parent != parent {
			t.Fatalf("node %v: parent = %v; want %v", Block{n.start, n.size, n.state}, n.parent, parent)
		}
		if !IsPowerOfTwo(n.size) {
			t.Fatalf("node %v: size not a power of 2", Block{n.start, n.size, n.state})
		}

		switch n.state {
		case Free, Allocated:
			if n.left != nilHandle || n.right != nilHandle {
				t.Fatalf("leaf %v has children", Block{n.start, n.size, n.state})
			}
			// leaves must tile the range in order
			if n.start != next {
				t.Fatalf("leaf %v: gap or overlap (want start %v)", Block{n.start, n.size, n.state}, next)
			}
			next = n.end()

		case Split:
			if n.left == nilHandle || n.right == nilHandle {
				t.Fatalf("split node %v is missing children", Block{n.start, n.size, n.state})
			}
			l := b.arena.get(n.left)
			r := b.arena.get(n.right)
			if l.size != n.size/2 || r.size != n.size/2 || l.start != n.start || r.start != n.start+n.size/2 {
				t.Fatalf("split node %v: bad children %v %v", Block{n.start, n.size, n.state},
					Block{l.start, l.size, l.state}, Block{r.start, r.size, r.state})
			}
			if l.state == Free && r.state == Free {
				t.Fatalf("split node %v: both children are free", Block{n.start, n.size, n.state})
			}
			check(n.left, h)
			check(n.right, h)

		default:
			t.Fatalf("node %v: invalid state", Block{n.start, n.size, n.state})
		}
	}

	check(rootHandle, nilHandle)

	if next != b.size {
		t.Fatalf("leaves cover [0, %v); want [0, %v)", next, b.size)
	}
	if nodes != b.arena.live() {
		t.Fatalf("tree has %v nodes; arena has %v live nodes", nodes, b.arena.live())
	}
}

func TestNewLimits(t *testing.T) {

	var tests = []struct {
		size    uint64
		wantErr bool
	}{
		{0, true},
		{1, true},
		{3, true},
		{1000, true},
		{2, false},
		{1024, false},
		{1 << 22, false},
	}

	for _, test := range tests {
		_, err := New(test.size)
		if (err != nil) != test.wantErr {
			t.Errorf("New(%v): got err = %v; want err = %v", test.size, err, test.wantErr)
		}
	}
}

type allocTest struct {
	size    uint64
	wantID  uint64
	wantErr error
}

func testAlloc(t *testing.T, buddy *Buddy, tests []allocTest) {

	for _, test := range tests {
		got, gotErr := buddy.Alloc(test.size)

		if gotErr != test.wantErr || got != test.wantID {
			t.Errorf("Alloc(%v) failed: got = %v, err = %v; want = %v, want-err = %v",
				test.size, got, gotErr, test.wantID, test.wantErr)
		}

		checkTree(t, buddy)
	}
}

func TestAllocBasic(t *testing.T) {

	buddy, err := New(1024)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	var tests = []allocTest{
		// size, start, error
		{0, 0, ErrInvalidSize},
		{2048, 0, ErrNoSpace},
		{100, 0, nil},
		{100, 128, nil},
		{200, 256, nil},
		{500, 512, nil},
		{1, 0, ErrNoSpace},
	}

	testAlloc(t, buddy, tests)
}

func TestAllocBlockSize(t *testing.T) {

	buddy, err := New(1024)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	var tests = []struct {
		size      uint64
		wantStart uint64
		wantSize  uint64
	}{
		// 1024 -> 512 -> 256 -> 128
		{100, 0, 128},
		// a free block up to twice the request is taken as is
		{64, 128, 128},
		// halving stops at the first block <= 2*size
		{128, 256, 256},
		{1, 512, 2},
		{1, 514, 2},
	}

	for _, test := range tests {
		start, err := buddy.Alloc(test.size)
		if err != nil {
			t.Fatalf("Alloc(%v) failed: %v", test.size, err)
		}

		blk, err := buddy.Lookup(start)
		if err != nil {
			t.Fatalf("Lookup(%v) failed: %v", start, err)
		}

		if start != test.wantStart || blk.Size != test.wantSize || blk.State != Allocated {
			t.Errorf("Alloc(%v): got block %v; want {%v, %v, allocated}", test.size, blk, test.wantStart, test.wantSize)
		}

		checkTree(t, buddy)
	}
}

func TestAllocExhausted(t *testing.T) {

	buddy, err := New(8)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	var tests = []allocTest{
		{1, 0, nil},
		{1, 2, nil},
		{1, 4, nil},
		{1, 6, nil},
		{1, 0, ErrNoSpace},
	}

	testAlloc(t, buddy, tests)
}

func TestAllocWholeRange(t *testing.T) {

	buddy, err := New(1024)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	var tests = []allocTest{
		{1024, 0, nil},
		{1, 0, ErrNoSpace},
	}

	testAlloc(t, buddy, tests)

	if err := buddy.Free(0); err != nil {
		t.Errorf("Free(0) failed: %v", err)
	}

	if got := buddy.Blocks(); !reflect.DeepEqual(got, []Block{{0, 1024, Free}}) {
		t.Errorf("Blocks() = %v; want a single free block", got)
	}
}

func TestAllocNoSpaceNoMutation(t *testing.T) {

	buddy, err := New(1024)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if _, err := buddy.Alloc(300); err != nil {
		t.Fatalf("Alloc(300) failed: %v", err)
	}

	before := buddy.Blocks()

	for _, size := range []uint64{1025, 1 << 40, 1024, 600} {
		if _, err := buddy.Alloc(size); err != ErrNoSpace {
			t.Errorf("Alloc(%v): got err %v; want %v", size, err, ErrNoSpace)
		}
	}

	if after := buddy.Blocks(); !reflect.DeepEqual(before, after) {
		t.Errorf("failed Alloc() changed the tree: before = %v, after = %v", before, after)
	}
}

func TestAllocLargestPool(t *testing.T) {

	const size uint64 = 1 << 63

	buddy, err := New(size)
	if err != nil {
		t.Fatalf("New(%v) failed: %v", size, err)
	}

	start, err := buddy.Alloc(size)
	if err != nil {
		t.Fatalf("Alloc(%v) failed: %v", size, err)
	}
	if start != 0 {
		t.Errorf("Alloc(%v): got start %v; want 0", size, start)
	}

	want := []Block{{0, size, Allocated}}
	if got := buddy.Blocks(); !reflect.DeepEqual(want, got) {
		t.Errorf("Blocks(): want %v, got %v", want, got)
	}
	checkTree(t, buddy)

	if err := buddy.Free(start); err != nil {
		t.Fatalf("Free(%v) failed: %v", start, err)
	}

	// a request just over half the range takes the whole range
	start, err = buddy.Alloc(size/2 + 1)
	if err != nil {
		t.Fatalf("Alloc(%v) failed: %v", size/2+1, err)
	}

	want = []Block{{start, size, Allocated}}
	if got := buddy.Blocks(); !reflect.DeepEqual(want, got) {
		t.Errorf("Blocks(): want %v, got %v", want, got)
	}
	checkTree(t, buddy)
}

func TestFree(t *testing.T) {

	buddy, err := New(1024)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	r1, err := buddy.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc() failed: %v", err)
	}
	r2, err := buddy.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc() failed: %v", err)
	}

	if err := buddy.Free(r1); err != nil {
		t.Fatalf("Free(%v) failed: %v", r1, err)
	}
	checkTree(t, buddy)

	blk, err := buddy.Lookup(r2)
	if err != nil || blk != (Block{r2, 128, Allocated}) {
		t.Errorf("Lookup(%v) after Free(%v) = %v, %v; want {%v, 128, allocated}", r2, r1, blk, err, r2)
	}

	blk, err = buddy.Lookup(r1)
	if err != nil || blk != (Block{r1, 128, Free}) {
		t.Errorf("Lookup(%v) after Free(%v) = %v, %v; want {%v, 128, free}", r1, r1, blk, err, r1)
	}

	if err := buddy.Free(r2); err != nil {
		t.Fatalf("Free(%v) failed: %v", r2, err)
	}
	checkTree(t, buddy)

	// everything was freed, so the tree must be back to a single free root
	if got := buddy.Blocks(); !reflect.DeepEqual(got, []Block{{0, 1024, Free}}) {
		t.Errorf("Blocks() = %v; want a single free block", got)
	}
	if buddy.arena.live() != 1 {
		t.Errorf("arena has %v live nodes; want 1", buddy.arena.live())
	}
}

func TestFreeInvalid(t *testing.T) {

	buddy, err := New(1024)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	r1, err := buddy.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc() failed: %v", err)
	}
	r2, err := buddy.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc() failed: %v", err)
	}

	before := buddy.Blocks()

	var tests = []struct {
		ref     uint64
		wantErr error
	}{
		{1024, ErrInvalidRef},    // out of range
		{1 << 40, ErrInvalidRef}, // way out of range
		{r1 + 3, ErrInvalidRef},  // inside a block
		{r2 + 64, ErrInvalidRef}, // inside a block
		{256, ErrDoubleFree},     // free block never handed out
		{512, ErrDoubleFree},
	}

	for _, test := range tests {
		err := buddy.Free(test.ref)
		if err != test.wantErr {
			t.Errorf("Free(%v): got err %v; want %v", test.ref, err, test.wantErr)
		}
		if !errors.Is(err, ErrInvalidRef) {
			t.Errorf("Free(%v): err %v is not an ErrInvalidRef", test.ref, err)
		}
	}

	if after := buddy.Blocks(); !reflect.DeepEqual(before, after) {
		t.Errorf("failed Free() changed the tree: before = %v, after = %v", before, after)
	}
	checkTree(t, buddy)
}

func TestDoubleFree(t *testing.T) {

	buddy, err := New(1024)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	r1, _ := buddy.Alloc(100)
	r2, _ := buddy.Alloc(100)

	if err := buddy.Free(r2); err != nil {
		t.Fatalf("Free(%v) failed: %v", r2, err)
	}

	before := buddy.Blocks()

	if err := buddy.Free(r2); err != ErrDoubleFree {
		t.Errorf("Free(%v) twice: got err %v; want %v", r2, err, ErrDoubleFree)
	}

	if after := buddy.Blocks(); !reflect.DeepEqual(before, after) {
		t.Errorf("double free changed the tree: before = %v, after = %v", before, after)
	}

	// once fully coalesced, the freed reference is the free root
	if err := buddy.Free(r1); err != nil {
		t.Fatalf("Free(%v) failed: %v", r1, err)
	}
	if err := buddy.Free(r1); err != ErrDoubleFree {
		t.Errorf("Free(%v) twice: got err %v; want %v", r1, err, ErrDoubleFree)
	}
	checkTree(t, buddy)
}

func TestAllocFreeRoundTrip(t *testing.T) {

	rnd := rand.New(rand.NewSource(1))

	buddy, err := New(1 << 12)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	// build up a fragmented tree
	for i := 0; i < 20; i++ {
		buddy.Alloc(uint64(rnd.Intn(200) + 1))
	}

	for _, size := range []uint64{1, 7, 64, 100, 129, 512, 1000, 2048} {
		before := buddy.Blocks()

		start, err := buddy.Alloc(size)
		if err != nil {
			continue
		}
		if err := buddy.Free(start); err != nil {
			t.Fatalf("Free(%v) failed: %v", start, err)
		}

		if after := buddy.Blocks(); !reflect.DeepEqual(before, after) {
			t.Errorf("Alloc(%v) + Free(%v) did not restore the tree: before = %v, after = %v",
				size, start, before, after)
		}
	}
}

func TestRandomAllocFree(t *testing.T) {

	rnd := rand.New(rand.NewSource(42))

	buddy, err := New(1 << 16)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	live := mapset.NewSet()

	for i := 0; i < 3000; i++ {
		if live.Cardinality() == 0 || rnd.Intn(100) < 60 {
			size := uint64(rnd.Intn(4096) + 1)

			start, err := buddy.Alloc(size)
			if err == ErrNoSpace {
				continue
			}
			if err != nil {
				t.Fatalf("Alloc(%v) failed: %v", size, err)
			}
			if live.Contains(start) {
				t.Fatalf("Alloc(%v) returned live start %v", size, start)
			}

			blk, _ := buddy.Lookup(start)
			if blk.Size < size || blk.Size > 2*size {
				t.Fatalf("Alloc(%v) returned block %v", size, blk)
			}

			live.Add(start)
		} else {
			refs := live.ToSlice()
			start := refs[rnd.Intn(len(refs))].(uint64)

			if err := buddy.Free(start); err != nil {
				t.Fatalf("Free(%v) failed: %v", start, err)
			}
			live.Remove(start)
		}

		checkTree(t, buddy)

		// each live reference maps to exactly one allocated leaf
		allocated := 0
		for _, blk := range buddy.Blocks() {
			if blk.State == Allocated {
				allocated++
				if !live.Contains(blk.Start) {
					t.Fatalf("allocated block %v is not a live reference", blk)
				}
			}
		}
		if allocated != live.Cardinality() {
			t.Fatalf("%v allocated blocks; want %v", allocated, live.Cardinality())
		}
	}

	for _, ref := range live.ToSlice() {
		if err := buddy.Free(ref.(uint64)); err != nil {
			t.Fatalf("Free(%v) failed: %v", ref, err)
		}
	}

	if got := buddy.Blocks(); !reflect.DeepEqual(got, []Block{{0, 1 << 16, Free}}) {
		t.Errorf("Blocks() = %v; want a single free block", got)
	}
}

func TestLookup(t *testing.T) {

	buddy, err := New(1024)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if _, err := buddy.Alloc(100); err != nil {
		t.Fatalf("Alloc() failed: %v", err)
	}

	var tests = []struct {
		offset  uint64
		want    Block
		wantErr error
	}{
		{0, Block{0, 128, Allocated}, nil},
		{127, Block{0, 128, Allocated}, nil},
		{128, Block{128, 128, Free}, nil},
		{300, Block{256, 256, Free}, nil},
		{1023, Block{512, 512, Free}, nil},
		{1024, Block{}, ErrInvalidRef},
	}

	for _, test := range tests {
		got, err := buddy.Lookup(test.offset)
		if got != test.want || err != test.wantErr {
			t.Errorf("Lookup(%v) = %v, %v; want %v, %v", test.offset, got, err, test.want, test.wantErr)
		}
	}
}

func TestUsageAndDestroy(t *testing.T) {

	buddy, err := New(1024)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	buddy.Alloc(100)
	buddy.Alloc(200)

	want := Usage{Size: 1024, Allocated: 384, Free: 640, Blocks: 2, Nodes: 7}
	if got := buddy.Usage(); got != want {
		t.Errorf("Usage() = %+v; want %+v", got, want)
	}

	buddy.Destroy()
	checkTree(t, buddy)

	want = Usage{Size: 1024, Allocated: 0, Free: 1024, Blocks: 0, Nodes: 1}
	if got := buddy.Usage(); got != want {
		t.Errorf("Usage() after Destroy() = %+v; want %+v", got, want)
	}

	if start, err := buddy.Alloc(1024); err != nil || start != 0 {
		t.Errorf("Alloc(1024) after Destroy() = %v, %v; want 0, nil", start, err)
	}
}
