package dataType

import (
	"errors"
	"sync"
)

var (
	ErrResourceExhausted = errors.New("block list capacity exhausted")
	ErrClosed            = errors.New("block list closed")
)

const nilSlot int32 = -1

type blockNode struct {
	addr Address
	prev int32
	next int32
}

// BlockList is an insertion-ordered set of addresses. All nodes live in a
// preallocated arena, so no method allocates while holding mu.
type BlockList struct {
	mu     sync.RWMutex
	nodes  []blockNode
	index  map[Address]int32
	head   int32
	tail   int32
	free   int32
	count  int
	closed bool
}

func NewBlockList(capacity int) *BlockList {
	if capacity <= 0 {
		capacity = 1
	}
	bl := &BlockList{
		nodes: make([]blockNode, capacity),
		index: make(map[Address]int32, capacity),
	}
	bl.reset()
	return bl
}

// reset threads every arena slot onto the free list. Caller holds mu.
func (bl *BlockList) reset() {
	for i := range bl.nodes {
		bl.nodes[i] = blockNode{prev: nilSlot, next: int32(i + 1)}
	}
	bl.nodes[len(bl.nodes)-1].next = nilSlot
	bl.free = 0
	bl.head = nilSlot
	bl.tail = nilSlot
	bl.count = 0
	clear(bl.index)
}

func (bl *BlockList) Capacity() int {
	return len(bl.nodes)
}

func (bl *BlockList) Contains(addr Address) bool {
	bl.mu.RLock()
	_, ok := bl.index[addr]
	bl.mu.RUnlock()
	return ok
}

// Insert appends addr. It reports false without mutating when addr is
// already present.
func (bl *BlockList) Insert(addr Address) (bool, error) {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	if bl.closed {
		return false, ErrClosed
	}
	if _, ok := bl.index[addr]; ok {
		return false, nil
	}
	if bl.free == nilSlot {
		return false, ErrResourceExhausted
	}

	slot := bl.free
	n := &bl.nodes[slot]
	bl.free = n.next

	n.addr = addr
	n.prev = bl.tail
	n.next = nilSlot
	if bl.tail != nilSlot {
		bl.nodes[bl.tail].next = slot
	} else {
		bl.head = slot
	}
	bl.tail = slot
	bl.index[addr] = slot
	bl.count++
	return true, nil
}

func (bl *BlockList) Remove(addr Address) bool {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	slot, ok := bl.index[addr]
	if !ok {
		return false
	}
	n := &bl.nodes[slot]
	if n.prev != nilSlot {
		bl.nodes[n.prev].next = n.next
	} else {
		bl.head = n.next
	}
	if n.next != nilSlot {
		bl.nodes[n.next].prev = n.prev
	} else {
		bl.tail = n.prev
	}
	delete(bl.index, addr)

	*n = blockNode{prev: nilSlot, next: bl.free}
	bl.free = slot
	bl.count--
	return true
}

func (bl *BlockList) Count() int {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	return bl.count
}

// Enumerate copies up to len(dst) addresses into dst in insertion order and
// returns how many were written.
func (bl *BlockList) Enumerate(dst []Address) int {
	bl.mu.RLock()
	defer bl.mu.RUnlock()

	n := 0
	for slot := bl.head; slot != nilSlot && n < len(dst); slot = bl.nodes[slot].next {
		dst[n] = bl.nodes[slot].addr
		n++
	}
	return n
}

// Snapshot returns every address in insertion order.
func (bl *BlockList) Snapshot() []Address {
	// Size outside the lock, then copy under it. Entries added in between are
	// picked up on the next call.
	out := make([]Address, bl.Count())
	n := bl.Enumerate(out)
	return out[:n]
}

// Close releases every entry. Later inserts fail with ErrClosed.
func (bl *BlockList) Close() {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if bl.closed {
		return
	}
	bl.reset()
	bl.closed = true
}
