// Copy-on-write free-space allocator.
//
// Committed blocks are never mutated in a way that a concurrent reader of
// the still-authoritative root could observe: a node that needs to change
// is written into a freshly reserved block, and its old block is only
// folded back into the reusable pool once the commit that retires it has
// actually flipped the root selector. updateBlock keeps the pre-image of
// a previously committed block the first time it is written in place
// during the current transaction, so rollback can restore it byte for
// byte; the tree's own writes go to freshly reserved blocks, and
// free-index chain blocks are written directly, without a pre-image.
package sectordb

import (
	"encoding/binary"
	"fmt"
)

// freeIndexBlock is a node in the on-disk singly linked free list: a
// pointer to the next block in the chain plus a flat list of free block
// indexes recorded in this block.
type freeIndexBlock struct {
	next   BlockIndex
	blocks []BlockIndex
}

const freeIndexTag = "FI"

func maxFreeIndexLength(blockSize uint32) int {
	// tag(2) + next(4) + count(4), remainder is 4 bytes per entry.
	return int((blockSize - 10) / 4)
}

func encodeFreeIndexBlock(fib freeIndexBlock, blockSize uint32) []byte {
	buf := make([]byte, blockSize)
	copy(buf[0:2], freeIndexTag)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(fib.next))
	binary.LittleEndian.PutUint32(buf[6:10], uint32(len(fib.blocks)))
	off := 10
	for _, b := range fib.blocks {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(b))
		off += 4
	}
	return buf
}

func decodeFreeIndexBlock(buf []byte) (freeIndexBlock, error) {
	if len(buf) < 10 || string(buf[0:2]) != freeIndexTag {
		return freeIndexBlock{}, fmt.Errorf("%w: bad free-index block tag", ErrCorruption)
	}
	next := BlockIndex(binary.LittleEndian.Uint32(buf[2:6]))
	count := binary.LittleEndian.Uint32(buf[6:10])
	if 10+int(count)*4 > len(buf) {
		return freeIndexBlock{}, fmt.Errorf("%w: free-index block count overflows block", ErrCorruption)
	}
	blocks := make([]BlockIndex, count)
	off := 10
	for i := range blocks {
		blocks[i] = BlockIndex(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
	}
	return freeIndexBlock{next: next, blocks: blocks}, nil
}

// allocator tracks in-memory transaction state on top of a device: which
// blocks are free to hand out right now, which blocks were created or
// overwritten in the current transaction (and therefore need no pre-image
// on further writes), and the pre-images of blocks touched for the first
// time this transaction.
type allocator struct {
	dev *device

	availableBlocks map[BlockIndex]struct{}
	uncommitted     map[BlockIndex]struct{}
	preImages       map[BlockIndex][]byte

	// freedCommitted holds blocks released from the previously committed
	// tree during the current transaction. They must not be reused or
	// recorded as free until the commit that retires the old root has
	// flipped the selector.
	freedCommitted map[BlockIndex]struct{}

	// headFreeIndexBlock is the last value actually committed to disk.
	headFreeIndexBlock BlockIndex
	// pendingHeadFreeIndexBlock is what the next commit will write,
	// mutated in memory as the chain is drained/rebuilt.
	pendingHeadFreeIndexBlock BlockIndex
}

func newAllocator(dev *device, headFreeIndexBlock BlockIndex) *allocator {
	return &allocator{
		dev:                       dev,
		availableBlocks:           make(map[BlockIndex]struct{}),
		uncommitted:               make(map[BlockIndex]struct{}),
		preImages:                 make(map[BlockIndex][]byte),
		freedCommitted:            make(map[BlockIndex]struct{}),
		headFreeIndexBlock:        headFreeIndexBlock,
		pendingHeadFreeIndexBlock: headFreeIndexBlock,
	}
}

// drainFreeChain reads the entire on-disk free-index chain (starting from
// pendingHeadFreeIndexBlock) into availableBlocks, without writing
// anything to disk. It is idempotent: once the pending head is NoBlock
// there is nothing left to drain.
func (a *allocator) drainFreeChain() error {
	cur := a.pendingHeadFreeIndexBlock
	for cur != NoBlock {
		buf, err := a.dev.readBlockRaw(cur)
		if err != nil {
			return err
		}
		fib, err := decodeFreeIndexBlock(buf)
		if err != nil {
			return err
		}
		for _, b := range fib.blocks {
			a.availableBlocks[b] = struct{}{}
		}
		// The chain block's own storage is now fully absorbed.
		a.availableBlocks[cur] = struct{}{}
		cur = fib.next
	}
	a.pendingHeadFreeIndexBlock = NoBlock
	return nil
}

// reserveBlock returns a block index that may be written freely, marking
// it uncommitted. It drains the on-disk free list on demand before
// falling back to extending the file.
func (a *allocator) reserveBlock() (BlockIndex, error) {
	if len(a.availableBlocks) == 0 && a.pendingHeadFreeIndexBlock != NoBlock {
		if err := a.drainFreeChain(); err != nil {
			return NoBlock, err
		}
	}
	var b BlockIndex
	if len(a.availableBlocks) > 0 {
		for k := range a.availableBlocks {
			b = k
			break
		}
		delete(a.availableBlocks, b)
	} else {
		var err error
		b, err = a.dev.makeEndBlock()
		if err != nil {
			return NoBlock, err
		}
	}
	a.uncommitted[b] = struct{}{}
	return b, nil
}

// freeBlock releases b. If b was only ever touched within the current
// transaction it becomes immediately reusable; otherwise it is staged in
// freedCommitted until the transaction commits.
func (a *allocator) freeBlock(b BlockIndex) {
	if _, ok := a.uncommitted[b]; ok {
		delete(a.uncommitted, b)
		delete(a.preImages, b)
		a.availableBlocks[b] = struct{}{}
		return
	}
	a.freedCommitted[b] = struct{}{}
}

// readBlock returns the block's current bytes, reflecting any
// in-transaction overwrite already applied.
func (a *allocator) readBlock(b BlockIndex) ([]byte, error) {
	return a.dev.readBlockRaw(b)
}

// updateBlock writes data into b, capturing a pre-image the first time a
// previously committed block is touched this transaction.
func (a *allocator) updateBlock(b BlockIndex, data []byte) error {
	if _, ok := a.uncommitted[b]; ok {
		return a.dev.writeBlockRaw(b, data)
	}
	if _, exists := a.preImages[b]; !exists {
		pre, err := a.dev.readBlockRaw(b)
		if err != nil {
			return err
		}
		a.preImages[b] = pre
	}
	a.uncommitted[b] = struct{}{}
	return a.dev.writeBlockRaw(b, data)
}

// rollback restores every pre-image captured this transaction and resets
// all transaction-scoped state.
func (a *allocator) rollback() error {
	for b, pre := range a.preImages {
		if err := a.dev.writeBlockRaw(b, pre); err != nil {
			return err
		}
	}
	a.resetTransaction()
	return nil
}

func (a *allocator) resetTransaction() {
	a.uncommitted = make(map[BlockIndex]struct{})
	a.preImages = make(map[BlockIndex][]byte)
	a.availableBlocks = make(map[BlockIndex]struct{})
	a.freedCommitted = make(map[BlockIndex]struct{})
	a.pendingHeadFreeIndexBlock = a.headFreeIndexBlock
}

// rebuildFreeIndexChain writes a fresh free-index chain containing every
// block in `remaining`, consuming some of those very blocks as chain
// storage. It returns the new chain head (NoBlock if remaining is empty).
// Every block it writes to is freshly taken from `remaining`, so it is
// always an "uncommitted" write with no pre-image to capture.
func (a *allocator) rebuildFreeIndexChain(remaining []BlockIndex) (BlockIndex, error) {
	maxLen := maxFreeIndexLength(a.dev.blockSize)
	head := NoBlock
	for len(remaining) > 0 {
		storage := remaining[len(remaining)-1]
		remaining = remaining[:len(remaining)-1]
		n := len(remaining)
		if n > maxLen {
			n = maxLen
		}
		entries := append([]BlockIndex{}, remaining[:n]...)
		remaining = remaining[n:]
		fib := freeIndexBlock{next: head, blocks: entries}
		buf := encodeFreeIndexBlock(fib, a.dev.blockSize)
		if err := a.dev.writeBlockRaw(storage, buf); err != nil {
			return NoBlock, err
		}
		a.uncommitted[storage] = struct{}{}
		head = storage
	}
	return head, nil
}

// pendingFreeList returns the current availableBlocks as a slice, in map
// iteration order, for handing to rebuildFreeIndexChain.
func (a *allocator) pendingFreeList() []BlockIndex {
	out := make([]BlockIndex, 0, len(a.availableBlocks))
	for b := range a.availableBlocks {
		out = append(out, b)
	}
	return out
}
