// Insert, with split propagation up to a new root when necessary.
//
// Every node on the path from the leaf to the root is copy-on-write: a
// changed leaf or index node is always written into a freshly reserved
// block and every ancestor up to the root is rewritten to point at it.
// The old block is handed to freeBlock right away, but a block of the
// committed tree is not reused until the commit that retires it has
// flipped the root selector — so a reader holding the old, still-
// authoritative root never observes a partially updated path.
package sectordb

import "fmt"

type pathEntry struct {
	node     *indexNode
	childIdx int
}

// Insert adds key/value, or replaces the value if key is already present.
//
// A device-level I/O error partway through the write rolls the
// transaction back and forces the tree closed: the caller must reopen
// before trying anything else, rather than leaving the tree half-written
// and still accepting calls.
func (t *Tree) Insert(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.checkKey(key); err != nil {
		return err
	}
	if err := t.insertLocked(key, value); err != nil {
		return t.failTransaction(fmt.Errorf("insert: %w", err))
	}
	if err := t.maybeAutoCommit("insert"); err != nil {
		return t.failTransaction(err)
	}
	return nil
}

func (t *Tree) insertLocked(key, value []byte) error {
	if t.pendingRoot == NoBlock {
		leaf := newLeafNode()
		vref, err := makeValueRef(value, t.blockSize(), t.alloc)
		if err != nil {
			return err
		}
		leaf.insert(0, key, vref)
		b, err := t.storeLeaf(leaf)
		if err != nil {
			return err
		}
		t.pendingRoot = b
		t.pendingRootIsLeaf = true
		t.pendingIndexLevels = 0
		t.pendingRecordCount = 1
		return nil
	}

	var path []pathEntry
	b := t.pendingRoot
	isLeaf := t.pendingRootIsLeaf
	for !isLeaf {
		n, err := t.loadIndex(b)
		if err != nil {
			return err
		}
		idx := n.findChild(key)
		path = append(path, pathEntry{node: n, childIdx: idx})
		b = n.pointer(idx)
		isLeaf = n.level == 0
	}

	leaf, err := t.loadLeaf(b)
	if err != nil {
		return err
	}
	oldLeafBlock := b

	vref, err := makeValueRef(value, t.blockSize(), t.alloc)
	if err != nil {
		return err
	}
	idx, found := leaf.find(key)
	if found {
		freeValueRef(leaf.elements[idx].value, t.alloc)
		leaf.elements[idx].value = vref
	} else {
		leaf.insert(idx, key, vref)
		t.pendingRecordCount++
	}

	if leafEncodedSize(leaf.elements, t.keySize()) <= int(t.blockSize()) {
		newBlock, err := t.storeLeaf(leaf)
		if err != nil {
			return err
		}
		t.freeBlock(oldLeafBlock)
		return t.propagateUpdate(path, newBlock)
	}

	sep, right := leaf.split()
	leftBlock, err := t.storeLeaf(leaf)
	if err != nil {
		return err
	}
	rightBlock, err := t.storeLeaf(right)
	if err != nil {
		return err
	}
	t.freeBlock(oldLeafBlock)
	return t.propagateSplit(path, leftBlock, sep, rightBlock, true, 0)
}

// propagateUpdate rewrites every ancestor on path to point its child
// pointer at childBlock, walking from the bottom up, and finally sets
// pendingRoot.
func (t *Tree) propagateUpdate(path []pathEntry, childBlock BlockIndex) error {
	for i := len(path) - 1; i >= 0; i-- {
		entry := path[i]
		oldBlock := entry.node.self
		entry.node.updatePointer(entry.childIdx, childBlock)
		newBlock, err := t.storeIndex(entry.node)
		if err != nil {
			return err
		}
		t.freeBlock(oldBlock)
		childBlock = newBlock
	}
	t.pendingRoot = childBlock
	return nil
}

// propagateSplit inserts a new (sep, rightBlock) pair into the parent on
// path, recursing upward through further splits, or creates a new root
// if path is exhausted. childWasLeaf/childLevel describe the nodes that
// just split, needed to compute a new root's level when one must be
// created.
func (t *Tree) propagateSplit(path []pathEntry, leftBlock BlockIndex, sep []byte, rightBlock BlockIndex, childWasLeaf bool, childLevel uint8) error {
	if len(path) == 0 {
		level := uint8(0)
		if !childWasLeaf {
			level = childLevel + 1
		}
		root := newIndexNode(level, leftBlock)
		root.keys = [][]byte{sep}
		root.children = []BlockIndex{rightBlock}
		rb, err := t.storeIndex(root)
		if err != nil {
			return err
		}
		t.pendingRoot = rb
		t.pendingRootIsLeaf = false
		t.pendingIndexLevels++
		return nil
	}

	i := len(path) - 1
	entry := path[i]
	oldBlock := entry.node.self
	entry.node.updatePointer(entry.childIdx, leftBlock)
	entry.node.insertAfter(entry.childIdx+1, sep, rightBlock)

	if entry.node.pointerCount() <= maxIndexPointers(t.blockSize(), t.keySize()) {
		newBlock, err := t.storeIndex(entry.node)
		if err != nil {
			return err
		}
		t.freeBlock(oldBlock)
		return t.propagateUpdate(path[:i], newBlock)
	}

	sep2, right2 := entry.node.split()
	leftIdxBlock, err := t.storeIndex(entry.node)
	if err != nil {
		return err
	}
	rightIdxBlock, err := t.storeIndex(right2)
	if err != nil {
		return err
	}
	t.freeBlock(oldBlock)
	return t.propagateSplit(path[:i], leftIdxBlock, sep2, rightIdxBlock, false, entry.node.level)
}

func (t *Tree) maybeAutoCommit(op string) error {
	if t.opts.NoAutoCommit {
		return nil
	}
	if err := t.commitLocked(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
