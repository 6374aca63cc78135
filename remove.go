// Remove, with shift/merge propagation and root collapse.
//
// Underflow is handled the classic way: a node that drops below the
// minimum occupancy for its kind first tries to borrow a single element
// from a sibling (updating the shared parent separator), and only merges
// with the sibling when there is nothing to borrow. A merge can itself
// cause the parent to underflow, so the fixup recurses upward exactly
// the way insert's split propagation does, and an index root left with a
// single remaining pointer collapses, shrinking the tree by one level.
package sectordb

import (
	"bytes"
	"fmt"
)

func leafUnderflow(n *leafNode, blockSize, keySize uint32) bool {
	return leafEncodedSize(n.elements, keySize) < int(blockSize)/4
}

// Remove deletes key, reporting whether it was present.
//
// A device-level I/O error partway through the write rolls the
// transaction back and forces the tree closed: the caller must reopen
// before trying anything else, rather than leaving the tree half-written
// and still accepting calls.
func (t *Tree) Remove(key []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	if err := t.checkKey(key); err != nil {
		return false, err
	}
	removed, err := t.removeLocked(key)
	if err != nil {
		return false, t.failTransaction(fmt.Errorf("remove: %w", err))
	}
	if !removed {
		return false, nil
	}
	if err := t.maybeAutoCommit("remove"); err != nil {
		return false, t.failTransaction(err)
	}
	return true, nil
}

// RemoveRange removes every key with lower <= key <= upper (nil means
// unbounded on that side), by repeatedly finding and removing the
// smallest remaining key in range, and reports how many were removed.
//
// As with Remove, a device-level I/O error forces the transaction back
// to its last committed state and closes the tree until reopened.
func (t *Tree) RemoveRange(lower, upper []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	count := 0
	for {
		key, ok, err := t.smallestInRange(lower, upper)
		if err != nil {
			return count, t.failTransaction(fmt.Errorf("removeRange: %w", err))
		}
		if !ok {
			break
		}
		removed, err := t.removeLocked(key)
		if err != nil {
			return count, t.failTransaction(fmt.Errorf("removeRange: %w", err))
		}
		if !removed {
			break
		}
		count++
	}
	if count > 0 {
		if err := t.maybeAutoCommit("removeRange"); err != nil {
			return count, t.failTransaction(err)
		}
	}
	return count, nil
}

func (t *Tree) smallestInRange(lower, upper []byte) ([]byte, bool, error) {
	leaf, err := t.firstLeafFrom(lower)
	if err != nil {
		return nil, false, err
	}
	for leaf != nil {
		for _, e := range leaf.elements {
			if lower != nil && bytes.Compare(e.key, lower) < 0 {
				continue
			}
			if upper != nil && bytes.Compare(e.key, upper) > 0 {
				return nil, false, nil
			}
			return e.key, true, nil
		}
		if leaf.nextLeaf == NoBlock {
			break
		}
		leaf, err = t.loadLeaf(leaf.nextLeaf)
		if err != nil {
			return nil, false, err
		}
	}
	return nil, false, nil
}

func (t *Tree) removeLocked(key []byte) (bool, error) {
	if t.pendingRoot == NoBlock {
		return false, nil
	}

	var path []pathEntry
	b := t.pendingRoot
	isLeaf := t.pendingRootIsLeaf
	for !isLeaf {
		n, err := t.loadIndex(b)
		if err != nil {
			return false, err
		}
		idx := n.findChild(key)
		path = append(path, pathEntry{node: n, childIdx: idx})
		b = n.pointer(idx)
		isLeaf = n.level == 0
	}

	leaf, err := t.loadLeaf(b)
	if err != nil {
		return false, err
	}
	oldLeafBlock := b

	idx, found := leaf.find(key)
	if !found {
		return false, nil
	}
	freeValueRef(leaf.elements[idx].value, t.alloc)
	leaf.removeAt(idx)
	t.pendingRecordCount--

	if err := t.fixupLeafUnderflow(path, leaf, oldLeafBlock); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tree) storeRootLeaf(leaf *leafNode, oldBlock BlockIndex) error {
	if leaf.count() == 0 {
		t.freeBlock(oldBlock)
		t.pendingRoot = NoBlock
		t.pendingRootIsLeaf = true
		t.pendingIndexLevels = 0
		return nil
	}
	newBlock, err := t.storeLeaf(leaf)
	if err != nil {
		return err
	}
	t.freeBlock(oldBlock)
	t.pendingRoot = newBlock
	return nil
}

func (t *Tree) fixupLeafUnderflow(path []pathEntry, leaf *leafNode, oldLeafBlock BlockIndex) error {
	if len(path) == 0 {
		return t.storeRootLeaf(leaf, oldLeafBlock)
	}

	parentIdx := len(path) - 1
	parent := path[parentIdx]
	oldParentBlock := parent.node.self

	if !leafUnderflow(leaf, t.blockSize(), t.keySize()) || parent.node.pointerCount() <= 1 {
		newBlock, err := t.storeLeaf(leaf)
		if err != nil {
			return err
		}
		t.freeBlock(oldLeafBlock)
		return t.propagateUpdate(path, newBlock)
	}

	siblingIdx := parent.childIdx + 1
	isRight := true
	if siblingIdx >= parent.node.pointerCount() {
		siblingIdx = parent.childIdx - 1
		isRight = false
	}
	siblingBlock := parent.node.pointer(siblingIdx)
	sibling, err := t.loadLeaf(siblingBlock)
	if err != nil {
		return err
	}

	if sibling.count() > 1 {
		var newSep []byte
		if isRight {
			newSep = leaf.shiftLeft(sibling, 1)
		} else {
			newSep = sibling.shiftRight(leaf, 1)
		}
		newLeafBlock, err := t.storeLeaf(leaf)
		if err != nil {
			return err
		}
		newSiblingBlock, err := t.storeLeaf(sibling)
		if err != nil {
			return err
		}
		t.freeBlock(oldLeafBlock)
		t.freeBlock(siblingBlock)
		parent.node.updatePointer(parent.childIdx, newLeafBlock)
		parent.node.updatePointer(siblingIdx, newSiblingBlock)
		if isRight {
			parent.node.updateKeyBefore(siblingIdx, newSep)
		} else {
			parent.node.updateKeyBefore(parent.childIdx, newSep)
		}
		newParentBlock, err := t.storeIndex(parent.node)
		if err != nil {
			return err
		}
		t.freeBlock(oldParentBlock)
		return t.propagateUpdate(path[:parentIdx], newParentBlock)
	}

	var mergedBlock BlockIndex
	if isRight {
		leaf.merge(sibling)
		mergedBlock, err = t.storeLeaf(leaf)
		if err != nil {
			return err
		}
		t.freeBlock(oldLeafBlock)
		t.freeBlock(siblingBlock)
		parent.node.updatePointer(parent.childIdx, mergedBlock)
		parent.node.removeBefore(siblingIdx)
	} else {
		sibling.merge(leaf)
		mergedBlock, err = t.storeLeaf(sibling)
		if err != nil {
			return err
		}
		t.freeBlock(oldLeafBlock)
		t.freeBlock(siblingBlock)
		parent.node.updatePointer(siblingIdx, mergedBlock)
		parent.node.removeBefore(parent.childIdx)
	}

	return t.fixupIndexUnderflow(path[:parentIdx], parent.node, oldParentBlock)
}

func (t *Tree) fixupIndexUnderflow(path []pathEntry, node *indexNode, oldBlock BlockIndex) error {
	maxP := maxIndexPointers(t.blockSize(), t.keySize())
	minP := (maxP + 1) / 2

	if len(path) == 0 {
		if node.pointerCount() == 1 {
			t.freeBlock(oldBlock)
			t.pendingRoot = node.begin
			if t.pendingIndexLevels > 0 {
				t.pendingIndexLevels--
			}
			t.pendingRootIsLeaf = node.level == 0
			return nil
		}
		newBlock, err := t.storeIndex(node)
		if err != nil {
			return err
		}
		t.freeBlock(oldBlock)
		t.pendingRoot = newBlock
		return nil
	}

	if node.pointerCount() >= minP {
		newBlock, err := t.storeIndex(node)
		if err != nil {
			return err
		}
		t.freeBlock(oldBlock)
		return t.propagateUpdate(path, newBlock)
	}

	parentIdx := len(path) - 1
	parent := path[parentIdx]
	oldParentBlock := parent.node.self

	siblingIdx := parent.childIdx + 1
	isRight := true
	if siblingIdx >= parent.node.pointerCount() {
		siblingIdx = parent.childIdx - 1
		isRight = false
	}
	siblingBlock := parent.node.pointer(siblingIdx)
	sibling, err := t.loadIndex(siblingBlock)
	if err != nil {
		return err
	}

	if sibling.pointerCount() > minP {
		var newSep []byte
		if isRight {
			parentKey := parent.node.keyBefore(siblingIdx)
			newSep = node.shiftLeft(parentKey, sibling, 1)
		} else {
			parentKey := parent.node.keyBefore(parent.childIdx)
			newSep = sibling.shiftRight(parentKey, node, 1)
		}
		newNodeBlock, err := t.storeIndex(node)
		if err != nil {
			return err
		}
		newSiblingBlock, err := t.storeIndex(sibling)
		if err != nil {
			return err
		}
		t.freeBlock(oldBlock)
		t.freeBlock(siblingBlock)
		if isRight {
			parent.node.updatePointer(parent.childIdx, newNodeBlock)
			parent.node.updatePointer(siblingIdx, newSiblingBlock)
			parent.node.updateKeyBefore(siblingIdx, newSep)
		} else {
			parent.node.updatePointer(siblingIdx, newSiblingBlock)
			parent.node.updatePointer(parent.childIdx, newNodeBlock)
			parent.node.updateKeyBefore(parent.childIdx, newSep)
		}
		newParentBlock, err := t.storeIndex(parent.node)
		if err != nil {
			return err
		}
		t.freeBlock(oldParentBlock)
		return t.propagateUpdate(path[:parentIdx], newParentBlock)
	}

	var mergedBlock BlockIndex
	if isRight {
		parentKey := parent.node.keyBefore(siblingIdx)
		node.merge(parentKey, sibling)
		mergedBlock, err = t.storeIndex(node)
		if err != nil {
			return err
		}
		t.freeBlock(oldBlock)
		t.freeBlock(siblingBlock)
		parent.node.updatePointer(parent.childIdx, mergedBlock)
		parent.node.removeBefore(siblingIdx)
	} else {
		parentKey := parent.node.keyBefore(parent.childIdx)
		sibling.merge(parentKey, node)
		mergedBlock, err = t.storeIndex(sibling)
		if err != nil {
			return err
		}
		t.freeBlock(oldBlock)
		t.freeBlock(siblingBlock)
		parent.node.updatePointer(siblingIdx, mergedBlock)
		parent.node.removeBefore(parent.childIdx)
	}

	return t.fixupIndexUnderflow(path[:parentIdx], parent.node, oldParentBlock)
}
