// Point and range lookups: binary-search descent from the root to a
// leaf, then a binary search within the leaf.
package sectordb

import (
	"bytes"
	"fmt"
)

// descend walks from the root to the leaf that would contain key.
func (t *Tree) descend(key []byte) (*leafNode, error) {
	if t.pendingRoot == NoBlock {
		return nil, nil
	}
	if t.pendingRootIsLeaf {
		return t.loadLeaf(t.pendingRoot)
	}
	b := t.pendingRoot
	for {
		n, err := t.loadIndex(b)
		if err != nil {
			return nil, err
		}
		child := n.pointer(n.findChild(key))
		if n.level == 0 {
			return t.loadLeaf(child)
		}
		b = child
	}
}

// Contains reports whether key is present.
func (t *Tree) Contains(key []byte) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	if err := t.checkKey(key); err != nil {
		return false, err
	}
	leaf, err := t.descend(key)
	if err != nil {
		return false, fmt.Errorf("contains: %w", err)
	}
	if leaf == nil {
		return false, nil
	}
	_, found := leaf.find(key)
	return found, nil
}

// Find returns the value stored under key, if any.
func (t *Tree) Find(key []byte) ([]byte, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkOpen(); err != nil {
		return nil, false, err
	}
	if err := t.checkKey(key); err != nil {
		return nil, false, err
	}
	leaf, err := t.descend(key)
	if err != nil {
		return nil, false, fmt.Errorf("find: %w", err)
	}
	if leaf == nil {
		return nil, false, nil
	}
	idx, found := leaf.find(key)
	if !found {
		return nil, false, nil
	}
	v, err := resolveValue(leaf.elements[idx].value, t.blockSize(), t.alloc)
	if err != nil {
		return nil, false, fmt.Errorf("find: %w", err)
	}
	return v, true, nil
}

// firstLeafFrom returns the leftmost leaf whose range may contain keys
// >= lower (or the very first leaf, if lower is nil).
func (t *Tree) firstLeafFrom(lower []byte) (*leafNode, error) {
	if t.pendingRoot == NoBlock {
		return nil, nil
	}
	if t.pendingRootIsLeaf {
		return t.loadLeaf(t.pendingRoot)
	}
	b := t.pendingRoot
	for {
		n, err := t.loadIndex(b)
		if err != nil {
			return nil, err
		}
		idx := 0
		if lower != nil {
			idx = n.findChild(lower)
		}
		child := n.pointer(idx)
		if n.level == 0 {
			return t.loadLeaf(child)
		}
		b = child
	}
}

// FindRange calls fn for every (key, value) pair with lower <= key <=
// upper, in ascending key order, stopping early if fn returns false. A
// nil lower/upper means "unbounded" on that side.
func (t *Tree) FindRange(lower, upper []byte, fn func(key, value []byte) (bool, error)) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	leaf, err := t.firstLeafFrom(lower)
	if err != nil {
		return fmt.Errorf("findRange: %w", err)
	}
	for leaf != nil {
		for _, e := range leaf.elements {
			if lower != nil && bytes.Compare(e.key, lower) < 0 {
				continue
			}
			if upper != nil && bytes.Compare(e.key, upper) > 0 {
				return nil
			}
			v, err := resolveValue(e.value, t.blockSize(), t.alloc)
			if err != nil {
				return fmt.Errorf("findRange: %w", err)
			}
			cont, err := fn(e.key, v)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		if leaf.nextLeaf == NoBlock {
			break
		}
		leaf, err = t.loadLeaf(leaf.nextLeaf)
		if err != nil {
			return fmt.Errorf("findRange: %w", err)
		}
	}
	return nil
}
