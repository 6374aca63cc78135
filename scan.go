// Whole-tree and crash-recovery scans.
package sectordb

import "fmt"

// ForEach visits every (key, value) pair in ascending key order, stopping
// early if fn returns false.
func (t *Tree) ForEach(fn func(key, value []byte) (bool, error)) error {
	return t.FindRange(nil, nil, fn)
}

// ForAll visits every (key, value) pair in ascending key order.
func (t *Tree) ForAll(fn func(key, value []byte) error) error {
	return t.FindRange(nil, nil, func(k, v []byte) (bool, error) {
		if err := fn(k, v); err != nil {
			return false, err
		}
		return true, nil
	})
}

// RecoverAll performs a fault-tolerant scan that bypasses the tree
// structure entirely: it walks every block on disk in order and emits
// the contents of every block that decodes as a leaf, regardless of
// whether it is currently reachable from the root. Blocks that fail to
// decode are reported via onError rather than aborting the scan — this
// is a best-effort salvage path for files with a damaged index, not a
// substitute for the normal committed-state reads.
func (t *Tree) RecoverAll(fn func(key, value []byte) error, onError func(block BlockIndex, err error)) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	total := t.dev.numBlocks()
	for b := BlockIndex(1); b < total; b++ {
		buf, err := t.dev.readBlockRaw(b)
		if err != nil {
			if onError != nil {
				onError(b, err)
			}
			continue
		}
		if len(buf) < 2 || string(buf[0:2]) != leafTag {
			continue
		}
		leaf, err := decodeLeaf(buf, t.keySize())
		if err != nil {
			if onError != nil {
				onError(b, err)
			}
			continue
		}
		for _, e := range leaf.elements {
			v, err := resolveValue(e.value, t.blockSize(), t.alloc)
			if err != nil {
				if onError != nil {
					onError(b, err)
				}
				continue
			}
			if err := fn(e.key, v); err != nil {
				return fmt.Errorf("recoverAll: %w", err)
			}
		}
	}
	return nil
}
