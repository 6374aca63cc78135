// Online compaction: renumber every live block into a contiguous prefix
// and truncate away everything after it, discarding the free-index chain
// entirely in the process.
//
// Flatten only runs between transactions — it requires the pending state
// to equal the last committed state — and it rewrites the header itself,
// so unlike a normal commit there is no "old" generation left to protect:
// the whole file is reconstructed from the current tree and swapped in
// with a single header write.
package sectordb

import "fmt"

// ShouldFlatten reports whether the file's live-to-total block ratio has
// dropped enough that a flatten pass is worth running. The threshold
// mirrors the engine's own rule of thumb: once under 90% of the blocks
// on disk are reachable from the current root, the accumulated free
// space is worth reclaiming.
func (t *Tree) ShouldFlatten() (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	total := uint32(t.dev.numBlocks())
	if total <= 1 {
		return false, nil
	}
	idx, leaf, tail, err := t.countBlocks()
	if err != nil {
		return false, fmt.Errorf("shouldFlatten: %w", err)
	}
	live := idx + leaf + tail + 1 // +1 for the header block
	return float64(live)/float64(total) < 0.9, nil
}

// Flatten rewrites the file so that every live block occupies a
// contiguous prefix starting right after the header, then truncates the
// file to that size. It requires that there be no uncommitted
// transaction in progress.
//
// Renumbering always reuses low, densely packed block indices starting
// right after the header — exactly the range real churn leaves full of
// still-live old blocks. So every old block this pass needs is read in
// full and decoded into memory first; only once nothing more needs to be
// read from the old layout does any new, renumbered block get written.
// Interleaving reads and writes would risk a new low-numbered write
// clobbering an old tail block or index node before it was ever read.
func (t *Tree) Flatten() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	if t.pendingRoot != t.committedRoot || t.pendingRecordCount != t.committedRecordCount {
		return newErr("flatten", ErrBadParameter)
	}

	if t.committedRoot == NoBlock {
		if err := t.dev.truncateTo(1); err != nil {
			return fmt.Errorf("flatten: %w", err)
		}
		return t.writeFlattenedHeader(NoBlock, true, 0, 0, 1)
	}

	leaf, err := t.firstLeafFrom(nil)
	if err != nil {
		return fmt.Errorf("flatten: %w", err)
	}
	var leafOld []BlockIndex
	var leafNodes []*leafNode
	for leaf != nil {
		leafOld = append(leafOld, leaf.self)
		leafNodes = append(leafNodes, leaf)
		if leaf.nextLeaf == NoBlock {
			break
		}
		leaf, err = t.loadLeaf(leaf.nextLeaf)
		if err != nil {
			return fmt.Errorf("flatten: %w", err)
		}
	}

	// Read every old tail block's raw bytes up front.
	tailOldBytes := make(map[BlockIndex][]byte)
	for _, lf := range leafNodes {
		for _, e := range lf.elements {
			for _, ob := range e.value.tailBlocks {
				if _, ok := tailOldBytes[ob]; ok {
					continue
				}
				buf, err := t.dev.readBlockRaw(ob)
				if err != nil {
					return fmt.Errorf("flatten: %w", err)
				}
				tailOldBytes[ob] = buf
			}
		}
	}

	// Decode every old index node up front, bottom-up traversal order
	// doesn't matter here since nothing is written yet.
	indexOld := make(map[BlockIndex]*indexNode)
	if !t.committedRootIsLeaf {
		var readAll func(b BlockIndex) error
		readAll = func(b BlockIndex) error {
			if _, ok := indexOld[b]; ok {
				return nil
			}
			n, err := t.loadIndex(b)
			if err != nil {
				return err
			}
			indexOld[b] = n
			if n.level == 0 {
				return nil
			}
			for i := 0; i < n.pointerCount(); i++ {
				if err := readAll(n.pointer(i)); err != nil {
					return err
				}
			}
			return nil
		}
		if err := readAll(t.committedRoot); err != nil {
			return fmt.Errorf("flatten: %w", err)
		}
	}

	// Every old block this pass will ever need is now in memory. From
	// here on only newly assigned block numbers are written.
	counter := BlockIndex(1)
	leafNew := make(map[BlockIndex]BlockIndex, len(leafOld))
	for _, old := range leafOld {
		leafNew[old] = counter
		counter++
	}

	tailNew := make(map[BlockIndex]BlockIndex, len(tailOldBytes))
	for _, lf := range leafNodes {
		for _, e := range lf.elements {
			for _, ob := range e.value.tailBlocks {
				if _, ok := tailNew[ob]; ok {
					continue
				}
				tailNew[ob] = counter
				counter++
			}
		}
	}

	for i, lf := range leafNodes {
		nn := &leafNode{elements: make([]leafElement, len(lf.elements))}
		if i+1 < len(leafNodes) {
			nn.nextLeaf = leafNew[leafNodes[i+1].self]
		} else {
			nn.nextLeaf = NoBlock
		}
		for j, e := range lf.elements {
			v := e.value
			if v.isExternal() {
				remapped := make([]BlockIndex, len(v.tailBlocks))
				for k, ob := range v.tailBlocks {
					remapped[k] = tailNew[ob]
				}
				v.tailBlocks = remapped
			}
			nn.elements[j] = leafElement{key: e.key, value: v}
		}
		buf, err := encodeLeaf(nn, t.blockSize(), t.keySize())
		if err != nil {
			return fmt.Errorf("flatten: %w", err)
		}
		if err := t.dev.writeBlockRaw(leafNew[lf.self], buf); err != nil {
			return fmt.Errorf("flatten: %w", err)
		}
	}

	for old, new := range tailNew {
		if err := t.dev.writeBlockRaw(new, tailOldBytes[old]); err != nil {
			return fmt.Errorf("flatten: %w", err)
		}
	}

	newRoot := t.committedRoot
	if !t.committedRootIsLeaf {
		indexNew := make(map[BlockIndex]BlockIndex)
		var assign func(old BlockIndex) (BlockIndex, error)
		assign = func(old BlockIndex) (BlockIndex, error) {
			if nb, ok := indexNew[old]; ok {
				return nb, nil
			}
			n := indexOld[old]
			newPointers := make([]BlockIndex, n.pointerCount())
			for i := 0; i < n.pointerCount(); i++ {
				p := n.pointer(i)
				if n.level == 0 {
					nb, ok := leafNew[p]
					if !ok {
						return NoBlock, fmt.Errorf("%w: dangling leaf pointer during flatten", ErrCorruption)
					}
					newPointers[i] = nb
				} else {
					nb, err := assign(p)
					if err != nil {
						return NoBlock, err
					}
					newPointers[i] = nb
				}
			}
			newID := counter
			counter++
			nn := &indexNode{level: n.level, begin: newPointers[0], keys: n.keys, children: newPointers[1:]}
			buf, err := encodeIndex(nn, t.blockSize(), t.keySize())
			if err != nil {
				return NoBlock, err
			}
			if err := t.dev.writeBlockRaw(newID, buf); err != nil {
				return NoBlock, err
			}
			indexNew[old] = newID
			return newID, nil
		}
		newRoot, err = assign(t.committedRoot)
		if err != nil {
			return fmt.Errorf("flatten: %w", err)
		}
	} else {
		newRoot = leafNew[t.committedRoot]
	}

	if err := t.dev.sync(); err != nil {
		return fmt.Errorf("flatten: %w", err)
	}
	if err := t.writeFlattenedHeader(newRoot, t.committedRootIsLeaf, t.committedRecordCount, t.committedIndexLevels, counter); err != nil {
		return err
	}
	return t.dev.truncateTo(counter)
}

func (t *Tree) writeFlattenedHeader(root BlockIndex, rootIsLeaf bool, recordCount uint64, indexLevels uint8, totalBlocks BlockIndex) error {
	info := rootInfo{root: root, rootIsLeaf: rootIsLeaf, recordCount: recordCount, indexLevels: indexLevels}
	hdr := &header{
		blockSize:         t.blockSize(),
		keySize:           t.keySize(),
		contentIdentifier: t.opts.ContentIdentifier,
		selector:          0,
		slots:             [2]rootInfo{info, info},
		headFreeIndexBlock: NoBlock,
	}
	hdrBlock := make([]byte, t.blockSize())
	copy(hdrBlock, hdr.encode())
	if err := t.dev.writeBlockRaw(0, hdrBlock); err != nil {
		return fmt.Errorf("flatten: %w", err)
	}
	if err := t.dev.sync(); err != nil {
		return fmt.Errorf("flatten: %w", err)
	}

	t.selector = 0
	t.committedRoot = root
	t.committedRootIsLeaf = rootIsLeaf
	t.committedRecordCount = recordCount
	t.committedIndexLevels = indexLevels
	t.resetPending()
	t.alloc = newAllocator(t.dev, NoBlock)
	t.cache.clear()
	return nil
}
