// Tree is the top-level handle over a single block-structured B-tree
// file: lifecycle (Open/Close), the single-writer/many-reader lock, and
// the glue between the block device, the free-space allocator, the index
// cache, and the node codec that the operation files (find.go, insert.go,
// remove.go, scan.go, commit.go, flatten.go) drive.
package sectordb

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Options configures a Tree. Zero values are replaced with defaults the
// same way the teacher's Config resolves its zero-valued fields at Open,
// not at construction.
type Options struct {
	// BlockSize is the fixed size of every block in the file, including
	// the header. Must be at least 512. Defaults to 2048.
	BlockSize uint32
	// KeySize is the fixed size in bytes of every key. There is no
	// sensible default; it must be set.
	KeySize uint32
	// ContentIdentifier is an opaque 16-byte tag an application can use
	// to recognize "this is my file format" independent of the schema
	// the keys/values encode.
	ContentIdentifier [16]byte
	// IndexCacheSize bounds the number of decoded index nodes kept in
	// memory. Zero means the default of 64; a negative value disables
	// the cache.
	IndexCacheSize int
	// NoAutoCommit disables the implicit commit that otherwise follows
	// every successful mutating call. Its zero value (false) means
	// auto-commit is on, matching the original engine's default.
	NoAutoCommit bool
}

func (o Options) withDefaults() Options {
	if o.BlockSize == 0 {
		o.BlockSize = 2048
	}
	if o.IndexCacheSize == 0 {
		o.IndexCacheSize = 64
	}
	return o
}

// Stats is a single consistent snapshot of tree-wide counters, gathered
// under one read lock instead of six separate accessor calls.
type Stats struct {
	RecordCount     uint64 `json:"recordCount"`
	IndexLevels     uint8  `json:"indexLevels"`
	TotalBlockCount uint32 `json:"totalBlockCount"`
	FreeBlockCount  uint32 `json:"freeBlockCount"`
	IndexBlockCount uint32 `json:"indexBlockCount"`
	LeafBlockCount  uint32 `json:"leafBlockCount"`
	TailBlockCount  uint32 `json:"tailBlockCount"`
	BlockSize       uint32 `json:"blockSize"`
	KeySize         uint32 `json:"keySize"`
}

// Tree is safe for concurrent use: any number of readers may run
// together, but at most one writer runs at a time, and writers exclude
// readers for the duration of their call.
type Tree struct {
	mu sync.RWMutex

	dev   *device
	alloc *allocator
	cache *indexCache
	opts  Options
	open  bool

	selector uint8

	committedRoot        BlockIndex
	committedRootIsLeaf  bool
	committedRecordCount uint64
	committedIndexLevels uint8

	pendingRoot        BlockIndex
	pendingRootIsLeaf  bool
	pendingRecordCount uint64
	pendingIndexLevels uint8
}

// Open opens path, creating it if it does not exist. created reports
// whether a new file was initialized.
func Open(path string, opts Options) (tree *Tree, created bool, err error) {
	opts = opts.withDefaults()
	if opts.KeySize == 0 {
		return nil, false, newErr("open", ErrBadParameter)
	}
	if opts.BlockSize < headerSize {
		return nil, false, newErr("open", ErrBadParameter)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("open: %w", err)
	}

	dev, err := openDevice(f, opts.BlockSize)
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("open: %w", err)
	}
	if err := dev.lockFile(LockExclusive); err != nil {
		f.Close()
		return nil, false, fmt.Errorf("open: %w", err)
	}

	var hdr *header
	created = info.Size() == 0
	if created {
		hdr = newHeader(opts.BlockSize, opts.KeySize, opts.ContentIdentifier)
		if _, err := dev.makeEndBlock(); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("open: %w", err)
		}
		hdrBlock := make([]byte, opts.BlockSize)
		copy(hdrBlock, hdr.encode())
		if err := dev.writeBlockRaw(0, hdrBlock); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("open: %w", err)
		}
		if err := dev.sync(); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("open: %w", err)
		}
	} else {
		buf, err := dev.readBlockRaw(0)
		if err != nil {
			f.Close()
			return nil, false, fmt.Errorf("open: %w", err)
		}
		hdr, err = decodeHeader(buf)
		if err != nil {
			f.Close()
			return nil, false, fmt.Errorf("open: %w", err)
		}
		if hdr.blockSize != opts.BlockSize || hdr.keySize != opts.KeySize || hdr.contentIdentifier != opts.ContentIdentifier {
			f.Close()
			return nil, false, newErr("open", ErrParameterMismatch)
		}
	}

	root := hdr.authoritative()
	t := &Tree{
		dev:                  dev,
		alloc:                newAllocator(dev, hdr.headFreeIndexBlock),
		cache:                newIndexCache(opts.IndexCacheSize),
		opts:                 opts,
		open:                 true,
		selector:             hdr.selector,
		committedRoot:        root.root,
		committedRootIsLeaf:  root.rootIsLeaf,
		committedRecordCount: root.recordCount,
		committedIndexLevels: root.indexLevels,
	}
	t.resetPending()
	return t, created, nil
}

func (t *Tree) resetPending() {
	t.pendingRoot = t.committedRoot
	t.pendingRootIsLeaf = t.committedRootIsLeaf
	t.pendingRecordCount = t.committedRecordCount
	t.pendingIndexLevels = t.committedIndexLevels
}

func (t *Tree) checkOpen() error {
	if !t.open {
		return newErr("checkOpen", ErrNotOpen)
	}
	return nil
}

// Close closes the underlying file. Any uncommitted transaction is
// rolled back first.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return newErr("close", ErrNotOpen)
	}
	if err := t.alloc.rollback(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	t.resetPending()
	_ = t.dev.unlockFile()
	t.open = false
	if err := t.dev.f.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

// failTransaction is invoked when a write-time operation fails while a
// transaction is open. A device-level I/O error can leave the on-disk
// layout diverged from the allocator's in-memory bookkeeping partway
// through a write, so the safe response is to roll back to the last
// committed state and force the tree closed: every later call returns
// ErrNotOpen until the caller reopens the file and reloads its actual
// on-disk state from scratch. Errors that never touched the device (bad
// parameters, decode-time corruption) pass through unchanged since there
// is nothing on disk to undo.
func (t *Tree) failTransaction(cause error) error {
	if !errors.Is(cause, ErrDeviceError) {
		return cause
	}
	_ = t.alloc.rollback()
	t.resetPending()
	t.cache.clear()
	_ = t.dev.unlockFile()
	t.open = false
	_ = t.dev.f.Close()
	return cause
}

func (t *Tree) IsOpen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.open
}

func (t *Tree) checkKey(key []byte) error {
	if uint32(len(key)) != t.opts.KeySize {
		return newErr("checkKey", ErrBadParameter)
	}
	return nil
}

func (t *Tree) blockSize() uint32 { return t.opts.BlockSize }
func (t *Tree) keySize() uint32  { return t.opts.KeySize }

// --- node load/store glue ---

func (t *Tree) loadIndex(b BlockIndex) (*indexNode, error) {
	if n, ok := t.cache.get(b); ok {
		return n, nil
	}
	buf, err := t.alloc.readBlock(b)
	if err != nil {
		return nil, blockErr("loadIndex", b, err)
	}
	n, err := decodeIndex(buf, t.keySize())
	if err != nil {
		return nil, blockErr("loadIndex", b, err)
	}
	n.self = b
	t.cache.put(b, n)
	return n, nil
}

func (t *Tree) loadLeaf(b BlockIndex) (*leafNode, error) {
	buf, err := t.alloc.readBlock(b)
	if err != nil {
		return nil, blockErr("loadLeaf", b, err)
	}
	n, err := decodeLeaf(buf, t.keySize())
	if err != nil {
		return nil, blockErr("loadLeaf", b, err)
	}
	n.self = b
	return n, nil
}

// storeIndex always allocates a fresh block (copy-on-write): callers
// replacing an existing node must free the old block separately.
func (t *Tree) storeIndex(n *indexNode) (BlockIndex, error) {
	b, err := t.alloc.reserveBlock()
	if err != nil {
		return NoBlock, err
	}
	buf, err := encodeIndex(n, t.blockSize(), t.keySize())
	if err != nil {
		return NoBlock, blockErr("storeIndex", b, err)
	}
	if err := t.alloc.updateBlock(b, buf); err != nil {
		return NoBlock, err
	}
	n.self = b
	t.cache.put(b, n)
	return b, nil
}

func (t *Tree) storeLeaf(n *leafNode) (BlockIndex, error) {
	b, err := t.alloc.reserveBlock()
	if err != nil {
		return NoBlock, err
	}
	buf, err := encodeLeaf(n, t.blockSize(), t.keySize())
	if err != nil {
		return NoBlock, blockErr("storeLeaf", b, err)
	}
	if err := t.alloc.updateBlock(b, buf); err != nil {
		return NoBlock, err
	}
	n.self = b
	return b, nil
}

// freeBlock releases a structural block (index or leaf). It does not
// free any tail blocks a leaf's values may reference — callers must do
// that explicitly via freeValueRef when a value is actually being
// discarded rather than carried forward into a merged/replacement node.
func (t *Tree) freeBlock(b BlockIndex) {
	t.cache.invalidate(b)
	t.alloc.freeBlock(b)
}

// Stats returns a consistent snapshot of tree-wide counters.
func (t *Tree) Stats() (Stats, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.open {
		return Stats{}, newErr("stats", ErrNotOpen)
	}
	idxCount, leafCount, tailCount, err := t.countBlocks()
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	free, err := t.countFreeBlocks()
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return Stats{
		RecordCount:     t.pendingRecordCount,
		IndexLevels:     t.pendingIndexLevels,
		TotalBlockCount: uint32(t.dev.numBlocks()),
		FreeBlockCount:  free,
		IndexBlockCount: idxCount,
		LeafBlockCount:  leafCount,
		TailBlockCount:  tailCount,
		BlockSize:       t.opts.BlockSize,
		KeySize:         t.opts.KeySize,
	}, nil
}

// RecordCount returns the number of records currently in the tree. It is
// a single in-memory field read under the shared lock — cheaper than a
// full Stats() snapshot when a caller only needs this one count.
func (t *Tree) RecordCount() (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	return t.pendingRecordCount, nil
}

// IndexLevels returns the current depth of the index above the leaf
// level (0 if the root is itself a leaf).
func (t *Tree) IndexLevels() (uint8, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	return t.pendingIndexLevels, nil
}

// TotalBlockCount returns the number of blocks currently in the file,
// including the header and any free blocks.
func (t *Tree) TotalBlockCount() (uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	return uint32(t.dev.numBlocks()), nil
}

// FreeBlockCount returns the number of free blocks: those already drained
// into memory plus those on the free-index chain not yet drained (the
// chain's own blocks included), walking the chain read-only.
func (t *Tree) FreeBlockCount() (uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	free, err := t.countFreeBlocks()
	if err != nil {
		return 0, fmt.Errorf("freeBlockCount: %w", err)
	}
	return free, nil
}

// IndexBlockCount returns the number of index (non-leaf) blocks
// reachable from the current root.
func (t *Tree) IndexBlockCount() (uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	idx, _, _, err := t.countBlocks()
	if err != nil {
		return 0, fmt.Errorf("indexBlockCount: %w", err)
	}
	return idx, nil
}

// LeafBlockCount returns the number of leaf blocks reachable from the
// current root.
func (t *Tree) LeafBlockCount() (uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	_, leaf, _, err := t.countBlocks()
	if err != nil {
		return 0, fmt.Errorf("leafBlockCount: %w", err)
	}
	return leaf, nil
}

// countBlocks walks the current tree, counting index blocks, leaf
// blocks, and tail blocks referenced by external values.
func (t *Tree) countBlocks() (idx, leaf, tail uint32, err error) {
	if t.pendingRoot == NoBlock {
		return 0, 0, 0, nil
	}
	var walk func(b BlockIndex, isLeaf bool) error
	walk = func(b BlockIndex, isLeaf bool) error {
		if isLeaf {
			leaf++
			n, err := t.loadLeaf(b)
			if err != nil {
				return err
			}
			for _, e := range n.elements {
				tail += uint32(len(e.value.tailBlocks))
			}
			return nil
		}
		idx++
		n, err := t.loadIndex(b)
		if err != nil {
			return err
		}
		for i := 0; i < n.pointerCount(); i++ {
			childIsLeaf := n.level == 0
			if err := walk(n.pointer(i), childIsLeaf); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(t.pendingRoot, t.pendingRootIsLeaf); err != nil {
		return 0, 0, 0, err
	}
	return idx, leaf, tail, nil
}

// countFreeBlocks adds the allocator's in-memory available blocks to the
// blocks of the not-yet-drained on-disk free-index chain, walking the
// chain read-only without disturbing allocator state.
func (t *Tree) countFreeBlocks() (uint32, error) {
	var count uint32
	for b := range t.alloc.availableBlocks {
		_ = b
		count++
	}
	cur := t.alloc.pendingHeadFreeIndexBlock
	for cur != NoBlock {
		buf, err := t.dev.readBlockRaw(cur)
		if err != nil {
			return 0, err
		}
		fib, err := decodeFreeIndexBlock(buf)
		if err != nil {
			return 0, err
		}
		count += uint32(len(fib.blocks)) + 1 // +1 for the chain block itself
		cur = fib.next
	}
	return count, nil
}
