// Hashed-key adapter: lets a caller address records by an arbitrary
// []byte or string key instead of a fixed KeySize key, by hashing the
// caller's key down to the tree's KeySize.
package sectordb

import (
	"crypto/sha256"
	"fmt"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Algorithm selects the digest a HashedDatabase uses to derive fixed-size
// tree keys from caller-supplied keys.
type Algorithm int

const (
	// AlgSHA256 keys the tree by the full 32-byte SHA-256 digest
	// (OpenHashed sets KeySize to 32). This is the default: it keeps the
	// collision resistance the core format assumes.
	AlgSHA256 Algorithm = iota
	// AlgXXHash3 uses zeebo/xxh3 instead, trading collision resistance
	// for speed. An explicit opt-out of the default guarantee; only
	// appropriate when the caller's keys are already unique.
	AlgXXHash3
	// AlgBlake2b uses blake2b, cryptographically strong like SHA-256 but
	// faster on large keys.
	AlgBlake2b
)

// HashedOptions configures a HashedDatabase.
type HashedOptions struct {
	Tree      Options
	Algorithm Algorithm
}

// HashedDatabase wraps a Tree keyed by fixed-size hashes, accepting
// arbitrary-length keys at the API boundary.
type HashedDatabase struct {
	tree *Tree
	alg  Algorithm
}

// OpenHashed opens (or creates) a hashed-key database at path. The
// underlying tree's KeySize is fixed by the selected algorithm's digest
// size, overriding whatever opts.Tree.KeySize was set to.
func OpenHashed(path string, opts HashedOptions) (*HashedDatabase, bool, error) {
	opts.Tree.KeySize = uint32(digestSize(opts.Algorithm))
	tree, created, err := Open(path, opts.Tree)
	if err != nil {
		return nil, false, err
	}
	return &HashedDatabase{tree: tree, alg: opts.Algorithm}, created, nil
}

func digestSize(alg Algorithm) int {
	switch alg {
	case AlgXXHash3:
		return 16 // one 128-bit xxh3 hash, high half then low half
	case AlgBlake2b:
		return blake2b.Size256
	default:
		return sha256.Size
	}
}

func (h *HashedDatabase) digest(key []byte) []byte {
	switch h.alg {
	case AlgXXHash3:
		buf := make([]byte, 16)
		sum := xxh3.Hash128(key)
		putUint64(buf[0:8], sum.Hi)
		putUint64(buf[8:16], sum.Lo)
		return buf
	case AlgBlake2b:
		sum := blake2b.Sum256(key)
		return sum[:]
	default:
		sum := sha256.Sum256(key)
		return sum[:]
	}
}

func putUint64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

// Tree returns the underlying fixed-key tree, for callers that need
// Stats, Flatten, or direct access to the hashed key space.
func (h *HashedDatabase) Tree() *Tree { return h.tree }

func (h *HashedDatabase) Insert(key, value []byte) error {
	if err := h.tree.Insert(h.digest(key), value); err != nil {
		return fmt.Errorf("hashed insert: %w", err)
	}
	return nil
}

func (h *HashedDatabase) InsertString(key string, value []byte) error {
	return h.Insert([]byte(key), value)
}

func (h *HashedDatabase) Find(key []byte) ([]byte, bool, error) {
	v, ok, err := h.tree.Find(h.digest(key))
	if err != nil {
		return nil, false, fmt.Errorf("hashed find: %w", err)
	}
	return v, ok, nil
}

func (h *HashedDatabase) FindString(key string) ([]byte, bool, error) {
	return h.Find([]byte(key))
}

func (h *HashedDatabase) Contains(key []byte) (bool, error) {
	ok, err := h.tree.Contains(h.digest(key))
	if err != nil {
		return false, fmt.Errorf("hashed contains: %w", err)
	}
	return ok, nil
}

func (h *HashedDatabase) Remove(key []byte) (bool, error) {
	ok, err := h.tree.Remove(h.digest(key))
	if err != nil {
		return false, fmt.Errorf("hashed remove: %w", err)
	}
	return ok, nil
}

func (h *HashedDatabase) Commit() error { return h.tree.Commit() }

func (h *HashedDatabase) Close() error { return h.tree.Close() }
