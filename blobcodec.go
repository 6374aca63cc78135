// Optional blob codec for large values.
//
// This sits above the tree, not inside it: the core leaf/tail-block wire
// format never knows a value was compressed. A caller that expects large
// values (world chunks, serialized entities) wraps its Tree in a
// BlobCodec so Insert compresses and Find decompresses transparently,
// the way Starbound compresses chunk data before handing it to its
// sector database.
package sectordb

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Shared encoder/decoder, built once: zstd encoder/decoder construction
// allocates internal state tables that would dominate the cost of
// compressing a single small value if rebuilt per call. Both are
// documented safe for concurrent use.
var (
	blobEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	blobDecoder, _ = zstd.NewReader(nil)
)

const blobMagic = 0x53445A31 // "SDZ1"

// BlobCodec wraps a Tree, compressing values at or above Threshold bytes
// before they are written and decompressing them transparently on read.
type BlobCodec struct {
	tree      *Tree
	threshold int
}

// NewBlobCodec wraps tree. threshold <= 0 means "always compress".
func NewBlobCodec(tree *Tree, threshold int) *BlobCodec {
	return &BlobCodec{tree: tree, threshold: threshold}
}

func (c *BlobCodec) encode(value []byte) []byte {
	if len(value) < c.threshold {
		return value
	}
	compressed := blobEncoder.EncodeAll(value, nil)
	if len(compressed) >= len(value) {
		return value
	}
	out := make([]byte, 9+len(compressed))
	binary.LittleEndian.PutUint32(out[0:4], blobMagic)
	out[4] = 1
	binary.LittleEndian.PutUint32(out[5:9], uint32(len(value)))
	copy(out[9:], compressed)
	return out
}

func (c *BlobCodec) decode(stored []byte) ([]byte, error) {
	if len(stored) < 9 || binary.LittleEndian.Uint32(stored[0:4]) != blobMagic || stored[4] != 1 {
		return stored, nil
	}
	originalLen := binary.LittleEndian.Uint32(stored[5:9])
	out, err := blobDecoder.DecodeAll(stored[9:], make([]byte, 0, originalLen))
	if err != nil {
		return nil, fmt.Errorf("blobcodec: %w", err)
	}
	return out, nil
}

func (c *BlobCodec) Insert(key, value []byte) error {
	return c.tree.Insert(key, c.encode(value))
}

func (c *BlobCodec) Find(key []byte) ([]byte, bool, error) {
	stored, ok, err := c.tree.Find(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	v, err := c.decode(stored)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (c *BlobCodec) Contains(key []byte) (bool, error) { return c.tree.Contains(key) }
func (c *BlobCodec) Remove(key []byte) (bool, error)   { return c.tree.Remove(key) }
func (c *BlobCodec) Commit() error                     { return c.tree.Commit() }
