// Binary wire format for leaf and index blocks, and the tail-block spill
// scheme for oversized values.
//
// Leaf block:
//
//	[0:2)  tag "LF"
//	[2:6)  nextLeaf
//	[6:10) element count
//	elements...
//
// Each element: key (keySize bytes), a one-byte inline/external flag, a
// varint value length, then either the inline bytes or a varint tail
// block count followed by that many 4-byte block indexes.
//
// Index block:
//
//	[0:2)   tag "IX"
//	[2:3)   level
//	[3:7)   begin pointer
//	[7:11)  pointer count (len(keys)+1)
//	pairs: separator key (keySize bytes), child pointer (4 bytes)
//
// A tail block is untagged: it is never self-describing, only reachable
// by walking a leaf element's tailBlocks list, and holds raw value bytes
// padded with zeros in its final block.
package sectordb

import (
	"encoding/binary"
	"fmt"
)

const (
	leafTag  = "LF"
	indexTag = "IX"

	leafHeaderSize  = 10
	indexHeaderSize = 11
)

// spillThreshold is the byte length at or above which a value is stored
// externally across tail blocks instead of inline.
func spillThreshold(blockSize uint32) int { return int(blockSize / 4) }

func tailBlockCount(length int, blockSize uint32) int {
	if length == 0 {
		return 0
	}
	return (length + int(blockSize) - 1) / int(blockSize)
}

// makeValueRef decides inline vs. external storage for value and, if
// external, spills it across freshly reserved tail blocks.
func makeValueRef(value []byte, blockSize uint32, alloc *allocator) (valueRef, error) {
	if len(value) < spillThreshold(blockSize) {
		buf := append([]byte{}, value...)
		return valueRef{length: len(value), inline: buf}, nil
	}
	n := tailBlockCount(len(value), blockSize)
	blocks := make([]BlockIndex, n)
	for i := 0; i < n; i++ {
		b, err := alloc.reserveBlock()
		if err != nil {
			return valueRef{}, err
		}
		blocks[i] = b
		chunk := make([]byte, blockSize)
		start := i * int(blockSize)
		end := start + int(blockSize)
		if end > len(value) {
			end = len(value)
		}
		copy(chunk, value[start:end])
		if err := alloc.updateBlock(b, chunk); err != nil {
			return valueRef{}, err
		}
	}
	return valueRef{length: len(value), tailBlocks: blocks}, nil
}

// freeValueRef releases any tail blocks a value occupies. Inline values
// are a no-op.
func freeValueRef(v valueRef, alloc *allocator) {
	for _, b := range v.tailBlocks {
		alloc.freeBlock(b)
	}
}

// resolveValue materializes the full value bytes for v.
func resolveValue(v valueRef, blockSize uint32, alloc *allocator) ([]byte, error) {
	if !v.isExternal() {
		return v.inline, nil
	}
	out := make([]byte, 0, v.length)
	remaining := v.length
	for _, b := range v.tailBlocks {
		buf, err := alloc.readBlock(b)
		if err != nil {
			return nil, err
		}
		n := int(blockSize)
		if n > remaining {
			n = remaining
		}
		out = append(out, buf[:n]...)
		remaining -= n
	}
	return out, nil
}

func leafElementSize(e leafElement, keySize uint32) int {
	n := int(keySize) + 1 // key + flag
	var lenBuf [binary.MaxVarintLen64]byte
	n += binary.PutUvarint(lenBuf[:], uint64(e.value.length))
	if e.value.isExternal() {
		var cntBuf [binary.MaxVarintLen64]byte
		n += binary.PutUvarint(cntBuf[:], uint64(len(e.value.tailBlocks)))
		n += len(e.value.tailBlocks) * 4
	} else {
		n += len(e.value.inline)
	}
	return n
}

func leafEncodedSize(elements []leafElement, keySize uint32) int {
	n := leafHeaderSize
	for _, e := range elements {
		n += leafElementSize(e, keySize)
	}
	return n
}

func encodeLeaf(n *leafNode, blockSize, keySize uint32) ([]byte, error) {
	size := leafEncodedSize(n.elements, keySize)
	if size > int(blockSize) {
		return nil, fmt.Errorf("%w: leaf block would overflow (%d > %d)", ErrCorruption, size, blockSize)
	}
	buf := make([]byte, blockSize)
	copy(buf[0:2], leafTag)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(n.nextLeaf))
	binary.LittleEndian.PutUint32(buf[6:10], uint32(len(n.elements)))
	off := leafHeaderSize
	for _, e := range n.elements {
		if len(e.key) != int(keySize) {
			return nil, fmt.Errorf("%w: key length %d != %d", ErrBadParameter, len(e.key), keySize)
		}
		copy(buf[off:off+int(keySize)], e.key)
		off += int(keySize)
		if e.value.isExternal() {
			buf[off] = 1
		} else {
			buf[off] = 0
		}
		off++
		off += binary.PutUvarint(buf[off:], uint64(e.value.length))
		if e.value.isExternal() {
			off += binary.PutUvarint(buf[off:], uint64(len(e.value.tailBlocks)))
			for _, b := range e.value.tailBlocks {
				binary.LittleEndian.PutUint32(buf[off:off+4], uint32(b))
				off += 4
			}
		} else {
			copy(buf[off:off+len(e.value.inline)], e.value.inline)
			off += len(e.value.inline)
		}
	}
	return buf, nil
}

func decodeLeaf(buf []byte, keySize uint32) (*leafNode, error) {
	if len(buf) < leafHeaderSize || string(buf[0:2]) != leafTag {
		return nil, fmt.Errorf("%w: bad leaf block tag", ErrCorruption)
	}
	n := &leafNode{
		nextLeaf: BlockIndex(binary.LittleEndian.Uint32(buf[2:6])),
	}
	count := binary.LittleEndian.Uint32(buf[6:10])
	off := leafHeaderSize
	n.elements = make([]leafElement, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+int(keySize)+1 > len(buf) {
			return nil, fmt.Errorf("%w: leaf element truncated", ErrCorruption)
		}
		key := append([]byte{}, buf[off:off+int(keySize)]...)
		off += int(keySize)
		external := buf[off] != 0
		off++
		length, m := binary.Uvarint(buf[off:])
		if m <= 0 {
			return nil, fmt.Errorf("%w: bad value length varint", ErrCorruption)
		}
		off += m
		var v valueRef
		v.length = int(length)
		if external {
			cnt, m2 := binary.Uvarint(buf[off:])
			if m2 <= 0 {
				return nil, fmt.Errorf("%w: bad tail block count varint", ErrCorruption)
			}
			off += m2
			blocks := make([]BlockIndex, cnt)
			for j := range blocks {
				blocks[j] = BlockIndex(binary.LittleEndian.Uint32(buf[off : off+4]))
				off += 4
			}
			v.tailBlocks = blocks
		} else {
			v.inline = append([]byte{}, buf[off:off+int(length)]...)
			off += int(length)
		}
		n.elements = append(n.elements, leafElement{key: key, value: v})
	}
	return n, nil
}

func maxIndexPointers(blockSize, keySize uint32) int {
	return 1 + int((blockSize-uint32(indexHeaderSize))/(keySize+4))
}

func encodeIndex(n *indexNode, blockSize, keySize uint32) ([]byte, error) {
	if n.pointerCount() > maxIndexPointers(blockSize, keySize) {
		return nil, fmt.Errorf("%w: index block would overflow", ErrCorruption)
	}
	buf := make([]byte, blockSize)
	copy(buf[0:2], indexTag)
	buf[2] = n.level
	binary.LittleEndian.PutUint32(buf[3:7], uint32(n.begin))
	binary.LittleEndian.PutUint32(buf[7:11], uint32(n.pointerCount()))
	off := indexHeaderSize
	for i, key := range n.keys {
		if len(key) != int(keySize) {
			return nil, fmt.Errorf("%w: separator key length %d != %d", ErrBadParameter, len(key), keySize)
		}
		copy(buf[off:off+int(keySize)], key)
		off += int(keySize)
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(n.children[i]))
		off += 4
	}
	return buf, nil
}

func decodeIndex(buf []byte, keySize uint32) (*indexNode, error) {
	if len(buf) < indexHeaderSize || string(buf[0:2]) != indexTag {
		return nil, fmt.Errorf("%w: bad index block tag", ErrCorruption)
	}
	n := &indexNode{
		level: buf[2],
		begin: BlockIndex(binary.LittleEndian.Uint32(buf[3:7])),
	}
	pointerCount := binary.LittleEndian.Uint32(buf[7:11])
	if pointerCount == 0 {
		return nil, fmt.Errorf("%w: index block with zero pointers", ErrCorruption)
	}
	keyCount := pointerCount - 1
	off := indexHeaderSize
	n.keys = make([][]byte, 0, keyCount)
	n.children = make([]BlockIndex, 0, keyCount)
	for i := uint32(0); i < keyCount; i++ {
		if off+int(keySize)+4 > len(buf) {
			return nil, fmt.Errorf("%w: index element truncated", ErrCorruption)
		}
		key := append([]byte{}, buf[off:off+int(keySize)]...)
		off += int(keySize)
		p := BlockIndex(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		n.keys = append(n.keys, key)
		n.children = append(n.children, p)
	}
	return n, nil
}
