// On-disk header block (block 0).
//
// Layout (little-endian), headerSize bytes total:
//
//	[0:8)    version magic
//	[8:12)   blockSize
//	[12:16)  keySize
//	[16:32)  contentIdentifier (16 bytes)
//	[32:33)  root selector (0 or 1)
//	[33:50)  root-info slot 0 (17 bytes)
//	[50:67)  root-info slot 1 (17 bytes)
//	[67:71)  headFreeIndexBlock
//
// Everything past that is reserved and zeroed. A root-info slot packs:
//
//	[0:4)   rootBlock (u32)
//	[4:5)   rootIsLeaf (u8, 0/1)
//	[5:13)  recordCount (u64)
//	[13:14) indexLevels (u8)
//	[14:17) reserved
package sectordb

import (
	"encoding/binary"
	"fmt"
)

const (
	headerSize         = 512
	versionMagic       = "SCTRDB01"
	contentIDSize      = 16
	rootSelectorOffset = 32
	rootInfoStart      = 33
	rootInfoSize       = 17
	headFreeIndexOff   = rootInfoStart + 2*rootInfoSize // 67
)

type rootInfo struct {
	root        BlockIndex
	rootIsLeaf  bool
	recordCount uint64
	indexLevels uint8
}

func (r rootInfo) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.root))
	if r.rootIsLeaf {
		buf[4] = 1
	} else {
		buf[4] = 0
	}
	binary.LittleEndian.PutUint64(buf[5:13], r.recordCount)
	buf[13] = r.indexLevels
	buf[14], buf[15], buf[16] = 0, 0, 0
}

func decodeRootInfo(buf []byte) rootInfo {
	return rootInfo{
		root:        BlockIndex(binary.LittleEndian.Uint32(buf[0:4])),
		rootIsLeaf:  buf[4] != 0,
		recordCount: binary.LittleEndian.Uint64(buf[5:13]),
		indexLevels: buf[13],
	}
}

type header struct {
	blockSize          uint32
	keySize            uint32
	contentIdentifier  [contentIDSize]byte
	selector           uint8
	slots              [2]rootInfo
	headFreeIndexBlock BlockIndex
}

func newHeader(blockSize, keySize uint32, contentIdentifier [contentIDSize]byte) *header {
	return &header{
		blockSize:          blockSize,
		keySize:            keySize,
		contentIdentifier:  contentIdentifier,
		selector:           0,
		slots:              [2]rootInfo{{root: NoBlock}, {root: NoBlock}},
		headFreeIndexBlock: NoBlock,
	}
}

func (h *header) authoritative() rootInfo { return h.slots[h.selector] }

func (h *header) encode() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], versionMagic)
	binary.LittleEndian.PutUint32(buf[8:12], h.blockSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.keySize)
	copy(buf[16:32], h.contentIdentifier[:])
	buf[rootSelectorOffset] = h.selector
	h.slots[0].encode(buf[rootInfoStart : rootInfoStart+rootInfoSize])
	h.slots[1].encode(buf[rootInfoStart+rootInfoSize : rootInfoStart+2*rootInfoSize])
	binary.LittleEndian.PutUint32(buf[headFreeIndexOff:headFreeIndexOff+4], uint32(h.headFreeIndexBlock))
	return buf
}

func decodeHeader(buf []byte) (*header, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: short header", ErrCorruption)
	}
	if string(buf[0:8]) != versionMagic {
		return nil, fmt.Errorf("%w: bad version magic", ErrCorruption)
	}
	h := &header{
		blockSize: binary.LittleEndian.Uint32(buf[8:12]),
		keySize:   binary.LittleEndian.Uint32(buf[12:16]),
		selector:  buf[rootSelectorOffset],
	}
	copy(h.contentIdentifier[:], buf[16:32])
	if h.selector > 1 {
		return nil, fmt.Errorf("%w: bad root selector %d", ErrCorruption, h.selector)
	}
	h.slots[0] = decodeRootInfo(buf[rootInfoStart : rootInfoStart+rootInfoSize])
	h.slots[1] = decodeRootInfo(buf[rootInfoStart+rootInfoSize : rootInfoStart+2*rootInfoSize])
	h.headFreeIndexBlock = BlockIndex(binary.LittleEndian.Uint32(buf[headFreeIndexOff : headFreeIndexOff+4]))
	return h, nil
}

// writeHeaderSlot writes one root-info slot plus the shared
// headFreeIndexBlock field, without touching the selector byte. This is
// always safe pre-flip: a crash here leaves the selector pointing at the
// untouched authoritative slot.
func writeHeaderSlot(d *device, slot uint8, info rootInfo, headFree BlockIndex) error {
	buf := make([]byte, rootInfoSize)
	info.encode(buf)
	off := uint32(rootInfoStart) + uint32(slot)*uint32(rootInfoSize)
	if err := d.rawWrite(0, off, buf); err != nil {
		return err
	}
	return writeHeadFreeIndexBlock(d, headFree)
}

// flipSelector performs the single-byte linearization write.
func flipSelector(d *device, slot uint8) error {
	return d.rawWrite(0, rootSelectorOffset, []byte{slot})
}

// writeHeadFreeIndexBlock updates only the shared free-chain head pointer,
// used both pre-flip (from writeHeaderSlot) and for the post-flip
// best-effort second write described in commit.go.
func writeHeadFreeIndexBlock(d *device, b BlockIndex) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(b))
	return d.rawWrite(0, uint32(headFreeIndexOff), buf)
}
