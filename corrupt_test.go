// Malformed on-disk state must surface as ErrCorruption rather than a
// panic or silent wrong answer: bad magic, a truncated header, and an
// impossible block pointer.
package sectordb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenRejectsBadVersionMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.db")
	buf := make([]byte, headerSize)
	copy(buf, "NOTSCTRDB")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, _, err := Open(path, Options{BlockSize: headerSize, KeySize: 4})
	if err == nil || !errors.Is(err, ErrCorruption) {
		t.Fatalf("Open with bad magic = %v, want ErrCorruption", err)
	}
}

func TestOpenRejectsTruncatedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.db")
	if err := os.WriteFile(path, make([]byte, 10), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, _, err := Open(path, Options{BlockSize: 512, KeySize: 4})
	if err == nil {
		t.Fatal("expected an error opening a file too short to hold a header")
	}
}

func TestDecodeHeaderRejectsBadSelector(t *testing.T) {
	hdr := newHeader(512, 4, [16]byte{})
	buf := hdr.encode()
	buf[rootSelectorOffset] = 7
	if _, err := decodeHeader(buf); err == nil || !errors.Is(err, ErrCorruption) {
		t.Fatalf("decodeHeader with selector=7 = %v, want ErrCorruption", err)
	}
}

func TestLoadIndexSurfacesCorruptionForImpossiblePointer(t *testing.T) {
	tree := openTestTree(t, Options{BlockSize: 256, KeySize: 4})
	if err := tree.Insert(key4(1), key4(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// A block index past the end of the device should fail to read
	// rather than silently returning garbage.
	_, err := tree.loadIndex(BlockIndex(999))
	if err == nil {
		t.Fatal("expected an error loading an out-of-range block index")
	}
}

func TestDecodeIndexRejectsTruncatedElement(t *testing.T) {
	buf := make([]byte, indexHeaderSize+2)
	copy(buf, indexTag)
	buf[7] = 2 // pointerCount=2 implies one key+pointer, but only 2 bytes follow
	if _, err := decodeIndex(buf, 4); err == nil || !errors.Is(err, ErrCorruption) {
		t.Fatalf("decodeIndex on truncated buffer = %v, want ErrCorruption", err)
	}
}
