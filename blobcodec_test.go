// BlobCodec sits above a Tree and only touches the value bytes: small
// values pass through untouched, large compressible ones get wrapped in
// a tagged envelope, and either way Find must hand back exactly what
// was inserted.
package sectordb

import (
	"bytes"
	"testing"
)

func TestBlobCodecPassesThroughValuesBelowThreshold(t *testing.T) {
	tree := openTestTree(t, Options{BlockSize: 2048, KeySize: 4})
	codec := NewBlobCodec(tree, 64)
	small := []byte("short value")
	if err := codec.Insert(key4(1), small); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v, found, err := codec.Find(key4(1))
	if err != nil || !found {
		t.Fatalf("Find: found=%v err=%v", found, err)
	}
	if !bytes.Equal(v, small) {
		t.Errorf("value = %q, want %q", v, small)
	}
}

func TestBlobCodecCompressesAndDecompressesLargeValue(t *testing.T) {
	tree := openTestTree(t, Options{BlockSize: 2048, KeySize: 4})
	codec := NewBlobCodec(tree, 32)
	large := bytes.Repeat([]byte("compressible-chunk-data "), 500)

	if err := codec.Insert(key4(1), large); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	stored, _, err := tree.Find(key4(1))
	if err != nil {
		t.Fatalf("tree.Find: %v", err)
	}
	if len(stored) >= len(large) {
		t.Errorf("stored value (%d bytes) should be smaller than the original (%d bytes)", len(stored), len(large))
	}

	v, found, err := codec.Find(key4(1))
	if err != nil || !found {
		t.Fatalf("Find: found=%v err=%v", found, err)
	}
	if !bytes.Equal(v, large) {
		t.Fatal("decompressed value does not match the original")
	}
}

func TestBlobCodecSkipsCompressionWhenItWouldNotShrinkValue(t *testing.T) {
	tree := openTestTree(t, Options{BlockSize: 2048, KeySize: 4})
	codec := NewBlobCodec(tree, 8)
	random := make([]byte, 200)
	for i := range random {
		random[i] = byte(i*37 + 11) // high-entropy, won't compress well
	}
	if err := codec.Insert(key4(1), random); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	stored, _, err := tree.Find(key4(1))
	if err != nil {
		t.Fatalf("tree.Find: %v", err)
	}
	if !bytes.Equal(stored, random) {
		t.Error("an incompressible value should be stored as is, without an envelope")
	}
	v, found, err := codec.Find(key4(1))
	if err != nil || !found {
		t.Fatalf("Find: found=%v err=%v", found, err)
	}
	if !bytes.Equal(v, random) {
		t.Fatal("value round trip failed")
	}
}

func TestBlobCodecContainsRemoveDelegateToUnderlyingTree(t *testing.T) {
	tree := openTestTree(t, Options{BlockSize: 2048, KeySize: 4})
	codec := NewBlobCodec(tree, 16)
	if err := codec.Insert(key4(1), bytes.Repeat([]byte{1}, 100)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if ok, err := codec.Contains(key4(1)); err != nil || !ok {
		t.Fatalf("Contains: %v, %v", ok, err)
	}
	removed, err := codec.Remove(key4(1))
	if err != nil || !removed {
		t.Fatalf("Remove: %v, %v", removed, err)
	}
	if ok, _ := codec.Contains(key4(1)); ok {
		t.Error("Contains should report false after Remove")
	}
}
