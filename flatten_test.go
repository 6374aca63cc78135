// Flatten reconstructs the file as a contiguous prefix of live blocks;
// these tests check that every key/value pair and the leaf chain order
// survive compaction, that the file actually shrinks, and that the
// guard against an in-progress transaction holds.
package sectordb

import (
	"bytes"
	"testing"
)

// spillValue returns a deterministic value long enough to force external
// tail-block storage at blockSize 256 (spillThreshold is blockSize/4, so
// anything >= 64 bytes spills).
func spillValue(seed, size int) []byte {
	v := make([]byte, size)
	for j := range v {
		v[j] = byte((seed + j) % 256)
	}
	return v
}

func TestFlattenOnEmptyTreeTruncatesToHeaderOnly(t *testing.T) {
	tree := openTestTree(t, Options{BlockSize: 256, KeySize: 4})
	if err := tree.Flatten(); err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if tree.dev.numBlocks() != 1 {
		t.Errorf("numBlocks = %d, want 1 (header only)", tree.dev.numBlocks())
	}
}

func TestFlattenPreservesAllKeysAfterHeavyChurn(t *testing.T) {
	tree := openTestTree(t, Options{BlockSize: 256, KeySize: 4})
	const n = 500
	for i := 0; i < n; i++ {
		if err := tree.Insert(key4(i), key4(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	// Churn: remove and reinsert half the keys so the free list
	// accumulates plenty of reclaimable blocks before compacting.
	for i := 0; i < n; i += 2 {
		if _, err := tree.Remove(key4(i)); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}
	for i := 0; i < n; i += 2 {
		if err := tree.Insert(key4(i), key4(i*2)); err != nil {
			t.Fatalf("reinsert(%d): %v", i, err)
		}
	}

	before := tree.dev.numBlocks()
	if err := tree.Flatten(); err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	after := tree.dev.numBlocks()
	if after > before {
		t.Errorf("numBlocks grew from %d to %d after Flatten", before, after)
	}

	for i := 0; i < n; i++ {
		v, found, err := tree.Find(key4(i))
		if err != nil || !found {
			t.Fatalf("Find(%d) after Flatten: found=%v err=%v", i, found, err)
		}
		want := i
		if i%2 == 0 {
			want = i * 2
		}
		if !bytesEqualInt(v, want) {
			t.Errorf("value for key %d = %v, want encoding of %d", i, v, want)
		}
	}
}

// Tail blocks are raw, unvalidated bytes copied straight through Flatten
// by block index — if renumbering ever writes a new leaf to a block
// index an old tail block still occupies before that tail block is
// read, the loss is silent rather than an error. This churns a tree
// whose values all spill to tail blocks before compacting it.
func TestFlattenPreservesAllKeysAfterHeavyChurnWithTailBlocks(t *testing.T) {
	tree := openTestTree(t, Options{BlockSize: 256, KeySize: 4})
	const n = 200
	const valueSize = 100
	for i := 0; i < n; i++ {
		if err := tree.Insert(key4(i), spillValue(i, valueSize)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	// Remove and reinsert half the keys so leaf and tail blocks both end
	// up with scattered free slots before compacting — the condition
	// under which Flatten's low, densely packed renumbering can collide
	// with a block that hasn't been read yet.
	for i := 0; i < n; i += 2 {
		if _, err := tree.Remove(key4(i)); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}
	for i := 0; i < n; i += 2 {
		if err := tree.Insert(key4(i), spillValue(i*2, valueSize)); err != nil {
			t.Fatalf("reinsert(%d): %v", i, err)
		}
	}

	stats, err := tree.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TailBlockCount == 0 {
		t.Fatal("test setup bug: expected external tail blocks before Flatten")
	}

	before := tree.dev.numBlocks()
	if err := tree.Flatten(); err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	after := tree.dev.numBlocks()
	if after > before {
		t.Errorf("numBlocks grew from %d to %d after Flatten", before, after)
	}

	for i := 0; i < n; i++ {
		v, found, err := tree.Find(key4(i))
		if err != nil || !found {
			t.Fatalf("Find(%d) after Flatten: found=%v err=%v", i, found, err)
		}
		want := spillValue(i, valueSize)
		if i%2 == 0 {
			want = spillValue(i*2, valueSize)
		}
		if !bytes.Equal(v, want) {
			t.Errorf("value for key %d corrupted after Flatten", i)
		}
	}
}

// Same hazard as above but with a tree deep enough to require
// multi-level index renumbering, so the index-node read-before-write
// path is exercised alongside the tail-block one.
func TestFlattenSurvivesMultiLevelIndexChurnWithTailBlocks(t *testing.T) {
	tree := openTestTree(t, Options{BlockSize: 256, KeySize: 4})
	const n = 1500
	const valueSize = 80
	for i := 0; i < n; i++ {
		if err := tree.Insert(key4(i), spillValue(i, valueSize)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	levels, err := tree.IndexLevels()
	if err != nil {
		t.Fatalf("IndexLevels: %v", err)
	}
	if levels == 0 {
		t.Fatal("test setup bug: expected a multi-block index before churning")
	}

	for i := 0; i < n; i += 3 {
		if _, err := tree.Remove(key4(i)); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}
	for i := 0; i < n; i += 3 {
		if err := tree.Insert(key4(i), spillValue(i+1, valueSize)); err != nil {
			t.Fatalf("reinsert(%d): %v", i, err)
		}
	}

	if err := tree.Flatten(); err != nil {
		t.Fatalf("Flatten: %v", err)
	}

	for i := 0; i < n; i++ {
		v, found, err := tree.Find(key4(i))
		if err != nil || !found {
			t.Fatalf("Find(%d) after Flatten: found=%v err=%v", i, found, err)
		}
		want := spillValue(i, valueSize)
		if i%3 == 0 {
			want = spillValue(i+1, valueSize)
		}
		if !bytes.Equal(v, want) {
			t.Errorf("value for key %d corrupted after Flatten", i)
		}
	}

	var seen []int
	if err := tree.ForEach(func(k, v []byte) (bool, error) {
		seen = append(seen, int(k[0])<<24|int(k[1])<<16|int(k[2])<<8|int(k[3]))
		return true, nil
	}); err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(seen) != n {
		t.Fatalf("ForEach visited %d keys after Flatten, want %d", len(seen), n)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("keys out of ascending order after Flatten at index %d", i)
		}
	}
}

func bytesEqualInt(v []byte, want int) bool {
	if len(v) != 4 {
		return false
	}
	got := int(v[0])<<24 | int(v[1])<<16 | int(v[2])<<8 | int(v[3])
	return got == want
}

func TestFlattenPreservesAscendingLeafChainOrder(t *testing.T) {
	tree := openTestTree(t, Options{BlockSize: 256, KeySize: 4})
	const n = 300
	for i := n - 1; i >= 0; i-- { // insert in descending order
		if err := tree.Insert(key4(i), key4(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := tree.Flatten(); err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	var seen []int
	err := tree.ForEach(func(k, v []byte) (bool, error) {
		seen = append(seen, int(k[0])<<24|int(k[1])<<16|int(k[2])<<8|int(k[3]))
		return true, nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(seen) != n {
		t.Fatalf("ForEach visited %d keys, want %d", len(seen), n)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("keys out of ascending order after Flatten at index %d: %d then %d", i, seen[i-1], seen[i])
		}
	}
}

func TestFlattenRefusesWithUncommittedTransaction(t *testing.T) {
	tree := openTestTree(t, Options{BlockSize: 256, KeySize: 4, NoAutoCommit: true})
	if err := tree.Insert(key4(1), []byte("x")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Flatten(); err == nil {
		t.Fatal("expected Flatten to refuse while a transaction is uncommitted")
	}
}

func TestShouldFlattenReflectsLiveToTotalRatio(t *testing.T) {
	tree := openTestTree(t, Options{BlockSize: 256, KeySize: 4})
	should, err := tree.ShouldFlatten()
	if err != nil {
		t.Fatalf("ShouldFlatten: %v", err)
	}
	if should {
		t.Error("a fresh empty tree should not need flattening")
	}

	const n = 500
	for i := 0; i < n; i++ {
		if err := tree.Insert(key4(i), key4(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		if _, err := tree.Remove(key4(i)); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		if err := tree.Insert(key4(i), key4(i)); err != nil {
			t.Fatalf("reinsert(%d): %v", i, err)
		}
	}
	should, err = tree.ShouldFlatten()
	if err != nil {
		t.Fatalf("ShouldFlatten: %v", err)
	}
	if !should {
		t.Error("a tree that churned through its entire keyspace should have accumulated enough free blocks to want flattening")
	}
}
