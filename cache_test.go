// LRU ordering and the capacity<=0 disable switch for the index cache.
package sectordb

import "testing"

func TestIndexCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newIndexCache(2)
	n1 := &indexNode{begin: 1}
	n2 := &indexNode{begin: 2}
	n3 := &indexNode{begin: 3}
	c.put(BlockIndex(1), n1)
	c.put(BlockIndex(2), n2)
	c.put(BlockIndex(3), n3) // evicts block 1

	if _, ok := c.get(BlockIndex(1)); ok {
		t.Error("block 1 should have been evicted")
	}
	if _, ok := c.get(BlockIndex(2)); !ok {
		t.Error("block 2 should still be cached")
	}
	if _, ok := c.get(BlockIndex(3)); !ok {
		t.Error("block 3 should still be cached")
	}
}

func TestIndexCacheGetRefreshesRecency(t *testing.T) {
	c := newIndexCache(2)
	c.put(BlockIndex(1), &indexNode{begin: 1})
	c.put(BlockIndex(2), &indexNode{begin: 2})
	c.get(BlockIndex(1))           // touch 1, making 2 the least recently used
	c.put(BlockIndex(3), &indexNode{begin: 3}) // should evict 2, not 1

	if _, ok := c.get(BlockIndex(2)); ok {
		t.Error("block 2 should have been evicted after block 1 was touched")
	}
	if _, ok := c.get(BlockIndex(1)); !ok {
		t.Error("block 1 should still be cached")
	}
}

func TestIndexCacheZeroCapacityDisablesCaching(t *testing.T) {
	c := newIndexCache(0)
	c.put(BlockIndex(1), &indexNode{begin: 1})
	if _, ok := c.get(BlockIndex(1)); ok {
		t.Error("a capacity<=0 cache should never return a hit")
	}
}

func TestIndexCacheInvalidateRemovesEntry(t *testing.T) {
	c := newIndexCache(4)
	c.put(BlockIndex(1), &indexNode{begin: 1})
	c.invalidate(BlockIndex(1))
	if _, ok := c.get(BlockIndex(1)); ok {
		t.Error("invalidated block should no longer be cached")
	}
}

func TestIndexCacheClearEmptiesAllEntries(t *testing.T) {
	c := newIndexCache(4)
	c.put(BlockIndex(1), &indexNode{begin: 1})
	c.put(BlockIndex(2), &indexNode{begin: 2})
	c.clear()
	if _, ok := c.get(BlockIndex(1)); ok {
		t.Error("cleared cache should not return block 1")
	}
	if _, ok := c.get(BlockIndex(2)); ok {
		t.Error("cleared cache should not return block 2")
	}
}

func TestIndexCachePutOverwritesExistingEntryWithoutGrowing(t *testing.T) {
	c := newIndexCache(2)
	n1 := &indexNode{begin: 1}
	n1b := &indexNode{begin: 11}
	c.put(BlockIndex(1), n1)
	c.put(BlockIndex(1), n1b)
	got, ok := c.get(BlockIndex(1))
	if !ok {
		t.Fatal("block 1 should still be cached")
	}
	if got.begin != BlockIndex(11) {
		t.Errorf("get returned stale node (begin=%d), want updated node (begin=11)", got.begin)
	}
}
