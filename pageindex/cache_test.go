package pageindex

import "testing"

func TestLRUCacheGetPut(t *testing.T) {
	c := newLRUCache[string, int](4)

	if _, ok := c.get("a"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.put("a", 1)
	v, ok := c.get("a")
	if !ok || v != 1 {
		t.Fatalf("expected a=1, got %v, ok=%v", v, ok)
	}

	hits, misses, size, cap := c.stats()
	if hits != 1 || misses != 1 || size != 1 || cap != 4 {
		t.Errorf("unexpected stats: hits=%d misses=%d size=%d cap=%d", hits, misses, size, cap)
	}
}

func TestLRUCacheEviction(t *testing.T) {
	c := newLRUCache[int, string](3)
	c.put(1, "one")
	c.put(2, "two")
	c.put(3, "three")
	c.put(4, "four") // evicts 1, the least recently used

	if _, ok := c.get(1); ok {
		t.Error("expected 1 to be evicted")
	}
	if _, ok := c.get(4); !ok {
		t.Error("expected 4 to be present")
	}
}

func TestLRUCacheGetRefreshesRecency(t *testing.T) {
	c := newLRUCache[int, string](2)
	c.put(1, "one")
	c.put(2, "two")
	c.get(1) // 1 is now most recently used
	c.put(3, "three") // evicts 2, not 1

	if _, ok := c.get(2); ok {
		t.Error("expected 2 to be evicted")
	}
	if _, ok := c.get(1); !ok {
		t.Error("expected 1 to survive")
	}
}

func TestLRUCacheInvalidateAndClear(t *testing.T) {
	c := newLRUCache[string, int](4)
	c.put("a", 1)
	c.put("b", 2)

	c.invalidate("a")
	if _, ok := c.get("a"); ok {
		t.Error("expected a to be invalidated")
	}

	c.clear()
	if _, ok := c.get("b"); ok {
		t.Error("expected clear to remove b")
	}
}

func TestLRUCacheHitRate(t *testing.T) {
	c := newLRUCache[string, int](4)
	if rate := c.hitRate(); rate != 0 {
		t.Errorf("expected 0 hit rate with no accesses, got %v", rate)
	}
	c.put("a", 1)
	c.get("a")
	c.get("missing")
	if rate := c.hitRate(); rate != 0.5 {
		t.Errorf("expected 0.5 hit rate, got %v", rate)
	}
}
