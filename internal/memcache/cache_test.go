package memcache

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"testing"
)

func TestList_PushFrontAndRemove(t *testing.T) {
	var l recencyList[int, string]

	n1 := &node[int, string]{key: 1, value: "a"}
	n2 := &node[int, string]{key: 2, value: "b"}
	n3 := &node[int, string]{key: 3, value: "c"}
	l.PushFront(n1)
	l.PushFront(n2)
	l.PushFront(n3)

	if l.Len() != 3 {
		t.Fatalf("expected len 3, got %d", l.Len())
	}
	if l.Front() != n3 || l.Back() != n1 {
		t.Fatalf("unexpected ends: front=%d back=%d", l.Front().key, l.Back().key)
	}

	l.MoveToFront(n1)
	if l.Front() != n1 {
		t.Fatalf("expected key=1 at front, got %d", l.Front().key)
	}
	l.Remove(n2)
	if l.Back() != n3 {
		t.Fatalf("expected key=3 at back after removing 2, got %d", l.Back().key)
	}
	l.Remove(n3)
	if l.Len() != 1 || l.Front() != n1 || l.Back() != n1 {
		t.Fatalf("unexpected list state after removals")
	}
	l.Clear()
	if l.Back() != nil || l.Front() != nil || l.Len() != 0 {
		t.Fatalf("expected empty list")
	}
}

func TestCache_GetPut(t *testing.T) {
	c := New[string, string](100)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected miss on empty cache")
	}
	if !c.Put("a", "1") {
		t.Fatalf("put should succeed")
	}
	v, ok := c.Get("a")
	if !ok || v != "1" {
		t.Fatalf("expected hit a=1, got %q %v", v, ok)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Entries != 1 || stats.Bytes != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCache_EvictsLeastRecentlyUsedByWeight(t *testing.T) {
	var evicted []string
	c := New[string, []byte](10,
		WithSizeFunc(func(_ string, v []byte) int64 { return int64(len(v)) }),
		WithOnEvict(func(k string, _ []byte) { evicted = append(evicted, k) }),
	)

	c.Put("a", make([]byte, 4))
	c.Put("b", make([]byte, 4))
	c.Get("a")
	c.Put("c", make([]byte, 4))

	if _, ok := c.Peek("b"); ok {
		t.Fatalf("expected b to be evicted")
	}
	if !reflect.DeepEqual(evicted, []string{"b"}) {
		t.Fatalf("unexpected evictions: %v", evicted)
	}
	if got := c.Keys(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("unexpected order: %v", got)
	}
	if c.Bytes() != 8 {
		t.Fatalf("unexpected bytes: %d", c.Bytes())
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("unexpected eviction count: %d", c.Stats().Evictions)
	}
}

func TestCache_UpdateAdjustsWeight(t *testing.T) {
	c := New[string, []byte](10, WithSizeFunc(func(_ string, v []byte) int64 { return int64(len(v)) }))
	c.Put("a", make([]byte, 3))
	c.Put("b", make([]byte, 3))
	c.Put("a", make([]byte, 8))

	if c.Bytes() != 8 {
		t.Fatalf("expected bytes 8 after update evicts b, got %d", c.Bytes())
	}
	if _, ok := c.Peek("b"); ok {
		t.Fatalf("expected b to be evicted by growing a")
	}
}

func TestCache_RejectsOversizedValue(t *testing.T) {
	c := New[string, []byte](5, WithSizeFunc(func(_ string, v []byte) int64 { return int64(len(v)) }))
	c.Put("a", make([]byte, 2))
	c.Put("b", make([]byte, 2))

	if c.Put("a", make([]byte, 6)) {
		t.Fatalf("expected oversize put to be rejected")
	}
	if _, ok := c.Peek("a"); ok {
		t.Fatalf("previous value should be dropped on oversize put")
	}
	if _, ok := c.Peek("b"); !ok || c.Bytes() != 2 {
		t.Fatalf("other entries must not be evicted, bytes=%d", c.Bytes())
	}
}

func TestCache_RemoveAndPurge(t *testing.T) {
	c := New[int, int](10)
	for i := 0; i < 5; i++ {
		c.Put(i, i)
	}
	if !c.Remove(2) || c.Remove(2) {
		t.Fatalf("remove should report presence exactly once")
	}
	if c.Len() != 4 {
		t.Fatalf("expected 4 entries, got %d", c.Len())
	}
	c.Purge()
	if c.Len() != 0 || c.Bytes() != 0 {
		t.Fatalf("purge should empty the cache")
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New[string, int](64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (g*31+i)%100)
				c.Put(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()

	if c.Bytes() > c.MaxBytes() {
		t.Fatalf("bytes %d exceed max %d", c.Bytes(), c.MaxBytes())
	}
	if c.Len() != int(c.Bytes()) {
		t.Fatalf("unit weights: len %d should equal bytes %d", c.Len(), c.Bytes())
	}
}

func TestProcessLimit(t *testing.T) {
	available := func() (uint64, error) { return 4 << 30, nil }
	failing := func() (uint64, error) { return 0, errors.New("unsupported") }

	testCases := []struct {
		name       string
		goMemLimit int64
		available  func() (uint64, error)
		want       int64
	}{
		{"gomemlimit", 1 << 30, available, 1 << 30},
		{"unset uses available", math.MaxInt64, available, 4 << 30},
		{"fallback", math.MaxInt64, failing, fallbackLimit},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := processLimit(tc.goMemLimit, tc.available); got != tc.want {
				t.Fatalf("processLimit=%d want %d", got, tc.want)
			}
		})
	}
}

func TestBudgetDividesLimit(t *testing.T) {
	full := Budget(1)
	if full <= 0 {
		t.Fatalf("expected positive limit, got %d", full)
	}
	if got := Budget(0); got != full/DefaultFraction {
		t.Fatalf("default fraction mismatch: %d vs %d", got, full/DefaultFraction)
	}
	if got := Budget(4); got != full/4 {
		t.Fatalf("fraction 4 mismatch: %d vs %d", got, full/4)
	}
}
