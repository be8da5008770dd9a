package keywordcache

import (
	"fmt"
	"testing"
	"time"
)

func TestCacheGetSet(t *testing.T) {
	c := New()

	if _, ok := c.Get("missing"); ok {
		t.Fatalf("expected miss for absent key")
	}

	c.Set("hash:3:what is this", []string{"fourier", "transform"})
	got, ok := c.Get("hash:3:what is this")
	if !ok {
		t.Fatalf("expected hit after set")
	}
	if len(got) != 2 || got[0] != "fourier" || got[1] != "transform" {
		t.Fatalf("unexpected keywords: %v", got)
	}

	// Returned slice must be a copy.
	got[0] = "mutated"
	again, _ := c.Get("hash:3:what is this")
	if again[0] != "fourier" {
		t.Fatalf("cache entry was mutated through returned slice")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewWithConfig(5*time.Minute, 10)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("k", []string{"entropy"})
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("expected hit before expiry")
	}

	now = now.Add(4 * time.Minute)
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("expected hit at 4m")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected miss after TTL")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be dropped on access, len=%d", c.Len())
	}
}

func TestCacheEvictsLRUOverCap(t *testing.T) {
	c := NewWithConfig(time.Hour, 3)

	c.Set("a", []string{"1"})
	c.Set("b", []string{"2"})
	c.Set("c", []string{"3"})

	// Touch a so b becomes least recently used.
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected hit for a")
	}

	c.Set("d", []string{"4"})
	if c.Len() != 3 {
		t.Fatalf("expected len 3 after eviction, got %d", c.Len())
	}
	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected b to be evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("expected %s to survive eviction", k)
		}
	}
}

func TestCacheSetRefreshesExisting(t *testing.T) {
	c := NewWithConfig(time.Hour, 5)
	c.Set("k", []string{"old"})
	c.Set("k", []string{"new", "words"})

	got, ok := c.Get("k")
	if !ok || len(got) != 2 || got[0] != "new" {
		t.Fatalf("expected refreshed entry, got %v ok=%v", got, ok)
	}
	if c.Len() != 1 {
		t.Fatalf("refresh should not grow the cache, len=%d", c.Len())
	}
}

func TestCacheCapStress(t *testing.T) {
	c := NewWithConfig(time.Hour, 100)
	for i := 0; i < 250; i++ {
		c.Set(fmt.Sprintf("key-%d", i), []string{"w"})
	}
	if c.Len() != 100 {
		t.Fatalf("expected cap at 100, got %d", c.Len())
	}
	// The most recent keys survive.
	if _, ok := c.Get("key-249"); !ok {
		t.Fatalf("expected newest key to survive")
	}
	if _, ok := c.Get("key-0"); ok {
		t.Fatalf("expected oldest key to be evicted")
	}
}
