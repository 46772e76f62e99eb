package ttlcache

import (
	"testing"
	"time"
)

func TestGetRespectsTTL(t *testing.T) {
	t.Parallel()
	c := New[string, int](0)
	now := time.Unix(1000, 0)
	c.Set("a", 1, now, time.Minute)

	if v, ok := c.Get("a", now.Add(59*time.Second)); !ok || v != 1 {
		t.Fatalf("Get before expiry = %v, %v; want 1, true", v, ok)
	}
	if _, ok := c.Get("a", now.Add(time.Minute)); ok {
		t.Fatal("Get at expiry should miss")
	}
}

func TestSetIfAbsent(t *testing.T) {
	t.Parallel()
	c := New[string, string](0)
	now := time.Unix(0, 0)
	if _, ok := c.SetIfAbsent("k", "first", now, time.Hour); !ok {
		t.Fatal("first insert refused")
	}
	got, ok := c.SetIfAbsent("k", "second", now.Add(time.Minute), time.Hour)
	if ok || got != "first" {
		t.Fatalf("SetIfAbsent = %q, %v; want first, false", got, ok)
	}
	if _, ok := c.SetIfAbsent("k", "third", now.Add(2*time.Hour), time.Hour); !ok {
		t.Fatal("insert after expiry refused")
	}
}

func TestSweepAndCap(t *testing.T) {
	t.Parallel()
	c := New[int, int](3)
	now := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		c.Set(i, i, now, time.Duration(i+1)*time.Minute)
	}
	c.Set(99, 99, now, time.Hour)
	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if _, ok := c.Get(0, now); ok {
		t.Fatal("entry closest to expiry should have been evicted")
	}
	if n := c.Sweep(now.Add(150 * time.Second)); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
}
