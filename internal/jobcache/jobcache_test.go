package jobcache

import (
	"testing"
	"time"
)

func TestPutGet(t *testing.T) {
	c := New(10, 0)
	c.Put("t1", JobSnapshot{Token: "t1", State: "completed", Results: map[string][]byte{"A": []byte("3")}})

	got, ok := c.Get("t1")
	if !ok {
		t.Fatal("expected t1 to be present")
	}
	if got.State != "completed" || string(got.Results["A"]) != "3" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestEvictionByCapacity(t *testing.T) {
	c := New(2, 0)
	c.Put("t1", JobSnapshot{Token: "t1"})
	c.Put("t2", JobSnapshot{Token: "t2"})

	// touch t1 so it's most-recently-used
	if _, ok := c.Get("t1"); !ok {
		t.Fatal("expected t1 present before eviction")
	}

	c.Put("t3", JobSnapshot{Token: "t3"}) // should evict t2 (LRU)

	if _, ok := c.Get("t1"); !ok {
		t.Fatal("expected t1 to remain")
	}
	if _, ok := c.Get("t3"); !ok {
		t.Fatal("expected t3 to be present")
	}
	if _, ok := c.Get("t2"); ok {
		t.Fatal("expected t2 to be evicted")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(10, 30*time.Millisecond)
	c.Put("t1", JobSnapshot{Token: "t1"})
	time.Sleep(60 * time.Millisecond)

	if _, ok := c.Get("t1"); ok {
		t.Fatal("expected t1 to expire")
	}
}

func TestOverwriteKeepsLen(t *testing.T) {
	c := New(10, 0)
	c.Put("t1", JobSnapshot{Token: "t1", State: "completed"})
	c.Put("t1", JobSnapshot{Token: "t1", State: "cancelled"})

	if c.Len() != 1 {
		t.Fatalf("expected len 1 after overwrite, got %d", c.Len())
	}
	got, _ := c.Get("t1")
	if got.State != "cancelled" {
		t.Fatalf("expected overwritten state, got %q", got.State)
	}
}
