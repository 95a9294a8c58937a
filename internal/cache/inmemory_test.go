package cache

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryCacheSetAndGet(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()

	ctx := context.Background()

	if err := c.Set(ctx, "key1", []byte("value1"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := c.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "value1" {
		t.Fatalf("expected 'value1', got '%s'", string(val))
	}
}

func TestInMemoryCacheGetMissing(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()

	if _, err := c.Get(context.Background(), "nonexistent"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestInMemoryCacheExpiry(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()

	ctx := context.Background()
	if err := c.Set(ctx, "short", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := c.Get(ctx, "short"); err != ErrNotFound {
		t.Fatalf("expected expired entry, got: %v", err)
	}
}

func TestInMemoryCacheDelete(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()

	ctx := context.Background()
	c.Set(ctx, "k", []byte("v"), 0)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got: %v", err)
	}
	// Deleting an absent key is not an error.
	if err := c.Delete(ctx, "missing"); err != nil {
		t.Fatalf("Delete of missing key failed: %v", err)
	}
}

func TestInMemoryCacheReturnsCopy(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()

	ctx := context.Background()
	c.Set(ctx, "k", []byte("original"), 0)
	val, _ := c.Get(ctx, "k")
	val[0] = 'X'
	again, _ := c.Get(ctx, "k")
	if string(again) != "original" {
		t.Fatalf("cache value mutated through a returned slice: %q", again)
	}
}
