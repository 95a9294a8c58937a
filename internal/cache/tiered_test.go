package cache

import (
	"context"
	"testing"
	"time"
)

func TestTieredCacheFallsThroughToL2(t *testing.T) {
	l1 := NewInMemoryCache()
	l2 := NewInMemoryCache()
	tc := NewTieredCache(l1, l2, time.Minute)
	defer tc.Close()

	ctx := context.Background()

	// Value present only in L2.
	if err := l2.Set(ctx, "k", []byte("from-l2"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := tc.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "from-l2" {
		t.Fatalf("expected from-l2, got %q", val)
	}

	// The hit must have populated L1.
	if _, err := l1.Get(ctx, "k"); err != nil {
		t.Fatalf("L1 not populated on L2 hit: %v", err)
	}
}

func TestTieredCacheWritesBothLayers(t *testing.T) {
	l1 := NewInMemoryCache()
	l2 := NewInMemoryCache()
	tc := NewTieredCache(l1, l2, time.Minute)
	defer tc.Close()

	ctx := context.Background()
	if err := tc.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := l1.Get(ctx, "k"); err != nil {
		t.Fatalf("L1 missing write: %v", err)
	}
	if _, err := l2.Get(ctx, "k"); err != nil {
		t.Fatalf("L2 missing write: %v", err)
	}
}

func TestTieredCacheDeleteClearsBoth(t *testing.T) {
	l1 := NewInMemoryCache()
	l2 := NewInMemoryCache()
	tc := NewTieredCache(l1, l2, time.Minute)
	defer tc.Close()

	ctx := context.Background()
	tc.Set(ctx, "k", []byte("v"), time.Minute)
	if err := tc.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := tc.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
