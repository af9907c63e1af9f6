package presence

import (
	"context"
	"testing"
	"time"
)

func TestHaversineZero(t *testing.T) {
	d := HaversineKm(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Times Square to the Empire State Building, roughly 1 km.
	d := HaversineKm(40.7580, -73.9855, 40.7484, -73.9857)
	if d < 0.9 || d > 1.2 {
		t.Fatalf("expected ~1km, got %f", d)
	}
}

func TestNearestOrdersByDistance(t *testing.T) {
	idx := NewMemoryIndex(5 * time.Minute)
	ctx := context.Background()
	now := time.Now()
	_ = idx.Heartbeat(ctx, "d3", 40.7250, -74.0060, now) // ~1.4 km
	_ = idx.Heartbeat(ctx, "d1", 40.7155, -74.0060, now) // ~0.3 km
	_ = idx.Heartbeat(ctx, "d2", 40.7200, -74.0060, now) // ~0.8 km

	cands, err := idx.Nearest(ctx, 40.7128, -74.0060, 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(cands))
	}
	want := []string{"d1", "d2", "d3"}
	for i, w := range want {
		if cands[i].DriverID != w {
			t.Fatalf("position %d: expected %s, got %s", i, w, cands[i].DriverID)
		}
	}
	if cands[0].DistanceKm >= cands[1].DistanceKm {
		t.Fatalf("distances not ascending: %v", cands)
	}
}

func TestNearestTieBreaksByDriverID(t *testing.T) {
	idx := NewMemoryIndex(5 * time.Minute)
	ctx := context.Background()
	now := time.Now()
	_ = idx.Heartbeat(ctx, "zeta", 40.7200, -74.0060, now)
	_ = idx.Heartbeat(ctx, "alpha", 40.7200, -74.0060, now)

	cands, err := idx.Nearest(ctx, 40.7128, -74.0060, 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 || cands[0].DriverID != "alpha" {
		t.Fatalf("expected alpha first on tie, got %v", cands)
	}
}

func TestNearestHonorsRadiusAndLimit(t *testing.T) {
	idx := NewMemoryIndex(5 * time.Minute)
	ctx := context.Background()
	now := time.Now()
	_ = idx.Heartbeat(ctx, "near", 40.7155, -74.0060, now)
	_ = idx.Heartbeat(ctx, "far", 41.5000, -74.0060, now) // way outside 5 km

	cands, err := idx.Nearest(ctx, 40.7128, -74.0060, 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].DriverID != "near" {
		t.Fatalf("expected only near driver, got %v", cands)
	}

	_ = idx.Heartbeat(ctx, "near2", 40.7156, -74.0060, now)
	cands, _ = idx.Nearest(ctx, 40.7128, -74.0060, 5, 1)
	if len(cands) != 1 {
		t.Fatalf("expected limit 1, got %d", len(cands))
	}
}

func TestNearestPrunesStaleEntries(t *testing.T) {
	idx := NewMemoryIndex(5 * time.Minute)
	ctx := context.Background()
	base := time.Now()
	_ = idx.Heartbeat(ctx, "fresh", 40.7155, -74.0060, base)
	_ = idx.Heartbeat(ctx, "stale", 40.7156, -74.0060, base.Add(-10*time.Minute))

	cands, err := idx.Nearest(ctx, 40.7128, -74.0060, 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].DriverID != "fresh" {
		t.Fatalf("expected stale driver excluded, got %v", cands)
	}
	// the stale entry must be gone from the index, not just filtered
	idx.mu.Lock()
	_, ok := idx.drivers["stale"]
	idx.mu.Unlock()
	if ok {
		t.Fatal("stale driver still present in index after Nearest")
	}
}

func TestMarkOfflineRemovesDriver(t *testing.T) {
	idx := NewMemoryIndex(5 * time.Minute)
	ctx := context.Background()
	_ = idx.Heartbeat(ctx, "d1", 40.7155, -74.0060, time.Now())
	_ = idx.MarkOffline(ctx, "d1")
	cands, _ := idx.Nearest(ctx, 40.7128, -74.0060, 5, 10)
	if len(cands) != 0 {
		t.Fatalf("expected empty index, got %v", cands)
	}
}
