package eta

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestNaiveSecondsZeroDistance(t *testing.T) {
	p := models.Place{Lat: 40.7128, Lng: -74.0060}
	if s := NaiveSeconds(p, p, 10); s != 0 {
		t.Fatalf("expected 0, got %f", s)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	a := models.Place{Lat: 1, Lng: 2}
	b := models.Place{Lat: 3, Lng: 4}
	c.Set(a, b, 120)
	if v, ok := c.Get(a, b); !ok || v != 120 {
		t.Fatalf("expected cached 120, got %v %v", v, ok)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("expected cache entry expired")
	}
}

type failingClient struct{}

func (failingClient) EstimateSeconds(ctx context.Context, from, to models.Place) (float64, error) {
	return 0, errors.New("routing down")
}

func TestEstimatorFallsBackToNaive(t *testing.T) {
	e := &Estimator{Client: failingClient{}, SpeedMps: 10}
	from := models.Place{Lat: 40.7128, Lng: -74.0060}
	to := models.Place{Lat: 40.7580, Lng: -73.9855}
	s := e.EstimateSeconds(context.Background(), from, to)
	if s <= 0 {
		t.Fatalf("expected positive fallback estimate, got %f", s)
	}
}
