package presence

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Index records driver positions and liveness and answers nearest-driver
// queries for candidate selection and the public nearby endpoint.
type Index interface {
	Heartbeat(ctx context.Context, driverID string, lat, lng float64, t time.Time) error
	MarkOffline(ctx context.Context, driverID string) error
	// Nearest returns up to limit drivers within radiusKm of (lat, lng),
	// ascending by great-circle distance, ties broken by driver id. Entries
	// whose last heartbeat is older than the liveness TTL are pruned from
	// the index as a side effect.
	Nearest(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]models.Candidate, error)
}

type memEntry struct {
	lat, lng float64
	lastSeen time.Time
}

// MemoryIndex is a naive scan over an in-process map. Used in tests and
// local runs without Redis; in prod use the Redis GEO index.
type MemoryIndex struct {
	mu          sync.Mutex
	drivers     map[string]memEntry
	livenessTTL time.Duration
	now         func() time.Time
}

func NewMemoryIndex(livenessTTL time.Duration) *MemoryIndex {
	return &MemoryIndex{
		drivers:     make(map[string]memEntry),
		livenessTTL: livenessTTL,
		now:         time.Now,
	}
}

func (m *MemoryIndex) Heartbeat(ctx context.Context, driverID string, lat, lng float64, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.IsZero() {
		t = m.now()
	}
	m.drivers[driverID] = memEntry{lat: lat, lng: lng, lastSeen: t}
	return nil
}

func (m *MemoryIndex) MarkOffline(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drivers, driverID)
	return nil
}

func (m *MemoryIndex) Nearest(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]models.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.livenessTTL)
	out := make([]models.Candidate, 0, limit)
	for id, e := range m.drivers {
		if e.lastSeen.Before(cutoff) {
			delete(m.drivers, id)
			continue
		}
		d := HaversineKm(lat, lng, e.lat, e.lng)
		if d > radiusKm {
			continue
		}
		out = append(out, models.Candidate{DriverID: id, DistanceKm: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].DriverID < out[j].DriverID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HaversineKm is the great-circle distance in kilometers.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
