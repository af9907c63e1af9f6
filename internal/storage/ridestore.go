package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNotFound is returned when no ride row exists for the id.
var ErrNotFound = errors.New("ride request not found")

// RideStore persists canonical ride-request rows. The dispatch engine
// writes it only on admission and terminal transitions, and reads a row
// back on accept and before advancing after a decline or timeout; updates
// are idempotent.
type RideStore interface {
	Create(ctx context.Context, r *models.RideRequest) error
	Get(ctx context.Context, id string) (*models.RideRequest, error)
	// UpdateStatus sets the canonical status and, when driverID is
	// non-empty, the assigned driver.
	UpdateStatus(ctx context.Context, id string, status models.Status, driverID string) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.RideRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.RideRequest)}
}

func (m *MemoryStore) Create(ctx context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status models.Status, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	if driverID != "" {
		r.DriverID = driverID
	}
	r.UpdatedAt = time.Now().UTC()
	return nil
}
