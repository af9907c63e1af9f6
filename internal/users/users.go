package users

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNotFound is returned when no user row exists for the id.
var ErrNotFound = errors.New("user not found")

// Store is the read-only slice of the user service the dispatcher needs:
// display name and push credential by user id.
type Store interface {
	Get(ctx context.Context, id string) (*models.User, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]models.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]models.User)}
}

func (m *MemoryStore) Put(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := u
	return &cp, nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB shares an existing pool with the ride store.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, display_name, COALESCE(phone, ''), COALESCE(push_token, '') FROM users WHERE id = $1`, id)
	var u models.User
	err := row.Scan(&u.ID, &u.Name, &u.Phone, &u.PushToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
