package state

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Store holds the per-request ephemeral dispatch state: projected status,
// candidate queue, current offeree, accepted driver, ETA, and the response
// log, all with TTLs. Every write must be safe under multiple dispatch
// workers; the offeree key is the single compare-and-set primitive that
// serializes advances for one request.
type Store interface {
	InitDispatch(ctx context.Context, requestID string, ttl time.Duration) error
	SetStatus(ctx context.Context, requestID string, status models.Status, ttl time.Duration) error
	// Status returns pending when no ephemeral status exists.
	Status(ctx context.Context, requestID string) (models.Status, error)

	// SeedQueue pushes the ordered candidate list and returns its length.
	SeedQueue(ctx context.Context, requestID string, driverIDs []string, ttl time.Duration) (int, error)
	// PopNext atomically removes and returns the head, or "" when empty.
	PopNext(ctx context.Context, requestID string) (string, error)
	DropQueue(ctx context.Context, requestID string) error

	// SetCurrentOfferee succeeds only when the current value equals
	// expected ("" meaning unset). Returns whether the write was applied.
	SetCurrentOfferee(ctx context.Context, requestID, expected, driverID string, ttl time.Duration) (bool, error)
	CurrentOfferee(ctx context.Context, requestID string) (string, error)
	// ClearCurrentOfferee deletes the offeree key only when it still equals
	// expected. Returns whether the delete was applied.
	ClearCurrentOfferee(ctx context.Context, requestID, expected string) (bool, error)

	// Last offer survives the offeree key's shorter TTL so the sweeper can
	// attribute a lapsed offer to a driver.
	SetLastOffer(ctx context.Context, requestID, driverID string, ttl time.Duration) error
	LastOffer(ctx context.Context, requestID string) (string, error)

	SetAssignedDriver(ctx context.Context, requestID, driverID string, ttl time.Duration) error
	AssignedDriver(ctx context.Context, requestID string) (string, error)
	SetETA(ctx context.Context, requestID string, minutes int, ttl time.Duration) error
	ETA(ctx context.Context, requestID string) (int, bool, error)

	AppendResponse(ctx context.Context, requestID string, entry models.ResponseEntry, ttl time.Duration) error
	Responses(ctx context.Context, requestID string) ([]models.ResponseEntry, error)

	// MarkTimeoutOnce reports true the first time it is called for a
	// (request, driver) pair, false afterwards.
	MarkTimeoutOnce(ctx context.Context, requestID, driverID string, ttl time.Duration) (bool, error)

	DeleteDispatchEphemera(ctx context.Context, requestID string) error

	// Pending registry consumed by the sweeper.
	AddPending(ctx context.Context, requestID string) error
	RemovePending(ctx context.Context, requestID string) error
	PendingRequests(ctx context.Context) ([]string, error)
}

type memVal struct {
	s       string
	expires time.Time
}

type memList struct {
	items   []string
	expires time.Time
}

// MemoryStore mirrors the Redis store's semantics in-process, including
// lazy TTL expiry. The Now hook lets tests move the clock.
type MemoryStore struct {
	mu        sync.Mutex
	status    map[string]memVal
	queues    map[string]*memList
	offerees  map[string]memVal
	lastOffer map[string]memVal
	assigned  map[string]memVal
	etas      map[string]memVal
	responses map[string]*memList
	timeouts  map[string]memVal
	pending   map[string]struct{}

	// offereeLog records every non-empty value ever written to the offeree
	// key; tests assert the no-re-offer property against it.
	offereeLog map[string][]string

	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		status:     make(map[string]memVal),
		queues:     make(map[string]*memList),
		offerees:   make(map[string]memVal),
		lastOffer:  make(map[string]memVal),
		assigned:   make(map[string]memVal),
		etas:       make(map[string]memVal),
		responses:  make(map[string]*memList),
		timeouts:   make(map[string]memVal),
		pending:    make(map[string]struct{}),
		offereeLog: make(map[string][]string),
		Now:        time.Now,
	}
}

func (m *MemoryStore) expired(v memVal) bool {
	return !v.expires.IsZero() && m.Now().After(v.expires)
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.Now().Add(ttl)
}

func (m *MemoryStore) InitDispatch(ctx context.Context, requestID string, ttl time.Duration) error {
	return m.SetStatus(ctx, requestID, models.StatusPending, ttl)
}

func (m *MemoryStore) SetStatus(ctx context.Context, requestID string, status models.Status, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[requestID] = memVal{s: string(status), expires: m.deadline(ttl)}
	return nil
}

func (m *MemoryStore) Status(ctx context.Context, requestID string) (models.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.status[requestID]
	if !ok || m.expired(v) {
		return models.StatusPending, nil
	}
	return models.Status(v.s), nil
}

func (m *MemoryStore) SeedQueue(ctx context.Context, requestID string, driverIDs []string, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]string, len(driverIDs))
	copy(items, driverIDs)
	m.queues[requestID] = &memList{items: items, expires: m.deadline(ttl)}
	return len(items), nil
}

func (m *MemoryStore) PopNext(ctx context.Context, requestID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[requestID]
	if !ok || len(q.items) == 0 {
		return "", nil
	}
	if !q.expires.IsZero() && m.Now().After(q.expires) {
		delete(m.queues, requestID)
		return "", nil
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, nil
}

func (m *MemoryStore) DropQueue(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, requestID)
	return nil
}

func (m *MemoryStore) SetCurrentOfferee(ctx context.Context, requestID, expected, driverID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := ""
	if v, ok := m.offerees[requestID]; ok && !m.expired(v) {
		cur = v.s
	}
	if cur != expected {
		return false, nil
	}
	m.offerees[requestID] = memVal{s: driverID, expires: m.deadline(ttl)}
	if driverID != "" {
		m.offereeLog[requestID] = append(m.offereeLog[requestID], driverID)
	}
	return true, nil
}

func (m *MemoryStore) CurrentOfferee(ctx context.Context, requestID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.offerees[requestID]
	if !ok || m.expired(v) {
		return "", nil
	}
	return v.s, nil
}

func (m *MemoryStore) ClearCurrentOfferee(ctx context.Context, requestID, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.offerees[requestID]
	if !ok || m.expired(v) || v.s != expected {
		return false, nil
	}
	delete(m.offerees, requestID)
	return true, nil
}

func (m *MemoryStore) SetLastOffer(ctx context.Context, requestID, driverID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOffer[requestID] = memVal{s: driverID, expires: m.deadline(ttl)}
	return nil
}

func (m *MemoryStore) LastOffer(ctx context.Context, requestID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lastOffer[requestID]
	if !ok || m.expired(v) {
		return "", nil
	}
	return v.s, nil
}

func (m *MemoryStore) SetAssignedDriver(ctx context.Context, requestID, driverID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assigned[requestID] = memVal{s: driverID, expires: m.deadline(ttl)}
	return nil
}

func (m *MemoryStore) AssignedDriver(ctx context.Context, requestID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.assigned[requestID]
	if !ok || m.expired(v) {
		return "", nil
	}
	return v.s, nil
}

func (m *MemoryStore) SetETA(ctx context.Context, requestID string, minutes int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.etas[requestID] = memVal{s: itoa(minutes), expires: m.deadline(ttl)}
	return nil
}

func (m *MemoryStore) ETA(ctx context.Context, requestID string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.etas[requestID]
	if !ok || m.expired(v) {
		return 0, false, nil
	}
	return atoi(v.s), true, nil
}

func (m *MemoryStore) AppendResponse(ctx context.Context, requestID string, entry models.ResponseEntry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.responses[requestID]
	if !ok {
		l = &memList{}
		m.responses[requestID] = l
	}
	b, err := marshalEntry(entry)
	if err != nil {
		return err
	}
	l.items = append(l.items, b)
	l.expires = m.deadline(ttl)
	return nil
}

func (m *MemoryStore) Responses(ctx context.Context, requestID string) ([]models.ResponseEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.responses[requestID]
	if !ok {
		return nil, nil
	}
	out := make([]models.ResponseEntry, 0, len(l.items))
	for _, raw := range l.items {
		e, err := unmarshalEntry(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) MarkTimeoutOnce(ctx context.Context, requestID, driverID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := requestID + ":" + driverID
	if v, ok := m.timeouts[k]; ok && !m.expired(v) {
		return false, nil
	}
	m.timeouts[k] = memVal{s: "1", expires: m.deadline(ttl)}
	return true, nil
}

func (m *MemoryStore) DeleteDispatchEphemera(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, requestID)
	delete(m.offerees, requestID)
	delete(m.lastOffer, requestID)
	return nil
}

func (m *MemoryStore) AddPending(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[requestID] = struct{}{}
	return nil
}

func (m *MemoryStore) RemovePending(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, requestID)
	return nil
}

func (m *MemoryStore) PendingRequests(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.pending))
	for id := range m.pending {
		out = append(out, id)
	}
	return out, nil
}

// OffereeHistory returns every driver id ever set as current offeree for a
// request, in write order.
func (m *MemoryStore) OffereeHistory(requestID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.offereeLog[requestID]))
	copy(out, m.offereeLog[requestID])
	return out
}

// ExpireOfferee simulates the offeree key's TTL lapsing, for sweeper tests.
func (m *MemoryStore) ExpireOfferee(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.offerees, requestID)
}
