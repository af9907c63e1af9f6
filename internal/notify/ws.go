package notify

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrNoSession indicates the user has no live WebSocket connection.
var ErrNoSession = errors.New("no ws session")

// wsEnvelope is the frame written to a connected client.
type wsEnvelope struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// WSSession represents a connected client session.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(env wsEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

// WSRegistry holds live sessions keyed by user id. Drivers keep a socket
// open while online, so offers usually skip the push provider entirely.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[userID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[userID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok {
		_ = s.conn.Close()
		delete(r.sessions, userID)
	}
}

func (r *WSRegistry) Send(userID string, kind Kind, data map[string]any) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(wsEnvelope{Type: string(kind), Data: data}); err != nil {
		// a dead socket is as good as no socket
		r.Remove(userID)
		return err
	}
	return nil
}
