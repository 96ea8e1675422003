package session

import (
	"context"
	"sync"

	"github.com/stupiduntilnot/screenbot/internal/screen"
)

// State is the navigation state of one user.
type State struct {
	Current screen.ID   `json:"current,omitempty"`
	History []screen.ID `json:"history,omitempty"`
}

// Push appends id to the history unless it is empty or equal to the top entry.
func (s *State) Push(id screen.ID) bool {
	if id == screen.None {
		return false
	}
	if n := len(s.History); n > 0 && s.History[n-1] == id {
		return false
	}
	s.History = append(s.History, id)
	return true
}

// Pop removes and returns the top history entry.
func (s *State) Pop() (screen.ID, bool) {
	n := len(s.History)
	if n == 0 {
		return screen.None, false
	}
	id := s.History[n-1]
	s.History = s.History[:n-1]
	return id, true
}

// Clone returns a copy that shares no memory with s.
func (s State) Clone() State {
	out := State{Current: s.Current}
	if len(s.History) > 0 {
		out.History = append([]screen.ID(nil), s.History...)
	}
	return out
}

// Store persists state per user. Implementations must be read-your-writes
// consistent per key.
type Store interface {
	Get(ctx context.Context, userID int64) (State, error)
	Set(ctx context.Context, userID int64, st State) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[int64]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[int64]State{}}
}

func (m *MemoryStore) Get(_ context.Context, userID int64) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[userID].Clone(), nil
}

func (m *MemoryStore) Set(_ context.Context, userID int64, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[userID] = st.Clone()
	return nil
}
