// internal/session/store.go
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store is the process-wide registry of live sessions.
type Store struct {
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty registry.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logger:   logger.Named("sessions"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session in the initiated state.
func (st *Store) Create() *Session {
	id := uuid.New().String()
	s := newSession(id, st.now(), st.logger)

	st.mu.Lock()
	st.sessions[id] = s
	st.mu.Unlock()

	st.logger.Info("Session initiated.", zap.String("session_id", id))
	return s
}

// Get returns a live session.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok || s.State() == StateTerminated {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove unregisters the session and returns it. The caller tears it down.
func (st *Store) Remove(id string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(st.sessions, id)
	return s, nil
}

// Terminate removes the session and releases everything it owns.
func (st *Store) Terminate(ctx context.Context, id string) error {
	s, err := st.Remove(id)
	if err != nil {
		return err
	}
	st.logger.Info("Terminating session.", zap.String("session_id", id), zap.String("state", string(s.State())))
	return s.Terminate(ctx)
}

// Len returns the number of registered sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// TerminateAll tears down every registered session concurrently.
func (st *Store) TerminateAll(ctx context.Context) error {
	st.mu.Lock()
	all := make([]*Session, 0, len(st.sessions))
	for id, s := range st.sessions {
		all = append(all, s)
		delete(st.sessions, id)
	}
	st.mu.Unlock()

	if len(all) == 0 {
		return nil
	}
	st.logger.Info("Terminating all sessions.", zap.Int("count", len(all)))

	// Every session is torn down even if one of them fails.
	var g errgroup.Group
	for _, s := range all {
		s := s
		g.Go(func() error {
			return s.Terminate(ctx)
		})
	}
	return g.Wait()
}
