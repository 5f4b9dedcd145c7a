package auth

import (
	"context"
	"sync"
)

// Store holds the current bearer token in memory. Persisting it across process
// restarts is left to the caller.
type Store struct {
	mu    sync.RWMutex
	token string
}

func NewStore() *Store {
	return &Store{}
}

// Save replaces the current token; an empty token clears it
func (s *Store) Save(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *Store) Clear() {
	s.Save("")
}

// Token returns the current token, or "" when signed out
func (s *Store) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

// TokenFunc adapts a function to a token source
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}
