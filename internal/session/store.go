// File: internal/session/store.go
// Package session
// Author: momentics <momentics@gmail.com>
//
// Registry of live sessions, keyed by session id.

package session

import (
	"github.com/google/uuid"
)

// Registry tracks live sessions so they can be torn down together. Like
// everything a session touches, it belongs to the reactor goroutine.
type Registry struct {
	sessions map[uuid.UUID]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]*Session)}
}

func (r *Registry) add(s *Session) {
	if r != nil {
		r.sessions[s.id] = s
	}
}

func (r *Registry) remove(s *Session) {
	if r != nil {
		delete(r.sessions, s.id)
	}
}

// Get fetches a live session.
func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int { return len(r.sessions) }

// Range calls fn for every live session until fn returns false.
func (r *Registry) Range(fn func(*Session) bool) {
	for _, s := range r.sessions {
		if !fn(s) {
			return
		}
	}
}

// ShutdownAll silently tears down every live session.
func (r *Registry) ShutdownAll() {
	for _, s := range r.sessions {
		s.Shutdown()
	}
}
