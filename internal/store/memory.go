package store

import (
	"context"
	"fmt"
	"sync"
)

// Memory keeps attempts in process memory. It backs local development and
// tests; nothing survives a restart.
type Memory struct {
	mu       sync.RWMutex
	attempts map[string]Attempt
}

func NewMemory() *Memory {
	return &Memory{attempts: make(map[string]Attempt)}
}

func (m *Memory) CreateAttempt(_ context.Context, a Attempt) error {
	if a.SessionID == "" {
		return fmt.Errorf("store: create attempt: session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.SessionID] = cloneAttempt(a)
	return nil
}

func (m *Memory) UpsertAnswer(_ context.Context, sessionID string, a Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.attempts[sessionID]
	if !ok {
		return ErrNotFound
	}
	at.Answers = upsertInto(append([]Answer(nil), at.Answers...), a)
	m.attempts[sessionID] = at
	return nil
}

func (m *Memory) Finalize(_ context.Context, sessionID string, f Finalization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.attempts[sessionID]
	if !ok {
		return ErrNotFound
	}
	at.Status = f.Status
	if f.Metadata != nil {
		md := *f.Metadata
		at.Metadata = &md
	}
	if f.CompletedAt != nil {
		at.CompletedAt = f.CompletedAt
	}
	if f.SubmittedAt != nil {
		at.SubmittedAt = f.SubmittedAt
	}
	m.attempts[sessionID] = at
	return nil
}

func (m *Memory) GetAttempt(_ context.Context, sessionID string) (Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.attempts[sessionID]
	if !ok {
		return Attempt{}, ErrNotFound
	}
	return cloneAttempt(at), nil
}

func (m *Memory) FindInProgress(_ context.Context, userID string) (Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *Attempt
	for _, at := range m.attempts {
		if at.UserID != userID || at.Status != StatusInProgress {
			continue
		}
		if best == nil || at.StartedAt.After(best.StartedAt) {
			cp := at
			best = &cp
		}
	}
	if best == nil {
		return Attempt{}, ErrNotFound
	}
	return cloneAttempt(*best), nil
}
