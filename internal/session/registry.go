package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chadiek/interview-voice/internal/interview"
	"github.com/chadiek/interview-voice/internal/store"
)

type RegistryConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

func (c *RegistryConfig) defaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
}

// Registry is the in-memory directory of live sessions.
type Registry struct {
	cfg RegistryConfig
	log *logrus.Entry
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

func NewRegistry(cfg RegistryConfig, log *logrus.Entry) *Registry {
	cfg.defaults()
	return &Registry{
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create registers a fresh session for the given questions.
func (r *Registry) Create(userID, interviewID string, questions []interview.Question) (*Session, error) {
	id := uuid.NewString()
	s := newSession(id, userID, interviewID, interview.NewMachine(questions, r.now), r.now)
	s.Do(func(m *interview.Machine) { m.Active() })

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	r.sessions[id] = s
	r.log.WithField("session", id).Infof("session created for user %s (%d questions)", userID, len(questions))
	return s, nil
}

// Get returns the live session and refreshes its activity time.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.Touch()
	return s, true
}

// FindByUser returns the live session of a user, if any.
func (r *Registry) FindByUser(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *Session
	for _, s := range r.sessions {
		if s.UserID != userID {
			continue
		}
		if found == nil || s.CreatedAt.After(found.CreatedAt) {
			found = s
		}
	}
	return found, found != nil
}

// Delete tears the session down and removes it. Deleting an unknown id is a
// no-op.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Close()
	r.log.WithField("session", id).Info("session removed")
	return true
}

// Retire removes the session from lookup at once and tears it down after
// grace, so audio already queued for the client can still play out.
func (r *Registry) Retire(id string, grace time.Duration) bool {
	if grace <= 0 {
		return r.Delete(id)
	}
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	time.AfterFunc(grace, func() {
		s.Close()
		r.log.WithField("session", id).Info("finished session removed")
	})
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Restore rebuilds a session from its durable record. Persisted answers are
// replayed and the pointer lands on the first question without one. If the
// session is already live it is returned unchanged.
func (r *Registry) Restore(a store.Attempt) (*Session, error) {
	if a.SessionID == "" {
		return nil, errors.New("session: restore without session id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if s, ok := r.sessions[a.SessionID]; ok {
		s.markResumed()
		s.Touch()
		return s, nil
	}

	m := interview.NewMachine(a.Questions, r.now)
	m.SetStartedAt(a.StartedAt)
	persisted := make(map[string]bool, len(a.Answers))
	for _, ans := range a.Answers {
		m.RestoreAnswer(ans.State())
		persisted[ans.QuestionID] = true
	}
	idx := m.SeekFirstGap(persisted)

	s := newSession(a.SessionID, a.UserID, a.InterviewID, m, r.now)
	s.resumed = true
	r.sessions[s.ID] = s
	r.log.WithField("session", s.ID).Infof("session restored at question %d/%d", idx+1, m.Total())
	return s, nil
}

// Sweep evicts sessions idle for longer than the configured timeout and
// returns how many were removed. Sessions with an attached client channel
// are never idle.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.cfg.IdleTimeout)
	var stale []string
	r.mu.RLock()
	for id, s := range r.sessions {
		if s.HasChannel() {
			continue
		}
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range stale {
		if r.Delete(id) {
			n++
		}
	}
	if n > 0 {
		r.log.Infof("idle sweep evicted %d session(s)", n)
	}
	return n
}

// Run sweeps on the configured interval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Sweep()
		}
	}
}

// Shutdown closes every session. Durable records keep their status so the
// attempts can be resumed by a later process.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
	r.log.Infof("registry shut down, closed %d session(s)", len(all))
}
