package session

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/chadiek/interview-voice/internal/interview"
)

var (
	ErrNotFound        = errors.New("session: not found")
	ErrChannelAttached = errors.New("session: client channel already attached")
	ErrClosed          = errors.New("session: closed")
)

// HandleKind names an external connection owned by a session.
type HandleKind string

const (
	HandleTranscription HandleKind = "transcription"
	HandleVoice         HandleKind = "voice"
)

// Session is the live state of one interview attempt.
//
// The interview ledger is only reachable through Do, which holds the session
// lock. BeginAnalysis is the per-session guard that keeps silence handling
// from interleaving.
type Session struct {
	ID          string
	UserID      string
	InterviewID string
	CreatedAt   time.Time

	now func() time.Time

	// analysis is held for the whole of one silence-to-dispatch cycle
	analysis sync.Mutex

	mu           sync.Mutex
	machine      *interview.Machine
	aiSpeaking   bool
	userSpeaking bool
	paused       bool
	resumed      bool
	lastActivity time.Time
	handles      map[HandleKind]io.Closer
	channel      io.Closer
	closed       bool
}

func newSession(id, userID, interviewID string, m *interview.Machine, now func() time.Time) *Session {
	t := now()
	return &Session{
		ID:           id,
		UserID:       userID,
		InterviewID:  interviewID,
		CreatedAt:    t,
		now:          now,
		machine:      m,
		lastActivity: t,
		handles:      make(map[HandleKind]io.Closer),
	}
}

// Do runs fn with exclusive access to the interview ledger.
func (s *Session) Do(fn func(m *interview.Machine)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.machine)
}

// BeginAnalysis blocks until no other analysis cycle runs on this session and
// returns the release func.
func (s *Session) BeginAnalysis() func() {
	s.analysis.Lock()
	return s.analysis.Unlock
}

func (s *Session) Progress() interview.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Progress()
}

func (s *Session) Statistics() interview.Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Statistics()
}

// Touch records activity for the idle sweep.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) SetAISpeaking(on bool) {
	s.mu.Lock()
	s.aiSpeaking = on
	s.mu.Unlock()
}

func (s *Session) AISpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aiSpeaking
}

func (s *Session) SetUserSpeaking(on bool) {
	s.mu.Lock()
	s.userSpeaking = on
	if on {
		s.lastActivity = s.now()
	}
	s.mu.Unlock()
}

func (s *Session) UserSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userSpeaking
}

// SetPaused reports whether the flag changed.
func (s *Session) SetPaused(on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.paused != on
	s.paused = on
	return changed
}

func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Resumed reports whether the session was rebuilt from a durable record or
// re-joined while still live.
func (s *Session) Resumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumed
}

func (s *Session) markResumed() {
	s.mu.Lock()
	s.resumed = true
	s.mu.Unlock()
}

// SetHandle installs h as the connection of the given kind. Any prior handle
// of that kind is closed first, so at most one is ever live.
func (s *Session) SetHandle(kind HandleKind, h io.Closer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = h.Close()
		return ErrClosed
	}
	prev := s.handles[kind]
	s.handles[kind] = h
	s.mu.Unlock()
	if prev != nil && prev != h {
		_ = prev.Close()
	}
	return nil
}

// CloseHandle closes and forgets the handle of the given kind.
func (s *Session) CloseHandle(kind HandleKind) {
	s.mu.Lock()
	h := s.handles[kind]
	delete(s.handles, kind)
	s.mu.Unlock()
	if h != nil {
		_ = h.Close()
	}
}

// AttachChannel binds the client channel. A second attach while one is live
// is rejected.
func (s *Session) AttachChannel(c io.Closer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.channel != nil {
		return ErrChannelAttached
	}
	s.channel = c
	s.lastActivity = s.now()
	return nil
}

// DetachChannel releases c if it is still the attached channel.
func (s *Session) DetachChannel(c io.Closer) {
	s.mu.Lock()
	if s.channel == c {
		s.channel = nil
		s.lastActivity = s.now()
	}
	s.mu.Unlock()
}

func (s *Session) HasChannel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel != nil
}

// Close tears down every handle and the client channel. Safe to call twice.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := s.handles
	s.handles = map[HandleKind]io.Closer{}
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	if ch != nil {
		_ = ch.Close()
	}
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
