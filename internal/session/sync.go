package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chadiek/interview-voice/internal/interview"
	"github.com/chadiek/interview-voice/internal/store"
)

// Syncer writes session progress through to durable storage.
type Syncer struct {
	store    store.Store
	archiver store.Archiver
	log      *logrus.Entry
	now      func() time.Time
}

// NewSyncer builds a syncer. archiver may be nil.
func NewSyncer(st store.Store, archiver store.Archiver, log *logrus.Entry) *Syncer {
	return &Syncer{store: st, archiver: archiver, log: log, now: time.Now}
}

// Begin creates the durable record for a new session.
func (y *Syncer) Begin(ctx context.Context, s *Session) error {
	var a store.Attempt
	s.Do(func(m *interview.Machine) {
		a = store.Attempt{
			SessionID:   s.ID,
			UserID:      s.UserID,
			InterviewID: s.InterviewID,
			Status:      store.StatusInProgress,
			Questions:   m.Questions(),
			StartedAt:   m.StartedAt(),
		}
	})
	if err := y.store.CreateAttempt(ctx, a); err != nil {
		return fmt.Errorf("create attempt: %w", err)
	}
	return nil
}

// SaveAnswer persists one completed answer.
func (y *Syncer) SaveAnswer(ctx context.Context, sessionID string, a interview.AnswerState) error {
	if err := y.store.UpsertAnswer(ctx, sessionID, store.AnswerFromState(a)); err != nil {
		return fmt.Errorf("save answer %s: %w", a.QuestionID, err)
	}
	return nil
}

// Flush re-persists every completed answer of the session. Writes are
// upserts, so answers already saved are simply rewritten.
func (y *Syncer) Flush(ctx context.Context, s *Session) error {
	var done []interview.AnswerState
	s.Do(func(m *interview.Machine) {
		for _, a := range m.Answers() {
			if a.IsComplete {
				done = append(done, a)
			}
		}
	})
	for _, a := range done {
		if err := y.SaveAnswer(ctx, s.ID, a); err != nil {
			return err
		}
	}
	return nil
}

// Complete flushes answers, closes the record with status and the session
// statistics, and archives the final record when an archiver is configured.
func (y *Syncer) Complete(ctx context.Context, s *Session, status store.Status) (interview.Statistics, error) {
	if err := y.Flush(ctx, s); err != nil {
		return interview.Statistics{}, err
	}
	stats := s.Statistics()
	now := y.now()
	err := y.store.Finalize(ctx, s.ID, store.Finalization{
		Status:      status,
		Metadata:    store.MetadataFromStatistics(stats),
		CompletedAt: &now,
		SubmittedAt: &now,
	})
	if err != nil {
		return stats, fmt.Errorf("finalize attempt: %w", err)
	}
	y.archive(ctx, s.ID)
	return stats, nil
}

// Abandon marks the record abandoned without finalizing it.
func (y *Syncer) Abandon(ctx context.Context, sessionID string) error {
	if err := y.store.Finalize(ctx, sessionID, store.Finalization{Status: store.StatusAbandoned}); err != nil {
		return fmt.Errorf("abandon attempt: %w", err)
	}
	return nil
}

// ArchiveKey is the object key of a session's archived record.
func ArchiveKey(sessionID string) string { return "interviews/" + sessionID + ".json" }

func (y *Syncer) archive(ctx context.Context, sessionID string) {
	if y.archiver == nil {
		return
	}
	log := y.log.WithField("session", sessionID)
	a, err := y.store.GetAttempt(ctx, sessionID)
	if err != nil {
		log.Warnf("archive: load attempt: %v", err)
		return
	}
	body, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		log.Warnf("archive: encode attempt: %v", err)
		return
	}
	if err := y.archiver.Upload(ArchiveKey(sessionID), "application/json", body); err != nil {
		log.Warnf("archive upload failed: %v", err)
		return
	}
	log.Info("attempt archived")
}
