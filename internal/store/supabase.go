package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"

	"github.com/chadiek/interview-voice/internal/interview"
)

const (
	attemptsTable = "interview_attempts"
	answersTable  = "interview_answers"
)

type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// Supabase talks to the same schema as Postgres through PostgREST, and
// archives finished transcripts to Supabase Storage.
type Supabase struct {
	client *supabase.Client
	bucket string
	now    func() time.Time
}

func NewSupabase(cfg SupabaseConfig) (*Supabase, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, errors.New("store: missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("store: create Supabase client: %w", err)
	}
	return &Supabase{client: client, bucket: cfg.Bucket, now: time.Now}, nil
}

type attemptRow struct {
	SessionID   string               `json:"session_id"`
	UserID      string               `json:"user_id"`
	InterviewID string               `json:"interview_id"`
	Status      string               `json:"status"`
	Questions   []interview.Question `json:"questions"`
	Metadata    *Metadata            `json:"metadata,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	SubmittedAt *time.Time           `json:"submitted_at,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

type answerRow struct {
	SessionID  string    `json:"session_id"`
	QuestionID string    `json:"question_id"`
	Body       Answer    `json:"body"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type finalizeRow struct {
	Status      string     `json:"status"`
	Metadata    *Metadata  `json:"metadata,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func rowFromAttempt(a Attempt, now time.Time) attemptRow {
	return attemptRow{
		SessionID:   a.SessionID,
		UserID:      a.UserID,
		InterviewID: a.InterviewID,
		Status:      string(a.Status),
		Questions:   a.Questions,
		Metadata:    a.Metadata,
		StartedAt:   a.StartedAt.UTC(),
		CompletedAt: a.CompletedAt,
		SubmittedAt: a.SubmittedAt,
		UpdatedAt:   now.UTC(),
	}
}

func (r attemptRow) attempt(answers []answerRow) Attempt {
	a := Attempt{
		SessionID:   r.SessionID,
		UserID:      r.UserID,
		InterviewID: r.InterviewID,
		Status:      Status(r.Status),
		Questions:   r.Questions,
		Metadata:    r.Metadata,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		SubmittedAt: r.SubmittedAt,
	}
	for _, ar := range answers {
		a.Answers = append(a.Answers, ar.Body)
	}
	return a
}

func (s *Supabase) CreateAttempt(_ context.Context, a Attempt) error {
	if a.SessionID == "" {
		return errors.New("store: CreateAttempt: session id is required")
	}
	row := rowFromAttempt(a, s.now())
	if _, _, err := s.client.From(attemptsTable).Upsert(row, "session_id", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("store: CreateAttempt: %w", err)
	}
	for _, ans := range a.Answers {
		if err := s.UpsertAnswer(context.Background(), a.SessionID, ans); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supabase) UpsertAnswer(_ context.Context, sessionID string, a Answer) error {
	row := answerRow{SessionID: sessionID, QuestionID: a.QuestionID, Body: a, UpdatedAt: s.now().UTC()}
	if _, _, err := s.client.From(answersTable).Upsert(row, "session_id,question_id", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("store: UpsertAnswer: %w", err)
	}
	return nil
}

func (s *Supabase) Finalize(_ context.Context, sessionID string, f Finalization) error {
	row := finalizeRow{
		Status:      string(f.Status),
		Metadata:    f.Metadata,
		CompletedAt: f.CompletedAt,
		SubmittedAt: f.SubmittedAt,
		UpdatedAt:   s.now().UTC(),
	}
	var updated []attemptRow
	_, err := s.client.From(attemptsTable).
		Update(row, "representation", "").
		Eq("session_id", sessionID).
		ExecuteTo(&updated)
	if err != nil {
		return fmt.Errorf("store: Finalize: %w", err)
	}
	if len(updated) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Supabase) GetAttempt(_ context.Context, sessionID string) (Attempt, error) {
	var rows []attemptRow
	if _, err := s.client.From(attemptsTable).Select("*", "", false).Eq("session_id", sessionID).ExecuteTo(&rows); err != nil {
		return Attempt{}, fmt.Errorf("store: GetAttempt: %w", err)
	}
	if len(rows) == 0 {
		return Attempt{}, ErrNotFound
	}
	return s.withAnswers(rows[0])
}

func (s *Supabase) FindInProgress(_ context.Context, userID string) (Attempt, error) {
	var rows []attemptRow
	_, err := s.client.From(attemptsTable).
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("status", string(StatusInProgress)).
		ExecuteTo(&rows)
	if err != nil {
		return Attempt{}, fmt.Errorf("store: FindInProgress: %w", err)
	}
	if len(rows) == 0 {
		return Attempt{}, ErrNotFound
	}
	return s.withAnswers(latestRow(rows))
}

func latestRow(rows []attemptRow) attemptRow {
	best := rows[0]
	for _, r := range rows[1:] {
		if r.StartedAt.After(best.StartedAt) {
			best = r
		}
	}
	return best
}

func (s *Supabase) withAnswers(r attemptRow) (Attempt, error) {
	var answers []answerRow
	if _, err := s.client.From(answersTable).Select("*", "", false).Eq("session_id", r.SessionID).ExecuteTo(&answers); err != nil {
		return Attempt{}, fmt.Errorf("store: load answers: %w", err)
	}
	return r.attempt(answers), nil
}

// Upload writes an object into the configured Storage bucket.
func (s *Supabase) Upload(objectKey string, contentType string, body []byte) error {
	if s.bucket == "" {
		return errors.New("store: Supabase bucket not configured")
	}
	upsert := true
	opts := storage_go.FileOptions{ContentType: &contentType, Upsert: &upsert}
	if _, err := s.client.Storage.UploadFile(s.bucket, objectKey, bytes.NewReader(body), opts); err != nil {
		return fmt.Errorf("store: upload %s (%s): %w", objectKey, contentType, err)
	}
	return nil
}
