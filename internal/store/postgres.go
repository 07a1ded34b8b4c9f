package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// pgAPI is the subset of pgxpool.Pool used by Postgres. Defined here for
// testability.
type pgAPI interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres stores attempts in two tables: one row per attempt and one row
// per persisted answer, so each completed question is a single upsert.
type Postgres struct {
	db  pgAPI
	now func() time.Time
}

// OpenPostgres connects a pool for the given DSN.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("store: DATABASE_URL is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func NewPostgres(db pgAPI) (*Postgres, error) {
	if db == nil {
		return nil, errors.New("store: postgres: db must not be nil")
	}
	return &Postgres{db: db, now: time.Now}, nil
}

const (
	insertAttemptSQL = `
INSERT INTO interview_attempts (session_id, user_id, interview_id, status, questions, started_at, updated_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
ON CONFLICT (session_id) DO UPDATE
SET status = EXCLUDED.status, questions = EXCLUDED.questions, updated_at = EXCLUDED.updated_at`

	upsertAnswerSQL = `
INSERT INTO interview_answers (session_id, question_id, body, updated_at)
VALUES ($1, $2, $3::jsonb, $4)
ON CONFLICT (session_id, question_id) DO UPDATE
SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`

	finalizeSQL = `
UPDATE interview_attempts
SET status = $2,
    metadata = COALESCE($3::jsonb, metadata),
    completed_at = COALESCE($4, completed_at),
    submitted_at = COALESCE($5, submitted_at),
    updated_at = $6
WHERE session_id = $1`

	selectAttemptSQL = `
SELECT session_id, user_id, interview_id, status, questions, metadata, started_at, completed_at, submitted_at
FROM interview_attempts`

	selectAnswersSQL = `
SELECT body FROM interview_answers WHERE session_id = $1 ORDER BY updated_at ASC`
)

func (p *Postgres) CreateAttempt(ctx context.Context, a Attempt) error {
	if a.SessionID == "" {
		return errors.New("store: CreateAttempt: session id is required")
	}
	questions, err := json.Marshal(a.Questions)
	if err != nil {
		return fmt.Errorf("store: CreateAttempt marshal questions: %w", err)
	}
	if _, err := p.db.Exec(ctx, insertAttemptSQL,
		a.SessionID, a.UserID, a.InterviewID, string(a.Status), string(questions), a.StartedAt, p.now().UTC(),
	); err != nil {
		return fmt.Errorf("store: CreateAttempt: %w", err)
	}
	for _, ans := range a.Answers {
		if err := p.UpsertAnswer(ctx, a.SessionID, ans); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) UpsertAnswer(ctx context.Context, sessionID string, a Answer) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("store: UpsertAnswer marshal: %w", err)
	}
	if _, err := p.db.Exec(ctx, upsertAnswerSQL, sessionID, a.QuestionID, string(body), p.now().UTC()); err != nil {
		return fmt.Errorf("store: UpsertAnswer: %w", err)
	}
	return nil
}

func (p *Postgres) Finalize(ctx context.Context, sessionID string, f Finalization) error {
	var metadata *string
	if f.Metadata != nil {
		b, err := json.Marshal(f.Metadata)
		if err != nil {
			return fmt.Errorf("store: Finalize marshal metadata: %w", err)
		}
		s := string(b)
		metadata = &s
	}
	tag, err := p.db.Exec(ctx, finalizeSQL, sessionID, string(f.Status), metadata, f.CompletedAt, f.SubmittedAt, p.now().UTC())
	if err != nil {
		return fmt.Errorf("store: Finalize: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetAttempt(ctx context.Context, sessionID string) (Attempt, error) {
	row := p.db.QueryRow(ctx, selectAttemptSQL+` WHERE session_id = $1`, sessionID)
	return p.loadAttempt(ctx, row)
}

func (p *Postgres) FindInProgress(ctx context.Context, userID string) (Attempt, error) {
	row := p.db.QueryRow(ctx,
		selectAttemptSQL+` WHERE user_id = $1 AND status = $2 ORDER BY started_at DESC LIMIT 1`,
		userID, string(StatusInProgress))
	return p.loadAttempt(ctx, row)
}

func (p *Postgres) loadAttempt(ctx context.Context, row pgx.Row) (Attempt, error) {
	var (
		a         Attempt
		status    string
		questions []byte
		metadata  []byte
	)
	err := row.Scan(&a.SessionID, &a.UserID, &a.InterviewID, &status, &questions, &metadata,
		&a.StartedAt, &a.CompletedAt, &a.SubmittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Attempt{}, ErrNotFound
	}
	if err != nil {
		return Attempt{}, fmt.Errorf("store: load attempt: %w", err)
	}
	a.Status = Status(status)
	if len(questions) > 0 {
		if err := json.Unmarshal(questions, &a.Questions); err != nil {
			return Attempt{}, fmt.Errorf("store: decode questions: %w", err)
		}
	}
	if len(metadata) > 0 {
		var md Metadata
		if err := json.Unmarshal(metadata, &md); err != nil {
			return Attempt{}, fmt.Errorf("store: decode metadata: %w", err)
		}
		a.Metadata = &md
	}

	rows, err := p.db.Query(ctx, selectAnswersSQL, a.SessionID)
	if err != nil {
		return Attempt{}, fmt.Errorf("store: query answers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return Attempt{}, fmt.Errorf("store: scan answer: %w", err)
		}
		var ans Answer
		if err := json.Unmarshal(body, &ans); err != nil {
			return Attempt{}, fmt.Errorf("store: decode answer: %w", err)
		}
		a.Answers = append(a.Answers, ans)
	}
	if err := rows.Err(); err != nil {
		return Attempt{}, fmt.Errorf("store: iterate answers: %w", err)
	}
	return a, nil
}
