package store

import (
	"context"
	"errors"
	"time"

	"github.com/chadiek/interview-voice/internal/interview"
)

var ErrNotFound = errors.New("store: attempt not found")

// Status of a durable interview attempt.
type Status string

const (
	StatusInProgress    Status = "IN_PROGRESS"
	StatusCompleted     Status = "COMPLETED"
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusReviewed      Status = "REVIEWED"
	StatusAbandoned     Status = "ABANDONED"
)

type AudioTimestamp struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Answer is the persisted form of one completed question.
type Answer struct {
	QuestionID          string                       `json:"questionId"`
	Transcript          string                       `json:"transcript"`
	Confidence          int                          `json:"confidence"`
	IsComplete          bool                         `json:"isComplete"`
	IsOffTopic          bool                         `json:"isOffTopic"`
	MissingAspects      []string                     `json:"missingAspects"`
	FollowUpCount       int                          `json:"followUpCount"`
	RedirectCount       int                          `json:"redirectCount"`
	ConversationHistory []interview.ConversationTurn `json:"conversationHistory,omitempty"`
	AudioTimestamp      AudioTimestamp               `json:"audioTimestamp"`
}

type Metadata struct {
	TotalDuration       int64   `json:"totalDuration"`
	AverageAnswerLength float64 `json:"averageAnswerLength"`
	FollowUpCount       int     `json:"followUpCount"`
	RedirectionCount    int     `json:"redirectionCount"`
}

// Attempt is the durable record of one interview attempt. It is the source
// of truth across process restarts.
type Attempt struct {
	SessionID   string               `json:"sessionId"`
	UserID      string               `json:"userId"`
	InterviewID string               `json:"interviewId"`
	Status      Status               `json:"status"`
	Questions   []interview.Question `json:"questions"`
	Answers     []Answer             `json:"answers"`
	Metadata    *Metadata            `json:"interviewMetadata,omitempty"`
	StartedAt   time.Time            `json:"startedAt"`
	CompletedAt *time.Time           `json:"completedAt,omitempty"`
	SubmittedAt *time.Time           `json:"submittedAt,omitempty"`
}

// Finalization closes an attempt.
type Finalization struct {
	Status      Status
	Metadata    *Metadata
	CompletedAt *time.Time
	SubmittedAt *time.Time
}

// Store is the durable storage used by the session layer.
type Store interface {
	CreateAttempt(ctx context.Context, a Attempt) error
	UpsertAnswer(ctx context.Context, sessionID string, a Answer) error
	Finalize(ctx context.Context, sessionID string, f Finalization) error
	GetAttempt(ctx context.Context, sessionID string) (Attempt, error)
	// FindInProgress returns the most recent IN_PROGRESS attempt of a user.
	FindInProgress(ctx context.Context, userID string) (Attempt, error)
}

// Archiver uploads finished transcripts to object storage.
type Archiver interface {
	Upload(objectKey string, contentType string, body []byte) error
}

// AnswerFromState converts the in-memory ledger entry to its durable form.
func AnswerFromState(a interview.AnswerState) Answer {
	out := Answer{
		QuestionID:          a.QuestionID,
		Transcript:          a.Transcript,
		Confidence:          a.Confidence,
		IsComplete:          a.IsComplete,
		IsOffTopic:          a.IsOffTopic,
		MissingAspects:      append([]string{}, a.MissingAspects...),
		FollowUpCount:       a.FollowUpCount,
		RedirectCount:       a.RedirectCount,
		ConversationHistory: append([]interview.ConversationTurn(nil), a.ConversationHistory...),
	}
	if !a.AudioStart.IsZero() {
		t := a.AudioStart
		out.AudioTimestamp.Start = &t
	}
	if !a.AudioEnd.IsZero() {
		t := a.AudioEnd
		out.AudioTimestamp.End = &t
	}
	return out
}

// State converts a durable answer back into a ledger entry.
func (a Answer) State() interview.AnswerState {
	st := interview.AnswerState{
		QuestionID:          a.QuestionID,
		Transcript:          a.Transcript,
		ConversationHistory: append([]interview.ConversationTurn(nil), a.ConversationHistory...),
		Confidence:          a.Confidence,
		IsComplete:          a.IsComplete,
		IsOffTopic:          a.IsOffTopic,
		MissingAspects:      append([]string(nil), a.MissingAspects...),
		FollowUpCount:       a.FollowUpCount,
		RedirectCount:       a.RedirectCount,
	}
	if a.AudioTimestamp.Start != nil {
		st.AudioStart = *a.AudioTimestamp.Start
	}
	if a.AudioTimestamp.End != nil {
		st.AudioEnd = *a.AudioTimestamp.End
	}
	return st
}

// MetadataFromStatistics projects session statistics onto the persisted metadata.
func MetadataFromStatistics(st interview.Statistics) *Metadata {
	return &Metadata{
		TotalDuration:       st.TotalDurationMS,
		AverageAnswerLength: st.AverageAnswerLength,
		FollowUpCount:       st.FollowUpCount,
		RedirectionCount:    st.RedirectionCount,
	}
}

func cloneAttempt(a Attempt) Attempt {
	out := a
	out.Questions = append([]interview.Question(nil), a.Questions...)
	out.Answers = append([]Answer(nil), a.Answers...)
	if a.Metadata != nil {
		m := *a.Metadata
		out.Metadata = &m
	}
	return out
}

// upsertInto replaces the answer with the same question id or appends it.
func upsertInto(answers []Answer, a Answer) []Answer {
	for i := range answers {
		if answers[i].QuestionID == a.QuestionID {
			answers[i] = a
			return answers
		}
	}
	return append(answers, a)
}
