package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chadiek/interview-voice/internal/interview"
)

func sampleAttempt(id, user string, started time.Time) Attempt {
	return Attempt{
		SessionID:   id,
		UserID:      user,
		InterviewID: "backend",
		Status:      StatusInProgress,
		Questions: []interview.Question{
			{ID: "q1", Text: "Tell me about yourself.", Order: 1},
			{ID: "q2", Text: "Why this role?", Order: 2},
		},
		StartedAt: started,
	}
}

func TestMemory_UpsertAnswerReplacesByQuestion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateAttempt(ctx, sampleAttempt("s1", "u1", time.Now())))

	require.NoError(t, m.UpsertAnswer(ctx, "s1", Answer{QuestionID: "q1", Transcript: "first", Confidence: 40}))
	require.NoError(t, m.UpsertAnswer(ctx, "s1", Answer{QuestionID: "q1", Transcript: "second", Confidence: 75}))
	require.NoError(t, m.UpsertAnswer(ctx, "s1", Answer{QuestionID: "q2", Transcript: "other"}))

	got, err := m.GetAttempt(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Answers, 2)
	require.Equal(t, "second", got.Answers[0].Transcript)
	require.Equal(t, 75, got.Answers[0].Confidence)
}

func TestMemory_UnknownSession(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.ErrorIs(t, m.UpsertAnswer(ctx, "nope", Answer{QuestionID: "q1"}), ErrNotFound)
	require.ErrorIs(t, m.Finalize(ctx, "nope", Finalization{Status: StatusCompleted}), ErrNotFound)
	_, err := m.GetAttempt(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_FinalizeKeepsExistingTimestamps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateAttempt(ctx, sampleAttempt("s1", "u1", time.Now())))

	done := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.Finalize(ctx, "s1", Finalization{
		Status:      StatusPendingReview,
		Metadata:    &Metadata{TotalDuration: 1000, FollowUpCount: 2},
		CompletedAt: &done,
		SubmittedAt: &done,
	}))
	require.NoError(t, m.Finalize(ctx, "s1", Finalization{Status: StatusReviewed}))

	got, err := m.GetAttempt(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, StatusReviewed, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.True(t, done.Equal(*got.CompletedAt))
	require.Equal(t, int64(1000), got.Metadata.TotalDuration)
}

func TestMemory_FindInProgressReturnsMostRecent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, m.CreateAttempt(ctx, sampleAttempt("old", "u1", base)))
	require.NoError(t, m.CreateAttempt(ctx, sampleAttempt("new", "u1", base.Add(time.Hour))))
	require.NoError(t, m.CreateAttempt(ctx, sampleAttempt("other", "u2", base.Add(2*time.Hour))))
	require.NoError(t, m.Finalize(ctx, "new", Finalization{Status: StatusAbandoned}))

	got, err := m.FindInProgress(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "old", got.SessionID)

	_, err = m.FindInProgress(ctx, "u3")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateAttempt(ctx, sampleAttempt("s1", "u1", time.Now())))
	got, err := m.GetAttempt(ctx, "s1")
	require.NoError(t, err)
	got.Questions[0].Text = "mutated"

	again, err := m.GetAttempt(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "Tell me about yourself.", again.Questions[0].Text)
}

func TestAnswerRoundTripsThroughState(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	conf := 70
	st := interview.AnswerState{
		QuestionID: "q1",
		Transcript: "I built the billing service",
		Confidence: 70,
		IsComplete: true,
		ConversationHistory: []interview.ConversationTurn{
			{Kind: interview.TurnMainAnswer, Content: "I built the billing service", Timestamp: start, Confidence: &conf},
		},
		FollowUpCount: 1,
		AudioStart:    start,
		AudioEnd:      start.Add(5 * time.Second),
	}
	ans := AnswerFromState(st)
	require.NotNil(t, ans.AudioTimestamp.Start)
	require.Equal(t, []string{}, ans.MissingAspects)

	back := ans.State()
	require.Equal(t, st.Transcript, back.Transcript)
	require.Equal(t, st.AudioEnd, back.AudioEnd)
	require.Equal(t, 1, back.FollowUpCount)
	require.Len(t, back.ConversationHistory, 1)
}
