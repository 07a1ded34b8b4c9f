package interview

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) add(d time.Duration) { c.t = c.t.Add(d) }

func sampleQuestions() []Question {
	return []Question{
		{ID: "q2", Text: "Describe a hard bug you fixed.", Order: 2},
		{ID: "q1", Text: "Tell me about yourself.", Order: 1},
		{ID: "q3", Text: "Why this role?", Order: 3},
	}
}

func newTestMachine() (*Machine, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)}
	return NewMachine(sampleQuestions(), clk.now), clk
}

func TestMachine_OrdersQuestionsAndLazilyCreatesAnswers(t *testing.T) {
	m, _ := newTestMachine()
	q, ok := m.CurrentQuestion()
	require.True(t, ok)
	require.Equal(t, "q1", q.ID)
	_, exists := m.Answer("q1")
	require.False(t, exists)

	require.NotNil(t, m.Active())
	_, exists = m.Answer("q1")
	require.True(t, exists)
}

func TestMachine_AppendTranscriptKeepsArrivalOrderAndUpdatesOpenTurn(t *testing.T) {
	m, _ := newTestMachine()
	require.NoError(t, m.AppendTranscript("I am a backend engineer"))
	require.NoError(t, m.AppendTranscript(" "))
	require.NoError(t, m.AppendTranscript("working on payments"))

	a := m.Active()
	require.Equal(t, "I am a backend engineer working on payments", a.Transcript)
	require.Len(t, a.ConversationHistory, 1)
	require.Equal(t, TurnMainAnswer, a.ConversationHistory[0].Kind)
	require.Equal(t, a.Transcript, a.ConversationHistory[0].Content)

	conf := 40
	require.NoError(t, m.RecordTurn(TurnMainAnswer, a.Transcript, &conf))
	require.Len(t, a.ConversationHistory, 1)
	require.Equal(t, 40, *a.ConversationHistory[0].Confidence)

	require.NoError(t, m.RecordTurn(TurnFollowUpQuestion, "Which payment systems?", nil))
	require.Equal(t, TurnFollowUpAnswer, m.AnswerTurnKind())
	require.NoError(t, m.AppendTranscript("Stripe mostly"))
	require.Len(t, a.ConversationHistory, 3)
	require.Equal(t, TurnFollowUpAnswer, a.ConversationHistory[2].Kind)
	require.True(t, strings.HasSuffix(a.Transcript, "Stripe mostly"))
}

func TestMachine_PendingTracksAnalyzedPrefix(t *testing.T) {
	m, _ := newTestMachine()
	require.NoError(t, m.AppendTranscript("first part of the answer"))
	a := m.Active()
	require.True(t, a.HasPending())
	a.MarkAnalyzed(len(a.Transcript))
	require.False(t, a.HasPending())
	require.NoError(t, m.AppendTranscript("second part"))
	require.Equal(t, " second part", a.Pending())
}

func TestMachine_CountersNeverExceedCaps(t *testing.T) {
	m, _ := newTestMachine()
	for i := 0; i < 10; i++ {
		m.IncrementFollowUp()
		m.IncrementRedirect()
	}
	a := m.Active()
	require.Equal(t, MaxFollowUps, a.FollowUpCount)
	require.Equal(t, MaxRedirects, a.RedirectCount)
}

func TestMachine_ScenarioFollowUpCap(t *testing.T) {
	m, _ := newTestMachine()
	require.NoError(t, m.AppendTranscript("I have worked across several teams over the years"))
	var got []Action
	for _, conf := range []int{40, 45, 50, 50} {
		require.NoError(t, m.ApplyAnalysis(Analysis{Confidence: conf}))
		act := m.Decide()
		got = append(got, act)
		if act == ActionFollowUp {
			m.IncrementFollowUp()
		}
	}
	require.Equal(t, []Action{ActionFollowUp, ActionFollowUp, ActionFollowUp, ActionNextQuestion}, got)
	require.Equal(t, 3, m.Active().FollowUpCount)
}

func TestMachine_ScenarioOffTopic(t *testing.T) {
	m, _ := newTestMachine()
	require.NoError(t, m.AppendTranscript("let me tell you about my weekend instead"))
	var got []Action
	for i := 0; i < 3; i++ {
		require.NoError(t, m.ApplyAnalysis(Analysis{Confidence: 20, IsOffTopic: true}))
		act := m.Decide()
		got = append(got, act)
		if act == ActionRedirect {
			m.IncrementRedirect()
		}
	}
	require.Equal(t, []Action{ActionRedirect, ActionRedirect, ActionNextQuestion}, got)
}

func TestMachine_AdvancePastLastQuestionEnds(t *testing.T) {
	m, _ := newTestMachine()
	for i := 0; i < 2; i++ {
		_, err := m.MarkComplete()
		require.NoError(t, err)
		_, ok := m.Advance()
		require.True(t, ok)
	}
	_, err := m.MarkComplete()
	require.NoError(t, err)
	_, ok := m.Advance()
	require.False(t, ok)
	require.True(t, m.PastEnd())
	require.Equal(t, ActionEndInterview, m.Decide())
	require.Nil(t, m.Active())
	require.ErrorIs(t, m.AppendTranscript("late words"), ErrNoActiveQuestion)

	// pointer never moves past the end twice
	m.Advance()
	require.Equal(t, 3, m.Index())
	require.Equal(t, Progress{Current: 3, Total: 3, Answered: 3}, m.Progress())
}

func TestMachine_SeekFirstGapIsIdempotent(t *testing.T) {
	m, _ := newTestMachine()
	m.RestoreAnswer(AnswerState{QuestionID: "q1", Transcript: "done", IsComplete: true, Confidence: 80})
	m.RestoreAnswer(AnswerState{QuestionID: "q3", Transcript: "also done", IsComplete: true, Confidence: 70})
	persisted := map[string]bool{"q1": true, "q3": true}

	require.Equal(t, 1, m.SeekFirstGap(persisted))
	require.Equal(t, 1, m.SeekFirstGap(persisted))
	q, _ := m.CurrentQuestion()
	require.Equal(t, "q2", q.ID)
	require.False(t, m.Active().HasPending())
}

func TestMachine_StatisticsAggregatesCompletedAnswers(t *testing.T) {
	m, clk := newTestMachine()
	require.NoError(t, m.AppendTranscript("0123456789"))
	clk.add(4 * time.Second)
	require.NoError(t, m.AppendTranscript("abcdefghi"))
	require.NoError(t, m.ApplyAnalysis(Analysis{Confidence: 80}))
	m.IncrementFollowUp()
	_, err := m.MarkComplete()
	require.NoError(t, err)
	m.Advance()
	m.IncrementRedirect()
	clk.add(6 * time.Second)

	st := m.Statistics()
	require.Equal(t, 3, st.TotalQuestions)
	require.Equal(t, 1, st.AnsweredQuestions)
	require.Equal(t, int64(10000), st.TotalDurationMS)
	require.InDelta(t, 20.0, st.AverageAnswerLength, 0.001)
	require.InDelta(t, 80.0, st.AverageConfidence, 0.001)
	require.Equal(t, int64(4000), st.AverageAnswerMS)
	require.Equal(t, 1, st.FollowUpCount)
	require.Equal(t, 1, st.RedirectionCount)
}

func TestMachine_ApplyAnalysisClampsConfidence(t *testing.T) {
	m, _ := newTestMachine()
	require.NoError(t, m.ApplyAnalysis(Analysis{Confidence: 140, MissingAspects: []string{"impact"}}))
	require.Equal(t, 100, m.Active().Confidence)
	require.NoError(t, m.ApplyAnalysis(Analysis{Confidence: -3}))
	require.Equal(t, 0, m.Active().Confidence)
}
