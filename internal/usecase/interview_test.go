package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/interview-voice/internal/interview"
	"github.com/chadiek/interview-voice/internal/questions"
	"github.com/chadiek/interview-voice/internal/session"
	"github.com/chadiek/interview-voice/internal/store"
	"github.com/chadiek/interview-voice/internal/transcript"
	"github.com/chadiek/interview-voice/internal/tts"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// sttStream never produces transcripts.
type sttStream struct {
	events chan transcript.Event
	done   chan struct{}
	once   sync.Once
}

func (s *sttStream) Send([]byte) error                { return nil }
func (s *sttStream) Events() <-chan transcript.Event { return s.events }
func (s *sttStream) Done() <-chan struct{}           { return s.done }
func (s *sttStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type sttProvider struct{}

func (sttProvider) Open(context.Context, transcript.Config) (transcript.Stream, error) {
	return &sttStream{events: make(chan transcript.Event), done: make(chan struct{})}, nil
}

// voiceConn answers every instruction with one audio frame.
type voiceConn struct {
	mu    sync.Mutex
	texts []string
	audio chan []byte
	turns chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (c *voiceConn) SendInstruction(_ context.Context, text string) error {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	c.audio <- []byte{1, 2}
	c.turns <- struct{}{}
	return nil
}
func (c *voiceConn) Audio() <-chan []byte          { return c.audio }
func (c *voiceConn) TurnComplete() <-chan struct{} { return c.turns }
func (c *voiceConn) Done() <-chan struct{}         { return c.done }
func (c *voiceConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type voiceProvider struct {
	mu    sync.Mutex
	conns []*voiceConn
}

func (p *voiceProvider) Open(context.Context, tts.Config) (tts.Conn, error) {
	c := &voiceConn{audio: make(chan []byte, 8), turns: make(chan struct{}, 1), done: make(chan struct{})}
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	return c, nil
}

func (p *voiceProvider) spoken() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.conns {
		c.mu.Lock()
		out = append(out, c.texts...)
		c.mu.Unlock()
	}
	return out
}

type nopAnalyzer struct{}

func (nopAnalyzer) Analyze(context.Context, string, string) (interview.Analysis, error) {
	return interview.Analysis{Confidence: 90, IsComplete: true}, nil
}

type failingStore struct {
	*store.Memory
}

func (failingStore) CreateAttempt(context.Context, store.Attempt) error {
	return errors.New("db down")
}

type harness struct {
	svc   InterviewService
	reg   *session.Registry
	store store.Store
	voice *voiceProvider
}

func newHarness(t *testing.T, st store.Store, review bool) *harness {
	t.Helper()
	bank, err := questions.New([]questions.Interview{{
		ID:    "iv-1",
		Title: "Backend",
		Questions: []interview.Question{
			{ID: "q1", Text: "Tell me about yourself.", Order: 1},
			{ID: "q2", Text: "Describe a hard bug.", Order: 2},
			{ID: "q3", Text: "Why this team?", Order: 3},
		},
	}}, "iv-1")
	require.NoError(t, err)
	if st == nil {
		st = store.NewMemory()
	}
	reg := session.NewRegistry(session.RegistryConfig{}, testLogger())
	t.Cleanup(reg.Shutdown)
	vp := &voiceProvider{}
	svc := NewInterviewService(Dependencies{
		Registry: reg,
		Bank:     bank,
		Store:    st,
		Syncer:   session.NewSyncer(st, nil, testLogger()),
		Analyzer: nopAnalyzer{},
		STT:      sttProvider{},
		Voice:    vp,
	}, Config{
		ReviewRequired: review,
		Voice:          tts.GatewayConfig{AudioFinishGrace: 10 * time.Millisecond},
	}, testLogger())
	return &harness{svc: svc, reg: reg, store: st, voice: vp}
}

func TestStart_NewAttemptIsPersisted(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()

	res, err := h.svc.Start(ctx, "u1")
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionID)
	require.Equal(t, "iv-1", res.InterviewID)
	require.Equal(t, 3, res.TotalQuestions)
	require.Equal(t, "Tell me about yourself.", res.FirstQuestion)
	require.False(t, res.IsResuming)

	a, err := h.store.GetAttempt(ctx, res.SessionID)
	require.NoError(t, err)
	require.Equal(t, store.StatusInProgress, a.Status)
	require.Equal(t, "u1", a.UserID)

	again, err := h.svc.Start(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, res.SessionID, again.SessionID)
	require.True(t, again.IsResuming)
}

func TestStart_ResumesPersistedAttempt(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()
	first, err := h.svc.Start(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, h.store.UpsertAnswer(ctx, first.SessionID, store.Answer{
		QuestionID: "q1", Transcript: "I build backends.", Confidence: 85, IsComplete: true,
	}))
	h.reg.Shutdown()

	fresh := newHarness(t, h.store, true)
	res, err := fresh.svc.Start(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, first.SessionID, res.SessionID)
	require.True(t, res.IsResuming)
	require.Equal(t, 1, res.CurrentQuestionIndex)
	require.Equal(t, 1, res.AnsweredCount)
	require.Equal(t, "Describe a hard bug.", res.FirstQuestion)
}

func TestStart_Errors(t *testing.T) {
	h := newHarness(t, nil, true)
	_, err := h.svc.Start(context.Background(), "")
	require.Equal(t, CodeInvalidInput, CodeOf(err))

	broken := newHarness(t, failingStore{store.NewMemory()}, true)
	_, err = broken.svc.Start(context.Background(), "u1")
	require.Equal(t, CodeUpstream, CodeOf(err))
	require.Zero(t, broken.reg.Len())
}

func TestProgress_ChecksOwnership(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()
	res, err := h.svc.Start(ctx, "u1")
	require.NoError(t, err)

	p, err := h.svc.Progress(ctx, "u1", res.SessionID)
	require.NoError(t, err)
	require.Equal(t, interview.Progress{Current: 1, Total: 3, Answered: 0}, p)

	_, err = h.svc.Progress(ctx, "intruder", res.SessionID)
	require.Equal(t, CodeForbidden, CodeOf(err))
	_, err = h.svc.Progress(ctx, "u1", "missing")
	require.Equal(t, CodeSessionNotFound, CodeOf(err))
}

func TestComplete_FinalizesOnceAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		review bool
		want   store.Status
	}{
		{review: true, want: store.StatusPendingReview},
		{review: false, want: store.StatusCompleted},
	} {
		h := newHarness(t, nil, tc.review)
		res, err := h.svc.Start(ctx, "u1")
		require.NoError(t, err)

		out, err := h.svc.Complete(ctx, "u1", res.SessionID)
		require.NoError(t, err)
		require.Equal(t, tc.want, out.Status)
		require.Equal(t, "iv-1", out.InterviewID)
		require.Equal(t, 3, out.TotalQuestions)
		require.Zero(t, out.AnsweredQuestions)
		require.Equal(t, 3, out.Statistics.TotalQuestions)
		require.Zero(t, h.reg.Len())

		a, err := h.store.GetAttempt(ctx, res.SessionID)
		require.NoError(t, err)
		require.Equal(t, tc.want, a.Status)
		require.NotNil(t, a.CompletedAt)
		require.NotNil(t, a.SubmittedAt)

		again, err := h.svc.Complete(ctx, "u1", res.SessionID)
		require.NoError(t, err)
		require.Equal(t, tc.want, again.Status)
		require.Equal(t, "iv-1", again.InterviewID)
		require.Equal(t, 3, again.TotalQuestions)
		require.Zero(t, h.reg.Len())

		_, err = h.svc.Complete(ctx, "other", res.SessionID)
		require.Equal(t, CodeForbidden, CodeOf(err))
	}
}

func TestAbandon_ThenCompleteConflicts(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()
	res, err := h.svc.Start(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, h.svc.Abandon(ctx, "u1", res.SessionID))
	require.NoError(t, h.svc.Abandon(ctx, "u1", res.SessionID))
	a, err := h.store.GetAttempt(ctx, res.SessionID)
	require.NoError(t, err)
	require.Equal(t, store.StatusAbandoned, a.Status)

	_, err = h.svc.Complete(ctx, "u1", res.SessionID)
	require.Equal(t, CodeConflict, CodeOf(err))
	_, err = h.svc.Session(ctx, "u1", res.SessionID)
	require.Equal(t, CodeConflict, CodeOf(err))

	next, err := h.svc.Start(ctx, "u1")
	require.NoError(t, err)
	require.NotEqual(t, res.SessionID, next.SessionID)
}

// answerAll drives the session past its last question.
func answerAll(sess *session.Session) {
	sess.Do(func(m *interview.Machine) {
		for {
			if _, ok := m.CurrentQuestion(); !ok {
				return
			}
			_ = m.AppendTranscript("A thorough answer about distributed systems.")
			_ = m.ApplyAnalysis(interview.Analysis{Confidence: 90, IsComplete: true})
			_, _ = m.MarkComplete()
			m.Advance()
		}
	})
}

func TestFinish_RetiresSessionAndKeepsFinalStatus(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()
	res, err := h.svc.Start(ctx, "u1")
	require.NoError(t, err)
	sess, ok := h.reg.Get(res.SessionID)
	require.True(t, ok)
	answerAll(sess)

	h.svc.(*interviewService).finish(ctx, sess)
	require.Zero(t, h.reg.Len())
	require.True(t, sess.Closed())
	a, err := h.store.GetAttempt(ctx, res.SessionID)
	require.NoError(t, err)
	require.Equal(t, store.StatusPendingReview, a.Status)
	completedAt := *a.CompletedAt

	require.Equal(t, CodeConflict, CodeOf(h.svc.Abandon(ctx, "u1", res.SessionID)))
	out, err := h.svc.Complete(ctx, "u1", res.SessionID)
	require.NoError(t, err)
	require.Equal(t, store.StatusPendingReview, out.Status)
	require.Equal(t, 3, out.TotalQuestions)
	require.Equal(t, 3, out.AnsweredQuestions)

	a, err = h.store.GetAttempt(ctx, res.SessionID)
	require.NoError(t, err)
	require.Equal(t, store.StatusPendingReview, a.Status)
	require.True(t, completedAt.Equal(*a.CompletedAt))

	next, err := h.svc.Start(ctx, "u1")
	require.NoError(t, err)
	require.NotEqual(t, res.SessionID, next.SessionID)
	require.False(t, next.IsResuming)
	require.Zero(t, next.CurrentQuestionIndex)
}

func TestLiveSession_DurableStatusWins(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()
	res, err := h.svc.Start(ctx, "u1")
	require.NoError(t, err)
	done := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	require.NoError(t, h.store.Finalize(ctx, res.SessionID, store.Finalization{
		Status: store.StatusCompleted, CompletedAt: &done, SubmittedAt: &done,
	}))
	_, live := h.reg.Get(res.SessionID)
	require.True(t, live)

	require.Equal(t, CodeConflict, CodeOf(h.svc.Abandon(ctx, "u1", res.SessionID)))
	out, err := h.svc.Complete(ctx, "u1", res.SessionID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, out.Status)

	a, err := h.store.GetAttempt(ctx, res.SessionID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, a.Status)
	require.True(t, done.Equal(*a.CompletedAt))
}

// dialServe runs Serve behind a websocket endpoint and returns the client.
func dialServe(t *testing.T, h *harness, sess *session.Session) (*websocket.Conn, <-chan error) {
	t.Helper()
	errs := make(chan error, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		errs <- h.svc.Serve(context.Background(), sess, conn)
	}))
	t.Cleanup(srv.Close)
	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, errs
}

func readTypes(t *testing.T, c *websocket.Conn, until string) []string {
	t.Helper()
	var types []string
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		mt, data, err := c.ReadMessage()
		require.NoError(t, err)
		if mt != websocket.TextMessage {
			continue
		}
		var ev struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &ev))
		types = append(types, ev.Type)
		if ev.Type == until {
			return types
		}
	}
}

func TestServe_AsksCurrentQuestionAndDetachesOnClose(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()
	res, err := h.svc.Start(ctx, "u1")
	require.NoError(t, err)
	sess, err := h.svc.Session(ctx, "u1", res.SessionID)
	require.NoError(t, err)

	client, errs := dialServe(t, h, sess)
	types := readTypes(t, client, "next_question")
	require.Equal(t, []string{"connected", "progress", "next_question"}, types)
	require.Eventually(t, func() bool {
		spoken := h.voice.spoken()
		return len(spoken) == 1 && spoken[0] == "Tell me about yourself."
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("Serve did not return after client close")
	}
	require.False(t, sess.HasChannel())
	_, live := h.reg.Get(res.SessionID)
	require.True(t, live, "session must survive a disconnect")
}

type countingCloser struct {
	mu     sync.Mutex
	closes int
}

func (c *countingCloser) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

func (c *countingCloser) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func TestInstallHandles_ClosedSessionClosesSocket(t *testing.T) {
	h := newHarness(t, nil, true)
	res, err := h.svc.Start(context.Background(), "u1")
	require.NoError(t, err)
	sess, ok := h.reg.Get(res.SessionID)
	require.True(t, ok)
	h.reg.Delete(sess.ID)

	stt, voice := &countingCloser{}, &countingCloser{}
	errs := make(chan error, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		errs <- installHandles(sess, stt, voice, conn)
	}))
	defer srv.Close()
	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	require.ErrorIs(t, <-errs, session.ErrClosed)
	require.Equal(t, 1, stt.count())
	require.Equal(t, 1, voice.count())
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		require.False(t, netErr.Timeout(), "socket was left open")
	}
}

func TestServe_SecondClientIsRejected(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()
	res, err := h.svc.Start(ctx, "u1")
	require.NoError(t, err)
	sess, err := h.svc.Session(ctx, "u1", res.SessionID)
	require.NoError(t, err)
	require.NoError(t, sess.AttachChannel(io.NopCloser(strings.NewReader(""))))

	client, errs := dialServe(t, h, sess)
	select {
	case err := <-errs:
		require.Equal(t, CodeConflict, CodeOf(err))
	case <-time.After(3 * time.Second):
		t.Fatalf("Serve did not reject the second client")
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}
