package usecase

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chadiek/interview-voice/internal/agent"
	"github.com/chadiek/interview-voice/internal/channel"
	"github.com/chadiek/interview-voice/internal/interview"
	"github.com/chadiek/interview-voice/internal/protocol"
	"github.com/chadiek/interview-voice/internal/questions"
	"github.com/chadiek/interview-voice/internal/session"
	"github.com/chadiek/interview-voice/internal/store"
	"github.com/chadiek/interview-voice/internal/transcript"
	"github.com/chadiek/interview-voice/internal/tts"
)

const finishTimeout = 10 * time.Second

// InterviewService defines the interview operations used by the HTTP layer.
type InterviewService interface {
	Start(ctx context.Context, userID string) (StartResult, error)
	Progress(ctx context.Context, userID, sessionID string) (interview.Progress, error)
	Complete(ctx context.Context, userID, sessionID string) (CompleteResult, error)
	Abandon(ctx context.Context, userID, sessionID string) error
	// Session resolves the session a client channel is about to attach to.
	Session(ctx context.Context, userID, sessionID string) (*session.Session, error)
	// Serve runs the client channel of sess until it closes.
	Serve(ctx context.Context, sess *session.Session, conn *websocket.Conn) error
}

type StartResult struct {
	SessionID            string `json:"sessionId"`
	InterviewID          string `json:"interviewId"`
	TotalQuestions       int    `json:"totalQuestions"`
	FirstQuestion        string `json:"firstQuestion"`
	IsResuming           bool   `json:"isResuming"`
	CurrentQuestionIndex int    `json:"currentQuestionIndex"`
	AnsweredCount        int    `json:"answeredCount"`
}

type CompleteResult struct {
	SessionID         string               `json:"sessionId"`
	InterviewID       string               `json:"interviewId"`
	Status            store.Status         `json:"status"`
	TotalQuestions    int                  `json:"totalQuestions"`
	AnsweredQuestions int                  `json:"answeredQuestions"`
	Statistics        interview.Statistics `json:"statistics"`
}

func completeResult(sessionID, interviewID string, status store.Status, stats interview.Statistics) CompleteResult {
	return CompleteResult{
		SessionID:         sessionID,
		InterviewID:       interviewID,
		Status:            status,
		TotalQuestions:    stats.TotalQuestions,
		AnsweredQuestions: stats.AnsweredQuestions,
		Statistics:        stats,
	}
}

type Config struct {
	// ReviewRequired finalizes attempts as PENDING_REVIEW instead of COMPLETED.
	ReviewRequired bool
	// FinishGrace is how long a finished session stays attached so the
	// closing remark can play out.
	FinishGrace   time.Duration
	Controller    agent.Config
	Transcription transcript.GatewayConfig
	Voice         tts.GatewayConfig
	Channel       channel.Config
}

// Dependencies are the long-lived collaborators shared by all sessions.
type Dependencies struct {
	Registry *session.Registry
	Bank     *questions.Bank
	Store    store.Store
	Syncer   *session.Syncer
	Analyzer agent.Analyzer
	STT      transcript.Provider
	Voice    tts.Provider
}

type interviewService struct {
	deps Dependencies
	cfg  Config
	log  *logrus.Entry
}

func NewInterviewService(deps Dependencies, cfg Config, log *logrus.Entry) InterviewService {
	return &interviewService{deps: deps, cfg: cfg, log: log}
}

func (s *interviewService) finalStatus() store.Status {
	if s.cfg.ReviewRequired {
		return store.StatusPendingReview
	}
	return store.StatusCompleted
}

// Start resumes the user's live or persisted in-progress attempt, or begins
// a new one on the default interview.
func (s *interviewService) Start(ctx context.Context, userID string) (StartResult, error) {
	if userID == "" {
		return StartResult{}, fail(CodeInvalidInput, "user id required", nil)
	}
	if sess, ok := s.deps.Registry.FindByUser(userID); ok {
		return startResult(sess, true), nil
	}

	a, err := s.deps.Store.FindInProgress(ctx, userID)
	switch {
	case err == nil:
		sess, rerr := s.deps.Registry.Restore(a)
		if rerr != nil {
			return StartResult{}, fail(CodeInternal, "restore session", rerr)
		}
		return startResult(sess, true), nil
	case !errors.Is(err, store.ErrNotFound):
		return StartResult{}, fail(CodeUpstream, "look up in-progress attempt", err)
	}

	iv, err := s.deps.Bank.Get("")
	if err != nil {
		return StartResult{}, fail(CodeInternal, "load interview", err)
	}
	sess, err := s.deps.Registry.Create(userID, iv.ID, iv.Questions)
	if err != nil {
		return StartResult{}, fail(CodeInternal, "create session", err)
	}
	if err := s.deps.Syncer.Begin(ctx, sess); err != nil {
		s.deps.Registry.Delete(sess.ID)
		return StartResult{}, fail(CodeUpstream, "persist new attempt", err)
	}
	return startResult(sess, false), nil
}

func startResult(sess *session.Session, resuming bool) StartResult {
	r := StartResult{SessionID: sess.ID, InterviewID: sess.InterviewID, IsResuming: resuming}
	sess.Do(func(m *interview.Machine) {
		r.TotalQuestions = m.Total()
		r.CurrentQuestionIndex = m.Index()
		r.AnsweredCount = m.Progress().Answered
		if q, ok := m.CurrentQuestion(); ok {
			r.FirstQuestion = q.Text
		}
	})
	return r
}

// live returns the live session, or nil when none is registered under id.
func (s *interviewService) live(userID, sessionID string) (*session.Session, error) {
	sess, ok := s.deps.Registry.Get(sessionID)
	if !ok {
		return nil, nil
	}
	if sess.UserID != userID {
		return nil, fail(CodeForbidden, "session belongs to another user", nil)
	}
	return sess, nil
}

// record loads the durable attempt and checks its owner.
func (s *interviewService) record(ctx context.Context, userID, sessionID string) (store.Attempt, error) {
	a, err := s.deps.Store.GetAttempt(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Attempt{}, fail(CodeSessionNotFound, "no such session", err)
	}
	if err != nil {
		return store.Attempt{}, fail(CodeUpstream, "load attempt", err)
	}
	if a.UserID != userID {
		return store.Attempt{}, fail(CodeForbidden, "session belongs to another user", nil)
	}
	return a, nil
}

func (s *interviewService) Progress(ctx context.Context, userID, sessionID string) (interview.Progress, error) {
	sess, err := s.live(userID, sessionID)
	if err != nil {
		return interview.Progress{}, err
	}
	if sess != nil {
		return sess.Progress(), nil
	}
	a, err := s.record(ctx, userID, sessionID)
	if err != nil {
		return interview.Progress{}, err
	}
	return attemptProgress(a), nil
}

func attemptProgress(a store.Attempt) interview.Progress {
	done := make(map[string]bool, len(a.Answers))
	for _, ans := range a.Answers {
		if ans.IsComplete {
			done[ans.QuestionID] = true
		}
	}
	p := interview.Progress{Total: len(a.Questions), Answered: len(done), Current: len(a.Questions)}
	for i, q := range a.Questions {
		if !done[q.ID] {
			p.Current = i + 1
			break
		}
	}
	return p
}

// Complete finalizes the attempt. Completing an already finalized attempt
// returns its stored result.
func (s *interviewService) Complete(ctx context.Context, userID, sessionID string) (CompleteResult, error) {
	sess, err := s.live(userID, sessionID)
	if err != nil {
		return CompleteResult{}, err
	}
	a, err := s.record(ctx, userID, sessionID)
	if err != nil {
		return CompleteResult{}, err
	}
	switch a.Status {
	case store.StatusInProgress:
	case store.StatusAbandoned:
		return CompleteResult{}, fail(CodeConflict, "attempt was abandoned", nil)
	default:
		return completeResult(a.SessionID, a.InterviewID, a.Status, storedStatistics(a)), nil
	}
	if sess == nil {
		if sess, err = s.deps.Registry.Restore(a); err != nil {
			return CompleteResult{}, fail(CodeInternal, "restore session", err)
		}
	}

	status := s.finalStatus()
	stats, err := s.deps.Syncer.Complete(ctx, sess, status)
	if err != nil {
		return CompleteResult{}, fail(CodeUpstream, "finalize attempt", err)
	}
	s.deps.Registry.Delete(sess.ID)
	s.log.WithField("session", sess.ID).Infof("interview completed with status %s", status)
	return completeResult(sess.ID, sess.InterviewID, status, stats), nil
}

func storedStatistics(a store.Attempt) interview.Statistics {
	st := interview.Statistics{
		TotalQuestions:    len(a.Questions),
		AnsweredQuestions: attemptProgress(a).Answered,
	}
	if m := a.Metadata; m != nil {
		st.TotalDurationMS = m.TotalDuration
		st.AverageAnswerLength = m.AverageAnswerLength
		st.FollowUpCount = m.FollowUpCount
		st.RedirectionCount = m.RedirectionCount
	}
	return st
}

// Abandon marks an in-progress attempt abandoned. The durable status decides,
// so an interview that already finished is never downgraded.
func (s *interviewService) Abandon(ctx context.Context, userID, sessionID string) error {
	if _, err := s.live(userID, sessionID); err != nil {
		return err
	}
	a, err := s.record(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	switch a.Status {
	case store.StatusAbandoned:
		return nil
	case store.StatusInProgress:
	default:
		return fail(CodeConflict, "attempt already finalized", nil)
	}
	if err := s.deps.Syncer.Abandon(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(CodeSessionNotFound, "no such session", err)
		}
		return fail(CodeUpstream, "abandon attempt", err)
	}
	s.deps.Registry.Delete(sessionID)
	s.log.WithField("session", sessionID).Info("interview abandoned")
	return nil
}

// Session returns the live session, restoring an in-progress attempt that is
// no longer in memory.
func (s *interviewService) Session(ctx context.Context, userID, sessionID string) (*session.Session, error) {
	sess, err := s.live(userID, sessionID)
	if err != nil || sess != nil {
		return sess, err
	}
	a, err := s.record(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if a.Status != store.StatusInProgress {
		return nil, fail(CodeConflict, "attempt is "+string(a.Status), nil)
	}
	sess, err = s.deps.Registry.Restore(a)
	if err != nil {
		return nil, fail(CodeInternal, "restore session", err)
	}
	return sess, nil
}

// Serve wires a controller and both gateways to the client connection and
// pumps it until the client leaves or the session is torn down. The session
// itself outlives the connection so the respondent can reconnect.
func (s *interviewService) Serve(ctx context.Context, sess *session.Session, conn *websocket.Conn) error {
	log := s.log.WithField("session", sess.ID)
	ch := channel.New(conn, s.cfg.Channel, log)
	if err := sess.AttachChannel(ch); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session already connected"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		if errors.Is(err, session.ErrClosed) {
			return fail(CodeSessionNotFound, "session closed", err)
		}
		return fail(CodeConflict, "client already connected", err)
	}
	defer sess.DetachChannel(ch)

	runCtx, cancel := context.WithCancel(ctx)
	ctrl := agent.New(sess, agent.Deps{
		Analyzer:   s.deps.Analyzer,
		Client:     ch,
		Persist:    s.deps.Syncer,
		OnFinished: func(ctx context.Context) { s.finish(ctx, sess) },
	}, s.cfg.Controller, s.log)
	stt := transcript.NewGateway(s.deps.STT, s.cfg.Transcription, ctrl, log)
	voice := tts.NewGateway(s.deps.Voice, s.cfg.Voice, ch, ctrl.VoiceListener(), log)
	ctrl.Bind(stt, voice)
	defer func() {
		cancel()
		sess.CloseHandle(session.HandleTranscription)
		sess.CloseHandle(session.HandleVoice)
		ctrl.Wait()
		log.Info("client channel closed")
	}()

	if err := installHandles(sess, stt, voice, conn); err != nil {
		return fail(CodeSessionNotFound, "session closed", err)
	}

	if err := stt.Start(runCtx); err != nil {
		log.Errorf("stt start failed: %v", err)
		_ = ch.Send(protocol.Error{Message: "Speech recognition is unavailable."})
	}
	if err := voice.Start(runCtx); err != nil {
		log.Errorf("voice start failed: %v", err)
		_ = ch.Send(protocol.Error{Message: "Voice is unavailable."})
	}
	log.Info("client channel attached")
	ctrl.Start(runCtx)
	return ch.Run(runCtx, ctrl)
}

// installHandles registers both gateways on sess. Run has not started yet,
// so on failure the socket is closed here rather than by the channel writer.
func installHandles(sess *session.Session, stt, voice io.Closer, conn *websocket.Conn) error {
	if err := sess.SetHandle(session.HandleTranscription, stt); err != nil {
		_ = voice.Close()
		_ = conn.Close()
		return err
	}
	if err := sess.SetHandle(session.HandleVoice, voice); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

// finish closes the durable record once the last question was handled and
// retires the session. A later Complete returns the stored result. When the
// write fails the session stays live, and the next connection retries it.
func (s *interviewService) finish(ctx context.Context, sess *session.Session) {
	log := s.log.WithField("session", sess.ID)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if _, err := s.deps.Syncer.Complete(ctx, sess, s.finalStatus()); err != nil {
		log.Errorf("finalize after last question: %v", err)
		return
	}
	s.deps.Registry.Retire(sess.ID, s.cfg.FinishGrace)
	log.Info("interview finished, session retired")
}
