package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chadiek/interview-voice/internal/barge"
	"github.com/chadiek/interview-voice/internal/interview"
	"github.com/chadiek/interview-voice/internal/protocol"
	"github.com/chadiek/interview-voice/internal/session"
	"github.com/chadiek/interview-voice/internal/tts"
)

const (
	defaultFollowUp = "Could you tell me a bit more about that?"
	closingRemark   = "That was the last question. Thank you for your time, your interview is now complete."
	persistTimeout  = 10 * time.Second
)

type Config struct {
	// AnalysisTimeout bounds a single call to the analyzer.
	AnalysisTimeout time.Duration
	Interrupt       barge.Config
}

// Deps are the collaborators a controller needs for its whole life.
type Deps struct {
	Analyzer Analyzer
	Client   Client
	Persist  Persister
	// OnFinished runs once after the closing remark was queued.
	OnFinished func(ctx context.Context)
}

// Controller drives one interview session. It reacts to end-of-utterance
// signals, asks the analyzer about the answer and turns the decision into
// speech and client events.
type Controller struct {
	sess     *session.Session
	deps     Deps
	cfg      Config
	log      *logrus.Entry
	detector *barge.Detector

	mu    sync.Mutex
	ctx   context.Context
	stt   Transcriber
	voice Voice
	ended bool

	wg sync.WaitGroup
}

func New(s *session.Session, deps Deps, cfg Config, log *logrus.Entry) *Controller {
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = 20 * time.Second
	}
	c := &Controller{
		sess: s,
		deps: deps,
		cfg:  cfg,
		log:  log.WithField("session", s.ID),
		ctx:  context.Background(),
	}
	c.detector = barge.NewDetector(cfg.Interrupt, barge.Events{
		OnInterrupt:    c.onInterrupt,
		OnSpeechChange: c.onSpeechChange,
	})
	return c
}

// Bind attaches the gateways. It must be called before Start.
func (c *Controller) Bind(stt Transcriber, voice Voice) {
	c.mu.Lock()
	c.stt, c.voice = stt, voice
	c.mu.Unlock()
}

func (c *Controller) gateways() (Transcriber, Voice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stt, c.voice
}

func (c *Controller) baseCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// VoiceListener returns the callbacks the voice gateway reports to.
func (c *Controller) VoiceListener() tts.Listener {
	return tts.Listener{
		OnSpeakingChange: func(on bool) {
			c.sess.SetAISpeaking(on)
			c.detector.SetArmed(on)
		},
		OnConnectivityError: func(err error) {
			c.log.Errorf("voice unavailable: %v", err)
			c.send(protocol.Error{Message: "Voice connection lost. Trying to recover."})
		},
	}
}

// Start greets the client and asks the current question. A session that is
// already past its last question is closed out instead.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	var (
		q    interview.Question
		ok   bool
		idx  int
		prog interview.Progress
	)
	c.sess.Do(func(m *interview.Machine) {
		q, ok = m.CurrentQuestion()
		idx = m.Index()
		prog = m.Progress()
	})
	c.send(protocol.Connected{
		SessionID:       c.sess.ID,
		InterviewID:     c.sess.InterviewID,
		CurrentQuestion: prog.Current,
		TotalQuestions:  prog.Total,
		IsResuming:      c.sess.Resumed(),
	})
	c.send(protocol.ProgressFrom(prog))
	if !ok {
		c.end(ctx)
		return
	}
	c.ask(ctx, idx, q)
}

// Wait blocks until background silence handling has finished.
func (c *Controller) Wait() { c.wg.Wait() }

// OnTranscript implements transcript.Handler.
func (c *Controller) OnTranscript(text string, isFinal bool) {
	if c.sess.Paused() {
		return
	}
	if !isFinal {
		c.send(protocol.TranscriptInterim{Text: text})
		return
	}
	var err error
	c.sess.Do(func(m *interview.Machine) { err = m.AppendTranscript(text) })
	if err != nil {
		c.log.Debugf("transcript dropped: %v", err)
		return
	}
	c.sess.Touch()
	c.send(protocol.TranscriptFinal{Text: text})
}

// OnUtteranceEnd implements transcript.Handler. The analysis runs off the
// transcription goroutine so audio keeps flowing.
func (c *Controller) OnUtteranceEnd() {
	ctx := c.baseCtx()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.OnSilence(ctx)
	}()
}

// OnConnectivityError implements transcript.Handler. Without transcription
// the current answer cannot grow, so the interview moves on.
func (c *Controller) OnConnectivityError(err error) {
	c.log.Errorf("transcription unavailable: %v", err)
	c.send(protocol.Error{Message: "Speech recognition connection lost. Moving on."})
	ctx := c.baseCtx()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.ForceProgress(ctx)
	}()
}

// OnSilence handles one end-of-utterance signal and returns the action it
// dispatched. Calls for the same session run one at a time; a call that
// finds no new speech since the last analysis does nothing.
func (c *Controller) OnSilence(ctx context.Context) interview.Action {
	release := c.sess.BeginAnalysis()
	defer release()
	if c.sess.Paused() || c.isEnded() {
		return interview.ActionContinue
	}

	var (
		question   interview.Question
		transcript string
		upto       int
		pending    bool
	)
	c.sess.Do(func(m *interview.Machine) {
		a := m.Active()
		if a == nil {
			return
		}
		question, _ = m.CurrentQuestion()
		transcript = a.Transcript
		upto = len(a.Transcript)
		pending = a.HasPending()
	})
	if !pending || interview.TextLength(transcript) < interview.MinAnalyzableChars {
		return interview.ActionContinue
	}

	c.send(protocol.AIProcessing{})
	actx, cancel := context.WithTimeout(ctx, c.cfg.AnalysisTimeout)
	res, err := c.deps.Analyzer.Analyze(actx, question.Text, transcript)
	cancel()
	if ctx.Err() != nil {
		// the channel went away mid-analysis; the answer stays pending for
		// the next connection
		c.log.Infof("analysis of question %s abandoned: %v", question.ID, ctx.Err())
		return interview.ActionContinue
	}

	action := interview.ActionNextQuestion
	c.sess.Do(func(m *interview.Machine) {
		a := m.Active()
		if a == nil {
			return
		}
		if err != nil {
			_ = m.RecordTurn(m.AnswerTurnKind(), "", nil)
			a.MarkAnalyzed(upto)
			return
		}
		_ = m.ApplyAnalysis(res)
		conf := a.Confidence
		_ = m.RecordTurn(m.AnswerTurnKind(), "", &conf)
		a.MarkAnalyzed(upto)
		action = m.Decide()
	})
	if err != nil {
		c.log.Warnf("analysis failed, moving to next question: %v", err)
	} else {
		c.log.Infof("question %s: confidence=%d off_topic=%t -> %s", question.ID, res.Confidence, res.IsOffTopic, action)
	}
	c.dispatch(ctx, action, res)
	return action
}

// ForceProgress completes the current question without analysis.
func (c *Controller) ForceProgress(ctx context.Context) {
	release := c.sess.BeginAnalysis()
	defer release()
	if c.isEnded() || ctx.Err() != nil {
		return
	}
	c.nextQuestion(ctx)
}

func (c *Controller) dispatch(ctx context.Context, action interview.Action, res interview.Analysis) {
	switch action {
	case interview.ActionContinue:
	case interview.ActionNextQuestion:
		c.nextQuestion(ctx)
	case interview.ActionFollowUp:
		c.followUp(ctx, res.SuggestedFollowUp)
	case interview.ActionRedirect:
		c.redirect(ctx)
	case interview.ActionEndInterview:
		c.end(ctx)
	default:
		c.log.Warnf("unhandled action %s", action)
	}
}

func (c *Controller) nextQuestion(ctx context.Context) {
	var (
		done interview.AnswerState
		err  error
	)
	c.sess.Do(func(m *interview.Machine) { done, err = m.MarkComplete() })
	if err == nil && c.deps.Persist != nil {
		// the durable write must land before the pointer moves
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		if perr := c.deps.Persist.SaveAnswer(pctx, c.sess.ID, done); perr != nil {
			c.log.Errorf("persist answer %s: %v", done.QuestionID, perr)
		}
		cancel()
	}

	var (
		next interview.Question
		more bool
		idx  int
		prog interview.Progress
	)
	c.sess.Do(func(m *interview.Machine) {
		next, more = m.Advance()
		idx = m.Index()
		prog = m.Progress()
	})
	c.send(protocol.ProgressFrom(prog))
	if !more {
		c.end(ctx)
		return
	}
	c.ask(ctx, idx, next)
}

func (c *Controller) followUp(ctx context.Context, suggested string) {
	text := strings.TrimSpace(suggested)
	if text == "" {
		text = defaultFollowUp
	}
	var (
		n  int
		ok bool
	)
	c.sess.Do(func(m *interview.Machine) {
		if n, ok = m.IncrementFollowUp(); ok {
			_ = m.RecordTurn(interview.TurnFollowUpQuestion, text, nil)
		}
	})
	if !ok {
		c.nextQuestion(ctx)
		return
	}
	c.send(protocol.FollowUp{QuestionText: text, FollowUpCount: n})
	c.speak(ctx, tts.Instruction{Kind: tts.FollowUp, Text: text})
}

func (c *Controller) redirect(ctx context.Context) {
	var (
		msg string
		ok  bool
	)
	c.sess.Do(func(m *interview.Machine) {
		q, _ := m.CurrentQuestion()
		msg = redirectMessage(q)
		if _, ok = m.IncrementRedirect(); ok {
			_ = m.RecordTurn(interview.TurnRedirect, msg, nil)
		}
	})
	if !ok {
		c.nextQuestion(ctx)
		return
	}
	c.send(protocol.Redirect{Message: msg})
	c.speak(ctx, tts.Instruction{Kind: tts.Redirect, Text: msg})
}

func redirectMessage(q interview.Question) string {
	return fmt.Sprintf("Let's come back to the question. %s", q.Text)
}

func (c *Controller) ask(ctx context.Context, idx int, q interview.Question) {
	c.send(protocol.NextQuestion{QuestionNumber: idx + 1, QuestionText: q.Text})
	c.speak(ctx, tts.Instruction{Kind: tts.AskQuestion, Text: q.Text})
}

func (c *Controller) end(ctx context.Context) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()

	c.speak(ctx, tts.Instruction{Kind: tts.CloseInterview, Text: closingRemark})
	stats := c.sess.Statistics()
	c.send(protocol.InterviewComplete{Statistics: &stats})
	c.log.Infof("interview finished: %d/%d answered", stats.AnsweredQuestions, stats.TotalQuestions)
	if c.deps.OnFinished != nil {
		c.deps.OnFinished(ctx)
	}
}

func (c *Controller) isEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *Controller) speak(ctx context.Context, in tts.Instruction) {
	_, voice := c.gateways()
	if voice == nil {
		return
	}
	if err := voice.Speak(ctx, in); err != nil {
		c.log.Errorf("voice %s failed: %v", in.Kind, err)
		c.send(protocol.Error{Message: "Voice connection lost. Please reconnect to continue."})
	}
}

// HandleAudio takes one inbound respondent audio frame.
func (c *Controller) HandleAudio(pcm []byte) {
	if len(pcm) == 0 || c.sess.Paused() {
		return
	}
	c.detector.Feed(pcm)
	stt, _ := c.gateways()
	if stt == nil {
		return
	}
	if err := stt.SendAudio(pcm); err != nil {
		c.log.Debugf("audio to stt: %v", err)
	}
}

// HandleControl applies one decoded control frame.
func (c *Controller) HandleControl(ctl protocol.Control) {
	stt, voice := c.gateways()
	switch ctl.Type {
	case protocol.ControlPause:
		if c.sess.SetPaused(true) {
			if voice != nil {
				voice.Interrupt()
			}
			c.detector.Reset()
			c.sess.SetUserSpeaking(false)
			if stt != nil {
				stt.SetUserSpeaking(false)
			}
			c.log.Info("interview paused")
		}
		c.send(protocol.ProgressFrom(c.sess.Progress()))
	case protocol.ControlResume:
		if !c.sess.SetPaused(false) {
			c.send(protocol.ProgressFrom(c.sess.Progress()))
			return
		}
		c.log.Info("interview resumed")
		c.send(protocol.ProgressFrom(c.sess.Progress()))
		c.repeatQuestion()
	case protocol.ControlGetProgress:
		c.send(protocol.ProgressFrom(c.sess.Progress()))
	default:
		c.log.Debugf("ignoring control frame %q", ctl.Raw)
	}
}

// repeatQuestion asks the current question again off the read loop.
func (c *Controller) repeatQuestion() {
	if c.isEnded() {
		return
	}
	var (
		q   interview.Question
		ok  bool
		idx int
	)
	c.sess.Do(func(m *interview.Machine) {
		q, ok = m.CurrentQuestion()
		idx = m.Index()
	})
	if !ok {
		return
	}
	ctx := c.baseCtx()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.ask(ctx, idx, q)
	}()
}

func (c *Controller) send(ev protocol.Event) {
	if c.deps.Client == nil {
		return
	}
	if err := c.deps.Client.Send(ev); err != nil {
		c.log.Debugf("send %s: %v", ev.EventType(), err)
	}
}

func (c *Controller) onInterrupt(time.Time) {
	if !c.sess.AISpeaking() {
		return
	}
	_, voice := c.gateways()
	if voice != nil && voice.Interrupt() {
		c.log.Info("respondent interrupted the ai")
	}
}

func (c *Controller) onSpeechChange(on bool) {
	c.sess.SetUserSpeaking(on)
	if stt, _ := c.gateways(); stt != nil {
		stt.SetUserSpeaking(on)
	}
}
