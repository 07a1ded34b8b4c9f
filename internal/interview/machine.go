package interview

import (
	"sort"
	"strings"
	"time"
)

// Machine is the per-session answer ledger. It is not safe for concurrent
// use; the owning session serializes access.
type Machine struct {
	questions []Question
	index     int
	answers   map[string]*AnswerState
	startedAt time.Time
	now       func() time.Time
}

// NewMachine orders questions by their Order field and positions the
// pointer on the first one.
func NewMachine(questions []Question, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	qs := append([]Question(nil), questions...)
	sort.SliceStable(qs, func(i, j int) bool { return qs[i].Order < qs[j].Order })
	return &Machine{
		questions: qs,
		answers:   make(map[string]*AnswerState, len(qs)),
		startedAt: now(),
		now:       now,
	}
}

func (m *Machine) Questions() []Question { return append([]Question(nil), m.questions...) }
func (m *Machine) Index() int            { return m.index }
func (m *Machine) Total() int            { return len(m.questions) }
func (m *Machine) PastEnd() bool         { return m.index >= len(m.questions) }
func (m *Machine) StartedAt() time.Time  { return m.startedAt }

// SetStartedAt is used when a session is rebuilt from a durable record.
func (m *Machine) SetStartedAt(t time.Time) {
	if !t.IsZero() {
		m.startedAt = t
	}
}

// CurrentQuestion returns the question under the pointer.
func (m *Machine) CurrentQuestion() (Question, bool) {
	if m.PastEnd() {
		return Question{}, false
	}
	return m.questions[m.index], true
}

// Active returns the answer for the current question, creating it on first
// use. It returns nil once the pointer is past the last question.
func (m *Machine) Active() *AnswerState {
	q, ok := m.CurrentQuestion()
	if !ok {
		return nil
	}
	a, ok := m.answers[q.ID]
	if !ok {
		a = &AnswerState{QuestionID: q.ID}
		m.answers[q.ID] = a
	}
	return a
}

// Advance moves the pointer forward by one and returns the new current
// question, if any.
func (m *Machine) Advance() (Question, bool) {
	if !m.PastEnd() {
		m.index++
	}
	if m.Active() == nil {
		return Question{}, false
	}
	return m.CurrentQuestion()
}

// AppendTranscript adds a final speech fragment to the active answer in
// arrival order.
func (m *Machine) AppendTranscript(text string) error {
	text = strings.TrimSpace(text)
	a := m.Active()
	if a == nil {
		return ErrNoActiveQuestion
	}
	if text == "" {
		return nil
	}
	now := m.now()
	if a.Transcript == "" {
		a.Transcript = text
	} else {
		a.Transcript += " " + text
	}
	if a.AudioStart.IsZero() {
		a.AudioStart = now
	}
	a.AudioEnd = now

	if n := len(a.ConversationHistory); n > 0 && a.ConversationHistory[n-1].open {
		last := &a.ConversationHistory[n-1]
		last.Content = strings.TrimSpace(last.Content + " " + text)
		last.Timestamp = now
		return nil
	}
	a.ConversationHistory = append(a.ConversationHistory, ConversationTurn{
		Kind:      nextAnswerKind(a.ConversationHistory),
		Content:   text,
		Timestamp: now,
		open:      true,
	})
	return nil
}

// RecordTurn appends a turn. An answer turn closes the in-progress answer
// turn instead of appending when one is open.
func (m *Machine) RecordTurn(kind TurnKind, content string, confidence *int) error {
	a := m.Active()
	if a == nil {
		return ErrNoActiveQuestion
	}
	now := m.now()
	if n := len(a.ConversationHistory); kind.IsAnswer() && n > 0 && a.ConversationHistory[n-1].open {
		last := &a.ConversationHistory[n-1]
		if c := strings.TrimSpace(content); c != "" {
			last.Content = c
		}
		last.Confidence = confidence
		last.Timestamp = now
		last.open = false
		return nil
	}
	for i := range a.ConversationHistory {
		a.ConversationHistory[i].open = false
	}
	a.ConversationHistory = append(a.ConversationHistory, ConversationTurn{
		Kind:       kind,
		Content:    strings.TrimSpace(content),
		Timestamp:  now,
		Confidence: confidence,
	})
	return nil
}

// AnswerTurnKind is the kind an answer recorded now would get.
func (m *Machine) AnswerTurnKind() TurnKind {
	a := m.Active()
	if a == nil {
		return TurnMainAnswer
	}
	if n := len(a.ConversationHistory); n > 0 && a.ConversationHistory[n-1].open {
		return a.ConversationHistory[n-1].Kind
	}
	return nextAnswerKind(a.ConversationHistory)
}

func nextAnswerKind(history []ConversationTurn) TurnKind {
	for i := len(history) - 1; i >= 0; i-- {
		switch history[i].Kind {
		case TurnFollowUpQuestion:
			return TurnFollowUpAnswer
		case TurnRedirect, TurnMainAnswer, TurnFollowUpAnswer:
			return TurnMainAnswer
		}
	}
	return TurnMainAnswer
}

// ApplyAnalysis copies the analysis result onto the active answer.
func (m *Machine) ApplyAnalysis(res Analysis) error {
	a := m.Active()
	if a == nil {
		return ErrNoActiveQuestion
	}
	a.Confidence = clamp(res.Confidence, 0, 100)
	a.IsComplete = res.IsComplete
	a.IsOffTopic = res.IsOffTopic
	a.MissingAspects = append([]string(nil), res.MissingAspects...)
	a.SuggestedFollowUp = strings.TrimSpace(res.SuggestedFollowUp)
	return nil
}

// Decide runs the decision policy against the active answer.
func (m *Machine) Decide() Action {
	return Decide(inputFor(m.Active(), m.PastEnd()))
}

// IncrementFollowUp bumps the follow-up counter, never past MaxFollowUps.
func (m *Machine) IncrementFollowUp() (int, bool) {
	a := m.Active()
	if a == nil || a.FollowUpCount >= MaxFollowUps {
		return 0, false
	}
	a.FollowUpCount++
	return a.FollowUpCount, true
}

// IncrementRedirect bumps the redirect counter, never past MaxRedirects.
func (m *Machine) IncrementRedirect() (int, bool) {
	a := m.Active()
	if a == nil || a.RedirectCount >= MaxRedirects {
		return 0, false
	}
	a.RedirectCount++
	return a.RedirectCount, true
}

// MarkComplete flags the active answer as done and returns a copy of it.
func (m *Machine) MarkComplete() (AnswerState, error) {
	a := m.Active()
	if a == nil {
		return AnswerState{}, ErrNoActiveQuestion
	}
	a.IsComplete = true
	a.MarkAnalyzed(len(a.Transcript))
	for i := range a.ConversationHistory {
		a.ConversationHistory[i].open = false
	}
	return a.Clone(), nil
}

// RestoreAnswer loads a persisted answer. Restored answers are treated as
// fully analyzed.
func (m *Machine) RestoreAnswer(a AnswerState) {
	cp := a.Clone()
	cp.analyzed = len(cp.Transcript)
	m.answers[cp.QuestionID] = &cp
}

// SeekFirstGap moves the pointer to the first question without a restored
// answer. The pointer never moves backwards.
func (m *Machine) SeekFirstGap(persisted map[string]bool) int {
	target := len(m.questions)
	for i, q := range m.questions {
		if !persisted[q.ID] {
			target = i
			break
		}
	}
	if target > m.index {
		m.index = target
	}
	m.Active()
	return m.index
}

// Answer returns a copy of the answer for a question.
func (m *Machine) Answer(questionID string) (AnswerState, bool) {
	a, ok := m.answers[questionID]
	if !ok {
		return AnswerState{}, false
	}
	return a.Clone(), true
}

// Answers returns copies of every answer in question order.
func (m *Machine) Answers() []AnswerState {
	out := make([]AnswerState, 0, len(m.answers))
	for _, q := range m.questions {
		if a, ok := m.answers[q.ID]; ok {
			out = append(out, a.Clone())
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
