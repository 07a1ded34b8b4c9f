package interview

import (
	"errors"
	"time"
)

const (
	// MaxFollowUps caps clarifying questions asked for a single question.
	MaxFollowUps = 3
	// MaxRedirects caps off-topic redirects for a single question.
	MaxRedirects = 2
	// CompletionThreshold is the confidence at which an answer counts as complete.
	CompletionThreshold = 60
	// MinFollowUpChars is the transcript length above which a follow-up may be asked.
	MinFollowUpChars = 20
	// MinAnalyzableChars is the shortest transcript worth sending for analysis.
	MinAnalyzableChars = 10
)

var ErrNoActiveQuestion = errors.New("interview: no active question")

// Question is immutable for the lifetime of a session.
type Question struct {
	ID    string `json:"questionId" yaml:"id"`
	Text  string `json:"text" yaml:"text"`
	Order int    `json:"order" yaml:"order"`
}

// TurnKind tags a ConversationTurn.
type TurnKind string

const (
	TurnMainAnswer       TurnKind = "main_answer"
	TurnFollowUpQuestion TurnKind = "follow_up_question"
	TurnFollowUpAnswer   TurnKind = "follow_up_answer"
	TurnRedirect         TurnKind = "redirect"
)

// IsAnswer reports whether the turn was spoken by the respondent.
func (k TurnKind) IsAnswer() bool {
	return k == TurnMainAnswer || k == TurnFollowUpAnswer
}

type ConversationTurn struct {
	Kind       TurnKind  `json:"type"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence *int      `json:"confidence,omitempty"`

	// open is true while the respondent may still be adding to this turn.
	open bool
}

// AnswerState is the ledger for one question.
type AnswerState struct {
	QuestionID          string
	Transcript          string
	ConversationHistory []ConversationTurn
	Confidence          int
	IsComplete          bool
	IsOffTopic          bool
	MissingAspects      []string
	SuggestedFollowUp   string
	FollowUpCount       int
	RedirectCount       int
	AudioStart          time.Time
	AudioEnd            time.Time

	// analyzed is the prefix length of Transcript already sent for analysis.
	analyzed int
}

// Pending returns transcript text that has not been analyzed yet.
func (a *AnswerState) Pending() string {
	if a == nil || a.analyzed >= len(a.Transcript) {
		return ""
	}
	return a.Transcript[a.analyzed:]
}

// HasPending reports whether new speech arrived since the last analysis.
func (a *AnswerState) HasPending() bool {
	return len(trimmed(a.Pending())) > 0
}

// MarkAnalyzed records that the transcript up to n bytes has been analyzed.
func (a *AnswerState) MarkAnalyzed(n int) {
	if n > len(a.Transcript) {
		n = len(a.Transcript)
	}
	if n > a.analyzed {
		a.analyzed = n
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (a *AnswerState) Clone() AnswerState {
	out := *a
	out.ConversationHistory = append([]ConversationTurn(nil), a.ConversationHistory...)
	out.MissingAspects = append([]string(nil), a.MissingAspects...)
	return out
}

// Analysis is the result of the external answer-analysis collaborator.
type Analysis struct {
	Confidence        int      `json:"confidence"`
	IsComplete        bool     `json:"isComplete"`
	IsOffTopic        bool     `json:"isOffTopic"`
	MissingAspects    []string `json:"missingAspects"`
	SuggestedFollowUp string   `json:"suggestedFollowUp"`
}

// Action is the outcome of Decide.
type Action int

const (
	ActionContinue Action = iota
	ActionNextQuestion
	ActionFollowUp
	ActionRedirect
	ActionEndInterview
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "CONTINUE"
	case ActionNextQuestion:
		return "NEXT_QUESTION"
	case ActionFollowUp:
		return "FOLLOW_UP"
	case ActionRedirect:
		return "REDIRECT"
	case ActionEndInterview:
		return "END_INTERVIEW"
	default:
		return "UNKNOWN"
	}
}
