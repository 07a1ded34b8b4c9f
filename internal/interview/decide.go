package interview

import (
	"strings"
	"unicode/utf8"
)

// DecisionInput is everything Decide looks at.
type DecisionInput struct {
	PastEnd          bool
	Confidence       int
	IsOffTopic       bool
	FollowUpCount    int
	RedirectCount    int
	TranscriptLength int
}

// Decide maps an answer snapshot to the next action. Rules are checked in a
// fixed priority order so that repeated follow-ups and redirects always end
// in NEXT_QUESTION.
func Decide(in DecisionInput) Action {
	switch {
	case in.PastEnd:
		return ActionEndInterview
	case in.IsOffTopic && in.RedirectCount < MaxRedirects:
		return ActionRedirect
	case in.IsOffTopic:
		return ActionNextQuestion
	case in.Confidence >= CompletionThreshold:
		return ActionNextQuestion
	case in.FollowUpCount < MaxFollowUps && in.TranscriptLength > MinFollowUpChars:
		return ActionFollowUp
	case in.FollowUpCount >= MaxFollowUps:
		return ActionNextQuestion
	default:
		return ActionContinue
	}
}

// inputFor builds the decision input for an answer.
func inputFor(a *AnswerState, pastEnd bool) DecisionInput {
	if a == nil {
		return DecisionInput{PastEnd: pastEnd}
	}
	return DecisionInput{
		PastEnd:          pastEnd,
		Confidence:       a.Confidence,
		IsOffTopic:       a.IsOffTopic,
		FollowUpCount:    a.FollowUpCount,
		RedirectCount:    a.RedirectCount,
		TranscriptLength: TextLength(a.Transcript),
	}
}

// TextLength counts characters of the trimmed text.
func TextLength(s string) int {
	return utf8.RuneCountInString(trimmed(s))
}

func trimmed(s string) string { return strings.TrimSpace(s) }
