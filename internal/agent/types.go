package agent

import (
	"context"

	"github.com/chadiek/interview-voice/internal/interview"
	"github.com/chadiek/interview-voice/internal/protocol"
	"github.com/chadiek/interview-voice/internal/tts"
)

// Analyzer scores an answer transcript against its question.
type Analyzer interface {
	Analyze(ctx context.Context, question, transcript string) (interview.Analysis, error)
}

// Transcriber is the controller's view of the transcription gateway.
type Transcriber interface {
	SendAudio(pcm []byte) error
	SetUserSpeaking(on bool)
}

// Voice is the controller's view of the voice gateway.
type Voice interface {
	Speak(ctx context.Context, in tts.Instruction) error
	Interrupt() bool
}

// Client receives control events for the respondent.
type Client interface {
	Send(ev protocol.Event) error
}

// Persister writes a completed answer to durable storage.
type Persister interface {
	SaveAnswer(ctx context.Context, sessionID string, a interview.AnswerState) error
}
