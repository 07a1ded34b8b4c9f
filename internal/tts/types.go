package tts

import (
	"context"
	"errors"

	"github.com/chadiek/interview-voice/internal/protocol"
)

// ErrConnectivity marks a lost or unreachable voice connection.
var ErrConnectivity = errors.New("tts: voice connection unavailable")

// InstructionKind names what the AI is about to say.
type InstructionKind int

const (
	AskQuestion InstructionKind = iota
	FollowUp
	Redirect
	CloseInterview
)

func (k InstructionKind) String() string {
	switch k {
	case AskQuestion:
		return "ask_question"
	case FollowUp:
		return "follow_up"
	case Redirect:
		return "redirect"
	case CloseInterview:
		return "close_interview"
	default:
		return "unknown"
	}
}

// Instruction is one complete AI turn.
type Instruction struct {
	Kind InstructionKind
	Text string
}

// Config describes the audio produced by a voice connection.
type Config struct {
	SampleRate int
	Encoding   string
}

func DefaultConfig() Config {
	return Config{SampleRate: protocol.OutputSampleRate, Encoding: "linear16"}
}

// Conn is one live voice connection. Each SendInstruction produces audio on
// Audio followed by a single signal on TurnComplete.
type Conn interface {
	SendInstruction(ctx context.Context, text string) error
	Audio() <-chan []byte
	TurnComplete() <-chan struct{}
	// Done is closed once the connection is gone, for any reason.
	Done() <-chan struct{}
	Close() error
}

// Provider opens voice connections.
type Provider interface {
	Open(ctx context.Context, cfg Config) (Conn, error)
}

// Sink is the client side of the gateway.
type Sink interface {
	SendAudio(pcm []byte) error
	// ClearAudio drops queued outbound audio and tells the client to do the same.
	ClearAudio()
	Send(ev protocol.Event) error
}

// Listener observes gateway state. Either callback may be nil.
type Listener struct {
	OnSpeakingChange    func(speaking bool)
	OnConnectivityError func(err error)
}
