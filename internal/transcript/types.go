package transcript

import (
	"context"
	"errors"
)

// ErrConnectivity marks a lost or unreachable STT connection.
var ErrConnectivity = errors.New("transcript: stt connection unavailable")

type EventKind int

const (
	EventTranscript EventKind = iota
	EventUtteranceEnd
)

// Event is emitted by a Stream. Text and IsFinal are set for EventTranscript.
type Event struct {
	Kind    EventKind
	Text    string
	IsFinal bool
}

// Config describes the audio sent on a stream.
type Config struct {
	SampleRate int
	Encoding   string
}

func DefaultConfig() Config { return Config{SampleRate: 16000, Encoding: "pcm_s16le"} }

// Stream is one live STT connection.
type Stream interface {
	// Send forwards PCM16LE mono audio verbatim.
	Send(pcm []byte) error
	Events() <-chan Event
	// Done is closed once the connection is gone, for any reason.
	Done() <-chan struct{}
	Close() error
}

// Provider opens STT streams.
type Provider interface {
	Open(ctx context.Context, cfg Config) (Stream, error)
}

// Handler receives gateway output. Calls are made from the gateway's event
// goroutine in arrival order.
type Handler interface {
	OnTranscript(text string, isFinal bool)
	OnUtteranceEnd()
	// OnConnectivityError is called once reconnect attempts are exhausted.
	OnConnectivityError(err error)
}
