package tts

import (
	"context"
	"fmt"
	"sync"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"github.com/sirupsen/logrus"
)

// Deepgram opens Aura speak websockets. One connection serves many turns:
// each instruction is sent as text followed by Flush, and the Flushed reply
// marks the end of the turn.
type Deepgram struct {
	apiKey string
	model  string
	log    *logrus.Entry
}

func NewDeepgram(apiKey, model string, log *logrus.Entry) *Deepgram {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &Deepgram{apiKey: apiKey, model: model, log: log}
}

func (d *Deepgram) Open(ctx context.Context, cfg Config) (Conn, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("%w: deepgram API key missing", ErrConnectivity)
	}
	if cfg.SampleRate == 0 {
		cfg = DefaultConfig()
	}
	c := &deepgramConn{
		audio: make(chan []byte, 4096),
		turns: make(chan struct{}, 1),
		done:  make(chan struct{}),
		log:   d.log,
	}
	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.model,
		Encoding:   cfg.Encoding,
		SampleRate: cfg.SampleRate,
	}
	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, &speakCallback{conn: c})
	if err != nil {
		return nil, fmt.Errorf("%w: deepgram create ws client: %v", ErrConnectivity, err)
	}
	if ok := dg.Connect(); !ok {
		return nil, fmt.Errorf("%w: deepgram connect failed", ErrConnectivity)
	}
	c.dg = dg
	return c, nil
}

// speakClient is the subset of the Deepgram websocket client used per turn.
type speakClient interface {
	SpeakWithText(text string) error
	Flush() error
	Stop()
}

type deepgramConn struct {
	dg    speakClient
	audio chan []byte
	turns chan struct{}
	done  chan struct{}
	once  sync.Once
	log   *logrus.Entry
	mu    sync.Mutex
}

func (c *deepgramConn) Audio() <-chan []byte          { return c.audio }
func (c *deepgramConn) TurnComplete() <-chan struct{} { return c.turns }
func (c *deepgramConn) Done() <-chan struct{}         { return c.done }

func (c *deepgramConn) SendInstruction(_ context.Context, text string) error {
	select {
	case <-c.done:
		return ErrConnectivity
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.dg.SpeakWithText(text); err != nil {
		return fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := c.dg.Flush(); err != nil {
		return fmt.Errorf("deepgram: flush: %w", err)
	}
	return nil
}

func (c *deepgramConn) Close() error {
	c.markDone()
	c.mu.Lock()
	c.dg.Stop()
	c.mu.Unlock()
	return nil
}

func (c *deepgramConn) markDone() { c.once.Do(func() { close(c.done) }) }

type speakCallback struct{ conn *deepgramConn }

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }

func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error {
	select {
	case s.conn.turns <- struct{}{}:
	default:
	}
	return nil
}

func (s *speakCallback) Close(*msginterfaces.CloseResponse) error {
	s.conn.markDone()
	return nil
}

func (s *speakCallback) Warning(w *msginterfaces.WarningResponse) error {
	s.conn.log.Warnf("deepgram warning: %+v", w)
	return nil
}

func (s *speakCallback) Error(e *msginterfaces.ErrorResponse) error {
	s.conn.log.Errorf("deepgram error: %+v", e)
	return nil
}

func (s *speakCallback) Binary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	b := make([]byte, len(data))
	copy(b, data)
	select {
	case s.conn.audio <- b:
	case <-s.conn.done:
	default:
		s.conn.log.Warn("deepgram audio buffer full, dropping chunk")
	}
	return nil
}
