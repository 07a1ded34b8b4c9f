package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chadiek/interview-voice/internal/protocol"
)

type GatewayConfig struct {
	Voice Config
	// AudioFinishGrace keeps forwarding trailing audio after turn complete.
	AudioFinishGrace time.Duration
	// TurnTimeout bounds a turn whose completion signal never arrives.
	TurnTimeout       time.Duration
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
}

func (c *GatewayConfig) defaults() {
	if c.Voice.SampleRate == 0 {
		c.Voice = DefaultConfig()
	}
	if c.AudioFinishGrace <= 0 {
		c.AudioFinishGrace = 500 * time.Millisecond
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 30 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 3
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 250 * time.Millisecond
	}
}

// Gateway turns instructions into AI speech for one session. Turns run one at
// a time; audio reaches the sink only while the AI is speaking.
type Gateway struct {
	provider Provider
	cfg      GatewayConfig
	sink     Sink
	listener Listener
	log      *logrus.Entry

	// slot holds a token for the duration of a turn
	slot chan struct{}

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	conn       Conn
	closed     bool
	speaking   bool
	suppressed bool
	turn       uint64
}

func NewGateway(p Provider, cfg GatewayConfig, sink Sink, l Listener, log *logrus.Entry) *Gateway {
	cfg.defaults()
	return &Gateway{
		provider: p,
		cfg:      cfg,
		sink:     sink,
		listener: l,
		log:      log,
		slot:     make(chan struct{}, 1),
	}
}

// Start opens the first connection.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.ctx != nil {
		g.mu.Unlock()
		return errors.New("tts: gateway already started")
	}
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.mu.Unlock()
	return g.connect(g.cfg.ReconnectAttempts)
}

func (g *Gateway) connect(attempts int) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if g.ctx.Err() != nil {
			return g.ctx.Err()
		}
		c, err := g.provider.Open(g.ctx, g.cfg.Voice)
		if err == nil {
			if !g.install(c) {
				_ = c.Close()
				return errors.New("tts: gateway closed")
			}
			return nil
		}
		lastErr = err
		g.log.Warnf("voice open attempt %d/%d failed: %v", attempt, attempts, err)
		if attempt < attempts {
			select {
			case <-time.After(g.cfg.ReconnectBackoff * time.Duration(attempt)):
			case <-g.ctx.Done():
				return g.ctx.Err()
			}
		}
	}
	if !errors.Is(lastErr, ErrConnectivity) {
		lastErr = fmt.Errorf("%w: %v", ErrConnectivity, lastErr)
	}
	return lastErr
}

// install replaces the current connection, closing any prior one first.
func (g *Gateway) install(c Conn) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	prev := g.conn
	g.conn = c
	g.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	go g.forward(c)
	return true
}

func (g *Gateway) current() Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn
}

func (g *Gateway) forward(c Conn) {
	for {
		select {
		case <-g.ctx.Done():
			return
		case pcm := <-c.Audio():
			g.deliver(pcm)
		case <-c.Done():
			g.onConnLost(c)
			return
		}
	}
}

func (g *Gateway) deliver(pcm []byte) {
	g.mu.Lock()
	ok := g.speaking && !g.suppressed
	g.mu.Unlock()
	if !ok || len(pcm) == 0 {
		return
	}
	if err := g.sink.SendAudio(pcm); err != nil {
		g.log.Debugf("voice audio to client: %v", err)
	}
}

func (g *Gateway) onConnLost(c Conn) {
	g.mu.Lock()
	if g.closed || g.conn != c {
		g.mu.Unlock()
		return
	}
	g.conn = nil
	g.mu.Unlock()

	g.log.Warn("voice connection lost, reconnecting")
	if err := g.connect(g.cfg.ReconnectAttempts); err != nil && g.ctx.Err() == nil {
		g.log.Errorf("voice reconnect failed: %v", err)
		if g.listener.OnConnectivityError != nil {
			g.listener.OnConnectivityError(err)
		}
	}
}

func (g *Gateway) ensureConn() (Conn, error) {
	if c := g.current(); c != nil {
		return c, nil
	}
	if err := g.connect(g.cfg.ReconnectAttempts); err != nil {
		return nil, err
	}
	if c := g.current(); c != nil {
		return c, nil
	}
	return nil, ErrConnectivity
}

// Speak starts one AI turn. It waits for any previous turn to finish, sends
// the instruction, and returns once the provider accepted it. A failed send
// gets one reconnect before the error is returned.
func (g *Gateway) Speak(ctx context.Context, in Instruction) error {
	g.mu.Lock()
	started, closed := g.ctx != nil, g.closed
	g.mu.Unlock()
	if !started || closed {
		return ErrConnectivity
	}
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-g.ctx.Done():
		return ErrConnectivity
	}

	conn, err := g.ensureConn()
	if err != nil {
		<-g.slot
		return err
	}
	drain(conn.TurnComplete())

	g.mu.Lock()
	g.turn++
	id := g.turn
	g.speaking = true
	g.suppressed = false
	g.mu.Unlock()
	g.notifySpeaking(true)

	g.log.Debugf("voice turn %d: %s", id, in.Kind)
	if err := conn.SendInstruction(ctx, in.Text); err != nil {
		g.log.Warnf("voice instruction failed, reconnecting: %v", err)
		conn, err = g.reopen(conn)
		if err == nil {
			err = conn.SendInstruction(ctx, in.Text)
		}
		if err != nil {
			g.endTurn(id)
			<-g.slot
			if !errors.Is(err, ErrConnectivity) {
				err = fmt.Errorf("%w: %v", ErrConnectivity, err)
			}
			return err
		}
	}
	go g.awaitTurn(conn, id)
	return nil
}

// reopen discards a failed connection and opens exactly one replacement.
func (g *Gateway) reopen(failed Conn) (Conn, error) {
	g.mu.Lock()
	if g.conn == failed {
		g.conn = nil
	}
	g.mu.Unlock()
	_ = failed.Close()
	if err := g.connect(1); err != nil {
		return nil, err
	}
	if c := g.current(); c != nil {
		return c, nil
	}
	return nil, ErrConnectivity
}

func (g *Gateway) awaitTurn(conn Conn, id uint64) {
	defer func() { <-g.slot }()
	timer := time.NewTimer(g.cfg.TurnTimeout)
	defer timer.Stop()
	select {
	case <-conn.TurnComplete():
	case <-conn.Done():
	case <-timer.C:
		g.log.Warnf("voice turn %d timed out", id)
	case <-g.ctx.Done():
		return
	}
	select {
	case <-time.After(g.cfg.AudioFinishGrace):
	case <-g.ctx.Done():
		return
	}
	g.endTurn(id)
}

func (g *Gateway) endTurn(id uint64) {
	g.mu.Lock()
	if g.turn != id || !g.speaking {
		g.mu.Unlock()
		return
	}
	g.speaking = false
	g.mu.Unlock()
	g.notifySpeaking(false)
}

// Interrupt stops forwarding the in-flight turn and clears the client's
// queued audio. The provider stream itself runs to completion.
func (g *Gateway) Interrupt() bool {
	g.mu.Lock()
	if !g.speaking || g.suppressed {
		g.mu.Unlock()
		return false
	}
	g.suppressed = true
	g.speaking = false
	g.mu.Unlock()

	g.sink.ClearAudio()
	g.notifySpeaking(false)
	return true
}

func (g *Gateway) IsSpeaking() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.speaking
}

func (g *Gateway) notifySpeaking(on bool) {
	if err := g.sink.Send(protocol.AISpeaking{Speaking: on}); err != nil {
		g.log.Debugf("ai_speaking to client: %v", err)
	}
	if g.listener.OnSpeakingChange != nil {
		g.listener.OnSpeakingChange(on)
	}
}

// Close stops the gateway and its connection. Safe to call more than once.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	c := g.conn
	g.conn = nil
	cancel := g.cancel
	g.speaking = false
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c != nil {
		return c.Close()
	}
	return nil
}

func drain(ch <-chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
