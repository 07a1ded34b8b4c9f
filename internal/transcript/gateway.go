package transcript

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// keepaliveFrame is 100ms of silence at 16kHz PCM16 mono.
var keepaliveFrame = make([]byte, 3200)

type GatewayConfig struct {
	Stream            Config
	KeepaliveInterval time.Duration
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
}

func (c *GatewayConfig) defaults() {
	if c.Stream.SampleRate == 0 {
		c.Stream = DefaultConfig()
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 5 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 3
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 250 * time.Millisecond
	}
}

// Gateway bridges one session's audio to the STT provider. It owns at most
// one live Stream at a time and recreates it when the provider drops.
type Gateway struct {
	provider Provider
	cfg      GatewayConfig
	handler  Handler
	log      *logrus.Entry

	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	stream       Stream
	closed       bool
	reconnecting bool
	userSpeaking bool
	lastSent     time.Time
	now          func() time.Time
}

func NewGateway(p Provider, cfg GatewayConfig, h Handler, log *logrus.Entry) *Gateway {
	cfg.defaults()
	return &Gateway{provider: p, cfg: cfg, handler: h, log: log, now: time.Now}
}

// Start opens the first stream and runs the keepalive loop until Close or
// ctx is done.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.ctx != nil {
		g.mu.Unlock()
		return errors.New("transcript: gateway already started")
	}
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.mu.Unlock()

	if err := g.connect(); err != nil {
		return err
	}
	go g.keepalive()
	return nil
}

// connect opens a stream with bounded retries and installs it.
func (g *Gateway) connect() error {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.ReconnectAttempts; attempt++ {
		if g.ctx.Err() != nil {
			return g.ctx.Err()
		}
		s, err := g.provider.Open(g.ctx, g.cfg.Stream)
		if err == nil {
			if !g.install(s) {
				_ = s.Close()
				return errors.New("transcript: gateway closed")
			}
			return nil
		}
		lastErr = err
		g.log.Warnf("stt open attempt %d/%d failed: %v", attempt, g.cfg.ReconnectAttempts, err)
		if attempt < g.cfg.ReconnectAttempts {
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

// install replaces the current stream, closing any prior one first.
func (g *Gateway) install(s Stream) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	prev := g.stream
	g.stream = s
	g.lastSent = g.now()
	g.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	go g.pump(s)
	return true
}

func (g *Gateway) pump(s Stream) {
	for {
		select {
		case <-g.ctx.Done():
			return
		case ev := <-s.Events():
			g.dispatch(ev)
		case <-s.Done():
			// deliver anything already buffered before reconnecting
			for {
				select {
				case ev := <-s.Events():
					g.dispatch(ev)
					continue
				default:
				}
				break
			}
			g.onStreamLost(s)
			return
		}
	}
}

func (g *Gateway) dispatch(ev Event) {
	switch ev.Kind {
	case EventTranscript:
		g.handler.OnTranscript(ev.Text, ev.IsFinal)
	case EventUtteranceEnd:
		g.handler.OnUtteranceEnd()
	}
}

func (g *Gateway) onStreamLost(s Stream) {
	g.mu.Lock()
	if g.closed || g.stream != s || g.reconnecting {
		g.mu.Unlock()
		return
	}
	g.stream = nil
	g.reconnecting = true
	g.mu.Unlock()

	g.log.Warn("stt connection lost, reconnecting")
	err := g.connect()

	g.mu.Lock()
	g.reconnecting = false
	closed := g.closed
	g.mu.Unlock()
	if err != nil && !closed && g.ctx.Err() == nil {
		g.log.Errorf("stt reconnect failed: %v", err)
		g.handler.OnConnectivityError(err)
	}
}

// SendAudio forwards a client frame verbatim. With no live stream it starts
// a reconnect in the background and reports ErrConnectivity.
func (g *Gateway) SendAudio(pcm []byte) error {
	g.mu.Lock()
	s := g.stream
	closed := g.closed
	started := g.ctx != nil
	if s != nil {
		g.lastSent = g.now()
	}
	g.mu.Unlock()
	if closed || !started {
		return ErrConnectivity
	}
	if s == nil {
		g.kickReconnect()
		return ErrConnectivity
	}
	if err := s.Send(pcm); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	return nil
}

func (g *Gateway) kickReconnect() {
	g.mu.Lock()
	if g.closed || g.reconnecting || g.stream != nil {
		g.mu.Unlock()
		return
	}
	g.reconnecting = true
	g.mu.Unlock()
	go func() {
		err := g.connect()
		g.mu.Lock()
		g.reconnecting = false
		g.mu.Unlock()
		if err != nil && g.ctx.Err() == nil {
			g.log.Warnf("stt reconnect failed: %v", err)
		}
	}()
}

// SetUserSpeaking suspends keepalive frames while the respondent talks.
func (g *Gateway) SetUserSpeaking(on bool) {
	g.mu.Lock()
	g.userSpeaking = on
	g.mu.Unlock()
}

func (g *Gateway) keepalive() {
	t := time.NewTicker(g.cfg.KeepaliveInterval / 2)
	defer t.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-t.C:
			g.mu.Lock()
			s := g.stream
			due := s != nil && !g.userSpeaking && g.now().Sub(g.lastSent) >= g.cfg.KeepaliveInterval
			if due {
				g.lastSent = g.now()
			}
			g.mu.Unlock()
			if due {
				if err := s.Send(keepaliveFrame); err != nil {
					g.log.Debugf("stt keepalive: %v", err)
				}
			}
		}
	}
}

// Close stops the gateway and its stream. Safe to call more than once.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	s := g.stream
	g.stream = nil
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s != nil {
		return s.Close()
	}
	return nil
}
