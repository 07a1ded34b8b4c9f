package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chadiek/interview-voice/internal/protocol"
)

var ErrClosed = errors.New("channel: closed")

// Handler consumes inbound client frames.
type Handler interface {
	HandleAudio(pcm []byte)
	HandleControl(ctl protocol.Control)
}

type Config struct {
	WriteWait    time.Duration
	PingInterval time.Duration
	// ReadIdle closes the channel when nothing, not even a pong, arrives in time.
	ReadIdle time.Duration
	// AudioQueue is the number of outbound audio frames buffered.
	AudioQueue   int
	ControlQueue int
	MaxFrame     int64
}

func (c *Config) defaults() {
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.ReadIdle <= 0 {
		c.ReadIdle = 3 * c.PingInterval
	}
	if c.AudioQueue <= 0 {
		c.AudioQueue = 512
	}
	if c.ControlQueue <= 0 {
		c.ControlQueue = 64
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = 1 << 20
	}
}

// Channel is the duplex link to one respondent. Binary frames carry PCM
// audio in both directions; text frames carry JSON control messages.
// Control events are written ahead of queued audio.
type Channel struct {
	conn *websocket.Conn
	cfg  Config
	log  *logrus.Entry

	control chan []byte
	audio   chan []byte
	done    chan struct{}
	once    sync.Once
	// mu serializes ClearAudio against producers so no stale frame survives
	mu sync.Mutex
}

func New(conn *websocket.Conn, cfg Config, log *logrus.Entry) *Channel {
	cfg.defaults()
	return &Channel{
		conn:    conn,
		cfg:     cfg,
		log:     log,
		control: make(chan []byte, cfg.ControlQueue),
		audio:   make(chan []byte, cfg.AudioQueue),
		done:    make(chan struct{}),
	}
}

func (c *Channel) Done() <-chan struct{} { return c.done }

// Send queues a control event.
func (c *Channel) Send(ev protocol.Event) error {
	b, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.control <- b:
		return nil
	case <-c.done:
		return ErrClosed
	case <-time.After(c.cfg.WriteWait):
		return errors.New("channel: control queue full")
	}
}

// SendAudio queues one AI audio frame. When the queue is full the oldest
// frame is dropped.
func (c *Channel) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	for {
		select {
		case c.audio <- pcm:
			return nil
		default:
		}
		select {
		case <-c.audio:
			c.log.Debug("outbound audio queue full, dropping oldest frame")
		default:
		}
	}
}

// ClearAudio drops queued audio and tells the client to flush its playback
// buffer.
func (c *Channel) ClearAudio() {
	c.mu.Lock()
	dropped := 0
	for {
		select {
		case <-c.audio:
			dropped++
			continue
		default:
		}
		break
	}
	c.mu.Unlock()
	if dropped > 0 {
		c.log.Debugf("cleared %d queued audio frame(s)", dropped)
	}
	if err := c.Send(protocol.ClearAudioQueue{}); err != nil {
		c.log.Debugf("clear_audio_queue to client: %v", err)
	}
}

// Run pumps frames until the connection closes or ctx is done. Malformed
// control frames are logged and skipped.
func (c *Channel) Run(ctx context.Context, h Handler) error {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()

	err := c.readLoop(h)
	local := c.closed() || ctx.Err() != nil
	_ = c.Close()
	<-writerDone
	if local || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	return err
}

func (c *Channel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Channel) readLoop(h Handler) error {
	c.conn.SetReadLimit(c.cfg.MaxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdle))
	})
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdle))
		switch mt {
		case websocket.BinaryMessage:
			h.HandleAudio(data)
		case websocket.TextMessage:
			ctl, derr := protocol.DecodeControl(data)
			if derr != nil {
				c.log.Warnf("ignoring malformed control frame: %v", derr)
				continue
			}
			h.HandleControl(ctl)
		}
	}
}

// writeLoop is the only writer of data frames and owns closing the socket.
func (c *Channel) writeLoop(ctx context.Context) {
	defer c.conn.Close()
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()
	for {
		// control first so state changes are never stuck behind audio
		select {
		case b := <-c.control:
			if !c.write(websocket.TextMessage, b) {
				return
			}
			continue
		default:
		}
		select {
		case <-c.done:
			c.flushControl()
			return
		case <-ctx.Done():
			c.flushControl()
			return
		case b := <-c.control:
			if !c.write(websocket.TextMessage, b) {
				return
			}
		case pcm := <-c.audio:
			if !c.write(websocket.BinaryMessage, pcm) {
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.log.Debugf("ws ping: %v", err)
				return
			}
		}
	}
}

// flushControl writes control events that were queued before close.
func (c *Channel) flushControl() {
	for {
		select {
		case b := <-c.control:
			if !c.write(websocket.TextMessage, b) {
				return
			}
		default:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.cfg.WriteWait))
			return
		}
	}
}

func (c *Channel) write(mt int, b []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := c.conn.WriteMessage(mt, b); err != nil {
		c.log.Debugf("ws write: %v", err)
		_ = c.Close()
		return false
	}
	return true
}

// Close marks the channel closed. The writer flushes pending control events
// and then closes the socket. Safe to call more than once.
func (c *Channel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
