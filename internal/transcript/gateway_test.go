package transcript

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakeStream struct {
	mu     sync.Mutex
	sent   [][]byte
	events chan Event
	done   chan struct{}
	once   sync.Once
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan Event, 16), done: make(chan struct{})}
}

func (s *fakeStream) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), pcm...))
	return nil
}
func (s *fakeStream) Events() <-chan Event  { return s.events }
func (s *fakeStream) Done() <-chan struct{} { return s.done }
func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.drop()
	return nil
}
func (s *fakeStream) drop() { s.once.Do(func() { close(s.done) }) }

func (s *fakeStream) frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeProvider struct {
	mu      sync.Mutex
	streams []*fakeStream
	fails   int
	opens   int
}

func (p *fakeProvider) Open(context.Context, Config) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	if p.fails > 0 {
		p.fails--
		return nil, errors.New("dial refused")
	}
	s := newFakeStream()
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeProvider) latest() *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

type recordingHandler struct {
	mu          sync.Mutex
	transcripts []Event
	ends        int
	errs        []error
}

func (h *recordingHandler) OnTranscript(text string, isFinal bool) {
	h.mu.Lock()
	h.transcripts = append(h.transcripts, Event{Kind: EventTranscript, Text: text, IsFinal: isFinal})
	h.mu.Unlock()
}
func (h *recordingHandler) OnUtteranceEnd() { h.mu.Lock(); h.ends++; h.mu.Unlock() }
func (h *recordingHandler) OnConnectivityError(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() ([]Event, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.transcripts...), h.ends, len(h.errs)
}

func fastConfig() GatewayConfig {
	return GatewayConfig{
		KeepaliveInterval: 40 * time.Millisecond,
		ReconnectAttempts: 3,
		ReconnectBackoff:  time.Millisecond,
	}
}

func TestGateway_ForwardsAudioAndEventsInOrder(t *testing.T) {
	p := &fakeProvider{}
	h := &recordingHandler{}
	g := NewGateway(p, GatewayConfig{KeepaliveInterval: time.Hour}, h, testLogger())
	require.NoError(t, g.Start(context.Background()))
	defer g.Close()

	frame := []byte{1, 2, 3, 4}
	require.NoError(t, g.SendAudio(frame))
	require.Equal(t, [][]byte{frame}, p.latest().frames())

	s := p.latest()
	s.events <- Event{Kind: EventTranscript, Text: "I led"}
	s.events <- Event{Kind: EventTranscript, Text: "I led the migration", IsFinal: true}
	s.events <- Event{Kind: EventUtteranceEnd}

	require.Eventually(t, func() bool { _, ends, _ := h.snapshot(); return ends == 1 }, time.Second, 5*time.Millisecond)
	got, _, _ := h.snapshot()
	require.Len(t, got, 2)
	require.False(t, got[0].IsFinal)
	require.Equal(t, "I led the migration", got[1].Text)
}

func TestGateway_KeepaliveOnlyWhileRespondentSilent(t *testing.T) {
	p := &fakeProvider{}
	g := NewGateway(p, fastConfig(), &recordingHandler{}, testLogger())
	require.NoError(t, g.Start(context.Background()))
	defer g.Close()

	g.SetUserSpeaking(true)
	time.Sleep(150 * time.Millisecond)
	require.Empty(t, p.latest().frames())

	g.SetUserSpeaking(false)
	require.Eventually(t, func() bool { return len(p.latest().frames()) > 0 }, time.Second, 5*time.Millisecond)
	require.Len(t, p.latest().frames()[0], len(keepaliveFrame))
}

func TestGateway_ReconnectsAfterDrop(t *testing.T) {
	p := &fakeProvider{}
	h := &recordingHandler{}
	cfg := fastConfig()
	cfg.KeepaliveInterval = time.Hour
	g := NewGateway(p, cfg, h, testLogger())
	require.NoError(t, g.Start(context.Background()))
	defer g.Close()

	first := p.latest()
	first.drop()
	require.Eventually(t, func() bool { return p.count() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, g.SendAudio([]byte{9, 9}))
	require.Equal(t, [][]byte{{9, 9}}, p.latest().frames())
	_, _, errs := h.snapshot()
	require.Zero(t, errs)
}

func TestGateway_SurfacesErrorAfterRepeatedFailures(t *testing.T) {
	p := &fakeProvider{}
	h := &recordingHandler{}
	g := NewGateway(p, fastConfig(), h, testLogger())
	require.NoError(t, g.Start(context.Background()))
	defer g.Close()

	p.mu.Lock()
	p.fails = 3
	p.mu.Unlock()
	p.latest().drop()

	require.Eventually(t, func() bool { _, _, errs := h.snapshot(); return errs == 1 }, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, g.SendAudio([]byte{1}), ErrConnectivity)
	// the failed send kicks a fresh reconnect
	require.Eventually(t, func() bool { return p.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestGateway_StartFailsWhenProviderUnreachable(t *testing.T) {
	p := &fakeProvider{fails: 5}
	g := NewGateway(p, fastConfig(), &recordingHandler{}, testLogger())
	err := g.Start(context.Background())
	require.ErrorIs(t, err, ErrConnectivity)
	require.Equal(t, 3, p.opens)
}

func TestGateway_CloseIsIdempotentAndClosesStream(t *testing.T) {
	p := &fakeProvider{}
	g := NewGateway(p, fastConfig(), &recordingHandler{}, testLogger())
	require.NoError(t, g.Start(context.Background()))
	s := p.latest()
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	require.True(t, s.isClosed())
	require.ErrorIs(t, g.SendAudio([]byte{1}), ErrConnectivity)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, p.count())
}
