package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const assemblyAIURL = "wss://streaming.assemblyai.com/v3/ws"

// ContinuationExtension delays an end-of-turn when the last word suggests
// the respondent will continue the sentence (e.g., "and", "or", "if").
const ContinuationExtension = 1200 * time.Millisecond

// AssemblyAI opens v3 universal streaming sessions.
type AssemblyAI struct {
	apiKey       string
	baseURL      string
	dialer       *websocket.Dialer
	continuation time.Duration
	log          *logrus.Entry
}

func NewAssemblyAI(apiKey string, log *logrus.Entry) *AssemblyAI {
	return &AssemblyAI{
		apiKey:       apiKey,
		baseURL:      assemblyAIURL,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		continuation: ContinuationExtension,
		log:          log,
	}
}

// AssemblyAI message types
type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type          string `json:"type"`
	TurnOrder     int    `json:"turn_order"`
	Transcript    string `json:"transcript"`
	EndOfTurn     bool   `json:"end_of_turn"`
	TurnFormatted bool   `json:"turn_is_formatted"`
}

type terminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (a *AssemblyAI) Open(ctx context.Context, cfg Config) (Stream, error) {
	if a.apiKey == "" {
		return nil, fmt.Errorf("%w: AssemblyAI API key is empty", ErrConnectivity)
	}
	if cfg.SampleRate == 0 {
		cfg = DefaultConfig()
	}
	params := url.Values{}
	params.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	params.Set("encoding", cfg.Encoding)
	params.Set("format_turns", "false")
	wsURL := a.baseURL + "?" + params.Encode()

	headers := http.Header{"Authorization": {a.apiKey}}
	conn, resp, err := a.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			a.log.Warnf("assemblyai connection failed with status: %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial AssemblyAI: %v", ErrConnectivity, err)
	}
	s := &assemblyStream{
		conn:         conn,
		audio:        make(chan []byte, 1000),
		events:       make(chan Event, 100),
		done:         make(chan struct{}),
		continuation: a.continuation,
		log:          a.log,
	}
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

type assemblyStream struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	audio        chan []byte
	events       chan Event
	done         chan struct{}
	closeOnce    sync.Once
	continuation time.Duration
	log          *logrus.Entry

	mu      sync.Mutex
	pending *time.Timer
}

func (s *assemblyStream) Events() <-chan Event  { return s.events }
func (s *assemblyStream) Done() <-chan struct{} { return s.done }

func (s *assemblyStream) Send(pcm []byte) error {
	select {
	case <-s.done:
		return ErrConnectivity
	default:
	}
	select {
	case s.audio <- pcm:
	default:
		s.log.Warn("assemblyai audio buffer full, dropping packet")
	}
	return nil
}

// Close asks AssemblyAI to terminate the session and drops the connection.
func (s *assemblyStream) Close() error {
	s.finish(true)
	return nil
}

func (s *assemblyStream) finish(terminate bool) {
	s.closeOnce.Do(func() {
		if terminate {
			s.writeMu.Lock()
			_ = s.conn.WriteJSON(map[string]string{"type": "Terminate"})
			s.writeMu.Unlock()
		}
		close(s.done)
		_ = s.conn.Close()
		s.mu.Lock()
		if s.pending != nil {
			s.pending.Stop()
			s.pending = nil
		}
		s.mu.Unlock()
	})
}

func (s *assemblyStream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *assemblyStream) readLoop() {
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Warnf("assemblyai read: %v", err)
			}
			s.finish(false)
			return
		}
		s.processMessage(message)
	}
}

func (s *assemblyStream) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case pcm := <-s.audio:
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.BinaryMessage, pcm)
			s.writeMu.Unlock()
			if err != nil {
				s.log.Warnf("assemblyai send audio: %v", err)
				s.finish(false)
				return
			}
		}
	}
}

func (s *assemblyStream) processMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		s.log.Warnf("assemblyai unmarshal: %v", err)
		return
	}
	switch base.Type {
	case "Begin":
		var msg beginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		s.log.Debugf("assemblyai session began: id=%s expires=%s", msg.ID, time.Unix(msg.ExpiresAt, 0).Format(time.RFC3339))
	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.log.Warnf("assemblyai unmarshal turn: %v", err)
			return
		}
		s.onTurn(msg)
	case "Termination":
		var msg terminationMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		s.log.Debugf("assemblyai session terminated: audio=%.2fs session=%.2fs", msg.AudioDurationSeconds, msg.SessionDurationSeconds)
	case "Error":
		var msg errorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		s.log.Warnf("assemblyai error: %s", msg.Error)
	default:
		s.log.Debugf("assemblyai unknown message type: %s", base.Type)
	}
}

// onTurn maps a Turn update to transcript events. An end of turn is reported
// as a final transcript followed by an utterance end, which is deferred when
// the turn ends on a continuation word. Any new speech cancels a deferred end.
func (s *assemblyStream) onTurn(msg turnMessage) {
	text := strings.TrimSpace(msg.Transcript)
	if text != "" {
		s.cancelPending()
	}
	if !msg.EndOfTurn {
		if text != "" {
			s.emit(Event{Kind: EventTranscript, Text: text})
		}
		return
	}
	if text != "" {
		s.emit(Event{Kind: EventTranscript, Text: text, IsFinal: true})
	}
	if !isContinuationLikely(text) || s.continuation <= 0 {
		s.emit(Event{Kind: EventUtteranceEnd})
		return
	}
	s.mu.Lock()
	s.pending = time.AfterFunc(s.continuation, func() { s.emit(Event{Kind: EventUtteranceEnd}) })
	s.mu.Unlock()
}

func (s *assemblyStream) cancelPending() {
	s.mu.Lock()
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.mu.Unlock()
}

// isContinuationLikely returns true if the last meaningful word indicates the
// speaker is likely to continue (conjunctions, prepositions, fillers).
func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return ""
	}
	fields := strings.FieldsFunc(trim, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	// Coordinating conjunctions
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	// Subordinating conjunctions / conditionals
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	// Discourse markers / fillers
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	// Awkward sentence endings
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
