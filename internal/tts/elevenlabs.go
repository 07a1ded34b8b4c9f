package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io"

// ElevenLabs speaks each instruction through the HTTP streaming endpoint.
// A Conn is a logical connection: every turn is its own request.
type ElevenLabs struct {
	apiKey  string
	voiceID string
	baseURL string
	client  *http.Client
	log     *logrus.Entry
}

func NewElevenLabs(apiKey, voiceID string, log *logrus.Entry) *ElevenLabs {
	return &ElevenLabs{
		apiKey:  apiKey,
		voiceID: voiceID,
		baseURL: elevenLabsBaseURL,
		client:  &http.Client{Timeout: 0},
		log:     log,
	}
}

func (e *ElevenLabs) Open(_ context.Context, cfg Config) (Conn, error) {
	if e.apiKey == "" || e.voiceID == "" {
		return nil, fmt.Errorf("%w: elevenlabs api key or voice id missing", ErrConnectivity)
	}
	if cfg.SampleRate == 0 {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &elevenConn{
		e:      e,
		format: "pcm_" + strconv.Itoa(cfg.SampleRate),
		audio:  make(chan []byte, 4096),
		turns:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

type elevenConn struct {
	e      *ElevenLabs
	format string
	audio  chan []byte
	turns  chan struct{}
	done   chan struct{}
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *elevenConn) Audio() <-chan []byte          { return c.audio }
func (c *elevenConn) TurnComplete() <-chan struct{} { return c.turns }
func (c *elevenConn) Done() <-chan struct{}         { return c.done }

func (c *elevenConn) Close() error {
	c.once.Do(func() {
		c.cancel()
		close(c.done)
	})
	return nil
}

// SendInstruction issues the request and waits for the response headers so
// HTTP failures surface to the caller. The body streams in the background.
func (c *elevenConn) SendInstruction(_ context.Context, text string) error {
	select {
	case <-c.done:
		return ErrConnectivity
	default:
	}
	u, err := url.Parse(c.e.baseURL + "/v1/text-to-speech/" + url.PathEscape(c.e.voiceID) + "/stream")
	if err != nil {
		return fmt.Errorf("elevenlabs: build url: %w", err)
	}
	q := u.Query()
	q.Set("model_id", "eleven_flash_v2_5")
	q.Set("output_format", c.format)
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": "eleven_flash_v2_5",
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{80, 120, 160, 200},
		},
	}
	buf, _ := json.Marshal(body)
	// the request outlives the caller's context; Close cancels it
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", c.e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.e.client.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs http stream error: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return fmt.Errorf("elevenlabs http status=%d body=%s", resp.StatusCode, string(b))
	}
	go c.stream(resp.Body)
	return nil
}

func (c *elevenConn) stream(body io.ReadCloser) {
	defer body.Close()
	chunk := make([]byte, 4096)
	for {
		n, rerr := body.Read(chunk)
		if n > 0 {
			out := make([]byte, n)
			copy(out, chunk[:n])
			select {
			case c.audio <- out:
			case <-c.done:
				return
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				c.e.log.Warnf("elevenlabs http read error: %v", rerr)
			}
			break
		}
	}
	select {
	case c.turns <- struct{}{}:
	default:
	}
}
