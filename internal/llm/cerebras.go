package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chadiek/interview-voice/internal/interview"
)

const cerebrasEndpoint = "https://api.cerebras.ai/v1/chat/completions"

// AnalysisError wraps every failure to obtain a usable analysis: transport,
// non-2xx status, timeout, or a reply that is not the expected JSON.
type AnalysisError struct {
	Op  string
	Err error
}

func (e *AnalysisError) Error() string { return "analysis " + e.Op + ": " + e.Err.Error() }
func (e *AnalysisError) Unwrap() error { return e.Err }

type CerebrasClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	Endpoint   string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionsRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

func NewCerebrasClient(apiKey, model string) *CerebrasClient {
	return &CerebrasClient{
		HTTPClient: &http.Client{Timeout: 20 * time.Second},
		APIKey:     apiKey,
		Model:      model,
		Endpoint:   cerebrasEndpoint,
	}
}

const analysisPrompt = `You evaluate one spoken answer in a structured interview.
Reply with a single JSON object and nothing else:
{"confidence": <0-100, how completely the answer addresses the question>,
 "isComplete": <true when nothing important is missing>,
 "isOffTopic": <true when the answer does not address the question at all>,
 "missingAspects": [<short phrases>],
 "suggestedFollowUp": "<one short spoken follow-up question, empty if none>"}`

// Analyze scores transcript as an answer to question.
func (c *CerebrasClient) Analyze(ctx context.Context, question, transcript string) (interview.Analysis, error) {
	user := fmt.Sprintf("Question: %s\n\nAnswer transcript: %s", question, transcript)
	raw, err := c.complete(ctx, []chatMessage{
		{Role: "system", Content: analysisPrompt},
		{Role: "user", Content: user},
	})
	if err != nil {
		return interview.Analysis{}, err
	}
	return parseAnalysis(raw)
}

func parseAnalysis(raw string) (interview.Analysis, error) {
	// models sometimes wrap JSON in a fenced block
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, '{'); i > 0 {
		raw = raw[i:]
	}
	if j := strings.LastIndexByte(raw, '}'); j >= 0 && j < len(raw)-1 {
		raw = raw[:j+1]
	}
	var a interview.Analysis
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(&a); err != nil {
		return interview.Analysis{}, &AnalysisError{Op: "decode", Err: err}
	}
	if a.Confidence < 0 || a.Confidence > 100 {
		return interview.Analysis{}, &AnalysisError{Op: "decode", Err: fmt.Errorf("confidence %d out of range", a.Confidence)}
	}
	return a, nil
}

func (c *CerebrasClient) complete(ctx context.Context, messages []chatMessage) (string, error) {
	if c.APIKey == "" {
		return "", &AnalysisError{Op: "request", Err: fmt.Errorf("cerebras api key missing")}
	}
	reqBody, _ := json.Marshal(chatCompletionsRequest{
		Model:          c.Model,
		Messages:       messages,
		Temperature:    0.2,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", &AnalysisError{Op: "request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", &AnalysisError{Op: "request", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &AnalysisError{Op: "request", Err: fmt.Errorf("cerebras error: status=%d body=%s", resp.StatusCode, string(b))}
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", &AnalysisError{Op: "decode", Err: err}
	}
	if len(cr.Choices) == 0 {
		return "", &AnalysisError{Op: "decode", Err: fmt.Errorf("cerebras: empty choices")}
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}
