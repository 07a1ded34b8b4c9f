package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chadiek/interview-voice/internal/interview"
)

func clientFor(srv *httptest.Server) *CerebrasClient {
	c := NewCerebrasClient("key", "model")
	c.HTTPClient = &http.Client{Timeout: 1 * time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = "http"
		req.URL.Host = srv.Listener.Addr().String()
		return http.DefaultTransport.RoundTrip(req)
	})}
	return c
}

func reply(content string) string {
	b, _ := json.Marshal(chatCompletionsResponse{Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: content}}}})
	return string(b)
}

func TestCerebras_NoKey(t *testing.T) {
	c := NewCerebrasClient("", "model")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Analyze(ctx, "q", "a")
	var ae *AnalysisError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AnalysisError with missing key, got %v", err)
	}
}

func TestCerebras_AnalyzeParsesReply(t *testing.T) {
	var got chatCompletionsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(reply("```json\n" + `{"confidence":42,"isComplete":false,"isOffTopic":false,"missingAspects":["impact"],"suggestedFollowUp":"What changed afterwards?"}` + "\n```")))
	}))
	defer srv.Close()

	a, err := clientFor(srv).Analyze(context.Background(), "Describe a project.", "I rebuilt the billing job.")
	require.NoError(t, err)
	require.Equal(t, interview.Analysis{
		Confidence:        42,
		MissingAspects:    []string{"impact"},
		SuggestedFollowUp: "What changed afterwards?",
	}, a)
	require.Equal(t, "model", got.Model)
	require.Len(t, got.Messages, 2)
	require.True(t, strings.Contains(got.Messages[1].Content, "Describe a project."))
	require.True(t, strings.Contains(got.Messages[1].Content, "I rebuilt the billing job."))
}

func TestCerebras_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("not-json")) }},
		{"empty_choices", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(200)
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}},
		{"prose_reply", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(reply("Looks good to me."))) }},
		{"confidence_out_of_range", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(reply(`{"confidence":140}`)))
		}},
		{"slow", func(w http.ResponseWriter, r *http.Request) { time.Sleep(1500 * time.Millisecond) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err := clientFor(srv).Analyze(ctx, "q", "some answer text")
			var ae *AnalysisError
			if !errors.As(err, &ae) {
				t.Fatalf("expected AnalysisError; got %v", err)
			}
		})
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
