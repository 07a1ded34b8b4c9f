// Package protocol defines the JSON control frames exchanged with the
// respondent's client. Binary websocket frames carry audio and are not
// described here.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chadiek/interview-voice/internal/interview"
)

const (
	// InputSampleRate is the PCM16 mono rate the client sends.
	InputSampleRate = 16000
	// OutputSampleRate is the PCM16 mono rate of AI voice frames.
	OutputSampleRate = 24000
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// ControlType enumerates inbound control frames.
type ControlType int

const (
	ControlUnknown ControlType = iota
	ControlPause
	ControlResume
	ControlGetProgress
)

func (c ControlType) String() string {
	switch c {
	case ControlPause:
		return "pause"
	case ControlResume:
		return "resume"
	case ControlGetProgress:
		return "get_progress"
	default:
		return "unknown"
	}
}

// Control is a decoded inbound frame. Raw keeps the original type tag so
// unknown frames can be logged.
type Control struct {
	Type ControlType
	Raw  string
}

// DecodeControl parses an inbound JSON frame. Unrecognised types decode to
// ControlUnknown without error so newer clients keep working.
func DecodeControl(data []byte) (Control, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Control{}, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return Control{}, badRequest("missing type", "type")
	}
	c := Control{Raw: typ}
	switch typ {
	case "pause":
		c.Type = ControlPause
	case "resume":
		c.Type = ControlResume
	case "get_progress":
		c.Type = ControlGetProgress
	default:
		c.Type = ControlUnknown
	}
	return c, nil
}

// Event is an outbound control frame. The set is closed: only types in this
// package implement it.
type Event interface {
	EventType() string
	isEvent()
}

type Connected struct {
	SessionID       string `json:"sessionId"`
	InterviewID     string `json:"interviewId"`
	CurrentQuestion int    `json:"currentQuestion"`
	TotalQuestions  int    `json:"totalQuestions"`
	IsResuming      bool   `json:"isResuming"`
}

type TranscriptInterim struct {
	Text string `json:"text"`
}

type TranscriptFinal struct {
	Text string `json:"text"`
}

type Progress struct {
	Current  int `json:"current"`
	Total    int `json:"total"`
	Answered int `json:"answered"`
}

type NextQuestion struct {
	QuestionNumber int    `json:"questionNumber"`
	QuestionText   string `json:"questionText"`
}

type FollowUp struct {
	QuestionText  string `json:"questionText"`
	FollowUpCount int    `json:"followUpCount"`
}

type Redirect struct {
	Message string `json:"message"`
}

type AISpeaking struct {
	Speaking bool `json:"speaking"`
}

type AIProcessing struct{}

type ClearAudioQueue struct{}

type InterviewComplete struct {
	Statistics *interview.Statistics `json:"statistics,omitempty"`
}

type Error struct {
	Message string `json:"message"`
}

func (Connected) EventType() string         { return "connected" }
func (TranscriptInterim) EventType() string { return "transcript_interim" }
func (TranscriptFinal) EventType() string   { return "transcript_final" }
func (Progress) EventType() string          { return "progress" }
func (NextQuestion) EventType() string      { return "next_question" }
func (FollowUp) EventType() string          { return "follow_up" }
func (Redirect) EventType() string          { return "redirect" }
func (AISpeaking) EventType() string        { return "ai_speaking" }
func (AIProcessing) EventType() string      { return "ai_processing" }
func (ClearAudioQueue) EventType() string   { return "clear_audio_queue" }
func (InterviewComplete) EventType() string { return "interview_complete" }
func (Error) EventType() string             { return "error" }

func (Connected) isEvent()         {}
func (TranscriptInterim) isEvent() {}
func (TranscriptFinal) isEvent()   {}
func (Progress) isEvent()          {}
func (NextQuestion) isEvent()      {}
func (FollowUp) isEvent()          {}
func (Redirect) isEvent()          {}
func (AISpeaking) isEvent()        {}
func (AIProcessing) isEvent()      {}
func (ClearAudioQueue) isEvent()   {}
func (InterviewComplete) isEvent() {}
func (Error) isEvent()             {}

// ProgressFrom converts the machine projection.
func ProgressFrom(p interview.Progress) Progress {
	return Progress{Current: p.Current, Total: p.Total, Answered: p.Answered}
}

// Encode renders an event as a flat JSON object with a leading "type" field.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("protocol: nil event")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", ev.EventType(), err)
	}
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	tag, _ := json.Marshal(ev.EventType())
	buf.Write(tag)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
