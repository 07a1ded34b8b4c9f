package barge

import (
	"time"
)

// Frame10ms represents a 10ms mono PCM frame at SampleRate Hz.
// For 16kHz mono, this is 160 samples of int16.
type Frame10ms []int16

// Config holds the thresholds for respondent speech detection.
type Config struct {
	SampleRate   int           // 16000 (detector expects PCM16LE mono at this rate)
	Threshold    time.Duration // continuous speech needed to interrupt the AI, ~500ms
	RMSThreshold float64       // per-frame energy that counts as voiced
	HangoverMs   int           // silence tolerated inside one speech run
}

// Events allows the host to react to respondent speech.
type Events struct {
	// OnInterrupt fires once per armed period when speech has lasted Threshold.
	OnInterrupt func(ts time.Time)
	// OnSpeechChange fires when the respondent starts or stops a speech run.
	OnSpeechChange func(speaking bool)
}

// DefaultConfig is tuned for 16kHz browser microphone audio.
func DefaultConfig() Config {
	return Config{
		SampleRate:   16000,
		Threshold:    500 * time.Millisecond,
		RMSThreshold: 300,
		HangoverMs:   200,
	}
}
