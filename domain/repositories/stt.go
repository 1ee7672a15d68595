package repositories

import (
	"context"
	"time"
)

// SpeechToText abstracts speech recognition services
type SpeechToText interface {
	// InitTranscribeStreaming initializes a streaming transcription session
	InitTranscribeStreaming(ctx context.Context, config AudioConfig) (SpeechToTextStreaming, error)
}

// AudioConfig represents audio configuration for speech recognition
type AudioConfig struct {
	Model      string   `json:"model"`
	SampleRate int      `json:"sample_rate"`
	Encoding   string   `json:"encoding"`
	Languages  []string `json:"languages"`
}

// SpeechToTextStreaming is one open recognition stream. Stream and End are
// called from a single goroutine; Close may be called from any.
type SpeechToTextStreaming interface {
	// Stream sends a chunk of audio
	Stream(data []byte) error
	// Results delivers recognition updates. It is closed once End has
	// drained the recognizer or the stream was closed.
	Results() <-chan Recognition
	// End signals that no more audio follows
	End() error
	// Close aborts the stream and releases its resources
	Close() error
}

// Recognition is one interim or final recognition update
type Recognition struct {
	Text       string
	IsFinal    bool
	BeginTime  time.Duration // offset into the stream
	EndTime    time.Duration
	Confidence *float64
	Err        error // terminal recognizer failure; no further updates follow
}
