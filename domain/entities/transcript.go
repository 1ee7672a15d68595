package entities

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFinal      = errors.New("only final sentences can be appended")
	ErrDuplicateID   = errors.New("sentence id already in transcript")
	ErrDiscontiguous = errors.New("sentence does not start where the previous one ended")
)

// Transcript is the ordered log of final sentences for one recording session.
// It is safe for concurrent use; listeners append from the session's goroutines
// while the owner reads.
type Transcript struct {
	SessionID string     `json:"session_id"`
	CreatedAt time.Time  `json:"created_at"`
	Sentences []Sentence `json:"sentences"`

	ids map[string]struct{}
	mu  sync.RWMutex
}

// NewTranscript creates an empty transcript for a session
func NewTranscript(sessionID string) *Transcript {
	return &Transcript{
		SessionID: sessionID,
		CreatedAt: time.Now(),
		Sentences: make([]Sentence, 0),
		ids:       make(map[string]struct{}),
	}
}

// Append adds a final sentence. Each sentence must begin exactly where the
// previous one ended; the first one begins at 0.
func (t *Transcript) Append(s Sentence) error {
	if !s.IsFinal {
		return ErrNotFinal
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid sentence: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ids[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, s.ID)
	}

	var cursor int64
	if n := len(t.Sentences); n > 0 {
		cursor = *t.Sentences[n-1].EndTimeMs
	}
	if s.BeginTimeMs != cursor {
		return fmt.Errorf("%w: begin %d, cursor %d", ErrDiscontiguous, s.BeginTimeMs, cursor)
	}

	t.Sentences = append(t.Sentences, s)
	t.ids[s.ID] = struct{}{}
	return nil
}

// Len returns the number of sentences
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.Sentences)
}

// Snapshot returns a copy of the sentences
func (t *Transcript) Snapshot() []Sentence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Sentence, len(t.Sentences))
	copy(out, t.Sentences)
	return out
}

// Duration returns the end time of the last sentence
func (t *Transcript) Duration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.Sentences) == 0 {
		return 0
	}
	return time.Duration(*t.Sentences[len(t.Sentences)-1].EndTimeMs) * time.Millisecond
}

// Text joins all sentence texts with sep
func (t *Transcript) Text(sep string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	parts := make([]string, 0, len(t.Sentences))
	for _, s := range t.Sentences {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, sep)
}
