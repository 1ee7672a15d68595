package entities

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentence is one recognized sentence with client-side timestamps relative to
// the moment the recognition channel became ready.
type Sentence struct {
	ID          string   `json:"id"`
	Text        string   `json:"text"`
	BeginTimeMs int64    `json:"beginTimeMs"`
	EndTimeMs   *int64   `json:"endTimeMs"` // nil only for interim reports
	IsFinal     bool     `json:"isFinal"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

// NewFinalSentence creates a final sentence spanning [beginMs, endMs]
func NewFinalSentence(id, text string, beginMs, endMs int64) Sentence {
	return Sentence{
		ID:          id,
		Text:        text,
		BeginTimeMs: beginMs,
		EndTimeMs:   &endMs,
		IsFinal:     true,
	}
}

// Duration returns the span of a final sentence, zero for interim ones.
func (s Sentence) Duration() time.Duration {
	if s.EndTimeMs == nil {
		return 0
	}
	return time.Duration(*s.EndTimeMs-s.BeginTimeMs) * time.Millisecond
}

// Validate validates the sentence data
func (s Sentence) Validate() error {
	if strings.TrimSpace(s.Text) == "" {
		return errors.New("text is required")
	}

	if s.IsFinal {
		if s.ID == "" {
			return errors.New("final sentence requires an id")
		}
		if s.EndTimeMs == nil {
			return errors.New("final sentence requires endTimeMs")
		}
		if *s.EndTimeMs < s.BeginTimeMs {
			return fmt.Errorf("endTimeMs %d before beginTimeMs %d", *s.EndTimeMs, s.BeginTimeMs)
		}
	}

	if s.Confidence != nil && (*s.Confidence < 0 || *s.Confidence > 1) {
		return fmt.Errorf("confidence must be between 0 and 1, got %f", *s.Confidence)
	}

	return nil
}
