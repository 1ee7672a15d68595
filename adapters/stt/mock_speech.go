package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meetmind/server/domain/repositories"
)

// wordDuration is how much audio the mock consumes per recognized word
const wordDuration = 300 * time.Millisecond

// DefaultMockPhrases is the script the mock recognizer reads from
var DefaultMockPhrases = []string{
	"Good morning everyone, today we look at quadratic functions.",
	"The general form is y equals a x squared plus b x plus c.",
	"When a is positive the parabola opens upward.",
	"Please write down the vertex formula before we continue.",
}

var errStreamClosed = errors.New("stream closed")

// MockSpeechToText is a scripted recognizer. It emits one word of the current
// phrase per wordDuration of audio received, as interim results, and a final
// result when the phrase is complete.
type MockSpeechToText struct {
	logger  *zap.Logger
	phrases [][]string
}

// NewMockSpeechToText creates a new mock speech-to-text service. Without
// phrases it uses DefaultMockPhrases.
func NewMockSpeechToText(logger *zap.Logger, phrases ...string) *MockSpeechToText {
	if len(phrases) == 0 {
		phrases = DefaultMockPhrases
	}
	m := &MockSpeechToText{logger: logger}
	for _, p := range phrases {
		if words := strings.Fields(p); len(words) > 0 {
			m.phrases = append(m.phrases, words)
		}
	}
	return m
}

// InitTranscribeStreaming creates a new mock streaming session
func (s *MockSpeechToText) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechToTextStreaming, error) {
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", config.SampleRate)
	}
	if len(s.phrases) == 0 {
		return nil, errors.New("mock recognizer has no phrases")
	}

	s.logger.Info("Initializing mock streaming transcription",
		zap.String("model", config.Model),
		zap.Int("sampleRate", config.SampleRate),
		zap.String("encoding", config.Encoding),
		zap.Strings("languages", config.Languages))

	// 16-bit mono
	bytesPerSecond := config.SampleRate * 2
	return &MockSpeechToTextStream{
		logger:         s.logger,
		phrases:        s.phrases,
		bytesPerSecond: bytesPerSecond,
		bytesPerWord:   int(int64(bytesPerSecond) * int64(wordDuration) / int64(time.Second)),
		results:        make(chan repositories.Recognition, 64),
		done:           make(chan struct{}),
	}, nil
}

// MockSpeechToTextStream is a mock implementation of streaming speech recognition
type MockSpeechToTextStream struct {
	logger         *zap.Logger
	phrases        [][]string
	bytesPerSecond int
	bytesPerWord   int

	results   chan repositories.Recognition
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	ended       bool
	pending     int // bytes not yet turned into a word
	total       int
	phrase      int
	word        int
	phraseStart time.Duration
}

// Stream implements mock streaming audio processing
func (m *MockSpeechToTextStream) Stream(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ended {
		return errStreamClosed
	}

	m.total += len(data)
	m.pending += len(data)
	for m.pending >= m.bytesPerWord {
		m.pending -= m.bytesPerWord
		m.word++
		if !m.emitLocked(m.word == len(m.phrases[m.phrase])) {
			return errStreamClosed
		}
	}

	m.logger.Debug("Processed mock audio chunk",
		zap.Int("size", len(data)),
		zap.Int("totalBytes", m.total))
	return nil
}

func (m *MockSpeechToTextStream) Results() <-chan repositories.Recognition {
	return m.results
}

// End flushes a partially spoken phrase as final and closes Results.
func (m *MockSpeechToTextStream) End() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ended {
		return errStreamClosed
	}
	if m.word > 0 {
		m.emitLocked(true)
	}
	m.ended = true
	close(m.results)

	m.logger.Info("Ending mock transcription stream", zap.Int("totalBytes", m.total))
	return nil
}

func (m *MockSpeechToTextStream) Close() error {
	m.closeOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ended {
		m.ended = true
		close(m.results)
	}
	return nil
}

// emitLocked reports the current phrase up to the current word. A final
// result advances to the next phrase, wrapping around the script.
func (m *MockSpeechToTextStream) emitLocked(final bool) bool {
	end := m.offset()
	r := repositories.Recognition{
		Text:      strings.Join(m.phrases[m.phrase][:m.word], " "),
		IsFinal:   final,
		BeginTime: m.phraseStart,
		EndTime:   end,
	}
	if final {
		c := 0.9
		r.Confidence = &c
		m.phrase = (m.phrase + 1) % len(m.phrases)
		m.word = 0
		m.phraseStart = end
	}

	select {
	case m.results <- r:
		return true
	case <-m.done:
		return false
	}
}

func (m *MockSpeechToTextStream) offset() time.Duration {
	return time.Duration(int64(m.total-m.pending) * int64(time.Second) / int64(m.bytesPerSecond))
}
