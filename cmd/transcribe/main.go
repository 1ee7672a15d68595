package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meetmind/server/domain/entities"
	"github.com/meetmind/server/internal/config"
	"github.com/meetmind/server/internal/realtime"
)

func main() {
	file := flag.String("file", "", "raw 16-bit mono PCM file to transcribe")
	chunk := flag.Duration("chunk", 100*time.Millisecond, "audio duration per chunk")
	realtimePace := flag.Bool("realtime", false, "send chunks at playback speed")
	flag.Parse()

	if *file == "" || *chunk <= 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ValidateClient(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	audio, err := os.Open(*file)
	if err != nil {
		logger.Fatal("Failed to open audio file", zap.String("file", *file), zap.Error(err))
	}
	defer audio.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	transcript, err := transcribe(ctx, cfg.ASR, audio, *chunk, *realtimePace, logger)
	if err != nil {
		logger.Error("Transcription failed", zap.Error(err))
	}
	if transcript == nil {
		os.Exit(1)
	}

	out, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		logger.Fatal("Failed to encode transcript", zap.Error(err))
	}
	fmt.Println(string(out))
}

// transcribe streams audio through a realtime session. Start and the audio pump
// run concurrently, so chunks read before the server is ready are buffered by
// the session. The transcript holds whatever was recognized, even on error.
func transcribe(ctx context.Context, asr config.ASRConfig, audio io.Reader, chunk time.Duration, paced bool, logger *zap.Logger) (*entities.Transcript, error) {
	// 16-bit mono
	chunkBytes := int(int64(asr.SampleRate*2) * int64(chunk) / int64(time.Second))
	if chunkBytes <= 0 {
		return nil, fmt.Errorf("chunk %s too small", chunk)
	}

	dialer := &realtime.WebsocketDialer{
		URL:              asr.URL,
		Token:            asr.Token,
		HandshakeTimeout: asr.StartTimeout,
	}

	var transcript *entities.Transcript
	listener := realtime.ListenerFuncs{
		Interim: func(text string, elapsedMs int64) {
			fmt.Fprintf(os.Stderr, "\r[%6.1fs] %s", float64(elapsedMs)/1000, text)
		},
		Sentence: func(s entities.Sentence) {
			fmt.Fprintf(os.Stderr, "\r[%6.1fs] %s\n", float64(*s.EndTimeMs)/1000, s.Text)
			if err := transcript.Append(s); err != nil {
				logger.Warn("Rejected sentence", zap.String("id", s.ID), zap.Error(err))
			}
		},
		Error: func(err error) {
			logger.Warn("Session error", zap.Error(err))
		},
	}

	session, err := realtime.NewSession(dialer, realtime.Options{
		Model:        asr.Model,
		SampleRate:   asr.SampleRate,
		Format:       asr.Format,
		Languages:    asr.Languages,
		StartTimeout: asr.StartTimeout,
		StopTimeout:  asr.StopTimeout,
	}, logger, realtime.WithListener(listener))
	if err != nil {
		return nil, err
	}
	transcript = entities.NewTranscript(session.ID())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return session.Start(gctx)
	})
	g.Go(func() error {
		return pump(gctx, session, audio, chunkBytes, chunk, paced)
	})
	err = g.Wait()

	session.Stop()
	logger.Info("Transcription complete",
		zap.String("sessionID", session.ID()),
		zap.Int("sentences", transcript.Len()),
		zap.Duration("duration", transcript.Duration()))

	return transcript, err
}

// pump reads audio in chunkBytes pieces and feeds the session until EOF.
func pump(ctx context.Context, session *realtime.Session, audio io.Reader, chunkBytes int, chunk time.Duration, paced bool) error {
	var ticker *time.Ticker
	if paced {
		ticker = time.NewTicker(chunk)
		defer ticker.Stop()
	}

	buf := make([]byte, chunkBytes)
	for {
		n, err := io.ReadFull(audio, buf)
		if n > 0 {
			session.SendAudio(buf[:n])
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read audio: %w", err)
		}
		if session.Status().Terminal() {
			return nil
		}

		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
