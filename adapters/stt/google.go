package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/meetmind/server/domain/repositories"
)

// GoogleSpeechToText implements SpeechToText for Google Cloud
type GoogleSpeechToText struct {
	logger *zap.Logger
	opts   []option.ClientOption
}

// NewGoogleSpeechToText creates a Google Cloud recognizer. With no options the
// client uses application default credentials.
func NewGoogleSpeechToText(logger *zap.Logger, opts ...option.ClientOption) *GoogleSpeechToText {
	return &GoogleSpeechToText{logger: logger, opts: opts}
}

func (g *GoogleSpeechToText) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechToTextStreaming, error) {
	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		return nil, err
	}
	if len(config.Languages) == 0 {
		return nil, errors.New("at least one language is required")
	}

	client, err := speech.NewClient(ctx, g.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	// the stream outlives the init request
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	recognitionConfig := &speechpb.RecognitionConfig{
		Encoding:                   encoding,
		SampleRateHertz:            int32(config.SampleRate),
		LanguageCode:               config.Languages[0],
		AlternativeLanguageCodes:   config.Languages[1:],
		EnableAutomaticPunctuation: true,
	}
	if config.Model != "" && !strings.HasPrefix(config.Model, "paraformer") {
		recognitionConfig.Model = config.Model
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         recognitionConfig,
				InterimResults: true,
			},
		},
	}); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	s := &GoogleSpeechToTextStream{
		client:  client,
		stream:  stream,
		cancel:  cancel,
		results: make(chan repositories.Recognition, 16),
		done:    make(chan struct{}),
		logger:  g.logger,
	}
	go s.receiveResults()

	g.logger.Info("Google streaming recognition started",
		zap.Int("sampleRate", config.SampleRate),
		zap.String("encoding", config.Encoding),
		zap.Strings("languages", config.Languages))

	return s, nil
}

type GoogleSpeechToTextStream struct {
	client    *speech.Client
	stream    speechpb.Speech_StreamingRecognizeClient
	cancel    context.CancelFunc
	results   chan repositories.Recognition
	done      chan struct{}
	logger    *zap.Logger
	closeOnce sync.Once
}

func (g *GoogleSpeechToTextStream) Stream(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := g.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: data,
		},
	}); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

func (g *GoogleSpeechToTextStream) Results() <-chan repositories.Recognition {
	return g.results
}

// End half-closes the stream; Results is closed when Google finishes.
func (g *GoogleSpeechToTextStream) End() error {
	if err := g.stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send stream: %w", err)
	}
	return nil
}

func (g *GoogleSpeechToTextStream) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.done)
		g.cancel()
		err = g.client.Close()
	})
	return err
}

func (g *GoogleSpeechToTextStream) receiveResults() {
	defer close(g.results)
	defer g.Close()

	for {
		resp, err := g.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			g.emit(repositories.Recognition{Err: fmt.Errorf("failed to receive response: %w", err)})
			return
		}
		if resp.Error != nil {
			g.emit(repositories.Recognition{Err: fmt.Errorf("recognition error: %s", resp.Error.GetMessage())})
			return
		}

		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			if !g.emit(toRecognition(result)) {
				return
			}
		}
	}
}

// emit delivers r unless the stream was closed
func (g *GoogleSpeechToTextStream) emit(r repositories.Recognition) bool {
	select {
	case g.results <- r:
		return true
	case <-g.done:
		return false
	}
}

func toRecognition(result *speechpb.StreamingRecognitionResult) repositories.Recognition {
	best := result.Alternatives[0]
	r := repositories.Recognition{
		Text:    best.Transcript,
		IsFinal: result.IsFinal,
	}
	if result.ResultEndTime != nil {
		r.EndTime = result.ResultEndTime.AsDuration()
	}
	// Google only reports confidence on final results
	if result.IsFinal && best.Confidence > 0 {
		c := float64(best.Confidence)
		r.Confidence = &c
	}
	return r
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch strings.ToUpper(encoding) {
	case "PCM", "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "AMR":
		return speechpb.RecognitionConfig_AMR, nil
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB, nil
	case "OPUS", "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
