package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/meetmind/server/adapters/stt"
	"github.com/meetmind/server/domain/entities"
	"github.com/meetmind/server/domain/repositories"
	"github.com/meetmind/server/internal/protocol"
	"github.com/meetmind/server/internal/realtime"
)

// 300ms of 16kHz 16-bit audio, one mock word
const wordBytes = 9600

var testDefaults = repositories.AudioConfig{
	Model:      "mock",
	SampleRate: 16000,
	Encoding:   "pcm",
	Languages:  []string{"en"},
}

type failingSTT struct{}

func (failingSTT) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechToTextStreaming, error) {
	return nil, errors.New("quota exceeded")
}

type testServer struct {
	hub    *Hub
	url    string
	cancel context.CancelFunc
}

func setupTestServer(t testing.TB, sttRepo repositories.SpeechToText, opts ...HubOption) *testServer {
	t.Helper()
	logger := zap.NewNop()

	hub := NewHub(sttRepo, testDefaults, logger, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	e := echo.New()
	e.GET("/ws/asr", func(c echo.Context) error {
		return HandleStream(hub, c, "tester", logger)
	})
	server := httptest.NewServer(e)

	t.Cleanup(func() {
		cancel()
		server.Close()
	})

	return &testServer{
		hub:    hub,
		url:    "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/asr",
		cancel: cancel,
	}
}

func dial(t testing.TB, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket connection failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEvent(t testing.TB, ws *websocket.Conn) protocol.Event {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	ev, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Decode(%s) error = %v", data, err)
	}
	return ev
}

func expectClose(t testing.TB, ws *websocket.Conn) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err == nil {
		t.Fatalf("Expected close, got message %s", data)
	}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Expected normal closure, got %v", err)
	}
}

func TestHub_NewHub(t *testing.T) {
	hub := NewHub(stt.NewMockSpeechToText(zap.NewNop()), testDefaults, zap.NewNop())

	if hub == nil {
		t.Fatal("NewHub returned nil")
	}
	if hub.streams == nil {
		t.Error("Hub streams map not initialized")
	}
	if hub.register == nil || hub.unregister == nil {
		t.Error("Hub channels not initialized")
	}
	if hub.Count() != 0 {
		t.Errorf("Expected no streams, got %d", hub.Count())
	}
}

func TestHub_AudioConfig(t *testing.T) {
	hub := NewHub(stt.NewMockSpeechToText(zap.NewNop()), testDefaults, zap.NewNop())
	e := echo.New()

	tests := []struct {
		name    string
		query   string
		want    repositories.AudioConfig
		wantErr bool
	}{
		{
			name:  "defaults",
			query: "",
			want:  testDefaults,
		},
		{
			name:  "overrides",
			query: "?model=paraformer-realtime-v2&sample_rate=8000&format=opus&language=zh&language=en",
			want: repositories.AudioConfig{
				Model:      "paraformer-realtime-v2",
				SampleRate: 8000,
				Encoding:   "opus",
				Languages:  []string{"zh", "en"},
			},
		},
		{
			name:    "invalid sample rate",
			query:   "?sample_rate=fast",
			wantErr: true,
		},
		{
			name:    "negative sample rate",
			query:   "?sample_rate=-1",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws/asr"+tt.query, nil)
			c := e.NewContext(req, httptest.NewRecorder())

			got, err := hub.audioConfig(c)
			if (err != nil) != tt.wantErr {
				t.Fatalf("audioConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Model != tt.want.Model || got.SampleRate != tt.want.SampleRate || got.Encoding != tt.want.Encoding {
				t.Errorf("audioConfig() = %+v, want %+v", got, tt.want)
			}
			if strings.Join(got.Languages, ",") != strings.Join(tt.want.Languages, ",") {
				t.Errorf("Languages = %v, want %v", got.Languages, tt.want.Languages)
			}
		})
	}
}

func TestStream_ReadyResultsFinished(t *testing.T) {
	ts := setupTestServer(t, stt.NewMockSpeechToText(zap.NewNop(), "hello world"))
	ws := dial(t, ts.url)

	if ev := readEvent(t, ws); ev.Type != protocol.EventReady {
		t.Fatalf("Expected ready, got %s", ev.Type)
	}

	for i := 0; i < 2; i++ {
		if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, wordBytes)); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
	}

	interim := readEvent(t, ws)
	if interim.Type != protocol.EventResult || interim.Sentence.IsFinal || interim.Sentence.Text != "hello" {
		t.Errorf("Expected interim %q, got %+v", "hello", interim)
	}
	final := readEvent(t, ws)
	if final.Type != protocol.EventResult || !final.Sentence.IsFinal || final.Sentence.Text != "hello world" {
		t.Errorf("Expected final %q, got %+v", "hello world", final)
	}

	if err := ws.WriteMessage(websocket.TextMessage, protocol.StopRequest()); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if ev := readEvent(t, ws); ev.Type != protocol.EventFinished {
		t.Fatalf("Expected finished, got %+v", ev)
	}
	expectClose(t, ws)
}

func TestStream_IgnoresUnknownControl(t *testing.T) {
	ts := setupTestServer(t, stt.NewMockSpeechToText(zap.NewNop(), "one"))
	ws := dial(t, ts.url)
	readEvent(t, ws)

	ws.WriteMessage(websocket.TextMessage, []byte(`{"action":"pause"}`))
	ws.WriteMessage(websocket.TextMessage, []byte(`not json`))
	ws.WriteMessage(websocket.TextMessage, protocol.StopRequest())

	if ev := readEvent(t, ws); ev.Type != protocol.EventFinished {
		t.Fatalf("Expected finished, got %+v", ev)
	}
}

func TestStream_StopFlushesPartialPhrase(t *testing.T) {
	ts := setupTestServer(t, stt.NewMockSpeechToText(zap.NewNop(), "one two three"))
	ws := dial(t, ts.url)
	readEvent(t, ws)

	ws.WriteMessage(websocket.BinaryMessage, make([]byte, wordBytes))
	ws.WriteMessage(websocket.TextMessage, protocol.StopRequest())

	var finals []string
	for {
		ev := readEvent(t, ws)
		if ev.Type == protocol.EventFinished {
			break
		}
		if ev.Type == protocol.EventResult && ev.Sentence.IsFinal {
			finals = append(finals, ev.Sentence.Text)
		}
	}
	if len(finals) != 1 || finals[0] != "one" {
		t.Errorf("Expected the partial phrase as final, got %v", finals)
	}
}

func TestStream_RecognizerInitFailure(t *testing.T) {
	ts := setupTestServer(t, failingSTT{})
	ws := dial(t, ts.url)

	ev := readEvent(t, ws)
	if ev.Type != protocol.EventError || !strings.Contains(ev.Message, "quota exceeded") {
		t.Fatalf("Expected error event, got %+v", ev)
	}
	expectClose(t, ws)
}

func TestStream_InvalidQueryRejected(t *testing.T) {
	ts := setupTestServer(t, stt.NewMockSpeechToText(zap.NewNop()))

	_, resp, err := websocket.DefaultDialer.Dial(ts.url+"?sample_rate=abc", nil)
	if err == nil {
		t.Fatal("Expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %v", resp)
	}
}

func TestIdleReaper_ClosesSilentStreams(t *testing.T) {
	mock := clock.NewMock()
	ts := setupTestServer(t, stt.NewMockSpeechToText(zap.NewNop()), WithClock(mock))
	reaper := NewIdleReaper(ts.hub, 30*time.Second, zap.NewNop())

	quiet := dial(t, ts.url)
	readEvent(t, quiet)
	busy := dial(t, ts.url)
	readEvent(t, busy)

	mock.Add(20 * time.Second)
	busy.WriteMessage(websocket.BinaryMessage, []byte{0, 0})
	waitFor(t, "audio activity", func() bool {
		return len(ts.hub.idleSince(mock.Now().Add(-10*time.Second))) == 1
	})

	if n := reaper.reap(); n != 0 {
		t.Fatalf("Expected nothing to reap yet, got %d", n)
	}

	mock.Add(15 * time.Second)
	if n := reaper.reap(); n != 1 {
		t.Fatalf("Expected one idle stream, got %d", n)
	}

	if ev := readEvent(t, quiet); ev.Type != protocol.EventClosed {
		t.Errorf("Expected closed notice, got %+v", ev)
	}
	expectClose(t, quiet)
	waitFor(t, "unregister", func() bool { return ts.hub.Count() == 1 })
}

func TestIdleReaper_StartStop(t *testing.T) {
	mock := clock.NewMock()
	ts := setupTestServer(t, stt.NewMockSpeechToText(zap.NewNop()), WithClock(mock))
	reaper := NewIdleReaper(ts.hub, 8*time.Second, zap.NewNop())

	ws := dial(t, ts.url)
	readEvent(t, ws)

	reaper.Start()
	defer reaper.Stop()

	// ticks every 2s; the stream is idle after 8s
	for i := 0; i < 6; i++ {
		mock.Add(2 * time.Second)
	}

	if ev := readEvent(t, ws); ev.Type != protocol.EventClosed {
		t.Errorf("Expected closed notice, got %+v", ev)
	}
}

func TestHub_ShutdownClosesStreams(t *testing.T) {
	ts := setupTestServer(t, stt.NewMockSpeechToText(zap.NewNop()))
	ws := dial(t, ts.url)
	readEvent(t, ws)

	ts.cancel()

	if ev := readEvent(t, ws); ev.Type != protocol.EventClosed {
		t.Errorf("Expected closed notice, got %+v", ev)
	}
	expectClose(t, ws)
}

func TestStream_RealtimeSessionEndToEnd(t *testing.T) {
	ts := setupTestServer(t, stt.NewMockSpeechToText(zap.NewNop(), "one two", "three"))

	var mu sync.Mutex
	var sentences []entities.Sentence
	var errs []error
	finished := make(chan struct{})

	dialer := &realtime.WebsocketDialer{URL: ts.url, HandshakeTimeout: time.Second}
	session, err := realtime.NewSession(dialer, realtime.Options{
		Model:      "mock",
		SampleRate: 16000,
		Format:     "pcm",
		Languages:  []string{"en"},
	}, zap.NewNop(), realtime.WithListener(realtime.ListenerFuncs{
		Sentence: func(s entities.Sentence) {
			mu.Lock()
			sentences = append(sentences, s)
			mu.Unlock()
		},
		Error: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
		TaskFinished: func() { close(finished) },
	}))
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	// buffered until ready
	chunk := make([]byte, wordBytes/3)
	for i := 0; i < 3; i++ {
		session.SendAudio(chunk)
	}

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for i := 0; i < 6; i++ {
		session.SendAudio(chunk)
	}

	waitFor(t, "two sentences", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sentences) == 2
	})

	session.Stop()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected task finished")
	}

	if session.Status() != realtime.StatusStopped {
		t.Errorf("Expected stopped, got %s", session.Status())
	}

	mu.Lock()
	defer mu.Unlock()

	transcript := entities.NewTranscript(session.ID())
	for _, s := range sentences {
		if err := transcript.Append(s); err != nil {
			t.Errorf("Append(%+v) error = %v", s, err)
		}
	}
	if got := transcript.Text(" | "); got != "one two | three" {
		t.Errorf("Transcript text = %q", got)
	}
	if len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}
}

func TestStream_RealtimeSessionInitFailure(t *testing.T) {
	ts := setupTestServer(t, failingSTT{})

	dialer := &realtime.WebsocketDialer{URL: ts.url}
	session, err := realtime.NewSession(dialer, realtime.Options{
		Model:      "mock",
		SampleRate: 16000,
		Format:     "pcm",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	err = session.Start(context.Background())
	if !realtime.IsKind(err, realtime.KindUpstream) {
		t.Fatalf("Expected upstream error, got %v", err)
	}
	if session.Status() != realtime.StatusError {
		t.Errorf("Expected error status, got %s", session.Status())
	}
}

func waitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
