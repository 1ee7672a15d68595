package websocket

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/meetmind/server/domain/repositories"
	"github.com/meetmind/server/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// Time allowed for the recognizer to open a stream.
	initTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub maintains the set of active recognition streams.
type Hub struct {
	// Registered streams.
	streams map[string]*Stream

	// Register requests from the streams.
	register chan *Stream

	// Unregister requests from streams.
	unregister chan *Stream

	// Closed when Run returns.
	done chan struct{}

	// Mutex for thread-safe access to streams map
	mu sync.RWMutex

	sttRepo  repositories.SpeechToText
	defaults repositories.AudioConfig
	clock    clock.Clock

	logger *zap.Logger
}

// HubOption customizes a Hub
type HubOption func(*Hub)

// WithClock replaces the clock used for stream activity tracking.
func WithClock(c clock.Clock) HubOption {
	return func(h *Hub) {
		h.clock = c
	}
}

// NewHub creates a new WebSocket hub. defaults fill in audio parameters a
// client leaves out of its query string.
func NewHub(sttRepo repositories.SpeechToText, defaults repositories.AudioConfig, logger *zap.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		streams:    make(map[string]*Stream),
		register:   make(chan *Stream),
		unregister: make(chan *Stream),
		done:       make(chan struct{}),
		sttRepo:    sttRepo,
		defaults:   defaults,
		clock:      clock.New(),
		logger:     logger,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Run starts the hub's main loop. When ctx is cancelled every open stream is
// told the server is going away and Run returns.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case stream := <-h.register:
			h.mu.Lock()
			h.streams[stream.id] = stream
			h.mu.Unlock()
			h.logger.Info("Stream registered",
				zap.String("sessionID", stream.id),
				zap.String("clientID", stream.clientID))

		case stream := <-h.unregister:
			h.mu.Lock()
			delete(h.streams, stream.id)
			h.mu.Unlock()
			h.logger.Info("Stream unregistered", zap.String("sessionID", stream.id))

		case <-ctx.Done():
			h.mu.Lock()
			streams := make([]*Stream, 0, len(h.streams))
			for id, s := range h.streams {
				streams = append(streams, s)
				delete(h.streams, id)
			}
			h.mu.Unlock()

			for _, s := range streams {
				s.closeWithNotice("server shutting down")
			}
			h.logger.Info("Hub stopped", zap.Int("closedStreams", len(streams)))
			return
		}
	}
}

// Count returns the number of registered streams
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

// idleSince returns the streams that received no audio since cutoff
func (h *Hub) idleSince(cutoff time.Time) []*Stream {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var idle []*Stream
	for _, s := range h.streams {
		if s.idleSince(cutoff) {
			idle = append(idle, s)
		}
	}
	return idle
}

func (h *Hub) add(s *Stream) bool {
	select {
	case h.register <- s:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(s *Stream) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// audioConfig merges the query parameters of a stream request over the hub defaults
func (h *Hub) audioConfig(c echo.Context) (repositories.AudioConfig, error) {
	cfg := h.defaults
	cfg.Languages = append([]string(nil), h.defaults.Languages...)

	if v := c.QueryParam("model"); v != "" {
		cfg.Model = v
	}
	if v := c.QueryParam("format"); v != "" {
		cfg.Encoding = v
	}
	if v := c.QueryParam("sample_rate"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return cfg, echo.NewHTTPError(http.StatusBadRequest, "sample_rate must be a positive integer")
		}
		cfg.SampleRate = rate
	}
	if langs := c.QueryParams()["language"]; len(langs) > 0 {
		cfg.Languages = langs
	}
	return cfg, nil
}

// WriteData is one outbound websocket message
type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Stream is a middleman between a client websocket and a recognizer stream.
type Stream struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	id       string
	clientID string
	logger   *zap.Logger

	recognizer repositories.SpeechToTextStreaming

	mu            sync.Mutex
	closed        bool // send is closed
	stopRequested bool
	lastAudio     time.Time
	chunkCount    int
}

// HandleStream upgrades an authenticated request to a recognition stream.
func HandleStream(hub *Hub, c echo.Context, clientID string, logger *zap.Logger) error {
	cfg, err := hub.audioConfig(c)
	if err != nil {
		return err
	}

	sessionID := c.Request().Header.Get("X-Session-Id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	s := &Stream{
		hub:       hub,
		conn:      conn,
		send:      make(chan WriteData, 256),
		id:        sessionID,
		clientID:  clientID,
		logger:    logger.With(zap.String("sessionID", sessionID)),
		lastAudio: hub.clock.Now(),
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go s.writePump()

	if !hub.add(s) {
		s.closeWithNotice("server shutting down")
		return nil
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), initTimeout)
	defer cancel()

	recognizer, err := hub.sttRepo.InitTranscribeStreaming(ctx, cfg)
	if err != nil {
		s.logger.Error("Failed to initialize streaming transcription", zap.Error(err))
		s.fail("failed to initialize transcription: " + err.Error())
		// drain the connection until the client closes it
		go s.discardPump()
		return nil
	}

	s.mu.Lock()
	if s.closed {
		// the hub shut down while the recognizer was opening
		s.mu.Unlock()
		recognizer.Close()
		go s.discardPump()
		return nil
	}
	s.recognizer = recognizer
	s.mu.Unlock()

	s.logger.Info("Recognition stream ready",
		zap.String("clientID", clientID),
		zap.String("model", cfg.Model),
		zap.Int("sampleRate", cfg.SampleRate),
		zap.Strings("languages", cfg.Languages))

	s.enqueue(protocol.Ready())
	go s.relayResults()
	go s.readPump()

	return nil
}

// readPump pumps audio and control messages from the websocket connection to the recognizer.
func (s *Stream) readPump() {
	defer func() {
		s.hub.remove(s)
		s.recognizer.Close()
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			s.processControl(message)
		case websocket.BinaryMessage:
			s.processAudio(message)
		default:
			s.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// discardPump reads until the peer goes away after a failed initialization.
func (s *Stream) discardPump() {
	defer func() {
		s.hub.remove(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump pumps messages from the stream to the websocket connection.
func (s *Stream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := s.conn.WriteMessage(message.Type, message.Payload); err != nil {
				s.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processControl handles a text frame from the client
func (s *Stream) processControl(message []byte) {
	if _, err := protocol.DecodeControl(message); err != nil {
		s.logger.Warn("Ignoring control message", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.stopRequested || s.closed {
		s.mu.Unlock()
		return
	}
	s.stopRequested = true
	chunks := s.chunkCount
	s.mu.Unlock()

	s.logger.Info("Stop requested by client", zap.Int("totalChunks", chunks))

	// relayResults sends finished once the recognizer drains
	if err := s.recognizer.End(); err != nil {
		s.logger.Error("Failed to end transcription stream", zap.Error(err))
		s.fail("failed to end transcription: " + err.Error())
	}
}

// processAudio forwards binary audio data to the recognizer
func (s *Stream) processAudio(data []byte) {
	s.mu.Lock()
	if s.stopRequested || s.closed {
		s.mu.Unlock()
		s.logger.Debug("Dropping audio after stop", zap.Int("size", len(data)))
		return
	}
	s.chunkCount++
	s.lastAudio = s.hub.clock.Now()
	s.mu.Unlock()

	if err := s.recognizer.Stream(data); err != nil {
		s.logger.Error("Failed to stream audio data", zap.Error(err))
		s.fail("failed to stream audio: " + err.Error())
	}
}

// relayResults turns recognizer updates into result events. When the
// recognizer drains it reports finished and closes the connection.
func (s *Stream) relayResults() {
	for r := range s.recognizer.Results() {
		if r.Err != nil {
			s.logger.Error("Recognizer failed", zap.Error(r.Err))
			s.fail(r.Err.Error())
			return
		}
		s.enqueue(protocol.Result(toPayload(r)))
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	s.logger.Info("Recognition finished")
	s.enqueue(protocol.Finished())
	s.finish()
}

func toPayload(r repositories.Recognition) protocol.SentencePayload {
	begin := float64(r.BeginTime.Milliseconds())
	end := float64(r.EndTime.Milliseconds())
	p := protocol.SentencePayload{
		Text:       r.Text,
		BeginTime:  &begin,
		IsFinal:    r.IsFinal,
		Confidence: r.Confidence,
	}
	if r.IsFinal {
		p.EndTime = &end
	}
	return p
}

// idleSince reports whether the stream received no audio since cutoff. Streams
// draining after a stop request are never idle.
func (s *Stream) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.stopRequested && s.lastAudio.Before(cutoff)
}

// enqueue queues a text message unless the stream is closing. A client that
// cannot keep up is disconnected.
func (s *Stream) enqueue(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
	default:
		s.logger.Warn("Send buffer full, dropping client")
		s.closed = true
		close(s.send)
	}
}

// fail reports an error event and closes the connection.
func (s *Stream) fail(message string) {
	s.enqueue(protocol.ErrorMessage(message))
	s.finish()
}

// closeWithNotice tells the client the server is closing the stream.
func (s *Stream) closeWithNotice(reason string) {
	s.logger.Info("Closing stream", zap.String("reason", reason))
	s.enqueue(protocol.Closed())
	s.finish()

	s.mu.Lock()
	recognizer := s.recognizer
	s.mu.Unlock()
	if recognizer != nil {
		recognizer.Close()
	}
}

// finish closes the outbound queue; writePump then closes the connection.
func (s *Stream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}
