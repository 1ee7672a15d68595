// Package realtime implements the client side of a streaming speech
// recognition session: it opens the channel, streams audio, turns recognition
// results into timestamped sentences and tears the channel down.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meetmind/server/internal/protocol"
)

// Session is one recognition session. It is owned by a single caller and is
// not reusable: after it reaches StatusStopped or StatusError a new Session is
// needed.
type Session struct {
	id     string
	opts   Options
	dialer Dialer
	clock  clock.Clock
	logger *zap.Logger
	pub    publisher

	mu       sync.Mutex
	status   Status
	conn     Conn
	out      *connWriter
	queue    audioQueue
	rec      reconciler
	startCh  chan error    // non-nil while Start waits for ready
	stopping bool          // stop request sent, waiting for finished
	stopDone chan struct{} // closed when the stop handshake settles
	after    []func()      // teardown to run once mu is released
}

// SessionOption customizes a Session
type SessionOption func(*Session)

// WithClock replaces the wall clock used for watchdogs and timestamps.
func WithClock(c clock.Clock) SessionOption {
	return func(s *Session) {
		s.clock = c
	}
}

// WithListener registers l before the session starts.
func WithListener(l Listener) SessionOption {
	return func(s *Session) {
		s.pub.setListener(l)
	}
}

// NewSession creates an idle session
func NewSession(dialer Dialer, opts Options, logger *zap.Logger, options ...SessionOption) (*Session, error) {
	if dialer == nil {
		return nil, errors.New("dialer cannot be nil")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session options: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Session{
		id:     uuid.NewString(),
		opts:   opts.withDefaults(),
		dialer: dialer,
		clock:  clock.New(),
		status: StatusIdle,
	}
	for _, o := range options {
		o(s)
	}
	s.logger = logger.With(zap.String("sessionID", s.id))

	return s, nil
}

// ID returns the session identifier sent to the gateway
func (s *Session) ID() string {
	return s.id
}

// Options returns a copy of the session options
func (s *Session) Options() Options {
	o := s.opts
	o.Languages = append([]string(nil), s.opts.Languages...)
	return o
}

// SetListener replaces the registered listener. Pass nil to unregister.
func (s *Session) SetListener(l Listener) {
	s.pub.setListener(l)
}

// Status returns the current lifecycle status
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsConnected reports whether the channel is open
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && (s.status == StatusConnected || s.status == StatusTranscribing)
}

// Start opens the channel and blocks until the server reports ready. It
// returns nil once ready is observed; otherwise it returns the error that
// ended the attempt, which is also delivered to the listener. If a channel
// already exists Start returns nil without checking it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	if s.status != StatusIdle {
		status := s.status
		s.mu.Unlock()
		if status.Terminal() {
			return ErrSessionClosed
		}
		return fmt.Errorf("start already in progress (status %s)", status)
	}

	result := make(chan error, 1)
	s.startCh = result
	watchdog := s.clock.Timer(s.opts.StartTimeout)
	s.setStatusLocked(StatusConnecting)
	s.unlock()

	defer watchdog.Stop()

	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()
	go s.connect(dialCtx)

	select {
	case err := <-result:
		return err
	case <-watchdog.C:
		s.abortStart(newError(KindTimeout, "start", fmt.Errorf("no ready event within %s", s.opts.StartTimeout)))
	case <-ctx.Done():
		kind := KindTransport
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = KindTimeout
		}
		s.abortStart(newError(kind, "start", ctx.Err()))
	}

	// whichever source won has resolved result by now
	return <-result
}

// SendAudio transmits chunk, or buffers a copy of it until the channel is
// ready. After the session is stopped, or once Stop has been called, it does
// nothing.
func (s *Session) SendAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	s.mu.Lock()
	switch {
	case s.status.Terminal() || s.stopping:
		s.logger.Debug("Dropping audio chunk after stop", zap.Int("size", len(chunk)))

	case s.status == StatusTranscribing:
		data := append([]byte(nil), chunk...)
		if err := s.out.send(frame{data: data}); err != nil {
			s.dropLocked(newError(KindTransport, "send audio", err))
		}

	default:
		s.queue.enqueue(chunk)
	}
	s.unlock()
}

// Stop ends the session. With an open channel it asks the server to finish and
// waits for the finished event or the stop timeout, whichever comes first, then
// closes the channel. Stop always returns with the session stopped (or already
// failed) and is safe to call repeatedly and concurrently.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	if s.stopping {
		done := s.stopDone
		s.mu.Unlock()
		<-done
		return
	}
	if s.conn == nil {
		s.logger.Info("Stopping session without an open channel", zap.String("status", string(s.status)))
		s.terminateLocked(StatusStopped, ErrStopped)
		s.unlock()
		return
	}

	s.stopping = true
	s.stopDone = make(chan struct{})
	done := s.stopDone
	watchdog := s.clock.Timer(s.opts.StopTimeout)

	// queued behind any audio still being written
	if err := s.out.send(frame{data: protocol.StopRequest(), text: true}); err != nil {
		s.logger.Warn("Failed to send stop request, closing", zap.Error(err))
		s.terminateLocked(StatusStopped, ErrStopped)
	} else {
		s.logger.Info("Stop requested")
	}
	s.unlock()

	select {
	case <-done:
		watchdog.Stop()
	case <-watchdog.C:
		s.forceStop()
		<-done
	}
}

// connect dials on behalf of a pending Start.
func (s *Session) connect(ctx context.Context) {
	conn, err := s.dialer.Dial(ctx, s.id, s.opts)

	s.mu.Lock()
	if err != nil {
		if s.status == StatusConnecting {
			s.failLocked(newError(KindTransport, "dial", err))
		}
		s.unlock()
		return
	}

	if s.status != StatusConnecting {
		// Start was abandoned while dialing
		s.mu.Unlock()
		conn.Close()
		return
	}

	s.conn = conn
	s.out = newConnWriter(conn, func(err error) { s.handleWriteError(conn, err) })
	s.setStatusLocked(StatusConnected)
	out := s.out
	s.unlock()

	go out.run()
	go s.readLoop(conn)
}

// readLoop dispatches inbound messages in delivery order until the channel closes.
func (s *Session) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}
		s.dispatch(conn, data)
	}
}

func (s *Session) dispatch(conn Conn, data []byte) {
	ev, decodeErr := protocol.Decode(data)

	s.mu.Lock()
	defer s.unlock()

	if s.conn != conn || s.status.Terminal() {
		return
	}

	if decodeErr != nil {
		s.logger.Warn("Ignoring undecodable message",
			zap.Error(decodeErr),
			zap.Int("size", len(data)))
		s.publishErrorLocked(newError(KindProtocol, "decode", decodeErr))
		return
	}

	switch ev.Type {
	case protocol.EventReady:
		s.handleReadyLocked()
	case protocol.EventResult:
		s.handleResultLocked(ev.Sentence)
	case protocol.EventFinished:
		s.handleFinishedLocked()
	case protocol.EventError:
		s.failLocked(newError(KindUpstream, "recognize", errors.New(ev.Message)))
	case protocol.EventClosed:
		s.handleRemoteCloseLocked(errors.New("server closed the session"))
	}
}

func (s *Session) handleReadyLocked() {
	if s.status != StatusConnected {
		s.publishErrorLocked(newError(KindProtocol, "ready",
			fmt.Errorf("unexpected ready event in status %s", s.status)))
		return
	}
	if s.stopping {
		s.logger.Info("Ignoring ready after stop request")
		return
	}

	s.rec.begin(s.clock.Now())
	s.setStatusLocked(StatusTranscribing)
	s.pub.enqueue(notification{kind: notifyTaskStarted})

	buffered := s.queue.len()
	flushErr := s.queue.flush(func(chunk []byte) error {
		return s.out.send(frame{data: chunk})
	})
	s.resolveStartLocked(nil)

	s.logger.Info("Recognition ready", zap.Int("bufferedChunks", buffered))

	if flushErr != nil {
		s.dropLocked(newError(KindTransport, "flush audio", flushErr))
	}
}

func (s *Session) handleResultLocked(p protocol.SentencePayload) {
	if s.status != StatusTranscribing {
		s.logger.Debug("Ignoring result before ready", zap.String("status", string(s.status)))
		return
	}

	now := s.clock.Now()
	if p.IsFinal {
		sentence, ok := s.rec.final(p, now)
		if !ok {
			return
		}
		s.logger.Debug("Final sentence",
			zap.String("id", sentence.ID),
			zap.Int64("beginTimeMs", sentence.BeginTimeMs),
			zap.Int64("endTimeMs", *sentence.EndTimeMs))
		s.pub.enqueue(notification{kind: notifySentence, sentence: sentence})
		return
	}

	if text, elapsed, ok := s.rec.interim(p, now); ok {
		s.pub.enqueue(notification{kind: notifyInterim, text: text, elapsedMs: elapsed})
	}
}

func (s *Session) handleFinishedLocked() {
	s.pub.enqueue(notification{kind: notifyTaskFinished})
	if s.stopping {
		s.logger.Info("Stop handshake completed")
	} else {
		s.logger.Info("Server finished without a stop request")
	}
	s.terminateLocked(StatusStopped, ErrStopped)
}

func (s *Session) handleDisconnect(conn Conn, err error) {
	s.mu.Lock()
	if s.conn != conn || s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.handleRemoteCloseLocked(err)
	s.unlock()
}

// handleWriteError settles a failed write on conn. A failure while stopping
// only ends the handshake early.
func (s *Session) handleWriteError(conn Conn, err error) {
	s.mu.Lock()
	defer s.unlock()

	if s.conn != conn || s.status.Terminal() {
		return
	}
	if s.stopping {
		s.logger.Warn("Write failed during stop handshake, closing", zap.Error(err))
		s.terminateLocked(StatusStopped, ErrStopped)
		return
	}
	s.dropLocked(newError(KindTransport, "send", err))
}

// handleRemoteCloseLocked settles a channel the server closed. During the
// handshake that is a failure; once transcribing it ends the session cleanly,
// though the drop is still reported unless a stop was in progress.
func (s *Session) handleRemoteCloseLocked(cause error) {
	switch {
	case s.stopping:
		s.logger.Info("Channel closed during stop handshake", zap.Error(cause))
		s.terminateLocked(StatusStopped, ErrStopped)
	case s.status == StatusTranscribing:
		s.dropLocked(newError(KindTransport, "receive", cause))
	default:
		s.failLocked(newError(KindTransport, "receive", cause))
	}
}

// abortStart fails a still-pending Start.
func (s *Session) abortStart(err *Error) {
	s.mu.Lock()
	if s.startCh != nil {
		s.failLocked(err)
	}
	s.unlock()
}

func (s *Session) forceStop() {
	s.mu.Lock()
	if !s.status.Terminal() {
		s.logger.Warn("No finished event before stop timeout, closing",
			zap.Duration("timeout", s.opts.StopTimeout))
		s.terminateLocked(StatusStopped, ErrStopped)
	}
	s.unlock()
}

// failLocked reports err and moves the session to StatusError.
func (s *Session) failLocked(err *Error) {
	s.publishErrorLocked(err)
	s.terminateLocked(StatusError, err)
}

// dropLocked reports err and moves the session to StatusStopped.
func (s *Session) dropLocked(err *Error) {
	s.publishErrorLocked(err)
	s.terminateLocked(StatusStopped, err)
}

// terminateLocked detaches the channel, discards queued audio, settles any
// pending Start with startErr and schedules the channel close and the release
// of Stop waiters for unlock. The close happens without mu held so that it can
// interrupt a write stuck on an unresponsive peer.
func (s *Session) terminateLocked(status Status, startErr error) {
	if s.status.Terminal() {
		return
	}

	if n := s.queue.discard(); n > 0 {
		s.logger.Info("Discarded unsent audio", zap.Int("chunks", n))
	}
	if s.conn != nil {
		conn, out := s.conn, s.out
		s.conn, s.out = nil, nil
		s.after = append(s.after, func() {
			if n := out.stop(); n > 0 {
				s.logger.Info("Discarded unwritten frames", zap.Int("frames", n))
			}
			if err := conn.Close(); err != nil {
				s.logger.Debug("Error closing channel", zap.Error(err))
			}
		})
	}

	s.setStatusLocked(status)
	s.resolveStartLocked(startErr)

	if s.stopping {
		s.stopping = false
		done := s.stopDone
		s.after = append(s.after, func() { close(done) })
	}
}

// unlock releases mu, runs scheduled teardown and delivers queued notifications.
func (s *Session) unlock() {
	after := s.after
	s.after = nil
	s.mu.Unlock()

	for _, f := range after {
		f()
	}
	s.pub.flush()
}

func (s *Session) resolveStartLocked(err error) {
	if s.startCh == nil {
		return
	}
	s.startCh <- err
	s.startCh = nil
}

func (s *Session) setStatusLocked(status Status) {
	if s.status == status {
		return
	}
	s.logger.Info("Session status changed",
		zap.String("from", string(s.status)),
		zap.String("to", string(status)))
	s.status = status
	s.pub.enqueue(notification{kind: notifyStatus, status: status})
}

func (s *Session) publishErrorLocked(err *Error) {
	if err.Kind == KindProtocol {
		s.logger.Warn("Session protocol error", zap.Error(err))
	} else {
		s.logger.Error("Session error", zap.String("kind", string(err.Kind)), zap.Error(err))
	}
	s.pub.enqueue(notification{kind: notifyError, err: err})
}
