package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meetmind/server/domain/entities"
)

var errFakeClosed = errors.New("fake conn closed")

// fakeConn is an in-memory Conn. Tests push inbound messages and inspect writes.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	binary     [][]byte
	text       [][]byte
	closeCalls int
	writeErr   error
	stall      bool // writes block until Close
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 32),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) WriteBinary(data []byte) error {
	return c.write(&c.binary, data)
}

func (c *fakeConn) WriteText(data []byte) error {
	return c.write(&c.text, data)
}

func (c *fakeConn) write(dst *[][]byte, data []byte) error {
	c.mu.Lock()
	stall := c.stall
	c.mu.Unlock()
	if stall {
		<-c.closed
		return errFakeClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	*dst = append(*dst, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	// drain queued messages before reporting closure
	select {
	case msg := <-c.inbound:
		return websocket.TextMessage, msg, nil
	default:
	}
	select {
	case msg := <-c.inbound:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, errFakeClosed
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// push delivers a server message
func (c *fakeConn) push(msg string) {
	c.inbound <- []byte(msg)
}

// drop simulates the server going away
func (c *fakeConn) drop() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// stallWrites makes every later write hang like a peer that stopped reading
func (c *fakeConn) stallWrites() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stall = true
}

func (c *fakeConn) binaryWrites() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.binary...)
}

func (c *fakeConn) textWrites() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.text))
	for _, t := range c.text {
		out = append(out, string(t))
	}
	return out
}

func (c *fakeConn) closedBySession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls > 0
}

// fakeDialer hands out a single fakeConn
type fakeDialer struct {
	conn  *fakeConn
	err   error
	block chan struct{} // when set, Dial waits for it

	mu    sync.Mutex
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, sessionID string, opts Options) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()

	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// recorder is a Listener that keeps everything it is told
type recorder struct {
	mu        sync.Mutex
	statuses  []Status
	sentences []entities.Sentence
	interims  []string
	elapsed   []int64
	errs      []error
	started   int
	finished  int
}

func (r *recorder) OnStatusChange(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) OnSentence(s entities.Sentence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sentences = append(r.sentences, s)
}

func (r *recorder) OnInterim(text string, elapsedMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interims = append(r.interims, text)
	r.elapsed = append(r.elapsed, elapsedMs)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) OnTaskStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recorder) OnTaskFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished++
}

func (r *recorder) sentenceList() []entities.Sentence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entities.Sentence(nil), r.sentences...)
}

func (r *recorder) errorList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) statusList() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *recorder) interimCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.interims)
}

type harness struct {
	session *Session
	conn    *fakeConn
	dialer  *fakeDialer
	clock   *clock.Mock
	events  *recorder
}

func newHarness(t testing.TB) *harness {
	t.Helper()

	conn := newFakeConn()
	dialer := &fakeDialer{conn: conn}
	mock := clock.NewMock()
	events := &recorder{}

	session, err := NewSession(dialer, testOptions(), zap.NewNop(), WithClock(mock), WithListener(events))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	return &harness{session: session, conn: conn, dialer: dialer, clock: mock, events: events}
}

func testOptions() Options {
	return Options{
		Model:      "paraformer-realtime-v2",
		SampleRate: 16000,
		Format:     "pcm",
		Languages:  []string{"zh", "en"},
	}
}

// startAsync runs Start in the background
func (h *harness) startAsync() <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- h.session.Start(context.Background())
	}()
	return ch
}

// startReady drives the session to transcribing with ready at elapsed
func (h *harness) startReady(t testing.TB, readyAfter time.Duration) {
	t.Helper()
	result := h.startAsync()
	waitFor(t, "connected", func() bool { return h.session.Status() == StatusConnected })
	h.clock.Add(readyAfter)
	h.conn.push(`{"event":"ready"}`)
	if err := receive(t, result); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

// stopAsync runs Stop in the background and closes the returned channel when it returns
func (h *harness) stopAsync() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		h.session.Stop()
		close(done)
	}()
	return done
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

func receive(t testing.TB, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return nil
	}
}

func waitClosed(t testing.TB, what string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
