package realtime

import (
	"errors"
	"sync"
)

var errWriterStopped = errors.New("writer stopped")

// frame is one outbound message
type frame struct {
	data []byte
	text bool
}

// connWriter owns every write to a Conn. A single goroutine writes queued
// frames in order, so a peer that stops reading stalls only this goroutine
// and never the session state. Closing the Conn unblocks a stalled write.
type connWriter struct {
	conn    Conn
	onError func(error)

	mu      sync.Mutex
	pending []frame
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newConnWriter(conn Conn, onError func(error)) *connWriter {
	return &connWriter{
		conn:    conn,
		onError: onError,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// send queues f without blocking.
func (w *connWriter) send(f frame) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return errWriterStopped
	}
	w.pending = append(w.pending, f)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// run writes frames until stop is called or a write fails. The first write
// error is reported through onError and ends the loop.
func (w *connWriter) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}

		for {
			f, ok := w.next()
			if !ok {
				break
			}
			var err error
			if f.text {
				err = w.conn.WriteText(f.data)
			} else {
				err = w.conn.WriteBinary(f.data)
			}
			if err != nil {
				w.onError(err)
				return
			}
		}
	}
}

func (w *connWriter) next() (frame, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || len(w.pending) == 0 {
		return frame{}, false
	}
	f := w.pending[0]
	w.pending[0] = frame{}
	w.pending = w.pending[1:]
	return f, true
}

// stop ends run and returns how many frames were never written.
func (w *connWriter) stop() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return 0
	}
	w.stopped = true
	n := len(w.pending)
	w.pending = nil
	close(w.done)
	return n
}
