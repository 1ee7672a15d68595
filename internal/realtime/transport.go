package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed for the close frame before the socket is dropped.
	closeWait = time.Second

	// Maximum inbound message size; recognition results are small JSON objects.
	maxMessageSize = 64 * 1024
)

// Conn is a bidirectional message channel to the recognition server.
// Writes come from a single goroutine and ReadMessage only from the session's
// read loop. Close may be called concurrently with both and must unblock a
// write that is waiting on the peer.
type Conn interface {
	WriteBinary(data []byte) error
	WriteText(data []byte) error
	// ReadMessage returns the next inbound message. It returns an error once
	// the channel is closed by either side.
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Dialer opens channels for a session.
type Dialer interface {
	Dial(ctx context.Context, sessionID string, opts Options) (Conn, error)
}

// WebsocketDialer dials the recognition gateway over a websocket. Options are
// sent as query parameters and Token as a bearer Authorization header.
type WebsocketDialer struct {
	URL              string
	Token            string
	Header           http.Header
	HandshakeTimeout time.Duration
}

// Dial implements Dialer
func (d *WebsocketDialer) Dial(ctx context.Context, sessionID string, opts Options) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway url %q: %w", d.URL, err)
	}

	q := u.Query()
	q.Set("model", opts.Model)
	q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	q.Set("format", opts.Format)
	for _, lang := range opts.Languages {
		q.Add("language", lang)
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	for k, v := range d.Header {
		headers[k] = append([]string(nil), v...)
	}
	if d.Token != "" {
		headers.Set("Authorization", "Bearer "+d.Token)
	}
	headers.Set("X-Session-Id", sessionID)

	dialer := *websocket.DefaultDialer
	if d.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = d.HandshakeTimeout
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to gateway (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	return &wsConn{conn: conn}, nil
}

// wsConn adapts a gorilla websocket connection to Conn
type wsConn struct {
	conn    *websocket.Conn
	writing atomic.Int32
}

func (c *wsConn) WriteBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *wsConn) WriteText(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.writing.Add(1)
	defer c.writing.Add(-1)
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

// Close sends a best-effort close frame and drops the socket. The close frame
// is skipped while a write is in flight, since it would queue behind it.
func (c *wsConn) Close() error {
	if c.writing.Load() == 0 {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
	}
	return c.conn.Close()
}
