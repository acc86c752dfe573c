// Package socket is a websocket client that carries JSON control messages as
// text frames and raw audio as binary frames on one connection.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultDialTimeout  = 15 * time.Second
	defaultWriteTimeout = 5 * time.Second
	closeGracePeriod    = 2 * time.Second
)

// ErrClosed is returned by sends on a connection that is not open.
var ErrClosed = errors.New("socket: connection not open")

// Options configures a connection.
type Options struct {
	// OnMessage receives the payload of every inbound text frame, in order,
	// from the read goroutine.
	OnMessage func(data []byte)
	// OnClose is called once when the read loop ends. err is nil for a
	// normal closure.
	OnClose func(err error)

	Header       http.Header
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Conn is a client websocket connection.
type Conn struct {
	conn *websocket.Conn
	opts Options

	writeMu   sync.Mutex
	closeOnce sync.Once
	open      atomic.Bool
	done      chan struct{}
}

// Dial connects to url and starts the read loop. When ctx carries no
// deadline, the dial is bounded by Options.DialTimeout.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s (status %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Conn{
		conn: conn,
		opts: opts,
		done: make(chan struct{}),
	}
	c.open.Store(true)
	go c.readLoop()
	return c, nil
}

// IsOpen reports whether the connection can still send.
func (c *Conn) IsOpen() bool {
	return c != nil && c.open.Load()
}

// SendJSON writes v as a single text frame.
func (c *Conn) SendJSON(v any) error {
	if !c.IsOpen() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// SendBinary writes b as a single binary frame.
func (c *Conn) SendBinary(b []byte) error {
	if !c.IsOpen() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("write binary: %w", err)
	}
	return nil
}

// Close sends a close frame, closes the connection and waits for the read
// loop to exit. It is safe to call repeatedly, but not from OnMessage.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.open.Store(false)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

// Done is closed when the read loop has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) readLoop() {
	var closeErr error
	defer func() {
		c.open.Store(false)
		c.closeOnce.Do(func() { _ = c.conn.Close() })
		close(c.done)
		if c.opts.OnClose != nil {
			c.opts.OnClose(closeErr)
		}
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.open.Load() {
				closeErr = err
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if c.opts.OnMessage != nil {
				c.opts.OnMessage(data)
			}
		default:
			continue
		}
	}
}
