// Package remote hosts pool workers behind a WebSocket server.
//
// A worker host serves Handler from a plain HTTP server; every incoming
// connection becomes one worker serving one pool. The pool side dials
// with a Launcher from NewLauncher, spreading its workers over the
// given URLs round robin, so a pool can put slots on one big simulation
// host or across a fleet.
//
// Frames travel as binary WebSocket messages, one frame per message and
// without the stream transport's length prefix, because WebSocket
// already preserves message boundaries. The worker host process
// outlives its pools; a handle's Wait tracks the connection, not a
// process exit.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	vecenv "github.com/smnsjas/go-vecenv"
	"github.com/smnsjas/go-vecenv/protocol"
	"github.com/smnsjas/go-vecenv/transport"
	"github.com/smnsjas/go-vecenv/worker"
)

// ErrNoHosts is returned when a Launcher is built without worker hosts.
var ErrNoHosts = errors.New("remote: no worker hosts")

const (
	recvBuffer = 16

	// closeGrace bounds the close frame write during teardown.
	closeGrace = time.Second
)

// Conn adapts a WebSocket connection to transport.Conn.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	frames  chan *protocol.Message
	readErr error
	dead    chan struct{}

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewConn wraps an established WebSocket connection, which the Conn
// owns from here on.
func NewConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:     ws,
		frames: make(chan *protocol.Message, recvBuffer),
		dead:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.dead)
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			// A clean close is stream end, not a failure.
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = io.EOF
			}
			c.readErr = err
			close(c.frames)
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}

		msg, err := protocol.Unmarshal(data)
		if err != nil {
			c.readErr = err
			close(c.frames)
			return
		}

		select {
		case c.frames <- msg:
		case <-c.closed:
			return
		}
	}
}

// Send writes one message as a binary WebSocket message.
func (c *Conn) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("send %v: %w", msg.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("send %v: %w", msg.Type, err)
	}
	return nil
}

// Recv returns the next message from the connection.
func (c *Conn) Recv(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg, ok := <-c.frames:
		if !ok {
			return nil, c.readErr
		}
		return msg, nil
	case <-c.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close announces a clean close to the peer and tears the connection
// down. Safe to call multiple times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)

		deadline := time.Now().Add(closeGrace)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// Handler returns an http.Handler that turns each incoming WebSocket
// connection into one pool worker. The host must register the
// environment factories its pools will name before serving.
func Handler(opts ...worker.Option) http.Handler {
	upgrader := websocket.Upgrader{
		// Worker hosts are not browser-facing; reachability is the
		// deployment's access control.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied with an HTTP error.
			return
		}

		// The worker's lifetime is bound to the connection, not to the
		// request context of the handshake.
		wk := worker.New(NewConn(ws), opts...)
		_ = wk.Run(context.Background())
	})
}

// Launcher dials one WebSocket connection per worker.
type Launcher struct {
	// Dialer overrides the dialer. Nil means websocket.DefaultDialer.
	Dialer *websocket.Dialer

	urls []string
}

// NewLauncher returns a Launcher that spreads workers over the given
// URLs round robin. URLs use the ws or wss scheme and include the
// handler's path.
func NewLauncher(urls ...string) (*Launcher, error) {
	if len(urls) == 0 {
		return nil, ErrNoHosts
	}
	return &Launcher{urls: urls}, nil
}

// Launch dials the host for worker number index.
func (l *Launcher) Launch(ctx context.Context, index int) (transport.Conn, vecenv.Handle, error) {
	url := l.urls[index%len(l.urls)]
	dialer := l.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, nil, fmt.Errorf("dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, nil, fmt.Errorf("dial %s: %w", url, err)
	}

	conn := NewConn(ws)
	return conn, &wsHandle{conn: conn}, nil
}

// wsHandle follows a remote worker through its connection. The far
// process outlives the pool, so there is no exit status to report.
type wsHandle struct {
	conn *Conn
}

// Wait blocks until the connection is torn down, from either side.
func (h *wsHandle) Wait() error {
	select {
	case <-h.conn.dead:
	case <-h.conn.closed:
	}
	return nil
}

// Kill tears the connection down, which the remote worker observes as
// its cue to shut down.
func (h *wsHandle) Kill() error {
	return h.conn.Close()
}
