// Package transport provides bidirectional message channels between the
// pool and its workers.
//
// A Conn carries protocol messages in FIFO order per direction. There is
// no cross-connection ordering: the pool recovers batch order by reading
// its workers in a fixed sequence, not by transport guarantees.
//
// Two implementations live here: StreamConn runs the frame codec over a
// byte stream (child process stdio, sockets), and Pipe returns an
// in-memory pair for same-process workers and tests.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/smnsjas/go-vecenv/protocol"
)

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("connection closed")

// recvBuffer is the number of inbound messages buffered per connection.
// The protocol is lockstep request/reply, so a handful is plenty.
const recvBuffer = 16

// Conn is a bidirectional message channel between the pool and one worker.
//
// Send and Recv are safe for concurrent use. Close is idempotent and
// never blocks on the peer.
type Conn interface {
	// Send writes one message. It returns ErrClosed after Close.
	Send(ctx context.Context, msg *protocol.Message) error

	// Recv blocks until the next message arrives. After the peer closes
	// its end, Recv drains any messages already received and then
	// returns io.EOF.
	Recv(ctx context.Context) (*protocol.Message, error)

	// Close tears the connection down. The peer observes io.EOF.
	Close() error
}

// StreamConn runs the frame codec over a byte stream.
//
// A background goroutine reads frames into a buffered channel so that
// Recv can honor context cancellation. Frames received before a read
// error are always delivered before the error is surfaced.
type StreamConn struct {
	reader io.Reader
	writer io.Writer

	writeMu sync.Mutex // serializes frame writes

	frames  chan *protocol.Message
	readErr error // set by readLoop before frames is closed

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewStreamConn creates a connection over separate read and write
// streams, typically the two ends of a child process's stdio. Close
// closes both streams if they implement io.Closer.
func NewStreamConn(r io.Reader, w io.Writer) *StreamConn {
	s := &StreamConn{
		reader: r,
		writer: w,
		frames: make(chan *protocol.Message, recvBuffer),
		closed: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// readLoop reads frames from the stream until an error. The error is
// stored before the channel close so Recv observes it after draining.
func (s *StreamConn) readLoop() {
	for {
		msg, err := protocol.ReadFrame(s.reader)
		if err != nil {
			s.readErr = err
			close(s.frames)
			return
		}

		select {
		case s.frames <- msg:
		case <-s.closed:
			return
		}
	}
}

// Send writes one message to the stream.
func (s *StreamConn) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := protocol.WriteFrame(s.writer, msg); err != nil {
		return fmt.Errorf("send %v: %w", msg.Type, err)
	}
	return nil
}

// Recv returns the next message from the stream.
func (s *StreamConn) Recv(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg, ok := <-s.frames:
		if !ok {
			return nil, s.readErr
		}
		return msg, nil
	case <-s.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the underlying streams. The peer observes EOF on its
// reader. Safe to call multiple times.
func (s *StreamConn) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		if wc, ok := s.writer.(io.Closer); ok {
			s.closeErr = wc.Close()
		}
		if rc, ok := s.reader.(io.Closer); ok {
			wc, sameAsWriter := s.writer.(io.Closer)
			if !sameAsWriter || rc != wc {
				if err := rc.Close(); err != nil && s.closeErr == nil {
					s.closeErr = err
				}
			}
		}
	})
	return s.closeErr
}
