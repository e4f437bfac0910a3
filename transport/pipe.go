package transport

import (
	"context"
	"io"
	"sync"

	"github.com/smnsjas/go-vecenv/protocol"
)

// PipeConn is one end of an in-memory connection pair.
type PipeConn struct {
	out chan<- *protocol.Message
	in  <-chan *protocol.Message

	localDone chan struct{}
	peerDone  chan struct{}
	closeOnce sync.Once
}

// Pipe returns a connected pair of in-memory Conns. Messages sent on one
// end arrive at the other in order. Closing either end makes the peer's
// Recv return io.EOF once buffered messages are drained, mirroring a
// byte-stream connection.
func Pipe() (*PipeConn, *PipeConn) {
	ab := make(chan *protocol.Message, recvBuffer)
	ba := make(chan *protocol.Message, recvBuffer)
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	a := &PipeConn{out: ab, in: ba, localDone: aDone, peerDone: bDone}
	b := &PipeConn{out: ba, in: ab, localDone: bDone, peerDone: aDone}
	return a, b
}

// Send delivers one message to the peer.
func (p *PipeConn) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-p.localDone:
		return ErrClosed
	case <-p.peerDone:
		return ErrClosed
	default:
	}

	select {
	case p.out <- msg:
		return nil
	case <-p.localDone:
		return ErrClosed
	case <-p.peerDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next message from the peer. Messages sent before the
// peer closed are delivered before io.EOF.
func (p *PipeConn) Recv(ctx context.Context) (*protocol.Message, error) {
	// Buffered messages win over a concurrent close.
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}

	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.localDone:
		return nil, ErrClosed
	case <-p.peerDone:
		// Drain what the peer sent before closing.
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes this end. The peer's Recv drains and then returns io.EOF;
// the peer's Send returns ErrClosed.
func (p *PipeConn) Close() error {
	p.closeOnce.Do(func() {
		close(p.localDone)
	})
	return nil
}
