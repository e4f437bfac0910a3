package vecenv

import (
	"context"

	"github.com/smnsjas/go-vecenv/transport"
	"github.com/smnsjas/go-vecenv/worker"
)

// Launcher starts the workers a pool is built on. Implementations decide
// where a worker runs; the Manager only sees the resulting connection.
type Launcher interface {
	// Launch starts worker number index and returns the pool side of its
	// connection together with a handle on its lifetime. The context
	// covers the launch itself, not the worker's lifetime.
	Launch(ctx context.Context, index int) (transport.Conn, Handle, error)
}

// Handle follows a launched worker's lifetime.
type Handle interface {
	// Wait blocks until the worker has exited and returns its error.
	Wait() error

	// Kill terminates the worker without a shutdown handshake. It is
	// safe to call after the worker has already exited.
	Kill() error
}

// InProcess returns a Launcher that runs each worker as a goroutine
// connected through an in-memory pipe. Environments share the pool's
// address space, so this suits environments that are cheap to step or
// awkward to re-register in a child process; it offers no crash
// isolation.
func InProcess(opts ...worker.Option) Launcher {
	return &inProcessLauncher{opts: opts}
}

type inProcessLauncher struct {
	opts []worker.Option
}

func (l *inProcessLauncher) Launch(_ context.Context, _ int) (transport.Conn, Handle, error) {
	poolSide, workerSide := transport.Pipe()
	w := worker.New(workerSide, l.opts...)

	h := &goroutineHandle{
		conn: poolSide,
		done: make(chan struct{}),
	}
	go func() {
		// The worker's lifetime is bound to its connection, not to the
		// launch context: it exits on Close or connection teardown.
		h.err = w.Run(context.Background())
		close(h.done)
	}()
	return poolSide, h, nil
}

// goroutineHandle follows a worker goroutine started by InProcess.
type goroutineHandle struct {
	conn transport.Conn
	done chan struct{}
	err  error
}

// Wait blocks until the worker goroutine returns.
func (h *goroutineHandle) Wait() error {
	<-h.done
	return h.err
}

// Kill tears the connection down, which the worker observes as EOF.
func (h *goroutineHandle) Kill() error {
	return h.conn.Close()
}
