// Package worker implements the command loop that drives environments on
// behalf of a pool.
//
// A worker owns a contiguous group of environment slots. It receives
// commands over a transport.Conn, applies them to every owned
// environment in slot order, and replies with positionally aligned
// results. Workers are hosted in child processes by default (package
// subproc), as goroutines for address-space-safe environments, or behind
// a WebSocket server (package remote); the loop is identical in all
// three.
//
// # Lifecycle
//
// The first message must be Init, carrying the specs of the environments
// to construct. The worker builds them through the env registry and
// answers Ready, or answers Error and terminates. After the handshake
// the worker serves commands until Close, a fatal error, or the
// connection is torn down by the pool.
//
// # Episode Handling
//
// Environments auto-restart: when a step ends the episode for every
// agent, the worker resets the environment immediately and substitutes
// the fresh episode's observations into the step result. Callers always
// observe actionable states; rewards, done flags and info keep the
// values of the step that was actually taken.
//
// # Failure
//
// Any environment error, malformed payload, pool ID mismatch or
// unrecognized command is fatal: the worker sends Error (best effort)
// and terminates. A desynchronized channel cannot be trusted for any
// later exchange, so there is no per-command recovery.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/smnsjas/go-vecenv/env"
	"github.com/smnsjas/go-vecenv/protocol"
	"github.com/smnsjas/go-vecenv/transport"
)

// ErrProtocolViolation is returned when the pool violates the
// request/reply protocol.
var ErrProtocolViolation = errors.New("protocol violation")

// State represents the lifecycle state of a worker.
type State int

const (
	// StateRunning indicates the worker is serving commands.
	StateRunning State = iota
	// StateTerminated indicates the worker has shut down.
	StateTerminated
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Logger is an optional interface for debug logging.
// If not set, no logging is performed.
type Logger interface {
	// Printf formats and logs a debug message.
	Printf(format string, v ...interface{})
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger for debug logging. Workers hosted in child
// processes must log to stderr only; stdout carries the protocol.
func WithLogger(logger Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// Worker drives a group of environments from commands received over a
// connection.
type Worker struct {
	mu sync.RWMutex

	conn   transport.Conn
	poolID uuid.UUID
	envs   []env.Environment
	state  State

	logger Logger
}

// New creates a worker over the given connection. The worker owns the
// connection from here on and closes it when it terminates.
func New(conn transport.Conn, opts ...Option) *Worker {
	w := &Worker{
		conn:  conn,
		state: StateRunning,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// PoolID returns the pool this worker belongs to. It is the zero UUID
// until the Init handshake completes.
func (w *Worker) PoolID() uuid.UUID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.poolID
}

// Run performs the Init handshake and serves commands until Close, a
// fatal error, or connection teardown. It returns nil on a clean
// shutdown, including the pool closing the connection without a Close
// command.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.handshake(ctx); err != nil {
		return err
	}
	return w.serve(ctx)
}

// handshake consumes the Init message and constructs the environments.
func (w *Worker) handshake(ctx context.Context) error {
	msg, err := w.conn.Recv(ctx)
	if err != nil {
		w.terminate()
		_ = w.conn.Close()
		return fmt.Errorf("receive init: %w", err)
	}

	if msg.Type != protocol.MessageTypeInit {
		return w.fail(ctx, msg.PoolID,
			fmt.Errorf("%w: expected Init, got %v", ErrProtocolViolation, msg.Type))
	}

	var p protocol.InitPayload
	if err := msg.Unmarshal(&p); err != nil {
		return w.fail(ctx, msg.PoolID, err)
	}
	if len(p.Specs) == 0 {
		return w.fail(ctx, msg.PoolID,
			fmt.Errorf("%w: init carries no environment specs", ErrProtocolViolation))
	}

	envs := make([]env.Environment, 0, len(p.Specs))
	for i, spec := range p.Specs {
		e, err := env.New(spec)
		if err != nil {
			for _, built := range envs {
				_ = built.Close()
			}
			return w.fail(ctx, msg.PoolID, fmt.Errorf("slot %d: %w", i, err))
		}
		envs = append(envs, e)
	}

	w.mu.Lock()
	w.poolID = msg.PoolID
	w.envs = envs
	w.mu.Unlock()

	ready, err := protocol.NewReady(msg.PoolID)
	if err != nil {
		return w.fail(ctx, msg.PoolID, err)
	}
	if err := w.conn.Send(ctx, ready); err != nil {
		w.closeEnvs()
		w.terminate()
		_ = w.conn.Close()
		return fmt.Errorf("send ready: %w", err)
	}

	w.logf("ready with %d environment(s)", len(envs))
	return nil
}

// serve dispatches commands until the worker terminates.
func (w *Worker) serve(ctx context.Context) error {
	for {
		msg, err := w.conn.Recv(ctx)
		if err != nil {
			closeErr := w.closeEnvs()
			_ = w.conn.Close()
			w.terminate()
			if errors.Is(err, io.EOF) {
				// The pool tore the connection down; exit the way a
				// child process dies with its parent.
				w.logf("connection closed, exiting")
				return closeErr
			}
			return fmt.Errorf("receive command: %w", err)
		}

		if msg.PoolID != w.poolID {
			return w.fail(ctx, w.poolID,
				fmt.Errorf("%w: pool ID mismatch: got %s, want %s", ErrProtocolViolation, msg.PoolID, w.poolID))
		}

		switch msg.Type {
		case protocol.MessageTypeStep:
			err = w.handleStep(ctx, msg)
		case protocol.MessageTypeReset:
			err = w.handleReset(ctx)
		case protocol.MessageTypeResetTask:
			err = w.handleResetTask(ctx)
		case protocol.MessageTypeRender:
			err = w.handleRender(ctx, msg)
		case protocol.MessageTypeGetSpaces:
			err = w.handleGetSpaces(ctx)
		case protocol.MessageTypeClose:
			w.logf("close requested")
			closeErr := w.closeEnvs()
			_ = w.conn.Close()
			w.terminate()
			return closeErr
		default:
			err = fmt.Errorf("%w: unrecognized message type %v", ErrProtocolViolation, msg.Type)
		}

		if err != nil {
			return w.fail(ctx, w.poolID, err)
		}
	}
}

// handleStep steps every environment, auto-restarting finished episodes.
func (w *Worker) handleStep(ctx context.Context, msg *protocol.Message) error {
	var p protocol.StepPayload
	if err := msg.Unmarshal(&p); err != nil {
		return err
	}
	if len(p.Actions) != len(w.envs) {
		return fmt.Errorf("%w: got %d actions for %d environments", ErrProtocolViolation, len(p.Actions), len(w.envs))
	}

	results := make([]env.StepResult, len(w.envs))
	for i, e := range w.envs {
		res, err := e.Step(p.Actions[i])
		if err != nil {
			return fmt.Errorf("step environment %d: %w", i, err)
		}

		if res.Done.All() {
			// Episode over for every agent: restart in place and hand
			// the caller the fresh episode's observable state. Rewards,
			// done flags and info keep the terminal step's values.
			fresh, err := e.Reset()
			if err != nil {
				return fmt.Errorf("restart environment %d: %w", i, err)
			}
			res.Obs = fresh.Obs
			res.SharedObs = fresh.SharedObs
			res.AvailableActions = fresh.AvailableActions
		}
		results[i] = *res
	}

	reply, err := protocol.NewStepReply(w.poolID, results)
	if err != nil {
		return err
	}
	return w.conn.Send(ctx, reply)
}

// handleReset resets every environment.
func (w *Worker) handleReset(ctx context.Context) error {
	results := make([]env.ResetResult, len(w.envs))
	for i, e := range w.envs {
		res, err := e.Reset()
		if err != nil {
			return fmt.Errorf("reset environment %d: %w", i, err)
		}
		results[i] = *res
	}

	reply, err := protocol.NewResetReply(w.poolID, results)
	if err != nil {
		return err
	}
	return w.conn.Send(ctx, reply)
}

// handleResetTask re-randomizes every environment's task. All owned
// environments must support task resets.
func (w *Worker) handleResetTask(ctx context.Context) error {
	obs := make([][][]float64, len(w.envs))
	for i, e := range w.envs {
		tr, ok := e.(env.TaskResetter)
		if !ok {
			return fmt.Errorf("environment %d does not support task resets", i)
		}
		o, err := tr.ResetTask()
		if err != nil {
			return fmt.Errorf("reset task of environment %d: %w", i, err)
		}
		obs[i] = o
	}

	reply, err := protocol.NewTaskReply(w.poolID, obs)
	if err != nil {
		return err
	}
	return w.conn.Send(ctx, reply)
}

// handleRender renders every environment. Only rgb_array mode produces
// a reply; human mode renders on the worker side and sends nothing, and
// unknown modes render nothing and send nothing.
func (w *Worker) handleRender(ctx context.Context, msg *protocol.Message) error {
	var p protocol.RenderPayload
	if err := msg.Unmarshal(&p); err != nil {
		return err
	}

	switch p.Mode {
	case env.ModeRGBArray:
		frames := make([]env.Frame, len(w.envs))
		for i, e := range w.envs {
			r, ok := e.(env.Renderer)
			if !ok {
				return fmt.Errorf("environment %d cannot render", i)
			}
			f, err := r.Render(p.Mode)
			if err != nil {
				return fmt.Errorf("render environment %d: %w", i, err)
			}
			if f == nil {
				return fmt.Errorf("environment %d returned no frame", i)
			}
			frames[i] = *f
		}

		reply, err := protocol.NewFrameReply(w.poolID, frames)
		if err != nil {
			return err
		}
		return w.conn.Send(ctx, reply)

	case env.ModeHuman:
		for i, e := range w.envs {
			r, ok := e.(env.Renderer)
			if !ok {
				continue
			}
			if _, err := r.Render(p.Mode); err != nil {
				return fmt.Errorf("render environment %d: %w", i, err)
			}
		}
		return nil

	default:
		// Unknown modes render nothing and reply nothing.
		w.logf("ignoring render mode %q", p.Mode)
		return nil
	}
}

// handleGetSpaces replies with the first environment's descriptors.
func (w *Worker) handleGetSpaces(ctx context.Context) error {
	first := w.envs[0]
	reply, err := protocol.NewSpacesReply(w.poolID,
		first.ObservationSpace(), first.SharedObservationSpace(), first.ActionSpace())
	if err != nil {
		return err
	}
	return w.conn.Send(ctx, reply)
}

// fail reports a fatal error to the pool and terminates. The error reply
// is best effort: the connection may already be gone.
func (w *Worker) fail(ctx context.Context, poolID uuid.UUID, cause error) error {
	w.logf("fatal: %v", cause)

	if msg, err := protocol.NewError(poolID, cause); err == nil {
		_ = w.conn.Send(ctx, msg)
	}
	_ = w.closeEnvs()
	_ = w.conn.Close()
	w.terminate()
	return cause
}

// closeEnvs closes every environment, keeping the first error.
func (w *Worker) closeEnvs() error {
	w.mu.Lock()
	envs := w.envs
	w.envs = nil
	w.mu.Unlock()

	var first error
	for i, e := range envs {
		if err := e.Close(); err != nil {
			w.logf("close environment %d: %v", i, err)
			if first == nil {
				first = fmt.Errorf("close environment %d: %w", i, err)
			}
		}
	}
	return first
}

func (w *Worker) terminate() {
	w.mu.Lock()
	w.state = StateTerminated
	w.mu.Unlock()
}

// logf logs a debug message if a logger is configured.
func (w *Worker) logf(format string, v ...interface{}) {
	w.mu.RLock()
	logger := w.logger
	w.mu.RUnlock()

	if logger != nil {
		logger.Printf(format, v...)
	}
}
