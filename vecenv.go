package vecenv

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-vecenv/env"
	"github.com/smnsjas/go-vecenv/protocol"
	"github.com/smnsjas/go-vecenv/spaces"
	"github.com/smnsjas/go-vecenv/transport"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed pool.
	ErrClosed = errors.New("pool is closed")
	// ErrBroken is returned when the pool is in a broken state.
	ErrBroken = errors.New("pool is broken")
	// ErrStepPending is returned when an operation requires the previous
	// step's results to be collected first.
	ErrStepPending = errors.New("step results not yet collected")
	// ErrNoStepPending is returned when StepWait is called with no step
	// in flight.
	ErrNoStepPending = errors.New("no step in flight")
	// ErrInvalidState is returned when an operation is attempted in an
	// invalid state.
	ErrInvalidState = errors.New("invalid pool state")
	// ErrProtocolViolation is returned when a worker violates the
	// request/reply protocol.
	ErrProtocolViolation = errors.New("protocol violation")
)

// Logger is an optional interface for debug logging.
// If not set, no logging is performed.
type Logger interface {
	// Printf formats and logs a debug message.
	Printf(format string, v ...interface{})
}

// State represents the current state of a Manager.
type State int

const (
	// StateIdle indicates the pool is ready for a command.
	StateIdle State = iota
	// StateAwaitingStep indicates actions were sent and results are not
	// yet collected.
	StateAwaitingStep
	// StateClosed indicates the pool is closed and cannot be reused.
	StateClosed
	// StateBroken indicates a worker failed and the pool cannot be reused.
	StateBroken
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingStep:
		return "AwaitingStep"
	case StateClosed:
		return "Closed"
	case StateBroken:
		return "Broken"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithWorkers sets the number of workers the slots are partitioned over.
// Values below one or above the slot count are clamped; the default is
// one worker per slot.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		m.numWorkers = n
	}
}

// WithLogger sets the logger for debug logging.
func WithLogger(logger Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithStepTimeout bounds each wait for a step reply. A worker that does
// not reply in time breaks the pool. Zero, the default, waits
// indefinitely.
func WithStepTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.stepTimeout = d
	}
}

// workerLink is the pool's view of one launched worker and the
// contiguous slot range it owns.
type workerLink struct {
	conn   transport.Conn
	handle Handle
	first  int
	slots  int
}

// Manager drives a pool of environments partitioned over workers.
//
// Methods are safe for concurrent use; commands are serialized, so a
// blocked StepWait delays other commands (but not the ID, State or
// space accessors).
type Manager struct {
	// opMu serializes commands so misuse surfaces as state errors
	// rather than interleaved writes on the worker connections.
	opMu sync.Mutex
	mu   sync.RWMutex

	// Core fields
	id      uuid.UUID
	state   State
	workers []*workerLink
	numEnvs int

	// Configuration
	numWorkers  int
	stepTimeout time.Duration

	// Space descriptors cached from the first worker.
	obsSpace       spaces.Space
	sharedObsSpace spaces.Space
	actionSpace    spaces.Space

	// Debug logging
	logger Logger

	// Lifecycle
	cleanupOnce  sync.Once
	cleanupError error
}

// New launches one worker per partition, hands each its environment
// specs and waits until every worker is ready. The context covers
// construction only; a failure on any worker kills the ones already
// launched.
func New(ctx context.Context, launcher Launcher, specs []env.Spec, opts ...Option) (*Manager, error) {
	if launcher == nil {
		return nil, errors.New("vecenv: launcher is nil")
	}
	if len(specs) == 0 {
		return nil, errors.New("vecenv: no environment specs")
	}

	m := &Manager{
		id:      uuid.New(),
		state:   StateIdle,
		numEnvs: len(specs),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.numWorkers < 1 {
		m.numWorkers = len(specs)
	}
	if m.numWorkers > len(specs) {
		m.numWorkers = len(specs)
	}

	counts := partition(len(specs), m.numWorkers)

	// Launch every worker and send its Init before collecting any Ready,
	// so the workers construct their environments concurrently.
	first := 0
	for i, count := range counts {
		conn, handle, err := launcher.Launch(ctx, i)
		if err != nil {
			m.cleanup(StateBroken, err)
			return nil, fmt.Errorf("launch worker %d: %w", i, err)
		}
		m.workers = append(m.workers, &workerLink{
			conn:   conn,
			handle: handle,
			first:  first,
			slots:  count,
		})

		msg, err := protocol.NewInit(m.id, specs[first:first+count])
		if err != nil {
			m.cleanup(StateBroken, err)
			return nil, fmt.Errorf("init worker %d: %w", i, err)
		}
		if err := m.workers[i].conn.Send(ctx, msg); err != nil {
			m.cleanup(StateBroken, err)
			return nil, fmt.Errorf("init worker %d: %w", i, err)
		}
		first += count
	}

	for i, link := range m.workers {
		if _, err := m.recvReply(ctx, link, protocol.MessageTypeReady); err != nil {
			m.cleanup(StateBroken, err)
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
	}

	if err := m.fetchSpaces(ctx); err != nil {
		m.cleanup(StateBroken, err)
		return nil, err
	}

	m.logf("pool %s: %d environment(s) across %d worker(s)", m.id, m.numEnvs, len(m.workers))
	return m, nil
}

// partition splits n slots over p workers as evenly as possible. The
// first n%p workers take one extra slot, so every slot is owned.
func partition(n, p int) []int {
	counts := make([]int, p)
	base, extra := n/p, n%p
	for i := range counts {
		counts[i] = base
		if i < extra {
			counts[i]++
		}
	}
	return counts
}

// fetchSpaces caches the space descriptors of the first worker's first
// environment. Every environment in a pool shares them.
func (m *Manager) fetchSpaces(ctx context.Context) error {
	msg, err := protocol.NewGetSpaces(m.id)
	if err != nil {
		return fmt.Errorf("query spaces: %w", err)
	}
	if err := m.workers[0].conn.Send(ctx, msg); err != nil {
		return fmt.Errorf("query spaces: %w", err)
	}

	reply, err := m.recvReply(ctx, m.workers[0], protocol.MessageTypeSpacesReply)
	if err != nil {
		return fmt.Errorf("query spaces: %w", err)
	}
	var p protocol.SpacesReplyPayload
	if err := reply.Unmarshal(&p); err != nil {
		return fmt.Errorf("query spaces: %w", err)
	}

	m.obsSpace = p.Observation
	m.sharedObsSpace = p.SharedObservation
	m.actionSpace = p.Action
	return nil
}

// EnableDebugLogging enables debug logging to stderr using the standard
// log package.
func (m *Manager) EnableDebugLogging() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = log.New(os.Stderr, "[vecenv] ", log.LstdFlags)
}

// ID returns the unique identifier of the pool.
func (m *Manager) ID() uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.id
}

// State returns the current state of the pool.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// NumEnvs returns the number of environment slots.
func (m *Manager) NumEnvs() int {
	return m.numEnvs
}

// NumWorkers returns the number of workers the slots are partitioned over.
func (m *Manager) NumWorkers() int {
	return len(m.workers)
}

// ObservationSpace describes one agent's observation rows.
func (m *Manager) ObservationSpace() spaces.Space {
	return m.obsSpace
}

// SharedObservationSpace describes one agent's shared observation rows.
func (m *Manager) SharedObservationSpace() spaces.Space {
	return m.sharedObsSpace
}

// ActionSpace describes one agent's action rows.
func (m *Manager) ActionSpace() spaces.Space {
	return m.actionSpace
}

// Reset starts a fresh episode in every slot and returns the batched
// initial state. A step still in flight is collected and discarded
// first, so Reset is legal in both Idle and AwaitingStep.
func (m *Manager) Reset(ctx context.Context) (*ResetBatch, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	switch m.State() {
	case StateIdle:
	case StateAwaitingStep:
		// The step replies are already on their way; pull them off the
		// wire so the connections stay synchronized, then restart.
		waitCtx, cancel := m.stepCtx(ctx)
		err := m.drainPending(waitCtx)
		cancel()
		if err != nil {
			m.cleanup(StateBroken, err)
			return nil, err
		}
		m.setState(StateIdle)
	case StateClosed:
		return nil, ErrClosed
	case StateBroken:
		return nil, m.brokenErr()
	}

	for i, link := range m.workers {
		msg, err := protocol.NewReset(m.id)
		if err != nil {
			m.cleanup(StateBroken, err)
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
		if err := link.conn.Send(ctx, msg); err != nil {
			m.cleanup(StateBroken, err)
			return nil, fmt.Errorf("send reset to worker %d: %w", i, err)
		}
	}

	results := make([]env.ResetResult, 0, m.numEnvs)
	for i, link := range m.workers {
		msg, err := m.recvReply(ctx, link, protocol.MessageTypeResetReply)
		if err != nil {
			m.cleanup(StateBroken, err)
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
		var p protocol.ResetReplyPayload
		if err := msg.Unmarshal(&p); err != nil {
			m.cleanup(StateBroken, err)
			return nil, fmt.Errorf("worker %d reset reply: %w", i, err)
		}
		if len(p.Results) != link.slots {
			err := fmt.Errorf("%w: worker %d replied %d results for %d slots",
				ErrProtocolViolation, i, len(p.Results), link.slots)
			m.cleanup(StateBroken, err)
			return nil, err
		}
		results = append(results, p.Results...)
	}

	return &ResetBatch{results: results}, nil
}

// StepAsync sends one action per slot to the workers and returns without
// waiting for results. Exactly one StepWait must follow. The action
// count must match NumEnvs; a mismatch is reported before anything is
// sent and leaves the pool usable.
func (m *Manager) StepAsync(ctx context.Context, actions []env.Action) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.checkIdle(); err != nil {
		return err
	}
	if len(actions) != m.numEnvs {
		return fmt.Errorf("got %d actions for %d environments", len(actions), m.numEnvs)
	}

	for i, link := range m.workers {
		msg, err := protocol.NewStep(m.id, actions[link.first:link.first+link.slots])
		if err != nil {
			m.cleanup(StateBroken, err)
			return fmt.Errorf("worker %d: %w", i, err)
		}
		if err := link.conn.Send(ctx, msg); err != nil {
			m.cleanup(StateBroken, err)
			return fmt.Errorf("send step to worker %d: %w", i, err)
		}
	}

	m.setState(StateAwaitingStep)
	return nil
}

// StepWait collects the results of the actions sent by the previous
// StepAsync and returns them batched in slot order. It blocks until
// every worker has replied, bounded per reply by WithStepTimeout.
func (m *Manager) StepWait(ctx context.Context) (*StepBatch, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	switch m.State() {
	case StateAwaitingStep:
	case StateIdle:
		return nil, ErrNoStepPending
	case StateClosed:
		return nil, ErrClosed
	case StateBroken:
		return nil, m.brokenErr()
	}

	// Collect replies in worker order, never first-come. Joining the
	// per-worker results concatenates contiguous slot ranges, which is
	// what keeps the batch aligned with slots.
	results := make([]env.StepResult, 0, m.numEnvs)
	for i, link := range m.workers {
		waitCtx, cancel := m.stepCtx(ctx)
		msg, err := m.recvReply(waitCtx, link, protocol.MessageTypeStepReply)
		cancel()
		if err != nil {
			m.cleanup(StateBroken, err)
			return nil, fmt.Errorf("wait for worker %d: %w", i, err)
		}
		var p protocol.StepReplyPayload
		if err := msg.Unmarshal(&p); err != nil {
			m.cleanup(StateBroken, err)
			return nil, fmt.Errorf("worker %d step reply: %w", i, err)
		}
		if len(p.Results) != link.slots {
			err := fmt.Errorf("%w: worker %d replied %d results for %d slots",
				ErrProtocolViolation, i, len(p.Results), link.slots)
			m.cleanup(StateBroken, err)
			return nil, err
		}
		results = append(results, p.Results...)
	}

	m.setState(StateIdle)
	return &StepBatch{results: results}, nil
}

// Step sends one action per slot and waits for the batched results. It
// is StepAsync followed by StepWait for callers with no work to overlap.
func (m *Manager) Step(ctx context.Context, actions []env.Action) (*StepBatch, error) {
	if err := m.StepAsync(ctx, actions); err != nil {
		return nil, err
	}
	return m.StepWait(ctx)
}

// ResetTask re-randomizes the task of every slot and returns the
// per-slot observation matrices of the new tasks' initial states. Every
// environment in the pool must support task resets.
func (m *Manager) ResetTask(ctx context.Context) ([][][]float64, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.checkIdle(); err != nil {
		return nil, err
	}

	for i, link := range m.workers {
		msg, err := protocol.NewResetTask(m.id)
		if err != nil {
			m.cleanup(StateBroken, err)
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
		if err := link.conn.Send(ctx, msg); err != nil {
			m.cleanup(StateBroken, err)
			return nil, fmt.Errorf("send task reset to worker %d: %w", i, err)
		}
	}

	obs := make([][][]float64, 0, m.numEnvs)
	for i, link := range m.workers {
		msg, err := m.recvReply(ctx, link, protocol.MessageTypeTaskReply)
		if err != nil {
			m.cleanup(StateBroken, err)
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
		var p protocol.TaskReplyPayload
		if err := msg.Unmarshal(&p); err != nil {
			m.cleanup(StateBroken, err)
			return nil, fmt.Errorf("worker %d task reply: %w", i, err)
		}
		if len(p.Obs) != link.slots {
			err := fmt.Errorf("%w: worker %d replied %d results for %d slots",
				ErrProtocolViolation, i, len(p.Obs), link.slots)
			m.cleanup(StateBroken, err)
			return nil, err
		}
		obs = append(obs, p.Obs...)
	}

	return obs, nil
}

// Render renders every slot. ModeRGBArray returns one frame per slot;
// ModeHuman displays on the worker side and returns no frames. Other
// modes are rejected here rather than sent to the workers.
func (m *Manager) Render(ctx context.Context, mode env.RenderMode) ([]env.Frame, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if mode != env.ModeRGBArray && mode != env.ModeHuman {
		return nil, fmt.Errorf("unsupported render mode %q", mode)
	}
	if err := m.checkIdle(); err != nil {
		return nil, err
	}

	for i, link := range m.workers {
		msg, err := protocol.NewRender(m.id, mode)
		if err != nil {
			m.cleanup(StateBroken, err)
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
		if err := link.conn.Send(ctx, msg); err != nil {
			m.cleanup(StateBroken, err)
			return nil, fmt.Errorf("send render to worker %d: %w", i, err)
		}
	}

	if mode == env.ModeHuman {
		return nil, nil
	}

	frames := make([]env.Frame, 0, m.numEnvs)
	for i, link := range m.workers {
		msg, err := m.recvReply(ctx, link, protocol.MessageTypeFrameReply)
		if err != nil {
			m.cleanup(StateBroken, err)
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
		var p protocol.FrameReplyPayload
		if err := msg.Unmarshal(&p); err != nil {
			m.cleanup(StateBroken, err)
			return nil, fmt.Errorf("worker %d frame reply: %w", i, err)
		}
		if len(p.Frames) != link.slots {
			err := fmt.Errorf("%w: worker %d replied %d frames for %d slots",
				ErrProtocolViolation, i, len(p.Frames), link.slots)
			m.cleanup(StateBroken, err)
			return nil, err
		}
		frames = append(frames, p.Frames...)
	}

	return frames, nil
}

// Close shuts the workers down and releases the pool. A step still in
// flight is collected and discarded first; if that collection fails the
// workers are torn down without being joined and the failure is
// returned. Close is idempotent and returns nil on a pool that is
// already closed or broken.
func (m *Manager) Close() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	switch m.State() {
	case StateClosed, StateBroken:
		return nil
	case StateAwaitingStep:
		waitCtx, cancel := m.stepCtx(context.Background())
		err := m.drainPending(waitCtx)
		cancel()
		if err != nil {
			// A worker that cannot clear its step will not answer a
			// close command either, so joining it would block forever.
			m.cleanup(StateBroken, err)
			return err
		}
	}

	ctx := context.Background()
	for i, link := range m.workers {
		msg, err := protocol.NewClose(m.id)
		if err != nil {
			m.logf("close worker %d: %v", i, err)
			continue
		}
		// Send errors are logged, not returned: the worker may already
		// be gone, and teardown below reaps it either way.
		if err := link.conn.Send(ctx, msg); err != nil {
			m.logf("close worker %d: %v", i, err)
		}
	}

	// The connections close before the joins so a worker that never
	// reads the close command still sees EOF and exits.
	for _, link := range m.workers {
		_ = link.conn.Close()
	}

	var firstErr error
	for i, link := range m.workers {
		if err := link.handle.Wait(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("worker %d: %w", i, err)
		}
	}

	m.cleanup(StateClosed, nil)
	return firstErr
}

// drainPending receives and discards the step replies still in flight so
// the connections are synchronized again. Caller holds opMu and has
// checked the state is AwaitingStep.
func (m *Manager) drainPending(ctx context.Context) error {
	for i, link := range m.workers {
		if _, err := m.recvReply(ctx, link, protocol.MessageTypeStepReply); err != nil {
			return fmt.Errorf("discard step reply of worker %d: %w", i, err)
		}
	}
	return nil
}

// recvReply receives one message from a worker and checks it against the
// expected reply type. A worker Error reply comes back as an error
// carrying the worker's message.
func (m *Manager) recvReply(ctx context.Context, link *workerLink, want protocol.MessageType) (*protocol.Message, error) {
	msg, err := link.conn.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if msg.PoolID != m.id {
		return nil, fmt.Errorf("%w: reply for pool %s, want %s", ErrProtocolViolation, msg.PoolID, m.id)
	}
	if msg.Type == protocol.MessageTypeError {
		var p protocol.ErrorPayload
		if err := msg.Unmarshal(&p); err != nil {
			return nil, fmt.Errorf("%w: undecodable error reply: %v", ErrProtocolViolation, err)
		}
		return nil, fmt.Errorf("worker failed: %s", p.Message)
	}
	if msg.Type != want {
		return nil, fmt.Errorf("%w: expected %v, got %v", ErrProtocolViolation, want, msg.Type)
	}
	return msg, nil
}

// stepCtx bounds a step reply wait with the configured timeout.
func (m *Manager) stepCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.stepTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.stepTimeout)
}

// checkIdle verifies the pool can accept a new command. Caller holds opMu.
func (m *Manager) checkIdle() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch m.state {
	case StateIdle:
		return nil
	case StateAwaitingStep:
		return ErrStepPending
	case StateClosed:
		return ErrClosed
	case StateBroken:
		if m.cleanupError != nil {
			return fmt.Errorf("%w: %v", ErrBroken, m.cleanupError)
		}
		return ErrBroken
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, m.state)
	}
}

// brokenErr returns ErrBroken wrapped around the cause of the breakdown.
func (m *Manager) brokenErr() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cleanupError != nil {
		return fmt.Errorf("%w: %v", ErrBroken, m.cleanupError)
	}
	return ErrBroken
}

// setState transitions to a new state.
func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// cleanup tears the workers down and moves the pool to its end state.
// The first call wins, whether for an error or a clean close; later
// calls are no-ops.
func (m *Manager) cleanup(endState State, cause error) {
	m.cleanupOnce.Do(func() {
		m.mu.Lock()
		m.state = endState
		m.cleanupError = cause
		m.mu.Unlock()

		if cause != nil {
			m.logf("pool %s broken: %v", m.id, cause)
		}
		for _, link := range m.workers {
			_ = link.conn.Close()
			_ = link.handle.Kill()
		}
	})
}

// logf logs a debug message if a logger is configured.
func (m *Manager) logf(format string, v ...interface{}) {
	m.mu.RLock()
	logger := m.logger
	m.mu.RUnlock()

	if logger != nil {
		logger.Printf(format, v...)
	}
}
