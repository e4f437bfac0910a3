// Package vecenv runs a pool of simulation environments in lockstep.
//
// A Manager owns a fixed number of environment slots and partitions them
// over workers, each worker driving a contiguous slot range from its own
// process, goroutine or remote host. Commands fan out to every worker
// and results join back in slot order, so callers see one batched
// environment regardless of how the slots are hosted.
//
// # Architecture
//
// The library is organized into layers:
//
//   - Manager/StepBatch/ResetBatch: High-level API for driving the pool
//   - env: Environment contract and the factory registry
//   - spaces: Observation and action space descriptors
//   - protocol: Message type definitions and frame encoding
//   - transport: Connection implementations (byte stream, in-memory pipe)
//   - worker: Command loop hosting the environments
//   - subproc, remote: Workers in child processes and behind WebSockets
//
// # State Machine
//
// The Manager follows a strict state machine:
//
//	Idle → AwaitingStep → Idle → … → Closed
//	  ↓         ↓
//	  └──→ Broken ←┘
//
// State transitions:
//   - Idle: Ready for a command
//   - AwaitingStep: StepAsync sent actions, replies not yet collected
//   - Closed: Close completed, the pool cannot be reused
//   - Broken: A worker failed or desynchronized, the pool cannot be reused
//
// Commands issued in the wrong state fail with typed errors
// (ErrStepPending, ErrNoStepPending, ErrClosed, ErrBroken) instead of
// desynchronizing the workers.
//
// # Stepping
//
// Stepping is split in two phases so callers can overlap their own work
// with the simulation:
//
//  1. StepAsync sends one action per slot to the workers
//  2. StepWait collects one result per slot, blocking until every worker
//     has replied
//
// Step combines both for callers with nothing to overlap. Replies are
// collected per worker in worker order, never first-come, which is what
// keeps results aligned with slots.
//
// # Basic Usage
//
//	pool, err := vecenv.New(ctx, vecenv.InProcess(), specs,
//	    vecenv.WithWorkers(4))
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	reset, err := pool.Reset(ctx)
//	if err != nil {
//	    return err
//	}
//	actions := policy(reset.Observations())
//	for i := 0; i < steps; i++ {
//	    batch, err := pool.Step(ctx, actions)
//	    if err != nil {
//	        return err
//	    }
//	    actions = policy(batch.Observations())
//	}
//
// Environments are named through the env registry and constructed inside
// the worker, so a spec can cross a process boundary. See package
// subproc for hosting workers in child processes and package remote for
// hosting them behind a WebSocket server.
package vecenv

// Version is the library version.
const Version = "0.1.0-dev"
