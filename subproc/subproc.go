// Package subproc hosts pool workers in child processes.
//
// This is the default worker host: environments get address-space
// isolation, a crashed simulation takes down one worker rather than the
// pool, and the operating system reclaims everything when the child
// exits. The child speaks the frame protocol on stdin and stdout;
// stderr passes through for logs.
//
// A pool binary doubles as its own worker binary. SelfExec re-executes
// the running binary with a marker in the environment, and a RunWorker
// call guarded by IsWorker near the top of main turns the child into a
// worker before any of the host's own setup runs:
//
//	func main() {
//	    if subproc.IsWorker() {
//	        myenv.Register()
//	        if err := subproc.RunWorker(); err != nil {
//	            log.Fatal(err)
//	        }
//	        return
//	    }
//	    // regular pool-side main
//	}
//
// Environment factories are resolved by name inside the child, so both
// sides must register the same factories before use.
package subproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	vecenv "github.com/smnsjas/go-vecenv"
	"github.com/smnsjas/go-vecenv/transport"
	"github.com/smnsjas/go-vecenv/worker"
)

// workerEnvVar marks a child process as a worker and carries its index.
const workerEnvVar = "VECENV_WORKER"

// ErrNestedWorker is returned when a worker process tries to launch
// workers of its own.
var ErrNestedWorker = errors.New("subproc: worker processes cannot launch workers")

// Launcher starts one child process per worker. The zero value is not
// usable; set Command or use SelfExec.
type Launcher struct {
	// Command is the binary to execute for each worker.
	Command string

	// Args are passed to every worker process.
	Args []string

	// Env is extra environment for the children in "KEY=value" form,
	// appended to the parent's environment.
	Env []string

	// Stderr receives the children's stderr. Nil means os.Stderr.
	Stderr io.Writer
}

// SelfExec returns a Launcher that re-executes the running binary for
// each worker. The binary must route worker children into RunWorker;
// see the package example.
func SelfExec(args ...string) (*Launcher, error) {
	if IsWorker() {
		return nil, ErrNestedWorker
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &Launcher{Command: exe, Args: args}, nil
}

// Launch starts one worker child connected over its stdin and stdout.
func (l *Launcher) Launch(_ context.Context, index int) (transport.Conn, vecenv.Handle, error) {
	cmd := exec.Command(l.Command, l.Args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", workerEnvVar, index))
	if l.Stderr != nil {
		cmd.Stderr = l.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start worker process: %w", err)
	}

	conn := transport.NewStreamConn(stdout, stdin)
	return conn, &processHandle{cmd: cmd}, nil
}

// processHandle follows a worker child process.
type processHandle struct {
	cmd      *exec.Cmd
	waitOnce sync.Once
	waitErr  error
}

// Wait reaps the child process. It is safe to call more than once.
func (h *processHandle) Wait() error {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
	})
	return h.waitErr
}

// Kill terminates the child process and reaps it.
func (h *processHandle) Kill() error {
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	_ = h.Wait()
	return nil
}

// IsWorker reports whether this process was launched as a pool worker.
func IsWorker() bool {
	_, ok := os.LookupEnv(workerEnvVar)
	return ok
}

// WorkerIndex returns the index this process was launched as, or -1
// when the process is not a worker.
func WorkerIndex() int {
	v, ok := os.LookupEnv(workerEnvVar)
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

// RunWorker serves the pool over stdin and stdout until told to close.
// Call it after registering the environment factories the pool will
// name. Anything else the process writes to stdout corrupts the
// protocol, so logging must go to stderr.
func RunWorker(opts ...worker.Option) error {
	conn := transport.NewStreamConn(os.Stdin, os.Stdout)
	w := worker.New(conn, opts...)
	return w.Run(context.Background())
}
