package proc

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/shlex"
)

// DefaultGrace is the interval the termination protocol waits between the
// cooperative stop request and the forceful kill when no grace period was
// configured.
const DefaultGrace = 2 * time.Second

// killWaitDelay bounds the final reap wait after a forceful kill. A group
// that survives this long is reported via TerminateError.
const killWaitDelay = 3 * time.Second

// State describes where a child process is in its lifecycle.
type State int

const (
	// StateRunning means the child has been spawned and not yet reaped.
	StateRunning State = iota
	// StateExited means the child ended on its own; Code holds its exit code.
	StateExited
	// StateKilled means the termination protocol ended the child, either on
	// demand or via the watchdog. The child's own exit code is not reported.
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is the observable outcome of a child process.
type Status struct {
	State State
	// Code is the exit code for StateExited. It is -1 for StateKilled and
	// for children ended by a signal the protocol did not send.
	Code int
}

// Spec configures a single Start call. It is consumed at start time and
// never mutated afterwards.
type Spec struct {
	// Command is the full command line, split with shell quoting rules.
	Command string
	// Timeout arms the watchdog; zero disables it.
	Timeout time.Duration
	// Grace is the default wait between the cooperative stop and the
	// forceful kill. Zero selects DefaultGrace.
	Grace time.Duration
	// Dir is the child's working directory; empty inherits the caller's.
	Dir string
	// Env holds environment overrides applied on top of the caller's
	// environment.
	Env map[string]string
	// Logger receives teardown diagnostics that have no caller to return
	// to. Nil selects slog.Default.
	Logger *slog.Logger
}

// Handle represents a started child process and owns its session, stream
// pumps and watchdog. Until the endpoints are taken, Read and Write operate
// on them directly.
type Handle struct {
	spec   Spec
	logger *slog.Logger

	cmd     *exec.Cmd
	session session
	pid     int

	outQ   *byteQueue
	inQ    *byteQueue
	output *OutputStream
	input  *InputStream

	mu          sync.Mutex
	status      Status
	killed      bool
	outputTaken bool
	inputTaken  bool

	// done closes once status is final; waitDone closes once the wait
	// goroutine has reaped the child. They differ only when a forceful
	// kill fails and the handle gives up on the reap.
	done     chan struct{}
	doneOnce sync.Once
	waitDone chan struct{}

	termMu    sync.Mutex
	watchdog  *time.Timer
	pumps     sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Start tokenizes the configured command, launches it inside a fresh
// session and returns a handle wired to the running stream pumps. When a
// timeout is configured the watchdog is armed before Start returns.
func Start(spec Spec) (*Handle, error) {
	argv, err := splitCommand(spec.Command)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	sess, err := startSession(cmd)
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}

	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handle{
		spec:     spec,
		logger:   logger,
		cmd:      cmd,
		session:  sess,
		pid:      cmd.Process.Pid,
		outQ:     newByteQueue(),
		inQ:      newByteQueue(),
		status:   Status{State: StateRunning, Code: -1},
		done:     make(chan struct{}),
		waitDone: make(chan struct{}),
	}
	h.output = &OutputStream{q: h.outQ}
	h.input = &InputStream{q: h.inQ}

	// Arm before the goroutines launch so they observe the timer safely.
	if spec.Timeout > 0 {
		h.watchdog = time.AfterFunc(spec.Timeout, h.onTimeout)
	}

	h.pumps.Add(2)
	go h.pumpOutput()
	go h.pumpInput()
	go h.wait()

	return h, nil
}

func splitCommand(command string) ([]string, error) {
	fields, err := shlex.Split(command)
	if err != nil {
		return nil, &ParseError{Command: command, Err: err}
	}
	if len(fields) == 0 {
		return nil, ErrEmptyCommand
	}
	return fields, nil
}

// Pid returns the child's process id.
func (h *Handle) Pid() int { return h.pid }

// wait reaps the child and records the final status, unless the termination
// protocol already claimed it.
func (h *Handle) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	if h.killed {
		h.status = Status{State: StateKilled, Code: -1}
	} else {
		h.status = statusFromWait(err)
	}
	h.mu.Unlock()

	if h.watchdog != nil {
		h.watchdog.Stop()
	}

	close(h.waitDone)
	h.finish()
}

func statusFromWait(err error) Status {
	if err == nil {
		return Status{State: StateExited, Code: 0}
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return Status{State: StateExited, Code: exit.ExitCode()}
	}
	return Status{State: StateExited, Code: -1}
}

func (h *Handle) finish() {
	h.doneOnce.Do(func() { close(h.done) })
}

// onTimeout is the watchdog firing: the configured timeout elapsed with the
// child still running.
func (h *Handle) onTimeout() {
	h.mu.Lock()
	running := h.status.State == StateRunning
	h.mu.Unlock()
	if !running {
		return
	}
	h.logger.Debug("watchdog timeout elapsed, terminating", "pid", h.pid, "timeout", h.spec.Timeout)
	if _, err := h.Terminate(0); err != nil {
		h.logger.Warn("watchdog terminate failed", "pid", h.pid, "error", err)
	}
}

// Result blocks until the child has exited or been killed and returns the
// final status. Calls after completion return the cached status immediately.
func (h *Handle) Result() Status {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Waiter returns a wait-only view of the handle that can be handed to other
// goroutines without exposing the streams or the termination protocol.
func (h *Handle) Waiter() *Waiter {
	return &Waiter{h: h}
}

// Waiter observes a handle's completion.
type Waiter struct {
	h *Handle
}

// Wait blocks until the child has exited or been killed.
func (w *Waiter) Wait() { <-w.h.done }

// Result blocks like Wait and returns the final status.
func (w *Waiter) Result() Status { return w.h.Result() }

// Terminate runs the termination protocol against the whole session: a
// cooperative stop request, a bounded grace wait, then a forceful kill of
// every surviving group member. A zero grace selects Spec.Grace, or
// DefaultGrace. Terminating an already-finished child is a no-op returning
// the cached status. Concurrent calls serialize; the losers observe the
// winner's result.
func (h *Handle) Terminate(grace time.Duration) (Status, error) {
	h.termMu.Lock()
	defer h.termMu.Unlock()

	h.mu.Lock()
	if h.status.State != StateRunning {
		st := h.status
		h.mu.Unlock()
		return st, nil
	}
	h.killed = true
	h.mu.Unlock()

	if grace <= 0 {
		grace = h.spec.Grace
	}
	if grace <= 0 {
		grace = DefaultGrace
	}

	if err := h.session.stop(); err != nil {
		h.logger.Debug("cooperative stop failed", "pid", h.pid, "error", err)
	}

	select {
	case <-h.waitDone:
		return h.Result(), nil
	case <-time.After(grace):
	}

	if err := h.session.kill(); err != nil {
		h.failTerminate()
		return h.Result(), &TerminateError{Pid: h.pid, Err: err}
	}

	select {
	case <-h.waitDone:
		return h.Result(), nil
	case <-time.After(killWaitDelay):
		h.failTerminate()
		return h.Result(), &TerminateError{Pid: h.pid, Err: errors.New("process group did not exit after kill")}
	}
}

// failTerminate records a killed status without waiting for the reap, so a
// child the forceful kill could not reach does not wedge Result forever.
func (h *Handle) failTerminate() {
	h.mu.Lock()
	if h.status.State == StateRunning {
		h.status = Status{State: StateKilled, Code: -1}
	}
	h.mu.Unlock()
	h.finish()
}

// TakeOutput moves exclusive ownership of the readable endpoint to the
// caller. It succeeds at most once; later calls (and the handle's own Read)
// fail with ErrAlreadyTaken.
func (h *Handle) TakeOutput() (*OutputStream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outputTaken {
		return nil, ErrAlreadyTaken
	}
	h.outputTaken = true
	return h.output, nil
}

// TakeInput moves exclusive ownership of the writable endpoint to the
// caller, at most once.
func (h *Handle) TakeInput() (*InputStream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inputTaken {
		return nil, ErrAlreadyTaken
	}
	h.inputTaken = true
	return h.input, nil
}

// Read reads from the child's merged output, blocking until bytes are
// available or the output closes. It fails once TakeOutput has detached the
// endpoint.
func (h *Handle) Read(p []byte) (int, error) {
	h.mu.Lock()
	taken := h.outputTaken
	h.mu.Unlock()
	if taken {
		return 0, ErrAlreadyTaken
	}
	return h.outQ.Read(p)
}

// Write enqueues bytes for the child's stdin and returns without waiting
// for delivery. It fails once TakeInput has detached the endpoint.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	taken := h.inputTaken
	h.mu.Unlock()
	if taken {
		return 0, ErrAlreadyTaken
	}
	return h.inQ.Write(p)
}

// Close tears the handle down. A still-running child is terminated first
// (errors are logged, not returned, beyond the close error itself), then
// the session's OS handles are released and the pump goroutines joined.
// Close is idempotent.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		running := h.status.State == StateRunning
		h.mu.Unlock()
		if running {
			if _, err := h.Terminate(0); err != nil {
				h.logger.Warn("terminate during close", "pid", h.pid, "error", err)
			}
		}
		if h.watchdog != nil {
			h.watchdog.Stop()
		}
		h.closeErr = h.session.close()
		h.outQ.seal(nil)
		h.inQ.seal(nil)
		h.pumps.Wait()
	})
	return h.closeErr
}
