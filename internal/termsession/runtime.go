// Package termsession implements the Session Runtime: the per-session state
// machine that owns a local pseudo-terminal, fans its output out to a ring
// buffer, an on-disk transcript, and a caller-supplied broadcast callback,
// admits input under the interactive and terminated gates (the caller checks
// client attachment before passing input on), and drives
// the Starting -> Active -> Terminating -> Terminated lifecycle.
//
// PTY hosting is local (github.com/creack/pty) rather than over a remote
// transport: isolation (container/directory) is expected to be applied by
// the caller when constructing the command (e.g. wrapping argv in
// `docker exec` or `chroot`), not by this package.
package termsession

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// State is a position in the session lifecycle.
type State int

const (
	StateStarting State = iota
	StateActive
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ExitSentinel is the exit code recorded when the PTY never successfully
// started.
const ExitSentinel = -1

// Spec describes how to start a new Session Runtime.
type Spec struct {
	SessionID      string
	Shell          string
	Args           []string
	Dir            string
	Env            []string
	Cols, Rows     uint16
	Interactive    bool
	HistoryLines   int    // ring buffer capacity, 0 disables history
	TranscriptPath string // empty disables the on-disk transcript

	// OnOutput is invoked (off the internal pump goroutine's own lock) for
	// every chunk of data appended to the stream, in order. It must not
	// block indefinitely; the broadcast layer it calls into is itself
	// non-blocking per client.
	OnOutput func(data []byte)

	// OnTerminate is invoked exactly once, when the runtime transitions to
	// Terminated, with the final exit code.
	OnTerminate func(exitCode int)
}

// Runtime is one live (or recently-terminated) session's PTY state machine.
type Runtime struct {
	SessionID string
	StartedAt time.Time

	mu          sync.Mutex
	state       State
	pty         *os.File
	cmd         *exec.Cmd
	interactive bool
	cols, rows  uint16
	exitCode    int
	terminating bool

	ring       *Ring
	transcript *os.File

	onOutput    func([]byte)
	onTerminate func(int)

	done chan struct{}
}

// Start spawns the command described by spec under a new PTY and begins
// pumping its output. The returned Runtime starts in StateActive once the
// process is confirmed running (spawn failures return StateTerminated with
// ExitSentinel and a non-nil error).
func Start(spec Spec) (*Runtime, error) {
	shell := spec.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.Command(shell, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}

	cols, rows := spec.Cols, spec.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		done := make(chan struct{})
		close(done)
		return &Runtime{
			SessionID: spec.SessionID,
			StartedAt: time.Now(),
			state:     StateTerminated,
			exitCode:  ExitSentinel,
			done:      done,
		}, fmt.Errorf("start pty: %w", err)
	}

	r := &Runtime{
		SessionID:   spec.SessionID,
		StartedAt:   time.Now(),
		state:       StateActive,
		pty:         f,
		cmd:         cmd,
		interactive: spec.Interactive,
		cols:        cols,
		rows:        rows,
		onOutput:    spec.OnOutput,
		onTerminate: spec.OnTerminate,
		done:        make(chan struct{}),
	}

	if spec.HistoryLines > 0 {
		r.ring = NewRing(spec.HistoryLines)
	}

	if spec.TranscriptPath != "" {
		tf, err := os.OpenFile(spec.TranscriptPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			log.Printf("[termsession] session %s: open transcript: %v", r.SessionID, err)
		} else {
			r.transcript = tf
		}
	}

	r.EmitMarker("start")
	go r.pumpOutput()

	return r, nil
}

// State returns the runtime's current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Interactive reports whether stdin is currently admitted.
func (r *Runtime) Interactive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interactive
}

// SetInteractive toggles input admission without affecting lifecycle state.
func (r *Runtime) SetInteractive(v bool) {
	r.mu.Lock()
	r.interactive = v
	r.mu.Unlock()
}

// Size returns the last-applied terminal dimensions, so late-joining
// clients can render consistently.
func (r *Runtime) Size() (cols, rows uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cols, r.rows
}

// ExitCode returns the recorded exit code. Meaningless before
// StateTerminated.
func (r *Runtime) ExitCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode
}

// Ring exposes the history ring for history-range/since-offset queries.
// Nil if history was disabled.
func (r *Runtime) Ring() *Ring { return r.ring }

// Done returns a channel closed once the runtime reaches StateTerminated.
func (r *Runtime) Done() <-chan struct{} { return r.done }

var (
	errNotInteractive = fmt.Errorf("session is read-only")
	errTerminated     = fmt.Errorf("session is terminated")
)

// WriteInput admits client-originated bytes to the PTY. It is rejected
// outright (without touching the PTY) when the session is not interactive
// or has already terminated; callers are responsible for separately
// checking that the originating client is attached before calling this.
func (r *Runtime) WriteInput(data []byte) error {
	r.mu.Lock()
	if r.state == StateTerminated || r.state == StateTerminating {
		r.mu.Unlock()
		return errTerminated
	}
	if !r.interactive {
		r.mu.Unlock()
		return errNotInteractive
	}
	f := r.pty
	r.mu.Unlock()

	_, err := f.Write(data)
	return err
}

// Resize applies new PTY dimensions and remembers them for late joiners.
func (r *Runtime) Resize(cols, rows uint16) error {
	r.mu.Lock()
	if r.state == StateTerminated {
		r.mu.Unlock()
		return errTerminated
	}
	f := r.pty
	r.mu.Unlock()

	if err := pty.Setsize(f, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}

	r.mu.Lock()
	r.cols, r.rows = cols, rows
	r.mu.Unlock()
	return nil
}

// EmitMarker injects an in-band OSC-133 activity marker into the output
// stream ahead of whatever bytes follow it, so history replay can align
// scrollback markers to the byte they precede.
func (r *Runtime) EmitMarker(kind string) {
	marker := fmt.Sprintf("\x1b]133;ts:%s;t=%d\x07", kind, time.Now().UnixMilli())
	r.emit([]byte(marker))
}

// emit fans a chunk of stream data out to the ring, the transcript, and the
// broadcast callback, in that order, so readers that poll the ring observe
// data no later than listeners of the callback.
func (r *Runtime) emit(data []byte) {
	if len(data) == 0 {
		return
	}
	if r.ring != nil {
		r.ring.Write(data)
	}
	if r.transcript != nil {
		r.transcript.Write(data)
	}
	if r.onOutput != nil {
		r.onOutput(data)
	}
}

// pumpOutput is the sole reader of the PTY master. It runs for the
// lifetime of the session so the child process's stdio never blocks even
// when no client is attached.
func (r *Runtime) pumpOutput() {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.pty.Read(buf)
		if n > 0 {
			r.emit(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			break
		}
	}
	r.finish()
}

// finish transitions Active/Starting -> Terminating -> Terminated,
// capturing the exit code and invoking the termination callback exactly
// once. Safe to call multiple times; only the first call has effect.
func (r *Runtime) finish() {
	r.mu.Lock()
	if r.state == StateTerminated {
		r.mu.Unlock()
		return
	}
	r.state = StateTerminating
	r.mu.Unlock()

	exitCode := ExitSentinel
	if r.cmd.Process != nil {
		if err := r.cmd.Wait(); err == nil {
			exitCode = 0
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	r.pty.Close()
	if r.transcript != nil {
		r.transcript.Close()
	}
	if r.ring != nil {
		r.ring.Close()
	}

	r.mu.Lock()
	r.state = StateTerminated
	r.exitCode = exitCode
	r.mu.Unlock()

	close(r.done)

	if r.onTerminate != nil {
		r.onTerminate(exitCode)
	}
}

// Terminate requests the session end, by signaling the child process. It
// does not block for process exit; callers observe completion via Done().
func (r *Runtime) Terminate() error {
	r.mu.Lock()
	if r.state == StateTerminated || r.terminating {
		r.mu.Unlock()
		return nil
	}
	r.terminating = true
	r.state = StateTerminating
	proc := r.cmd.Process
	r.mu.Unlock()

	if proc == nil {
		return nil
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Process may already be gone; pumpOutput's read loop will observe
		// EOF and drive the rest of the transition regardless.
		return nil
	}

	go func() {
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			proc.Kill()
		}
	}()
	return nil
}

var _ io.Writer = (*os.File)(nil)
