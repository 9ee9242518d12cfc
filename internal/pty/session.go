package pty

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/fosslife/termillion/internal/shared/id"
)

// Session owns one OS pseudo-terminal and its child process. It is
// the only code path that touches the underlying handles: UI-facing
// callers always go through the Registry, and the master is read only
// by the session's Pump.
type Session struct {
	ID        id.SessionID
	opts      Options
	startedAt time.Time

	cmd  *exec.Cmd
	ptmx *os.File

	state atomic.Int32

	// writeMu serializes writes and guards ptmx against a concurrent
	// close.
	writeMu sync.Mutex
	closed  bool

	// sizeMu guards the last applied dimensions for resize
	// idempotence.
	sizeMu sync.Mutex
	rows   uint16
	cols   uint16

	// exited closes once the child has been reaped; exitStatus is
	// valid after that. A nil status means no code was obtainable
	// (e.g. the child died to a signal).
	exited     chan struct{}
	exitStatus *int

	metrics *sessionMetrics
}

// spawn allocates a PTY pair, applies dimensions, and starts the
// child with stdio attached to the slave. On success the session is
// Running and its reaper goroutine is live.
func spawn(sid id.SessionID, opts Options) (*Session, error) {
	opts = normalize(opts)

	if err := checkWorkingDir(opts.Dir); err != nil {
		return nil, err
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	for key, value := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	s := &Session{
		ID:        sid,
		opts:      opts,
		startedAt: time.Now(),
		cmd:       cmd,
		rows:      opts.Rows,
		cols:      opts.Cols,
		exited:    make(chan struct{}),
		metrics:   newSessionMetrics(),
	}
	s.state.Store(int32(StateStarting))

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: opts.Rows,
		Cols: opts.Cols,
	})
	if err != nil {
		return nil, classifySpawn(opts.Command, err)
	}

	master, err := pollableMaster(ptmx)
	if err != nil {
		_ = ptmx.Close()
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }()
		return nil, classifySpawn(opts.Command, err)
	}
	_ = ptmx.Close()

	s.ptmx = master
	s.state.Store(int32(StateRunning))

	go s.reap()

	return s, nil
}

// pollableMaster re-opens the PTY master through the runtime poller.
// The master comes back from spawn as a blocking descriptor, on which
// read deadlines are accepted but never enforced; duplicating it in
// non-blocking mode makes os.NewFile register the fd with the poller,
// so SetReadDeadline works and Close cancels an in-flight read.
func pollableMaster(ptmx *os.File) (*os.File, error) {
	fd, err := syscall.Dup(int(ptmx.Fd()))
	if err != nil {
		return nil, fmt.Errorf("dup pty master: %w", err)
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("set pty master non-blocking: %w", err)
	}
	return os.NewFile(uintptr(fd), ptmx.Name()), nil
}

// normalize fills option defaults: platform shell, home directory,
// minimum dimensions.
func normalize(opts Options) Options {
	if opts.Command == "" {
		opts.Command = DefaultShell()
	}
	if opts.Dir == "" {
		opts.Dir = os.Getenv("HOME")
		if opts.Dir == "" {
			opts.Dir = "/tmp"
		}
	}
	opts.Rows = clampDim(opts.Rows)
	opts.Cols = clampDim(opts.Cols)
	opts.Config = opts.Config.withDefaults()
	return opts
}

// clampDim enforces the >= 1 dimension invariant.
func clampDim(v uint16) uint16 {
	if v < 1 {
		return 1
	}
	return v
}

// DefaultShell resolves the platform default shell: $SHELL when set,
// otherwise zsh on macOS and bash elsewhere.
func DefaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	if runtime.GOOS == "darwin" {
		return "/bin/zsh"
	}
	return "/bin/bash"
}

func checkWorkingDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return &SpawnError{Kind: SpawnInvalidWorkingDirectory, Command: dir, Err: err}
	}
	if !info.IsDir() {
		return &SpawnError{
			Kind:    SpawnInvalidWorkingDirectory,
			Command: dir,
			Err:     fmt.Errorf("%s is not a directory", dir),
		}
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// reap waits for the child and records its exit status. Runs once per
// session; the Pump consults the result when emitting the exit event.
func (s *Session) reap() {
	err := s.cmd.Wait()

	var status *int
	if err == nil {
		zero := 0
		status = &zero
	} else if ee, ok := err.(*exec.ExitError); ok {
		if code := ee.ExitCode(); code >= 0 {
			status = &code
		}
		// Signal deaths report no code; status stays nil.
	}

	s.exitStatus = status
	s.state.CompareAndSwap(int32(StateRunning), int32(StateExited))
	close(s.exited)
}

// Write forwards raw bytes (keystrokes, pastes) to the PTY master.
// Writes after exit are accepted and dropped, which absorbs the
// benign race between UI input and exit detection. Bytes are never
// silently truncated: a full OS buffer blocks this writer until the
// child drains it.
func (s *Session) Write(data []byte) error {
	if s.State() >= StateExited {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return nil
	}

	n, err := s.ptmx.Write(data)
	if err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	s.metrics.recordWrite(n)
	return nil
}

// Resize applies new dimensions to the PTY, which raises SIGWINCH in
// the child's process group. Dimensions are clamped to >= 1, and
// reapplying the current size is a no-op so the child sees no
// spurious notification.
func (s *Session) Resize(rows, cols uint16) error {
	rows = clampDim(rows)
	cols = clampDim(cols)

	if s.State() >= StateExited {
		return nil
	}

	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()

	if rows == s.rows && cols == s.cols {
		return nil
	}

	if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("pty resize: %w", err)
	}
	s.rows = rows
	s.cols = cols
	return nil
}

// Size returns the last applied dimensions.
func (s *Session) Size() (rows, cols uint16) {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	return s.rows, s.cols
}

// readChunk is the single read primitive, used exclusively by the
// Pump. A master hangup (EIO) is reported as EOF by the caller's
// isHangup check; EINTR is retried by the Pump.
func (s *Session) readChunk(buf []byte) (int, error) {
	return s.ptmx.Read(buf)
}

// setReadDeadline arms or clears the deadline on the master. The Pump
// uses it to bound how long a batch can sit before a flush. The
// master is poller-registered at spawn, so an error here means the
// descriptor genuinely cannot enforce deadlines.
func (s *Session) setReadDeadline(t time.Time) error {
	return s.ptmx.SetReadDeadline(t)
}

// signalTerminate requests a graceful shutdown of the child.
func (s *Session) signalTerminate() error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Signal(syscall.SIGTERM)
}

// kill forcefully terminates the child.
func (s *Session) kill() error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}

// closePTY releases the master handle. This is also the cancellation
// mechanism: a Pump blocked in readChunk unblocks immediately.
func (s *Session) closePTY() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.ptmx.Close()
}

// markDestroyed finalizes the state machine.
func (s *Session) markDestroyed() {
	s.state.Store(int32(StateDestroyed))
}

// Exited closes once the child has been reaped.
func (s *Session) Exited() <-chan struct{} {
	return s.exited
}

// waitStatus blocks until the child is reaped or the timeout elapses.
// ok is false on timeout; a true ok with nil status means the child
// exited without an obtainable code.
func (s *Session) waitStatus(timeout time.Duration) (status *int, ok bool) {
	select {
	case <-s.exited:
		return s.exitStatus, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Pid returns the child's process ID, or 0 before start.
func (s *Session) Pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Info returns the session's public representation.
func (s *Session) Info() Info {
	rows, cols := s.Size()
	return Info{
		ID:        s.ID,
		Command:   s.opts.Command,
		Args:      s.opts.Args,
		Dir:       s.opts.Dir,
		Rows:      rows,
		Cols:      cols,
		State:     s.State().String(),
		Pid:       s.Pid(),
		StartedAt: s.startedAt,
	}
}

// Metrics returns a point-in-time snapshot of the session counters.
func (s *Session) Metrics() MetricsSnapshot {
	return s.metrics.snapshot()
}
