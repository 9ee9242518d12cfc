package pty

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"syscall"
)

// ErrSessionNotFound is returned by any operation referencing a
// session that is unknown or already destroyed. Callers treat it as a
// normal outcome: a resize racing with exit is benign, not a crash.
var ErrSessionNotFound = errors.New("session not found")

// SpawnErrorKind classifies why a spawn failed.
type SpawnErrorKind int

const (
	// SpawnUnknown covers failures outside the known taxonomy.
	SpawnUnknown SpawnErrorKind = iota
	// SpawnCommandNotFound means the command does not exist on PATH.
	SpawnCommandNotFound
	// SpawnPermissionDenied means the command is not executable by us.
	SpawnPermissionDenied
	// SpawnResourceExhausted means an OS fd or process limit was hit.
	SpawnResourceExhausted
	// SpawnInvalidWorkingDirectory means the requested cwd is unusable.
	SpawnInvalidWorkingDirectory
)

// String returns the kind as a metrics-friendly label.
func (k SpawnErrorKind) String() string {
	switch k {
	case SpawnCommandNotFound:
		return "command_not_found"
	case SpawnPermissionDenied:
		return "permission_denied"
	case SpawnResourceExhausted:
		return "resource_exhausted"
	case SpawnInvalidWorkingDirectory:
		return "invalid_working_directory"
	default:
		return "unknown"
	}
}

// SpawnError is surfaced to the caller at session-open time. It is
// never retried automatically: retrying with an unchanged command and
// environment would fail identically.
type SpawnError struct {
	Kind    SpawnErrorKind
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %s: %v", e.Command, e.Kind, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// classifySpawn maps an OS-level start failure onto the SpawnError
// taxonomy.
func classifySpawn(command string, err error) *SpawnError {
	kind := SpawnUnknown
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		kind = SpawnCommandNotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES):
		kind = SpawnPermissionDenied
	case errors.Is(err, syscall.EMFILE),
		errors.Is(err, syscall.ENFILE),
		errors.Is(err, syscall.EAGAIN),
		errors.Is(err, syscall.ENOMEM):
		kind = SpawnResourceExhausted
	case errors.Is(err, syscall.ENOTDIR):
		kind = SpawnInvalidWorkingDirectory
	}
	return &SpawnError{Kind: kind, Command: command, Err: err}
}

// isTransientRead reports whether a read error should be retried
// internally without surfacing.
func isTransientRead(err error) bool {
	return errors.Is(err, syscall.EINTR)
}

// isHangup reports whether a read error means the child side of the
// PTY is gone. Linux returns EIO from the master once the last slave
// handle closes; it is equivalent to EOF.
func isHangup(err error) bool {
	return errors.Is(err, syscall.EIO)
}

// isExpectedEnd reports whether a read error is a normal end of
// stream: child EOF, master hangup, or the descriptor closed under us
// during teardown.
func isExpectedEnd(err error) bool {
	return errors.Is(err, io.EOF) || isHangup(err) || errors.Is(err, fs.ErrClosed)
}
