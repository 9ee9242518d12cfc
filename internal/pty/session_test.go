package pty

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fosslife/termillion/internal/shared/id"
)

const testTimeout = 5 * time.Second

// spawnShell starts /bin/sh -c script on a fresh PTY and registers
// cleanup.
func spawnShell(t *testing.T, script string) *Session {
	t.Helper()
	s, err := spawn(id.NewSessionID(), Options{
		Command: "/bin/sh",
		Args:    []string{"-c", script},
		Rows:    24,
		Cols:    80,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.kill()
		_ = s.closePTY()
	})
	return s
}

func waitExited(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Exited():
	case <-time.After(testTimeout):
		t.Fatal("child did not exit within timeout")
	}
}

func TestDefaultShellHonorsEnv(t *testing.T) {
	t.Setenv("SHELL", "/bin/sh")
	assert.Equal(t, "/bin/sh", DefaultShell())
}

func TestDefaultShellFallback(t *testing.T) {
	t.Setenv("SHELL", "")
	assert.NotEmpty(t, DefaultShell())
}

func TestNormalizeFillsDefaults(t *testing.T) {
	opts := normalize(Options{})
	assert.NotEmpty(t, opts.Command)
	assert.NotEmpty(t, opts.Dir)
	assert.Equal(t, uint16(1), opts.Rows)
	assert.Equal(t, uint16(1), opts.Cols)
	assert.Equal(t, defaultReadBufferSize, opts.Config.ReadBufferSize)
	assert.Equal(t, defaultBatchWindow, opts.Config.BatchWindow)
}

func TestClampDim(t *testing.T) {
	assert.Equal(t, uint16(1), clampDim(0))
	assert.Equal(t, uint16(1), clampDim(1))
	assert.Equal(t, uint16(200), clampDim(200))
}

func TestSpawnInvalidWorkingDirectory(t *testing.T) {
	_, err := spawn(id.NewSessionID(), Options{
		Command: "/bin/sh",
		Dir:     "/definitely/not/a/real/dir",
	})
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SpawnInvalidWorkingDirectory, se.Kind)
}

func TestSpawnFileAsWorkingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := spawn(id.NewSessionID(), Options{
		Command: "/bin/sh",
		Dir:     path,
	})
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SpawnInvalidWorkingDirectory, se.Kind)
}

func TestSpawnCommandNotFound(t *testing.T) {
	_, err := spawn(id.NewSessionID(), Options{
		Command: "no-such-binary-termillion-test",
	})
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SpawnCommandNotFound, se.Kind)
}

func TestSessionExitStatusZero(t *testing.T) {
	s := spawnShell(t, "exit 0")
	waitExited(t, s)

	status, ok := s.waitStatus(testTimeout)
	require.True(t, ok)
	require.NotNil(t, status)
	assert.Equal(t, 0, *status)
	assert.Equal(t, StateExited, s.State())
}

func TestSessionExitStatusNonZero(t *testing.T) {
	s := spawnShell(t, "exit 7")
	waitExited(t, s)

	status, ok := s.waitStatus(testTimeout)
	require.True(t, ok)
	require.NotNil(t, status)
	assert.Equal(t, 7, *status)
}

func TestSessionSignalDeathHasNoStatus(t *testing.T) {
	s := spawnShell(t, "kill -9 $$")
	waitExited(t, s)

	status, ok := s.waitStatus(testTimeout)
	require.True(t, ok)
	assert.Nil(t, status)
}

func TestWriteAfterExitIsDropped(t *testing.T) {
	s := spawnShell(t, "exit 0")
	waitExited(t, s)

	// Input racing exit detection is benign; the bytes go nowhere.
	assert.NoError(t, s.Write([]byte("stale keystrokes\n")))
}

func TestWriteAfterCloseIsDropped(t *testing.T) {
	s := spawnShell(t, "sleep 30")
	require.NoError(t, s.closePTY())
	assert.NoError(t, s.Write([]byte("x")))
}

func TestResize(t *testing.T) {
	s := spawnShell(t, "sleep 30")

	require.NoError(t, s.Resize(40, 120))
	rows, cols := s.Size()
	assert.Equal(t, uint16(40), rows)
	assert.Equal(t, uint16(120), cols)

	// Reapplying the current size is a no-op.
	require.NoError(t, s.Resize(40, 120))
	rows, cols = s.Size()
	assert.Equal(t, uint16(40), rows)
	assert.Equal(t, uint16(120), cols)
}

func TestResizeClampsToMinimum(t *testing.T) {
	s := spawnShell(t, "sleep 30")

	require.NoError(t, s.Resize(0, 0))
	rows, cols := s.Size()
	assert.Equal(t, uint16(1), rows)
	assert.Equal(t, uint16(1), cols)
}

func TestResizeAfterExitIsDropped(t *testing.T) {
	s := spawnShell(t, "exit 0")
	waitExited(t, s)
	assert.NoError(t, s.Resize(50, 50))
}

func TestReadDeadlineUnblocksRead(t *testing.T) {
	s := spawnShell(t, "sleep 30")

	// The master must be poller-registered so deadlines are actually
	// enforced, not silently accepted.
	require.NoError(t, s.setReadDeadline(time.Now().Add(50*time.Millisecond)))

	buf := make([]byte, 64)
	errCh := make(chan error, 1)
	go func() {
		_, err := s.readChunk(buf)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		assert.True(t, os.IsTimeout(err))
	case <-time.After(2 * time.Second):
		t.Fatal("read ignored its deadline")
	}
}

func TestSessionInfo(t *testing.T) {
	s := spawnShell(t, "sleep 30")

	info := s.Info()
	assert.Equal(t, s.ID, info.ID)
	assert.Equal(t, "/bin/sh", info.Command)
	assert.Equal(t, uint16(24), info.Rows)
	assert.Equal(t, uint16(80), info.Cols)
	assert.Equal(t, "running", info.State)
	assert.Positive(t, info.Pid)
	assert.False(t, info.StartedAt.IsZero())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "exited", StateExited.String())
	assert.Equal(t, "destroyed", StateDestroyed.String())
}
