package pty

import (
	"sync/atomic"
	"time"

	"github.com/fosslife/termillion/internal/shared/id"
)

// State tracks a session through its lifecycle. Transitions only move
// forward: Starting -> Running -> Exited -> Destroyed, with the Exited
// step skipped on a forced kill. There is no transition out of
// Destroyed.
type State int32

const (
	// StateStarting means spawn is in progress.
	StateStarting State = iota
	// StateRunning means the child process is live.
	StateRunning
	// StateExited means the child has exited but resources are not yet
	// released. Writes and resizes are accepted but become no-ops.
	StateExited
	// StateDestroyed means all OS resources are released. No further
	// reads or writes are issued.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateDestroyed:
		return "destroyed"
	default:
		return "invalid"
	}
}

// Config carries the tunables for one session's output pipeline.
// All values come from the caller at open time; the core never reads
// configuration on its own.
type Config struct {
	// ReadBufferSize is the size of each PTY read in bytes.
	ReadBufferSize int
	// BatchWindow bounds how long output accumulates before a flush.
	// A batch is also flushed early once it reaches ReadBufferSize.
	BatchWindow time.Duration
	// MetricsInterval is how often metrics events are pushed to the
	// consumer. Zero disables the ticker.
	MetricsInterval time.Duration
	// Scrollback is the replay buffer size in bytes, delivered to a
	// consumer that attaches after output was already produced.
	Scrollback int
}

const (
	defaultReadBufferSize = 32 * 1024
	defaultBatchWindow    = 10 * time.Millisecond
	defaultScrollback     = 100 * 1024
)

// withDefaults fills zero fields with documented defaults.
func (c Config) withDefaults() Config {
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = defaultBatchWindow
	}
	if c.Scrollback <= 0 {
		c.Scrollback = defaultScrollback
	}
	return c
}

// Options describes the child process a session should host.
type Options struct {
	// Command is the executable to run. Empty means the platform
	// default shell.
	Command string
	Args    []string
	// Dir is the working directory. Empty means $HOME, then /tmp.
	Dir string
	// Env entries are appended to the inherited environment.
	Env map[string]string

	Rows uint16
	Cols uint16

	Config Config
}

// EventType tags events delivered to a session's consumer.
type EventType string

const (
	EventOutput  EventType = "output"
	EventExit    EventType = "exit"
	EventBell    EventType = "bell"
	EventTitle   EventType = "title"
	EventMetrics EventType = "metrics"
)

// Event is one item pushed to the registered consumer. Output events
// for a given session arrive in production order; an exit event is
// always the last event for its session.
type Event struct {
	Type      EventType    `json:"event"`
	SessionID id.SessionID `json:"sessionId"`

	// Data carries output bytes; JSON-encoded as base64.
	Data []byte `json:"data,omitempty"`
	// ExitStatus is nil when the backend could not obtain a code.
	ExitStatus *int `json:"exitStatus,omitempty"`
	// Title carries the OSC 0 window title.
	Title string `json:"title,omitempty"`

	Metrics *MetricsSnapshot `json:"metrics,omitempty"`
}

// Consumer receives a session's events. Exactly one consumer is
// registered per session at a time; events produced while none is
// registered are discarded. Deliver is invoked from a single
// goroutine per session, in order.
type Consumer interface {
	Deliver(Event)
}

// MetricsSnapshot is an observational sample of a session's counters.
type MetricsSnapshot struct {
	BytesRead    uint64 `json:"bytesRead"`
	BytesWritten uint64 `json:"bytesWritten"`
	BatchesSent  uint64 `json:"batchesSent"`
	UptimeMS     uint64 `json:"uptimeMs"`
}

// sessionMetrics holds monotonically increasing per-session counters.
// Purely observational, never authoritative.
type sessionMetrics struct {
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	batchesSent  atomic.Uint64
	startedAt    time.Time
}

func newSessionMetrics() *sessionMetrics {
	return &sessionMetrics{startedAt: time.Now()}
}

func (m *sessionMetrics) recordBatch(n int) {
	m.bytesRead.Add(uint64(n))
	m.batchesSent.Add(1)
}

func (m *sessionMetrics) recordWrite(n int) {
	m.bytesWritten.Add(uint64(n))
}

func (m *sessionMetrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		BytesRead:    m.bytesRead.Load(),
		BytesWritten: m.bytesWritten.Load(),
		BatchesSent:  m.batchesSent.Load(),
		UptimeMS:     uint64(time.Since(m.startedAt).Milliseconds()),
	}
}

// Info is the public representation of a session, the introspection
// surface for session lists and debug queries.
type Info struct {
	ID        id.SessionID `json:"id"`
	Command   string       `json:"command"`
	Args      []string     `json:"args,omitempty"`
	Dir       string       `json:"dir"`
	Rows      uint16       `json:"rows"`
	Cols      uint16       `json:"cols"`
	State     string       `json:"state"`
	Pid       int          `json:"pid"`
	StartedAt time.Time    `json:"startedAt"`
}
