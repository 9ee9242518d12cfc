package pty

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fosslife/termillion/internal/infrastructure/logging"
	"github.com/fosslife/termillion/internal/shared/id"
)

// Recorder receives process-wide observations from the registry and
// pumps. monitoring.Metrics satisfies it; a nil Recorder disables it.
type Recorder interface {
	RecordBatch(size int)
	RecordWrite(n int)
	RecordSessionOpened()
	RecordSessionClosed(lifetime time.Duration)
	RecordSpawnFailure(reason string)
}

const (
	// pumpJoinTimeout bounds how long destroy waits for a pump to
	// notice its closed descriptor and finish.
	pumpJoinTimeout = 5 * time.Second
	// termGrace is how long a SIGTERM'd child gets before SIGKILL.
	termGrace = 2 * time.Second
	// drainTimeout bounds the wait for the exit event to reach the
	// consumer during destroy.
	drainTimeout = 2 * time.Second
)

// entry ties a session to its pump and dispatcher, plus the atomic
// destroy guard.
type entry struct {
	session *Session
	pump    *Pump
	disp    *dispatcher

	// destroying is the single at-most-once teardown guard. It is
	// checked-and-set before any teardown work begins, so a close
	// request racing an exit-detection teardown cannot double-free
	// resources or double-notify the consumer.
	destroying atomic.Bool
}

// Registry is the single authority for session creation and
// destruction. It owns the only mutable table in the package; the PTY
// master and child handles stay inside each Session and are touched
// only by that session's methods and its pump.
//
// Construct one Registry at the composition root and pass it to
// whatever layer issues open/write/resize/close calls. There is no
// package-level instance.
type Registry struct {
	logger   *logging.Logger
	recorder Recorder
	defaults Config

	mu       sync.RWMutex
	sessions map[id.SessionID]*entry
}

// NewRegistry creates a session registry. defaults fill any zero
// Config fields on open requests; rec may be nil.
func NewRegistry(defaults Config, logger *logging.Logger, rec Recorder) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{
		logger:   logger,
		recorder: rec,
		defaults: defaults.withDefaults(),
		sessions: make(map[id.SessionID]*entry),
	}
}

// Open spawns a child on a fresh PTY and starts its output pump. The
// returned SessionID is new and never reused. Spawn failures surface
// as *SpawnError and are not retried.
func (r *Registry) Open(opts Options) (id.SessionID, error) {
	opts.Config = mergeConfig(opts.Config, r.defaults)

	sid := id.NewSessionID()
	session, err := spawn(sid, opts)
	if err != nil {
		if se, ok := err.(*SpawnError); ok && r.recorder != nil {
			r.recorder.RecordSpawnFailure(se.Kind.String())
		}
		r.logger.Warn("session spawn failed",
			zap.String("command", opts.Command),
			zap.Error(err),
		)
		return "", err
	}

	disp := newDispatcher(sid, session.opts.Config.Scrollback, r.logger)
	pump := newPump(session, disp, r.logger, r.recorder, r.sessionExited)

	e := &entry{session: session, pump: pump, disp: disp}

	r.mu.Lock()
	r.sessions[sid] = e
	r.mu.Unlock()

	go pump.run()
	if interval := session.opts.Config.MetricsInterval; interval > 0 {
		go pump.runMetrics(interval)
	}

	if r.recorder != nil {
		r.recorder.RecordSessionOpened()
	}
	r.logger.Info("session opened",
		zap.String("session_id", sid.String()),
		zap.String("command", session.opts.Command),
		zap.String("dir", session.opts.Dir),
		zap.Int("pid", session.Pid()),
	)

	return sid, nil
}

// mergeConfig overlays per-request config on registry defaults.
func mergeConfig(c, defaults Config) Config {
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaults.ReadBufferSize
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = defaults.BatchWindow
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = defaults.MetricsInterval
	}
	if c.Scrollback <= 0 {
		c.Scrollback = defaults.Scrollback
	}
	return c
}

func (r *Registry) lookup(sid id.SessionID) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sid]
}

// Write forwards input bytes to the session's PTY.
func (r *Registry) Write(sid id.SessionID, data []byte) error {
	e := r.lookup(sid)
	if e == nil {
		return ErrSessionNotFound
	}
	if err := e.session.Write(data); err != nil {
		return err
	}
	if r.recorder != nil {
		r.recorder.RecordWrite(len(data))
	}
	return nil
}

// Resize applies new dimensions to the session's PTY.
func (r *Registry) Resize(sid id.SessionID, rows, cols uint16) error {
	e := r.lookup(sid)
	if e == nil {
		return ErrSessionNotFound
	}
	return e.session.Resize(rows, cols)
}

// Attach registers the consumer that receives the session's events.
// Any previously attached consumer is replaced.
func (r *Registry) Attach(sid id.SessionID, c Consumer) error {
	e := r.lookup(sid)
	if e == nil {
		return ErrSessionNotFound
	}
	e.disp.Attach(c)
	return nil
}

// Detach unregisters c if it is still the session's consumer. Events
// are discarded until a new consumer attaches. A consumer that was
// already replaced detaches as a no-op.
func (r *Registry) Detach(sid id.SessionID, c Consumer) {
	if e := r.lookup(sid); e != nil {
		e.disp.Detach(c)
	}
}

// Info returns the session's public representation.
func (r *Registry) Info(sid id.SessionID) (Info, error) {
	e := r.lookup(sid)
	if e == nil {
		return Info{}, ErrSessionNotFound
	}
	return e.session.Info(), nil
}

// Metrics returns a snapshot of the session's counters.
func (r *Registry) Metrics(sid id.SessionID) (MetricsSnapshot, error) {
	e := r.lookup(sid)
	if e == nil {
		return MetricsSnapshot{}, ErrSessionNotFound
	}
	return e.session.Metrics(), nil
}

// List returns all sessions currently in the table.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.sessions))
	for _, e := range r.sessions {
		infos = append(infos, e.session.Info())
	}
	return infos
}

// Close is the explicit user-initiated close. It is idempotent:
// closing an unknown or already-destroyed session is not an error,
// and it is safe to call concurrently with an in-flight
// exit-detection teardown for the same id.
func (r *Registry) Close(sid id.SessionID) error {
	e := r.lookup(sid)
	if e == nil {
		return nil
	}
	r.destroy(sid, e)
	return nil
}

// sessionExited is the pump's exit callback, the second teardown
// trigger.
func (r *Registry) sessionExited(sid id.SessionID) {
	e := r.lookup(sid)
	if e == nil {
		return
	}
	r.destroy(sid, e)
}

// destroy is the single teardown path. The destroying guard is
// checked-and-set before any work begins; every racing caller after
// the first observes it and returns immediately with no side effects.
// Each step tolerates failure so destruction always completes.
func (r *Registry) destroy(sid id.SessionID, e *entry) {
	if !e.destroying.CompareAndSwap(false, true) {
		return
	}

	s := e.session

	// Ask the child to exit; it may already be gone.
	if err := s.signalTerminate(); err != nil {
		r.logger.Debug("terminate signal failed",
			zap.String("session_id", sid.String()),
			zap.Error(err),
		)
	}

	// Closing the master cancels a pump blocked in read and releases
	// the descriptor.
	if err := s.closePTY(); err != nil {
		r.logger.Debug("pty close failed",
			zap.String("session_id", sid.String()),
			zap.Error(err),
		)
	}

	// Join the pump: it flushes pending output and publishes the exit
	// event. If destroy was invoked from the pump's own exit path the
	// channel is already closed.
	select {
	case <-e.pump.Done():
	case <-time.After(pumpJoinTimeout):
		r.logger.Warn("pump did not stop in time",
			zap.String("session_id", sid.String()),
		)
	}

	// Escalate to SIGKILL if the child ignored SIGTERM.
	select {
	case <-s.Exited():
	case <-time.After(termGrace):
		if err := s.kill(); err != nil {
			r.logger.Debug("kill failed",
				zap.String("session_id", sid.String()),
				zap.Error(err),
			)
		}
		select {
		case <-s.Exited():
		case <-time.After(termGrace):
			r.logger.Warn("child did not exit after kill",
				zap.String("session_id", sid.String()),
				zap.Int("pid", s.Pid()),
			)
		}
	}

	r.mu.Lock()
	delete(r.sessions, sid)
	r.mu.Unlock()

	// Let the exit event reach the consumer before declaring the
	// session gone.
	e.disp.await(drainTimeout)

	s.markDestroyed()

	if r.recorder != nil {
		r.recorder.RecordSessionClosed(time.Since(s.startedAt))
	}
	r.logger.Info("session destroyed",
		zap.String("session_id", sid.String()),
	)
}

// Shutdown closes every live session. Used by the composition root on
// process exit.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ids := make([]id.SessionID, 0, len(r.sessions))
	for sid := range r.sessions {
		ids = append(ids, sid)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sid := range ids {
		wg.Add(1)
		go func(sid id.SessionID) {
			defer wg.Done()
			r.Close(sid)
		}(sid)
	}
	wg.Wait()
}
