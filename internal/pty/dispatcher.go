package pty

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fosslife/termillion/internal/infrastructure/logging"
	"github.com/fosslife/termillion/internal/shared/id"
)

// eventQueueLen bounds in-flight events per session. When a consumer
// is slow the queue fills and the pump blocks on publish, which
// backpressures the PTY instead of dropping bytes.
const eventQueueLen = 256

// dispatcher delivers one session's events to its registered
// consumer. A single delivery goroutine drains a FIFO queue, so
// output batches arrive in production order and the exit event, once
// enqueued, seals the dispatcher: nothing is accepted after it.
// Events produced while no consumer is registered are discarded
// cleanly, except that output is retained in a bounded replay buffer
// so a consumer attaching mid-stream (a tab re-attaching during a UI
// transition) still gets recent scrollback.
type dispatcher struct {
	sessionID id.SessionID
	logger    *logging.Logger

	mu       sync.Mutex
	consumer Consumer
	sealed   bool

	// replay keeps the most recent undelivered output bytes for late
	// attachers. Only bytes dropped for lack of a consumer land here,
	// so no byte is ever delivered twice.
	replay    []byte
	replayCap int

	queue    chan Event
	loopDone chan struct{}
}

func newDispatcher(sessionID id.SessionID, scrollback int, logger *logging.Logger) *dispatcher {
	d := &dispatcher{
		sessionID: sessionID,
		logger:    logger,
		replayCap: scrollback,
		queue:     make(chan Event, eventQueueLen),
		loopDone:  make(chan struct{}),
	}
	go d.deliverLoop()
	return d
}

// Attach registers the consumer, replacing any previous one. Output
// that was produced while no consumer was registered is replayed first
// so the new consumer can repaint, then live delivery resumes.
func (d *dispatcher) Attach(c Consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.consumer = c
	if c != nil && len(d.replay) > 0 {
		data := make([]byte, len(d.replay))
		copy(data, d.replay)
		d.replay = d.replay[:0]
		c.Deliver(Event{Type: EventOutput, SessionID: d.sessionID, Data: data})
	}
}

// Detach unregisters c if it is still the registered consumer.
// Identity-checked so a replaced consumer's late teardown cannot
// clobber its successor's registration.
func (d *dispatcher) Detach(c Consumer) {
	d.mu.Lock()
	if d.consumer == c {
		d.consumer = nil
	}
	d.mu.Unlock()
}

// publish enqueues an event for delivery. Returns false if the
// dispatcher is sealed (exit already enqueued). An exit event seals
// the dispatcher; it is guaranteed to be the last event delivered.
func (d *dispatcher) publish(ev Event) bool {
	d.mu.Lock()
	if d.sealed {
		d.mu.Unlock()
		return false
	}
	if ev.Type == EventExit {
		d.sealed = true
	}
	d.mu.Unlock()

	// A publisher can pass the seal check just before the exit event
	// seals the dispatcher; once the delivery loop has drained through
	// exit it never reads the queue again, so the send must not block
	// on a full buffer.
	select {
	case d.queue <- ev:
		return true
	case <-d.loopDone:
		return false
	}
}

// appendReplay retains the tail of the undelivered output stream,
// capped at the configured scrollback. Caller holds d.mu.
func (d *dispatcher) appendReplay(data []byte) {
	d.replay = append(d.replay, data...)
	if len(d.replay) > d.replayCap {
		d.replay = d.replay[len(d.replay)-d.replayCap:]
	}
}

// deliverLoop is the single delivery goroutine. Holding d.mu across
// Deliver keeps Attach's replay injection ordered with queued events.
func (d *dispatcher) deliverLoop() {
	defer close(d.loopDone)

	for ev := range d.queue {
		d.mu.Lock()
		if c := d.consumer; c != nil {
			c.Deliver(ev)
		} else if ev.Type == EventOutput {
			d.appendReplay(ev.Data)
		}
		d.mu.Unlock()

		if ev.Type == EventExit {
			return
		}
	}
}

// await blocks until the delivery loop has drained through the exit
// event, or the timeout elapses.
func (d *dispatcher) await(timeout time.Duration) bool {
	select {
	case <-d.loopDone:
		return true
	case <-time.After(timeout):
		d.logger.Warn("dispatcher drain timed out",
			zap.String("session_id", d.sessionID.String()),
		)
		return false
	}
}
