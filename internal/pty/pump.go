package pty

import (
	"bytes"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fosslife/termillion/internal/infrastructure/logging"
	"github.com/fosslife/termillion/internal/shared/id"
)

const asciiBell = 0x07

// exitStatusGrace bounds how long the pump waits for the reaper after
// EOF before emitting an exit event without a status code.
const exitStatusGrace = 2 * time.Second

// Pump continuously drains one session's PTY output and forwards it
// to the dispatcher. Output accumulates into a batch flushed when the
// batch window elapses or the batch reaches the read buffer size,
// whichever comes first: one dispatch per raw read would be
// prohibitively chatty under `cat bigfile`, while unbounded
// accumulation would ruin keystroke echo latency.
//
// On EOF or a fatal read error the pump flushes what it holds, emits
// the session's single exit event, and hands teardown to the
// registry. It never destroys anything itself.
type Pump struct {
	session *Session
	disp    *dispatcher
	cfg     Config
	logger  *logging.Logger

	recorder Recorder
	onExit   func(id.SessionID)

	exitOnce sync.Once
	done     chan struct{}
}

func newPump(s *Session, disp *dispatcher, logger *logging.Logger, rec Recorder, onExit func(id.SessionID)) *Pump {
	return &Pump{
		session:  s,
		disp:     disp,
		cfg:      s.opts.Config,
		logger:   logger,
		recorder: rec,
		onExit:   onExit,
		done:     make(chan struct{}),
	}
}

// Done closes when the pump loop has ended and the exit event has
// been published.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// run is the pump loop. The batch window is implemented with read
// deadlines on the master: while a batch is pending the next read
// blocks only until the flush deadline, so a quiet PTY still flushes
// on time without a separate timer goroutine.
func (p *Pump) run() {
	buf := make([]byte, p.cfg.ReadBufferSize)
	batch := make([]byte, 0, p.cfg.ReadBufferSize*2)
	var scan oscScanner
	var flushAt time.Time

	flush := func() {
		if len(batch) == 0 {
			return
		}
		data := make([]byte, len(batch))
		copy(data, batch)
		batch = batch[:0]

		p.session.metrics.recordBatch(len(data))
		if p.recorder != nil {
			p.recorder.RecordBatch(len(data))
		}
		p.disp.publish(Event{Type: EventOutput, SessionID: p.session.ID, Data: data})
	}

	for {
		if len(batch) > 0 {
			if err := p.session.setReadDeadline(flushAt); err != nil {
				// No deadline support on this descriptor: flush now
				// rather than hold the batch past its window.
				flush()
				_ = p.session.setReadDeadline(time.Time{})
			}
		} else {
			_ = p.session.setReadDeadline(time.Time{})
		}

		n, err := p.session.readChunk(buf)
		if n > 0 {
			if len(batch) == 0 {
				flushAt = time.Now().Add(p.cfg.BatchWindow)
			}
			chunk := buf[:n]

			if bytes.IndexByte(chunk, asciiBell) >= 0 {
				p.disp.publish(Event{Type: EventBell, SessionID: p.session.ID})
			}

			batch = scan.filter(chunk, batch, func(title string) {
				p.disp.publish(Event{Type: EventTitle, SessionID: p.session.ID, Title: title})
			})

			if len(batch) >= p.cfg.ReadBufferSize {
				flush()
			}
		}

		if err != nil {
			switch {
			case os.IsTimeout(err):
				// Batch window elapsed with the read still pending.
				flush()
				continue
			case isTransientRead(err):
				continue
			default:
				// EOF, master hangup, or the registry closed the
				// descriptor to cancel us. All end the pump the same
				// way.
				if !isExpectedEnd(err) {
					p.logger.Debug("pty read ended",
						zap.String("session_id", p.session.ID.String()),
						zap.Error(err),
					)
				}
				// A title sequence cut off by the stream ending will
				// never complete; its withheld bytes belong to the
				// final batch.
				batch = scan.drain(batch)
				flush()
				p.finish()
				return
			}
		}

		if len(batch) > 0 && !time.Now().Before(flushAt) {
			flush()
		}
	}
}

// finish publishes the exit event exactly once, then delegates
// teardown to the registry. The done channel closes before the
// registry callback so a destroy already in flight can join us
// without deadlocking.
func (p *Pump) finish() {
	p.exitOnce.Do(func() {
		status, ok := p.session.waitStatus(exitStatusGrace)
		if !ok {
			p.logger.Debug("exit status not obtainable",
				zap.String("session_id", p.session.ID.String()),
			)
		}
		p.disp.publish(Event{Type: EventExit, SessionID: p.session.ID, ExitStatus: status})
		close(p.done)

		if p.onExit != nil {
			p.onExit(p.session.ID)
		}
	})
}

// runMetrics pushes metrics snapshots at the configured interval
// until the pump ends. Started only when the interval is non-zero.
func (p *Pump) runMetrics(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			snap := p.session.Metrics()
			p.disp.publish(Event{
				Type:      EventMetrics,
				SessionID: p.session.ID,
				Metrics:   &snap,
			})
		}
	}
}
