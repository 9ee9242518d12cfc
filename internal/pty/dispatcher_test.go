package pty

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fosslife/termillion/internal/infrastructure/logging"
	"github.com/fosslife/termillion/internal/shared/id"
)

// captureConsumer records delivered events and signals on exit.
type captureConsumer struct {
	mu     sync.Mutex
	events []Event
	exited chan struct{}
}

func newCaptureConsumer() *captureConsumer {
	return &captureConsumer{exited: make(chan struct{})}
}

func (c *captureConsumer) Deliver(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	if ev.Type == EventExit {
		close(c.exited)
	}
}

func (c *captureConsumer) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// output concatenates the data of all output events seen so far.
func (c *captureConsumer) output() []byte {
	var buf []byte
	for _, ev := range c.snapshot() {
		if ev.Type == EventOutput {
			buf = append(buf, ev.Data...)
		}
	}
	return buf
}

func (c *captureConsumer) waitExit(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-c.exited:
	case <-time.After(timeout):
		t.Fatal("no exit event within timeout")
	}
}

func testDispatcher(scrollback int) *dispatcher {
	return newDispatcher(id.NewSessionID(), scrollback, logging.NewNop())
}

func TestDispatcherFIFOOrder(t *testing.T) {
	d := testDispatcher(1 << 20)
	c := newCaptureConsumer()
	d.Attach(c)

	const n = 100
	for i := 0; i < n; i++ {
		require.True(t, d.publish(Event{
			Type: EventOutput,
			Data: []byte(fmt.Sprintf("%03d,", i)),
		}))
	}

	assert.Eventually(t, func() bool {
		return len(c.snapshot()) == n
	}, time.Second, time.Millisecond)

	events := c.snapshot()
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("%03d,", i), string(ev.Data))
	}
}

func TestDispatcherExitSeals(t *testing.T) {
	d := testDispatcher(1 << 20)
	c := newCaptureConsumer()
	d.Attach(c)

	require.True(t, d.publish(Event{Type: EventOutput, Data: []byte("last words")}))
	require.True(t, d.publish(Event{Type: EventExit}))

	// Nothing is accepted once the exit event is in.
	assert.False(t, d.publish(Event{Type: EventOutput, Data: []byte("too late")}))
	assert.False(t, d.publish(Event{Type: EventExit}))

	c.waitExit(t, time.Second)
	require.True(t, d.await(time.Second))

	events := c.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, EventOutput, events[0].Type)
	assert.Equal(t, EventExit, events[1].Type)
}

func TestDispatcherExitIsLastUnderConcurrency(t *testing.T) {
	d := testDispatcher(1 << 20)
	c := newCaptureConsumer()
	d.Attach(c)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				d.publish(Event{Type: EventOutput, Data: []byte("x")})
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(time.Millisecond)
		d.publish(Event{Type: EventExit})
	}()
	wg.Wait()

	c.waitExit(t, time.Second)
	require.True(t, d.await(time.Second))

	events := c.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, EventExit, events[len(events)-1].Type)
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, EventOutput, ev.Type)
	}
}

func TestDispatcherNoConsumerDiscards(t *testing.T) {
	d := testDispatcher(1 << 20)

	require.True(t, d.publish(Event{Type: EventBell}))
	require.True(t, d.publish(Event{Type: EventExit}))
	require.True(t, d.await(time.Second))
}

func TestDispatcherReplayOnLateAttach(t *testing.T) {
	d := testDispatcher(1 << 20)

	require.True(t, d.publish(Event{Type: EventOutput, Data: []byte("scroll")}))
	require.True(t, d.publish(Event{Type: EventOutput, Data: []byte("back")}))

	// Let the delivery loop drain into the void before attaching.
	time.Sleep(20 * time.Millisecond)

	c := newCaptureConsumer()
	d.Attach(c)

	assert.Eventually(t, func() bool {
		return string(c.output()) == "scrollback"
	}, time.Second, time.Millisecond)
}

func TestDispatcherReplayCapped(t *testing.T) {
	d := testDispatcher(4)

	for i := 0; i < 5; i++ {
		require.True(t, d.publish(Event{Type: EventOutput, Data: []byte{byte('0' + i)}}))
	}
	time.Sleep(20 * time.Millisecond)

	c := newCaptureConsumer()
	d.Attach(c)

	assert.Eventually(t, func() bool {
		return string(c.output()) == "1234"
	}, time.Second, time.Millisecond)
}

func TestDispatcherDetachStopsDelivery(t *testing.T) {
	d := testDispatcher(1 << 20)
	c1 := newCaptureConsumer()
	d.Attach(c1)
	d.Detach(c1)

	require.True(t, d.publish(Event{Type: EventOutput, Data: []byte("unseen")}))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c1.snapshot())

	// The bytes are not lost: a new consumer gets them as replay.
	c2 := newCaptureConsumer()
	d.Attach(c2)
	assert.Eventually(t, func() bool {
		return string(c2.output()) == "unseen"
	}, time.Second, time.Millisecond)
}

func TestDetachOfReplacedConsumerKeepsSuccessor(t *testing.T) {
	d := testDispatcher(1 << 20)
	c1 := newCaptureConsumer()
	c2 := newCaptureConsumer()
	d.Attach(c1)
	d.Attach(c2)

	// c1's late teardown (a stale stream connection closing after its
	// replacement attached) must not unregister c2.
	d.Detach(c1)

	require.True(t, d.publish(Event{Type: EventOutput, Data: []byte("still live")}))
	assert.Eventually(t, func() bool {
		return string(c2.output()) == "still live"
	}, time.Second, time.Millisecond)
	assert.Empty(t, c1.snapshot())
}

func TestStragglerPublishDropsAfterLoopStops(t *testing.T) {
	d := testDispatcher(1 << 20)
	require.True(t, d.publish(Event{Type: EventExit}))
	require.True(t, d.await(time.Second))

	// A publisher can pass the seal check just before the exit event
	// seals the dispatcher, then reach the queue after the delivery
	// loop has stopped. Recreate that interleaving: unseal, and fill
	// the queue so buffering cannot mask a blocked send.
	d.mu.Lock()
	d.sealed = false
	d.mu.Unlock()
	for i := 0; i < eventQueueLen; i++ {
		d.queue <- Event{Type: EventMetrics}
	}

	done := make(chan bool, 1)
	go func() { done <- d.publish(Event{Type: EventMetrics}) }()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("publish blocked after the delivery loop stopped")
	}
}
