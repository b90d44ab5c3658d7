// Package progress carries ordered progress events from a running job to
// the client that submitted it.
package progress

import (
	"sync"

	"modelopt/internal/model"
)

const bufferSize = 16

// Event is one progress notification. Percent never decreases within a job.
type Event struct {
	Percent int    `json:"progress"`
	Message string `json:"message"`
}

// Message is what the consumer receives: exactly one of Event, Result or
// Err is set, and Result/Err only on the final message.
type Message struct {
	Event  *Event
	Result *model.JobResult
	Err    error
}

// Terminal reports whether m is the last message of the stream.
func (m Message) Terminal() bool {
	return m.Result != nil || m.Err != nil
}

// Emitter is the producer side used by the pipeline.
type Emitter interface {
	Emit(percent int, message string)
}

// Channel is a single-producer, single-consumer progress stream.
// After Succeed or Fail the channel is closed; later calls are ignored.
type Channel struct {
	mu         sync.Mutex
	ch         chan Message
	last       int
	closed     bool
	done       chan struct{}
	detachOnce sync.Once
}

// New returns an open channel.
func New() *Channel {
	return &Channel{
		ch:   make(chan Message, bufferSize),
		done: make(chan struct{}),
	}
}

// Messages is the consumer side.
func (c *Channel) Messages() <-chan Message {
	return c.ch
}

// Emit sends a progress event, clamped to [last, 100].
func (c *Channel) Emit(percent int, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if percent < c.last {
		percent = c.last
	}
	if percent > 100 {
		percent = 100
	}
	c.last = percent
	c.send(Message{Event: &Event{Percent: percent, Message: message}})
}

// Succeed sends the terminal result and closes the channel.
func (c *Channel) Succeed(result model.JobResult) {
	c.finish(Message{Result: &result})
}

// Fail sends the terminal error and closes the channel.
func (c *Channel) Fail(err error) {
	c.finish(Message{Err: err})
}

// Detach marks the consumer as gone. Later messages are
// dropped so the producer never blocks.
func (c *Channel) Detach() {
	c.detachOnce.Do(func() { close(c.done) })
}

// Last returns the highest percent emitted so far.
func (c *Channel) Last() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Channel) finish(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.send(m)
	c.closed = true
	close(c.ch)
}

// send must be called with mu held. It blocks while the consumer is
// attached and the buffer is full.
func (c *Channel) send(m Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.ch <- m:
	case <-c.done:
	}
}
