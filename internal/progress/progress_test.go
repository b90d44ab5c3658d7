package progress

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelopt/internal/model"
)

func drain(c *Channel) []Message {
	var out []Message
	for m := range c.Messages() {
		out = append(out, m)
	}
	return out
}

func TestEmitIsMonotonic(t *testing.T) {
	c := New()
	go func() {
		c.Emit(25, "weld")
		c.Emit(10, "late")
		c.Emit(45, "simplify")
		c.Emit(120, "overflow")
		c.Succeed(model.JobResult{JobID: "j"})
	}()

	msgs := drain(c)

	require.Len(t, msgs, 5)
	var got []int
	for _, m := range msgs[:4] {
		got = append(got, m.Event.Percent)
	}
	assert.Equal(t, []int{25, 25, 45, 100}, got)
	assert.True(t, msgs[4].Terminal())
	assert.Equal(t, "j", msgs[4].Result.JobID)
}

func TestExactlyOneTerminalMessage(t *testing.T) {
	c := New()
	c.Emit(10, "start")
	c.Fail(errors.New("boom"))
	c.Succeed(model.JobResult{JobID: "ignored"})
	c.Emit(90, "ignored")

	msgs := drain(c)

	require.Len(t, msgs, 2)
	assert.EqualError(t, msgs[1].Err, "boom")
	assert.Nil(t, msgs[1].Result)
}

func TestDetachNeverBlocksProducer(t *testing.T) {
	c := New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10*bufferSize; i++ {
			c.Emit(i%100, "tick")
			if i == bufferSize-1 {
				c.Detach()
			}
		}
		c.Succeed(model.JobResult{})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked after detach")
	}
	assert.Equal(t, 99, c.Last())
}

func TestDetachWhileProducerBlocked(t *testing.T) {
	c := New()
	for i := 0; i < bufferSize; i++ {
		c.Emit(i, "fill")
	}
	blocked := make(chan struct{})
	go func() {
		c.Emit(50, "blocks until detached")
		close(blocked)
	}()

	c.Detach()

	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("emit stayed blocked")
	}
}
