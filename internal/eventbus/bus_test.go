package eventbus

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/pkg/logx"
)

func TestEmitOrderAndIsolation(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	b := New(logx.NewWriter(&buf, "debug"))

	var order []string
	b.On(JobError, func(Event) error { order = append(order, "first"); return nil })
	b.On(JobError, func(Event) error { panic("boom") })
	b.On(JobError, func(Event) error { order = append(order, "third"); return errors.New("listener broke") })
	b.OnAny(func(e Event) error { order = append(order, "any:"+string(e.Kind)); return nil })
	b.On(JobExecuted, func(Event) error { order = append(order, "wrong kind"); return nil })

	require.NotPanics(t, func() { b.Emit(Event{Kind: JobError, JobCode: "a"}) })
	assert.Equal(t, []string{"first", "third", "any:job.error"}, order)
	assert.Contains(t, buf.String(), "event listener panic")
	assert.Contains(t, buf.String(), "listener broke")
	assert.Equal(t, uint64(2), b.Stats().ListenerFailures)
}

func TestUnsubscribeListener(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())
	n := 0
	off := b.On(JobRetry, func(Event) error { n++; return nil })
	b.Emit(Event{Kind: JobRetry})
	off()
	off()
	b.Emit(Event{Kind: JobRetry})
	assert.Equal(t, 1, n)
}

func TestSubscribeNonBlocking(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())
	ch, unsub := b.Subscribe(1)

	b.Emit(Event{Kind: JobAdded, JobCode: "x"})
	b.Emit(Event{Kind: JobAdded, JobCode: "y"}) // dropped, buffer full

	e := <-ch
	assert.Equal(t, "x", e.JobCode)
	assert.False(t, e.Time.IsZero())

	unsub()
	_, open := <-ch
	assert.False(t, open)
	require.NotPanics(t, func() { b.Publish(Event{Kind: JobAdded}) })
}
