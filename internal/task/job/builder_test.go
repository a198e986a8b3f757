package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/task/retry"
)

func TestBuilderRegistersMultiTrigger(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	_, err := New("report").
		Name("Nightly report").
		In(time.UTC).
		Cron("0 2 * * *").
		Cron("0 14 * * *").
		Timeout(time.Minute).
		Retry(retry.Fixed(1, time.Second)).
		Concurrent(false).
		Func(noop).
		Register(r)
	require.NoError(t, err)

	j, ok := r.Get("report")
	require.True(t, ok)
	assert.True(t, j.IsMultiTrigger)
	assert.False(t, j.Concurrent)
	assert.Equal(t, "Nightly report", j.Name)
	assert.Equal(t, []string{"report#1", "report#2"}, j.SubJobCodes)
}

func TestBuilderSurfacesFirstError(t *testing.T) {
	t.Parallel()
	_, err := New("bad").Cron("nope nope").Every(time.Minute).Func(noop).Options()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")

	_, err = New("bad2").Schedule("every:-1s").Func(noop).Register(NewRegistry())
	assert.Error(t, err)
}
