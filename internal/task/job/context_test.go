package job

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunIDsUniqueAndWellFormed(t *testing.T) {
	t.Parallel()
	re := regexp.MustCompile(`^run_\d{8}_\d{6}_[a-z0-9]{6}$`)
	now := time.Now()
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := NewRunID(now)
		require.Regexp(t, re, id)
		_, dup := seen[id]
		require.False(t, dup, "duplicate run id %s", id)
		seen[id] = struct{}{}
	}
}

func TestContextRetryChain(t *testing.T) {
	t.Parallel()
	now := time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC)
	ec := NewContext(Job{Code: "a", ID: "id", Name: "A"}, TriggerScheduled, time.Time{}, now)
	assert.Equal(t, 1, ec.Attempt)
	assert.Equal(t, now, ec.ScheduledTime)
	assert.Equal(t, TriggerScheduled, ec.TriggerType)
	assert.Contains(t, ec.RunID, "run_20300101_080000_")

	next := ec.Retry(now.Add(time.Second))
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, TriggerRetry, next.TriggerType)
	assert.Equal(t, ec.RunID, next.RetryOf)
	assert.NotEqual(t, ec.RunID, next.RunID)
	assert.Equal(t, "a", next.JobCode)
}
