package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/history"
	"jobsched/internal/storage"
	"jobsched/internal/task/job"
	"jobsched/pkg/logx"
)

func TestPreviewTriggerCron(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	now := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)
	require.NoError(t, previewTrigger(&buf, "*/15 * * * *", "UTC", 3, now))

	out := buf.String()
	assert.Contains(t, out, "1. 2026-03-01T10:15:00Z")
	assert.Contains(t, out, "2. 2026-03-01T10:30:00Z")
	assert.Contains(t, out, "3. 2026-03-01T10:45:00Z")
	assert.NotContains(t, out, "4.")
}

func TestPreviewTriggerPastDate(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, previewTrigger(&buf, "at:2020-01-01T00:00:00Z", "", 5, now))
	assert.Contains(t, buf.String(), "never fires")
}

func TestPreviewTriggerErrors(t *testing.T) {
	t.Parallel()
	now := time.Now()
	assert.ErrorContains(t, previewTrigger(&bytes.Buffer{}, "1h", "Mars/Olympus", 1, now), "unknown timezone")
	assert.ErrorContains(t, previewTrigger(&bytes.Buffer{}, "nonsense", "", 1, now), "invalid schedule")
}

func TestRootCommandPreview(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	root := newRootCommand()
	root.SetOut(&buf)
	root.SetArgs([]string{"trigger", "preview", "@daily", "-n", "2", "--tz", "UTC"})
	require.NoError(t, root.Execute())
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
}

func TestCleanupHistory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")
	cfgPath := filepath.Join(dir, "jobsched.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`{
		"store": {"driver": "memory"},
		"history": {"enabled": true, "path": %q, "retention_days": 30}
	}`, dbPath)), 0o600))

	db, err := storage.OpenDB(dbPath, time.Second, logx.Nop())
	require.NoError(t, err)
	h := history.NewSQL(db)
	ctx := context.Background()
	now := time.Now()
	for _, start := range []time.Time{now.AddDate(0, 0, -40), now.Add(-time.Hour)} {
		ec := job.ExecutionContext{
			JobID:       "id-a",
			JobCode:     "a",
			RunID:       job.NewRunID(start),
			StartTime:   start,
			Attempt:     1,
			TriggerType: job.TriggerManual,
		}
		require.NoError(t, h.RecordSuccess(ctx, ec, nil, 1))
	}
	require.NoError(t, db.Close())

	var buf bytes.Buffer
	require.NoError(t, cleanupHistory(ctx, &buf, cfgPath, 0))
	assert.Contains(t, buf.String(), "deleted 1 executions and 1 daily stats")
	assert.Contains(t, buf.String(), "older than 30 days")
}

func TestCleanupHistoryDisabled(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "jobsched.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"store": {"driver": "memory"}}`), 0o600))
	err := cleanupHistory(context.Background(), &bytes.Buffer{}, cfgPath, 7)
	assert.ErrorIs(t, err, history.ErrDisabled)
}
