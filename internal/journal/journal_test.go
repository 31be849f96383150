package journal

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/tomb.v2"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	id, err := j.Record(ctx, Entry{
		At:        base,
		CallerUID: 1000,
		CallerPID: 4242,
		Action:    "ChangeDeviceOwner",
		Target:    "/dev/input/event5",
		Outcome:   OutcomeOK,
	})
	require.NoError(t, err)
	assert.Len(t, id, 26, "ULID string")

	_, err = j.Record(ctx, Entry{
		At:      base.Add(time.Second),
		Action:  "DeleteUser",
		Target:  "root",
		Outcome: OutcomeAccessDenied,
		Error:   "user \"root\" is not managed",
	})
	require.NoError(t, err)

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "DeleteUser", entries[0].Action, "newest first")
	assert.Equal(t, OutcomeAccessDenied, entries[0].Outcome)
	assert.Equal(t, id, entries[1].ID)
	assert.Equal(t, uint32(1000), entries[1].CallerUID)
	assert.Equal(t, int32(4242), entries[1].CallerPID)
	assert.Equal(t, "/dev/input/event5", entries[1].Target)
	assert.True(t, entries[1].At.Equal(base))

	entries, err = j.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPrune(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()

	_, err := j.Record(ctx, Entry{At: time.Now().Add(-48 * time.Hour), Action: "old", Outcome: OutcomeOK})
	require.NoError(t, err)
	_, err = j.Record(ctx, Entry{Action: "new", Outcome: OutcomeOK})
	require.NoError(t, err)

	n, err := j.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].Action)
}

func TestReopenKeepsEntries(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	_, err = j.Record(context.Background(), Entry{Action: "Version", Outcome: OutcomeOK})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = Open(dir)
	require.NoError(t, err)
	defer j.Close()
	entries, err := j.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPrunerRunsUntilKilled(t *testing.T) {
	j := openTemp(t)
	_, err := j.Record(context.Background(), Entry{At: time.Now().Add(-2 * time.Hour), Action: "old", Outcome: OutcomeOK})
	require.NoError(t, err)

	var tb tomb.Tomb
	p := NewPruner(j, time.Hour, time.Hour, slog.Default())
	tb.Go(func() error { return p.Run(&tb) })

	require.Eventually(t, func() bool {
		entries, err := j.Recent(context.Background(), 10)
		return err == nil && len(entries) == 0
	}, 5*time.Second, 10*time.Millisecond)

	tb.Kill(nil)
	assert.NoError(t, tb.Wait())
}
