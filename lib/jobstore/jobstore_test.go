package jobstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/fiffu/archivist/lib/models"
	"github.com/fiffu/archivist/lib/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestEnsure_IsIdempotent(t *testing.T) {
	store := NewStore(testutil.NewDB(t))
	ctx := context.Background()

	rec, err := store.Ensure(ctx, "job", true)
	require.NoError(t, err)
	assert.True(t, rec.Enabled)

	require.NoError(t, store.SetEnabled(ctx, "job", false))
	rec, err = store.Ensure(ctx, "job", true)
	require.NoError(t, err)
	assert.False(t, rec.Enabled, "existing record must not be overwritten")

	recs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestTryLock(t *testing.T) {
	store := NewStore(testutil.NewDB(t))
	ctx := context.Background()
	now := testutil.Epoch

	_, err := store.Ensure(ctx, "job", true)
	require.NoError(t, err)

	ok, err := store.TryLock(ctx, "job", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.TryLock(ctx, "job", now)
	require.NoError(t, err)
	assert.False(t, ok, "second acquisition must fail")

	rec, err := store.Get(ctx, "job")
	require.NoError(t, err)
	assert.True(t, rec.Locked)
	assert.True(t, rec.LockedAt.Time.Equal(now))

	require.NoError(t, store.Unlock(ctx, "job"))
	ok, err = store.TryLock(ctx, "job", now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryLock_MissingRecord(t *testing.T) {
	store := NewStore(testutil.NewDB(t))
	ok, err := store.TryLock(context.Background(), "nope", testutil.Epoch)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetters(t *testing.T) {
	store := NewStore(testutil.NewDB(t))
	ctx := context.Background()
	_, err := store.Ensure(ctx, "job", true)
	require.NoError(t, err)

	next := testutil.Epoch.Add(time.Hour)
	require.NoError(t, store.SetNextRun(ctx, "job", next))
	require.NoError(t, store.SetManual(ctx, "job", true))
	require.NoError(t, store.SetStatus(ctx, "job", models.JobStatus{Stage: "ingest", Counts: map[string]int{"pages": 2}}))

	rec, err := store.Get(ctx, "job")
	require.NoError(t, err)
	assert.True(t, rec.NextRunTime.Time.Equal(next))
	assert.True(t, rec.Manual)
	assert.Equal(t, "ingest", rec.Status.Stage)
	assert.Equal(t, 2, rec.Status.Counts["pages"])

	assert.ErrorIs(t, store.SetNextRun(ctx, "missing", next), gorm.ErrRecordNotFound)
}

func TestRuns(t *testing.T) {
	store := NewStore(testutil.NewDB(t))
	ctx := context.Background()

	old := &models.JobRun{ID: "old", Name: "job", StartedAt: testutil.Epoch.Add(-48 * time.Hour)}
	fresh := &models.JobRun{ID: "fresh", Name: "job", StartedAt: testutil.Epoch}
	require.NoError(t, store.CreateRun(ctx, old))
	require.NoError(t, store.CreateRun(ctx, fresh))

	finished := sql.NullTime{Time: testutil.Epoch, Valid: true}
	require.NoError(t, store.UpdateRun(ctx, "old", models.JobStatus{Stage: "done", Done: true}, finished))

	run, err := store.GetRun(ctx, "old")
	require.NoError(t, err)
	assert.True(t, run.Status.Done)
	assert.True(t, run.FinishedAt.Valid)

	n, err := store.PurgeRuns(ctx, testutil.Epoch.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetRun(ctx, "old")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, err = store.GetRun(ctx, "fresh")
	assert.NoError(t, err)
}

func TestLastCheck(t *testing.T) {
	store := NewStore(testutil.NewDB(t))
	ctx := context.Background()

	_, ok, err := store.LastCheck(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetLastCheck(ctx, testutil.Epoch))
	require.NoError(t, store.SetLastCheck(ctx, testutil.Epoch.Add(time.Minute)))

	got, ok, err := store.LastCheck(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(testutil.Epoch.Add(time.Minute)))
}

func TestUnlockPrefix(t *testing.T) {
	store := NewStore(testutil.NewDB(t))
	ctx := context.Background()

	for _, name := range []string{"process_subscription-1", "process_subscription-2", "process_subscription"} {
		_, err := store.Ensure(ctx, name, false)
		require.NoError(t, err)
		_, err = store.TryLock(ctx, name, testutil.Epoch)
		require.NoError(t, err)
	}

	n, err := store.UnlockPrefix(ctx, "process_subscription-")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	rec, err := store.Get(ctx, "process_subscription")
	require.NoError(t, err)
	assert.True(t, rec.Locked)
}
