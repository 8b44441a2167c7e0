package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/fiffu/archivist/lib/models"
	"github.com/fiffu/archivist/lib/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newExecutor(t *testing.T) (*Executor, *gorm.DB) {
	db := testutil.NewDB(t)
	return NewExecutor(db, zap.NewNop()), db
}

func countArtists(t *testing.T, db *gorm.DB) int64 {
	var n int64
	require.NoError(t, db.Model(&models.Artist{}).Count(&n).Error)
	return n
}

func TestRun_Success(t *testing.T) {
	exec, db := newExecutor(t)
	ctx := context.Background()

	var gotErr error = errors.New("sentinel")
	errorCalled := false
	err := exec.Run(ctx, "unit",
		func(ctx context.Context) error {
			return exec.Transaction(ctx, func(tx *gorm.DB) error {
				return tx.Create(&models.Artist{Provider: "p", SiteArtistID: "1"}).Error
			})
		},
		func(ctx context.Context, err error) error {
			errorCalled = true
			return nil
		},
		func(ctx context.Context, err error) error {
			gotErr = err
			return nil
		},
	)

	require.NoError(t, err)
	assert.False(t, errorCalled)
	assert.NoError(t, gotErr)
	assert.Equal(t, int64(1), countArtists(t, db))
}

func TestRun_ErrorRollsBackAndRecords(t *testing.T) {
	exec, db := newExecutor(t)
	ctx := context.Background()
	boom := errors.New("boom")

	var handled, finalized error
	err := exec.Run(ctx, "unit",
		func(ctx context.Context) error {
			return exec.Transaction(ctx, func(tx *gorm.DB) error {
				if err := tx.Create(&models.Artist{Provider: "p", SiteArtistID: "1"}).Error; err != nil {
					return err
				}
				return boom
			})
		},
		func(ctx context.Context, err error) error {
			handled = err
			return nil
		},
		func(ctx context.Context, err error) error {
			finalized = err
			return nil
		},
	)

	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, handled, boom)
	assert.ErrorIs(t, finalized, boom)
	assert.Equal(t, int64(0), countArtists(t, db), "transaction should be rolled back")

	var records []models.ErrorRecord
	require.NoError(t, db.Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, "unit", records[0].Module)
	assert.Equal(t, "boom", records[0].Message)
}

func TestRun_PanicInTransactionIsRecovered(t *testing.T) {
	exec, db := newExecutor(t)
	ctx := context.Background()

	finalized := false
	err := exec.Run(ctx, "unit",
		func(ctx context.Context) error {
			return exec.Transaction(ctx, func(tx *gorm.DB) error {
				tx.Create(&models.Artist{Provider: "p", SiteArtistID: "1"})
				var m map[string]int
				m["x"] = 1
				return nil
			})
		},
		nil,
		func(ctx context.Context, err error) error {
			finalized = true
			return nil
		},
	)

	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.True(t, finalized)
	assert.Equal(t, int64(0), countArtists(t, db))
}

func TestRun_FinallyRunsWhenErrorHandlerPanics(t *testing.T) {
	exec, _ := newExecutor(t)
	boom := errors.New("boom")

	finalized := false
	err := exec.Run(context.Background(), "unit",
		func(ctx context.Context) error { return boom },
		func(ctx context.Context, err error) error { panic("handler") },
		func(ctx context.Context, err error) error {
			finalized = true
			return errors.New("finalizer")
		},
	)

	assert.True(t, finalized)
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "panic: handler")
	assert.ErrorContains(t, err, "finalizer")
}

func TestRun_CancelledContextStillFinalizes(t *testing.T) {
	exec, db := newExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := exec.Run(ctx, "unit",
		func(ctx context.Context) error { return ctx.Err() },
		nil,
		func(ctx context.Context, err error) error {
			return db.WithContext(ctx).Create(&models.Artist{Provider: "p", SiteArtistID: "1"}).Error
		},
	)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1), countArtists(t, db))
}

func TestRun_OwnedRecordsAttachToOwner(t *testing.T) {
	exec, db := newExecutor(t)
	sub := uint(42)

	err := exec.Owned(&sub, nil).Run(context.Background(), "poll",
		func(ctx context.Context) error { return errors.New("provider unavailable") },
		nil, nil,
	)
	assert.Error(t, err)

	var records []models.ErrorRecord
	require.NoError(t, db.Find(&records).Error)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].SubscriptionID)
	assert.Equal(t, sub, *records[0].SubscriptionID)
	assert.Nil(t, records[0].ElementID)
}
