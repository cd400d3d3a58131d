package repository

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantsync/engine/internal/models"
)

func newTestRecordRepo(t *testing.T) *RecordRepository {
	t.Helper()
	db, err := NewDeviceDB(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRecordRepository(db)
}

func testRecord(t *testing.T, deviceTS time.Time) *models.LocalRecord {
	t.Helper()
	rec, err := models.NewRecord(models.KindLightReading,
		json.RawMessage(`{"lux":420,"ppfd":95}`), deviceTS)
	require.NoError(t, err)
	return rec
}

func TestRecordRepository_Put(t *testing.T) {
	repo := newTestRecordRepo(t)
	ctx := context.Background()

	t.Run("stores and retrieves a record", func(t *testing.T) {
		rec := testRecord(t, time.Now())
		require.NoError(t, repo.Put(ctx, rec))

		got, err := repo.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, models.KindLightReading, got.Kind)
		assert.Equal(t, models.StatusPending, got.SyncStatus)
		assert.JSONEq(t, string(rec.Payload), string(got.Payload))
	})

	t.Run("duplicate id is a no-op", func(t *testing.T) {
		rec := testRecord(t, time.Now())
		require.NoError(t, repo.Put(ctx, rec))

		dup := *rec
		dup.Payload = json.RawMessage(`{"lux":1}`)
		require.NoError(t, repo.Put(ctx, &dup))

		got, err := repo.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.JSONEq(t, string(rec.Payload), string(got.Payload), "original payload must survive")
	})

	t.Run("get missing record", func(t *testing.T) {
		_, err := repo.Get(ctx, "nope")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestRecordRepository_UpdateStatus(t *testing.T) {
	repo := newTestRecordRepo(t)
	ctx := context.Background()

	t.Run("valid transition chain", func(t *testing.T) {
		rec := testRecord(t, time.Now())
		require.NoError(t, repo.Put(ctx, rec))

		require.NoError(t, repo.UpdateStatus(ctx, rec.ID, models.StatusSyncing, "", nil))
		require.NoError(t, repo.UpdateStatus(ctx, rec.ID, models.StatusSynced, "", nil))

		got, err := repo.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSynced, got.SyncStatus)
	})

	t.Run("invalid transition is rejected", func(t *testing.T) {
		rec := testRecord(t, time.Now())
		require.NoError(t, repo.Put(ctx, rec))

		err := repo.UpdateStatus(ctx, rec.ID, models.StatusSynced, "", nil)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)

		got, err := repo.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.SyncStatus, "failed transition must not mutate")
	})

	t.Run("unknown record", func(t *testing.T) {
		err := repo.UpdateStatus(ctx, "missing", models.StatusSyncing, "", nil)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("stores correction and resets retry count on synced", func(t *testing.T) {
		rec := testRecord(t, time.Now())
		require.NoError(t, repo.Put(ctx, rec))

		ok, err := repo.ClaimPending(ctx, rec.ID)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, repo.MarkRetry(ctx, rec.ID, "timeout", time.Now()))

		ok, err = repo.ClaimPending(ctx, rec.ID)
		require.NoError(t, err)
		require.True(t, ok)

		correction := json.RawMessage(`{"lux":430}`)
		require.NoError(t, repo.UpdateStatus(ctx, rec.ID, models.StatusSynced, "", correction))

		got, err := repo.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSynced, got.SyncStatus)
		assert.Zero(t, got.RetryCount)
		assert.JSONEq(t, string(correction), string(got.ServerCorrection))
		assert.Nil(t, got.NextAttemptAt)
	})
}

func TestRecordRepository_ClaimPending(t *testing.T) {
	repo := newTestRecordRepo(t)
	ctx := context.Background()

	rec := testRecord(t, time.Now())
	require.NoError(t, repo.Put(ctx, rec))

	t.Run("first claim wins", func(t *testing.T) {
		ok, err := repo.ClaimPending(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("second claim loses", func(t *testing.T) {
		ok, err := repo.ClaimPending(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("claimed record is excluded from due selection", func(t *testing.T) {
		due, err := repo.ListDue(ctx, time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("cancelled record cannot be claimed", func(t *testing.T) {
		other := testRecord(t, time.Now())
		require.NoError(t, repo.Put(ctx, other))
		require.NoError(t, repo.UpdateStatus(ctx, other.ID, models.StatusCancelled, "", nil))

		ok, err := repo.ClaimPending(ctx, other.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRecordRepository_MarkRetry(t *testing.T) {
	repo := newTestRecordRepo(t)
	ctx := context.Background()

	rec := testRecord(t, time.Now())
	require.NoError(t, repo.Put(ctx, rec))

	t.Run("increments retry count and schedules next attempt", func(t *testing.T) {
		ok, err := repo.ClaimPending(ctx, rec.ID)
		require.NoError(t, err)
		require.True(t, ok)

		next := time.Now().UTC().Add(30 * time.Second).Truncate(time.Second)
		require.NoError(t, repo.MarkRetry(ctx, rec.ID, "connection reset", next))

		got, err := repo.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.SyncStatus)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "connection reset", got.LastError)
		require.NotNil(t, got.NextAttemptAt)
		assert.WithinDuration(t, next, *got.NextAttemptAt, time.Second)
	})

	t.Run("not due until the backoff window elapses", func(t *testing.T) {
		due, err := repo.ListDue(ctx, time.Now(), 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = repo.ListDue(ctx, time.Now().Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Len(t, due, 1)
	})

	t.Run("fails when the record is no longer syncing", func(t *testing.T) {
		err := repo.MarkRetry(ctx, rec.ID, "late failure", time.Now())
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})
}

func TestRecordRepository_Reset(t *testing.T) {
	repo := newTestRecordRepo(t)
	ctx := context.Background()

	failRecord := func(t *testing.T) *models.LocalRecord {
		rec := testRecord(t, time.Now())
		require.NoError(t, repo.Put(ctx, rec))
		ok, err := repo.ClaimPending(ctx, rec.ID)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, repo.UpdateStatus(ctx, rec.ID, models.StatusFailed, "retry limit exceeded", nil))
		return rec
	}

	t.Run("resets a failed record", func(t *testing.T) {
		rec := failRecord(t)
		require.NoError(t, repo.Reset(ctx, rec.ID))

		got, err := repo.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.SyncStatus)
		assert.Zero(t, got.RetryCount)
		assert.Empty(t, got.LastError)
	})

	t.Run("rejects reset of a pending record", func(t *testing.T) {
		rec := testRecord(t, time.Now())
		require.NoError(t, repo.Put(ctx, rec))

		err := repo.Reset(ctx, rec.ID)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})
}

func TestRecordRepository_Delete(t *testing.T) {
	repo := newTestRecordRepo(t)
	ctx := context.Background()

	t.Run("removes the record", func(t *testing.T) {
		rec := testRecord(t, time.Now())
		require.NoError(t, repo.Put(ctx, rec))

		require.NoError(t, repo.Delete(ctx, rec.ID))

		_, err := repo.Get(ctx, rec.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("unknown id", func(t *testing.T) {
		err := repo.Delete(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestRecordRepository_RequeueInFlight(t *testing.T) {
	repo := newTestRecordRepo(t)
	ctx := context.Background()

	var inFlight []*models.LocalRecord
	for i := 0; i < 3; i++ {
		rec := testRecord(t, time.Now())
		require.NoError(t, repo.Put(ctx, rec))
		ok, err := repo.ClaimPending(ctx, rec.ID)
		require.NoError(t, err)
		require.True(t, ok)
		inFlight = append(inFlight, rec)
	}
	untouched := testRecord(t, time.Now())
	require.NoError(t, repo.Put(ctx, untouched))
	require.NoError(t, repo.UpdateStatus(ctx, untouched.ID, models.StatusCancelled, "", nil))

	n, err := repo.RequeueInFlight(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	for _, rec := range inFlight {
		got, err := repo.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.SyncStatus)
	}
	got, err := repo.Get(ctx, untouched.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.SyncStatus)
}

func TestRecordRepository_Listing(t *testing.T) {
	repo := newTestRecordRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		rec := testRecord(t, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, repo.Put(ctx, rec))
		ids = append(ids, rec.ID)
	}

	t.Run("oldest capture first", func(t *testing.T) {
		got, err := repo.ListByStatus(ctx, models.StatusPending, "", 10)
		require.NoError(t, err)
		require.Len(t, got, 5)
		for i, rec := range got {
			assert.Equal(t, ids[i], rec.ID)
		}
	})

	t.Run("cursor restarts past the last seen id", func(t *testing.T) {
		first, err := repo.ListByStatus(ctx, models.StatusPending, "", 2)
		require.NoError(t, err)
		require.Len(t, first, 2)

		rest, err := repo.ListByStatus(ctx, models.StatusPending, first[1].ID, 10)
		require.NoError(t, err)
		require.Len(t, rest, 3)
		assert.Equal(t, ids[2], rest[0].ID)
	})

	t.Run("limit caps the page", func(t *testing.T) {
		got, err := repo.ListDue(ctx, time.Now(), 3)
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("cursor follows device time when it disagrees with id order", func(t *testing.T) {
		fresh := newTestRecordRepo(t)

		// The newer capture is enqueued first, so its UUIDv7 id sorts
		// before the backdated one while its device_ts sorts after.
		newer := testRecord(t, base.Add(time.Hour))
		require.NoError(t, fresh.Put(ctx, newer))
		backdated := testRecord(t, base.Add(-time.Hour))
		require.NoError(t, fresh.Put(ctx, backdated))

		first, err := fresh.ListByStatus(ctx, models.StatusPending, "", 1)
		require.NoError(t, err)
		require.Len(t, first, 1)
		assert.Equal(t, backdated.ID, first[0].ID)

		rest, err := fresh.ListByStatus(ctx, models.StatusPending, first[0].ID, 10)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, newer.ID, rest[0].ID)
	})

	t.Run("unknown cursor id", func(t *testing.T) {
		_, err := repo.ListByStatus(ctx, models.StatusPending, "vanished", 10)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestRecordRepository_PurgeTerminal(t *testing.T) {
	repo := newTestRecordRepo(t)
	ctx := context.Background()

	syncedOld := testRecord(t, time.Now())
	require.NoError(t, repo.Put(ctx, syncedOld))
	ok, err := repo.ClaimPending(ctx, syncedOld.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.UpdateStatus(ctx, syncedOld.ID, models.StatusSynced, "", nil))

	pending := testRecord(t, time.Now())
	require.NoError(t, repo.Put(ctx, pending))

	t.Run("cutoff in the past removes nothing", func(t *testing.T) {
		n, err := repo.PurgeTerminal(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("removes terminal records older than the cutoff", func(t *testing.T) {
		n, err := repo.PurgeTerminal(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		_, err = repo.Get(ctx, syncedOld.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)

		// Non-terminal records are never purged
		_, err = repo.Get(ctx, pending.ID)
		assert.NoError(t, err)
	})
}

func TestRecordRepository_CountByStatus(t *testing.T) {
	repo := newTestRecordRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Put(ctx, testRecord(t, time.Now())))
	}
	cancelled := testRecord(t, time.Now())
	require.NoError(t, repo.Put(ctx, cancelled))
	require.NoError(t, repo.UpdateStatus(ctx, cancelled.ID, models.StatusCancelled, "", nil))

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[models.StatusPending])
	assert.Equal(t, 1, counts[models.StatusCancelled])
}
