package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/courierd/courier/internal/database"
	"github.com/courierd/courier/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.ERROR.Level())
}

func newTestDB(t *testing.T) database.Manager {
	db := database.New()
	require.NoError(t, db.Connect(database.Config{Path: filepath.Join(t.TempDir(), "courier.db")}))
	t.Cleanup(func() { db.GetSqlxDb().Close() })

	return db
}

func Test_SaveAndGet_RoundTripsEntry(t *testing.T) {
	db := newTestDB(t)
	store := NewStore()

	entry := &Entry{
		ID:         uuid.New(),
		Kind:       KindTransferSend,
		Label:      "holiday.mp4",
		Params:     map[string]string{"paths": "/media/holiday.mp4"},
		Outcome:    OutcomeComplete,
		BytesTotal: 1024,
	}
	require.NoError(t, store.Save(db.GetSqlxDb(), entry))

	fetched, err := store.Get(db.GetSqlxDb(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, fetched.ID)
	assert.Equal(t, KindTransferSend, fetched.Kind)
	assert.Equal(t, "holiday.mp4", fetched.Label)
	assert.Equal(t, map[string]string{"paths": "/media/holiday.mp4"}, fetched.Params)
	assert.Equal(t, OutcomeComplete, fetched.Outcome)
	assert.Equal(t, int64(1024), fetched.BytesTotal)
	assert.False(t, fetched.ConcludedAt.IsZero())
}

func Test_Get_UnknownEntryReturnsNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := NewStore().Get(db.GetSqlxDb(), uuid.New())
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func Test_Get_DatabaseFailureIsNotReportedAsMissing(t *testing.T) {
	db := database.New()
	require.NoError(t, db.Connect(database.Config{Path: filepath.Join(t.TempDir(), "courier.db")}))
	require.NoError(t, db.GetSqlxDb().Close())

	_, err := NewStore().Get(db.GetSqlxDb(), uuid.New())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEntryNotFound)
}

func Test_List_FiltersByKindAndRespectsLimit(t *testing.T) {
	db := newTestDB(t)
	store := NewStore()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(db.GetSqlxDb(), &Entry{ID: uuid.New(), Kind: KindDownload, Label: "dl", Outcome: OutcomeComplete}))
	}
	require.NoError(t, store.Save(db.GetSqlxDb(), &Entry{ID: uuid.New(), Kind: KindTransferReceive, Label: "rx", Outcome: OutcomeTroubled, Trouble: "peer disconnected"}))

	all, err := store.List(db.GetSqlxDb(), "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	downloads, err := store.List(db.GetSqlxDb(), KindDownload, 0)
	require.NoError(t, err)
	assert.Len(t, downloads, 3)
	for _, entry := range downloads {
		assert.Equal(t, KindDownload, entry.Kind)
	}

	limited, err := store.List(db.GetSqlxDb(), "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func Test_Delete_RemovesEntry(t *testing.T) {
	db := newTestDB(t)
	store := NewStore()

	entry := &Entry{ID: uuid.New(), Kind: KindConvert, Label: "input.avi", Outcome: OutcomeCancelled}
	require.NoError(t, store.Save(db.GetSqlxDb(), entry))

	require.NoError(t, store.Delete(db.GetSqlxDb(), entry.ID))
	_, err := store.Get(db.GetSqlxDb(), entry.ID)
	assert.ErrorIs(t, err, ErrEntryNotFound)

	assert.ErrorIs(t, store.Delete(db.GetSqlxDb(), entry.ID), ErrEntryNotFound)
}

func Test_Prune_RemovesOnlyEntriesBeforeCutoff(t *testing.T) {
	db := newTestDB(t)
	store := NewStore()

	require.NoError(t, store.Save(db.GetSqlxDb(), &Entry{ID: uuid.New(), Kind: KindDownload, Label: "dl", Outcome: OutcomeComplete}))

	removed, err := store.Prune(db.GetSqlxDb(), time.Now().AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = store.Prune(db.GetSqlxDb(), time.Now().AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	remaining, err := store.List(db.GetSqlxDb(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
