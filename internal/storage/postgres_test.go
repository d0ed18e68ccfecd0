package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waterbender/internal/schedule"
	logx "waterbender/pkg/logx"
)

func newMockStore(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newSQLStore(db, dialectPostgres, logx.Nop()), mock
}

func TestRebind(t *testing.T) {
	pg := &sqlStore{dialect: dialectPostgres}
	assert.Equal(t, "a = $1 AND b IN ($2,$3)", pg.rebind("a = ? AND b IN (?,?)"))
	lite := &sqlStore{dialect: dialectSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestPostgresListActive(t *testing.T) {
	st, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "type", "datetime", "weekday", "repeat_interval", "duration", "keep_after_run", "status", "created_at"}).
		AddRow(1, "hourly", nil, nil, "4", 5, false, "active", 1741568400000).
		AddRow(2, "weekly", "2025-03-10 17:30", "Mon,Wed", nil, 10, true, "active", nil)
	mock.ExpectQuery(`SELECT .* FROM irrigation_schedule WHERE status = \$1 ORDER BY id`).
		WithArgs("active").
		WillReturnRows(rows)

	got, err := st.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, schedule.Interval("4"), got[0].RepeatInterval)
	assert.Empty(t, got[0].Datetime)
	assert.Equal(t, "Mon,Wed", got[1].Weekday)
	assert.True(t, got[1].KeepAfterRun)
	assert.True(t, got[1].CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListActiveUnavailable(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .* FROM irrigation_schedule`).WillReturnError(errors.New("connection refused"))

	_, err := st.ListActive(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertBatchRollsBack(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO irrigation_schedule`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(`INSERT INTO irrigation_schedule`).WillReturnError(errors.New("check constraint"))
	mock.ExpectRollback()

	_, err := st.InsertBatch(context.Background(), []schedule.Schedule{
		{Type: schedule.TypeDaily, Datetime: "2025-03-10 06:00", Duration: 1},
		{Type: schedule.TypeDaily, Datetime: "2025-03-10 07:00", Duration: 0},
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteByIDs(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM irrigation_schedule WHERE id IN \(\$1,\$2\)`).
		WithArgs(int64(3), int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := st.DeleteByIDs(context.Background(), []int64{3, 4})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
