package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"artisan-gen-api/internal/domain/repository"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return &Client{db: db}, mock
}

func TestWithTransactionCommit(t *testing.T) {
	client, mock := newMockClient(t)
	txm := NewTxManager(client)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "generation_requests"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := txm.WithTransaction(context.Background(), func(txCtx context.Context) error {
		return getDB(txCtx, client.db).
			Exec(`UPDATE "generation_requests" SET status = ? WHERE id = ?`, "failed", "req-1").Error
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransactionRollbackOnError(t *testing.T) {
	client, mock := newMockClient(t)
	txm := NewTxManager(client)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := txm.WithTransaction(context.Background(), func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransactionNestedReusesOuter(t *testing.T) {
	client, mock := newMockClient(t)
	txm := NewTxManager(client)

	// 嵌套调用复用外层事务，只允许一次 Begin/Commit
	mock.ExpectBegin()
	mock.ExpectCommit()

	var nestedRan bool
	err := txm.WithTransaction(context.Background(), func(txCtx context.Context) error {
		return txm.WithTransaction(txCtx, func(innerCtx context.Context) error {
			nestedRan = true
			assert.NotNil(t, innerCtx.Value(repository.TxKey{}))
			return nil
		})
	})
	require.NoError(t, err)
	assert.True(t, nestedRan)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListByUserRunsInSingleTransaction(t *testing.T) {
	client, mock := newMockClient(t)
	repo := NewGenerationRequestRepository(client)

	// 计数与取页共享一个事务快照
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT count\(\*\) FROM "generation_requests" WHERE user_id = \$1`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`SELECT \* FROM "generation_requests" WHERE user_id = \$1 ORDER BY created_at DESC`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "status", "version"}).
			AddRow("req-1", "user-1", "completed", int64(3)).
			AddRow("req-2", "user-1", "failed", int64(2)))
	mock.ExpectCommit()

	result, err := repo.ListByUser(context.Background(), "user-1", nil, repository.NewPagination(1, 20))
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Total)
	require.Len(t, result.Items, 2)
	assert.Equal(t, "req-1", result.Items[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListByUserRollsBackOnQueryError(t *testing.T) {
	client, mock := newMockClient(t)
	repo := NewGenerationRequestRepository(client)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT count\(\*\) FROM "generation_requests"`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := repo.ListByUser(context.Background(), "user-1", nil, repository.NewPagination(1, 20))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count generation requests")
	assert.NoError(t, mock.ExpectationsWereMet())
}
