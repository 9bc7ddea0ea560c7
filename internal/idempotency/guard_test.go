package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestGuard_Seen(t *testing.T) {
	t.Run("cache hit short-circuits the database", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		guard := NewGuard(db, redisClient, time.Hour)

		redisMock.ExpectExists("idem:sync_batch:B-1").SetVal(1)

		seen, err := guard.Seen(context.Background(), "sync_batch", "B-1")
		assert.NoError(t, err)
		assert.True(t, seen)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("cache miss consults the durable store and backfills", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		guard := NewGuard(db, redisClient, time.Hour)

		redisMock.ExpectExists("idem:sync_batch:B-1").SetVal(0)
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("sync_batch", "B-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		redisMock.ExpectSet("idem:sync_batch:B-1", 1, time.Hour).SetVal("OK")

		seen, err := guard.Seen(context.Background(), "sync_batch", "B-1")
		assert.NoError(t, err)
		assert.True(t, seen)
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("unseen key", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		guard := NewGuard(db, nil, time.Hour)

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("sync_batch", "B-2").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		seen, err := guard.Seen(context.Background(), "sync_batch", "B-2")
		assert.NoError(t, err)
		assert.False(t, seen)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGuard_Mark(t *testing.T) {
	t.Run("mark is idempotent", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		guard := NewGuard(db, nil, time.Hour)

		mock.ExpectExec("INSERT INTO idempotency_keys").
			WithArgs("sync_batch", "B-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO idempotency_keys").
			WithArgs("sync_batch", "B-1").
			WillReturnResult(sqlmock.NewResult(0, 0)) // conflict, no-op

		assert.NoError(t, guard.Mark(context.Background(), "sync_batch", "B-1"))
		assert.NoError(t, guard.Mark(context.Background(), "sync_batch", "B-1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGuard_MarkTx(t *testing.T) {
	t.Run("mark rolls back with the surrounding transaction", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		guard := NewGuard(db, nil, time.Hour)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO idempotency_keys").
			WithArgs("sync_batch", "B-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectRollback()

		tx, err := db.Begin()
		assert.NoError(t, err)
		assert.NoError(t, guard.MarkTx(context.Background(), tx, "sync_batch", "B-1"))
		assert.NoError(t, tx.Rollback())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
