package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/kvtrace/repositories"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*KVStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewKVStore(WrapDB(db, zap.NewNop()), zap.NewNop()), mock
}

func q(s string) string {
	return regexp.QuoteMeta(s)
}

func TestKVStore_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(q("SELECT value, versionstamp FROM kv_entries WHERE key_path = $1")).
			WithArgs(`["users","alice"]`).
			WillReturnRows(sqlmock.NewRows([]string{"value", "versionstamp"}).AddRow([]byte(`{"age":30}`), int64(7)))

		entry, err := store.Get(ctx, repositories.Key{"users", "alice"})
		require.NoError(t, err)
		assert.True(t, entry.Exists())
		assert.JSONEq(t, `{"age":30}`, string(entry.Value))
		assert.Equal(t, repositories.FormatVersionstamp(7), entry.Versionstamp)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(q("SELECT value, versionstamp FROM kv_entries")).
			WithArgs(`["nope"]`).
			WillReturnRows(sqlmock.NewRows([]string{"value", "versionstamp"}))

		entry, err := store.Get(ctx, repositories.Key{"nope"})
		require.NoError(t, err)
		assert.False(t, entry.Exists())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database error is wrapped", func(t *testing.T) {
		store, mock := newMockStore(t)
		dbErr := errors.New("connection reset")
		mock.ExpectQuery(q("SELECT value, versionstamp FROM kv_entries")).WillReturnError(dbErr)

		_, err := store.Get(ctx, repositories.Key{"a"})
		assert.ErrorIs(t, err, dbErr)
	})

	t.Run("invalid key never reaches the database", func(t *testing.T) {
		store, mock := newMockStore(t)
		_, err := store.Get(ctx, repositories.Key{})
		assert.ErrorIs(t, err, repositories.ErrInvalidKey)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestKVStore_Set(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT nextval('kv_versionstamp_seq')")).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(5)))
	mock.ExpectExec(q("INSERT INTO kv_entries (key_path, value, versionstamp, expires_at)")).
		WithArgs(`["app","debug","r1"]`, `{"status":200}`, int64(5), int64(600000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.Set(ctx,
		repositories.Key{"app", "debug", "r1"},
		map[string]int{"status": 200},
		repositories.WithExpireIn(10*time.Minute),
	)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, repositories.FormatVersionstamp(5), res.Versionstamp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKVStore_SetKeepsEscapedNUL(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT nextval('kv_versionstamp_seq')")).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(8)))
	mock.ExpectExec(q("INSERT INTO kv_entries (key_path, value, versionstamp, expires_at)")).
		WithArgs(`["app","debug","r2"]`, `{"requestPayload":"a\u0000b"}`, int64(8), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.Set(ctx,
		repositories.Key{"app", "debug", "r2"},
		map[string]string{"requestPayload": "a\x00b"},
	)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKVStore_Delete(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT nextval('kv_versionstamp_seq')")).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(6)))
	mock.ExpectExec(q("DELETE FROM kv_entries WHERE key_path = $1")).
		WithArgs(`["a"]`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Delete(ctx, repositories.Key{"a"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKVStore_AtomicCheckFailed(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT versionstamp FROM kv_entries WHERE key_path = $1")).
		WithArgs(`["k"]`).
		WillReturnRows(sqlmock.NewRows([]string{"versionstamp"}).AddRow(int64(3)))
	mock.ExpectRollback()

	res, err := store.Atomic(ctx).
		Check(repositories.AtomicCheck{Key: repositories.Key{"k"}, Versionstamp: ""}).
		Set(repositories.Key{"k"}, 1).
		Commit(ctx)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKVStore_AtomicSum(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT versionstamp FROM kv_entries")).
		WithArgs(`["c"]`).
		WillReturnRows(sqlmock.NewRows([]string{"versionstamp"}).AddRow(int64(1)))
	mock.ExpectQuery(q("SELECT nextval('kv_versionstamp_seq')")).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(2)))
	mock.ExpectQuery(q("SELECT value FROM kv_entries WHERE key_path = $1")).
		WithArgs(`["c"]`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("4")))
	mock.ExpectExec(q("INSERT INTO kv_entries")).
		WithArgs(`["c"]`, "6", int64(2), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.Atomic(ctx).
		Check(repositories.AtomicCheck{Key: repositories.Key{"c"}, Versionstamp: repositories.FormatVersionstamp(1)}).
		Sum(repositories.Key{"c"}, 2).
		Commit(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKVStore_SerializationFailure(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT nextval('kv_versionstamp_seq')")).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(9)))
	mock.ExpectExec(q("INSERT INTO kv_entries")).
		WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()

	res, err := store.Set(ctx, repositories.Key{"hot"}, 1)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKVStore_List(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"key_path", "value", "versionstamp"}).
		AddRow(`["app","debug","b"]`, []byte(`{"n":2}`), int64(11)).
		AddRow(`["app","debug","a"]`, []byte(`{"n":1}`), int64(10))

	mock.ExpectQuery(q(`SELECT key_path, value, versionstamp FROM kv_entries`)).
		WithArgs(`["app","debug",%`, int64(2)).
		WillReturnRows(rows)

	entries, err := store.List(ctx, repositories.ListSelector{
		Prefix:  repositories.Key{"app", "debug"},
		Limit:   2,
		Reverse: true,
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, repositories.Key{"app", "debug", "b"}, entries[0].Key)
	assert.Equal(t, repositories.FormatVersionstamp(10), entries[1].Versionstamp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `["user\_1",`, escapeLike(`["user_1",`))
	assert.Equal(t, `100\%`, escapeLike(`100%`))
	assert.Equal(t, `a\\b`, escapeLike(`a\b`))
}

func TestDB_HealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	store := NewKVStore(WrapDB(db, zap.NewNop()), zap.NewNop())
	assert.NoError(t, store.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
