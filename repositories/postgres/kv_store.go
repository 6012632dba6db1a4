package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/upb/kvtrace/repositories"
	"go.uber.org/zap"
)

// serializationFailure is the SQLSTATE reported when a serializable
// transaction loses a race with a concurrent writer.
const serializationFailure = "40001"

// errCheckFailed aborts a commit whose atomic checks did not hold
var errCheckFailed = errors.New("atomic check failed")

const liveCondition = `(expires_at IS NULL OR expires_at > NOW())`

// KVStore implements repositories.KVStore on a single PostgreSQL table
type KVStore struct {
	db     *DB
	txMgr  *TransactionManager
	logger *zap.Logger
}

// NewKVStore creates a new PostgreSQL-backed KV store
func NewKVStore(db *DB, logger *zap.Logger) *KVStore {
	return &KVStore{
		db:     db,
		txMgr:  NewTransactionManager(db, logger),
		logger: logger,
	}
}

// Get retrieves an entry by key
func (s *KVStore) Get(ctx context.Context, key repositories.Key) (*repositories.KVEntry, error) {
	enc, err := key.Encode()
	if err != nil {
		return nil, err
	}

	query := `SELECT value, versionstamp FROM kv_entries WHERE key_path = $1 AND ` + liveCondition

	var (
		value []byte
		seq   int64
	)
	err = GetExecutor(ctx, s.db).QueryRowContext(ctx, query, enc).Scan(&value, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return &repositories.KVEntry{Key: key}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}

	return &repositories.KVEntry{
		Key:          key,
		Value:        json.RawMessage(value),
		Versionstamp: repositories.FormatVersionstamp(uint64(seq)),
	}, nil
}

// Set stores a value
func (s *KVStore) Set(ctx context.Context, key repositories.Key, value any, opts ...repositories.SetOption) (repositories.CommitResult, error) {
	return s.Atomic(ctx).Set(key, value, opts...).Commit(ctx)
}

// Delete removes a key
func (s *KVStore) Delete(ctx context.Context, key repositories.Key) error {
	_, err := s.Atomic(ctx).Delete(key).Commit(ctx)
	return err
}

// List returns live entries under sel.Prefix ordered by encoded key
func (s *KVStore) List(ctx context.Context, sel repositories.ListSelector) ([]repositories.KVEntry, error) {
	prefix, err := sel.Prefix.EncodePrefix()
	if err != nil {
		return nil, err
	}

	direction := "ASC"
	if sel.Reverse {
		direction = "DESC"
	}

	// LIMIT NULL means no limit
	var limit sql.NullInt64
	if sel.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(sel.Limit), Valid: true}
	}

	query := `SELECT key_path, value, versionstamp FROM kv_entries
		WHERE key_path LIKE $1 ESCAPE '\' AND ` + liveCondition + `
		ORDER BY key_path COLLATE "C" ` + direction + `
		LIMIT $2`

	rows, err := GetExecutor(ctx, s.db).QueryContext(ctx, query, escapeLike(prefix)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", sel.Prefix, err)
	}
	defer rows.Close()

	entries := make([]repositories.KVEntry, 0)
	for rows.Next() {
		var (
			keyPath string
			value   []byte
			seq     int64
		)
		if err := rows.Scan(&keyPath, &value, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		key, err := repositories.DecodeKey(keyPath)
		if err != nil {
			return nil, err
		}
		entries = append(entries, repositories.KVEntry{
			Key:          key,
			Value:        json.RawMessage(value),
			Versionstamp: repositories.FormatVersionstamp(uint64(seq)),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}

	return entries, nil
}

// Atomic starts a batched operation
func (s *KVStore) Atomic(ctx context.Context) repositories.AtomicOperation {
	return repositories.NewAtomicBuilder(s.commit)
}

// Ping verifies the database is reachable
func (s *KVStore) Ping(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}

// commit applies a batch inside one serializable transaction. Failed checks
// and serialization conflicts are reported as OK=false.
func (s *KVStore) commit(ctx context.Context, checks []repositories.AtomicCheck, mutations []repositories.Mutation) (repositories.CommitResult, error) {
	var versionstamp string

	err := s.txMgr.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		exec := GetExecutor(ctx, s.db)

		for _, c := range checks {
			current, err := s.currentVersionstamp(ctx, exec, c.Key)
			if err != nil {
				return err
			}
			if current != c.Versionstamp {
				return errCheckFailed
			}
		}

		var seq int64
		if err := exec.QueryRowContext(ctx, `SELECT nextval('kv_versionstamp_seq')`).Scan(&seq); err != nil {
			return fmt.Errorf("failed to allocate versionstamp: %w", err)
		}

		for _, m := range mutations {
			if err := s.apply(ctx, exec, m, seq); err != nil {
				return err
			}
		}

		versionstamp = repositories.FormatVersionstamp(uint64(seq))
		return nil
	})

	var pqErr *pq.Error
	switch {
	case err == nil:
		return repositories.CommitResult{OK: true, Versionstamp: versionstamp}, nil
	case errors.Is(err, errCheckFailed):
		return repositories.CommitResult{OK: false}, nil
	case errors.As(err, &pqErr) && string(pqErr.Code) == serializationFailure:
		s.logger.Debug("atomic commit lost serialization race", zap.String("detail", pqErr.Message))
		return repositories.CommitResult{OK: false}, nil
	default:
		return repositories.CommitResult{}, err
	}
}

func (s *KVStore) currentVersionstamp(ctx context.Context, exec Executor, key repositories.Key) (string, error) {
	enc, err := key.Encode()
	if err != nil {
		return "", err
	}

	var seq int64
	err = exec.QueryRowContext(ctx,
		`SELECT versionstamp FROM kv_entries WHERE key_path = $1 AND `+liveCondition+` FOR UPDATE`,
		enc,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check %s: %w", key, err)
	}
	return repositories.FormatVersionstamp(uint64(seq)), nil
}

func (s *KVStore) apply(ctx context.Context, exec Executor, m repositories.Mutation, seq int64) error {
	enc, err := m.Key.Encode()
	if err != nil {
		return err
	}

	switch m.Type {
	case repositories.MutationDelete:
		if _, err := exec.ExecContext(ctx, `DELETE FROM kv_entries WHERE key_path = $1`, enc); err != nil {
			return fmt.Errorf("failed to delete %s: %w", m.Key, err)
		}
		return nil

	case repositories.MutationSet:
		var expireMs sql.NullInt64
		if m.ExpireIn > 0 {
			expireMs = sql.NullInt64{Int64: m.ExpireIn.Milliseconds(), Valid: true}
		}
		return s.upsert(ctx, exec, enc, m.Value, seq, expireMs)

	default:
		var current []byte
		err := exec.QueryRowContext(ctx,
			`SELECT value FROM kv_entries WHERE key_path = $1 AND `+liveCondition+` FOR UPDATE`,
			enc,
		).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read %s: %w", m.Key, err)
		}
		value, err := repositories.ApplyNumeric(current, m)
		if err != nil {
			return err
		}
		return s.upsert(ctx, exec, enc, value, seq, sql.NullInt64{})
	}
}

func (s *KVStore) upsert(ctx context.Context, exec Executor, enc string, value json.RawMessage, seq int64, expireMs sql.NullInt64) error {
	query := `INSERT INTO kv_entries (key_path, value, versionstamp, expires_at)
		VALUES ($1, $2, $3, NOW() + ($4::bigint * INTERVAL '1 millisecond'))
		ON CONFLICT (key_path) DO UPDATE SET
			value = EXCLUDED.value,
			versionstamp = EXCLUDED.versionstamp,
			expires_at = EXCLUDED.expires_at`

	if _, err := exec.ExecContext(ctx, query, enc, string(value), seq, expireMs); err != nil {
		return fmt.Errorf("failed to write %s: %w", enc, err)
	}
	return nil
}

// escapeLike escapes LIKE wildcards so the prefix matches literally
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
