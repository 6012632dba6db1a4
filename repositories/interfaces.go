package repositories

import (
	"context"
	"encoding/json"
	"time"
)

// MaxValueBytes is the largest encoded value a KV engine accepts for a single entry.
const MaxValueBytes = 64 * 1024

// KVStore is the storage client used by handlers and by the debug tracer.
// Every method takes the caller's context first so request-scoped state
// (the active debug trace, cancellation) flows with the call.
type KVStore interface {
	// Get returns the entry stored under key. A missing or expired key yields
	// an entry with a nil Value and an empty Versionstamp, not an error.
	Get(ctx context.Context, key Key) (*KVEntry, error)

	// Set stores value (encoded as JSON) under key
	Set(ctx context.Context, key Key, value any, opts ...SetOption) (CommitResult, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error

	// List returns entries matching the selector in key order
	List(ctx context.Context, sel ListSelector) ([]KVEntry, error)

	// Atomic starts a batched operation bound to ctx. Nothing is written
	// until Commit is called on the returned builder.
	Atomic(ctx context.Context) AtomicOperation
}

// AtomicOperation queues checks and mutations that are applied together on Commit.
type AtomicOperation interface {
	// Check asserts that the versionstamp of a key is unchanged at commit time
	Check(checks ...AtomicCheck) AtomicOperation

	Set(key Key, value any, opts ...SetOption) AtomicOperation
	Delete(key Key) AtomicOperation

	// Sum, Min and Max operate on integer values; a missing key is treated as n.
	Sum(key Key, n int64) AtomicOperation
	Min(key Key, n int64) AtomicOperation
	Max(key Key, n int64) AtomicOperation

	// Commit applies the queued mutations. A failed check is reported as
	// CommitResult{OK: false} with a nil error.
	Commit(ctx context.Context) (CommitResult, error)
}

// KVEntry is a single stored value
type KVEntry struct {
	Key          Key             `json:"key"`
	Value        json.RawMessage `json:"value"`
	Versionstamp string          `json:"versionstamp,omitempty"`
}

// Exists reports whether the entry was found
func (e *KVEntry) Exists() bool {
	return e != nil && e.Versionstamp != ""
}

// Decode unmarshals the stored value into v
func (e *KVEntry) Decode(v any) error {
	return json.Unmarshal(e.Value, v)
}

// CommitResult is returned by Set and AtomicOperation.Commit
type CommitResult struct {
	OK           bool   `json:"ok"`
	Versionstamp string `json:"versionstamp,omitempty"`
}

// AtomicCheck guards an atomic operation. An empty Versionstamp asserts
// that the key does not exist.
type AtomicCheck struct {
	Key          Key    `json:"key"`
	Versionstamp string `json:"versionstamp"`
}

// ListSelector selects a range of keys sharing a prefix
type ListSelector struct {
	Prefix  Key  `json:"prefix"`
	Limit   int  `json:"limit,omitempty"`
	Reverse bool `json:"reverse,omitempty"`
}

// SetOptions holds the optional parameters of a write
type SetOptions struct {
	ExpireIn time.Duration
}

// SetOption configures a write
type SetOption func(*SetOptions)

// WithExpireIn makes the written entry expire after d
func WithExpireIn(d time.Duration) SetOption {
	return func(o *SetOptions) {
		o.ExpireIn = d
	}
}

// ApplySetOptions folds opts into a SetOptions value
func ApplySetOptions(opts []SetOption) SetOptions {
	var o SetOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MutationType identifies a queued atomic mutation
type MutationType string

const (
	MutationSet    MutationType = "set"
	MutationDelete MutationType = "delete"
	MutationSum    MutationType = "sum"
	MutationMin    MutationType = "min"
	MutationMax    MutationType = "max"
)

// Mutation is one queued write inside an atomic operation. Engines share
// this representation so the builder can be implemented once.
type Mutation struct {
	Type     MutationType
	Key      Key
	Value    json.RawMessage
	Operand  int64
	ExpireIn time.Duration
}

// TransactionManager runs work inside a database transaction
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error
}
