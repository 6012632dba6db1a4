// Package traced decorates a repositories.KVStore so that every call made
// on behalf of a traced request is timed and appended to the request's
// debug operation log. Calls made without an active trace go straight to
// the wrapped store.
package traced

import (
	"context"
	"encoding/json"
	"time"

	"github.com/upb/kvtrace/internal/debugtrace"
	"github.com/upb/kvtrace/internal/observability"
	"github.com/upb/kvtrace/repositories"
)

// Option configures the decorator
type Option func(*observer)

// WithMetrics reports traced call durations to m
func WithMetrics(m *observability.Metrics) Option {
	return func(o *observer) {
		o.metrics = m
	}
}

// observer holds what the store and builder decorators share
type observer struct {
	metrics *observability.Metrics
}

// Wrap returns store decorated with operation recording
func Wrap(store repositories.KVStore, opts ...Option) repositories.KVStore {
	o := &observer{}
	for _, opt := range opts {
		opt(o)
	}
	return &kvStore{next: store, obs: o}
}

type kvStore struct {
	next repositories.KVStore
	obs  *observer
}

func (s *kvStore) Get(ctx context.Context, key repositories.Key) (*repositories.KVEntry, error) {
	ec := debugtrace.FromContext(ctx)
	if ec == nil {
		return s.next.Get(ctx, key)
	}

	start := time.Now()
	entry, err := s.next.Get(ctx, key)
	s.obs.record(ec, "get", key, start, err, nil)
	return entry, err
}

func (s *kvStore) Set(ctx context.Context, key repositories.Key, value any, opts ...repositories.SetOption) (repositories.CommitResult, error) {
	ec := debugtrace.FromContext(ctx)
	if ec == nil {
		return s.next.Set(ctx, key, value, opts...)
	}

	start := time.Now()
	res, err := s.next.Set(ctx, key, value, opts...)
	s.obs.record(ec, "set", key, start, err, nil)
	return res, err
}

func (s *kvStore) Delete(ctx context.Context, key repositories.Key) error {
	ec := debugtrace.FromContext(ctx)
	if ec == nil {
		return s.next.Delete(ctx, key)
	}

	start := time.Now()
	err := s.next.Delete(ctx, key)
	s.obs.record(ec, "delete", key, start, err, nil)
	return err
}

func (s *kvStore) List(ctx context.Context, sel repositories.ListSelector) ([]repositories.KVEntry, error) {
	ec := debugtrace.FromContext(ctx)
	if ec == nil {
		return s.next.List(ctx, sel)
	}

	start := time.Now()
	entries, err := s.next.List(ctx, sel)
	s.obs.record(ec, "list", sel, start, err, func() map[string]any {
		return map[string]any{"count": len(entries)}
	})
	return entries, err
}

// Atomic is not itself recorded; the builder it returns is wrapped so each
// queued operation and the commit are.
func (s *kvStore) Atomic(ctx context.Context) repositories.AtomicOperation {
	op := s.next.Atomic(ctx)
	ec := debugtrace.FromContext(ctx)
	if ec == nil {
		return op
	}
	return s.obs.wrapAtomic(op, ec)
}

// Unwrap returns the decorated store
func (s *kvStore) Unwrap() repositories.KVStore {
	return s.next
}

// record appends a timed record. details runs only on success.
func (o *observer) record(ec *debugtrace.ExecutionContext, operation string, arg any, start time.Time, err error, details func() map[string]any) {
	elapsed := time.Since(start)

	rec := debugtrace.NewRecord(debugtrace.CategoryKV, operation)
	rec.Key = describe(arg)
	rec.Duration = debugtrace.Millis(elapsed)
	if err != nil {
		rec.Error = err.Error()
	} else if details != nil {
		rec.Details = details()
	}

	ec.Append(rec)
	o.metrics.RecordKVOperation(operation, elapsed, err)
}

// queued appends a zero-duration record for an operation buffered in a builder
func (o *observer) queued(ec *debugtrace.ExecutionContext, operation string, arg any) {
	rec := debugtrace.NewRecord(debugtrace.CategoryKV, operation)
	rec.Key = describe(arg)
	ec.Append(rec)
}

// describe serializes the first argument of a call. Values that cannot be
// encoded are left out of the record.
func describe(arg any) string {
	if arg == nil {
		return ""
	}
	b, err := json.Marshal(arg)
	if err != nil {
		return ""
	}
	return string(b)
}
