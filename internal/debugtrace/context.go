package debugtrace

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ExecutionContext is the mutable state of one traced request
type ExecutionContext struct {
	RequestID   string
	Start       time.Time
	StartMemory MemorySnapshot

	mu  sync.Mutex
	log []OperationRecord
}

// NewExecutionContext captures the start time and memory counters
func NewExecutionContext(requestID string) *ExecutionContext {
	return &ExecutionContext{
		RequestID:   requestID,
		Start:       time.Now(),
		StartMemory: ReadMemorySnapshot(),
	}
}

// Append adds a record to the end of the log
func (ec *ExecutionContext) Append(rec OperationRecord) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.log = append(ec.log, rec)
}

// Records returns a copy of the log in insertion order
func (ec *ExecutionContext) Records() []OperationRecord {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]OperationRecord, len(ec.log))
	copy(out, ec.log)
	return out
}

// Len returns the number of records
func (ec *ExecutionContext) Len() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return len(ec.log)
}

// executionKey is an unexported context key type.
type executionKey struct{}

// Run makes ec current for everything reachable from the context passed to fn
func Run(ctx context.Context, ec *ExecutionContext, fn func(ctx context.Context) error) error {
	return fn(context.WithValue(ctx, executionKey{}, ec))
}

// FromContext returns the active ExecutionContext, or nil outside Run
func FromContext(ctx context.Context) *ExecutionContext {
	ec, _ := ctx.Value(executionKey{}).(*ExecutionContext)
	return ec
}

// Append records rec in the active ExecutionContext; without one it does nothing
func Append(ctx context.Context, rec OperationRecord) {
	if ec := FromContext(ctx); ec != nil {
		ec.Append(rec)
	}
}

// Logf appends a log line to the active trace
func Logf(ctx context.Context, format string, args ...any) {
	ec := FromContext(ctx)
	if ec == nil {
		return
	}
	rec := NewRecord(CategoryLog, "log")
	rec.Details = map[string]any{"message": fmt.Sprintf(format, args...)}
	ec.Append(rec)
}

// Detach returns a context that keeps ctx's values but is never cancelled
// and carries no ExecutionContext, so calls made with it are not traced.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), executionKey{}, (*ExecutionContext)(nil))
}
