package traced

import (
	"context"
	"time"

	"github.com/upb/kvtrace/internal/debugtrace"
	"github.com/upb/kvtrace/repositories"
)

// atomicOperation records queued mutations with a zero duration and times
// the commit. It is bound to the ExecutionContext active when the builder
// was created.
type atomicOperation struct {
	next repositories.AtomicOperation
	ec   *debugtrace.ExecutionContext
	obs  *observer
}

func (o *observer) wrapAtomic(op repositories.AtomicOperation, ec *debugtrace.ExecutionContext) repositories.AtomicOperation {
	return &atomicOperation{next: op, ec: ec, obs: o}
}

func (a *atomicOperation) Check(checks ...repositories.AtomicCheck) repositories.AtomicOperation {
	a.next = a.next.Check(checks...)
	for _, c := range checks {
		a.obs.queued(a.ec, "atomic.check", c)
	}
	return a
}

func (a *atomicOperation) Set(key repositories.Key, value any, opts ...repositories.SetOption) repositories.AtomicOperation {
	a.next = a.next.Set(key, value, opts...)
	a.obs.queued(a.ec, "atomic.set", key)
	return a
}

func (a *atomicOperation) Delete(key repositories.Key) repositories.AtomicOperation {
	a.next = a.next.Delete(key)
	a.obs.queued(a.ec, "atomic.delete", key)
	return a
}

func (a *atomicOperation) Sum(key repositories.Key, n int64) repositories.AtomicOperation {
	a.next = a.next.Sum(key, n)
	a.obs.queued(a.ec, "atomic.sum", key)
	return a
}

func (a *atomicOperation) Min(key repositories.Key, n int64) repositories.AtomicOperation {
	a.next = a.next.Min(key, n)
	a.obs.queued(a.ec, "atomic.min", key)
	return a
}

func (a *atomicOperation) Max(key repositories.Key, n int64) repositories.AtomicOperation {
	a.next = a.next.Max(key, n)
	a.obs.queued(a.ec, "atomic.max", key)
	return a
}

func (a *atomicOperation) Commit(ctx context.Context) (repositories.CommitResult, error) {
	start := time.Now()
	res, err := a.next.Commit(ctx)
	a.obs.record(a.ec, "atomic.commit", nil, start, err, func() map[string]any {
		details := map[string]any{"ok": res.OK}
		if res.Versionstamp != "" {
			details["versionstamp"] = res.Versionstamp
		}
		return details
	})
	return res, err
}
