package repositories

import (
	"context"
)

// CommitFunc applies a validated batch of checks and mutations
type CommitFunc func(ctx context.Context, checks []AtomicCheck, mutations []Mutation) (CommitResult, error)

// AtomicBuilder is the AtomicOperation shared by the KV engines. It queues
// checks and mutations in memory and hands them to the engine on Commit.
// The first queuing error (bad key, oversized value) is reported by Commit.
type AtomicBuilder struct {
	checks    []AtomicCheck
	mutations []Mutation
	err       error
	commit    CommitFunc
}

// NewAtomicBuilder creates a builder that commits through fn
func NewAtomicBuilder(fn CommitFunc) *AtomicBuilder {
	return &AtomicBuilder{commit: fn}
}

func (b *AtomicBuilder) Check(checks ...AtomicCheck) AtomicOperation {
	for _, c := range checks {
		b.fail(c.Key.Validate())
	}
	b.checks = append(b.checks, checks...)
	return b
}

func (b *AtomicBuilder) Set(key Key, value any, opts ...SetOption) AtomicOperation {
	b.fail(key.Validate())
	enc, err := EncodeValue(value)
	b.fail(err)
	b.mutations = append(b.mutations, Mutation{
		Type:     MutationSet,
		Key:      key,
		Value:    enc,
		ExpireIn: ApplySetOptions(opts).ExpireIn,
	})
	return b
}

func (b *AtomicBuilder) Delete(key Key) AtomicOperation {
	b.fail(key.Validate())
	b.mutations = append(b.mutations, Mutation{Type: MutationDelete, Key: key})
	return b
}

func (b *AtomicBuilder) Sum(key Key, n int64) AtomicOperation {
	return b.numeric(MutationSum, key, n)
}

func (b *AtomicBuilder) Min(key Key, n int64) AtomicOperation {
	return b.numeric(MutationMin, key, n)
}

func (b *AtomicBuilder) Max(key Key, n int64) AtomicOperation {
	return b.numeric(MutationMax, key, n)
}

// Commit applies the queued batch
func (b *AtomicBuilder) Commit(ctx context.Context) (CommitResult, error) {
	if b.err != nil {
		return CommitResult{}, b.err
	}
	return b.commit(ctx, b.checks, b.mutations)
}

func (b *AtomicBuilder) numeric(t MutationType, key Key, n int64) AtomicOperation {
	b.fail(key.Validate())
	b.mutations = append(b.mutations, Mutation{Type: t, Key: key, Operand: n})
	return b
}

func (b *AtomicBuilder) fail(err error) {
	if err != nil && b.err == nil {
		b.err = err
	}
}
