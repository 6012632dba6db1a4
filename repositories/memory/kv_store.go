package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/upb/kvtrace/repositories"
	"go.uber.org/zap"
)

// entry is a stored value with optional expiry
type entry struct {
	key          repositories.Key
	value        json.RawMessage
	versionstamp string
	expiresAt    time.Time
}

// isExpired checks if the entry has expired at now
func (e *entry) isExpired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// KVStore is an in-process KV engine. Expired entries are invisible to
// reads immediately and are reclaimed lazily or by CleanupExpired.
// Thread-safe implementation using sync.RWMutex
type KVStore struct {
	mu      sync.RWMutex
	entries map[string]*entry // Key: repositories.Key.Encode()
	seq     uint64
	closed  bool
	now     func() time.Time
	logger  *zap.Logger
}

// NewKVStore creates an empty store
func NewKVStore(logger *zap.Logger) *KVStore {
	return &KVStore{
		entries: make(map[string]*entry),
		now:     time.Now,
		logger:  logger,
	}
}

// Get retrieves an entry by key
func (s *KVStore) Get(ctx context.Context, key repositories.Key) (*repositories.KVEntry, error) {
	enc, err := key.Encode()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, repositories.ErrStoreClosed
	}

	e, ok := s.entries[enc]
	if !ok || e.isExpired(s.now()) {
		return &repositories.KVEntry{Key: key}, nil
	}
	return &repositories.KVEntry{
		Key:          e.key,
		Value:        e.value,
		Versionstamp: e.versionstamp,
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

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, repositories.ErrStoreClosed
	}

	now := s.now()
	keys := make([]string, 0)
	for enc, e := range s.entries {
		if strings.HasPrefix(enc, prefix) && !e.isExpired(now) {
			keys = append(keys, enc)
		}
	}

	sort.Strings(keys)
	if sel.Reverse {
		sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	}
	if sel.Limit > 0 && len(keys) > sel.Limit {
		keys = keys[:sel.Limit]
	}

	result := make([]repositories.KVEntry, 0, len(keys))
	for _, enc := range keys {
		e := s.entries[enc]
		result = append(result, repositories.KVEntry{
			Key:          e.key,
			Value:        e.value,
			Versionstamp: e.versionstamp,
		})
	}
	return result, nil
}

// Atomic starts a batched operation
func (s *KVStore) Atomic(ctx context.Context) repositories.AtomicOperation {
	return repositories.NewAtomicBuilder(s.commit)
}

// commit applies checks and mutations under the write lock
func (s *KVStore) commit(ctx context.Context, checks []repositories.AtomicCheck, mutations []repositories.Mutation) (repositories.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return repositories.CommitResult{}, repositories.ErrStoreClosed
	}

	now := s.now()
	for _, c := range checks {
		enc, err := c.Key.Encode()
		if err != nil {
			return repositories.CommitResult{}, err
		}
		current := ""
		if e, ok := s.entries[enc]; ok && !e.isExpired(now) {
			current = e.versionstamp
		}
		if current != c.Versionstamp {
			s.logger.Debug("atomic check failed", zap.String("key", c.Key.String()))
			return repositories.CommitResult{OK: false}, nil
		}
	}

	// Compute every new value before touching the map so a failing
	// mutation leaves the store unchanged.
	staged := make(map[string]*entry, len(mutations))
	deleted := make(map[string]bool)
	lookup := func(enc string) *entry {
		if e, ok := staged[enc]; ok {
			return e
		}
		if deleted[enc] {
			return nil
		}
		if e, ok := s.entries[enc]; ok && !e.isExpired(now) {
			return e
		}
		return nil
	}

	s.seq++
	versionstamp := repositories.FormatVersionstamp(s.seq)

	for _, m := range mutations {
		enc, err := m.Key.Encode()
		if err != nil {
			return repositories.CommitResult{}, err
		}

		switch m.Type {
		case repositories.MutationDelete:
			delete(staged, enc)
			deleted[enc] = true
		case repositories.MutationSet:
			e := &entry{key: m.Key, value: m.Value, versionstamp: versionstamp}
			if m.ExpireIn > 0 {
				e.expiresAt = now.Add(m.ExpireIn)
			}
			staged[enc] = e
			delete(deleted, enc)
		default:
			var current json.RawMessage
			if e := lookup(enc); e != nil {
				current = e.value
			}
			value, err := repositories.ApplyNumeric(current, m)
			if err != nil {
				return repositories.CommitResult{}, err
			}
			staged[enc] = &entry{key: m.Key, value: value, versionstamp: versionstamp}
			delete(deleted, enc)
		}
	}

	for enc := range deleted {
		delete(s.entries, enc)
	}
	for enc, e := range staged {
		s.entries[enc] = e
	}

	return repositories.CommitResult{OK: true, Versionstamp: versionstamp}, nil
}

// Len returns the number of stored entries, including expired ones not yet reclaimed
func (s *KVStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Ping reports whether the store is usable
func (s *KVStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return repositories.ErrStoreClosed
	}
	return nil
}

// CleanupExpired removes all expired entries
// Should be called periodically in a background goroutine
func (s *KVStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for enc, e := range s.entries {
		if e.isExpired(now) {
			delete(s.entries, enc)
			removed++
		}
	}
	return removed
}

// StartCleanupWorker periodically reclaims expired entries until stopCh is closed
func (s *KVStore) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.CleanupExpired(); n > 0 {
				s.logger.Debug("expired entries removed", zap.Int("count", n))
			}
		case <-stopCh:
			return
		}
	}
}

// Close releases the store; later calls fail with ErrStoreClosed
func (s *KVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = make(map[string]*entry)
	return nil
}
