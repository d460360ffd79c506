package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by unit tests in place of
// Redis. It honors TTL expiry on read so tests can exercise cleanup
// and expiry semantics without a real clock dependency tying every
// package to wall time.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	sets    map[string]map[string]struct{}
	now     func() time.Time
}

type entry struct {
	value   string
	expires time.Time // zero means no expiry
}

// NewMemoryStore returns an empty store using the real clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		sets:    make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

// WithClock overrides the time source, for deterministic TTL tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) expired(e entry) bool {
	return !e.expires.IsZero() && !e.expires.After(s.now())
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || s.expired(e) {
		if ok {
			delete(s.entries, key)
		}
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.entries[key] = entry{value: value, expires: exp}
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.entries, k)
		delete(s.sets, k)
	}
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	var n int64
	if ok && !s.expired(e) {
		var cur int64
		for _, c := range e.value {
			cur = cur*10 + int64(c-'0')
		}
		n = cur
	}
	n++
	digits := []byte{}
	v := n
	if v == 0 {
		digits = []byte{'0'}
	}
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	exp := time.Time{}
	if ok {
		exp = e.expires
	}
	s.entries[key] = entry{value: string(digits), expires: exp}
	return n, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	e.expires = s.now().Add(ttl)
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) ScanByPattern(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for k, e := range s.entries {
		if s.expired(e) {
			continue
		}
		if strings.HasSuffix(pattern, "*") {
			if strings.HasPrefix(k, prefix) {
				out = append(out, k)
			}
		} else if k == pattern {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) SAdd(_ context.Context, key string, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (s *MemoryStore) SRem(_ context.Context, key string, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.sets[key]; ok {
		delete(set, member)
	}
	return nil
}

func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// Pipeline applies each op in order against the in-memory maps,
// returning nil errors — the fake never partially fails, which is
// fine for unit tests exercising the happy path and for tests that
// inject failure via a wrapping decorator instead.
func (s *MemoryStore) Pipeline(ctx context.Context, ops []Op) []error {
	errs := make([]error, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case OpSetWithTTL:
			errs[i] = s.SetWithTTL(ctx, op.Key, op.Value, op.TTL)
		case OpSAdd:
			errs[i] = s.SAdd(ctx, op.Key, op.Member)
		case OpDel:
			errs[i] = s.Del(ctx, op.Key)
		}
	}
	return errs
}
