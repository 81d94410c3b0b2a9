package patientauth

import (
	"context"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Stores
// ---------------------------------------------------------------------------

// TokenStore persists possession tokens keyed by secret hash. Consume
// and RecordFailure are atomic so concurrent verifications of the same
// token cannot both succeed.
type TokenStore interface {
	Save(ctx context.Context, token *AuthToken) error
	Get(ctx context.Context, hash string) (*AuthToken, error)
	// RecordFailure increments the failure counter and returns the new
	// count.
	RecordFailure(ctx context.Context, hash string) (int, error)
	// Consume flips the used flag. It returns ErrTokenUsed when another
	// caller got there first.
	Consume(ctx context.Context, hash string) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// RateLimitStore enforces a rolling issuance window per identifier.
// Reserve either admits the request (retryAfter zero) or reports how
// long until the oldest reservation falls out of the window.
type RateLimitStore interface {
	Reserve(ctx context.Context, key string, limit int, window time.Duration) (retryAfter time.Duration, err error)
}

// AttemptStore tracks consecutive verification failures per subject and
// blocks the subject once the threshold is reached. Entries older than
// the lockout expire on their own, so unblocking needs no scheduler.
type AttemptStore interface {
	// Fail records one failure and reports whether the subject is now
	// blocked.
	Fail(ctx context.Context, subject string, threshold int, lockout time.Duration) (blocked bool, err error)
	Blocked(ctx context.Context, subject string) (bool, error)
	Clear(ctx context.Context, subject string) error
}

// ---------------------------------------------------------------------------
// In-memory token store
// ---------------------------------------------------------------------------

// MemoryTokenStore is a thread-safe in-memory TokenStore for dev and
// tests.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*AuthToken
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*AuthToken)}
}

func (s *MemoryTokenStore) Save(_ context.Context, token *AuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.tokens[token.Hash] = &cp
	return nil
}

func (s *MemoryTokenStore) Get(_ context.Context, hash string) (*AuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[hash]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryTokenStore) RecordFailure(_ context.Context, hash string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[hash]
	if !ok {
		return 0, ErrTokenNotFound
	}
	t.FailedCount++
	return t.FailedCount, nil
}

func (s *MemoryTokenStore) Consume(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[hash]
	if !ok {
		return ErrTokenNotFound
	}
	if t.Used {
		return ErrTokenUsed
	}
	t.Used = true
	return nil
}

func (s *MemoryTokenStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for hash, t := range s.tokens {
		if t.Expired(now) {
			delete(s.tokens, hash)
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// In-memory rate limit store
// ---------------------------------------------------------------------------

// MemoryRateLimitStore keeps per-key reservation timestamps and prunes
// them as the window rolls forward.
type MemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	return &MemoryRateLimitStore{
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryRateLimitStore) Reserve(_ context.Context, key string, limit int, window time.Duration) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-window)
	kept := s.windows[key][:0]
	for _, ts := range s.windows[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		s.windows[key] = kept
		return kept[0].Add(window).Sub(now), nil
	}
	s.windows[key] = append(kept, now)
	return 0, nil
}

// ---------------------------------------------------------------------------
// In-memory attempt store
// ---------------------------------------------------------------------------

type attemptEntry struct {
	count   int
	blocked bool
	last    time.Time
	lockout time.Duration
}

// MemoryAttemptStore is a thread-safe in-memory AttemptStore. A blocked
// entry is deleted on the first lookup after its lockout elapses.
type MemoryAttemptStore struct {
	mu      sync.Mutex
	entries map[string]*attemptEntry
	now     func() time.Time
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{
		entries: make(map[string]*attemptEntry),
		now:     time.Now,
	}
}

func (s *MemoryAttemptStore) Fail(_ context.Context, subject string, threshold int, lockout time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[subject]
	if !ok || s.stale(e, now) {
		e = &attemptEntry{}
		s.entries[subject] = e
	}
	e.count++
	e.last = now
	e.lockout = lockout
	if e.count >= threshold {
		e.blocked = true
	}
	return e.blocked, nil
}

func (s *MemoryAttemptStore) Blocked(_ context.Context, subject string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[subject]
	if !ok {
		return false, nil
	}
	if s.stale(e, s.now()) {
		delete(s.entries, subject)
		return false, nil
	}
	return e.blocked, nil
}

func (s *MemoryAttemptStore) Clear(_ context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, subject)
	return nil
}

func (s *MemoryAttemptStore) stale(e *attemptEntry, now time.Time) bool {
	return e.lockout > 0 && now.Sub(e.last) >= e.lockout
}
