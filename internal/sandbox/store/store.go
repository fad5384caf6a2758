// Package store keeps the sandbox portal's active codes in memory, one per result.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"medlab-portal/resultaccess/internal/sandbox/otp"
)

var (
	// ErrNoCode is returned by Verify when no code is active for the result.
	ErrNoCode = errors.New("store: no active code")
	// ErrExpired is returned by Verify when the active code has expired. The code is dropped.
	ErrExpired = errors.New("store: code expired")
	// ErrMismatch is returned by Verify for a wrong code with attempts left.
	ErrMismatch = errors.New("store: code mismatch")
	// ErrTooManyAttempts is returned by Verify when a wrong code used the last attempt. The code is dropped.
	ErrTooManyAttempts = errors.New("store: too many attempts")
)

// CooldownError is returned by Issue when a code was issued too recently.
type CooldownError struct {
	Wait time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("store: resend cooldown, retry in %s", e.Wait)
}

// Config sets the store's limits.
type Config struct {
	TTL         time.Duration
	Cooldown    time.Duration
	MaxAttempts int
	// KeepPlain keeps the plain code for Peek. Only the dev endpoint needs it.
	KeepPlain bool
}

// Issued describes a freshly issued code.
type Issued struct {
	ID        string
	ExpiresAt time.Time
}

type entry struct {
	id        string
	hash      string
	plain     string
	expiresAt time.Time
	attempts  int
}

// MemoryStore is an in-memory code store. A new issue replaces the previous code.
type MemoryStore struct {
	cfg Config

	mu       sync.Mutex
	codes    map[string]*entry
	issuedAt map[string]time.Time
	nowF     func() time.Time
}

// NewMemoryStore returns an empty store. Zero limits fall back to 10m TTL, 60s cooldown and 3 attempts.
func NewMemoryStore(cfg Config) *MemoryStore {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &MemoryStore{
		cfg:      cfg,
		codes:    make(map[string]*entry),
		issuedAt: make(map[string]time.Time),
		nowF:     func() time.Time { return time.Now().UTC() },
	}
}

// TTL returns how long issued codes stay valid.
func (s *MemoryStore) TTL() time.Duration { return s.cfg.TTL }

// Issue stores code for resultID, replacing any active code, unless the cooldown since the
// previous issue has not elapsed.
func (s *MemoryStore) Issue(ctx context.Context, resultID, code string) (Issued, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowF()
	if last, ok := s.issuedAt[resultID]; ok {
		if wait := last.Add(s.cfg.Cooldown).Sub(now); wait > 0 {
			return Issued{}, &CooldownError{Wait: wait}
		}
	}
	e := &entry{
		id:        uuid.NewString(),
		hash:      otp.Hash(code),
		expiresAt: now.Add(s.cfg.TTL),
	}
	if s.cfg.KeepPlain {
		e.plain = code
	}
	s.codes[resultID] = e
	s.issuedAt[resultID] = now
	return Issued{ID: e.id, ExpiresAt: e.expiresAt}, nil
}

// Verify checks code against the active code for resultID. A match consumes the code.
func (s *MemoryStore) Verify(ctx context.Context, resultID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.codes[resultID]
	if !ok {
		return ErrNoCode
	}
	if !e.expiresAt.After(s.nowF()) {
		delete(s.codes, resultID)
		return ErrExpired
	}
	if otp.Equal(code, e.hash) {
		delete(s.codes, resultID)
		return nil
	}
	e.attempts++
	if e.attempts >= s.cfg.MaxAttempts {
		delete(s.codes, resultID)
		return ErrTooManyAttempts
	}
	return ErrMismatch
}

// Peek returns the plain active code for resultID when the store keeps plain codes.
func (s *MemoryStore) Peek(ctx context.Context, resultID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.codes[resultID]
	if !ok || e.plain == "" {
		return "", false
	}
	if !e.expiresAt.After(s.nowF()) {
		delete(s.codes, resultID)
		return "", false
	}
	return e.plain, true
}
