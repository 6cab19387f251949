// Package store provides session persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/review-bridge/internal/domain"
)

// SessionStore persists review sessions keyed by id.
type SessionStore interface {
	// Put inserts or replaces a session and refreshes its retention deadline.
	Put(ctx context.Context, s *domain.Session) error

	// Get returns a copy of the session, or domain.ErrNotFound when it is
	// missing or expired.
	Get(ctx context.Context, id string) (*domain.Session, error)

	// Update applies fn to a private copy of the session and commits the copy
	// whole. An error from fn aborts the update without side effects. fn may
	// be invoked more than once when the backend retries.
	Update(ctx context.Context, id string, fn func(*domain.Session) error) (*domain.Session, error)

	// Delete removes a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes every session past its retention deadline.
	DeleteExpired(ctx context.Context) (int64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Options configure retention and retry behavior shared by the backends.
type Options struct {
	TTL            time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

// DefaultTTL is the retention window for sessions untouched since their last update.
const DefaultTTL = 60 * time.Minute

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 50 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
