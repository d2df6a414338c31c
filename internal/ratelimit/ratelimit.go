// Package ratelimit implements the fixed-window request limiter used by the
// credential flows. The window resets on expiry rather than sliding
// continuously; on store failure the limiter fails open so the protected
// endpoint stays available.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Record tracks request counts for one identifier within a window.
type Record struct {
	Count         int
	WindowStarted time.Time
}

// Store persists per-identifier windows. Increment must be atomic with
// respect to concurrent callers: it resets the window when absent or expired,
// increments, and returns the post-increment count plus the window start.
type Store interface {
	Increment(ctx context.Context, identifier string, window time.Duration) (Record, error)
	Get(ctx context.Context, identifier string, window time.Duration) (Record, bool, error)
	Reset(ctx context.Context, identifier string) error
}

// Status describes the remaining budget for an identifier.
type Status struct {
	Remaining int
	ResetAt   time.Time
}

// Limiter enforces a per-identifier request budget over a store.
type Limiter struct {
	store  Store
	logger *zap.Logger

	now func() time.Time
}

// New constructs a limiter over the given store.
func New(store Store, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.L()
	}
	return &Limiter{store: store, logger: logger, now: time.Now}
}

// Allow increments the identifier's counter and reports whether the request
// is within the limit. Store failures allow the request through.
func (l *Limiter) Allow(ctx context.Context, identifier string, limit int, window time.Duration) bool {
	rec, err := l.store.Increment(ctx, identifier, window)
	if err != nil {
		l.logger.Warn("rate limit store failure, failing open",
			zap.String("identifier", identifier), zap.Error(err))
		return true
	}
	return rec.Count <= limit
}

// Status reports the remaining budget and window reset time, used to emit
// rate-limit response headers. Store failures report a full budget.
func (l *Limiter) Status(ctx context.Context, identifier string, limit int, window time.Duration) Status {
	now := l.now()
	rec, ok, err := l.store.Get(ctx, identifier, window)
	if err != nil {
		l.logger.Warn("rate limit status failure",
			zap.String("identifier", identifier), zap.Error(err))
		return Status{Remaining: limit, ResetAt: now.Add(window)}
	}
	if !ok || now.Sub(rec.WindowStarted) > window {
		return Status{Remaining: limit, ResetAt: now.Add(window)}
	}
	remaining := limit - rec.Count
	if remaining < 0 {
		remaining = 0
	}
	return Status{Remaining: remaining, ResetAt: rec.WindowStarted.Add(window)}
}

// Reset clears the identifier's window, used after a successful step in a
// multi-step flow.
func (l *Limiter) Reset(ctx context.Context, identifier string) {
	if err := l.store.Reset(ctx, identifier); err != nil {
		l.logger.Warn("rate limit reset failure",
			zap.String("identifier", identifier), zap.Error(err))
	}
}
