// Package breaker provides a failure-isolation wrapper for fallible
// dependencies. Instances are constructed explicitly and injected; two
// breakers guarding different dependencies never share state.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harborauth/harbor/internal/apperror"
)

// State enumerates breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrOpen signals that the breaker rejected the call without invoking the
// wrapped operation.
var ErrOpen = errors.New("breaker: circuit open")

// Breaker trips after a run of consecutive failures and rejects calls until
// the cooldown elapses, then allows a single probe.
type Breaker struct {
	name      string
	threshold int
	timeout   time.Duration
	logger    *zap.Logger

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       State
	probing     bool

	now func() time.Time
}

// New constructs a breaker tripping after threshold consecutive failures
// with an open-state cooldown of timeout.
func New(name string, threshold int, timeout time.Duration, logger *zap.Logger) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

// State returns the current breaker state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.timeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs op unless the breaker is open. While open, calls fail fast
// with a ServiceUnavailable error wrapping ErrOpen. After the cooldown,
// exactly one concurrent caller is admitted as a probe.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := op(ctx)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.timeout {
			return apperror.ServiceUnavailable(ErrOpen)
		}
		b.state = StateHalfOpen
		b.probing = true
		b.logger.Info("breaker half-open, probing", zap.String("breaker", b.name))
		return nil
	default: // half-open
		if b.probing {
			return apperror.ServiceUnavailable(ErrOpen)
		}
		b.probing = true
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil {
		if b.state != StateClosed {
			b.logger.Info("breaker closed", zap.String("breaker", b.name))
		}
		b.failures = 0
		b.state = StateClosed
		return
	}

	b.failures++
	b.lastFailure = b.now()
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		if b.state != StateOpen {
			b.logger.Warn("breaker opened",
				zap.String("breaker", b.name),
				zap.Int("failures", b.failures),
				zap.Duration("cooldown", b.timeout),
			)
		}
		b.state = StateOpen
	}
}
