package interlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/robot"
)

// LeaseStatus is NONE or ACTIVE.
type LeaseStatus string

const (
	LeaseNone   LeaseStatus = "NONE"
	LeaseActive LeaseStatus = "ACTIVE"
)

// Lease owns the body lease and its keep-alive.
type Lease struct {
	client        robot.LeaseClient
	logger        zerolog.Logger
	interval      time.Duration
	tickerFactory func(time.Duration) Ticker
	recorder      Recorder

	mu      sync.Mutex
	current *robot.Lease
	ka      *keepalive
}

// NewLease returns a Lease retaining the lease every interval.
func NewLease(client robot.LeaseClient, logger zerolog.Logger, interval time.Duration) *Lease {
	return &Lease{
		client:        client,
		logger:        logger,
		interval:      interval,
		tickerFactory: defaultTickerFactory,
		recorder:      nopRecorder{},
	}
}

// Acquire obtains the lease unless another client holds it. It is a no-op
// while the lease is held.
func (l *Lease) Acquire(ctx context.Context) error {
	return l.obtain(ctx, "acquire", l.client.Acquire)
}

// Take obtains the lease, preempting any other holder. It is a no-op while
// the lease is held.
func (l *Lease) Take(ctx context.Context) error {
	return l.obtain(ctx, "take", l.client.Take)
}

func (l *Lease) obtain(ctx context.Context, op string, fn func(context.Context, string) (robot.Lease, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil {
		return nil
	}
	lease, err := fn(ctx, robot.BodyResource)
	if err != nil {
		if errors.Is(err, robot.ErrResourceAlreadyClaimed) {
			return fmt.Errorf("%w: %w", ErrAlreadyClaimed, err)
		}
		return fmt.Errorf("lease %s: %w", op, err)
	}
	l.current = &lease
	l.ka = startKeepalive(ctx, l.tickerFactory(l.interval), l.retain)
	l.logger.Info().Str("op", op).Str("epoch", lease.Epoch).Msg("lease obtained")
	return nil
}

// Release returns the lease. It is a no-op when no lease is held. The local
// lease is dropped even when the robot rejects the return.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.current == nil {
		l.mu.Unlock()
		return nil
	}
	lease := *l.current
	ka := l.ka
	l.current = nil
	l.ka = nil
	l.mu.Unlock()

	ka.stop()
	if err := l.client.Return(ctx, lease); err != nil {
		return fmt.Errorf("lease return: %w", err)
	}
	l.logger.Info().Str("epoch", lease.Epoch).Msg("lease released")
	return nil
}

// Current returns the held lease.
func (l *Lease) Current() (robot.Lease, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return robot.Lease{}, false
	}
	return *l.current, true
}

// Advance moves the held lease to its next sequence number and returns it.
func (l *Lease) Advance() (robot.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return robot.Lease{}, ErrNoLease
	}
	next := l.current.Advance()
	l.current = &next
	return next, nil
}

// Status reports whether a lease is held.
func (l *Lease) Status() LeaseStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return LeaseNone
	}
	return LeaseActive
}

func (l *Lease) retain(ctx context.Context) {
	lease, ok := l.Current()
	if !ok {
		return
	}
	beatCtx, cancel := context.WithTimeout(ctx, l.interval)
	defer cancel()
	if err := l.client.Retain(beatCtx, lease); err != nil && ctx.Err() == nil {
		l.recorder.KeepaliveFailed("lease")
		l.logger.Error().Err(err).Str("epoch", lease.Epoch).Msg("lease keep-alive failed")
	}
}
