// Package interlock coordinates the estop endpoint, the body lease and motor
// power so that motion is only attempted while all three are safe.
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

// Defaults for a robot session.
const (
	DefaultEstopName      = "spot-sentinel-estop"
	DefaultEstopTimeout   = 5 * time.Second
	DefaultLeaseKeepAlive = 2 * time.Second
	DefaultPowerTimeout   = 30 * time.Second
)

// Status holds the three independent interlock axes.
type Status struct {
	Lease   LeaseStatus `json:"lease"`
	Estop   EstopStatus `json:"estop"`
	Motor   PowerStatus `json:"motor"`
	Aborted bool        `json:"aborted"`
}

// SafeToOperate reports whether motion commands may be issued.
func (s Status) SafeToOperate() bool {
	return s.Lease == LeaseActive && s.Estop == EstopNotEstopped && !s.Aborted
}

type settings struct {
	estopName      string
	estopTimeout   time.Duration
	leaseKeepAlive time.Duration
	powerTimeout   time.Duration
	powerPoll      time.Duration
	tickerFactory  func(time.Duration) Ticker
	recorder       Recorder
}

// Option customizes an Interlock.
type Option func(*settings)

// WithEstopName sets the estop endpoint name.
func WithEstopName(name string) Option {
	return func(s *settings) {
		s.estopName = name
	}
}

// WithEstopTimeout sets the estop endpoint timeout. The heartbeat runs at a
// third of it.
func WithEstopTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.estopTimeout = d
	}
}

// WithLeaseKeepAlive sets the lease retain interval.
func WithLeaseKeepAlive(d time.Duration) Option {
	return func(s *settings) {
		s.leaseKeepAlive = d
	}
}

// WithPowerTimeout bounds the wait for power transitions.
func WithPowerTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.powerTimeout = d
	}
}

// WithPowerPollInterval sets the first poll delay while waiting on power.
func WithPowerPollInterval(d time.Duration) Option {
	return func(s *settings) {
		s.powerPoll = d
	}
}

// WithTickerFactory overrides how keep-alive tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(s *settings) {
		s.tickerFactory = factory
	}
}

// WithRecorder reports keep-alive failures.
func WithRecorder(r Recorder) Option {
	return func(s *settings) {
		s.recorder = r
	}
}

// Interlock is the single owner of the session's lease and estop endpoint.
type Interlock struct {
	Estop *Estop
	Lease *Lease
	Power *Power

	logger zerolog.Logger

	mu          sync.Mutex
	aborted     bool
	abortCtx    context.Context
	abortCancel context.CancelFunc
}

// New builds an Interlock over a robot session.
func New(session robot.Session, logger zerolog.Logger, opts ...Option) *Interlock {
	s := settings{
		estopName:      DefaultEstopName,
		estopTimeout:   DefaultEstopTimeout,
		leaseKeepAlive: DefaultLeaseKeepAlive,
		powerTimeout:   DefaultPowerTimeout,
		tickerFactory:  defaultTickerFactory,
		recorder:       nopRecorder{},
	}
	for _, opt := range opts {
		opt(&s)
	}

	estop := NewEstop(session, logger.With().Str("resource", "estop").Logger(), s.estopName, s.estopTimeout)
	estop.tickerFactory = s.tickerFactory
	estop.recorder = s.recorder

	lease := NewLease(session, logger.With().Str("resource", "lease").Logger(), s.leaseKeepAlive)
	lease.tickerFactory = s.tickerFactory
	lease.recorder = s.recorder

	power := NewPower(session, lease, logger.With().Str("resource", "power").Logger(), s.powerTimeout)
	if s.powerPoll > 0 {
		power.pollInterval = s.powerPoll
	}

	i := &Interlock{Estop: estop, Lease: lease, Power: power, logger: logger}
	i.abortCtx, i.abortCancel = context.WithCancel(context.Background())
	return i
}

// Status reads all three axes. Query failures are returned alongside the
// best-known status.
func (i *Interlock) Status(ctx context.Context) (Status, error) {
	st := Status{Lease: i.Lease.Status(), Aborted: i.Aborted()}
	estop, estopErr := i.Estop.Status(ctx)
	st.Estop = estop
	motor, motorErr := i.Power.Status(ctx)
	st.Motor = motor
	return st, errors.Join(estopErr, motorErr)
}

// Guard checks that motion may start and returns a context that is canceled
// by Abort. The returned cancel must be called when the motion ends.
func (i *Interlock) Guard(ctx context.Context) (context.Context, context.CancelFunc, error) {
	i.mu.Lock()
	aborted := i.aborted
	abortCtx := i.abortCtx
	i.mu.Unlock()

	if aborted {
		return nil, nil, ErrAborted
	}
	if i.Lease.Status() != LeaseActive {
		return nil, nil, fmt.Errorf("%w: lease is not active", ErrNotSafe)
	}
	estop, err := i.Estop.Status(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrNotSafe, err)
	}
	if estop != EstopNotEstopped {
		return nil, nil, fmt.Errorf("%w: estop is %s", ErrNotSafe, estop)
	}

	guarded, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(abortCtx, cancel)
	return guarded, func() {
		stop()
		cancel()
	}, nil
}

// Abort engages settle-then-cut, then cancels every guarded operation. Guard
// refuses new motion until Allow.
func (i *Interlock) Abort(ctx context.Context) error {
	i.mu.Lock()
	i.aborted = true
	cancel := i.abortCancel
	i.mu.Unlock()

	err := i.Estop.SettleThenCut(ctx)
	cancel()
	if err != nil {
		i.logger.Error().Err(err).Msg("operator abort could not engage estop")
		return fmt.Errorf("abort: %w", err)
	}
	i.logger.Warn().Msg("operator abort: estop engaged")
	return nil
}

// Allow clears the estop and any pending abort.
func (i *Interlock) Allow(ctx context.Context) error {
	if err := i.Estop.Allow(ctx); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.aborted {
		i.aborted = false
		i.abortCtx, i.abortCancel = context.WithCancel(context.Background())
		i.logger.Info().Msg("operator abort cleared")
	}
	return nil
}

// Aborted reports whether an abort is pending.
func (i *Interlock) Aborted() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.aborted
}

// Close powers off, releases the lease and shuts the estop endpoint down.
// Every step is attempted; the errors are joined.
func (i *Interlock) Close(ctx context.Context) error {
	var errs []error
	if i.Lease.Status() == LeaseActive {
		if motor, err := i.Power.Status(ctx); err == nil && motor == PowerOn {
			if err := i.Power.Off(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := i.Lease.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if i.Estop.Active() {
		if err := i.Estop.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	i.mu.Lock()
	i.abortCancel()
	i.mu.Unlock()
	return errors.Join(errs...)
}

// CurrentLease returns the held lease.
func (i *Interlock) CurrentLease() (robot.Lease, bool) {
	return i.Lease.Current()
}

// AdvanceLease moves the held lease forward and returns it.
func (i *Interlock) AdvanceLease() (robot.Lease, error) {
	return i.Lease.Advance()
}
