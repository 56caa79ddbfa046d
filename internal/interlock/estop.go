package interlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/robot"
)

// EstopStatus is derived from the last heartbeat and the robot stop level.
type EstopStatus string

const (
	EstopNone        EstopStatus = "NONE"
	EstopNotEstopped EstopStatus = "NOT_ESTOPPED"
	EstopEstopped    EstopStatus = "ESTOPPED"
	EstopError       EstopStatus = "ERROR"
)

// Estop owns this process's estop endpoint and its heartbeat.
type Estop struct {
	client        robot.EstopClient
	logger        zerolog.Logger
	name          string
	timeout       time.Duration
	tickerFactory func(time.Duration) Ticker
	recorder      Recorder

	// rpcMu orders check-ins so a heartbeat never overtakes a level change.
	rpcMu sync.Mutex

	mu       sync.Mutex
	endpoint *robot.EstopEndpoint
	level    robot.StopLevel
	lastErr  error
	ka       *keepalive
}

// NewEstop returns an Estop registering endpoints under name with the given
// timeout.
func NewEstop(client robot.EstopClient, logger zerolog.Logger, name string, timeout time.Duration) *Estop {
	return &Estop{
		client:        client,
		logger:        logger,
		name:          name,
		timeout:       timeout,
		tickerFactory: defaultTickerFactory,
		recorder:      nopRecorder{},
	}
}

// HeartbeatInterval is the check-in period, well inside the endpoint timeout.
func (e *Estop) HeartbeatInterval() time.Duration {
	return e.timeout / 3
}

// Setup registers the endpoint, allows motion and starts the heartbeat.
func (e *Estop) Setup(ctx context.Context) error {
	e.mu.Lock()
	if e.endpoint != nil {
		e.mu.Unlock()
		return ErrAlreadyActive
	}
	ep, err := e.client.Register(ctx, e.name, e.timeout)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("register estop endpoint: %w", err)
	}
	e.endpoint = &ep
	e.level = robot.StopLevelNone
	e.lastErr = nil
	e.ka = startKeepalive(ctx, e.tickerFactory(e.HeartbeatInterval()), e.heartbeat)
	e.mu.Unlock()

	e.logger.Info().Str("endpoint", ep.UniqueID).Dur("timeout", e.timeout).Msg("estop endpoint registered")
	return e.checkIn(ctx, robot.StopLevelNone)
}

// Allow clears the stop level.
func (e *Estop) Allow(ctx context.Context) error {
	return e.checkIn(ctx, robot.StopLevelNone)
}

// Stop cuts motor power immediately.
func (e *Estop) Stop(ctx context.Context) error {
	return e.checkIn(ctx, robot.StopLevelCut)
}

// SettleThenCut lets the robot sit down before cutting power.
func (e *Estop) SettleThenCut(ctx context.Context) error {
	return e.checkIn(ctx, robot.StopLevelSettleThenCut)
}

// Shutdown stops the heartbeat and deregisters the endpoint.
func (e *Estop) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.endpoint == nil {
		e.mu.Unlock()
		return ErrNotSetup
	}
	ep := *e.endpoint
	ka := e.ka
	e.endpoint = nil
	e.ka = nil
	e.lastErr = nil
	e.mu.Unlock()

	ka.stop()
	if err := e.client.Deregister(ctx, ep); err != nil {
		return fmt.Errorf("deregister estop endpoint: %w", err)
	}
	e.logger.Info().Str("endpoint", ep.UniqueID).Msg("estop endpoint shut down")
	return nil
}

// Active reports whether an endpoint is registered.
func (e *Estop) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endpoint != nil
}

// Status derives the estop status from the last heartbeat result and the
// stop level the robot reports now.
func (e *Estop) Status(ctx context.Context) (EstopStatus, error) {
	e.mu.Lock()
	active := e.endpoint != nil
	lastErr := e.lastErr
	e.mu.Unlock()

	if !active {
		return EstopNone, nil
	}
	if lastErr != nil {
		return EstopError, nil
	}
	level, err := e.client.StopLevel(ctx)
	if err != nil {
		return EstopError, fmt.Errorf("query stop level: %w", err)
	}
	switch level {
	case robot.StopLevelNone:
		return EstopNotEstopped, nil
	case robot.StopLevelCut, robot.StopLevelSettleThenCut:
		return EstopEstopped, nil
	default:
		return EstopError, nil
	}
}

// LastHeartbeatError returns the result of the most recent check-in.
func (e *Estop) LastHeartbeatError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Estop) checkIn(ctx context.Context, level robot.StopLevel) error {
	e.rpcMu.Lock()
	defer e.rpcMu.Unlock()

	e.mu.Lock()
	if e.endpoint == nil {
		e.mu.Unlock()
		return ErrNotSetup
	}
	ep := *e.endpoint
	e.level = level
	e.mu.Unlock()

	err := e.client.CheckIn(ctx, ep, level)
	e.record(err)
	if err != nil {
		return fmt.Errorf("estop check-in (%s): %w", level, err)
	}
	e.logger.Info().Str("level", string(level)).Msg("estop level set")
	return nil
}

func (e *Estop) heartbeat(ctx context.Context) {
	e.rpcMu.Lock()
	defer e.rpcMu.Unlock()

	e.mu.Lock()
	if e.endpoint == nil {
		e.mu.Unlock()
		return
	}
	ep := *e.endpoint
	level := e.level
	e.mu.Unlock()

	beatCtx, cancel := context.WithTimeout(ctx, e.HeartbeatInterval())
	defer cancel()
	err := e.client.CheckIn(beatCtx, ep, level)
	if ctx.Err() != nil {
		return
	}
	e.record(err)
	if err != nil {
		e.recorder.KeepaliveFailed("estop")
		e.logger.Error().Err(err).Str("endpoint", ep.UniqueID).Msg("estop heartbeat failed")
	}
}

func (e *Estop) record(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErr = err
}
