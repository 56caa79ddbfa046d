package coordinator

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/config"
	"github.com/nholik/spot-sentinel/internal/mission"
	"github.com/nholik/spot-sentinel/internal/runner"
)

// Loop names a runner supervised by the Coordinator.
type Loop struct {
	Name   string
	Runner *runner.Runner
}

// Coordinator manages the robot's background loops: the interlock monitor and,
// when configured, the patrol. It spawns them in parallel and waits for
// context cancellation.
type Coordinator struct {
	logger       zerolog.Logger
	loops        []Loop
	runners      map[string]*runner.Runner
	runnerErrors map[string]error
	mu           sync.RWMutex
}

// New constructs a Coordinator over the given loops.
func New(logger zerolog.Logger, loops ...Loop) *Coordinator {
	return &Coordinator{
		logger:       logger,
		loops:        loops,
		runners:      make(map[string]*runner.Runner),
		runnerErrors: make(map[string]error),
	}
}

// ForSession builds the monitor loop at cfg.PollInterval and, if patrol is
// non-nil, a patrol loop at cfg.PatrolInterval.
func ForSession(logger zerolog.Logger, cfg config.Config, monitor []runner.Option, patrol *mission.Patrol) *Coordinator {
	loops := []Loop{{
		Name:   "monitor",
		Runner: runner.New(logger.With().Str("loop", "monitor").Logger(), cfg.PollInterval, monitor...),
	}}
	if patrol != nil {
		loops = append(loops, Loop{
			Name: "patrol",
			Runner: runner.New(
				logger.With().Str("loop", "patrol").Logger(),
				cfg.PatrolInterval,
				runner.WithRunOnce(patrol.RunOnce),
			),
		})
	}
	return New(logger, loops...)
}

// Run starts all loops in parallel and blocks until context is canceled.
// Returns nil on clean shutdown; logs any per-loop errors internally.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info().
		Int("loops", len(c.loops)).
		Msg("starting coordinator")

	var wg sync.WaitGroup
	for _, loop := range c.loops {
		wg.Add(1)
		go c.spawnRunner(ctx, &wg, loop)
	}

	wg.Wait()
	c.logger.Info().Msg("all loops stopped")

	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, err := range c.runnerErrors {
		if err != nil {
			c.logger.Error().Err(err).Str("loop", name).Msg("loop error")
		}
	}

	return nil
}

func (c *Coordinator) spawnRunner(ctx context.Context, wg *sync.WaitGroup, loop Loop) {
	defer wg.Done()

	loopLogger := c.logger.With().Str("loop", loop.Name).Logger()

	c.mu.Lock()
	c.runners[loop.Name] = loop.Runner
	c.mu.Unlock()

	loopLogger.Info().Msg("loop started")

	if err := loop.Runner.Run(ctx); err != nil {
		loopLogger.Error().Err(err).Msg("loop exited with error")
		c.recordError(loop.Name, err)
	} else {
		loopLogger.Info().Msg("loop exited cleanly")
	}
}

func (c *Coordinator) recordError(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runnerErrors[name] = err
}

// GetRunners returns a copy of the started runners keyed by loop name.
func (c *Coordinator) GetRunners() map[string]*runner.Runner {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]*runner.Runner, len(c.runners))
	for k, v := range c.runners {
		result[k] = v
	}
	return result
}

// Errors returns the loops that exited with an error.
func (c *Coordinator) Errors() map[string]error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]error, len(c.runnerErrors))
	for k, v := range c.runnerErrors {
		result[k] = v
	}
	return result
}
