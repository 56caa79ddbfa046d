package interlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/robot"
)

// PowerStatus is the live motor power state.
type PowerStatus string

const (
	PowerOff PowerStatus = "OFF"
	PowerOn  PowerStatus = "ON"
)

// LeaseHolder exposes the lease presented with power commands.
type LeaseHolder interface {
	Current() (robot.Lease, bool)
}

// Power switches motor power and waits for the robot to confirm.
type Power struct {
	client       robot.PowerClient
	leases       LeaseHolder
	logger       zerolog.Logger
	timeout      time.Duration
	pollInterval time.Duration
}

// NewPower returns a Power waiting up to timeout for transitions.
func NewPower(client robot.PowerClient, leases LeaseHolder, logger zerolog.Logger, timeout time.Duration) *Power {
	return &Power{
		client:       client,
		leases:       leases,
		logger:       logger,
		timeout:      timeout,
		pollInterval: 250 * time.Millisecond,
	}
}

// Status queries the robot; it is never cached.
func (p *Power) Status(ctx context.Context) (PowerStatus, error) {
	state, err := p.client.MotorPower(ctx)
	if err != nil {
		return PowerOff, fmt.Errorf("query motor power: %w", err)
	}
	if state == robot.PowerOn {
		return PowerOn, nil
	}
	return PowerOff, nil
}

// On powers the motors and waits for confirmation.
func (p *Power) On(ctx context.Context) error {
	return p.transition(ctx, "power on", robot.PowerOn, p.client.PowerOn)
}

// Off powers the motors down and waits for confirmation.
func (p *Power) Off(ctx context.Context) error {
	return p.transition(ctx, "power off", robot.PowerOff, p.client.PowerOff)
}

func (p *Power) transition(ctx context.Context, op string, target robot.PowerState, send func(context.Context, robot.Lease) error) error {
	lease, ok := p.leases.Current()
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrNoLease)
	}
	if err := send(ctx, lease); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.pollInterval
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 0
	policy.Reset()

	last := robot.PowerUnknown
	err := backoff.Retry(func() error {
		state, err := p.client.MotorPower(waitCtx)
		if err != nil {
			return err
		}
		last = state
		if state != target {
			return fmt.Errorf("motor power is %s", state)
		}
		return nil
	}, backoff.WithContext(policy, waitCtx))
	if err == nil {
		p.logger.Info().Str("op", op).Msg("motor power confirmed")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Timeout: p.timeout, Last: last}
	}
	return fmt.Errorf("%s: %w", op, err)
}
