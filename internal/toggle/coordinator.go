// Package toggle serializes user start/stop requests: at most one tunnel is
// mid-start at a time, stops pass straight through.
package toggle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/notify"
	"github.com/chmlfrp/frplauncher/internal/tunnel"
	"github.com/chmlfrp/frplauncher/internal/tunnelstate"
)

// Errors returned by Toggle.
var (
	ErrBusy             = tunnelstate.ErrBusy
	ErrStartInProgress  = tunnelstate.ErrStartInProgress
	ErrNotAuthenticated = tunnel.ErrNotAuthenticated
)

// Action is what a toggle asked for.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// TimerCanceller stops a tunnel's pending progress timers.
type TimerCanceller interface {
	CancelTimers(key tunnel.Key)
}

// Observer is told about every toggle result.
type Observer interface {
	ObserveToggle(action, result string)
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Store       *tunnelstate.Store
	Supervisor  tunnel.Supervisor
	Credentials tunnel.Credentials
	Timers      TimerCanceller
	Notifier    notify.Notifier
	Observer    Observer
	Logger      *zap.Logger
}

// Coordinator implements user toggles on top of the store's phases and
// starting slot.
type Coordinator struct {
	deps Deps
}

// NewCoordinator creates a toggle coordinator.
func NewCoordinator(deps Deps) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Coordinator{deps: deps}
}

// Toggle starts (enable) or stops a tunnel. A tunnel that is already being
// toggled or recovered is left alone and nil is returned with no effect;
// callers that need to know use the store's phase.
func (c *Coordinator) Toggle(ctx context.Context, key tunnel.Key, enable bool) error {
	if enable {
		return c.Start(ctx, key)
	}
	return c.Stop(ctx, key)
}

// Start starts key unless another tunnel is mid-start.
func (c *Coordinator) Start(ctx context.Context, key tunnel.Key) error {
	log := c.deps.Logger.With(zap.String("tunnel", key.String()))

	credential, ok := c.deps.Credentials.Token()
	if !ok {
		c.observe(ActionStart, "unauthenticated")
		return ErrNotAuthenticated
	}

	if err := c.deps.Store.BeginStart(key); err != nil {
		if errors.Is(err, ErrBusy) {
			c.observe(ActionStart, "busy")
			return nil
		}
		log.Info("Start rejected", zap.Error(err))
		c.observe(ActionStart, "rejected")
		return err
	}
	defer c.deps.Store.EndToggle(key, tunnelstate.PhaseStarting)

	msg, err := c.deps.Supervisor.StartTunnel(ctx, key, credential)
	if err != nil {
		log.Error("Failed to start tunnel", zap.Error(err))
		c.deps.Store.Fail(key)
		c.deps.Store.ReleaseSlot(key)
		c.deps.Notifier.Error("启动隧道失败", err.Error())
		c.observe(ActionStart, "error")
		return fmt.Errorf("start tunnel %s: %w", key, err)
	}

	c.deps.Store.AddRunning(key)
	log.Info("Tunnel started", zap.String("result", msg))
	c.observe(ActionStart, "ok")
	return nil
}

// Stop stops key and clears its progress.
func (c *Coordinator) Stop(ctx context.Context, key tunnel.Key) error {
	log := c.deps.Logger.With(zap.String("tunnel", key.String()))

	if err := c.deps.Store.BeginStop(key); err != nil {
		c.observe(ActionStop, "busy")
		return nil
	}
	defer c.deps.Store.EndToggle(key, tunnelstate.PhaseStopping)

	msg, err := c.deps.Supervisor.StopTunnel(ctx, key)
	if err != nil {
		log.Error("Failed to stop tunnel", zap.Error(err))
		c.deps.Notifier.Error("停止隧道失败", err.Error())
		c.observe(ActionStop, "error")
		return fmt.Errorf("stop tunnel %s: %w", key, err)
	}

	c.deps.Store.CompleteStop(key)
	if c.deps.Timers != nil {
		c.deps.Timers.CancelTimers(key)
	}
	log.Info("Tunnel stopped", zap.String("result", msg))
	c.observe(ActionStop, "ok")
	return nil
}

func (c *Coordinator) observe(action Action, result string) {
	if c.deps.Observer != nil {
		c.deps.Observer.ObserveToggle(string(action), result)
	}
}
