// Package autostart starts the tunnels flagged for auto-start once the
// launcher is up, one at a time.
package autostart

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/tunnel"
)

// Defaults
const (
	DefaultInitialDelay = time.Second
	DefaultSpacing      = 500 * time.Millisecond
	DefaultSlotTimeout  = 30 * time.Second
	slotPollInterval    = 100 * time.Millisecond
)

// ErrSlotTimeout is returned when another tunnel kept the starting slot for
// longer than the slot timeout.
var ErrSlotTimeout = errors.New("timed out waiting for the running start to finish")

// Flags lists the tunnels flagged for auto-start.
type Flags interface {
	ListAutoStart() ([]tunnel.Key, error)
}

// KeySource lists the tunnels that currently exist.
type KeySource interface {
	Keys() []tunnel.Key
}

// State is the part of the tunnel store the runner reads.
type State interface {
	IsRunning(key tunnel.Key) bool
	StartingKey() (tunnel.Key, bool)
}

// Starter starts one tunnel.
type Starter interface {
	Start(ctx context.Context, key tunnel.Key) error
}

// Options configures a Runner
type Options struct {
	InitialDelay time.Duration
	Spacing      time.Duration
	SlotTimeout  time.Duration
	Logger       *zap.Logger
}

// Result summarizes one auto-start pass.
type Result struct {
	Started []tunnel.Key
	Skipped []tunnel.Key
	Failed  map[tunnel.Key]error
}

// Runner performs the auto-start pass.
type Runner struct {
	flags   Flags
	keys    KeySource
	state   State
	starter Starter
	creds   tunnel.Credentials
	opts    Options
}

// NewRunner creates an auto-start runner.
func NewRunner(flags Flags, keys KeySource, state State, starter Starter, creds tunnel.Credentials, opts Options) *Runner {
	if opts.InitialDelay < 0 {
		opts.InitialDelay = 0
	}
	if opts.Spacing <= 0 {
		opts.Spacing = DefaultSpacing
	}
	if opts.SlotTimeout <= 0 {
		opts.SlotTimeout = DefaultSlotTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runner{flags: flags, keys: keys, state: state, starter: starter, creds: creds, opts: opts}
}

// Run waits the initial delay, then starts every flagged tunnel that exists
// and is not running. API tunnels are skipped without a login.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	result := Result{Failed: make(map[tunnel.Key]error)}
	log := r.opts.Logger

	flagged, err := r.flags.ListAutoStart()
	if err != nil {
		return result, err
	}
	if len(flagged) == 0 {
		return result, nil
	}

	if !sleep(ctx, r.opts.InitialDelay) {
		return result, ctx.Err()
	}

	known := make(map[tunnel.Key]struct{})
	for _, k := range r.keys.Keys() {
		known[k] = struct{}{}
	}
	_, loggedIn := r.creds.Token()

	first := true
	for _, key := range flagged {
		if _, ok := known[key]; !ok {
			log.Debug("Auto-start tunnel no longer exists", zap.String("tunnel", key.String()))
			result.Skipped = append(result.Skipped, key)
			continue
		}
		if key.Source == tunnel.SourceAPI && !loggedIn {
			log.Info("Login required to auto-start API tunnel", zap.String("tunnel", key.String()))
			result.Skipped = append(result.Skipped, key)
			continue
		}
		if r.state.IsRunning(key) {
			result.Skipped = append(result.Skipped, key)
			continue
		}

		if !first && !sleep(ctx, r.opts.Spacing) {
			return result, ctx.Err()
		}
		first = false

		if err := r.waitForSlot(ctx); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			log.Warn("Auto-start gave up waiting for the starting slot", zap.String("tunnel", key.String()))
			result.Failed[key] = err
			continue
		}

		if err := r.starter.Start(ctx, key); err != nil {
			log.Warn("Auto-start failed", zap.String("tunnel", key.String()), zap.Error(err))
			result.Failed[key] = err
			continue
		}
		result.Started = append(result.Started, key)
	}

	log.Info("Auto-start finished",
		zap.Int("flagged", len(flagged)),
		zap.Int("started", len(result.Started)),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

func (r *Runner) waitForSlot(ctx context.Context) error {
	deadline := time.NewTimer(r.opts.SlotTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(slotPollInterval)
	defer ticker.Stop()

	for {
		if _, held := r.state.StartingKey(); !held {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrSlotTimeout
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
