// Package reconcile corrects believed tunnel state against the process
// supervisor's ground truth.
package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/tunnel"
	"github.com/chmlfrp/frplauncher/internal/tunnelstate"
)

// DefaultInterval is how often the poller asks the supervisor.
const DefaultInterval = 5 * time.Second

// KeySource lists the tunnels the launcher knows about beyond what the
// store has seen, typically the tunnel catalogue.
type KeySource interface {
	Keys() []tunnel.Key
}

// TimerCanceller stops a tunnel's pending progress timers.
type TimerCanceller interface {
	CancelTimers(key tunnel.Key)
}

// Observer is told about every correction.
type Observer interface {
	ObserveReconcile(result string)
}

// Options configures a Poller.
type Options struct {
	Interval time.Duration
	Keys     KeySource
	Timers   TimerCanceller
	Observer Observer
	Logger   *zap.Logger
}

// Poller periodically reconciles every Idle tunnel.
type Poller struct {
	store    *tunnelstate.Store
	sup      tunnel.Supervisor
	keys     KeySource
	timers   TimerCanceller
	observer Observer
	interval time.Duration
	logger   *zap.Logger

	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPoller creates a poller. Call Start to begin polling.
func NewPoller(store *tunnelstate.Store, sup tunnel.Supervisor, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		store:    store,
		sup:      sup,
		keys:     opts.Keys,
		timers:   opts.Timers,
		observer: opts.Observer,
		interval: opts.Interval,
		logger:   opts.Logger,
		trigger:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the polling loop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go p.loop()
	p.logger.Info("Reconciliation poller started", zap.Duration("interval", p.interval))
}

// Stop ends the polling loop and waits for an in-flight poll to finish.
func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Trigger requests an immediate poll without waiting for the next tick.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Poller) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Info("Reconciliation poller stopping")
			return
		case <-ticker.C:
			p.PollOnce(p.ctx)
		case <-p.trigger:
			p.PollOnce(p.ctx)
		}
	}
}

// PollOnce reconciles every known Idle tunnel once.
func (p *Poller) PollOnce(ctx context.Context) {
	set := make(map[tunnel.Key]struct{})
	if p.keys != nil {
		for _, k := range p.keys.Keys() {
			set[k] = struct{}{}
		}
	}
	for _, k := range p.store.KnownKeys() {
		set[k] = struct{}{}
	}

	for _, key := range tunnelstate.SortKeys(set) {
		if ctx.Err() != nil {
			return
		}
		rev := p.store.Revision(key)
		if p.store.Phase(key) != tunnelstate.PhaseIdle {
			continue
		}

		running, err := p.sup.IsRunning(ctx, key)
		if err != nil {
			p.logger.Debug("Running check failed, treating tunnel as stopped",
				zap.String("tunnel", key.String()),
				zap.Error(err))
			running = false
		}

		result := p.store.ReconcileObserved(key, running, rev)
		switch result {
		case tunnelstate.ReconcileDied:
			p.logger.Warn("Tunnel process exited before the start finished", zap.String("tunnel", key.String()))
			p.cancelTimers(key)
		case tunnelstate.ReconcileCleared:
			p.cancelTimers(key)
		case tunnelstate.ReconcileRemoved, tunnelstate.ReconcileMarkedRunning:
			p.logger.Debug("Running set corrected",
				zap.String("tunnel", key.String()),
				zap.String("result", result.String()))
		default:
			continue
		}
		if p.observer != nil {
			p.observer.ObserveReconcile(result.String())
		}
	}
}

func (p *Poller) cancelTimers(key tunnel.Key) {
	if p.timers != nil {
		p.timers.CancelTimers(key)
	}
}
