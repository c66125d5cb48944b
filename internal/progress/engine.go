package progress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/logchannel"
	"github.com/chmlfrp/frplauncher/internal/tunnel"
	"github.com/chmlfrp/frplauncher/internal/tunnelstate"
)

const (
	DefaultStallTimeout  = 10 * time.Second
	DefaultFlashDuration = 2 * time.Second
)

// ConflictHandler receives remote-duplicate records. It is called on the log
// delivery path and must not block.
type ConflictHandler func(rec tunnel.LogRecord)

// Observer is notified of engine transitions, typically for metrics.
type Observer interface {
	ObserveMilestone(m Milestone)
	ObserveStall()
}

// Options configures an Engine.
type Options struct {
	StallTimeout  time.Duration
	FlashDuration time.Duration
	OnConflict    ConflictHandler
	Observer      Observer
	Logger        *zap.Logger
}

type tunnelTimers struct {
	stall    *time.Timer
	stallGen uint64
	flash    *time.Timer
	flashGen uint64
}

// Engine applies log records to the store and runs the per-tunnel stall
// and success-flash timers.
type Engine struct {
	store         *tunnelstate.Store
	logger        *zap.Logger
	stallTimeout  time.Duration
	flashDuration time.Duration
	onConflict    ConflictHandler
	observer      Observer
	now           func() time.Time

	mu          sync.Mutex
	timers      map[tunnel.Key]*tunnelTimers
	unsubscribe func()
}

// NewEngine creates an engine writing to store.
func NewEngine(store *tunnelstate.Store, opts Options) *Engine {
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.FlashDuration <= 0 {
		opts.FlashDuration = DefaultFlashDuration
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		store:         store,
		logger:        opts.Logger,
		stallTimeout:  opts.StallTimeout,
		flashDuration: opts.FlashDuration,
		onConflict:    opts.OnConflict,
		observer:      opts.Observer,
		now:           time.Now,
		timers:        make(map[tunnel.Key]*tunnelTimers),
	}
}

// SetConflictHandler replaces the remote-duplicate handler. It must be
// called before Attach.
func (e *Engine) SetConflictHandler(h ConflictHandler) {
	e.onConflict = h
}

// Attach rebuilds the store from the channel's buffer and then follows new
// records. sup supplies the running set used by the rebuild; a failing
// ListRunning is treated as nothing running.
func (e *Engine) Attach(ctx context.Context, ch *logchannel.Channel, sup tunnel.Supervisor) {
	running, err := sup.ListRunning(ctx)
	if err != nil {
		e.logger.Warn("Failed to list running tunnels for progress rebuild", zap.Error(err))
		running = nil
	}

	replayed := false
	unsubscribe := ch.Subscribe(func(records []tunnel.LogRecord) {
		if !replayed {
			replayed = true
			e.Restore(records, running)
			return
		}
		for _, rec := range records {
			e.Handle(rec)
		}
	})

	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()
}

// Detach stops following the log channel and cancels every timer.
func (e *Engine) Detach() {
	e.mu.Lock()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	for key, t := range e.timers {
		stopTimers(t)
		delete(e.timers, key)
	}
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Handle applies one live record.
func (e *Engine) Handle(rec tunnel.LogRecord) {
	m, ok := Classify(rec.Message)
	if !ok {
		return
	}
	key := rec.Key()

	switch m {
	case ProcessSpawned:
		attempt := e.store.MarkSpawned(key, e.now(), m.Percent())
		e.armStall(key, attempt)

	case RemoteDuplicate:
		if e.store.Phase(key) == tunnelstate.PhaseRecovering {
			e.logger.Debug("Ignoring duplicate conflict during recovery", zap.String("tunnel", key.String()))
			return
		}
		if e.onConflict != nil {
			e.onConflict(rec)
		}

	case MappingSucceeded:
		attempt, ok := e.store.MarkSuccess(key)
		if !ok {
			return
		}
		e.cancelStall(key)
		e.armFlash(key, attempt)

	default:
		if _, ok := e.store.ApplyMilestone(key, m.Percent()); !ok {
			return
		}
		// Any progress after the spawn line ends the stall watch.
		e.cancelStall(key)
	}

	if e.observer != nil {
		e.observer.ObserveMilestone(m)
	}
}

// CancelTimers stops the stall and flash timers of key.
func (e *Engine) CancelTimers(key tunnel.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[key]; ok {
		stopTimers(t)
	}
}

func stopTimers(t *tunnelTimers) {
	if t.stall != nil {
		t.stall.Stop()
		t.stall = nil
	}
	if t.flash != nil {
		t.flash.Stop()
		t.flash = nil
	}
	t.stallGen++
	t.flashGen++
}

func (e *Engine) timersLocked(key tunnel.Key) *tunnelTimers {
	t, ok := e.timers[key]
	if !ok {
		t = &tunnelTimers{}
		e.timers[key] = t
	}
	return t
}

func (e *Engine) armStall(key tunnel.Key, attempt uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.timersLocked(key)
	if t.stall != nil {
		t.stall.Stop()
	}
	t.stallGen++
	gen := t.stallGen
	t.stall = time.AfterFunc(e.stallTimeout, func() { e.stallFired(key, attempt, gen) })
}

func (e *Engine) cancelStall(key tunnel.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[key]; ok {
		if t.stall != nil {
			t.stall.Stop()
			t.stall = nil
		}
		t.stallGen++
	}
}

func (e *Engine) stallFired(key tunnel.Key, attempt, gen uint64) {
	e.mu.Lock()
	t, ok := e.timers[key]
	current := ok && t.stallGen == gen
	if current {
		t.stall = nil
	}
	e.mu.Unlock()
	if !current {
		return
	}

	if e.store.FailIfPending(key, attempt) {
		e.logger.Warn("Tunnel start stalled",
			zap.String("tunnel", key.String()),
			zap.Duration("timeout", e.stallTimeout))
		if e.observer != nil {
			e.observer.ObserveStall()
		}
	}
}

func (e *Engine) armFlash(key tunnel.Key, attempt uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.timersLocked(key)
	if t.flash != nil {
		t.flash.Stop()
	}
	t.flashGen++
	gen := t.flashGen
	t.flash = time.AfterFunc(e.flashDuration, func() { e.flashFired(key, attempt, gen) })
}

func (e *Engine) flashFired(key tunnel.Key, attempt, gen uint64) {
	e.mu.Lock()
	t, ok := e.timers[key]
	current := ok && t.flashGen == gen
	if current {
		t.flash = nil
	}
	e.mu.Unlock()
	if current {
		e.store.ClearFlash(key, attempt)
	}
}
