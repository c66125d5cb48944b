// Package recovery restarts tunnels that failed because the server still
// holds a previous registration under the same name.
package recovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/logchannel"
	"github.com/chmlfrp/frplauncher/internal/notify"
	"github.com/chmlfrp/frplauncher/internal/progress"
	"github.com/chmlfrp/frplauncher/internal/tunnel"
	"github.com/chmlfrp/frplauncher/internal/tunnelstate"
)

// Outcome is the result of one recovery attempt.
type Outcome string

const (
	OutcomeSucceeded       Outcome = "succeeded"
	OutcomeFailed          Outcome = "failed"
	OutcomeTimedOut        Outcome = "timed_out"
	OutcomeAborted         Outcome = "aborted"
	OutcomeNameMissing     Outcome = "name_missing"
	OutcomeUnauthenticated Outcome = "unauthenticated"
	OutcomeDeduplicated    Outcome = "deduplicated"
)

// User-facing texts.
const (
	titleRecovery      = "隧道自动修复"
	msgRecovering      = "隧道重复启动导致隧道启动失败，自动修复中...."
	msgRecovered       = "隧道自动修复成功，已重新启动"
	msgRecoveryFailed  = "因为隧道重复启动导致映射启动失败。系统自动修复失败，请更换外网端口或节点"
	msgMissingToken    = "未找到用户令牌，请重新登录"
	msgRecoveryAborted = "自动修复失败"
)

// Config holds the recovery timings.
type Config struct {
	ConflictTTL  time.Duration
	SettleDelay  time.Duration
	StopGrace    time.Duration
	PollInterval time.Duration
	PollWindow   time.Duration
	LedgerSize   int
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		ConflictTTL:  5 * time.Minute,
		SettleDelay:  8 * time.Second,
		StopGrace:    500 * time.Millisecond,
		PollInterval: 2 * time.Second,
		PollWindow:   20 * time.Second,
		LedgerSize:   1024,
	}
}

// Observer is told about every recovery outcome.
type Observer interface {
	ObserveRecovery(outcome string)
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Store       *tunnelstate.Store
	Logs        *logchannel.Channel
	Supervisor  tunnel.Supervisor
	API         tunnel.RemoteAPI
	Credentials tunnel.Credentials
	Notifier    notify.Notifier
	Observer    Observer
	Logger      *zap.Logger
}

// Coordinator runs at most one recovery per distinct conflict line.
type Coordinator struct {
	deps Deps
	cfg  Config

	mu     sync.Mutex
	ledger *expirable.LRU[string, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator. Close stops in-flight recoveries at
// their next wait.
func NewCoordinator(deps Deps, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.ConflictTTL <= 0 {
		cfg.ConflictTTL = def.ConflictTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollWindow <= 0 {
		cfg.PollWindow = def.PollWindow
	}
	if cfg.LedgerSize <= 0 {
		cfg.LedgerSize = def.LedgerSize
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		deps:   deps,
		cfg:    cfg,
		ledger: expirable.NewLRU[string, struct{}](cfg.LedgerSize, nil, cfg.ConflictTTL),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close cancels running recoveries and waits for them to unwind.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// Wait blocks until every recovery started so far has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Handler adapts the coordinator to the progress engine's conflict hook.
func (c *Coordinator) Handler() progress.ConflictHandler {
	return func(rec tunnel.LogRecord) {
		_ = c.HandleConflict(rec)
	}
}

func conflictKey(key tunnel.Key, message string) string {
	return key.String() + "\x00" + message
}

// HandleConflict validates a remote-duplicate record and, when it is new,
// starts the recovery sequence in the background. Validation failures are
// reported to the user and returned.
func (c *Coordinator) HandleConflict(rec tunnel.LogRecord) error {
	key := rec.Key()
	log := c.deps.Logger.With(zap.String("tunnel", key.String()))

	c.mu.Lock()
	dk := conflictKey(key, rec.Message)
	if c.ledger.Contains(dk) || c.deps.Store.Phase(key) == tunnelstate.PhaseRecovering {
		c.mu.Unlock()
		c.observe(OutcomeDeduplicated)
		return nil
	}
	c.ledger.Add(dk, struct{}{})
	c.mu.Unlock()

	name, err := ExtractTunnelName(rec.Message)
	if err != nil {
		log.Error("Cannot recover duplicate tunnel without a name", zap.String("message", rec.Message))
		c.deps.Notifier.Error(titleRecovery, err.Error())
		c.observe(OutcomeNameMissing)
		return err
	}

	credential, ok := c.deps.Credentials.Token()
	if !ok {
		log.Warn("Cannot recover duplicate tunnel without a session")
		c.deps.Notifier.Error(titleRecovery, msgMissingToken)
		c.observe(OutcomeUnauthenticated)
		return tunnel.ErrNotAuthenticated
	}

	if !c.deps.Store.BeginRecovery(key) {
		// Mid-toggle: nothing ran, so the same line may trigger a later recovery.
		c.mu.Lock()
		c.ledger.Remove(dk)
		c.mu.Unlock()
		log.Debug("Tunnel is busy, duplicate conflict not recovered", zap.String("phase", string(c.deps.Store.Phase(key))))
		c.observe(OutcomeDeduplicated)
		return nil
	}
	c.deps.Notifier.Info(titleRecovery, msgRecovering)

	attemptID := ulid.Make().String()
	log.Info("Starting duplicate tunnel recovery",
		zap.String("attempt_id", attemptID),
		zap.String("name", name))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.deps.Store.EndRecovery(key)

		outcome := c.run(c.ctx, key, name, credential, log.With(zap.String("attempt_id", attemptID)))
		c.observe(outcome)
	}()
	return nil
}

func (c *Coordinator) run(ctx context.Context, key tunnel.Key, name, credential string, log *zap.Logger) Outcome {
	if err := c.deps.API.ForceOffline(ctx, name, credential); err != nil {
		return c.abort(key, err, log.With(zap.String("step", "force_offline")))
	}

	if !sleep(ctx, c.cfg.SettleDelay) {
		return OutcomeAborted
	}

	c.deps.Store.ResetProgress(key)
	if _, err := c.deps.Supervisor.StopTunnel(ctx, key); err != nil {
		log.Debug("Stop before restart failed", zap.Error(err))
	}
	if !sleep(ctx, c.cfg.StopGrace) {
		return OutcomeAborted
	}

	mark := c.deps.Logs.Mark()
	if _, err := c.deps.Supervisor.StartTunnel(ctx, key, credential); err != nil {
		return c.abort(key, err, log)
	}
	c.deps.Store.AddRunning(key)

	return c.verify(ctx, key, mark, log)
}

// verify watches records appended after the restart for a verdict.
func (c *Coordinator) verify(ctx context.Context, key tunnel.Key, mark logchannel.Cursor, log *zap.Logger) Outcome {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.cfg.PollWindow)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return OutcomeAborted
		case <-deadline.C:
			log.Info("Recovery verification window elapsed without a verdict")
			return OutcomeTimedOut
		case <-ticker.C:
			switch verdict(c.deps.Logs.Since(mark), key) {
			case progress.MappingSucceeded:
				log.Info("Duplicate tunnel recovered")
				c.deps.Notifier.Success(titleRecovery, msgRecovered)
				return OutcomeSucceeded
			case progress.RemoteDuplicate:
				log.Warn("Tunnel still duplicated after recovery")
				c.deps.Notifier.Error(titleRecovery, msgRecoveryFailed)
				c.deps.Store.Fail(key)
				return OutcomeFailed
			}
		}
	}
}

func verdict(records []tunnel.LogRecord, key tunnel.Key) progress.Milestone {
	duplicate := false
	for _, rec := range records {
		if rec.Key() != key {
			continue
		}
		switch m, _ := progress.Classify(rec.Message); m {
		case progress.MappingSucceeded:
			return m
		case progress.RemoteDuplicate:
			duplicate = true
		}
	}
	if duplicate {
		return progress.RemoteDuplicate
	}
	return progress.MilestoneNone
}

func (c *Coordinator) abort(key tunnel.Key, err error, log *zap.Logger) Outcome {
	log.Error("Duplicate tunnel recovery failed", zap.Error(err))
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = msgRecoveryAborted
	}
	c.deps.Notifier.Error(titleRecovery, msg)
	c.deps.Store.Fail(key)
	return OutcomeAborted
}

func (c *Coordinator) observe(o Outcome) {
	if c.deps.Observer != nil {
		c.deps.Observer.ObserveRecovery(string(o))
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
