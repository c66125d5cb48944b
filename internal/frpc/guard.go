package frpc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/tunnel"
)

// Guard defaults
const (
	DefaultGuardInterval     = 3 * time.Second
	DefaultGuardRestartDelay = time.Second
)

// StopGuardPatterns are frpc errors a restart cannot fix. Seeing one in a
// tunnel's output drops the tunnel from the guard.
var StopGuardPatterns = []string{
	"token in login doesn't match token from configuration",
	"authorization failed",
	"invalid token",
	"read: connection reset by peer",
	"错误的用户token，此用户不存在",
	"允许的隧道数量超出上限，请删除隧道或续费vip",
	"不属于你",
	"缺少用户token或隧道id参数",
	"您目前为免费会员",
	"客户端代理参数错误，配置文件与记录不匹配。请不要随意修改配置文件！",
}

// GuardOptions configures a Guard
type GuardOptions struct {
	Enabled      bool
	Interval     time.Duration
	RestartDelay time.Duration
	// OnRestart, if set, is called after every restart attempt.
	OnRestart func(key tunnel.Key, err error)
}

// Guard restarts guarded tunnels whose frpc process went away without a
// manual stop.
type Guard struct {
	mgr    *Manager
	logger *zap.SugaredLogger
	opts   GuardOptions

	mu         sync.Mutex
	enabled    bool
	guarded    map[tunnel.Key]string
	manual     map[tunnel.Key]struct{}
	restarting map[tunnel.Key]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGuard creates a guard and attaches it to mgr: every successful start
// is tracked and every stop through mgr counts as manual.
func NewGuard(mgr *Manager, logger *zap.SugaredLogger, opts GuardOptions) *Guard {
	if opts.Interval <= 0 {
		opts.Interval = DefaultGuardInterval
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultGuardRestartDelay
	}
	g := &Guard{
		mgr:        mgr,
		logger:     logger,
		opts:       opts,
		enabled:    opts.Enabled,
		guarded:    make(map[tunnel.Key]string),
		manual:     make(map[tunnel.Key]struct{}),
		restarting: make(map[tunnel.Key]struct{}),
	}
	mgr.setGuard(g)
	return g
}

// SetEnabled switches the guard. Disabling forgets every tracked tunnel.
func (g *Guard) SetEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = enabled
	if !enabled {
		g.guarded = make(map[tunnel.Key]string)
		g.manual = make(map[tunnel.Key]struct{})
	}
	g.logger.Infow("Process guard toggled", "enabled", enabled)
}

// Enabled reports whether the guard restarts tunnels.
func (g *Guard) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// Track guards key. A no-op while the guard is disabled.
func (g *Guard) Track(key tunnel.Key, credential string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled {
		return
	}
	g.guarded[key] = credential
	delete(g.manual, key)
}

// Untrack stops guarding key. manual marks the stop as user initiated.
func (g *Guard) Untrack(key tunnel.Key, manual bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.guarded, key)
	if manual {
		g.manual[key] = struct{}{}
	}
}

// Guarded reports whether key is tracked.
func (g *Guard) Guarded(key tunnel.Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.guarded[key]
	return ok
}

// MatchStopPattern returns the stop pattern found in line, case-insensitively.
func MatchStopPattern(line string) (string, bool) {
	lower := strings.ToLower(line)
	for _, pattern := range StopGuardPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return pattern, true
		}
	}
	return "", false
}

// Inspect drops key from the guard when line carries a stop pattern.
func (g *Guard) Inspect(key tunnel.Key, line string) {
	pattern, ok := MatchStopPattern(line)
	if !ok {
		return
	}
	g.mu.Lock()
	_, tracked := g.guarded[key]
	delete(g.guarded, key)
	g.mu.Unlock()
	if !tracked {
		return
	}

	g.logger.Warnw("Stopping guard for tunnel", "tunnel", key.String(), "pattern", pattern)
	g.mgr.emit(key, fmt.Sprintf("检测到错误 \"%s\"，已停止守护进程", pattern))
}

// Start runs the check loop until Stop.
func (g *Guard) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.CheckOnce(ctx)
			}
		}
	}()
}

// Stop ends the check loop and waits for pending restarts.
func (g *Guard) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

// CheckOnce schedules a restart for every guarded tunnel without a process.
func (g *Guard) CheckOnce(ctx context.Context) {
	g.mu.Lock()
	if !g.enabled {
		g.mu.Unlock()
		return
	}
	type candidate struct {
		key        tunnel.Key
		credential string
	}
	var offline []candidate
	for key, credential := range g.guarded {
		if _, ok := g.manual[key]; ok {
			continue
		}
		if _, ok := g.restarting[key]; ok {
			continue
		}
		offline = append(offline, candidate{key, credential})
	}
	g.mu.Unlock()

	for _, c := range offline {
		if running, _ := g.mgr.IsRunning(ctx, c.key); running {
			continue
		}
		g.mu.Lock()
		g.restarting[c.key] = struct{}{}
		g.mu.Unlock()

		g.mgr.emit(c.key, "检测到进程离线，触发守护进程，自动重启中")
		g.logger.Infow("Guarded tunnel offline, restarting", "tunnel", c.key.String())

		g.wg.Add(1)
		go g.restart(ctx, c.key, c.credential)
	}
}

func (g *Guard) restart(ctx context.Context, key tunnel.Key, credential string) {
	defer g.wg.Done()
	defer func() {
		g.mu.Lock()
		delete(g.restarting, key)
		g.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return
	case <-time.After(g.opts.RestartDelay):
	}

	// Stopped by the user while we were waiting.
	g.mu.Lock()
	_, stillGuarded := g.guarded[key]
	g.mu.Unlock()
	if !stillGuarded {
		return
	}

	_, err := g.mgr.StartTunnel(ctx, key, credential)
	if g.opts.OnRestart != nil {
		g.opts.OnRestart(key, err)
	}
	if err != nil {
		g.logger.Warnw("Guard restart failed", "tunnel", key.String(), "error", err)
		g.mgr.emit(key, fmt.Sprintf("守护进程重启失败: %v", err))
		g.Untrack(key, false)
		return
	}
	g.logger.Infow("Guard restarted tunnel", "tunnel", key.String())
}
