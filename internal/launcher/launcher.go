// Package launcher wires the tunnel engine, the frpc supervisor and the
// remote API into one runtime and exposes it to the HTTP API.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/autostart"
	"github.com/chmlfrp/frplauncher/internal/catalogue"
	"github.com/chmlfrp/frplauncher/internal/chmlapi"
	"github.com/chmlfrp/frplauncher/internal/config"
	"github.com/chmlfrp/frplauncher/internal/contracts"
	"github.com/chmlfrp/frplauncher/internal/frpc"
	"github.com/chmlfrp/frplauncher/internal/httpapi"
	"github.com/chmlfrp/frplauncher/internal/logchannel"
	"github.com/chmlfrp/frplauncher/internal/logs"
	"github.com/chmlfrp/frplauncher/internal/notify"
	"github.com/chmlfrp/frplauncher/internal/observability"
	"github.com/chmlfrp/frplauncher/internal/progress"
	"github.com/chmlfrp/frplauncher/internal/recovery"
	"github.com/chmlfrp/frplauncher/internal/reconcile"
	"github.com/chmlfrp/frplauncher/internal/reqcontext"
	"github.com/chmlfrp/frplauncher/internal/session"
	"github.com/chmlfrp/frplauncher/internal/storage"
	"github.com/chmlfrp/frplauncher/internal/toggle"
	"github.com/chmlfrp/frplauncher/internal/tunnel"
	"github.com/chmlfrp/frplauncher/internal/tunnelstate"
)

const (
	appName = "frplauncher"

	metricsInterval = 15 * time.Second
	eventBuffer     = 64
	logoutTimeout   = 15 * time.Second
)

// Event types sent to SSE clients
const (
	EventTunnel = "tunnel"
	EventLog    = "log"
)

// Launcher owns every long-lived component. It implements httpapi.Controller.
type Launcher struct {
	cfg       *config.Config
	logger    *zap.Logger
	sanitizer *logs.SecretSanitizer
	version   string

	db        *storage.BoltDB
	api       *chmlapi.Client
	session   *session.Session
	catalogue *catalogue.Catalogue
	channel   *logchannel.Channel
	store     *tunnelstate.Store
	frpcCfg   frpc.Config
	frpc      *frpc.Manager
	guard     *frpc.Guard
	loggers   *logs.TunnelLoggers
	notifier  *notify.Manager
	engine    *progress.Engine
	recovery  *recovery.Coordinator
	poller    *reconcile.Poller
	toggle    *toggle.Coordinator
	obs       *observability.Manager
	handler   http.Handler

	autoStarting atomic.Bool

	mu         sync.Mutex
	started    bool
	runCtx     context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	listenAddr string
}

// Option customizes a Launcher
type Option func(*options)

type options struct {
	session  *session.Session
	handlers []notify.Handler
}

// WithSession replaces the keyring-backed session loaded by New.
func WithSession(s *session.Session) Option {
	return func(o *options) { o.session = s }
}

// WithNotificationHandler adds a notification handler next to the log handler.
func WithNotificationHandler(h notify.Handler) Option {
	return func(o *options) { o.handlers = append(o.handlers, h) }
}

// New builds the runtime. Nothing runs until Start.
func New(cfg *config.Config, logger *zap.Logger, sanitizer *logs.SecretSanitizer, version string, opts ...Option) (*Launcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	sugar := logger.Sugar()

	l := &Launcher{
		cfg:       cfg,
		logger:    logger,
		sanitizer: sanitizer,
		version:   version,
	}

	db, err := storage.NewBoltDB(cfg.DataDir, sugar.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	l.db = db

	l.session = o.session
	if l.session == nil {
		l.session = session.New(logger.Named("session"))
		if err := l.session.Load(); err != nil {
			logger.Warn("Failed to restore session", zap.Error(err))
		}
	}
	if token, ok := l.session.Token(); ok {
		l.registerSecret(token)
	}

	l.obs = observability.NewManager(sugar.Named("observability"), observability.DefaultConfig())
	metrics := l.obs.Metrics()

	// Interface-typed observers stay nil when metrics are off.
	var (
		apiObs       chmlapi.RequestObserver
		progressObs  progress.Observer
		recoveryObs  recovery.Observer
		reconcileObs reconcile.Observer
		toggleObs    toggle.Observer
	)
	if metrics != nil {
		apiObs, progressObs, recoveryObs, reconcileObs, toggleObs = metrics, metrics, metrics, metrics, metrics
	}

	l.api = chmlapi.NewClient(chmlapi.Options{
		BaseURL:     cfg.API.BaseURL,
		OfflinePath: cfg.API.OfflinePath,
		HTTPClient:  &http.Client{Timeout: cfg.API.Timeout.Std()},
		Observer:    apiObs,
	}, sugar.Named("chmlapi"))

	l.catalogue = catalogue.New(l.api, l.session, cfg.CustomTunnels, cfg.ResolvePath, logger.Named("catalogue"))
	l.channel = logchannel.New()
	l.store = tunnelstate.New(logger.Named("state"))

	mgrOpts := []frpc.Option{frpc.WithConfigResolver(l.catalogue)}
	if cfg.Logging != nil && cfg.Logging.TunnelFiles {
		l.loggers = logs.NewTunnelLoggers(cfg.Logging, logger.Named("frpc"))
		mgrOpts = append(mgrOpts, frpc.WithTunnelLogger(func(key tunnel.Key) *zap.Logger {
			return l.loggers.Get(key.String())
		}))
	}
	l.frpcCfg = frpc.Config{
		Binary:      cfg.FrpcPath,
		WorkDir:     cfg.DataDir,
		StopTimeout: cfg.Engine.ProcessStopTimeout.Std(),
	}
	l.frpc = frpc.NewManager(l.frpcCfg, l.channel, sugar.Named("frpc"), mgrOpts...)

	guardEnabled := cfg.Guard.Enabled
	if stored, found, err := db.GuardEnabled(); err != nil {
		logger.Warn("Failed to read guard setting", zap.Error(err))
	} else if found {
		guardEnabled = stored
	}
	l.guard = frpc.NewGuard(l.frpc, sugar.Named("guard"), frpc.GuardOptions{
		Enabled:      guardEnabled,
		Interval:     cfg.Guard.Interval.Std(),
		RestartDelay: cfg.Guard.RestartDelay.Std(),
		OnRestart: func(_ tunnel.Key, err error) {
			if metrics != nil {
				metrics.ObserveGuardRestart(err)
			}
		},
	})

	handlers := []notify.Handler{notify.NewLogHandler(sugar.Named("notify"))}
	if cfg.Notifications != nil && cfg.Notifications.Desktop {
		handlers = append(handlers, notify.NewDesktopHandler(appName, sugar.Named("notify")))
	}
	handlers = append(handlers, o.handlers...)
	l.notifier = notify.NewManager(handlers...)

	engineCfg := cfg.Engine
	l.engine = progress.NewEngine(l.store, progress.Options{
		StallTimeout:  engineCfg.StallTimeout.Std(),
		FlashDuration: engineCfg.FlashDuration.Std(),
		Observer:      progressObs,
		Logger:        logger.Named("progress"),
	})
	l.recovery = recovery.NewCoordinator(recovery.Deps{
		Store:       l.store,
		Logs:        l.channel,
		Supervisor:  l.frpc,
		API:         l.api,
		Credentials: l.session,
		Notifier:    l.notifier,
		Observer:    recoveryObs,
		Logger:      logger.Named("recovery"),
	}, recovery.Config{
		ConflictTTL:  engineCfg.ConflictTTL.Std(),
		SettleDelay:  engineCfg.SettleDelay.Std(),
		StopGrace:    engineCfg.StopGrace.Std(),
		PollInterval: engineCfg.RecoveryPollInterval.Std(),
		PollWindow:   engineCfg.RecoveryPollWindow.Std(),
	})
	l.engine.SetConflictHandler(l.recovery.Handler())

	l.poller = reconcile.NewPoller(l.store, l.frpc, reconcile.Options{
		Interval: engineCfg.ReconcileInterval.Std(),
		Keys:     l.catalogue,
		Timers:   l.engine,
		Observer: reconcileObs,
		Logger:   logger.Named("reconcile"),
	})
	l.toggle = toggle.NewCoordinator(toggle.Deps{
		Store:       l.store,
		Supervisor:  l.frpc,
		Credentials: l.session,
		Timers:      l.engine,
		Notifier:    l.notifier,
		Observer:    toggleObs,
		Logger:      logger.Named("toggle"),
	})

	l.obs.RegisterHealthChecker(observability.NewDatabaseHealthChecker("storage", db.DB()))
	l.obs.RegisterReadinessChecker(observability.NewBinaryReadinessChecker("frpc", l.frpcCfg.BinaryPath))
	l.obs.RegisterHealthChecker(observability.NewComponentHealthChecker("engine", l.Started, nil))

	l.handler = httpapi.NewServer(l, sugar.Named("httpapi"), l.obs)
	return l, nil
}

// Handler returns the HTTP API.
func (l *Launcher) Handler() http.Handler {
	return l.handler
}

// Started reports whether the background loops are running.
func (l *Launcher) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// Start attaches the progress engine, starts the reconciliation poller, the
// guard and the metrics loop, and launches the auto-start pass.
func (l *Launcher) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return errors.New("launcher already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	l.runCtx, l.cancel = ctx, cancel
	l.started = true
	l.mu.Unlock()

	l.engine.Attach(ctx, l.channel, l.frpc)
	if err := l.catalogue.Refresh(ctx); err != nil && !errors.Is(err, tunnel.ErrNotAuthenticated) {
		l.logger.Warn("Initial tunnel refresh failed", zap.Error(err))
	}
	l.poller.Start()
	l.guard.Start()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.metricsLoop(ctx)
	}()

	if l.cfg.AutoStart != nil && l.cfg.AutoStart.Enabled {
		l.runAutoStart(ctx, l.cfg.AutoStart.InitialDelay.Std())
	}

	l.logger.Info("Launcher started",
		zap.String("version", l.version),
		zap.String("frpc", l.frpcCfg.BinaryPath()),
		zap.Bool("guard", l.guard.Enabled()),
		zap.Int("custom_tunnels", len(l.cfg.CustomTunnels)))
	return nil
}

// runAutoStart runs one auto-start pass in the background unless one is
// already in progress.
func (l *Launcher) runAutoStart(ctx context.Context, delay time.Duration) {
	if !l.autoStarting.CompareAndSwap(false, true) {
		return
	}
	as := l.cfg.AutoStart
	runner := autostart.NewRunner(l.db, l.catalogue, l.store, l.toggle, l.session, autostart.Options{
		InitialDelay: delay,
		Spacing:      as.Spacing.Std(),
		SlotTimeout:  as.SlotTimeout.Std(),
		Logger:       l.logger.Named("autostart"),
	})

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.autoStarting.Store(false)
		ctx = reqcontext.WithRequestSource(ctx, reqcontext.SourceAutoStart)
		res, err := runner.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Warn("Auto-start pass failed", zap.Error(err))
			return
		}
		if len(res.Failed) > 0 {
			l.notifier.Error("自动启动", fmt.Sprintf("%d 个隧道自动启动失败", len(res.Failed)))
		}
	}()
}

func (l *Launcher) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	l.updateMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.updateMetrics()
		}
	}
}

func (l *Launcher) updateMetrics() {
	l.obs.UpdateMetrics(len(l.catalogue.Keys()), len(l.store.Running()))
}

// Serve listens on the configured address until ctx is done.
func (l *Launcher) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.cfg.Listen, err)
	}
	return l.ServeListener(ctx, ln)
}

// ServeListener serves the HTTP API on ln until ctx is done.
func (l *Launcher) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           l.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	l.mu.Lock()
	l.listenAddr = ln.Addr().String()
	l.mu.Unlock()

	l.logger.Info("HTTP API listening", zap.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			l.logger.Warn("HTTP server shutdown failed", zap.Error(err))
		}
		<-errCh
		return nil
	}
}

// Run starts the launcher, serves the API until ctx is done and shuts down.
func (l *Launcher) Run(ctx context.Context) error {
	if err := l.Start(ctx); err != nil {
		return err
	}
	serveErr := l.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := l.Shutdown(shutdownCtx); err != nil {
		l.logger.Error("Shutdown failed", zap.Error(err))
	}
	return serveErr
}

// Shutdown stops every loop and frpc process and closes storage.
func (l *Launcher) Shutdown(ctx context.Context) error {
	l.logger.Info("Shutting down launcher")

	l.mu.Lock()
	cancel := l.cancel
	started := l.started
	l.started = false
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		l.poller.Stop()
		l.guard.Stop()
	}
	l.recovery.Close()
	l.engine.Detach()
	l.wg.Wait()

	l.frpc.Shutdown(ctx)
	if l.loggers != nil {
		l.loggers.Sync()
	}

	if err := l.db.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	_ = l.logger.Sync()
	return nil
}

func (l *Launcher) registerSecret(token string) {
	if l.sanitizer != nil && token != "" {
		l.sanitizer.RegisterResolvedSecret(token)
	}
}

func (l *Launcher) unregisterSecret(token string) {
	if l.sanitizer != nil && token != "" {
		l.sanitizer.UnregisterResolvedSecret(token)
	}
}

// Status implements httpapi.Controller
func (l *Launcher) Status() contracts.Status {
	_, authenticated := l.session.Token()
	bin := l.frpcCfg.BinaryPath()
	_, statErr := os.Stat(bin)

	st := contracts.Status{
		Version:       l.version,
		Listen:        l.cfg.Listen,
		FrpcPath:      bin,
		FrpcFound:     statErr == nil,
		GuardEnabled:  l.guard.Enabled(),
		Authenticated: authenticated,
		Running:       len(l.store.Running()),
		Known:         len(l.catalogue.Keys()),
	}
	l.mu.Lock()
	if l.listenAddr != "" {
		st.Listen = l.listenAddr
	}
	l.mu.Unlock()
	if key, ok := l.store.StartingKey(); ok {
		st.StartingKey = key.String()
	}
	return st
}

// Tunnels implements httpapi.Controller
func (l *Launcher) Tunnels(ctx context.Context, refresh bool) contracts.TunnelsResponse {
	_, authenticated := l.session.Token()
	resp := contracts.TunnelsResponse{Authenticated: authenticated}

	if refresh || (authenticated && l.catalogue.Refreshed().IsZero()) {
		if err := l.catalogue.Refresh(ctx); err != nil && !errors.Is(err, tunnel.ErrNotAuthenticated) {
			resp.RefreshError = err.Error()
		}
	}

	entries := l.catalogue.Entries()
	resp.Tunnels = make([]contracts.Tunnel, 0, len(entries))
	for _, info := range entries {
		resp.Tunnels = append(resp.Tunnels, l.tunnelView(info))
	}
	return resp
}

func (l *Launcher) tunnelView(info tunnel.Info) contracts.Tunnel {
	t := contracts.NewTunnel(info)
	key := info.Key
	t.Running = l.store.IsRunning(key)
	t.Phase = string(l.store.Phase(key))
	t.Progress, _ = l.store.Get(key)
	t.Guarded = l.guard.Guarded(key)
	if pid, ok := l.frpc.PID(key); ok {
		t.PID = pid
	}
	enabled, err := l.db.AutoStart(key)
	if err != nil {
		l.logger.Debug("Failed to read auto-start flag", zap.String("tunnel", key.String()), zap.Error(err))
	}
	t.AutoStart = enabled
	return t
}

// StartTunnel implements httpapi.Controller
func (l *Launcher) StartTunnel(ctx context.Context, key tunnel.Key) error {
	if _, err := l.catalogue.Require(key); err != nil {
		return err
	}
	return l.toggle.Start(ctx, key)
}

// StopTunnel implements httpapi.Controller. A running tunnel can be stopped
// even after it left the catalogue.
func (l *Launcher) StopTunnel(ctx context.Context, key tunnel.Key) error {
	if !l.store.IsRunning(key) {
		if _, err := l.catalogue.Require(key); err != nil {
			return err
		}
	}
	return l.toggle.Stop(ctx, key)
}

// SetAutoStart implements httpapi.Controller
func (l *Launcher) SetAutoStart(key tunnel.Key, enabled bool) error {
	if _, err := l.catalogue.Require(key); err != nil {
		return err
	}
	return l.db.SetAutoStart(key, enabled)
}

// Logs implements httpapi.Controller
func (l *Launcher) Logs() []tunnel.LogRecord {
	return l.channel.Snapshot()
}

// ClearLogs implements httpapi.Controller
func (l *Launcher) ClearLogs() {
	l.channel.Clear()
}

// TunnelLogTail implements httpapi.Controller
func (l *Launcher) TunnelLogTail(key tunnel.Key, lines int) ([]string, error) {
	return logs.ReadTunnelLogTail(l.cfg.Logging, key.String(), lines)
}

// Events implements httpapi.Controller. The returned channel is closed by
// the cancel function; slow readers lose events.
func (l *Launcher) Events() (<-chan contracts.Event, func()) {
	out := make(chan contracts.Event, eventBuffer)
	done := make(chan struct{})
	var sendMu sync.Mutex
	closed := false

	send := func(evt contracts.Event) {
		sendMu.Lock()
		defer sendMu.Unlock()
		if closed {
			return
		}
		select {
		case out <- evt:
		default:
		}
	}

	changes, unsubscribeStore := l.store.Subscribe()
	unsubscribeLogs := l.channel.Subscribe(func(records []tunnel.LogRecord) {
		for _, rec := range records {
			send(contracts.Event{Type: EventLog, Payload: contracts.NewLogEntry(rec), Timestamp: time.Now().Unix()})
		}
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case c, ok := <-changes:
				if !ok {
					return
				}
				send(contracts.Event{Type: EventTunnel, Payload: l.changeView(c.Key), Timestamp: time.Now().Unix()})
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			unsubscribeLogs()
			unsubscribeStore()
			close(done)
			wg.Wait()
			sendMu.Lock()
			closed = true
			close(out)
			sendMu.Unlock()
		})
	}
	return out, cancel
}

func (l *Launcher) changeView(key tunnel.Key) contracts.Tunnel {
	if info, ok := l.catalogue.Lookup(key); ok {
		return l.tunnelView(info)
	}
	return l.tunnelView(tunnel.Info{Key: key})
}

// Session implements httpapi.Controller
func (l *Launcher) Session() contracts.SessionResponse {
	user, ok := l.session.User()
	if !ok || user.UserToken == "" {
		return contracts.SessionResponse{}
	}
	return contracts.SessionResponse{Authenticated: true, User: contracts.NewUser(user)}
}

// Login implements httpapi.Controller. The session is kept in memory even
// when the keyring refuses it.
func (l *Launcher) Login(ctx context.Context, username, password string) (*contracts.User, error) {
	user, err := l.api.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if user.UserToken == "" {
		return nil, &chmlapi.APIError{Code: http.StatusUnauthorized, Msg: "登录响应缺少用户token"}
	}

	if prev, ok := l.session.Token(); ok && prev != user.UserToken {
		l.unregisterSecret(prev)
	}
	l.registerSecret(user.UserToken)
	if err := l.session.Save(*user); err != nil {
		l.logger.Warn("Session not persisted", zap.Error(err))
	}
	l.logger.Info("Logged in", zap.String("username", user.Username))

	if err := l.catalogue.Refresh(ctx); err != nil {
		l.logger.Warn("Tunnel refresh after login failed", zap.Error(err))
	}
	l.poller.Trigger()

	l.mu.Lock()
	started, runCtx := l.started, l.runContext()
	l.mu.Unlock()
	if started && l.cfg.AutoStart != nil && l.cfg.AutoStart.Enabled {
		l.runAutoStart(runCtx, 0)
	}
	return contracts.NewUser(*user), nil
}

// runContext must be called with l.mu held.
func (l *Launcher) runContext() context.Context {
	if l.runCtx == nil {
		return context.Background()
	}
	return l.runCtx
}

// Logout implements httpapi.Controller. Running API tunnels are stopped
// because they cannot be managed without a token.
func (l *Launcher) Logout() error {
	token, _ := l.session.Token()

	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	running, err := l.frpc.ListRunning(ctx)
	if err != nil {
		l.logger.Warn("Failed to list running tunnels on logout", zap.Error(err))
	}
	for _, key := range running {
		if key.Source != tunnel.SourceAPI {
			continue
		}
		if err := l.toggle.Stop(ctx, key); err != nil {
			l.logger.Warn("Failed to stop tunnel on logout", zap.String("tunnel", key.String()), zap.Error(err))
		}
	}

	if err := l.session.Clear(); err != nil {
		return err
	}
	l.unregisterSecret(token)
	_ = l.catalogue.Refresh(ctx)
	l.logger.Info("Logged out")
	return nil
}

// SetGuardEnabled implements httpapi.Controller
func (l *Launcher) SetGuardEnabled(enabled bool) error {
	if err := l.db.SetGuardEnabled(enabled); err != nil {
		return err
	}
	l.guard.SetEnabled(enabled)
	l.logger.Info("Process guard switched", zap.Bool("enabled", enabled))
	return nil
}

var _ httpapi.Controller = (*Launcher)(nil)
