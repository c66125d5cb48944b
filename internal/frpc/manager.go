// Package frpc supervises frpc client processes: one per running tunnel.
// Process output is cleaned, masked and appended to the log channel.
package frpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/tunnel"
	"github.com/chmlfrp/frplauncher/internal/tunnelstate"
)

var (
	// ErrAlreadyRunning is returned when the tunnel already has a live process.
	ErrAlreadyRunning = errors.New("该隧道已在运行中")
	// ErrNotRunning is returned when stopping a tunnel without a process.
	ErrNotRunning = errors.New("该隧道未在运行")
	// ErrBinaryMissing is returned when the frpc executable does not exist.
	ErrBinaryMissing = errors.New("frpc 未找到，请先下载")
)

const defaultStopTimeout = 5 * time.Second

// Sink receives every line the supervisor emits.
type Sink interface {
	Append(rec tunnel.LogRecord)
}

// ConfigResolver maps a custom tunnel to its frpc configuration file.
type ConfigResolver interface {
	ConfigFile(id int) (string, error)
}

// Config contains the supervisor settings
type Config struct {
	// Binary is the frpc executable. Relative paths are resolved against WorkDir.
	Binary string
	// WorkDir is where frpc runs and writes its generated configuration.
	WorkDir     string
	StopTimeout time.Duration
}

// BinaryPath returns the absolute frpc path.
func (c Config) BinaryPath() string {
	bin := c.Binary
	if bin == "" {
		bin = "frpc"
		if runtime.GOOS == "windows" {
			bin = "frpc.exe"
		}
	}
	if !filepath.IsAbs(bin) && c.WorkDir != "" {
		bin = filepath.Join(c.WorkDir, bin)
	}
	return bin
}

type process struct {
	key       tunnel.Key
	cmd       *exec.Cmd
	pid       int
	token     string
	startedAt time.Time
	done      chan struct{}
	exitErr   error
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Manager implements tunnel.Supervisor with local frpc processes.
type Manager struct {
	cfg       Config
	sink      Sink
	resolver  ConfigResolver
	logger    *zap.SugaredLogger
	tunnelLog func(key tunnel.Key) *zap.Logger

	mu    sync.Mutex
	procs map[tunnel.Key]*process
	guard *Guard
}

// Option customizes a Manager.
type Option func(*Manager)

// WithConfigResolver enables custom tunnels.
func WithConfigResolver(r ConfigResolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// WithTunnelLogger copies every cleaned output line into a per-tunnel logger.
func WithTunnelLogger(f func(key tunnel.Key) *zap.Logger) Option {
	return func(m *Manager) { m.tunnelLog = f }
}

// NewManager creates a process supervisor writing output to sink.
func NewManager(cfg Config, sink Sink, logger *zap.SugaredLogger, opts ...Option) *Manager {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	m := &Manager{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		procs:  make(map[tunnel.Key]*process),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) setGuard(g *Guard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guard = g
}

func (m *Manager) currentGuard() *Guard {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guard
}

func (m *Manager) emit(key tunnel.Key, message string) {
	m.sink.Append(tunnel.NewLogRecord(key, message))
}

func (m *Manager) args(key tunnel.Key, credential string) ([]string, error) {
	switch key.Source {
	case tunnel.SourceAPI:
		return []string{"-u", credential, "-p", fmt.Sprintf("%d", key.ID)}, nil
	case tunnel.SourceCustom:
		if m.resolver == nil {
			return nil, fmt.Errorf("custom tunnel %d: no configuration resolver", key.ID)
		}
		file, err := m.resolver.ConfigFile(key.ID)
		if err != nil {
			return nil, err
		}
		return []string{"-c", file}, nil
	default:
		return nil, fmt.Errorf("unknown tunnel source %q", key.Source)
	}
}

// StartTunnel spawns frpc for key.
func (m *Manager) StartTunnel(_ context.Context, key tunnel.Key, credential string) (string, error) {
	m.mu.Lock()
	if p, ok := m.procs[key]; ok && !p.exited() {
		m.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	delete(m.procs, key)
	m.mu.Unlock()

	binary := m.cfg.BinaryPath()
	if _, err := os.Stat(binary); err != nil {
		return "", ErrBinaryMissing
	}
	if err := ensureExecutable(binary); err != nil {
		return "", fmt.Errorf("make frpc executable: %w", err)
	}

	args, err := m.args(key, credential)
	if err != nil {
		return "", err
	}

	// The process outlives the request, so it is not bound to ctx.
	cmd := exec.Command(binary, args...)
	cmd.Dir = m.cfg.WorkDir
	configureCommand(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	m.logger.Infow("Starting frpc",
		"tunnel", key.String(),
		"binary", binary,
		"args", maskArgs(args),
		"working_dir", m.cfg.WorkDir)

	if err := cmd.Start(); err != nil {
		m.logger.Errorw("Failed to start frpc", "tunnel", key.String(), "error", err)
		return "", fmt.Errorf("启动 frpc 失败: %w", err)
	}

	p := &process{
		key:       key,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		token:     credential,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if existing, ok := m.procs[key]; ok && !existing.exited() {
		// Lost a race with a concurrent start of the same tunnel.
		m.mu.Unlock()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return "", ErrAlreadyRunning
	}
	m.procs[key] = p
	guard := m.guard
	m.mu.Unlock()

	m.emit(key, fmt.Sprintf("frpc 进程已启动 (PID: %d), 开始连接服务器...", p.pid))

	var readers sync.WaitGroup
	readers.Add(2)
	go m.capture(p, stdout, "", &readers)
	go m.capture(p, stderr, "[ERR] ", &readers)
	go m.wait(p, &readers)

	if guard != nil {
		guard.Track(key, credential)
	}

	m.logger.Infow("frpc started", "tunnel", key.String(), "pid", p.pid)
	return fmt.Sprintf("frpc 已启动 (PID: %d)", p.pid), nil
}

func (m *Manager) capture(p *process, pipe io.ReadCloser, prefix string, done *sync.WaitGroup) {
	defer done.Done()
	defer pipe.Close()

	var tlog *zap.Logger
	if m.tunnelLog != nil {
		tlog = m.tunnelLog(p.key)
	}

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := CleanLine(scanner.Text(), p.token)
		if g := m.currentGuard(); g != nil {
			g.Inspect(p.key, line)
		}
		m.emit(p.key, prefix+line)
		if tlog != nil {
			tlog.Info(prefix + line)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		m.logger.Debugw("Error reading frpc output", "tunnel", p.key.String(), "error", err)
	}
}

func (m *Manager) wait(p *process, readers *sync.WaitGroup) {
	readers.Wait()
	p.exitErr = p.cmd.Wait()
	close(p.done)

	if p.exitErr != nil {
		m.logger.Infow("frpc exited",
			"tunnel", p.key.String(),
			"pid", p.pid,
			"error", p.exitErr,
			"runtime", time.Since(p.startedAt))
	} else {
		m.logger.Infow("frpc exited normally",
			"tunnel", p.key.String(),
			"pid", p.pid,
			"runtime", time.Since(p.startedAt))
	}
}

// StopTunnel terminates the frpc process of key.
func (m *Manager) StopTunnel(_ context.Context, key tunnel.Key) (string, error) {
	if g := m.currentGuard(); g != nil {
		g.Untrack(key, true)
	}

	m.mu.Lock()
	p, ok := m.procs[key]
	delete(m.procs, key)
	m.mu.Unlock()

	if !ok {
		return "", ErrNotRunning
	}
	if p.exited() {
		return "frpc 已停止", nil
	}

	m.logger.Infow("Stopping frpc", "tunnel", key.String(), "pid", p.pid)
	if err := terminate(p.cmd.Process, p.done, m.cfg.StopTimeout); err != nil {
		m.logger.Warnw("Failed to stop frpc", "tunnel", key.String(), "pid", p.pid, "error", err)
		return "", fmt.Errorf("停止进程失败: %w", err)
	}
	return "frpc 已停止", nil
}

// IsRunning reports whether key has a live process, forgetting exited ones.
func (m *Manager) IsRunning(_ context.Context, key tunnel.Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[key]
	if !ok {
		return false, nil
	}
	if p.exited() {
		delete(m.procs, key)
		return false, nil
	}
	return true, nil
}

// ListRunning returns every tunnel with a live process.
func (m *Manager) ListRunning(_ context.Context) ([]tunnel.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[tunnel.Key]struct{}, len(m.procs))
	for key, p := range m.procs {
		if p.exited() {
			delete(m.procs, key)
			continue
		}
		set[key] = struct{}{}
	}
	return tunnelstate.SortKeys(set), nil
}

// PID returns the process id of a running tunnel.
func (m *Manager) PID(key tunnel.Key) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[key]
	if !ok || p.exited() {
		return 0, false
	}
	return p.pid, true
}

// Shutdown stops every process. Guarded tunnels are not restarted.
func (m *Manager) Shutdown(ctx context.Context) {
	keys, _ := m.ListRunning(ctx)
	for _, key := range keys {
		if _, err := m.StopTunnel(ctx, key); err != nil && !errors.Is(err, ErrNotRunning) {
			m.logger.Warnw("Failed to stop frpc during shutdown", "tunnel", key.String(), "error", err)
		}
	}
}
