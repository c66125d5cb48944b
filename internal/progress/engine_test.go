package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/chmlfrp/frplauncher/internal/logchannel"
	"github.com/chmlfrp/frplauncher/internal/tunnel"
	"github.com/chmlfrp/frplauncher/internal/tunnelstate"
)

var canonical = []string{
	"frpc 进程已启动 (PID: 100), 开始连接服务器...",
	"从ChmlFrp API获取配置文件",
	"已写入配置文件",
	"成功登录至服务器",
	"[web] 已启动隧道",
	"[web] 映射启动成功",
}

type countingObserver struct {
	milestones atomic.Int32
	stalls     atomic.Int32
}

func (o *countingObserver) ObserveMilestone(Milestone) { o.milestones.Add(1) }
func (o *countingObserver) ObserveStall()             { o.stalls.Add(1) }

type fakeSupervisor struct {
	running []tunnel.Key
}

func (f *fakeSupervisor) StartTunnel(context.Context, tunnel.Key, string) (string, error) {
	return "", nil
}
func (f *fakeSupervisor) StopTunnel(context.Context, tunnel.Key) (string, error) { return "", nil }
func (f *fakeSupervisor) IsRunning(context.Context, tunnel.Key) (bool, error)    { return false, nil }
func (f *fakeSupervisor) ListRunning(context.Context) ([]tunnel.Key, error) {
	return f.running, nil
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *tunnelstate.Store) {
	t.Helper()
	store := tunnelstate.New(zap.NewNop())
	if opts.StallTimeout == 0 {
		opts.StallTimeout = time.Hour
	}
	e := NewEngine(store, opts)
	t.Cleanup(e.Detach)
	return e, store
}

func line(id int, msg string) tunnel.LogRecord {
	return tunnel.LogRecord{TunnelID: id, Message: msg, Timestamp: "10:00:00"}
}

func TestCanonicalSequenceEndsInSuccess(t *testing.T) {
	e, store := newTestEngine(t, Options{FlashDuration: time.Hour})

	for _, msg := range canonical {
		e.Handle(line(7, msg))
	}

	p, ok := store.Get(tunnel.APIKey(7))
	require.True(t, ok)
	assert.Equal(t, 100, p.Percent)
	assert.True(t, p.IsSuccess)
	assert.False(t, p.IsError)
}

func TestLinesBeforeSpawnAreIgnored(t *testing.T) {
	e, store := newTestEngine(t, Options{})

	e.Handle(line(1, "成功登录至服务器"))
	e.Handle(line(1, "映射启动成功"))
	_, ok := store.Get(tunnel.APIKey(1))
	assert.False(t, ok)

	e.Handle(line(1, canonical[0]))
	p, _ := store.Get(tunnel.APIKey(1))
	assert.Equal(t, 10, p.Percent)
	assert.NotNil(t, p.StartedAt)
}

func TestProgressNeverDecreasesWithinAttempt(t *testing.T) {
	e, store := newTestEngine(t, Options{})
	e.Handle(line(1, canonical[0]))
	e.Handle(line(1, "成功登录至服务器"))
	e.Handle(line(1, "从ChmlFrp API获取配置文件"))

	p, _ := store.Get(tunnel.APIKey(1))
	assert.Equal(t, 60, p.Percent)

	// A new spawn is a new attempt.
	e.Handle(line(1, canonical[0]))
	p, _ = store.Get(tunnel.APIKey(1))
	assert.Equal(t, 10, p.Percent)
}

func TestStallFailsExactlyOnce(t *testing.T) {
	obs := &countingObserver{}
	e, store := newTestEngine(t, Options{StallTimeout: 30 * time.Millisecond, Observer: obs})
	key := tunnel.APIKey(4)

	e.Handle(line(4, canonical[0]))
	store.AddRunning(key)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					store.Reconcile(key, true)
				}
			}
		}()
	}

	require.Eventually(t, func() bool {
		p, _ := store.Get(key)
		return p.IsError
	}, time.Second, 5*time.Millisecond)
	close(stop)
	wg.Wait()

	time.Sleep(60 * time.Millisecond)
	p, _ := store.Get(key)
	assert.Equal(t, 100, p.Percent)
	assert.True(t, p.IsError)
	assert.False(t, p.IsSuccess)
	assert.Equal(t, int32(1), obs.stalls.Load())
}

func TestProgressClearsStallTimer(t *testing.T) {
	obs := &countingObserver{}
	e, store := newTestEngine(t, Options{StallTimeout: 100 * time.Millisecond, Observer: obs})
	key := tunnel.APIKey(5)

	e.Handle(line(5, canonical[0]))
	time.Sleep(50 * time.Millisecond)
	e.Handle(line(5, canonical[1]))
	time.Sleep(300 * time.Millisecond)

	p, _ := store.Get(key)
	assert.Equal(t, 20, p.Percent)
	assert.False(t, p.IsError, "no stall after a progress record")
	assert.Zero(t, obs.stalls.Load())

	// A new spawn arms the watch again.
	e.Handle(line(5, canonical[0]))
	require.Eventually(t, func() bool {
		p, _ := store.Get(key)
		return p.IsError
	}, time.Second, 10*time.Millisecond)
}

func TestSuccessCancelsStallAndFlashClears(t *testing.T) {
	e, store := newTestEngine(t, Options{StallTimeout: 40 * time.Millisecond, FlashDuration: 20 * time.Millisecond})
	key := tunnel.APIKey(6)

	e.Handle(line(6, canonical[0]))
	e.Handle(line(6, canonical[5]))

	p, _ := store.Get(key)
	assert.True(t, p.IsSuccess)

	require.Eventually(t, func() bool {
		p, _ := store.Get(key)
		return !p.IsSuccess
	}, time.Second, 5*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	p, _ = store.Get(key)
	assert.Equal(t, 100, p.Percent)
	assert.False(t, p.IsError, "stall timer must not fire after success")
}

func TestCancelTimersPreventsStall(t *testing.T) {
	e, store := newTestEngine(t, Options{StallTimeout: 20 * time.Millisecond})
	key := tunnel.APIKey(8)

	e.Handle(line(8, canonical[0]))
	e.CancelTimers(key)
	time.Sleep(60 * time.Millisecond)

	p, _ := store.Get(key)
	assert.False(t, p.IsError)
	assert.Equal(t, 10, p.Percent)
}

func TestDuplicateForwardedUnlessRecovering(t *testing.T) {
	var got []tunnel.LogRecord
	e, store := newTestEngine(t, Options{OnConflict: func(rec tunnel.LogRecord) { got = append(got, rec) }})
	dup := line(3, "[E] [web-proxy] 启动失败: proxy [web-proxy] already exists")

	e.Handle(dup)
	require.Len(t, got, 1)
	_, has := store.Get(tunnel.APIKey(3))
	assert.False(t, has, "a conflict does not change progress directly")

	require.True(t, store.BeginRecovery(tunnel.APIKey(3)))
	e.Handle(dup)
	assert.Len(t, got, 1)
}

func TestAttachRestoresFromBuffer(t *testing.T) {
	ch := logchannel.New()
	for _, msg := range canonical {
		ch.Append(line(1, msg))
	}
	ch.Append(line(2, canonical[0]))
	ch.Append(line(2, canonical[3]))
	ch.Append(line(3, canonical[0]))
	ch.Append(line(3, canonical[2]))
	ch.Append(line(2, "[E] [a] 启动失败 already exists"))

	e, store := newTestEngine(t, Options{})
	sup := &fakeSupervisor{running: []tunnel.Key{tunnel.APIKey(1), tunnel.APIKey(2)}}
	e.Attach(context.Background(), ch, sup)

	p1, _ := store.Get(tunnel.APIKey(1))
	assert.Equal(t, tunnel.Progress{Percent: 100}, p1, "rebuilt success has no flash")
	p2, _ := store.Get(tunnel.APIKey(2))
	assert.Equal(t, 60, p2.Percent)
	p3, _ := store.Get(tunnel.APIKey(3))
	assert.Equal(t, 0, p3.Percent, "not running tunnels are reset")
	assert.ElementsMatch(t, []tunnel.Key{tunnel.APIKey(1), tunnel.APIKey(2)}, store.Running())

	ch.Append(line(3, canonical[0]))
	p3, _ = store.Get(tunnel.APIKey(3))
	assert.Equal(t, 10, p3.Percent)
}

func TestRebuildSkipsTunnelsWithoutSpawn(t *testing.T) {
	records := []tunnel.LogRecord{
		line(8, canonical[2]),
		line(8, canonical[3]),
		line(9, canonical[3]),
		line(9, canonical[0]),
		line(9, canonical[1]),
	}

	rebuilt := Rebuild(records)
	_, has := rebuilt[tunnel.APIKey(8)]
	assert.False(t, has)
	assert.Equal(t, tunnel.Progress{Percent: 20}, rebuilt[tunnel.APIKey(9)])

	e, store := newTestEngine(t, Options{})
	for _, rec := range records {
		e.Handle(rec)
	}
	_, has = store.Get(tunnel.APIKey(8))
	assert.False(t, has)
	p9, _ := store.Get(tunnel.APIKey(9))
	assert.Equal(t, 20, p9.Percent)
}

// Live processing and rebuilding the same canonical-order sequence agree on
// the hard state.
func TestLiveAndRebuildAgree(t *testing.T) {
	noise := []string{"[I] heartbeat", "[W] retrying", "[E] x 启动失败 already exists"}

	rapid.Check(t, func(rt *rapid.T) {
		reached := rapid.IntRange(1, len(canonical)).Draw(rt, "reached")
		var records []tunnel.LogRecord
		for i := 0; i < reached; i++ {
			records = append(records, line(7, canonical[i]))
			n := rapid.IntRange(0, 2).Draw(rt, "noise")
			for j := 0; j < n; j++ {
				records = append(records, line(7, rapid.SampledFrom(noise).Draw(rt, "msg")))
			}
		}

		store := tunnelstate.New(zap.NewNop())
		e := NewEngine(store, Options{StallTimeout: time.Hour, FlashDuration: time.Hour})
		defer e.Detach()
		for _, rec := range records {
			e.Handle(rec)
		}
		live, _ := store.Get(tunnel.APIKey(7))
		rebuilt := Rebuild(records)[tunnel.APIKey(7)]

		if live.Percent != rebuilt.Percent || live.IsError != rebuilt.IsError {
			rt.Fatalf("live %+v != rebuilt %+v", live, rebuilt)
		}
		if live.IsError && live.IsSuccess {
			rt.Fatalf("success and error both set: %+v", live)
		}
		if want := Milestone(reached).Percent(); live.Percent != want {
			rt.Fatalf("percent %d, want %d", live.Percent, want)
		}
	})
}
