// Package tunnelstate owns the session-wide tunnel state: per-tunnel progress,
// the set of tunnels believed running, lifecycle phases and the single
// "currently starting" slot. Every mutation is one critical section, so the
// progress engine, the poller, recovery and toggles can run concurrently.
package tunnelstate

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/tunnel"
)

const defaultChangeBuffer = 256

var (
	// ErrBusy is returned when the tunnel is already mid-toggle or recovering.
	ErrBusy = errors.New("tunnel is busy")
	// ErrStartInProgress is returned when another tunnel holds the starting slot.
	ErrStartInProgress = errors.New("another tunnel is starting, wait for the current start to finish")
)

// Entry is the hard state of one tunnel plus its transient success flash.
type Entry struct {
	Percent   int
	Failed    bool
	Flash     bool
	StartedAt *time.Time
	// Attempt changes on every reset and spawn. Timers capture it so a
	// timer armed for an earlier attempt is a no-op.
	Attempt uint64
}

// Progress derives the public read model.
func (e Entry) Progress() tunnel.Progress {
	return tunnel.Progress{
		Percent:   e.Percent,
		IsError:   e.Failed,
		IsSuccess: e.Flash && !e.Failed,
		StartedAt: e.StartedAt,
	}
}

// Change is published on every progress, running-set or phase change.
type Change struct {
	Key     tunnel.Key      `json:"key"`
	Prev    tunnel.Progress `json:"prev"`
	Next    tunnel.Progress `json:"next"`
	Running bool            `json:"running"`
	Phase   Phase           `json:"phase"`
}

// Store is the tunnel state store. The zero value is not usable; call New.
type Store struct {
	logger *zap.Logger

	mu          sync.Mutex
	entries     map[tunnel.Key]*Entry
	running     map[tunnel.Key]struct{}
	phases      map[tunnel.Key]Phase
	starting    *tunnel.Key
	nextAttempt uint64
	// revisions change whenever anything about a key changes, so an
	// observation taken outside the lock can be checked for staleness.
	revisions   map[tunnel.Key]uint64
	nextRev     uint64
	initialized bool

	subMu sync.RWMutex
	subs  map[chan Change]struct{}
}

// New creates an initialized, empty store.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		logger: logger,
		subs:   make(map[chan Change]struct{}),
	}
	s.Init()
	return s
}

// Init prepares the store for a session. Calling it on an initialized store
// is a no-op.
func (s *Store) Init() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return
	}
	s.clearLocked()
	s.initialized = true
}

// Reset drops all tunnel state, for example on logout. Subscribers stay
// registered and receive a change for every tunnel that had state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.knownKeysLocked()
	prev := make(map[tunnel.Key]tunnel.Progress, len(keys))
	for _, k := range keys {
		prev[k] = s.progressLocked(k)
	}
	s.clearLocked()
	for _, k := range keys {
		s.publish(Change{Key: k, Prev: prev[k], Phase: PhaseIdle})
	}
	s.logger.Debug("Tunnel state reset", zap.Int("tunnels", len(keys)))
}

func (s *Store) clearLocked() {
	s.entries = make(map[tunnel.Key]*Entry)
	s.running = make(map[tunnel.Key]struct{})
	s.phases = make(map[tunnel.Key]Phase)
	s.revisions = make(map[tunnel.Key]uint64)
	s.starting = nil
}

func (s *Store) bumpLocked(key tunnel.Key) {
	s.nextRev++
	s.revisions[key] = s.nextRev
}

// Revision returns the current revision of key. Any progress, running-set
// or phase change of key moves it.
func (s *Store) Revision(key tunnel.Key) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revisions[key]
}

// Subscribe returns a channel receiving every change. Slow subscribers drop
// changes rather than block writers.
func (s *Store) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, defaultChangeBuffer)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
			s.subMu.Unlock()
		})
	}
}

func (s *Store) publish(c Change) {
	s.subMu.RLock()
	for ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
	s.subMu.RUnlock()
}

// mutate runs fn on the entry for key (creating it when create is set) and
// publishes the resulting change. Callers hold s.mu.
func (s *Store) mutate(key tunnel.Key, create bool, fn func(e *Entry) bool) bool {
	e, ok := s.entries[key]
	if !ok {
		if !create {
			return false
		}
		e = &Entry{}
		s.entries[key] = e
	}
	before := e.Progress()
	if !fn(e) {
		return false
	}
	if e.Percent >= 100 && s.starting != nil && *s.starting == key {
		s.starting = nil
	}
	s.bumpLocked(key)
	s.publish(Change{Key: key, Prev: before, Next: e.Progress(), Running: s.isRunningLocked(key), Phase: s.phaseLocked(key)})
	return true
}

func (s *Store) newAttemptLocked() uint64 {
	s.nextAttempt++
	return s.nextAttempt
}

// Get returns the progress of key and whether the tunnel has an entry.
func (s *Store) Get(key tunnel.Key) (tunnel.Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return tunnel.Progress{}, false
	}
	return e.Progress(), true
}

// Entry returns a copy of the raw entry for key.
func (s *Store) Entry(key tunnel.Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (s *Store) progressLocked(key tunnel.Key) tunnel.Progress {
	if e, ok := s.entries[key]; ok {
		return e.Progress()
	}
	return tunnel.Progress{}
}

// Snapshot returns the progress of every tunnel with an entry.
func (s *Store) Snapshot() map[tunnel.Key]tunnel.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[tunnel.Key]tunnel.Progress, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.Progress()
	}
	return out
}

// KnownKeys returns every key with progress, a phase or a running mark.
func (s *Store) KnownKeys() []tunnel.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knownKeysLocked()
}

func (s *Store) knownKeysLocked() []tunnel.Key {
	set := make(map[tunnel.Key]struct{}, len(s.entries))
	for k := range s.entries {
		set[k] = struct{}{}
	}
	for k := range s.running {
		set[k] = struct{}{}
	}
	for k := range s.phases {
		set[k] = struct{}{}
	}
	return SortKeys(set)
}

// SortKeys returns the keys of set ordered by source then id.
func SortKeys(set map[tunnel.Key]struct{}) []tunnel.Key {
	out := make([]tunnel.Key, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// --- running set ---

// IsRunning reports whether key is in the running set.
func (s *Store) IsRunning(key tunnel.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunningLocked(key)
}

func (s *Store) isRunningLocked(key tunnel.Key) bool {
	_, ok := s.running[key]
	return ok
}

// Running returns the running set in key order.
func (s *Store) Running() []tunnel.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SortKeys(s.running)
}

// AddRunning marks key as running.
func (s *Store) AddRunning(key tunnel.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setRunningLocked(key, true)
}

// RemoveRunning clears the running mark of key.
func (s *Store) RemoveRunning(key tunnel.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setRunningLocked(key, false)
}

func (s *Store) setRunningLocked(key tunnel.Key, running bool) {
	if s.isRunningLocked(key) == running {
		return
	}
	if running {
		s.running[key] = struct{}{}
	} else {
		delete(s.running, key)
	}
	s.bumpLocked(key)
	p := s.progressLocked(key)
	s.publish(Change{Key: key, Prev: p, Next: p, Running: running, Phase: s.phaseLocked(key)})
}

// --- phases and the starting slot ---

// Phase returns the lifecycle phase of key.
func (s *Store) Phase(key tunnel.Key) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phaseLocked(key)
}

func (s *Store) phaseLocked(key tunnel.Key) Phase {
	if p, ok := s.phases[key]; ok {
		return p
	}
	return PhaseIdle
}

func (s *Store) setPhaseLocked(key tunnel.Key, to Phase) bool {
	from := s.phaseLocked(key)
	if !CanTransition(from, to) {
		return false
	}
	if to == PhaseIdle {
		delete(s.phases, key)
	} else {
		s.phases[key] = to
	}
	s.bumpLocked(key)
	p := s.progressLocked(key)
	s.publish(Change{Key: key, Prev: p, Next: p, Running: s.isRunningLocked(key), Phase: to})
	s.logger.Debug("Tunnel phase changed",
		zap.String("tunnel", key.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return true
}

// StartingKey returns the tunnel holding the starting slot.
func (s *Store) StartingKey() (tunnel.Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.starting == nil {
		return tunnel.Key{}, false
	}
	return *s.starting, true
}

// BeginStart moves key from Idle to Starting, claims the starting slot and
// resets its progress. It fails with ErrBusy when key is not Idle and with
// ErrStartInProgress when another tunnel holds the slot.
func (s *Store) BeginStart(key tunnel.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phaseLocked(key) != PhaseIdle {
		return ErrBusy
	}
	if s.starting != nil && *s.starting != key {
		return ErrStartInProgress
	}
	s.setPhaseLocked(key, PhaseStarting)
	k := key
	s.starting = &k
	s.resetLocked(key)
	return nil
}

// BeginStop moves key from Idle to Stopping.
func (s *Store) BeginStop(key tunnel.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.setPhaseLocked(key, PhaseStopping) {
		return ErrBusy
	}
	return nil
}

// EndToggle returns key to Idle if it is still in the toggle phase from.
// A start taken over by recovery stays Recovering.
func (s *Store) EndToggle(key tunnel.Key, from Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phaseLocked(key) == from {
		s.setPhaseLocked(key, PhaseIdle)
	}
}

// BeginRecovery marks key as Recovering. It returns false when the tunnel is
// already recovering or is being stopped.
func (s *Store) BeginRecovery(key tunnel.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setPhaseLocked(key, PhaseRecovering)
}

// EndRecovery returns key to Idle and releases the starting slot if the
// recovered tunnel still holds it.
func (s *Store) EndRecovery(key tunnel.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phaseLocked(key) == PhaseRecovering {
		s.setPhaseLocked(key, PhaseIdle)
	}
	s.releaseLocked(key)
}

// ReleaseSlot frees the starting slot if key holds it.
func (s *Store) ReleaseSlot(key tunnel.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(key)
}

func (s *Store) releaseLocked(key tunnel.Key) {
	if s.starting != nil && *s.starting == key {
		s.starting = nil
	}
}

// CompleteStop records a successful stop: key leaves the running set, its
// progress is zeroed and it gives up the starting slot.
func (s *Store) CompleteStop(key tunnel.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setRunningLocked(key, false)
	s.resetLocked(key)
	s.releaseLocked(key)
}

// --- progress transitions ---

// ResetProgress sets key to the zero state and starts a new attempt.
func (s *Store) ResetProgress(key tunnel.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(key)
}

func (s *Store) resetLocked(key tunnel.Key) {
	attempt := s.newAttemptLocked()
	s.mutate(key, true, func(e *Entry) bool {
		*e = Entry{Attempt: attempt}
		return true
	})
}

// MarkSpawned begins a new attempt at 10%.
func (s *Store) MarkSpawned(key tunnel.Key, at time.Time, percent int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt := s.newAttemptLocked()
	s.mutate(key, true, func(e *Entry) bool {
		*e = Entry{Percent: percent, StartedAt: &at, Attempt: attempt}
		return true
	})
	return attempt
}

// ApplyMilestone raises the percent of an existing, non-failed entry to
// percent and returns the entry as it stands afterwards. It returns false
// when key has no entry.
func (s *Store) ApplyMilestone(key tunnel.Key, percent int) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return Entry{}, false
	}
	s.mutate(key, false, func(e *Entry) bool {
		if e.Failed || percent <= e.Percent {
			return false
		}
		e.Percent = percent
		return true
	})
	return *s.entries[key], true
}

// MarkSuccess sets key to {100, success flash}. A success line overrides an
// earlier stall failure of the same attempt.
func (s *Store) MarkSuccess(key tunnel.Key) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return 0, false
	}
	attempt := e.Attempt
	s.mutate(key, false, func(e *Entry) bool {
		e.Percent = 100
		e.Failed = false
		e.Flash = true
		return true
	})
	return attempt, true
}

// ClearFlash ends the success pulse if attempt is still current.
func (s *Store) ClearFlash(key tunnel.Key, attempt uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(key, false, func(e *Entry) bool {
		if e.Attempt != attempt || !e.Flash {
			return false
		}
		e.Flash = false
		return true
	})
}

// Fail sets key to {100, error}, creating the entry if needed.
func (s *Store) Fail(key tunnel.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutate(key, true, func(e *Entry) bool {
		if e.Percent == 100 && e.Failed && !e.Flash {
			return false
		}
		e.Percent = 100
		e.Failed = true
		e.Flash = false
		return true
	})
}

// FailIfPending fails key only if attempt is current and the attempt has not
// finished. It reports whether the entry changed.
func (s *Store) FailIfPending(key tunnel.Key, attempt uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(key, false, func(e *Entry) bool {
		if e.Attempt != attempt || e.Percent >= 100 || e.Failed {
			return false
		}
		e.Percent = 100
		e.Failed = true
		return true
	})
}

// Restore installs rebuilt hard state for key. The flash is never restored.
func (s *Store) Restore(key tunnel.Key, p tunnel.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt := s.newAttemptLocked()
	s.mutate(key, true, func(e *Entry) bool {
		*e = Entry{Percent: p.Percent, Failed: p.IsError, StartedAt: p.StartedAt, Attempt: attempt}
		return true
	})
}

// Reconciliation is the outcome of applying one ground-truth observation.
type Reconciliation int

const (
	// ReconcileSkipped means the tunnel was not Idle.
	ReconcileSkipped Reconciliation = iota
	// ReconcileUnchanged means the observation matched the store.
	ReconcileUnchanged
	// ReconcileMarkedRunning means the tunnel was added to the running set.
	ReconcileMarkedRunning
	// ReconcileDied means a believed-running tunnel was found dead mid-start
	// and marked failed.
	ReconcileDied
	// ReconcileRemoved means a finished tunnel left the running set.
	ReconcileRemoved
	// ReconcileCleared means stale progress of a stopped tunnel was zeroed.
	ReconcileCleared
)

// String implements fmt.Stringer.
func (r Reconciliation) String() string {
	switch r {
	case ReconcileSkipped:
		return "skipped"
	case ReconcileUnchanged:
		return "unchanged"
	case ReconcileMarkedRunning:
		return "marked_running"
	case ReconcileDied:
		return "died"
	case ReconcileRemoved:
		return "removed"
	case ReconcileCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Reconcile applies one IsRunning observation for key atomically.
// Tunnels that are not Idle are left alone.
func (s *Store) Reconcile(key tunnel.Key, running bool) Reconciliation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcileLocked(key, running)
}

// ReconcileObserved is Reconcile for an observation made while key was at
// revision rev. If key changed since then the observation is stale and
// ReconcileSkipped is returned.
func (s *Store) ReconcileObserved(key tunnel.Key, running bool, rev uint64) Reconciliation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revisions[key] != rev {
		return ReconcileSkipped
	}
	return s.reconcileLocked(key, running)
}

func (s *Store) reconcileLocked(key tunnel.Key, running bool) Reconciliation {
	if s.phaseLocked(key) != PhaseIdle {
		return ReconcileSkipped
	}
	believed := s.isRunningLocked(key)
	if running {
		if believed {
			return ReconcileUnchanged
		}
		s.setRunningLocked(key, true)
		return ReconcileMarkedRunning
	}

	e, has := s.entries[key]
	if believed {
		result := ReconcileRemoved
		if has && e.Percent < 100 {
			s.mutate(key, false, func(e *Entry) bool {
				e.Percent = 100
				e.Failed = true
				e.Flash = false
				return true
			})
			result = ReconcileDied
		}
		s.setRunningLocked(key, false)
		return result
	}
	if has && e.Percent > 0 {
		s.resetLocked(key)
		s.releaseLocked(key)
		return ReconcileCleared
	}
	return ReconcileUnchanged
}
