// Package statestore implements a change-notifying cache of observed state.
//
// State is split into three partitions:
//   - Base: values observed from outside, merged field by field
//   - Derived: pure functions of Base, recomputed on every update
//   - Extra: bookkeeping owned by the concrete store, merged by a reducer
//
// Subscribers receive the exact old state, new state and the set of fields
// that differ. Derived values are recomputed even when nothing new was
// observed, which is how time-only effects such as fee decay surface.
package statestore

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

var (
	// ErrAlreadyLoaded is returned by a second Load.
	ErrAlreadyLoaded = errors.New("statestore: already loaded")

	// ErrNotLoaded is returned by Update before Load.
	ErrNotLoaded = errors.New("statestore: not loaded")

	// ErrStopped is returned when a commit belongs to a generation that has
	// since been stopped.
	ErrStopped = errors.New("statestore: stopped")
)

// DefaultFallbackRefresh is the delay after the last commit at which the
// store refreshes on its own.
const DefaultFallbackRefresh = 30 * time.Second

// Values maps field names to values.
type Values map[string]any

// Hooks supply the concrete store's behaviour.
type Hooks interface {
	// Derive computes the Derived partition from Base.
	Derive(base Values) Values
	// ReduceExtra merges an Extra delta into the previous Extra partition.
	ReduceExtra(prev, delta Values) Values
}

// Change is delivered to subscribers after every commit.
type Change struct {
	Old     Values
	New     Values
	Changed Values
}

// Listener receives changes.
type Listener func(Change)

// Options configure a Store.
type Options struct {
	// FallbackRefresh defaults to DefaultFallbackRefresh.
	FallbackRefresh time.Duration
	// Equal overrides DefaultEqual per field.
	Equal  map[string]Equal
	Logger *slog.Logger
}

type subscription struct {
	id uint64
	fn Listener
}

type notification struct {
	change Change
	subs   []subscription
}

// Store is the generic reactive cache. It is safe for concurrent use.
// Listeners run on the goroutine that committed, in commit order; a
// listener that commits again has its change queued behind the current one.
type Store struct {
	hooks    Hooks
	equal    map[string]Equal
	fallback time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	loaded      bool
	base        Values
	derived     Values
	extra       Values
	subs        map[uint64]Listener
	nextID      uint64
	onLoaded    func(Values)
	refresh     func()
	timer       *time.Timer
	gen         uint64
	stopped     bool
	queue       []notification
	dispatching bool
}

// New returns an unloaded store.
func New(hooks Hooks, opts Options) *Store {
	if opts.FallbackRefresh <= 0 {
		opts.FallbackRefresh = DefaultFallbackRefresh
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		hooks:    hooks,
		equal:    opts.Equal,
		fallback: opts.FallbackRefresh,
		logger:   opts.Logger,
		subs:     make(map[uint64]Listener),
	}
	s.refresh = func() {
		if err := s.Update(nil, nil); err != nil && !errors.Is(err, ErrNotLoaded) {
			s.logger.Warn("fallback refresh failed", "error", err)
		}
	}
	return s
}

func (s *Store) fieldEqual(key string, a, b any) bool {
	if eq, ok := s.equal[key]; ok {
		return eq(a, b)
	}
	return DefaultEqual(a, b)
}

// SetRefresh replaces what the fallback timer does. By default it
// re-derives state without new observations.
func (s *Store) SetRefresh(fn func()) {
	s.mu.Lock()
	s.refresh = fn
	s.mu.Unlock()
}

// OnLoaded registers a callback run once the store is loaded.
func (s *Store) OnLoaded(fn func(state Values)) {
	s.mu.Lock()
	s.onLoaded = fn
	s.mu.Unlock()
}

// Loaded reports whether Load has succeeded.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Generation identifies the current run. It changes every time a stop
// function returned by Start is called.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// State returns a copy of the merged Base, Derived and Extra partitions.
// It is nil before Load.
func (s *Store) State() Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return nil
	}
	return s.stateLocked()
}

func (s *Store) stateLocked() Values {
	state := make(Values, len(s.base)+len(s.derived)+len(s.extra))
	maps.Copy(state, s.base)
	maps.Copy(state, s.derived)
	maps.Copy(state, s.extra)
	return state
}

// Subscribe registers listener for future changes. Listeners added while a
// change is being delivered first hear about the next one.
func (s *Store) Subscribe(listener Listener) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = listener
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Load initializes the store.
func (s *Store) Load(base, extra Values) error {
	return s.LoadFrom(s.Generation(), base, extra)
}

// LoadFrom is Load guarded by the generation the caller started in.
func (s *Store) LoadFrom(gen uint64, base, extra Values) error {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.loaded {
		s.mu.Unlock()
		return ErrAlreadyLoaded
	}
	s.base = maps.Clone(base)
	if s.base == nil {
		s.base = Values{}
	}
	s.derived = s.hooks.Derive(maps.Clone(s.base))
	s.extra = s.hooks.ReduceExtra(Values{}, extra)
	s.loaded = true
	s.scheduleLocked()
	onLoaded := s.onLoaded
	state := s.stateLocked()
	s.mu.Unlock()

	s.logger.Debug("store loaded", "fields", len(state))
	if onLoaded != nil {
		onLoaded(state)
	}
	return nil
}

// Update merges deltas, recomputes Derived and notifies subscribers. A key
// present in baseDelta replaces the old value only if the field's equality
// says it differs. Nil entries are ignored and keep the old value.
func (s *Store) Update(baseDelta, extraDelta Values) error {
	return s.UpdateFrom(s.Generation(), baseDelta, extraDelta)
}

// UpdateFrom is Update guarded by the generation the caller started in.
func (s *Store) UpdateFrom(gen uint64, baseDelta, extraDelta Values) error {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return ErrStopped
	}
	if !s.loaded {
		s.mu.Unlock()
		return ErrNotLoaded
	}

	old := s.stateLocked()

	base := maps.Clone(s.base)
	for key, v := range baseDelta {
		if v == nil {
			continue
		}
		prev, ok := base[key]
		if !ok || !s.fieldEqual(key, prev, v) {
			base[key] = v
		}
	}
	s.base = base
	s.derived = s.hooks.Derive(maps.Clone(base))
	if extraDelta != nil {
		s.extra = s.hooks.ReduceExtra(maps.Clone(s.extra), extraDelta)
	}

	next := s.stateLocked()
	changed := Values{}
	for key, v := range next {
		prev, ok := old[key]
		if !ok || !s.fieldEqual(key, prev, v) {
			changed[key] = v
		}
	}

	s.scheduleLocked()
	s.queue = append(s.queue, notification{
		change: Change{Old: old, New: next, Changed: changed},
		subs:   s.snapshotLocked(),
	})
	if s.dispatching {
		s.mu.Unlock()
		return nil
	}
	s.dispatching = true
	s.dispatchLocked()
	s.dispatching = false
	s.mu.Unlock()
	return nil
}

func (s *Store) snapshotLocked() []subscription {
	ids := slices.Sorted(maps.Keys(s.subs))
	subs := make([]subscription, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, subscription{id: id, fn: s.subs[id]})
	}
	return subs
}

// dispatchLocked drains the notification queue. It is entered and left
// with mu held but releases it around every listener call.
func (s *Store) dispatchLocked() {
	for len(s.queue) > 0 {
		n := s.queue[0]
		s.queue = s.queue[1:]
		if len(n.change.Changed) > 0 {
			s.logger.Debug("store updated", "changed", slices.Sorted(maps.Keys(n.change.Changed)))
		}
		for _, sub := range n.subs {
			if _, ok := s.subs[sub.id]; !ok {
				continue
			}
			s.mu.Unlock()
			sub.fn(n.change)
			s.mu.Lock()
		}
	}
}

// scheduleLocked restarts the fallback timer.
func (s *Store) scheduleLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.stopped {
		s.timer = nil
		return
	}
	gen := s.gen
	s.timer = time.AfterFunc(s.fallback, func() { s.fire(gen) })
}

func (s *Store) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	// Arm the next attempt first so a failed refresh is retried.
	s.scheduleLocked()
	refresh := s.refresh
	s.mu.Unlock()

	if refresh != nil {
		refresh()
	}
}

// ArmFallback starts the fallback timer for gen if it is still current. It
// lets a concrete store retry a Load that failed before any commit armed
// the timer.
func (s *Store) ArmFallback(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.stopped || s.timer != nil {
		return
	}
	s.scheduleLocked()
}

func (s *Store) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Start runs doStart, which attaches the concrete store to its event
// sources and returns a function that detaches it. The returned stop is
// idempotent. It bumps the generation and cancels the fallback timer before
// detaching, so nothing started by the old run can commit afterwards.
func (s *Store) Start(doStart func(gen uint64) (detach func())) (stop func()) {
	s.mu.Lock()
	s.stopped = false
	gen := s.gen
	s.mu.Unlock()

	detach := doStart(gen)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.cancelLocked()
			s.stopped = true
			s.gen++
			s.mu.Unlock()
			if detach != nil {
				detach()
			}
		})
	}
}
