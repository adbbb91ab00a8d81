package statestore

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trenfi/position-engine/internal/fixed"
)

// sumHooks derives "sum" from the integer fields "a" and "b" and keeps the
// highest "tick" seen in Extra.
type sumHooks struct {
	derives atomic.Int64
}

func (h *sumHooks) Derive(base Values) Values {
	h.derives.Add(1)
	a, _ := base["a"].(int)
	b, _ := base["b"].(int)
	return Values{"sum": a + b}
}

func (h *sumHooks) ReduceExtra(prev, delta Values) Values {
	out := Values{"tick": uint64(0)}
	if t, ok := prev["tick"].(uint64); ok {
		out["tick"] = t
	}
	if t, ok := delta["tick"].(uint64); ok && t > out["tick"].(uint64) {
		out["tick"] = t
	}
	return out
}

func newLoaded(t *testing.T, opts Options) (*Store, *sumHooks) {
	t.Helper()
	h := &sumHooks{}
	s := New(h, opts)
	require.NoError(t, s.Load(Values{"a": 1, "b": 2}, Values{"tick": uint64(1)}))
	return s, h
}

func TestLoad_Once(t *testing.T) {
	s, _ := newLoaded(t, Options{})
	require.ErrorIs(t, s.Load(Values{}, nil), ErrAlreadyLoaded)
	require.Equal(t, Values{"a": 1, "b": 2, "sum": 3, "tick": uint64(1)}, s.State())
}

func TestUpdate_BeforeLoad(t *testing.T) {
	s := New(&sumHooks{}, Options{})
	require.ErrorIs(t, s.Update(Values{"a": 1}, nil), ErrNotLoaded)
	require.Nil(t, s.State())
}

func TestOnLoaded(t *testing.T) {
	s := New(&sumHooks{}, Options{})
	var got Values
	s.OnLoaded(func(state Values) { got = state })
	require.NoError(t, s.Load(Values{"a": 2, "b": 2}, nil))
	require.Equal(t, 4, got["sum"])
}

func TestUpdate_ChangedIsExact(t *testing.T) {
	s, _ := newLoaded(t, Options{})
	var changes []Change
	s.Subscribe(func(c Change) { changes = append(changes, c) })

	require.NoError(t, s.Update(Values{"a": 1}, nil))
	require.Len(t, changes, 1)
	require.Empty(t, changes[0].Changed)

	require.NoError(t, s.Update(Values{"a": 5}, Values{"tick": uint64(7)}))
	require.Len(t, changes, 2)
	c := changes[1]
	require.Equal(t, Values{"a": 5, "sum": 7, "tick": uint64(7)}, c.Changed)
	require.Equal(t, 1, c.Old["a"])
	require.Equal(t, 3, c.Old["sum"])
	require.Equal(t, 5, c.New["a"])
	require.Equal(t, 2, c.New["b"])
}

func TestUpdate_AlwaysRederives(t *testing.T) {
	s, h := newLoaded(t, Options{})
	before := h.derives.Load()
	require.NoError(t, s.Update(nil, nil))
	require.NoError(t, s.Update(nil, nil))
	require.Equal(t, before+2, h.derives.Load())
}

func TestUpdate_FieldEquality(t *testing.T) {
	// Values within 10 of each other count as the same for "a".
	near := func(x, y any) bool {
		d := x.(int) - y.(int)
		return d > -10 && d < 10
	}
	s, _ := newLoaded(t, Options{Equal: map[string]Equal{"a": near}})

	require.NoError(t, s.Update(Values{"a": 5}, nil))
	require.Equal(t, 1, s.State()["a"], "equal value must not replace the old one")

	require.NoError(t, s.Update(Values{"a": 50}, nil))
	require.Equal(t, 50, s.State()["a"])
}

func TestUpdate_NilDeltaKeepsValue(t *testing.T) {
	s, _ := newLoaded(t, Options{})
	var changes []Change
	s.Subscribe(func(c Change) { changes = append(changes, c) })

	require.NoError(t, s.Update(Values{"a": nil, "b": 7}, nil))
	state := s.State()
	require.Equal(t, 1, state["a"])
	require.Equal(t, 8, state["sum"])
	require.Len(t, changes, 1)
	require.Equal(t, Values{"b": 7, "sum": 8}, changes[0].Changed)
}

func TestDefaultEqual(t *testing.T) {
	require.True(t, DefaultEqual(fixed.MustParse("1.10"), fixed.MustParse("1.1")))
	require.False(t, DefaultEqual(fixed.MustParse("1.1"), fixed.MustParse("1.2")))
	require.True(t, DefaultEqual(nil, nil))
	require.False(t, DefaultEqual(nil, 1))
	require.False(t, DefaultEqual(1, "1"))
	require.True(t, DefaultEqual([]int{1, 2}, []int{1, 2}))
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.True(t, DefaultEqual(t0, t0.In(time.FixedZone("x", 3600))))
	require.True(t, Rendered(1.0, 1.0))
}

func TestSubscribe_ListenerIsolation(t *testing.T) {
	s, _ := newLoaded(t, Options{})

	var calls []string
	var unsubB func()
	s.Subscribe(func(Change) {
		calls = append(calls, "a")
		unsubB()
		s.Subscribe(func(Change) { calls = append(calls, "c") })
	})
	unsubB = s.Subscribe(func(Change) { calls = append(calls, "b") })

	require.NoError(t, s.Update(Values{"a": 2}, nil))
	require.Equal(t, []string{"a"}, calls, "removed listener skipped, added listener waits")

	calls = nil
	require.NoError(t, s.Update(Values{"a": 3}, nil))
	require.Contains(t, calls, "c")
	require.NotContains(t, calls, "b")
}

func TestSubscribe_SelfUnsubscribe(t *testing.T) {
	s, _ := newLoaded(t, Options{})

	var once, others []int
	var unsub func()
	unsub = s.Subscribe(func(c Change) {
		once = append(once, c.New["a"].(int))
		unsub()
	})
	s.Subscribe(func(c Change) { others = append(others, c.New["a"].(int)) })

	for a := 2; a <= 4; a++ {
		require.NoError(t, s.Update(Values{"a": a}, nil))
	}
	require.Equal(t, []int{2}, once)
	require.Equal(t, []int{2, 3, 4}, others)
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	s, _ := newLoaded(t, Options{})
	n := 0
	unsub := s.Subscribe(func(Change) { n++ })
	unsub()
	unsub()
	require.NoError(t, s.Update(Values{"a": 9}, nil))
	require.Zero(t, n)
}

func TestUpdate_ReentrantCommitIsQueued(t *testing.T) {
	s, _ := newLoaded(t, Options{})
	var seen []int
	s.Subscribe(func(c Change) {
		seen = append(seen, c.New["a"].(int))
		if c.New["a"] == 2 {
			require.NoError(t, s.Update(Values{"a": 3}, nil))
			// The nested change has not been delivered yet.
			require.Equal(t, []int{2}, seen)
		}
	})
	require.NoError(t, s.Update(Values{"a": 2}, nil))
	require.Equal(t, []int{2, 3}, seen)
}

func TestFallbackRefresh(t *testing.T) {
	h := &sumHooks{}
	s := New(h, Options{FallbackRefresh: 20 * time.Millisecond})
	var refreshes atomic.Int64
	s.SetRefresh(func() { refreshes.Add(1) })
	require.NoError(t, s.Load(Values{"a": 1}, nil))

	require.Eventually(t, func() bool { return refreshes.Load() >= 2 },
		time.Second, 5*time.Millisecond, "a refresh that does not commit must be retried")
}

func TestFallbackRefresh_DefaultRederives(t *testing.T) {
	s, h := newLoaded(t, Options{FallbackRefresh: 10 * time.Millisecond})
	before := h.derives.Load()
	require.Eventually(t, func() bool { return h.derives.Load() > before },
		time.Second, 5*time.Millisecond)
	_ = s
}

func TestStart_StopGuardsGeneration(t *testing.T) {
	s, _ := newLoaded(t, Options{FallbackRefresh: 10 * time.Millisecond})
	var refreshes atomic.Int64
	s.SetRefresh(func() { refreshes.Add(1) })

	var detached atomic.Int64
	var startGen uint64
	stop := s.Start(func(gen uint64) func() {
		startGen = gen
		return func() { detached.Add(1) }
	})

	require.NoError(t, s.UpdateFrom(startGen, Values{"a": 4}, nil))
	stop()
	stop()
	require.Equal(t, int64(1), detached.Load())

	require.ErrorIs(t, s.UpdateFrom(startGen, Values{"a": 5}, nil), ErrStopped)
	require.Equal(t, 4, s.State()["a"])

	after := refreshes.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, after, refreshes.Load(), "no timer may fire after stop")
}

func TestStart_DetachSeesStoppedGeneration(t *testing.T) {
	s, _ := newLoaded(t, Options{FallbackRefresh: time.Hour})

	var startGen uint64
	var errInDetach error
	stop := s.Start(func(gen uint64) func() {
		startGen = gen
		return func() {
			// A final event flushed during detach must not land.
			errInDetach = s.UpdateFrom(startGen, Values{"a": 9}, nil)
		}
	})
	stop()

	require.ErrorIs(t, errInDetach, ErrStopped)
	require.Equal(t, 1, s.State()["a"])
	require.NotEqual(t, startGen, s.Generation())
}

func TestArmFallback(t *testing.T) {
	s := New(&sumHooks{}, Options{FallbackRefresh: 10 * time.Millisecond})
	var refreshes atomic.Int64
	s.SetRefresh(func() { refreshes.Add(1) })

	stop := s.Start(func(uint64) func() { return nil })
	gen := s.Generation()

	// Nothing is armed until a load or an explicit request.
	time.Sleep(40 * time.Millisecond)
	require.Zero(t, refreshes.Load())

	s.ArmFallback(gen)
	require.Eventually(t, func() bool { return refreshes.Load() >= 2 },
		time.Second, 5*time.Millisecond, "an unloaded store keeps retrying")

	stop()
	s.ArmFallback(gen)
	time.Sleep(5 * time.Millisecond)
	after := refreshes.Load()
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, after, refreshes.Load(), "a stale generation arms nothing")
}

func TestConcurrentUpdates(t *testing.T) {
	s, _ := newLoaded(t, Options{})
	var mu sync.Mutex
	var last uint64
	s.Subscribe(func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		tick := c.New["tick"].(uint64)
		require.GreaterOrEqual(t, tick, last)
		last = tick
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Update(Values{"a": i}, Values{"tick": uint64(i)})
		}(i)
	}
	wg.Wait()
	require.Equal(t, uint64(19), s.State()["tick"])
}
