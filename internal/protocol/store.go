// Package protocol keeps a change-notifying copy of protocol-wide and
// per-user ledger state.
//
// Store fetches every Base field concurrently at one block, commits them in
// a single update and derives the user's current position, the fee schedule
// in effect and the headline rates. New blocks trigger debounced refreshes;
// a fallback refresh runs when no block has arrived for a while.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/trenfi/position-engine/internal/fees"
	"github.com/trenfi/position-engine/internal/fixed"
	"github.com/trenfi/position-engine/internal/ledger"
	"github.com/trenfi/position-engine/internal/metrics"
	"github.com/trenfi/position-engine/internal/position"
	"github.com/trenfi/position-engine/internal/statestore"
)

// Config configures a Store.
type Config struct {
	Rules position.Rules
	Fees  fees.Params
	// User is the account whose position and balances are tracked. The
	// zero address tracks no one.
	User            common.Address
	FallbackRefresh time.Duration
	TickDebounce    time.Duration
	Logger          *slog.Logger
}

// Change is a typed store change.
type Change struct {
	Old     State
	New     State
	Changed []string
	// Values holds the changed fields' new values keyed by field name.
	Values statestore.Values
}

// Store is the protocol state cache.
type Store struct {
	cfg    Config
	reader ledger.Reader
	events ledger.EventSource
	store  *statestore.Store
	logger *slog.Logger

	// fetchMu serializes fetches; lastTick is the last committed block.
	fetchMu  sync.Mutex
	lastTick uint64

	loaded   chan struct{}
	loadOnce sync.Once
}

// New returns an unstarted store.
func New(reader ledger.Reader, events ledger.EventSource, cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Store{
		cfg:    cfg,
		reader: reader,
		events: events,
		logger: cfg.Logger.With("component", "protocol_store"),
		loaded: make(chan struct{}),
	}
	s.store = statestore.New(hooks{rules: cfg.Rules}, statestore.Options{
		FallbackRefresh: cfg.FallbackRefresh,
		Logger:          s.logger,
	})
	s.store.OnLoaded(func(statestore.Values) {
		s.loadOnce.Do(func() { close(s.loaded) })
	})
	s.store.Subscribe(func(c statestore.Change) {
		for field := range c.Changed {
			metrics.StoreFieldChanges.WithLabelValues(field).Inc()
		}
	})
	return s
}

// Rules returns the protocol rules the store derives with.
func (s *Store) Rules() position.Rules { return s.cfg.Rules }

// User returns the tracked account.
func (s *Store) User() common.Address { return s.cfg.User }

// Loaded reports whether the first fetch has committed.
func (s *Store) Loaded() bool { return s.store.Loaded() }

// WaitLoaded blocks until the first fetch has committed or ctx is done.
func (s *Store) WaitLoaded(ctx context.Context) error {
	select {
	case <-s.loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state. It is the zero State before loading.
func (s *Store) State() State {
	return StateOf(s.store.State())
}

// Values returns the current raw values, nil before loading.
func (s *Store) Values() statestore.Values {
	return s.store.State()
}

// Subscribe registers fn for every committed change.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	return s.store.Subscribe(func(c statestore.Change) {
		fn(Change{
			Old:     StateOf(c.Old),
			New:     StateOf(c.New),
			Changed: slices.Sorted(maps.Keys(c.Changed)),
			Values:  c.Changed,
		})
	})
}

// Start attaches to the event source and fetches the latest state in the
// background. stop detaches, cancels pending timers and in-flight reads, and
// discards any result that arrives afterwards.
func (s *Store) Start() (stop func()) {
	return s.store.Start(func(gen uint64) func() {
		ctx, cancel := context.WithCancel(context.Background())

		debouncer := statestore.NewDebouncer(s.cfg.TickDebounce, func(tick uint64) {
			s.refresh(ctx, gen, ledger.AtBlock(tick))
		})
		unsubscribe := s.events.Subscribe(debouncer.Trigger)
		s.store.SetRefresh(func() { s.refresh(ctx, gen, ledger.Latest) })

		go s.refresh(ctx, gen, ledger.Latest)

		s.logger.Info("protocol store started", "user", s.cfg.User.Hex())
		return func() {
			unsubscribe()
			debouncer.Stop()
			cancel()
			s.logger.Info("protocol store stopped")
		}
	})
}

// Refresh fetches and commits the latest state now.
func (s *Store) Refresh(ctx context.Context) error {
	return s.fetch(ctx, s.store.Generation(), ledger.Latest)
}

func (s *Store) refresh(ctx context.Context, gen uint64, tag ledger.Tag) {
	if err := s.fetch(ctx, gen, tag); err != nil {
		if ctx.Err() != nil || errors.Is(err, statestore.ErrStopped) {
			return
		}
		s.logger.Warn("refresh failed", "tag", tag.String(), "error", err)
		if !s.store.Loaded() {
			// No commit has armed the fallback timer yet.
			s.store.ArmFallback(gen)
		}
	}
}

// fetch reads every Base field at one block and commits them. Results for a
// block older than the last committed one are dropped.
func (s *Store) fetch(ctx context.Context, gen uint64, tag ledger.Tag) error {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	start := time.Now()
	tick, pinned := tag.Block()
	if !pinned {
		n, err := s.reader.BlockNumber(ctx)
		if err != nil {
			metrics.RefreshFailures.Inc()
			return fmt.Errorf("block number: %w", err)
		}
		tick = n
		tag = ledger.AtBlock(n)
	}
	if s.store.Loaded() && tick < s.lastTick {
		metrics.StaleFetchesDropped.Inc()
		s.logger.Debug("dropping stale tick", "tick", tick, "last", s.lastTick)
		return nil
	}

	base, extra, err := s.read(ctx, tag)
	if err != nil {
		metrics.RefreshFailures.Inc()
		return err
	}

	if s.store.Loaded() {
		err = s.store.UpdateFrom(gen, base, extra)
	} else {
		err = s.store.LoadFrom(gen, base, extra)
	}
	if err != nil {
		if errors.Is(err, statestore.ErrStopped) {
			metrics.StaleFetchesDropped.Inc()
		}
		return err
	}

	s.lastTick = tick
	metrics.StoreCommits.Inc()
	metrics.RefreshLatency.Observe(time.Since(start).Seconds())
	s.logger.Debug("state committed", "tick", tick, "duration", time.Since(start))
	return nil
}

// read issues every read of one refresh cycle concurrently.
func (s *Store) read(ctx context.Context, tag ledger.Tag) (base, extra statestore.Values, err error) {
	var (
		timestamp          time.Time
		price              fixed.Decimal
		numberOfPositions  uint64
		total              position.Position
		totalRedistributed position.Position
		riskiest           position.PendingRedistributionPosition
		feeState           ledger.FeeState
		userPosition       position.PendingRedistributionPosition
		accountBalance     fixed.Decimal
		debtTokenBalance   fixed.Decimal
		surplusBalance     fixed.Decimal
	)
	user := s.cfg.User

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { timestamp, err = s.reader.BlockTimestamp(gctx, tag); return })
	g.Go(func() (err error) { price, err = s.reader.Price(gctx, tag); return })
	g.Go(func() (err error) { numberOfPositions, err = s.reader.NumberOfPositions(gctx, tag); return })
	g.Go(func() (err error) { total, err = s.reader.Total(gctx, tag); return })
	g.Go(func() (err error) { totalRedistributed, err = s.reader.TotalRedistributed(gctx, tag); return })
	g.Go(func() (err error) { riskiest, err = s.reader.RiskiestPositionBeforeRedistribution(gctx, tag); return })
	g.Go(func() (err error) { feeState, err = s.reader.Fees(gctx, tag); return })
	g.Go(func() (err error) { userPosition, err = s.reader.PositionBeforeRedistribution(gctx, tag, user); return })
	g.Go(func() (err error) { accountBalance, err = s.reader.CollateralBalance(gctx, tag, user); return })
	g.Go(func() (err error) { debtTokenBalance, err = s.reader.DebtTokenBalance(gctx, tag, user); return })
	g.Go(func() (err error) { surplusBalance, err = s.reader.CollateralSurplusBalance(gctx, tag, user); return })
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("read at %s: %w", tag, err)
	}

	feesInNormalMode, err := fees.NewSchedule(s.cfg.Fees, feeState.BaseRate, feeState.LastFeeOperation, timestamp, false)
	if err != nil {
		return nil, nil, err
	}

	tick, _ := tag.Block()
	base = statestore.Values{
		FieldPrice:                                price,
		FieldNumberOfPositions:                    numberOfPositions,
		FieldTotal:                                total,
		FieldTotalRedistributed:                   totalRedistributed,
		FieldRiskiestPositionBeforeRedistribution: riskiest,
		FieldFeesInNormalMode:                     feesInNormalMode,
		FieldPositionBeforeRedistribution:         userPosition,
		FieldAccountBalance:                       accountBalance,
		FieldDebtTokenBalance:                     debtTokenBalance,
		FieldCollateralSurplusBalance:             surplusBalance,
	}
	extra = statestore.Values{
		FieldBlockTag:       tick,
		FieldBlockTimestamp: timestamp,
	}
	return base, extra, nil
}

// hooks derive the protocol's computed fields.
type hooks struct {
	rules position.Rules
}

func (h hooks) Derive(base statestore.Values) statestore.Values {
	st := StateOf(base)

	recovery := h.rules.IsBelowCriticalRatio(st.Total, st.Price)
	schedule := st.FeesInNormalMode.WithRecoveryMode(recovery)
	riskiest := st.RiskiestPositionBeforeRedistribution.ApplyRedistribution(st.TotalRedistributed)

	return statestore.Values{
		FieldPosition:       st.PositionBeforeRedistribution.ApplyRedistribution(st.TotalRedistributed),
		FieldFees:           schedule,
		FieldBorrowingRate:  schedule.BorrowingRate(),
		FieldRedemptionRate: schedule.RedemptionRate(fixed.Zero),
		FieldHaveUndercollateralizedPositions: !riskiest.IsEmpty() &&
			h.rules.IsBelowMinimumRatio(riskiest.Position, st.Price),
	}
}

// ReduceExtra overlays the delta on the previous values.
func (hooks) ReduceExtra(prev, delta statestore.Values) statestore.Values {
	out := maps.Clone(prev)
	if out == nil {
		out = statestore.Values{}
	}
	maps.Copy(out, delta)
	return out
}
