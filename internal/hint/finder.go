// Package hint finds insertion hints for the ledger's sorted position list.
//
// The ledger keeps open positions in a list ordered by nominal ratio and
// walks it from a caller-supplied hint on every insert. A hint close to the
// real insertion point keeps that walk short. Finder gets one in two
// phases: it samples ceil(10*sqrt(n)) random list members through the
// ledger's Sampler, keeping the closest, then asks the list for the exact
// neighbours starting from that candidate.
package hint

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/trenfi/position-engine/internal/fixed"
	"github.com/trenfi/position-engine/internal/metrics"
	"github.com/trenfi/position-engine/internal/position"
)

// MaxTrialsPerBatch bounds the trials of one Sampler call.
const MaxTrialsPerBatch = 2500

// Hints brackets an insertion point in the sorted list.
type Hints struct {
	Prev common.Address `json:"prev"`
	Next common.Address `json:"next"`
}

// Options configures a Finder.
type Options struct {
	// MinimumNetDebt is the step a truncated redemption is increased by.
	MinimumNetDebt fixed.Decimal
	// SlippageTolerance is added to the expected redemption rate when the
	// caller does not cap it.
	SlippageTolerance fixed.Decimal
	// MaxIterations bounds the positions one redemption may touch; zero
	// means unbounded.
	MaxIterations uint64
	// Rand seeds the sampler. Nil uses a randomly seeded source.
	Rand *rand.Rand
}

// Finder computes insertion and redemption hints.
type Finder struct {
	list    SortedList
	sampler Sampler
	helper  RedemptionHelper
	opts    Options

	mu  sync.Mutex
	rng *rand.Rand
}

// NewFinder returns a Finder. helper may be nil if redemption hints are not
// needed.
func NewFinder(list SortedList, sampler Sampler, helper RedemptionHelper, opts Options) *Finder {
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Finder{list: list, sampler: sampler, helper: helper, opts: opts, rng: rng}
}

func (f *Finder) seed() *uint256.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &uint256.Int{f.rng.Uint64(), f.rng.Uint64(), f.rng.Uint64(), f.rng.Uint64()}
}

// Trials returns ceil(10*sqrt(n)).
func Trials(n uint64) uint64 {
	target := 100 * n
	t := uint64(math.Ceil(math.Sqrt(float64(target))))
	for t > 0 && (t-1)*(t-1) >= target {
		t--
	}
	for t*t < target {
		t++
	}
	return t
}

// Batches splits the trials for a list of n positions into Sampler calls
// of at most MaxTrialsPerBatch, full batches first.
func Batches(n uint64) []uint64 {
	total := Trials(n)
	var out []uint64
	for total > MaxTrialsPerBatch {
		out = append(out, MaxTrialsPerBatch)
		total -= MaxTrialsPerBatch
	}
	if total > 0 {
		out = append(out, total)
	}
	return out
}

// FindHints returns hints for inserting p. own is the owner's address when
// p replaces a position already in the list, Sentinel otherwise.
func (f *Finder) FindHints(ctx context.Context, p position.Position, own common.Address) (Hints, error) {
	return f.FindHintsForNominalRatio(ctx, p.NominalRatio(), own)
}

// FindHintsForNominalRatio returns hints for inserting a position with
// nominal ratio key.
func (f *Finder) FindHintsForNominalRatio(ctx context.Context, key fixed.Decimal, own common.Address) (Hints, error) {
	start := time.Now()
	defer func() { metrics.HintLatency.WithLabelValues("insert").Observe(time.Since(start).Seconds()) }()

	n, err := f.list.Size(ctx)
	if err != nil {
		return Hints{}, err
	}
	if n == 0 {
		return Hints{Prev: Sentinel, Next: Sentinel}, nil
	}
	if key.IsInfinite() {
		head, err := f.list.First(ctx)
		if err != nil {
			return Hints{}, err
		}
		return Hints{Prev: Sentinel, Next: head}, nil
	}

	batches := Batches(n)
	seed := f.seed()
	var best Approx
	var total uint64
	for i, trials := range batches {
		approx, err := f.sampler.ApproxHint(ctx, key, trials, seed)
		if err != nil {
			return Hints{}, err
		}
		if i == 0 || approx.Diff.Lt(best.Diff) {
			best = approx
		}
		seed = approx.Seed
		total += trials
	}
	metrics.HintTrials.Observe(float64(total))

	prev, next, err := f.list.FindInsertPosition(ctx, key, best.Hint, best.Hint)
	if err != nil {
		return Hints{}, err
	}

	if own != Sentinel {
		// The position being replaced is not really in the list.
		if prev == own {
			if prev, err = f.list.Prev(ctx, prev); err != nil {
				return Hints{}, err
			}
		}
		if next == own {
			if next, err = f.list.Next(ctx, next); err != nil {
				return Hints{}, err
			}
		}
	}

	switch {
	case prev == Sentinel && next != Sentinel:
		prev = next
	case next == Sentinel && prev != Sentinel:
		next = prev
	}
	return Hints{Prev: prev, Next: next}, nil
}
