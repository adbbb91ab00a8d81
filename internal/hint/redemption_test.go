package hint_test

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/trenfi/position-engine/internal/fees"
	"github.com/trenfi/position-engine/internal/fixed"
	"github.com/trenfi/position-engine/internal/hint"
	"github.com/trenfi/position-engine/internal/ledger"
	"github.com/trenfi/position-engine/internal/position"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func d(s string) fixed.Decimal { return fixed.MustParse(s) }

func addr(b byte) common.Address { return common.BytesToAddress([]byte{b}) }

// setup opens b (nominal ratio 1.0), c (0.75) and a (0.5) at price 200.
func setup(t *testing.T) (*ledger.Simulator, *hint.Finder) {
	t.Helper()
	rules := position.DefaultRules()
	sim := ledger.NewSimulator(rules, d("200"), t0)
	require.NoError(t, sim.Open(addr(0xa), position.New(d("10"), d("2000"))))
	require.NoError(t, sim.Open(addr(0xb), position.New(d("20"), d("2000"))))
	require.NoError(t, sim.Open(addr(0xc), position.New(d("30"), d("4000"))))
	sim.Mine(t0.Add(time.Minute))

	f := hint.NewFinder(sim, sim, sim, hint.Options{
		MinimumNetDebt:    rules.MinimumNetDebt,
		SlippageTolerance: d("0.001"),
		Rand:              rand.New(rand.NewPCG(7, 7)),
	})
	return sim, f
}

func params(t *testing.T) hint.RedemptionParams {
	t.Helper()
	schedule, err := fees.NewSchedule(fees.DefaultParams(), fixed.Zero, t0, t0, false)
	require.NoError(t, err)
	return hint.RedemptionParams{Price: d("200"), TotalDebt: d("8000"), Fees: schedule}
}

func TestFindHints_AgainstSimulator(t *testing.T) {
	_, f := setup(t)
	ctx := context.Background()

	got, err := f.FindHints(ctx, position.New(d("16"), d("2000")), hint.Sentinel)
	require.NoError(t, err)
	require.Equal(t, hint.Hints{Prev: addr(0xb), Next: addr(0xc)}, got)

	// Reinserting c just below b must skip c itself.
	got, err = f.FindHints(ctx, position.New(d("19"), d("2000")), addr(0xc))
	require.NoError(t, err)
	require.Equal(t, hint.Hints{Prev: addr(0xb), Next: addr(0xa)}, got)

	got, err = f.FindHints(ctx, position.New(d("100"), d("2000")), hint.Sentinel)
	require.NoError(t, err)
	require.Equal(t, hint.Hints{Prev: addr(0xb), Next: addr(0xb)}, got, "head insertion never hints a sentinel")
}

func TestFindRedemptionHints_Truncated(t *testing.T) {
	_, f := setup(t)
	ctx := context.Background()

	plan, err := f.FindRedemptionHints(ctx, d("2500"), params(t))
	require.NoError(t, err)
	require.True(t, plan.Truncated())
	require.True(t, plan.Amount.Equal(d("2000")))
	require.Equal(t, addr(0xc), plan.FirstHint)
	require.True(t, plan.PartialNICR.Equal(d("1")))
	require.NotEqual(t, hint.Sentinel, plan.PartialHints.Prev)
	require.NotEqual(t, hint.Sentinel, plan.PartialHints.Next)

	// 2000/8000 = 0.25; 0.005 + 0.25^2 + 0.001 slippage.
	require.Truef(t, plan.MaxRate.Equal(d("0.0685")), "max rate %s", plan.MaxRate)

	next, err := plan.IncreaseAmountByMinimumNetDebt(ctx, nil)
	require.NoError(t, err)
	require.True(t, next.RequestedAmount.Equal(d("3800")))
	require.True(t, next.Amount.Equal(d("3800")))
	require.False(t, next.Truncated())
	require.True(t, next.PartialNICR.IsZero())
	require.Equal(t, hint.Hints{Prev: hint.Sentinel, Next: hint.Sentinel}, next.PartialHints)
	require.Truef(t, next.MaxRate.Equal(plan.MaxRate), "increase keeps the cap, got %s", next.MaxRate)

	_, err = next.IncreaseAmountByMinimumNetDebt(ctx, nil)
	require.ErrorIs(t, err, hint.ErrNotTruncated)
}

func TestFindRedemptionHints_ExplicitMaxRate(t *testing.T) {
	_, f := setup(t)
	p := params(t)
	maxRate := d("0.02")
	p.MaxRate = &maxRate
	plan, err := f.FindRedemptionHints(context.Background(), d("3800"), p)
	require.NoError(t, err)
	require.True(t, plan.MaxRate.Equal(maxRate))
}

func TestIncreaseAmount_CapOverride(t *testing.T) {
	_, f := setup(t)
	ctx := context.Background()
	p := params(t)
	maxRate := d("0.02")
	p.MaxRate = &maxRate

	plan, err := f.FindRedemptionHints(ctx, d("2500"), p)
	require.NoError(t, err)
	require.True(t, plan.Truncated())

	kept, err := plan.IncreaseAmountByMinimumNetDebt(ctx, nil)
	require.NoError(t, err)
	require.True(t, kept.MaxRate.Equal(maxRate))

	override := d("0.03")
	replaced, err := plan.IncreaseAmountByMinimumNetDebt(ctx, &override)
	require.NoError(t, err)
	require.True(t, replaced.MaxRate.Equal(override))
}

func TestFindRedemptionHints_TooLow(t *testing.T) {
	sim, f := setup(t)
	// Only b (net debt exactly the minimum) is redeemable after c closes.
	require.NoError(t, sim.Close(addr(0xc), position.StatusClosedByOwner))
	sim.Mine(t0.Add(2 * time.Minute))

	_, err := f.FindRedemptionHints(context.Background(), d("100"), params(t))
	require.ErrorIs(t, err, hint.ErrAmountTooLow)
}
