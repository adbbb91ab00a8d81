package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/trenfi/position-engine/internal/config"
	"github.com/trenfi/position-engine/internal/fixed"
	"github.com/trenfi/position-engine/internal/ledger"
	"github.com/trenfi/position-engine/internal/position"
)

// newSimulation seeds a simulated ledger with random positions, plus one at
// twice the minimum ratio for the tracked user, and mines the first block.
func newSimulation(cfg *config.Config) (*ledger.Simulator, error) {
	rules := cfg.Rules()
	price := fixed.MustParse(cfg.Simulation.Price)
	now := time.Now().UTC()
	sim := ledger.NewSimulator(rules, price, now)

	rng := rand.New(rand.NewPCG(cfg.Simulation.Seed, cfg.Simulation.Seed))
	if err := sim.Populate(rng, cfg.Simulation.Positions); err != nil {
		return nil, fmt.Errorf("populate simulation: %w", err)
	}

	if user := cfg.User(); user != (common.Address{}) {
		debt := rules.MinimumDebt()
		collateral := debt.Mul(rules.MinimumRatio).Mul(fixed.FromInt(2)).DivCeil(price)
		if err := sim.Open(user, position.New(collateral, debt)); err != nil {
			return nil, err
		}
		sim.SetBalances(user, collateral, rules.MinimumNetDebt, fixed.Zero)
	}
	sim.SetFees(ledger.FeeState{BaseRate: fixed.Zero, LastFeeOperation: now})
	sim.Mine(now)
	return sim, nil
}

// runSimulation mines a block every block_time, moving the price by up to
// price_jitter in either direction.
func runSimulation(ctx context.Context, sim *ledger.Simulator, cfg *config.Config) {
	rng := rand.New(rand.NewPCG(cfg.Simulation.Seed, cfg.Simulation.Seed+1))
	jitter := fixed.MustParse(cfg.Simulation.PriceJitter)
	price := fixed.MustParse(cfg.Simulation.Price)
	scale := fixed.FromInt(1_000_000)

	ticker := time.NewTicker(cfg.Simulation.BlockTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			move := jitter.Mul(fixed.FromInt(rng.Int64N(1_000_000))).DivFloor(scale)
			if rng.IntN(2) == 0 {
				price = price.Mul(fixed.One.Add(move))
			} else {
				price = price.Mul(fixed.One.Sub(fixed.Min(move, fixed.One)))
			}
			sim.SetPrice(price)
			tick := sim.Mine(now.UTC())
			slog.Debug("simulated block", "tick", tick, "price", price.String())
		}
	}
}
