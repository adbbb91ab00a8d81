package ledger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/trenfi/position-engine/internal/fixed"
	"github.com/trenfi/position-engine/internal/hint"
	"github.com/trenfi/position-engine/internal/position"
)

var (
	ErrPositionExists = errors.New("ledger: position already open")
	ErrPositionClosed = errors.New("ledger: position not open")
	ErrNoStake        = errors.New("ledger: nothing to redistribute over")
)

// snapshot is the full ledger state at one block. Archived snapshots are
// never mutated.
type snapshot struct {
	block              uint64
	timestamp          time.Time
	price              fixed.Decimal
	fees               FeeState
	totalRedistributed position.Position
	positions          map[common.Address]position.PendingRedistributionPosition
	// owners holds open positions in insertion order, the array the
	// sampler draws from.
	owners     []common.Address
	collateral map[common.Address]fixed.Decimal
	debtToken  map[common.Address]fixed.Decimal
	surplus    map[common.Address]fixed.Decimal

	// sorted is filled when the snapshot is archived: open positions by
	// nominal ratio, highest first.
	sorted []common.Address
	index  map[common.Address]int
}

func (s *snapshot) clone() *snapshot {
	return &snapshot{
		block:              s.block,
		timestamp:          s.timestamp,
		price:              s.price,
		fees:               s.fees,
		totalRedistributed: s.totalRedistributed,
		positions:          maps.Clone(s.positions),
		owners:             slices.Clone(s.owners),
		collateral:         maps.Clone(s.collateral),
		debtToken:          maps.Clone(s.debtToken),
		surplus:            maps.Clone(s.surplus),
	}
}

// current returns the position with pending redistribution folded in.
func (s *snapshot) current(owner common.Address) position.UserPosition {
	return s.positions[owner].ApplyRedistribution(s.totalRedistributed)
}

func (s *snapshot) nicr(owner common.Address) fixed.Decimal {
	return s.current(owner).NominalRatio()
}

func (s *snapshot) seal() {
	s.sorted = slices.Clone(s.owners)
	keys := make(map[common.Address]fixed.Decimal, len(s.sorted))
	for _, owner := range s.sorted {
		keys[owner] = s.nicr(owner)
	}
	slices.SortFunc(s.sorted, func(a, b common.Address) int {
		if c := keys[b].Cmp(keys[a]); c != 0 {
			return c
		}
		return a.Cmp(b)
	})
	s.index = make(map[common.Address]int, len(s.sorted))
	for i, owner := range s.sorted {
		s.index[owner] = i
	}
}

// Simulator is an in-memory ledger. Mutations apply to a pending block that
// becomes readable when Mine archives it. It implements Reader,
// EventSource and the hint package's SortedList, Sampler and
// RedemptionHelper.
type Simulator struct {
	rules position.Rules

	mu        sync.RWMutex
	pending   *snapshot
	blocks    map[uint64]*snapshot
	head      uint64
	readErr   error
	listeners map[uint64]func(uint64)
	nextID    uint64
}

// NewSimulator returns a simulator whose genesis block is already mined.
func NewSimulator(rules position.Rules, price fixed.Decimal, genesis time.Time) *Simulator {
	sim := &Simulator{
		rules: rules,
		pending: &snapshot{
			timestamp:  genesis,
			price:      price,
			fees:       FeeState{BaseRate: fixed.Zero, LastFeeOperation: genesis},
			positions:  map[common.Address]position.PendingRedistributionPosition{},
			collateral: map[common.Address]fixed.Decimal{},
			debtToken:  map[common.Address]fixed.Decimal{},
			surplus:    map[common.Address]fixed.Decimal{},
		},
		blocks:    map[uint64]*snapshot{},
		listeners: map[uint64]func(uint64){},
	}
	sim.archiveLocked()
	return sim
}

func (sim *Simulator) archiveLocked() {
	sealed := sim.pending.clone()
	sealed.seal()
	sim.blocks[sealed.block] = sealed
	sim.head = sealed.block
	sim.pending.block++
}

// Mine archives the pending block at timestamp and notifies subscribers.
func (sim *Simulator) Mine(timestamp time.Time) uint64 {
	sim.mu.Lock()
	sim.pending.timestamp = timestamp
	sim.archiveLocked()
	tick := sim.head
	listeners := make([]func(uint64), 0, len(sim.listeners))
	for _, id := range slices.Sorted(maps.Keys(sim.listeners)) {
		listeners = append(listeners, sim.listeners[id])
	}
	sim.mu.Unlock()

	for _, fn := range listeners {
		fn(tick)
	}
	return tick
}

// Subscribe implements EventSource.
func (sim *Simulator) Subscribe(fn func(tick uint64)) (unsubscribe func()) {
	sim.mu.Lock()
	sim.nextID++
	id := sim.nextID
	sim.listeners[id] = fn
	sim.mu.Unlock()
	return func() {
		sim.mu.Lock()
		delete(sim.listeners, id)
		sim.mu.Unlock()
	}
}

// SetReadError makes every read fail with err until called with nil.
func (sim *Simulator) SetReadError(err error) {
	sim.mu.Lock()
	sim.readErr = err
	sim.mu.Unlock()
}

// --- Mutations (pending block) ---

// SetPrice sets the collateral price.
func (sim *Simulator) SetPrice(price fixed.Decimal) {
	sim.mu.Lock()
	sim.pending.price = price
	sim.mu.Unlock()
}

// SetFees sets the stored base rate and last fee operation time.
func (sim *Simulator) SetFees(fees FeeState) {
	sim.mu.Lock()
	sim.pending.fees = fees
	sim.mu.Unlock()
}

// SetBalances sets an account's token balances.
func (sim *Simulator) SetBalances(owner common.Address, collateral, debtToken, surplus fixed.Decimal) {
	sim.mu.Lock()
	sim.pending.collateral[owner] = collateral
	sim.pending.debtToken[owner] = debtToken
	sim.pending.surplus[owner] = surplus
	sim.mu.Unlock()
}

// Open opens a position for owner. Its stake is its collateral.
func (sim *Simulator) Open(owner common.Address, p position.Position) error {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if cur, ok := sim.pending.positions[owner]; ok && cur.Status == position.StatusOpen {
		return fmt.Errorf("%w: %s", ErrPositionExists, owner)
	}
	sim.pending.positions[owner] = position.NewPendingRedistributionPosition(
		owner, position.StatusOpen, p, p.Collateral, sim.pending.totalRedistributed)
	sim.pending.owners = append(sim.pending.owners, owner)
	return nil
}

// Adjust replaces an open position's amounts, folding in pending
// redistribution first.
func (sim *Simulator) Adjust(owner common.Address, p position.Position) error {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	cur, ok := sim.pending.positions[owner]
	if !ok || cur.Status != position.StatusOpen {
		return fmt.Errorf("%w: %s", ErrPositionClosed, owner)
	}
	sim.pending.positions[owner] = position.NewPendingRedistributionPosition(
		owner, position.StatusOpen, p, p.Collateral, sim.pending.totalRedistributed)
	return nil
}

// Close closes owner's position with the given terminal status.
func (sim *Simulator) Close(owner common.Address, status position.Status) error {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	cur, ok := sim.pending.positions[owner]
	if !ok || cur.Status != position.StatusOpen {
		return fmt.Errorf("%w: %s", ErrPositionClosed, owner)
	}
	sim.pending.positions[owner] = position.NewPendingRedistributionPosition(
		owner, status, position.Empty, fixed.Zero, position.Empty)
	sim.pending.owners = slices.DeleteFunc(sim.pending.owners, func(a common.Address) bool { return a == owner })
	return nil
}

// Redistribute spreads p over all stakes, the way a liquidation without a
// stability pool does.
func (sim *Simulator) Redistribute(p position.Position) error {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	totalStakes := fixed.Zero
	for _, owner := range sim.pending.owners {
		totalStakes = totalStakes.Add(sim.pending.positions[owner].Stake)
	}
	if totalStakes.IsZero() {
		return ErrNoStake
	}
	perStake := position.New(p.Collateral.DivFloor(totalStakes), p.Debt.DivFloor(totalStakes))
	sim.pending.totalRedistributed = sim.pending.totalRedistributed.Add(perStake)
	return nil
}

// Populate opens n random positions with ratios between 1.1 and 4 at the
// pending price. It is used to seed simulation mode.
func (sim *Simulator) Populate(rng *rand.Rand, n int) error {
	sim.mu.RLock()
	price := sim.pending.price
	sim.mu.RUnlock()
	for i := 0; i < n; i++ {
		var owner common.Address
		for j := range owner {
			owner[j] = byte(rng.UintN(256))
		}
		debt := sim.rules.MinimumDebt().Add(fixed.FromInt(rng.Int64N(50_000)))
		ratio := fixed.MustParse("1.1").Add(fixed.FromInt(rng.Int64N(290)).DivFloor(fixed.FromInt(100)))
		collateral := debt.Mul(ratio).DivCeil(price)
		if err := sim.Open(owner, position.New(collateral, debt)); err != nil {
			return err
		}
	}
	return nil
}

// --- Reader ---

func (sim *Simulator) at(tag Tag) (*snapshot, error) {
	sim.mu.RLock()
	defer sim.mu.RUnlock()
	if sim.readErr != nil {
		return nil, sim.readErr
	}
	n, pinned := tag.Block()
	if !pinned {
		n = sim.head
	}
	s, ok := sim.blocks[n]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBlock, n)
	}
	return s, nil
}

func (sim *Simulator) BlockNumber(context.Context) (uint64, error) {
	s, err := sim.at(Latest)
	if err != nil {
		return 0, err
	}
	return s.block, nil
}

func (sim *Simulator) BlockTimestamp(_ context.Context, tag Tag) (time.Time, error) {
	s, err := sim.at(tag)
	if err != nil {
		return time.Time{}, err
	}
	return s.timestamp, nil
}

func (sim *Simulator) Price(_ context.Context, tag Tag) (fixed.Decimal, error) {
	s, err := sim.at(tag)
	if err != nil {
		return fixed.Zero, err
	}
	return s.price, nil
}

func (sim *Simulator) NumberOfPositions(_ context.Context, tag Tag) (uint64, error) {
	s, err := sim.at(tag)
	if err != nil {
		return 0, err
	}
	return uint64(len(s.sorted)), nil
}

func (sim *Simulator) Total(_ context.Context, tag Tag) (position.Position, error) {
	s, err := sim.at(tag)
	if err != nil {
		return position.Empty, err
	}
	total := position.Empty
	for _, owner := range s.sorted {
		total = total.Add(s.current(owner).Position)
	}
	return total, nil
}

func (sim *Simulator) TotalRedistributed(_ context.Context, tag Tag) (position.Position, error) {
	s, err := sim.at(tag)
	if err != nil {
		return position.Empty, err
	}
	return s.totalRedistributed, nil
}

func (sim *Simulator) Fees(_ context.Context, tag Tag) (FeeState, error) {
	s, err := sim.at(tag)
	if err != nil {
		return FeeState{}, err
	}
	return s.fees, nil
}

func (sim *Simulator) PositionBeforeRedistribution(_ context.Context, tag Tag, owner common.Address) (position.PendingRedistributionPosition, error) {
	s, err := sim.at(tag)
	if err != nil {
		return position.PendingRedistributionPosition{}, err
	}
	p, ok := s.positions[owner]
	if !ok {
		return position.NewPendingRedistributionPosition(owner, position.StatusNonExistent, position.Empty, fixed.Zero, position.Empty), nil
	}
	return p, nil
}

func (sim *Simulator) RiskiestPositionBeforeRedistribution(_ context.Context, tag Tag) (position.PendingRedistributionPosition, error) {
	s, err := sim.at(tag)
	if err != nil {
		return position.PendingRedistributionPosition{}, err
	}
	if len(s.sorted) == 0 {
		return position.PendingRedistributionPosition{}, nil
	}
	return s.positions[s.sorted[len(s.sorted)-1]], nil
}

func (sim *Simulator) CollateralBalance(_ context.Context, tag Tag, owner common.Address) (fixed.Decimal, error) {
	s, err := sim.at(tag)
	if err != nil {
		return fixed.Zero, err
	}
	return s.collateral[owner], nil
}

func (sim *Simulator) DebtTokenBalance(_ context.Context, tag Tag, owner common.Address) (fixed.Decimal, error) {
	s, err := sim.at(tag)
	if err != nil {
		return fixed.Zero, err
	}
	return s.debtToken[owner], nil
}

func (sim *Simulator) CollateralSurplusBalance(_ context.Context, tag Tag, owner common.Address) (fixed.Decimal, error) {
	s, err := sim.at(tag)
	if err != nil {
		return fixed.Zero, err
	}
	return s.surplus[owner], nil
}

// --- Sorted list ---

func (sim *Simulator) Size(ctx context.Context) (uint64, error) {
	return sim.NumberOfPositions(ctx, Latest)
}

func (sim *Simulator) First(context.Context) (common.Address, error) {
	s, err := sim.at(Latest)
	if err != nil {
		return hint.Sentinel, err
	}
	if len(s.sorted) == 0 {
		return hint.Sentinel, nil
	}
	return s.sorted[0], nil
}

// Prev returns the neighbour towards the head (higher ratio).
func (sim *Simulator) Prev(_ context.Context, id common.Address) (common.Address, error) {
	return sim.neighbour(id, -1)
}

// Next returns the neighbour towards the tail (lower ratio).
func (sim *Simulator) Next(_ context.Context, id common.Address) (common.Address, error) {
	return sim.neighbour(id, +1)
}

func (sim *Simulator) neighbour(id common.Address, step int) (common.Address, error) {
	s, err := sim.at(Latest)
	if err != nil {
		return hint.Sentinel, err
	}
	i, ok := s.index[id]
	if !ok {
		return hint.Sentinel, fmt.Errorf("%w: %s", ErrUnknownPosition, id)
	}
	j := i + step
	if j < 0 || j >= len(s.sorted) {
		return hint.Sentinel, nil
	}
	return s.sorted[j], nil
}

// FindInsertPosition returns the exact neighbours for key. Positions with an
// equal ratio stay ahead of the inserted one. The hints only matter to a
// real ledger's gas cost.
func (sim *Simulator) FindInsertPosition(_ context.Context, key fixed.Decimal, _, _ common.Address) (common.Address, common.Address, error) {
	s, err := sim.at(Latest)
	if err != nil {
		return hint.Sentinel, hint.Sentinel, err
	}
	i, _ := slices.BinarySearchFunc(s.sorted, key, func(owner common.Address, k fixed.Decimal) int {
		if s.nicr(owner).Gte(k) {
			return -1
		}
		return 1
	})
	prev, next := hint.Sentinel, hint.Sentinel
	if i > 0 {
		prev = s.sorted[i-1]
	}
	if i < len(s.sorted) {
		next = s.sorted[i]
	}
	return prev, next, nil
}

// --- Sampler ---

func nextSeed(seed *uint256.Int) *uint256.Int {
	b := seed.Bytes32()
	return new(uint256.Int).SetBytes(crypto.Keccak256(b[:]))
}

func absDiff(a, b fixed.Decimal) fixed.Decimal {
	if a.Gte(b) {
		return a.Sub(b)
	}
	return b.Sub(a)
}

// ApproxHint starts from the riskiest position and samples trials
// positions with a Keccak chained seed, keeping the closest to key.
func (sim *Simulator) ApproxHint(_ context.Context, key fixed.Decimal, trials uint64, seed *uint256.Int) (hint.Approx, error) {
	s, err := sim.at(Latest)
	if err != nil {
		return hint.Approx{}, err
	}
	seed = seed.Clone()
	if len(s.owners) == 0 {
		return hint.Approx{Hint: hint.Sentinel, Diff: fixed.Zero, Seed: seed}, nil
	}
	best := s.sorted[len(s.sorted)-1]
	diff := absDiff(s.nicr(best), key)
	n := uint256.NewInt(uint64(len(s.owners)))
	for i := uint64(0); i < trials; i++ {
		seed = nextSeed(seed)
		idx := new(uint256.Int).Mod(seed, n).Uint64()
		candidate := s.owners[idx]
		if d := absDiff(s.nicr(candidate), key); d.Lt(diff) {
			best, diff = candidate, d
		}
	}
	return hint.Approx{Hint: best, Diff: diff, Seed: seed}, nil
}

// --- Redemption helper ---

// RedemptionHints walks from the riskiest position, skipping those below
// the minimum ratio, and redeems until amount is used up, maxIterations
// positions have been visited (zero means unbounded), or a position would
// be left with less than the minimum net debt.
func (sim *Simulator) RedemptionHints(_ context.Context, amount, price fixed.Decimal, maxIterations uint64) (hint.Redemption, error) {
	s, err := sim.at(Latest)
	if err != nil {
		return hint.Redemption{}, err
	}
	i := len(s.sorted) - 1
	for i >= 0 && sim.rules.IsBelowMinimumRatio(s.current(s.sorted[i]).Position, price) {
		i--
	}
	out := hint.Redemption{FirstHint: hint.Sentinel, PartialNICR: fixed.Zero}
	if i >= 0 {
		out.FirstHint = s.sorted[i]
	}

	remaining := amount
	for iter := uint64(0); i >= 0 && remaining.NonZero() && (maxIterations == 0 || iter < maxIterations); iter++ {
		p := s.current(s.sorted[i]).Position
		netDebt, err := sim.rules.NetDebt(p)
		if err != nil {
			return hint.Redemption{}, err
		}
		if netDebt.Gt(remaining) {
			if netDebt.Gt(sim.rules.MinimumNetDebt) {
				redeemable := fixed.Min(remaining, netDebt.Sub(sim.rules.MinimumNetDebt))
				newColl, err := p.Collateral.CheckedSub(redeemable.DivFloor(price))
				if err != nil {
					newColl = fixed.Zero
				}
				newDebt := netDebt.Sub(redeemable).Add(sim.rules.LiquidationReserve)
				out.PartialNICR = position.New(newColl, newDebt).NominalRatio()
				remaining = remaining.Sub(redeemable)
			}
			break
		}
		remaining = remaining.Sub(netDebt)
		i--
	}
	out.TruncatedAmount = amount.Sub(remaining)
	return out, nil
}

// compile-time checks
var (
	_ Reader                = (*Simulator)(nil)
	_ EventSource           = (*Simulator)(nil)
	_ hint.SortedList       = (*Simulator)(nil)
	_ hint.Sampler          = (*Simulator)(nil)
	_ hint.RedemptionHelper = (*Simulator)(nil)
)
