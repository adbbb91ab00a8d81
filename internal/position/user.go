package position

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/trenfi/position-engine/internal/fixed"
)

// Status is the lifecycle state of a user's position on the ledger.
type Status uint8

const (
	StatusNonExistent Status = iota
	StatusOpen
	StatusClosedByOwner
	StatusClosedByLiquidation
	StatusClosedByRedemption
)

var statusNames = [...]string{
	StatusNonExistent:         "nonExistent",
	StatusOpen:                "open",
	StatusClosedByOwner:       "closedByOwner",
	StatusClosedByLiquidation: "closedByLiquidation",
	StatusClosedByRedemption:  "closedByRedemption",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	for i, name := range statusNames {
		if name == s {
			return Status(i), nil
		}
	}
	return StatusNonExistent, fmt.Errorf("position: unknown status %q", s)
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	v, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// UserPosition is a position together with its owner and lifecycle status.
type UserPosition struct {
	Position
	Owner  common.Address `json:"owner"`
	Status Status         `json:"status"`
}

// NewUserPosition returns a user position.
func NewUserPosition(owner common.Address, status Status, p Position) UserPosition {
	return UserPosition{Position: p, Owner: owner, Status: status}
}

// Equal compares owner, status and amounts.
func (u UserPosition) Equal(o UserPosition) bool {
	return u.Owner == o.Owner && u.Status == o.Status && u.Position.Equal(o.Position)
}

// MarshalJSON flattens the embedded position next to owner and status.
func (u UserPosition) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Owner      common.Address `json:"owner"`
		Status     Status         `json:"status"`
		Collateral fixed.Decimal  `json:"collateral"`
		Debt       fixed.Decimal  `json:"debt"`
	}{u.Owner, u.Status, u.Collateral, u.Debt})
}

// PendingRedistributionPosition is a user position as stored on the ledger,
// before the redistributions accrued since its last snapshot are folded in.
type PendingRedistributionPosition struct {
	UserPosition
	Stake    fixed.Decimal `json:"stake"`
	Snapshot Position      `json:"snapshotOfTotalRedistributed"`
}

// NewPendingRedistributionPosition returns a stored position.
func NewPendingRedistributionPosition(owner common.Address, status Status, p Position, stake fixed.Decimal, snapshot Position) PendingRedistributionPosition {
	return PendingRedistributionPosition{
		UserPosition: NewUserPosition(owner, status, p),
		Stake:        stake,
		Snapshot:     snapshot,
	}
}

// ApplyRedistribution folds in (total - snapshot) * stake, where total is
// the global per-stake redistribution accumulator.
func (p PendingRedistributionPosition) ApplyRedistribution(total Position) UserPosition {
	if total.Equal(p.Snapshot) {
		return p.UserPosition
	}
	after := p.Position.Add(total.Subtract(p.Snapshot).Multiply(p.Stake))
	return NewUserPosition(p.Owner, p.Status, after)
}

// MarshalJSON keeps stake and snapshot, which the promoted UserPosition
// encoder would drop.
func (p PendingRedistributionPosition) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Owner      common.Address `json:"owner"`
		Status     Status         `json:"status"`
		Collateral fixed.Decimal  `json:"collateral"`
		Debt       fixed.Decimal  `json:"debt"`
		Stake      fixed.Decimal  `json:"stake"`
		Snapshot   Position       `json:"snapshotOfTotalRedistributed"`
	}{p.Owner, p.Status, p.Collateral, p.Debt, p.Stake, p.Snapshot})
}

// Equal compares every field including stake and snapshot.
func (p PendingRedistributionPosition) Equal(o PendingRedistributionPosition) bool {
	return p.UserPosition.Equal(o.UserPosition) && p.Stake.Equal(o.Stake) && p.Snapshot.Equal(o.Snapshot)
}
