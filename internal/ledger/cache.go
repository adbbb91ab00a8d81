package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/trenfi/position-engine/internal/fixed"
	"github.com/trenfi/position-engine/internal/metrics"
	"github.com/trenfi/position-engine/internal/position"
)

// CachedReader wraps a Reader with a Redis read-through cache. Only reads
// pinned to a block are cached, since state at a mined block never changes;
// latest reads always go to the primary.
type CachedReader struct {
	primary Reader
	rdb     redis.Cmdable
	ttl     time.Duration
	prefix  string
}

// NewCachedReader creates a cached wrapper around a primary reader. Keys are
// namespaced by prefix so several deployments can share one Redis.
func NewCachedReader(primary Reader, rdb redis.Cmdable, ttl time.Duration, prefix string) *CachedReader {
	return &CachedReader{primary: primary, rdb: rdb, ttl: ttl, prefix: prefix}
}

func readThrough[T any](ctx context.Context, c *CachedReader, tag Tag, field string, read func() (T, error)) (T, error) {
	block, pinned := tag.Block()
	if !pinned {
		return read()
	}
	key := c.key(block, field)

	if data, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			metrics.LedgerCacheLookups.WithLabelValues("hit").Inc()
			return v, nil
		}
	}
	metrics.LedgerCacheLookups.WithLabelValues("miss").Inc()

	v, err := read()
	if err != nil {
		return v, err
	}
	if data, err := json.Marshal(v); err == nil {
		c.rdb.Set(ctx, key, data, c.ttl)
	}
	return v, nil
}

// --- Passthrough (not cached) ---

func (c *CachedReader) BlockNumber(ctx context.Context) (uint64, error) {
	return c.primary.BlockNumber(ctx)
}

// --- Read-through ---

func (c *CachedReader) BlockTimestamp(ctx context.Context, tag Tag) (time.Time, error) {
	return readThrough(ctx, c, tag, "timestamp", func() (time.Time, error) {
		return c.primary.BlockTimestamp(ctx, tag)
	})
}

func (c *CachedReader) Price(ctx context.Context, tag Tag) (fixed.Decimal, error) {
	return readThrough(ctx, c, tag, "price", func() (fixed.Decimal, error) {
		return c.primary.Price(ctx, tag)
	})
}

func (c *CachedReader) NumberOfPositions(ctx context.Context, tag Tag) (uint64, error) {
	return readThrough(ctx, c, tag, "numberOfPositions", func() (uint64, error) {
		return c.primary.NumberOfPositions(ctx, tag)
	})
}

func (c *CachedReader) Total(ctx context.Context, tag Tag) (position.Position, error) {
	return readThrough(ctx, c, tag, "total", func() (position.Position, error) {
		return c.primary.Total(ctx, tag)
	})
}

func (c *CachedReader) TotalRedistributed(ctx context.Context, tag Tag) (position.Position, error) {
	return readThrough(ctx, c, tag, "totalRedistributed", func() (position.Position, error) {
		return c.primary.TotalRedistributed(ctx, tag)
	})
}

func (c *CachedReader) Fees(ctx context.Context, tag Tag) (FeeState, error) {
	return readThrough(ctx, c, tag, "fees", func() (FeeState, error) {
		return c.primary.Fees(ctx, tag)
	})
}

func (c *CachedReader) PositionBeforeRedistribution(ctx context.Context, tag Tag, owner common.Address) (position.PendingRedistributionPosition, error) {
	return readThrough(ctx, c, tag, "position:"+owner.Hex(), func() (position.PendingRedistributionPosition, error) {
		return c.primary.PositionBeforeRedistribution(ctx, tag, owner)
	})
}

func (c *CachedReader) RiskiestPositionBeforeRedistribution(ctx context.Context, tag Tag) (position.PendingRedistributionPosition, error) {
	return readThrough(ctx, c, tag, "riskiest", func() (position.PendingRedistributionPosition, error) {
		return c.primary.RiskiestPositionBeforeRedistribution(ctx, tag)
	})
}

func (c *CachedReader) CollateralBalance(ctx context.Context, tag Tag, owner common.Address) (fixed.Decimal, error) {
	return readThrough(ctx, c, tag, "collateral:"+owner.Hex(), func() (fixed.Decimal, error) {
		return c.primary.CollateralBalance(ctx, tag, owner)
	})
}

func (c *CachedReader) DebtTokenBalance(ctx context.Context, tag Tag, owner common.Address) (fixed.Decimal, error) {
	return readThrough(ctx, c, tag, "debtToken:"+owner.Hex(), func() (fixed.Decimal, error) {
		return c.primary.DebtTokenBalance(ctx, tag, owner)
	})
}

func (c *CachedReader) CollateralSurplusBalance(ctx context.Context, tag Tag, owner common.Address) (fixed.Decimal, error) {
	return readThrough(ctx, c, tag, "surplus:"+owner.Hex(), func() (fixed.Decimal, error) {
		return c.primary.CollateralSurplusBalance(ctx, tag, owner)
	})
}

// --- Cache helpers ---

func (c *CachedReader) key(block uint64, field string) string {
	return fmt.Sprintf("%sblock:%d:%s", c.prefix, block, field)
}

var _ Reader = (*CachedReader)(nil)
