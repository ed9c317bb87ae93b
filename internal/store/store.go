// Package store persists the per-item market-value history of a shard.
// A shard file is the source of truth: it is loaded whole, merged, pruned
// and atomically rewritten once per cycle. A Mirror (PostgreSQL, or
// in-memory for testing) may additionally receive every appended record.
package store

import (
	"context"
	"errors"

	"github.com/atmx/market-history/internal/itemstring"
	"github.com/atmx/market-history/internal/model"
)

// ErrCorruptStore is returned by Load for a file that exists but cannot be
// decoded. No partial recovery is attempted.
var ErrCorruptStore = errors.New("store: corrupt store file")

// Mirror receives the records a cycle appended to a shard. Writes are
// keyed by (shard, item, timestamp) and must be idempotent so a retried
// cycle never duplicates rows.
type Mirror interface {
	// Append stores one record per item for the shard.
	Append(ctx context.Context, shard string, records map[itemstring.ItemString]model.Record) error

	// Series returns the mirrored records of an item, oldest first.
	Series(ctx context.Context, shard string, item itemstring.ItemString) ([]model.Record, error)
}
