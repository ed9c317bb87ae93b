// Package export encodes the accumulated history of a region for
// downstream consumers: a Lua data file read by the game add-on, and an
// optional spreadsheet summary.
package export

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/atmx/market-history/internal/model"
	"github.com/atmx/market-history/internal/store"
)

var ErrInvalidMode = errors.New("export: invalid mode")

// Mode selects how much of each series is exported.
type Mode string

const (
	// ModeFull exports every record of every item.
	ModeFull Mode = "full"
	// ModeLatest exports only the newest record of every item.
	ModeLatest Mode = "latest"
)

// ParseMode parses a mode name; the empty string is ModeFull.
func ParseMode(name string) (Mode, error) {
	switch Mode(strings.ToLower(name)) {
	case "", ModeFull:
		return ModeFull, nil
	case ModeLatest:
		return ModeLatest, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, name)
}

// Shard is the loaded history of one store file. ConnectedRealmID 0 is the
// region-wide commodities shard.
type Shard struct {
	Name             string
	ConnectedRealmID int64
	History          *store.History
}

// Region is everything exported for one region.
type Region struct {
	Name   string
	Realms []model.ConnectedRealm
	Shards []Shard
}

// sortedShards returns the shards commodities first, then by ascending
// connected realm id.
func (r *Region) sortedShards() []Shard {
	shards := slices.Clone(r.Shards)
	slices.SortFunc(shards, func(a, b Shard) int {
		if a.ConnectedRealmID != b.ConnectedRealmID {
			if a.ConnectedRealmID < b.ConnectedRealmID {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
	return shards
}

func (r *Region) sortedRealms() []model.ConnectedRealm {
	realms := slices.Clone(r.Realms)
	slices.SortFunc(realms, func(a, b model.ConnectedRealm) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return realms
}
