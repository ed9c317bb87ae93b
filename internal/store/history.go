package store

import (
	"cmp"
	"slices"
	"sort"
	"strings"

	"github.com/atmx/market-history/internal/itemstring"
	"github.com/atmx/market-history/internal/model"
)

// History is the historical series of one shard: per item, records in
// ascending timestamp order with no two records sharing a timestamp. It is
// not safe for concurrent mutation; one cycle owns it at a time.
type History struct {
	series map[itemstring.ItemString][]model.Record
}

// MergeStats reports what a Merge changed.
type MergeStats struct {
	Appended   int // records added
	Duplicates int // increments skipped because the timestamp already existed
	NewItems   int // items seen for the first time
}

// NewHistory returns an empty series.
func NewHistory() *History {
	return &History{series: make(map[itemstring.ItemString][]model.Record)}
}

// Len returns the number of items.
func (h *History) Len() int { return len(h.series) }

// RecordCount returns the total number of records over all items.
func (h *History) RecordCount() int {
	n := 0
	for _, recs := range h.series {
		n += len(recs)
	}
	return n
}

// Records returns a copy of the records of item, oldest first.
func (h *History) Records(item itemstring.ItemString) []model.Record {
	return slices.Clone(h.series[item])
}

// Latest returns the newest record of item.
func (h *History) Latest(item itemstring.ItemString) (model.Record, bool) {
	recs := h.series[item]
	if len(recs) == 0 {
		return model.Record{}, false
	}
	return recs[len(recs)-1], true
}

// Items returns every item sorted by canonical string.
func (h *History) Items() []itemstring.ItemString {
	type keyed struct {
		key  string
		item itemstring.ItemString
	}
	sorted := make([]keyed, 0, len(h.series))
	for item := range h.series {
		sorted = append(sorted, keyed{item.String(), item})
	}
	slices.SortFunc(sorted, func(a, b keyed) int { return strings.Compare(a.key, b.key) })
	items := make([]itemstring.ItemString, len(sorted))
	for i, k := range sorted {
		items[i] = k.item
	}
	return items
}

// Counts returns the number of records per item.
func (h *History) Counts() map[itemstring.ItemString]int {
	out := make(map[itemstring.ItemString]int, len(h.series))
	for item, recs := range h.series {
		out[item] = len(recs)
	}
	return out
}

// Equal reports whether both series hold exactly the same records.
func (h *History) Equal(o *History) bool {
	if h.Len() != o.Len() {
		return false
	}
	for item, recs := range h.series {
		other, ok := o.series[item]
		if !ok || !slices.Equal(recs, other) {
			return false
		}
	}
	return true
}

// Merge adds one record per item at timestamp, taking the market value
// from increments. An item that already has a record at timestamp is left
// untouched, so repeating a merge is a no-op. Existing records are never
// removed or reordered; a timestamp older than the newest record is
// inserted in place.
func (h *History) Merge(increments map[itemstring.ItemString]model.Record, timestamp int64) MergeStats {
	var stats MergeStats
	for item, inc := range increments {
		rec := model.Record{Timestamp: timestamp, MarketValue: inc.MarketValue}
		recs, exists := h.series[item]
		if !exists {
			h.series[item] = []model.Record{rec}
			stats.NewItems++
			stats.Appended++
			continue
		}
		// Fast path: cycles normally arrive in order.
		if n := len(recs); n > 0 && recs[n-1].Timestamp < timestamp {
			h.series[item] = append(recs, rec)
			stats.Appended++
			continue
		}
		i, found := slices.BinarySearchFunc(recs, timestamp, func(r model.Record, ts int64) int {
			return cmp.Compare(r.Timestamp, ts)
		})
		if found {
			stats.Duplicates++
			continue
		}
		h.series[item] = slices.Insert(recs, i, rec)
		stats.Appended++
	}
	return stats
}

// Prune removes records older than olderThan and drops items left without
// records. It returns the number of records removed.
func (h *History) Prune(olderThan int64) int {
	removed := 0
	for item, recs := range h.series {
		i := sort.Search(len(recs), func(i int) bool { return recs[i].Timestamp >= olderThan })
		if i == 0 {
			continue
		}
		removed += i
		if i == len(recs) {
			delete(h.series, item)
			continue
		}
		h.series[item] = slices.Clone(recs[i:])
	}
	return removed
}

// set installs recs for item after checking ordering; used by decoders.
func (h *History) set(item itemstring.ItemString, recs []model.Record) bool {
	if len(recs) == 0 {
		return true
	}
	slices.SortStableFunc(recs, func(a, b model.Record) int { return cmp.Compare(a.Timestamp, b.Timestamp) })
	for i := 1; i < len(recs); i++ {
		if recs[i].Timestamp == recs[i-1].Timestamp {
			return false
		}
	}
	h.series[item] = recs
	return true
}
