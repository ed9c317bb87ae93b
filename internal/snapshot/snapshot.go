// Package snapshot turns a raw marketplace snapshot into one market-value
// record per distinct item.
package snapshot

import (
	"errors"
	"fmt"

	"github.com/atmx/market-history/internal/itemstring"
	"github.com/atmx/market-history/internal/marketvalue"
	"github.com/atmx/market-history/internal/model"
)

// ErrMalformedSnapshot aborts a cycle before anything is merged.
var ErrMalformedSnapshot = errors.New("snapshot: malformed snapshot")

// Transformer reduces snapshots with a fixed reducer.
type Transformer struct {
	reducer *marketvalue.Reducer
}

// NewTransformer returns a Transformer using r, or the default reducer when
// r is nil.
func NewTransformer(r *marketvalue.Reducer) *Transformer {
	return &Transformer{reducer: r}
}

// Transform reduces snap with the default reducer.
func Transform(kind itemstring.Kind, snap *model.Snapshot) (map[itemstring.ItemString]model.Record, error) {
	return NewTransformer(nil).Transform(kind, snap)
}

// Transform groups the listings of snap by item and emits one record per
// item, every record carrying the snapshot timestamp. Listings that only
// carry a bid are not sale offers and are skipped. Any invalid listing fails
// the whole snapshot.
func (t *Transformer) Transform(kind itemstring.Kind, snap *model.Snapshot) (map[itemstring.ItemString]model.Record, error) {
	groups, err := Group(kind, snap)
	if err != nil {
		return nil, err
	}
	out := make(map[itemstring.ItemString]model.Record, len(groups))
	for item, pg := range groups {
		var mv int64
		var ok bool
		if t.reducer != nil {
			mv, ok = t.reducer.MarketValue(pg)
		} else {
			mv, ok = marketvalue.MarketValue(pg)
		}
		if !ok {
			continue
		}
		out[item] = model.Record{Timestamp: snap.Timestamp, MarketValue: mv}
	}
	return out, nil
}

// Group parses every listing of snap and collects (price, quantity) pairs
// per item. Listings at the same price are kept separate; the reducer
// operates on units so this does not affect the result.
func Group(kind itemstring.Kind, snap *model.Snapshot) (map[itemstring.ItemString][]marketvalue.PriceGroup, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ErrMalformedSnapshot)
	}
	if snap.Timestamp <= 0 {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedSnapshot)
	}

	groups := make(map[itemstring.ItemString][]marketvalue.PriceGroup)
	for i := range snap.Auctions {
		a := &snap.Auctions[i]
		item, err := itemstring.FromAuctionItem(kind, a.Item)
		if err != nil {
			return nil, fmt.Errorf("%w: listing %d: %w", ErrMalformedSnapshot, a.ID, err)
		}
		price, ok, err := unitPrice(a)
		if err != nil {
			return nil, fmt.Errorf("%w: listing %d: %w", ErrMalformedSnapshot, a.ID, err)
		}
		if !ok {
			continue
		}
		groups[item] = append(groups[item], marketvalue.PriceGroup{Price: price, Quantity: a.Quantity})
	}
	return groups, nil
}

// unitPrice returns the per-unit offer price of a listing. ok is false for
// bid-only listings.
func unitPrice(a *model.Auction) (price int64, ok bool, err error) {
	if a.Quantity <= 0 {
		return 0, false, fmt.Errorf("non-positive quantity %d", a.Quantity)
	}
	switch {
	case a.UnitPrice != 0:
		price = a.UnitPrice
	case a.Buyout != 0:
		if a.Buyout < 0 {
			return 0, false, fmt.Errorf("negative buyout %d", a.Buyout)
		}
		price = divRoundHalfEven(a.Buyout, a.Quantity)
	case a.Bid > 0:
		return 0, false, nil
	default:
		return 0, false, errors.New("no price")
	}
	if price <= 0 {
		return 0, false, fmt.Errorf("non-positive unit price %d", price)
	}
	return price, true, nil
}

func divRoundHalfEven(num, den int64) int64 {
	q, r := num/den, num%den
	switch {
	case 2*r > den:
		q++
	case 2*r == den && q%2 != 0:
		q++
	}
	return q
}
