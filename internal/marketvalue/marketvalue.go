// Package marketvalue reduces the listings of one item in one snapshot to a
// single representative price.
//
// The reducer works on individual units rather than listings, so a seller
// splitting a stack across several listings does not change the result:
//
//  1. Units are ordered by price, cheapest first.
//  2. The cheapest unit is always taken. Further units are taken while they
//     stay within the core fraction of the total supply; past that, up to
//     the max fraction, a unit is only taken while its price is below
//     StepRatio times the previous unit's price. The walk stops at the first
//     unit that fails.
//  3. Units farther than StdDevLimit population standard deviations from
//     the mean of the taken units are discarded.
//  4. The result is the mean of what remains, rounded half to even.
//
// All arithmetic is exact (shopspring/decimal, no float64), so the result
// depends only on the multiset of (price, quantity) pairs.
package marketvalue

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

// ErrInvalidOptions is returned by NewReducer for out-of-range parameters.
var ErrInvalidOptions = errors.New("marketvalue: invalid reducer options")

// PriceGroup is a number of units offered at one unit price.
type PriceGroup struct {
	Price    int64
	Quantity int64
}

// Options are the trimming parameters of the reducer.
type Options struct {
	// CoreFraction of the total quantity is taken unconditionally.
	CoreFraction decimal.Decimal
	// MaxFraction of the total quantity bounds the selection.
	MaxFraction decimal.Decimal
	// StepRatio bounds the price jump between consecutive units taken
	// past the core fraction.
	StepRatio decimal.Decimal
	// StdDevLimit is the outlier cutoff in standard deviations.
	StdDevLimit decimal.Decimal
}

// DefaultOptions returns the calibrated parameters.
func DefaultOptions() Options {
	return Options{
		CoreFraction: decimal.RequireFromString("0.15"),
		MaxFraction:  decimal.RequireFromString("0.30"),
		StepRatio:    decimal.RequireFromString("1.2"),
		StdDevLimit:  decimal.RequireFromString("1.5"),
	}
}

func (o Options) validate() error {
	one := decimal.NewFromInt(1)
	switch {
	case !o.CoreFraction.IsPositive() || o.CoreFraction.GreaterThan(one):
		return fmt.Errorf("%w: core fraction must be in (0, 1], got %s", ErrInvalidOptions, o.CoreFraction)
	case o.MaxFraction.LessThan(o.CoreFraction) || o.MaxFraction.GreaterThan(one):
		return fmt.Errorf("%w: max fraction must be in [core fraction, 1], got %s", ErrInvalidOptions, o.MaxFraction)
	case o.StepRatio.LessThan(one):
		return fmt.Errorf("%w: step ratio must be >= 1, got %s", ErrInvalidOptions, o.StepRatio)
	case !o.StdDevLimit.IsPositive():
		return fmt.Errorf("%w: std dev limit must be positive, got %s", ErrInvalidOptions, o.StdDevLimit)
	}
	return nil
}

// Reducer computes market values with fixed options. It is stateless and
// safe for concurrent use.
type Reducer struct {
	opts Options
	// limitSq is StdDevLimit squared, cached for the outlier test.
	limitSq decimal.Decimal
}

// NewReducer validates opts and returns a Reducer.
func NewReducer(opts Options) (*Reducer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Reducer{opts: opts, limitSq: opts.StdDevLimit.Mul(opts.StdDevLimit)}, nil
}

var defaultReducer, _ = NewReducer(DefaultOptions())

// MarketValue reduces groups with DefaultOptions. It reports false when
// there is nothing to reduce.
func MarketValue(groups []PriceGroup) (int64, bool) {
	return defaultReducer.MarketValue(groups)
}

// MarketValue reduces groups to one integral value. Groups with a
// non-positive quantity contribute nothing; false is returned when no units
// remain. The input slice is not modified.
func (r *Reducer) MarketValue(groups []PriceGroup) (int64, bool) {
	sorted := make([]PriceGroup, 0, len(groups))
	var total int64
	for _, g := range groups {
		if g.Quantity <= 0 {
			continue
		}
		sorted = append(sorted, g)
		total += g.Quantity
	}
	if total == 0 {
		return 0, false
	}
	slices.SortFunc(sorted, func(a, b PriceGroup) int {
		if c := cmp.Compare(a.Price, b.Price); c != 0 {
			return c
		}
		return cmp.Compare(a.Quantity, b.Quantity)
	})

	taken := r.selectUnits(sorted, total)
	kept := r.dropOutliers(taken)
	if len(kept) == 0 {
		kept = taken
	}

	var sum, n decimal.Decimal
	for _, g := range kept {
		q := decimal.NewFromInt(g.Quantity)
		sum = sum.Add(decimal.NewFromInt(g.Price).Mul(q))
		n = n.Add(q)
	}
	return roundHalfEven(sum, n), true
}

// selectUnits walks the sorted groups unit by unit and returns the taken
// units, still grouped by price.
func (r *Reducer) selectUnits(sorted []PriceGroup, total int64) []PriceGroup {
	n := decimal.NewFromInt(total)
	coreLimit := r.opts.CoreFraction.Mul(n).Floor().IntPart()
	maxLimit := r.opts.MaxFraction.Mul(n).Floor().IntPart()

	// Units after the first within one group share its price; they pass
	// the step test exactly when StepRatio > 1.
	sameOK := r.opts.StepRatio.GreaterThan(decimal.NewFromInt(1))
	upper := coreLimit
	if sameOK {
		upper = maxLimit
	}

	var out []PriceGroup
	var taken int64
	var prev int64
	for _, g := range sorted {
		first := taken + 1
		ok := first == 1 ||
			first <= coreLimit ||
			(first <= maxLimit && decimal.NewFromInt(g.Price).LessThan(r.opts.StepRatio.Mul(decimal.NewFromInt(prev))))
		if !ok {
			break
		}
		accepted := int64(1)
		if extra := upper - first; extra > 0 {
			accepted += min(extra, g.Quantity-1)
		}
		out = append(out, PriceGroup{Price: g.Price, Quantity: accepted})
		taken += accepted
		prev = g.Price
		if accepted < g.Quantity {
			break
		}
	}
	return out
}

// dropOutliers removes units farther than StdDevLimit standard deviations
// from the mean. With d = n*x - S for each unit, a unit is an outlier when
// n*d^2 > limit^2 * sum(d^2), which avoids any division.
func (r *Reducer) dropOutliers(taken []PriceGroup) []PriceGroup {
	var sum, n decimal.Decimal
	for _, g := range taken {
		q := decimal.NewFromInt(g.Quantity)
		sum = sum.Add(decimal.NewFromInt(g.Price).Mul(q))
		n = n.Add(q)
	}

	devSq := make([]decimal.Decimal, len(taken))
	var sumSq decimal.Decimal
	for i, g := range taken {
		d := n.Mul(decimal.NewFromInt(g.Price)).Sub(sum)
		devSq[i] = d.Mul(d)
		sumSq = sumSq.Add(devSq[i].Mul(decimal.NewFromInt(g.Quantity)))
	}

	bound := r.limitSq.Mul(sumSq)
	kept := make([]PriceGroup, 0, len(taken))
	for i, g := range taken {
		if n.Mul(devSq[i]).GreaterThan(bound) {
			continue
		}
		kept = append(kept, g)
	}
	return kept
}

// roundHalfEven returns sum/n rounded to the nearest integer, ties to even.
// Both operands are positive integers.
func roundHalfEven(sum, n decimal.Decimal) int64 {
	q, rem := sum.QuoRem(n, 0)
	twice := rem.Add(rem)
	switch twice.Cmp(n) {
	case 1:
		q = q.Add(decimal.NewFromInt(1))
	case 0:
		if q.IntPart()%2 != 0 {
			q = q.Add(decimal.NewFromInt(1))
		}
	}
	return q.IntPart()
}
