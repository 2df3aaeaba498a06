// Package correlation caps the liability the pooled-capital account may
// underwrite per H3 cell and across geographically correlated cells.
//
// A single storm system covering neighbouring hexagons triggers every policy
// written on them at once. Cells whose H3 indices share a prefix are treated
// as one correlated group, and the sum of outstanding max payouts in the
// group is limited.
package correlation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/parametric-engine/internal/model"
)

var (
	// ErrPerCellLimitExceeded is returned when new cover would push the
	// outstanding liability of a single cell beyond the per-cell maximum.
	ErrPerCellLimitExceeded = errors.New("correlation: per-cell exposure limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when new cover would push the
	// aggregate liability across correlated cells beyond the group maximum.
	ErrCorrelatedLimitExceeded = errors.New("correlation: correlated exposure limit exceeded")
)

// Exposure maps H3 cell ID to outstanding max payout.
type Exposure map[string]decimal.Decimal

// Add records amount of liability in cell.
func (e Exposure) Add(cell string, amount decimal.Decimal) {
	e[cell] = e[cell].Add(amount)
}

// FromPolicies sums the max payout of active policies per cell. cellOf maps
// a market ID to its H3 cell; policies on unknown markets are skipped.
func FromPolicies(policies []model.Policy, cellOf func(marketID string) (string, bool)) Exposure {
	e := make(Exposure)
	for _, p := range policies {
		if p.Status != model.PolicyActive {
			continue
		}
		cell, ok := cellOf(p.MarketID)
		if !ok {
			continue
		}
		e.Add(cell, p.MaxPayout)
	}
	return e
}

// Limiter enforces exposure limits with correlation awareness.
//
// Correlation detection uses H3 index prefix matching:
//   - H3 indices encode spatial hierarchy in their hex digits
//   - Cells sharing a longer prefix tend to be geographically closer
//   - PrefixLen controls the correlation radius:
//     For resolution-7 cells (15-char index):
//     PrefixLen=7 → close neighbors (k-ring ~1-2)
//     PrefixLen=6 → moderate area (k-ring ~3-5)
//     PrefixLen=5 → wide area, storm scale (k-ring ~10+)
//
// A zero limit disables that check.
type Limiter struct {
	// MaxPerCell is the maximum outstanding liability in any single cell.
	MaxPerCell decimal.Decimal

	// MaxCorrelated is the maximum aggregate liability across all cells
	// that share the same H3 prefix.
	MaxCorrelated decimal.Decimal

	// PrefixLen determines how many leading hex characters of the H3
	// index must match for two cells to be considered correlated.
	PrefixLen int
}

// NewLimiter creates a limiter with the given per-cell and correlated
// exposure limits.
func NewLimiter(maxPerCell, maxCorrelated decimal.Decimal, prefixLen int) *Limiter {
	if prefixLen < 1 {
		prefixLen = 1
	}
	return &Limiter{
		MaxPerCell:    maxPerCell,
		MaxCorrelated: maxCorrelated,
		PrefixLen:     prefixLen,
	}
}

// Enabled reports whether any limit is configured.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.MaxPerCell.IsPositive() || l.MaxCorrelated.IsPositive())
}

// Check validates whether adding liability in cell respects the limits
// given the current exposure.
func (l *Limiter) Check(cell string, added decimal.Decimal, current Exposure) error {
	if !l.Enabled() {
		return nil
	}

	inCell := current[cell].Add(added)
	if l.MaxPerCell.IsPositive() && inCell.GreaterThan(l.MaxPerCell) {
		return fmt.Errorf("%w: cell %s would carry %s > %s", ErrPerCellLimitExceeded, cell, inCell, l.MaxPerCell)
	}

	if !l.MaxCorrelated.IsPositive() {
		return nil
	}
	group := cellPrefix(cell, l.PrefixLen)
	total := inCell
	for other, amount := range current {
		if other == cell {
			continue // already counted via inCell
		}
		if cellPrefix(other, l.PrefixLen) == group {
			total = total.Add(amount)
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return fmt.Errorf("%w: group %s would carry %s > %s", ErrCorrelatedLimitExceeded, group, total, l.MaxCorrelated)
	}
	return nil
}

// cellPrefix returns the first `length` characters of an H3 cell ID.
func cellPrefix(cellID string, length int) string {
	if length >= len(cellID) {
		return cellID
	}
	return cellID[:length]
}
