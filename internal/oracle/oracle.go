// Package oracle stores timestamped rainfall readings per market and
// aggregates them into rolling and cumulative window sums.
//
// Readings are keyed by (market, timestamp). Sums are always recomputed from
// the keyed set, so duplicated, delayed or reordered delivery cannot change
// a total.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common/math"

	"github.com/atmx/parametric-engine/internal/events"
	"github.com/atmx/parametric-engine/internal/metrics"
	"github.com/atmx/parametric-engine/internal/model"
	"github.com/atmx/parametric-engine/internal/store"
)

// RollingWindow is the length of the V1 trailing window.
const RollingWindow = 24 * time.Hour

// MaxSum is the ceiling of a saturated window sum.
const MaxSum = ^uint64(0)

var (
	ErrUnauthorizedReporter = errors.New("oracle: sender is not a designated reporter")
	ErrMarketNotFound       = errors.New("oracle: market not found")
	ErrInvalidTimestamp     = errors.New("oracle: invalid timestamp")
	ErrInvalidWindow        = errors.New("oracle: window end before start")
)

// Outcome describes what a submission did to the store.
type Outcome string

const (
	Inserted  Outcome = "inserted"
	Duplicate Outcome = "duplicate" // same key, same value: no-op
	Corrected Outcome = "corrected" // same key, new value: last write wins
)

// Aggregator is the reading store front end. Only designated reporters may
// submit.
type Aggregator struct {
	st        store.Store
	reporters map[string]bool
	pub       events.Publisher
	now       func() time.Time
}

// NewAggregator creates an aggregator accepting submissions from reporters.
func NewAggregator(st store.Store, reporters []string, pub events.Publisher, now func() time.Time) *Aggregator {
	set := make(map[string]bool, len(reporters))
	for _, r := range reporters {
		set[r] = true
	}
	if pub == nil {
		pub = events.Discard
	}
	if now == nil {
		now = time.Now
	}
	return &Aggregator{st: st, reporters: set, pub: pub, now: now}
}

// IsReporter reports whether account holds the reporter capability.
func (a *Aggregator) IsReporter(account string) bool {
	return a.reporters[account]
}

// SubmitReading upserts the reading for (marketID, ts). The timestamp is
// normalised to UTC seconds before it becomes part of the key.
func (a *Aggregator) SubmitReading(ctx context.Context, caller, marketID string, ts time.Time, value uint64) (Outcome, error) {
	if !a.reporters[caller] {
		metrics.ReadingsTotal.WithLabelValues("rejected").Inc()
		return "", fmt.Errorf("%w: %s", ErrUnauthorizedReporter, caller)
	}
	if ts.IsZero() {
		return "", ErrInvalidTimestamp
	}
	key := NormalizeTimestamp(ts)

	var outcome Outcome
	err := a.st.Atomic(ctx, func(tx store.Tx) error {
		if _, err := tx.GetMarket(ctx, marketID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
			}
			return err
		}

		prev, err := tx.GetReading(ctx, marketID, key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			outcome = Inserted
		case err != nil:
			return err
		case prev.Value == value:
			outcome = Duplicate
			return nil
		default:
			outcome = Corrected
		}

		return tx.PutReading(ctx, &model.Reading{
			MarketID:  marketID,
			Timestamp: key,
			Value:     value,
			Reporter:  caller,
			UpdatedAt: a.now().UTC(),
		})
	})
	if err != nil {
		return "", err
	}

	metrics.ReadingsTotal.WithLabelValues(string(outcome)).Inc()
	if outcome != Duplicate {
		if outcome == Corrected {
			slog.Warn("reading corrected", "market", marketID, "ts", key, "value", value, "reporter", caller)
		}
		a.pub.Publish(events.New(events.ReadingSubmitted, marketID, map[string]any{
			"timestamp": key,
			"value":     value,
			"outcome":   outcome,
		}, a.now()))
	}
	return outcome, nil
}

// RollingSum returns the sum of readings in [now-24h, now].
func (a *Aggregator) RollingSum(ctx context.Context, marketID string, now time.Time) (uint64, error) {
	return store.View(ctx, a.st, func(tx store.Tx) (uint64, error) {
		return RollingSum(ctx, tx, marketID, now)
	})
}

// CumulativeSum returns the sum of readings in [from, to].
func (a *Aggregator) CumulativeSum(ctx context.Context, marketID string, from, to time.Time) (uint64, error) {
	return store.View(ctx, a.st, func(tx store.Tx) (uint64, error) {
		return CumulativeSum(ctx, tx, marketID, from, to)
	})
}

// Source is the read side of the reading store. store.Tx satisfies it, which
// lets settlement sum the same snapshot it is about to mutate.
type Source interface {
	ListReadings(ctx context.Context, marketID string, from, to time.Time) ([]model.Reading, error)
}

// RollingSum sums readings in [now-24h, now] from src.
func RollingSum(ctx context.Context, src Source, marketID string, now time.Time) (uint64, error) {
	return CumulativeSum(ctx, src, marketID, now.Add(-RollingWindow), now)
}

// CumulativeSum sums readings in [from, to] from src. Both bounds are
// inclusive. The sum saturates at MaxSum instead of wrapping.
func CumulativeSum(ctx context.Context, src Source, marketID string, from, to time.Time) (uint64, error) {
	if to.Before(from) {
		return 0, fmt.Errorf("%w: [%s, %s]", ErrInvalidWindow, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	readings, err := src.ListReadings(ctx, marketID, from, to)
	if err != nil {
		return 0, err
	}
	var sum uint64
	for _, r := range readings {
		sum = SaturatingAdd(sum, r.Value)
	}
	return sum, nil
}

// SaturatingAdd returns x+y, or MaxSum if the addition overflows.
func SaturatingAdd(x, y uint64) uint64 {
	s, overflow := math.SafeAdd(x, y)
	if overflow {
		return MaxSum
	}
	return s
}

// NormalizeTimestamp maps a submission time onto its storage key.
func NormalizeTimestamp(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Second)
}
