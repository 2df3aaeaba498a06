package policy

import (
	"context"
	"time"

	"github.com/atmx/parametric-engine/internal/model"
	"github.com/atmx/parametric-engine/internal/oracle"
)

// rule is the per-version part of the lifecycle: which window governs the
// strike comparison and whether early settlement is possible at all.
type rule interface {
	windowSum(ctx context.Context, src oracle.Source, p *model.Policy, at time.Time) (from, to time.Time, sum uint64, err error)
	allowsEarlyTrigger() bool
}

// ruleFor dispatches on the protocol version. Adding a version means adding
// a case here; unknown versions are an error, never a default.
func ruleFor(v model.Version) (rule, error) {
	switch v {
	case model.V1:
		return rollingRule{}, nil
	case model.V2:
		return cumulativeRule{early: true}, nil
	case model.V3:
		return cumulativeRule{early: true}, nil
	default:
		return nil, model.ErrUnknownVersion
	}
}

// rollingRule is V1: the 24h window ending at min(now, coverage end).
type rollingRule struct{}

func (rollingRule) windowSum(ctx context.Context, src oracle.Source, p *model.Policy, at time.Time) (time.Time, time.Time, uint64, error) {
	end := minTime(at, p.CoverageEnd)
	sum, err := oracle.RollingSum(ctx, src, p.MarketID, end)
	return end.Add(-oracle.RollingWindow), end, sum, err
}

func (rollingRule) allowsEarlyTrigger() bool { return false }

// cumulativeRule is V2 and V3: everything from coverage start up to
// min(now, coverage end).
type cumulativeRule struct{ early bool }

func (r cumulativeRule) windowSum(ctx context.Context, src oracle.Source, p *model.Policy, at time.Time) (time.Time, time.Time, uint64, error) {
	end := minTime(at, p.CoverageEnd)
	if end.Before(p.CoverageStart) {
		return p.CoverageStart, p.CoverageStart, 0, nil
	}
	sum, err := oracle.CumulativeSum(ctx, src, p.MarketID, p.CoverageStart, end)
	return p.CoverageStart, end, sum, err
}

func (r cumulativeRule) allowsEarlyTrigger() bool { return r.early }

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
