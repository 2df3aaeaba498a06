package settlement

import (
	"context"
	"errors"
	"log/slog"

	"github.com/atmx/parametric-engine/internal/model"
	"github.com/atmx/parametric-engine/internal/policy"
	"github.com/atmx/parametric-engine/internal/store"
)

// SweepEarlyTriggers resolves every active early-trigger policy whose window
// has already reached its strike. Policies not yet triggered are left alone.
func (e *Engine) SweepEarlyTriggers(ctx context.Context) ([]model.SettlementResult, error) {
	return e.sweep(ctx, func(p *model.Policy, obs *policy.Observation) bool {
		return policy.CanTriggerEarly(p, obs)
	})
}

// ResolveMatured resolves every active policy whose coverage has ended.
func (e *Engine) ResolveMatured(ctx context.Context) ([]model.SettlementResult, error) {
	return e.sweep(ctx, func(_ *model.Policy, obs *policy.Observation) bool {
		return obs.Matured
	})
}

// sweep selects candidates from one snapshot, then resolves each in its own
// transaction so one failure does not hold back the rest. A candidate that
// another path settled in between is skipped.
func (e *Engine) sweep(ctx context.Context, want func(*model.Policy, *policy.Observation) bool) ([]model.SettlementResult, error) {
	now := e.now().UTC()
	ids, err := store.View(ctx, e.st, func(tx store.Tx) ([]model.H128, error) {
		active, err := tx.ListPolicies(ctx, model.PolicyActive)
		if err != nil {
			return nil, err
		}
		var ids []model.H128
		for i := range active {
			obs, err := policy.Observe(ctx, tx, &active[i], now)
			if err != nil {
				return nil, err
			}
			if want(&active[i], obs) {
				ids = append(ids, active[i].ID)
			}
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}

	var (
		out  []model.SettlementResult
		errs []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := e.Resolve(ctx, id)
		switch {
		case errors.Is(err, policy.ErrAlreadySettled), errors.Is(err, policy.ErrCoverageNotEnded):
			continue
		case err != nil:
			slog.Warn("sweep resolve failed", "policy", id, "error", err)
			errs = append(errs, err)
			continue
		}
		out = append(out, *res)
	}
	return out, errors.Join(errs...)
}
