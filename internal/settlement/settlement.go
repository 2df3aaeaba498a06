// Package settlement finalizes policies exactly once. Every path, manual or
// oracle-resolved, runs the same transaction: guard, cancel the pool's book,
// pay the holder, distribute the remainder to share holders, burn, record.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/atmx/parametric-engine/internal/events"
	"github.com/atmx/parametric-engine/internal/ledger"
	"github.com/atmx/parametric-engine/internal/metrics"
	"github.com/atmx/parametric-engine/internal/model"
	"github.com/atmx/parametric-engine/internal/orderbook"
	"github.com/atmx/parametric-engine/internal/policy"
	"github.com/atmx/parametric-engine/internal/store"
	"github.com/atmx/parametric-engine/internal/telemetry"
)

// distributionPlaces is the precision of pro-rata amounts; the dust left by
// truncation goes to the last holder.
const distributionPlaces = 8

var (
	ErrUnauthorized     = errors.New("settlement: caller lacks settler capability")
	ErrSettlementAbsent = errors.New("settlement: policy has no settlement result")
)

// Params configure the engine.
type Params struct {
	// Settlers may report event outcomes directly through Settle.
	Settlers []string

	// BackstopAccount tops up holder payouts the pool cannot cover. Empty
	// disables the backstop.
	BackstopAccount string
}

// Engine settles policies.
type Engine struct {
	st       store.Store
	settlers map[string]bool
	backstop string
	pub      events.Publisher
	now      func() time.Time
}

// NewEngine creates a settlement engine.
func NewEngine(st store.Store, params Params, pub events.Publisher, now func() time.Time) *Engine {
	settlers := make(map[string]bool, len(params.Settlers))
	for _, s := range params.Settlers {
		settlers[s] = true
	}
	if pub == nil {
		pub = events.Discard
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{st: st, settlers: settlers, backstop: params.BackstopAccount, pub: pub, now: now}
}

// Settle finalizes policy id with the event outcome reported by caller.
// Before coverage end it only succeeds for an early-trigger policy whose
// window the oracle shows at or above the strike.
func (e *Engine) Settle(ctx context.Context, caller string, id model.H128, eventOccurred bool) (*model.SettlementResult, error) {
	if !e.settlers[caller] {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, caller)
	}
	return e.settle(ctx, id, "manual", func(*policy.Observation) bool { return eventOccurred })
}

// Resolve finalizes policy id with the outcome the oracle window shows.
// Anyone may call it: the outcome is not caller supplied.
func (e *Engine) Resolve(ctx context.Context, id model.H128) (*model.SettlementResult, error) {
	return e.settle(ctx, id, "oracle", func(obs *policy.Observation) bool { return obs.Triggered })
}

// Result returns the stored settlement of policy id.
func (e *Engine) Result(ctx context.Context, id model.H128) (*model.SettlementResult, error) {
	return store.View(ctx, e.st, func(tx store.Tx) (*model.SettlementResult, error) {
		r, err := tx.GetSettlement(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSettlementAbsent, id)
		}
		return r, err
	})
}

func (e *Engine) settle(ctx context.Context, id model.H128, path string, decide func(*policy.Observation) bool) (res *model.SettlementResult, err error) {
	ctx, span := telemetry.Start(ctx, "settlement.Settle",
		attribute.String("policy", id.String()),
		attribute.String("path", path),
	)
	defer func() { telemetry.End(span, err) }()

	start := time.Now()
	now := e.now().UTC()
	var p *model.Policy
	err = e.st.Atomic(ctx, func(tx store.Tx) error {
		got, err := policy.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		p = got
		if p.Status == model.PolicySettled {
			return fmt.Errorf("%w: %s", policy.ErrAlreadySettled, id)
		}
		obs, err := policy.Observe(ctx, tx, p, now)
		if err != nil {
			return err
		}
		event := decide(obs)
		if err := policy.CheckSettleable(p, obs, event); err != nil {
			return err
		}

		res, err = e.finalize(ctx, tx, p, obs, event, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	v := p.Version.String()
	outcome := "no_event"
	if res.EventOccurred {
		outcome = "event"
	}
	metrics.SettlementsTotal.WithLabelValues(v, outcome).Inc()
	metrics.PayoutAmount.WithLabelValues(v).Add(res.PayoutToHolder.InexactFloat64())
	metrics.SettlementLatency.WithLabelValues(v).Observe(time.Since(start).Seconds())
	slog.Info("policy settled",
		"policy", id,
		"version", p.Version,
		"path", path,
		"event", res.EventOccurred,
		"early", res.Early,
		"sum", res.WindowSum,
		"strike", res.Strike,
		"payout", res.PayoutToHolder.String(),
		"shortfall", res.Shortfall.String(),
	)
	e.pub.Publish(events.New(events.PolicySettled, id.String(), res, now))
	return res, nil
}

// finalize moves the funds of a settleable policy and writes its result.
// The pool account ends at zero and every share is burned.
func (e *Engine) finalize(ctx context.Context, tx store.Tx, p *model.Policy, obs *policy.Observation, event bool, now time.Time) (*model.SettlementResult, error) {
	if _, err := orderbook.CancelAll(ctx, tx, p.PoolID); err != nil {
		return nil, err
	}

	b := ledger.On(tx)
	poolAcct := model.PoolAccount(p.PoolID)
	balance, err := b.Balance(ctx, poolAcct)
	if err != nil {
		return nil, err
	}

	res := &model.SettlementResult{
		PolicyID:        p.ID,
		PoolID:          p.PoolID,
		Version:         p.Version,
		EventOccurred:   event,
		Early:           !obs.Matured,
		WindowSum:       obs.Sum,
		Strike:          obs.Strike,
		PayoutToHolder:  decimal.Zero,
		BackstopCovered: decimal.Zero,
		Shortfall:       decimal.Zero,
		SettledAt:       now,
	}

	paidFromPool := decimal.Zero
	if event {
		paidFromPool = decimal.Min(p.MaxPayout, balance)
		if err := b.Transfer(ctx, poolAcct, p.Holder, paidFromPool); err != nil {
			return nil, err
		}
		short := p.MaxPayout.Sub(paidFromPool)
		if short.IsPositive() && e.backstop != "" {
			covered, err := e.topUp(ctx, b, p.Holder, short)
			if err != nil {
				return nil, err
			}
			res.BackstopCovered = covered
			short = short.Sub(covered)
		}
		res.Shortfall = short
		res.PayoutToHolder = paidFromPool.Add(res.BackstopCovered)
	}

	pool, err := b.Pool(ctx, p.PoolID)
	if err != nil {
		return nil, err
	}
	holdings, err := b.BurnAll(ctx, p.PoolID)
	if err != nil {
		return nil, err
	}
	res.ReturnedToPool = balance.Sub(paidFromPool)
	res.Distributions = ProRata(res.ReturnedToPool, holdings, pool.TotalShares)
	for _, d := range res.Distributions {
		if err := b.Transfer(ctx, poolAcct, d.Holder, d.Amount); err != nil {
			return nil, err
		}
	}

	if err := tx.MarkPolicySettled(ctx, p.ID, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", policy.ErrAlreadySettled, p.ID)
		}
		return nil, err
	}
	if p.Version == model.V3 {
		if err := markRequestSettled(ctx, tx, p.PoolID); err != nil {
			return nil, err
		}
	}
	if err := tx.InsertSettlement(ctx, res); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", policy.ErrAlreadySettled, p.ID)
		}
		return nil, err
	}
	return res, nil
}

// topUp pays up to short from the backstop account to holder.
func (e *Engine) topUp(ctx context.Context, b ledger.Book, holder string, short decimal.Decimal) (decimal.Decimal, error) {
	avail, err := b.Balance(ctx, e.backstop)
	if err != nil {
		return decimal.Zero, err
	}
	covered := decimal.Min(short, avail)
	if !covered.IsPositive() {
		return decimal.Zero, nil
	}
	if err := b.Transfer(ctx, e.backstop, holder, covered); err != nil {
		return decimal.Zero, err
	}
	return covered, nil
}

func markRequestSettled(ctx context.Context, tx store.Tx, id model.H128) error {
	r, err := tx.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	r.Status = model.RequestSettled
	return tx.UpdateRequest(ctx, r)
}

// ProRata splits amount across holdings in proportion to shares/total. Each
// part is truncated to eight decimal places; the last holder in byte order
// receives the remainder so the parts sum to amount exactly. The result is
// the same whatever order the store returned holdings in.
func ProRata(amount decimal.Decimal, holdings []model.Holding, total int64) []model.Distribution {
	if len(holdings) == 0 || total <= 0 {
		return nil
	}
	holdings = slices.Clone(holdings)
	slices.SortFunc(holdings, func(a, b model.Holding) int { return strings.Compare(a.Holder, b.Holder) })
	out := make([]model.Distribution, len(holdings))
	totalShares := decimal.NewFromInt(total)
	remaining := amount
	for i, h := range holdings {
		shares := h.Total()
		part := remaining
		if i < len(holdings)-1 {
			part = amount.Mul(decimal.NewFromInt(shares)).Div(totalShares).Truncate(distributionPlaces)
			remaining = remaining.Sub(part)
		}
		out[i] = model.Distribution{Holder: h.Holder, Shares: shares, Amount: part}
	}
	return out
}
