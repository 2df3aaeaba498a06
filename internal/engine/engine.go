// Package engine wires every cover component over one store, one event hub
// and one clock. The HTTP layer and the server binary talk to it only.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/parametric-engine/internal/config"
	"github.com/atmx/parametric-engine/internal/correlation"
	"github.com/atmx/parametric-engine/internal/events"
	"github.com/atmx/parametric-engine/internal/keeper"
	"github.com/atmx/parametric-engine/internal/ledger"
	"github.com/atmx/parametric-engine/internal/model"
	"github.com/atmx/parametric-engine/internal/oracle"
	"github.com/atmx/parametric-engine/internal/orderbook"
	"github.com/atmx/parametric-engine/internal/p2p"
	"github.com/atmx/parametric-engine/internal/policy"
	"github.com/atmx/parametric-engine/internal/pricing"
	"github.com/atmx/parametric-engine/internal/quote"
	"github.com/atmx/parametric-engine/internal/settlement"
	"github.com/atmx/parametric-engine/internal/store"
	"github.com/atmx/parametric-engine/internal/terms"
)

var (
	ErrInvalidMarket  = errors.New("engine: invalid market")
	ErrMarketExists   = errors.New("engine: market key already registered")
	ErrMarketNotFound = errors.New("engine: market not found")
)

// Options configure New. Store is required; everything else has a default.
type Options struct {
	Config  config.Config
	Store   store.Store
	Hub     *events.Hub
	Pricing quote.ProbabilitySource
	Now     func() time.Time
}

// Engine is the assembled cover engine.
type Engine struct {
	Store        store.Store
	Hub          *events.Hub
	Ledger       *ledger.Ledger
	Oracle       *oracle.Aggregator
	Quotes       *quote.Engine
	Policies     *policy.Manager
	Settlement   *settlement.Engine
	Orders       *orderbook.Service
	Underwriting *p2p.Market
	Keeper       *keeper.Keeper

	defaultPayout decimal.Decimal
	now           func() time.Time
}

// New assembles the engine.
func New(opts Options) *Engine {
	cfg := opts.Config
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	hub := opts.Hub
	if hub == nil {
		hub = events.NewHub()
	}
	src := opts.Pricing
	if src == nil && cfg.PricingURL != "" {
		src = pricing.NewClient(cfg.PricingURL)
	}

	st := opts.Store
	e := &Engine{
		Store:         st,
		Hub:           hub,
		Ledger:        ledger.New(st, cfg.Treasurers),
		Oracle:        oracle.NewAggregator(st, cfg.Reporters, hub, now),
		Orders:        orderbook.New(st, hub, now),
		Underwriting:  p2p.New(st, hub, now),
		defaultPayout: cfg.DefaultPayoutPerShare,
		now:           now,
	}
	e.Quotes = quote.NewEngine(st, quote.Params{
		RequestTTL: cfg.QuoteRequestTTL,
		QuoteTTL:   cfg.QuoteTTL,
		Loading:    cfg.PremiumLoading,
		Pricers:    cfg.Pricers,
	}, src, hub, now)
	e.Policies = policy.NewManager(st, policy.Params{
		PoolAccount: cfg.PoolAccount,
		Limiter:     correlation.NewLimiter(cfg.MaxCellExposure, cfg.MaxCorrelatedExposure, cfg.CorrelationPrefixLen),
	}, hub, now)
	e.Settlement = settlement.NewEngine(st, settlement.Params{
		Settlers:        cfg.Settlers,
		BackstopAccount: cfg.BackstopAccount,
	}, hub, now)
	e.Keeper = keeper.New(e.Underwriting, e.Settlement)
	return e
}

// MarketRequest is the input of CreateMarket. A zero payout per share takes
// the configured default.
type MarketRequest struct {
	Key            string          `json:"key"`
	Latitude       float64         `json:"latitude"`
	Longitude      float64         `json:"longitude"`
	PayoutPerShare decimal.Decimal `json:"payout_per_share"`
}

// CreateMarket registers the weather binding named by key.
func (e *Engine) CreateMarket(ctx context.Context, req MarketRequest) (*model.Market, error) {
	parsed, err := terms.Parse(req.Key)
	if err != nil {
		return nil, err
	}
	if req.Latitude < -90 || req.Latitude > 90 || req.Longitude < -180 || req.Longitude > 180 {
		return nil, fmt.Errorf("%w: coordinates (%g, %g)", ErrInvalidMarket, req.Latitude, req.Longitude)
	}
	pps := req.PayoutPerShare
	if pps.IsZero() {
		pps = e.defaultPayout
	}
	if !pps.IsPositive() {
		return nil, fmt.Errorf("%w: payout per share %s", ErrInvalidMarket, pps)
	}

	m := &model.Market{
		ID:             uuid.NewString(),
		Key:            parsed.Key,
		H3CellID:       parsed.H3CellID,
		Type:           parsed.Type,
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		DefaultStrike:  parsed.Strike,
		PayoutPerShare: pps,
		CreatedAt:      e.now().UTC(),
	}
	err = e.Store.Atomic(ctx, func(tx store.Tx) error {
		return tx.CreateMarket(ctx, m)
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: %s", ErrMarketExists, req.Key)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("market created",
		"id", m.ID,
		"key", m.Key,
		"h3_cell", m.H3CellID,
		"strike", m.DefaultStrike,
	)
	return m, nil
}

// GetMarket returns market id.
func (e *Engine) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return store.View(ctx, e.Store, func(tx store.Tx) (*model.Market, error) {
		m, err := tx.GetMarket(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
		}
		return m, err
	})
}

// ListMarkets returns all markets ordered by key, optionally only those on
// h3Cell.
func (e *Engine) ListMarkets(ctx context.Context, h3Cell string) ([]model.Market, error) {
	all, err := store.View(ctx, e.Store, func(tx store.Tx) ([]model.Market, error) {
		return tx.ListMarkets(ctx)
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Market, 0, len(all))
	for _, m := range all {
		if h3Cell == "" || m.H3CellID == h3Cell {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Now is the engine clock.
func (e *Engine) Now() time.Time {
	return e.now()
}
