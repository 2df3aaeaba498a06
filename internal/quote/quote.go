// Package quote issues binding premium quotes for V1 and V2 cover.
//
// A quote is requested by the future policyholder, priced by the external
// pricing collaborator, and consumed exactly once by policy issuance.
package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/parametric-engine/internal/events"
	"github.com/atmx/parametric-engine/internal/metrics"
	"github.com/atmx/parametric-engine/internal/model"
	"github.com/atmx/parametric-engine/internal/pricing"
	"github.com/atmx/parametric-engine/internal/store"
)

// V1Window is the fixed coverage length of V1 cover.
const V1Window = 24 * time.Hour

// startGrace tolerates clock skew between caller and engine when checking
// that coverage does not start in the past.
const startGrace = time.Minute

var (
	ErrInvalidShares      = errors.New("quote: shares must be positive")
	ErrInvalidWindow      = errors.New("quote: invalid coverage window")
	ErrInvalidProbability = errors.New("quote: probability must be in (0, 1]")
	ErrUnsupportedVersion = errors.New("quote: version is not quotable")
	ErrUnsupportedTerm    = errors.New("quote: term not supported by version")
	ErrMarketNotFound     = errors.New("quote: market not found")
	ErrQuoteNotFound      = errors.New("quote: not found")
	ErrQuoteExpired       = errors.New("quote: expired")
	ErrQuoteConsumed      = errors.New("quote: already consumed")
	ErrQuoteNotPriced     = errors.New("quote: not priced yet")
	ErrQuotePriced        = errors.New("quote: already priced")
	ErrUnauthorized       = errors.New("quote: caller lacks pricer capability")
	ErrNotRequester       = errors.New("quote: caller is not the requester")
	ErrPricingUnavailable = errors.New("quote: pricing service unavailable")
)

// ProbabilitySource supplies event probabilities. pricing.Client satisfies it.
type ProbabilitySource interface {
	Probability(ctx context.Context, r pricing.Request) (decimal.Decimal, error)
}

// Params are the quoting knobs.
type Params struct {
	RequestTTL time.Duration   // lifetime of an unpriced request
	QuoteTTL   time.Duration   // lifetime of a priced quote
	Loading    decimal.Decimal // premium loading over expected loss
	Pricers    []string        // accounts allowed to submit probabilities
}

// Request is a coverage request.
type Request struct {
	MarketID      string        `json:"market_id"`
	Version       model.Version `json:"version"`
	CoverageStart time.Time     `json:"coverage_start"`
	CoverageEnd   time.Time     `json:"coverage_end"`
	Shares        int64         `json:"shares"`
	Strike        *uint64       `json:"strike,omitempty"`
	EarlyTrigger  bool          `json:"early_trigger"`
}

// Engine requests, prices and consumes quotes.
type Engine struct {
	st      store.Store
	params  Params
	pricers map[string]bool
	source  ProbabilitySource
	pub     events.Publisher
	now     func() time.Time
}

// NewEngine creates a quote engine. source may be nil when no pricing
// service is configured; AutoPrice then fails.
func NewEngine(st store.Store, params Params, source ProbabilitySource, pub events.Publisher, now func() time.Time) *Engine {
	pricers := make(map[string]bool, len(params.Pricers))
	for _, p := range params.Pricers {
		pricers[p] = true
	}
	if pub == nil {
		pub = events.Discard
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{st: st, params: params, pricers: pricers, source: source, pub: pub, now: now}
}

// RequestQuote validates a coverage request and records an unpriced quote.
func (e *Engine) RequestQuote(ctx context.Context, requester string, req Request) (*model.Quote, error) {
	now := e.now().UTC()
	if err := e.validate(&req, now); err != nil {
		return nil, err
	}

	q := &model.Quote{
		ID:             uuid.NewString(),
		Requester:      requester,
		MarketID:       req.MarketID,
		Version:        req.Version,
		CoverageStart:  req.CoverageStart.UTC(),
		CoverageEnd:    req.CoverageEnd.UTC(),
		Shares:         req.Shares,
		StrikeOverride: req.Strike,
		EarlyTrigger:   req.EarlyTrigger,
		Status:         model.QuoteRequested,
		Expiry:         now.Add(e.params.RequestTTL),
		CreatedAt:      now,
	}
	err := e.st.Atomic(ctx, func(tx store.Tx) error {
		if _, err := market(ctx, tx, req.MarketID); err != nil {
			return err
		}
		return tx.CreateQuote(ctx, q)
	})
	if err != nil {
		return nil, err
	}

	metrics.QuotesTotal.WithLabelValues(q.Version.String(), "requested").Inc()
	return q, nil
}

func (e *Engine) validate(req *Request, now time.Time) error {
	if req.Shares <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidShares, req.Shares)
	}
	if req.CoverageStart.IsZero() {
		return fmt.Errorf("%w: missing coverage start", ErrInvalidWindow)
	}
	if req.CoverageStart.Before(now.Add(-startGrace)) {
		return fmt.Errorf("%w: coverage starts in the past", ErrInvalidWindow)
	}

	switch req.Version {
	case model.V1:
		if req.EarlyTrigger {
			return fmt.Errorf("%w: early trigger on v1", ErrUnsupportedTerm)
		}
		if req.Strike != nil {
			return fmt.Errorf("%w: strike override on v1", ErrUnsupportedTerm)
		}
		end := req.CoverageStart.Add(V1Window)
		if req.CoverageEnd.IsZero() {
			req.CoverageEnd = end
		}
		if !req.CoverageEnd.Equal(end) {
			return fmt.Errorf("%w: v1 cover spans exactly %s", ErrInvalidWindow, V1Window)
		}
	case model.V2:
		if !req.CoverageEnd.After(req.CoverageStart) {
			return fmt.Errorf("%w: end must be after start", ErrInvalidWindow)
		}
		if req.Strike != nil && *req.Strike == 0 {
			return fmt.Errorf("%w: zero strike", ErrUnsupportedTerm)
		}
	case model.V3:
		return fmt.Errorf("%w: v3 cover is written through underwrite requests", ErrUnsupportedVersion)
	default:
		return fmt.Errorf("%w: %d", model.ErrUnknownVersion, uint8(req.Version))
	}
	return nil
}

// SubmitQuote prices a quote with the given event probability on behalf of
// a pricer. The premium is probability * max payout * (1 + loading), rounded
// up to the cent, and the quote stays binding for QuoteTTL.
func (e *Engine) SubmitQuote(ctx context.Context, caller, quoteID string, probability decimal.Decimal) (*model.Quote, error) {
	if !e.pricers[caller] {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, caller)
	}
	return e.price(ctx, quoteID, probability)
}

// AutoPrice fetches the probability from the pricing collaborator and
// prices the quote with it.
func (e *Engine) AutoPrice(ctx context.Context, quoteID string) (*model.Quote, error) {
	if e.source == nil {
		return nil, ErrPricingUnavailable
	}
	req, err := store.View(ctx, e.st, func(tx store.Tx) (pricing.Request, error) {
		q, err := getQuote(ctx, tx, quoteID)
		if err != nil {
			return pricing.Request{}, err
		}
		m, err := market(ctx, tx, q.MarketID)
		if err != nil {
			return pricing.Request{}, err
		}
		return pricing.Request{
			MarketID:      q.MarketID,
			H3CellID:      m.H3CellID,
			Version:       q.Version.String(),
			Strike:        StrikeOf(q, m),
			CoverageStart: q.CoverageStart,
			CoverageEnd:   q.CoverageEnd,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	p, err := e.source.Probability(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPricingUnavailable, err)
	}
	return e.price(ctx, quoteID, p)
}

func (e *Engine) price(ctx context.Context, quoteID string, probability decimal.Decimal) (*model.Quote, error) {
	if !probability.IsPositive() || probability.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProbability, probability)
	}

	now := e.now().UTC()
	var q *model.Quote
	err := e.st.Atomic(ctx, func(tx store.Tx) error {
		var err error
		q, err = getQuote(ctx, tx, quoteID)
		if err != nil {
			return err
		}
		switch q.Status {
		case model.QuoteConsumed:
			return fmt.Errorf("%w: %s", ErrQuoteConsumed, quoteID)
		case model.QuoteQuoted:
			return fmt.Errorf("%w: %s", ErrQuotePriced, quoteID)
		}
		if !now.Before(q.Expiry) {
			return fmt.Errorf("%w: %s at %s", ErrQuoteExpired, quoteID, q.Expiry.Format(time.RFC3339))
		}
		m, err := market(ctx, tx, q.MarketID)
		if err != nil {
			return err
		}

		q.Probability = probability
		q.Premium = Premium(probability, MaxPayout(q.Shares, m.PayoutPerShare), e.params.Loading)
		q.Status = model.QuoteQuoted
		q.Expiry = now.Add(e.params.QuoteTTL)
		return tx.UpdateQuote(ctx, q)
	})
	if err != nil {
		return nil, err
	}

	metrics.QuotesTotal.WithLabelValues(q.Version.String(), "priced").Inc()
	slog.Info("quote priced", "quote", q.ID, "version", q.Version, "premium", q.Premium.String())
	e.pub.Publish(events.New(events.QuotePriced, q.ID, q, now))
	return q, nil
}

// Get returns a quote.
func (e *Engine) Get(ctx context.Context, quoteID string) (*model.Quote, error) {
	return store.View(ctx, e.st, func(tx store.Tx) (*model.Quote, error) {
		return getQuote(ctx, tx, quoteID)
	})
}

// Consume marks a priced, unexpired quote as used by policyID inside tx.
// A quote is consumed at most once.
func Consume(ctx context.Context, tx store.Tx, quoteID, caller string, policyID model.H128, now time.Time) (*model.Quote, error) {
	q, err := getQuote(ctx, tx, quoteID)
	if err != nil {
		return nil, err
	}
	if q.Requester != caller {
		return nil, fmt.Errorf("%w: %s", ErrNotRequester, caller)
	}
	switch q.Status {
	case model.QuoteConsumed:
		return nil, fmt.Errorf("%w: %s", ErrQuoteConsumed, quoteID)
	case model.QuoteRequested:
		return nil, fmt.Errorf("%w: %s", ErrQuoteNotPriced, quoteID)
	}
	if !now.Before(q.Expiry) {
		return nil, fmt.Errorf("%w: %s at %s", ErrQuoteExpired, quoteID, q.Expiry.Format(time.RFC3339))
	}

	q.Status = model.QuoteConsumed
	q.PolicyID = policyID
	if err := tx.UpdateQuote(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

// MaxPayout is shares * payout per share.
func MaxPayout(shares int64, payoutPerShare decimal.Decimal) decimal.Decimal {
	return payoutPerShare.Mul(decimal.NewFromInt(shares))
}

// Premium is probability * maxPayout * (1 + loading), rounded up to cents.
func Premium(probability, maxPayout, loading decimal.Decimal) decimal.Decimal {
	return probability.Mul(maxPayout).Mul(decimal.NewFromInt(1).Add(loading)).RoundCeil(2)
}

// StrikeOf returns the quote's strike override or the market default.
func StrikeOf(q *model.Quote, m *model.Market) uint64 {
	if q.StrikeOverride != nil {
		return *q.StrikeOverride
	}
	return m.DefaultStrike
}

func getQuote(ctx context.Context, tx store.Tx, id string) (*model.Quote, error) {
	q, err := tx.GetQuote(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrQuoteNotFound, id)
	}
	return q, err
}

func market(ctx context.Context, tx store.Tx, id string) (*model.Market, error) {
	m, err := tx.GetMarket(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	return m, err
}
