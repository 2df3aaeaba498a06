package quote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/parametric-engine/internal/model"
	"github.com/atmx/parametric-engine/internal/pricing"
	"github.com/atmx/parametric-engine/internal/store"
)

var t0 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type fixedSource struct {
	p    decimal.Decimal
	err  error
	last pricing.Request
}

func (f *fixedSource) Probability(_ context.Context, r pricing.Request) (decimal.Decimal, error) {
	f.last = r
	return f.p, f.err
}

func setup(t *testing.T, src ProbabilitySource) (*Engine, store.Store, *clock) {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.Atomic(context.Background(), func(tx store.Tx) error {
		return tx.CreateMarket(context.Background(), &model.Market{
			ID:             "m1",
			Key:            "ATMX-872830828-PRECIP-25MM",
			H3CellID:       "872830828",
			Type:           "PRECIP",
			DefaultStrike:  250,
			PayoutPerShare: d(100),
			CreatedAt:      t0,
		})
	}))
	c := &clock{t: t0}
	e := NewEngine(st, Params{
		RequestTTL: 15 * time.Minute,
		QuoteTTL:   5 * time.Minute,
		Loading:    d(0.1),
		Pricers:    []string{"pricer"},
	}, src, nil, c.now)
	return e, st, c
}

func v1Request(shares int64) Request {
	return Request{MarketID: "m1", Version: model.V1, CoverageStart: t0.Add(time.Hour), Shares: shares}
}

func TestPremium(t *testing.T) {
	tests := []struct {
		p, max, loading float64
		want            string
	}{
		{0.1, 300, 0.1, "33"},
		{0.123457, 100, 0, "12.35"},
		{0.333333, 100, 0.05, "35"},
		{1, 500, 0, "500"},
	}
	for _, tt := range tests {
		got := Premium(d(tt.p), d(tt.max), d(tt.loading))
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("Premium(%v, %v, %v) = %s, want %s", tt.p, tt.max, tt.loading, got, tt.want)
		}
	}
}

func TestRequestAndSubmit(t *testing.T) {
	ctx := context.Background()
	e, _, _ := setup(t, nil)

	q, err := e.RequestQuote(ctx, "alice", v1Request(3))
	require.NoError(t, err)
	assert.Equal(t, model.QuoteRequested, q.Status)
	assert.Equal(t, t0.Add(25*time.Hour), q.CoverageEnd)

	_, err = e.SubmitQuote(ctx, "alice", q.ID, d(0.1))
	assert.ErrorIs(t, err, ErrUnauthorized)

	for _, p := range []float64{0, -0.1, 1.01} {
		_, err = e.SubmitQuote(ctx, "pricer", q.ID, d(p))
		assert.ErrorIs(t, err, ErrInvalidProbability, "p=%v", p)
	}

	priced, err := e.SubmitQuote(ctx, "pricer", q.ID, d(0.1))
	require.NoError(t, err)
	assert.Equal(t, model.QuoteQuoted, priced.Status)
	assert.True(t, priced.Premium.Equal(d(33)), "premium %s", priced.Premium)
	assert.Equal(t, t0.Add(5*time.Minute), priced.Expiry)

	_, err = e.SubmitQuote(ctx, "pricer", q.ID, d(0.9))
	assert.ErrorIs(t, err, ErrQuotePriced)

	got, err := e.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.True(t, got.Premium.Equal(d(33)))
	assert.Equal(t, t0.Add(5*time.Minute), got.Expiry)
}

func TestRequestValidation(t *testing.T) {
	ctx := context.Background()
	e, _, _ := setup(t, nil)
	strike := uint64(100)

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"zero shares", v1Request(0), ErrInvalidShares},
		{"past start", Request{MarketID: "m1", Version: model.V2, CoverageStart: t0.Add(-time.Hour), CoverageEnd: t0.Add(time.Hour), Shares: 1}, ErrInvalidWindow},
		{"v1 long window", Request{MarketID: "m1", Version: model.V1, CoverageStart: t0, CoverageEnd: t0.Add(48 * time.Hour), Shares: 1}, ErrInvalidWindow},
		{"v1 early trigger", Request{MarketID: "m1", Version: model.V1, CoverageStart: t0, EarlyTrigger: true, Shares: 1}, ErrUnsupportedTerm},
		{"v1 strike", Request{MarketID: "m1", Version: model.V1, CoverageStart: t0, Strike: &strike, Shares: 1}, ErrUnsupportedTerm},
		{"v2 inverted", Request{MarketID: "m1", Version: model.V2, CoverageStart: t0.Add(time.Hour), CoverageEnd: t0, Shares: 1}, ErrInvalidWindow},
		{"v3", Request{MarketID: "m1", Version: model.V3, CoverageStart: t0, CoverageEnd: t0.Add(time.Hour), Shares: 1}, ErrUnsupportedVersion},
		{"unknown version", Request{MarketID: "m1", Version: model.Version(9), CoverageStart: t0, Shares: 1}, model.ErrUnknownVersion},
		{"unknown market", Request{MarketID: "nope", Version: model.V1, CoverageStart: t0, Shares: 1}, ErrMarketNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.RequestQuote(ctx, "alice", tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubmitAfterExpiry(t *testing.T) {
	ctx := context.Background()
	e, _, c := setup(t, nil)
	q, err := e.RequestQuote(ctx, "alice", v1Request(1))
	require.NoError(t, err)

	c.t = t0.Add(15 * time.Minute)
	_, err = e.SubmitQuote(ctx, "pricer", q.ID, d(0.5))
	assert.ErrorIs(t, err, ErrQuoteExpired)
}

func TestConsumeOnce(t *testing.T) {
	ctx := context.Background()
	e, st, c := setup(t, nil)
	q, err := e.RequestQuote(ctx, "alice", v1Request(1))
	require.NoError(t, err)

	consume := func(caller string) error {
		return st.Atomic(ctx, func(tx store.Tx) error {
			_, err := Consume(ctx, tx, q.ID, caller, model.H128{1}, c.t)
			return err
		})
	}

	assert.ErrorIs(t, consume("alice"), ErrQuoteNotPriced)
	_, err = e.SubmitQuote(ctx, "pricer", q.ID, d(0.2))
	require.NoError(t, err)

	assert.ErrorIs(t, consume("bob"), ErrNotRequester)
	require.NoError(t, consume("alice"))
	assert.ErrorIs(t, consume("alice"), ErrQuoteConsumed)

	_, err = e.SubmitQuote(ctx, "pricer", q.ID, d(0.3))
	assert.ErrorIs(t, err, ErrQuoteConsumed)

	got, err := e.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.H128{1}, got.PolicyID)
	assert.True(t, got.Probability.Equal(d(0.2)))
}

func TestConsumeExpiredQuote(t *testing.T) {
	ctx := context.Background()
	e, st, c := setup(t, nil)
	q, err := e.RequestQuote(ctx, "alice", v1Request(1))
	require.NoError(t, err)
	_, err = e.SubmitQuote(ctx, "pricer", q.ID, d(0.2))
	require.NoError(t, err)

	c.t = t0.Add(5 * time.Minute)
	err = st.Atomic(ctx, func(tx store.Tx) error {
		_, err := Consume(ctx, tx, q.ID, "alice", model.H128{1}, c.t)
		return err
	})
	assert.ErrorIs(t, err, ErrQuoteExpired)
}

func TestAutoPrice(t *testing.T) {
	ctx := context.Background()
	strike := uint64(400)

	t.Run("unconfigured", func(t *testing.T) {
		e, _, _ := setup(t, nil)
		q, err := e.RequestQuote(ctx, "alice", v1Request(1))
		require.NoError(t, err)
		_, err = e.AutoPrice(ctx, q.ID)
		assert.ErrorIs(t, err, ErrPricingUnavailable)
	})

	t.Run("uses strike override", func(t *testing.T) {
		src := &fixedSource{p: d(0.05)}
		e, _, _ := setup(t, src)
		q, err := e.RequestQuote(ctx, "alice", Request{
			MarketID:      "m1",
			Version:       model.V2,
			CoverageStart: t0,
			CoverageEnd:   t0.Add(72 * time.Hour),
			Shares:        2,
			Strike:        &strike,
		})
		require.NoError(t, err)

		priced, err := e.AutoPrice(ctx, q.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(400), src.last.Strike)
		assert.Equal(t, "872830828", src.last.H3CellID)
		assert.True(t, priced.Premium.Equal(d(11)), "premium %s", priced.Premium)
	})

	t.Run("source error", func(t *testing.T) {
		src := &fixedSource{err: pricing.ErrBadResponse}
		e, _, _ := setup(t, src)
		q, err := e.RequestQuote(ctx, "alice", v1Request(1))
		require.NoError(t, err)
		_, err = e.AutoPrice(ctx, q.ID)
		assert.ErrorIs(t, err, ErrPricingUnavailable)
	})
}
