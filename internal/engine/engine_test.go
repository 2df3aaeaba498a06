package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/parametric-engine/internal/config"
	"github.com/atmx/parametric-engine/internal/keeper"
	"github.com/atmx/parametric-engine/internal/ledger"
	"github.com/atmx/parametric-engine/internal/model"
	"github.com/atmx/parametric-engine/internal/p2p"
	"github.com/atmx/parametric-engine/internal/quote"
	"github.com/atmx/parametric-engine/internal/store"
	"github.com/atmx/parametric-engine/internal/terms"
)

var t0 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func testConfig() config.Config {
	return config.Config{
		Reporters:             []string{"oracle"},
		Settlers:              []string{"settler"},
		Treasurers:            []string{"treasury"},
		Pricers:               []string{"pricer"},
		PoolAccount:           "house",
		BackstopAccount:       "backstop",
		QuoteRequestTTL:       time.Hour,
		QuoteTTL:              time.Hour,
		DefaultPayoutPerShare: d(100),
		CorrelationPrefixLen:  6,
	}
}

func newEngine(t *testing.T) (*Engine, *time.Time) {
	t.Helper()
	now := t0
	e := New(Options{Config: testConfig(), Store: store.NewMemoryStore(), Now: func() time.Time { return now }})
	return e, &now
}

func p2pTerms(marketID string) p2p.Terms {
	return p2p.Terms{
		MarketID:        marketID,
		TotalShares:     5,
		PremiumPerShare: d(5),
		CoverageStart:   t0.Add(time.Hour),
		CoverageEnd:     t0.Add(120 * time.Hour),
		Expiry:          t0.Add(time.Hour),
	}
}

func TestCreateMarket(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	m, err := e.CreateMarket(ctx, MarketRequest{Key: "ATMX-872a1070bffffff-PRECIP-2IN", Latitude: 25.76, Longitude: -80.19})
	require.NoError(t, err)
	assert.Equal(t, "872a1070bffffff", m.H3CellID)
	assert.Equal(t, uint64(508), m.DefaultStrike)
	assert.True(t, m.PayoutPerShare.Equal(d(100)))

	_, err = e.CreateMarket(ctx, MarketRequest{Key: m.Key})
	assert.ErrorIs(t, err, ErrMarketExists)
	_, err = e.CreateMarket(ctx, MarketRequest{Key: "ATMX-bad"})
	assert.ErrorIs(t, err, terms.ErrInvalidKey)
	_, err = e.CreateMarket(ctx, MarketRequest{Key: "ATMX-872a1070cffffff-PRECIP-1MM", Latitude: 91})
	assert.ErrorIs(t, err, ErrInvalidMarket)
	_, err = e.CreateMarket(ctx, MarketRequest{Key: "ATMX-872a1070cffffff-PRECIP-1MM", PayoutPerShare: d(-5)})
	assert.ErrorIs(t, err, ErrInvalidMarket)

	got, err := e.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Key, got.Key)
	_, err = e.GetMarket(ctx, "missing")
	assert.ErrorIs(t, err, ErrMarketNotFound)

	list, err := e.ListMarkets(ctx, "872a1070bffffff")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = e.ListMarkets(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, list)
}

// TestLifecycleConservesFunds runs every version through issue and settle
// and checks that only deposits change the ledger total.
func TestLifecycleConservesFunds(t *testing.T) {
	ctx := context.Background()
	e, now := newEngine(t)

	m, err := e.CreateMarket(ctx, MarketRequest{Key: "ATMX-872a1070bffffff-PRECIP-50MM"})
	require.NoError(t, err)
	deposits := decimal.Zero
	for acct, amt := range map[string]float64{"alice": 1000, "house": 5000, "u1": 1000, "u2": 1000} {
		_, err := e.Ledger.Deposit(ctx, "treasury", acct, d(amt))
		require.NoError(t, err)
		deposits = deposits.Add(d(amt))
	}

	var policies []model.H128
	for _, req := range []quote.Request{
		{MarketID: m.ID, Version: model.V1, CoverageStart: t0, Shares: 3},
		{MarketID: m.ID, Version: model.V2, CoverageStart: t0, CoverageEnd: t0.Add(72 * time.Hour), Shares: 2, EarlyTrigger: true},
	} {
		q, err := e.Quotes.RequestQuote(ctx, "alice", req)
		require.NoError(t, err)
		_, err = e.Quotes.SubmitQuote(ctx, "pricer", q.ID, d(0.123457))
		require.NoError(t, err)
		p, err := e.Policies.Issue(ctx, "alice", q.ID)
		require.NoError(t, err)
		policies = append(policies, p.ID)
	}

	r, err := e.Underwriting.CreateRequest(ctx, "alice", p2pTerms(m.ID))
	require.NoError(t, err)
	_, err = e.Underwriting.AcceptRequest(ctx, "u1", r.ID, 2)
	require.NoError(t, err)
	_, err = e.Underwriting.AcceptRequest(ctx, "u2", r.ID, 1)
	require.NoError(t, err)

	*now = t0.Add(3 * time.Hour)
	_, err = e.Oracle.SubmitReading(ctx, "oracle", m.ID, t0.Add(2*time.Hour), 500)
	require.NoError(t, err)

	rep, err := e.Keeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, keeperReport(1, 1, 0), rep, "request expired, v2 triggered early")
	closed, err := e.Underwriting.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, model.RequestExpired, closed.Status)
	policies = append(policies, closed.PolicyID)

	*now = t0.Add(100 * time.Hour)
	rep, err = e.Keeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, keeperReport(0, 0, 1), rep, "v1 matured")

	*now = t0.Add(200 * time.Hour)
	rep, err = e.Keeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, keeperReport(0, 0, 1), rep, "v3 matured")

	for _, id := range policies {
		p, err := e.Policies.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.PolicySettled, p.Status)
	}

	total, err := e.Ledger.Total(ctx)
	require.NoError(t, err)
	assert.True(t, total.Equal(deposits), "total %s, deposits %s", total, deposits)

	bals, err := store.View(ctx, e.Store, func(tx store.Tx) (map[string]decimal.Decimal, error) {
		return tx.ListBalances(ctx)
	})
	require.NoError(t, err)
	for acct, bal := range bals {
		if ledger.IsSystemAccount(acct) {
			assert.True(t, bal.IsZero(), "%s left with %s", acct, bal)
		}
	}
}

func keeperReport(expired, early, matured int) keeper.Report {
	return keeper.Report{Expired: expired, EarlyTriggered: early, Matured: matured}
}
