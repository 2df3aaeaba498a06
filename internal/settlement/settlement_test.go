package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/parametric-engine/internal/ledger"
	"github.com/atmx/parametric-engine/internal/model"
	"github.com/atmx/parametric-engine/internal/oracle"
	"github.com/atmx/parametric-engine/internal/orderbook"
	"github.com/atmx/parametric-engine/internal/p2p"
	"github.com/atmx/parametric-engine/internal/policy"
	"github.com/atmx/parametric-engine/internal/quote"
	"github.com/atmx/parametric-engine/internal/store"
)

var t0 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type fixture struct {
	st     store.Store
	led    *ledger.Ledger
	orc    *oracle.Aggregator
	quotes *quote.Engine
	mgr    *policy.Manager
	ob     *orderbook.Service
	p2p    *p2p.Market
	eng    *Engine
	now    time.Time
}

func setup(t *testing.T, backstop string) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{st: store.NewMemoryStore(), now: t0}
	clock := func() time.Time { return f.now }

	f.led = ledger.New(f.st, []string{"treasury"})
	f.orc = oracle.NewAggregator(f.st, []string{"oracle"}, nil, clock)
	f.quotes = quote.NewEngine(f.st, quote.Params{RequestTTL: time.Hour, QuoteTTL: time.Hour, Pricers: []string{"pricer"}}, nil, nil, clock)
	f.mgr = policy.NewManager(f.st, policy.Params{PoolAccount: "house"}, nil, clock)
	f.ob = orderbook.New(f.st, nil, clock)
	f.p2p = p2p.New(f.st, nil, clock)
	f.eng = NewEngine(f.st, Params{Settlers: []string{"settler"}, BackstopAccount: backstop}, nil, clock)

	require.NoError(t, f.st.Atomic(ctx, func(tx store.Tx) error {
		return tx.CreateMarket(ctx, &model.Market{
			ID:             "m1",
			Key:            "ATMX-8728308280fffff-PRECIP-50MM",
			H3CellID:       "8728308280fffff",
			DefaultStrike:  500,
			PayoutPerShare: d(100),
		})
	}))
	for acct, amt := range map[string]float64{"alice": 1000, "house": 10000, "u1": 1000, "u2": 1000, "u3": 1000} {
		_, err := f.led.Deposit(ctx, "treasury", acct, d(amt))
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) issue(t *testing.T, req quote.Request) *model.Policy {
	t.Helper()
	ctx := context.Background()
	q, err := f.quotes.RequestQuote(ctx, "alice", req)
	require.NoError(t, err)
	_, err = f.quotes.SubmitQuote(ctx, "pricer", q.ID, d(0.1))
	require.NoError(t, err)
	p, err := f.mgr.Issue(ctx, "alice", q.ID)
	require.NoError(t, err)
	return p
}

func (f *fixture) read(t *testing.T, at time.Duration, value uint64) {
	t.Helper()
	_, err := f.orc.SubmitReading(context.Background(), "oracle", "m1", t0.Add(at), value)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	bal, err := f.led.Balance(context.Background(), account)
	require.NoError(t, err)
	return bal
}

func (f *fixture) balances(t *testing.T) map[string]decimal.Decimal {
	t.Helper()
	bals, err := store.View(context.Background(), f.st, func(tx store.Tx) (map[string]decimal.Decimal, error) {
		return tx.ListBalances(context.Background())
	})
	require.NoError(t, err)
	return bals
}

// threeShareV1 is a 3-share policy at $100/share on a 50mm strike.
func threeShareV1() quote.Request {
	return quote.Request{MarketID: "m1", Version: model.V1, CoverageStart: t0, Shares: 3}
}

func TestEventAtStrikePaysMaxPayout(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "")
	p := f.issue(t, threeShareV1())
	f.read(t, time.Hour, 200)
	f.read(t, 5*time.Hour, 300)

	total, err := f.led.Total(ctx)
	require.NoError(t, err)

	f.now = t0.Add(25 * time.Hour)
	res, err := f.eng.Settle(ctx, "settler", p.ID, true)
	require.NoError(t, err)

	assert.True(t, res.EventOccurred)
	assert.False(t, res.Early)
	assert.Equal(t, uint64(500), res.WindowSum)
	assert.True(t, res.PayoutToHolder.Equal(d(300)), "payout %s", res.PayoutToHolder)
	assert.True(t, res.Shortfall.IsZero())
	assert.True(t, f.balance(t, "alice").Equal(d(1270)))
	assert.True(t, f.balance(t, "house").Equal(d(9730)), "premium to capital holder")
	assert.True(t, f.balance(t, model.PoolAccount(p.ID)).IsZero())

	after, err := f.led.Total(ctx)
	require.NoError(t, err)
	assert.True(t, total.Equal(after), "conservation: %s != %s", total, after)

	got, err := f.mgr.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PolicySettled, got.Status)

	stored, err := f.eng.Result(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, stored.PayoutToHolder.Equal(d(300)))
}

func TestNoEventReturnsPoolToCapital(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "")
	p := f.issue(t, threeShareV1())
	f.read(t, time.Hour, 100)

	f.now = t0.Add(24 * time.Hour)
	res, err := f.eng.Resolve(ctx, p.ID)
	require.NoError(t, err)

	assert.False(t, res.EventOccurred)
	assert.True(t, res.PayoutToHolder.IsZero())
	assert.True(t, res.ReturnedToPool.Equal(d(330)))
	require.Len(t, res.Distributions, 1)
	assert.Equal(t, model.Distribution{Holder: "house", Shares: 3, Amount: res.Distributions[0].Amount}, res.Distributions[0])
	assert.True(t, f.balance(t, "alice").Equal(d(970)))
	assert.True(t, f.balance(t, "house").Equal(d(10030)))

	view, err := f.led.Pool(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, view.Pool.Burned)
	assert.Empty(t, view.Holdings)
}

func TestSecondSettlementMovesNothing(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "")
	p := f.issue(t, threeShareV1())
	f.read(t, time.Hour, 600)

	f.now = t0.Add(30 * time.Hour)
	_, err := f.eng.Settle(ctx, "settler", p.ID, true)
	require.NoError(t, err)
	before := f.balances(t)

	_, err = f.eng.Settle(ctx, "settler", p.ID, true)
	assert.ErrorIs(t, err, policy.ErrAlreadySettled)
	_, err = f.eng.Settle(ctx, "settler", p.ID, false)
	assert.ErrorIs(t, err, policy.ErrAlreadySettled)
	_, err = f.eng.Resolve(ctx, p.ID)
	assert.ErrorIs(t, err, policy.ErrAlreadySettled)

	assert.Equal(t, before, f.balances(t))
}

func TestSettleGuards(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "")
	p := f.issue(t, threeShareV1())
	f.read(t, time.Hour, 600)

	_, err := f.eng.Settle(ctx, "alice", p.ID, true)
	assert.ErrorIs(t, err, ErrUnauthorized)

	f.now = t0.Add(2 * time.Hour)
	_, err = f.eng.Settle(ctx, "settler", p.ID, true)
	assert.ErrorIs(t, err, policy.ErrCoverageNotEnded, "v1 has no early trigger")

	_, err = f.eng.Settle(ctx, "settler", model.H128{7}, true)
	assert.ErrorIs(t, err, policy.ErrPolicyNotFound)

	_, err = f.eng.Result(ctx, p.ID)
	assert.ErrorIs(t, err, ErrSettlementAbsent)
}

func TestEarlyTriggerAndMaturityAreExclusive(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "")
	p := f.issue(t, quote.Request{
		MarketID:      "m1",
		Version:       model.V2,
		CoverageStart: t0,
		CoverageEnd:   t0.Add(72 * time.Hour),
		Shares:        2,
		EarlyTrigger:  true,
	})
	waiting := f.issue(t, quote.Request{
		MarketID:      "m1",
		Version:       model.V2,
		CoverageStart: t0,
		CoverageEnd:   t0.Add(72 * time.Hour),
		Shares:        1,
	})

	f.read(t, time.Hour, 200)
	f.now = t0.Add(2 * time.Hour)
	_, err := f.eng.Settle(ctx, "settler", p.ID, true)
	assert.ErrorIs(t, err, policy.ErrCoverageNotEnded, "strike not reached yet")

	settled, err := f.eng.SweepEarlyTriggers(ctx)
	require.NoError(t, err)
	assert.Empty(t, settled)

	f.read(t, 3*time.Hour, 300)
	f.now = t0.Add(4 * time.Hour)
	_, err = f.eng.Settle(ctx, "settler", p.ID, false)
	assert.ErrorIs(t, err, policy.ErrCoverageNotEnded, "early settlement must report the event")

	settled, err = f.eng.SweepEarlyTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, settled, 1, "only the early-trigger policy")
	assert.Equal(t, p.ID, settled[0].PolicyID)
	assert.True(t, settled[0].Early)
	assert.True(t, settled[0].PayoutToHolder.Equal(d(200)))

	f.now = t0.Add(72 * time.Hour)
	matured, err := f.eng.ResolveMatured(ctx)
	require.NoError(t, err)
	require.Len(t, matured, 1)
	assert.Equal(t, waiting.ID, matured[0].PolicyID)
	assert.True(t, matured[0].EventOccurred)
	assert.False(t, matured[0].Early)

	_, err = f.eng.Resolve(ctx, p.ID)
	assert.ErrorIs(t, err, policy.ErrAlreadySettled)
}

func TestV3ProRataFollowsCurrentHolders(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "")

	r, err := f.p2p.CreateRequest(ctx, "alice", p2p.Terms{
		MarketID:        "m1",
		TotalShares:     10,
		PremiumPerShare: d(5),
		CoverageStart:   t0.Add(time.Hour),
		CoverageEnd:     t0.Add(49 * time.Hour),
		Expiry:          t0.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = f.p2p.AcceptRequest(ctx, "u1", r.ID, 4)
	require.NoError(t, err)
	_, err = f.p2p.AcceptRequest(ctx, "u2", r.ID, 3)
	require.NoError(t, err)

	f.now = t0.Add(time.Hour)
	closed, err := f.p2p.Expire(ctx, r.ID)
	require.NoError(t, err)

	// u1 sells one share to u3 and leaves an ask resting.
	ask, err := f.ob.Place(ctx, "u1", r.ID, model.SideAsk, d(60), 2)
	require.NoError(t, err)
	_, err = f.ob.Fill(ctx, "u3", ask.ID, 1)
	require.NoError(t, err)

	total, err := f.led.Total(ctx)
	require.NoError(t, err)

	f.now = t0.Add(49 * time.Hour)
	res, err := f.eng.Resolve(ctx, closed.PolicyID)
	require.NoError(t, err)
	assert.False(t, res.EventOccurred)
	assert.True(t, res.ReturnedToPool.Equal(d(735)))

	want := map[string]string{"u1": "315", "u2": "315", "u3": "105"}
	require.Len(t, res.Distributions, 3)
	for _, dist := range res.Distributions {
		assert.True(t, dist.Amount.Equal(decimal.RequireFromString(want[dist.Holder])), "%s got %s", dist.Holder, dist.Amount)
	}
	assert.True(t, f.balance(t, "u1").Equal(d(600+60+315)))
	assert.True(t, f.balance(t, "u3").Equal(d(1000-60+105)))

	after, err := f.led.Total(ctx)
	require.NoError(t, err)
	assert.True(t, total.Equal(after))

	depth, err := f.ob.Depth(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, depth.Asks, "resting ask cancelled at settlement")

	req, err := f.p2p.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestSettled, req.Status)
}

func TestShortfallUsesBackstop(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "backstop")
	_, err := f.led.Deposit(ctx, "treasury", "backstop", d(50))
	require.NoError(t, err)
	p := f.issue(t, threeShareV1())
	f.read(t, time.Hour, 500)

	// An external strategy loss drains 100 from the pool.
	require.NoError(t, f.st.Atomic(ctx, func(tx store.Tx) error {
		return ledger.On(tx).Debit(ctx, model.PoolAccount(p.ID), d(100))
	}))

	f.now = t0.Add(24 * time.Hour)
	res, err := f.eng.Settle(ctx, "settler", p.ID, true)
	require.NoError(t, err)
	assert.True(t, res.PayoutToHolder.Equal(d(280)))
	assert.True(t, res.BackstopCovered.Equal(d(50)))
	assert.True(t, res.Shortfall.Equal(d(20)))
	assert.True(t, res.ReturnedToPool.IsZero())
	assert.True(t, f.balance(t, "backstop").IsZero())
	assert.True(t, f.balance(t, "alice").Equal(d(970+280)))
	assert.True(t, f.balance(t, model.PoolAccount(p.ID)).IsZero())
}

func TestProRataAssignsDustToLastHolder(t *testing.T) {
	holdings := []model.Holding{
		{Holder: "a", Free: 1},
		{Holder: "b", Locked: 1},
		{Holder: "c", Free: 1},
	}
	got := ProRata(d(100), holdings, 3)
	require.Len(t, got, 3)
	assert.Equal(t, "33.33333333", got[0].Amount.String())
	assert.Equal(t, "33.33333333", got[1].Amount.String())
	assert.Equal(t, "33.33333334", got[2].Amount.String())

	sum := decimal.Zero
	for _, dist := range got {
		sum = sum.Add(dist.Amount)
	}
	assert.True(t, sum.Equal(d(100)))

	assert.Nil(t, ProRata(d(1), nil, 0))
}

func TestProRataOrderIsIndependentOfInput(t *testing.T) {
	holdings := []model.Holding{
		{Holder: "alice", Free: 1},
		{Holder: "Zed", Free: 1},
		{Holder: "bob", Free: 1},
	}
	got := ProRata(d(100), holdings, 3)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"Zed", "alice", "bob"}, []string{got[0].Holder, got[1].Holder, got[2].Holder})
	assert.Equal(t, "33.33333334", got[2].Amount.String())
	assert.Equal(t, "alice", holdings[0].Holder)
}
