package orderbook

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/parametric-engine/internal/ledger"
	"github.com/atmx/parametric-engine/internal/model"
	"github.com/atmx/parametric-engine/internal/store"
)

var (
	t0   = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	pool = model.H128{0xaa}
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type fixture struct {
	st  store.Store
	led *ledger.Ledger
	ob  *Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	f := &fixture{st: st, led: ledger.New(st, []string{"treasury"}), ob: New(st, nil, func() time.Time { return t0 })}

	require.NoError(t, st.Atomic(ctx, func(tx store.Tx) error {
		b := ledger.On(tx)
		if err := b.Mint(ctx, pool, "lp", 10, t0); err != nil {
			return err
		}
		// Pool collateral the book must never touch.
		return b.Credit(ctx, model.PoolAccount(pool), d(1000))
	}))
	for _, who := range []string{"buyer", "seller"} {
		_, err := f.led.Deposit(ctx, "treasury", who, d(100))
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) holding(t *testing.T, holder string) model.Holding {
	t.Helper()
	h, err := store.View(context.Background(), f.st, func(tx store.Tx) (*model.Holding, error) {
		return tx.GetHolding(context.Background(), pool, holder)
	})
	require.NoError(t, err)
	return *h
}

func (f *fixture) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	bal, err := f.led.Balance(context.Background(), account)
	require.NoError(t, err)
	return bal
}

func TestAskPartialFills(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	ask, err := f.ob.Place(ctx, "lp", pool, model.SideAsk, d(2.5), 6)
	require.NoError(t, err)
	assert.Equal(t, model.Holding{PoolID: pool, Holder: "lp", Free: 4, Locked: 6}, f.holding(t, "lp"))

	fill, err := f.ob.Fill(ctx, "buyer", ask.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fill.Remaining)
	assert.True(t, fill.Amount.Equal(d(10)))

	_, err = f.ob.Fill(ctx, "buyer", ask.ID, 3)
	assert.ErrorIs(t, err, ErrOverfill)

	_, err = f.ob.Fill(ctx, "buyer", ask.ID, 2)
	require.NoError(t, err)

	_, err = f.ob.Fill(ctx, "buyer", ask.ID, 1)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	assert.Equal(t, int64(6), f.holding(t, "buyer").Free)
	assert.Equal(t, model.Holding{PoolID: pool, Holder: "lp", Free: 4}, f.holding(t, "lp"))
	assert.True(t, f.balance(t, "buyer").Equal(d(85)))
	assert.True(t, f.balance(t, "lp").Equal(d(15)))
	assert.True(t, f.balance(t, model.PoolAccount(pool)).Equal(d(1000)), "pool collateral moved")
}

func TestBidEscrowAndFill(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	bid, err := f.ob.Place(ctx, "buyer", pool, model.SideBid, d(3), 5)
	require.NoError(t, err)
	assert.True(t, f.balance(t, model.BidAccount(pool)).Equal(d(15)))
	assert.True(t, f.balance(t, "buyer").Equal(d(85)))

	_, err = f.ob.Fill(ctx, "seller", bid.ID, 1)
	assert.ErrorIs(t, err, ledger.ErrInsufficientShares, "seller holds no shares")

	_, err = f.ob.Fill(ctx, "lp", bid.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.holding(t, "buyer").Free)
	assert.True(t, f.balance(t, "lp").Equal(d(6)))
	assert.True(t, f.balance(t, model.BidAccount(pool)).Equal(d(9)))

	require.NoError(t, f.ob.Cancel(ctx, "buyer", bid.ID))
	assert.True(t, f.balance(t, model.BidAccount(pool)).IsZero())
	assert.True(t, f.balance(t, "buyer").Equal(d(94)))
}

func TestSystemAccountsCannotTrade(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	ask, err := f.ob.Place(ctx, "lp", pool, model.SideAsk, d(100), 5)
	require.NoError(t, err)

	_, err = f.ob.Fill(ctx, model.PoolAccount(pool), ask.ID, 5)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = f.ob.Fill(ctx, model.BidAccount(pool), ask.ID, 1)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = f.ob.Place(ctx, model.PoolAccount(pool), pool, model.SideBid, d(1), 1)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	assert.True(t, f.balance(t, model.PoolAccount(pool)).Equal(d(1000)))
	assert.True(t, f.balance(t, "lp").IsZero())
	assert.Equal(t, int64(5), f.holding(t, "lp").Locked)
}

func TestPlaceRejections(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.ob.Place(ctx, "lp", pool, model.SideAsk, d(0), 1)
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = f.ob.Place(ctx, "lp", pool, model.SideAsk, d(1), 0)
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = f.ob.Place(ctx, "lp", pool, model.OrderSide("swap"), d(1), 1)
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = f.ob.Place(ctx, "lp", pool, model.SideAsk, d(1), 11)
	assert.ErrorIs(t, err, ledger.ErrInsufficientShares)
	_, err = f.ob.Place(ctx, "buyer", pool, model.SideBid, d(50), 3)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	_, err = f.ob.Place(ctx, "lp", model.H128{0xbb}, model.SideAsk, d(1), 1)
	assert.ErrorIs(t, err, ledger.ErrPoolNotFound)

	ask, err := f.ob.Place(ctx, "lp", pool, model.SideAsk, d(1), 1)
	require.NoError(t, err)
	_, err = f.ob.Fill(ctx, "lp", ask.ID, 1)
	assert.ErrorIs(t, err, ErrSelfTrade)
	assert.ErrorIs(t, f.ob.Cancel(ctx, "buyer", ask.ID), ErrNotOrderOwner)
}

func TestDepthAggregatesLevels(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	for _, p := range []struct {
		owner string
		side  model.OrderSide
		price string
		qty   int64
	}{
		{"lp", model.SideAsk, "2.0", 2},
		{"lp", model.SideAsk, "1.5", 1},
		{"lp", model.SideAsk, "2", 3},
		{"buyer", model.SideBid, "1", 4},
		{"buyer", model.SideBid, "1.2", 1},
	} {
		_, err := f.ob.Place(ctx, p.owner, pool, p.side, decimal.RequireFromString(p.price), p.qty)
		require.NoError(t, err)
	}

	depth, err := f.ob.Depth(ctx, pool)
	require.NoError(t, err)
	require.Len(t, depth.Asks, 2)
	assert.True(t, depth.Asks[0].Price.Equal(d(1.5)))
	assert.Equal(t, Level{Price: depth.Asks[1].Price, Quantity: 5, Orders: 2}, depth.Asks[1])
	require.Len(t, depth.Bids, 2)
	assert.True(t, depth.Bids[0].Price.Equal(d(1.2)))
}

func TestCancelAllReleasesEverything(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.ob.Place(ctx, "lp", pool, model.SideAsk, d(2), 4)
	require.NoError(t, err)
	_, err = f.ob.Place(ctx, "buyer", pool, model.SideBid, d(1), 7)
	require.NoError(t, err)

	var n int
	require.NoError(t, f.st.Atomic(ctx, func(tx store.Tx) error {
		var err error
		n, err = CancelAll(ctx, tx, pool)
		return err
	}))
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(10), f.holding(t, "lp").Free)
	assert.True(t, f.balance(t, "buyer").Equal(d(100)))
	assert.True(t, f.balance(t, model.BidAccount(pool)).IsZero())

	depth, err := f.ob.Depth(ctx, pool)
	require.NoError(t, err)
	assert.Empty(t, depth.Asks)
	assert.Empty(t, depth.Bids)
}
