package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/parametric-engine/internal/model"
	"github.com/atmx/parametric-engine/internal/store"
)

var (
	t0   = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	pool = model.H128{1, 2, 3}
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func atomic(t *testing.T, st store.Store, fn func(b Book) error) error {
	t.Helper()
	return st.Atomic(context.Background(), func(tx store.Tx) error { return fn(On(tx)) })
}

func TestDepositRequiresTreasurer(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore(), []string{"treasury"})

	_, err := l.Deposit(ctx, "alice", "alice", d(10))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = l.Deposit(ctx, "treasury", model.PoolAccount(pool), d(10))
	assert.ErrorIs(t, err, ErrUnauthorized)

	bal, err := l.Deposit(ctx, "treasury", "alice", d(10))
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(10)))
}

func TestWithdrawOwnAccountOnly(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore(), []string{"treasury"})
	_, err := l.Deposit(ctx, "treasury", "alice", d(10))
	require.NoError(t, err)

	_, err = l.Withdraw(ctx, "bob", "alice", d(1))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = l.Withdraw(ctx, "alice", "alice", d(11))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	bal, err := l.Withdraw(ctx, "alice", "alice", d(4))
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(6)))
}

func TestTransferIsAtomicWithinTransaction(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := New(st, []string{"treasury"})
	_, err := l.Deposit(ctx, "treasury", "alice", d(10))
	require.NoError(t, err)

	// First leg succeeds, second fails: neither may stick.
	err = atomic(t, st, func(b Book) error {
		if err := b.Transfer(ctx, "alice", "bob", d(6)); err != nil {
			return err
		}
		return b.Transfer(ctx, "alice", "carol", d(6))
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	alice, _ := l.Balance(ctx, "alice")
	bob, _ := l.Balance(ctx, "bob")
	assert.True(t, alice.Equal(d(10)))
	assert.True(t, bob.IsZero())
}

func TestMintOnlyOnce(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, atomic(t, st, func(b Book) error { return b.Mint(ctx, pool, "lp", 3, t0) }))
	err := atomic(t, st, func(b Book) error { return b.Mint(ctx, pool, "lp", 3, t0) })
	assert.ErrorIs(t, err, ErrAlreadyMinted)

	err = atomic(t, st, func(b Book) error { return b.MintTranche(ctx, pool, "lp", 1, 10, t0) })
	assert.ErrorIs(t, err, ErrAlreadyMinted)

	require.NoError(t, atomic(t, st, func(b Book) error { return b.AuditPool(ctx, pool) }))
}

func TestMintTrancheCapAndSeal(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, atomic(t, st, func(b Book) error { return b.MintTranche(ctx, pool, "u1", 4, 10, t0) }))
	require.NoError(t, atomic(t, st, func(b Book) error { return b.MintTranche(ctx, pool, "u2", 3, 10, t0) }))

	err := atomic(t, st, func(b Book) error { return b.MintTranche(ctx, pool, "u3", 4, 10, t0) })
	assert.ErrorIs(t, err, ErrMintCapExceeded)

	require.NoError(t, atomic(t, st, func(b Book) error { return b.Seal(ctx, pool) }))
	err = atomic(t, st, func(b Book) error { return b.MintTranche(ctx, pool, "u3", 1, 10, t0) })
	assert.ErrorIs(t, err, ErrAlreadyMinted)

	require.NoError(t, atomic(t, st, func(b Book) error {
		p, err := b.Pool(ctx, pool)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(7), p.TotalShares)
		return b.AuditPool(ctx, pool)
	}))
}

func TestLockTransferConservesShares(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, atomic(t, st, func(b Book) error { return b.Mint(ctx, pool, "a", 10, t0) }))

	require.NoError(t, atomic(t, st, func(b Book) error {
		if err := b.Lock(ctx, pool, "a", 4); err != nil {
			return err
		}
		if err := b.TransferLocked(ctx, pool, "a", "b", 3); err != nil {
			return err
		}
		if err := b.Unlock(ctx, pool, "a", 1); err != nil {
			return err
		}
		return b.TransferShares(ctx, pool, "b", "c", 2)
	}))

	err := atomic(t, st, func(b Book) error { return b.TransferShares(ctx, pool, "b", "c", 2) })
	assert.ErrorIs(t, err, ErrInsufficientShares)
	err = atomic(t, st, func(b Book) error { return b.Lock(ctx, pool, "c", 3) })
	assert.ErrorIs(t, err, ErrInsufficientShares)

	require.NoError(t, atomic(t, st, func(b Book) error {
		hs, err := b.Holdings(ctx, pool)
		if err != nil {
			return err
		}
		got := map[string]int64{}
		for _, h := range hs {
			got[h.Holder] = h.Total()
		}
		assert.Equal(t, map[string]int64{"a": 7, "b": 1, "c": 2}, got)
		return b.AuditPool(ctx, pool)
	}))
}

func TestBurnAllIsTerminal(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, atomic(t, st, func(b Book) error {
		if err := b.Mint(ctx, pool, "a", 5, t0); err != nil {
			return err
		}
		return b.TransferShares(ctx, pool, "a", "b", 2)
	}))

	var burned []model.Holding
	require.NoError(t, atomic(t, st, func(b Book) error {
		var err error
		burned, err = b.BurnAll(ctx, pool)
		return err
	}))
	require.Len(t, burned, 2)
	assert.Equal(t, "a", burned[0].Holder)
	assert.Equal(t, int64(3), burned[0].Free)

	for name, op := range map[string]func(b Book) error{
		"burn":     func(b Book) error { _, err := b.BurnAll(ctx, pool); return err },
		"lock":     func(b Book) error { return b.Lock(ctx, pool, "a", 1) },
		"transfer": func(b Book) error { return b.TransferShares(ctx, pool, "a", "b", 1) },
		"tranche":  func(b Book) error { return b.MintTranche(ctx, pool, "a", 1, 100, t0) },
	} {
		err := atomic(t, st, op)
		if !errors.Is(err, ErrPoolBurned) && !errors.Is(err, ErrAlreadyMinted) {
			t.Errorf("%s after burn: got %v", name, err)
		}
	}

	require.NoError(t, atomic(t, st, func(b Book) error {
		hs, err := b.Holdings(ctx, pool)
		assert.Empty(t, hs)
		if err != nil {
			return err
		}
		return b.AuditPool(ctx, pool)
	}))
}

func TestTotalTracksOnlyExternalFlows(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := New(st, []string{"treasury"})
	_, err := l.Deposit(ctx, "treasury", "alice", d(100))
	require.NoError(t, err)

	require.NoError(t, atomic(t, st, func(b Book) error {
		if err := b.Transfer(ctx, "alice", model.PoolAccount(pool), d(40)); err != nil {
			return err
		}
		return b.Transfer(ctx, model.PoolAccount(pool), "bob", d(15.5))
	}))

	total, err := l.Total(ctx)
	require.NoError(t, err)
	assert.True(t, total.Equal(d(100)), "total %s", total)
}
