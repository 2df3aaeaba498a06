package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/parametric-engine/internal/model"
	"github.com/atmx/parametric-engine/internal/store"
)

// Ledger exposes the cash account operations callers reach directly.
type Ledger struct {
	st         store.Store
	treasurers map[string]bool
}

// New creates a ledger. Treasurers may credit external funds to any user
// account.
func New(st store.Store, treasurers []string) *Ledger {
	set := make(map[string]bool, len(treasurers))
	for _, t := range treasurers {
		set[t] = true
	}
	return &Ledger{st: st, treasurers: set}
}

// Deposit credits external funds to account.
func (l *Ledger) Deposit(ctx context.Context, caller, account string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !l.treasurers[caller] {
		return decimal.Zero, fmt.Errorf("%w: %s may not deposit", ErrUnauthorized, caller)
	}
	if IsSystemAccount(account) {
		return decimal.Zero, fmt.Errorf("%w: %s is a system account", ErrUnauthorized, account)
	}

	var bal decimal.Decimal
	err := l.st.Atomic(ctx, func(tx store.Tx) error {
		b := On(tx)
		if err := b.Credit(ctx, account, amount); err != nil {
			return err
		}
		var err error
		bal, err = b.Balance(ctx, account)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	slog.Info("deposit", "account", account, "amount", amount.String(), "by", caller)
	return bal, nil
}

// Withdraw removes funds from the caller's own account.
func (l *Ledger) Withdraw(ctx context.Context, caller, account string, amount decimal.Decimal) (decimal.Decimal, error) {
	if caller != account || IsSystemAccount(account) {
		return decimal.Zero, fmt.Errorf("%w: %s may not withdraw from %s", ErrUnauthorized, caller, account)
	}

	var bal decimal.Decimal
	err := l.st.Atomic(ctx, func(tx store.Tx) error {
		b := On(tx)
		if err := b.Debit(ctx, account, amount); err != nil {
			return err
		}
		var err error
		bal, err = b.Balance(ctx, account)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	slog.Info("withdrawal", "account", account, "amount", amount.String())
	return bal, nil
}

// Balance returns the cash balance of account.
func (l *Ledger) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	return store.View(ctx, l.st, func(tx store.Tx) (decimal.Decimal, error) {
		return On(tx).Balance(ctx, account)
	})
}

// PoolView is a pool register with its holdings and cash balance.
type PoolView struct {
	Pool     model.Pool      `json:"pool"`
	Balance  decimal.Decimal `json:"balance"`
	Holdings []model.Holding `json:"holdings"`
}

// Pool returns the register, holdings and balance of poolID.
func (l *Ledger) Pool(ctx context.Context, poolID model.H128) (*PoolView, error) {
	return store.View(ctx, l.st, func(tx store.Tx) (*PoolView, error) {
		b := On(tx)
		pool, err := b.Pool(ctx, poolID)
		if err != nil {
			return nil, err
		}
		holdings, err := b.Holdings(ctx, poolID)
		if err != nil {
			return nil, err
		}
		bal, err := b.Balance(ctx, model.PoolAccount(poolID))
		if err != nil {
			return nil, err
		}
		return &PoolView{Pool: *pool, Balance: bal, Holdings: holdings}, nil
	})
}

// Total sums every cash balance, system accounts included. Internal
// movements never change it; only deposits, withdrawals and backstop
// top-ups do.
func (l *Ledger) Total(ctx context.Context) (decimal.Decimal, error) {
	return store.View(ctx, l.st, func(tx store.Tx) (decimal.Decimal, error) {
		balances, err := tx.ListBalances(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		sum := decimal.Zero
		for _, v := range balances {
			sum = sum.Add(v)
		}
		return sum, nil
	})
}
