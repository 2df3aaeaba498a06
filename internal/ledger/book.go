// Package ledger moves cash between accounts and tracks the LP shares of
// capital pools.
//
// Book operates inside a caller's transaction so that a settlement or an
// acceptance composes many ledger steps into one atomic unit. Ledger wraps
// the user-facing cash operations in their own transactions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/parametric-engine/internal/model"
	"github.com/atmx/parametric-engine/internal/store"
)

var (
	ErrUnauthorized        = errors.New("ledger: caller lacks capability")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInsufficientShares  = errors.New("ledger: insufficient free shares")
	ErrPoolNotFound        = errors.New("ledger: pool not found")
	ErrPoolBurned          = errors.New("ledger: pool already burned")
	ErrAlreadyMinted       = errors.New("ledger: pool already minted")
	ErrMintCapExceeded     = errors.New("ledger: mint would exceed pool cap")
)

// Book is the ledger view of one transaction.
type Book struct {
	tx store.Tx
}

// On returns the ledger view of tx.
func On(tx store.Tx) Book {
	return Book{tx: tx}
}

// --- Cash ---

// Balance returns the cash balance of account.
func (b Book) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	return b.tx.GetBalance(ctx, account)
}

// Credit adds amount to account. Only treasury deposits and backstop top-ups
// create cash; every other movement is a Transfer.
func (b Book) Credit(ctx context.Context, account string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	bal, err := b.tx.GetBalance(ctx, account)
	if err != nil {
		return err
	}
	return b.tx.PutBalance(ctx, account, bal.Add(amount))
}

// Debit removes amount from account, failing if the balance is short.
func (b Book) Debit(ctx context.Context, account string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	bal, err := b.tx.GetBalance(ctx, account)
	if err != nil {
		return err
	}
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, account, bal, amount)
	}
	return b.tx.PutBalance(ctx, account, bal.Sub(amount))
}

// Transfer moves amount from one account to another. A zero amount is a
// no-op so callers can pass computed remainders unchecked.
func (b Book) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if from == to {
		return nil
	}
	if err := b.Debit(ctx, from, amount); err != nil {
		return err
	}
	return b.Credit(ctx, to, amount)
}

// IsSystemAccount reports whether account is a derived pool, escrow or bid
// account that no user may move funds out of directly.
func IsSystemAccount(account string) bool {
	return strings.HasPrefix(account, "pool:") ||
		strings.HasPrefix(account, "escrow:") ||
		strings.HasPrefix(account, "bids:")
}

// RequireUser rejects an empty account or a system account acting as the
// caller of an operation that moves its funds or shares.
func RequireUser(account string) error {
	if account == "" || IsSystemAccount(account) {
		return fmt.Errorf("%w: %q may not act as a caller", ErrUnauthorized, account)
	}
	return nil
}

// --- Capital pools ---

// Mint creates poolID with shares credited to holder and seals it. A pool is
// minted exactly once.
func (b Book) Mint(ctx context.Context, poolID model.H128, holder string, shares int64, at time.Time) error {
	if shares <= 0 {
		return fmt.Errorf("%w: %d shares", ErrInvalidAmount, shares)
	}
	if _, err := b.tx.GetPool(ctx, poolID); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyMinted, poolID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if err := b.tx.PutPool(ctx, &model.Pool{ID: poolID, TotalShares: shares, Sealed: true, CreatedAt: at}); err != nil {
		return err
	}
	return b.tx.PutHolding(ctx, &model.Holding{PoolID: poolID, Holder: holder, Free: shares})
}

// MintTranche adds shares for holder to an unsealed pool, creating it on
// first use. The pool total never exceeds limit.
func (b Book) MintTranche(ctx context.Context, poolID model.H128, holder string, shares, limit int64, at time.Time) error {
	if shares <= 0 {
		return fmt.Errorf("%w: %d shares", ErrInvalidAmount, shares)
	}
	pool, err := b.tx.GetPool(ctx, poolID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		pool = &model.Pool{ID: poolID, CreatedAt: at}
	case err != nil:
		return err
	case pool.Burned:
		return fmt.Errorf("%w: %s", ErrPoolBurned, poolID)
	case pool.Sealed:
		return fmt.Errorf("%w: %s is sealed", ErrAlreadyMinted, poolID)
	}
	if pool.TotalShares+shares > limit {
		return fmt.Errorf("%w: %d + %d > %d", ErrMintCapExceeded, pool.TotalShares, shares, limit)
	}

	h, err := b.tx.GetHolding(ctx, poolID, holder)
	if err != nil {
		return err
	}
	h.Free += shares
	pool.TotalShares += shares
	if err := b.tx.PutPool(ctx, pool); err != nil {
		return err
	}
	return b.tx.PutHolding(ctx, h)
}

// Seal closes a pool to further minting. Sealing twice is a no-op.
func (b Book) Seal(ctx context.Context, poolID model.H128) error {
	pool, err := b.livePool(ctx, poolID)
	if err != nil {
		return err
	}
	if pool.Sealed {
		return nil
	}
	pool.Sealed = true
	return b.tx.PutPool(ctx, pool)
}

// Pool returns the share register header of poolID.
func (b Book) Pool(ctx context.Context, poolID model.H128) (*model.Pool, error) {
	pool, err := b.tx.GetPool(ctx, poolID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}
	return pool, err
}

func (b Book) livePool(ctx context.Context, poolID model.H128) (*model.Pool, error) {
	pool, err := b.Pool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.Burned {
		return nil, fmt.Errorf("%w: %s", ErrPoolBurned, poolID)
	}
	return pool, nil
}

// Lock moves shares from holder's free to locked balance.
func (b Book) Lock(ctx context.Context, poolID model.H128, holder string, shares int64) error {
	return b.moveOwn(ctx, poolID, holder, shares, true)
}

// Unlock moves shares from holder's locked back to free balance.
func (b Book) Unlock(ctx context.Context, poolID model.H128, holder string, shares int64) error {
	return b.moveOwn(ctx, poolID, holder, shares, false)
}

func (b Book) moveOwn(ctx context.Context, poolID model.H128, holder string, shares int64, lock bool) error {
	if shares <= 0 {
		return fmt.Errorf("%w: %d shares", ErrInvalidAmount, shares)
	}
	if _, err := b.livePool(ctx, poolID); err != nil {
		return err
	}
	h, err := b.tx.GetHolding(ctx, poolID, holder)
	if err != nil {
		return err
	}
	if lock {
		if h.Free < shares {
			return fmt.Errorf("%w: %s has %d free, needs %d", ErrInsufficientShares, holder, h.Free, shares)
		}
		h.Free -= shares
		h.Locked += shares
	} else {
		if h.Locked < shares {
			return fmt.Errorf("%w: %s has %d locked, needs %d", ErrInsufficientShares, holder, h.Locked, shares)
		}
		h.Locked -= shares
		h.Free += shares
	}
	return b.tx.PutHolding(ctx, h)
}

// TransferShares moves free shares between holders.
func (b Book) TransferShares(ctx context.Context, poolID model.H128, from, to string, shares int64) error {
	return b.transfer(ctx, poolID, from, to, shares, false)
}

// TransferLocked moves shares out of from's locked balance into to's free
// balance. Order fills use it so that an ask's reservation is consumed.
func (b Book) TransferLocked(ctx context.Context, poolID model.H128, from, to string, shares int64) error {
	return b.transfer(ctx, poolID, from, to, shares, true)
}

func (b Book) transfer(ctx context.Context, poolID model.H128, from, to string, shares int64, locked bool) error {
	if shares <= 0 {
		return fmt.Errorf("%w: %d shares", ErrInvalidAmount, shares)
	}
	if _, err := b.livePool(ctx, poolID); err != nil {
		return err
	}
	src, err := b.tx.GetHolding(ctx, poolID, from)
	if err != nil {
		return err
	}
	if locked {
		if src.Locked < shares {
			return fmt.Errorf("%w: %s has %d locked, needs %d", ErrInsufficientShares, from, src.Locked, shares)
		}
		src.Locked -= shares
	} else {
		if src.Free < shares {
			return fmt.Errorf("%w: %s has %d free, needs %d", ErrInsufficientShares, from, src.Free, shares)
		}
		src.Free -= shares
	}
	if err := b.tx.PutHolding(ctx, src); err != nil {
		return err
	}

	dst, err := b.tx.GetHolding(ctx, poolID, to)
	if err != nil {
		return err
	}
	dst.Free += shares
	return b.tx.PutHolding(ctx, dst)
}

// Holdings returns the non-zero holdings of poolID sorted by holder.
func (b Book) Holdings(ctx context.Context, poolID model.H128) ([]model.Holding, error) {
	return b.tx.ListHoldings(ctx, poolID)
}

// BurnAll zeroes every holding of poolID and marks it burned. It returns the
// holdings as they were immediately before the burn.
func (b Book) BurnAll(ctx context.Context, poolID model.H128) ([]model.Holding, error) {
	pool, err := b.livePool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	holdings, err := b.tx.ListHoldings(ctx, poolID)
	if err != nil {
		return nil, err
	}
	for _, h := range holdings {
		if err := b.tx.PutHolding(ctx, &model.Holding{PoolID: poolID, Holder: h.Holder}); err != nil {
			return nil, err
		}
	}
	pool.Burned = true
	pool.Sealed = true
	if err := b.tx.PutPool(ctx, pool); err != nil {
		return nil, err
	}
	return holdings, nil
}

// AuditPool checks that the holdings of poolID add up to its minted total.
func (b Book) AuditPool(ctx context.Context, poolID model.H128) error {
	pool, err := b.Pool(ctx, poolID)
	if err != nil {
		return err
	}
	holdings, err := b.tx.ListHoldings(ctx, poolID)
	if err != nil {
		return err
	}
	var sum int64
	for _, h := range holdings {
		sum += h.Total()
	}
	want := pool.TotalShares
	if pool.Burned {
		want = 0
	}
	if sum != want {
		return fmt.Errorf("ledger: pool %s holdings sum to %d, expected %d", poolID, sum, want)
	}
	return nil
}
