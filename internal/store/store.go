// Package store defines the persistence interface for the cover engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every state-mutating operation runs inside a single Atomic call: either
// all of its writes become visible or none do.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/parametric-engine/internal/model"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a create collides with an existing key
	// or a conditional update finds the record in an unexpected state.
	ErrConflict = errors.New("store: conflict")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Atomic runs fn against a transactional view. If fn returns an error
	// every write made through tx is discarded.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the keyed view of all persisted state.
type Tx interface {
	// --- Markets ---

	// CreateMarket persists a new market. Duplicate IDs or keys conflict.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Readings, keyed by (market_id, timestamp) ---

	// GetReading returns the reading stored under the key.
	GetReading(ctx context.Context, marketID string, ts time.Time) (*model.Reading, error)

	// PutReading upserts a reading under its key.
	PutReading(ctx context.Context, r *model.Reading) error

	// ListReadings returns readings with from <= timestamp <= to.
	ListReadings(ctx context.Context, marketID string, from, to time.Time) ([]model.Reading, error)

	// --- Identifier nonces ---

	// NextNonce returns a strictly increasing counter per namespace,
	// starting at 1.
	NextNonce(ctx context.Context, namespace string) (uint64, error)

	// --- Quotes ---

	CreateQuote(ctx context.Context, q *model.Quote) error
	GetQuote(ctx context.Context, id string) (*model.Quote, error)
	UpdateQuote(ctx context.Context, q *model.Quote) error

	// --- Policies, keyed by H128 with a version discriminant ---

	CreatePolicy(ctx context.Context, p *model.Policy) error
	GetPolicy(ctx context.Context, id model.H128) (*model.Policy, error)

	// MarkPolicySettled moves an active policy to settled. It fails with
	// ErrConflict when the stored policy is not active.
	MarkPolicySettled(ctx context.Context, id model.H128, at time.Time) error

	// ListPolicies returns policies in the given status.
	ListPolicies(ctx context.Context, status model.PolicyStatus) ([]model.Policy, error)

	// --- Underwrite requests (V3) ---

	CreateRequest(ctx context.Context, r *model.UnderwriteRequest) error
	GetRequest(ctx context.Context, id model.H128) (*model.UnderwriteRequest, error)
	UpdateRequest(ctx context.Context, r *model.UnderwriteRequest) error
	ListRequests(ctx context.Context, statuses ...model.RequestStatus) ([]model.UnderwriteRequest, error)

	// --- Settlement results (write once) ---

	// InsertSettlement stores the result; a second insert for the same
	// policy fails with ErrConflict.
	InsertSettlement(ctx context.Context, r *model.SettlementResult) error
	GetSettlement(ctx context.Context, policyID model.H128) (*model.SettlementResult, error)

	// --- Cash balances ---

	// GetBalance returns zero for unknown accounts.
	GetBalance(ctx context.Context, account string) (decimal.Decimal, error)
	PutBalance(ctx context.Context, account string, amount decimal.Decimal) error

	// ListBalances returns every non-zero balance.
	ListBalances(ctx context.Context) (map[string]decimal.Decimal, error)

	// --- Capital pools and holdings, keyed by (pool_id, holder) ---

	GetPool(ctx context.Context, id model.H128) (*model.Pool, error)
	PutPool(ctx context.Context, p *model.Pool) error

	// GetHolding returns a zero holding for unknown holders.
	GetHolding(ctx context.Context, poolID model.H128, holder string) (*model.Holding, error)

	// PutHolding upserts a holding; a zero holding is deleted.
	PutHolding(ctx context.Context, h *model.Holding) error

	// ListHoldings returns non-zero holdings sorted by holder.
	ListHoldings(ctx context.Context, poolID model.H128) ([]model.Holding, error)

	// --- Orders ---

	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	UpdateOrder(ctx context.Context, o *model.Order) error
	DeleteOrder(ctx context.Context, id string) error

	// ListOrders returns resting orders on a pool, oldest first.
	ListOrders(ctx context.Context, poolID model.H128) ([]model.Order, error)
}

// View runs a read-only fn inside Atomic and returns its value.
func View[T any](ctx context.Context, st Store, fn func(tx Tx) (T, error)) (T, error) {
	var out T
	err := st.Atomic(ctx, func(tx Tx) error {
		v, err := fn(tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
