// Package model defines the core domain types shared across the cover engine.
// All monetary values use shopspring/decimal; never float64 for money.
// Rainfall readings and strikes are unsigned integers in tenths of the
// market unit (tenths of a millimetre for PRECIP markets).
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market is an immutable weather-data binding for one H3 cell. Readings and
// policies reference it by ID.
type Market struct {
	ID             string          `json:"id" db:"id"`
	Key            string          `json:"key" db:"key"` // ATMX-{h3}-{type}-{threshold}
	H3CellID       string          `json:"h3_cell_id" db:"h3_cell_id"`
	Type           string          `json:"type" db:"type"`
	Latitude       float64         `json:"latitude" db:"latitude"`
	Longitude      float64         `json:"longitude" db:"longitude"`
	DefaultStrike  uint64          `json:"default_strike" db:"default_strike"`
	PayoutPerShare decimal.Decimal `json:"payout_per_share" db:"payout_per_share"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Reading is one oracle observation. The pair (MarketID, Timestamp) is the
// key; re-submitting the same key replaces the value instead of appending.
type Reading struct {
	MarketID  string    `json:"market_id" db:"market_id"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
	Value     uint64    `json:"value" db:"value"`
	Reporter  string    `json:"reporter" db:"reporter"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// QuoteStatus tracks a quote from request to consumption.
type QuoteStatus string

const (
	QuoteRequested QuoteStatus = "requested"
	QuoteQuoted    QuoteStatus = "quoted"
	QuoteConsumed  QuoteStatus = "consumed"
)

// Quote is a binding premium offer for V1/V2 cover. It is consumed exactly
// once by policy issuance and immutable afterwards.
type Quote struct {
	ID             string          `json:"id"`
	Requester      string          `json:"requester"`
	MarketID       string          `json:"market_id"`
	Version        Version         `json:"version"`
	CoverageStart  time.Time       `json:"coverage_start"`
	CoverageEnd    time.Time       `json:"coverage_end"`
	Shares         int64           `json:"shares"`
	StrikeOverride *uint64         `json:"strike_override,omitempty"`
	EarlyTrigger   bool            `json:"early_trigger"`
	Probability    decimal.Decimal `json:"probability"`
	Premium        decimal.Decimal `json:"premium"`
	Status         QuoteStatus     `json:"status"`
	Expiry         time.Time       `json:"expiry"`
	PolicyID       H128            `json:"policy_id"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PolicyStatus is the lifecycle state of an issued policy. The Quoted state
// lives on Quote; a Policy only exists once Active.
type PolicyStatus string

const (
	PolicyActive  PolicyStatus = "active"
	PolicySettled PolicyStatus = "settled"
)

// Policy is issued cover. ID is unique across all versions. PoolID names the
// capital pool backing it: the policy ID itself for V1/V2 and the
// underwrite request ID for V3.
type Policy struct {
	ID             H128            `json:"id"`
	Version        Version         `json:"version"`
	MarketID       string          `json:"market_id"`
	Holder         string          `json:"holder"`
	Shares         int64           `json:"shares"`
	PayoutPerShare decimal.Decimal `json:"payout_per_share"`
	MaxPayout      decimal.Decimal `json:"max_payout"`
	PremiumPaid    decimal.Decimal `json:"premium_paid"`
	CoverageStart  time.Time       `json:"coverage_start"`
	CoverageEnd    time.Time       `json:"coverage_end"`
	Strike         uint64          `json:"strike"`
	EarlyTrigger   bool            `json:"early_trigger"`
	Status         PolicyStatus    `json:"status"`
	PoolID         H128            `json:"pool_id"`
	QuoteID        string          `json:"quote_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	SettledAt      *time.Time      `json:"settled_at,omitempty"`
}

// Pool is the share register of one capital pool.
type Pool struct {
	ID          H128      `json:"id"`
	TotalShares int64     `json:"total_shares"`
	Sealed      bool      `json:"sealed"` // no further minting
	Burned      bool      `json:"burned"` // terminal; all holdings zero
	CreatedAt   time.Time `json:"created_at"`
}

// Holding is one holder's LP shares in a pool.
type Holding struct {
	PoolID H128   `json:"pool_id"`
	Holder string `json:"holder"`
	Free   int64  `json:"free"`
	Locked int64  `json:"locked"` // reserved by open asks
}

// Total returns free plus locked shares.
func (h Holding) Total() int64 {
	return h.Free + h.Locked
}

// OrderSide is "ask" (sell shares) or "bid" (buy shares).
type OrderSide string

const (
	SideAsk OrderSide = "ask"
	SideBid OrderSide = "bid"
)

// Order is a resting limit order on a pool's share book.
type Order struct {
	ID        string          `json:"id"`
	PoolID    H128            `json:"pool_id"`
	Side      OrderSide       `json:"side"`
	Owner     string          `json:"owner"`
	Price     decimal.Decimal `json:"price"` // per share
	Quantity  int64           `json:"quantity"`
	Remaining int64           `json:"remaining"`
	CreatedAt time.Time       `json:"created_at"`
}

// RequestStatus is the state of a V3 underwrite request.
type RequestStatus string

const (
	RequestOpen            RequestStatus = "open"
	RequestPartiallyFilled RequestStatus = "partially_filled"
	RequestFilled          RequestStatus = "filled"
	RequestExpired         RequestStatus = "expired"
	RequestSettled         RequestStatus = "settled"
)

// EventSpec is the covered-event definition of a V3 request.
type EventSpec struct {
	Strike         uint64          `json:"strike"`
	PayoutPerShare decimal.Decimal `json:"payout_per_share"`
	EarlyTrigger   bool            `json:"early_trigger"`
}

// UnderwriteRequest is a V3 offer to buy cover that several underwriters
// may fill jointly. FilledShares only grows.
type UnderwriteRequest struct {
	ID              H128            `json:"id"`
	Requester       string          `json:"requester"`
	MarketID        string          `json:"market_id"`
	EventSpec       EventSpec       `json:"event_spec"`
	TotalShares     int64           `json:"total_shares"`
	FilledShares    int64           `json:"filled_shares"`
	PremiumPerShare decimal.Decimal `json:"premium_per_share"`
	CoverageStart   time.Time       `json:"coverage_start"`
	CoverageEnd     time.Time       `json:"coverage_end"`
	Expiry          time.Time       `json:"expiry"`
	Status          RequestStatus   `json:"status"`
	Refunded        decimal.Decimal `json:"refunded"`
	PolicyID        H128            `json:"policy_id"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Unfilled returns the shares nobody has accepted yet.
func (r UnderwriteRequest) Unfilled() int64 {
	return r.TotalShares - r.FilledShares
}

// Distribution is one capital holder's share of a settled pool.
type Distribution struct {
	Holder string          `json:"holder"`
	Shares int64           `json:"shares"`
	Amount decimal.Decimal `json:"amount"`
}

// SettlementResult is written exactly once per policy and never modified.
type SettlementResult struct {
	PolicyID        H128            `json:"policy_id"`
	PoolID          H128            `json:"pool_id"`
	Version         Version         `json:"version"`
	EventOccurred   bool            `json:"event_occurred"`
	Early           bool            `json:"early"`
	WindowSum       uint64          `json:"window_sum"`
	Strike          uint64          `json:"strike"`
	PayoutToHolder  decimal.Decimal `json:"payout_to_holder"`
	BackstopCovered decimal.Decimal `json:"backstop_covered"`
	Shortfall       decimal.Decimal `json:"shortfall"` // unpaid part of a partial payout
	ReturnedToPool  decimal.Decimal `json:"returned_to_pool"`
	Distributions   []Distribution  `json:"distributions"`
	SettledAt       time.Time       `json:"settled_at"`
}

// System account names. Pool balances, request escrow and bid escrow live in
// the same balance table as user accounts so that conservation can be
// audited by summing one table.

// PoolAccount holds the collateral and premium backing a pool.
func PoolAccount(id H128) string { return "pool:" + id.String() }

// EscrowAccount holds the unfilled premium of a V3 request.
func EscrowAccount(id H128) string { return "escrow:" + id.String() }

// BidAccount holds funds reserved by open bids on a pool.
func BidAccount(id H128) string { return "bids:" + id.String() }
