// Package orderbook runs the price-level book on which LP shares of a
// capital pool change hands before settlement.
//
// An ask locks the seller's shares; a bid escrows the buyer's cash in the
// pool's bid account. A fill reassigns shares and moves the trade amount
// between the two parties. The pool's own collateral account is never
// touched, so settlement always pays whoever holds the shares at that time.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/parametric-engine/internal/events"
	"github.com/atmx/parametric-engine/internal/ledger"
	"github.com/atmx/parametric-engine/internal/metrics"
	"github.com/atmx/parametric-engine/internal/model"
	"github.com/atmx/parametric-engine/internal/store"
)

var (
	ErrInvalidOrder  = errors.New("orderbook: invalid order")
	ErrOrderNotFound = errors.New("orderbook: order not found")
	ErrNotOrderOwner = errors.New("orderbook: caller does not own order")
	ErrSelfTrade     = errors.New("orderbook: cannot fill own order")
	ErrOverfill      = errors.New("orderbook: fill exceeds remaining quantity")
)

// Fill describes one executed trade.
type Fill struct {
	OrderID   string          `json:"order_id"`
	PoolID    model.H128      `json:"pool_id"`
	Side      model.OrderSide `json:"side"`
	Maker     string          `json:"maker"`
	Taker     string          `json:"taker"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Amount    decimal.Decimal `json:"amount"`
	Remaining int64           `json:"remaining"`
}

// Level is the aggregate of all resting orders at one price.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth is the price-level view of one pool's book.
type Depth struct {
	PoolID model.H128 `json:"pool_id"`
	Asks   []Level    `json:"asks"` // ascending price
	Bids   []Level    `json:"bids"` // descending price
}

// Service places, fills and cancels orders.
type Service struct {
	st  store.Store
	pub events.Publisher
	now func() time.Time
}

// New creates an orderbook service.
func New(st store.Store, pub events.Publisher, now func() time.Time) *Service {
	if pub == nil {
		pub = events.Discard
	}
	if now == nil {
		now = time.Now
	}
	return &Service{st: st, pub: pub, now: now}
}

// Place rests a new order. Asks lock quantity shares of owner; bids escrow
// price*quantity of owner's cash.
func (s *Service) Place(ctx context.Context, owner string, poolID model.H128, side model.OrderSide, price decimal.Decimal, quantity int64) (*model.Order, error) {
	if err := ledger.RequireUser(owner); err != nil {
		return nil, err
	}
	if !price.IsPositive() || quantity <= 0 {
		return nil, fmt.Errorf("%w: price %s quantity %d", ErrInvalidOrder, price, quantity)
	}
	if side != model.SideAsk && side != model.SideBid {
		return nil, fmt.Errorf("%w: side %q", ErrInvalidOrder, side)
	}

	o := &model.Order{
		ID:        uuid.NewString(),
		PoolID:    poolID,
		Side:      side,
		Owner:     owner,
		Price:     price,
		Quantity:  quantity,
		Remaining: quantity,
		CreatedAt: s.now().UTC(),
	}
	err := s.st.Atomic(ctx, func(tx store.Tx) error {
		b := ledger.On(tx)
		pool, err := b.Pool(ctx, poolID)
		if err != nil {
			return err
		}
		if pool.Burned {
			return fmt.Errorf("%w: %s", ledger.ErrPoolBurned, poolID)
		}

		switch side {
		case model.SideAsk:
			err = b.Lock(ctx, poolID, owner, quantity)
		case model.SideBid:
			err = b.Transfer(ctx, owner, model.BidAccount(poolID), notional(price, quantity))
		}
		if err != nil {
			return err
		}
		return tx.CreateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Fill executes quantity against a resting order on behalf of taker.
// Partial fills leave the remainder resting; an order reaching zero is
// removed.
func (s *Service) Fill(ctx context.Context, taker, orderID string, quantity int64) (*Fill, error) {
	if err := ledger.RequireUser(taker); err != nil {
		return nil, err
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity %d", ErrInvalidOrder, quantity)
	}

	var f *Fill
	err := s.st.Atomic(ctx, func(tx store.Tx) error {
		o, err := getOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.Owner == taker {
			return ErrSelfTrade
		}
		if quantity > o.Remaining {
			return fmt.Errorf("%w: %d > %d", ErrOverfill, quantity, o.Remaining)
		}

		b := ledger.On(tx)
		amount := notional(o.Price, quantity)
		switch o.Side {
		case model.SideAsk:
			// Taker buys: cash taker -> maker, locked shares maker -> taker.
			if err := b.Transfer(ctx, taker, o.Owner, amount); err != nil {
				return err
			}
			if err := b.TransferLocked(ctx, o.PoolID, o.Owner, taker, quantity); err != nil {
				return err
			}
		case model.SideBid:
			// Taker sells: free shares taker -> maker, escrow -> taker.
			if err := b.TransferShares(ctx, o.PoolID, taker, o.Owner, quantity); err != nil {
				return err
			}
			if err := b.Transfer(ctx, model.BidAccount(o.PoolID), taker, amount); err != nil {
				return err
			}
		}

		o.Remaining -= quantity
		if o.Remaining == 0 {
			err = tx.DeleteOrder(ctx, o.ID)
		} else {
			err = tx.UpdateOrder(ctx, o)
		}
		if err != nil {
			return err
		}

		f = &Fill{
			OrderID:   o.ID,
			PoolID:    o.PoolID,
			Side:      o.Side,
			Maker:     o.Owner,
			Taker:     taker,
			Price:     o.Price,
			Quantity:  quantity,
			Amount:    amount,
			Remaining: o.Remaining,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OrderFills.WithLabelValues(string(f.Side)).Inc()
	s.pub.Publish(events.New(events.OrderFilled, f.OrderID, f, s.now()))
	return f, nil
}

// Cancel removes a resting order and releases what it reserved.
func (s *Service) Cancel(ctx context.Context, caller, orderID string) error {
	return s.st.Atomic(ctx, func(tx store.Tx) error {
		o, err := getOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.Owner != caller {
			return fmt.Errorf("%w: %s", ErrNotOrderOwner, orderID)
		}
		return release(ctx, tx, o)
	})
}

// Depth returns the aggregated book for poolID.
func (s *Service) Depth(ctx context.Context, poolID model.H128) (*Depth, error) {
	orders, err := store.View(ctx, s.st, func(tx store.Tx) ([]model.Order, error) {
		return tx.ListOrders(ctx, poolID)
	})
	if err != nil {
		return nil, err
	}
	return aggregate(poolID, orders), nil
}

// CancelAll releases every resting order on poolID inside tx. Settlement
// calls it before burning the pool.
func CancelAll(ctx context.Context, tx store.Tx, poolID model.H128) (int, error) {
	orders, err := tx.ListOrders(ctx, poolID)
	if err != nil {
		return 0, err
	}
	for i := range orders {
		if err := release(ctx, tx, &orders[i]); err != nil {
			return 0, err
		}
	}
	return len(orders), nil
}

func release(ctx context.Context, tx store.Tx, o *model.Order) error {
	b := ledger.On(tx)
	var err error
	switch o.Side {
	case model.SideAsk:
		err = b.Unlock(ctx, o.PoolID, o.Owner, o.Remaining)
	case model.SideBid:
		err = b.Transfer(ctx, model.BidAccount(o.PoolID), o.Owner, notional(o.Price, o.Remaining))
	}
	if err != nil {
		return err
	}
	return tx.DeleteOrder(ctx, o.ID)
}

func getOrder(ctx context.Context, tx store.Tx, id string) (*model.Order, error) {
	o, err := tx.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return o, err
}

func notional(price decimal.Decimal, quantity int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(quantity))
}

func aggregate(poolID model.H128, orders []model.Order) *Depth {
	asks := make(map[string]*Level)
	bids := make(map[string]*Level)
	for _, o := range orders {
		side := asks
		if o.Side == model.SideBid {
			side = bids
		}
		// Normalise so 1.5 and 1.50 share a level.
		key := o.Price.String()
		lvl, ok := side[key]
		if !ok {
			lvl = &Level{Price: o.Price}
			side[key] = lvl
		}
		lvl.Quantity += o.Remaining
		lvl.Orders++
	}

	depth := &Depth{PoolID: poolID, Asks: flatten(asks), Bids: flatten(bids)}
	sort.Slice(depth.Asks, func(i, j int) bool { return depth.Asks[i].Price.LessThan(depth.Asks[j].Price) })
	sort.Slice(depth.Bids, func(i, j int) bool { return depth.Bids[i].Price.GreaterThan(depth.Bids[j].Price) })
	return depth
}

func flatten(m map[string]*Level) []Level {
	out := make([]Level, 0, len(m))
	for _, l := range m {
		out = append(out, *l)
	}
	return out
}
