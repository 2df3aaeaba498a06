// Package p2p runs the V3 underwriting market. A requester escrows the full
// premium of the cover they want; underwriters accept slices of it, each
// posting collateral and receiving capital shares. When the request fills,
// or expires with some fills, the pool is sealed and a V3 policy is issued
// for the filled shares.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/atmx/parametric-engine/internal/events"
	"github.com/atmx/parametric-engine/internal/ident"
	"github.com/atmx/parametric-engine/internal/ledger"
	"github.com/atmx/parametric-engine/internal/metrics"
	"github.com/atmx/parametric-engine/internal/model"
	"github.com/atmx/parametric-engine/internal/policy"
	"github.com/atmx/parametric-engine/internal/store"
	"github.com/atmx/parametric-engine/internal/telemetry"
)

var (
	ErrInvalidRequest  = errors.New("p2p: invalid underwrite request")
	ErrRequestNotFound = errors.New("p2p: request not found")
	ErrRequestExpired  = errors.New("p2p: request expired")
	ErrRequestClosed   = errors.New("p2p: request no longer open")
	ErrNotExpired      = errors.New("p2p: request has not reached expiry")
	ErrOverfill        = errors.New("p2p: acceptance exceeds unfilled shares")
	ErrMarketNotFound  = errors.New("p2p: market not found")
)

// Terms are the requester's inputs to CreateRequest. A zero strike or payout
// per share takes the market default.
type Terms struct {
	MarketID        string          `json:"market_id"`
	Strike          uint64          `json:"strike"`
	PayoutPerShare  decimal.Decimal `json:"payout_per_share"`
	EarlyTrigger    bool            `json:"early_trigger"`
	TotalShares     int64           `json:"total_shares"`
	PremiumPerShare decimal.Decimal `json:"premium_per_share"`
	CoverageStart   time.Time       `json:"coverage_start"`
	CoverageEnd     time.Time       `json:"coverage_end"`
	Expiry          time.Time       `json:"expiry"`
}

// Acceptance is the outcome of one AcceptRequest call.
type Acceptance struct {
	Request    *model.UnderwriteRequest `json:"request"`
	Shares     int64                    `json:"shares"`
	Collateral decimal.Decimal          `json:"collateral"`
	Premium    decimal.Decimal          `json:"premium"`
	Policy     *model.Policy            `json:"policy,omitempty"` // set when this acceptance filled the request
}

// Market creates, fills and expires underwrite requests.
type Market struct {
	st  store.Store
	pub events.Publisher
	now func() time.Time
}

// New creates the underwriting market.
func New(st store.Store, pub events.Publisher, now func() time.Time) *Market {
	if pub == nil {
		pub = events.Discard
	}
	if now == nil {
		now = time.Now
	}
	return &Market{st: st, pub: pub, now: now}
}

// CreateRequest opens a request and escrows total_shares*premium_per_share
// from requester.
func (m *Market) CreateRequest(ctx context.Context, requester string, t Terms) (*model.UnderwriteRequest, error) {
	if err := ledger.RequireUser(requester); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if err := validate(t, now); err != nil {
		return nil, err
	}

	var r *model.UnderwriteRequest
	err := m.st.Atomic(ctx, func(tx store.Tx) error {
		mkt, err := tx.GetMarket(ctx, t.MarketID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrMarketNotFound, t.MarketID)
		} else if err != nil {
			return err
		}
		spec := model.EventSpec{Strike: t.Strike, PayoutPerShare: t.PayoutPerShare, EarlyTrigger: t.EarlyTrigger}
		if spec.Strike == 0 {
			spec.Strike = mkt.DefaultStrike
		}
		if spec.PayoutPerShare.IsZero() {
			spec.PayoutPerShare = mkt.PayoutPerShare
		}

		id, err := ident.Next(ctx, tx, ident.RequestV3, ident.Digest(requester, t.MarketID, now.Format(time.RFC3339Nano)))
		if err != nil {
			return err
		}
		escrow := t.PremiumPerShare.Mul(decimal.NewFromInt(t.TotalShares))
		if err := ledger.On(tx).Transfer(ctx, requester, model.EscrowAccount(id), escrow); err != nil {
			return err
		}

		r = &model.UnderwriteRequest{
			ID:              id,
			Requester:       requester,
			MarketID:        t.MarketID,
			EventSpec:       spec,
			TotalShares:     t.TotalShares,
			PremiumPerShare: t.PremiumPerShare,
			CoverageStart:   t.CoverageStart.UTC(),
			CoverageEnd:     t.CoverageEnd.UTC(),
			Expiry:          t.Expiry.UTC(),
			Status:          model.RequestOpen,
			Refunded:        decimal.Zero,
			CreatedAt:       now,
		}
		return tx.CreateRequest(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	metrics.RequestEvents.WithLabelValues("created").Inc()
	slog.Info("underwrite request created",
		"request", r.ID,
		"requester", requester,
		"market", r.MarketID,
		"shares", r.TotalShares,
		"premium_per_share", r.PremiumPerShare.String(),
	)
	return r, nil
}

func validate(t Terms, now time.Time) error {
	switch {
	case t.TotalShares <= 0:
		return fmt.Errorf("%w: total shares %d", ErrInvalidRequest, t.TotalShares)
	case !t.PremiumPerShare.IsPositive():
		return fmt.Errorf("%w: premium per share %s", ErrInvalidRequest, t.PremiumPerShare)
	case t.PayoutPerShare.IsNegative():
		return fmt.Errorf("%w: payout per share %s", ErrInvalidRequest, t.PayoutPerShare)
	case !t.CoverageEnd.After(t.CoverageStart):
		return fmt.Errorf("%w: coverage end must be after start", ErrInvalidRequest)
	case !t.Expiry.After(now):
		return fmt.Errorf("%w: expiry must be in the future", ErrInvalidRequest)
	case t.Expiry.After(t.CoverageStart):
		return fmt.Errorf("%w: expiry must not be after coverage start", ErrInvalidRequest)
	}
	return nil
}

// AcceptRequest has underwriter take shares of request id. The underwriter
// posts shares*payout_per_share as collateral, the matching premium moves
// out of escrow, and the underwriter is minted shares in the request pool.
// Acceptance at or after expiry fails with ErrRequestExpired whatever the
// remaining capacity.
func (m *Market) AcceptRequest(ctx context.Context, underwriter string, id model.H128, shares int64) (a *Acceptance, err error) {
	ctx, span := telemetry.Start(ctx, "p2p.AcceptRequest",
		attribute.String("request", id.String()),
		attribute.Int64("shares", shares),
	)
	defer func() { telemetry.End(span, err) }()

	if err := ledger.RequireUser(underwriter); err != nil {
		return nil, err
	}
	if shares <= 0 {
		return nil, fmt.Errorf("%w: shares %d", ErrInvalidRequest, shares)
	}
	now := m.now().UTC()
	err = m.st.Atomic(ctx, func(tx store.Tx) error {
		r, err := getRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if !now.Before(r.Expiry) {
			return fmt.Errorf("%w: %s at %s", ErrRequestExpired, id, r.Expiry.Format(time.RFC3339))
		}
		if !open(r) {
			return fmt.Errorf("%w: %s is %s", ErrRequestClosed, id, r.Status)
		}
		if underwriter == r.Requester {
			return fmt.Errorf("%w: requester cannot underwrite own request", ErrInvalidRequest)
		}
		if shares > r.Unfilled() {
			return fmt.Errorf("%w: %d > %d", ErrOverfill, shares, r.Unfilled())
		}

		n := decimal.NewFromInt(shares)
		acc := &Acceptance{
			Shares:     shares,
			Collateral: r.EventSpec.PayoutPerShare.Mul(n),
			Premium:    r.PremiumPerShare.Mul(n),
		}
		b := ledger.On(tx)
		if err := b.Transfer(ctx, underwriter, model.PoolAccount(id), acc.Collateral); err != nil {
			return fmt.Errorf("collateral: %w", err)
		}
		if err := b.Transfer(ctx, model.EscrowAccount(id), model.PoolAccount(id), acc.Premium); err != nil {
			return fmt.Errorf("premium: %w", err)
		}
		if err := b.MintTranche(ctx, id, underwriter, shares, r.TotalShares, now); err != nil {
			return err
		}

		r.FilledShares += shares
		r.Status = model.RequestPartiallyFilled
		if r.Unfilled() == 0 {
			r.Status = model.RequestFilled
			p, err := policy.IssueFromRequest(ctx, tx, r, now)
			if err != nil {
				return err
			}
			r.PolicyID = p.ID
			acc.Policy = p
		}
		if err := tx.UpdateRequest(ctx, r); err != nil {
			return err
		}
		acc.Request = r
		a = acc
		return nil
	})
	if err != nil {
		return nil, err
	}

	r := a.Request
	metrics.RequestEvents.WithLabelValues("accepted").Inc()
	slog.Info("underwrite request accepted", "request", id, "underwriter", underwriter, "shares", shares, "filled", r.FilledShares)
	m.pub.Publish(events.New(events.RequestAccepted, id.String(), a, now))
	if a.Policy != nil {
		m.closed(events.RequestFilled, r, a.Policy, now)
	}
	return a, nil
}

// Expire closes request id once its expiry has passed, refunding the
// unfilled premium to the requester. With some shares filled the pool is
// sealed and the V3 policy issued for them; with none the request simply
// ends Expired. Anyone may call it.
func (m *Market) Expire(ctx context.Context, id model.H128) (*model.UnderwriteRequest, error) {
	now := m.now().UTC()
	var (
		r *model.UnderwriteRequest
		p *model.Policy
	)
	err := m.st.Atomic(ctx, func(tx store.Tx) error {
		var err error
		r, p, err = expire(ctx, tx, id, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.closed(events.RequestExpired, r, p, now)
	return r, nil
}

// ExpireDue expires every open request whose expiry has passed. Each runs
// in its own transaction.
func (m *Market) ExpireDue(ctx context.Context) ([]model.UnderwriteRequest, error) {
	now := m.now().UTC()
	due, err := store.View(ctx, m.st, func(tx store.Tx) ([]model.H128, error) {
		rs, err := tx.ListRequests(ctx, model.RequestOpen, model.RequestPartiallyFilled)
		if err != nil {
			return nil, err
		}
		var ids []model.H128
		for _, r := range rs {
			if !now.Before(r.Expiry) {
				ids = append(ids, r.ID)
			}
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}

	var (
		out  []model.UnderwriteRequest
		errs []error
	)
	for _, id := range due {
		r, err := m.Expire(ctx, id)
		switch {
		case errors.Is(err, ErrRequestClosed):
			continue
		case err != nil:
			slog.Warn("request expiry failed", "request", id, "error", err)
			errs = append(errs, err)
			continue
		}
		out = append(out, *r)
	}
	return out, errors.Join(errs...)
}

// Get returns request id.
func (m *Market) Get(ctx context.Context, id model.H128) (*model.UnderwriteRequest, error) {
	return store.View(ctx, m.st, func(tx store.Tx) (*model.UnderwriteRequest, error) {
		return getRequest(ctx, tx, id)
	})
}

func expire(ctx context.Context, tx store.Tx, id model.H128, now time.Time) (*model.UnderwriteRequest, *model.Policy, error) {
	r, err := getRequest(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	if !open(r) {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrRequestClosed, id, r.Status)
	}
	if now.Before(r.Expiry) {
		return nil, nil, fmt.Errorf("%w: %s expires %s", ErrNotExpired, id, r.Expiry.Format(time.RFC3339))
	}

	refund := r.PremiumPerShare.Mul(decimal.NewFromInt(r.Unfilled()))
	if err := ledger.On(tx).Transfer(ctx, model.EscrowAccount(id), r.Requester, refund); err != nil {
		return nil, nil, fmt.Errorf("refund: %w", err)
	}
	r.Refunded = refund
	r.Status = model.RequestExpired

	var p *model.Policy
	if r.FilledShares > 0 {
		p, err = policy.IssueFromRequest(ctx, tx, r, now)
		if err != nil {
			return nil, nil, err
		}
		r.PolicyID = p.ID
	}
	if err := tx.UpdateRequest(ctx, r); err != nil {
		return nil, nil, err
	}
	return r, p, nil
}

// closed reports the Filled or Expired transition and the policy it issued.
func (m *Market) closed(typ events.Type, r *model.UnderwriteRequest, p *model.Policy, at time.Time) {
	event := "filled"
	if typ == events.RequestExpired {
		event = "expired"
	}
	metrics.RequestEvents.WithLabelValues(event).Inc()
	slog.Info("underwrite request "+event,
		"request", r.ID,
		"filled", r.FilledShares,
		"total", r.TotalShares,
		"refunded", r.Refunded.String(),
	)
	m.pub.Publish(events.New(typ, r.ID.String(), r, at))
	if p != nil {
		metrics.PoliciesIssued.WithLabelValues(p.Version.String()).Inc()
		m.pub.Publish(events.New(events.PolicyIssued, p.ID.String(), p, at))
	}
}

func open(r *model.UnderwriteRequest) bool {
	return r.Status == model.RequestOpen || r.Status == model.RequestPartiallyFilled
}

func getRequest(ctx context.Context, tx store.Tx, id model.H128) (*model.UnderwriteRequest, error) {
	r, err := tx.GetRequest(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return r, err
}
