// Package policy manages the lifecycle of issued cover: issuance from a
// consumed quote or a closed underwrite request, observation of the
// governing rainfall window, and the settleability guard that every
// settlement path goes through.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/atmx/parametric-engine/internal/correlation"
	"github.com/atmx/parametric-engine/internal/events"
	"github.com/atmx/parametric-engine/internal/ident"
	"github.com/atmx/parametric-engine/internal/ledger"
	"github.com/atmx/parametric-engine/internal/metrics"
	"github.com/atmx/parametric-engine/internal/model"
	"github.com/atmx/parametric-engine/internal/oracle"
	"github.com/atmx/parametric-engine/internal/quote"
	"github.com/atmx/parametric-engine/internal/store"
	"github.com/atmx/parametric-engine/internal/telemetry"
)

var (
	ErrPolicyNotFound   = errors.New("policy: not found")
	ErrAlreadySettled   = errors.New("policy: already settled")
	ErrCoverageNotEnded = errors.New("policy: coverage period has not ended")
	ErrRequestNotClosed = errors.New("policy: underwrite request is still open")
)

// Observation is the state of a policy's governing window at one instant.
type Observation struct {
	PolicyID    model.H128    `json:"policy_id"`
	Version     model.Version `json:"version"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	Sum         uint64        `json:"sum"`
	Strike      uint64        `json:"strike"`
	Triggered   bool          `json:"triggered"` // sum >= strike
	Matured     bool          `json:"matured"`   // coverage end reached
	At          time.Time     `json:"at"`
}

// Observe evaluates p's window at instant at, reading from src.
func Observe(ctx context.Context, src oracle.Source, p *model.Policy, at time.Time) (*Observation, error) {
	r, err := ruleFor(p.Version)
	if err != nil {
		return nil, err
	}
	from, to, sum, err := r.windowSum(ctx, src, p, at)
	if err != nil {
		return nil, err
	}
	return &Observation{
		PolicyID:    p.ID,
		Version:     p.Version,
		WindowStart: from,
		WindowEnd:   to,
		Sum:         sum,
		Strike:      p.Strike,
		Triggered:   sum >= p.Strike,
		Matured:     !at.Before(p.CoverageEnd),
		At:          at,
	}, nil
}

// CanTriggerEarly reports whether p may settle before its coverage end
// given obs.
func CanTriggerEarly(p *model.Policy, obs *Observation) bool {
	r, err := ruleFor(p.Version)
	if err != nil {
		return false
	}
	return r.allowsEarlyTrigger() && p.EarlyTrigger && obs.Triggered && !obs.Matured
}

// CheckSettleable enforces the Active -> Settled transition guard. A settled
// policy is always rejected with ErrAlreadySettled, before any other check.
// Before coverage end only an early-trigger settlement reporting the event
// passes.
func CheckSettleable(p *model.Policy, obs *Observation, eventOccurred bool) error {
	if p.Status == model.PolicySettled {
		return fmt.Errorf("%w: %s", ErrAlreadySettled, p.ID)
	}
	if obs.Matured {
		return nil
	}
	if eventOccurred && CanTriggerEarly(p, obs) {
		return nil
	}
	return fmt.Errorf("%w: %s ends %s", ErrCoverageNotEnded, p.ID, p.CoverageEnd.Format(time.RFC3339))
}

// Params configure issuance.
type Params struct {
	// PoolAccount is the pooled-capital account that collateralises and
	// owns the shares of every V1/V2 policy.
	PoolAccount string

	// Limiter caps the pooled-capital account's exposure. Nil disables it.
	Limiter *correlation.Limiter
}

// Manager issues and reads policies.
type Manager struct {
	st     store.Store
	params Params
	pub    events.Publisher
	now    func() time.Time
}

// NewManager creates a policy manager.
func NewManager(st store.Store, params Params, pub events.Publisher, now func() time.Time) *Manager {
	if pub == nil {
		pub = events.Discard
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{st: st, params: params, pub: pub, now: now}
}

// Issue consumes caller's priced quote and activates the policy. The premium
// moves from caller to the policy pool, the pooled-capital account posts the
// max payout as collateral and receives every share.
func (m *Manager) Issue(ctx context.Context, caller, quoteID string) (p *model.Policy, err error) {
	ctx, span := telemetry.Start(ctx, "policy.Issue", attribute.String("quote", quoteID))
	defer func() { telemetry.End(span, err) }()

	if err := ledger.RequireUser(caller); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	err = m.st.Atomic(ctx, func(tx store.Tx) error {
		peek, err := tx.GetQuote(ctx, quoteID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", quote.ErrQuoteNotFound, quoteID)
		} else if err != nil {
			return err
		}
		ns, err := ident.PolicyNamespace(peek.Version)
		if err != nil {
			return err
		}
		id, err := ident.Next(ctx, tx, ns, ident.Digest(quoteID, peek.MarketID, caller))
		if err != nil {
			return err
		}

		q, err := quote.Consume(ctx, tx, quoteID, caller, id, now)
		if err != nil {
			return err
		}
		mkt, err := tx.GetMarket(ctx, q.MarketID)
		if err != nil {
			return err
		}
		maxPayout := quote.MaxPayout(q.Shares, mkt.PayoutPerShare)
		if err := m.checkExposure(ctx, tx, mkt, maxPayout); err != nil {
			return err
		}

		b := ledger.On(tx)
		if err := b.Transfer(ctx, caller, model.PoolAccount(id), q.Premium); err != nil {
			return fmt.Errorf("premium: %w", err)
		}
		if err := b.Transfer(ctx, m.params.PoolAccount, model.PoolAccount(id), maxPayout); err != nil {
			return fmt.Errorf("collateral: %w", err)
		}
		if err := b.Mint(ctx, id, m.params.PoolAccount, q.Shares, now); err != nil {
			return err
		}

		p = &model.Policy{
			ID:             id,
			Version:        q.Version,
			MarketID:       q.MarketID,
			Holder:         caller,
			Shares:         q.Shares,
			PayoutPerShare: mkt.PayoutPerShare,
			MaxPayout:      maxPayout,
			PremiumPaid:    q.Premium,
			CoverageStart:  q.CoverageStart,
			CoverageEnd:    q.CoverageEnd,
			Strike:         quote.StrikeOf(q, mkt),
			EarlyTrigger:   q.EarlyTrigger,
			Status:         model.PolicyActive,
			PoolID:         id,
			QuoteID:        q.ID,
			CreatedAt:      now,
		}
		return tx.CreatePolicy(ctx, p)
	})
	if err != nil {
		switch {
		case errors.Is(err, correlation.ErrPerCellLimitExceeded):
			metrics.ExposureLimitRejections.WithLabelValues("cell").Inc()
		case errors.Is(err, correlation.ErrCorrelatedLimitExceeded):
			metrics.ExposureLimitRejections.WithLabelValues("correlated").Inc()
		}
		return nil, err
	}

	metrics.PoliciesIssued.WithLabelValues(p.Version.String()).Inc()
	slog.Info("policy issued",
		"policy", p.ID,
		"version", p.Version,
		"market", p.MarketID,
		"holder", p.Holder,
		"max_payout", p.MaxPayout.String(),
	)
	m.pub.Publish(events.New(events.PolicyIssued, p.ID.String(), p, now))
	return p, nil
}

// checkExposure applies the limiter to the pooled-capital account's active
// liability. V3 policies are collateralised by their own underwriters and do
// not count.
func (m *Manager) checkExposure(ctx context.Context, tx store.Tx, mkt *model.Market, added decimal.Decimal) error {
	if !m.params.Limiter.Enabled() {
		return nil
	}
	active, err := tx.ListPolicies(ctx, model.PolicyActive)
	if err != nil {
		return err
	}
	markets, err := tx.ListMarkets(ctx)
	if err != nil {
		return err
	}
	cells := make(map[string]string, len(markets))
	for _, mk := range markets {
		cells[mk.ID] = mk.H3CellID
	}
	house := active[:0]
	for _, p := range active {
		if p.Version != model.V3 {
			house = append(house, p)
		}
	}
	exposure := correlation.FromPolicies(house, func(id string) (string, bool) {
		c, ok := cells[id]
		return c, ok
	})
	return m.params.Limiter.Check(mkt.H3CellID, added, exposure)
}

// IssueFromRequest activates the V3 policy of a filled or expired request
// inside tx. The request's pool, already holding collateral and premium, is
// sealed and becomes the policy pool. The request is updated with the policy
// ID by the caller.
func IssueFromRequest(ctx context.Context, tx store.Tx, r *model.UnderwriteRequest, now time.Time) (*model.Policy, error) {
	if r.Status != model.RequestFilled && r.Status != model.RequestExpired {
		return nil, fmt.Errorf("%w: %s is %s", ErrRequestNotClosed, r.ID, r.Status)
	}
	id, err := ident.Next(ctx, tx, ident.PolicyV3, ident.Digest(r.ID.String(), r.MarketID, r.Requester))
	if err != nil {
		return nil, err
	}
	if err := ledger.On(tx).Seal(ctx, r.ID); err != nil {
		return nil, err
	}

	filled := decimal.NewFromInt(r.FilledShares)
	p := &model.Policy{
		ID:             id,
		Version:        model.V3,
		MarketID:       r.MarketID,
		Holder:         r.Requester,
		Shares:         r.FilledShares,
		PayoutPerShare: r.EventSpec.PayoutPerShare,
		MaxPayout:      r.EventSpec.PayoutPerShare.Mul(filled),
		PremiumPaid:    r.PremiumPerShare.Mul(filled),
		CoverageStart:  r.CoverageStart,
		CoverageEnd:    r.CoverageEnd,
		Strike:         r.EventSpec.Strike,
		EarlyTrigger:   r.EventSpec.EarlyTrigger,
		Status:         model.PolicyActive,
		PoolID:         r.ID,
		CreatedAt:      now,
	}
	if err := tx.CreatePolicy(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns a policy.
func (m *Manager) Get(ctx context.Context, id model.H128) (*model.Policy, error) {
	return store.View(ctx, m.st, func(tx store.Tx) (*model.Policy, error) {
		return Get(ctx, tx, id)
	})
}

// Observe evaluates policy id's window now.
func (m *Manager) Observe(ctx context.Context, id model.H128) (*Observation, error) {
	now := m.now().UTC()
	return store.View(ctx, m.st, func(tx store.Tx) (*Observation, error) {
		p, err := Get(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		return Observe(ctx, tx, p, now)
	})
}

// Get reads policy id inside tx.
func Get(ctx context.Context, tx store.Tx, id model.H128) (*model.Policy, error) {
	p, err := tx.GetPolicy(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	return p, err
}
