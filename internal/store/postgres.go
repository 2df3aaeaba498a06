package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/parametric-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// maxSerializationRetries bounds how often Atomic re-runs a callback that
// lost a serializable conflict.
const maxSerializationRetries = 3

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Atomic runs at SERIALIZABLE isolation, so the read-check-write sequences
// of settlement and acceptance cannot interleave.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Safe to run on every start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 0; attempt <= maxSerializationRetries; attempt++ {
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			return fn(&pgTx{q: tx})
		})
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func mapWriteErr(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s already exists", ErrConflict, what)
	}
	return err
}

func mapReadErr(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}

type pgTx struct {
	q pgx.Tx
}

var _ Tx = (*pgTx)(nil)

// --- Markets ---

func (t *pgTx) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO markets (id, key, h3_cell_id, type, latitude, longitude, default_strike, payout_per_share, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9)`,
		m.ID, m.Key, m.H3CellID, m.Type, m.Latitude, m.Longitude,
		u64(m.DefaultStrike), m.PayoutPerShare.String(), m.CreatedAt,
	)
	return mapWriteErr(err, "market "+m.Key)
}

const marketColumns = `id, key, h3_cell_id, type, latitude, longitude,
	default_strike::TEXT, payout_per_share::TEXT, created_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var strike, payout string
	if err := row.Scan(&m.ID, &m.Key, &m.H3CellID, &m.Type, &m.Latitude, &m.Longitude,
		&strike, &payout, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.DefaultStrike = parseU64(strike)
	m.PayoutPerShare, _ = decimal.NewFromString(payout)
	return &m, nil
}

func (t *pgTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(t.q.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, mapReadErr(err, "market "+id)
	}
	return m, nil
}

func (t *pgTx) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := t.q.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

// --- Readings ---

func (t *pgTx) GetReading(ctx context.Context, marketID string, ts time.Time) (*model.Reading, error) {
	var r model.Reading
	var value string
	err := t.q.QueryRow(ctx,
		`SELECT market_id, ts, value::TEXT, reporter, updated_at
		 FROM readings WHERE market_id = $1 AND ts = $2`, marketID, ts).
		Scan(&r.MarketID, &r.Timestamp, &value, &r.Reporter, &r.UpdatedAt)
	if err != nil {
		return nil, mapReadErr(err, "reading "+marketID)
	}
	r.Value = parseU64(value)
	r.Timestamp = r.Timestamp.UTC()
	return &r, nil
}

func (t *pgTx) PutReading(ctx context.Context, r *model.Reading) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO readings (market_id, ts, value, reporter, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)
		 ON CONFLICT (market_id, ts) DO UPDATE
		 SET value = EXCLUDED.value, reporter = EXCLUDED.reporter, updated_at = EXCLUDED.updated_at`,
		r.MarketID, r.Timestamp, u64(r.Value), r.Reporter, r.UpdatedAt,
	)
	return err
}

func (t *pgTx) ListReadings(ctx context.Context, marketID string, from, to time.Time) ([]model.Reading, error) {
	rows, err := t.q.Query(ctx,
		`SELECT market_id, ts, value::TEXT, reporter, updated_at
		 FROM readings WHERE market_id = $1 AND ts >= $2 AND ts <= $3 ORDER BY ts`,
		marketID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Reading
	for rows.Next() {
		var r model.Reading
		var value string
		if err := rows.Scan(&r.MarketID, &r.Timestamp, &value, &r.Reporter, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Value = parseU64(value)
		r.Timestamp = r.Timestamp.UTC()
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- Nonces ---

func (t *pgTx) NextNonce(ctx context.Context, namespace string) (uint64, error) {
	var next int64
	err := t.q.QueryRow(ctx,
		`INSERT INTO id_nonces (namespace, value) VALUES ($1, 1)
		 ON CONFLICT (namespace) DO UPDATE SET value = id_nonces.value + 1
		 RETURNING value`, namespace).Scan(&next)
	if err != nil {
		return 0, err
	}
	return uint64(next), nil
}

// --- Quotes ---

func (t *pgTx) CreateQuote(ctx context.Context, q *model.Quote) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO quotes (id, requester, market_id, version, coverage_start, coverage_end, shares,
		                     strike_override, early_trigger, probability, premium, status, expiry, policy_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10::NUMERIC, $11::NUMERIC, $12, $13, $14, $15)`,
		q.ID, q.Requester, q.MarketID, int16(q.Version), q.CoverageStart, q.CoverageEnd, q.Shares,
		optU64(q.StrikeOverride), q.EarlyTrigger, q.Probability.String(), q.Premium.String(),
		string(q.Status), q.Expiry, optH128(q.PolicyID), q.CreatedAt,
	)
	return mapWriteErr(err, "quote "+q.ID)
}

func (t *pgTx) GetQuote(ctx context.Context, id string) (*model.Quote, error) {
	var q model.Quote
	var version int16
	var strike, policyID *string
	var probability, premium, status string
	err := t.q.QueryRow(ctx,
		`SELECT id, requester, market_id, version, coverage_start, coverage_end, shares,
		        strike_override::TEXT, early_trigger, probability::TEXT, premium::TEXT, status, expiry, policy_id, created_at
		 FROM quotes WHERE id = $1`, id).
		Scan(&q.ID, &q.Requester, &q.MarketID, &version, &q.CoverageStart, &q.CoverageEnd, &q.Shares,
			&strike, &q.EarlyTrigger, &probability, &premium, &status, &q.Expiry, &policyID, &q.CreatedAt)
	if err != nil {
		return nil, mapReadErr(err, "quote "+id)
	}
	q.Version = model.Version(version)
	if strike != nil {
		v := parseU64(*strike)
		q.StrikeOverride = &v
	}
	q.Probability, _ = decimal.NewFromString(probability)
	q.Premium, _ = decimal.NewFromString(premium)
	q.Status = model.QuoteStatus(status)
	q.PolicyID = parseOptH128(policyID)
	return &q, nil
}

func (t *pgTx) UpdateQuote(ctx context.Context, q *model.Quote) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE quotes SET probability = $2::NUMERIC, premium = $3::NUMERIC, status = $4, expiry = $5, policy_id = $6
		 WHERE id = $1`,
		q.ID, q.Probability.String(), q.Premium.String(), string(q.Status), q.Expiry, optH128(q.PolicyID),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: quote %s", ErrNotFound, q.ID)
	}
	return nil
}

// --- Policies ---

func (t *pgTx) CreatePolicy(ctx context.Context, p *model.Policy) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO policies (id, version, market_id, holder, shares, payout_per_share, max_payout, premium_paid,
		                       coverage_start, coverage_end, strike, early_trigger, status, pool_id, quote_id, created_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11::NUMERIC, $12, $13, $14, $15, $16, $17)`,
		p.ID.String(), int16(p.Version), p.MarketID, p.Holder, p.Shares,
		p.PayoutPerShare.String(), p.MaxPayout.String(), p.PremiumPaid.String(),
		p.CoverageStart, p.CoverageEnd, u64(p.Strike), p.EarlyTrigger, string(p.Status),
		p.PoolID.String(), optString(p.QuoteID), p.CreatedAt, p.SettledAt,
	)
	return mapWriteErr(err, "policy "+p.ID.String())
}

const policyColumns = `id, version, market_id, holder, shares, payout_per_share::TEXT, max_payout::TEXT,
	premium_paid::TEXT, coverage_start, coverage_end, strike::TEXT, early_trigger, status, pool_id,
	quote_id, created_at, settled_at`

func scanPolicy(row pgx.Row) (*model.Policy, error) {
	var p model.Policy
	var id, poolID, status, payout, maxPayout, premium, strike string
	var quoteID *string
	var version int16
	if err := row.Scan(&id, &version, &p.MarketID, &p.Holder, &p.Shares, &payout, &maxPayout,
		&premium, &p.CoverageStart, &p.CoverageEnd, &strike, &p.EarlyTrigger, &status, &poolID,
		&quoteID, &p.CreatedAt, &p.SettledAt); err != nil {
		return nil, err
	}
	var err error
	if p.ID, err = model.ParseH128(id); err != nil {
		return nil, err
	}
	if p.PoolID, err = model.ParseH128(poolID); err != nil {
		return nil, err
	}
	p.Version = model.Version(version)
	p.Status = model.PolicyStatus(status)
	p.PayoutPerShare, _ = decimal.NewFromString(payout)
	p.MaxPayout, _ = decimal.NewFromString(maxPayout)
	p.PremiumPaid, _ = decimal.NewFromString(premium)
	p.Strike = parseU64(strike)
	if quoteID != nil {
		p.QuoteID = *quoteID
	}
	return &p, nil
}

func (t *pgTx) GetPolicy(ctx context.Context, id model.H128) (*model.Policy, error) {
	p, err := scanPolicy(t.q.QueryRow(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`, id.String()))
	if err != nil {
		return nil, mapReadErr(err, "policy "+id.String())
	}
	return p, nil
}

func (t *pgTx) MarkPolicySettled(ctx context.Context, id model.H128, at time.Time) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE policies SET status = $2, settled_at = $3 WHERE id = $1 AND status = $4`,
		id.String(), string(model.PolicySettled), at, string(model.PolicyActive))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := t.GetPolicy(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: policy %s is not active", ErrConflict, id)
}

func (t *pgTx) ListPolicies(ctx context.Context, status model.PolicyStatus) ([]model.Policy, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// --- Requests ---

func (t *pgTx) CreateRequest(ctx context.Context, r *model.UnderwriteRequest) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO underwrite_requests (id, requester, market_id, strike, payout_per_share, early_trigger,
		     total_shares, filled_shares, premium_per_share, coverage_start, coverage_end, expiry, status,
		     refunded, policy_id, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9::NUMERIC, $10, $11, $12, $13, $14::NUMERIC, $15, $16)`,
		r.ID.String(), r.Requester, r.MarketID, u64(r.EventSpec.Strike), r.EventSpec.PayoutPerShare.String(),
		r.EventSpec.EarlyTrigger, r.TotalShares, r.FilledShares, r.PremiumPerShare.String(),
		r.CoverageStart, r.CoverageEnd, r.Expiry, string(r.Status), r.Refunded.String(),
		optH128(r.PolicyID), r.CreatedAt,
	)
	return mapWriteErr(err, "request "+r.ID.String())
}

const requestColumns = `id, requester, market_id, strike::TEXT, payout_per_share::TEXT, early_trigger,
	total_shares, filled_shares, premium_per_share::TEXT, coverage_start, coverage_end, expiry, status,
	refunded::TEXT, policy_id, created_at`

func scanRequest(row pgx.Row) (*model.UnderwriteRequest, error) {
	var r model.UnderwriteRequest
	var id, strike, payout, premium, status, refunded string
	var policyID *string
	if err := row.Scan(&id, &r.Requester, &r.MarketID, &strike, &payout, &r.EventSpec.EarlyTrigger,
		&r.TotalShares, &r.FilledShares, &premium, &r.CoverageStart, &r.CoverageEnd, &r.Expiry, &status,
		&refunded, &policyID, &r.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if r.ID, err = model.ParseH128(id); err != nil {
		return nil, err
	}
	r.EventSpec.Strike = parseU64(strike)
	r.EventSpec.PayoutPerShare, _ = decimal.NewFromString(payout)
	r.PremiumPerShare, _ = decimal.NewFromString(premium)
	r.Refunded, _ = decimal.NewFromString(refunded)
	r.Status = model.RequestStatus(status)
	r.PolicyID = parseOptH128(policyID)
	return &r, nil
}

func (t *pgTx) GetRequest(ctx context.Context, id model.H128) (*model.UnderwriteRequest, error) {
	r, err := scanRequest(t.q.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM underwrite_requests WHERE id = $1`, id.String()))
	if err != nil {
		return nil, mapReadErr(err, "request "+id.String())
	}
	return r, nil
}

func (t *pgTx) UpdateRequest(ctx context.Context, r *model.UnderwriteRequest) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE underwrite_requests
		 SET filled_shares = $2, status = $3, refunded = $4::NUMERIC, policy_id = $5
		 WHERE id = $1`,
		r.ID.String(), r.FilledShares, string(r.Status), r.Refunded.String(), optH128(r.PolicyID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: request %s", ErrNotFound, r.ID)
	}
	return nil
}

func (t *pgTx) ListRequests(ctx context.Context, statuses ...model.RequestStatus) ([]model.UnderwriteRequest, error) {
	var rows pgx.Rows
	var err error
	if len(statuses) == 0 {
		rows, err = t.q.Query(ctx, `SELECT `+requestColumns+` FROM underwrite_requests ORDER BY created_at`)
	} else {
		want := make([]string, len(statuses))
		for i, s := range statuses {
			want[i] = string(s)
		}
		rows, err = t.q.Query(ctx,
			`SELECT `+requestColumns+` FROM underwrite_requests WHERE status = ANY($1) ORDER BY created_at`, want)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.UnderwriteRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

// --- Settlements ---

func (t *pgTx) InsertSettlement(ctx context.Context, r *model.SettlementResult) error {
	dist, err := json.Marshal(r.Distributions)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO settlement_results (policy_id, pool_id, version, event_occurred, early, window_sum, strike,
		     payout_to_holder, backstop_covered, shortfall, returned_to_pool, distributions, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13)`,
		r.PolicyID.String(), r.PoolID.String(), int16(r.Version), r.EventOccurred, r.Early,
		u64(r.WindowSum), u64(r.Strike), r.PayoutToHolder.String(), r.BackstopCovered.String(),
		r.Shortfall.String(), r.ReturnedToPool.String(), dist, r.SettledAt,
	)
	return mapWriteErr(err, "settlement "+r.PolicyID.String())
}

func (t *pgTx) GetSettlement(ctx context.Context, policyID model.H128) (*model.SettlementResult, error) {
	var r model.SettlementResult
	var id, poolID, windowSum, strike, payout, covered, shortfall, returned string
	var version int16
	var dist []byte
	err := t.q.QueryRow(ctx,
		`SELECT policy_id, pool_id, version, event_occurred, early, window_sum::TEXT, strike::TEXT,
		        payout_to_holder::TEXT, backstop_covered::TEXT, shortfall::TEXT, returned_to_pool::TEXT,
		        distributions, settled_at
		 FROM settlement_results WHERE policy_id = $1`, policyID.String()).
		Scan(&id, &poolID, &version, &r.EventOccurred, &r.Early, &windowSum, &strike,
			&payout, &covered, &shortfall, &returned, &dist, &r.SettledAt)
	if err != nil {
		return nil, mapReadErr(err, "settlement "+policyID.String())
	}
	r.PolicyID = policyID
	if r.PoolID, err = model.ParseH128(poolID); err != nil {
		return nil, err
	}
	r.Version = model.Version(version)
	r.WindowSum = parseU64(windowSum)
	r.Strike = parseU64(strike)
	r.PayoutToHolder, _ = decimal.NewFromString(payout)
	r.BackstopCovered, _ = decimal.NewFromString(covered)
	r.Shortfall, _ = decimal.NewFromString(shortfall)
	r.ReturnedToPool, _ = decimal.NewFromString(returned)
	if err := json.Unmarshal(dist, &r.Distributions); err != nil {
		return nil, fmt.Errorf("decode distributions: %w", err)
	}
	return &r, nil
}

// --- Balances ---

func (t *pgTx) GetBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	var amount string
	err := t.q.QueryRow(ctx, `SELECT amount::TEXT FROM balances WHERE account = $1`, account).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(amount)
}

func (t *pgTx) PutBalance(ctx context.Context, account string, amount decimal.Decimal) error {
	if amount.IsZero() {
		_, err := t.q.Exec(ctx, `DELETE FROM balances WHERE account = $1`, account)
		return err
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO balances (account, amount) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (account) DO UPDATE SET amount = EXCLUDED.amount`,
		account, amount.String())
	return err
}

func (t *pgTx) ListBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	rows, err := t.q.Query(ctx, `SELECT account, amount::TEXT FROM balances`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var account, amount string
		if err := rows.Scan(&account, &amount); err != nil {
			return nil, err
		}
		out[account], _ = decimal.NewFromString(amount)
	}
	return out, rows.Err()
}

// --- Pools and holdings ---

func (t *pgTx) GetPool(ctx context.Context, id model.H128) (*model.Pool, error) {
	p := model.Pool{ID: id}
	err := t.q.QueryRow(ctx,
		`SELECT total_shares, sealed, burned, created_at FROM pools WHERE id = $1`, id.String()).
		Scan(&p.TotalShares, &p.Sealed, &p.Burned, &p.CreatedAt)
	if err != nil {
		return nil, mapReadErr(err, "pool "+id.String())
	}
	return &p, nil
}

func (t *pgTx) PutPool(ctx context.Context, p *model.Pool) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO pools (id, total_shares, sealed, burned, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET total_shares = EXCLUDED.total_shares, sealed = EXCLUDED.sealed, burned = EXCLUDED.burned`,
		p.ID.String(), p.TotalShares, p.Sealed, p.Burned, p.CreatedAt)
	return err
}

func (t *pgTx) GetHolding(ctx context.Context, poolID model.H128, holder string) (*model.Holding, error) {
	h := model.Holding{PoolID: poolID, Holder: holder}
	err := t.q.QueryRow(ctx,
		`SELECT free, locked FROM holdings WHERE pool_id = $1 AND holder = $2`, poolID.String(), holder).
		Scan(&h.Free, &h.Locked)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return &h, nil
}

func (t *pgTx) PutHolding(ctx context.Context, h *model.Holding) error {
	if h.Free == 0 && h.Locked == 0 {
		_, err := t.q.Exec(ctx, `DELETE FROM holdings WHERE pool_id = $1 AND holder = $2`, h.PoolID.String(), h.Holder)
		return err
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO holdings (pool_id, holder, free, locked) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (pool_id, holder) DO UPDATE SET free = EXCLUDED.free, locked = EXCLUDED.locked`,
		h.PoolID.String(), h.Holder, h.Free, h.Locked)
	return err
}

func (t *pgTx) ListHoldings(ctx context.Context, poolID model.H128) ([]model.Holding, error) {
	rows, err := t.q.Query(ctx,
		`SELECT holder, free, locked FROM holdings WHERE pool_id = $1 ORDER BY holder COLLATE "C"`, poolID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Holding
	for rows.Next() {
		h := model.Holding{PoolID: poolID}
		if err := rows.Scan(&h.Holder, &h.Free, &h.Locked); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

// --- Orders ---

func (t *pgTx) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO orders (id, pool_id, side, owner, price, quantity, remaining, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		o.ID, o.PoolID.String(), string(o.Side), o.Owner, o.Price.String(), o.Quantity, o.Remaining, o.CreatedAt)
	return mapWriteErr(err, "order "+o.ID)
}

const orderColumns = `id, pool_id, side, owner, price::TEXT, quantity, remaining, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var poolID, side, price string
	if err := row.Scan(&o.ID, &poolID, &side, &o.Owner, &price, &o.Quantity, &o.Remaining, &o.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if o.PoolID, err = model.ParseH128(poolID); err != nil {
		return nil, err
	}
	o.Side = model.OrderSide(side)
	o.Price, _ = decimal.NewFromString(price)
	return &o, nil
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(t.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, mapReadErr(err, "order "+id)
	}
	return o, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := t.q.Exec(ctx, `UPDATE orders SET remaining = $2 WHERE id = $1`, o.ID, o.Remaining)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", ErrNotFound, o.ID)
	}
	return nil
}

func (t *pgTx) DeleteOrder(ctx context.Context, id string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	return nil
}

func (t *pgTx) ListOrders(ctx context.Context, poolID model.H128) ([]model.Order, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE pool_id = $1 ORDER BY created_at, id`, poolID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}

// --- Column codecs ---

// u64 renders an unsigned value for a NUMERIC(20,0) column; BIGINT would
// overflow above math.MaxInt64.
func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseU64(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func optU64(v *uint64) *string {
	if v == nil {
		return nil
	}
	s := u64(*v)
	return &s
}

func optH128(h model.H128) *string {
	if h.IsZero() {
		return nil
	}
	s := h.String()
	return &s
}

func parseOptH128(s *string) model.H128 {
	if s == nil {
		return model.H128{}
	}
	h, _ := model.ParseH128(*s)
	return h
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
