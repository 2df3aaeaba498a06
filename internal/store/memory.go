package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/parametric-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Atomic holds a single mutex for the whole callback and records an undo
// entry for every write, replaying them in reverse when the callback fails.
type MemoryStore struct {
	mu sync.Mutex
	st *memState
}

type memState struct {
	markets     map[string]model.Market
	marketKeys  map[string]string // key -> market ID
	readings    map[string]map[int64]model.Reading
	nonces      map[string]uint64
	quotes      map[string]model.Quote
	policies    map[model.H128]model.Policy
	requests    map[model.H128]model.UnderwriteRequest
	settlements map[model.H128]model.SettlementResult
	balances    map[string]decimal.Decimal
	pools       map[model.H128]model.Pool
	holdings    map[model.H128]map[string]model.Holding
	orders      map[string]model.Order
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: &memState{
		markets:     make(map[string]model.Market),
		marketKeys:  make(map[string]string),
		readings:    make(map[string]map[int64]model.Reading),
		nonces:      make(map[string]uint64),
		quotes:      make(map[string]model.Quote),
		policies:    make(map[model.H128]model.Policy),
		requests:    make(map[model.H128]model.UnderwriteRequest),
		settlements: make(map[model.H128]model.SettlementResult),
		balances:    make(map[string]decimal.Decimal),
		pools:       make(map[model.H128]model.Pool),
		holdings:    make(map[model.H128]map[string]model.Holding),
		orders:      make(map[string]model.Order),
	}}
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{st: s.st}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type memTx struct {
	st   *memState
	undo []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

// set writes m[k] = v and journals the previous entry.
func set[K comparable, V any](tx *memTx, m map[K]V, k K, v V) {
	prev, had := m[k]
	tx.undo = append(tx.undo, func() {
		if had {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

// del removes m[k] and journals the previous entry.
func del[K comparable, V any](tx *memTx, m map[K]V, k K) {
	prev, had := m[k]
	if !had {
		return
	}
	tx.undo = append(tx.undo, func() { m[k] = prev })
	delete(m, k)
}

// --- Markets ---

func (tx *memTx) CreateMarket(_ context.Context, m *model.Market) error {
	if _, ok := tx.st.markets[m.ID]; ok {
		return fmt.Errorf("%w: market %s already exists", ErrConflict, m.ID)
	}
	if _, ok := tx.st.marketKeys[m.Key]; ok {
		return fmt.Errorf("%w: market for key %s already exists", ErrConflict, m.Key)
	}
	set(tx, tx.st.markets, m.ID, *m)
	set(tx, tx.st.marketKeys, m.Key, m.ID)
	return nil
}

func (tx *memTx) GetMarket(_ context.Context, id string) (*model.Market, error) {
	m, ok := tx.st.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	return &m, nil
}

func (tx *memTx) ListMarkets(_ context.Context) ([]model.Market, error) {
	markets := make([]model.Market, 0, len(tx.st.markets))
	for _, m := range tx.st.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].CreatedAt.After(markets[j].CreatedAt) })
	return markets, nil
}

// --- Readings ---

func (tx *memTx) GetReading(_ context.Context, marketID string, ts time.Time) (*model.Reading, error) {
	r, ok := tx.st.readings[marketID][ts.UnixNano()]
	if !ok {
		return nil, fmt.Errorf("%w: reading %s@%s", ErrNotFound, marketID, ts.Format(time.RFC3339))
	}
	return &r, nil
}

func (tx *memTx) PutReading(_ context.Context, r *model.Reading) error {
	byTS, ok := tx.st.readings[r.MarketID]
	if !ok {
		byTS = make(map[int64]model.Reading)
		tx.st.readings[r.MarketID] = byTS
	}
	set(tx, byTS, r.Timestamp.UnixNano(), *r)
	return nil
}

func (tx *memTx) ListReadings(_ context.Context, marketID string, from, to time.Time) ([]model.Reading, error) {
	var result []model.Reading
	for _, r := range tx.st.readings[marketID] {
		if r.Timestamp.Before(from) || r.Timestamp.After(to) {
			continue
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

// --- Nonces ---

func (tx *memTx) NextNonce(_ context.Context, namespace string) (uint64, error) {
	next := tx.st.nonces[namespace] + 1
	set(tx, tx.st.nonces, namespace, next)
	return next, nil
}

// --- Quotes ---

func (tx *memTx) CreateQuote(_ context.Context, q *model.Quote) error {
	if _, ok := tx.st.quotes[q.ID]; ok {
		return fmt.Errorf("%w: quote %s already exists", ErrConflict, q.ID)
	}
	set(tx, tx.st.quotes, q.ID, cloneQuote(*q))
	return nil
}

func (tx *memTx) GetQuote(_ context.Context, id string) (*model.Quote, error) {
	q, ok := tx.st.quotes[id]
	if !ok {
		return nil, fmt.Errorf("%w: quote %s", ErrNotFound, id)
	}
	q = cloneQuote(q)
	return &q, nil
}

func (tx *memTx) UpdateQuote(_ context.Context, q *model.Quote) error {
	if _, ok := tx.st.quotes[q.ID]; !ok {
		return fmt.Errorf("%w: quote %s", ErrNotFound, q.ID)
	}
	set(tx, tx.st.quotes, q.ID, cloneQuote(*q))
	return nil
}

// --- Policies ---

func (tx *memTx) CreatePolicy(_ context.Context, p *model.Policy) error {
	if _, ok := tx.st.policies[p.ID]; ok {
		return fmt.Errorf("%w: policy %s already exists", ErrConflict, p.ID)
	}
	set(tx, tx.st.policies, p.ID, clonePolicy(*p))
	return nil
}

func (tx *memTx) GetPolicy(_ context.Context, id model.H128) (*model.Policy, error) {
	p, ok := tx.st.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: policy %s", ErrNotFound, id)
	}
	p = clonePolicy(p)
	return &p, nil
}

func (tx *memTx) MarkPolicySettled(_ context.Context, id model.H128, at time.Time) error {
	p, ok := tx.st.policies[id]
	if !ok {
		return fmt.Errorf("%w: policy %s", ErrNotFound, id)
	}
	if p.Status != model.PolicyActive {
		return fmt.Errorf("%w: policy %s is %s", ErrConflict, id, p.Status)
	}
	p.Status = model.PolicySettled
	settledAt := at
	p.SettledAt = &settledAt
	set(tx, tx.st.policies, id, p)
	return nil
}

func (tx *memTx) ListPolicies(_ context.Context, status model.PolicyStatus) ([]model.Policy, error) {
	var result []model.Policy
	for _, p := range tx.st.policies {
		if p.Status == status {
			result = append(result, clonePolicy(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// --- Requests ---

func (tx *memTx) CreateRequest(_ context.Context, r *model.UnderwriteRequest) error {
	if _, ok := tx.st.requests[r.ID]; ok {
		return fmt.Errorf("%w: request %s already exists", ErrConflict, r.ID)
	}
	set(tx, tx.st.requests, r.ID, *r)
	return nil
}

func (tx *memTx) GetRequest(_ context.Context, id model.H128) (*model.UnderwriteRequest, error) {
	r, ok := tx.st.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	return &r, nil
}

func (tx *memTx) UpdateRequest(_ context.Context, r *model.UnderwriteRequest) error {
	if _, ok := tx.st.requests[r.ID]; !ok {
		return fmt.Errorf("%w: request %s", ErrNotFound, r.ID)
	}
	set(tx, tx.st.requests, r.ID, *r)
	return nil
}

func (tx *memTx) ListRequests(_ context.Context, statuses ...model.RequestStatus) ([]model.UnderwriteRequest, error) {
	want := make(map[model.RequestStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var result []model.UnderwriteRequest
	for _, r := range tx.st.requests {
		if len(want) == 0 || want[r.Status] {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// --- Settlements ---

func (tx *memTx) InsertSettlement(_ context.Context, r *model.SettlementResult) error {
	if _, ok := tx.st.settlements[r.PolicyID]; ok {
		return fmt.Errorf("%w: settlement for %s already recorded", ErrConflict, r.PolicyID)
	}
	set(tx, tx.st.settlements, r.PolicyID, cloneSettlement(*r))
	return nil
}

func (tx *memTx) GetSettlement(_ context.Context, policyID model.H128) (*model.SettlementResult, error) {
	r, ok := tx.st.settlements[policyID]
	if !ok {
		return nil, fmt.Errorf("%w: settlement for %s", ErrNotFound, policyID)
	}
	r = cloneSettlement(r)
	return &r, nil
}

// --- Balances ---

func (tx *memTx) GetBalance(_ context.Context, account string) (decimal.Decimal, error) {
	return tx.st.balances[account], nil
}

func (tx *memTx) PutBalance(_ context.Context, account string, amount decimal.Decimal) error {
	if amount.IsZero() {
		del(tx, tx.st.balances, account)
		return nil
	}
	set(tx, tx.st.balances, account, amount)
	return nil
}

func (tx *memTx) ListBalances(_ context.Context) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(tx.st.balances))
	for k, v := range tx.st.balances {
		out[k] = v
	}
	return out, nil
}

// --- Pools and holdings ---

func (tx *memTx) GetPool(_ context.Context, id model.H128) (*model.Pool, error) {
	p, ok := tx.st.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, id)
	}
	return &p, nil
}

func (tx *memTx) PutPool(_ context.Context, p *model.Pool) error {
	set(tx, tx.st.pools, p.ID, *p)
	return nil
}

func (tx *memTx) GetHolding(_ context.Context, poolID model.H128, holder string) (*model.Holding, error) {
	h, ok := tx.st.holdings[poolID][holder]
	if !ok {
		return &model.Holding{PoolID: poolID, Holder: holder}, nil
	}
	return &h, nil
}

func (tx *memTx) PutHolding(_ context.Context, h *model.Holding) error {
	byHolder, ok := tx.st.holdings[h.PoolID]
	if !ok {
		byHolder = make(map[string]model.Holding)
		tx.st.holdings[h.PoolID] = byHolder
	}
	if h.Free == 0 && h.Locked == 0 {
		del(tx, byHolder, h.Holder)
		return nil
	}
	set(tx, byHolder, h.Holder, *h)
	return nil
}

func (tx *memTx) ListHoldings(_ context.Context, poolID model.H128) ([]model.Holding, error) {
	byHolder := tx.st.holdings[poolID]
	result := make([]model.Holding, 0, len(byHolder))
	for _, h := range byHolder {
		result = append(result, h)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Holder < result[j].Holder })
	return result, nil
}

// --- Orders ---

func (tx *memTx) CreateOrder(_ context.Context, o *model.Order) error {
	if _, ok := tx.st.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %s already exists", ErrConflict, o.ID)
	}
	set(tx, tx.st.orders, o.ID, *o)
	return nil
}

func (tx *memTx) GetOrder(_ context.Context, id string) (*model.Order, error) {
	o, ok := tx.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	return &o, nil
}

func (tx *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	if _, ok := tx.st.orders[o.ID]; !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, o.ID)
	}
	set(tx, tx.st.orders, o.ID, *o)
	return nil
}

func (tx *memTx) DeleteOrder(_ context.Context, id string) error {
	if _, ok := tx.st.orders[id]; !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	del(tx, tx.st.orders, id)
	return nil
}

func (tx *memTx) ListOrders(_ context.Context, poolID model.H128) ([]model.Order, error) {
	var result []model.Order
	for _, o := range tx.st.orders {
		if o.PoolID == poolID {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// --- Copy helpers: stored values never alias caller memory ---

func cloneQuote(q model.Quote) model.Quote {
	if q.StrikeOverride != nil {
		v := *q.StrikeOverride
		q.StrikeOverride = &v
	}
	return q
}

func clonePolicy(p model.Policy) model.Policy {
	if p.SettledAt != nil {
		t := *p.SettledAt
		p.SettledAt = &t
	}
	return p
}

func cloneSettlement(r model.SettlementResult) model.SettlementResult {
	r.Distributions = append([]model.Distribution(nil), r.Distributions...)
	return r
}

var _ Tx = (*memTx)(nil)
