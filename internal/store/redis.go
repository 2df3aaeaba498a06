package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/parametric-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Only records that can no longer change are cached: markets, settled
// policies and settlement results. Active policies and everything carrying
// balances always come from the primary, so a stale cache entry can never
// feed a settlement decision.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	var fill []cacheEntry
	err := s.primary.Atomic(ctx, func(tx Tx) error {
		fill = fill[:0]
		return fn(&cachedTx{Tx: tx, s: s, fill: &fill})
	})
	if err != nil {
		return err
	}
	// Populate only after commit so a rolled-back write never reaches Redis.
	for _, e := range fill {
		s.rdb.Set(ctx, e.key, e.data, s.ttl)
	}
	return nil
}

type cacheEntry struct {
	key  string
	data []byte
}

type cachedTx struct {
	Tx
	s    *CachedStore
	fill *[]cacheEntry
}

func (t *cachedTx) remember(key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		*t.fill = append(*t.fill, cacheEntry{key: key, data: data})
	}
}

func (t *cachedTx) lookup(ctx context.Context, key string, v any) bool {
	data, err := t.s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// --- Read-through (check cache first) ---

func (t *cachedTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if t.lookup(ctx, marketKey(id), &m) {
		return &m, nil
	}

	// Cache miss: read from primary.
	got, err := t.Tx.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	t.remember(marketKey(id), got)
	return got, nil
}

func (t *cachedTx) GetPolicy(ctx context.Context, id model.H128) (*model.Policy, error) {
	var p model.Policy
	if t.lookup(ctx, policyKey(id), &p) {
		return &p, nil
	}

	got, err := t.Tx.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if got.Status == model.PolicySettled {
		t.remember(policyKey(id), got)
	}
	return got, nil
}

func (t *cachedTx) GetSettlement(ctx context.Context, policyID model.H128) (*model.SettlementResult, error) {
	var r model.SettlementResult
	if t.lookup(ctx, settlementKey(policyID), &r) {
		return &r, nil
	}

	got, err := t.Tx.GetSettlement(ctx, policyID)
	if err != nil {
		return nil, err
	}
	t.remember(settlementKey(policyID), got)
	return got, nil
}

// --- Write-through (write to primary, cache after commit) ---

func (t *cachedTx) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := t.Tx.CreateMarket(ctx, m); err != nil {
		return err
	}
	t.remember(marketKey(m.ID), m)
	return nil
}

func (t *cachedTx) InsertSettlement(ctx context.Context, r *model.SettlementResult) error {
	if err := t.Tx.InsertSettlement(ctx, r); err != nil {
		return err
	}
	t.remember(settlementKey(r.PolicyID), r)
	return nil
}

// --- Cache keys ---

func marketKey(id string) string         { return fmt.Sprintf("market:%s", id) }
func policyKey(id model.H128) string     { return fmt.Sprintf("policy:%s", id) }
func settlementKey(id model.H128) string { return fmt.Sprintf("settlement:%s", id) }
