package inventory

import "sync"

type balanceKey struct {
	companyID   string
	sku         string
	warehouseID string
}

type cachedBalance struct {
	generation uint64
	quantity   int64
}

// BalanceCache memoizes derived (company, sku, warehouse) quantities.
// Every entry is re-derivable from the ledger. A value computed before an
// invalidation is never stored.
// 導出済み在庫数のキャッシュ。無効化より前に計算された値は保存されない
type BalanceCache struct {
	mu          sync.Mutex
	generations map[balanceKey]uint64
	values      map[balanceKey]cachedBalance
}

// NewBalanceCache creates an empty cache
func NewBalanceCache() *BalanceCache {
	return &BalanceCache{
		generations: make(map[balanceKey]uint64),
		values:      make(map[balanceKey]cachedBalance),
	}
}

// begin returns the generation a calculation must present to store its result
func (c *BalanceCache) begin(key balanceKey) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[key]
}

func (c *BalanceCache) get(key balanceKey) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	if !ok || v.generation != c.generations[key] {
		return 0, false
	}
	return v.quantity, true
}

func (c *BalanceCache) store(key balanceKey, generation uint64, quantity int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[key] != generation {
		return false
	}
	c.values[key] = cachedBalance{generation: generation, quantity: quantity}
	return true
}

// Invalidate drops the warehouse entry and the company-wide entry of sku
// 倉庫別と全倉庫合計のエントリを無効化
func (c *BalanceCache) Invalidate(companyID, sku, warehouseID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range []balanceKey{
		{companyID: companyID, sku: sku, warehouseID: warehouseID},
		{companyID: companyID, sku: sku},
	} {
		c.generations[key]++
		delete(c.values, key)
	}
}
