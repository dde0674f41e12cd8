package inventory

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// StockScope narrows an aggregation. Empty fields match everything.
// 集計範囲（空のフィールドはすべてに一致）
type StockScope struct {
	SKU         string
	WarehouseID string
	BatchNo     string
}

func (s StockScope) matches(sku, warehouseID, batchNo string) bool {
	if s.SKU != "" && s.SKU != sku {
		return false
	}
	if s.WarehouseID != "" && s.WarehouseID != warehouseID {
		return false
	}
	if s.BatchNo != "" && s.BatchNo != NormalizeBatchNo(batchNo) {
		return false
	}
	return true
}

// Aggregate derives the quantity of scope from a snapshot:
// Σinward − Σoutward + Σ(approved adjustment deltas)
// スナップショットから在庫数を導出
func Aggregate(snapshot *LedgerSnapshot, scope StockScope) int64 {
	if snapshot == nil {
		return 0
	}
	var total int64
	for _, r := range snapshot.Inward {
		if scope.matches(r.SKU, r.WarehouseID, r.BatchNo) {
			total += r.Quantity
		}
	}
	for _, r := range snapshot.Outward {
		if scope.matches(r.SKU, r.WarehouseID, r.BatchNo) {
			total -= r.Quantity
		}
	}
	for _, r := range snapshot.Adjustments {
		if r.Approved && scope.matches(r.SKU, r.WarehouseID, r.BatchNo) {
			total += r.Delta
		}
	}
	return total
}

// Calculator derives stock quantities from the ledger. It never writes.
// 台帳から在庫数を導出する（書き込みは行わない）
type Calculator struct {
	store   LedgerStore
	cache   *BalanceCache
	metrics *Metrics
	logger  *zap.Logger
}

// NewCalculator creates a calculator. cache may be nil to always read the ledger.
// 新しい在庫計算機を作成（cacheがnilの場合は常に台帳を読む）
func NewCalculator(store LedgerStore, cache *BalanceCache, metrics *Metrics, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{
		store:   store,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
	}
}

// AvailableQuantity returns the quantity of sku in warehouseID, or company-wide
// when warehouseID is empty
// 指定倉庫（空の場合は全倉庫）の利用可能在庫数を取得
func (c *Calculator) AvailableQuantity(ctx context.Context, companyID, sku, warehouseID string) (int64, error) {
	if err := ValidateCompanyID(companyID); err != nil {
		return 0, err
	}
	if err := ValidateSKU(sku); err != nil {
		return 0, err
	}

	key := balanceKey{companyID: companyID, sku: sku, warehouseID: warehouseID}
	var generation uint64
	if c.cache != nil {
		if qty, ok := c.cache.get(key); ok {
			c.metrics.observeCache(true)
			return qty, nil
		}
		c.metrics.observeCache(false)
		generation = c.cache.begin(key)
	}

	qty, err := c.fresh(ctx, companyID, StockScope{SKU: sku, WarehouseID: warehouseID})
	if err != nil {
		return 0, err
	}

	if c.cache != nil {
		c.cache.store(key, generation, qty)
	}
	if qty < 0 {
		c.flagNegative(companyID, sku, warehouseID, qty)
	}
	return qty, nil
}

// Balance returns the quantity together with its negative flag
// 在庫数と負在庫フラグを取得
func (c *Calculator) Balance(ctx context.Context, companyID, sku, warehouseID string) (StockBalance, error) {
	qty, err := c.AvailableQuantity(ctx, companyID, sku, warehouseID)
	if err != nil {
		return StockBalance{}, err
	}
	return StockBalance{
		CompanyID:   companyID,
		SKU:         sku,
		WarehouseID: warehouseID,
		Quantity:    qty,
		Flagged:     qty < 0,
	}, nil
}

// StockByWarehouse returns the positive quantities of sku per warehouse
// 倉庫別の在庫数を取得（0以下は除外）
func (c *Calculator) StockByWarehouse(ctx context.Context, companyID, sku string) (map[string]int64, error) {
	if err := ValidateCompanyID(companyID); err != nil {
		return nil, err
	}
	if err := ValidateSKU(sku); err != nil {
		return nil, err
	}

	snapshot, err := c.store.Snapshot(ctx, MovementFilter{CompanyID: companyID, SKU: sku})
	if err != nil {
		return nil, wrapStorage("snapshot", "台帳スナップショット取得に失敗しました", err)
	}

	totals := make(map[string]int64)
	for _, r := range snapshot.Inward {
		totals[r.WarehouseID] += r.Quantity
	}
	for _, r := range snapshot.Outward {
		totals[r.WarehouseID] -= r.Quantity
	}
	for _, r := range snapshot.Adjustments {
		if r.Approved {
			totals[r.WarehouseID] += r.Delta
		}
	}

	result := make(map[string]int64, len(totals))
	for warehouseID, qty := range totals {
		if qty < 0 {
			c.flagNegative(companyID, sku, warehouseID, qty)
		}
		if qty > 0 {
			result[warehouseID] = qty
		}
	}
	return result, nil
}

// BatchQuantity returns the quantity attributed to a single receipt batch
// バッチ単位の在庫数を取得
func (c *Calculator) BatchQuantity(ctx context.Context, companyID string, key BatchKey) (int64, error) {
	if err := ValidateCompanyID(companyID); err != nil {
		return 0, err
	}
	if err := ValidateSKU(key.SKU); err != nil {
		return 0, err
	}
	if err := ValidateWarehouseID(key.WarehouseID); err != nil {
		return 0, err
	}
	return c.fresh(ctx, companyID, StockScope{
		SKU:         key.SKU,
		WarehouseID: key.WarehouseID,
		BatchNo:     NormalizeBatchNo(key.BatchNo),
	})
}

// fresh aggregates a snapshot without consulting the cache
func (c *Calculator) fresh(ctx context.Context, companyID string, scope StockScope) (int64, error) {
	snapshot, err := c.store.Snapshot(ctx, MovementFilter{
		CompanyID:   companyID,
		SKU:         scope.SKU,
		WarehouseID: scope.WarehouseID,
	})
	if err != nil {
		return 0, wrapStorage("snapshot", "台帳スナップショット取得に失敗しました", err)
	}
	return Aggregate(snapshot, scope), nil
}

// availableFor returns the uncached quantity of every requirement scope
func (c *Calculator) availableFor(ctx context.Context, companyID string, reqs []StockRequirement) (map[string]int64, error) {
	available := make(map[string]int64, len(reqs))
	for _, req := range reqs {
		qty, err := c.fresh(ctx, companyID, req.Scope())
		if err != nil {
			return nil, err
		}
		available[req.key()] = qty
	}
	return available, nil
}

func (c *Calculator) invalidate(companyID, sku, warehouseID string) {
	if c.cache != nil {
		c.cache.Invalidate(companyID, sku, warehouseID)
	}
}

func (c *Calculator) flagNegative(companyID, sku, warehouseID string, qty int64) {
	c.metrics.observeNegativeBalance()
	c.logger.Warn("在庫数がマイナスです",
		zap.String("company_id", companyID),
		zap.String("sku", sku),
		zap.String("warehouse_id", warehouseID),
		zap.Int64("quantity", qty),
	)
}

func requirementKey(sku, warehouseID string) string {
	return fmt.Sprintf("%s\x00%s", sku, warehouseID)
}
