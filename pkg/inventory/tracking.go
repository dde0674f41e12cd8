package inventory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
)

// daysPerMonth is the month length used for months-to-expiry
const daysPerMonth = 30

// TrackingManager reports batch expiry from the inward history
// 入庫履歴からバッチの有効期限を追跡
type TrackingManager struct {
	store    LedgerStore
	registry Registry
	logger   *zap.Logger
	now      func() time.Time
}

// NewTrackingManager creates a new tracking manager
// 新しい追跡マネージャーを作成
func NewTrackingManager(store LedgerStore, registry Registry, logger *zap.Logger, now func() time.Time) *TrackingManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &TrackingManager{
		store:    store,
		registry: registry,
		logger:   logger,
		now:      now,
	}
}

// batchState is the earliest expiry and current quantity of one BatchKey
type batchState struct {
	key             BatchKey
	productID       string
	expiryDate      *time.Time
	manufactureDate *time.Time
	quantity        int64
}

// ExpiringBatches lists batches with stock left that expire after now and
// within withinMonths months, most urgent first. An empty warehouseID scans
// every warehouse.
// 指定月数以内に期限切れになる在庫ありバッチを取得（緊急度順）
func (tm *TrackingManager) ExpiringBatches(ctx context.Context, companyID, warehouseID string, withinMonths int) ([]BatchSummary, error) {
	if withinMonths <= 0 {
		return nil, NewValidationError("within_months", "月数は1以上である必要があります", fmt.Sprintf("%d", withinMonths))
	}
	batches, err := tm.scan(ctx, companyID, warehouseID, "")
	if err != nil {
		return nil, err
	}

	now := tm.now()
	threshold := now.AddDate(0, withinMonths, 0)
	names := make(map[string]string)
	result := make([]BatchSummary, 0)
	for _, b := range batches {
		if b.expiryDate == nil || !b.expiryDate.After(now) || b.expiryDate.After(threshold) {
			continue
		}
		// 消費済み・マイナスのバッチは期限に関わらず除外
		if b.quantity <= 0 {
			continue
		}
		result = append(result, tm.summarize(ctx, companyID, b, now, names))
	}
	sortSummaries(result)

	tm.logger.Info("期限間近バッチ検索完了",
		zap.String("company_id", companyID),
		zap.String("warehouse_id", warehouseID),
		zap.Int("within_months", withinMonths),
		zap.Time("threshold", threshold),
		zap.Int("count", len(result)),
	)
	return result, nil
}

// ExpiredBatches lists batches that have already expired but still hold stock
// 既に期限切れで在庫が残っているバッチを取得
func (tm *TrackingManager) ExpiredBatches(ctx context.Context, companyID, warehouseID string) ([]BatchSummary, error) {
	batches, err := tm.scan(ctx, companyID, warehouseID, "")
	if err != nil {
		return nil, err
	}

	now := tm.now()
	names := make(map[string]string)
	result := make([]BatchSummary, 0)
	for _, b := range batches {
		if !IsExpired(b.expiryDate, now) || b.quantity <= 0 {
			continue
		}
		result = append(result, tm.summarize(ctx, companyID, b, now, names))
	}
	sortSummaries(result)

	tm.logger.Info("期限切れバッチ検索完了",
		zap.String("company_id", companyID),
		zap.String("warehouse_id", warehouseID),
		zap.Time("current_time", now),
		zap.Int("count", len(result)),
	)
	return result, nil
}

// FEFOPlan proposes which batches to consume for quantity, earliest expiry
// first. Expired and empty batches are skipped. Nothing is written.
// 先期限先出しで消費するバッチを提案（書き込みは行わない）
func (tm *TrackingManager) FEFOPlan(ctx context.Context, companyID, sku, warehouseID string, quantity int64) (*FEFOPlan, error) {
	if err := ValidateSKU(sku); err != nil {
		return nil, err
	}
	if err := ValidateWarehouseID(warehouseID); err != nil {
		return nil, err
	}
	if err := ValidateQuantity(quantity); err != nil {
		return nil, err
	}
	batches, err := tm.scan(ctx, companyID, warehouseID, sku)
	if err != nil {
		return nil, err
	}

	now := tm.now()
	candidates := make([]batchState, 0, len(batches))
	for _, b := range batches {
		if b.quantity > 0 && !IsExpired(b.expiryDate, now) {
			candidates = append(candidates, b)
		}
	}
	// 有効期限なしのバッチは最後
	sort.Slice(candidates, func(i, j int) bool { return fefoLess(candidates[i], candidates[j]) })

	plan := &FEFOPlan{
		SKU:         sku,
		WarehouseID: warehouseID,
		Requested:   quantity,
		Allocations: make([]BatchAllocation, 0),
	}
	remaining := quantity
	for _, b := range candidates {
		if remaining == 0 {
			break
		}
		take := b.quantity
		if take > remaining {
			take = remaining
		}
		plan.Allocations = append(plan.Allocations, BatchAllocation{
			BatchNo:    b.key.BatchNo,
			ExpiryDate: b.expiryDate,
			Available:  b.quantity,
			Quantity:   take,
		})
		remaining -= take
	}
	plan.Shortfall = remaining

	tm.logger.Debug("FEFO引当案作成完了",
		zap.String("company_id", companyID),
		zap.String("sku", sku),
		zap.String("warehouse_id", warehouseID),
		zap.Int64("requested", quantity),
		zap.Int64("shortfall", remaining),
	)
	return plan, nil
}

// GetAuditTrail returns every movement of sku recorded between from and to
// 商品の期間内の全移動記録を取得
func (tm *TrackingManager) GetAuditTrail(ctx context.Context, companyID, sku string, from, to time.Time) (*AuditTrail, error) {
	filter := MovementFilter{CompanyID: companyID, SKU: sku, From: &from, To: &to}
	if err := ValidateSKU(sku); err != nil {
		return nil, err
	}
	if err := validateFilter(&filter); err != nil {
		return nil, err
	}
	snapshot, err := tm.store.Snapshot(ctx, filter)
	if err != nil {
		return nil, wrapStorage("snapshot", "監査証跡取得に失敗しました", err)
	}

	return &AuditTrail{
		CompanyID:   companyID,
		SKU:         sku,
		FromDate:    from,
		ToDate:      to,
		Inward:      snapshot.Inward,
		Outward:     snapshot.Outward,
		Adjustments: snapshot.Adjustments,
		NetChange:   Aggregate(snapshot, StockScope{SKU: sku}),
		GeneratedAt: tm.now(),
	}, nil
}

// AuditTrail is the movement history of one SKU over a period
// 期間内の移動履歴
type AuditTrail struct {
	CompanyID   string             `json:"company_id"`
	SKU         string             `json:"sku"`
	FromDate    time.Time          `json:"from_date"`
	ToDate      time.Time          `json:"to_date"`
	Inward      []InwardRecord     `json:"inward"`
	Outward     []OutwardRecord    `json:"outward"`
	Adjustments []AdjustmentRecord `json:"adjustments"`
	NetChange   int64              `json:"net_change"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// scan groups the ledger into batches in one read-only snapshot.
// No key locks are taken.
func (tm *TrackingManager) scan(ctx context.Context, companyID, warehouseID, sku string) ([]batchState, error) {
	if err := ValidateCompanyID(companyID); err != nil {
		return nil, err
	}
	if warehouseID != "" {
		if err := ValidateWarehouseID(warehouseID); err != nil {
			return nil, err
		}
	}

	snapshot, err := tm.store.Snapshot(ctx, MovementFilter{CompanyID: companyID, SKU: sku, WarehouseID: warehouseID})
	if err != nil {
		return nil, wrapStorage("snapshot", "台帳スナップショット取得に失敗しました", err)
	}

	states := make(map[BatchKey]*batchState)
	order := make([]BatchKey, 0)
	for _, r := range snapshot.Inward {
		key := BatchKey{SKU: r.SKU, WarehouseID: r.WarehouseID, BatchNo: NormalizeBatchNo(r.BatchNo)}
		st, ok := states[key]
		if !ok {
			st = &batchState{key: key, productID: r.ProductID}
			states[key] = st
			order = append(order, key)
		}
		st.quantity += r.Quantity
		// 同じバッチキーでは最も早い有効期限を採用
		if r.ExpiryDate != nil && (st.expiryDate == nil || r.ExpiryDate.Before(*st.expiryDate)) {
			expiry := *r.ExpiryDate
			st.expiryDate = &expiry
		}
		if r.ManufactureDate != nil && (st.manufactureDate == nil || r.ManufactureDate.Before(*st.manufactureDate)) {
			made := *r.ManufactureDate
			st.manufactureDate = &made
		}
	}
	// バッチ未指定の出庫・調整は特定のバッチに帰属しないため別に集計する
	loose := make(map[BatchKey]int64)
	apply := func(sku, warehouseID, batchNo string, delta int64) {
		key := BatchKey{SKU: sku, WarehouseID: warehouseID, BatchNo: NormalizeBatchNo(batchNo)}
		switch {
		case key.BatchNo == NoBatch:
			loose[key] += delta
		case states[key] != nil:
			states[key].quantity += delta
		}
	}
	for _, r := range snapshot.Outward {
		apply(r.SKU, r.WarehouseID, r.BatchNo, -r.Quantity)
	}
	for _, r := range snapshot.Adjustments {
		if r.Approved {
			apply(r.SKU, r.WarehouseID, r.BatchNo, r.Delta)
		}
	}
	attributeLoose(states, order, loose)

	result := make([]batchState, 0, len(order))
	for _, key := range order {
		result = append(result, *states[key])
	}
	return result, nil
}

// attributeLoose settles batch-less movements of each (sku, warehouse). The
// NO_BATCH batch absorbs them first; any remaining consumption is taken from
// the named batches in earliest-expiry order, so batch quantities never sum
// to more than the warehouse holds.
// バッチ未指定の消費を先期限順にバッチへ割り当てる
func attributeLoose(states map[BatchKey]*batchState, order []BatchKey, loose map[BatchKey]int64) {
	for key, delta := range loose {
		if delta == 0 {
			continue
		}
		if st := states[key]; st != nil {
			st.quantity += delta
			if st.quantity >= 0 {
				continue
			}
			delta = st.quantity
			st.quantity = 0
		}
		if delta > 0 {
			continue
		}

		named := make([]*batchState, 0)
		for _, k := range order {
			if k.SKU == key.SKU && k.WarehouseID == key.WarehouseID && k.BatchNo != NoBatch && states[k].quantity > 0 {
				named = append(named, states[k])
			}
		}
		sort.SliceStable(named, func(i, j int) bool { return fefoLess(*named[i], *named[j]) })

		remaining := -delta
		for _, st := range named {
			if remaining == 0 {
				break
			}
			take := st.quantity
			if take > remaining {
				take = remaining
			}
			st.quantity -= take
			remaining -= take
		}
	}
}

// fefoLess orders batches by earliest expiry. Batches without expiry come last.
func fefoLess(a, b batchState) bool {
	switch {
	case a.expiryDate == nil && b.expiryDate == nil:
	case a.expiryDate == nil:
		return false
	case b.expiryDate == nil:
		return true
	case !a.expiryDate.Equal(*b.expiryDate):
		return a.expiryDate.Before(*b.expiryDate)
	}
	return a.key.BatchNo < b.key.BatchNo
}

// summarize builds a report row, resolving the product name best effort
func (tm *TrackingManager) summarize(ctx context.Context, companyID string, b batchState, now time.Time, names map[string]string) BatchSummary {
	name, ok := names[b.key.SKU]
	if !ok && tm.registry != nil {
		if product, err := tm.registry.ResolveSKU(ctx, companyID, b.key.SKU); err == nil {
			name = product.Name
		} else {
			tm.logger.Debug("商品名の取得に失敗しました", zap.String("sku", b.key.SKU), zap.Error(err))
		}
		names[b.key.SKU] = name
	}

	return BatchSummary{
		SKU:            b.key.SKU,
		ProductID:      b.productID,
		ProductName:    name,
		WarehouseID:    b.key.WarehouseID,
		BatchNo:        b.key.BatchNo,
		Quantity:       b.quantity,
		ExpiryDate:     *b.expiryDate,
		MonthsToExpiry: MonthsToExpiry(now, *b.expiryDate),
	}
}

// MonthsToExpiry is floor(days between now and expiry / 30). Negative once expired.
// 有効期限までの月数（30日単位、切り捨て）
func MonthsToExpiry(now, expiry time.Time) int {
	days := math.Floor(expiry.Sub(now).Hours() / 24)
	return int(math.Floor(days / daysPerMonth))
}

func sortSummaries(rows []BatchSummary) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.MonthsToExpiry != b.MonthsToExpiry {
			return a.MonthsToExpiry < b.MonthsToExpiry
		}
		if !a.ExpiryDate.Equal(b.ExpiryDate) {
			return a.ExpiryDate.Before(b.ExpiryDate)
		}
		if a.SKU != b.SKU {
			return a.SKU < b.SKU
		}
		if a.WarehouseID != b.WarehouseID {
			return a.WarehouseID < b.WarehouseID
		}
		return a.BatchNo < b.BatchNo
	})
}
