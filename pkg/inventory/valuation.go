package inventory

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Valuation is the weighted-average value of one SKU's current stock
// 加重平均法による在庫評価額
type Valuation struct {
	CompanyID   string          `json:"company_id"`
	SKU         string          `json:"sku"`
	WarehouseID string          `json:"warehouse_id,omitempty"`
	Quantity    int64           `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
	TotalValue  decimal.Decimal `json:"total_value"`
}

// ValuationEngine values stock at the weighted-average receipt cost.
// Transfer receipts are excluded so moved units are not counted twice.
// 入庫単価の加重平均で在庫を評価（倉庫間移動の入庫は除外）
type ValuationEngine struct {
	store  LedgerStore
	logger *zap.Logger
}

// NewValuationEngine creates a new valuation engine
// 新しい在庫評価エンジンを作成
func NewValuationEngine(store LedgerStore, logger *zap.Logger) *ValuationEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ValuationEngine{
		store:  store,
		logger: logger,
	}
}

// AverageCost values sku in warehouseID, or company-wide when warehouseID is empty
// 商品の平均原価と評価額を計算
func (v *ValuationEngine) AverageCost(ctx context.Context, companyID, sku, warehouseID string) (*Valuation, error) {
	if err := ValidateCompanyID(companyID); err != nil {
		return nil, err
	}
	if err := ValidateSKU(sku); err != nil {
		return nil, err
	}

	// 平均原価は全倉庫の入庫から算出し、数量は指定倉庫のものを使う
	snapshot, err := v.store.Snapshot(ctx, MovementFilter{CompanyID: companyID, SKU: sku})
	if err != nil {
		return nil, wrapStorage("snapshot", "台帳スナップショット取得に失敗しました", err)
	}

	totalCost := decimal.Zero
	var receivedQty int64
	for _, r := range snapshot.Inward {
		if r.Source.Kind == LabelTransfer {
			continue
		}
		totalCost = totalCost.Add(r.UnitCost.Mul(decimal.NewFromInt(r.Quantity)))
		receivedQty += r.Quantity
	}

	result := &Valuation{
		CompanyID:   companyID,
		SKU:         sku,
		WarehouseID: warehouseID,
		Quantity:    Aggregate(snapshot, StockScope{SKU: sku, WarehouseID: warehouseID}),
		AverageCost: decimal.Zero,
		TotalValue:  decimal.Zero,
	}
	if receivedQty == 0 {
		v.logger.Debug("平均原価計算用の入庫がありません",
			zap.String("company_id", companyID),
			zap.String("sku", sku),
		)
		return result, nil
	}

	result.AverageCost = totalCost.Div(decimal.NewFromInt(receivedQty)).Round(4)
	if result.Quantity > 0 {
		result.TotalValue = result.AverageCost.Mul(decimal.NewFromInt(result.Quantity)).Round(2)
	}
	return result, nil
}
