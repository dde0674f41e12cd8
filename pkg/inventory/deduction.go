package inventory

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Deduct validates every line of a created shipment against available stock
// and, when all are covered, writes one outward record per line and marks
// the shipment deducted. Either everything is written or nothing is.
// partial caps or selects lines; nil deducts the full shipment.
// 出荷の全明細を在庫と照合し、すべて確保できる場合のみ出庫記録と引当済みステータスを一括で書き込む
func (e *ShipmentEngine) Deduct(ctx context.Context, companyID, shipmentID string, partial []PartialItem) (*Shipment, error) {
	started := e.config.now()
	if err := ValidateCompanyID(companyID); err != nil {
		return nil, err
	}
	if err := ValidatePartialItems(partial); err != nil {
		return nil, err
	}
	if e.config.DeductTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.DeductTimeout)
		defer cancel()
	}

	var (
		shipment *Shipment
		reqs     []StockRequirement
		err      error
	)
	for attempt := 0; ; attempt++ {
		shipment, reqs, err = e.deductOnce(ctx, companyID, shipmentID, partial)
		if err == nil || !IsConflict(err) || attempt >= e.config.MaxRetries {
			break
		}
		e.metrics.observeRetry()
		e.logger.Warn("引当の競合を検出したため再試行します",
			zap.String("company_id", companyID),
			zap.String("shipment_id", shipmentID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	if err != nil {
		e.metrics.observeDeduction(deductionResult(err), started)
		e.logger.Info("引当失敗",
			zap.String("company_id", companyID),
			zap.String("shipment_id", shipmentID),
			zap.Error(err),
		)
		return nil, err
	}

	e.metrics.observeDeduction("deducted", started)
	e.logger.Info("引当完了",
		zap.String("company_id", companyID),
		zap.String("shipment_id", shipmentID),
		zap.Int("lines", len(reqs)),
		zap.String("deducted_by", shipment.DeductedBy),
	)
	e.publish(ctx, AuditActionDeducted, shipment, reqs, *shipment.DeductedAt)
	return shipment, nil
}

// deductOnce runs one locked validate-and-commit pass
func (e *ShipmentEngine) deductOnce(ctx context.Context, companyID, shipmentID string, partial []PartialItem) (*Shipment, []StockRequirement, error) {
	shipment, err := e.GetShipment(ctx, companyID, shipmentID)
	if err != nil {
		return nil, nil, err
	}
	if shipment.Status != ShipmentStatusCreated {
		return nil, nil, &InvalidStateTransitionError{ShipmentID: shipmentID, From: shipment.Status, To: ShipmentStatusDeducted}
	}

	lines, err := ResolveDeductionLines(shipment.Lines, partial)
	if err != nil {
		return nil, nil, err
	}
	reqs := Requirements(lines)
	guard := append(append([]StockRequirement(nil), reqs...), BatchRequirements(lines)...)

	release, err := acquire(ctx, e.locker, companyID, reqs)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	// 先行する引当がロック待ちの間に完了していれば、在庫より先に状態で拒否する
	current, err := e.GetShipment(ctx, companyID, shipmentID)
	if err != nil {
		return nil, nil, err
	}
	if current.Status != ShipmentStatusCreated {
		return nil, nil, &InvalidStateTransitionError{ShipmentID: shipmentID, From: current.Status, To: ShipmentStatusDeducted}
	}
	if current.Version != shipment.Version {
		return nil, nil, NewConcurrencyError("deduct", shipmentID, "引当中に出荷が更新されました")
	}
	shipment = current

	// ロック取得後の最新在庫で全明細を検証
	available, err := e.calc.availableFor(ctx, companyID, guard)
	if err != nil {
		return nil, nil, err
	}
	if err := shortage(guard, available); err != nil {
		return nil, nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("引当がタイムアウトしました: %w", err)
	}

	now := e.config.now()
	actor := ActorFromContext(ctx)
	destination := shipment.Channel.Destination()
	records := make([]OutwardRecord, 0, len(lines))
	for _, line := range lines {
		records = append(records, OutwardRecord{
			ID:          NewRecordID(),
			CompanyID:   companyID,
			ProductID:   line.ProductID,
			SKU:         line.SKU,
			WarehouseID: line.WarehouseID,
			Quantity:    line.Quantity,
			BatchNo:     NormalizeBatchNo(line.BatchNo),
			Destination: destination,
			OriginKind:  OriginShipmentDeduction,
			ReferenceID: shipment.ID,
			CreatedAt:   now,
			CreatedBy:   actor,
		})
	}

	commit := DeductionCommit{
		CompanyID:  companyID,
		ShipmentID: shipment.ID,
		Version:    shipment.Version,
		Records:    records,
		Guard:      guard,
		DeductedAt: now,
		DeductedBy: actor,
	}
	err = e.store.CommitDeduction(ctx, commit)
	// 失敗時もストレージ側の状態が不明なためキャッシュは破棄する
	for _, req := range reqs {
		e.calc.invalidate(companyID, req.SKU, req.WarehouseID)
	}
	if err != nil {
		return nil, nil, wrapStorage("commit_deduction", "引当のコミットに失敗しました", err)
	}

	if err := shipment.Transition(ShipmentStatusDeducted, now, actor); err != nil {
		return nil, nil, err
	}
	return shipment, reqs, nil
}

// ResolveDeductionLines returns the lines a deduction writes. Without partial
// items every line is used. Otherwise each line matched by a partial item is
// clipped to min(item quantity, line quantity) and unmatched lines are dropped.
// An item matches by LineNo when set, else by SKU and warehouse.
// 引当対象の明細を決定（部分引当では一致しない明細を除外し、数量を切り詰める）
func ResolveDeductionLines(lines []ShipmentLine, partial []PartialItem) ([]ShipmentLine, error) {
	if len(partial) == 0 {
		out := make([]ShipmentLine, len(lines))
		copy(out, lines)
		if len(out) == 0 {
			return nil, NewValidationError("lines", "引当対象の明細がありません", "0")
		}
		return out, nil
	}

	byLine := make(map[int]PartialItem)
	byKey := make(map[string]PartialItem)
	for _, item := range partial {
		if item.LineNo > 0 {
			byLine[item.LineNo] = item
			continue
		}
		byKey[requirementKey(item.SKU, item.WarehouseID)] = item
	}

	out := make([]ShipmentLine, 0, len(lines))
	for _, line := range lines {
		item, ok := byLine[line.LineNo]
		if !ok {
			item, ok = byKey[requirementKey(line.SKU, line.WarehouseID)]
		}
		if !ok {
			continue
		}
		if item.Quantity < line.Quantity {
			line.Quantity = item.Quantity
		}
		out = append(out, line)
	}
	if len(out) == 0 {
		return nil, NewValidationError("partial", "部分引当の指定に一致する明細がありません", fmt.Sprintf("%d", len(partial)))
	}
	return out, nil
}

// Requirements sums line quantities per (sku, warehouse) in first-seen order
// 明細の数量をSKU・倉庫ごとに合算
func Requirements(lines []ShipmentLine) []StockRequirement {
	index := make(map[string]int)
	reqs := make([]StockRequirement, 0, len(lines))
	for _, line := range lines {
		key := requirementKey(line.SKU, line.WarehouseID)
		if i, ok := index[key]; ok {
			reqs[i].Quantity += line.Quantity
			continue
		}
		index[key] = len(reqs)
		reqs = append(reqs, StockRequirement{SKU: line.SKU, WarehouseID: line.WarehouseID, Quantity: line.Quantity})
	}
	return reqs
}

// BatchRequirements sums the quantities of lines naming a batch per
// (sku, warehouse, batch). Lines without a batch only need warehouse stock.
// バッチ指定のある明細をバッチ単位で合算
func BatchRequirements(lines []ShipmentLine) []StockRequirement {
	index := make(map[string]int)
	reqs := make([]StockRequirement, 0)
	for _, line := range lines {
		batchNo := NormalizeBatchNo(line.BatchNo)
		if batchNo == NoBatch {
			continue
		}
		req := StockRequirement{SKU: line.SKU, WarehouseID: line.WarehouseID, BatchNo: batchNo, Quantity: line.Quantity}
		if i, ok := index[req.key()]; ok {
			reqs[i].Quantity += line.Quantity
			continue
		}
		index[req.key()] = len(reqs)
		reqs = append(reqs, req)
	}
	return reqs
}

func deductionResult(err error) string {
	switch {
	case isInsufficient(err):
		return "insufficient_stock"
	case isInvalidTransition(err):
		return "invalid_state"
	case IsConflict(err):
		return "conflict"
	}
	return "error"
}
