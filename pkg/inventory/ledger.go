package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TransferRequest moves quantity of one batch between two warehouses
// 倉庫間移動の依頼
type TransferRequest struct {
	CompanyID       string `json:"company_id"`
	SKU             string `json:"sku"`
	ProductID       string `json:"product_id"`
	FromWarehouseID string `json:"from_warehouse_id"`
	ToWarehouseID   string `json:"to_warehouse_id"`
	Quantity        int64  `json:"quantity"`
	BatchNo         string `json:"batch_no"`
	Reference       string `json:"reference"`
}

// TransferResult holds the two records written by a transfer
type TransferResult struct {
	OutwardID string `json:"outward_id"`
	InwardID  string `json:"inward_id"`
}

// Ledger appends movement records. Records are never updated or deleted.
// 在庫移動台帳（追記のみ、更新・削除は行わない）
type Ledger struct {
	store    LedgerStore
	registry Registry
	locker   Locker
	calc     *Calculator
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewLedger creates a movement ledger
// 新しい在庫移動台帳を作成
func NewLedger(store LedgerStore, registry Registry, locker Locker, calc *Calculator, metrics *Metrics, logger *zap.Logger, now func() time.Time) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		store:    store,
		registry: registry,
		locker:   locker,
		calc:     calc,
		metrics:  metrics,
		logger:   logger,
		now:      now,
	}
}

// RecordInward appends a receipt and returns its ID
// 入庫を記録しIDを返す
func (l *Ledger) RecordInward(ctx context.Context, record *InwardRecord) (string, error) {
	if record == nil {
		return "", NewValidationError("inward", "入庫記録が指定されていません", "nil")
	}
	record.BatchNo = NormalizeBatchNo(record.BatchNo)
	if record.Source.Kind == "" {
		record.Source = Label{Kind: LabelSupplier}
	}
	if err := l.resolve(ctx, record.CompanyID, record.SKU, record.WarehouseID, &record.ProductID); err != nil {
		return "", err
	}

	record.ID = NewRecordID()
	record.CreatedAt = l.now()
	record.CreatedBy = ActorFromContext(ctx)
	if err := ValidateInwardRecord(record); err != nil {
		return "", err
	}

	if err := l.store.AppendInward(ctx, record); err != nil {
		return "", wrapStorage("append_inward", "入庫記録の追加に失敗しました", err)
	}
	l.calc.invalidate(record.CompanyID, record.SKU, record.WarehouseID)
	l.metrics.observeMovement(RecordKindInward)

	l.logger.Info("入庫記録完了",
		zap.String("company_id", record.CompanyID),
		zap.String("record_id", record.ID),
		zap.String("sku", record.SKU),
		zap.String("warehouse_id", record.WarehouseID),
		zap.String("batch_no", record.BatchNo),
		zap.Int64("quantity", record.Quantity),
	)
	return record.ID, nil
}

// RecordOutward appends a dispatch under the same key lock as deductions.
// The dispatch is rejected when it would exceed the available quantity.
// 出庫を記録（引当と同じキーロックで在庫を確認）
func (l *Ledger) RecordOutward(ctx context.Context, record *OutwardRecord) (string, error) {
	if record == nil {
		return "", NewValidationError("outward", "出庫記録が指定されていません", "nil")
	}
	record.BatchNo = NormalizeBatchNo(record.BatchNo)
	if record.OriginKind == "" {
		record.OriginKind = OriginManual
	}
	if record.Destination.Kind == "" {
		record.Destination = Label{Kind: LabelCustomer}
	}
	if err := l.resolve(ctx, record.CompanyID, record.SKU, record.WarehouseID, &record.ProductID); err != nil {
		return "", err
	}

	record.ID = NewRecordID()
	record.CreatedAt = l.now()
	record.CreatedBy = ActorFromContext(ctx)
	if err := ValidateOutwardRecord(record); err != nil {
		return "", err
	}

	guard := []StockRequirement{{SKU: record.SKU, WarehouseID: record.WarehouseID, Quantity: record.Quantity}}
	if record.BatchNo != NoBatch {
		guard = append(guard, StockRequirement{SKU: record.SKU, WarehouseID: record.WarehouseID, BatchNo: record.BatchNo, Quantity: record.Quantity})
	}
	release, err := acquire(ctx, l.locker, record.CompanyID, guard)
	if err != nil {
		return "", err
	}
	defer release()

	if err := l.checkAvailable(ctx, record.CompanyID, guard); err != nil {
		return "", err
	}

	if err := l.store.AppendOutward(ctx, record, guard); err != nil {
		return "", wrapStorage("append_outward", "出庫記録の追加に失敗しました", err)
	}
	l.calc.invalidate(record.CompanyID, record.SKU, record.WarehouseID)
	l.metrics.observeMovement(RecordKindOutward)

	l.logger.Info("出庫記録完了",
		zap.String("company_id", record.CompanyID),
		zap.String("record_id", record.ID),
		zap.String("sku", record.SKU),
		zap.String("warehouse_id", record.WarehouseID),
		zap.Int64("quantity", record.Quantity),
		zap.String("origin_kind", string(record.OriginKind)),
	)
	return record.ID, nil
}

// RecordAdjustment appends a signed correction. A resulting negative balance is
// kept and flagged.
// 在庫調整を記録（結果がマイナスでも記録し、警告を出す）
func (l *Ledger) RecordAdjustment(ctx context.Context, record *AdjustmentRecord) (string, error) {
	if record == nil {
		return "", NewValidationError("adjustment", "調整記録が指定されていません", "nil")
	}
	record.BatchNo = NormalizeBatchNo(record.BatchNo)
	if err := l.resolve(ctx, record.CompanyID, record.SKU, record.WarehouseID, &record.ProductID); err != nil {
		return "", err
	}

	record.ID = NewRecordID()
	record.CreatedAt = l.now()
	record.CreatedBy = ActorFromContext(ctx)
	if err := ValidateAdjustmentRecord(record); err != nil {
		return "", err
	}

	if err := l.store.AppendAdjustment(ctx, record); err != nil {
		return "", wrapStorage("append_adjustment", "調整記録の追加に失敗しました", err)
	}
	l.calc.invalidate(record.CompanyID, record.SKU, record.WarehouseID)
	l.metrics.observeMovement(RecordKindAdjustment)

	l.logger.Info("在庫調整記録完了",
		zap.String("company_id", record.CompanyID),
		zap.String("record_id", record.ID),
		zap.String("sku", record.SKU),
		zap.String("warehouse_id", record.WarehouseID),
		zap.Int64("delta", record.Delta),
		zap.String("reason_code", string(record.ReasonCode)),
		zap.Bool("approved", record.Approved),
	)

	if record.Approved && record.Delta < 0 {
		// 結果のマイナス在庫は許容するが記録する
		qty, err := l.calc.fresh(ctx, record.CompanyID, StockScope{SKU: record.SKU, WarehouseID: record.WarehouseID})
		if err == nil && qty < 0 {
			l.calc.flagNegative(record.CompanyID, record.SKU, record.WarehouseID, qty)
		}
	}
	return record.ID, nil
}

// Transfer moves stock between warehouses as one outward and one inward record
// committed together. The inward side keeps the batch, expiry and cost.
// 倉庫間で在庫を移動（出庫と入庫を一括でコミット）
func (l *Ledger) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.FromWarehouseID == req.ToWarehouseID {
		return nil, NewValidationError("to_warehouse_id", "移動元と移動先が同じです", fmt.Sprintf("%s -> %s", req.FromWarehouseID, req.ToWarehouseID))
	}
	if err := ValidateQuantity(req.Quantity); err != nil {
		return nil, err
	}
	if err := ValidateWarehouseID(req.ToWarehouseID); err != nil {
		return nil, err
	}
	if err := l.resolve(ctx, req.CompanyID, req.SKU, req.FromWarehouseID, &req.ProductID); err != nil {
		return nil, err
	}
	if err := l.checkWarehouse(ctx, req.CompanyID, req.ToWarehouseID); err != nil {
		return nil, err
	}
	batchNo := NormalizeBatchNo(req.BatchNo)

	now := l.now()
	actor := ActorFromContext(ctx)
	out := &OutwardRecord{
		ID:          NewRecordID(),
		CompanyID:   req.CompanyID,
		ProductID:   req.ProductID,
		SKU:         req.SKU,
		WarehouseID: req.FromWarehouseID,
		Quantity:    req.Quantity,
		BatchNo:     batchNo,
		Destination: Label{Kind: LabelTransfer},
		OriginKind:  OriginTransfer,
		ReferenceID: req.Reference,
		CreatedAt:   now,
		CreatedBy:   actor,
	}
	if err := ValidateOutwardRecord(out); err != nil {
		return nil, err
	}

	guard := []StockRequirement{{SKU: req.SKU, WarehouseID: req.FromWarehouseID, Quantity: req.Quantity}}
	if batchNo != NoBatch {
		guard = append(guard, StockRequirement{SKU: req.SKU, WarehouseID: req.FromWarehouseID, BatchNo: batchNo, Quantity: req.Quantity})
	}
	// 移動先のキーもロックし、同時の引当と競合しないようにする
	keys := append([]StockRequirement{{SKU: req.SKU, WarehouseID: req.ToWarehouseID}}, guard...)
	release, err := acquire(ctx, l.locker, req.CompanyID, keys)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := l.checkAvailable(ctx, req.CompanyID, guard); err != nil {
		return nil, err
	}

	snapshot, err := l.store.Snapshot(ctx, MovementFilter{CompanyID: req.CompanyID, SKU: req.SKU, WarehouseID: req.FromWarehouseID})
	if err != nil {
		return nil, wrapStorage("snapshot", "台帳スナップショット取得に失敗しました", err)
	}
	batchScope := StockScope{SKU: req.SKU, WarehouseID: req.FromWarehouseID, BatchNo: batchNo}

	in := &InwardRecord{
		ID:          NewRecordID(),
		CompanyID:   req.CompanyID,
		ProductID:   req.ProductID,
		SKU:         req.SKU,
		WarehouseID: req.ToWarehouseID,
		Quantity:    req.Quantity,
		BatchNo:     batchNo,
		UnitCost:    decimal.Zero,
		Source:      Label{Kind: LabelTransfer},
		CreatedAt:   now,
		CreatedBy:   actor,
	}
	carryBatchAttributes(snapshot, batchScope, in)
	if err := ValidateInwardRecord(in); err != nil {
		return nil, err
	}

	if err := l.store.AppendTransfer(ctx, out, in, guard); err != nil {
		return nil, wrapStorage("append_transfer", "倉庫間移動の記録に失敗しました", err)
	}
	l.calc.invalidate(req.CompanyID, req.SKU, req.FromWarehouseID)
	l.calc.invalidate(req.CompanyID, req.SKU, req.ToWarehouseID)
	l.metrics.observeMovement(RecordKindOutward)
	l.metrics.observeMovement(RecordKindInward)

	l.logger.Info("倉庫間移動完了",
		zap.String("company_id", req.CompanyID),
		zap.String("sku", req.SKU),
		zap.String("from_warehouse_id", req.FromWarehouseID),
		zap.String("to_warehouse_id", req.ToWarehouseID),
		zap.String("batch_no", batchNo),
		zap.Int64("quantity", req.Quantity),
	)
	return &TransferResult{OutwardID: out.ID, InwardID: in.ID}, nil
}

// QueryInward lists receipts matching filter
// 入庫記録を照会
func (l *Ledger) QueryInward(ctx context.Context, filter MovementFilter) ([]InwardRecord, error) {
	if err := validateFilter(&filter); err != nil {
		return nil, err
	}
	records, err := l.store.QueryInward(ctx, filter)
	if err != nil {
		return nil, wrapStorage("query_inward", "入庫記録の照会に失敗しました", err)
	}
	return records, nil
}

// QueryOutward lists dispatches matching filter
// 出庫記録を照会
func (l *Ledger) QueryOutward(ctx context.Context, filter MovementFilter) ([]OutwardRecord, error) {
	if err := validateFilter(&filter); err != nil {
		return nil, err
	}
	records, err := l.store.QueryOutward(ctx, filter)
	if err != nil {
		return nil, wrapStorage("query_outward", "出庫記録の照会に失敗しました", err)
	}
	return records, nil
}

// QueryAdjustments lists corrections matching filter
// 調整記録を照会
func (l *Ledger) QueryAdjustments(ctx context.Context, filter MovementFilter) ([]AdjustmentRecord, error) {
	if err := validateFilter(&filter); err != nil {
		return nil, err
	}
	records, err := l.store.QueryAdjustments(ctx, filter)
	if err != nil {
		return nil, wrapStorage("query_adjustments", "調整記録の照会に失敗しました", err)
	}
	return records, nil
}

// ヘルパーメソッド

// resolve fills productID from the registry and checks the warehouse exists
// 商品IDの解決と倉庫の存在確認
func (l *Ledger) resolve(ctx context.Context, companyID, sku, warehouseID string, productID *string) error {
	if err := ValidateCompanyID(companyID); err != nil {
		return err
	}
	if err := ValidateSKU(sku); err != nil {
		return err
	}
	if err := ValidateWarehouseID(warehouseID); err != nil {
		return err
	}
	if *productID == "" {
		product, err := l.registry.ResolveSKU(ctx, companyID, sku)
		if err != nil {
			if errors.Is(err, ErrProductNotFound) {
				return fmt.Errorf("%w: %s", ErrProductNotFound, sku)
			}
			return wrapStorage("resolve_sku", "商品取得に失敗しました", err)
		}
		*productID = product.ID
	}
	return l.checkWarehouse(ctx, companyID, warehouseID)
}

func (l *Ledger) checkWarehouse(ctx context.Context, companyID, warehouseID string) error {
	ok, err := l.registry.WarehouseExists(ctx, companyID, warehouseID)
	if err != nil {
		return wrapStorage("get_warehouse", "倉庫取得に失敗しました", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrWarehouseNotFound, warehouseID)
	}
	return nil
}

// checkAvailable reports every requirement the current stock cannot cover
func (l *Ledger) checkAvailable(ctx context.Context, companyID string, reqs []StockRequirement) error {
	available, err := l.calc.availableFor(ctx, companyID, reqs)
	if err != nil {
		return err
	}
	return shortage(reqs, available)
}

// shortage builds an InsufficientStockError listing every uncovered requirement
func shortage(reqs []StockRequirement, available map[string]int64) error {
	var short []ShortLine
	for _, req := range reqs {
		if have := available[req.key()]; have < req.Quantity {
			short = append(short, ShortLineOf(req, have))
		}
	}
	if len(short) > 0 {
		return &InsufficientStockError{Lines: short}
	}
	return nil
}

// carryBatchAttributes copies the batch's earliest expiry, its manufacture date
// and its average receipt cost onto a transfer's inward record
func carryBatchAttributes(snapshot *LedgerSnapshot, scope StockScope, in *InwardRecord) {
	var (
		totalQty  int64
		totalCost = decimal.Zero
	)
	for _, r := range snapshot.Inward {
		if !scope.matches(r.SKU, r.WarehouseID, r.BatchNo) {
			continue
		}
		if r.ExpiryDate != nil && (in.ExpiryDate == nil || r.ExpiryDate.Before(*in.ExpiryDate)) {
			expiry := *r.ExpiryDate
			in.ExpiryDate = &expiry
		}
		if r.ManufactureDate != nil && (in.ManufactureDate == nil || r.ManufactureDate.Before(*in.ManufactureDate)) {
			made := *r.ManufactureDate
			in.ManufactureDate = &made
		}
		totalQty += r.Quantity
		totalCost = totalCost.Add(r.UnitCost.Mul(decimal.NewFromInt(r.Quantity)))
	}
	if totalQty > 0 {
		in.UnitCost = totalCost.Div(decimal.NewFromInt(totalQty)).Round(4)
	}
}

func validateFilter(filter *MovementFilter) error {
	if err := ValidateCompanyID(filter.CompanyID); err != nil {
		return err
	}
	if filter.BatchNo != "" {
		filter.BatchNo = NormalizeBatchNo(filter.BatchNo)
	}
	if filter.Limit < 0 {
		return NewValidationError("limit", "件数は0以上である必要があります", fmt.Sprintf("%d", filter.Limit))
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return NewValidationError("to", "終了日時が開始日時より前です", filter.To.Format(time.RFC3339))
	}
	return nil
}

// LockKey is the mutual-exclusion key of one (company, sku, warehouse)
// 排他制御キー（会社/SKU/倉庫）
func LockKey(companyID, sku, warehouseID string) string {
	return companyID + "/" + sku + "/" + warehouseID
}

// acquire takes the key locks of every requirement in sorted order
// すべてのキーをソート順に取得
func acquire(ctx context.Context, locker Locker, companyID string, reqs []StockRequirement) (func(), error) {
	seen := make(map[string]bool, len(reqs))
	keys := make([]string, 0, len(reqs))
	for _, req := range reqs {
		key := LockKey(companyID, req.SKU, req.WarehouseID)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	release, err := locker.Acquire(ctx, keys)
	if err != nil {
		if errors.Is(err, ErrLockNotObtained) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrLockNotObtained, err)
	}
	return release, nil
}
