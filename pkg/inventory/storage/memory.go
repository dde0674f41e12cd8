package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

// MemoryStorage keeps every tenant's ledger in process. Each company has its
// own RWMutex; snapshots take the read lock and appends the write lock, so a
// reader never observes half of a multi-record commit.
// プロセス内に会社ごとの台帳を保持するストレージ
type MemoryStorage struct {
	mu        sync.RWMutex
	companies map[string]*companyLedger
}

type companyLedger struct {
	mu          sync.RWMutex
	inward      []inventory.InwardRecord
	outward     []inventory.OutwardRecord
	adjustments []inventory.AdjustmentRecord
	shipments   map[string]*inventory.Shipment
	products    map[string]inventory.Product // SKUで索引
	warehouses  map[string]inventory.Warehouse
}

var _ inventory.Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory storage
// 新しいインメモリストレージを作成
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{companies: make(map[string]*companyLedger)}
}

// emptyLedger stands in for companies that have never been written to.
// It is only ever read.
var emptyLedger = &companyLedger{
	shipments:  map[string]*inventory.Shipment{},
	products:   map[string]inventory.Product{},
	warehouses: map[string]inventory.Warehouse{},
}

// view returns the company's ledger for reading without registering unknown companies
func (m *MemoryStorage) view(companyID string) *companyLedger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.companies[companyID]; ok {
		return c
	}
	return emptyLedger
}

// existing returns the ledger of a company that already has records
func (m *MemoryStorage) existing(companyID string) (*companyLedger, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.companies[companyID]
	return c, ok
}

func (m *MemoryStorage) company(companyID string) *companyLedger {
	m.mu.RLock()
	c, ok := m.companies[companyID]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.companies[companyID]; ok {
		return c
	}
	c = &companyLedger{
		shipments:  make(map[string]*inventory.Shipment),
		products:   make(map[string]inventory.Product),
		warehouses: make(map[string]inventory.Warehouse),
	}
	m.companies[companyID] = c
	return c
}

// AppendInward appends a receipt
func (m *MemoryStorage) AppendInward(ctx context.Context, record *inventory.InwardRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := m.company(record.CompanyID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inward = append(c.inward, *record)
	return nil
}

// AppendOutward appends a dispatch when guard is still covered
func (m *MemoryStorage) AppendOutward(ctx context.Context, record *inventory.OutwardRecord, guard []inventory.StockRequirement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := m.company(record.CompanyID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkGuard(guard); err != nil {
		return err
	}
	c.outward = append(c.outward, *record)
	return nil
}

// AppendAdjustment appends a correction
func (m *MemoryStorage) AppendAdjustment(ctx context.Context, record *inventory.AdjustmentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := m.company(record.CompanyID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adjustments = append(c.adjustments, *record)
	return nil
}

// AppendTransfer appends both sides of a transfer together
func (m *MemoryStorage) AppendTransfer(ctx context.Context, out *inventory.OutwardRecord, in *inventory.InwardRecord, guard []inventory.StockRequirement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := m.company(out.CompanyID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkGuard(guard); err != nil {
		return err
	}
	c.outward = append(c.outward, *out)
	c.inward = append(c.inward, *in)
	return nil
}

// QueryInward lists receipts matching filter in chronological order
func (m *MemoryStorage) QueryInward(ctx context.Context, filter inventory.MovementFilter) ([]inventory.InwardRecord, error) {
	c := m.view(filter.CompanyID)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return limitTail(filterInward(c.inward, filter), filter.Limit), nil
}

// QueryOutward lists dispatches matching filter in chronological order
func (m *MemoryStorage) QueryOutward(ctx context.Context, filter inventory.MovementFilter) ([]inventory.OutwardRecord, error) {
	c := m.view(filter.CompanyID)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return limitTail(filterOutward(c.outward, filter), filter.Limit), nil
}

// QueryAdjustments lists corrections matching filter in chronological order
func (m *MemoryStorage) QueryAdjustments(ctx context.Context, filter inventory.MovementFilter) ([]inventory.AdjustmentRecord, error) {
	c := m.view(filter.CompanyID)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return limitTail(filterAdjustments(c.adjustments, filter), filter.Limit), nil
}

// Snapshot reads the three record kinds under one read lock. Limit is ignored.
// 1回の読み取りロックで3種類の記録を取得
func (m *MemoryStorage) Snapshot(ctx context.Context, filter inventory.MovementFilter) (*inventory.LedgerSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := m.view(filter.CompanyID)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &inventory.LedgerSnapshot{
		Inward:      filterInward(c.inward, filter),
		Outward:     filterOutward(c.outward, filter),
		Adjustments: filterAdjustments(c.adjustments, filter),
	}, nil
}

// CreateShipment stores a new shipment
func (m *MemoryStorage) CreateShipment(ctx context.Context, shipment *inventory.Shipment) error {
	c := m.company(shipment.CompanyID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.shipments[shipment.ID]; ok {
		return fmt.Errorf("出荷は既に存在します: %s", shipment.ID)
	}
	c.shipments[shipment.ID] = cloneShipment(shipment)
	return nil
}

// GetShipment returns a copy of the shipment
func (m *MemoryStorage) GetShipment(ctx context.Context, companyID, shipmentID string) (*inventory.Shipment, error) {
	c := m.view(companyID)
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.shipments[shipmentID]
	if !ok {
		return nil, inventory.ErrShipmentNotFound
	}
	return cloneShipment(s), nil
}

// ListShipments returns shipments matching filter, newest first
func (m *MemoryStorage) ListShipments(ctx context.Context, filter inventory.ShipmentFilter) ([]inventory.Shipment, error) {
	c := m.view(filter.CompanyID)
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]inventory.Shipment, 0)
	for _, s := range c.shipments {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.TrackingContains != "" && !containsFold(s.TrackingID, filter.TrackingContains) {
			continue
		}
		if filter.CarrierContains != "" && !containsFold(s.Carrier, filter.CarrierContains) {
			continue
		}
		if filter.From != nil && s.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && s.CreatedAt.After(*filter.To) {
			continue
		}
		result = append(result, *cloneShipment(s))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if filter.Offset >= len(result) {
		return []inventory.Shipment{}, nil
	}
	result = result[filter.Offset:]
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// UpdateShipment replaces a created shipment whose version is expectedVersion
func (m *MemoryStorage) UpdateShipment(ctx context.Context, shipment *inventory.Shipment, expectedVersion int64) error {
	c, ok := m.existing(shipment.CompanyID)
	if !ok {
		return inventory.ErrShipmentNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.shipments[shipment.ID]
	if !ok {
		return inventory.ErrShipmentNotFound
	}
	if current.Status != inventory.ShipmentStatusCreated {
		return &inventory.InvalidStateTransitionError{ShipmentID: shipment.ID, From: current.Status, To: inventory.ShipmentStatusCreated}
	}
	if current.Version != expectedVersion {
		return inventory.ErrVersionMismatch
	}
	c.shipments[shipment.ID] = cloneShipment(shipment)
	return nil
}

// TransitionShipment changes the status when it is still from
func (m *MemoryStorage) TransitionShipment(ctx context.Context, companyID, shipmentID string, from, to inventory.ShipmentStatus, at time.Time, actor string) error {
	c, ok := m.existing(companyID)
	if !ok {
		return inventory.ErrShipmentNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.shipments[shipmentID]
	if !ok {
		return inventory.ErrShipmentNotFound
	}
	if s.Status != from {
		return &inventory.InvalidStateTransitionError{ShipmentID: shipmentID, From: s.Status, To: to}
	}
	return s.Transition(to, at, actor)
}

// CommitDeduction applies a deduction under the company write lock: status and
// version compare-and-set, guard re-check, record append and status flip.
// 会社の書き込みロック内で引当を一括適用
func (m *MemoryStorage) CommitDeduction(ctx context.Context, commit inventory.DeductionCommit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := m.existing(commit.CompanyID)
	if !ok {
		return inventory.ErrShipmentNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.shipments[commit.ShipmentID]
	if !ok {
		return inventory.ErrShipmentNotFound
	}
	if s.Status != inventory.ShipmentStatusCreated {
		return &inventory.InvalidStateTransitionError{ShipmentID: s.ID, From: s.Status, To: inventory.ShipmentStatusDeducted}
	}
	if s.Version != commit.Version {
		return inventory.NewConcurrencyError("commit_deduction", s.ID, "出荷のバージョンが一致しません")
	}
	if err := c.checkGuard(commit.Guard); err != nil {
		return err
	}

	c.outward = append(c.outward, commit.Records...)
	return s.Transition(inventory.ShipmentStatusDeducted, commit.DeductedAt, commit.DeductedBy)
}

// ResolveSKU returns the product registered for sku
func (m *MemoryStorage) ResolveSKU(ctx context.Context, companyID, sku string) (*inventory.Product, error) {
	c := m.view(companyID)
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[sku]
	if !ok {
		return nil, inventory.ErrProductNotFound
	}
	return &p, nil
}

// WarehouseExists reports whether an active warehouse is registered
func (m *MemoryStorage) WarehouseExists(ctx context.Context, companyID, warehouseID string) (bool, error) {
	c := m.view(companyID)
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.warehouses[warehouseID]
	return ok && w.IsActive, nil
}

// CreateProduct registers a product
func (m *MemoryStorage) CreateProduct(ctx context.Context, product *inventory.Product) error {
	c := m.company(product.CompanyID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.products[product.SKU]; ok {
		return inventory.ErrDuplicateProduct
	}
	c.products[product.SKU] = *product
	return nil
}

// CreateWarehouse registers a warehouse
func (m *MemoryStorage) CreateWarehouse(ctx context.Context, warehouse *inventory.Warehouse) error {
	c := m.company(warehouse.CompanyID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.warehouses[warehouse.ID]; ok {
		return inventory.ErrDuplicateWarehouse
	}
	c.warehouses[warehouse.ID] = *warehouse
	return nil
}

// Ping always succeeds
func (m *MemoryStorage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op
func (m *MemoryStorage) Close() error {
	return nil
}

// checkGuard reports every requirement the current records cannot cover; c.mu must be held
func (c *companyLedger) checkGuard(guard []inventory.StockRequirement) error {
	if len(guard) == 0 {
		return nil
	}
	snapshot := &inventory.LedgerSnapshot{Inward: c.inward, Outward: c.outward, Adjustments: c.adjustments}
	var short []inventory.ShortLine
	for _, req := range guard {
		if available := inventory.Aggregate(snapshot, req.Scope()); available < req.Quantity {
			short = append(short, inventory.ShortLineOf(req, available))
		}
	}
	if len(short) > 0 {
		return &inventory.InsufficientStockError{Lines: short}
	}
	return nil
}

func matches(f inventory.MovementFilter, sku, warehouseID, batchNo string, createdAt time.Time) bool {
	if f.SKU != "" && f.SKU != sku {
		return false
	}
	if f.WarehouseID != "" && f.WarehouseID != warehouseID {
		return false
	}
	if f.BatchNo != "" && f.BatchNo != inventory.NormalizeBatchNo(batchNo) {
		return false
	}
	if f.From != nil && createdAt.Before(*f.From) {
		return false
	}
	if f.To != nil && createdAt.After(*f.To) {
		return false
	}
	return true
}

func filterInward(records []inventory.InwardRecord, f inventory.MovementFilter) []inventory.InwardRecord {
	out := make([]inventory.InwardRecord, 0)
	for _, r := range records {
		if matches(f, r.SKU, r.WarehouseID, r.BatchNo, r.CreatedAt) {
			out = append(out, r)
		}
	}
	return out
}

func filterOutward(records []inventory.OutwardRecord, f inventory.MovementFilter) []inventory.OutwardRecord {
	out := make([]inventory.OutwardRecord, 0)
	for _, r := range records {
		if matches(f, r.SKU, r.WarehouseID, r.BatchNo, r.CreatedAt) {
			out = append(out, r)
		}
	}
	return out
}

func filterAdjustments(records []inventory.AdjustmentRecord, f inventory.MovementFilter) []inventory.AdjustmentRecord {
	out := make([]inventory.AdjustmentRecord, 0)
	for _, r := range records {
		if matches(f, r.SKU, r.WarehouseID, r.BatchNo, r.CreatedAt) {
			out = append(out, r)
		}
	}
	return out
}

// limitTail keeps the newest n records, still in chronological order
func limitTail[T any](records []T, n int) []T {
	if n > 0 && len(records) > n {
		return records[len(records)-n:]
	}
	return records
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func cloneShipment(s *inventory.Shipment) *inventory.Shipment {
	out := *s
	out.Lines = make([]inventory.ShipmentLine, len(s.Lines))
	copy(out.Lines, s.Lines)
	if s.DeductedAt != nil {
		t := *s.DeductedAt
		out.DeductedAt = &t
	}
	if s.CancelledAt != nil {
		t := *s.CancelledAt
		out.CancelledAt = &t
	}
	return &out
}
