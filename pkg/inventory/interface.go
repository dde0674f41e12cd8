package inventory

import (
	"context"
	"time"
)

// LedgerStore is the append-only persistence contract of the movement ledger
// 在庫移動台帳の追記専用永続化インターフェース
type LedgerStore interface {
	// 追記 - Append (durable before return)
	AppendInward(ctx context.Context, record *InwardRecord) error
	AppendOutward(ctx context.Context, record *OutwardRecord, guard []StockRequirement) error
	AppendAdjustment(ctx context.Context, record *AdjustmentRecord) error
	AppendTransfer(ctx context.Context, out *OutwardRecord, in *InwardRecord, guard []StockRequirement) error

	// 照会 - Query
	QueryInward(ctx context.Context, filter MovementFilter) ([]InwardRecord, error)
	QueryOutward(ctx context.Context, filter MovementFilter) ([]OutwardRecord, error)
	QueryAdjustments(ctx context.Context, filter MovementFilter) ([]AdjustmentRecord, error)

	// Snapshot reads all three kinds without interleaving an in-flight append
	// 書き込み途中の状態が見えない一貫したスナップショットを取得
	Snapshot(ctx context.Context, filter MovementFilter) (*LedgerSnapshot, error)
}

// ShipmentStore persists shipments and applies deductions as one unit
// 出荷の永続化と引当の一括適用
type ShipmentStore interface {
	CreateShipment(ctx context.Context, shipment *Shipment) error
	GetShipment(ctx context.Context, companyID, shipmentID string) (*Shipment, error)
	ListShipments(ctx context.Context, filter ShipmentFilter) ([]Shipment, error)

	// UpdateShipment replaces a created shipment when its version still matches
	UpdateShipment(ctx context.Context, shipment *Shipment, expectedVersion int64) error

	// TransitionShipment changes status with a compare-and-set on the current status
	TransitionShipment(ctx context.Context, companyID, shipmentID string, from, to ShipmentStatus, at time.Time, actor string) error

	// CommitDeduction re-checks the guard, appends every outward record and flips
	// the status to deducted, or does nothing at all
	// ガード再確認・出庫記録追記・ステータス変更をすべて行うか、何も行わない
	CommitDeduction(ctx context.Context, commit DeductionCommit) error
}

// Registry is the external product / warehouse master data
// 商品・倉庫マスタ（外部コラボレーター）
type Registry interface {
	ResolveSKU(ctx context.Context, companyID, sku string) (*Product, error)
	WarehouseExists(ctx context.Context, companyID, warehouseID string) (bool, error)
	CreateProduct(ctx context.Context, product *Product) error
	CreateWarehouse(ctx context.Context, warehouse *Warehouse) error
}

// Storage is implemented by every storage backend
// すべてのストレージ実装が満たすインターフェース
type Storage interface {
	LedgerStore
	ShipmentStore
	Registry

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// AuditPublisher delivers audit events to the activity log collaborator
// 監査イベントを外部の操作ログへ送信
type AuditPublisher interface {
	Publish(ctx context.Context, event AuditEvent) error
}

// Locker provides mutual exclusion over a set of keys.
// Acquire blocks until every key is held or ctx is done.
// 複数キーに対する排他制御。すべて取得するかctx終了までブロックする
type Locker interface {
	Acquire(ctx context.Context, keys []string) (release func(), err error)
}
