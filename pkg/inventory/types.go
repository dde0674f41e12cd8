// Package inventory provides the stock ledger, stock calculation, batch expiry
// tracking and shipment deduction for multi-warehouse sellers.
package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NoBatch is the normalized batch number for receipts without a batch
// バッチ番号なしの入庫に割り当てる正規化済みの値
const NoBatch = "NO_BATCH"

// RecordKind identifies one of the three movement kinds
// 在庫移動記録の種別
type RecordKind string

const (
	RecordKindInward     RecordKind = "inward"     // 入庫
	RecordKindOutward    RecordKind = "outward"    // 出庫
	RecordKindAdjustment RecordKind = "adjustment" // 調整
)

// LabelKind is the closed set of source / destination labels
// 入庫元・出庫先ラベルの種別（閉じた列挙）
type LabelKind string

const (
	LabelSupplier       LabelKind = "supplier"        // 仕入先
	LabelProduction     LabelKind = "production"      // 製造
	LabelReturn         LabelKind = "return"          // 返品
	LabelTransfer       LabelKind = "transfer"        // 倉庫間移動
	LabelOpeningBalance LabelKind = "opening_balance" // 期首在庫
	LabelCustomer       LabelKind = "customer"        // 顧客
	LabelMarketplace    LabelKind = "marketplace"     // マーケットプレイス
	LabelDisposal       LabelKind = "disposal"        // 廃棄
	LabelCustom         LabelKind = "custom"          // カスタム
)

// Label is a source or destination label. Custom is only set for LabelCustom.
// 入庫元または出庫先。Customは LabelCustom の場合のみ設定する
type Label struct {
	Kind   LabelKind `json:"kind"`
	Custom string    `json:"custom,omitempty"`
}

// String returns the display text of the label
func (l Label) String() string {
	if l.Kind == LabelCustom {
		return l.Custom
	}
	return string(l.Kind)
}

var sourceLabelKinds = map[LabelKind]bool{
	LabelSupplier:       true,
	LabelProduction:     true,
	LabelReturn:         true,
	LabelTransfer:       true,
	LabelOpeningBalance: true,
	LabelCustom:         true,
}

var destinationLabelKinds = map[LabelKind]bool{
	LabelCustomer:    true,
	LabelMarketplace: true,
	LabelTransfer:    true,
	LabelDisposal:    true,
	LabelCustom:      true,
}

// OriginKind records what caused an outward movement
// 出庫の発生元
type OriginKind string

const (
	OriginOrder             OriginKind = "order"              // 受注
	OriginShipmentDeduction OriginKind = "shipment_deduction" // 出荷引当
	OriginManual            OriginKind = "manual"             // 手動
	OriginTransfer          OriginKind = "transfer"           // 倉庫間移動
)

// ReasonCode is the closed set of adjustment reasons
// 調整理由コード
type ReasonCode string

const (
	ReasonCountCorrection ReasonCode = "count_correction" // 棚卸差異
	ReasonDamage          ReasonCode = "damage"           // 破損
	ReasonExpiryWriteOff  ReasonCode = "expiry_write_off" // 期限切れ廃棄
	ReasonFound           ReasonCode = "found"            // 発見
	ReasonOpeningBalance  ReasonCode = "opening_balance"  // 期首残高
	ReasonOther           ReasonCode = "other"            // その他
)

var reasonCodes = map[ReasonCode]bool{
	ReasonCountCorrection: true,
	ReasonDamage:          true,
	ReasonExpiryWriteOff:  true,
	ReasonFound:           true,
	ReasonOpeningBalance:  true,
	ReasonOther:           true,
}

// InwardRecord is an immutable receipt into a warehouse
// 倉庫への入庫記録（不変）
type InwardRecord struct {
	ID              string          `json:"id" db:"id"`
	CompanyID       string          `json:"company_id" db:"company_id"`
	ProductID       string          `json:"product_id" db:"product_id"`
	SKU             string          `json:"sku" db:"sku"`
	WarehouseID     string          `json:"warehouse_id" db:"warehouse_id"`
	Quantity        int64           `json:"quantity" db:"quantity"`
	BatchNo         string          `json:"batch_no" db:"batch_no"`
	ManufactureDate *time.Time      `json:"manufacture_date,omitempty" db:"manufacture_date"`
	ExpiryDate      *time.Time      `json:"expiry_date,omitempty" db:"expiry_date"`
	UnitCost        decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	Source          Label           `json:"source"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	CreatedBy       string          `json:"created_by" db:"created_by"`
}

// OutwardRecord is an immutable dispatch out of a warehouse
// 倉庫からの出庫記録（不変）
type OutwardRecord struct {
	ID          string     `json:"id" db:"id"`
	CompanyID   string     `json:"company_id" db:"company_id"`
	ProductID   string     `json:"product_id" db:"product_id"`
	SKU         string     `json:"sku" db:"sku"`
	WarehouseID string     `json:"warehouse_id" db:"warehouse_id"`
	Quantity    int64      `json:"quantity" db:"quantity"`
	BatchNo     string     `json:"batch_no" db:"batch_no"`
	Destination Label      `json:"destination"`
	OriginKind  OriginKind `json:"origin_kind" db:"origin_kind"`
	ReferenceID string     `json:"reference_id" db:"reference_id"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CreatedBy   string     `json:"created_by" db:"created_by"`
}

// AdjustmentRecord is an immutable signed correction. Only approved deltas count.
// 符号付きの在庫調整記録。承認済みのもののみ在庫数に反映される
type AdjustmentRecord struct {
	ID          string     `json:"id" db:"id"`
	CompanyID   string     `json:"company_id" db:"company_id"`
	ProductID   string     `json:"product_id" db:"product_id"`
	SKU         string     `json:"sku" db:"sku"`
	WarehouseID string     `json:"warehouse_id" db:"warehouse_id"`
	BatchNo     string     `json:"batch_no" db:"batch_no"`
	Delta       int64      `json:"delta" db:"delta"`
	ReasonCode  ReasonCode `json:"reason_code" db:"reason_code"`
	Approved    bool       `json:"approved" db:"approved"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CreatedBy   string     `json:"created_by" db:"created_by"`
}

// BatchKey identifies a receipt batch
// 入庫バッチを識別するキー
type BatchKey struct {
	SKU         string `json:"sku"`
	WarehouseID string `json:"warehouse_id"`
	BatchNo     string `json:"batch_no"`
}

// MovementFilter scopes ledger queries. CompanyID is required.
// 台帳照会の絞り込み条件（CompanyIDは必須）
type MovementFilter struct {
	CompanyID   string
	SKU         string
	WarehouseID string
	BatchNo     string
	From        *time.Time
	To          *time.Time
	Limit       int
}

// LedgerSnapshot is a consistent read of the three record kinds
// 3種類の記録を一貫した時点で読み取ったもの
type LedgerSnapshot struct {
	Inward      []InwardRecord
	Outward     []OutwardRecord
	Adjustments []AdjustmentRecord
}

// StockBalance is a derived quantity. Flagged is set when it is negative.
// 導出された在庫数。負の場合はFlaggedが立つ
type StockBalance struct {
	CompanyID   string `json:"company_id"`
	SKU         string `json:"sku"`
	WarehouseID string `json:"warehouse_id,omitempty"`
	Quantity    int64  `json:"quantity"`
	Flagged     bool   `json:"flagged"`
}

// BatchSummary is one row of the near-expiry report
// 期限間近バッチレポートの1行
type BatchSummary struct {
	SKU            string    `json:"sku"`
	ProductID      string    `json:"product_id"`
	ProductName    string    `json:"product_name"`
	WarehouseID    string    `json:"warehouse_id"`
	BatchNo        string    `json:"batch_no"`
	Quantity       int64     `json:"quantity"`
	ExpiryDate     time.Time `json:"expiry_date"`
	MonthsToExpiry int       `json:"months_to_expiry"`
}

// BatchAllocation is one batch picked by a FEFO plan
type BatchAllocation struct {
	BatchNo    string     `json:"batch_no"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
	Available  int64      `json:"available"`
	Quantity   int64      `json:"quantity"`
}

// FEFOPlan is a read-only earliest-expiry-first allocation proposal
// 先期限先出しによる引当案（読み取り専用）
type FEFOPlan struct {
	SKU         string            `json:"sku"`
	WarehouseID string            `json:"warehouse_id"`
	Requested   int64             `json:"requested"`
	Allocations []BatchAllocation `json:"allocations"`
	Shortfall   int64             `json:"shortfall"`
}

// Platform is the external sales channel of a shipment
// 出荷の販売チャネル
type Platform string

const (
	PlatformAmazonFBA     Platform = "amazon_fba"     // Amazon FBA
	PlatformMarketplacePO Platform = "marketplace_po" // マーケットプレイス発注
	PlatformShopify       Platform = "shopify"        // Shopify
	PlatformDirect        Platform = "direct"         // 直販
	PlatformOther         Platform = "other"          // その他
)

var platforms = map[Platform]bool{
	PlatformAmazonFBA:     true,
	PlatformMarketplacePO: true,
	PlatformShopify:       true,
	PlatformDirect:        true,
	PlatformOther:         true,
}

// Channel is the tagged channel variant carried by a shipment
// 出荷に付与されるチャネル情報
type Channel struct {
	Platform     Platform `json:"platform"`
	ChannelLabel string   `json:"channel_label,omitempty"`
}

// Destination returns the outward destination label for this channel
func (c Channel) Destination() Label {
	if c.ChannelLabel != "" {
		return Label{Kind: LabelCustom, Custom: string(c.Platform) + ":" + c.ChannelLabel}
	}
	return Label{Kind: LabelMarketplace}
}

// ShipmentStatus is the lifecycle state of a shipment
// 出荷のステータス
type ShipmentStatus string

const (
	ShipmentStatusCreated   ShipmentStatus = "created"   // 作成済み
	ShipmentStatusDeducted  ShipmentStatus = "deducted"  // 引当済み
	ShipmentStatusCancelled ShipmentStatus = "cancelled" // キャンセル
)

// ShipmentLine is one ordered line item of a shipment
// 出荷明細
type ShipmentLine struct {
	LineNo      int              `json:"line_no"`
	SKU         string           `json:"sku"`
	ProductID   string           `json:"product_id"`
	Quantity    int64            `json:"quantity"`
	WarehouseID string           `json:"warehouse_id"`
	BatchNo     string           `json:"batch_no,omitempty"`
	UnitCost    *decimal.Decimal `json:"unit_cost,omitempty"`
}

// Shipment is an outbound commitment to a sales platform
// 販売プラットフォーム向けの出荷
type Shipment struct {
	ID           string         `json:"id"`
	CompanyID    string         `json:"company_id"`
	Channel      Channel        `json:"channel"`
	ShipmentName string         `json:"shipment_name"`
	Carrier      string         `json:"carrier"`
	TrackingID   string         `json:"tracking_id"`
	Status       ShipmentStatus `json:"status"`
	Lines        []ShipmentLine `json:"lines"`
	Notes        string         `json:"notes"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	CreatedBy    string         `json:"created_by"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeductedAt   *time.Time     `json:"deducted_at,omitempty"`
	DeductedBy   string         `json:"deducted_by,omitempty"`
	CancelledAt  *time.Time     `json:"cancelled_at,omitempty"`
	CancelledBy  string         `json:"cancelled_by,omitempty"`
}

// ShipmentInput is the payload for creating a shipment
// 出荷作成の入力
type ShipmentInput struct {
	CompanyID    string
	Channel      Channel
	ShipmentName string
	Carrier      string
	TrackingID   string
	Lines        []ShipmentLine
	Notes        string
}

// ShipmentUpdate holds the mutable fields of a created shipment. Nil means unchanged.
// 作成済み出荷の更新内容（nilは変更なし）
type ShipmentUpdate struct {
	ShipmentName *string
	Carrier      *string
	TrackingID   *string
	Notes        *string
	Channel      *Channel
	Lines        []ShipmentLine
}

// PartialItem caps one shipment line for a partial deduction.
// LineNo takes precedence; otherwise SKU and WarehouseID are matched.
// 部分引当の数量指定。LineNoがあれば優先し、なければSKUと倉庫で照合する
type PartialItem struct {
	LineNo      int    `json:"line_no,omitempty"`
	SKU         string `json:"sku,omitempty"`
	WarehouseID string `json:"warehouse_id,omitempty"`
	Quantity    int64  `json:"quantity"`
}

// ShipmentFilter scopes shipment listings
// 出荷一覧の絞り込み条件
type ShipmentFilter struct {
	CompanyID        string
	Status           ShipmentStatus
	TrackingContains string
	CarrierContains  string
	From             *time.Time
	To               *time.Time
	Limit            int
	Offset           int
}

// DeductionCommit is the single storage unit written by a deduction
// 引当で書き込む単一のストレージ単位
type DeductionCommit struct {
	CompanyID  string
	ShipmentID string
	Version    int64
	Records    []OutwardRecord
	Guard      []StockRequirement
	DeductedAt time.Time
	DeductedBy string
}

// StockRequirement is a quantity that must still be available when a commit applies.
// An empty BatchNo covers the whole warehouse; otherwise only that batch counts.
// コミット時点で確保されている必要のある数量（BatchNo指定時はバッチ単位）
type StockRequirement struct {
	SKU         string `json:"sku"`
	WarehouseID string `json:"warehouse_id"`
	BatchNo     string `json:"batch_no,omitempty"`
	Quantity    int64  `json:"quantity"`
}

// Scope is the aggregation scope the requirement is checked against
func (r StockRequirement) Scope() StockScope {
	return StockScope{SKU: r.SKU, WarehouseID: r.WarehouseID, BatchNo: r.BatchNo}
}

func (r StockRequirement) key() string {
	return requirementKey(r.SKU, r.WarehouseID) + "\x00" + r.BatchNo
}

// Product is master data resolved by SKU
// 商品マスタ
type Product struct {
	ID        string    `json:"id" db:"id"`
	CompanyID string    `json:"company_id" db:"company_id"`
	SKU       string    `json:"sku" db:"sku"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Warehouse is master data for a stock location
// 倉庫マスタ
type Warehouse struct {
	ID        string    `json:"id" db:"id"`
	CompanyID string    `json:"company_id" db:"company_id"`
	Name      string    `json:"name" db:"name"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AuditAction names an audited shipment action
type AuditAction string

const (
	AuditActionDeducted  AuditAction = "shipment.deducted"
	AuditActionCancelled AuditAction = "shipment.cancelled"
)

// AuditEvent is emitted once per successful deduction or cancellation
// 引当・キャンセル成功時に1件発行される監査イベント
type AuditEvent struct {
	ID         string             `json:"id"`
	Action     AuditAction        `json:"action"`
	CompanyID  string             `json:"company_id"`
	ShipmentID string             `json:"shipment_id"`
	Actor      string             `json:"actor"`
	Timestamp  time.Time          `json:"timestamp"`
	Lines      []StockRequirement `json:"lines,omitempty"`
}

// NewRecordID generates a new ledger record ID
// 新しい台帳記録IDを生成
func NewRecordID() string {
	return uuid.New().String()
}

// NewShipmentID generates a new shipment ID
// 新しい出荷IDを生成
func NewShipmentID() string {
	return uuid.New().String()
}

// IsExpired reports whether an expiry date has passed at now
func IsExpired(expiry *time.Time, now time.Time) bool {
	if expiry == nil {
		return false
	}
	return !expiry.After(now)
}
