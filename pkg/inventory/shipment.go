package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultShipmentLimit = 100
	maxShipmentLimit     = 1000
)

// transitions lists the allowed status changes. Deducted and cancelled are terminal.
// 許可されたステータス遷移（引当済み・キャンセルは終端）
var transitions = map[ShipmentStatus]map[ShipmentStatus]bool{
	ShipmentStatusCreated: {
		ShipmentStatusDeducted:  true,
		ShipmentStatusCancelled: true,
	},
}

// CanTransition reports whether a shipment may move from one status to another
// ステータス遷移が可能かを判定
func CanTransition(from, to ShipmentStatus) bool {
	return transitions[from][to]
}

// IsTerminal reports whether the shipment can no longer change
func (s *Shipment) IsTerminal() bool {
	return len(transitions[s.Status]) == 0
}

// Transition moves the shipment to status to, stamping who and when
// 出荷のステータスを遷移させ、日時と操作者を記録
func (s *Shipment) Transition(to ShipmentStatus, at time.Time, actor string) error {
	if !CanTransition(s.Status, to) {
		return &InvalidStateTransitionError{ShipmentID: s.ID, From: s.Status, To: to}
	}
	s.Status = to
	s.UpdatedAt = at
	s.Version++
	switch to {
	case ShipmentStatusDeducted:
		s.DeductedAt = &at
		s.DeductedBy = actor
	case ShipmentStatusCancelled:
		s.CancelledAt = &at
		s.CancelledBy = actor
	}
	return nil
}

// ShipmentEngine manages shipments and deducts them from the ledger
// 出荷の管理と台帳からの引当を行う
type ShipmentEngine struct {
	store     ShipmentStore
	registry  Registry
	locker    Locker
	calc      *Calculator
	publisher AuditPublisher
	metrics   *Metrics
	logger    *zap.Logger
	config    *Config
}

// NewShipmentEngine creates a shipment engine
// 新しい出荷エンジンを作成
func NewShipmentEngine(store ShipmentStore, registry Registry, locker Locker, calc *Calculator, publisher AuditPublisher, metrics *Metrics, logger *zap.Logger, config *Config) *ShipmentEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultConfig()
	}
	return &ShipmentEngine{
		store:     store,
		registry:  registry,
		locker:    locker,
		calc:      calc,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		config:    config,
	}
}

// CreateShipment stores a new shipment in created status. It has no ledger effect.
// 出荷を作成（台帳には影響しない）
func (e *ShipmentEngine) CreateShipment(ctx context.Context, input ShipmentInput) (*Shipment, error) {
	lines := numberLines(input.Lines)
	input.Lines = lines
	if err := ValidateShipmentInput(&input); err != nil {
		return nil, err
	}
	if err := e.resolveLines(ctx, input.CompanyID, lines); err != nil {
		return nil, err
	}

	now := e.config.now()
	actor := ActorFromContext(ctx)
	shipment := &Shipment{
		ID:           NewShipmentID(),
		CompanyID:    input.CompanyID,
		Channel:      input.Channel,
		ShipmentName: input.ShipmentName,
		Carrier:      input.Carrier,
		TrackingID:   input.TrackingID,
		Status:       ShipmentStatusCreated,
		Lines:        lines,
		Notes:        input.Notes,
		Version:      1,
		CreatedAt:    now,
		CreatedBy:    actor,
		UpdatedAt:    now,
	}

	if err := e.store.CreateShipment(ctx, shipment); err != nil {
		return nil, wrapStorage("create_shipment", "出荷作成に失敗しました", err)
	}

	e.logger.Info("出荷作成完了",
		zap.String("company_id", shipment.CompanyID),
		zap.String("shipment_id", shipment.ID),
		zap.String("platform", string(shipment.Channel.Platform)),
		zap.Int("lines", len(shipment.Lines)),
	)
	return shipment, nil
}

// GetShipment returns one shipment of the company
// 出荷を取得
func (e *ShipmentEngine) GetShipment(ctx context.Context, companyID, shipmentID string) (*Shipment, error) {
	if err := ValidateCompanyID(companyID); err != nil {
		return nil, err
	}
	shipment, err := e.store.GetShipment(ctx, companyID, shipmentID)
	if err != nil {
		if errors.Is(err, ErrShipmentNotFound) {
			return nil, unknownShipment(shipmentID)
		}
		return nil, wrapStorage("get_shipment", "出荷取得に失敗しました", err)
	}
	return shipment, nil
}

// ListShipments returns the company's shipments matching filter, newest first
// 出荷一覧を取得（新しい順）
func (e *ShipmentEngine) ListShipments(ctx context.Context, filter ShipmentFilter) ([]Shipment, error) {
	if err := ValidateCompanyID(filter.CompanyID); err != nil {
		return nil, err
	}
	if filter.Status != "" && filter.Status != ShipmentStatusCreated && filter.Status != ShipmentStatusDeducted && filter.Status != ShipmentStatusCancelled {
		return nil, NewValidationError("status", "無効なステータスです", string(filter.Status))
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultShipmentLimit
	}
	if filter.Limit > maxShipmentLimit {
		filter.Limit = maxShipmentLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	shipments, err := e.store.ListShipments(ctx, filter)
	if err != nil {
		return nil, wrapStorage("list_shipments", "出荷一覧取得に失敗しました", err)
	}
	return shipments, nil
}

// UpdateShipment changes a shipment that is still created
// 作成済みの出荷を更新
func (e *ShipmentEngine) UpdateShipment(ctx context.Context, companyID, shipmentID string, update ShipmentUpdate) (*Shipment, error) {
	shipment, err := e.GetShipment(ctx, companyID, shipmentID)
	if err != nil {
		return nil, err
	}
	if shipment.Status != ShipmentStatusCreated {
		return nil, &InvalidStateTransitionError{ShipmentID: shipmentID, From: shipment.Status, To: ShipmentStatusCreated}
	}

	if update.ShipmentName != nil {
		shipment.ShipmentName = *update.ShipmentName
	}
	if update.Carrier != nil {
		shipment.Carrier = *update.Carrier
	}
	if update.TrackingID != nil {
		shipment.TrackingID = *update.TrackingID
	}
	if update.Notes != nil {
		shipment.Notes = *update.Notes
	}
	if update.Channel != nil {
		shipment.Channel = *update.Channel
	}
	if update.Lines != nil {
		shipment.Lines = numberLines(update.Lines)
	}

	input := ShipmentInput{
		CompanyID:    shipment.CompanyID,
		Channel:      shipment.Channel,
		ShipmentName: shipment.ShipmentName,
		Lines:        shipment.Lines,
		Notes:        shipment.Notes,
	}
	if err := ValidateShipmentInput(&input); err != nil {
		return nil, err
	}
	if update.Lines != nil {
		if err := e.resolveLines(ctx, companyID, shipment.Lines); err != nil {
			return nil, err
		}
	}

	expected := shipment.Version
	shipment.Version++
	shipment.UpdatedAt = e.config.now()
	if err := e.store.UpdateShipment(ctx, shipment, expected); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return nil, NewConcurrencyError("update_shipment", shipmentID, "出荷が他の操作によって更新されています")
		}
		return nil, wrapStorage("update_shipment", "出荷更新に失敗しました", err)
	}

	e.logger.Info("出荷更新完了",
		zap.String("company_id", companyID),
		zap.String("shipment_id", shipmentID),
		zap.Int64("version", shipment.Version),
	)
	return shipment, nil
}

// CancelShipment moves a created shipment to cancelled
// 作成済みの出荷をキャンセル
func (e *ShipmentEngine) CancelShipment(ctx context.Context, companyID, shipmentID string) (*Shipment, error) {
	shipment, err := e.GetShipment(ctx, companyID, shipmentID)
	if err != nil {
		return nil, err
	}

	now := e.config.now()
	actor := ActorFromContext(ctx)
	from := shipment.Status
	if err := shipment.Transition(ShipmentStatusCancelled, now, actor); err != nil {
		return nil, err
	}
	if err := e.store.TransitionShipment(ctx, companyID, shipmentID, from, ShipmentStatusCancelled, now, actor); err != nil {
		return nil, wrapStorage("transition_shipment", "出荷キャンセルに失敗しました", err)
	}

	e.logger.Info("出荷キャンセル完了",
		zap.String("company_id", companyID),
		zap.String("shipment_id", shipmentID),
		zap.String("cancelled_by", actor),
	)
	e.publish(ctx, AuditActionCancelled, shipment, nil, now)
	return shipment, nil
}

// resolveLines fills missing product IDs and checks every warehouse exists
// 明細の商品IDを解決し、倉庫の存在を確認
func (e *ShipmentEngine) resolveLines(ctx context.Context, companyID string, lines []ShipmentLine) error {
	products := make(map[string]string)
	warehouses := make(map[string]bool)
	for i := range lines {
		line := &lines[i]
		line.BatchNo = strings.TrimSpace(line.BatchNo)

		if line.ProductID == "" {
			id, ok := products[line.SKU]
			if !ok {
				product, err := e.registry.ResolveSKU(ctx, companyID, line.SKU)
				if err != nil {
					if errors.Is(err, ErrProductNotFound) {
						return fmt.Errorf("%w: %s", ErrProductNotFound, line.SKU)
					}
					return wrapStorage("resolve_sku", "商品取得に失敗しました", err)
				}
				id = product.ID
				products[line.SKU] = id
			}
			line.ProductID = id
		}

		if !warehouses[line.WarehouseID] {
			ok, err := e.registry.WarehouseExists(ctx, companyID, line.WarehouseID)
			if err != nil {
				return wrapStorage("get_warehouse", "倉庫取得に失敗しました", err)
			}
			if !ok {
				return fmt.Errorf("%w: %s", ErrWarehouseNotFound, line.WarehouseID)
			}
			warehouses[line.WarehouseID] = true
		}
	}
	return nil
}

// publish delivers an audit event. Failure is logged and never undoes the change.
// 監査イベントを送信（失敗してもロールバックしない）
func (e *ShipmentEngine) publish(ctx context.Context, action AuditAction, shipment *Shipment, lines []StockRequirement, at time.Time) {
	if e.publisher == nil {
		return
	}
	event := AuditEvent{
		ID:         uuid.New().String(),
		Action:     action,
		CompanyID:  shipment.CompanyID,
		ShipmentID: shipment.ID,
		Actor:      ActorFromContext(ctx),
		Timestamp:  at,
		Lines:      lines,
	}
	// 呼び出し元のタイムアウトに関係なく送信する
	if err := e.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.metrics.observeAuditFailure()
		e.logger.Error("監査イベント発行に失敗しました",
			zap.String("company_id", shipment.CompanyID),
			zap.String("shipment_id", shipment.ID),
			zap.String("action", string(action)),
			zap.Error(err),
		)
	}
}

// numberLines copies lines and assigns 1-based line numbers where missing
func numberLines(lines []ShipmentLine) []ShipmentLine {
	out := make([]ShipmentLine, len(lines))
	copy(out, lines)
	for i := range out {
		if out[i].LineNo == 0 {
			out[i].LineNo = i + 1
		}
	}
	return out
}
