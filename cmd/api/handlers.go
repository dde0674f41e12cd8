package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

// Handlers holds HTTP handlers for the stock ledger API
// 在庫台帳API用のHTTPハンドラーを保持
type Handlers struct {
	manager  *inventory.Manager
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(manager *inventory.Manager, logger *zap.Logger) *Handlers {
	return &Handlers{
		manager:  manager,
		validate: validator.New(),
		logger:   logger,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// InwardRequest represents request to record a receipt
// 入庫リクエストを表現
type InwardRequest struct {
	SKU             string          `json:"sku" validate:"required,max=255"`
	WarehouseID     string          `json:"warehouse_id" validate:"required,max=255"`
	Quantity        int64           `json:"quantity" validate:"required,gt=0"`
	BatchNo         string          `json:"batch_no" validate:"max=255"`
	ManufactureDate *time.Time      `json:"manufacture_date"`
	ExpiryDate      *time.Time      `json:"expiry_date"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	Source          inventory.Label `json:"source"`
}

// OutwardRequest represents request to record a dispatch
// 出庫リクエストを表現
type OutwardRequest struct {
	SKU         string          `json:"sku" validate:"required,max=255"`
	WarehouseID string          `json:"warehouse_id" validate:"required,max=255"`
	Quantity    int64           `json:"quantity" validate:"required,gt=0"`
	BatchNo     string          `json:"batch_no" validate:"max=255"`
	Destination inventory.Label `json:"destination"`
	ReferenceID string          `json:"reference_id" validate:"max=255"`
}

// AdjustmentRequest represents request to record a correction
// 在庫調整リクエストを表現
type AdjustmentRequest struct {
	SKU         string `json:"sku" validate:"required,max=255"`
	WarehouseID string `json:"warehouse_id" validate:"required,max=255"`
	BatchNo     string `json:"batch_no" validate:"max=255"`
	Delta       int64  `json:"delta" validate:"required"`
	ReasonCode  string `json:"reason_code" validate:"required"`
	Approved    bool   `json:"approved"`
}

// TransferRequest represents request to move stock between warehouses
// 倉庫間移動リクエストを表現
type TransferRequest struct {
	SKU             string `json:"sku" validate:"required,max=255"`
	FromWarehouseID string `json:"from_warehouse_id" validate:"required,max=255"`
	ToWarehouseID   string `json:"to_warehouse_id" validate:"required,max=255,nefield=FromWarehouseID"`
	Quantity        int64  `json:"quantity" validate:"required,gt=0"`
	BatchNo         string `json:"batch_no" validate:"max=255"`
	Reference       string `json:"reference" validate:"max=255"`
}

// ProductRequest represents request to register a product
type ProductRequest struct {
	ID   string `json:"id" validate:"max=255"`
	SKU  string `json:"sku" validate:"required,max=255"`
	Name string `json:"name" validate:"required,max=500"`
}

// WarehouseRequest represents request to register a warehouse
type WarehouseRequest struct {
	ID       string `json:"id" validate:"required,max=255"`
	Name     string `json:"name" validate:"required,max=500"`
	IsActive *bool  `json:"is_active"`
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.manager.Health(r.Context()); err != nil {
		h.logger.Warn("ヘルスチェックに失敗しました", zap.Error(err))
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	h.sendJSON(w, code, APIResponse{
		Success: code == http.StatusOK,
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
			"service":   "zaiStockLedger",
		},
	})
}

// RecordInward handles receipt requests
// 入庫リクエストを処理
func (h *Handlers) RecordInward(w http.ResponseWriter, r *http.Request) {
	var req InwardRequest
	if !h.decode(w, r, &req) {
		return
	}

	record := &inventory.InwardRecord{
		CompanyID:       companyID(r),
		SKU:             req.SKU,
		WarehouseID:     req.WarehouseID,
		Quantity:        req.Quantity,
		BatchNo:         req.BatchNo,
		ManufactureDate: req.ManufactureDate,
		ExpiryDate:      req.ExpiryDate,
		UnitCost:        req.UnitCost,
		Source:          req.Source,
	}
	id, err := h.manager.Ledger.RecordInward(actorContext(r), record)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendCreated(w, map[string]string{
		"id":       id,
		"batch_no": record.BatchNo,
		"message":  "入庫を記録しました",
	})
}

// RecordOutward handles dispatch requests
// 出庫リクエストを処理
func (h *Handlers) RecordOutward(w http.ResponseWriter, r *http.Request) {
	var req OutwardRequest
	if !h.decode(w, r, &req) {
		return
	}

	id, err := h.manager.Ledger.RecordOutward(actorContext(r), &inventory.OutwardRecord{
		CompanyID:   companyID(r),
		SKU:         req.SKU,
		WarehouseID: req.WarehouseID,
		Quantity:    req.Quantity,
		BatchNo:     req.BatchNo,
		Destination: req.Destination,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendCreated(w, map[string]string{
		"id":      id,
		"message": "出庫を記録しました",
	})
}

// RecordAdjustment handles correction requests
// 在庫調整リクエストを処理
func (h *Handlers) RecordAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	id, err := h.manager.Ledger.RecordAdjustment(actorContext(r), &inventory.AdjustmentRecord{
		CompanyID:   companyID(r),
		SKU:         req.SKU,
		WarehouseID: req.WarehouseID,
		BatchNo:     req.BatchNo,
		Delta:       req.Delta,
		ReasonCode:  inventory.ReasonCode(req.ReasonCode),
		Approved:    req.Approved,
	})
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendCreated(w, map[string]string{
		"id":      id,
		"message": "在庫調整を記録しました",
	})
}

// Transfer handles transfer requests
// 倉庫間移動リクエストを処理
func (h *Handlers) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.manager.Ledger.Transfer(actorContext(r), inventory.TransferRequest{
		CompanyID:       companyID(r),
		SKU:             req.SKU,
		FromWarehouseID: req.FromWarehouseID,
		ToWarehouseID:   req.ToWarehouseID,
		Quantity:        req.Quantity,
		BatchNo:         req.BatchNo,
		Reference:       req.Reference,
	})
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendCreated(w, result)
}

// ListMovements handles movement history requests. kind selects one record
// kind; without it all three are returned.
// 入出庫履歴リクエストを処理
func (h *Handlers) ListMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := inventory.MovementFilter{
		CompanyID:   companyID(r),
		SKU:         q.Get("sku"),
		WarehouseID: q.Get("warehouse_id"),
		BatchNo:     q.Get("batch_no"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なlimitパラメータです")
		return
	}
	if filter.From, err = timeParam(q.Get("from")); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なfromパラメータです")
		return
	}
	if filter.To, err = timeParam(q.Get("to")); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なtoパラメータです")
		return
	}

	ctx := r.Context()
	result := make(map[string]interface{})
	kind := inventory.RecordKind(q.Get("kind"))
	if kind == "" || kind == inventory.RecordKindInward {
		records, err := h.manager.Ledger.QueryInward(ctx, filter)
		if err != nil {
			h.sendDomainError(w, err)
			return
		}
		result["inward"] = records
	}
	if kind == "" || kind == inventory.RecordKindOutward {
		records, err := h.manager.Ledger.QueryOutward(ctx, filter)
		if err != nil {
			h.sendDomainError(w, err)
			return
		}
		result["outward"] = records
	}
	if kind == "" || kind == inventory.RecordKindAdjustment {
		records, err := h.manager.Ledger.QueryAdjustments(ctx, filter)
		if err != nil {
			h.sendDomainError(w, err)
			return
		}
		result["adjustments"] = records
	}
	if len(result) == 0 {
		h.sendError(w, http.StatusBadRequest, "無効なkindパラメータです")
		return
	}

	h.sendSuccess(w, result)
}

// GetStock handles available quantity requests. Without warehouse_id the
// company-wide quantity is returned.
// 在庫数リクエストを処理
func (h *Handlers) GetStock(w http.ResponseWriter, r *http.Request) {
	balance, err := h.manager.Stock.Balance(r.Context(), companyID(r), mux.Vars(r)["sku"], r.URL.Query().Get("warehouse_id"))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, balance)
}

// GetStockByWarehouse handles per-warehouse stock requests
// 倉庫別在庫リクエストを処理
func (h *Handlers) GetStockByWarehouse(w http.ResponseWriter, r *http.Request) {
	stock, err := h.manager.Stock.StockByWarehouse(r.Context(), companyID(r), mux.Vars(r)["sku"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, stock)
}

// GetAverageCost handles weighted-average cost requests
// 加重平均原価リクエストを処理
func (h *Handlers) GetAverageCost(w http.ResponseWriter, r *http.Request) {
	valuation, err := h.manager.Valuation.AverageCost(r.Context(), companyID(r), mux.Vars(r)["sku"], r.URL.Query().Get("warehouse_id"))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, valuation)
}

// GetExpiringBatches handles near-expiry report requests
// 期限間近バッチリクエストを処理
func (h *Handlers) GetExpiringBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	months, err := intParam(q.Get("within_months"), h.manager.Config().NearExpiryMonths)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なwithin_monthsパラメータです")
		return
	}

	batches, err := h.manager.Tracking.ExpiringBatches(r.Context(), companyID(r), q.Get("warehouse_id"), months)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, batches)
}

// GetExpiredBatches handles expired batch report requests
// 期限切れバッチリクエストを処理
func (h *Handlers) GetExpiredBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.manager.Tracking.ExpiredBatches(r.Context(), companyID(r), r.URL.Query().Get("warehouse_id"))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, batches)
}

// GetFEFOPlan handles earliest-expiry-first allocation requests
// 先期限先出し引当案リクエストを処理
func (h *Handlers) GetFEFOPlan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	quantity, err := strconv.ParseInt(q.Get("quantity"), 10, 64)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なquantityパラメータです")
		return
	}

	plan, err := h.manager.Tracking.FEFOPlan(r.Context(), companyID(r), q.Get("sku"), q.Get("warehouse_id"), quantity)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, plan)
}

// GetAuditTrail handles movement audit trail requests
// 監査証跡リクエストを処理
func (h *Handlers) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := timeParam(q.Get("from"))
	if err != nil || from == nil {
		h.sendError(w, http.StatusBadRequest, "無効なfromパラメータです")
		return
	}
	to, err := timeParam(q.Get("to"))
	if err != nil || to == nil {
		h.sendError(w, http.StatusBadRequest, "無効なtoパラメータです")
		return
	}

	trail, err := h.manager.Tracking.GetAuditTrail(r.Context(), companyID(r), mux.Vars(r)["sku"], *from, *to)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, trail)
}

// CreateProduct handles product registration requests
// 商品登録リクエストを処理
func (h *Handlers) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductRequest
	if !h.decode(w, r, &req) {
		return
	}

	product := &inventory.Product{
		ID:        req.ID,
		CompanyID: companyID(r),
		SKU:       req.SKU,
		Name:      req.Name,
	}
	if err := h.manager.CreateProduct(r.Context(), product); err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendCreated(w, product)
}

// CreateWarehouse handles warehouse registration requests
// 倉庫登録リクエストを処理
func (h *Handlers) CreateWarehouse(w http.ResponseWriter, r *http.Request) {
	var req WarehouseRequest
	if !h.decode(w, r, &req) {
		return
	}

	warehouse := &inventory.Warehouse{
		ID:        req.ID,
		CompanyID: companyID(r),
		Name:      req.Name,
		IsActive:  req.IsActive == nil || *req.IsActive,
	}
	if err := h.manager.CreateWarehouse(r.Context(), warehouse); err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendCreated(w, warehouse)
}

// ヘルパーメソッド

// decode reads a JSON body into dst and validates it. It writes the error
// response and returns false when either step fails.
// リクエストボディを読み込みバリデーション
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var fieldErrors validator.ValidationErrors
		if !errors.As(err, &fieldErrors) {
			h.sendError(w, http.StatusBadRequest, err.Error())
			return false
		}
		details := make(map[string]string, len(fieldErrors))
		for _, fe := range fieldErrors {
			details[fe.Field()] = formatFieldError(fe)
		}
		h.sendJSON(w, http.StatusBadRequest, APIResponse{
			Success: false,
			Error:   "入力値が不正です",
			Details: details,
		})
		return false
	}
	return true
}

func formatFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "必須項目です"
	case "gt":
		return fe.Param() + "より大きい値を指定してください"
	case "max":
		return fe.Param() + "文字以内で指定してください"
	case "min":
		return fe.Param() + "件以上指定してください"
	case "nefield":
		return fe.Param() + "と異なる値を指定してください"
	case "oneof":
		return "次のいずれかを指定してください: " + fe.Param()
	default:
		return "無効な値です"
	}
}

// sendDomainError maps a ledger error to its HTTP status
// ドメインエラーをHTTPステータスに変換して送信
func (h *Handlers) sendDomainError(w http.ResponseWriter, err error) {
	var (
		ve  *inventory.ValidationError
		ise *inventory.InsufficientStockError
		se  *inventory.StorageError
	)
	switch {
	// 存在しない出荷はバリデーションエラーだが404で返す
	case errors.Is(err, inventory.ErrShipmentNotFound),
		errors.Is(err, inventory.ErrProductNotFound),
		errors.Is(err, inventory.ErrWarehouseNotFound):
		h.sendError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ve):
		h.sendJSON(w, http.StatusBadRequest, APIResponse{
			Success: false,
			Error:   ve.Error(),
			Details: map[string]string{ve.Field: ve.Message},
		})
	case errors.As(err, &ise):
		h.sendJSON(w, http.StatusConflict, APIResponse{
			Success: false,
			Error:   inventory.ErrInsufficientStock.Error(),
			Details: ise.Lines,
		})
	case errors.Is(err, inventory.ErrInvalidStateTransition),
		errors.Is(err, inventory.ErrVersionMismatch),
		errors.Is(err, inventory.ErrDuplicateProduct),
		errors.Is(err, inventory.ErrDuplicateWarehouse):
		h.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, inventory.ErrLockNotObtained),
		errors.As(err, &se) && se.Retryable:
		w.Header().Set("Retry-After", "1")
		h.sendError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("リクエスト処理に失敗しました", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "内部エラーが発生しました")
	}
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	h.sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func (h *Handlers) sendCreated(w http.ResponseWriter, data interface{}) {
	h.sendJSON(w, http.StatusCreated, APIResponse{Success: true, Data: data})
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message string) {
	h.sendJSON(w, statusCode, APIResponse{Success: false, Error: message})
}

func (h *Handlers) sendJSON(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}

func companyID(r *http.Request) string {
	return mux.Vars(r)["companyId"]
}

// actorContext carries the X-User-ID header into the request context
func actorContext(r *http.Request) context.Context {
	return inventory.WithActor(r.Context(), strings.TrimSpace(r.Header.Get("X-User-ID")))
}

func intParam(value string, defaultValue int) (int, error) {
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}

func timeParam(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
