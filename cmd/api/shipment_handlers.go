package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

// ChannelRequest is the sales channel of a shipment
type ChannelRequest struct {
	Platform     string `json:"platform" validate:"required,oneof=amazon_fba marketplace_po shopify direct other"`
	ChannelLabel string `json:"channel_label" validate:"max=255"`
}

func (c ChannelRequest) toChannel() inventory.Channel {
	return inventory.Channel{Platform: inventory.Platform(c.Platform), ChannelLabel: c.ChannelLabel}
}

// ShipmentLineRequest is one line of a shipment request
type ShipmentLineRequest struct {
	LineNo      int              `json:"line_no" validate:"gte=0"`
	SKU         string           `json:"sku" validate:"required,max=255"`
	Quantity    int64            `json:"quantity" validate:"required,gt=0"`
	WarehouseID string           `json:"warehouse_id" validate:"required,max=255"`
	BatchNo     string           `json:"batch_no" validate:"max=255"`
	UnitCost    *decimal.Decimal `json:"unit_cost"`
}

// CreateShipmentRequest represents request to create a shipment
// 出荷作成リクエストを表現
type CreateShipmentRequest struct {
	Channel      ChannelRequest        `json:"channel"`
	ShipmentName string                `json:"shipment_name" validate:"max=500"`
	Carrier      string                `json:"carrier" validate:"max=255"`
	TrackingID   string                `json:"tracking_id" validate:"max=255"`
	Notes        string                `json:"notes"`
	Lines        []ShipmentLineRequest `json:"lines" validate:"required,min=1,dive"`
}

// UpdateShipmentRequest represents request to change a created shipment.
// Omitted fields are left unchanged.
// 出荷更新リクエストを表現（省略した項目は変更しない）
type UpdateShipmentRequest struct {
	Channel      *ChannelRequest       `json:"channel"`
	ShipmentName *string               `json:"shipment_name" validate:"omitempty,max=500"`
	Carrier      *string               `json:"carrier" validate:"omitempty,max=255"`
	TrackingID   *string               `json:"tracking_id" validate:"omitempty,max=255"`
	Notes        *string               `json:"notes"`
	Lines        []ShipmentLineRequest `json:"lines" validate:"omitempty,min=1,dive"`
}

// DeductRequest represents request to deduct a shipment. Without items the
// whole shipment is deducted.
// 引当リクエストを表現（itemsなしの場合は全明細を引当）
type DeductRequest struct {
	Items []PartialItemRequest `json:"items" validate:"dive"`
}

// PartialItemRequest caps one line of a partial deduction
type PartialItemRequest struct {
	LineNo      int    `json:"line_no" validate:"gte=0"`
	SKU         string `json:"sku" validate:"max=255"`
	WarehouseID string `json:"warehouse_id" validate:"max=255"`
	Quantity    int64  `json:"quantity" validate:"required,gt=0"`
}

// CreateShipment handles shipment creation requests
// 出荷作成リクエストを処理
func (h *Handlers) CreateShipment(w http.ResponseWriter, r *http.Request) {
	var req CreateShipmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	shipment, err := h.manager.Shipments.CreateShipment(actorContext(r), inventory.ShipmentInput{
		CompanyID:    companyID(r),
		Channel:      req.Channel.toChannel(),
		ShipmentName: req.ShipmentName,
		Carrier:      req.Carrier,
		TrackingID:   req.TrackingID,
		Lines:        toLines(req.Lines),
		Notes:        req.Notes,
	})
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	w.Header().Set("Location", shipmentLocation(shipment.CompanyID, shipment.ID))
	h.sendCreated(w, shipment)
}

// ListShipments handles shipment listing requests
// 出荷一覧リクエストを処理
func (h *Handlers) ListShipments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := inventory.ShipmentFilter{
		CompanyID:        companyID(r),
		Status:           inventory.ShipmentStatus(q.Get("status")),
		TrackingContains: q.Get("tracking"),
		CarrierContains:  q.Get("carrier"),
	}
	var err error
	if filter.From, err = timeParam(q.Get("from")); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なfromパラメータです")
		return
	}
	if filter.To, err = timeParam(q.Get("to")); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なtoパラメータです")
		return
	}
	if filter.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なlimitパラメータです")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なoffsetパラメータです")
		return
	}

	shipments, err := h.manager.Shipments.ListShipments(r.Context(), filter)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, shipments)
}

// GetShipment handles shipment lookup requests
// 出荷取得リクエストを処理
func (h *Handlers) GetShipment(w http.ResponseWriter, r *http.Request) {
	shipment, err := h.manager.Shipments.GetShipment(r.Context(), companyID(r), mux.Vars(r)["shipmentId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, shipment)
}

// UpdateShipment handles shipment update requests
// 出荷更新リクエストを処理
func (h *Handlers) UpdateShipment(w http.ResponseWriter, r *http.Request) {
	var req UpdateShipmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	update := inventory.ShipmentUpdate{
		ShipmentName: req.ShipmentName,
		Carrier:      req.Carrier,
		TrackingID:   req.TrackingID,
		Notes:        req.Notes,
	}
	if req.Channel != nil {
		channel := req.Channel.toChannel()
		update.Channel = &channel
	}
	if req.Lines != nil {
		update.Lines = toLines(req.Lines)
	}

	shipment, err := h.manager.Shipments.UpdateShipment(actorContext(r), companyID(r), mux.Vars(r)["shipmentId"], update)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, shipment)
}

// DeductShipment handles deduction requests. An empty body deducts every line.
// 引当リクエストを処理
func (h *Handlers) DeductShipment(w http.ResponseWriter, r *http.Request) {
	var req DeductRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}

	var partial []inventory.PartialItem
	for _, item := range req.Items {
		partial = append(partial, inventory.PartialItem{
			LineNo:      item.LineNo,
			SKU:         item.SKU,
			WarehouseID: item.WarehouseID,
			Quantity:    item.Quantity,
		})
	}

	shipment, err := h.manager.Shipments.Deduct(actorContext(r), companyID(r), mux.Vars(r)["shipmentId"], partial)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, shipment)
}

// CancelShipment handles cancellation requests
// 出荷キャンセルリクエストを処理
func (h *Handlers) CancelShipment(w http.ResponseWriter, r *http.Request) {
	shipment, err := h.manager.Shipments.CancelShipment(actorContext(r), companyID(r), mux.Vars(r)["shipmentId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, shipment)
}

func toLines(reqs []ShipmentLineRequest) []inventory.ShipmentLine {
	lines := make([]inventory.ShipmentLine, 0, len(reqs))
	for _, l := range reqs {
		lines = append(lines, inventory.ShipmentLine{
			LineNo:      l.LineNo,
			SKU:         l.SKU,
			Quantity:    l.Quantity,
			WarehouseID: l.WarehouseID,
			BatchNo:     l.BatchNo,
			UnitCost:    l.UnitCost,
		})
	}
	return lines
}

// shipmentLocation returns the resource path of a shipment
func shipmentLocation(companyID, shipmentID string) string {
	return "/api/v1/companies/" + companyID + "/shipments/" + shipmentID
}
