package inventory

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// 英数字、ハイフン、アンダースコアのみ許可
	idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	// 英数字、ハイフン、アンダースコア、ドットのみ許可
	codePattern = regexp.MustCompile(`^[a-zA-Z0-9_./-]+$`)

	maxQuantity = int64(999999999)
	maxUnitCost = decimal.RequireFromString("99999999.9999")
)

// NormalizeBatchNo maps a blank batch number to NoBatch
// 空のバッチ番号をNoBatchに正規化
func NormalizeBatchNo(batchNo string) string {
	batchNo = strings.TrimSpace(batchNo)
	if batchNo == "" {
		return NoBatch
	}
	return batchNo
}

func validateID(field, label, value string) error {
	if value == "" {
		return NewValidationError(field, label+"が空です", value)
	}
	if len(value) > 255 {
		return NewValidationError(field, label+"が長すぎます", value)
	}
	if !idPattern.MatchString(value) {
		return NewValidationError(field, label+"に無効な文字が含まれています", value)
	}
	return nil
}

// ValidateCompanyID 会社IDをバリデーション
func ValidateCompanyID(companyID string) error {
	return validateID("company_id", "会社ID", companyID)
}

// ValidateWarehouseID 倉庫IDをバリデーション
func ValidateWarehouseID(warehouseID string) error {
	return validateID("warehouse_id", "倉庫ID", warehouseID)
}

// ValidateProductID 商品IDをバリデーション
func ValidateProductID(productID string) error {
	return validateID("product_id", "商品ID", productID)
}

// ValidateSKU SKUの形式をバリデーション
func ValidateSKU(sku string) error {
	if sku == "" {
		return NewValidationError("sku", "SKUが空です", sku)
	}
	if len(sku) > 255 {
		return NewValidationError("sku", "SKUが長すぎます", sku)
	}
	if !codePattern.MatchString(sku) {
		return NewValidationError("sku", "SKUに無効な文字が含まれています", sku)
	}
	return nil
}

// ValidateBatchNo バッチ番号をバリデーション（正規化後の値を想定）
func ValidateBatchNo(batchNo string) error {
	if batchNo == NoBatch {
		return nil
	}
	if len(batchNo) > 255 {
		return NewValidationError("batch_no", "バッチ番号が長すぎます", batchNo)
	}
	if !codePattern.MatchString(batchNo) {
		return NewValidationError("batch_no", "バッチ番号に無効な文字が含まれています", batchNo)
	}
	return nil
}

// ValidateQuantity 入出庫数量をバリデーション（1以上）
func ValidateQuantity(quantity int64) error {
	if quantity <= 0 {
		return NewValidationError("quantity", "数量は1以上である必要があります", fmt.Sprintf("%d", quantity))
	}
	if quantity > maxQuantity {
		return NewValidationError("quantity", "数量が有効範囲を超えています", fmt.Sprintf("%d", quantity))
	}
	return nil
}

// ValidateDelta 調整数量をバリデーション（0以外）
func ValidateDelta(delta int64) error {
	if delta == 0 {
		return NewValidationError("delta", "調整数量は0以外である必要があります", "0")
	}
	if delta < -maxQuantity || delta > maxQuantity {
		return NewValidationError("delta", "調整数量が有効範囲を超えています", fmt.Sprintf("%d", delta))
	}
	return nil
}

// ValidateUnitCost 単価をバリデーション
func ValidateUnitCost(unitCost decimal.Decimal) error {
	if unitCost.IsNegative() {
		return NewValidationError("unit_cost", "単価は0以上である必要があります", unitCost.String())
	}
	if unitCost.GreaterThan(maxUnitCost) {
		return NewValidationError("unit_cost", "単価が有効範囲を超えています", unitCost.String())
	}
	return nil
}

func validateLabel(field string, label Label, allowed map[LabelKind]bool) error {
	if !allowed[label.Kind] {
		return NewValidationError(field, "無効なラベル種別です", string(label.Kind))
	}
	if label.Kind == LabelCustom {
		if strings.TrimSpace(label.Custom) == "" {
			return NewValidationError(field, "カスタムラベルが空です", label.Custom)
		}
		if len(label.Custom) > 255 {
			return NewValidationError(field, "カスタムラベルが長すぎます", label.Custom)
		}
		return nil
	}
	if label.Custom != "" {
		return NewValidationError(field, "カスタム以外のラベルにテキストは指定できません", label.Custom)
	}
	return nil
}

// ValidateSourceLabel 入庫元ラベルをバリデーション
func ValidateSourceLabel(label Label) error {
	return validateLabel("source", label, sourceLabelKinds)
}

// ValidateDestinationLabel 出庫先ラベルをバリデーション
func ValidateDestinationLabel(label Label) error {
	return validateLabel("destination", label, destinationLabelKinds)
}

// ValidateReasonCode 調整理由コードをバリデーション
func ValidateReasonCode(code ReasonCode) error {
	if !reasonCodes[code] {
		return NewValidationError("reason_code", "無効な調整理由コードです", string(code))
	}
	return nil
}

// ValidateOriginKind 出庫発生元をバリデーション
func ValidateOriginKind(kind OriginKind) error {
	switch kind {
	case OriginOrder, OriginShipmentDeduction, OriginManual, OriginTransfer:
		return nil
	}
	return NewValidationError("origin_kind", "無効な出庫発生元です", string(kind))
}

// ValidateChannel チャネルをバリデーション
func ValidateChannel(channel Channel) error {
	if !platforms[channel.Platform] {
		return NewValidationError("platform", "無効なプラットフォームです", string(channel.Platform))
	}
	if len(channel.ChannelLabel) > 255 {
		return NewValidationError("channel_label", "チャネルラベルが長すぎます", channel.ChannelLabel)
	}
	return nil
}

// ValidateUserID ユーザーIDをバリデーション
func ValidateUserID(userID string) error {
	if userID == "" {
		return NewValidationError("user_id", "ユーザーIDが空です", userID)
	}
	if len(userID) > 255 {
		return NewValidationError("user_id", "ユーザーIDが長すぎます", userID)
	}
	return nil
}

// ValidateInwardRecord 入庫記録全体をバリデーション（BatchNoは正規化済み）
func ValidateInwardRecord(record *InwardRecord) error {
	if record == nil {
		return NewValidationError("inward", "入庫記録が指定されていません", "nil")
	}
	if err := ValidateCompanyID(record.CompanyID); err != nil {
		return err
	}
	if err := ValidateProductID(record.ProductID); err != nil {
		return err
	}
	if err := ValidateSKU(record.SKU); err != nil {
		return err
	}
	if err := ValidateWarehouseID(record.WarehouseID); err != nil {
		return err
	}
	if err := ValidateQuantity(record.Quantity); err != nil {
		return err
	}
	if err := ValidateBatchNo(record.BatchNo); err != nil {
		return err
	}
	if err := ValidateUnitCost(record.UnitCost); err != nil {
		return err
	}
	if err := ValidateSourceLabel(record.Source); err != nil {
		return err
	}

	// 製造日は有効期限より前である必要がある
	if record.ManufactureDate != nil && record.ExpiryDate != nil && record.ExpiryDate.Before(*record.ManufactureDate) {
		return NewValidationError("expiry_date", "有効期限が製造日より前です", record.ExpiryDate.Format("2006-01-02"))
	}
	return nil
}

// ValidateOutwardRecord 出庫記録全体をバリデーション
func ValidateOutwardRecord(record *OutwardRecord) error {
	if record == nil {
		return NewValidationError("outward", "出庫記録が指定されていません", "nil")
	}
	if err := ValidateCompanyID(record.CompanyID); err != nil {
		return err
	}
	if err := ValidateProductID(record.ProductID); err != nil {
		return err
	}
	if err := ValidateSKU(record.SKU); err != nil {
		return err
	}
	if err := ValidateWarehouseID(record.WarehouseID); err != nil {
		return err
	}
	if err := ValidateQuantity(record.Quantity); err != nil {
		return err
	}
	if err := ValidateBatchNo(record.BatchNo); err != nil {
		return err
	}
	if err := ValidateDestinationLabel(record.Destination); err != nil {
		return err
	}
	if err := ValidateOriginKind(record.OriginKind); err != nil {
		return err
	}
	if len(record.ReferenceID) > 255 {
		return NewValidationError("reference_id", "参照IDが長すぎます", record.ReferenceID)
	}
	return nil
}

// ValidateAdjustmentRecord 調整記録全体をバリデーション
func ValidateAdjustmentRecord(record *AdjustmentRecord) error {
	if record == nil {
		return NewValidationError("adjustment", "調整記録が指定されていません", "nil")
	}
	if err := ValidateCompanyID(record.CompanyID); err != nil {
		return err
	}
	if err := ValidateProductID(record.ProductID); err != nil {
		return err
	}
	if err := ValidateSKU(record.SKU); err != nil {
		return err
	}
	if err := ValidateWarehouseID(record.WarehouseID); err != nil {
		return err
	}
	if err := ValidateBatchNo(record.BatchNo); err != nil {
		return err
	}
	if err := ValidateDelta(record.Delta); err != nil {
		return err
	}
	return ValidateReasonCode(record.ReasonCode)
}

// ValidateShipmentLines 出荷明細をバリデーション
func ValidateShipmentLines(lines []ShipmentLine) error {
	if len(lines) == 0 {
		return NewValidationError("lines", "出荷明細が空です", "0")
	}
	seen := make(map[int]bool, len(lines))
	for i, line := range lines {
		if line.LineNo <= 0 {
			return NewValidationError(fmt.Sprintf("lines[%d].line_no", i), "明細番号は1以上である必要があります", fmt.Sprintf("%d", line.LineNo))
		}
		if seen[line.LineNo] {
			return NewValidationError(fmt.Sprintf("lines[%d].line_no", i), "明細番号が重複しています", fmt.Sprintf("%d", line.LineNo))
		}
		seen[line.LineNo] = true

		if err := ValidateSKU(line.SKU); err != nil {
			return err
		}
		if err := ValidateWarehouseID(line.WarehouseID); err != nil {
			return err
		}
		if err := ValidateQuantity(line.Quantity); err != nil {
			return err
		}
		if line.BatchNo != "" {
			if err := ValidateBatchNo(line.BatchNo); err != nil {
				return err
			}
		}
		if line.UnitCost != nil {
			if err := ValidateUnitCost(*line.UnitCost); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateShipmentInput 出荷作成入力をバリデーション
func ValidateShipmentInput(input *ShipmentInput) error {
	if input == nil {
		return NewValidationError("shipment", "出荷が指定されていません", "nil")
	}
	if err := ValidateCompanyID(input.CompanyID); err != nil {
		return err
	}
	if err := ValidateChannel(input.Channel); err != nil {
		return err
	}
	if len(input.ShipmentName) > 500 {
		return NewValidationError("shipment_name", "出荷名が長すぎます", input.ShipmentName)
	}
	if len(input.Notes) > 2000 {
		return NewValidationError("notes", "備考が長すぎます", input.Notes)
	}
	return ValidateShipmentLines(input.Lines)
}

// ValidatePartialItems 部分引当の指定をバリデーション
func ValidatePartialItems(items []PartialItem) error {
	for i, item := range items {
		if item.Quantity <= 0 {
			return NewValidationError(fmt.Sprintf("partial[%d].quantity", i), "数量は1以上である必要があります", fmt.Sprintf("%d", item.Quantity))
		}
		if item.LineNo == 0 && (item.SKU == "" || item.WarehouseID == "") {
			return NewValidationError(fmt.Sprintf("partial[%d]", i), "明細番号またはSKUと倉庫IDの指定が必要です", item.SKU)
		}
	}
	return nil
}

// ValidateProduct 商品マスタをバリデーション
func ValidateProduct(product *Product) error {
	if product == nil {
		return NewValidationError("product", "商品が指定されていません", "nil")
	}
	if err := ValidateCompanyID(product.CompanyID); err != nil {
		return err
	}
	if err := ValidateProductID(product.ID); err != nil {
		return err
	}
	if err := ValidateSKU(product.SKU); err != nil {
		return err
	}
	if strings.TrimSpace(product.Name) == "" {
		return NewValidationError("name", "商品名が空です", product.Name)
	}
	if len(product.Name) > 500 {
		return NewValidationError("name", "商品名が長すぎます", product.Name)
	}
	return nil
}

// ValidateWarehouse 倉庫マスタをバリデーション
func ValidateWarehouse(warehouse *Warehouse) error {
	if warehouse == nil {
		return NewValidationError("warehouse", "倉庫が指定されていません", "nil")
	}
	if err := ValidateCompanyID(warehouse.CompanyID); err != nil {
		return err
	}
	if err := ValidateWarehouseID(warehouse.ID); err != nil {
		return err
	}
	if strings.TrimSpace(warehouse.Name) == "" {
		return NewValidationError("name", "倉庫名が空です", warehouse.Name)
	}
	if len(warehouse.Name) > 500 {
		return NewValidationError("name", "倉庫名が長すぎます", warehouse.Name)
	}
	return nil
}
