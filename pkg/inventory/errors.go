package inventory

import (
	"errors"
	"fmt"
	"strings"
)

// Common inventory errors
// 共通の在庫エラー定義

var (
	// ErrInsufficientStock is matched by every *InsufficientStockError
	// 在庫不足の場合のエラー
	ErrInsufficientStock = errors.New("在庫が不足しています")

	// ErrInvalidStateTransition is matched by every *InvalidStateTransitionError
	// 許可されていないステータス遷移
	ErrInvalidStateTransition = errors.New("許可されていないステータス遷移です")

	// ErrAlreadyDeducted is matched when the shipment was deducted before
	// 既に引当済みの出荷
	ErrAlreadyDeducted = errors.New("出荷は既に引当済みです")

	// ErrShipmentNotFound is returned when a shipment doesn't exist
	// 出荷が存在しない場合のエラー
	ErrShipmentNotFound = errors.New("出荷が見つかりません")

	// ErrProductNotFound is returned when a SKU cannot be resolved
	// 商品が存在しない場合のエラー
	ErrProductNotFound = errors.New("商品が見つかりません")

	// ErrWarehouseNotFound is returned when a warehouse doesn't exist
	// 倉庫が存在しない場合のエラー
	ErrWarehouseNotFound = errors.New("倉庫が見つかりません")

	// ErrVersionMismatch is returned when optimistic locking fails
	// 楽観的ロック失敗時のエラー
	ErrVersionMismatch = errors.New("バージョンが一致しません。他のユーザーによって更新されています")

	// ErrConflict is returned when the store aborts a write because of a concurrent one
	// 同時書き込みによる競合
	ErrConflict = errors.New("同時更新の競合が発生しました")

	// ErrLockNotObtained is returned when a key lock cannot be taken in time
	// ロックを取得できなかった場合のエラー
	ErrLockNotObtained = errors.New("ロックを取得できませんでした")

	// ErrDuplicateProduct is returned when the SKU is already registered
	// 既に存在する商品を作成しようとした場合のエラー
	ErrDuplicateProduct = errors.New("商品は既に存在します")

	// ErrDuplicateWarehouse is returned when the warehouse is already registered
	// 既に存在する倉庫を作成しようとした場合のエラー
	ErrDuplicateWarehouse = errors.New("倉庫は既に存在します")
)

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
	Cause   error  `json:"-"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

// Unwrap returns the sentinel behind the validation failure, if any
func (e ValidationError) Unwrap() error {
	return e.Cause
}

// ShortLine is one (sku, warehouse[, batch]) that cannot be covered
// 在庫が不足している明細
type ShortLine struct {
	SKU         string `json:"sku"`
	WarehouseID string `json:"warehouse_id"`
	BatchNo     string `json:"batch_no,omitempty"`
	Required    int64  `json:"required"`
	Available   int64  `json:"available"`
}

// ShortLineOf reports req as uncovered with available units left
func ShortLineOf(req StockRequirement, available int64) ShortLine {
	return ShortLine{
		SKU:         req.SKU,
		WarehouseID: req.WarehouseID,
		BatchNo:     req.BatchNo,
		Required:    req.Quantity,
		Available:   available,
	}
}

// InsufficientStockError carries every short line of a rejected request
// 不足しているすべての明細を保持する在庫不足エラー
type InsufficientStockError struct {
	Lines []ShortLine `json:"lines"`
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Lines))
	for _, l := range e.Lines {
		where := l.SKU + "@" + l.WarehouseID
		if l.BatchNo != "" {
			where += "/" + l.BatchNo
		}
		parts = append(parts, fmt.Sprintf("%s 必要数: %d 利用可能: %d", where, l.Required, l.Available))
	}
	return fmt.Sprintf("%s [%s]", ErrInsufficientStock.Error(), strings.Join(parts, ", "))
}

// Is matches ErrInsufficientStock
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// InvalidStateTransitionError represents a rejected shipment transition
// 拒否された出荷ステータス遷移を表現
type InvalidStateTransitionError struct {
	ShipmentID string         `json:"shipment_id"`
	From       ShipmentStatus `json:"from"`
	To         ShipmentStatus `json:"to"`
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("%s [%s]: %s -> %s", ErrInvalidStateTransition.Error(), e.ShipmentID, e.From, e.To)
}

// Is matches ErrInvalidStateTransition, and ErrAlreadyDeducted when the shipment is deducted
func (e *InvalidStateTransitionError) Is(target error) bool {
	if target == ErrInvalidStateTransition {
		return true
	}
	return target == ErrAlreadyDeducted && e.From == ShipmentStatusDeducted
}

// ConcurrencyError represents a concurrency-related error
// 同時実行関連のエラーを表現
type ConcurrencyError struct {
	Operation string `json:"operation"` // 操作名
	Resource  string `json:"resource"`  // リソース
	Message   string `json:"message"`   // エラーメッセージ
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("同時実行エラー [%s:%s]: %s", e.Operation, e.Resource, e.Message)
}

// Unwrap lets errors.Is(err, ErrVersionMismatch) match
func (e ConcurrencyError) Unwrap() error {
	return ErrVersionMismatch
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
	Retryable bool   `json:"retryable"` // 再試行可能
}

func (e StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e StorageError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// unknownShipment reports a shipment ID the company does not own.
// It is a ValidationError that still matches ErrShipmentNotFound.
// 存在しない出荷IDのバリデーションエラー
func unknownShipment(shipmentID string) *ValidationError {
	return &ValidationError{
		Field:   "shipment_id",
		Message: ErrShipmentNotFound.Error(),
		Value:   shipmentID,
		Cause:   ErrShipmentNotFound,
	}
}

// NewConcurrencyError creates a new concurrency error
// 新しい同時実行エラーを作成
func NewConcurrencyError(operation, resource, message string) *ConcurrencyError {
	return &ConcurrencyError{
		Operation: operation,
		Resource:  resource,
		Message:   message,
	}
}

// NewStorageError creates a new storage error. Storage failures are retryable
// by default; the deduction engine guarantees nothing partial survived.
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: true,
	}
}

// IsRetryable reports whether the caller may safely retry after err
// エラー後に再試行してよいかを判定
func IsRetryable(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrLockNotObtained) || errors.Is(err, ErrVersionMismatch)
}

// IsConflict reports whether err is a write conflict that warrants re-validation
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrVersionMismatch)
}

// wrapStorage passes domain errors through and wraps everything else
func wrapStorage(operation, message string, err error) error {
	var (
		ve  *ValidationError
		ise *InsufficientStockError
		ist *InvalidStateTransitionError
		se  *StorageError
		ce  *ConcurrencyError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &ise), errors.As(err, &ist), errors.As(err, &se), errors.As(err, &ce):
		return err
	case errors.Is(err, ErrShipmentNotFound), errors.Is(err, ErrProductNotFound), errors.Is(err, ErrWarehouseNotFound),
		errors.Is(err, ErrDuplicateProduct), errors.Is(err, ErrDuplicateWarehouse), errors.Is(err, ErrLockNotObtained):
		return err
	}
	return NewStorageError(operation, message, err)
}

func isInsufficient(err error) bool {
	return errors.Is(err, ErrInsufficientStock)
}

func isInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidStateTransition)
}
