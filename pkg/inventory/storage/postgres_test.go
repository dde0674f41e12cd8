package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

func newPostgresMock(t *testing.T) (*PostgreSQLStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgreSQLStorageWithDB(db, zap.NewNop()), mock
}

func q(fragment string) string {
	return regexp.QuoteMeta(fragment)
}

var testTime = time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

func testCommit() inventory.DeductionCommit {
	return inventory.DeductionCommit{
		CompanyID:  "acme",
		ShipmentID: "ship-1",
		Version:    1,
		Records: []inventory.OutwardRecord{{
			ID:          "out-1",
			CompanyID:   "acme",
			ProductID:   "prod-1",
			SKU:         "SKU-1",
			WarehouseID: "WH-A",
			Quantity:    4,
			BatchNo:     inventory.NoBatch,
			Destination: inventory.Label{Kind: inventory.LabelMarketplace},
			OriginKind:  inventory.OriginShipmentDeduction,
			ReferenceID: "ship-1",
			CreatedAt:   testTime,
			CreatedBy:   "tester",
		}},
		Guard:      []inventory.StockRequirement{{SKU: "SKU-1", WarehouseID: "WH-A", Quantity: 4}},
		DeductedAt: testTime,
		DeductedBy: "tester",
	}
}

// TestPostgresAppendInward は入庫記録追加のテスト
func TestPostgresAppendInward(t *testing.T) {
	store, mock := newPostgresMock(t)
	expiry := testTime.AddDate(1, 0, 0)

	mock.ExpectExec(q("INSERT INTO inward_records")).
		WithArgs("in-1", "acme", "prod-1", "SKU-1", "WH-A", int64(10), "LOT-1",
			nil, expiry, decimal.NewFromFloat(12.5), "supplier", "", testTime, "tester").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.AppendInward(context.Background(), &inventory.InwardRecord{
		ID:          "in-1",
		CompanyID:   "acme",
		ProductID:   "prod-1",
		SKU:         "SKU-1",
		WarehouseID: "WH-A",
		Quantity:    10,
		BatchNo:     "LOT-1",
		ExpiryDate:  &expiry,
		UnitCost:    decimal.NewFromFloat(12.5),
		Source:      inventory.Label{Kind: inventory.LabelSupplier},
		CreatedAt:   testTime,
		CreatedBy:   "tester",
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresAppendOutwardGuard は出庫時の在庫ガードのテスト
func TestPostgresAppendOutwardGuard(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM inward_records")).
		WithArgs("acme", "SKU-1", "WH-A").
		WillReturnRows(sqlmock.NewRows([]string{"available"}).AddRow(int64(2)))
	mock.ExpectRollback()

	record := testCommit().Records[0]
	err := store.AppendOutward(context.Background(), &record, []inventory.StockRequirement{{SKU: "SKU-1", WarehouseID: "WH-A", Quantity: 4}})

	require.Error(t, err)
	assert.True(t, errors.Is(err, inventory.ErrInsufficientStock))
	var ise *inventory.InsufficientStockError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, int64(2), ise.Lines[0].Available)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresAppendOutwardBatchGuard はバッチ単位の在庫ガードのテスト
func TestPostgresAppendOutwardBatchGuard(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM inward_records")).
		WithArgs("acme", "SKU-1", "WH-A").
		WillReturnRows(sqlmock.NewRows([]string{"available"}).AddRow(int64(100)))
	mock.ExpectQuery(q("AND batch_no = $4")).
		WithArgs("acme", "SKU-1", "WH-A", "LOT-1").
		WillReturnRows(sqlmock.NewRows([]string{"available"}).AddRow(int64(10)))
	mock.ExpectRollback()

	record := testCommit().Records[0]
	record.BatchNo = "LOT-1"
	record.Quantity = 50
	err := store.AppendOutward(context.Background(), &record, []inventory.StockRequirement{
		{SKU: "SKU-1", WarehouseID: "WH-A", Quantity: 50},
		{SKU: "SKU-1", WarehouseID: "WH-A", BatchNo: "LOT-1", Quantity: 50},
	})

	var ise *inventory.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	require.Len(t, ise.Lines, 1)
	assert.Equal(t, "LOT-1", ise.Lines[0].BatchNo)
	assert.Equal(t, int64(10), ise.Lines[0].Available)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresCommitDeduction は引当コミット成功のテスト
func TestPostgresCommitDeduction(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT status, version FROM shipments")).
		WithArgs("acme", "ship-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "version"}).AddRow("created", int64(1)))
	mock.ExpectQuery(q("FROM inward_records")).
		WithArgs("acme", "SKU-1", "WH-A").
		WillReturnRows(sqlmock.NewRows([]string{"available"}).AddRow(int64(10)))
	mock.ExpectExec(q("INSERT INTO outward_records")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(q("UPDATE shipments SET status = 'deducted'")).
		WithArgs("acme", "ship-1", testTime, "tester", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.CommitDeduction(context.Background(), testCommit())

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresCommitDeductionVersionMismatch はバージョン不一致のテスト
func TestPostgresCommitDeductionVersionMismatch(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT status, version FROM shipments")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "version"}).AddRow("created", int64(2)))
	mock.ExpectRollback()

	err := store.CommitDeduction(context.Background(), testCommit())

	require.Error(t, err)
	assert.True(t, errors.Is(err, inventory.ErrVersionMismatch))
	assert.True(t, inventory.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresCommitDeductionAlreadyDeducted は引当済み出荷のテスト
func TestPostgresCommitDeductionAlreadyDeducted(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT status, version FROM shipments")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "version"}).AddRow("deducted", int64(2)))
	mock.ExpectRollback()

	err := store.CommitDeduction(context.Background(), testCommit())

	require.Error(t, err)
	assert.True(t, errors.Is(err, inventory.ErrAlreadyDeducted))
	assert.False(t, inventory.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresCommitDeductionSerializationFailure はシリアライズ失敗のテスト
func TestPostgresCommitDeductionSerializationFailure(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT status, version FROM shipments")).
		WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()

	err := store.CommitDeduction(context.Background(), testCommit())

	require.Error(t, err)
	assert.True(t, errors.Is(err, inventory.ErrConflict))
	assert.True(t, inventory.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresCommitDeductionInsufficient はコミット時の在庫不足のテスト
func TestPostgresCommitDeductionInsufficient(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT status, version FROM shipments")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "version"}).AddRow("created", int64(1)))
	mock.ExpectQuery(q("FROM inward_records")).
		WillReturnRows(sqlmock.NewRows([]string{"available"}).AddRow(int64(3)))
	mock.ExpectRollback()

	err := store.CommitDeduction(context.Background(), testCommit())

	require.Error(t, err)
	assert.True(t, errors.Is(err, inventory.ErrInsufficientStock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

var shipmentRowColumns = []string{
	"company_id", "id", "platform", "channel_label", "shipment_name", "carrier", "tracking_id", "status", "notes", "version",
	"created_at", "created_by", "updated_at", "deducted_at", "deducted_by", "cancelled_at", "cancelled_by",
}

// TestPostgresGetShipment は出荷取得のテスト
func TestPostgresGetShipment(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectQuery(q("FROM shipments WHERE company_id = $1 AND id = $2")).
		WithArgs("acme", "ship-1").
		WillReturnRows(sqlmock.NewRows(shipmentRowColumns).AddRow(
			"acme", "ship-1", "shopify", "jp-store", "春の出荷", "yamato", "TRK-1", "deducted", "", int64(2),
			testTime, "tester", testTime, testTime, "tester", nil, "",
		))
	mock.ExpectQuery(q("FROM shipment_lines")).
		WillReturnRows(sqlmock.NewRows([]string{"shipment_id", "line_no", "sku", "product_id", "quantity", "warehouse_id", "batch_no", "unit_cost"}).
			AddRow("ship-1", 1, "SKU-1", "prod-1", int64(4), "WH-A", "", "980.0000").
			AddRow("ship-1", 2, "SKU-2", "prod-2", int64(1), "WH-B", "LOT-9", nil))

	shipment, err := store.GetShipment(context.Background(), "acme", "ship-1")

	require.NoError(t, err)
	assert.Equal(t, inventory.ShipmentStatusDeducted, shipment.Status)
	assert.Equal(t, inventory.PlatformShopify, shipment.Channel.Platform)
	assert.Equal(t, "jp-store", shipment.Channel.ChannelLabel)
	require.NotNil(t, shipment.DeductedAt)
	assert.Nil(t, shipment.CancelledAt)
	require.Len(t, shipment.Lines, 2)
	require.NotNil(t, shipment.Lines[0].UnitCost)
	assert.True(t, decimal.NewFromInt(980).Equal(*shipment.Lines[0].UnitCost))
	assert.Nil(t, shipment.Lines[1].UnitCost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresGetShipmentNotFound は存在しない出荷のテスト
func TestPostgresGetShipmentNotFound(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectQuery(q("FROM shipments")).WillReturnRows(sqlmock.NewRows(shipmentRowColumns))

	_, err := store.GetShipment(context.Background(), "acme", "missing")

	assert.ErrorIs(t, err, inventory.ErrShipmentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresTransitionShipmentStale は別の操作で遷移済みの出荷のテスト
func TestPostgresTransitionShipmentStale(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE shipments SET status = $4, cancelled_at = $5")).
		WithArgs("acme", "ship-1", "created", "cancelled", testTime, "tester").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT status FROM shipments")).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("deducted"))
	mock.ExpectRollback()

	err := store.TransitionShipment(context.Background(), "acme", "ship-1",
		inventory.ShipmentStatusCreated, inventory.ShipmentStatusCancelled, testTime, "tester")

	assert.ErrorIs(t, err, inventory.ErrInvalidStateTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresCreateProductDuplicate は重複商品のテスト
func TestPostgresCreateProductDuplicate(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectExec(q("INSERT INTO products")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	err := store.CreateProduct(context.Background(), &inventory.Product{ID: "prod-1", CompanyID: "acme", SKU: "SKU-1", Name: "商品", CreatedAt: testTime})

	assert.ErrorIs(t, err, inventory.ErrDuplicateProduct)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresWarehouseExists は有効倉庫の確認テスト
func TestPostgresWarehouseExists(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectQuery(q("FROM warehouses WHERE company_id = $1 AND id = $2 AND is_active")).
		WithArgs("acme", "WH-A").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.WarehouseExists(context.Background(), "acme", "WH-A")

	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresQueryInwardLimit は件数指定の入庫照会のテスト
func TestPostgresQueryInwardLimit(t *testing.T) {
	store, mock := newPostgresMock(t)

	columns := []string{"id", "company_id", "product_id", "sku", "warehouse_id", "quantity", "batch_no",
		"manufacture_date", "expiry_date", "unit_cost", "source_kind", "source_custom", "created_at", "created_by"}
	mock.ExpectQuery(q("ORDER BY created_at DESC, id DESC LIMIT $3) recent ORDER BY created_at, id")).
		WithArgs("acme", "SKU-1", 5).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("in-1", "acme", "prod-1", "SKU-1", "WH-A", int64(10), "NO_BATCH", nil, nil, "0", "supplier", "", testTime, "tester").
			AddRow("in-2", "acme", "prod-1", "SKU-1", "WH-B", int64(3), "LOT-1", testTime, testTime.AddDate(0, 6, 0), "12.5", "custom", "factory-2", testTime, "tester"))

	records, err := store.QueryInward(context.Background(), inventory.MovementFilter{CompanyID: "acme", SKU: "SKU-1", Limit: 5})

	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Nil(t, records[0].ExpiryDate)
	require.NotNil(t, records[1].ExpiryDate)
	assert.Equal(t, inventory.Label{Kind: inventory.LabelCustom, Custom: "factory-2"}, records[1].Source)
	assert.True(t, decimal.NewFromFloat(12.5).Equal(records[1].UnitCost))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresSnapshot はスナップショット取得のテスト
func TestPostgresSnapshot(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM inward_records")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "company_id", "product_id", "sku", "warehouse_id", "quantity", "batch_no",
			"manufacture_date", "expiry_date", "unit_cost", "source_kind", "source_custom", "created_at", "created_by"}).
			AddRow("in-1", "acme", "prod-1", "SKU-1", "WH-A", int64(10), "NO_BATCH", nil, nil, "0", "supplier", "", testTime, "tester"))
	mock.ExpectQuery(q("FROM outward_records")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "company_id", "product_id", "sku", "warehouse_id", "quantity", "batch_no",
			"destination_kind", "destination_custom", "origin_kind", "reference_id", "created_at", "created_by"}).
			AddRow("out-1", "acme", "prod-1", "SKU-1", "WH-A", int64(4), "NO_BATCH", "marketplace", "", "shipment_deduction", "ship-1", testTime, "tester"))
	mock.ExpectQuery(q("FROM adjustment_records")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "company_id", "product_id", "sku", "warehouse_id", "batch_no",
			"delta", "reason_code", "approved", "created_at", "created_by"}).
			AddRow("adj-1", "acme", "prod-1", "SKU-1", "WH-A", "NO_BATCH", int64(-1), "damage", true, testTime, "tester"))
	mock.ExpectCommit()

	snapshot, err := store.Snapshot(context.Background(), inventory.MovementFilter{CompanyID: "acme", SKU: "SKU-1", Limit: 1})

	require.NoError(t, err)
	assert.Equal(t, int64(5), inventory.Aggregate(snapshot, inventory.StockScope{SKU: "SKU-1", WarehouseID: "WH-A"}))
	assert.Equal(t, inventory.OriginShipmentDeduction, snapshot.Outward[0].OriginKind)
	assert.NoError(t, mock.ExpectationsWereMet())
}
