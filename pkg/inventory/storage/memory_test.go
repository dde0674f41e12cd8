package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

func inward(id, sku, warehouseID string, qty int64, at time.Time) *inventory.InwardRecord {
	return &inventory.InwardRecord{
		ID:          id,
		CompanyID:   "acme",
		SKU:         sku,
		WarehouseID: warehouseID,
		Quantity:    qty,
		BatchNo:     inventory.NoBatch,
		Source:      inventory.Label{Kind: inventory.LabelSupplier},
		CreatedAt:   at,
	}
}

func newShipment(id string, at time.Time) *inventory.Shipment {
	return &inventory.Shipment{
		ID:        id,
		CompanyID: "acme",
		Channel:   inventory.Channel{Platform: inventory.PlatformDirect},
		Status:    inventory.ShipmentStatusCreated,
		Lines:     []inventory.ShipmentLine{{LineNo: 1, SKU: "SKU-1", WarehouseID: "WH-A", Quantity: 4}},
		Version:   1,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// TestMemoryQueryLimitKeepsNewest は件数指定時に最新の記録を時系列で返すテスト
func TestMemoryQueryLimitKeepsNewest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendInward(ctx, inward(fmt.Sprintf("in-%d", i), "SKU-1", "WH-A", 1, testTime.Add(time.Duration(i)*time.Hour))))
	}

	records, err := store.QueryInward(ctx, inventory.MovementFilter{CompanyID: "acme", Limit: 2})

	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "in-3", records[0].ID)
	assert.Equal(t, "in-4", records[1].ID)
}

// TestMemoryTenantIsolation は会社間の分離のテスト
func TestMemoryTenantIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	require.NoError(t, store.AppendInward(ctx, inward("in-1", "SKU-1", "WH-A", 10, testTime)))

	snapshot, err := store.Snapshot(ctx, inventory.MovementFilter{CompanyID: "other"})

	require.NoError(t, err)
	assert.Empty(t, snapshot.Inward)
}

// TestMemoryAppendOutwardGuard は出庫時の在庫ガードのテスト
func TestMemoryAppendOutwardGuard(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	require.NoError(t, store.AppendInward(ctx, inward("in-1", "SKU-1", "WH-A", 3, testTime)))

	guard := []inventory.StockRequirement{{SKU: "SKU-1", WarehouseID: "WH-A", Quantity: 4}}
	err := store.AppendOutward(ctx, &inventory.OutwardRecord{ID: "out-1", CompanyID: "acme", SKU: "SKU-1", WarehouseID: "WH-A", Quantity: 4}, guard)

	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)
	outward, err := store.QueryOutward(ctx, inventory.MovementFilter{CompanyID: "acme"})
	require.NoError(t, err)
	assert.Empty(t, outward)
}

// TestMemoryAppendOutwardBatchGuard はバッチ単位の在庫ガードのテスト
func TestMemoryAppendOutwardBatchGuard(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	b1 := inward("in-1", "SKU-1", "WH-A", 10, testTime)
	b1.BatchNo = "LOT-1"
	b2 := inward("in-2", "SKU-1", "WH-A", 90, testTime)
	b2.BatchNo = "LOT-2"
	require.NoError(t, store.AppendInward(ctx, b1))
	require.NoError(t, store.AppendInward(ctx, b2))

	guard := []inventory.StockRequirement{
		{SKU: "SKU-1", WarehouseID: "WH-A", Quantity: 50},
		{SKU: "SKU-1", WarehouseID: "WH-A", BatchNo: "LOT-1", Quantity: 50},
	}
	err := store.AppendOutward(ctx, &inventory.OutwardRecord{ID: "out-1", CompanyID: "acme", SKU: "SKU-1", WarehouseID: "WH-A", BatchNo: "LOT-1", Quantity: 50}, guard)

	var insufficient *inventory.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, []inventory.ShortLine{{SKU: "SKU-1", WarehouseID: "WH-A", BatchNo: "LOT-1", Required: 50, Available: 10}}, insufficient.Lines)
	outward, err := store.QueryOutward(ctx, inventory.MovementFilter{CompanyID: "acme"})
	require.NoError(t, err)
	assert.Empty(t, outward)
}

// TestMemoryReadsDoNotRegisterCompany は未知の会社への読み取りで会社が登録されないテスト
func TestMemoryReadsDoNotRegisterCompany(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	filter := inventory.MovementFilter{CompanyID: "ghost"}

	receipts, err := store.QueryInward(ctx, filter)
	require.NoError(t, err)
	assert.Empty(t, receipts)
	outward, err := store.QueryOutward(ctx, filter)
	require.NoError(t, err)
	assert.Empty(t, outward)
	adjustments, err := store.QueryAdjustments(ctx, filter)
	require.NoError(t, err)
	assert.Empty(t, adjustments)
	snapshot, err := store.Snapshot(ctx, filter)
	require.NoError(t, err)
	assert.Empty(t, snapshot.Inward)

	_, err = store.GetShipment(ctx, "ghost", "ship-1")
	assert.ErrorIs(t, err, inventory.ErrShipmentNotFound)
	shipments, err := store.ListShipments(ctx, inventory.ShipmentFilter{CompanyID: "ghost"})
	require.NoError(t, err)
	assert.Empty(t, shipments)
	_, err = store.ResolveSKU(ctx, "ghost", "SKU-1")
	assert.ErrorIs(t, err, inventory.ErrProductNotFound)
	exists, err := store.WarehouseExists(ctx, "ghost", "WH-A")
	require.NoError(t, err)
	assert.False(t, exists)

	// 存在しない会社の出荷への書き込みも登録しない
	ghost := newShipment("ship-1", testTime)
	ghost.CompanyID = "ghost"
	assert.ErrorIs(t, store.UpdateShipment(ctx, ghost, 1), inventory.ErrShipmentNotFound)
	assert.ErrorIs(t, store.TransitionShipment(ctx, "ghost", "ship-1", inventory.ShipmentStatusCreated, inventory.ShipmentStatusCancelled, testTime, "tester"), inventory.ErrShipmentNotFound)
	assert.ErrorIs(t, store.CommitDeduction(ctx, inventory.DeductionCommit{CompanyID: "ghost", ShipmentID: "ship-1", Version: 1}), inventory.ErrShipmentNotFound)

	assert.Empty(t, store.companies)
}

// TestMemoryCommitDeduction は引当コミットのテスト
func TestMemoryCommitDeduction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	require.NoError(t, store.AppendInward(ctx, inward("in-1", "SKU-1", "WH-A", 10, testTime)))
	require.NoError(t, store.CreateShipment(ctx, newShipment("ship-1", testTime)))

	commit := inventory.DeductionCommit{
		CompanyID:  "acme",
		ShipmentID: "ship-1",
		Version:    1,
		Records:    []inventory.OutwardRecord{{ID: "out-1", CompanyID: "acme", SKU: "SKU-1", WarehouseID: "WH-A", Quantity: 4}},
		Guard:      []inventory.StockRequirement{{SKU: "SKU-1", WarehouseID: "WH-A", Quantity: 4}},
		DeductedAt: testTime,
		DeductedBy: "tester",
	}
	require.NoError(t, store.CommitDeduction(ctx, commit))

	shipment, err := store.GetShipment(ctx, "acme", "ship-1")
	require.NoError(t, err)
	assert.Equal(t, inventory.ShipmentStatusDeducted, shipment.Status)
	assert.Equal(t, int64(2), shipment.Version)
	assert.Equal(t, "tester", shipment.DeductedBy)

	// 2回目は状態遷移エラー
	err = store.CommitDeduction(ctx, commit)
	assert.ErrorIs(t, err, inventory.ErrAlreadyDeducted)

	outward, err := store.QueryOutward(ctx, inventory.MovementFilter{CompanyID: "acme"})
	require.NoError(t, err)
	assert.Len(t, outward, 1)
}

// TestMemoryCommitDeductionStaleVersion は古いバージョンでのコミットのテスト
func TestMemoryCommitDeductionStaleVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	require.NoError(t, store.CreateShipment(ctx, newShipment("ship-1", testTime)))

	err := store.CommitDeduction(ctx, inventory.DeductionCommit{CompanyID: "acme", ShipmentID: "ship-1", Version: 0})

	assert.True(t, inventory.IsConflict(err))
}

// TestMemoryConcurrentCommitDeduction は同時コミットで1件のみ成功するテスト
func TestMemoryConcurrentCommitDeduction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	require.NoError(t, store.AppendInward(ctx, inward("in-1", "SKU-1", "WH-A", 100, testTime)))
	require.NoError(t, store.CreateShipment(ctx, newShipment("ship-1", testTime)))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.CommitDeduction(ctx, inventory.DeductionCommit{
				CompanyID:  "acme",
				ShipmentID: "ship-1",
				Version:    1,
				Records:    []inventory.OutwardRecord{{ID: fmt.Sprintf("out-%d", i), CompanyID: "acme", SKU: "SKU-1", WarehouseID: "WH-A", Quantity: 4}},
				Guard:      []inventory.StockRequirement{{SKU: "SKU-1", WarehouseID: "WH-A", Quantity: 4}},
				DeductedAt: testTime,
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	outward, err := store.QueryOutward(ctx, inventory.MovementFilter{CompanyID: "acme"})
	require.NoError(t, err)
	assert.Len(t, outward, 1)
}

// TestMemoryShipmentCopies は取得した出荷の変更が保存内容に影響しないテスト
func TestMemoryShipmentCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	require.NoError(t, store.CreateShipment(ctx, newShipment("ship-1", testTime)))

	s, err := store.GetShipment(ctx, "acme", "ship-1")
	require.NoError(t, err)
	s.Lines[0].Quantity = 999
	s.Status = inventory.ShipmentStatusCancelled

	again, err := store.GetShipment(ctx, "acme", "ship-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), again.Lines[0].Quantity)
	assert.Equal(t, inventory.ShipmentStatusCreated, again.Status)
}

// TestMemoryListShipments は出荷一覧の絞り込みと並び順のテスト
func TestMemoryListShipments(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	for i := 0; i < 3; i++ {
		s := newShipment(fmt.Sprintf("ship-%d", i), testTime.Add(time.Duration(i)*time.Hour))
		s.Carrier = "Yamato"
		s.TrackingID = fmt.Sprintf("TRK-%d", i)
		require.NoError(t, store.CreateShipment(ctx, s))
	}
	require.NoError(t, store.TransitionShipment(ctx, "acme", "ship-0", inventory.ShipmentStatusCreated, inventory.ShipmentStatusCancelled, testTime, "tester"))

	all, err := store.ListShipments(ctx, inventory.ShipmentFilter{CompanyID: "acme", CarrierContains: "yamato"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ship-2", all[0].ID)

	created, err := store.ListShipments(ctx, inventory.ShipmentFilter{CompanyID: "acme", Status: inventory.ShipmentStatusCreated, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "ship-1", created[0].ID)

	tracked, err := store.ListShipments(ctx, inventory.ShipmentFilter{CompanyID: "acme", TrackingContains: "trk-0"})
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	assert.Equal(t, inventory.ShipmentStatusCancelled, tracked[0].Status)
}

// TestMemoryUpdateShipment は楽観的ロックによる更新のテスト
func TestMemoryUpdateShipment(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	require.NoError(t, store.CreateShipment(ctx, newShipment("ship-1", testTime)))

	updated := newShipment("ship-1", testTime)
	updated.Notes = "更新"
	updated.Version = 2
	require.NoError(t, store.UpdateShipment(ctx, updated, 1))

	err := store.UpdateShipment(ctx, updated, 1)
	assert.True(t, errors.Is(err, inventory.ErrVersionMismatch))
}

// TestMemoryRegistry は商品・倉庫マスタのテスト
func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	require.NoError(t, store.CreateProduct(ctx, &inventory.Product{ID: "prod-1", CompanyID: "acme", SKU: "SKU-1", Name: "商品"}))
	assert.ErrorIs(t, store.CreateProduct(ctx, &inventory.Product{ID: "prod-2", CompanyID: "acme", SKU: "SKU-1"}), inventory.ErrDuplicateProduct)

	product, err := store.ResolveSKU(ctx, "acme", "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, "prod-1", product.ID)

	_, err = store.ResolveSKU(ctx, "acme", "SKU-404")
	assert.ErrorIs(t, err, inventory.ErrProductNotFound)

	require.NoError(t, store.CreateWarehouse(ctx, &inventory.Warehouse{ID: "WH-A", CompanyID: "acme", IsActive: true}))
	require.NoError(t, store.CreateWarehouse(ctx, &inventory.Warehouse{ID: "WH-OLD", CompanyID: "acme", IsActive: false}))

	ok, err := store.WarehouseExists(ctx, "acme", "WH-A")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.WarehouseExists(ctx, "acme", "WH-OLD")
	require.NoError(t, err)
	assert.False(t, ok)
}
