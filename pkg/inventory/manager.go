package inventory

import (
	"context"
	"time"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory/lock"
	"go.uber.org/zap"
)

// Config holds configuration for the inventory manager
// 在庫マネージャーの設定を保持
type Config struct {
	DeductTimeout    time.Duration `yaml:"deduct_timeout"`     // 引当のタイムアウト
	MaxRetries       int           `yaml:"max_retries"`        // 競合時の再試行回数
	BalanceCache     bool          `yaml:"balance_cache"`      // 在庫数キャッシュ有効
	NearExpiryMonths int           `yaml:"near_expiry_months"` // 期限間近の既定月数

	// Clock overrides time.Now
	Clock func() time.Time `yaml:"-"`
}

// DefaultConfig returns the default manager configuration
// デフォルト設定を返す
func DefaultConfig() *Config {
	return &Config{
		DeductTimeout:    10 * time.Second,
		MaxRetries:       3,
		BalanceCache:     true,
		NearExpiryMonths: 6,
	}
}

func (c *Config) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// Manager wires the ledger, calculator, tracker, valuation and shipment
// engine over one storage
// ひとつのストレージ上に台帳・在庫計算・追跡・評価・出荷エンジンを構成
type Manager struct {
	Ledger    *Ledger
	Stock     *Calculator
	Tracking  *TrackingManager
	Valuation *ValuationEngine
	Shipments *ShipmentEngine

	storage Storage
	logger  *zap.Logger
	config  *Config
}

// NewManager creates a new inventory manager. A nil locker uses an
// in-process keyed mutex; a nil publisher disables audit events.
// 新しい在庫マネージャーを作成
func NewManager(storage Storage, locker Locker, publisher AuditPublisher, metrics *Metrics, logger *zap.Logger, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}

	var cache *BalanceCache
	if config.BalanceCache {
		cache = NewBalanceCache()
	}
	calc := NewCalculator(storage, cache, metrics, logger)

	return &Manager{
		Ledger:    NewLedger(storage, storage, locker, calc, metrics, logger, config.now),
		Stock:     calc,
		Tracking:  NewTrackingManager(storage, storage, logger, config.now),
		Valuation: NewValuationEngine(storage, logger),
		Shipments: NewShipmentEngine(storage, storage, locker, calc, publisher, metrics, logger, config),
		storage:   storage,
		logger:    logger,
		config:    config,
	}
}

// Config returns the manager configuration
func (m *Manager) Config() *Config {
	return m.config
}

// CreateProduct registers a product in the master data
// 商品マスタを登録
func (m *Manager) CreateProduct(ctx context.Context, product *Product) error {
	if product.ID == "" {
		product.ID = NewRecordID()
	}
	product.CreatedAt = m.config.now()
	if err := ValidateProduct(product); err != nil {
		return err
	}
	if err := m.storage.CreateProduct(ctx, product); err != nil {
		return wrapStorage("create_product", "商品作成に失敗しました", err)
	}
	m.logger.Info("商品作成完了",
		zap.String("company_id", product.CompanyID),
		zap.String("product_id", product.ID),
		zap.String("sku", product.SKU),
	)
	return nil
}

// CreateWarehouse registers a warehouse in the master data
// 倉庫マスタを登録
func (m *Manager) CreateWarehouse(ctx context.Context, warehouse *Warehouse) error {
	warehouse.CreatedAt = m.config.now()
	if err := ValidateWarehouse(warehouse); err != nil {
		return err
	}
	if err := m.storage.CreateWarehouse(ctx, warehouse); err != nil {
		return wrapStorage("create_warehouse", "倉庫作成に失敗しました", err)
	}
	m.logger.Info("倉庫作成完了",
		zap.String("company_id", warehouse.CompanyID),
		zap.String("warehouse_id", warehouse.ID),
	)
	return nil
}

// Health checks the storage connection
// ストレージの接続を確認
func (m *Manager) Health(ctx context.Context) error {
	return m.storage.Ping(ctx)
}
