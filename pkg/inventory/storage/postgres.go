package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

// PostgreSQL error codes
const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// PostgreSQLStorage implements the Storage interface using PostgreSQL.
// Snapshots run in REPEATABLE READ read-only transactions; guarded appends
// and deduction commits run SERIALIZABLE.
// PostgreSQLを使用したStorageインターフェースの実装
type PostgreSQLStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ inventory.Storage = (*PostgreSQLStorage)(nil)

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(ctx context.Context, dsn string, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewPostgreSQLStorageWithDB(db, logger), nil
}

// NewPostgreSQLStorageWithDB wraps an already opened database
// 既存のDB接続からストレージを作成
func NewPostgreSQLStorageWithDB(db *sql.DB, logger *zap.Logger) *PostgreSQLStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgreSQLStorage{
		db:     db,
		logger: logger,
	}
}

// inTx runs fn in a transaction and commits when it returns nil
// トランザクション内でfnを実行し、成功時にコミット
func (s *PostgreSQLStorage) inTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗しました: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

var (
	serializable = &sql.TxOptions{Isolation: sql.LevelSerializable}
	snapshotRead = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
)

// AppendInward appends a receipt
// 入庫記録を追加
func (s *PostgreSQLStorage) AppendInward(ctx context.Context, record *inventory.InwardRecord) error {
	if err := insertInward(ctx, s.db, record); err != nil {
		return s.mapError("append_inward", "入庫記録の追加に失敗しました", err)
	}
	return nil
}

// AppendOutward appends a dispatch after re-checking guard
// ガードを再確認して出庫記録を追加
func (s *PostgreSQLStorage) AppendOutward(ctx context.Context, record *inventory.OutwardRecord, guard []inventory.StockRequirement) error {
	err := s.inTx(ctx, serializable, func(tx *sql.Tx) error {
		if err := checkGuard(ctx, tx, record.CompanyID, guard); err != nil {
			return err
		}
		return insertOutward(ctx, tx, record)
	})
	if err != nil {
		return s.mapError("append_outward", "出庫記録の追加に失敗しました", err)
	}
	return nil
}

// AppendAdjustment appends a correction
// 調整記録を追加
func (s *PostgreSQLStorage) AppendAdjustment(ctx context.Context, record *inventory.AdjustmentRecord) error {
	query := `
		INSERT INTO adjustment_records (id, company_id, product_id, sku, warehouse_id, batch_no, delta, reason_code, approved, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.CompanyID,
		record.ProductID,
		record.SKU,
		record.WarehouseID,
		record.BatchNo,
		record.Delta,
		string(record.ReasonCode),
		record.Approved,
		record.CreatedAt,
		record.CreatedBy,
	)
	if err != nil {
		return s.mapError("append_adjustment", "調整記録の追加に失敗しました", err)
	}
	return nil
}

// AppendTransfer appends both sides of a transfer in one transaction
// 倉庫間移動の出庫・入庫を1トランザクションで追加
func (s *PostgreSQLStorage) AppendTransfer(ctx context.Context, out *inventory.OutwardRecord, in *inventory.InwardRecord, guard []inventory.StockRequirement) error {
	err := s.inTx(ctx, serializable, func(tx *sql.Tx) error {
		if err := checkGuard(ctx, tx, out.CompanyID, guard); err != nil {
			return err
		}
		if err := insertOutward(ctx, tx, out); err != nil {
			return err
		}
		return insertInward(ctx, tx, in)
	})
	if err != nil {
		return s.mapError("append_transfer", "倉庫間移動の記録に失敗しました", err)
	}
	return nil
}

// QueryInward lists receipts matching filter in chronological order
// 入庫記録を照会
func (s *PostgreSQLStorage) QueryInward(ctx context.Context, filter inventory.MovementFilter) ([]inventory.InwardRecord, error) {
	records, err := queryInward(ctx, s.db, filter)
	if err != nil {
		return nil, s.mapError("query_inward", "入庫記録の照会に失敗しました", err)
	}
	return records, nil
}

// QueryOutward lists dispatches matching filter in chronological order
// 出庫記録を照会
func (s *PostgreSQLStorage) QueryOutward(ctx context.Context, filter inventory.MovementFilter) ([]inventory.OutwardRecord, error) {
	records, err := queryOutward(ctx, s.db, filter)
	if err != nil {
		return nil, s.mapError("query_outward", "出庫記録の照会に失敗しました", err)
	}
	return records, nil
}

// QueryAdjustments lists corrections matching filter in chronological order
// 調整記録を照会
func (s *PostgreSQLStorage) QueryAdjustments(ctx context.Context, filter inventory.MovementFilter) ([]inventory.AdjustmentRecord, error) {
	records, err := queryAdjustments(ctx, s.db, filter)
	if err != nil {
		return nil, s.mapError("query_adjustments", "調整記録の照会に失敗しました", err)
	}
	return records, nil
}

// Snapshot reads the three kinds in one REPEATABLE READ transaction. Limit is ignored.
// REPEATABLE READトランザクションで3種類の記録を一貫して取得
func (s *PostgreSQLStorage) Snapshot(ctx context.Context, filter inventory.MovementFilter) (*inventory.LedgerSnapshot, error) {
	filter.Limit = 0
	snapshot := &inventory.LedgerSnapshot{}
	err := s.inTx(ctx, snapshotRead, func(tx *sql.Tx) error {
		var err error
		if snapshot.Inward, err = queryInward(ctx, tx, filter); err != nil {
			return err
		}
		if snapshot.Outward, err = queryOutward(ctx, tx, filter); err != nil {
			return err
		}
		snapshot.Adjustments, err = queryAdjustments(ctx, tx, filter)
		return err
	})
	if err != nil {
		return nil, s.mapError("snapshot", "台帳スナップショット取得に失敗しました", err)
	}
	return snapshot, nil
}

// CreateShipment stores a shipment and its lines
// 出荷と明細を作成
func (s *PostgreSQLStorage) CreateShipment(ctx context.Context, shipment *inventory.Shipment) error {
	err := s.inTx(ctx, nil, func(tx *sql.Tx) error {
		query := `
			INSERT INTO shipments (company_id, id, platform, channel_label, shipment_name, carrier, tracking_id, status, notes, version, created_at, created_by, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
		if _, err := tx.ExecContext(ctx, query,
			shipment.CompanyID,
			shipment.ID,
			string(shipment.Channel.Platform),
			shipment.Channel.ChannelLabel,
			shipment.ShipmentName,
			shipment.Carrier,
			shipment.TrackingID,
			string(shipment.Status),
			shipment.Notes,
			shipment.Version,
			shipment.CreatedAt,
			shipment.CreatedBy,
			shipment.UpdatedAt,
		); err != nil {
			return err
		}
		return insertLines(ctx, tx, shipment)
	})
	if err != nil {
		return s.mapError("create_shipment", "出荷作成に失敗しました", err)
	}
	return nil
}

const shipmentColumns = `company_id, id, platform, channel_label, shipment_name, carrier, tracking_id, status, notes, version,
	created_at, created_by, updated_at, deducted_at, deducted_by, cancelled_at, cancelled_by`

// GetShipment retrieves a shipment with its lines
// 出荷と明細を取得
func (s *PostgreSQLStorage) GetShipment(ctx context.Context, companyID, shipmentID string) (*inventory.Shipment, error) {
	query := `SELECT ` + shipmentColumns + ` FROM shipments WHERE company_id = $1 AND id = $2`

	shipment, err := scanShipment(s.db.QueryRowContext(ctx, query, companyID, shipmentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrShipmentNotFound
		}
		return nil, s.mapError("get_shipment", "出荷取得に失敗しました", err)
	}

	lines, err := s.loadLines(ctx, companyID, []string{shipmentID})
	if err != nil {
		return nil, s.mapError("get_shipment_lines", "出荷明細取得に失敗しました", err)
	}
	shipment.Lines = lines[shipmentID]
	return shipment, nil
}

// ListShipments lists shipments matching filter, newest first
// 出荷一覧を取得
func (s *PostgreSQLStorage) ListShipments(ctx context.Context, filter inventory.ShipmentFilter) ([]inventory.Shipment, error) {
	where := []string{"company_id = $1"}
	args := []interface{}{filter.CompanyID}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.TrackingContains != "" {
		add("tracking_id ILIKE $%d", "%"+escapeLike(filter.TrackingContains)+"%")
	}
	if filter.CarrierContains != "" {
		add("carrier ILIKE $%d", "%"+escapeLike(filter.CarrierContains)+"%")
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $%d", *filter.To)
	}

	query := `SELECT ` + shipmentColumns + ` FROM shipments WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.mapError("list_shipments", "出荷一覧取得に失敗しました", err)
	}
	defer rows.Close()

	shipments := make([]inventory.Shipment, 0)
	ids := make([]string, 0)
	for rows.Next() {
		shipment, err := scanShipment(rows)
		if err != nil {
			return nil, s.mapError("list_shipments", "出荷データの読み取りに失敗しました", err)
		}
		shipments = append(shipments, *shipment)
		ids = append(ids, shipment.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError("list_shipments", "出荷一覧取得に失敗しました", err)
	}
	if len(ids) == 0 {
		return shipments, nil
	}

	lines, err := s.loadLines(ctx, filter.CompanyID, ids)
	if err != nil {
		return nil, s.mapError("list_shipment_lines", "出荷明細取得に失敗しました", err)
	}
	for i := range shipments {
		shipments[i].Lines = lines[shipments[i].ID]
	}
	return shipments, nil
}

// UpdateShipment replaces a created shipment whose version is expectedVersion
// 楽観的ロックで作成済みの出荷を更新
func (s *PostgreSQLStorage) UpdateShipment(ctx context.Context, shipment *inventory.Shipment, expectedVersion int64) error {
	err := s.inTx(ctx, nil, func(tx *sql.Tx) error {
		query := `
			UPDATE shipments
			SET platform = $3, channel_label = $4, shipment_name = $5, carrier = $6, tracking_id = $7, notes = $8, version = $9, updated_at = $10
			WHERE company_id = $1 AND id = $2 AND status = 'created' AND version = $11`
		result, err := tx.ExecContext(ctx, query,
			shipment.CompanyID,
			shipment.ID,
			string(shipment.Channel.Platform),
			shipment.Channel.ChannelLabel,
			shipment.ShipmentName,
			shipment.Carrier,
			shipment.TrackingID,
			shipment.Notes,
			shipment.Version,
			shipment.UpdatedAt,
			expectedVersion,
		)
		if err != nil {
			return err
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
		}
		if rowsAffected == 0 {
			return diagnoseShipment(ctx, tx, shipment.CompanyID, shipment.ID, inventory.ShipmentStatusCreated, inventory.ErrVersionMismatch)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM shipment_lines WHERE company_id = $1 AND shipment_id = $2`, shipment.CompanyID, shipment.ID); err != nil {
			return err
		}
		return insertLines(ctx, tx, shipment)
	})
	if err != nil {
		return s.mapError("update_shipment", "出荷更新に失敗しました", err)
	}
	return nil
}

// TransitionShipment changes the status when it is still from
// 現在のステータスを条件にステータスを変更
func (s *PostgreSQLStorage) TransitionShipment(ctx context.Context, companyID, shipmentID string, from, to inventory.ShipmentStatus, at time.Time, actor string) error {
	if !inventory.CanTransition(from, to) {
		return &inventory.InvalidStateTransitionError{ShipmentID: shipmentID, From: from, To: to}
	}

	var query string
	switch to {
	case inventory.ShipmentStatusDeducted:
		query = `UPDATE shipments SET status = $4, deducted_at = $5, deducted_by = $6, updated_at = $5, version = version + 1
			WHERE company_id = $1 AND id = $2 AND status = $3`
	default:
		query = `UPDATE shipments SET status = $4, cancelled_at = $5, cancelled_by = $6, updated_at = $5, version = version + 1
			WHERE company_id = $1 AND id = $2 AND status = $3`
	}

	err := s.inTx(ctx, nil, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, companyID, shipmentID, string(from), string(to), at, actor)
		if err != nil {
			return err
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
		}
		if rowsAffected == 0 {
			return diagnoseShipment(ctx, tx, companyID, shipmentID, to, inventory.ErrConflict)
		}
		return nil
	})
	if err != nil {
		return s.mapError("transition_shipment", "出荷ステータス変更に失敗しました", err)
	}
	return nil
}

// CommitDeduction applies a deduction in one SERIALIZABLE transaction:
// lock the shipment row, check status and version, re-check the guard,
// insert the outward records and flip the status.
// 1つのSERIALIZABLEトランザクションで引当を適用
func (s *PostgreSQLStorage) CommitDeduction(ctx context.Context, commit inventory.DeductionCommit) error {
	err := s.inTx(ctx, serializable, func(tx *sql.Tx) error {
		var (
			status  string
			version int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT status, version FROM shipments WHERE company_id = $1 AND id = $2 FOR UPDATE`,
			commit.CompanyID, commit.ShipmentID,
		).Scan(&status, &version)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return inventory.ErrShipmentNotFound
			}
			return err
		}
		if inventory.ShipmentStatus(status) != inventory.ShipmentStatusCreated {
			return &inventory.InvalidStateTransitionError{
				ShipmentID: commit.ShipmentID,
				From:       inventory.ShipmentStatus(status),
				To:         inventory.ShipmentStatusDeducted,
			}
		}
		if version != commit.Version {
			return inventory.NewConcurrencyError("commit_deduction", commit.ShipmentID, "出荷のバージョンが一致しません")
		}

		if err := checkGuard(ctx, tx, commit.CompanyID, commit.Guard); err != nil {
			return err
		}
		for i := range commit.Records {
			if err := insertOutward(ctx, tx, &commit.Records[i]); err != nil {
				return err
			}
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE shipments SET status = 'deducted', deducted_at = $3, deducted_by = $4, updated_at = $3, version = version + 1
			WHERE company_id = $1 AND id = $2 AND status = 'created' AND version = $5`,
			commit.CompanyID, commit.ShipmentID, commit.DeductedAt, commit.DeductedBy, commit.Version,
		)
		if err != nil {
			return err
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
		}
		if rowsAffected == 0 {
			return inventory.ErrConflict
		}
		return nil
	})
	if err != nil {
		return s.mapError("commit_deduction", "引当のコミットに失敗しました", err)
	}

	s.logger.Debug("引当コミット完了",
		zap.String("company_id", commit.CompanyID),
		zap.String("shipment_id", commit.ShipmentID),
		zap.Int("records", len(commit.Records)),
	)
	return nil
}

// ResolveSKU returns the product registered for sku
// SKUから商品を取得
func (s *PostgreSQLStorage) ResolveSKU(ctx context.Context, companyID, sku string) (*inventory.Product, error) {
	query := `SELECT id, company_id, sku, name, created_at FROM products WHERE company_id = $1 AND sku = $2`

	product := &inventory.Product{}
	err := s.db.QueryRowContext(ctx, query, companyID, sku).Scan(
		&product.ID,
		&product.CompanyID,
		&product.SKU,
		&product.Name,
		&product.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrProductNotFound
		}
		return nil, s.mapError("resolve_sku", "商品取得に失敗しました", err)
	}
	return product, nil
}

// WarehouseExists reports whether an active warehouse is registered
// 有効な倉庫が存在するかを確認
func (s *PostgreSQLStorage) WarehouseExists(ctx context.Context, companyID, warehouseID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM warehouses WHERE company_id = $1 AND id = $2 AND is_active)`,
		companyID, warehouseID,
	).Scan(&exists)
	if err != nil {
		return false, s.mapError("get_warehouse", "倉庫取得に失敗しました", err)
	}
	return exists, nil
}

// CreateProduct registers a product
// 商品を作成
func (s *PostgreSQLStorage) CreateProduct(ctx context.Context, product *inventory.Product) error {
	query := `INSERT INTO products (company_id, id, sku, name, created_at) VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query, product.CompanyID, product.ID, product.SKU, product.Name, product.CreatedAt)
	if err != nil {
		if isPQCode(err, pqUniqueViolation) {
			return inventory.ErrDuplicateProduct
		}
		return s.mapError("create_product", "商品作成に失敗しました", err)
	}
	return nil
}

// CreateWarehouse registers a warehouse
// 倉庫を作成
func (s *PostgreSQLStorage) CreateWarehouse(ctx context.Context, warehouse *inventory.Warehouse) error {
	query := `INSERT INTO warehouses (company_id, id, name, is_active, created_at) VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query, warehouse.CompanyID, warehouse.ID, warehouse.Name, warehouse.IsActive, warehouse.CreatedAt)
	if err != nil {
		if isPQCode(err, pqUniqueViolation) {
			return inventory.ErrDuplicateWarehouse
		}
		return s.mapError("create_warehouse", "倉庫作成に失敗しました", err)
	}
	return nil
}

// Ping checks database connectivity
// データベース接続をチェック
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続を閉じる
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}

// ヘルパー関数

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// mapError turns driver errors into storage errors. Serialization failures
// and deadlocks become retryable conflicts; domain errors pass through.
// ドライバーのエラーをストレージエラーに変換
func (s *PostgreSQLStorage) mapError(operation, message string, err error) error {
	var (
		ise *inventory.InsufficientStockError
		ist *inventory.InvalidStateTransitionError
		ce  *inventory.ConcurrencyError
	)
	switch {
	case errors.As(err, &ise), errors.As(err, &ist), errors.As(err, &ce),
		errors.Is(err, inventory.ErrShipmentNotFound),
		errors.Is(err, inventory.ErrVersionMismatch),
		errors.Is(err, inventory.ErrDuplicateProduct),
		errors.Is(err, inventory.ErrDuplicateWarehouse):
		return err
	case errors.Is(err, inventory.ErrConflict),
		isPQCode(err, pqSerializationFailure),
		isPQCode(err, pqDeadlockDetected):
		s.logger.Debug("同時更新の競合を検出しました", zap.String("operation", operation), zap.Error(err))
		return &inventory.StorageError{
			Operation: operation,
			Message:   message,
			Cause:     fmt.Errorf("%w: %v", inventory.ErrConflict, err),
			Retryable: true,
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &inventory.StorageError{Operation: operation, Message: message, Cause: err, Retryable: true}
	case isPQCode(err, pqUniqueViolation):
		return &inventory.StorageError{Operation: operation, Message: "既に存在します", Cause: err, Retryable: false}
	}
	s.logger.Error(message, zap.String("operation", operation), zap.Error(err))
	return inventory.NewStorageError(operation, message, err)
}

func isPQCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}

// checkGuard reports every requirement the committed ledger cannot cover.
// Batch-scoped requirements only count records of that batch.
func checkGuard(ctx context.Context, q queryer, companyID string, guard []inventory.StockRequirement) error {
	query := `
		SELECT
			(SELECT COALESCE(SUM(quantity), 0) FROM inward_records WHERE company_id = $1 AND sku = $2 AND warehouse_id = $3)
			- (SELECT COALESCE(SUM(quantity), 0) FROM outward_records WHERE company_id = $1 AND sku = $2 AND warehouse_id = $3)
			+ (SELECT COALESCE(SUM(delta), 0) FROM adjustment_records WHERE company_id = $1 AND sku = $2 AND warehouse_id = $3 AND approved)`
	batchQuery := `
		SELECT
			(SELECT COALESCE(SUM(quantity), 0) FROM inward_records WHERE company_id = $1 AND sku = $2 AND warehouse_id = $3 AND batch_no = $4)
			- (SELECT COALESCE(SUM(quantity), 0) FROM outward_records WHERE company_id = $1 AND sku = $2 AND warehouse_id = $3 AND batch_no = $4)
			+ (SELECT COALESCE(SUM(delta), 0) FROM adjustment_records WHERE company_id = $1 AND sku = $2 AND warehouse_id = $3 AND batch_no = $4 AND approved)`

	var short []inventory.ShortLine
	for _, req := range guard {
		var (
			available int64
			row       *sql.Row
		)
		if req.BatchNo != "" {
			row = q.QueryRowContext(ctx, batchQuery, companyID, req.SKU, req.WarehouseID, req.BatchNo)
		} else {
			row = q.QueryRowContext(ctx, query, companyID, req.SKU, req.WarehouseID)
		}
		if err := row.Scan(&available); err != nil {
			return err
		}
		if available < req.Quantity {
			short = append(short, inventory.ShortLineOf(req, available))
		}
	}
	if len(short) > 0 {
		return &inventory.InsufficientStockError{Lines: short}
	}
	return nil
}

// diagnoseShipment explains why a conditional shipment update touched no row
func diagnoseShipment(ctx context.Context, q queryer, companyID, shipmentID string, to inventory.ShipmentStatus, otherwise error) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM shipments WHERE company_id = $1 AND id = $2`, companyID, shipmentID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return inventory.ErrShipmentNotFound
		}
		return err
	}
	if inventory.ShipmentStatus(status) != inventory.ShipmentStatusCreated {
		return &inventory.InvalidStateTransitionError{ShipmentID: shipmentID, From: inventory.ShipmentStatus(status), To: to}
	}
	return otherwise
}

func insertInward(ctx context.Context, q queryer, record *inventory.InwardRecord) error {
	query := `
		INSERT INTO inward_records (id, company_id, product_id, sku, warehouse_id, quantity, batch_no, manufacture_date, expiry_date, unit_cost, source_kind, source_custom, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := q.ExecContext(ctx, query,
		record.ID,
		record.CompanyID,
		record.ProductID,
		record.SKU,
		record.WarehouseID,
		record.Quantity,
		record.BatchNo,
		nullTime(record.ManufactureDate),
		nullTime(record.ExpiryDate),
		record.UnitCost,
		string(record.Source.Kind),
		record.Source.Custom,
		record.CreatedAt,
		record.CreatedBy,
	)
	return err
}

func insertOutward(ctx context.Context, q queryer, record *inventory.OutwardRecord) error {
	query := `
		INSERT INTO outward_records (id, company_id, product_id, sku, warehouse_id, quantity, batch_no, destination_kind, destination_custom, origin_kind, reference_id, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := q.ExecContext(ctx, query,
		record.ID,
		record.CompanyID,
		record.ProductID,
		record.SKU,
		record.WarehouseID,
		record.Quantity,
		record.BatchNo,
		string(record.Destination.Kind),
		record.Destination.Custom,
		string(record.OriginKind),
		record.ReferenceID,
		record.CreatedAt,
		record.CreatedBy,
	)
	return err
}

func insertLines(ctx context.Context, q queryer, shipment *inventory.Shipment) error {
	query := `
		INSERT INTO shipment_lines (company_id, shipment_id, line_no, sku, product_id, quantity, warehouse_id, batch_no, unit_cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	for _, line := range shipment.Lines {
		var unitCost decimal.NullDecimal
		if line.UnitCost != nil {
			unitCost = decimal.NullDecimal{Decimal: *line.UnitCost, Valid: true}
		}
		if _, err := q.ExecContext(ctx, query,
			shipment.CompanyID,
			shipment.ID,
			line.LineNo,
			line.SKU,
			line.ProductID,
			line.Quantity,
			line.WarehouseID,
			line.BatchNo,
			unitCost,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgreSQLStorage) loadLines(ctx context.Context, companyID string, shipmentIDs []string) (map[string][]inventory.ShipmentLine, error) {
	query := `
		SELECT shipment_id, line_no, sku, product_id, quantity, warehouse_id, batch_no, unit_cost
		FROM shipment_lines
		WHERE company_id = $1 AND shipment_id = ANY($2)
		ORDER BY shipment_id, line_no`

	rows, err := s.db.QueryContext(ctx, query, companyID, pq.Array(shipmentIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make(map[string][]inventory.ShipmentLine, len(shipmentIDs))
	for rows.Next() {
		var (
			shipmentID string
			line       inventory.ShipmentLine
			unitCost   decimal.NullDecimal
		)
		if err := rows.Scan(
			&shipmentID,
			&line.LineNo,
			&line.SKU,
			&line.ProductID,
			&line.Quantity,
			&line.WarehouseID,
			&line.BatchNo,
			&unitCost,
		); err != nil {
			return nil, err
		}
		if unitCost.Valid {
			cost := unitCost.Decimal
			line.UnitCost = &cost
		}
		lines[shipmentID] = append(lines[shipmentID], line)
	}
	return lines, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanShipment(row rowScanner) (*inventory.Shipment, error) {
	var (
		shipment    inventory.Shipment
		platform    string
		status      string
		deductedAt  sql.NullTime
		cancelledAt sql.NullTime
	)
	if err := row.Scan(
		&shipment.CompanyID,
		&shipment.ID,
		&platform,
		&shipment.Channel.ChannelLabel,
		&shipment.ShipmentName,
		&shipment.Carrier,
		&shipment.TrackingID,
		&status,
		&shipment.Notes,
		&shipment.Version,
		&shipment.CreatedAt,
		&shipment.CreatedBy,
		&shipment.UpdatedAt,
		&deductedAt,
		&shipment.DeductedBy,
		&cancelledAt,
		&shipment.CancelledBy,
	); err != nil {
		return nil, err
	}
	shipment.Channel.Platform = inventory.Platform(platform)
	shipment.Status = inventory.ShipmentStatus(status)
	shipment.DeductedAt = timePtr(deductedAt)
	shipment.CancelledAt = timePtr(cancelledAt)
	return &shipment, nil
}

// movementWhere builds the WHERE clause shared by the three ledger queries
func movementWhere(filter inventory.MovementFilter) (string, []interface{}) {
	where := []string{"company_id = $1"}
	args := []interface{}{filter.CompanyID}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.SKU != "" {
		add("sku = $%d", filter.SKU)
	}
	if filter.WarehouseID != "" {
		add("warehouse_id = $%d", filter.WarehouseID)
	}
	if filter.BatchNo != "" {
		add("batch_no = $%d", filter.BatchNo)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $%d", *filter.To)
	}
	return strings.Join(where, " AND "), args
}

// movementQuery selects columns from table in chronological order, keeping
// only the newest filter.Limit rows when a limit is set
func movementQuery(table, columns string, filter inventory.MovementFilter) (string, []interface{}) {
	where, args := movementWhere(filter)
	if filter.Limit <= 0 {
		return fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY created_at, id`, columns, table, where), args
	}
	args = append(args, filter.Limit)
	return fmt.Sprintf(`SELECT %s FROM (SELECT %s FROM %s WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d) recent ORDER BY created_at, id`,
		columns, columns, table, where, len(args)), args
}

const inwardColumns = `id, company_id, product_id, sku, warehouse_id, quantity, batch_no, manufacture_date, expiry_date, unit_cost, source_kind, source_custom, created_at, created_by`

func queryInward(ctx context.Context, q queryer, filter inventory.MovementFilter) ([]inventory.InwardRecord, error) {
	query, args := movementQuery("inward_records", inwardColumns, filter)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]inventory.InwardRecord, 0)
	for rows.Next() {
		var (
			r            inventory.InwardRecord
			manufactured sql.NullTime
			expiry       sql.NullTime
			sourceKind   string
		)
		if err := rows.Scan(
			&r.ID,
			&r.CompanyID,
			&r.ProductID,
			&r.SKU,
			&r.WarehouseID,
			&r.Quantity,
			&r.BatchNo,
			&manufactured,
			&expiry,
			&r.UnitCost,
			&sourceKind,
			&r.Source.Custom,
			&r.CreatedAt,
			&r.CreatedBy,
		); err != nil {
			return nil, err
		}
		r.ManufactureDate = timePtr(manufactured)
		r.ExpiryDate = timePtr(expiry)
		r.Source.Kind = inventory.LabelKind(sourceKind)
		records = append(records, r)
	}
	return records, rows.Err()
}

const outwardColumns = `id, company_id, product_id, sku, warehouse_id, quantity, batch_no, destination_kind, destination_custom, origin_kind, reference_id, created_at, created_by`

func queryOutward(ctx context.Context, q queryer, filter inventory.MovementFilter) ([]inventory.OutwardRecord, error) {
	query, args := movementQuery("outward_records", outwardColumns, filter)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]inventory.OutwardRecord, 0)
	for rows.Next() {
		var (
			r               inventory.OutwardRecord
			destinationKind string
			originKind      string
		)
		if err := rows.Scan(
			&r.ID,
			&r.CompanyID,
			&r.ProductID,
			&r.SKU,
			&r.WarehouseID,
			&r.Quantity,
			&r.BatchNo,
			&destinationKind,
			&r.Destination.Custom,
			&originKind,
			&r.ReferenceID,
			&r.CreatedAt,
			&r.CreatedBy,
		); err != nil {
			return nil, err
		}
		r.Destination.Kind = inventory.LabelKind(destinationKind)
		r.OriginKind = inventory.OriginKind(originKind)
		records = append(records, r)
	}
	return records, rows.Err()
}

const adjustmentColumns = `id, company_id, product_id, sku, warehouse_id, batch_no, delta, reason_code, approved, created_at, created_by`

func queryAdjustments(ctx context.Context, q queryer, filter inventory.MovementFilter) ([]inventory.AdjustmentRecord, error) {
	query, args := movementQuery("adjustment_records", adjustmentColumns, filter)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]inventory.AdjustmentRecord, 0)
	for rows.Next() {
		var (
			r          inventory.AdjustmentRecord
			reasonCode string
		)
		if err := rows.Scan(
			&r.ID,
			&r.CompanyID,
			&r.ProductID,
			&r.SKU,
			&r.WarehouseID,
			&r.BatchNo,
			&r.Delta,
			&reasonCode,
			&r.Approved,
			&r.CreatedAt,
			&r.CreatedBy,
		); err != nil {
			return nil, err
		}
		r.ReasonCode = inventory.ReasonCode(reasonCode)
		records = append(records, r)
	}
	return records, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
