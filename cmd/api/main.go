package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nemonet1337/zaiStockLedger/internal/config"
	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
	"github.com/nemonet1337/zaiStockLedger/pkg/inventory/audit"
	"github.com/nemonet1337/zaiStockLedger/pkg/inventory/lock"
	"github.com/nemonet1337/zaiStockLedger/pkg/inventory/storage"
)

func main() {
	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	// ログ設定
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	// メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := inventory.NewMetrics(registry)

	// ストレージ
	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("ストレージ初期化に失敗しました", zap.Error(err))
	}
	defer store.Close()

	// キーロック
	locker, closeLocker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("ロック初期化に失敗しました", zap.Error(err))
	}
	defer closeLocker()

	// 監査イベント
	publisher, closePublisher, err := newPublisher(cfg, logger)
	if err != nil {
		logger.Fatal("監査イベント送信先の初期化に失敗しました", zap.Error(err))
	}
	defer closePublisher()

	// 在庫マネージャー初期化
	manager := inventory.NewManager(store, locker, publisher, metrics, logger, &inventory.Config{
		DeductTimeout:    cfg.Ledger.DeductTimeout,
		MaxRetries:       cfg.Ledger.MaxRetries,
		BalanceCache:     cfg.Ledger.BalanceCache,
		NearExpiryMonths: cfg.Ledger.NearExpiryMonths,
	})

	// HTTPハンドラー設定
	handlers := NewHandlers(manager, logger)
	router := setupRouter(handlers, cfg, registry)

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	// グレースフルシャットダウン設定
	go func() {
		logger.Info("在庫台帳APIサーバーを開始します",
			zap.Int("port", cfg.API.Port),
			zap.String("storage_driver", cfg.Ledger.StorageDriver),
			zap.String("lock_backend", cfg.Ledger.LockBackend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
}

// newLogger builds a zap logger from the logging section
// ログ設定からロガーを作成
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (inventory.Storage, error) {
	switch cfg.Ledger.StorageDriver {
	case "memory":
		logger.Warn("メモリストレージを使用します。再起動でデータは失われます")
		return storage.NewMemoryStorage(), nil
	default:
		return storage.NewPostgreSQLStorage(ctx, cfg.DSN(), logger)
	}
}

func newLocker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (inventory.Locker, func(), error) {
	if cfg.Ledger.LockBackend != "redis" {
		return lock.NewKeyedMutex(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("Redisへの接続に失敗しました: %w", err)
	}

	locker := lock.NewRedisLocker(rdb, lock.RedisConfig{
		TTL:         cfg.Ledger.LockTTL,
		WaitTimeout: cfg.Ledger.LockWait,
	}, logger)
	return locker, func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("Redis接続のクローズに失敗しました", zap.Error(err))
		}
	}, nil
}

func newPublisher(cfg *config.Config, logger *zap.Logger) (inventory.AuditPublisher, func(), error) {
	logPublisher := audit.NewLogPublisher(logger)
	if !cfg.RabbitMQ.Enabled {
		return logPublisher, func() {}, nil
	}

	rabbit, err := audit.NewRabbitMQPublisher(audit.RabbitMQConfig{
		URL:      cfg.RabbitMQ.URL,
		Exchange: cfg.RabbitMQ.Exchange,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return audit.MultiPublisher{logPublisher, rabbit}, func() {
		if err := rabbit.Close(); err != nil {
			logger.Warn("RabbitMQのクローズに失敗しました", zap.Error(err))
		}
	}, nil
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, cfg *config.Config, registry *prometheus.Registry) *mux.Router {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1/companies/{companyId}").Subrouter()

	// 台帳
	api.HandleFunc("/inward", handlers.RecordInward).Methods("POST")
	api.HandleFunc("/outward", handlers.RecordOutward).Methods("POST")
	api.HandleFunc("/adjustments", handlers.RecordAdjustment).Methods("POST")
	api.HandleFunc("/transfers", handlers.Transfer).Methods("POST")
	api.HandleFunc("/movements", handlers.ListMovements).Methods("GET")

	// 在庫照会
	api.HandleFunc("/stock/{sku}", handlers.GetStock).Methods("GET")
	api.HandleFunc("/stock/{sku}/warehouses", handlers.GetStockByWarehouse).Methods("GET")
	api.HandleFunc("/stock/{sku}/average-cost", handlers.GetAverageCost).Methods("GET")
	api.HandleFunc("/stock/{sku}/audit-trail", handlers.GetAuditTrail).Methods("GET")

	// バッチ期限
	api.HandleFunc("/batches/expiring", handlers.GetExpiringBatches).Methods("GET")
	api.HandleFunc("/batches/expired", handlers.GetExpiredBatches).Methods("GET")
	api.HandleFunc("/batches/fefo", handlers.GetFEFOPlan).Methods("GET")

	// 出荷
	api.HandleFunc("/shipments", handlers.CreateShipment).Methods("POST")
	api.HandleFunc("/shipments", handlers.ListShipments).Methods("GET")
	api.HandleFunc("/shipments/{shipmentId}", handlers.GetShipment).Methods("GET")
	api.HandleFunc("/shipments/{shipmentId}", handlers.UpdateShipment).Methods("PUT")
	api.HandleFunc("/shipments/{shipmentId}/deduct", handlers.DeductShipment).Methods("POST")
	api.HandleFunc("/shipments/{shipmentId}/cancel", handlers.CancelShipment).Methods("POST")

	// マスタ
	api.HandleFunc("/products", handlers.CreateProduct).Methods("POST")
	api.HandleFunc("/warehouses", handlers.CreateWarehouse).Methods("POST")

	// CORS設定
	if cfg.API.EnableCORS {
		router.Use(corsMiddleware)
	}

	// ログ機能
	router.Use(loggingMiddleware(handlers.logger))
	if cfg.Metrics.Enabled {
		router.Use(metricsMiddleware(registry))
	}

	return router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			// リクエスト処理
			next.ServeHTTP(rec, r)

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.Int("status", rec.status),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_id", r.Header.Get("X-User-ID")),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// metricsMiddleware records request durations labelled by route template
// ルートごとのリクエスト処理時間を記録
func metricsMiddleware(reg prometheus.Registerer) mux.MiddlewareFunc {
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stockledger",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
	reg.MustRegister(duration)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			duration.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
		})
	}
}
