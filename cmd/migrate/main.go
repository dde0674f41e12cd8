package main

import (
	"context"
	"database/sql"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/internal/config"
	"github.com/nemonet1337/zaiStockLedger/migrations"
)

// Applies the embedded migrations, or the *.sql files of the directory
// given as the first argument.
func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	logger.Info("zaiStockLedger マイグレーション実行ツール")

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("設定読み込みに失敗しました", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("データベースに接続中",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("dbname", cfg.Database.DBName),
	)

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		logger.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer db.Close()

	// 接続テスト
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("データベースpingに失敗しました", zap.Error(err))
	}

	var source fs.FS = migrations.Files
	if len(os.Args) > 1 {
		source = os.DirFS(os.Args[1])
	}
	files, err := migrations.Load(source)
	if err != nil {
		logger.Fatal("マイグレーションファイルの読み込みに失敗しました", zap.Error(err))
	}
	if len(files) == 0 {
		logger.Warn("マイグレーションファイルが見つかりません")
		return
	}

	applied, err := migrations.NewMigrator(db, logger).Run(ctx, files)
	if err != nil {
		logger.Fatal("マイグレーション実行に失敗しました", zap.Error(err), zap.Int("applied", applied))
	}

	logger.Info("すべてのマイグレーションが完了しました", zap.Int("applied", applied))
}
