package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadDefaults はデフォルト設定の読み込みテスト
func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, "postgres", cfg.Ledger.StorageDriver)
	assert.Equal(t, "memory", cfg.Ledger.LockBackend)
	assert.Equal(t, 10*time.Second, cfg.Ledger.DeductTimeout)
	assert.Equal(t, 3, cfg.Ledger.MaxRetries)
	assert.Equal(t, 6, cfg.Ledger.NearExpiryMonths)
	assert.True(t, cfg.Ledger.BalanceCache)
	assert.False(t, cfg.RabbitMQ.Enabled)
}

// TestLoadFileWithEnvOverride は設定ファイルと環境変数の優先順位のテスト
func TestLoadFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
api:
  port: 9090
ledger:
  storage_driver: memory
  deduct_timeout: 3s
  max_retries: 5
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LEDGER_MAX_RETRIES", "7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "memory", cfg.Ledger.StorageDriver)
	assert.Equal(t, 3*time.Second, cfg.Ledger.DeductTimeout)
	assert.Equal(t, 7, cfg.Ledger.MaxRetries)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	// ファイルに無い項目はデフォルトのまま
	assert.Equal(t, 6, cfg.Ledger.NearExpiryMonths)
}

// TestLoadMissingFile は存在しない設定ファイルのテスト
func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

// TestValidate は設定バリデーションのテスト
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{
			name:   "デフォルト",
			modify: func(c *Config) {},
		},
		{
			name:    "無効なストレージドライバー",
			modify:  func(c *Config) { c.Ledger.StorageDriver = "sqlite" },
			wantErr: true,
		},
		{
			name:    "データベースホストなし",
			modify:  func(c *Config) { c.Database.Host = "" },
			wantErr: true,
		},
		{
			name: "メモリストレージならデータベース設定不要",
			modify: func(c *Config) {
				c.Ledger.StorageDriver = "memory"
				c.Database.Host = ""
			},
		},
		{
			name:    "無効なAPIポート",
			modify:  func(c *Config) { c.API.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "分散ロックとキャッシュの併用",
			modify:  func(c *Config) { c.Ledger.LockBackend = "redis" },
			wantErr: true,
		},
		{
			name: "分散ロック",
			modify: func(c *Config) {
				c.Ledger.LockBackend = "redis"
				c.Ledger.BalanceCache = false
			},
		},
		{
			name: "ロックTTLが引当タイムアウト以下",
			modify: func(c *Config) {
				c.Ledger.LockBackend = "redis"
				c.Ledger.BalanceCache = false
				c.Ledger.LockTTL = c.Ledger.DeductTimeout
			},
			wantErr: true,
		},
		{
			name: "メモリロックではTTLを検証しない",
			modify: func(c *Config) {
				c.Ledger.LockTTL = time.Second
			},
		},
		{
			name:    "負の再試行回数",
			modify:  func(c *Config) { c.Ledger.MaxRetries = -1 },
			wantErr: true,
		},
		{
			name:    "期限間近の月数ゼロ",
			modify:  func(c *Config) { c.Ledger.NearExpiryMonths = 0 },
			wantErr: true,
		},
		{
			name: "RabbitMQのURLなし",
			modify: func(c *Config) {
				c.RabbitMQ.Enabled = true
				c.RabbitMQ.URL = ""
			},
			wantErr: true,
		},
		{
			name:    "無効なログレベル",
			modify:  func(c *Config) { c.Logging.Level = "trace" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestDSN はDSN生成のテスト
func TestDSN(t *testing.T) {
	cfg := Default()
	cfg.Database.Password = "secret"

	assert.Equal(t,
		"host=localhost port=5432 user=stockledger password=secret dbname=stockledger sslmode=disable",
		cfg.DSN(),
	)
}
