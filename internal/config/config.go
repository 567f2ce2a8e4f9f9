// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	LogLevel string // zerolog のログレベル

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ワーカー設定
	WorkerCommand string            // ワーカーを起動するインタプリタ（例: python3）
	WorkerDir     string            // ワーカーの作業ディレクトリ
	WorkerTools   map[string]string // ツール名 → スクリプトパス
	DefaultTool   string            // tool 未指定時に使うツール

	// ジョブ設定
	JobMaxDuration     time.Duration // 1 ジョブの最大実行時間
	CancelGrace        time.Duration // SIGTERM から SIGKILL までの猶予
	ErrorMaxLength     int           // 利用者に返すエラー文の最大文字数
	LegacyStatFallback bool          // マーカーを出さない古いワーカー向けの統計復元

	// Redis設定
	RedisURL         string // ジョブスナップショットと成果物ストアの接続URL
	JobExpireMinutes int    // ジョブスナップショットの保持期間（分）
	ItemsKey         string // 成果物ストアのキー（件数照合に使用）
	ItemsCountURL    string // 件数照合に外部 HTTP エンドポイントを使う場合の URL
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	tools, err := parseTools(getEnv("WORKER_TOOLS", "seek=seek.py"))
	if err != nil {
		return nil, err
	}

	config := &Config{
		// サーバー設定
		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ワーカー設定
		WorkerCommand: getEnv("WORKER_COMMAND", "python3"),
		WorkerDir:     getEnv("WORKER_DIR", "."),
		WorkerTools:   tools,
		DefaultTool:   getEnv("DEFAULT_TOOL", "seek"),

		// ジョブ設定
		JobMaxDuration:     time.Duration(getEnvAsInt("JOB_MAX_DURATION_SECONDS", 600)) * time.Second,
		CancelGrace:        time.Duration(getEnvAsInt("CANCEL_GRACE_MS", 2000)) * time.Millisecond,
		ErrorMaxLength:     getEnvAsInt("ERROR_MAX_LENGTH", 2000),
		LegacyStatFallback: getEnvAsBool("LEGACY_STAT_FALLBACK", true),

		// Redis設定
		RedisURL:         getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 60),
		ItemsKey:         getEnv("ITEMS_KEY", "seek:items"),
		ItemsCountURL:    getEnv("ITEMS_COUNT_URL", ""),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.WorkerCommand == "" {
		return fmt.Errorf("WORKER_COMMAND is required")
	}
	if len(c.WorkerTools) == 0 {
		return fmt.Errorf("WORKER_TOOLS must name at least one tool")
	}
	if _, ok := c.WorkerTools[c.DefaultTool]; !ok {
		return fmt.Errorf("DEFAULT_TOOL %q is not listed in WORKER_TOOLS", c.DefaultTool)
	}
	if c.JobMaxDuration <= 0 {
		return fmt.Errorf("JOB_MAX_DURATION_SECONDS must be positive")
	}
	if c.CancelGrace <= 0 {
		return fmt.Errorf("CANCEL_GRACE_MS must be positive")
	}
	if c.ErrorMaxLength < 64 {
		return fmt.Errorf("ERROR_MAX_LENGTH must be at least 64")
	}

	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
		if c.CORSAllowedOrigins == "*" {
			return fmt.Errorf("CORS_ALLOWED_ORIGINS must not be * in release mode")
		}
	}

	return nil
}

// ToolNames はツール名を昇順で返します。
func (c *Config) ToolNames() []string {
	names := make([]string, 0, len(c.WorkerTools))
	for name := range c.WorkerTools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// parseTools は "seek=seek.py,digest=tools/digest.py" 形式を解析します。
func parseTools(raw string) (map[string]string, error) {
	tools := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, script, ok := strings.Cut(part, "=")
		name, script = strings.TrimSpace(name), strings.TrimSpace(script)
		if !ok || name == "" || script == "" {
			return nil, fmt.Errorf("invalid WORKER_TOOLS entry %q (want name=path)", part)
		}
		tools[name] = script
	}
	return tools, nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
