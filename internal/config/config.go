// Package config はアプリケーション全体の設定を提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Price Feed
	PriceFeedURL        string
	PriceFeedAccessKey  string
	PriceFeedPartnerTag string
	FeedTimeout         time.Duration
	FeedBatchSize       int
	FeedBatchDelay      time.Duration

	// Publishing
	PublishDelay       time.Duration
	TelegramBotToken   string
	TelegramChatIDs    []int64
	WhatsappGatewayURL string

	// Scheduling
	SchedulePollInterval time.Duration
	ManualPollInterval   time.Duration

	// Retention
	HistoryRetentionDays int

	// Rate Limit
	RateLimitGeneral int
	RateLimitTrigger int

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.PriceFeedURL = os.Getenv("PRICE_FEED_URL")
	if cfg.PriceFeedURL == "" {
		missing = append(missing, "PRICE_FEED_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.PriceFeedAccessKey = getEnvString("PRICE_FEED_ACCESS_KEY", "")
	cfg.PriceFeedPartnerTag = getEnvString("PRICE_FEED_PARTNER_TAG", "")
	cfg.FeedTimeout = getEnvDuration("FEED_TIMEOUT", 10*time.Second)
	cfg.FeedBatchSize = getEnvInt("FEED_BATCH_SIZE", 10)
	cfg.FeedBatchDelay = getEnvDuration("FEED_BATCH_DELAY", 2*time.Second)
	cfg.PublishDelay = getEnvDuration("PUBLISH_DELAY", 5*time.Second)
	cfg.TelegramBotToken = getEnvString("TELEGRAM_BOT_TOKEN", "")
	cfg.WhatsappGatewayURL = getEnvString("WHATSAPP_GATEWAY_URL", "")
	cfg.SchedulePollInterval = getEnvDuration("SCHEDULE_POLL_INTERVAL", 30*time.Second)
	cfg.ManualPollInterval = getEnvDuration("MANUAL_POLL_INTERVAL", 30*time.Second)
	cfg.HistoryRetentionDays = getEnvInt("HISTORY_RETENTION_DAYS", 365)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitTrigger = getEnvInt("RATE_LIMIT_TRIGGER", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	chatIDs, err := parseChatIDs(os.Getenv("TELEGRAM_CHAT_IDS"))
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_CHAT_IDS: %w", err)
	}
	cfg.TelegramChatIDs = chatIDs

	return cfg, nil
}

// parseChatIDs はカンマ区切りのチャットID文字列をint64のスライスに変換する。
// 空文字列の場合は空スライスを返す。
func parseChatIDs(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chat id %q is not a number", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
