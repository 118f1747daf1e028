package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/dealman/internal/autopublish"
	"github.com/hitoshi/dealman/internal/config"
	"github.com/hitoshi/dealman/internal/database"
	"github.com/hitoshi/dealman/internal/handler"
	"github.com/hitoshi/dealman/internal/logger"
	"github.com/hitoshi/dealman/internal/metrics"
	"github.com/hitoshi/dealman/internal/middleware"
	"github.com/hitoshi/dealman/internal/pricefeed"
	"github.com/hitoshi/dealman/internal/publish"
	"github.com/hitoshi/dealman/internal/repository"
	"github.com/hitoshi/dealman/internal/security"
	"github.com/hitoshi/dealman/internal/worker/manualpub"
	"github.com/hitoshi/dealman/internal/worker/retention"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーと
// バックグラウンドジョブ（スケジューラ・手動配信ワーカー・価格更新・
// 履歴クリーンアップ）を起動する。スケジュール実行の単一実行保証は
// プロセス内のコーディネータが担うため、ワーカー群はサーバーと同一
// プロセスで動作する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	productRepo := repository.NewPostgresProductRepo(db)
	pubRepo := repository.NewPostgresPublicationRepo(db)
	configRepo := repository.NewPostgresConfigRepo(db)

	// 3. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewNameSanitizer()

	// 4. 配信チャネルの初期化
	// 設定されたチャネルのみディスパッチャを組み立てる
	var dispatchers []publish.Dispatcher

	if cfg.TelegramBotToken != "" {
		telegram, err := publish.NewTelegramDispatcher(cfg.TelegramBotToken, cfg.TelegramChatIDs, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to init telegram dispatcher: %w", err)
		}
		dispatchers = append(dispatchers, telegram)
	}
	if cfg.WhatsappGatewayURL != "" {
		whatsapp, err := publish.NewGatewayDispatcher(cfg.WhatsappGatewayURL, 10*time.Second)
		if err != nil {
			return fmt.Errorf("failed to init whatsapp dispatcher: %w", err)
		}
		dispatchers = append(dispatchers, whatsapp)
	}
	if len(dispatchers) == 0 {
		return fmt.Errorf("no publish channel configured: set TELEGRAM_BOT_TOKEN or WHATSAPP_GATEWAY_URL")
	}

	publisher := publish.NewPublisher(dispatchers, productRepo, pubRepo, slog.Default())

	// 5. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 6. 価格フィードの初期化
	// フィードURL自体もSSRFガードで検証しておく
	if err := ssrfGuard.ValidateURL(cfg.PriceFeedURL); err != nil {
		return fmt.Errorf("invalid PRICE_FEED_URL: %w", err)
	}
	feedClient := pricefeed.NewHTTPClient(
		cfg.PriceFeedURL, cfg.PriceFeedAccessKey, cfg.PriceFeedPartnerTag, cfg.FeedTimeout, ssrfGuard,
	)
	refreshCfg := pricefeed.DefaultRefreshConfig()
	refreshCfg.BatchSize = cfg.FeedBatchSize
	refreshCfg.BatchDelay = cfg.FeedBatchDelay
	refresher := pricefeed.NewRefresher(productRepo, feedClient, sanitizer, slog.Default(), refreshCfg)

	// 7. 自動配信スケジューラの初期化
	coordinator := autopublish.NewCoordinator(
		productRepo, configRepo, feedClient, publisher, collector, slog.Default(),
		autopublish.CoordinatorConfig{
			BatchSize:    cfg.FeedBatchSize,
			BatchDelay:   cfg.FeedBatchDelay,
			PublishDelay: cfg.PublishDelay,
		},
	)
	manager := autopublish.NewManager(
		coordinator, configRepo, publisher.AvailableChannels(), slog.Default(), cfg.SchedulePollInterval,
	)

	// 8. 手動配信ワーカーと履歴クリーンアップジョブの初期化
	manualWorker := manualpub.NewWorker(
		productRepo, configRepo, publisher, slog.Default(), cfg.ManualPollInterval, cfg.PublishDelay,
	)
	retentionJob := retention.NewJob(pubRepo, slog.Default())
	retentionJob.RetentionDays = cfg.HistoryRetentionDays

	// 9. ルーターの構築
	// configのレート制限はreq/min単位なのでreq/secに変換する
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:  rate.Limit(float64(cfg.RateLimitGeneral) / 60.0),
		GeneralBurst: cfg.RateLimitGeneral,
		TriggerRate:  rate.Limit(float64(cfg.RateLimitTrigger) / 60.0),
		TriggerBurst: cfg.RateLimitTrigger,
	})
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		HealthChecker:     db,

		ProductRepo: productRepo,
		PubRepo:     pubRepo,
		Publisher:   publisher,
		Guard:       ssrfGuard,
		Sanitizer:   sanitizer,

		Manager: manager,

		MetricsHandler: metrics.Handler(registry),
	})

	// 10. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// バックグラウンドジョブのライフサイクル管理
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go manager.Run(ctx)
	go manualWorker.Start(ctx)
	go retentionJob.Start(ctx)
	go refresher.Start(ctx)

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Any("channels", publisher.AvailableChannels()),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	// バックグラウンドジョブを先に止める（実行中のジョブは完了まで待たない）
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		slog.Warn("failed to read schema version", slog.String("error", err.Error()))
	} else {
		slog.Info("database migrations completed successfully",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
