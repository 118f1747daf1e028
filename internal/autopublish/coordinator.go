package autopublish

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hitoshi/dealman/internal/eligibility"
	"github.com/hitoshi/dealman/internal/metrics"
	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/pricefeed"
	"github.com/hitoshi/dealman/internal/repository"
)

// SkipFeedBatchFailed は価格フィードのバッチ取得に失敗した商品のスキップ理由。
const SkipFeedBatchFailed = "price feed batch failed"

// ProductPublisher は配信処理のインターフェース。publish.Publisherが実装する。
type ProductPublisher interface {
	Publish(ctx context.Context, product *model.Product, channels []string) (*model.PublicationRecord, error)
	AvailableChannels() []string
}

// CoordinatorConfig はコーディネータの動作パラメータ。
type CoordinatorConfig struct {
	// BatchSize は価格フィード1回の照会に含める商品数。
	BatchSize int
	// BatchDelay はフィード照会バッチ間の待機時間。
	BatchDelay time.Duration
	// PublishDelay は商品配信の間の待機時間。
	PublishDelay time.Duration
}

// DefaultCoordinatorConfig はデフォルトの動作パラメータを返す。
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		BatchSize:    pricefeed.MaxIDsPerRequest,
		BatchDelay:   2 * time.Second,
		PublishDelay: 5 * time.Second,
	}
}

// Coordinator は自動配信1回の実行を統括する。
//
// 実行は常に単一で、実行中の再トリガーは破棄される。1回の実行は
// 候補取得 → 価格更新 → 判定 → 配信 → 実行ログ保存の順で進み、
// 内部のエラーはすべてログと実行ログに吸収される。RunOnceがエラーを
// 返すのは重複トリガーの場合のみ。
type Coordinator struct {
	productRepo repository.ProductRepository
	configRepo  repository.ConfigRepository
	feed        pricefeed.Client
	publisher   ProductPublisher
	collector   metrics.MetricsCollector
	logger      *slog.Logger
	config      CoordinatorConfig

	running atomic.Bool
}

// NewCoordinator はCoordinatorを生成する。
func NewCoordinator(
	productRepo repository.ProductRepository,
	configRepo repository.ConfigRepository,
	feed pricefeed.Client,
	publisher ProductPublisher,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config CoordinatorConfig,
) *Coordinator {
	if config.BatchSize <= 0 || config.BatchSize > pricefeed.MaxIDsPerRequest {
		config.BatchSize = pricefeed.MaxIDsPerRequest
	}
	return &Coordinator{
		productRepo: productRepo,
		configRepo:  configRepo,
		feed:        feed,
		publisher:   publisher,
		collector:   collector,
		logger:      logger,
		config:      config,
	}
}

// Running は実行中かどうかを返す。
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// RunOnce は自動配信を1回実行する。
//
// 実行中に再度呼ばれた場合はRUN_IN_PROGRESSエラーを返し、何も行わない。
// それ以外の場合、実行中に発生したエラーは実行ログに吸収され、
// RunOnceは実行ログとnilを返す。
func (c *Coordinator) RunOnce(ctx context.Context, cfg *model.AutoPublishConfig) (*model.RunLog, error) {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Info("前回のジョブがまだ実行中のためスキップします")
		c.collector.RecordRunDropped()
		return nil, model.NewRunInProgressError()
	}
	defer c.running.Store(false)

	c.collector.RecordRunStarted()
	start := time.Now()
	runLog := &model.RunLog{
		StartedAt:      start.UTC(),
		SkippedReasons: map[string]int{},
	}
	trace := func(format string, args ...any) {
		line := time.Now().UTC().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...)
		runLog.Trace = append(runLog.Trace, line)
	}

	c.logger.Info("自動配信の実行を開始します")
	trace("実行開始")

	c.run(ctx, cfg, runLog, trace)

	runLog.DurationMs = time.Since(start).Milliseconds()
	c.collector.RecordRunDuration(time.Since(start))
	c.persist(ctx, cfg, runLog)

	c.logger.Info("自動配信の実行が完了しました",
		slog.Int("products_checked", runLog.ProductsChecked),
		slog.Int("eligible", runLog.Eligible),
		slog.Int("published", runLog.Published),
		slog.Int("failed", runLog.Failed),
		slog.Int64("duration_ms", runLog.DurationMs),
	)
	return runLog, nil
}

func (c *Coordinator) run(ctx context.Context, cfg *model.AutoPublishConfig, runLog *model.RunLog, trace func(string, ...any)) {
	// 候補は基準価格を下回っている商品のみ。前提条件を満たさない商品は
	// ここで除外され、判定処理には渡らない。
	candidates, err := c.productRepo.ListBelowReference(ctx)
	if err != nil {
		c.logger.Error("配信候補の取得に失敗しました", slog.String("error", err.Error()))
		trace("候補取得に失敗: %v", err)
		return
	}

	runLog.ProductsChecked = len(candidates)
	trace("候補 %d件", len(candidates))
	if len(candidates) == 0 {
		return
	}

	failed := c.refreshPrices(ctx, candidates, runLog, trace)

	// フィード取得に失敗したバッチの商品は古い価格での誤配信を避けるため
	// この回の判定から除外する。
	evaluable := make([]*model.Product, 0, len(candidates))
	for _, p := range candidates {
		if failed[p.ID] {
			continue
		}
		evaluable = append(evaluable, p)
	}

	now := time.Now().UTC()

	if cfg.Filters.RequirePriceChange {
		window := cfg.Filters.PriceChangeWindowHours
		if window <= 0 {
			window = model.DefaultPriceChangeWindowHours
		}
		since := now.Add(-time.Duration(window) * time.Hour)

		// 直前の価格更新を反映した保存済みの変動件数で判定する
		changed, err := c.productRepo.CountPriceChangedSince(ctx, since)
		if err != nil {
			c.logger.Error("価格変動件数の取得に失敗しました", slog.String("error", err.Error()))
			trace("価格変動ゲートの集計に失敗したため続行: %v", err)
		} else {
			trace("価格変動ゲート: ウィンドウ内の変動 %d件", changed)
			if cfg.Filters.PriceChangeStrict && changed == 0 {
				// 厳格モードでは変動ゼロの実行を全件スキップとして打ち切る
				c.skipAll(runLog, len(evaluable), eligibility.SkipNoRecentPriceChange)
				trace("ウィンドウ内に価格変動した商品がないため実行を中断")
				c.logger.Info("価格変動ゲートにより実行を中断します",
					slog.Int("window_hours", window))
				return
			}
		}
	}

	published := 0
	for _, p := range evaluable {
		decision := eligibility.Evaluate(p, cfg.Filters, now)
		if !decision.Eligible {
			runLog.SkippedReasons[decision.SkipReason]++
			c.collector.RecordSkipped(decision.SkipReason, 1)
			continue
		}

		runLog.Eligible++

		// 2件目以降はチャネルのレート制限を避けるため間隔を空ける
		if published > 0 && c.config.PublishDelay > 0 {
			select {
			case <-ctx.Done():
				trace("中断されました: %v", ctx.Err())
				return
			case <-time.After(c.config.PublishDelay):
			}
		}

		record, err := c.publisher.Publish(ctx, p, cfg.Channels)
		published++
		if err != nil {
			runLog.Failed++
			c.collector.RecordPublishFailed(1)
			trace("配信失敗 %s (%s)", p.ID, decision.Rule)
		} else {
			runLog.Published++
			c.collector.RecordPublished(1)
			runLog.PublishedProducts = append(runLog.PublishedProducts, model.PublishedProduct{
				ProductID: p.ID,
				Name:      p.Name,
				Price:     p.CurrentPrice,
				Channels:  record.Channels,
			})
			trace("配信成功 %s (%s)", p.ID, decision.Rule)
		}
		if record != nil {
			for _, chErr := range record.Errors {
				c.collector.RecordChannelFailure(chErr.Channel)
			}
		}
	}
}

// refreshPrices は候補商品の価格を照会上限ごとのバッチで更新する。
// 失敗したバッチの商品IDを返す。
func (c *Coordinator) refreshPrices(ctx context.Context, candidates []*model.Product, runLog *model.RunLog, trace func(string, ...any)) map[string]bool {
	failed := map[string]bool{}

	for i := 0; i < len(candidates); i += c.config.BatchSize {
		end := min(i+c.config.BatchSize, len(candidates))
		batch := candidates[i:end]

		// フィードへの負荷を抑えるためバッチ間は待機する（初回は待たない）
		if i > 0 && c.config.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				for _, p := range candidates[i:] {
					failed[p.ID] = true
				}
				return failed
			case <-time.After(c.config.BatchDelay):
			}
		}

		ids := make([]string, len(batch))
		byID := make(map[string]*model.Product, len(batch))
		for j, p := range batch {
			ids[j] = p.ID
			byID[p.ID] = p
		}

		quotes, err := c.feed.FetchQuotes(ctx, ids)
		if err != nil {
			c.collector.RecordFeedBatchFailure()
			c.logger.Error("価格フィードのバッチ取得に失敗しました",
				slog.Int("batch_size", len(ids)),
				slog.String("error", err.Error()),
			)
			trace("フィードバッチ取得失敗 %d件: %v", len(ids), err)
			for _, p := range batch {
				failed[p.ID] = true
				runLog.SkippedReasons[SkipFeedBatchFailed]++
				c.collector.RecordSkipped(SkipFeedBatchFailed, 1)
			}
			continue
		}

		now := time.Now().UTC()
		for _, q := range quotes {
			p, ok := byID[q.ProductID]
			if !ok {
				continue
			}
			priceChanged := q.CurrentPrice != p.CurrentPrice
			if err := c.productRepo.UpdatePrices(ctx, p.ID, q.CurrentPrice, q.ReferencePrice, q.ListPrice, priceChanged, now); err != nil {
				c.logger.Error("価格の更新に失敗しました",
					slog.String("product_id", p.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			// 判定と配信メッセージはメモリ上の最新値で行う。
			// 画像参照の永続化は定期更新ジョブが担う。
			p.CurrentPrice = q.CurrentPrice
			p.ReferencePrice = q.ReferencePrice
			p.ListPrice = q.ListPrice
			if q.ImageURL != "" {
				p.ImageURL = q.ImageURL
			}
			if priceChanged {
				changedAt := now
				p.PriceChangedAt = &changedAt
			}
		}
	}

	return failed
}

func (c *Coordinator) skipAll(runLog *model.RunLog, count int, reason string) {
	if count == 0 {
		return
	}
	runLog.SkippedReasons[reason] += count
	c.collector.RecordSkipped(reason, count)
}

// persist は実行ログと次回実行時刻を設定レコードへ保存する。
func (c *Coordinator) persist(ctx context.Context, cfg *model.AutoPublishConfig, runLog *model.RunLog) {
	cfg.LastRun = runLog
	if cfg.Active {
		if next, err := NextRun(cfg.Schedule, time.Now()); err == nil {
			cfg.NextRunAt = &next
		} else {
			c.logger.Error("次回実行時刻の計算に失敗しました", slog.String("error", err.Error()))
		}
	}
	cfg.UpdatedAt = time.Now().UTC()

	if err := c.configRepo.Save(ctx, cfg); err != nil {
		c.logger.Error("実行ログの保存に失敗しました", slog.String("error", err.Error()))
	}
}
