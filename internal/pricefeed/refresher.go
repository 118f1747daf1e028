package pricefeed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/dealman/internal/repository"
	"github.com/hitoshi/dealman/internal/security"
)

// RefreshConfig は価格更新ジョブの設定パラメータ。
// 環境変数から設定可能。
type RefreshConfig struct {
	// Interval は更新サイクルの実行間隔（デフォルト: 10分）。
	Interval time.Duration
	// BatchSize は1回のAPI呼び出しで照会する商品数（デフォルト: 10）。
	BatchSize int
	// BatchDelay はAPI呼び出し間の待機時間（デフォルト: 2秒）。
	BatchDelay time.Duration
}

// DefaultRefreshConfig はデフォルトの更新ジョブ設定を返す。
func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{
		Interval:   10 * time.Minute,
		BatchSize:  MaxIDsPerRequest,
		BatchDelay: 2 * time.Second,
	}
}

// Refresher は価格フィードから全追跡商品の価格を定期更新するジョブ。
// 商品をバッチに分割してAPIを呼び出し、価格が変動した商品には
// price_changed_atを記録する。
type Refresher struct {
	productRepo       repository.ProductRepository
	client            Client
	sanitizer         security.NameSanitizerService
	logger            *slog.Logger
	config            RefreshConfig
	consecutiveErrors int
	backoffUntil      time.Time
}

// NewRefresher はRefresherの新しいインスタンスを生成する。
func NewRefresher(
	productRepo repository.ProductRepository,
	client Client,
	sanitizer security.NameSanitizerService,
	logger *slog.Logger,
	config RefreshConfig,
) *Refresher {
	if config.BatchSize <= 0 || config.BatchSize > MaxIDsPerRequest {
		config.BatchSize = MaxIDsPerRequest
	}
	return &Refresher{
		productRepo: productRepo,
		client:      client,
		sanitizer:   sanitizer,
		logger:      logger,
		config:      config,
	}
}

// Start は更新ジョブをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (r *Refresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("価格更新ジョブを開始しました",
		slog.Duration("interval", r.config.Interval),
		slog.Int("batch_size", r.config.BatchSize),
		slog.Duration("batch_delay", r.config.BatchDelay),
	)

	// 起動直後に1回実行
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error("価格更新サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("価格更新ジョブを停止しました")
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("価格更新サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は1回の更新サイクルを実行する。
// 全商品をバッチに分割してフィードを照会し、取得できた価格を反映する。
// バッチ単位の失敗はそのバッチの商品をスキップし、次のバッチへ進む。
func (r *Refresher) RunOnce(ctx context.Context) error {
	// バックオフ中の場合はスキップ
	if !r.backoffUntil.IsZero() && time.Now().Before(r.backoffUntil) {
		r.logger.Info("価格更新ジョブはバックオフ中のためスキップします",
			slog.Time("backoff_until", r.backoffUntil),
		)
		return nil
	}

	products, err := r.productRepo.List(ctx)
	if err != nil {
		return fmt.Errorf("商品一覧の取得に失敗しました: %w", err)
	}
	if len(products) == 0 {
		r.logger.Info("価格更新対象の商品はありません")
		return nil
	}

	byID := make(map[string]int, len(products))
	ids := make([]string, len(products))
	for i, p := range products {
		byID[p.ID] = i
		ids[i] = p.ID
	}

	r.logger.Info("価格更新サイクルを開始します",
		slog.Int("target_products", len(products)),
	)

	var apiCallCount, updatedCount, changedCount int

	for i := 0; i < len(ids); i += r.config.BatchSize {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// API呼び出しインターバル（初回は待たない）
		if apiCallCount > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.config.BatchDelay):
			}
		}

		end := i + r.config.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]
		apiCallCount++

		quotes, err := r.client.FetchQuotes(ctx, chunk)
		if err != nil {
			r.logger.Error("価格フィードの呼び出しに失敗しました",
				slog.String("error", err.Error()),
				slog.Int("chunk_size", len(chunk)),
				slog.Int("api_call_count", apiCallCount),
			)
			r.consecutiveErrors++
			if backoff := errorBackoff(r.consecutiveErrors); backoff > 0 {
				r.backoffUntil = time.Now().Add(backoff)
				r.logger.Warn("連続エラーによりバックオフを適用します",
					slog.Int("consecutive_errors", r.consecutiveErrors),
					slog.Duration("backoff_duration", backoff),
				)
				break
			}
			continue // このバッチはスキップし次のバッチへ（前回値維持）
		}
		r.consecutiveErrors = 0
		r.backoffUntil = time.Time{}

		now := time.Now()
		for _, q := range quotes {
			idx, ok := byID[q.ProductID]
			if !ok {
				continue
			}
			p := products[idx]
			priceChanged := q.CurrentPrice != p.CurrentPrice
			if priceChanged {
				changedCount++
			}

			name := r.sanitizer.Sanitize(q.Name)
			nameChanged := name != "" && name != p.Name
			imageChanged := q.ImageURL != "" && q.ImageURL != p.ImageURL
			if nameChanged || imageChanged {
				// 商品名や画像参照の変更を伴う場合は商品全体を更新する
				if nameChanged {
					p.Name = name
				}
				if imageChanged {
					p.ImageURL = q.ImageURL
				}
				p.CurrentPrice = q.CurrentPrice
				p.ReferencePrice = q.ReferencePrice
				p.ListPrice = q.ListPrice
				if priceChanged {
					p.PriceChangedAt = &now
				}
				p.UpdatedAt = now
				if err := r.productRepo.Update(ctx, p); err != nil {
					r.logger.Error("商品の更新に失敗しました",
						slog.String("product_id", p.ID),
						slog.String("error", err.Error()),
					)
					continue
				}
			} else {
				if err := r.productRepo.UpdatePrices(ctx, p.ID, q.CurrentPrice, q.ReferencePrice, q.ListPrice, priceChanged, now); err != nil {
					r.logger.Error("商品価格の更新に失敗しました",
						slog.String("product_id", p.ID),
						slog.String("error", err.Error()),
					)
					continue
				}
			}
			updatedCount++
		}
	}

	r.logger.Info("価格更新サイクルが完了しました",
		slog.Int("api_call_count", apiCallCount),
		slog.Int("updated_count", updatedCount),
		slog.Int("price_changed_count", changedCount),
	)
	return nil
}

// errorBackoff は連続エラー回数に応じたバックオフ時間を返す。
// 3回未満は0（バックオフなし）、以降は指数的に増加し30分を上限とする。
func errorBackoff(consecutiveErrors int) time.Duration {
	if consecutiveErrors < 3 {
		return 0
	}
	backoff := time.Minute << uint(consecutiveErrors-3)
	if backoff > 30*time.Minute {
		return 30 * time.Minute
	}
	return backoff
}
