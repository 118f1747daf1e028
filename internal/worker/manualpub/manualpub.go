// Package manualpub は予約された手動配信を実行するワーカーを提供する。
// publish_requestedが真でpublish_due_atを過ぎた商品を定期的に探し、
// 自動配信と同じ配信経路で配信して予約を解除する。
package manualpub

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/repository"
)

// Publisher は配信処理のインターフェース。publish.Publisherが実装する。
type Publisher interface {
	Publish(ctx context.Context, product *model.Product, channels []string) (*model.PublicationRecord, error)
	AvailableChannels() []string
}

// Worker は予約済み手動配信の実行ワーカー。
type Worker struct {
	productRepo  repository.ProductRepository
	configRepo   repository.ConfigRepository
	publisher    Publisher
	logger       *slog.Logger
	pollInterval time.Duration
	publishDelay time.Duration
}

// NewWorker はWorkerを生成する。
func NewWorker(
	productRepo repository.ProductRepository,
	configRepo repository.ConfigRepository,
	publisher Publisher,
	logger *slog.Logger,
	pollInterval, publishDelay time.Duration,
) *Worker {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Worker{
		productRepo:  productRepo,
		configRepo:   configRepo,
		publisher:    publisher,
		logger:       logger,
		pollInterval: pollInterval,
		publishDelay: publishDelay,
	}
}

// Start はポーリングループを開始し、ctxがキャンセルされるまでブロックする。
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("手動配信ワーカーを開始します",
		slog.Duration("poll_interval", w.pollInterval))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("手動配信ワーカーを終了します")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error("手動配信の実行に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce は予定時刻を過ぎた予約をすべて配信する。
// 個々の商品の配信失敗は他の商品を妨げない。配信試行後の予約解除は
// Publisher側の帳簿付け（publish_requested=false）で行われる。
func (w *Worker) RunOnce(ctx context.Context) error {
	due, err := w.productRepo.ListDueForManualPublish(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	channels := w.channels(ctx)
	w.logger.Info("予約済みの手動配信を実行します",
		slog.Int("count", len(due)),
	)

	for i, p := range due {
		// チャネルのレート制限を避けるため2件目以降は間隔を空ける
		if i > 0 && w.publishDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.publishDelay):
			}
		}

		if _, err := w.publisher.Publish(ctx, p, channels); err != nil {
			w.logger.Error("予約済み手動配信に失敗しました",
				slog.String("product_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		w.logger.Info("予約済み手動配信が完了しました",
			slog.String("product_id", p.ID),
			slog.Float64("price", p.CurrentPrice),
		)
	}

	return nil
}

// channels は配信先チャネルを決める。自動配信設定のチャネルを優先し、
// 未設定の場合は登録済みの全ディスパッチャへ配信する。
func (w *Worker) channels(ctx context.Context) []string {
	cfg, err := w.configRepo.Get(ctx)
	if err == nil && len(cfg.Channels) > 0 {
		return cfg.Channels
	}
	return w.publisher.AvailableChannels()
}
