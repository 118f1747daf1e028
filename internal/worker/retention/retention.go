// Package retention は配信履歴の自動削除ジョブを提供する。
// 保持期間（デフォルト365日）を超過したPublicationRecordを
// 日次バッチで削除する。
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/dealman/internal/repository"
)

// Job は保持期間を超過した配信履歴の自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type Job struct {
	pubRepo       repository.PublicationRepository
	logger        *slog.Logger
	RetentionDays int // 配信履歴の保持日数（デフォルト: 365）
}

// NewJob は新しいJobを生成する。デフォルトの保持日数は365日。
func NewJob(pubRepo repository.PublicationRepository, logger *slog.Logger) *Job {
	return &Job{
		pubRepo:       pubRepo,
		logger:        logger,
		RetentionDays: 365,
	}
}

// Run は保持期間を超過した配信履歴を削除する。
// published_atがRetentionDays日前より古いレコードが対象。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := start.UTC().AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.pubRepo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("配信履歴クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("配信履歴クリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("配信履歴クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は日次でRunを実行するループを開始し、ctxがキャンセルされるまで
// ブロックする。起動直後に1回実行する。
func (j *Job) Start(ctx context.Context) {
	// 起動直後に1回実行
	if err := j.Run(ctx); err != nil {
		j.logger.Error("初回の配信履歴クリーンアップに失敗しました", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("配信履歴クリーンアップジョブを終了します")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("配信履歴クリーンアップに失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}
