package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/dealman/internal/model"
)

// PostgresConfigRepo はPostgreSQLを使用した自動配信設定リポジトリ。
// 設定は単一行（id = 1）として保持する。
type PostgresConfigRepo struct {
	db *sql.DB
}

// NewPostgresConfigRepo はPostgresConfigRepoを生成する。
func NewPostgresConfigRepo(db *sql.DB) *PostgresConfigRepo {
	return &PostgresConfigRepo{db: db}
}

// defaultConfig は未保存時のデフォルト設定を返す。
// 非アクティブで、フィルタはすべて無効。
func defaultConfig() *model.AutoPublishConfig {
	return &model.AutoPublishConfig{
		Filters: model.PublishFilters{
			DaysThreshold:          model.DefaultDaysThreshold,
			PriceChangeWindowHours: model.DefaultPriceChangeWindowHours,
		},
		Schedule: model.Schedule{
			Type:            model.ScheduleTypeFrequency,
			IntervalMinutes: 60,
		},
		Active: false,
	}
}

// Get は自動配信設定を取得する。未保存の場合はデフォルト値を返す。
func (r *PostgresConfigRepo) Get(ctx context.Context) (*model.AutoPublishConfig, error) {
	cfg := &model.AutoPublishConfig{}
	var filtersJSON, scheduleJSON, lastRunJSON []byte
	var channels pq.StringArray
	var nextRunAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT filters, channels, schedule, active, next_run_at, last_run_log, updated_at
		 FROM auto_publish_config WHERE id = 1`,
	).Scan(&filtersJSON, &channels, &scheduleJSON, &cfg.Active, &nextRunAt, &lastRunJSON, &cfg.UpdatedAt)

	if err == sql.ErrNoRows {
		return defaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("自動配信設定の取得に失敗しました: %w", err)
	}

	if err := json.Unmarshal(filtersJSON, &cfg.Filters); err != nil {
		return nil, fmt.Errorf("フィルタ設定のデシリアライズに失敗しました: %w", err)
	}
	if err := json.Unmarshal(scheduleJSON, &cfg.Schedule); err != nil {
		return nil, fmt.Errorf("スケジュール設定のデシリアライズに失敗しました: %w", err)
	}
	if len(lastRunJSON) > 0 {
		cfg.LastRun = &model.RunLog{}
		if err := json.Unmarshal(lastRunJSON, cfg.LastRun); err != nil {
			return nil, fmt.Errorf("実行ログのデシリアライズに失敗しました: %w", err)
		}
	}

	cfg.Channels = []string(channels)
	cfg.NextRunAt = nullTimeValue(nextRunAt)

	return cfg, nil
}

// Save は自動配信設定を保存する（単一行のupsert）。
func (r *PostgresConfigRepo) Save(ctx context.Context, config *model.AutoPublishConfig) error {
	filtersJSON, err := json.Marshal(config.Filters)
	if err != nil {
		return fmt.Errorf("フィルタ設定のシリアライズに失敗しました: %w", err)
	}
	scheduleJSON, err := json.Marshal(config.Schedule)
	if err != nil {
		return fmt.Errorf("スケジュール設定のシリアライズに失敗しました: %w", err)
	}

	var lastRunJSON any
	if config.LastRun != nil {
		b, err := json.Marshal(config.LastRun)
		if err != nil {
			return fmt.Errorf("実行ログのシリアライズに失敗しました: %w", err)
		}
		lastRunJSON = b
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO auto_publish_config (id, filters, channels, schedule, active, next_run_at, last_run_log, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		    filters = EXCLUDED.filters,
		    channels = EXCLUDED.channels,
		    schedule = EXCLUDED.schedule,
		    active = EXCLUDED.active,
		    next_run_at = EXCLUDED.next_run_at,
		    last_run_log = EXCLUDED.last_run_log,
		    updated_at = EXCLUDED.updated_at`,
		filtersJSON, pq.Array(config.Channels), scheduleJSON,
		config.Active, nullTime(config.NextRunAt), lastRunJSON, config.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("自動配信設定の保存に失敗しました: %w", err)
	}
	return nil
}
