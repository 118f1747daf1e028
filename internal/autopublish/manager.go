package autopublish

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/repository"
)

// runner はコーディネータのうちマネージャが使う操作。
type runner interface {
	RunOnce(ctx context.Context, cfg *model.AutoPublishConfig) (*model.RunLog, error)
	Running() bool
}

var _ runner = (*Coordinator)(nil)

// Manager は自動配信スケジュールの状態（INACTIVE/ACTIVE）を管理し、
// ポーリングループで期限が来た実行をコーディネータへ引き渡す。
//
// 停止は次回以降の実行を取り消すのみで、実行中のジョブは中断しない。
type Manager struct {
	coordinator       runner
	configRepo        repository.ConfigRepository
	availableChannels []string
	logger            *slog.Logger
	pollInterval      time.Duration
}

// NewManager はManagerを生成する。
func NewManager(
	coordinator runner,
	configRepo repository.ConfigRepository,
	availableChannels []string,
	logger *slog.Logger,
	pollInterval time.Duration,
) *Manager {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Manager{
		coordinator:       coordinator,
		configRepo:        configRepo,
		availableChannels: availableChannels,
		logger:            logger,
		pollInterval:      pollInterval,
	}
}

// Start は設定を検証して自動配信をACTIVEにし、次回実行時刻を計算して保存する。
// 検証に失敗した場合は設定エラーを返し、保存済みの状態は変更されない。
func (m *Manager) Start(ctx context.Context, filters model.PublishFilters, channels []string, schedule model.Schedule) (*model.AutoPublishConfig, error) {
	// 経過日数しきい値の省略時はデフォルトを補う
	if filters.NotRecentlyPublished && filters.DaysThreshold == 0 {
		filters.DaysThreshold = model.DefaultDaysThreshold
	}

	cfg := &model.AutoPublishConfig{
		Filters:  filters,
		Channels: channels,
		Schedule: schedule,
	}
	if err := ValidateConfig(cfg, m.availableChannels); err != nil {
		return nil, err
	}

	// 直近の実行ログは開始/停止をまたいで参照できるよう引き継ぐ
	if existing, err := m.configRepo.Get(ctx); err == nil {
		cfg.LastRun = existing.LastRun
	}

	now := time.Now()
	next, err := NextRun(schedule, now)
	if err != nil {
		return nil, model.NewInvalidScheduleError(err.Error())
	}

	cfg.Active = true
	cfg.NextRunAt = &next
	cfg.UpdatedAt = now.UTC()

	if err := m.configRepo.Save(ctx, cfg); err != nil {
		return nil, err
	}

	m.logger.Info("自動配信を開始しました",
		slog.String("schedule_type", string(schedule.Type)),
		slog.Time("next_run_at", next),
	)
	return cfg, nil
}

// Stop は自動配信をINACTIVEにする。実行中のジョブは最後まで走る。
func (m *Manager) Stop(ctx context.Context) (*model.AutoPublishConfig, error) {
	cfg, err := m.configRepo.Get(ctx)
	if err != nil {
		return nil, err
	}

	cfg.Active = false
	cfg.NextRunAt = nil
	cfg.UpdatedAt = time.Now().UTC()

	if err := m.configRepo.Save(ctx, cfg); err != nil {
		return nil, err
	}

	m.logger.Info("自動配信を停止しました")
	return cfg, nil
}

// Status は現在の設定と状態を返す。実行中フラグはコーディネータから取得する。
func (m *Manager) Status(ctx context.Context) (*model.AutoPublishConfig, bool, error) {
	cfg, err := m.configRepo.Get(ctx)
	if err != nil {
		return nil, false, err
	}
	return cfg, m.coordinator.Running(), nil
}

// RunNow は保存済み設定で自動配信を即時に1回実行する。
// スケジュールのACTIVE/INACTIVEに関わらず実行でき、単一実行保証に従う。
func (m *Manager) RunNow(ctx context.Context) (*model.RunLog, error) {
	cfg, err := m.configRepo.Get(ctx)
	if err != nil {
		return nil, err
	}
	// HTTP切断やレスポンスタイムアウトで実行が途中打ち切りに
	// ならないよう、呼び出し元のキャンセルからは切り離して実行する。
	return m.coordinator.RunOnce(context.WithoutCancel(ctx), cfg)
}

// Run はポーリングループを開始し、ctxがキャンセルされるまでブロックする。
//
// 各周期で設定を読み直し、ACTIVEかつnext_run_atを過ぎていれば実行を
// 別goroutineで起動する。実行が長引いて次の周期でも期限切れのままの
// 場合、トリガーは単一実行保証により破棄される。
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("スケジュールポーリングを開始します",
		slog.Duration("poll_interval", m.pollInterval))

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("スケジュールポーリングを終了します")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	cfg, err := m.configRepo.Get(ctx)
	if err != nil {
		m.logger.Error("自動配信設定の取得に失敗しました", slog.String("error", err.Error()))
		return
	}
	if !cfg.Active || cfg.NextRunAt == nil {
		return
	}
	if time.Now().Before(*cfg.NextRunAt) {
		return
	}

	// ポーリングを塞がないよう実行は別goroutineに逃がす。
	// 重複トリガーはRunOnce側で破棄される。
	go func() {
		if _, err := m.coordinator.RunOnce(ctx, cfg); err != nil {
			m.logger.Info("スケジュール実行をスキップしました", slog.String("reason", err.Error()))
		}
	}()
}
