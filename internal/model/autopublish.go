package model

import "time"

// ScheduleType は自動配信スケジュールの種別を表す。
type ScheduleType string

const (
	// ScheduleTypeFrequency は固定間隔（分）での実行を示す。
	ScheduleTypeFrequency ScheduleType = "frequency"
	// ScheduleTypeFixedTimes は1日の固定時刻（24時間表記 HH:MM）での実行を示す。
	ScheduleTypeFixedTimes ScheduleType = "fixed_times"
)

// MinIntervalMinutes は固定間隔スケジュールの最小間隔（分）。
// これより短い間隔は実行の重複を招くため設定時に拒否される。
const MinIntervalMinutes = 15

// Schedule は自動配信の実行スケジュールを表す。
// Typeに応じてIntervalMinutesまたはTimesのどちらか一方のみが有効。
type Schedule struct {
	Type            ScheduleType `json:"type"`
	IntervalMinutes int          `json:"interval_minutes,omitempty"`
	Times           []string     `json:"times,omitempty"`
}

// PublishFilters は自動配信の判定フィルタ設定を表す。
// 未知のキーを含む設定は読み込み時に拒否される（レガシー形状の救済はしない）。
type PublishFilters struct {
	// NeverPublished は未配信の商品を配信対象とする。
	NeverPublished bool `json:"never_published"`
	// NotRecentlyPublished は最終配信からDaysThreshold日以上経過した商品を配信対象とする。
	NotRecentlyPublished bool `json:"not_recently_published"`
	// DaysThreshold はNotRecentlyPublishedの経過日数しきい値（デフォルト: 4）。
	DaysThreshold int `json:"days_threshold"`
	// PriceDropped はしきい値内でも前回配信価格より値下がりした商品を配信対象とする。
	PriceDropped bool `json:"price_dropped"`
	// RequirePriceChange は直近の価格変動を追加の前提条件とする。
	RequirePriceChange bool `json:"require_price_change"`
	// PriceChangeWindowHours は価格変動の遡及ウィンドウ（時間、デフォルト: 24）。
	PriceChangeWindowHours int `json:"price_change_window_hours"`
	// PriceChangeStrict が真の場合、ウィンドウ内に価格変動した商品が1件もなければ
	// 実行全体を中断する。偽の場合は参考情報としてログに残すのみ。
	PriceChangeStrict bool `json:"price_change_strict"`
}

// DefaultDaysThreshold はNotRecentlyPublishedフィルタのデフォルト日数。
const DefaultDaysThreshold = 4

// DefaultPriceChangeWindowHours は価格変動ゲートのデフォルト遡及時間。
const DefaultPriceChangeWindowHours = 24

// PublishedProduct は実行ログに記録される配信済み商品のサマリ。
type PublishedProduct struct {
	ProductID string   `json:"product_id"`
	Name      string   `json:"name"`
	Price     float64  `json:"price"`
	Channels  []string `json:"channels"`
}

// RunLog は自動配信1回の実行スナップショットを表す。
// 書き込み後は不変で、次回実行のログで置き換えられる（マージしない）。
type RunLog struct {
	StartedAt         time.Time          `json:"started_at"`
	DurationMs        int64              `json:"duration_ms"`
	ProductsChecked   int                `json:"products_checked"`
	Eligible          int                `json:"eligible"`
	Published         int                `json:"published"`
	Failed            int                `json:"failed"`
	SkippedReasons    map[string]int     `json:"skipped_reasons"`
	PublishedProducts []PublishedProduct `json:"published_products"`
	Trace             []string           `json:"trace,omitempty"`
}

// AutoPublishConfig は自動配信の設定と状態を保持するシングルトンレコード。
// スケジュールマネージャの開始/停止操作と実行完了時のみが書き込みを行う。
type AutoPublishConfig struct {
	Filters   PublishFilters
	Channels  []string // 有効なディスパッチャ名（設定順に配信される）
	Schedule  Schedule
	Active    bool
	NextRunAt *time.Time
	LastRun   *RunLog
	UpdatedAt time.Time
}
