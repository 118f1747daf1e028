// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 操作画面に表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, config, product, publish, system
	Action   string // 操作者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
	ErrCodeInvalidFilters  = "CONFIG_INVALID_FILTERS"
	ErrCodeInvalidSchedule = "CONFIG_INVALID_SCHEDULE"
	ErrCodeInvalidChannels = "CONFIG_INVALID_CHANNELS"
	ErrCodeProductNotFound = "PRODUCT_NOT_FOUND"
	ErrCodeProductExists   = "PRODUCT_EXISTS"
	ErrCodeInvalidProduct  = "INVALID_PRODUCT"
	ErrCodeRunInProgress   = "RUN_IN_PROGRESS"
	ErrCodeInvalidDueAt    = "INVALID_DUE_AT"
	ErrCodePublishFailed   = "PUBLISH_FAILED"
)

// NewInvalidFiltersError は無効なフィルタ設定エラーを生成する。
func NewInvalidFiltersError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFilters,
		Message:  fmt.Sprintf("無効なフィルタ設定です: %s", reason),
		Category: "config",
		Action:   "フィルタの項目名としきい値を確認してください。未対応の項目は指定できません。",
	}
}

// NewInvalidScheduleError は無効なスケジュール設定エラーを生成する。
func NewInvalidScheduleError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSchedule,
		Message:  fmt.Sprintf("無効なスケジュール設定です: %s", reason),
		Category: "config",
		Action:   "スケジュール種別はfrequency（15分以上の間隔）またはfixed_times（HH:MM形式）を指定してください。",
	}
}

// NewInvalidChannelsError は無効なチャネル設定エラーを生成する。
func NewInvalidChannelsError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidChannels,
		Message:  fmt.Sprintf("無効なチャネル設定です: %s", reason),
		Category: "config",
		Action:   "有効なチャネル名を1つ以上指定してください。",
	}
}

// NewProductNotFoundError は商品未検出エラーを生成する。
func NewProductNotFoundError(productID string) *APIError {
	return &APIError{
		Code:     ErrCodeProductNotFound,
		Message:  fmt.Sprintf("指定された商品が見つかりません: %s", productID),
		Category: "product",
		Action:   "商品IDを確認してください。",
	}
}

// NewProductExistsError は商品重複登録エラーを生成する。
func NewProductExistsError(productID string) *APIError {
	return &APIError{
		Code:     ErrCodeProductExists,
		Message:  fmt.Sprintf("この商品は既に登録されています: %s", productID),
		Category: "product",
		Action:   "商品一覧から該当商品を確認してください。",
	}
}

// NewInvalidProductError は無効な商品データエラーを生成する。
func NewInvalidProductError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidProduct,
		Message:  fmt.Sprintf("無効な商品データです: %s", reason),
		Category: "validation",
		Action:   "商品ID、商品名、アフィリエイトURLを確認してください。",
	}
}

// NewRunInProgressError は実行中エラーを生成する。
// 単一実行保証により、実行中の重複トリガーは受け付けられない。
func NewRunInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeRunInProgress,
		Message:  "前回の自動配信ジョブがまだ実行中です。",
		Category: "publish",
		Action:   "実行が完了してから再度お試しください。",
	}
}

// NewPublishFailedError は全チャネル配信失敗エラーを生成する。
func NewPublishFailedError(productID string) *APIError {
	return &APIError{
		Code:     ErrCodePublishFailed,
		Message:  fmt.Sprintf("すべてのチャネルへの配信に失敗しました: %s", productID),
		Category: "publish",
		Action:   "チャネルの設定と接続状態を確認してください。",
	}
}

// NewInvalidDueAtError は無効な配信予定時刻エラーを生成する。
func NewInvalidDueAtError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDueAt,
		Message:  fmt.Sprintf("無効な配信予定時刻です: %s", reason),
		Category: "validation",
		Action:   "RFC 3339形式の未来の時刻を指定してください。",
	}
}
