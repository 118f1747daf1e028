// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/dealman/internal/model"
)

// ProductRepository は商品データの永続化インターフェース。
type ProductRepository interface {
	// FindByID は指定IDの商品を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Product, error)

	// Create は商品を作成する。IDが既に存在する場合はPRODUCT_EXISTSエラーを返す。
	Create(ctx context.Context, product *model.Product) error

	// Update は商品情報を更新する。
	Update(ctx context.Context, product *model.Product) error

	// Delete は指定IDの商品を削除する。
	// 関連する配信履歴はCASCADE削除される。
	Delete(ctx context.Context, id string) error

	// List は全商品をID昇順で返す。
	List(ctx context.Context) ([]*model.Product, error)

	// ListBelowReference は現在価格が基準価格を下回る商品を返す。
	// 自動配信1回分の走査対象となる。
	ListBelowReference(ctx context.Context) ([]*model.Product, error)

	// ListDueForManualPublish は手動スケジュール配信の期日が到来した商品を返す。
	ListDueForManualPublish(ctx context.Context, now time.Time) ([]*model.Product, error)

	// UpdatePrices はフィードから取得した価格を反映する。
	// priceChangedが真の場合はprice_changed_atをnowに更新する。
	UpdatePrices(ctx context.Context, id string, current, reference, list float64, priceChanged bool, now time.Time) error

	// MarkPublished は配信完了を商品に反映する。
	// last_published_price、last_published_atを更新し、手動配信予約をクリアする。
	MarkPublished(ctx context.Context, id string, price float64, at time.Time) error

	// SetPublishRequest は手動スケジュール配信を予約する。
	SetPublishRequest(ctx context.Context, id string, dueAt time.Time) error

	// CountPriceChangedSince は指定時刻以降に価格変動した商品数を返す。
	// 価格変動ゲートの判定に使用する。
	CountPriceChangedSince(ctx context.Context, since time.Time) (int, error)
}

// PublicationRepository は配信履歴の永続化インターフェース。
type PublicationRepository interface {
	// Append は配信履歴を追加する。
	// 同一商品・同一時刻の試行が既に記録されている場合は何もしない（冪等）。
	Append(ctx context.Context, record *model.PublicationRecord) error

	// ListByProduct は指定商品の配信履歴を新しい順に返す。
	// limitが0以下の場合は全件返す。
	ListByProduct(ctx context.Context, productID string, limit int) ([]*model.PublicationRecord, error)

	// DeleteOlderThan は指定時刻より古い配信履歴を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ConfigRepository は自動配信設定の永続化インターフェース。
type ConfigRepository interface {
	// Get は自動配信設定を取得する。
	// 未保存の場合はデフォルト値（非アクティブ）を返す。
	Get(ctx context.Context) (*model.AutoPublishConfig, error)

	// Save は自動配信設定を保存する（単一行のupsert）。
	Save(ctx context.Context, config *model.AutoPublishConfig) error
}
