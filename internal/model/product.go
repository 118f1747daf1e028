// Package model はドメインモデルを定義する。
package model

import "time"

// Product はマーケットプレイス上の追跡対象商品を表す。
// IDはマーケットプレイス側の一意識別子（ASIN等）をそのまま使用する。
type Product struct {
	ID                 string
	Name               string
	AffiliateURL       string
	ImageURL           string
	CurrentPrice       float64
	ReferencePrice     float64 // マーケットプレイスの基準価格（buy box価格）
	ListPrice          float64 // 定価。0は未取得を表す
	LastPublishedPrice float64 // 0は未配信を表す
	LastPublishedAt    *time.Time
	PriceChangedAt     *time.Time // フィードが現在価格を更新した最終時刻
	PublishRequested   bool       // 手動スケジュール配信の予約フラグ
	PublishDueAt       *time.Time // 手動スケジュール配信の予定時刻
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BelowReference は現在価格が基準価格を下回っているかを返す。
// 自動配信の対象となるためのハード前提条件。
func (p *Product) BelowReference() bool {
	return p.CurrentPrice > 0 && p.ReferencePrice > 0 && p.CurrentPrice < p.ReferencePrice
}

// ChannelError はチャネル単位の配信失敗を表す。
type ChannelError struct {
	Channel string `json:"channel"`
	Reason  string `json:"reason"`
}

// PublicationRecord は1回の配信試行の不変な履歴エントリを表す。
// 作成後に変更されることはない。
type PublicationRecord struct {
	ID             string
	ProductID      string
	ProductName    string
	PriceAtPublish float64
	PublishedAt    time.Time
	Channels       []string       // 配信に成功したチャネル名
	Errors         []ChannelError // 失敗したチャネルと理由。全成功時は空
}
