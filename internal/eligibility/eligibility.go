// Package eligibility は商品が自動配信の対象かどうかを判定する。
//
// 判定は純粋関数として実装され、副作用を持たない。
// 現在価格が基準価格を下回っていることがすべてのルールに先立つ前提条件で、
// その上で未配信、配信日数経過、値下がりの3ルールをこの順に評価する。
package eligibility

import (
	"time"

	"github.com/hitoshi/dealman/internal/model"
)

// Rule は商品を配信対象と判定したルールを表す。
type Rule string

const (
	// RuleNeverPublished は一度も配信されていない商品に適用される。
	RuleNeverPublished Rule = "never_published"
	// RuleStale は最終配信からしきい値日数以上経過した商品に適用される。
	RuleStale Rule = "stale"
	// RulePriceDropped は前回配信価格より値下がりした商品に適用される。
	RulePriceDropped Rule = "price_dropped"
	// RuleUnfiltered は3つのフィルタがすべて無効の場合に適用される。
	// 前提条件を満たす全商品が配信対象となる（操作者が絞り込みを無効化した状態）。
	RuleUnfiltered Rule = "unfiltered"
)

// 判定スキップ理由。実行ログのヒストグラムのキーとして集計される。
const (
	SkipNotBelowReference   = "price not below reference"
	SkipNotLowerThanLast    = "current price not lower than last published price"
	SkipRecentlyPublished   = "published too recently, price not lower"
	SkipNeverPublishedOff   = "never published, never-published filter disabled"
	SkipNoRecentPriceChange = "no recent price change"
)

// Decision は1商品に対する判定結果を表す。
type Decision struct {
	Eligible bool
	// Rule は配信対象と判定したルール。Eligibleが偽の場合は空。
	Rule Rule
	// SkipReason はスキップ理由。Eligibleが真の場合は空。
	SkipReason string
}

func skip(reason string) Decision {
	return Decision{SkipReason: reason}
}

func eligible(rule Rule) Decision {
	return Decision{Eligible: true, Rule: rule}
}

// Evaluate は商品がフィルタ設定の下で配信対象かを判定する。
//
// ルールは次の順に評価され、最初に一致したものが採用される:
//  1. 未配信（NeverPublishedフィルタ有効時）
//  2. 最終配信からDaysThreshold日以上経過（NotRecentlyPublishedフィルタ有効時）
//  3. 前回配信価格より値下がり（PriceDroppedフィルタ有効時）
//
// 3つのフィルタがすべて無効の場合、前提条件を満たす全商品が配信対象となる。
//
// 未配信・経過日数・値下がりの判定は配信履歴テーブルではなく、商品の
// LastPublishedAt / LastPublishedPrice を参照する。これらはMarkPublishedが
// 配信試行のたびに（チャネルの成否に関わらず）更新する帳簿である。
//
// RequirePriceChangeが有効かつstrictモードの場合、ウィンドウ内に価格変動のない
// 商品はルールに一致してもスキップされる。strictでない場合は参考情報のみで、
// 前提条件を満たす商品はそのまま先へ進む。
func Evaluate(p *model.Product, f model.PublishFilters, now time.Time) Decision {
	if !p.BelowReference() {
		return skip(SkipNotBelowReference)
	}

	if f.RequirePriceChange && f.PriceChangeStrict && !PriceChangedWithin(p, f, now) {
		return skip(SkipNoRecentPriceChange)
	}

	if !f.NeverPublished && !f.NotRecentlyPublished && !f.PriceDropped {
		return eligible(RuleUnfiltered)
	}

	if neverPublished(p) {
		if f.NeverPublished {
			return eligible(RuleNeverPublished)
		}
		// 配信履歴のない商品は「直近に配信されていない」条件も満たす
		if f.NotRecentlyPublished {
			return eligible(RuleStale)
		}
		return skip(SkipNeverPublishedOff)
	}

	if f.NotRecentlyPublished && isStale(p, f, now) {
		return eligible(RuleStale)
	}

	if f.PriceDropped && p.LastPublishedPrice > 0 && p.CurrentPrice < p.LastPublishedPrice {
		return eligible(RulePriceDropped)
	}

	if f.NotRecentlyPublished {
		return skip(SkipRecentlyPublished)
	}
	return skip(SkipNotLowerThanLast)
}

// neverPublished は商品が一度も配信されていないかを返す。
func neverPublished(p *model.Product) bool {
	return p.LastPublishedAt == nil
}

// isStale は最終配信からしきい値日数以上経過しているかを返す。
func isStale(p *model.Product, f model.PublishFilters, now time.Time) bool {
	threshold := f.DaysThreshold
	if threshold <= 0 {
		threshold = model.DefaultDaysThreshold
	}
	return now.Sub(*p.LastPublishedAt) >= time.Duration(threshold)*24*time.Hour
}

// PriceChangedWithin は商品の価格が遡及ウィンドウ内に変動したかを返す。
func PriceChangedWithin(p *model.Product, f model.PublishFilters, now time.Time) bool {
	if p.PriceChangedAt == nil {
		return false
	}
	window := f.PriceChangeWindowHours
	if window <= 0 {
		window = model.DefaultPriceChangeWindowHours
	}
	return now.Sub(*p.PriceChangedAt) <= time.Duration(window)*time.Hour
}
