// Package publish は配信メッセージの組み立てと各チャネルへの送信を提供する。
package publish

import (
	"fmt"
	"strings"

	"github.com/hitoshi/dealman/internal/model"
)

// Message は1商品分の配信メッセージを表す。
// 全チャネル共通の内容を保持し、各ディスパッチャがチャネル固有の形式に変換する。
type Message struct {
	ProductID    string
	ProductName  string
	CurrentPrice float64
	ListPrice    float64
	AffiliateURL string
	ImageURL     string
}

// NewMessage は商品から配信メッセージを組み立てる。
// 定価が未取得の場合は基準価格を定価として表示する。
func NewMessage(p *model.Product) *Message {
	listPrice := p.ListPrice
	if listPrice <= 0 {
		listPrice = p.ReferencePrice
	}
	return &Message{
		ProductID:    p.ID,
		ProductName:  p.Name,
		CurrentPrice: p.CurrentPrice,
		ListPrice:    listPrice,
		AffiliateURL: p.AffiliateURL,
		ImageURL:     p.ImageURL,
	}
}

// Text はMarkdown形式のメッセージ本文を返す。
func (m *Message) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "🛍️ *%s*\n\n", m.ProductName)
	fmt.Fprintf(&b, "💰 *セール価格:* %s ✅\n", formatPrice(m.CurrentPrice))
	if m.ListPrice > m.CurrentPrice {
		fmt.Fprintf(&b, "💸 *定価:* %s ❌\n", formatPrice(m.ListPrice))
		if off := discountPercent(m.CurrentPrice, m.ListPrice); off > 0 {
			fmt.Fprintf(&b, "📉 *%d%%オフ*\n", off)
		}
	}
	fmt.Fprintf(&b, "\n🔗 [商品ページを見る](%s)", m.AffiliateURL)
	return b.String()
}

// PlainText はMarkdownを含まないメッセージ本文を返す。
// Markdownに対応しないチャネル向け。
func (m *Message) PlainText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", m.ProductName)
	fmt.Fprintf(&b, "セール価格: %s\n", formatPrice(m.CurrentPrice))
	if m.ListPrice > m.CurrentPrice {
		fmt.Fprintf(&b, "定価: %s\n", formatPrice(m.ListPrice))
	}
	fmt.Fprintf(&b, "%s", m.AffiliateURL)
	return b.String()
}

// formatPrice は価格を3桁区切りの円表記にする。
func formatPrice(price float64) string {
	s := fmt.Sprintf("%.0f", price)
	var b strings.Builder
	b.WriteString("¥")
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 && r != '-' {
			b.WriteString(",")
		}
		b.WriteRune(r)
	}
	return b.String()
}

// discountPercent は定価に対する割引率（%）を返す。
func discountPercent(current, list float64) int {
	if list <= 0 || current >= list {
		return 0
	}
	return int((1 - current/list) * 100)
}
