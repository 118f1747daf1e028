// Package pricefeed はマーケットプレイスの価格フィードから商品価格を取得する。
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hitoshi/dealman/internal/security"
)

// MaxIDsPerRequest は1回のAPI呼び出しで照会できる商品IDの上限。
// フィード側のbatchGet制限に合わせている。
const MaxIDsPerRequest = 10

// maxFeedResponseBytes はフィードレスポンスの読み取り上限。
const maxFeedResponseBytes = 1 << 20

// Quote はフィードから取得した1商品分の価格情報を表す。
type Quote struct {
	ProductID      string  `json:"product_id"`
	Name           string  `json:"name"`
	CurrentPrice   float64 `json:"current_price"`
	ReferencePrice float64 `json:"reference_price"`
	ListPrice      float64 `json:"list_price"`
	ImageURL       string  `json:"image_url"`
}

// Client は価格フィードへのアクセスインターフェース。
// テスト時にモックに差し替え可能。
type Client interface {
	// FetchQuotes は指定商品IDの価格情報を取得する。
	// idsはMaxIDsPerRequest件以下でなければならない。
	// フィードに存在しないIDは結果に含まれない。
	FetchQuotes(ctx context.Context, ids []string) ([]Quote, error)
}

// HTTPClient はHTTP経由で価格フィードにアクセスするClient実装。
type HTTPClient struct {
	baseURL    string
	accessKey  string
	partnerTag string
	client     *resty.Client
}

// NewHTTPClient はHTTPClientを生成する。
// accessKeyが空でない場合はリクエストヘッダで認証する。
// 外部フィードへのリクエストはSSRFガード付きのHTTPクライアントで行う。
func NewHTTPClient(baseURL, accessKey, partnerTag string, timeout time.Duration, guard security.SSRFGuardService) *HTTPClient {
	client := resty.NewWithClient(guard.NewSafeClient(timeout, maxFeedResponseBytes))

	return &HTTPClient{
		baseURL:    baseURL,
		accessKey:  accessKey,
		partnerTag: partnerTag,
		client:     client,
	}
}

var _ Client = (*HTTPClient)(nil)

type batchGetRequest struct {
	ProductIDs []string `json:"product_ids"`
	PartnerTag string   `json:"partner_tag,omitempty"`
}

type batchGetResponse struct {
	Items []Quote `json:"items"`
}

// FetchQuotes は指定商品IDの価格情報をフィードのbatchGetエンドポイントから取得する。
func (c *HTTPClient) FetchQuotes(ctx context.Context, ids []string) ([]Quote, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxIDsPerRequest {
		return nil, fmt.Errorf("too many product ids in one request: %d (max %d)", len(ids), MaxIDsPerRequest)
	}

	req := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(batchGetRequest{ProductIDs: ids, PartnerTag: c.partnerTag})
	if c.accessKey != "" {
		req.SetHeader("X-Access-Key", c.accessKey)
	}

	resp, err := req.Post(c.baseURL + "/v1/items:batchGet")
	if err != nil {
		return nil, fmt.Errorf("price feed request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("price feed returned status %d", resp.StatusCode())
	}

	var body batchGetResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("failed to decode price feed response: %w", err)
	}

	return body.Items, nil
}
