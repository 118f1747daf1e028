package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// GatewayDispatcher はWhatsAppゲートウェイサイドカーへのディスパッチャ。
// ゲートウェイはHTTP APIでメッセージを受け付け、WhatsApp側への配送を担う。
type GatewayDispatcher struct {
	gatewayURL string
	client     *resty.Client
}

var _ Dispatcher = (*GatewayDispatcher)(nil)

// NewGatewayDispatcher はGatewayDispatcherを生成する。
func NewGatewayDispatcher(gatewayURL string, timeout time.Duration) (*GatewayDispatcher, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("whatsapp gateway URL is not configured")
	}

	client := resty.New()
	client.SetTimeout(timeout)

	return &GatewayDispatcher{gatewayURL: gatewayURL, client: client}, nil
}

// Name はチャネル名を返す。
func (d *GatewayDispatcher) Name() string { return "whatsapp" }

type gatewayMessage struct {
	Text     string `json:"text"`
	ImageURL string `json:"image_url,omitempty"`
}

// Send はゲートウェイのmessagesエンドポイントにメッセージを送信する。
func (d *GatewayDispatcher) Send(ctx context.Context, msg *Message) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(gatewayMessage{Text: msg.PlainText(), ImageURL: msg.ImageURL}).
		Post(d.gatewayURL + "/messages")
	if err != nil {
		return fmt.Errorf("whatsapp gateway request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("whatsapp gateway returned status %d", resp.StatusCode())
	}
	return nil
}
