package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/repository"
)

// Publisher は1商品を設定された全チャネルに配信し、履歴を記録する。
//
// 配信は「少なくとも1チャネル成功」で成功と見なす。チャネル単位の失敗は
// 他のチャネルを妨げず、失敗理由とともに履歴に記録される。
// 1回の配信試行につき必ず1件のPublicationRecordが作られる。
type Publisher struct {
	dispatchers map[string]Dispatcher
	productRepo repository.ProductRepository
	pubRepo     repository.PublicationRepository
	logger      *slog.Logger
}

// NewPublisher はPublisherを生成する。
func NewPublisher(
	dispatchers []Dispatcher,
	productRepo repository.ProductRepository,
	pubRepo repository.PublicationRepository,
	logger *slog.Logger,
) *Publisher {
	byName := make(map[string]Dispatcher, len(dispatchers))
	for _, d := range dispatchers {
		byName[d.Name()] = d
	}
	return &Publisher{
		dispatchers: byName,
		productRepo: productRepo,
		pubRepo:     pubRepo,
		logger:      logger,
	}
}

// AvailableChannels は登録済みディスパッチャのチャネル名を返す。
// 設定のchannels検証に使用される。
func (p *Publisher) AvailableChannels() []string {
	names := make([]string, 0, len(p.dispatchers))
	for name := range p.dispatchers {
		names = append(names, name)
	}
	return names
}

// Publish は商品をchannelsの設定順に各チャネルへ配信する。
//
// 戻り値のPublicationRecordには成功チャネルと失敗チャネル（理由付き）の
// 両方が記録される。全チャネルが失敗した場合のみエラーを返す。
// 履歴の書き込みが送信成功後に失敗した場合は、メッセージは既に配送済みの
// ため整合性警告としてログに残し、処理は続行する。
func (p *Publisher) Publish(ctx context.Context, product *model.Product, channels []string) (*model.PublicationRecord, error) {
	at := time.Now().UTC()
	msg := NewMessage(product)

	record := &model.PublicationRecord{
		ID:             uuid.NewString(),
		ProductID:      product.ID,
		ProductName:    product.Name,
		PriceAtPublish: product.CurrentPrice,
		PublishedAt:    at,
	}

	for _, name := range channels {
		d, ok := p.dispatchers[name]
		if !ok {
			record.Errors = append(record.Errors, model.ChannelError{
				Channel: name,
				Reason:  "unknown channel",
			})
			p.logger.Warn("未登録のチャネルが指定されました",
				slog.String("channel", name),
				slog.String("product_id", product.ID),
			)
			continue
		}

		if err := d.Send(ctx, msg); err != nil {
			record.Errors = append(record.Errors, model.ChannelError{
				Channel: name,
				Reason:  err.Error(),
			})
			p.logger.Error("チャネルへの配信に失敗しました",
				slog.String("channel", name),
				slog.String("product_id", product.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		record.Channels = append(record.Channels, name)
		p.logger.Info("チャネルへの配信に成功しました",
			slog.String("channel", name),
			slog.String("product_id", product.ID),
			slog.Float64("price", product.CurrentPrice),
		)
	}

	delivered := len(record.Channels) > 0

	if err := p.pubRepo.Append(ctx, record); err != nil {
		if delivered {
			// メッセージは配送済みのため履歴欠落は整合性警告に留める
			p.logger.Warn("配信履歴の書き込みに失敗しました（整合性警告: メッセージは配送済み）",
				slog.String("product_id", product.ID),
				slog.String("error", err.Error()),
			)
		} else {
			p.logger.Error("配信履歴の書き込みに失敗しました",
				slog.String("product_id", product.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	// 配信試行の帳簿付けは成否に関わらず行う。失敗した試行も
	// 「試行済み」として記録され、次回の判定はこの時刻を基準にする。
	if err := p.productRepo.MarkPublished(ctx, product.ID, product.CurrentPrice, at); err != nil {
		p.logger.Error("配信試行の商品への反映に失敗しました",
			slog.String("product_id", product.ID),
			slog.String("error", err.Error()),
		)
	}

	if !delivered {
		return record, fmt.Errorf("all channels failed for product %s", product.ID)
	}

	return record, nil
}
