package publish

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramSender はtgbotapi.BotAPIのうち送信に必要な操作のみを切り出したもの。
// テスト時にモックに差し替え可能。
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramDispatcher はTelegramチャネルへのディスパッチャ。
// 設定された全チャットIDに同一メッセージを送信する。
type TelegramDispatcher struct {
	bot     telegramSender
	chatIDs []int64
	logger  *slog.Logger
}

var _ Dispatcher = (*TelegramDispatcher)(nil)

// NewTelegramDispatcher はボットトークンで認証してTelegramDispatcherを生成する。
func NewTelegramDispatcher(token string, chatIDs []int64, logger *slog.Logger) (*TelegramDispatcher, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is not configured")
	}
	if len(chatIDs) == 0 {
		return nil, fmt.Errorf("no telegram chat ids configured")
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to authorize telegram bot: %w", err)
	}
	bot.Debug = false

	logger.Info("Telegramボットを認証しました",
		slog.String("bot_username", bot.Self.UserName),
		slog.Int("chat_count", len(chatIDs)),
	)

	return &TelegramDispatcher{bot: bot, chatIDs: chatIDs, logger: logger}, nil
}

// newTelegramDispatcherWithSender はテスト用に送信実装を差し替えて生成する。
func newTelegramDispatcherWithSender(sender telegramSender, chatIDs []int64, logger *slog.Logger) *TelegramDispatcher {
	return &TelegramDispatcher{bot: sender, chatIDs: chatIDs, logger: logger}
}

// Name はチャネル名を返す。
func (d *TelegramDispatcher) Name() string { return "telegram" }

// Send は全チャットIDにメッセージを送信する。
// 画像URLがある場合はキャプション付き画像として送信する。
// 1チャットでも成功すれば送信成功とし、全チャット失敗時のみエラーを返す。
func (d *TelegramDispatcher) Send(ctx context.Context, msg *Message) error {
	var sent int
	var lastErr error

	for _, chatID := range d.chatIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var err error
		if msg.ImageURL != "" {
			photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(msg.ImageURL))
			photo.Caption = msg.Text()
			photo.ParseMode = tgbotapi.ModeMarkdown
			_, err = d.bot.Send(photo)
		} else {
			m := tgbotapi.NewMessage(chatID, msg.Text())
			m.ParseMode = tgbotapi.ModeMarkdown
			_, err = d.bot.Send(m)
		}

		if err != nil {
			lastErr = err
			d.logger.Error("Telegramチャットへの送信に失敗しました",
				slog.Int64("chat_id", chatID),
				slog.String("product_id", msg.ProductID),
				slog.String("error", err.Error()),
			)
			continue
		}
		sent++
	}

	if sent == 0 {
		return fmt.Errorf("failed to send to all telegram chats: %w", lastErr)
	}
	return nil
}
