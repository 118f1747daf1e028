package publish

import "context"

// Dispatcher は1チャネルへのメッセージ送信インターフェース。
// 各実装は自チャネルの失敗を自分で吸収せず、エラーとして返す。
// チャネル間の失敗分離はPublisherが行う。
type Dispatcher interface {
	// Name はチャネル名を返す。設定のchannelsと照合される。
	Name() string

	// Send はメッセージを送信する。
	Send(ctx context.Context, msg *Message) error
}
