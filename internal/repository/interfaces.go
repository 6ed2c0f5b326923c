// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/chatrelay/internal/model"
)

// ChannelRepository はチャンネルと永続メンバーシップの永続化インターフェース。
// チャンネルの作成・削除は外部サービスが担うため、ここでは扱わない。
type ChannelRepository interface {
	// FindByID は指定IDのチャンネルをメンバー一覧付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Channel, error)

	// Exists はチャンネルが存在するかを返す。
	Exists(ctx context.Context, id string) (bool, error)

	// AddMember はメンバーを冪等に追加する。新規に追加された場合にtrueを返す。
	AddMember(ctx context.Context, channelID, userID string) (bool, error)

	// RemoveMember はメンバーを削除する。非メンバーの削除は何もしない。
	// 実際に削除された場合にtrueを返す。
	RemoveMember(ctx context.Context, channelID, userID string) (bool, error)

	// ListChannelIDsByMember はユーザーが永続メンバーであるチャンネルIDの一覧を返す。
	ListChannelIDsByMember(ctx context.Context, userID string) ([]string, error)

	// UpdateLastMessageAt はlast_message_atを条件付きで更新する。
	// 既存の値がatより新しい場合は更新しない（単調非減少）。
	UpdateLastMessageAt(ctx context.Context, channelID string, at time.Time) error
}

// MessageRepository はメッセージの永続化インターフェース。
type MessageRepository interface {
	// Create はメッセージを作成する。IDとCreatedAtは呼び出し側で設定済みであること。
	Create(ctx context.Context, msg *model.Message) error

	// ListByChannel はチャンネルのメッセージをcreated_at降順で最大limit件返す。
	// beforeがゼロ値でない場合はbeforeより厳密に古いものだけを返す。
	// SenderNameはusersテーブルから解決し、存在しない場合は空文字列とする。
	ListByChannel(ctx context.Context, channelID string, before time.Time, limit int) ([]*model.Message, error)
}

// ActivityRepository はアクティビティイベントの追記専用インターフェース。
type ActivityRepository interface {
	// Append はイベントを1件追記する。
	Append(ctx context.Context, event *model.ActivityEvent) error
}
