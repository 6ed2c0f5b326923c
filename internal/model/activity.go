package model

import "time"

// ActivityKind はアクティビティイベントの種別を表す。
type ActivityKind string

const (
	ActivityJoin    ActivityKind = "join"
	ActivityLeave   ActivityKind = "leave"
	ActivityMessage ActivityKind = "message"
	ActivityEdit    ActivityKind = "edit"
	ActivityDelete  ActivityKind = "delete"
)

// SnippetLength は監査用に保存するメッセージ抜粋の最大文字数。
const SnippetLength = 200

// ActivityEvent は追記専用のアクティビティ記録を表す。
// 作成後に更新・削除されることはない。
type ActivityEvent struct {
	ID         string
	IdentityID string
	ChannelID  string // 空文字列はチャンネルなしを表す
	Kind       ActivityKind
	Payload    map[string]any
	CreatedAt  time.Time
}

// Snippet はcontentの先頭SnippetLength文字（rune単位）を返す。
func Snippet(content string) string {
	r := []rune(content)
	if len(r) <= SnippetLength {
		return content
	}
	return string(r[:SnippetLength])
}
