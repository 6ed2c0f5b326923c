package model

import "time"

// MessageType はメッセージ種別を表す。
type MessageType string

const (
	// MessageTypeText はテキストメッセージ（デフォルト）。
	MessageTypeText MessageType = "text"
	// MessageTypeFile はファイル参照メッセージ。
	MessageTypeFile MessageType = "file"
	// MessageTypeSystem はシステムメッセージ。
	MessageTypeSystem MessageType = "system"
)

// Valid はメッセージ種別が既知の値かどうかを返す。
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeFile, MessageTypeSystem:
		return true
	default:
		return false
	}
}

// Message はチャンネルに投稿されたメッセージを表す。
// 作成後はEditedフラグを除き不変。
type Message struct {
	ID         string
	ChannelID  string
	SenderID   string
	SenderName string // 履歴取得時にusersからJOINで解決される
	Content    string
	Type       MessageType
	CreatedAt  time.Time
	Edited     bool
}

// MessageSender はメッセージ送信者の表示用情報。
type MessageSender struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MessageView はクライアントへ返すメッセージの表現。
// リアルタイム配信と履歴APIで同じスキーマを共有する。
type MessageView struct {
	ID        string        `json:"id"`
	Channel   string        `json:"channel"`
	Sender    MessageSender `json:"sender"`
	Content   string        `json:"content"`
	Type      MessageType   `json:"type"`
	CreatedAt time.Time     `json:"createdAt"`
	Edited    bool          `json:"edited"`
}

// View はMessageをMessageViewに変換する。
func (m *Message) View() MessageView {
	return MessageView{
		ID:        m.ID,
		Channel:   m.ChannelID,
		Sender:    MessageSender{ID: m.SenderID, Name: m.SenderName},
		Content:   m.Content,
		Type:      m.Type,
		CreatedAt: m.CreatedAt,
		Edited:    m.Edited,
	}
}
