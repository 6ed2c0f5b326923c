// Package realtime はライブ接続のレジストリ、ワイヤプロトコル、配信を提供する。
//
// フレームはJSON {"event": <name>, "data": {...}} の形式を取る。
// 受信イベントはJoinChannel, LeaveChannel, SendMessageの閉じた集合にデコードされ、
// それ以外のイベント名はErrUnknownEventとして呼び出し側で無視される。
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hitoshi/chatrelay/internal/model"
)

// 受信イベント名。
const (
	EventJoinChannel  = "joinChannel"
	EventLeaveChannel = "leaveChannel"
	EventSendMessage  = "sendMessage"
)

// 送信イベント名。
const (
	EventConnected  = "connected"
	EventUserJoined = "user_joined"
	EventUserLeft   = "user_left"
	EventNewMessage = "newMessage"
	EventError      = "error"
)

// ErrUnknownEvent は受け付けないイベント名を表す。
var ErrUnknownEvent = errors.New("unknown event")

// Frame はワイヤ上の1フレーム。
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound はクライアントから受け付けるイベントの閉じた集合。
type Inbound interface {
	isInbound()
}

// JoinChannel はチャンネル参加要求。
type JoinChannel struct {
	ChannelID string `json:"channelId"`
}

// LeaveChannel はチャンネル退出要求。
type LeaveChannel struct {
	ChannelID string `json:"channelId"`
}

// SendMessage はメッセージ送信要求。Typeが空の場合はtextとして扱う。
type SendMessage struct {
	ChannelID string `json:"channelId"`
	Content   string `json:"content"`
	Type      string `json:"type,omitempty"`
}

func (JoinChannel) isInbound()  {}
func (LeaveChannel) isInbound() {}
func (SendMessage) isInbound()  {}

// DecodeInbound は受信フレームをデコードする。
// 未知のイベントはErrUnknownEvent、既知のイベントでペイロードが不正な場合はVALIDATION_ERRORを返す。
func DecodeInbound(raw []byte) (Inbound, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, model.NewValidationError("malformed frame")
	}

	var target Inbound
	switch f.Event {
	case EventJoinChannel:
		var v JoinChannel
		if err := decodeData(f.Data, &v); err != nil {
			return nil, err
		}
		target = v
	case EventLeaveChannel:
		var v LeaveChannel
		if err := decodeData(f.Data, &v); err != nil {
			return nil, err
		}
		target = v
	case EventSendMessage:
		var v SendMessage
		if err := decodeData(f.Data, &v); err != nil {
			return nil, err
		}
		target = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
	return target, nil
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return model.NewValidationError("missing event data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return model.NewValidationError("malformed event data")
	}
	return nil
}

// ConnectedIdentity はconnectedイベントで返す接続自身のIdentity。
type ConnectedIdentity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ConnectedPayload はconnectedイベントのペイロード。
type ConnectedPayload struct {
	ConnectionID string            `json:"connectionId"`
	Identity     ConnectedIdentity `json:"identity"`
}

// MembershipPayload はuser_joined / user_leftイベントのペイロード。
type MembershipPayload struct {
	ChannelID string        `json:"channelId"`
	User      model.UserRef `json:"user"`
}

// NewMessagePayload はnewMessageイベントのペイロード。
type NewMessagePayload struct {
	Message model.MessageView `json:"message"`
}

// ErrorPayload はerrorイベントのペイロード。
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Encode はイベント名とペイロードを1フレームにエンコードする。
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// ErrorFrame はerrをerrorイベントのフレームに変換する。
// APIError以外は内部エラーとして詳細を伏せる。
func ErrorFrame(err error) []byte {
	payload := ErrorPayload{Message: "Internal error"}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		payload = ErrorPayload{Message: apiErr.Message, Code: apiErr.Code}
	}
	frame, _ := Encode(EventError, payload)
	return frame
}
