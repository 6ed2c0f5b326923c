// Package fanout はメッセージの受け付け、永続化、チャンネル購読者への配信を提供する。
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chatrelay/internal/metrics"
	"github.com/hitoshi/chatrelay/internal/model"
	"github.com/hitoshi/chatrelay/internal/realtime"
	"github.com/hitoshi/chatrelay/internal/repository"
	"github.com/hitoshi/chatrelay/internal/security"
	"github.com/hitoshi/chatrelay/internal/worker/activity"
)

// DefaultMaxMessageLength はメッセージ本文の最大文字数（rune単位）のデフォルト値。
const DefaultMaxMessageLength = 4000

// SendRequest はメッセージ送信要求。Typeが空の場合はtextとして扱う。
type SendRequest struct {
	ChannelID string
	Content   string
	Type      model.MessageType
}

// Config はEngineの設定。
type Config struct {
	MaxMessageLength int
}

// Engine はメッセージ送信を処理する。
// 同一チャンネルの送信・参加・退出はRegistryのチャンネルロックで直列化される。
type Engine struct {
	channels    repository.ChannelRepository
	messages    repository.MessageRepository
	registry    *realtime.Registry
	broadcaster *realtime.Broadcaster
	activity    activity.Recorder
	sanitizer   security.ContentSanitizerService
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	config      Config
	now         func() time.Time

	// lastAt はチャンネルごとに最後に払い出したcreatedAt。
	lastMu sync.Mutex
	lastAt map[string]time.Time
}

// NewEngine はEngineを生成する。
func NewEngine(
	channels repository.ChannelRepository,
	messages repository.MessageRepository,
	broadcaster *realtime.Broadcaster,
	recorder activity.Recorder,
	sanitizer security.ContentSanitizerService,
	m metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Engine {
	if config.MaxMessageLength <= 0 {
		config.MaxMessageLength = DefaultMaxMessageLength
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Engine{
		channels:    channels,
		messages:    messages,
		registry:    broadcaster.Registry(),
		broadcaster: broadcaster,
		activity:    recorder,
		sanitizer:   sanitizer,
		metrics:     m,
		logger:      logger,
		config:      config,
		now:         time.Now,
		lastAt:      make(map[string]time.Time),
	}
}

// nextCreatedAt はチャンネル内で単調増加するcreatedAtを払い出す。
// 時計が戻った場合や同一マイクロ秒内の送信では直前の値に1µs加える。
// チャンネルロックを保持した状態で呼ぶ。
func (e *Engine) nextCreatedAt(channelID string) time.Time {
	at := e.now().UTC().Truncate(time.Microsecond)

	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	if last, ok := e.lastAt[channelID]; ok && !at.After(last) {
		at = last.Add(time.Microsecond)
	}
	e.lastAt[channelID] = at
	return at
}

// Send はメッセージを検証・永続化し、チャンネルの購読者へnewMessageを配信する。
//
// 処理順序:
//  1. メッセージを永続化する（失敗時はPERSISTENCE_ERRORで終了し、配信しない）
//  2. チャンネルのlast_message_atを更新する
//  3. messageアクティビティを記録する
//  4. ルームの全接続へnewMessageを配信する
//
// 2と3の失敗はログに残すのみで、メッセージは配信される。
func (e *Engine) Send(ctx context.Context, identity model.Identity, req SendRequest) (*model.Message, error) {
	start := time.Now()

	if err := model.ValidateID("channelId", req.ChannelID); err != nil {
		return nil, err
	}
	msgType := req.Type
	if msgType == "" {
		msgType = model.MessageTypeText
	}
	if !msgType.Valid() {
		return nil, model.NewValidationError("type must be one of text, file, system")
	}

	content := e.sanitizer.Sanitize(req.Content)
	if msgType == model.MessageTypeText && content == "" {
		return nil, model.NewEmptyMessageError()
	}
	if security.RuneLength(content) > e.config.MaxMessageLength {
		return nil, model.NewMessageTooLongError(e.config.MaxMessageLength)
	}

	unlock := e.registry.Lock(req.ChannelID)
	defer unlock()

	exists, err := e.channels.Exists(ctx, req.ChannelID)
	if err != nil {
		return nil, model.NewPersistenceError("load channel", err)
	}
	if !exists {
		return nil, model.NewChannelNotFoundError(req.ChannelID)
	}

	msg := &model.Message{
		ID:         uuid.NewString(),
		ChannelID:  req.ChannelID,
		SenderID:   identity.ID,
		SenderName: identity.DisplayName,
		Content:    content,
		Type:       msgType,
		CreatedAt:  e.nextCreatedAt(req.ChannelID),
	}

	// 1. 永続化
	if err := e.messages.Create(ctx, msg); err != nil {
		return nil, model.NewPersistenceError("send message", err)
	}
	e.metrics.RecordMessageSent()

	// 2. last_message_at（ベストエフォート）
	if err := e.channels.UpdateLastMessageAt(ctx, msg.ChannelID, msg.CreatedAt); err != nil {
		e.logger.Warn("last_message_atの更新に失敗しました",
			slog.String("channel_id", msg.ChannelID),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
	}

	// 3. アクティビティ（非同期）
	e.activity.Record(activity.MessageEvent(msg))

	// 4. 配信
	e.broadcaster.Publish(ctx, msg.ChannelID, realtime.EventNewMessage, realtime.NewMessagePayload{
		Message: msg.View(),
	})

	e.metrics.RecordSendLatency(time.Since(start))
	return msg, nil
}
