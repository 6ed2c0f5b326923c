// Package activity はアクティビティイベントの非同期記録を提供する。
//
// Logは有界キューと固定数のワーカーで構成される投げっぱなしのシンクで、
// 記録の失敗や破棄は呼び出し元に返さず、ログとメトリクスにのみ報告する。
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chatrelay/internal/metrics"
	"github.com/hitoshi/chatrelay/internal/model"
	"github.com/hitoshi/chatrelay/internal/repository"
)

// Recorder はアクティビティを記録するインターフェース。
// Recordはブロックせず、失敗を返さない。
type Recorder interface {
	Record(event model.ActivityEvent)
}

// Config はLogの設定。
type Config struct {
	QueueSize    int
	Workers      int
	WriteTimeout time.Duration
}

// Log はActivityRepositoryへの書き込みをバックグラウンドで行うRecorder。
type Log struct {
	repo    repository.ActivityRepository
	config  Config
	metrics metrics.MetricsCollector
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan model.ActivityEvent
}

var _ Recorder = (*Log)(nil)

// NewLog はLogを生成する。QueueSizeとWorkersが0以下の場合はデフォルト値を使用する。
func NewLog(repo repository.ActivityRepository, config Config, m metrics.MetricsCollector, logger *slog.Logger) *Log {
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Log{
		repo:    repo,
		config:  config,
		metrics: m,
		logger:  logger,
		queue:   make(chan model.ActivityEvent, config.QueueSize),
	}
}

// Record はイベントをキューに積む。IDとCreatedAtが未設定の場合はここで付与する。
// キューが満杯、またはClose後の場合はイベントを破棄する。
func (l *Log) Record(event model.ActivityEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		l.drop(event, "closed")
		return
	}
	select {
	case l.queue <- event:
	default:
		l.drop(event, "queue full")
	}
}

func (l *Log) drop(event model.ActivityEvent, reason string) {
	l.metrics.RecordActivityDropped()
	l.logger.Warn("アクティビティを破棄しました",
		slog.String("reason", reason),
		slog.String("type", string(event.Kind)),
		slog.String("user_id", event.IdentityID),
		slog.String("channel_id", event.ChannelID),
	)
}

// Run はワーカーを起動し、Closeでキューが閉じられて全件処理し終えるまでブロックする。
// ctxのキャンセル後もキューの残りは書き込む。
func (l *Log) Run(ctx context.Context) error {
	writeCtx := context.WithoutCancel(ctx)

	l.logger.Info("アクティビティワーカーを開始しました",
		slog.Int("workers", l.config.Workers),
		slog.Int("queue_size", l.config.QueueSize),
	)

	var wg sync.WaitGroup
	for i := 0; i < l.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range l.queue {
				l.write(writeCtx, event)
			}
		}()
	}
	wg.Wait()

	l.logger.Info("アクティビティワーカーを停止しました")
	return nil
}

func (l *Log) write(ctx context.Context, event model.ActivityEvent) {
	ctx, cancel := context.WithTimeout(ctx, l.config.WriteTimeout)
	defer cancel()

	if err := l.repo.Append(ctx, &event); err != nil {
		l.metrics.RecordActivityFailure()
		l.logger.Error("アクティビティの記録に失敗しました",
			slog.String("type", string(event.Kind)),
			slog.String("user_id", event.IdentityID),
			slog.String("channel_id", event.ChannelID),
			slog.String("error", err.Error()),
		)
	}
}

// Close は新規の受け付けを止め、キューを閉じる。Runは残りを書き終えてから戻る。
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.queue)
}

// JoinEvent はjoinイベントを生成する。
func JoinEvent(identity model.Identity, channelID string) model.ActivityEvent {
	return model.ActivityEvent{
		IdentityID: identity.ID,
		ChannelID:  channelID,
		Kind:       model.ActivityJoin,
		Payload:    map[string]any{"message": fmt.Sprintf("%s joined", identity.DisplayName)},
	}
}

// LeaveEvent はleaveイベントを生成する。
func LeaveEvent(identity model.Identity, channelID string) model.ActivityEvent {
	return model.ActivityEvent{
		IdentityID: identity.ID,
		ChannelID:  channelID,
		Kind:       model.ActivityLeave,
		Payload:    map[string]any{"message": fmt.Sprintf("%s left", identity.DisplayName)},
	}
}

// MessageEvent はmessageイベントを生成する。本文は先頭200文字の抜粋のみ保持する。
func MessageEvent(msg *model.Message) model.ActivityEvent {
	return model.ActivityEvent{
		IdentityID: msg.SenderID,
		ChannelID:  msg.ChannelID,
		Kind:       model.ActivityMessage,
		Payload: map[string]any{
			"messageId": msg.ID,
			"snippet":   model.Snippet(msg.Content),
		},
	}
}
