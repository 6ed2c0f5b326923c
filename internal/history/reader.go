// Package history はチャンネルのメッセージ履歴のカーソルページネーションを提供する。
package history

import (
	"context"
	"strconv"
	"time"

	"github.com/hitoshi/chatrelay/internal/model"
	"github.com/hitoshi/chatrelay/internal/repository"
)

const (
	// DefaultLimit はlimit未指定時の取得件数。
	DefaultLimit = 50
	// MaxLimit は1回で取得できる最大件数。
	MaxLimit = 100
)

// Reader はメッセージ履歴の読み取りサービス。ライブ配信とは独立した時点読み取りを行う。
type Reader struct {
	channels repository.ChannelRepository
	messages repository.MessageRepository
}

// NewReader はReaderを生成する。
func NewReader(channels repository.ChannelRepository, messages repository.MessageRepository) *Reader {
	return &Reader{channels: channels, messages: messages}
}

// ListMessages はbeforeより厳密に古いメッセージのうち新しいものからlimit件を取り、
// 古い順（createdAt昇順）に並べ替えて返す。beforeがゼロ値の場合は最新から取得する。
func (r *Reader) ListMessages(ctx context.Context, channelID string, limit int, before time.Time) ([]*model.Message, error) {
	if err := model.ValidateID("channelId", channelID); err != nil {
		return nil, err
	}

	exists, err := r.channels.Exists(ctx, channelID)
	if err != nil {
		return nil, model.NewPersistenceError("load channel", err)
	}
	if !exists {
		return nil, model.NewChannelNotFoundError(channelID)
	}

	msgs, err := r.messages.ListByChannel(ctx, channelID, before, ClampLimit(limit))
	if err != nil {
		return nil, model.NewPersistenceError("load messages", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ClampLimit はlimitを1〜MaxLimitの範囲に収める。0以下はDefaultLimitとして扱う。
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// ParseLimit はクエリ文字列のlimitを解釈する。数値でない場合はDefaultLimitを返す。
func ParseLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return DefaultLimit
	}
	return ClampLimit(n)
}

// ParseBefore はクエリ文字列のbeforeを解釈する。
// 空または日時として解釈できない値はゼロ値（カーソルなし）として扱う。
func ParseBefore(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z07:00", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
