// Package backplane は複数インスタンス間でブロードキャストを中継する。
// PostgreSQLのLISTEN/NOTIFYをメッセージバスとして使う。
package backplane

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/chatrelay/internal/realtime"
)

// MaxNotifyPayload はNOTIFYペイロードの上限バイト数。
// PostgreSQLは8000バイト以上のペイロードを拒否する。
const MaxNotifyPayload = 7999

// ErrPayloadTooLarge はエンベロープがNOTIFYの上限を超えたことを表す。
// 該当フレームはローカルにのみ配信される。
var ErrPayloadTooLarge = errors.New("backplane payload exceeds NOTIFY limit")

// Notifier はpg_notifyを発行するためのインターフェース。*sql.DBが実装する。
type Notifier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Deliverer はローカルのルームへの配信と退出を行う。*realtime.Registryが実装する。
type Deliverer interface {
	Deliver(channelID string, frame []byte) int
	LeaveIdentity(identityID, channelID string) []*realtime.Conn
}

// Listener はNOTIFYの受信口。*pq.Listenerが実装する。
type Listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// envelopeの種類。空はフレームの配信。
const (
	kindFrame = ""
	kindLeave = "leave"
)

// envelope はインスタンス間で交換する1件の通知。
// kindがleaveの場合はPayloadを持たず、IdentityIDの接続をルームから外す。
type envelope struct {
	Origin     string          `json:"origin"`
	Kind       string          `json:"kind,omitempty"`
	ChannelID  string          `json:"channelId"`
	IdentityID string          `json:"identityId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// PostgresRelay はrealtime.Relayの実装。
// 自インスタンスが発行した通知はoriginで識別して再配信しない。
type PostgresRelay struct {
	db           Notifier
	channel      string
	origin       string
	local        Deliverer
	logger       *slog.Logger
	pingInterval time.Duration
}

var _ realtime.Relay = (*PostgresRelay)(nil)

// NewPostgresRelay はPostgresRelayを生成する。channelはLISTEN/NOTIFYのチャネル名。
func NewPostgresRelay(db Notifier, channel string, local Deliverer, logger *slog.Logger) *PostgresRelay {
	return &PostgresRelay{
		db:           db,
		channel:      channel,
		origin:       uuid.NewString(),
		local:        local,
		logger:       logger,
		pingInterval: 90 * time.Second,
	}
}

// Origin は自インスタンスの識別子を返す。
func (r *PostgresRelay) Origin() string {
	return r.origin
}

// Publish はフレームを他インスタンスへ通知する。
func (r *PostgresRelay) Publish(ctx context.Context, channelID string, frame []byte) error {
	return r.notify(ctx, envelope{Origin: r.origin, Kind: kindFrame, ChannelID: channelID, Payload: frame})
}

// PublishLeave は他インスタンスにidentityIDの接続をチャンネルのルームから外させる。
func (r *PostgresRelay) PublishLeave(ctx context.Context, channelID, identityID string) error {
	return r.notify(ctx, envelope{Origin: r.origin, Kind: kindLeave, ChannelID: channelID, IdentityID: identityID})
}

func (r *PostgresRelay) notify(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if len(data) > MaxNotifyPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}

	if _, err := r.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", r.channel, string(data)); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}

// NewListener はdsnに接続するpq.Listenerを生成する。
// 切断時はpq側で再接続し、状態の変化をログに出力する。
func NewListener(dsn string, logger *slog.Logger) *pq.Listener {
	return pq.NewListener(dsn, 1*time.Second, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			msg := "disconnected"
			if err != nil {
				msg = err.Error()
			}
			logger.Warn("バックプレーンのリスナーが切断されました", slog.String("error", msg))
		case pq.ListenerEventReconnected:
			logger.Info("バックプレーンのリスナーが再接続しました")
		}
	})
}

// Run はlistenerで受信した他インスタンスの通知をローカルのルームへ配信する。
// ctxがキャンセルされるまでブロックし、終了時にlistenerを閉じる。
func (r *PostgresRelay) Run(ctx context.Context, listener Listener) error {
	defer listener.Close()

	if err := listener.Listen(r.channel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.channel, err)
	}
	r.logger.Info("backplane listening",
		slog.String("channel", r.channel),
		slog.String("origin", r.origin),
	)

	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	notifications := listener.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			// 再接続直後はnilが届く。その間の通知は失われている
			if n == nil {
				continue
			}
			r.handle([]byte(n.Extra))
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				r.logger.Warn("backplane ping failed", slog.String("error", err.Error()))
			}
		}
	}
}

// handle は1件の通知をデコードし、他インスタンス由来であればローカル配信する。
func (r *PostgresRelay) handle(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Warn("discarding malformed backplane payload", slog.String("error", err.Error()))
		return
	}
	if env.Origin == r.origin || env.ChannelID == "" {
		return
	}

	switch env.Kind {
	case kindFrame:
		r.local.Deliver(env.ChannelID, env.Payload)
	case kindLeave:
		if env.IdentityID == "" {
			return
		}
		removed := r.local.LeaveIdentity(env.IdentityID, env.ChannelID)
		if len(removed) > 0 {
			r.logger.Debug("applied remote leave",
				slog.String("channel_id", env.ChannelID),
				slog.String("user_id", env.IdentityID),
				slog.Int("connections", len(removed)),
			)
		}
	default:
		r.logger.Warn("discarding unknown backplane envelope", slog.String("kind", env.Kind))
	}
}
