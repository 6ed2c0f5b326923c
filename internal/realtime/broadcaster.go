package realtime

import (
	"context"
	"log/slog"
)

// Relay は他のプロセスインスタンスへフレームを転送するバックプレーン。
type Relay interface {
	Publish(ctx context.Context, channelID string, frame []byte) error
	// PublishLeave は他インスタンスのルームからもidentityIDの接続を外させる。
	PublishLeave(ctx context.Context, channelID, identityID string) error
}

// Broadcaster はイベントを1度だけエンコードし、ローカルのルームへ配信したうえで
// Relayが設定されていれば他インスタンスへも転送する。
type Broadcaster struct {
	registry *Registry
	relay    Relay
	logger   *slog.Logger
}

// NewBroadcaster はBroadcasterを生成する。relayがnilの場合はプロセス内配信のみ行う。
func NewBroadcaster(registry *Registry, relay Relay, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, relay: relay, logger: logger}
}

// Publish はイベントをチャンネルの全購読者に配信し、ローカルで配信できた数を返す。
// 個々の購読者への配信失敗やRelayの失敗は呼び出し側のエラーにしない。
func (b *Broadcaster) Publish(ctx context.Context, channelID, event string, data any) int {
	frame, err := Encode(event, data)
	if err != nil {
		b.logger.Error("failed to encode broadcast",
			slog.String("event", event),
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
		return 0
	}

	n := b.registry.Deliver(channelID, frame)

	if b.relay != nil {
		if err := b.relay.Publish(ctx, channelID, frame); err != nil {
			b.logger.Warn("relay publish failed",
				slog.String("event", event),
				slog.String("channel_id", channelID),
				slog.String("error", err.Error()),
			)
		}
	}
	return n
}

// LeaveIdentity はidentityIDの全接続をローカルのルームから外し、
// Relayが設定されていれば他インスタンスにも同じ退出を適用させる。
// ライブのルームは全インスタンスで永続メンバーの部分集合に保つ。
func (b *Broadcaster) LeaveIdentity(ctx context.Context, identityID, channelID string) []*Conn {
	removed := b.registry.LeaveIdentity(identityID, channelID)

	if b.relay != nil {
		if err := b.relay.PublishLeave(ctx, channelID, identityID); err != nil {
			b.logger.Warn("relay leave failed",
				slog.String("channel_id", channelID),
				slog.String("user_id", identityID),
				slog.String("error", err.Error()),
			)
		}
	}
	return removed
}

// Registry は配信先のRegistryを返す。
func (b *Broadcaster) Registry() *Registry {
	return b.registry
}
