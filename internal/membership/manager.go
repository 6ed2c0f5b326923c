// Package membership はチャンネルの永続メンバーシップとライブルームへの登録を管理する。
package membership

import (
	"context"
	"log/slog"

	"github.com/hitoshi/chatrelay/internal/model"
	"github.com/hitoshi/chatrelay/internal/realtime"
	"github.com/hitoshi/chatrelay/internal/repository"
	"github.com/hitoshi/chatrelay/internal/worker/activity"
)

// Manager はjoin/leave/再接続時の復元/切断を扱う。
// 永続メンバーシップ（channel_members）とRegistryのライブルームを整合させる。
type Manager struct {
	channels    repository.ChannelRepository
	registry    *realtime.Registry
	broadcaster *realtime.Broadcaster
	activity    activity.Recorder
	logger      *slog.Logger
}

// NewManager はManagerを生成する。
func NewManager(
	channels repository.ChannelRepository,
	broadcaster *realtime.Broadcaster,
	recorder activity.Recorder,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		channels:    channels,
		registry:    broadcaster.Registry(),
		broadcaster: broadcaster,
		activity:    recorder,
		logger:      logger,
	}
}

// Join は接続のIdentityをチャンネルに参加させる。
// 永続メンバーへの追加（冪等）、ルーム登録、アクティビティ記録、user_joinedの配信をこの順で行う。
// user_joinedは参加した接続自身にも届く。
func (m *Manager) Join(ctx context.Context, conn *realtime.Conn, channelID string) (*model.MembershipResult, error) {
	if err := model.ValidateID("channelId", channelID); err != nil {
		return nil, err
	}
	identity := conn.Identity()

	unlock := m.registry.Lock(channelID)
	defer unlock()

	exists, err := m.channels.Exists(ctx, channelID)
	if err != nil {
		return nil, model.NewPersistenceError("load channel", err)
	}
	if !exists {
		return nil, model.NewChannelNotFoundError(channelID)
	}

	added, err := m.channels.AddMember(ctx, channelID, identity.ID)
	if err != nil {
		return nil, model.NewPersistenceError("join channel", err)
	}

	m.registry.Join(conn, channelID)
	m.activity.Record(activity.JoinEvent(identity, channelID))
	m.broadcaster.Publish(ctx, channelID, realtime.EventUserJoined, realtime.MembershipPayload{
		ChannelID: channelID,
		User:      identity.Ref(),
	})

	conn.Logger().Info("joined channel",
		slog.String("channel_id", channelID),
		slog.Bool("new_member", added),
	)

	return &model.MembershipResult{ChannelID: channelID, Identity: identity, Changed: added}, nil
}

// Leave は接続のIdentityをチャンネルから退出させる。
// 非メンバーの退出は何もしない。永続メンバーでなくなるため、同じIdentityの
// このプロセス上の全接続をルームから外し、残りのルームへuser_leftを配信する。
// 要求した接続にもuser_leftを返す。
func (m *Manager) Leave(ctx context.Context, conn *realtime.Conn, channelID string) (*model.MembershipResult, error) {
	if err := model.ValidateID("channelId", channelID); err != nil {
		return nil, err
	}
	identity := conn.Identity()

	unlock := m.registry.Lock(channelID)
	defer unlock()

	removed, err := m.channels.RemoveMember(ctx, channelID, identity.ID)
	if err != nil {
		return nil, model.NewPersistenceError("leave channel", err)
	}

	m.broadcaster.LeaveIdentity(ctx, identity.ID, channelID)
	m.activity.Record(activity.LeaveEvent(identity, channelID))

	payload := realtime.MembershipPayload{ChannelID: channelID, User: identity.Ref()}
	m.broadcaster.Publish(ctx, channelID, realtime.EventUserLeft, payload)
	conn.Send(realtime.EventUserLeft, payload)

	conn.Logger().Info("left channel",
		slog.String("channel_id", channelID),
		slog.Bool("was_member", removed),
	)

	return &model.MembershipResult{ChannelID: channelID, Identity: identity, Changed: removed}, nil
}

// Restore は接続のIdentityが永続メンバーである全チャンネルのルームへ接続を登録する。
// クライアントがjoinChannelを再送しなくても再接続時に元のルームへ戻る。
func (m *Manager) Restore(ctx context.Context, conn *realtime.Conn) ([]string, error) {
	channelIDs, err := m.channels.ListChannelIDsByMember(ctx, conn.Identity().ID)
	if err != nil {
		return nil, model.NewPersistenceError("load memberships", err)
	}

	for _, channelID := range channelIDs {
		unlock := m.registry.Lock(channelID)
		m.registry.Join(conn, channelID)
		unlock()
	}
	return channelIDs, nil
}

// Disconnect は切断された接続を全ルームから外す。永続メンバーシップは変更しない。
func (m *Manager) Disconnect(conn *realtime.Conn) []string {
	return m.registry.Remove(conn)
}
