package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/chatrelay/internal/model"
)

// PostgresChannelRepo はPostgreSQLを使用したチャンネルリポジトリ。
type PostgresChannelRepo struct {
	db *sql.DB
}

// NewPostgresChannelRepo はPostgresChannelRepoを生成する。
func NewPostgresChannelRepo(db *sql.DB) *PostgresChannelRepo {
	return &PostgresChannelRepo{db: db}
}

var _ ChannelRepository = (*PostgresChannelRepo)(nil)

// FindByID は指定IDのチャンネルをメンバー一覧付きで取得する。見つからない場合はnilを返す。
func (r *PostgresChannelRepo) FindByID(ctx context.Context, id string) (*model.Channel, error) {
	ch := &model.Channel{}
	var createdBy sql.NullString
	var lastMessageAt sql.NullTime
	var members pq.StringArray

	err := r.db.QueryRowContext(ctx, `
		SELECT c.id, c.name, c.description, c.created_by, c.created_at, c.last_message_at,
		       ARRAY(SELECT m.user_id::text FROM channel_members m
		             WHERE m.channel_id = c.id ORDER BY m.joined_at, m.user_id)
		FROM channels c
		WHERE c.id = $1`,
		id,
	).Scan(&ch.ID, &ch.Name, &ch.Description, &createdBy, &ch.CreatedAt, &lastMessageAt, &members)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("チャンネルの取得に失敗しました: %w", err)
	}

	ch.CreatedBy = nullStringValue(createdBy)
	if lastMessageAt.Valid {
		t := lastMessageAt.Time
		ch.LastMessageAt = &t
	}
	ch.MemberIDs = []string(members)
	return ch, nil
}

// Exists はチャンネルが存在するかを返す。
func (r *PostgresChannelRepo) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM channels WHERE id = $1)`,
		id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("チャンネルの存在確認に失敗しました: %w", err)
	}
	return exists, nil
}

// AddMember はメンバーを冪等に追加する。
func (r *PostgresChannelRepo) AddMember(ctx context.Context, channelID, userID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO channel_members (channel_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (channel_id, user_id) DO NOTHING`,
		channelID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("メンバーの追加に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// RemoveMember はメンバーを削除する。
func (r *PostgresChannelRepo) RemoveMember(ctx context.Context, channelID, userID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM channel_members WHERE channel_id = $1 AND user_id = $2`,
		channelID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("メンバーの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ListChannelIDsByMember はユーザーが永続メンバーであるチャンネルIDの一覧を返す。
func (r *PostgresChannelRepo) ListChannelIDsByMember(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT channel_id FROM channel_members WHERE user_id = $1 ORDER BY joined_at, channel_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("所属チャンネル一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan channel id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate channel ids: %w", err)
	}
	return ids, nil
}

// UpdateLastMessageAt はlast_message_atを条件付きで更新する。
// 並行する送信で古い時刻が後から書き込まれても値が巻き戻らない。
func (r *PostgresChannelRepo) UpdateLastMessageAt(ctx context.Context, channelID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE channels SET last_message_at = $2
		 WHERE id = $1 AND (last_message_at IS NULL OR last_message_at <= $2)`,
		channelID, at,
	)
	if err != nil {
		return fmt.Errorf("last_message_atの更新に失敗しました: %w", err)
	}
	return nil
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
