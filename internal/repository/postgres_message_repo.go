package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/chatrelay/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

var _ MessageRepository = (*PostgresMessageRepo)(nil)

// Create はメッセージを作成する。
func (r *PostgresMessageRepo) Create(ctx context.Context, msg *model.Message) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, sender_id, content, type, created_at, edited)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ChannelID, msg.SenderID, msg.Content, string(msg.Type), msg.CreatedAt, msg.Edited,
	)
	if err != nil {
		return fmt.Errorf("メッセージの作成に失敗しました: %w", err)
	}
	return nil
}

// ListByChannel はチャンネルのメッセージをcreated_at降順で取得する。
// 同一時刻のメッセージはIDの降順で並べ、ページ境界を安定させる。
func (r *PostgresMessageRepo) ListByChannel(ctx context.Context, channelID string, before time.Time, limit int) ([]*model.Message, error) {
	query := `
		SELECT m.id, m.channel_id, m.sender_id, COALESCE(u.name, ''), m.content, m.type,
		       m.created_at, m.edited
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.channel_id = $1`

	args := []interface{}{channelID}
	argIndex := 2

	if !before.IsZero() {
		query += fmt.Sprintf(" AND m.created_at < $%d", argIndex)
		args = append(args, before)
		argIndex++
	}

	query += fmt.Sprintf(" ORDER BY m.created_at DESC, m.id DESC LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("メッセージ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		msg := &model.Message{}
		var msgType string
		if err := rows.Scan(
			&msg.ID, &msg.ChannelID, &msg.SenderID, &msg.SenderName, &msg.Content, &msgType,
			&msg.CreatedAt, &msg.Edited,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Type = model.MessageType(msgType)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	return messages, nil
}
