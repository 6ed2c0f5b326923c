package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/chatrelay/internal/model"
)

// PostgresActivityRepo はPostgreSQLを使用したアクティビティリポジトリ。
// 追記のみを行い、更新・削除は提供しない。
type PostgresActivityRepo struct {
	db *sql.DB
}

// NewPostgresActivityRepo はPostgresActivityRepoを生成する。
func NewPostgresActivityRepo(db *sql.DB) *PostgresActivityRepo {
	return &PostgresActivityRepo{db: db}
}

var _ ActivityRepository = (*PostgresActivityRepo)(nil)

// Append はイベントを1件追記する。payloadはJSONBとして保存する。
func (r *PostgresActivityRepo) Append(ctx context.Context, event *model.ActivityEvent) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal activity payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO activities (id, user_id, channel_id, type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.IdentityID, nullString(event.ChannelID), string(event.Kind), string(data), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("アクティビティの記録に失敗しました: %w", err)
	}
	return nil
}
