package model

import "time"

// Channel はチャットチャンネルを表す。
// MemberIDsは永続的なメンバーシップであり、接続中かどうかとは無関係。
type Channel struct {
	ID            string
	Name          string
	Description   string
	MemberIDs     []string
	CreatedBy     string
	CreatedAt     time.Time
	LastMessageAt *time.Time
}

// MembershipResult はJoin/Leaveの結果を表す。
type MembershipResult struct {
	ChannelID string
	Identity  Identity
	// Changed は永続メンバーシップが実際に変化した場合にtrue。
	Changed bool
}
