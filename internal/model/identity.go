// Package model はドメインモデルを定義する。
package model

// Identity は認証済みの利用者を表す。
// IdentityVerifierが生成し、接続の生存期間中は変更されない。
// コアはIdentityを永続化しない。
type Identity struct {
	ID          string
	DisplayName string
	Email       string
}

// UserRef はイベントに埋め込む利用者の最小表現。
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Ref はIdentityからUserRefを生成する。
func (i Identity) Ref() UserRef {
	return UserRef{ID: i.ID, Name: i.DisplayName}
}
