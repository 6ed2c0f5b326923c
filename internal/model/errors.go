package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// HTTPレスポンスとWebSocketのerrorイベントの両方で使用する。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, channel, system
	Action   string // クライアント向け対処方法
	Err      error  // 原因（ログ用、クライアントには返さない）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeAuthentication   = "AUTHENTICATION_FAILED"
	ErrCodeChannelNotFound  = "CHANNEL_NOT_FOUND"
	ErrCodeEmptyMessage     = "EMPTY_MESSAGE"
	ErrCodeMessageTooLong   = "MESSAGE_TOO_LONG"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodePersistence      = "PERSISTENCE_ERROR"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	ErrCodeRateLimited      = "RATE_LIMITED"
)

// NewAuthenticationError は認証失敗エラーを生成する。
func NewAuthenticationError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeAuthentication,
		Message:  "Authentication error",
		Category: "auth",
		Action:   "有効なトークンで再接続してください。",
		Err:      err,
	}
}

// NewChannelNotFoundError はチャンネル未検出エラーを生成する。
func NewChannelNotFoundError(channelID string) *APIError {
	return &APIError{
		Code:     ErrCodeChannelNotFound,
		Message:  "Channel not found",
		Category: "channel",
		Action:   fmt.Sprintf("チャンネルID %s を確認してください。", channelID),
	}
}

// NewEmptyMessageError は空メッセージエラーを生成する。
func NewEmptyMessageError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyMessage,
		Message:  "Empty message",
		Category: "validation",
		Action:   "メッセージ本文を入力してください。",
	}
}

// NewMessageTooLongError はメッセージ長超過エラーを生成する。
func NewMessageTooLongError(max int) *APIError {
	return &APIError{
		Code:     ErrCodeMessageTooLong,
		Message:  fmt.Sprintf("Message exceeds %d characters", max),
		Category: "validation",
		Action:   "メッセージを短くしてください。",
	}
}

// NewValidationError は入力値の検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: "validation",
		Action:   "リクエストの形式を確認してください。",
	}
}

// NewPersistenceError は永続化失敗エラーを生成する。
// 原因はログにのみ記録し、クライアントには一般的なメッセージを返す。
func NewPersistenceError(op string, err error) *APIError {
	return &APIError{
		Code:     ErrCodePersistence,
		Message:  fmt.Sprintf("Failed to %s", op),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      err,
	}
}

// NewStoreUnavailableError はストア停止中エラーを生成する。
func NewStoreUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "Database not connected",
		Category: "system",
		Action:   "しばらく待ってから再接続してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// IsCode はerrがcodeを持つAPIErrorかどうかを判定する。
func IsCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
