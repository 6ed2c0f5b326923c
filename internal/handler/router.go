package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/chatrelay/internal/auth"
	"github.com/hitoshi/chatrelay/internal/metrics"
	"github.com/hitoshi/chatrelay/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Verifier          auth.IdentityVerifier
	StoreGate         middleware.AvailabilityGate
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Metrics           metrics.MetricsCollector
	MetricsHandler    http.Handler
	Logger            *slog.Logger

	// リアルタイム
	Gateway http.Handler

	// メッセージ
	History HistoryService
	Sender  MessageSender
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → StoreGate
//
// /api配下はさらに Auth → RateLimit(General) を通り、POSTはメッセージ送信のレート制限を追加する。
// /wsはハンドシェイクでクレデンシャルを検証するため、Authミドルウェアを通さない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewStoreGateMiddleware(deps.StoreGate))

	// --- 認証不要のルート ---
	r.Get("/health", Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/ws", deps.Gateway)

	// --- 認証が必要なルート ---
	messageHandler := NewMessageHandler(deps.History, deps.Sender)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.Verifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/channels/{id}/messages", messageHandler.ListMessages)
		r.With(deps.RateLimiter.MessageMiddleware()).Post("/api/channels/{id}/messages", messageHandler.PostMessage)
	})

	return r
}
