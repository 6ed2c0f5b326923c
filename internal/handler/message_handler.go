package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/chatrelay/internal/fanout"
	"github.com/hitoshi/chatrelay/internal/history"
	"github.com/hitoshi/chatrelay/internal/middleware"
	"github.com/hitoshi/chatrelay/internal/model"
)

// maxMessageBodyBytes はPOSTボディの上限バイト数。
const maxMessageBodyBytes = 64 << 10

// HistoryService はメッセージ履歴ハンドラーが必要とするサービスインターフェース。
type HistoryService interface {
	// ListMessages はbeforeより前のメッセージを最大limit件、createdAtの昇順で返す。
	ListMessages(ctx context.Context, channelID string, limit int, before time.Time) ([]*model.Message, error)
}

// MessageSender はメッセージ送信のサービスインターフェース。
// WebSocketのsendMessageと同じ経路で永続化と配信を行う。
type MessageSender interface {
	Send(ctx context.Context, identity model.Identity, req fanout.SendRequest) (*model.Message, error)
}

// MessageHandler はチャンネルメッセージのHTTPハンドラー。
type MessageHandler struct {
	history HistoryService
	sender  MessageSender
}

// NewMessageHandler はMessageHandlerを生成する。
func NewMessageHandler(history HistoryService, sender MessageSender) *MessageHandler {
	return &MessageHandler{
		history: history,
		sender:  sender,
	}
}

// --- リクエスト/レスポンス型 ---

// messageListResponse はメッセージ履歴のレスポンス。
type messageListResponse struct {
	Count    int                 `json:"count"`
	Messages []model.MessageView `json:"messages"`
}

// postMessageRequest はメッセージ投稿リクエストのボディ。
type postMessageRequest struct {
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

// postMessageResponse はメッセージ投稿のレスポンス。
type postMessageResponse struct {
	Message string            `json:"message"`
	Data    model.MessageView `json:"data"`
}

// ListMessages はチャンネルのメッセージ履歴を取得する。
// GET /api/channels/:id/messages?limit=50&before=2024-01-01T00:00:00Z
func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "id")
	limit := history.ParseLimit(r.URL.Query().Get("limit"))
	before := history.ParseBefore(r.URL.Query().Get("before"))

	messages, err := h.history.ListMessages(r.Context(), channelID, limit, before)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	views := make([]model.MessageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, m.View())
	}

	writeJSON(w, http.StatusOK, messageListResponse{Count: len(views), Messages: views})
}

// PostMessage はチャンネルにメッセージを投稿する。
// 接続中のメンバーにはnewMessageとして配信される。
// POST /api/channels/:id/messages
func (h *MessageHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthenticationError(err))
		return
	}

	var req postMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBodyBytes)).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("malformed request body"))
		return
	}

	msg, err := h.sender.Send(r.Context(), identity, fanout.SendRequest{
		ChannelID: chi.URLParam(r, "id"),
		Content:   req.Content,
		Type:      model.MessageType(req.Type),
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, postMessageResponse{
		Message: "Message sent successfully",
		Data:    msg.View(),
	})
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
