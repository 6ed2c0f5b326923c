// Package gateway はWebSocket接続の受け付けと接続ごとのイベントループを提供する。
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hitoshi/chatrelay/internal/auth"
	"github.com/hitoshi/chatrelay/internal/fanout"
	"github.com/hitoshi/chatrelay/internal/logger"
	"github.com/hitoshi/chatrelay/internal/membership"
	"github.com/hitoshi/chatrelay/internal/metrics"
	"github.com/hitoshi/chatrelay/internal/middleware"
	"github.com/hitoshi/chatrelay/internal/model"
	"github.com/hitoshi/chatrelay/internal/realtime"
)

// MessageLimiter はIdentityごとのメッセージ送信レート制限。
// middleware.RateLimiterが実装する。
type MessageLimiter interface {
	AllowMessage(userID string) bool
}

// Config はGatewayの設定。
type Config struct {
	HandshakeTimeout time.Duration
	EventTimeout     time.Duration
	SendBufferSize   int
	Pump             realtime.PumpConfig
	// AllowedOrigin はカンマ区切りの許可オリジン。空の場合はOriginを検査しない。
	AllowedOrigin string
}

// DefaultConfig はデフォルトの設定を返す。
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		EventTimeout:     10 * time.Second,
		SendBufferSize:   256,
		Pump:             realtime.DefaultPumpConfig(),
	}
}

// Deps はGatewayが必要とする依存関係をまとめた構造体。
type Deps struct {
	Verifier   auth.IdentityVerifier
	Gate       middleware.AvailabilityGate
	Registry   *realtime.Registry
	Membership *membership.Manager
	Fanout     *fanout.Engine
	Limiter    MessageLimiter
	Metrics    metrics.MetricsCollector
	Logger     *slog.Logger
}

// Gateway はハンドシェイクで接続をIdentityにバインドし、受信イベントを各コンポーネントへ振り分ける。
type Gateway struct {
	deps     Deps
	config   Config
	upgrader websocket.Upgrader
	wg       sync.WaitGroup

	mu      sync.Mutex
	closing bool
}

// New はGatewayを生成する。
func New(deps Deps, config Config) *Gateway {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	g := &Gateway{deps: deps, config: config}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: config.HandshakeTimeout,
		CheckOrigin:      g.checkOrigin,
	}
	return g
}

// checkOrigin はブラウザからの接続のOriginを許可リストと照合する。
// Originを送らないクライアント（ネイティブアプリ等）は許可する。
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if g.config.AllowedOrigin == "" || origin == "" {
		return true
	}
	return middleware.OriginAllowed(g.config.AllowedOrigin, origin)
}

// ServeHTTP はハンドシェイクを行う。
// クレデンシャルの検証に失敗した場合はアップグレードせずに401を返し、ルームや状態には一切触れない。
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.deps.Gate != nil && !g.deps.Gate.Available() {
		g.deps.Metrics.RecordHandshake(metrics.HandshakeUnavailable)
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewStoreUnavailableError())
		return
	}

	identity, err := g.authenticate(r)
	if err != nil {
		result := metrics.HandshakeUnauthorized
		if errors.Is(err, context.DeadlineExceeded) {
			result = metrics.HandshakeTimeout
		}
		g.deps.Metrics.RecordHandshake(result)
		g.deps.Logger.Info("handshake rejected",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("result", result),
		)
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthenticationError(err))
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgraderがエラーレスポンスを書き込み済み
		g.deps.Logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	connID := uuid.NewString()
	connLogger := logger.ForConnection(g.deps.Logger, connID, identity.ID)
	conn := realtime.NewConn(connID, identity, ws, g.config.SendBufferSize, connLogger)

	if !g.track() {
		refuseGoingAway(ws)
		return
	}
	if err := g.deps.Registry.Add(conn); err != nil {
		g.wg.Done()
		refuseGoingAway(ws)
		return
	}

	g.deps.Metrics.RecordHandshake(metrics.HandshakeOK)
	g.deps.Metrics.ConnectionOpened()
	connLogger.Info("connected", slog.String("user_name", identity.DisplayName))

	go g.serve(conn)
}

// track はShutdownが待つ対象に接続を1件加える。Shutdown開始後はfalseを返す。
func (g *Gateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.wg.Add(1)
	return true
}

func refuseGoingAway(ws *websocket.Conn) {
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
	ws.Close()
}

type verifyResult struct {
	identity model.Identity
	err      error
}

// authenticate はハンドシェイクのタイムアウト内でクレデンシャルを検証する。
// Verifierがctxを見ずにブロックしても、タイムアウトで打ち切る。
func (g *Gateway) authenticate(r *http.Request) (model.Identity, error) {
	ctx, cancel := context.WithTimeout(r.Context(), g.config.HandshakeTimeout)
	defer cancel()

	token := middleware.BearerToken(r)
	result := make(chan verifyResult, 1)
	go func() {
		identity, err := g.deps.Verifier.Verify(ctx, token)
		result <- verifyResult{identity: identity, err: err}
	}()

	select {
	case res := <-result:
		if res.err == nil && ctx.Err() != nil {
			return model.Identity{}, ctx.Err()
		}
		return res.identity, res.err
	case <-ctx.Done():
		return model.Identity{}, ctx.Err()
	}
}

// serve は1接続のライフサイクルを管理する。
// 永続メンバーシップのルームへ復元してからconnectedを送り、その後受信イベントを逐次処理する。
func (g *Gateway) serve(conn *realtime.Conn) {
	defer g.wg.Done()

	go conn.WritePump(g.config.Pump)

	g.restore(conn)
	conn.Send(realtime.EventConnected, realtime.ConnectedPayload{
		ConnectionID: conn.ID(),
		Identity: realtime.ConnectedIdentity{
			ID:    conn.Identity().ID,
			Name:  conn.Identity().DisplayName,
			Email: conn.Identity().Email,
		},
	})

	conn.ReadPump(g.config.Pump, func(raw []byte) {
		g.dispatch(conn, raw)
	})

	rooms := g.deps.Membership.Disconnect(conn)
	g.deps.Metrics.ConnectionClosed()
	conn.Logger().Info("disconnected", slog.Int("rooms", len(rooms)))
}

func (g *Gateway) restore(conn *realtime.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.EventTimeout)
	defer cancel()

	channelIDs, err := g.deps.Membership.Restore(ctx, conn)
	if err != nil {
		conn.Logger().Warn("failed to restore memberships", slog.String("error", err.Error()))
		conn.SendError(err)
		return
	}
	if len(channelIDs) > 0 {
		conn.Logger().Debug("memberships restored", slog.Int("rooms", len(channelIDs)))
	}
}

// dispatch は受信フレームを1件処理する。
// 処理中のエラーはerrorイベントとして送信元にだけ返し、接続は維持する。
func (g *Gateway) dispatch(conn *realtime.Conn, raw []byte) {
	event, err := realtime.DecodeInbound(raw)
	if err != nil {
		if errors.Is(err, realtime.ErrUnknownEvent) {
			conn.Logger().Debug("ignoring unknown event", slog.String("error", err.Error()))
			return
		}
		conn.SendError(err)
		return
	}

	if g.deps.Gate != nil && !g.deps.Gate.Available() {
		conn.SendError(model.NewStoreUnavailableError())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.config.EventTimeout)
	defer cancel()

	switch e := event.(type) {
	case realtime.JoinChannel:
		_, err = g.deps.Membership.Join(ctx, conn, e.ChannelID)
	case realtime.LeaveChannel:
		_, err = g.deps.Membership.Leave(ctx, conn, e.ChannelID)
	case realtime.SendMessage:
		err = g.send(ctx, conn, e)
	}

	if err != nil {
		g.logEventError(conn, err)
		conn.SendError(err)
	}
}

func (g *Gateway) send(ctx context.Context, conn *realtime.Conn, e realtime.SendMessage) error {
	if g.deps.Limiter != nil && !g.deps.Limiter.AllowMessage(conn.Identity().ID) {
		return model.NewRateLimitedError()
	}
	_, err := g.deps.Fanout.Send(ctx, conn.Identity(), fanout.SendRequest{
		ChannelID: e.ChannelID,
		Content:   e.Content,
		Type:      model.MessageType(e.Type),
	})
	return err
}

func (g *Gateway) logEventError(conn *realtime.Conn, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Code != model.ErrCodePersistence {
		conn.Logger().Debug("event rejected", slog.String("code", apiErr.Code))
		return
	}
	conn.Logger().Error("event failed", slog.String("error", err.Error()))
}

// Shutdown は全接続を閉じ、接続ごとのgoroutineの終了を待つ。
// 開始後に届いたハンドシェイクは登録せずに閉じる。
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	g.deps.Registry.Close()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
