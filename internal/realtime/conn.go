package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/chatrelay/internal/model"
)

// Transport は接続の下位トランスポート。*websocket.Connが満たす。
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

// PumpConfig は読み書きループのタイミング設定。
type PumpConfig struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	MaxFrameSize int64
}

// DefaultPumpConfig はデフォルトのPumpConfigを返す。
func DefaultPumpConfig() PumpConfig {
	return PumpConfig{
		PingInterval: 25 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
		MaxFrameSize: 64 * 1024,
	}
}

// Conn は認証済みの1接続を表す。Identityは接続の生存期間中変わらない。
// 送信は有界のバッファ経由で行い、書き込みは専用のgoroutine（WritePump）だけが行う。
type Conn struct {
	id        string
	identity  model.Identity
	transport Transport
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewConn はConnを生成する。bufferSizeは送信バッファのフレーム数。
func NewConn(id string, identity model.Identity, transport Transport, bufferSize int, logger *slog.Logger) *Conn {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Conn{
		id:        id,
		identity:  identity,
		transport: transport,
		send:      make(chan []byte, bufferSize),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// ID は接続IDを返す。
func (c *Conn) ID() string { return c.id }

// Identity は接続にバインドされたIdentityを返す。
func (c *Conn) Identity() model.Identity { return c.identity }

// Logger は接続スコープのロガーを返す。
func (c *Conn) Logger() *slog.Logger { return c.logger }

// Done は接続が閉じられたときにクローズされるチャネルを返す。
func (c *Conn) Done() <-chan struct{} { return c.done }

// Enqueue はフレームを送信バッファに積む。
// 接続が閉じている、またはバッファが満杯の場合はfalseを返し、ブロックしない。
func (c *Conn) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Send はイベントをエンコードして送信バッファに積む。
func (c *Conn) Send(event string, data any) bool {
	frame, err := Encode(event, data)
	if err != nil {
		c.logger.Error("failed to encode event", slog.String("event", event), slog.String("error", err.Error()))
		return false
	}
	return c.Enqueue(frame)
}

// SendError はエラーをerrorイベントとして送信する。接続は閉じない。
func (c *Conn) SendError(err error) bool {
	return c.Enqueue(ErrorFrame(err))
}

// Close は接続を閉じる。複数回呼んでも安全。
// WritePumpが終了時にトランスポートを閉じ、ReadPumpはその結果エラーで戻る。
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// WritePump は送信バッファのフレームをトランスポートへ書き出す。
// Pingの送出も行う。接続ごとに1つのgoroutineで実行すること。
func (c *Conn) WritePump(cfg PumpConfig) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.transport.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.transport.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.transport.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", slog.String("error", err.Error()))
				c.Close()
				return
			}
		case <-ticker.C:
			c.transport.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.transport.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush(cfg)
			c.transport.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			c.transport.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush はクローズ時点でバッファに残っているフレームを書き出す。
func (c *Conn) flush(cfg PumpConfig) {
	for {
		select {
		case frame := <-c.send:
			c.transport.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.transport.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ReadPump はトランスポートからフレームを読み、handleに順番に渡す。
// handleが戻るまで次のフレームは読まないため、1接続のイベントは逐次処理される。
// 読み込みエラーまたは接続のクローズで戻る。
func (c *Conn) ReadPump(cfg PumpConfig, handle func(raw []byte)) {
	defer c.Close()

	c.transport.SetReadLimit(cfg.MaxFrameSize)
	c.transport.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.transport.SetPongHandler(func(string) error {
		return c.transport.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, raw, err := c.transport.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		c.transport.SetReadDeadline(time.Now().Add(cfg.PongWait))
		handle(raw)
	}
}
