// Package realtimetest はrealtimeパッケージを使うテスト向けのインメモリTransportを提供する。
package realtimetest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/chatrelay/internal/model"
	"github.com/hitoshi/chatrelay/internal/realtime"
)

// Transport は書き込まれたテキストフレームを記録するrealtime.Transport。
type Transport struct {
	mu      sync.Mutex
	inbound chan []byte
	written [][]byte
	closed  bool
	closeCh chan struct{}
}

var _ realtime.Transport = (*Transport)(nil)

// NewTransport はTransportを生成する。
func NewTransport() *Transport {
	return &Transport{
		inbound: make(chan []byte, 64),
		closeCh: make(chan struct{}),
	}
}

// Push はクライアントから届いたフレームとしてrawを積む。
func (t *Transport) Push(raw []byte) {
	t.inbound <- raw
}

func (t *Transport) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-t.inbound:
		return websocket.TextMessage, raw, nil
	case <-t.closeCh:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (t *Transport) WriteMessage(messageType int, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("use of closed connection")
	}
	if messageType == websocket.TextMessage {
		t.written = append(t.written, data)
	}
	return nil
}

func (t *Transport) SetReadDeadline(time.Time) error   { return nil }
func (t *Transport) SetWriteDeadline(time.Time) error  { return nil }
func (t *Transport) SetPongHandler(func(string) error) {}
func (t *Transport) SetReadLimit(int64)                {}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.closeCh)
	}
	return nil
}

// Closed はトランスポートが閉じられたかを返す。
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Frames は書き込まれたフレームをデコードして返す。
func (t *Transport) Frames() []realtime.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]realtime.Frame, 0, len(t.written))
	for _, raw := range t.written {
		var f realtime.Frame
		if err := json.Unmarshal(raw, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// Events は書き込まれたフレームのイベント名を順に返す。
func (t *Transport) Events() []string {
	frames := t.Frames()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

// WaitForFrames はn件以上のフレームが書き込まれるまで待ち、全フレームを返す。
func (t *Transport) WaitForFrames(tb testing.TB, n int) []realtime.Frame {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		frames := t.Frames()
		if len(frames) >= n {
			return frames
		}
		if time.Now().After(deadline) {
			tb.Fatalf("timed out waiting for %d frames, got %d: %v", n, len(frames), t.Events())
		}
		time.Sleep(time.Millisecond)
	}
}

// NewConn はTransportに接続されたConnを生成してWritePumpを起動する。
// テスト終了時に接続を閉じる。
func NewConn(tb testing.TB, id string, identity model.Identity, bufferSize int) (*realtime.Conn, *Transport) {
	tb.Helper()
	tr := NewTransport()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	conn := realtime.NewConn(id, identity, tr, bufferSize, logger)

	cfg := realtime.DefaultPumpConfig()
	cfg.PingInterval = time.Hour
	go conn.WritePump(cfg)
	tb.Cleanup(conn.Close)
	return conn, tr
}

// Decode はフレームのdataをvにデコードする。
func Decode(tb testing.TB, f realtime.Frame, v any) {
	tb.Helper()
	if err := json.Unmarshal(f.Data, v); err != nil {
		tb.Fatalf("failed to decode %s data: %v", f.Event, err)
	}
}
