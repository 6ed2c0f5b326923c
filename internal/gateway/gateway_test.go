package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/chatrelay/internal/auth"
	"github.com/hitoshi/chatrelay/internal/fanout"
	"github.com/hitoshi/chatrelay/internal/membership"
	"github.com/hitoshi/chatrelay/internal/metrics"
	"github.com/hitoshi/chatrelay/internal/model"
	"github.com/hitoshi/chatrelay/internal/realtime"
	"github.com/hitoshi/chatrelay/internal/repository/memory"
	"github.com/hitoshi/chatrelay/internal/security"
	"github.com/hitoshi/chatrelay/internal/worker/activity"
)

const (
	channelA = "0b6f7c3e-1d2a-4e8b-9c4d-5e6f7a8b9c01"
	channelB = "0b6f7c3e-1d2a-4e8b-9c4d-5e6f7a8b9c02"
)

var (
	alice = model.Identity{ID: "a0000000-0000-4000-8000-000000000001", DisplayName: "alice", Email: "alice@example.com"}
	bob   = model.Identity{ID: "b0000000-0000-4000-8000-000000000002", DisplayName: "bob", Email: "bob@example.com"}
)

var tokens = map[string]model.Identity{
	"alice-token": alice,
	"bob-token":   bob,
}

type fakeGate struct {
	down atomic.Bool
}

func (g *fakeGate) Available() bool { return !g.down.Load() }

type fakeLimiter struct {
	deny atomic.Bool
}

func (l *fakeLimiter) AllowMessage(string) bool { return !l.deny.Load() }

// handshakeMetrics はハンドシェイク結果と接続数を記録する。
type handshakeMetrics struct {
	metrics.Nop
	mu      sync.Mutex
	results []string
	open    atomic.Int64
}

func (m *handshakeMetrics) RecordHandshake(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
}

func (m *handshakeMetrics) ConnectionOpened() { m.open.Add(1) }
func (m *handshakeMetrics) ConnectionClosed() { m.open.Add(-1) }

func (m *handshakeMetrics) handshakes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.results...)
}

type fixture struct {
	store    *memory.Store
	registry *realtime.Registry
	gate     *fakeGate
	limiter  *fakeLimiter
	metrics  *handshakeMetrics
	gateway  *Gateway
	server   *httptest.Server
}

// tokenVerifier はtokensに登録されたトークンだけを受け付ける。
var tokenVerifier = auth.VerifierFunc(func(ctx context.Context, token string) (model.Identity, error) {
	identity, ok := tokens[token]
	if !ok {
		return model.Identity{}, model.NewAuthenticationError(errors.New("unknown token"))
	}
	return identity, nil
})

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, tokenVerifier, nil)
}

// newFixtureWith はVerifierと設定を差し替えたfixtureを生成する。
func newFixtureWith(t *testing.T, verifier auth.IdentityVerifier, configure func(*Config)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	store := memory.NewStore()
	store.PutChannel(&model.Channel{ID: channelA, Name: "general"})
	store.PutChannel(&model.Channel{ID: channelB, Name: "random"})
	store.PutUser(alice.ID, alice.DisplayName)
	store.PutUser(bob.ID, bob.DisplayName)

	m := &handshakeMetrics{}
	registry := realtime.NewRegistry(m, logger)
	broadcaster := realtime.NewBroadcaster(registry, nil, logger)

	activityLog := activity.NewLog(store.ActivityRepo(), activity.Config{}, m, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go activityLog.Run(ctx)

	f := &fixture{
		store:    store,
		registry: registry,
		gate:     &fakeGate{},
		limiter:  &fakeLimiter{},
		metrics:  m,
	}

	cfg := DefaultConfig()
	cfg.Pump.PingInterval = time.Hour
	cfg.AllowedOrigin = "http://localhost:3000"
	if configure != nil {
		configure(&cfg)
	}
	f.gateway = New(Deps{
		Verifier:   verifier,
		Gate:       f.gate,
		Registry:   registry,
		Membership: membership.NewManager(store.Channels(), broadcaster, activityLog, logger),
		Fanout: fanout.NewEngine(store.Channels(), store.MessageRepo(), broadcaster, activityLog,
			security.NewContentSanitizer(), m, logger, fanout.Config{}),
		Limiter: f.limiter,
		Metrics: m,
		Logger:  logger,
	}, cfg)
	f.server = httptest.NewServer(f.gateway)

	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		f.gateway.Shutdown(shutdownCtx)
		f.server.Close()
		activityLog.Close()
		cancel()
	})
	return f
}

func (f *fixture) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(f.server.URL, "http")
	if token != "" {
		u += "?token=" + token
	}
	return u
}

// dial はクライアントとして接続し、connectedイベントを受け取るまで待つ。
func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL(token), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	expectEvent(t, ws, realtime.EventConnected)
	return ws
}

func emit(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ws.WriteJSON(realtime.Frame{Event: event, Data: raw}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) realtime.Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f realtime.Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

// expectEvent は指定イベントが届くまでフレームを読み進める。
func expectEvent(t *testing.T, ws *websocket.Conn, event string) realtime.Frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		f := readFrame(t, ws)
		if f.Event == event {
			return f
		}
	}
	t.Fatalf("event %q not received", event)
	return realtime.Frame{}
}

func decode(t *testing.T, f realtime.Frame, v any) {
	t.Helper()
	if err := json.Unmarshal(f.Data, v); err != nil {
		t.Fatalf("decode %s: %v", f.Event, err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandshake_InvalidToken_RefusedWith401(t *testing.T) {
	f := newFixture(t)

	for _, token := range []string{"", "forged-token"} {
		ws, resp, err := websocket.DefaultDialer.Dial(f.wsURL(token), nil)
		if err == nil {
			ws.Close()
			t.Fatalf("token %q: expected handshake to fail", token)
		}
		if !errors.Is(err, websocket.ErrBadHandshake) {
			t.Fatalf("token %q: err = %v, want ErrBadHandshake", token, err)
		}
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want %d", token, resp.StatusCode, http.StatusUnauthorized)
		}
	}

	if f.registry.Len() != 0 {
		t.Errorf("registry.Len() = %d, want 0", f.registry.Len())
	}
	got := f.metrics.handshakes()
	if len(got) != 2 || got[0] != metrics.HandshakeUnauthorized || got[1] != metrics.HandshakeUnauthorized {
		t.Errorf("handshake results = %v, want two unauthorized", got)
	}
}

// TestHandshake_TimeoutRefused はctxを無視して応答しないVerifierでもタイムアウトで401になることを検証する。
func TestHandshake_TimeoutRefused(t *testing.T) {
	release := make(chan struct{})
	blocking := auth.VerifierFunc(func(context.Context, string) (model.Identity, error) {
		<-release
		return alice, nil
	})
	f := newFixtureWith(t, blocking, func(cfg *Config) {
		cfg.HandshakeTimeout = 50 * time.Millisecond
	})
	t.Cleanup(func() { close(release) })

	start := time.Now()
	ws, resp, err := websocket.DefaultDialer.Dial(f.wsURL("alice-token"), nil)
	if err == nil {
		ws.Close()
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %v, err = %v, want 401", resp, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("handshake took %v, want it cut off near the timeout", elapsed)
	}

	got := f.metrics.handshakes()
	if len(got) != 1 || got[0] != metrics.HandshakeTimeout {
		t.Errorf("handshake results = %v, want [%s]", got, metrics.HandshakeTimeout)
	}
	if f.registry.Len() != 0 {
		t.Errorf("registry.Len() = %d, want 0", f.registry.Len())
	}
}

func TestHandshake_StoreUnavailable_RefusedWith503(t *testing.T) {
	f := newFixture(t)
	f.gate.down.Store(true)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("alice-token"), nil)
	if err == nil {
		t.Fatal("expected handshake to fail while store is down")
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestHandshake_AuthorizationHeader(t *testing.T) {
	f := newFixture(t)

	header := http.Header{}
	header.Set("Authorization", "Bearer bob-token")
	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL(""), header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()

	data := expectEvent(t, ws, realtime.EventConnected)

	// ワイヤ上のキーはconnectionIdとidentity
	var raw map[string]json.RawMessage
	decode(t, data, &raw)
	if _, ok := raw["identity"]; !ok {
		t.Errorf("connected payload keys = %v, want identity", raw)
	}
	if _, ok := raw["user"]; ok {
		t.Error("connected payload must not use the user key")
	}

	var payload realtime.ConnectedPayload
	decode(t, data, &payload)
	if payload.Identity.ID != bob.ID || payload.Identity.Name != "bob" || payload.Identity.Email != bob.Email {
		t.Errorf("connected identity = %+v, want bob", payload.Identity)
	}
	if payload.ConnectionID == "" {
		t.Error("connectionId should not be empty")
	}
}

func TestConnect_RestoresDurableMemberships(t *testing.T) {
	f := newFixture(t)
	if _, err := f.store.Channels().AddMember(context.Background(), channelB, alice.ID); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	f.dial(t, "alice-token")

	if n := len(f.registry.Members(channelB)); n != 1 {
		t.Errorf("members of channelB = %d, want 1", n)
	}
	if n := len(f.registry.Members(channelA)); n != 0 {
		t.Errorf("members of channelA = %d, want 0", n)
	}
	if got := f.metrics.handshakes(); len(got) != 1 || got[0] != metrics.HandshakeOK {
		t.Errorf("handshake results = %v, want [ok]", got)
	}
}

func TestJoinAndSend_BroadcastsToAllMembers(t *testing.T) {
	f := newFixture(t)
	wsAlice := f.dial(t, "alice-token")
	wsBob := f.dial(t, "bob-token")

	emit(t, wsAlice, realtime.EventJoinChannel, realtime.JoinChannel{ChannelID: channelA})
	expectEvent(t, wsAlice, realtime.EventUserJoined)

	emit(t, wsBob, realtime.EventJoinChannel, realtime.JoinChannel{ChannelID: channelA})
	var joined realtime.MembershipPayload
	decode(t, expectEvent(t, wsAlice, realtime.EventUserJoined), &joined)
	if joined.User.ID != bob.ID || joined.ChannelID != channelA {
		t.Errorf("user_joined = %+v, want bob in channelA", joined)
	}
	expectEvent(t, wsBob, realtime.EventUserJoined)

	emit(t, wsAlice, realtime.EventSendMessage, realtime.SendMessage{ChannelID: channelA, Content: "  hello <b>bob</b> "})

	for _, ws := range []*websocket.Conn{wsAlice, wsBob} {
		var payload realtime.NewMessagePayload
		decode(t, expectEvent(t, ws, realtime.EventNewMessage), &payload)
		if payload.Message.Content != "hello bob" {
			t.Errorf("content = %q, want %q", payload.Message.Content, "hello bob")
		}
		if payload.Message.Sender.ID != alice.ID || payload.Message.Sender.Name != "alice" {
			t.Errorf("sender = %+v, want alice", payload.Message.Sender)
		}
		if payload.Message.Type != model.MessageTypeText {
			t.Errorf("type = %q, want text", payload.Message.Type)
		}
	}

	if n := len(f.store.Messages(channelA)); n != 1 {
		t.Errorf("persisted messages = %d, want 1", n)
	}
}

func TestLeave_AcknowledgesAndStopsDelivery(t *testing.T) {
	f := newFixture(t)
	wsAlice := f.dial(t, "alice-token")
	wsBob := f.dial(t, "bob-token")

	for _, ws := range []*websocket.Conn{wsAlice, wsBob} {
		emit(t, ws, realtime.EventJoinChannel, realtime.JoinChannel{ChannelID: channelA})
		expectEvent(t, ws, realtime.EventUserJoined)
	}
	expectEvent(t, wsAlice, realtime.EventUserJoined) // bobの参加

	emit(t, wsBob, realtime.EventLeaveChannel, realtime.LeaveChannel{ChannelID: channelA})
	var left realtime.MembershipPayload
	decode(t, expectEvent(t, wsBob, realtime.EventUserLeft), &left)
	if left.User.ID != bob.ID {
		t.Errorf("user_left ack user = %+v, want bob", left.User)
	}
	decode(t, expectEvent(t, wsAlice, realtime.EventUserLeft), &left)
	if left.User.ID != bob.ID {
		t.Errorf("user_left user = %+v, want bob", left.User)
	}

	emit(t, wsAlice, realtime.EventSendMessage, realtime.SendMessage{ChannelID: channelA, Content: "still here?"})
	expectEvent(t, wsAlice, realtime.EventNewMessage)

	// bobには届かない。次のイベントはbob自身の参加通知になる
	emit(t, wsBob, realtime.EventJoinChannel, realtime.JoinChannel{ChannelID: channelB})
	if f := readFrame(t, wsBob); f.Event != realtime.EventUserJoined {
		t.Errorf("next event for bob = %q, want %q", f.Event, realtime.EventUserJoined)
	}
}

func TestDispatch_ErrorsKeepConnectionOpen(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "alice-token")

	tests := []struct {
		name  string
		event string
		data  any
		code  string
	}{
		{"malformed channel id", realtime.EventJoinChannel, realtime.JoinChannel{ChannelID: "not-a-uuid"}, model.ErrCodeValidation},
		{"missing channel", realtime.EventJoinChannel, realtime.JoinChannel{ChannelID: "0b6f7c3e-1d2a-4e8b-9c4d-5e6f7a8b9cff"}, model.ErrCodeChannelNotFound},
		{"empty message", realtime.EventSendMessage, realtime.SendMessage{ChannelID: channelA, Content: "   "}, model.ErrCodeEmptyMessage},
		{"too long", realtime.EventSendMessage, realtime.SendMessage{ChannelID: channelA, Content: strings.Repeat("あ", fanout.DefaultMaxMessageLength+1)}, model.ErrCodeMessageTooLong},
		{"unknown type", realtime.EventSendMessage, realtime.SendMessage{ChannelID: channelA, Content: "hi", Type: "video"}, model.ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emit(t, ws, tt.event, tt.data)

			var payload realtime.ErrorPayload
			decode(t, expectEvent(t, ws, realtime.EventError), &payload)
			if payload.Code != tt.code {
				t.Errorf("code = %q, want %q", payload.Code, tt.code)
			}
			if payload.Message == "" {
				t.Error("error message should not be empty")
			}
		})
	}

	// 接続は維持されている
	emit(t, ws, realtime.EventJoinChannel, realtime.JoinChannel{ChannelID: channelA})
	expectEvent(t, ws, realtime.EventUserJoined)
}

func TestDispatch_MalformedFrame(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "alice-token")

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"joinChannel","data":`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var payload realtime.ErrorPayload
	decode(t, expectEvent(t, ws, realtime.EventError), &payload)
	if payload.Code != model.ErrCodeValidation {
		t.Errorf("code = %q, want %q", payload.Code, model.ErrCodeValidation)
	}
}

func TestDispatch_UnknownEventIgnored(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "alice-token")

	emit(t, ws, "typing", map[string]string{"channelId": channelA})
	emit(t, ws, realtime.EventJoinChannel, realtime.JoinChannel{ChannelID: channelA})

	if got := readFrame(t, ws); got.Event != realtime.EventUserJoined {
		t.Errorf("next event = %q, want %q (unknown events produce no reply)", got.Event, realtime.EventUserJoined)
	}
}

func TestDispatch_RateLimited(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "alice-token")
	emit(t, ws, realtime.EventJoinChannel, realtime.JoinChannel{ChannelID: channelA})
	expectEvent(t, ws, realtime.EventUserJoined)

	f.limiter.deny.Store(true)
	emit(t, ws, realtime.EventSendMessage, realtime.SendMessage{ChannelID: channelA, Content: "spam"})

	var payload realtime.ErrorPayload
	decode(t, expectEvent(t, ws, realtime.EventError), &payload)
	if payload.Code != model.ErrCodeRateLimited {
		t.Errorf("code = %q, want %q", payload.Code, model.ErrCodeRateLimited)
	}
	if n := len(f.store.Messages(channelA)); n != 0 {
		t.Errorf("persisted messages = %d, want 0", n)
	}
}

func TestDispatch_StoreDownAfterConnect(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "alice-token")

	f.gate.down.Store(true)
	emit(t, ws, realtime.EventJoinChannel, realtime.JoinChannel{ChannelID: channelA})

	var payload realtime.ErrorPayload
	decode(t, expectEvent(t, ws, realtime.EventError), &payload)
	if payload.Code != model.ErrCodeStoreUnavailable {
		t.Errorf("code = %q, want %q", payload.Code, model.ErrCodeStoreUnavailable)
	}

	f.gate.down.Store(false)
	emit(t, ws, realtime.EventJoinChannel, realtime.JoinChannel{ChannelID: channelA})
	expectEvent(t, ws, realtime.EventUserJoined)
}

func TestDisconnect_RemovesFromRoomsButKeepsMembership(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "alice-token")
	emit(t, ws, realtime.EventJoinChannel, realtime.JoinChannel{ChannelID: channelA})
	expectEvent(t, ws, realtime.EventUserJoined)

	ws.Close()

	waitFor(t, func() bool { return f.registry.Len() == 0 }, "connection was not removed from registry")
	waitFor(t, func() bool { return f.metrics.open.Load() == 0 }, "connections gauge was not decremented")
	if f.registry.HasRoom(channelA) {
		t.Error("room should be empty after disconnect")
	}

	ids, err := f.store.Channels().ListChannelIDsByMember(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("ListChannelIDsByMember: %v", err)
	}
	if len(ids) != 1 || ids[0] != channelA {
		t.Errorf("durable memberships = %v, want [%s]", ids, channelA)
	}
}

func TestShutdown_ClosesLiveConnections(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "alice-token")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.gateway.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("read after shutdown err = %v, want normal closure", err)
	}

	// 停止後のハンドシェイクは拒否される
	ws2, _, err := websocket.DefaultDialer.Dial(f.wsURL("bob-token"), nil)
	if err == nil {
		ws2.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := ws2.ReadMessage(); err == nil {
			t.Error("expected connection to be closed after shutdown")
		}
		ws2.Close()
	}
}

// TestShutdown_RefusesLateHandshakes はShutdown開始後のハンドシェイクが登録されないことを検証する。
func TestShutdown_RefusesLateHandshakes(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws, _, err := websocket.DefaultDialer.Dial(f.wsURL("alice-token"), nil)
			if err != nil {
				return
			}
			defer ws.Close()
			ws.SetReadDeadline(time.Now().Add(2 * time.Second))
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.gateway.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	wg.Wait()

	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL("bob-token"), nil)
	if err != nil {
		t.Fatalf("dial after shutdown: %v", err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after shutdown err = %v, want going away", err)
	}
	if f.registry.Len() != 0 {
		t.Errorf("registry.Len() = %d, want 0", f.registry.Len())
	}
}

func TestHandshake_OriginCheck(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		origin     string
		wantStatus int
	}{
		{"allowed origin", "http://localhost:3000", http.StatusSwitchingProtocols},
		{"foreign origin", "https://evil.example.com", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			header.Set("Origin", tt.origin)
			ws, resp, err := websocket.DefaultDialer.Dial(f.wsURL("alice-token"), header)
			if ws != nil {
				defer ws.Close()
			}
			if resp == nil {
				t.Fatalf("expected handshake response, got err=%v", err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}
