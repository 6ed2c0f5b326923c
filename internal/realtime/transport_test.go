package realtime

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/chatrelay/internal/model"
)

// fakeTransport はメモリ上で読み書きするTransport。
type fakeTransport struct {
	mu      sync.Mutex
	inbound chan []byte
	written [][]byte
	closed  bool
	closeCh chan struct{}
	writeFn func(messageType int, data []byte) error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closeCh: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-f.inbound:
		return websocket.TextMessage, raw, nil
	case <-f.closeCh:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	if f.writeFn != nil {
		if err := f.writeFn(messageType, data); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	if messageType == websocket.TextMessage {
		f.written = append(f.written, data)
	}
	return nil
}

func (f *fakeTransport) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeTransport) SetPongHandler(func(string) error) {}
func (f *fakeTransport) SetReadLimit(int64)                {}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closeCh)
	}
	return nil
}

func (f *fakeTransport) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestConn(id, userID string, buffer int) *Conn {
	return NewConn(id, model.Identity{ID: userID, DisplayName: userID}, newFakeTransport(), buffer, discardLogger())
}

func model0() model.Identity {
	return model.Identity{ID: "u1", DisplayName: "alice"}
}
