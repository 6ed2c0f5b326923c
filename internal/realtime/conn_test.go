package realtime

import (
	"errors"
	"testing"
	"time"
)

func testPumpConfig() PumpConfig {
	return PumpConfig{
		PingInterval: time.Hour,
		PongWait:     time.Hour,
		WriteWait:    time.Second,
		MaxFrameSize: 1024,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConn_Enqueue_BufferFull(t *testing.T) {
	c := newTestConn("c1", "u1", 2)

	if !c.Enqueue([]byte("a")) || !c.Enqueue([]byte("b")) {
		t.Fatal("expected first two frames to be accepted")
	}
	if c.Enqueue([]byte("c")) {
		t.Error("expected enqueue to fail when buffer is full")
	}
}

func TestConn_Enqueue_AfterClose(t *testing.T) {
	c := newTestConn("c1", "u1", 4)
	c.Close()
	c.Close()

	if c.Enqueue([]byte("a")) {
		t.Error("expected enqueue to fail after close")
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done should be closed")
	}
}

func TestConn_WritePump_WritesInOrderAndFlushesOnClose(t *testing.T) {
	tr := newFakeTransport()
	c := NewConn("c1", model0(), tr, 8, discardLogger())

	c.Enqueue([]byte("1"))
	c.Enqueue([]byte("2"))

	done := make(chan struct{})
	go func() {
		c.WritePump(testPumpConfig())
		close(done)
	}()

	waitFor(t, func() bool { return len(tr.frames()) == 2 })
	c.Enqueue([]byte("3"))
	c.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WritePump did not exit")
	}

	frames := tr.frames()
	if len(frames) < 2 || string(frames[0]) != "1" || string(frames[1]) != "2" {
		t.Errorf("frames = %q", frames)
	}
	if !tr.isClosed() {
		t.Error("transport should be closed after WritePump exits")
	}
}

func TestConn_WritePump_WriteErrorClosesConn(t *testing.T) {
	tr := newFakeTransport()
	tr.writeFn = func(int, []byte) error { return errors.New("broken pipe") }
	c := NewConn("c1", model0(), tr, 8, discardLogger())

	go c.WritePump(testPumpConfig())
	c.Enqueue([]byte("x"))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("conn should close after write error")
	}
}

func TestConn_ReadPump_SequentialHandling(t *testing.T) {
	tr := newFakeTransport()
	c := NewConn("c1", model0(), tr, 8, discardLogger())

	tr.inbound <- []byte("a")
	tr.inbound <- []byte("b")
	tr.inbound <- []byte("c")

	var got []string
	handled := make(chan struct{}, 3)
	done := make(chan struct{})
	go func() {
		c.ReadPump(testPumpConfig(), func(raw []byte) {
			got = append(got, string(raw))
			handled <- struct{}{}
		})
		close(done)
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("frame not handled")
		}
	}
	tr.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ReadPump did not exit after transport close")
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("handled = %v, want [a b c]", got)
	}
	select {
	case <-c.Done():
	default:
		t.Error("ReadPump should close the conn on exit")
	}
}
