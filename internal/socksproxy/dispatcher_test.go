package socksproxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"
)

// recordingHandler remembers whether it was invoked and echoes back a
// fixed marker so tests can tell which handler the dispatcher picked.
type recordingHandler struct {
	marker  byte
	invoked chan net.Conn
}

func newRecordingHandler(marker byte) *recordingHandler {
	return &recordingHandler{marker: marker, invoked: make(chan net.Conn, 1)}
}

func (h *recordingHandler) Handle(conn net.Conn) error {
	h.invoked <- conn
	conn.Write([]byte{h.marker})
	buf := make([]byte, 16)
	conn.Read(buf) // drain until the client closes, then return
	return nil
}

func TestDispatcher_RoutesSocks4(t *testing.T) {
	h4 := newRecordingHandler(4)
	h5 := newRecordingHandler(5)

	d := New(Config{Address: "127.0.0.1:0", SOCKS4: h4, SOCKS5: h5})
	if err := d.Start(nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer d.Shutdown(context.Background())

	conn, err := net.Dial("tcp", d.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{0x04})

	select {
	case <-h4.invoked:
	case <-time.After(2 * time.Second):
		t.Fatal("socks4 handler was not invoked")
	}

	marker := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, marker); err != nil {
		t.Fatalf("read marker: %v", err)
	}
	if marker[0] != 4 {
		t.Errorf("marker = %d, want 4", marker[0])
	}
}

func TestDispatcher_RoutesSocks5(t *testing.T) {
	h4 := newRecordingHandler(4)
	h5 := newRecordingHandler(5)

	d := New(Config{Address: "127.0.0.1:0", SOCKS4: h4, SOCKS5: h5})
	if err := d.Start(nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer d.Shutdown(context.Background())

	conn, err := net.Dial("tcp", d.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{0x05, 0x01, 0x00})

	select {
	case receivedConn := <-h5.invoked:
		// The peeked version byte must still be readable by the handler.
		first := make([]byte, 1)
		if _, err := io.ReadFull(receivedConn, first); err != nil {
			t.Fatalf("handler could not read version byte: %v", err)
		}
		if first[0] != 0x05 {
			t.Errorf("first byte seen by handler = %#x, want 0x05", first[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("socks5 handler was not invoked")
	}
}

func TestDispatcher_UnknownVersionCloses(t *testing.T) {
	h4 := newRecordingHandler(4)
	h5 := newRecordingHandler(5)

	d := New(Config{Address: "127.0.0.1:0", SOCKS4: h4, SOCKS5: h5})
	if err := d.Start(nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer d.Shutdown(context.Background())

	conn, err := net.Dial("tcp", d.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{0x07})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n != 0 && err == nil {
		t.Errorf("expected connection close, got %d bytes", n)
	}

	select {
	case <-h4.invoked:
		t.Error("socks4 handler should not have been invoked")
	case <-h5.invoked:
		t.Error("socks5 handler should not have been invoked")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatcher_ConnectionCount(t *testing.T) {
	h4 := newRecordingHandler(4)
	h5 := newRecordingHandler(5)

	d := New(Config{Address: "127.0.0.1:0", SOCKS4: h4, SOCKS5: h5})
	if err := d.Start(nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer d.Shutdown(context.Background())

	if d.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount() = %d, want 0", d.ConnectionCount())
	}
}

func TestDispatcher_Shutdown(t *testing.T) {
	h4 := newRecordingHandler(4)
	h5 := newRecordingHandler(5)

	d := New(Config{Address: "127.0.0.1:0", SOCKS4: h4, SOCKS5: h5})
	if err := d.Start(nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	if _, err := net.Dial("tcp", d.Addr().String()); err == nil {
		t.Error("expected dial to fail after shutdown")
	}
}

func TestDispatcher_RateLimitDelaysConnections(t *testing.T) {
	h4 := newRecordingHandler(4)
	h5 := newRecordingHandler(5)

	d := New(Config{
		Address:              "127.0.0.1:0",
		SOCKS4:               h4,
		SOCKS5:               h5,
		ConnectionsPerSecond: 1,
		Burst:                1,
	})
	if err := d.Start(nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer d.Shutdown(context.Background())

	dial := func() net.Conn {
		conn, err := net.Dial("tcp", d.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		conn.Write([]byte{0x04})
		return conn
	}

	first := dial()
	defer first.Close()
	select {
	case <-h4.invoked: // drain, so a later read can't be mistaken for the second connection
	case <-time.After(2 * time.Second):
		t.Fatal("first connection should be let through immediately (burst)")
	}

	second := dial()
	defer second.Close()
	select {
	case <-h4.invoked:
		t.Fatal("second connection should have been rate-limited, not dispatched instantly")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPeekConn_DoesNotConsumeByte(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go client.Write([]byte{0x05, 0xAA})

	pc := newPeekConn(server)
	v, err := pc.peekVersion()
	if err != nil {
		t.Fatalf("peekVersion: %v", err)
	}
	if v != 0x05 {
		t.Fatalf("peekVersion = %#x, want 0x05", v)
	}

	buf := make([]byte, 2)
	if _, err := io.ReadFull(pc, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, []byte{0x05, 0xAA}) {
		t.Errorf("read = % x, want 05 aa (peek must not consume)", buf)
	}
}
