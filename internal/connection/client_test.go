package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test WebSocket server. handler runs once per accepted connection.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.BufferSize = 100
	cfg.Backoff = BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Jitter: 0}
	return cfg
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestClient_Connect(t *testing.T) {
	server := mockWSServer(t, drain)
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected IsConnected to return true")
	}

	// Idempotent
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected IsConnected to return false after Close")
	}
	if err := client.Connect(context.Background()); err != ErrAlreadyClosed {
		t.Errorf("Connect after Close = %v, want ErrAlreadyClosed", err)
	}
}

func TestClient_Send(t *testing.T) {
	var received []byte
	var mu sync.Mutex

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			received = msg
			mu.Unlock()
		}
	})
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	testMsg := []byte(`{"event":"subscribe","channel":"ticker","symbol":"tBTCUSD"}`)
	if err := client.Send(testMsg); err != nil {
		t.Errorf("Send failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if string(received) != string(testMsg) {
		t.Errorf("received %q, want %q", received, testMsg)
	}
}

func TestClient_Messages(t *testing.T) {
	testMessages := []string{
		`{"event":"info","version":2}`,
		`[7,"hb"]`,
		`[7,[1,2,3]]`,
	}

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for _, msg := range testMessages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		drain(conn)
	})
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	timeout := time.After(time.Second)
	for i, want := range testMessages {
		select {
		case msg := <-client.Messages():
			if msg.Kind != KindData {
				t.Errorf("message %d: kind = %v, want data", i, msg.Kind)
			}
			if string(msg.Data) != want {
				t.Errorf("message %d: got %q, want %q", i, msg.Data, want)
			}
			if msg.ReceivedAt.IsZero() {
				t.Error("ReceivedAt should not be zero")
			}
			if msg.Session != 1 {
				t.Errorf("Session = %d, want 1", msg.Session)
			}
		case <-timeout:
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	client := NewClient(testConfig("ws://localhost:12345"), nil)

	if err := client.Send([]byte("test")); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := client.Reconnect(); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected from Reconnect, got %v", err)
	}
}

func TestClient_ConnectDialError(t *testing.T) {
	client := NewClient(testConfig("ws://127.0.0.1:1"), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.Connect(ctx); err == nil {
		t.Fatal("expected dial error")
	}
	if client.IsConnected() {
		t.Error("IsConnected after failed dial")
	}
}

func TestClient_DoubleClose(t *testing.T) {
	server := mockWSServer(t, drain)
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestClient_ReconnectsAfterServerDrop(t *testing.T) {
	var accepted atomic.Int32

	server := mockWSServer(t, func(conn *websocket.Conn) {
		n := accepted.Add(1)
		if n == 1 {
			conn.WriteMessage(websocket.TextMessage, []byte(`first`))
			// Returning closes the first session.
			time.Sleep(20 * time.Millisecond)
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`second`))
		drain(conn)
	})
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	want := []Message{
		{Kind: KindData, Data: []byte("first"), Session: 1},
		{Kind: KindReconnected, Session: 2},
		{Kind: KindData, Data: []byte("second"), Session: 2},
	}

	timeout := time.After(2 * time.Second)
	for i, w := range want {
		select {
		case got := <-client.Messages():
			if got.Kind != w.Kind || string(got.Data) != string(w.Data) || got.Session != w.Session {
				t.Fatalf("message %d = {%v %q %d}, want {%v %q %d}",
					i, got.Kind, got.Data, got.Session, w.Kind, w.Data, w.Session)
			}
		case <-timeout:
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
}

func TestClient_ReconnectRequested(t *testing.T) {
	var accepted atomic.Int32

	server := mockWSServer(t, func(conn *websocket.Conn) {
		accepted.Add(1)
		drain(conn)
	})
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	if err := client.Reconnect(); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}

	select {
	case msg := <-client.Messages():
		if msg.Kind != KindReconnected {
			t.Errorf("kind = %v, want reconnected", msg.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reconnect marker")
	}

	deadline := time.Now().Add(time.Second)
	for accepted.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if accepted.Load() != 2 {
		t.Errorf("server accepted %d connections, want 2", accepted.Load())
	}
}

func TestClient_PingHandler(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if err := conn.WriteControl(websocket.PingMessage, []byte("heartbeat"), time.Now().Add(time.Second)); err != nil {
			t.Logf("ping error: %v", err)
			return
		}
		time.Sleep(500 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	time.Sleep(200 * time.Millisecond)

	if !client.IsConnected() {
		t.Error("expected client to be connected after ping")
	}
}

func TestKind_String(t *testing.T) {
	if KindData.String() != "data" || KindReconnected.String() != "reconnected" || Kind(9).String() != "unknown" {
		t.Error("unexpected Kind names")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.PongTimeout != 45*time.Second {
		t.Errorf("PongTimeout = %v, want 45s", cfg.PongTimeout)
	}
	if cfg.BufferSize != 4096 {
		t.Errorf("BufferSize = %d, want 4096", cfg.BufferSize)
	}
	if cfg.Backoff.Initial != InitialBackoff {
		t.Errorf("Backoff.Initial = %v, want %v", cfg.Backoff.Initial, InitialBackoff)
	}
}
