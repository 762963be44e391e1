package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/guptmilan/chat-server/internal/logging"
	"github.com/guptmilan/chat-server/internal/protocol"
	"github.com/guptmilan/chat-server/internal/relay"
)

func startServer(t *testing.T, cfg ServerConfig, hooks Hooks) (*Server, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := NewServer(cfg, hooks, logging.Nop())

	served := make(chan struct{})
	go func() {
		close(served)
		_ = s.Serve(l)
	}()
	<-served

	addr := l.Addr().String()
	waitListening(t, addr)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, addr
}

func waitListening(t *testing.T, addr string) {
	t.Helper()
	for i := 0; i < 50; i++ {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server at %s never came up", addr)
}

func testConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 4
	cfg.MaxConnections = 10
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = time.Second
	return cfg
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, _, _, err := ws.Dial(context.Background(), "ws://"+addr+"/ws")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn net.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return m
}

func TestServer_ConnectedFrame(t *testing.T) {
	connected := make(chan *Connection, 1)
	_, addr := startServer(t, testConfig(), Hooks{
		Admit:     func(*http.Request) Admission { return Admission{Identity: "id-hash"} },
		OnConnect: func(c *Connection) { connected <- c },
	})

	conn := dial(t, addr)
	frame := readFrame(t, conn)
	if frame["type"] != protocol.TypeConnected {
		t.Fatalf("type = %v, want %s", frame["type"], protocol.TypeConnected)
	}

	select {
	case c := <-connected:
		if frame["connection_id"] != c.ID {
			t.Errorf("connection_id = %v, want %s", frame["connection_id"], c.ID)
		}
		if c.Identity != "id-hash" {
			t.Errorf("Identity = %q, want id-hash", c.Identity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect not called")
	}
}

func TestServer_MessageAndDisconnectHooks(t *testing.T) {
	got := make(chan string, 1)
	gone := make(chan string, 1)
	s, addr := startServer(t, testConfig(), Hooks{
		OnMessage:    func(c *Connection, data []byte) { got <- string(data) },
		OnDisconnect: func(c *Connection) { gone <- c.ID },
	})

	conn := dial(t, addr)
	hello := readFrame(t, conn)
	id, _ := hello["connection_id"].(string)

	if err := wsutil.WriteClientText(conn, []byte(`{"type":"typing","is_typing":true}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case data := <-got:
		if !strings.Contains(data, "is_typing") {
			t.Errorf("OnMessage data = %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnMessage not called")
	}

	conn.Close()
	select {
	case gid := <-gone:
		if gid != id {
			t.Errorf("disconnected %s, want %s", gid, id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnDisconnect not called")
	}
	if n := s.Connections().Count(); n != 0 {
		t.Errorf("Count = %d after disconnect, want 0", n)
	}
}

func TestServer_SendMessage(t *testing.T) {
	s, addr := startServer(t, testConfig(), Hooks{})
	conn := dial(t, addr)
	id, _ := readFrame(t, conn)["connection_id"].(string)

	if err := s.SendMessage(id, []byte(`{"type":"pong"}`)); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if f := readFrame(t, conn); f["type"] != "pong" {
		t.Errorf("type = %v, want pong", f["type"])
	}

	err := s.SendMessage("missing", []byte(`{}`))
	if !errors.Is(err, relay.ErrNotConnected) {
		t.Errorf("SendMessage(missing) = %v, want ErrNotConnected", err)
	}
}

func TestServer_Health(t *testing.T) {
	_, addr := startServer(t, testConfig(), Hooks{})

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body.Status != "ok" {
		t.Errorf("health = %d %+v", resp.StatusCode, body)
	}
}

func TestServer_Refusals(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://chat.example"}

	_, addr := startServer(t, cfg, Hooks{
		Admit: func(r *http.Request) Admission {
			if r.URL.Query().Get("limited") != "" {
				return Admission{Status: http.StatusTooManyRequests, Reason: "rate_limited"}
			}
			return Admission{}
		},
	})

	tests := []struct {
		name   string
		url    string
		origin string
		ok     bool
	}{
		{"allowed origin", "/ws", "https://chat.example", true},
		{"no origin", "/ws", "", true},
		{"foreign origin", "/ws", "https://evil.example", false},
		{"admission refused", "/ws?limited=1", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ws.Dialer{Timeout: 2 * time.Second}
			if tt.origin != "" {
				d.Header = ws.HandshakeHeaderHTTP(http.Header{"Origin": []string{tt.origin}})
			}
			conn, _, _, err := d.Dial(context.Background(), "ws://"+addr+tt.url)
			if conn != nil {
				conn.Close()
			}
			if (err == nil) != tt.ok {
				t.Errorf("dial err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestServer_Farewell(t *testing.T) {
	farewell := []byte(`{"type":"banned","reason":"abuse","retry_after":60}`)
	s, addr := startServer(t, testConfig(), Hooks{
		Admit: func(*http.Request) Admission {
			return Admission{Reason: "banned", Farewell: farewell}
		},
	})

	conn := dial(t, addr)
	f := readFrame(t, conn)
	if f["type"] != "banned" || f["reason"] != "abuse" {
		t.Errorf("farewell frame = %v", f)
	}
	if n := s.Connections().Count(); n != 0 {
		t.Errorf("Count = %d, want 0 for refused connection", n)
	}
}

func TestDispatcher(t *testing.T) {
	d := NewMessageDispatcher(logging.Nop())
	handled := make(chan interface{}, 1)
	d.Register(protocol.TypeTyping, func(_ *Connection, msg interface{}) { handled <- msg })

	_, addr := startServer(t, testConfig(), Hooks{OnMessage: d.Dispatch})
	conn := dial(t, addr)
	readFrame(t, conn)

	tests := []struct {
		name     string
		in       string
		wantType string
		wantCode string
	}{
		{"ping", `{"type":"ping"}`, protocol.TypePong, ""},
		{"garbage", `not json`, protocol.TypeError, "parse_error"},
		{"unknown type", `{"type":"shout"}`, protocol.TypeError, "unsupported_type"},
		{"unregistered", `{"type":"next_partner"}`, protocol.TypeError, "unsupported_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := wsutil.WriteClientText(conn, []byte(tt.in)); err != nil {
				t.Fatalf("write: %v", err)
			}
			f := readFrame(t, conn)
			if f["type"] != tt.wantType {
				t.Fatalf("type = %v, want %s", f["type"], tt.wantType)
			}
			if tt.wantCode != "" && f["code"] != tt.wantCode {
				t.Errorf("code = %v, want %s", f["code"], tt.wantCode)
			}
		})
	}

	if err := wsutil.WriteClientText(conn, []byte(`{"type":"typing","is_typing":true}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case msg := <-handled:
		if m, ok := msg.(protocol.TypingMsg); !ok || !m.IsTyping {
			t.Errorf("handler got %#v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("typing handler not called")
	}
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		origin  string
		allowed []string
		want    bool
	}{
		{"", nil, true},
		{"https://a.example", []string{"*"}, true},
		{"https://a.example", []string{"https://A.example"}, true},
		{"https://b.example", []string{"https://a.example"}, false},
		{"https://a.example", nil, false},
	}
	for _, tt := range tests {
		if got := originAllowed(tt.origin, tt.allowed); got != tt.want {
			t.Errorf("originAllowed(%q, %v) = %v, want %v", tt.origin, tt.allowed, got, tt.want)
		}
	}
}

func TestCheckConnections_ReportsLive(t *testing.T) {
	alive := make(chan string, 4)
	s, addr := startServer(t, testConfig(), Hooks{
		OnAlive: func(c *Connection) { alive <- c.ID },
	})
	conn := dial(t, addr)
	id, _ := readFrame(t, conn)["connection_id"].(string)

	cfg := DefaultHeartbeatConfig()
	if n := checkConnections(s, cfg, time.Now()); n != 0 {
		t.Fatalf("evicted %d live connections", n)
	}
	select {
	case got := <-alive:
		if got != id {
			t.Errorf("OnAlive(%s), want %s", got, id)
		}
	default:
		t.Fatal("OnAlive not called for a live connection")
	}

	// Far past the deadline the connection is evicted, not reported.
	later := time.Now().Add(cfg.Interval + cfg.Timeout + time.Minute)
	if n := checkConnections(s, cfg, later); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	select {
	case got := <-alive:
		t.Errorf("OnAlive(%s) for an evicted connection", got)
	default:
	}
}
