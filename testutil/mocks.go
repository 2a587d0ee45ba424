// Package testutil holds shared fixtures for tests: a migrated Postgres
// handle and an in-process CHZZK API with a socket.io chat stream.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/onnwee/milkyway-bot/chzzk"
)

// MockChzzkServer serves the open API endpoints the bot calls and a
// websocket endpoint speaking engine.io v3.
type MockChzzkServer struct {
	*httptest.Server

	// SessionKey is announced in the SYSTEM connected event.
	SessionKey string
	// AccessToken is returned by the token endpoint.
	AccessToken string
	// Me is returned by users/me.
	Me chzzk.Me
	// Handlers override the built-in routes by exact path.
	Handlers map[string]http.HandlerFunc

	t        *testing.T
	upgrader websocket.Upgrader

	mu         sync.Mutex
	sent       []string
	subscribed []string
	conns      []*websocket.Conn
}

// NewMockChzzkServer starts the mock and closes it when the test ends.
func NewMockChzzkServer(t *testing.T) *MockChzzkServer {
	t.Helper()
	m := &MockChzzkServer{
		SessionKey:  "mock-session",
		AccessToken: "mock-access",
		Me:          chzzk.Me{ChannelID: "mock-channel", ChannelName: "mock"},
		Handlers:    make(map[string]http.HandlerFunc),
		t:           t,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.route))
	t.Cleanup(m.shutdown)
	return m
}

func (m *MockChzzkServer) route(w http.ResponseWriter, r *http.Request) {
	if h, ok := m.Handlers[r.URL.Path]; ok {
		h(w, r)
		return
	}
	switch {
	case r.URL.Path == "/open/v1/sessions/auth/client":
		m.content(w, map[string]string{"url": m.URL + "/socket.io/?auth=mock"})
	case r.URL.Path == "/open/v1/sessions/events/subscribe/chat":
		m.mu.Lock()
		m.subscribed = append(m.subscribed, r.URL.Query().Get("sessionKey"))
		m.mu.Unlock()
		m.content(w, map[string]string{})
	case r.URL.Path == "/open/v1/chats/send":
		var body struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.sent = append(m.sent, body.Message)
		m.mu.Unlock()
		m.content(w, map[string]string{"messageId": "m1"})
	case r.URL.Path == "/open/v1/users/me":
		m.content(w, m.Me)
	case r.URL.Path == "/auth/v1/token":
		m.content(w, map[string]any{
			"accessToken":  m.AccessToken,
			"refreshToken": "mock-refresh",
			"tokenType":    "Bearer",
			"expiresIn":    86400,
		})
	case strings.HasPrefix(r.URL.Path, "/socket.io/"):
		m.serveSocket(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (m *MockChzzkServer) content(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "message": nil, "content": v}) //nolint:errcheck // test mock response
}

func (m *MockChzzkServer) serveSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	m.write(conn, `0{"sid":"mock","pingInterval":25000,"pingTimeout":60000}`)
	m.write(conn, "40")
	connected, err := chzzk.EncodeEvent(chzzk.EventSystem, map[string]any{
		"type": chzzk.SystemConnected,
		"data": map[string]string{"sessionKey": m.SessionKey},
	})
	if err != nil {
		m.t.Errorf("encode connected: %v", err)
		return
	}
	m.write(conn, connected)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(msg) == "2" {
			m.write(conn, "3")
		}
	}
}

func (m *MockChzzkServer) write(conn *websocket.Conn, s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(s))
}

// EmitChat pushes a CHAT event to every open socket.
func (m *MockChzzkServer) EmitChat(ev chzzk.ChatEvent) {
	m.t.Helper()
	frame, err := chzzk.EncodeEvent(chzzk.EventChat, ev)
	if err != nil {
		m.t.Fatalf("encode chat: %v", err)
	}
	m.mu.Lock()
	conns := append([]*websocket.Conn(nil), m.conns...)
	m.mu.Unlock()
	for _, c := range conns {
		m.write(c, frame)
	}
}

// DropSockets closes every open socket from the server side.
func (m *MockChzzkServer) DropSockets() {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Sent returns the chat messages posted so far.
func (m *MockChzzkServer) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// Subscribed returns the session keys passed to subscribe.
func (m *MockChzzkServer) Subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subscribed...)
}

func (m *MockChzzkServer) shutdown() {
	m.DropSockets()
	m.Close()
}
