package handlers

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/taskhub/go-taskchat-backend/internal/config"
	"github.com/taskhub/go-taskchat-backend/internal/domain"
	"github.com/taskhub/go-taskchat-backend/internal/services"
	"github.com/taskhub/go-taskchat-backend/internal/ws"
)

// wsVerifier maps "tok-<phone>" to <phone>; anything else is invalid.
type wsVerifier struct{}

func (wsVerifier) Verify(token string) (string, error) {
	if phone, ok := strings.CutPrefix(token, "tok-"); ok && phone != "" {
		return phone, nil
	}
	return "", errors.New("invalid token")
}

// memStore assigns ids and timestamps in memory; failWith makes every
// append fail.
type memStore struct {
	appends  int
	failWith error
}

func (s *memStore) AppendMessage(_ context.Context, _ *gorm.DB, m domain.Message) (*domain.Message, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.appends++
	m.ID = "m-1"
	m.CreatedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &m, nil
}

// newWSServer wires the real registry and delivery pipeline (with the given
// store and no relay) behind a live HTTP server.
func newWSServer(t *testing.T, store services.MessageStore) (*httptest.Server, *ws.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := ws.NewRegistry()
	router := services.NewDeliveryRouter(nil, store, registry, nil, nil)

	wsh := NewWS(config.WSConfig{
		WriteTimeout:    time.Second,
		MaxMessageBytes: 64 << 10,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}, wsVerifier{}, registry, router)

	r := gin.New()
	r.GET("/ws/chat/:task_id/:phones_pair", wsh.ChatSocket)
	r.GET("/ws/notifications", wsh.NotificationsSocket)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, registry
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv, path), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func expectPolicyClose(t *testing.T, c *websocket.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected close 1008, got %v", err)
	}
}

func readJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := c.ReadJSON(v); err != nil {
		t.Fatalf("read frame: %v", err)
	}
}

func waitAbsent(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition still true after disconnect")
}

func TestChatSocket_RejectsBadToken(t *testing.T) {
	srv, registry := newWSServer(t, &memStore{})

	c := dial(t, srv, "/ws/chat/t1/p1_p2?token=bogus")
	expectPolicyClose(t, c)

	key := domain.NewConversationKey("t1", "p1", "p2")
	if registry.IsPresent(key, "p1") || registry.ConversationSize(key) != 0 {
		t.Fatalf("rejected handshake must not touch the registry")
	}
}

func TestChatSocket_RejectsMalformedPair(t *testing.T) {
	srv, _ := newWSServer(t, &memStore{})
	c := dial(t, srv, "/ws/chat/t1/justonephone?token=tok-p1")
	expectPolicyClose(t, c)
}

func TestNotificationsSocket_RejectsBadToken(t *testing.T) {
	srv, registry := newWSServer(t, &memStore{})
	c := dial(t, srv, "/ws/notifications?token=nope")
	expectPolicyClose(t, c)
	if registry.GlobalHandle("p1") != nil {
		t.Fatalf("rejected handshake must not register globally")
	}
}

// waitFor polls until cond holds, failing after two seconds. Registration
// happens in the server handler goroutine after the dial returns.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChatSocket_BroadcastToBothParticipants(t *testing.T) {
	srv, registry := newWSServer(t, &memStore{})
	key := domain.NewConversationKey("t1", "p1", "p2")

	sender := dial(t, srv, "/ws/chat/t1/p1_p2?token=tok-p1")
	receiver := dial(t, srv, "/ws/chat/t1/p2_p1?token=tok-p2") // reversed pair, same conversation
	waitFor(t, func() bool { return registry.ConversationSize(key) == 2 })

	in := services.Inbound{
		TaskTitle: "Sink",
		Text:      "hello",
		Receiver:  domain.Participant{Phone: "p2", Name: "Oksana"},
	}
	if err := sender.WriteJSON(in); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got services.MessageFrame
	readJSON(t, receiver, &got)
	if got.ID != "m-1" || got.Text != "hello" || got.Author.Phone != "p1" {
		t.Fatalf("receiver frame unexpected: %+v", got)
	}
	if got.CreatedAt != "2025-06-01T12:00:00Z" {
		t.Fatalf("created_at unexpected: %q", got.CreatedAt)
	}

	// The sender's connection hears its own message back.
	var echo services.MessageFrame
	readJSON(t, sender, &echo)
	if echo.ID != got.ID {
		t.Fatalf("sender echo unexpected: %+v", echo)
	}
}

func TestChatSocket_GlobalPingWhenReceiverElsewhere(t *testing.T) {
	srv, registry := newWSServer(t, &memStore{})

	global := dial(t, srv, "/ws/notifications?token=tok-p2")
	sender := dial(t, srv, "/ws/chat/t1/p1_p2?token=tok-p1")
	waitFor(t, func() bool { return registry.GlobalHandle("p2") != nil })

	in := services.Inbound{
		TaskTitle: "Sink",
		Text:      "ping me",
		Receiver:  domain.Participant{Phone: "p2"},
	}
	if err := sender.WriteJSON(in); err != nil {
		t.Fatalf("write: %v", err)
	}

	var ping services.NotificationFrame
	readJSON(t, global, &ping)
	if ping.Type != "new_message" || ping.TaskID != "t1" || ping.FromPhone != "p1" {
		t.Fatalf("ping unexpected: %+v", ping)
	}
}

func TestChatSocket_InvalidInboundKeepsConnection(t *testing.T) {
	srv, _ := newWSServer(t, &memStore{})
	sender := dial(t, srv, "/ws/chat/t1/p1_p2?token=tok-p1")

	// Empty text is rejected without closing the socket.
	if err := sender.WriteJSON(services.Inbound{Receiver: domain.Participant{Phone: "p2"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A valid frame on the same connection still goes through.
	if err := sender.WriteJSON(services.Inbound{
		TaskTitle: "Sink", Text: "still here", Receiver: domain.Participant{Phone: "p2"},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var frame services.MessageFrame
	readJSON(t, sender, &frame)
	if frame.Text != "still here" {
		t.Fatalf("expected the valid frame echoed, got %+v", frame)
	}
}

func TestChatSocket_PersistFailureClosesConnection(t *testing.T) {
	srv, registry := newWSServer(t, &memStore{failWith: errors.New("disk full")})
	key := domain.NewConversationKey("t1", "p1", "p2")

	sender := dial(t, srv, "/ws/chat/t1/p1_p2?token=tok-p1")
	waitFor(t, func() bool { return registry.IsPresent(key, "p1") })

	in := services.Inbound{
		TaskTitle: "Sink",
		Text:      "will not be stored",
		Receiver:  domain.Participant{Phone: "p2"},
	}
	if err := sender.WriteJSON(in); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The sender observes the failure as close 1011, not as silence.
	_ = sender.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := sender.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseInternalServerErr {
		t.Fatalf("expected close 1011, got %v", err)
	}

	waitAbsent(t, func() bool { return registry.IsPresent(key, "p1") })
}

func TestChatSocket_DisconnectCleansRegistry(t *testing.T) {
	srv, registry := newWSServer(t, &memStore{})
	key := domain.NewConversationKey("t1", "p1", "p2")

	c := dial(t, srv, "/ws/chat/t1/p1_p2?token=tok-p1")
	waitFor(t, func() bool { return registry.IsPresent(key, "p1") })

	_ = c.Close()
	waitAbsent(t, func() bool { return registry.IsPresent(key, "p1") })
}

func TestNotificationsSocket_DisconnectCleansRegistry(t *testing.T) {
	srv, registry := newWSServer(t, &memStore{})

	c := dial(t, srv, "/ws/notifications?token=tok-p1")
	waitFor(t, func() bool { return registry.GlobalHandle("p1") != nil })

	_ = c.Close()
	waitAbsent(t, func() bool { return registry.GlobalHandle("p1") != nil })
}

func TestNotificationsSocket_InboundDrained(t *testing.T) {
	srv, _ := newWSServer(t, &memStore{})
	c := dial(t, srv, "/ws/notifications?token=tok-p1")

	// Client chatter on the global channel is ignored, not fatal.
	if err := c.WriteMessage(websocket.TextMessage, []byte("keepalive")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"noise":true}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The connection is still live; a normal close completes cleanly.
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.WriteMessage(websocket.CloseMessage, msg); err != nil {
		t.Fatalf("close: %v", err)
	}
}
