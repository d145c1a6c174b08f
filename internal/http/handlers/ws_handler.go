// WebSocket HTTP handlers.
//
// This file exposes the two live channels of the messaging subsystem:
//   - GET /ws/chat/{task_id}/{phones_pair}  (conversation channel)
//   - GET /ws/notifications                 (global notification channel)
//
// Both endpoints authenticate at handshake time via a `token` query parameter
// (browsers cannot set headers on WebSocket upgrades). A missing or invalid
// token closes the connection with code 1008 (policy violation) before it
// ever touches the connection registry.
//
// The conversation channel is bidirectional: inbound frames are routed
// through the delivery pipeline, outbound frames arrive via the registry.
// The global channel is outbound-only; its inbound direction is drained and
// ignored so clients may send keep-alives.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/taskhub/go-taskchat-backend/internal/config"
	"github.com/taskhub/go-taskchat-backend/internal/domain"
	"github.com/taskhub/go-taskchat-backend/internal/http/middleware"
	"github.com/taskhub/go-taskchat-backend/internal/services"
	"github.com/taskhub/go-taskchat-backend/internal/ws"
)

// WSHandlers serves the WebSocket endpoints. It owns the HTTP upgrade and
// the per-connection goroutines; connection handles live in the registry
// only between a successful handshake and disconnect.
type WSHandlers struct {
	upgrader websocket.Upgrader
	verifier middleware.Verifier
	registry *ws.Registry
	router   RouterService

	writeTimeout    time.Duration
	maxMessageBytes int64
}

// NewWS constructs the WebSocket handler set.
func NewWS(cfg config.WSConfig, v middleware.Verifier, reg *ws.Registry, router RouterService) *WSHandlers {
	return &WSHandlers{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			// Cross-origin upgrades are allowed; the token query parameter is
			// the access control on these endpoints.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		verifier:        v,
		registry:        reg,
		router:          router,
		writeTimeout:    cfg.WriteTimeout,
		maxMessageBytes: cfg.MaxMessageBytes,
	}
}

// handshake upgrades the request and verifies the `token` query parameter.
// On a bad token the socket is closed with 1008 and (nil, "", false) is
// returned; the upgrade error case is already answered by the upgrader.
func (h *WSHandlers) handshake(c *gin.Context) (*ws.Conn, string, bool) {
	wsc, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("ws upgrade rejected")
		return nil, "", false
	}
	if h.maxMessageBytes > 0 {
		wsc.SetReadLimit(h.maxMessageBytes)
	}
	conn := ws.NewConn(wsc, h.writeTimeout)

	phone, err := h.verifier.Verify(c.Query("token"))
	if err != nil {
		conn.ClosePolicyViolation("invalid credentials")
		return nil, "", false
	}
	return conn, phone, true
}

// closeSuperseded closes a handle that RegisterConversation/RegisterGlobal
// replaced. Closing unblocks the old connection's read loop; its deferred
// unregister then no-ops because the registry no longer maps to it.
func closeSuperseded(replaced ws.Pusher) {
	if cl, ok := replaced.(io.Closer); ok {
		_ = cl.Close()
	}
}

// ChatSocket godoc
// @ID          chatSocket
// @Summary     Conversation WebSocket channel
// @Description Upgrades to a WebSocket scoped to one task conversation. The pair
// @Description segment is the URL-encoded "phoneA_phoneB" token; its order does not
// @Description matter. Inbound frames carry {task_title, text, receiver}; outbound
// @Description frames are persisted messages with server-assigned id and created_at.
// @Tags        WebSocket
// @Param       task_id      path   string  true  "Task ID"
// @Param       phones_pair  path   string  true  "URL-encoded phoneA_phoneB pair token"
// @Param       token        query  string  true  "JWT bearer token"
// @Router      /ws/chat/{task_id}/{phones_pair} [get]
func (h *WSHandlers) ChatSocket(c *gin.Context) {
	taskID := c.Param("task_id")
	pairToken, err := url.PathUnescape(c.Param("phones_pair"))
	if err != nil {
		pairToken = c.Param("phones_pair")
	}

	conn, phone, okHS := h.handshake(c)
	if !okHS {
		return
	}

	key, err := domain.ParsePairToken(taskID, pairToken)
	if err != nil {
		conn.ClosePolicyViolation("malformed conversation id")
		return
	}

	if replaced := h.registry.RegisterConversation(key, phone, conn); replaced != nil {
		closeSuperseded(replaced)
	}
	defer func() {
		h.registry.UnregisterConversation(key, phone, conn)
		_ = conn.Close()
		log.Debug().Str("conversation", key.String()).Msg("chat socket closed")
	}()

	log.Debug().Str("conversation", key.String()).Msg("chat socket open")

	for {
		var in services.Inbound
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("conversation", key.String()).Msg("chat socket read failed")
			}
			return
		}

		if _, err := h.router.Route(c.Request.Context(), key, phone, in); err != nil {
			// A failed append means the message was dropped; the sender must
			// see the break rather than wait for an echo that never comes.
			if errors.Is(err, services.ErrPersistFailed) {
				log.Error().Err(err).Str("conversation", key.String()).Msg("message persistence failed")
				conn.CloseInternalError("message not stored")
				return
			}
			// Validation rejections produce no broadcast; the connection
			// stays usable.
			log.Warn().Err(err).Str("conversation", key.String()).Msg("inbound message rejected")
		}
	}
}

// NotificationsSocket godoc
// @ID          notificationsSocket
// @Summary     Global notification WebSocket channel
// @Description Upgrades to the caller's single global channel. The server pushes
// @Description {"type":"new_message",...} pings for messages addressed to the caller;
// @Description anything the client sends is drained and ignored.
// @Tags        WebSocket
// @Param       token  query  string  true  "JWT bearer token"
// @Router      /ws/notifications [get]
func (h *WSHandlers) NotificationsSocket(c *gin.Context) {
	conn, phone, okHS := h.handshake(c)
	if !okHS {
		return
	}

	if replaced := h.registry.RegisterGlobal(phone, conn); replaced != nil {
		closeSuperseded(replaced)
	}
	defer func() {
		h.registry.UnregisterGlobal(phone, conn)
		_ = conn.Close()
		log.Debug().Msg("notification socket closed")
	}()

	log.Debug().Msg("notification socket open")

	_ = conn.Drain()
}
