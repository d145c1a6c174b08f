// Chat HTTP handlers.
//
// This file exposes the REST surface of the messaging subsystem:
//   - POST /chats/read                       (acknowledge a conversation as read)
//   - GET  /chats/unread                     (unread conversation tokens)
//   - GET  /chats                            (conversation list for the caller)
//   - GET  /messages/{task_id}/{other_phone} (paginated conversation history)
//   - POST /questions                        (create a task question message)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses. Real-time delivery happens over
// the WebSocket endpoints; POST /questions shares the same delivery pipeline.
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// result exists for (user, task, key), POST /questions returns the recorded
// acknowledgement and sets `Idempotency-Replayed: true`.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskhub/go-taskchat-backend/internal/domain"
	"github.com/taskhub/go-taskchat-backend/internal/http/middleware"
	"github.com/taskhub/go-taskchat-backend/internal/repo"
	"github.com/taskhub/go-taskchat-backend/internal/services"
	"github.com/taskhub/go-taskchat-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// RouterService accepts one inbound message and runs it through the delivery
// pipeline: persist, broadcast, notify, relay fallback.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type RouterService interface {
	Route(ctx context.Context, key domain.ConversationKey, authorPhone string, in services.Inbound) (*domain.Message, error)
}

// ReadService tracks per-conversation read acknowledgements.
type ReadService interface {
	// MarkRead records that reader has seen the conversation with otherPhone
	// inside taskID up to now.
	MarkRead(ctx context.Context, reader, taskID, otherPhone string) error
	// UnreadSummary returns "taskID_fromPhone" tokens for conversations with
	// messages newer than the reader's acknowledgement.
	UnreadSummary(ctx context.Context, reader string) ([]string, error)
}

// HistoryService reads persisted conversations and their messages.
type HistoryService interface {
	// List returns the caller's conversations, newest activity first.
	List(ctx context.Context, phone string) ([]repo.ConversationHead, error)
	// HistoryPage returns one page of the conversation between me and
	// otherPhone within taskID, plus the total message count.
	HistoryPage(ctx context.Context, taskID, me, otherPhone string, page, pageSize int) ([]domain.Message, int64, error)
}

// IdempotencyStore records successful question acknowledgements keyed by
// (user, task, Idempotency-Key) so that retried requests replay instead of
// resending. A nil store disables replay.
type IdempotencyStore interface {
	// Get returns the unexpired record for the triple, or nil when absent.
	Get(ctx context.Context, userID, taskID, key string, now time.Time) (*domain.Idempotency, error)
	// Create stores a record pointing at the persisted message.
	Create(ctx context.Context, userID, taskID, key, messageID string, status int, ttl time.Duration) (*domain.Idempotency, error)
}

//
// Handler wiring
//

// Handlers groups the REST endpoints of the messaging subsystem. It depends
// on abstract service interfaces to keep transport concerns separate from
// delivery and read-state logic.
type Handlers struct {
	router  RouterService
	reads   ReadService
	history HistoryService
	idem    IdempotencyStore
}

// New constructs a Handlers instance bound to the given services. idem may
// be nil when idempotent replay is not wanted.
func New(router RouterService, reads ReadService, history HistoryService, idem IdempotencyStore) *Handlers {
	return &Handlers{router: router, reads: reads, history: history, idem: idem}
}

// callerPhone returns the authenticated principal set by the auth middleware.
// The boolean mirrors middleware.UserID; routes registered behind RequireAuth
// always observe true.
func callerPhone(c *gin.Context) (string, bool) {
	return middleware.UserID(c)
}

// idempotencyKey reads the key stashed by the validator middleware, falling
// back to the raw header when no middleware is mounted (tests use it).
func idempotencyKey(c *gin.Context) string {
	if k, ok := middleware.GetIdempotencyKey(c); ok {
		return k
	}
	return strings.TrimSpace(c.GetHeader(middleware.HeaderIdempotencyKey))
}

//
// DTOs
//

// QuestionRequest is the JSON payload for creating a task question. The
// author identity comes from the bearer token, never from the payload.
type QuestionRequest struct {
	// TaskID identifies the task the question belongs to.
	TaskID string `json:"taskId" binding:"required" example:"507f1f77bcf86cd799439011"`
	// TaskTitle is the human-readable subject carried on the message.
	TaskTitle string `json:"taskTitle" binding:"required" example:"Fix kitchen sink"`
	// Comment is the question body. It must be non-empty.
	Comment string `json:"comment" binding:"required,min=1" example:"Is the part already ordered?"`
	// CreatedBy is the task owner's phone; the question is addressed to them.
	CreatedBy string `json:"createdBy" binding:"required" example:"+380501112233"`
	// CreatedName is the task owner's display name.
	CreatedName string `json:"createdName" example:"Oksana"`
}

// QuestionResponse acknowledges an accepted question.
type QuestionResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	TaskID  string `json:"taskId"`
}

// MarkReadRequest is the JSON payload for acknowledging a conversation.
type MarkReadRequest struct {
	TaskID         string `json:"task_id" binding:"required" example:"507f1f77bcf86cd799439011"`
	OtherUserPhone string `json:"other_user_phone" binding:"required" example:"+380501112233"`
}

// StatusResponse is the minimal success envelope for state-changing calls.
type StatusResponse struct {
	Status string `json:"status"`
}

// UnreadResponse lists unread conversation tokens ("taskID_fromPhone").
type UnreadResponse struct {
	Status string   `json:"status"`
	Unread []string `json:"unread"`
}

// ChatSummary is one entry of the conversation list: the task plus the
// counterpart participant as seen from the caller's side.
type ChatSummary struct {
	TaskID        string             `json:"task_id"`
	TaskTitle     string             `json:"task_title"`
	OtherUser     domain.Participant `json:"other_user"`
	LastMessageAt time.Time          `json:"last_message_at"`
}

// ChatsResponse wraps the caller's conversation list.
type ChatsResponse struct {
	Status string        `json:"status"`
	Chats  []ChatSummary `json:"chats"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListMessagesResponse contains a page of conversation messages in wire form
// plus pagination metadata.
type ListMessagesResponse struct {
	Messages   []services.MessageFrame `json:"messages"`
	Pagination Pagination              `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses page/page_size from query parameters, applies sane
// defaults and caps, and returns the validated (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 50
		maxPageSize     = 200
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

//
// Handlers
//

// PostQuestion godoc
// @ID          postQuestion
// @Summary     Ask a question about a task
// @Description Creates a question message addressed to the task owner and runs it
// @Description through the same delivery pipeline as WebSocket messages: the owner
// @Description receives it live when connected, or via the relay channel otherwise.
// @Description Supports idempotency via the Idempotency-Key header (same key → same result).
// @Tags        Questions
// @Accept      json
// @Produce     json
//
// @Param       Authorization    header  string  true  "Bearer token"
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"
// @Param       body             body    handlers.QuestionRequest  true  "Question payload"
//
// @Success     200  {object}  handlers.QuestionResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /questions [post]
func (h *Handlers) PostQuestion(c *gin.Context) {
	ctx := c.Request.Context()

	phone, okID := callerPhone(c)
	if !okID {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}

	var req QuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "taskId, taskTitle, comment and createdBy are required")
		return
	}

	// Idempotency (replay path) – read validated key if present.
	idemKey := idempotencyKey(c)
	if idemKey != "" && h.idem != nil {
		if rec, err := h.idem.Get(ctx, phone, req.TaskID, idemKey, time.Now().UTC()); err == nil && rec != nil {
			c.Header("Idempotency-Replayed", "true")
			ok(c, http.StatusOK, QuestionResponse{Status: "ok", Message: "Дані отримано", TaskID: req.TaskID})
			return
		}
	}

	key := domain.NewConversationKey(req.TaskID, phone, req.CreatedBy)
	in := services.Inbound{
		TaskTitle: req.TaskTitle,
		Text:      req.Comment,
		Receiver:  domain.Participant{Phone: req.CreatedBy, Name: req.CreatedName},
	}

	m, err := h.router.Route(ctx, key, phone, in)
	if err != nil {
		switch err {
		case services.ErrEmptyText:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "comment required")
		case services.ErrReceiverRequired:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "createdBy required")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeSendFailed, err.Error())
		}
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" && h.idem != nil {
		_, _ = h.idem.Create(ctx, phone, req.TaskID, idemKey, m.ID, http.StatusOK, 24*time.Hour)
	}

	ok(c, http.StatusOK, QuestionResponse{Status: "ok", Message: "Дані отримано", TaskID: req.TaskID})
}

// MarkRead godoc
// @ID          markRead
// @Summary     Mark a conversation as read
// @Description Records that the caller has seen all messages from the given
// @Description counterpart within the task, up to the current server time.
// @Description Re-acknowledging overwrites the previous timestamp (last write wins).
// @Tags        Chats
// @Accept      json
// @Produce     json
//
// @Param       Authorization  header  string  true  "Bearer token"
// @Param       body           body    handlers.MarkReadRequest  true  "Conversation to acknowledge"
//
// @Success     200  {object}  handlers.StatusResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chats/read [post]
func (h *Handlers) MarkRead(c *gin.Context) {
	ctx := c.Request.Context()

	phone, okID := callerPhone(c)
	if !okID {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}

	var req MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "task_id and other_user_phone are required")
		return
	}

	if err := h.reads.MarkRead(ctx, phone, req.TaskID, req.OtherUserPhone); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeMarkReadFailed, err.Error())
		return
	}

	ok(c, http.StatusOK, StatusResponse{Status: "ok"})
}

// UnreadChats godoc
// @ID          unreadChats
// @Summary     List unread conversations
// @Description Returns one "taskID_fromPhone" token per conversation holding
// @Description messages newer than the caller's read acknowledgement. A
// @Description conversation that was never acknowledged counts as unread.
// @Tags        Chats
// @Produce     json
//
// @Param       Authorization  header  string  true  "Bearer token"
//
// @Success     200  {object}  handlers.UnreadResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chats/unread [get]
func (h *Handlers) UnreadChats(c *gin.Context) {
	ctx := c.Request.Context()

	phone, okID := callerPhone(c)
	if !okID {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}

	tokens, err := h.reads.UnreadSummary(ctx, phone)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	if tokens == nil {
		tokens = []string{}
	}

	ok(c, http.StatusOK, UnreadResponse{Status: "ok", Unread: tokens})
}

// ListChats godoc
// @ID          listChats
// @Summary     List the caller's conversations
// @Description Returns the distinct conversations that involve the caller as
// @Description author or receiver, newest activity first, each reduced to the
// @Description task and the counterpart participant.
// @Tags        Chats
// @Produce     json
//
// @Param       Authorization  header  string  true  "Bearer token"
//
// @Success     200  {object}  handlers.ChatsResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chats [get]
func (h *Handlers) ListChats(c *gin.Context) {
	ctx := c.Request.Context()

	phone, okID := callerPhone(c)
	if !okID {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}

	heads, err := h.history.List(ctx, phone)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	chats := make([]ChatSummary, 0, len(heads))
	for _, head := range heads {
		other := head.Author
		if other.Phone == phone {
			other = head.Receiver
		}
		chats = append(chats, ChatSummary{
			TaskID:        head.TaskID,
			TaskTitle:     head.TaskTitle,
			OtherUser:     other,
			LastMessageAt: head.LastAt,
		})
	}

	ok(c, http.StatusOK, ChatsResponse{Status: "ok", Chats: chats})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     Conversation history
// @Description Returns the messages exchanged between the caller and the other
// @Description participant within a task, oldest first, paginated.
// @Tags        Messages
// @Produce     json
//
// @Param       Authorization  header  string  true  "Bearer token"
// @Param       task_id        path    string  true  "Task ID"
// @Param       other_phone    path    string  true  "Counterpart phone"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(200) default(50)
//
// @Success     200  {object}  handlers.ListMessagesResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /messages/{task_id}/{other_phone} [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()

	phone, okID := callerPhone(c)
	if !okID {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}

	taskID := c.Param("task_id")
	otherPhone := c.Param("other_phone")

	page, pageSize := clampPagination(c)

	items, total, err := h.history.HistoryPage(ctx, taskID, phone, otherPhone, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	frames := make([]services.MessageFrame, 0, len(items))
	for i := range items {
		frames = append(frames, services.NewMessageFrame(&items[i]))
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages: frames,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
