// Package services – DeliveryRouter
//
// This file implements the delivery router: the component that takes one
// inbound message event and executes the delivery sequence. The ordering is
// load-bearing and must not be rearranged:
//
//  1. persist the message (hard failure: nothing else happens),
//  2. broadcast to every live handle in the conversation (soft failures),
//  3. ping the receiver's global notification channel if one exists,
//  4. when the receiver has no live handle in this conversation, resolve a
//     relay address and send the out-of-band fallback.
//
// Steps 2–4 never fail the request: once the append has returned, the
// message is durable and retrievable on the next history fetch, which is the
// primary delivery guarantee. The presence check in step 4 races with
// concurrent disconnects by design; a recipient that vanishes between the
// check and the broadcast simply reads the message later.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/taskhub/go-taskchat-backend/internal/domain"
	"github.com/taskhub/go-taskchat-backend/internal/relay"
	"github.com/taskhub/go-taskchat-backend/internal/ws"
)

var (
	// messagesRouted counts messages accepted by the router (persisted).
	messagesRouted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_routed_total",
		Help: "Total messages persisted and routed.",
	})

	// relayFallback tracks fallback outcomes: sent, skipped (receiver
	// present), or failed (lookup miss or transport error).
	relayFallback = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_fallback_total",
		Help: "Relay fallback attempts by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(messagesRouted, relayFallback)
}

// MessageStore defines the persistence contract required by the router.
type MessageStore interface {
	// AppendMessage durably appends a message, assigning its id and
	// server-side creation timestamp.
	AppendMessage(ctx context.Context, db *gorm.DB, m domain.Message) (*domain.Message, error)
}

// Presence is the registry surface the router consumes: broadcast within a
// conversation, conversation-scoped presence, and the global channel lookup.
type Presence interface {
	Broadcast(key domain.ConversationKey, frame any) []ws.SendError
	IsPresent(key domain.ConversationKey, phone string) bool
	GlobalHandle(phone string) ws.Pusher
}

// Inbound is one message event as received from a client: subject, body, and
// the receiver identity. The author comes from the authenticated connection,
// never from the frame.
type Inbound struct {
	TaskTitle string             `json:"task_title"`
	Text      string             `json:"text"`
	Receiver  domain.Participant `json:"receiver"`
}

// MessageFrame is the outbound conversation frame: the persisted message
// with its store-assigned id and an ISO-8601 timestamp.
type MessageFrame struct {
	ID        string             `json:"id"`
	TaskID    string             `json:"task_id"`
	TaskTitle string             `json:"task_title"`
	Text      string             `json:"text"`
	CreatedAt string             `json:"created_at"`
	Author    domain.Participant `json:"author"`
	Receiver  domain.Participant `json:"receiver"`
	Type      string             `json:"type"`
}

// NotificationFrame is the lightweight "new message" ping sent over the
// receiver's global channel.
type NotificationFrame struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	FromPhone string `json:"from_phone"`
	CreatedAt string `json:"created_at"`
}

// NewMessageFrame converts a persisted message to its wire form.
func NewMessageFrame(m *domain.Message) MessageFrame {
	return MessageFrame{
		ID:        m.ID,
		TaskID:    m.TaskID,
		TaskTitle: m.TaskTitle,
		Text:      m.Text,
		CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
		Author:    m.Author,
		Receiver:  m.Receiver,
		Type:      m.Type,
	}
}

// DeliveryRouter persists inbound messages and executes their delivery.
type DeliveryRouter struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Store is the message store used by this router.
	Store MessageStore
	// Registry provides broadcast and presence.
	Registry Presence
	// Relay is the out-of-band fallback channel; nil disables fallback.
	Relay relay.Relay
	// Resolver maps recipient identities to relay addresses.
	Resolver relay.AddressResolver

	// RelayTimeout bounds the fallback send so a slow relay stays invisible
	// to in-process participants.
	RelayTimeout time.Duration
}

// NewDeliveryRouter constructs a router with the default relay budget.
func NewDeliveryRouter(db *gorm.DB, store MessageStore, reg Presence, rl relay.Relay, res relay.AddressResolver) *DeliveryRouter {
	return &DeliveryRouter{
		DB:           db,
		Store:        store,
		Registry:     reg,
		Relay:        rl,
		Resolver:     res,
		RelayTimeout: 5 * time.Second,
	}
}

// Route accepts one inbound message from authorPhone within the conversation
// identified by key, persists it, and delivers it. The returned message is
// the persisted record; a non-nil error means the message was NOT accepted
// and nothing was broadcast.
func (r *DeliveryRouter) Route(ctx context.Context, key domain.ConversationKey, authorPhone string, in Inbound) (*domain.Message, error) {
	ctx, span := otel.Tracer("delivery").Start(ctx, "DeliveryRouter.Route")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", key.TaskID))

	if in.Text == "" {
		return nil, ErrEmptyText
	}
	if in.Receiver.Phone == "" {
		return nil, ErrReceiverRequired
	}

	// 1) Persist. The append assigns the id and timestamp; until it returns
	// successfully the message does not exist anywhere.
	msg, err := r.Store.AppendMessage(ctx, r.DB, domain.Message{
		TaskID:    key.TaskID,
		TaskTitle: in.TaskTitle,
		Text:      in.Text,
		Author:    domain.Participant{Phone: authorPhone, Role: "client"},
		Receiver:  in.Receiver,
		Type:      domain.MessageTypeQuestion,
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", key.TaskID).Msg("message append failed")
		return nil, ErrPersistFailed
	}
	messagesRouted.Inc()

	frame := NewMessageFrame(msg)

	// 2) Broadcast to every live handle under the key, the sender's included.
	for _, se := range r.Registry.Broadcast(key, frame) {
		log.Warn().Err(se.Err).
			Str("task_id", key.TaskID).
			Str("recipient", se.Phone).
			Msg("broadcast delivery degraded")
	}

	// 3) Cross-conversation ping, independent of the broadcast above.
	if g := r.Registry.GlobalHandle(in.Receiver.Phone); g != nil {
		if err := g.Push(NotificationFrame{
			Type:      "new_message",
			TaskID:    key.TaskID,
			FromPhone: authorPhone,
			CreatedAt: frame.CreatedAt,
		}); err != nil {
			log.Warn().Err(err).
				Str("recipient", in.Receiver.Phone).
				Msg("global notification degraded")
		}
	}

	// 4) Fallback only when the receiver is absent from this conversation.
	if r.Registry.IsPresent(key, in.Receiver.Phone) {
		relayFallback.WithLabelValues("skipped").Inc()
		return msg, nil
	}
	if err := r.sendFallback(ctx, key, authorPhone, in); err != nil {
		log.Warn().Err(err).
			Str("task_id", key.TaskID).
			Str("recipient", in.Receiver.Phone).
			Msg("relay fallback degraded")
	}

	return msg, nil
}

// sendFallback resolves the recipient's relay address and sends the summary.
// The returned error reports degraded delivery only: the caller logs it and
// the send request itself still succeeds. A recipient with no relay address
// is reported as ErrNoRelayAddress.
func (r *DeliveryRouter) sendFallback(ctx context.Context, key domain.ConversationKey, authorPhone string, in Inbound) error {
	if r.Relay == nil || r.Resolver == nil {
		relayFallback.WithLabelValues("skipped").Inc()
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.RelayTimeout)
	defer cancel()

	chatID, err := r.Resolver.Resolve(ctx, in.Receiver.Phone)
	if err != nil {
		relayFallback.WithLabelValues("failed").Inc()
		if errors.Is(err, relay.ErrAddressNotFound) {
			return fmt.Errorf("%w: %s", ErrNoRelayAddress, in.Receiver.Phone)
		}
		return fmt.Errorf("relay address lookup: %w", err)
	}

	if err := r.Relay.Send(ctx, chatID, relay.Summary(in.TaskTitle, authorPhone, in.Text)); err != nil {
		relayFallback.WithLabelValues("failed").Inc()
		return fmt.Errorf("relay send to %d: %w", chatID, err)
	}
	relayFallback.WithLabelValues("sent").Inc()
	log.Debug().
		Str("task_id", key.TaskID).
		Str("recipient", in.Receiver.Phone).
		Msg("relay fallback sent")
	return nil
}
