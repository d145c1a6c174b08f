// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the message store: append-only message
// persistence, conversation history and listing queries, read-state upserts,
// and the unread join consumed by the read-state service.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taskhub/go-taskchat-backend/internal/domain"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// AppendMessage inserts a new message row. The id and creation timestamp are
// assigned here, server-side; the timestamp is never taken from the client.
func AppendMessage(ctx context.Context, db *gorm.DB, m domain.Message) (*domain.Message, error) {
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()
	if m.Type == "" {
		m.Type = domain.MessageTypeQuestion
	}
	if err := db.WithContext(ctx).Create(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessage fetches a single message by its id, returning ErrNotFound when
// no row exists.
func GetMessage(db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// ListMessages returns the full conversation between two participants within
// a task, ordered deterministically (CreatedAt ASC, ID ASC). The pair is
// unordered: messages in both directions are included.
func ListMessages(ctx context.Context, db *gorm.DB, taskID, phoneA, phoneB string) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Where(
			db.Where("author_phone = ? AND receiver_phone = ?", phoneA, phoneB).
				Or("author_phone = ? AND receiver_phone = ?", phoneB, phoneA),
		).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// CountMessages returns the number of messages in a conversation, for
// paginated history responses.
func CountMessages(ctx context.Context, db *gorm.DB, taskID, phoneA, phoneB string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Message{}).
		Where("task_id = ?", taskID).
		Where(
			db.Where("author_phone = ? AND receiver_phone = ?", phoneA, phoneB).
				Or("author_phone = ? AND receiver_phone = ?", phoneB, phoneA),
		).
		Count(&total).Error
	return total, err
}

// ListMessagesPage returns a page of a conversation ordered (CreatedAt ASC, ID ASC).
func ListMessagesPage(ctx context.Context, db *gorm.DB, taskID, phoneA, phoneB string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Where(
			db.Where("author_phone = ? AND receiver_phone = ?", phoneA, phoneB).
				Or("author_phone = ? AND receiver_phone = ?", phoneB, phoneA),
		).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ConversationHead summarizes one conversation: the task plus the most recent
// message's subject and participants.
type ConversationHead struct {
	TaskID    string             `json:"task_id"`
	TaskTitle string             `json:"task_title"`
	Author    domain.Participant `json:"author"`
	Receiver  domain.Participant `json:"receiver"`
	LastAt    time.Time          `json:"last_message_at"`
}

// ListConversations returns the distinct conversations that involve the given
// identity as author or receiver, newest first, each carrying the latest
// message's metadata.
func ListConversations(ctx context.Context, db *gorm.DB, phone string) ([]ConversationHead, error) {
	var msgs []domain.Message
	err := db.WithContext(ctx).
		Where("author_phone = ? OR receiver_phone = ?", phone, phone).
		Order("created_at DESC, id DESC").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}

	type pairKey struct{ taskID, counterpart string }
	seen := make(map[pairKey]struct{})
	heads := make([]ConversationHead, 0)
	for _, m := range msgs {
		counterpart := m.Author.Phone
		if counterpart == phone {
			counterpart = m.Receiver.Phone
		}
		k := pairKey{m.TaskID, counterpart}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		heads = append(heads, ConversationHead{
			TaskID:    m.TaskID,
			TaskTitle: m.TaskTitle,
			Author:    m.Author,
			Receiver:  m.Receiver,
			LastAt:    m.CreatedAt,
		})
	}
	return heads, nil
}

// UpsertReadState records a read acknowledgement, creating or overwriting the
// single row keyed by (reader, task, counterpart). Last write wins.
func UpsertReadState(ctx context.Context, db *gorm.DB, reader, taskID, otherPhone string, ts time.Time) error {
	rec := domain.ReadState{
		ID:         uuid.NewString(),
		UserPhone:  reader,
		TaskID:     taskID,
		OtherPhone: otherPhone,
		LastReadAt: ts,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_phone"}, {Name: "task_id"}, {Name: "other_user_phone"}},
			DoUpdates: clause.Assignments(map[string]any{"last_read_at": ts}),
		}).
		Create(&rec).Error
}

// GetReadState fetches the read-state row for a conversation, or ErrNotFound.
func GetReadState(ctx context.Context, db *gorm.DB, reader, taskID, otherPhone string) (*domain.ReadState, error) {
	var rec domain.ReadState
	err := db.WithContext(ctx).
		Where("user_phone = ? AND task_id = ? AND other_user_phone = ?", reader, taskID, otherPhone).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UnreadRow pairs a conversation's latest inbound message time with the
// reader's matching read acknowledgement (nullable when never read).
type UnreadRow struct {
	TaskID     string     `json:"task_id"`
	FromPhone  string     `json:"from_phone"`
	LastMsgAt  time.Time  `json:"last_message_at"`
	LastReadAt *time.Time `json:"last_read_at"`
}

// UnreadJoin computes, for every conversation where the reader is the
// receiver, the latest message time joined against that reader's read state
// (matched on reader + task + counterpart). A missing read state surfaces as
// a NULL LastReadAt, which callers must treat as "never read".
func UnreadJoin(ctx context.Context, db *gorm.DB, reader string) ([]UnreadRow, error) {
	var rows []UnreadRow
	err := db.WithContext(ctx).Raw(`
		SELECT m.task_id            AS task_id,
		       m.author_phone       AS from_phone,
		       MAX(m.created_at)    AS last_msg_at,
		       rs.last_read_at      AS last_read_at
		FROM messages m
		LEFT JOIN read_states rs
		       ON rs.user_phone = ?
		      AND rs.task_id = m.task_id
		      AND rs.other_user_phone = m.author_phone
		WHERE m.receiver_phone = ?
		GROUP BY m.task_id, m.author_phone`, reader, reader).
		Scan(&rows).Error
	return rows, err
}
