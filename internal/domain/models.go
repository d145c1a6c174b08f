// Package domain defines the persistence models for task conversations:
// messages exchanged between a task assignee and the task creator, per-reader
// read-state records, and the Telegram address directory used for offline
// delivery. These types are mapped with GORM and form the core data layer
// of the chat subsystem.
package domain

import (
	"time"
)

// Participant identifies one side of a conversation message. Phone is the
// stable principal identity; Role/Name carry presentation metadata and are
// stored verbatim as supplied at send time.
type Participant struct {
	Phone string `json:"phone" gorm:"type:varchar(32);not null"`
	Role  string `json:"role,omitempty" gorm:"type:varchar(16)"`
	Name  string `json:"name,omitempty" gorm:"type:varchar(128)"`
}

// MessageTypeQuestion is the only message type currently produced: a question
// asked by a task assignee to the task creator.
const MessageTypeQuestion = "question"

// Message represents one persisted utterance within a task conversation.
// Messages are immutable after creation; the subsystem never updates or
// deletes them.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - TaskID: identifier of the task this conversation belongs to; indexed
//     together with CreatedAt for ordered history reads.
//   - TaskTitle: free-text subject carried with each message.
//   - Text: message body.
//   - CreatedAt: server-assigned UTC timestamp, set at persistence time and
//     never taken from the client. Non-decreasing within a conversation
//     because messages are persisted before they are broadcast.
//   - Author / Receiver: embedded participant identities.
//   - Type: message type tag (currently always "question").
type Message struct {
	ID        string      `json:"id"         gorm:"type:char(36);primaryKey"`
	TaskID    string      `json:"task_id"    gorm:"type:varchar(64);not null;index:idx_task_msgs,priority:1"`
	TaskTitle string      `json:"task_title" gorm:"type:varchar(255);not null"`
	Text      string      `json:"text"       gorm:"type:text;not null"`
	CreatedAt time.Time   `json:"created_at" gorm:"index:idx_task_msgs,priority:2"`
	Author    Participant `json:"author"     gorm:"embedded;embeddedPrefix:author_"`
	Receiver  Participant `json:"receiver"   gorm:"embedded;embeddedPrefix:receiver_"`
	Type      string      `json:"type"       gorm:"type:varchar(16);not null;default:'question'"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// ReadState records the last time a reader acknowledged a conversation,
// keyed by (reader, task, counterpart). At most one row exists per key;
// every acknowledgement overwrites the previous timestamp (last-write-wins).
// Rows are never deleted.
type ReadState struct {
	ID         string    `json:"id"               gorm:"type:char(36);primaryKey"`
	UserPhone  string    `json:"user_phone"       gorm:"type:varchar(32);not null;uniqueIndex:ux_read_state,priority:1"`
	TaskID     string    `json:"task_id"          gorm:"type:varchar(64);not null;uniqueIndex:ux_read_state,priority:2"`
	OtherPhone string    `json:"other_user_phone" gorm:"column:other_user_phone;type:varchar(32);not null;uniqueIndex:ux_read_state,priority:3"`
	LastReadAt time.Time `json:"last_read_at"     gorm:"not null"`
}

// TableName returns the database table name for ReadState.
func (ReadState) TableName() string { return "read_states" }

// TelegramLink maps a principal's phone and Telegram display name to the chat
// id the relay bot must address. Rows are created out-of-band when a user
// starts the bot; this subsystem only reads them.
type TelegramLink struct {
	ID        string    `json:"id"       gorm:"type:char(36);primaryKey"`
	Phone     string    `json:"phone"    gorm:"type:varchar(32);not null;uniqueIndex"`
	Username  string    `json:"username" gorm:"type:varchar(128);not null"`
	ChatID    int64     `json:"chat_id"  gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for TelegramLink.
func (TelegramLink) TableName() string { return "telegram_links" }
