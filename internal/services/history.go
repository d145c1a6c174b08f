// Package services – ConversationService
//
// Read-side operations over persisted conversations: the conversation list
// for a user and paginated message history. Both are plain queries with no
// delivery side effects.
package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/taskhub/go-taskchat-backend/internal/domain"
	"github.com/taskhub/go-taskchat-backend/internal/repo"
)

// ConversationRepo defines the repository contract required by
// ConversationService.
type ConversationRepo interface {
	// ListConversations returns the distinct conversations involving phone.
	ListConversations(ctx context.Context, db *gorm.DB, phone string) ([]repo.ConversationHead, error)

	// CountMessages returns the conversation's total message count.
	CountMessages(ctx context.Context, db *gorm.DB, taskID, phoneA, phoneB string) (int64, error)

	// ListMessagesPage returns one page of a conversation in creation order.
	ListMessagesPage(ctx context.Context, db *gorm.DB, taskID, phoneA, phoneB string, offset, limit int) ([]domain.Message, error)
}

// ConversationService serves conversation listings and message history.
type ConversationService struct {
	// DB is the GORM handle used for queries.
	DB *gorm.DB
	// Repo is the conversation repository used by this service.
	Repo ConversationRepo
}

// NewConversationService constructs a ConversationService.
func NewConversationService(db *gorm.DB, r ConversationRepo) *ConversationService {
	return &ConversationService{DB: db, Repo: r}
}

// List returns the caller's conversations, newest first.
func (s *ConversationService) List(ctx context.Context, phone string) ([]repo.ConversationHead, error) {
	return s.Repo.ListConversations(ctx, s.DB, phone)
}

// HistoryPage returns a page of the conversation between the caller and
// otherPhone within a task, plus the total count. Defaults are applied for
// invalid page/pageSize.
func (s *ConversationService) HistoryPage(ctx context.Context, taskID, me, otherPhone string, page, pageSize int) ([]domain.Message, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountMessages(ctx, s.DB, taskID, me, otherPhone)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}

	items, err := s.Repo.ListMessagesPage(ctx, s.DB, taskID, me, otherPhone, offset, pageSize)
	return items, total, err
}
