// Package services – ReadStateService
//
// This file implements read-acknowledgement tracking. A conversation is
// unread for its reader when no acknowledgement exists at all, or when the
// latest message arrived after the last acknowledgement. The computation is
// a point-in-time join with no side effects.
package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/taskhub/go-taskchat-backend/internal/repo"
)

// ReadStateRepo defines the repository contract required by ReadStateService.
type ReadStateRepo interface {
	// UpsertReadState creates or overwrites the acknowledgement row keyed by
	// (reader, task, counterpart). Last write wins.
	UpsertReadState(ctx context.Context, db *gorm.DB, reader, taskID, otherPhone string, ts time.Time) error

	// UnreadJoin returns, per conversation where reader is the receiver, the
	// latest message time and the matching acknowledgement time (nil when
	// never acknowledged).
	UnreadJoin(ctx context.Context, db *gorm.DB, reader string) ([]repo.UnreadRow, error)
}

// ReadStateService records read acknowledgements and computes the unread
// summary.
type ReadStateService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the read-state repository used by this service.
	Repo ReadStateRepo

	// now is a clock seam for tests.
	now func() time.Time
}

// NewReadStateService constructs a ReadStateService on the given handle.
func NewReadStateService(db *gorm.DB, r ReadStateRepo) *ReadStateService {
	return &ReadStateService{DB: db, Repo: r, now: func() time.Time { return time.Now().UTC() }}
}

// MarkRead upserts the acknowledgement for (reader, taskID, otherPhone) at
// the current time. Repeated calls with no new messages are no-ops in
// effect: the timestamp moves forward but the unread flag stays false.
func (s *ReadStateService) MarkRead(ctx context.Context, reader, taskID, otherPhone string) error {
	return s.Repo.UpsertReadState(ctx, s.DB, reader, taskID, otherPhone, s.now())
}

// UnreadSummary returns the "taskID_counterpart" tokens of every conversation
// currently flagged unread for the reader. Absence of an acknowledgement
// means "never read": unread as soon as any message exists.
func (s *ReadStateService) UnreadSummary(ctx context.Context, reader string) ([]string, error) {
	rows, err := s.Repo.UnreadJoin(ctx, s.DB, reader)
	if err != nil {
		return nil, err
	}
	unread := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.LastReadAt == nil || row.LastMsgAt.After(*row.LastReadAt) {
			unread = append(unread, row.TaskID+"_"+row.FromPhone)
		}
	}
	return unread, nil
}
