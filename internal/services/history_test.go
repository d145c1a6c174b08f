package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/taskhub/go-taskchat-backend/internal/domain"
	"github.com/taskhub/go-taskchat-backend/internal/repo"
)

// fakeConversationRepo serves canned conversations and records paging args.
type fakeConversationRepo struct {
	heads    []repo.ConversationHead
	listErr  error
	total    int64
	countErr error
	page     []domain.Message
	pageErr  error

	gotOffset, gotLimit int
}

func (f *fakeConversationRepo) ListConversations(_ context.Context, _ *gorm.DB, _ string) ([]repo.ConversationHead, error) {
	return f.heads, f.listErr
}

func (f *fakeConversationRepo) CountMessages(_ context.Context, _ *gorm.DB, _, _, _ string) (int64, error) {
	return f.total, f.countErr
}

func (f *fakeConversationRepo) ListMessagesPage(_ context.Context, _ *gorm.DB, _, _, _ string, offset, limit int) ([]domain.Message, error) {
	f.gotOffset, f.gotLimit = offset, limit
	return f.page, f.pageErr
}

func TestConversationList(t *testing.T) {
	heads := []repo.ConversationHead{
		{TaskID: "t1", TaskTitle: "Sink", LastAt: time.Now()},
	}
	svc := NewConversationService(nil, &fakeConversationRepo{heads: heads})

	got, err := svc.List(context.Background(), "p1")
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(got) != 1 || got[0].TaskID != "t1" {
		t.Fatalf("conversations unexpected: %+v", got)
	}

	svc = NewConversationService(nil, &fakeConversationRepo{listErr: errors.New("boom")})
	if _, err := svc.List(context.Background(), "p1"); err == nil {
		t.Fatalf("expected error from repo")
	}
}

func TestHistoryPage_DefaultsAndOffsets(t *testing.T) {
	f := &fakeConversationRepo{total: 120, page: []domain.Message{{ID: "m1"}}}
	svc := NewConversationService(nil, f)

	// Invalid paging falls back to page 1 / size 50.
	items, total, err := svc.HistoryPage(context.Background(), "t1", "p1", "p2", 0, -3)
	if err != nil {
		t.Fatalf("HistoryPage error: %v", err)
	}
	if total != 120 || len(items) != 1 {
		t.Fatalf("page unexpected: total=%d items=%d", total, len(items))
	}
	if f.gotOffset != 0 || f.gotLimit != 50 {
		t.Fatalf("defaults not applied: offset=%d limit=%d", f.gotOffset, f.gotLimit)
	}

	// Explicit paging maps to offset/limit.
	if _, _, err := svc.HistoryPage(context.Background(), "t1", "p1", "p2", 3, 20); err != nil {
		t.Fatalf("HistoryPage error: %v", err)
	}
	if f.gotOffset != 40 || f.gotLimit != 20 {
		t.Fatalf("paging mismatch: offset=%d limit=%d", f.gotOffset, f.gotLimit)
	}
}

func TestHistoryPage_EmptyConversationShortCircuits(t *testing.T) {
	f := &fakeConversationRepo{total: 0, pageErr: errors.New("must not be called")}
	svc := NewConversationService(nil, f)

	items, total, err := svc.HistoryPage(context.Background(), "t1", "p1", "p2", 1, 50)
	if err != nil {
		t.Fatalf("HistoryPage error: %v", err)
	}
	if total != 0 || len(items) != 0 {
		t.Fatalf("expected empty page, got total=%d items=%d", total, len(items))
	}
}

func TestHistoryPage_CountError(t *testing.T) {
	svc := NewConversationService(nil, &fakeConversationRepo{countErr: errors.New("boom")})
	if _, _, err := svc.HistoryPage(context.Background(), "t1", "p1", "p2", 1, 50); err == nil {
		t.Fatalf("expected error from count")
	}
}
