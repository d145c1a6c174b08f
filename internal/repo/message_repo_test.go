package repo

import (
	"context"
	"testing"
	"time"

	"github.com/taskhub/go-taskchat-backend/internal/domain"
)

func TestAppendMessage_AssignsIDTimestampAndType(t *testing.T) {
	db := newIdemDB(t, &domain.Message{})
	ctx := context.Background()

	before := time.Now().UTC()
	m, err := AppendMessage(ctx, db, domain.Message{
		TaskID:    "t1",
		TaskTitle: "Sink",
		Text:      "hello",
		Author:    domain.Participant{Phone: "p1", Role: "client"},
		Receiver:  domain.Participant{Phone: "p2", Name: "Oksana"},
	})
	if err != nil {
		t.Fatalf("AppendMessage error: %v", err)
	}
	if m.ID == "" {
		t.Fatalf("expected assigned id")
	}
	if m.CreatedAt.Before(before) {
		t.Fatalf("expected server-side timestamp, got %v", m.CreatedAt)
	}
	if m.Type != domain.MessageTypeQuestion {
		t.Fatalf("expected default type %q, got %q", domain.MessageTypeQuestion, m.Type)
	}

	got, err := GetMessage(db, m.ID)
	if err != nil {
		t.Fatalf("GetMessage error: %v", err)
	}
	if got.Text != "hello" || got.Author.Phone != "p1" || got.Receiver.Phone != "p2" {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if _, err := GetMessage(db, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListMessages_PairUnorderedAndOrdered(t *testing.T) {
	db := newIdemDB(t, &domain.Message{})
	ctx := context.Background()

	// Interleave both directions plus noise from another task and a stranger.
	seed := []struct {
		task, from, to, text string
	}{
		{"t1", "p1", "p2", "one"},
		{"t1", "p2", "p1", "two"},
		{"t1", "p1", "p2", "three"},
		{"t2", "p1", "p2", "other task"},
		{"t1", "p1", "p3", "stranger"},
	}
	for _, s := range seed {
		if _, err := AppendMessage(ctx, db, domain.Message{
			TaskID:   s.task,
			Text:     s.text,
			Author:   domain.Participant{Phone: s.from},
			Receiver: domain.Participant{Phone: s.to},
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	forward, err := ListMessages(ctx, db, "t1", "p1", "p2")
	if err != nil {
		t.Fatalf("ListMessages error: %v", err)
	}
	if len(forward) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(forward))
	}
	if forward[0].Text != "one" || forward[1].Text != "two" || forward[2].Text != "three" {
		t.Fatalf("order unexpected: %+v", forward)
	}

	// The pair is unordered: swapping the arguments yields the same thread.
	backward, err := ListMessages(ctx, db, "t1", "p2", "p1")
	if err != nil {
		t.Fatalf("ListMessages error: %v", err)
	}
	if len(backward) != len(forward) {
		t.Fatalf("pair order changed the result: %d vs %d", len(backward), len(forward))
	}

	total, err := CountMessages(ctx, db, "t1", "p1", "p2")
	if err != nil || total != 3 {
		t.Fatalf("CountMessages = %d, %v", total, err)
	}

	page, err := ListMessagesPage(ctx, db, "t1", "p1", "p2", 1, 1)
	if err != nil {
		t.Fatalf("ListMessagesPage error: %v", err)
	}
	if len(page) != 1 || page[0].Text != "two" {
		t.Fatalf("page unexpected: %+v", page)
	}
}

func TestListConversations_DedupesNewestFirst(t *testing.T) {
	db := newIdemDB(t, &domain.Message{})
	ctx := context.Background()

	seed := []struct {
		task, title, from, to string
	}{
		{"t1", "Sink", "p1", "p2"},
		{"t1", "Sink", "p2", "p1"}, // same conversation, other direction
		{"t2", "Roof", "p3", "p1"},
		{"t3", "Fence", "p4", "p5"}, // does not involve p1
	}
	for _, s := range seed {
		if _, err := AppendMessage(ctx, db, domain.Message{
			TaskID:    s.task,
			TaskTitle: s.title,
			Text:      "x",
			Author:    domain.Participant{Phone: s.from},
			Receiver:  domain.Participant{Phone: s.to},
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
		// keep created_at strictly increasing
		time.Sleep(2 * time.Millisecond)
	}

	heads, err := ListConversations(ctx, db, "p1")
	if err != nil {
		t.Fatalf("ListConversations error: %v", err)
	}
	if len(heads) != 2 {
		t.Fatalf("expected 2 conversations, got %d: %+v", len(heads), heads)
	}
	if heads[0].TaskID != "t2" || heads[1].TaskID != "t1" {
		t.Fatalf("order unexpected: %+v", heads)
	}
	if heads[1].TaskTitle != "Sink" {
		t.Fatalf("head metadata unexpected: %+v", heads[1])
	}
}

func TestUpsertReadState_LastWriteWins(t *testing.T) {
	db := newIdemDB(t, &domain.ReadState{})
	ctx := context.Background()

	t1 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	if err := UpsertReadState(ctx, db, "p1", "t1", "p2", t1); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := UpsertReadState(ctx, db, "p1", "t1", "p2", t2); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	rec, err := GetReadState(ctx, db, "p1", "t1", "p2")
	if err != nil {
		t.Fatalf("GetReadState error: %v", err)
	}
	if !rec.LastReadAt.Equal(t2) {
		t.Fatalf("expected last write to win: %v", rec.LastReadAt)
	}

	var count int64
	if err := db.Model(&domain.ReadState{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single row per conversation, got %d", count)
	}

	// Distinct counterpart is a distinct row.
	if err := UpsertReadState(ctx, db, "p1", "t1", "p3", t1); err != nil {
		t.Fatalf("third upsert: %v", err)
	}
	if err := db.Model(&domain.ReadState{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}

	if _, err := GetReadState(ctx, db, "p9", "t1", "p2"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUnreadJoin(t *testing.T) {
	db := newIdemDB(t, &domain.Message{}, &domain.ReadState{})
	ctx := context.Background()

	// Two conversations addressed to p1, one already acknowledged.
	for _, s := range []struct{ task, from string }{
		{"t1", "p2"},
		{"t1", "p2"},
		{"t2", "p3"},
	} {
		if _, err := AppendMessage(ctx, db, domain.Message{
			TaskID:   s.task,
			Text:     "x",
			Author:   domain.Participant{Phone: s.from},
			Receiver: domain.Participant{Phone: "p1"},
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	// One message authored by p1; must not appear in p1's unread join.
	if _, err := AppendMessage(ctx, db, domain.Message{
		TaskID:   "t3",
		Text:     "x",
		Author:   domain.Participant{Phone: "p1"},
		Receiver: domain.Participant{Phone: "p2"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := UpsertReadState(ctx, db, "p1", "t2", "p3", time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rows, err := UnreadJoin(ctx, db, "p1")
	if err != nil {
		t.Fatalf("UnreadJoin error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 grouped rows, got %d: %+v", len(rows), rows)
	}

	byTask := make(map[string]UnreadRow, len(rows))
	for _, r := range rows {
		byTask[r.TaskID] = r
	}
	if r, ok := byTask["t1"]; !ok || r.FromPhone != "p2" || r.LastReadAt != nil {
		t.Fatalf("t1 row unexpected: %+v", r)
	}
	if r, ok := byTask["t2"]; !ok || r.FromPhone != "p3" || r.LastReadAt == nil {
		t.Fatalf("t2 row unexpected: %+v", r)
	}
}
