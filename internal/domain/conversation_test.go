package domain

import (
	"errors"
	"testing"
)

func TestNewConversationKey_OrderIndependent(t *testing.T) {
	a := NewConversationKey("t1", "+380501112233", "+380671234567")
	b := NewConversationKey("t1", "+380671234567", "+380501112233")
	if a != b {
		t.Fatalf("keys differ by participant order: %v vs %v", a, b)
	}
	if a.PairToken != "+380501112233_+380671234567" {
		t.Fatalf("pair token not normalized: %q", a.PairToken)
	}
	if a.String() != "t1_+380501112233_+380671234567" {
		t.Fatalf("wire form unexpected: %q", a.String())
	}
}

func TestNewConversationKey_DistinctTasksDistinctKeys(t *testing.T) {
	a := NewConversationKey("t1", "p1", "p2")
	b := NewConversationKey("t2", "p1", "p2")
	if a == b {
		t.Fatalf("same key across different tasks")
	}
}

func TestParsePairToken(t *testing.T) {
	k, err := ParsePairToken("t1", "p2_p1")
	if err != nil {
		t.Fatalf("ParsePairToken error: %v", err)
	}
	if k.PairToken != "p1_p2" {
		t.Fatalf("token not normalized: %q", k.PairToken)
	}

	for _, bad := range []string{"", "p1", "p1_", "_p2", "p1_p2_p3"} {
		if _, err := ParsePairToken("t1", bad); !errors.Is(err, ErrInvalidPairToken) {
			t.Fatalf("ParsePairToken(%q): expected ErrInvalidPairToken, got %v", bad, err)
		}
	}
}

func TestConversationKey_ParticipantsAndContains(t *testing.T) {
	k := NewConversationKey("t1", "p2", "p1")
	a, b := k.Participants()
	if a != "p1" || b != "p2" {
		t.Fatalf("participants unexpected: %q %q", a, b)
	}
	if !k.Contains("p1") || !k.Contains("p2") {
		t.Fatalf("Contains should be true for both participants")
	}
	if k.Contains("p3") {
		t.Fatalf("Contains should be false for a stranger")
	}
}
