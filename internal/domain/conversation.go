// Package domain — conversation key derivation.
//
// A conversation is one task-scoped chat thread between two identities. The
// key is derived, never stored: it combines the task id with the unordered
// pair of participant phones, serialized as a single string token compatible
// with the wire form clients use ("taskID_phoneA_phoneB").
package domain

import (
	"errors"
	"sort"
	"strings"
)

// ErrInvalidPairToken is returned when a participant-pair token does not
// contain exactly two non-empty identities.
var ErrInvalidPairToken = errors.New("pair token must contain exactly two identities")

// ConversationKey identifies one logical chat thread. It is immutable once
// constructed and safe to use as a map key.
type ConversationKey struct {
	TaskID string
	// PairToken is the normalized "phoneA_phoneB" token with the two phones
	// in lexicographic order, so the pair is unordered.
	PairToken string
}

// NewConversationKey derives the key for a task and two participants. The
// participant order does not matter; the same key is produced either way.
func NewConversationKey(taskID, phoneA, phoneB string) ConversationKey {
	pair := []string{phoneA, phoneB}
	sort.Strings(pair)
	return ConversationKey{TaskID: taskID, PairToken: pair[0] + "_" + pair[1]}
}

// ParsePairToken normalizes a client-supplied "phoneA_phoneB" token into a
// ConversationKey. Phone numbers may themselves contain no underscores; the
// token is split on the single separator.
func ParsePairToken(taskID, pairToken string) (ConversationKey, error) {
	parts := strings.Split(pairToken, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ConversationKey{}, ErrInvalidPairToken
	}
	return NewConversationKey(taskID, parts[0], parts[1]), nil
}

// Participants returns the two identities of the pair, in normalized order.
func (k ConversationKey) Participants() (string, string) {
	parts := strings.SplitN(k.PairToken, "_", 2)
	return parts[0], parts[1]
}

// Contains reports whether phone is one of the two participants.
func (k ConversationKey) Contains(phone string) bool {
	a, b := k.Participants()
	return phone == a || phone == b
}

// String serializes the key as "taskID_phoneA_phoneB".
func (k ConversationKey) String() string {
	return k.TaskID + "_" + k.PairToken
}
