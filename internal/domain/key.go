package domain

import (
	"sort"
	"strings"
)

// ConversationKey identifies a one-to-one conversation independently of
// which participant is asking.
type ConversationKey string

const keySep = "_"

// Key builds the conversation key for a pair of participants. Key(a, b) == Key(b, a).
func Key(a, b string) ConversationKey {
	ids := []string{a, b}
	sort.Strings(ids)
	return ConversationKey(ids[0] + keySep + ids[1])
}

// Participants splits a key back into its two ids, sorted.
func (k ConversationKey) Participants() (string, string, bool) {
	parts := strings.SplitN(string(k), keySep, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Counterpart returns the participant that is not self.
func (k ConversationKey) Counterpart(self string) string {
	a, b, ok := k.Participants()
	if !ok {
		return ""
	}
	if a == self {
		return b
	}
	return a
}

func (k ConversationKey) String() string { return string(k) }
