package domain

import "time"

// Source tells the merge rules where a message copy came from.
type Source int

const (
	// SourceREST is a history page or snapshot fetched over REST.
	SourceREST Source = iota
	// SourceChannel is a new_message push.
	SourceChannel
	// SourceLocal is an optimistic copy created on this client.
	SourceLocal
	// SourceUpdate is a message_updated push (edit, flag change, delete).
	SourceUpdate
	// SourceModeration is a local moderation action acknowledged by the backend.
	SourceModeration
)

func (s Source) String() string {
	switch s {
	case SourceREST:
		return "rest"
	case SourceChannel:
		return "channel"
	case SourceLocal:
		return "local"
	case SourceUpdate:
		return "update"
	case SourceModeration:
		return "moderation"
	}
	return "unknown"
}

// explicit reports whether the source may change moderation state.
func (s Source) explicit() bool {
	return s == SourceUpdate || s == SourceModeration
}

// Merge combines a stored copy with an incoming copy of the same message and
// reports whether the result differs from the stored one.
//
// Read, Status and Deleted only advance. The body is replaced only by a copy
// with a strictly newer EditedAt. Flag state follows the incoming copy only
// when it comes from an explicit update or moderation source.
func (m Message) Merge(in Message, src Source) (Message, bool) {
	out := m
	in = in.Normalize()

	if out.ID == "" && in.ID != "" {
		// acknowledgement: the backend's timestamp replaces the local one
		out.ID = in.ID
		if !in.CreatedAt.IsZero() {
			out.CreatedAt = in.CreatedAt
		}
	}
	if out.ClientID == "" && in.ClientID != "" {
		out.ClientID = in.ClientID
	}
	if out.ConversationKey == "" {
		out.ConversationKey = in.ConversationKey
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = in.CreatedAt
	}

	if in.Read && !out.Read {
		out.Read = true
	}
	if in.ReadAt != nil && (out.ReadAt == nil || in.ReadAt.Before(*out.ReadAt)) {
		t := *in.ReadAt
		out.ReadAt = &t
	}
	if out.Status == StatusFailed || out.Status == StatusPending {
		if in.Status != StatusPending && in.Status != "" {
			out.Status = in.Status
		}
	} else if in.Status.rank() > out.Status.rank() {
		out.Status = in.Status
	}
	if out.Read && out.Status.rank() < StatusRead.rank() && out.Status != StatusFailed && out.Status != StatusPending {
		out.Status = StatusRead
	}

	if in.Deleted {
		out.Deleted = true
	}
	if in.EditedAt != nil && (out.EditedAt == nil || in.EditedAt.After(*out.EditedAt)) {
		t := *in.EditedAt
		out.EditedAt = &t
		out.Body = in.Body
	}

	if src.explicit() {
		out.Flagged = in.Flagged
		out.FlagReason = in.FlagReason
	}

	return out, !equal(m, out)
}

func equal(a, b Message) bool {
	return a.ID == b.ID &&
		a.ClientID == b.ClientID &&
		a.ConversationKey == b.ConversationKey &&
		a.Body == b.Body &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.Read == b.Read &&
		timeEq(a.ReadAt, b.ReadAt) &&
		a.Status == b.Status &&
		a.Deleted == b.Deleted &&
		a.Flagged == b.Flagged &&
		a.FlagReason == b.FlagReason &&
		timeEq(a.EditedAt, b.EditedAt)
}

func timeEq(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
