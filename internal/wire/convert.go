package wire

import "github.com/yourorg/artmarket/conversation-sync/internal/domain"

func (m Message) Domain() domain.Message {
	return domain.Message{
		ID:              m.ID,
		ClientID:        m.ClientID,
		ConversationKey: domain.ConversationKey(m.ConversationID),
		SenderID:        m.SenderID,
		ReceiverID:      m.ReceiverID,
		Body:            m.Content,
		CreatedAt:       m.CreatedAt,
		Read:            m.Read,
		ReadAt:          m.ReadAt,
		Status:          domain.MessageStatus(m.Status),
		Deleted:         m.Deleted,
		Flagged:         m.Flagged,
		FlagReason:      m.FlagReason,
		EditedAt:        m.EditedAt,
	}.Normalize()
}

func FromDomain(m domain.Message) Message {
	return Message{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: string(m.ConversationKey),
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Body,
		CreatedAt:      m.CreatedAt,
		Read:           m.Read,
		ReadAt:         m.ReadAt,
		Status:         string(m.Status),
		Deleted:        m.Deleted,
		Flagged:        m.Flagged,
		FlagReason:     m.FlagReason,
		EditedAt:       m.EditedAt,
	}
}
