package domain

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/yourorg/artmarket/conversation-sync/internal/validate"
)

func init() {
	validate.RegisterStructValidation(checkConversation, Message{})
}

// checkConversation rejects a conversation id that does not belong to the
// message's two participants.
func checkConversation(sl validator.StructLevel) {
	m := sl.Current().Interface().(Message)
	if m.ConversationKey == "" || m.SenderID == "" || m.ReceiverID == "" {
		return
	}
	if m.ConversationKey != Key(m.SenderID, m.ReceiverID) {
		sl.ReportError(m.ConversationKey, "conversation_id", "ConversationKey", "conversation", "")
	}
}

// Validate rejects copies that cannot be placed in a conversation. Errors
// wrap apperr.ErrMalformed.
func (m Message) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("message %s: %w", m.Key(), err)
	}
	return nil
}
