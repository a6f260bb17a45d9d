package backend

import (
	"time"

	"github.com/yourorg/artmarket/conversation-sync/internal/domain"
)

type MessageDTO struct {
	ID             string     `json:"id"`
	ClientID       string     `json:"clientId,omitempty"`
	ConversationID string     `json:"conversationId,omitempty"`
	SenderID       string     `json:"senderId"`
	ReceiverID     string     `json:"receiverId"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"createdAt"`
	IsRead         bool       `json:"isRead"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	Status         string     `json:"status,omitempty"`
	IsDeleted      bool       `json:"isDeleted,omitempty"`
	IsFlagged      bool       `json:"isFlagged,omitempty"`
	FlagReason     string     `json:"flagReason,omitempty"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
}

func (d MessageDTO) Domain() domain.Message {
	return domain.Message{
		ID:              d.ID,
		ClientID:        d.ClientID,
		ConversationKey: domain.ConversationKey(d.ConversationID),
		SenderID:        d.SenderID,
		ReceiverID:      d.ReceiverID,
		Body:            d.Content,
		CreatedAt:       d.CreatedAt,
		Read:            d.IsRead,
		ReadAt:          d.ReadAt,
		Status:          domain.MessageStatus(d.Status),
		Deleted:         d.IsDeleted,
		Flagged:         d.IsFlagged,
		FlagReason:      d.FlagReason,
		EditedAt:        d.EditedAt,
	}.Normalize()
}

// NewMessageDTO renders m in the REST shape.
func NewMessageDTO(m domain.Message) MessageDTO {
	return MessageDTO{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: string(m.ConversationKey),
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Body,
		CreatedAt:      m.CreatedAt,
		IsRead:         m.Read,
		ReadAt:         m.ReadAt,
		Status:         string(m.Status),
		IsDeleted:      m.Deleted,
		IsFlagged:      m.Flagged,
		FlagReason:     m.FlagReason,
		EditedAt:       m.EditedAt,
	}
}

func messages(in []MessageDTO) []domain.Message {
	out := make([]domain.Message, 0, len(in))
	for _, d := range in {
		out = append(out, d.Domain())
	}
	return out
}

type UserDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
	Role     string `json:"role,omitempty"`
	IsOnline bool   `json:"isOnline"`
}

type LastMessageDTO struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId,omitempty"`
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	CreatedAt time.Time `json:"createdAt"`
}

type ConversationDTO struct {
	ConversationID string          `json:"conversationId,omitempty"`
	OtherUser      UserDTO         `json:"otherUser"`
	LastMessage    *LastMessageDTO `json:"lastMessage,omitempty"`
	UnreadCount    int             `json:"unreadCount"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func (d ConversationDTO) Domain(self string) domain.ConversationSummary {
	key := domain.ConversationKey(d.ConversationID)
	if key == "" {
		key = domain.Key(self, d.OtherUser.ID)
	}
	s := domain.ConversationSummary{
		Key: key,
		Counterpart: domain.Counterpart{
			ID:          d.OtherUser.ID,
			DisplayName: d.OtherUser.Name,
			Avatar:      d.OtherUser.Avatar,
			Role:        d.OtherUser.Role,
			Online:      d.OtherUser.IsOnline,
		},
		UnreadCount: d.UnreadCount,
		UpdatedAt:   d.UpdatedAt,
	}
	if d.LastMessage != nil {
		s.LastMessage = &domain.LastMessage{
			ID:        d.LastMessage.ID,
			ClientID:  d.LastMessage.ClientID,
			Body:      d.LastMessage.Content,
			SenderID:  d.LastMessage.SenderID,
			CreatedAt: d.LastMessage.CreatedAt,
		}
		if s.UpdatedAt.IsZero() {
			s.UpdatedAt = d.LastMessage.CreatedAt
		}
	}
	return s
}

// NewConversationDTO renders s, as seen by the participant other than its counterpart.
func NewConversationDTO(s domain.ConversationSummary) ConversationDTO {
	d := ConversationDTO{
		ConversationID: string(s.Key),
		OtherUser: UserDTO{
			ID:       s.Counterpart.ID,
			Name:     s.Counterpart.DisplayName,
			Avatar:   s.Counterpart.Avatar,
			Role:     s.Counterpart.Role,
			IsOnline: s.Counterpart.Online,
		},
		UnreadCount: s.UnreadCount,
		UpdatedAt:   s.UpdatedAt,
	}
	if lm := s.LastMessage; lm != nil {
		d.LastMessage = &LastMessageDTO{ID: lm.ID, ClientID: lm.ClientID, Content: lm.Body, SenderID: lm.SenderID, CreatedAt: lm.CreatedAt}
	}
	return d
}

type ConversationsPageDTO struct {
	Conversations []ConversationDTO `json:"conversations"`
	HasMore       bool              `json:"hasMore"`
	Page          int               `json:"page"`
}

// NewConversationsPage builds the response body of the conversation listing.
func NewConversationsPage(list []domain.ConversationSummary, page int, hasMore bool) ConversationsPageDTO {
	out := ConversationsPageDTO{Conversations: make([]ConversationDTO, 0, len(list)), HasMore: hasMore, Page: page}
	for _, s := range list {
		out.Conversations = append(out.Conversations, NewConversationDTO(s))
	}
	return out
}

type MessagePageDTO struct {
	Messages   []MessageDTO `json:"messages"`
	HasMore    bool         `json:"hasMore"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

// NewMessagePage builds the response body of a history request.
func NewMessagePage(msgs []domain.Message, hasMore bool, next string) MessagePageDTO {
	out := MessagePageDTO{Messages: make([]MessageDTO, 0, len(msgs)), HasMore: hasMore, NextCursor: next}
	for _, m := range msgs {
		out.Messages = append(out.Messages, NewMessageDTO(m))
	}
	return out
}

// Direction selects which side of the cursor a history page comes from.
type Direction string

const (
	Older Direction = "older"
	Newer Direction = "newer"
)

// MessagePage is one page of conversation history, oldest first.
type MessagePage struct {
	Messages   []domain.Message
	HasMore    bool
	NextCursor string
}

type ConversationList struct {
	Conversations []domain.ConversationSummary
	HasMore       bool
	Page          int
}

type SendRequest struct {
	ReceiverID string `json:"receiverId" validate:"required"`
	Content    string `json:"content" validate:"required,max=4000"`
	ClientID   string `json:"clientId,omitempty" validate:"omitempty,max=64"`
}

type FlagRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type UnreadCount struct {
	Count int `json:"count"`
}

// AdminFilter narrows the admin message listing. Zero fields are not sent.
type AdminFilter struct {
	Flagged      *bool
	Conversation string
	User         string
	Search       string
	Sort         string
	Page         int
	Limit        int
}

type AdminPage struct {
	Messages []domain.Message
	Total    int
	Page     int
	HasMore  bool
}

type AdminPageDTO struct {
	Messages []MessageDTO `json:"messages"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	HasMore  bool         `json:"hasMore"`
}

// NewAdminPage builds the response body of the admin listing.
func NewAdminPage(msgs []domain.Message, total, page int, hasMore bool) AdminPageDTO {
	out := AdminPageDTO{Messages: make([]MessageDTO, 0, len(msgs)), Total: total, Page: page, HasMore: hasMore}
	for _, m := range msgs {
		out.Messages = append(out.Messages, NewMessageDTO(m))
	}
	return out
}

type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

type Bucket struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

type Analytics struct {
	Period              Period   `json:"period"`
	TotalMessages       int      `json:"totalMessages"`
	FlaggedMessages     int      `json:"flaggedMessages"`
	DeletedMessages     int      `json:"deletedMessages"`
	ActiveConversations int      `json:"activeConversations"`
	Series              []Bucket `json:"series"`
}
