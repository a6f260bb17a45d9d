package backend

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/yourorg/artmarket/conversation-sync/internal/domain"
)

// Conversations lists the local user's conversations. Retried on transport errors.
func (cl *Client) Conversations(ctx context.Context, page, limit int) (ConversationList, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out ConversationsPageDTO
	err := cl.do(ctx, call{endpoint: "conversations", method: http.MethodGet, path: "/api/messages/conversations", query: q, retry: true}, &out)
	if err != nil {
		return ConversationList{}, err
	}
	list := ConversationList{HasMore: out.HasMore, Page: out.Page}
	for _, d := range out.Conversations {
		list.Conversations = append(list.Conversations, d.Domain(cl.self))
	}
	return list, nil
}

// History fetches one page of the conversation with userID. An empty cursor
// asks for the most recent page. Retried on transport errors.
func (cl *Client) History(ctx context.Context, userID, cursor string, limit int, dir Direction) (MessagePage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if dir != "" {
		q.Set("direction", string(dir))
	}
	var out MessagePageDTO
	err := cl.do(ctx, call{endpoint: "history", method: http.MethodGet, path: "/api/messages/conversation/" + url.PathEscape(userID), query: q, retry: true}, &out)
	if err != nil {
		return MessagePage{}, err
	}
	return MessagePage{Messages: messages(out.Messages), HasMore: out.HasMore, NextCursor: out.NextCursor}, nil
}

// Send posts a message. Not retried.
func (cl *Client) Send(ctx context.Context, receiverID, body, clientID string) (domain.Message, error) {
	var out MessageDTO
	err := cl.do(ctx, call{endpoint: "send", method: http.MethodPost, path: "/api/messages/send",
		body: SendRequest{ReceiverID: receiverID, Content: body, ClientID: clientID}}, &out)
	if err != nil {
		return domain.Message{}, err
	}
	return out.Domain(), nil
}

// MarkRead marks everything userID sent to the local user as read.
func (cl *Client) MarkRead(ctx context.Context, userID string) error {
	return cl.do(ctx, call{endpoint: "mark_read", method: http.MethodPut, path: "/api/messages/read/" + url.PathEscape(userID)}, nil)
}

func (cl *Client) UnreadCount(ctx context.Context) (int, error) {
	var out UnreadCount
	err := cl.do(ctx, call{endpoint: "unread_count", method: http.MethodGet, path: "/api/messages/unread-count", retry: true}, &out)
	return out.Count, err
}

func (cl *Client) Search(ctx context.Context, query string) ([]domain.Message, error) {
	var out []MessageDTO
	err := cl.do(ctx, call{endpoint: "search", method: http.MethodGet, path: "/api/messages/search", query: url.Values{"q": {query}}, retry: true}, &out)
	if err != nil {
		return nil, err
	}
	return messages(out), nil
}

func (cl *Client) Block(ctx context.Context, userID string) error {
	return cl.do(ctx, call{endpoint: "block", method: http.MethodPost, path: "/api/messages/block/" + url.PathEscape(userID)}, nil)
}

func (cl *Client) Unblock(ctx context.Context, userID string) error {
	return cl.do(ctx, call{endpoint: "unblock", method: http.MethodDelete, path: "/api/messages/block/" + url.PathEscape(userID)}, nil)
}

// Delete soft-deletes one of the local user's messages.
func (cl *Client) Delete(ctx context.Context, messageID string) error {
	return cl.do(ctx, call{endpoint: "delete", method: http.MethodDelete, path: "/api/messages/" + url.PathEscape(messageID)}, nil)
}

// AdminMessages lists messages across conversations. Admin only.
func (cl *Client) AdminMessages(ctx context.Context, f AdminFilter) (AdminPage, error) {
	q := url.Values{}
	if f.Flagged != nil {
		q.Set("flagged", strconv.FormatBool(*f.Flagged))
	}
	for k, v := range map[string]string{"conversation": f.Conversation, "user": f.User, "search": f.Search, "sort": f.Sort} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out AdminPageDTO
	err := cl.do(ctx, call{endpoint: "admin_messages", method: http.MethodGet, path: "/api/admin/messages", query: q, retry: true}, &out)
	if err != nil {
		return AdminPage{}, err
	}
	return AdminPage{Messages: messages(out.Messages), Total: out.Total, Page: out.Page, HasMore: out.HasMore}, nil
}

// Flag marks a message flagged and returns the updated copy.
func (cl *Client) Flag(ctx context.Context, messageID, reason string) (domain.Message, error) {
	var out MessageDTO
	err := cl.do(ctx, call{endpoint: "flag", method: http.MethodPut, path: "/api/admin/messages/" + url.PathEscape(messageID) + "/flag", body: FlagRequest{Reason: reason}}, &out)
	if err != nil {
		return domain.Message{}, err
	}
	return out.Domain(), nil
}

func (cl *Client) Unflag(ctx context.Context, messageID string) (domain.Message, error) {
	var out MessageDTO
	err := cl.do(ctx, call{endpoint: "unflag", method: http.MethodPut, path: "/api/admin/messages/" + url.PathEscape(messageID) + "/unflag"}, &out)
	if err != nil {
		return domain.Message{}, err
	}
	return out.Domain(), nil
}

func (cl *Client) AdminDelete(ctx context.Context, messageID string) error {
	return cl.do(ctx, call{endpoint: "admin_delete", method: http.MethodDelete, path: "/api/admin/messages/" + url.PathEscape(messageID)}, nil)
}

func (cl *Client) Analytics(ctx context.Context, period Period) (Analytics, error) {
	var out Analytics
	err := cl.do(ctx, call{endpoint: "analytics", method: http.MethodGet, path: "/api/admin/messages/analytics", query: url.Values{"period": {string(period)}}, retry: true}, &out)
	return out, err
}
