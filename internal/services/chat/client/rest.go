package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/louisbranch/classroom.chat/internal/platform/timeouts"
	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
	"github.com/louisbranch/classroom.chat/internal/services/chat/presence"
)

// APIError is a non-2xx response from the REST fallback.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("chat api: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("chat api: %s: %s", e.Code, e.Message)
}

// HistoryPage is one page of channel history, oldest first.
type HistoryPage struct {
	Messages      []domain.Message `json:"messages"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

// HistoryQuery selects a history page. PageToken wins over BeforeID.
type HistoryQuery struct {
	Limit     int
	PageToken string
	BeforeID  int64
}

// PostMessage is the REST body for a new message.
type PostMessage struct {
	Content         string             `json:"content"`
	MessageType     domain.MessageType `json:"messageType,omitempty"`
	FileURL         string             `json:"fileUrl,omitempty"`
	ReplyTo         int64              `json:"replyTo,omitempty"`
	Mentions        []domain.UserID    `json:"mentions,omitempty"`
	ClientMessageID string             `json:"clientMessageId,omitempty"`
}

// NewChannel is the REST body for channel creation.
type NewChannel struct {
	ID           domain.ChannelID   `json:"id"`
	Type         domain.ChannelType `json:"type,omitempty"`
	WorkspaceID  domain.WorkspaceID `json:"workspaceId,omitempty"`
	Participants []domain.UserID    `json:"participants"`
}

// RESTClient calls the chat server's /api endpoints.
type RESTClient struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
}

// History lists messages of a channel before a cursor.
func (c *RESTClient) History(ctx context.Context, channelID domain.ChannelID, q HistoryQuery) (HistoryPage, error) {
	values := url.Values{}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.PageToken != "" {
		values.Set("page_token", q.PageToken)
	} else if q.BeforeID > 0 {
		values.Set("before", strconv.FormatInt(q.BeforeID, 10))
	}
	var page HistoryPage
	err := c.do(ctx, http.MethodGet, channelPath(channelID, "messages"), values, nil, &page)
	return page, err
}

// Message fetches one message.
func (c *RESTClient) Message(ctx context.Context, channelID domain.ChannelID, messageID int64) (domain.Message, error) {
	var msg domain.Message
	err := c.do(ctx, http.MethodGet, channelPath(channelID, "messages", strconv.FormatInt(messageID, 10)), nil, nil, &msg)
	return msg, err
}

// Send posts a message through the REST fallback.
func (c *RESTClient) Send(ctx context.Context, channelID domain.ChannelID, body PostMessage) (domain.Message, error) {
	var msg domain.Message
	err := c.do(ctx, http.MethodPost, channelPath(channelID, "messages"), nil, body, &msg)
	return msg, err
}

// MarkRead records a read receipt.
func (c *RESTClient) MarkRead(ctx context.Context, channelID domain.ChannelID, messageID int64) error {
	return c.do(ctx, http.MethodPost, channelPath(channelID, "messages", strconv.FormatInt(messageID, 10), "read"), nil, nil, nil)
}

// Conversations lists the caller's visible conversations.
func (c *RESTClient) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	var resp struct {
		Conversations []domain.Conversation `json:"conversations"`
	}
	err := c.do(ctx, http.MethodGet, "/api/conversations", nil, nil, &resp)
	return resp.Conversations, err
}

// HideConversation hides a conversation until its next message.
func (c *RESTClient) HideConversation(ctx context.Context, channelID domain.ChannelID) error {
	return c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(string(channelID)), nil, nil, nil)
}

// Unread returns the caller's per-channel unread counters.
func (c *RESTClient) Unread(ctx context.Context) ([]domain.UnreadCount, error) {
	var resp struct {
		Unread []domain.UnreadCount `json:"unread"`
	}
	err := c.do(ctx, http.MethodGet, "/api/unread", nil, nil, &resp)
	return resp.Unread, err
}

// CreateChannel creates a channel. Only teachers may call it.
func (c *RESTClient) CreateChannel(ctx context.Context, channel NewChannel) (domain.Channel, error) {
	var created domain.Channel
	err := c.do(ctx, http.MethodPost, "/api/channels", nil, channel, &created)
	return created, err
}

// DirectChannel resolves the direct channel between two users, creating it
// on first use.
func (c *RESTClient) DirectChannel(ctx context.Context, a, b domain.UserID) (domain.Channel, error) {
	var channel domain.Channel
	body := map[string][]domain.UserID{"participants": {a, b}}
	err := c.do(ctx, http.MethodPost, "/api/direct-channels", nil, body, &channel)
	return channel, err
}

// Presence returns a user's presence snapshot.
func (c *RESTClient) Presence(ctx context.Context, userID domain.UserID) (presence.Entry, error) {
	var entry presence.Entry
	err := c.do(ctx, http.MethodGet, "/api/presence/"+url.PathEscape(string(userID)), nil, nil, &entry)
	return entry, err
}

func channelPath(channelID domain.ChannelID, parts ...string) string {
	return "/api/channels/" + url.PathEscape(string(channelID)) + "/" + strings.Join(parts, "/")
}

func (c *RESTClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c == nil || strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("chat api base url is required")
	}
	target := strings.TrimRight(c.BaseURL, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOperation)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Tokens != nil {
		token, err := c.Tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var decoded struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&decoded); err == nil {
			apiErr.Code = decoded.Code
			apiErr.Message = decoded.Error
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
