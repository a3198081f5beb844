// Package rest is the request/response side of the chat server API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/protocol"
)

// API is the set of REST calls the sync engine relies on.
type API interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	ListMessages(ctx context.Context, chatID string, page, size int) (model.Page, error)
	CreateMessage(ctx context.Context, d model.Draft) (model.Message, error)
	MarkRead(ctx context.Context, chatID string) error
	GetPresence(ctx context.Context, userID string) (model.Presence, error)
	BatchPresence(ctx context.Context, userIDs []string) ([]model.Presence, error)
	UnreadTotal(ctx context.Context) (int, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// HTTPClient implements API over HTTP with bearer authentication.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*HTTPClient)

func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.httpClient = c }
}

func WithTimeout(d time.Duration) Option {
	return func(h *HTTPClient) { h.httpClient.Timeout = d }
}

// NewHTTPClient creates a client for the server at baseURL.
func NewHTTPClient(baseURL, token string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type lastMessageDTO struct {
	Content   *string           `json:"content"`
	Type      model.MessageType `json:"type"`
	CreatedAt time.Time         `json:"createdAt"`
	ImageID   *string           `json:"imageId,omitempty"`
}

type conversationDTO struct {
	ID            string          `json:"id"`
	ParticipantID string          `json:"participantId"`
	LastMessage   *lastMessageDTO `json:"lastMessage"`
	UnreadCount   int             `json:"unreadCount"`
}

func (d conversationDTO) model() model.Conversation {
	c := model.Conversation{ID: d.ID, ParticipantID: d.ParticipantID, UnreadCount: max(d.UnreadCount, 0)}
	if d.LastMessage != nil {
		c.LastMessage = &model.LastMessage{
			Content:       d.LastMessage.Content,
			Type:          d.LastMessage.Type,
			CreatedAt:     d.LastMessage.CreatedAt,
			SenderMediaID: d.LastMessage.ImageID,
		}
	}
	return c
}

type pageDTO struct {
	Content       []protocol.WireMessage `json:"content"`
	Number        int                    `json:"number"`
	Size          int                    `json:"size"`
	TotalElements int                    `json:"totalElements"`
	Last          bool                   `json:"last"`
}

type createMessageRequest struct {
	Content *string           `json:"content,omitempty"`
	Type    model.MessageType `json:"type"`
	ImageID *string           `json:"imageId,omitempty"`
}

type presenceDTO struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

func (d presenceDTO) model() model.Presence {
	return model.Presence{UserID: d.UserID, Online: d.Online, LastSeen: d.LastSeen}
}

func (c *HTTPClient) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var dtos []conversationDTO
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]model.Conversation, len(dtos))
	for i, d := range dtos {
		out[i] = d.model()
	}
	return out, nil
}

func (c *HTTPClient) ListMessages(ctx context.Context, chatID string, page, size int) (model.Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	var dto pageDTO
	if err := c.do(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(chatID)+"/messages", q, nil, &dto); err != nil {
		return model.Page{}, err
	}
	msgs := make([]model.Message, len(dto.Content))
	for i, w := range dto.Content {
		msgs[i] = w.Model()
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = chatID
		}
	}
	return model.Page{
		Messages:      msgs,
		Number:        dto.Number,
		Size:          dto.Size,
		TotalElements: dto.TotalElements,
		Last:          dto.Last,
	}, nil
}

func (c *HTTPClient) CreateMessage(ctx context.Context, d model.Draft) (model.Message, error) {
	typ := d.Type
	if typ == "" {
		typ = model.TypeText
	}
	req := createMessageRequest{Content: d.Content, Type: typ, ImageID: d.MediaID}
	var w protocol.WireMessage
	if err := c.do(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(d.ChatID)+"/messages", nil, req, &w); err != nil {
		return model.Message{}, err
	}
	m := w.Model()
	if m.ConversationID == "" {
		m.ConversationID = d.ChatID
	}
	return m, nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(chatID)+"/read", nil, nil, nil)
}

func (c *HTTPClient) GetPresence(ctx context.Context, userID string) (model.Presence, error) {
	var dto presenceDTO
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/presence", nil, nil, &dto); err != nil {
		return model.Presence{}, err
	}
	if dto.UserID == "" {
		dto.UserID = userID
	}
	return dto.model(), nil
}

func (c *HTTPClient) BatchPresence(ctx context.Context, userIDs []string) ([]model.Presence, error) {
	body := struct {
		UserIDs []string `json:"userIds"`
	}{userIDs}
	var dtos []presenceDTO
	if err := c.do(ctx, http.MethodPost, "/api/users/presence", nil, body, &dtos); err != nil {
		return nil, err
	}
	out := make([]model.Presence, len(dtos))
	for i, d := range dtos {
		out[i] = d.model()
	}
	return out, nil
}

func (c *HTTPClient) UnreadTotal(ctx context.Context) (int, error) {
	var resp struct {
		Total int `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/chats/unread", nil, nil, &resp); err != nil {
		return 0, err
	}
	return max(resp.Total, 0), nil
}

// do performs one request. A nil out discards the response body.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
