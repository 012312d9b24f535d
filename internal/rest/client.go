// Package rest is the client for the chat server's request/response API:
// message writes, history, profile. The push channel is separate (see
// internal/gateway); this client never receives events.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/pedrohba/converse/internal/model"
)

// Client talks to the chat server over HTTP with a bearer token.
type Client struct {
	base  *url.URL
	token string
	httpc *http.Client
}

// New creates a client for the given base URL.
func New(baseURL, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	return &Client{
		base:  u,
		token: token,
		httpc: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// wireMessage is the server's message representation.
type wireMessage struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Sender         model.Sender `json:"sender"`
	Content        string       `json:"content"`
	Attachments    []string     `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	EditedAt       *time.Time   `json:"editedAt,omitempty"`
}

func (w wireMessage) toModel() model.Message {
	return model.Message{
		ID:             model.DurableID(w.ID),
		ConversationID: w.ConversationID,
		Sender:         w.Sender,
		Content:        w.Content,
		Attachments:    w.Attachments,
		CreatedAt:      w.CreatedAt,
		EditedAt:       w.EditedAt,
	}
}

type wireConversation struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Name          string    `json:"name"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// Me returns the authenticated user's profile. An unauthorized APIError
// here means the stored token is no longer valid.
func (c *Client) Me(ctx context.Context) (model.Sender, error) {
	var out model.Sender
	if err := c.do(ctx, http.MethodGet, "/api/v1/me", nil, &out); err != nil {
		return model.Sender{}, err
	}
	return out, nil
}

// ListConversations returns the conversations visible to the user.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var wire []wireConversation
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversations", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]model.Conversation, 0, len(wire))
	for _, w := range wire {
		out = append(out, model.Conversation{
			ID:            w.ID,
			Kind:          model.ConversationKind(w.Kind),
			Name:          w.Name,
			LastMessageAt: w.LastMessageAt,
		})
	}
	return out, nil
}

// History fetches a conversation's recent messages for initial population.
func (c *Client) History(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	path := fmt.Sprintf("/api/v1/conversations/%s/messages", url.PathEscape(conversationID))
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var wire []wireMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toModel())
	}
	return out, nil
}

// CreateMessage posts a new message and returns the durable version. An
// idempotency key guards against double delivery on retried requests.
func (c *Client) CreateMessage(ctx context.Context, conversationID, content string, attachments []string) (model.Message, error) {
	path := fmt.Sprintf("/api/v1/conversations/%s/messages", url.PathEscape(conversationID))
	body := map[string]any{"content": content}
	if len(attachments) > 0 {
		body["attachments"] = attachments
	}
	var wire wireMessage
	if err := c.doWithHeaders(ctx, http.MethodPost, path, body, &wire, map[string]string{
		"Idempotency-Key": uuid.NewString(),
	}); err != nil {
		return model.Message{}, err
	}
	return wire.toModel(), nil
}

// EditMessage updates a message's content and returns the authoritative
// durable version, including editedAt.
func (c *Client) EditMessage(ctx context.Context, conversationID, msgID, content string) (model.Message, error) {
	path := fmt.Sprintf("/api/v1/conversations/%s/messages/%s",
		url.PathEscape(conversationID), url.PathEscape(msgID))
	var wire wireMessage
	if err := c.do(ctx, http.MethodPatch, path, map[string]any{"content": content}, &wire); err != nil {
		return model.Message{}, err
	}
	return wire.toModel(), nil
}

// DeleteMessage removes a message on the server.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, msgID string) error {
	path := fmt.Sprintf("/api/v1/conversations/%s/messages/%s",
		url.PathEscape(conversationID), url.PathEscape(msgID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.doWithHeaders(ctx, method, path, body, out, nil)
}

func (c *Client) doWithHeaders(ctx context.Context, method, path string, body, out any, headers map[string]string) error {
	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("parse path: %w", err)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.ResolveReference(ref).String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var wire struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&wire); err == nil {
		if wire.Error != "" {
			apiErr.Message = wire.Error
		} else {
			apiErr.Message = wire.Message
		}
	}
	return apiErr
}
