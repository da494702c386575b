// Package store talks to the REST backend that owns conversation history and
// read state. The sync engine consumes it through the chat.Store interface;
// this package is the only place that knows the endpoint shapes.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/session"
)

// Client is an HTTP client for the conversation store.
type Client struct {
	base string
	sess *session.Context
	http *http.Client
}

// New creates a store client rooted at base (e.g. "https://api.example.com/v1").
func New(base string, sess *session.Context) *Client {
	return &Client{
		base: base,
		sess: sess,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// historyRow is the backend's message shape.
type historyRow struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	Kind           chat.Kind `json:"kind"`
	CreatedAt      int64     `json:"createdAt"` // unix milliseconds
}

// FetchHistory loads the conversation's messages, oldest first. Rows are
// mapped into confirmed entries — history is server truth by definition.
func (c *Client) FetchHistory(ctx context.Context, conversationID string) ([]*chat.Message, error) {
	var rows []historyRow
	path := fmt.Sprintf("/conversations/%s/messages", url.PathEscape(conversationID))
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}

	out := make([]*chat.Message, len(rows))
	for i, r := range rows {
		out[i] = &chat.Message{
			ID:             r.ID,
			ConversationID: r.ConversationID,
			SenderID:       r.SenderID,
			Body:           r.Body,
			Kind:           r.Kind,
			CreatedAt:      time.UnixMilli(r.CreatedAt),
			Delivery:       chat.DeliveryConfirmed,
		}
	}
	return out, nil
}

// MarkRead records that the local user has read the conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/conversations/%s/read", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// DeleteMessages removes the given message ids from the conversation.
func (c *Client) DeleteMessages(ctx context.Context, conversationID string, ids []string) error {
	path := fmt.Sprintf("/conversations/%s/messages", url.PathEscape(conversationID))
	body := map[string][]string{"ids": ids}
	return c.do(ctx, http.MethodDelete, path, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("store: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("store: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sess.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.sess.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("store: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("store: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("store: decode response: %w", err)
		}
	}
	return nil
}
