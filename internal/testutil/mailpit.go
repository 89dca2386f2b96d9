package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// MailpitClient reads the Mailpit REST API.
type MailpitClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewMailpitClient creates a client for the API at baseURL.
func NewMailpitClient(baseURL string) *MailpitClient {
	return &MailpitClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// MailpitMessage is a message summary; Text is filled by Message.
type MailpitMessage struct {
	ID      string           `json:"ID"`
	From    MailpitAddress   `json:"From"`
	To      []MailpitAddress `json:"To"`
	Subject string           `json:"Subject"`
	Text    string           `json:"Text"`
}

// MailpitAddress is one mailbox.
type MailpitAddress struct {
	Address string `json:"Address"`
	Name    string `json:"Name"`
}

// Search returns messages matching a Mailpit search query such as "to:x@y.z".
func (c *MailpitClient) Search(ctx context.Context, query string) ([]MailpitMessage, error) {
	var result struct {
		Messages []MailpitMessage `json:"messages"`
	}
	if err := c.getJSON(ctx, "/api/v1/search?query="+url.QueryEscape(query), &result); err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return result.Messages, nil
}

// Message returns one message including its plain text body.
func (c *MailpitClient) Message(ctx context.Context, id string) (*MailpitMessage, error) {
	var msg MailpitMessage
	if err := c.getJSON(ctx, "/api/v1/message/"+url.PathEscape(id), &msg); err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &msg, nil
}

// DeleteAll clears the inbox.
func (c *MailpitClient) DeleteAll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/v1/messages", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete messages: status %d", resp.StatusCode)
	}
	return nil
}

// WaitForRecipient polls until at least count messages addressed to email
// arrive or timeout elapses.
func (c *MailpitClient) WaitForRecipient(ctx context.Context, email string, count int, timeout time.Duration) ([]MailpitMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		messages, err := c.Search(ctx, "to:"+email)
		if err == nil && len(messages) >= count {
			return messages, nil
		}

		select {
		case <-ctx.Done():
			return messages, fmt.Errorf("timeout waiting for %d messages to %s (got %d)", count, email, len(messages))
		case <-ticker.C:
		}
	}
}

func (c *MailpitClient) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
