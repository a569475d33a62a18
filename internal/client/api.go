package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spotter-app/spotter-server/internal/proto"
)

// API is the REST surface the session falls back to.
type API interface {
	// ListMessages returns messages after afterID, or the latest page when afterID is empty.
	ListMessages(ctx context.Context, conversationID, afterID string) ([]proto.MessagePayload, error)
	// PostMessage persists a message; retrying with the same clientMessageID is safe.
	PostMessage(ctx context.Context, conversationID, text, clientMessageID string) (proto.MessagePayload, error)
}

// StatusError is a non-2xx REST response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// APIClient calls the server's REST API with a bearer token.
type APIClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewAPIClient creates a client for baseURL, e.g. "http://localhost:8080".
func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    http.DefaultClient,
	}
}

type messagesResponse struct {
	Messages []proto.MessagePayload `json:"messages"`
}

// ListMessages implements API.
func (c *APIClient) ListMessages(ctx context.Context, conversationID, afterID string) ([]proto.MessagePayload, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if afterID != "" {
		path += "?after=" + url.QueryEscape(afterID)
	}

	var resp messagesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return resp.Messages, nil
}

// PostMessage implements API.
func (c *APIClient) PostMessage(ctx context.Context, conversationID, text, clientMessageID string) (proto.MessagePayload, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	body := map[string]string{"text": text, "clientMessageId": clientMessageID}

	var msg proto.MessagePayload
	if err := c.do(ctx, http.MethodPost, path, body, &msg); err != nil {
		return proto.MessagePayload{}, fmt.Errorf("post message: %w", err)
	}
	return msg, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
