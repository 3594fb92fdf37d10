// Package arbor provides a client for the arbor branching chat service.
package arbor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/arborlabs/arbor/internal/models"
	"github.com/arborlabs/arbor/internal/stream"
)

// Client is an arbor API client.
type Client struct {
	BaseURL    string
	Token      string // JWT bearer token issued by the session layer
	HTTPClient *http.Client
}

// NewClient creates a new arbor client.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		// No overall timeout: Subscribe connections are long-lived.
		HTTPClient: &http.Client{},
	}
}

// doRequest performs an HTTP request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	return respBody, nil
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("arbor error %d: %s", e.StatusCode, e.Message)
}

// SubmitMessageRequest is the request body for appending a user turn.
type SubmitMessageRequest struct {
	ID              string  `json:"id,omitempty"`
	Content         string  `json:"content"`
	ParentMessageID *string `json:"parentMessageId"`
	BranchName      string  `json:"branchName,omitempty"`
}

// SubmitMessage appends a user message to a chat. The chat need not exist
// yet; it is created on the first generation run.
func (c *Client) SubmitMessage(ctx context.Context, chatID string, req SubmitMessageRequest) (*models.Message, error) {
	body, _ := json.Marshal(req)
	respBody, err := c.doRequest(ctx, "POST", "/chats/"+chatID+"/messages", body)
	if err != nil {
		return nil, err
	}

	var msg models.Message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GenerateRequest is the request body for starting a generation run. Set
// either LeafMessageID (the server resolves the branch) or Messages.
type GenerateRequest struct {
	Model         string           `json:"model,omitempty"`
	LeafMessageID string           `json:"leafMessageId,omitempty"`
	Messages      []models.Message `json:"messages,omitempty"`
}

// GenerationStarted is the response from starting a generation run.
type GenerationStarted struct {
	Status string `json:"status"`
	RunID  string `json:"runId"`
}

// StartGeneration schedules an assistant reply. Progress arrives on the
// chat's event stream, not on this call.
func (c *Client) StartGeneration(ctx context.Context, chatID string, req GenerateRequest) (*GenerationStarted, error) {
	body, _ := json.Marshal(req)
	respBody, err := c.doRequest(ctx, "POST", "/chats/"+chatID+"/generate", body)
	if err != nil {
		return nil, err
	}

	var resp GenerationStarted
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListMessages retrieves the full message tree of a chat.
func (c *Client) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	respBody, err := c.doRequest(ctx, "GET", "/chats/"+chatID+"/messages", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// ListChats retrieves the caller's chats, newest first.
func (c *Client) ListChats(ctx context.Context) ([]models.Chat, error) {
	respBody, err := c.doRequest(ctx, "GET", "/chats", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Chats []models.Chat `json:"chats"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

// UpdateSharing toggles a chat's public flag.
func (c *Client) UpdateSharing(ctx context.Context, chatID string, isPublic bool) (*models.Chat, error) {
	body, _ := json.Marshal(map[string]bool{"isPublic": isPublic})
	respBody, err := c.doRequest(ctx, "PATCH", "/chats/"+chatID+"/sharing", body)
	if err != nil {
		return nil, err
	}

	var chat models.Chat
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// SharedChat is a public chat with its messages.
type SharedChat struct {
	Chat     models.Chat      `json:"chat"`
	Messages []models.Message `json:"messages"`
}

// GetSharedChat retrieves a publicly shared chat without authentication.
func (c *Client) GetSharedChat(ctx context.Context, chatID string) (*SharedChat, error) {
	respBody, err := c.doRequest(ctx, "GET", "/shared/"+chatID, nil)
	if err != nil {
		return nil, err
	}

	var resp SharedChat
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks server health.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, "GET", "/health", nil)
	return err
}

// EventStream is an open subscription to a chat's generation events.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Subscribe opens the chat's server-sent event stream. The stream yields
// events until a terminal event or until ctx is cancelled; either way the
// caller must Close it.
func (c *Client) Subscribe(ctx context.Context, chatID string) (*EventStream, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/chats/"+chatID+"/subscribe", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &EventStream{body: resp.Body, scanner: scanner}, nil
}

// Recv blocks for the next event. It returns io.EOF when the server closes
// the stream. Malformed frames are skipped, never surfaced as events.
func (s *EventStream) Recv() (stream.Event, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		ev, err := stream.Decode([]byte(strings.TrimPrefix(line, "data: ")))
		if err != nil {
			continue
		}
		return ev, nil
	}
	if err := s.scanner.Err(); err != nil {
		return stream.Event{}, err
	}
	return stream.Event{}, io.EOF
}

// Close tears down the subscription connection.
func (s *EventStream) Close() error {
	return s.body.Close()
}

// WaitForReply is a convenience wrapper: it subscribes, starts a generation
// from the given leaf, accumulates the streamed reply, and returns the full
// text once the run completes.
func (c *Client) WaitForReply(ctx context.Context, chatID, leafMessageID, model string) (string, error) {
	es, err := c.Subscribe(ctx, chatID)
	if err != nil {
		return "", err
	}
	defer es.Close()

	if _, err := c.StartGeneration(ctx, chatID, GenerateRequest{
		Model:         model,
		LeafMessageID: leafMessageID,
	}); err != nil {
		return "", err
	}

	turn := NewTurnBuffer()
	for {
		ev, err := es.Recv()
		if err != nil {
			return "", err
		}
		if err := turn.Apply(ev); err != nil {
			return "", err
		}
		switch turn.State() {
		case TurnDone:
			return turn.Text(), nil
		case TurnFailed:
			return "", fmt.Errorf("generation failed: %s", turn.FailureReason())
		}
	}
}
