// Package llm talks to OpenAI-compatible chat-completion APIs such as
// OpenRouter.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the OpenRouter chat-completion API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// Message is one turn of the conversation sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SystemMessage and UserMessage build the two roles the relay sends.
func SystemMessage(content string) Message { return Message{Role: "system", Content: content} }
func UserMessage(content string) Message   { return Message{Role: "user", Content: content} }

// Request is a chat-completion call.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// Client produces the reply text for a conversation.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ShapeError means the upstream answered without a usable completion.
// Detail carries the upstream error payload, or the whole body when it has
// no "error" field.
type ShapeError struct {
	Detail string
}

func (e *ShapeError) Error() string {
	return "upstream response missing 'choices': " + e.Detail
}

// IsShapeError reports whether err wraps a *ShapeError.
func IsShapeError(err error) bool {
	var se *ShapeError
	return errors.As(err, &se)
}

// Options configures the HTTP chat client.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Referer and Title are sent as OpenRouter attribution headers when set.
	Referer string
	Title   string
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

type chatClient struct {
	baseURL string
	apiKey  string
	referer string
	title   string
	client  *http.Client
}

// NewChatClient returns a Client for an OpenAI-compatible
// /chat/completions endpoint. A missing API key is not an error here; the
// upstream rejects the first call instead.
func NewChatClient(opts Options) Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &chatClient{
		baseURL: base,
		apiKey:  opts.APIKey,
		referer: opts.Referer,
		title:   opts.Title,
		client:  hc,
	}
}

type completionChoice struct {
	Message *struct {
		Content *string `json:"content"`
	} `json:"message"`
}

type completionResponse struct {
	Choices []completionChoice `json:"choices"`
	Error   json.RawMessage    `json:"error"`
}

func (c *chatClient) Complete(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if c.referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		httpReq.Header.Set("X-Title", c.title)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upstream body: %w", err)
	}
	return parseCompletion(data)
}

// parseCompletion extracts choices[0].message.content. The HTTP status is
// not consulted: error bodies are reported through ShapeError.
func parseCompletion(data []byte) (string, error) {
	var cr completionResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", fmt.Errorf("decode upstream response: %w", err)
	}
	if len(cr.Choices) == 0 {
		detail := strings.TrimSpace(string(cr.Error))
		if detail == "" || detail == "null" {
			detail = strings.TrimSpace(string(data))
		}
		return "", &ShapeError{Detail: detail}
	}
	first := cr.Choices[0]
	if first.Message == nil || first.Message.Content == nil {
		return "", errors.New("upstream choice has no message content")
	}
	return *first.Message.Content, nil
}

// staticClient answers every conversation with the same text. It backs local
// runs and smoke checks that must not reach a paid API.
type staticClient struct {
	reply string
}

// NewStaticClient returns a Client that always replies with reply.
func NewStaticClient(reply string) Client { return &staticClient{reply: reply} }

func (s *staticClient) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.reply, nil
}

// BackendName identifies a client in logs.
func BackendName(c Client) string {
	switch c.(type) {
	case *chatClient:
		return "chat"
	case *staticClient:
		return "static"
	default:
		return "custom"
	}
}
