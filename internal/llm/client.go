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

	"consensus-trader/internal/service"
)

// Client is an OpenAI-compatible chat completions client (Ollama /v1 可用)
type Client struct {
	endpoint  string
	apiKey    string
	maxTokens int
	client    *http.Client
}

// NewClient 不设置 http 超时，由调用方的 context 控制
func NewClient(cfg service.LLMConfig) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:    cfg.APIKey,
		maxTokens: cfg.MaxTokens,
		client:    &http.Client{Transport: transport},
	}
}

// Message represents a chat message
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// ChatRequest represents an OpenAI chat completion request
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// ChatResponse represents an OpenAI chat completion response
type ChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Index   int     `json:"index"`
		Message Message `json:"message"`
		Finish  string  `json:"finish_reason"`
	} `json:"choices"`
}

// Generation 单次调用结果
type Generation struct {
	Text    string
	Latency time.Duration
}

// Generate 调用指定模型。ctx 超时返回 ModelTimeoutError，传输失败返回 NetworkError
func (c *Client) Generate(ctx context.Context, modelID string, messages []Message, temperature float64) (Generation, error) {
	start := time.Now()

	body, err := json.Marshal(ChatRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return Generation{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Generation{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Generation{}, &service.ModelTimeoutError{ModelID: modelID, Err: err}
		}
		return Generation{}, &service.NetworkError{Op: "chat completion " + modelID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Generation{}, fmt.Errorf("model %s API error %d: %s", modelID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Generation{}, &service.ModelTimeoutError{ModelID: modelID, Err: err}
		}
		return Generation{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return Generation{}, fmt.Errorf("model %s returned no choices", modelID)
	}

	return Generation{
		Text:    chatResp.Choices[0].Message.Content,
		Latency: time.Since(start),
	}, nil
}
