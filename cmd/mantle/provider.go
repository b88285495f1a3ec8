package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ajisaka/mantle"
)

var defaultChatBaseURL = "https://api.openai.com/v1"

// chatClient speaks the OpenAI-compatible chat completions API. The
// library itself stays provider-agnostic; this client is wiring for the
// binary only.
type chatClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func newChatClient(apiKey string) *chatClient {
	return &chatClient{
		apiKey:     apiKey,
		baseURL:    defaultChatBaseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *chatClient) Name() string { return "openai" }

func (c *chatClient) Chat(ctx context.Context, req mantle.ChatRequest) (mantle.ChatResponse, error) {
	body := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return mantle.ChatResponse{}, fmt.Errorf("openai: marshal body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return mantle.ChatResponse{}, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return mantle.ChatResponse{}, fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return mantle.ChatResponse{}, &mantle.ErrRetryable{
				Message: fmt.Sprintf("openai: status %d: %s", resp.StatusCode, string(b)),
			}
		}
		return mantle.ChatResponse{}, fmt.Errorf("openai: status %d: %s", resp.StatusCode, string(b))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return mantle.ChatResponse{}, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return mantle.ChatResponse{}, fmt.Errorf("openai: empty choices in response")
	}

	return mantle.ChatResponse{
		Content: parsed.Choices[0].Message.Content,
		Usage: mantle.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}
