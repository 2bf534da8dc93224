package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"coachapi/internal/model"
)

const (
	openAIBaseURL                = "https://api.openai.com/v1"
	openAIChatCompletionEndpoint = "/chat/completions"
	emptyReplyFallback           = "I couldn't generate a reply."
)

// Completer turns an ordered list of role-tagged turns into a reply.
type Completer interface {
	Complete(ctx context.Context, turns []model.Turn, maxTokens int) (string, error)
}

type openAICompleter struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

// NewOpenAICompleter creates a Completer backed by an OpenAI-compatible chat
// completions endpoint.
func NewOpenAICompleter(apiKey, modelName, baseURL string, timeout time.Duration) Completer {
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	return &openAICompleter{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   modelName,
	}
}

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string                  `json:"model"`
	Messages    []chatCompletionMessage `json:"messages"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Temperature float64                 `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatCompletionMessage `json:"message"`
	} `json:"choices"`
}

type chatCompletionError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *openAICompleter) Complete(ctx context.Context, turns []model.Turn, maxTokens int) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("completion API key is not configured")
	}

	reqBody := chatCompletionRequest{
		Model:       c.model,
		Messages:    make([]chatCompletionMessage, 0, len(turns)),
		MaxTokens:   maxTokens,
		Temperature: 0.7,
	}
	for _, t := range turns {
		reqBody.Messages = append(reqBody.Messages, chatCompletionMessage{Role: string(t.Role), Content: t.Content})
	}

	bodyJSON, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+openAIChatCompletionEndpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return "", fmt.Errorf("failed to create completion request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read completion response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp chatCompletionError
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return "", fmt.Errorf("completion API error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return "", fmt.Errorf("completion API error (%d): %s", resp.StatusCode, string(body))
	}

	var out chatCompletionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to decode completion response: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return emptyReplyFallback, nil
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
