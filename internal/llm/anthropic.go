package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type AnthropicClient struct {
	cfg    Config
	client *http.Client
}

func NewAnthropicClient(cfg Config) (*AnthropicClient, error) {
	normalized, err := normalizeCommon(cfg, "https://api.anthropic.com", "claude-3-5-sonnet-20240620")
	if err != nil {
		return nil, err
	}
	if normalized.AnthropicVersion == "" {
		normalized.AnthropicVersion = "2023-06-01"
	}
	return &AnthropicClient{cfg: normalized, client: &http.Client{Timeout: normalized.Timeout}}, nil
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Content    []anthropicContent `json:"content"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *AnthropicClient) Generate(ctx context.Context, prompt string) (Completion, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Messages: []anthropicMessage{{
			Role:    "user",
			Content: []anthropicContent{{Type: "text", Text: prompt}},
		}},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("marshal messages payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("build messages request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", c.cfg.AnthropicVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("request messages completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, fmt.Errorf("read messages response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Completion{}, &ServiceError{Provider: ProviderAnthropic, StatusCode: resp.StatusCode, Body: string(rawRespBody)}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return Completion{}, fmt.Errorf("decode messages response: %w", err)
	}
	completion := Completion{
		Provider:     ProviderAnthropic,
		Model:        c.cfg.Model,
		StopReason:   parsed.StopReason,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}
	if parsed.Model != "" {
		completion.Model = parsed.Model
	}
	for _, block := range parsed.Content {
		if block.Type == "text" {
			completion.Text = block.Text
			return completion, nil
		}
	}
	return completion, fmt.Errorf("messages response has no text content")
}
