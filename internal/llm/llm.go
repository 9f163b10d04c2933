// Package llm invokes the generative model that drafts dbt artifacts.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dbtgen/dbtgen/internal/config"
	"github.com/dbtgen/dbtgen/internal/failure"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

type Completion struct {
	Text         string `json:"-"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	StopReason   string `json:"stop_reason,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

type Generator interface {
	Generate(ctx context.Context, prompt string) (Completion, error)
}

type Config struct {
	Provider         string
	BaseURL          string
	APIKey           string
	Model            string
	MaxTokens        int
	Temperature      float64
	Timeout          time.Duration
	AnthropicVersion string
}

func FromModelConfig(cfg config.ModelConfig) Config {
	return Config{
		Provider:         cfg.Provider,
		BaseURL:          cfg.BaseURL,
		APIKey:           cfg.APIKey,
		Model:            cfg.Model,
		MaxTokens:        cfg.MaxTokens,
		Temperature:      cfg.Temperature,
		Timeout:          cfg.Timeout,
		AnthropicVersion: cfg.AnthropicVersion,
	}
}

func New(cfg Config) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderAnthropic, "":
		return NewAnthropicClient(cfg)
	case ProviderOpenAI:
		return NewOpenAIClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.Provider)
	}
}

// ServiceError is a non-2xx answer from the model service.
type ServiceError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s completion failed status=%d body=%s", e.Provider, e.StatusCode, e.Body)
}

// Outcome separates a completion from the reason there is none.
type Outcome struct {
	Completion Completion
	Err        error
}

func (o Outcome) Failed() bool { return o.Err != nil }

// Body renders the outcome as text. A failed outcome renders as
// "Error: <details>", which never parses as an artifact pair.
func (o Outcome) Body() string {
	if o.Err != nil {
		return "Error: " + o.Err.Error()
	}
	return o.Completion.Text
}

// Invoke calls g once. Every failure is reported as an external service error.
func Invoke(ctx context.Context, g Generator, prompt string) Outcome {
	if g == nil {
		return Outcome{Err: failure.New(failure.KindExternalService, "no model generator is configured")}
	}
	completion, err := g.Generate(ctx, prompt)
	if err != nil {
		if failure.KindOf(err) == "" {
			err = failure.Wrap(failure.KindExternalService, "model invocation failed", err)
		}
		return Outcome{Completion: completion, Err: err}
	}
	if strings.TrimSpace(completion.Text) == "" {
		return Outcome{Completion: completion, Err: failure.Wrap(failure.KindExternalService, "model invocation failed", errEmptyCompletion)}
	}
	return Outcome{Completion: completion}
}

var errEmptyCompletion = errors.New("model returned no text")

func normalizeCommon(cfg Config, defaultBaseURL, defaultModel string) (Config, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return Config{}, fmt.Errorf("api key is required")
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	return cfg, nil
}
