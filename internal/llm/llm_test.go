package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dbtgen/dbtgen/internal/failure"
)

func TestAnthropicClientGenerate(t *testing.T) {
	var captured anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "secret" || r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Fatalf("headers = %v", r.Header)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"model":"claude-x","stop_reason":"end_turn","content":[{"type":"text","text":"- name: FOO\nselect 1\nmodels:\n  - name: FOO"}],"usage":{"input_tokens":12,"output_tokens":34}}`))
	}))
	defer srv.Close()

	client, err := NewAnthropicClient(Config{BaseURL: srv.URL + "/", APIKey: "secret", Model: "claude-x"})
	if err != nil {
		t.Fatalf("NewAnthropicClient() error = %v", err)
	}
	completion, err := client.Generate(context.Background(), "hello prompt")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.HasPrefix(completion.Text, "- name: FOO") {
		t.Fatalf("Text = %q", completion.Text)
	}
	if completion.InputTokens != 12 || completion.OutputTokens != 34 || completion.StopReason != "end_turn" {
		t.Fatalf("completion = %+v", completion)
	}
	if captured.MaxTokens != 4000 || captured.Temperature != 0 || captured.Model != "claude-x" {
		t.Fatalf("request = %+v", captured)
	}
	if len(captured.Messages) != 1 || captured.Messages[0].Role != "user" || captured.Messages[0].Content[0].Text != "hello prompt" {
		t.Fatalf("messages = %+v", captured.Messages)
	}
}

func TestAnthropicClientServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewAnthropicClient(Config{BaseURL: srv.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewAnthropicClient() error = %v", err)
	}
	outcome := Invoke(context.Background(), client, "prompt")
	if !outcome.Failed() {
		t.Fatal("expected failed outcome")
	}
	var serviceErr *ServiceError
	if !errors.As(outcome.Err, &serviceErr) || serviceErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Err = %v, want ServiceError 503", outcome.Err)
	}
	if !failure.Is(outcome.Err, failure.KindExternalService) {
		t.Fatalf("Err kind = %q", failure.KindOf(outcome.Err))
	}
	if !strings.HasPrefix(outcome.Body(), "Error: ") {
		t.Fatalf("Body() = %q", outcome.Body())
	}
}

func TestOpenAIClientGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Fatalf("Authorization = %q", r.Header.Get("Authorization"))
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload["max_tokens"].(float64) != 4000 {
			t.Fatalf("max_tokens = %v", payload["max_tokens"])
		}
		_, _ = w.Write([]byte(`{"choices":[{"finish_reason":"stop","message":{"content":"text body"}}],"usage":{"prompt_tokens":5,"completion_tokens":7}}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(Config{BaseURL: srv.URL, APIKey: "token", Model: "gpt-test"})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	completion, err := client.Generate(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if completion.Text != "text body" || completion.Model != "gpt-test" || completion.OutputTokens != 7 {
		t.Fatalf("completion = %+v", completion)
	}
}

func TestInvokeTransportFailureRendersErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := srv.URL
	srv.Close()

	client, err := NewAnthropicClient(Config{BaseURL: baseURL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewAnthropicClient() error = %v", err)
	}
	outcome := Invoke(context.Background(), client, "prompt")
	if !outcome.Failed() || !failure.Is(outcome.Err, failure.KindExternalService) {
		t.Fatalf("outcome = %+v", outcome)
	}
	if !strings.HasPrefix(outcome.Body(), "Error: ") {
		t.Fatalf("Body() = %q", outcome.Body())
	}
}

func TestInvokeEmptyCompletionFails(t *testing.T) {
	outcome := Invoke(context.Background(), staticGenerator{completion: Completion{Text: "  "}}, "p")
	if !outcome.Failed() {
		t.Fatal("expected failure for blank completion")
	}
}

func TestInvokeSuccessBody(t *testing.T) {
	outcome := Invoke(context.Background(), staticGenerator{completion: Completion{Text: "ok"}}, "p")
	if outcome.Failed() || outcome.Body() != "ok" {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestNewSelectsProvider(t *testing.T) {
	g, err := New(Config{Provider: "OpenAI", APIKey: "k"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := g.(*OpenAIClient); !ok {
		t.Fatalf("New() = %T", g)
	}
	g, err = New(Config{Provider: "anthropic", APIKey: "k"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := g.(*AnthropicClient); !ok {
		t.Fatalf("New() = %T", g)
	}
	if _, err := New(Config{Provider: "other", APIKey: "k"}); err == nil {
		t.Fatal("New() expected error for unknown provider")
	}
	if _, err := New(Config{Provider: "anthropic"}); err == nil {
		t.Fatal("New() expected error for missing api key")
	}
}

type staticGenerator struct {
	completion Completion
	err        error
}

func (g staticGenerator) Generate(context.Context, string) (Completion, error) {
	return g.completion, g.err
}
