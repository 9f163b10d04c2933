// Package ledger records every generation run: what was asked, which model
// answered, whether an artifact pair came out, and where it was published.
package ledger

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("ledger: not found")

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

type Store interface {
	HealthCheck(ctx context.Context) error
	RecordRun(ctx context.Context, run Run) (Run, error)
	MarkPublished(ctx context.Context, in MarkPublishedInput) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, filter ListRunsFilter) ([]Run, error)
}

type Run struct {
	RunID         string     `json:"run_id"`
	Identifier    string     `json:"identifier,omitempty"`
	Source        string     `json:"source"`
	TableName     string     `json:"table_name,omitempty"`
	Provider      string     `json:"provider"`
	Model         string     `json:"model"`
	Status        string     `json:"status"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	PromptBytes   int        `json:"prompt_bytes"`
	ResponseBytes int        `json:"response_bytes"`
	InputTokens   int        `json:"input_tokens"`
	OutputTokens  int        `json:"output_tokens"`
	DurationMs    int64      `json:"duration_ms"`
	RequestedBy   string     `json:"requested_by,omitempty"`
	ArtifactKey   string     `json:"artifact_key,omitempty"`
	InputKey      string     `json:"input_key,omitempty"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type MarkPublishedInput struct {
	RunID       string
	ArtifactKey string
	InputKey    string
	PublishedAt time.Time
}

type ListRunsFilter struct {
	Identifier string
	Limit      int
}
