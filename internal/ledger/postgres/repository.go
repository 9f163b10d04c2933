package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dbtgen/dbtgen/internal/ledger"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping ledger db: %w", err)
	}
	return nil
}

func (r *Repository) RecordRun(ctx context.Context, run ledger.Run) (ledger.Run, error) {
	query := `
INSERT INTO generation_run (
	run_id, identifier, source, table_name, provider, model, status, error_kind, error_message,
	prompt_bytes, response_bytes, input_tokens, output_tokens, duration_ms, requested_by
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
RETURNING created_at`

	if err := r.db.QueryRowContext(ctx, query,
		run.RunID,
		nullString(run.Identifier),
		run.Source,
		run.TableName,
		run.Provider,
		run.Model,
		run.Status,
		nullString(run.ErrorKind),
		nullString(run.ErrorMessage),
		run.PromptBytes,
		run.ResponseBytes,
		run.InputTokens,
		run.OutputTokens,
		run.DurationMs,
		run.RequestedBy,
	).Scan(&run.CreatedAt); err != nil {
		return ledger.Run{}, fmt.Errorf("record generation run: %w", err)
	}
	return run, nil
}

func (r *Repository) MarkPublished(ctx context.Context, in ledger.MarkPublishedInput) error {
	publishedAt := in.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE generation_run
SET artifact_key = $2, input_key = $3, published_at = $4
WHERE run_id = $1`, in.RunID, in.ArtifactKey, nullString(in.InputKey), publishedAt)
	if err != nil {
		return fmt.Errorf("mark run published: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark run published rows affected: %w", err)
	}
	if affected == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

const runColumns = `run_id, identifier, source, table_name, provider, model, status, error_kind, error_message,
	prompt_bytes, response_bytes, input_tokens, output_tokens, duration_ms, requested_by,
	artifact_key, input_key, published_at, created_at`

func (r *Repository) GetRun(ctx context.Context, runID string) (ledger.Run, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+runColumns+`
FROM generation_run
WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Run{}, ledger.ErrNotFound
		}
		return ledger.Run{}, fmt.Errorf("get generation run: %w", err)
	}
	return run, nil
}

func (r *Repository) ListRuns(ctx context.Context, filter ledger.ListRunsFilter) ([]ledger.Run, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if identifier := strings.TrimSpace(filter.Identifier); identifier != "" {
		rows, err = r.db.QueryContext(ctx, `
SELECT `+runColumns+`
FROM generation_run
WHERE identifier = $1
ORDER BY created_at DESC
LIMIT $2`, identifier, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
SELECT `+runColumns+`
FROM generation_run
ORDER BY created_at DESC
LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list generation runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := make([]ledger.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generation run rows: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (ledger.Run, error) {
	var run ledger.Run
	var identifier, errorKind, errorMessage, artifactKey, inputKey sql.NullString
	var publishedAt sql.NullTime
	if err := row.Scan(
		&run.RunID,
		&identifier,
		&run.Source,
		&run.TableName,
		&run.Provider,
		&run.Model,
		&run.Status,
		&errorKind,
		&errorMessage,
		&run.PromptBytes,
		&run.ResponseBytes,
		&run.InputTokens,
		&run.OutputTokens,
		&run.DurationMs,
		&run.RequestedBy,
		&artifactKey,
		&inputKey,
		&publishedAt,
		&run.CreatedAt,
	); err != nil {
		return ledger.Run{}, err
	}
	run.Identifier = identifier.String
	run.ErrorKind = errorKind.String
	run.ErrorMessage = errorMessage.String
	run.ArtifactKey = artifactKey.String
	run.InputKey = inputKey.String
	if publishedAt.Valid {
		ts := publishedAt.Time
		run.PublishedAt = &ts
	}
	return run, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
