package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/dbtgen/dbtgen/internal/ledger"
)

func TestRecordRunSucceeded(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO generation_run (`)).
		WithArgs(
			"5f0c2d4e-1111-4222-8333-444455556666",
			sql.NullString{String: "ODS_CUSTOMER", Valid: true},
			"upload",
			"customer",
			"anthropic",
			"claude-3-5-sonnet-20240620",
			ledger.StatusSucceeded,
			sql.NullString{},
			sql.NullString{},
			1200,
			800,
			300,
			250,
			int64(4200),
			"alice",
		).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	run, err := repo.RecordRun(context.Background(), ledger.Run{
		RunID:         "5f0c2d4e-1111-4222-8333-444455556666",
		Identifier:    "ODS_CUSTOMER",
		Source:        "upload",
		TableName:     "customer",
		Provider:      "anthropic",
		Model:         "claude-3-5-sonnet-20240620",
		Status:        ledger.StatusSucceeded,
		PromptBytes:   1200,
		ResponseBytes: 800,
		InputTokens:   300,
		OutputTokens:  250,
		DurationMs:    4200,
		RequestedBy:   "alice",
	})
	if err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}
	if !run.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt = %v, want %v", run.CreatedAt, now)
	}
	assertSQLMock(t, mock)
}

func TestMarkPublishedMissingRun(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	publishedAt := time.Date(2026, time.February, 19, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE generation_run`)).
		WithArgs("run-1", "artifacts/X/date=2026-02-19/run-1/X.zip", sql.NullString{}, publishedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkPublished(context.Background(), ledger.MarkPublishedInput{
		RunID:       "run-1",
		ArtifactKey: "artifacts/X/date=2026-02-19/run-1/X.zip",
		PublishedAt: publishedAt,
	})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("MarkPublished() error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestListRunsByIdentifier(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"run_id", "identifier", "source", "table_name", "provider", "model", "status", "error_kind", "error_message",
		"prompt_bytes", "response_bytes", "input_tokens", "output_tokens", "duration_ms", "requested_by",
		"artifact_key", "input_key", "published_at", "created_at",
	}).
		AddRow("run-2", "ODS_CUSTOMER", "warehouse", "CUSTOMER", "anthropic", "m", "succeeded", nil, nil,
			10, 20, 1, 2, int64(30), "alice", "artifacts/ODS_CUSTOMER/x.zip", nil, now, now).
		AddRow("run-1", "ODS_CUSTOMER", "upload", "customer", "anthropic", "m", "failed", "missing_identifier", "no marker",
			10, 20, 1, 2, int64(30), "alice", nil, nil, nil, now.Add(-time.Hour))

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE identifier = $1`)).
		WithArgs("ODS_CUSTOMER", 50).
		WillReturnRows(rows)

	runs, err := repo.ListRuns(context.Background(), ledger.ListRunsFilter{Identifier: "ODS_CUSTOMER"})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d", len(runs))
	}
	if runs[0].PublishedAt == nil || runs[0].ArtifactKey == "" {
		t.Fatalf("runs[0] = %+v", runs[0])
	}
	if runs[1].PublishedAt != nil || runs[1].ErrorKind != "missing_identifier" {
		t.Fatalf("runs[1] = %+v", runs[1])
	}
	assertSQLMock(t, mock)
}

func TestGetRunNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM generation_run`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := repo.GetRun(context.Background(), "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("GetRun() error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
