// Package pipeline runs one generation request from schema descriptor to
// artifact pair: prompt assembly, a single model call, response parsing and
// metadata inspection. Each run is recorded in the ledger when one is set.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dbtgen/dbtgen/internal/artifact"
	"github.com/dbtgen/dbtgen/internal/failure"
	"github.com/dbtgen/dbtgen/internal/ledger"
	"github.com/dbtgen/dbtgen/internal/llm"
	"github.com/dbtgen/dbtgen/internal/observability"
	"github.com/dbtgen/dbtgen/internal/prompt"
	"github.com/dbtgen/dbtgen/internal/storage"
)

type Dependencies struct {
	Generator     llm.Generator
	Ledger        ledger.Store
	Store         storage.ObjectStore
	Logger        *slog.Logger
	PromptOptions prompt.Options
	// Provider and Model label runs whose model call failed before answering.
	Provider string
	Model    string
	Now      func() time.Time
	NewID    func() string
}

type Service struct {
	generator     llm.Generator
	ledger        ledger.Store
	store         storage.ObjectStore
	logger        *slog.Logger
	promptOptions prompt.Options
	provider      string
	model         string
	now           func() time.Time
	newID         func() string
}

// Origin describes who asked and what the input file was.
type Origin struct {
	RequestedBy string
	FileName    string
}

type Request struct {
	Input  prompt.Input
	Origin Origin
}

type Result struct {
	RunID      string                   `json:"run_id"`
	Pair       artifact.Pair            `json:"-"`
	Summary    artifact.MetadataSummary `json:"metadata_summary"`
	Warnings   []string                 `json:"warnings,omitempty"`
	Completion llm.Completion           `json:"completion"`
	Duration   time.Duration            `json:"-"`
	CreatedAt  time.Time                `json:"created_at"`
}

// InputFile is the original input, published alongside its archive.
type InputFile struct {
	Name string
	Data []byte
}

type Publication struct {
	ArtifactKey string `json:"artifact_key"`
	InputKey    string `json:"input_key,omitempty"`
}

func NewService(deps Dependencies) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Service{
		generator:     deps.Generator,
		ledger:        deps.Ledger,
		store:         deps.Store,
		logger:        observability.LoggerOrDiscard(deps.Logger),
		promptOptions: deps.PromptOptions,
		provider:      deps.Provider,
		model:         deps.Model,
		now:           now,
		newID:         newID,
	}
}

// CanPublish reports whether an object store is configured.
func (s *Service) CanPublish() bool { return s.store != nil }

// Generate never retries. Every returned error carries a failure kind.
func (s *Service) Generate(ctx context.Context, req Request) (Result, error) {
	source := string(req.Input.Descriptor.Source)
	text, err := prompt.Build(req.Input, s.promptOptions)
	if err != nil {
		observability.ObserveGeneration(source, "rejected")
		return Result{}, err
	}

	runID := s.newID()
	start := s.now()
	outcome := llm.Invoke(ctx, s.generator, text)
	elapsed := s.now().Sub(start)
	if outcome.Completion.Provider == "" {
		outcome.Completion.Provider = s.provider
	}
	if outcome.Completion.Model == "" {
		outcome.Completion.Model = s.model
	}
	observability.ObserveModelCall(outcome.Completion.Provider, outcome.Failed(), elapsed)

	run := ledger.Run{
		RunID:         runID,
		Source:        source,
		TableName:     req.Input.Descriptor.TableName,
		Provider:      outcome.Completion.Provider,
		Model:         outcome.Completion.Model,
		PromptBytes:   len(text),
		ResponseBytes: len(outcome.Completion.Text),
		InputTokens:   outcome.Completion.InputTokens,
		OutputTokens:  outcome.Completion.OutputTokens,
		DurationMs:    elapsed.Milliseconds(),
		RequestedBy:   req.Origin.RequestedBy,
	}

	if outcome.Failed() {
		s.recordFailure(ctx, run, outcome.Err)
		return Result{}, outcome.Err
	}

	pair, err := artifact.Parse(outcome.Body())
	if err != nil {
		observability.IncrementExtractionFailure(string(failure.KindOf(err)))
		s.recordFailure(ctx, run, err)
		return Result{}, err
	}

	summary, warnings := artifact.InspectMetadata(pair.Identifier, pair.Metadata)
	run.Identifier = pair.Identifier
	run.Status = ledger.StatusSucceeded
	createdAt := s.record(ctx, run)
	observability.ObserveGeneration(source, ledger.StatusSucceeded)

	s.logger.InfoContext(ctx, "artifact pair generated",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("run_id", runID),
		slog.String("identifier", pair.Identifier),
		slog.String("source", source),
		slog.Int("warnings", len(warnings)),
		slog.Duration("model_latency", elapsed),
	)
	return Result{
		RunID:      runID,
		Pair:       pair,
		Summary:    summary,
		Warnings:   warnings,
		Completion: outcome.Completion,
		Duration:   elapsed,
		CreatedAt:  createdAt,
	}, nil
}

// Publish uploads the archive and, when given, the original input. An input
// upload failure removes the archive again so a run is published whole or
// not at all.
func (s *Service) Publish(ctx context.Context, result Result, archive artifact.Archive, input *InputFile) (Publication, error) {
	if s.store == nil {
		return Publication{}, failure.New(failure.KindStorage, "artifact publishing is not configured")
	}
	at := result.CreatedAt
	if at.IsZero() {
		at = s.now()
	}
	metadata := map[string]string{
		"run-id":     result.RunID,
		"identifier": result.Pair.Identifier,
	}

	archiveKey, err := storage.BuildArchiveKey(result.Pair.Identifier, result.RunID, at)
	if err != nil {
		return Publication{}, failure.Wrap(failure.KindStorage, "build archive key", err)
	}
	if _, err := s.store.Put(ctx, archiveKey, bytes.NewReader(archive.Data), int64(len(archive.Data)), storage.PutOptions{
		ContentType: "application/zip",
		Metadata:    metadata,
	}); err != nil {
		return Publication{}, failure.Wrap(failure.KindStorage, "publish artifact archive", err)
	}
	publication := Publication{ArtifactKey: archiveKey}

	if input != nil && len(input.Data) > 0 {
		inputKey, err := storage.BuildInputKey(result.Pair.Identifier, result.RunID, input.Name, at)
		if err == nil {
			_, err = s.store.Put(ctx, inputKey, bytes.NewReader(input.Data), int64(len(input.Data)), storage.PutOptions{Metadata: metadata})
		}
		if err != nil {
			if deleteErr := s.store.Delete(ctx, archiveKey); deleteErr != nil {
				s.logger.WarnContext(ctx, "remove archive after failed input upload", slog.String("key", archiveKey), slog.Any("error", deleteErr))
			}
			return Publication{}, failure.Wrap(failure.KindStorage, "publish original input", err)
		}
		publication.InputKey = inputKey
	}

	observability.IncrementArtifactsPublished()
	if s.ledger != nil {
		if err := s.ledger.MarkPublished(ctx, ledger.MarkPublishedInput{
			RunID:       result.RunID,
			ArtifactKey: publication.ArtifactKey,
			InputKey:    publication.InputKey,
			PublishedAt: s.now().UTC(),
		}); err != nil {
			s.logger.WarnContext(ctx, "ledger mark published failed", slog.String("run_id", result.RunID), slog.Any("error", err))
		}
	}
	s.logger.InfoContext(ctx, "artifact archive published",
		slog.String("run_id", result.RunID),
		slog.String("artifact_key", publication.ArtifactKey),
		slog.String("input_key", publication.InputKey),
	)
	return publication, nil
}

// FetchArchive reads a published archive back from the object store.
func (s *Service) FetchArchive(ctx context.Context, runID string) (artifact.Archive, error) {
	if s.ledger == nil || s.store == nil {
		return artifact.Archive{}, failure.New(failure.KindNotFound, "published archives are not available")
	}
	run, err := s.ledger.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return artifact.Archive{}, failure.Newf(failure.KindNotFound, "run %q not found", runID)
		}
		return artifact.Archive{}, failure.Wrap(failure.KindStorage, "look up run", err)
	}
	if run.ArtifactKey == "" {
		return artifact.Archive{}, failure.Newf(failure.KindNotFound, "run %q has no published archive", runID)
	}
	reader, err := s.store.Get(ctx, run.ArtifactKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return artifact.Archive{}, failure.Newf(failure.KindNotFound, "archive for run %q is gone", runID)
		}
		return artifact.Archive{}, failure.Wrap(failure.KindStorage, "read archive", err)
	}
	defer func() { _ = reader.Close() }()

	buf := bytes.NewBuffer(nil)
	if _, err := buf.ReadFrom(reader); err != nil {
		return artifact.Archive{}, failure.Wrap(failure.KindStorage, "read archive", err)
	}
	return artifact.Archive{Name: run.Identifier + ".zip", Data: buf.Bytes()}, nil
}

// ListRuns returns recent runs, newest first.
func (s *Service) ListRuns(ctx context.Context, filter ledger.ListRunsFilter) ([]ledger.Run, error) {
	if s.ledger == nil {
		return nil, failure.New(failure.KindNotFound, "run ledger is not configured")
	}
	runs, err := s.ledger.ListRuns(ctx, filter)
	if err != nil {
		return nil, failure.Wrap(failure.KindStorage, "list runs", err)
	}
	return runs, nil
}

func (s *Service) recordFailure(ctx context.Context, run ledger.Run, cause error) {
	run.Status = ledger.StatusFailed
	run.ErrorKind = string(failure.KindOf(cause))
	run.ErrorMessage = cause.Error()
	s.record(ctx, run)
	observability.ObserveGeneration(run.Source, ledger.StatusFailed)
	s.logger.WarnContext(ctx, "generation failed",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("run_id", run.RunID),
		slog.String("error_kind", run.ErrorKind),
		slog.Any("error", cause),
	)
}

// record writes run to the ledger. Ledger failures are logged only.
func (s *Service) record(ctx context.Context, run ledger.Run) time.Time {
	if s.ledger == nil {
		return s.now().UTC()
	}
	stored, err := s.ledger.RecordRun(ctx, run)
	if err != nil {
		s.logger.WarnContext(ctx, "ledger record failed", slog.String("run_id", run.RunID), slog.Any("error", err))
		return s.now().UTC()
	}
	return stored.CreatedAt
}
