package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dbtgen/dbtgen/internal/artifact"
	"github.com/dbtgen/dbtgen/internal/failure"
	"github.com/dbtgen/dbtgen/internal/ledger"
	"github.com/dbtgen/dbtgen/internal/llm"
	"github.com/dbtgen/dbtgen/internal/prompt"
	"github.com/dbtgen/dbtgen/internal/schema"
	"github.com/dbtgen/dbtgen/internal/storage"
)

const sampleResponse = "WITH src AS (SELECT * FROM raw.customer)\nSELECT * FROM src\nmodels:\n  - name: ODS_ES_EQAI_CUSTOMER\n    columns:\n      - name: ID\n        tests: [not_null]\n"

func TestGenerateProducesPairAndRecordsRun(t *testing.T) {
	gen := &recordingGenerator{completion: llm.Completion{Text: sampleResponse, Provider: "anthropic", Model: "claude-test", InputTokens: 10, OutputTokens: 20}}
	ledgerStore := newFakeLedger()
	svc := newTestService(gen, ledgerStore, nil)

	result, err := svc.Generate(context.Background(), uploadRequest())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.RunID != "run-1" {
		t.Fatalf("RunID = %q", result.RunID)
	}
	if result.Pair.Identifier != "ODS_ES_EQAI_CUSTOMER" {
		t.Fatalf("Identifier = %q", result.Pair.Identifier)
	}
	if !strings.HasPrefix(result.Pair.Metadata, "models:\n") {
		t.Fatalf("Metadata = %q", result.Pair.Metadata)
	}
	if len(result.Summary.Models) != 1 || result.Summary.Models[0].Columns != 1 {
		t.Fatalf("Summary = %+v", result.Summary)
	}
	if result.Duration != time.Second {
		t.Fatalf("Duration = %s", result.Duration)
	}
	if !strings.HasPrefix(gen.prompt, "# Snowflake Table:\n\nCREATE TABLE CUSTOMER (ID NUMBER);") {
		t.Fatalf("prompt = %q", gen.prompt)
	}

	run := ledgerStore.runs["run-1"]
	if run.Status != ledger.StatusSucceeded || run.Identifier != "ODS_ES_EQAI_CUSTOMER" {
		t.Fatalf("ledger run = %+v", run)
	}
	if run.Source != string(schema.SourceUpload) || run.RequestedBy != "alice" {
		t.Fatalf("ledger run origin = %+v", run)
	}
	if run.InputTokens != 10 || run.OutputTokens != 20 || run.DurationMs != 1000 {
		t.Fatalf("ledger run usage = %+v", run)
	}
}

func TestGenerateRejectsInvalidInputWithoutModelCall(t *testing.T) {
	gen := &recordingGenerator{completion: llm.Completion{Text: sampleResponse}}
	ledgerStore := newFakeLedger()
	svc := newTestService(gen, ledgerStore, nil)

	req := uploadRequest()
	req.Input.PrimaryKeys = nil
	_, err := svc.Generate(context.Background(), req)
	if !failure.Is(err, failure.KindInputValidation) {
		t.Fatalf("Generate() error = %v, want input validation", err)
	}
	if gen.calls != 0 {
		t.Fatalf("model calls = %d", gen.calls)
	}
	if len(ledgerStore.runs) != 0 {
		t.Fatalf("ledger runs = %d", len(ledgerStore.runs))
	}
}

func TestGenerateModelFailureIsExternalService(t *testing.T) {
	gen := &recordingGenerator{err: &llm.ServiceError{Provider: "anthropic", StatusCode: 529, Body: "overloaded"}}
	ledgerStore := newFakeLedger()
	svc := newTestService(gen, ledgerStore, nil)

	_, err := svc.Generate(context.Background(), uploadRequest())
	if !failure.Is(err, failure.KindExternalService) {
		t.Fatalf("Generate() error = %v, want external service", err)
	}
	var serviceErr *llm.ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.StatusCode != 529 {
		t.Fatalf("Generate() error = %v, want wrapped ServiceError", err)
	}
	if gen.calls != 1 {
		t.Fatalf("model calls = %d, want exactly one", gen.calls)
	}
	run := ledgerStore.runs["run-1"]
	if run.Status != ledger.StatusFailed || run.ErrorKind != string(failure.KindExternalService) {
		t.Fatalf("ledger run = %+v", run)
	}
	if run.Provider != "anthropic" || run.Model != "claude-test" {
		t.Fatalf("ledger run labels = %+v", run)
	}
}

func TestGenerateParseFailures(t *testing.T) {
	tests := []struct {
		name     string
		response string
		kind     failure.Kind
	}{
		{name: "no identifier", response: "SELECT 1\nmodels:\n  - id: x\n", kind: failure.KindMissingIdentifier},
		{name: "no separator", response: "SELECT 1\n- name: ODS_X\n", kind: failure.KindMalformedResponse},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ledgerStore := newFakeLedger()
			svc := newTestService(&recordingGenerator{completion: llm.Completion{Text: tc.response}}, ledgerStore, nil)
			_, err := svc.Generate(context.Background(), uploadRequest())
			if !failure.Is(err, tc.kind) {
				t.Fatalf("Generate() error = %v, want %s", err, tc.kind)
			}
			if ledgerStore.runs["run-1"].ErrorKind != string(tc.kind) {
				t.Fatalf("ledger run = %+v", ledgerStore.runs["run-1"])
			}
		})
	}
}

func TestGenerateSurvivesLedgerFailure(t *testing.T) {
	ledgerStore := newFakeLedger()
	ledgerStore.recordErr = errors.New("ledger down")
	svc := newTestService(&recordingGenerator{completion: llm.Completion{Text: sampleResponse}}, ledgerStore, nil)

	result, err := svc.Generate(context.Background(), uploadRequest())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.CreatedAt.IsZero() {
		t.Fatal("CreatedAt should fall back to the clock")
	}
}

func TestPublishUploadsArchiveAndInput(t *testing.T) {
	ledgerStore := newFakeLedger()
	store := newMemoryStore()
	svc := newTestService(&recordingGenerator{completion: llm.Completion{Text: sampleResponse}}, ledgerStore, store)

	result, err := svc.Generate(context.Background(), uploadRequest())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	archive, err := artifact.BuildArchive(result.Pair)
	if err != nil {
		t.Fatalf("BuildArchive() error = %v", err)
	}
	pub, err := svc.Publish(context.Background(), result, archive, &InputFile{Name: "customer.sql", Data: []byte("CREATE TABLE CUSTOMER (ID NUMBER);")})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if pub.ArtifactKey != "artifacts/ODS_ES_EQAI_CUSTOMER/date=2026-03-04/run-1/ODS_ES_EQAI_CUSTOMER.zip" {
		t.Fatalf("ArtifactKey = %q", pub.ArtifactKey)
	}
	if pub.InputKey != "inputs/ODS_ES_EQAI_CUSTOMER/date=2026-03-04/run-1/customer.sql" {
		t.Fatalf("InputKey = %q", pub.InputKey)
	}
	if !bytes.Equal(store.objects[pub.ArtifactKey], archive.Data) {
		t.Fatal("stored archive differs from built archive")
	}
	if store.options[pub.ArtifactKey].Metadata["run-id"] != "run-1" {
		t.Fatalf("archive metadata = %+v", store.options[pub.ArtifactKey])
	}
	run := ledgerStore.runs["run-1"]
	if run.ArtifactKey != pub.ArtifactKey || run.InputKey != pub.InputKey || run.PublishedAt == nil {
		t.Fatalf("ledger run = %+v", run)
	}

	fetched, err := svc.FetchArchive(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("FetchArchive() error = %v", err)
	}
	if fetched.Name != "ODS_ES_EQAI_CUSTOMER.zip" || !bytes.Equal(fetched.Data, archive.Data) {
		t.Fatalf("FetchArchive() = %s (%d bytes)", fetched.Name, len(fetched.Data))
	}
}

func TestPublishRemovesArchiveWhenInputUploadFails(t *testing.T) {
	store := newMemoryStore()
	store.failKeyPrefix = storage.InputPrefix + "/"
	svc := newTestService(&recordingGenerator{completion: llm.Completion{Text: sampleResponse}}, nil, store)

	result, err := svc.Generate(context.Background(), uploadRequest())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	archive, err := artifact.BuildArchive(result.Pair)
	if err != nil {
		t.Fatalf("BuildArchive() error = %v", err)
	}
	_, err = svc.Publish(context.Background(), result, archive, &InputFile{Name: "customer.sql", Data: []byte("x")})
	if !failure.Is(err, failure.KindStorage) {
		t.Fatalf("Publish() error = %v, want storage", err)
	}
	if len(store.objects) != 0 {
		t.Fatalf("objects left behind: %d", len(store.objects))
	}
}

func TestPublishWithoutStore(t *testing.T) {
	svc := newTestService(&recordingGenerator{}, nil, nil)
	if svc.CanPublish() {
		t.Fatal("CanPublish() = true without a store")
	}
	_, err := svc.Publish(context.Background(), Result{}, artifact.Archive{}, nil)
	if !failure.Is(err, failure.KindStorage) {
		t.Fatalf("Publish() error = %v", err)
	}
}

func TestFetchArchiveUnknownRun(t *testing.T) {
	svc := newTestService(&recordingGenerator{}, newFakeLedger(), newMemoryStore())
	_, err := svc.FetchArchive(context.Background(), "missing")
	if !failure.Is(err, failure.KindNotFound) {
		t.Fatalf("FetchArchive() error = %v", err)
	}
}

func TestListRunsRequiresLedger(t *testing.T) {
	svc := newTestService(&recordingGenerator{}, nil, nil)
	if _, err := svc.ListRuns(context.Background(), ledger.ListRunsFilter{}); !failure.Is(err, failure.KindNotFound) {
		t.Fatalf("ListRuns() error = %v", err)
	}
}

func newTestService(gen llm.Generator, store ledger.Store, objects storage.ObjectStore) *Service {
	clock := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	ids := 0
	deps := Dependencies{
		Generator:     gen,
		Store:         objects,
		PromptOptions: prompt.Options{MaxCustomInstructionBytes: 4000},
		Provider:      "anthropic",
		Model:         "claude-test",
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
		NewID: func() string {
			ids++
			return "run-" + string(rune('0'+ids))
		},
	}
	if store != nil {
		deps.Ledger = store
	}
	return NewService(deps)
}

func uploadRequest() Request {
	return Request{
		Input: prompt.Input{
			Descriptor:     schema.Descriptor{TableName: "customer", Definition: "CREATE TABLE CUSTOMER (ID NUMBER);", Source: schema.SourceUpload},
			PrimaryKeys:    []string{"ID"},
			NotNullColumns: []string{"ID"},
		},
		Origin: Origin{RequestedBy: "alice", FileName: "customer.sql"},
	}
}

type recordingGenerator struct {
	completion llm.Completion
	err        error
	calls      int
	prompt     string
}

func (g *recordingGenerator) Generate(_ context.Context, text string) (llm.Completion, error) {
	g.calls++
	g.prompt = text
	return g.completion, g.err
}

type fakeLedger struct {
	mu        sync.Mutex
	runs      map[string]ledger.Run
	recordErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{runs: map[string]ledger.Run{}}
}

func (f *fakeLedger) HealthCheck(context.Context) error { return nil }

func (f *fakeLedger) RecordRun(_ context.Context, run ledger.Run) (ledger.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return ledger.Run{}, f.recordErr
	}
	run.CreatedAt = time.Date(2026, 3, 4, 10, 0, 30, 0, time.UTC)
	f.runs[run.RunID] = run
	return run, nil
}

func (f *fakeLedger) MarkPublished(_ context.Context, in ledger.MarkPublishedInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[in.RunID]
	if !ok {
		return ledger.ErrNotFound
	}
	publishedAt := in.PublishedAt
	run.ArtifactKey = in.ArtifactKey
	run.InputKey = in.InputKey
	run.PublishedAt = &publishedAt
	f.runs[in.RunID] = run
	return nil
}

func (f *fakeLedger) GetRun(_ context.Context, runID string) (ledger.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return ledger.Run{}, ledger.ErrNotFound
	}
	return run, nil
}

func (f *fakeLedger) ListRuns(context.Context, ledger.ListRunsFilter) ([]ledger.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ledger.Run, 0, len(f.runs))
	for _, run := range f.runs {
		out = append(out, run)
	}
	return out, nil
}

type memoryStore struct {
	mu            sync.Mutex
	objects       map[string][]byte
	options       map[string]storage.PutOptions
	failKeyPrefix string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}, options: map[string]storage.PutOptions{}}
}

func (m *memoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	if m.failKeyPrefix != "" && strings.HasPrefix(key, m.failKeyPrefix) {
		return storage.ObjectInfo{}, errors.New("bucket unavailable")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.options[key] = opts
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}
