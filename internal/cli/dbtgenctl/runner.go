// Package dbtgenctl implements the dbtgen command line: local generation to an
// archive or a processed directory, warehouse table listing, and read-only
// calls against a running dbtgen API.
package dbtgenctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dbtgen/dbtgen/internal/artifact"
	"github.com/dbtgen/dbtgen/internal/pipeline"
	"github.com/dbtgen/dbtgen/internal/prompt"
	"github.com/dbtgen/dbtgen/internal/schema"
	"github.com/dbtgen/dbtgen/internal/session"
	"github.com/dbtgen/dbtgen/internal/warehouse"
)

type Generator interface {
	Generate(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type Options struct {
	// Generator is required by generate and process.
	Generator Generator
	// OpenWarehouse is required by tables and by -table generation.
	OpenWarehouse session.Opener

	ProcessedDir      string
	BackupDir         string
	Dialect           string
	WarehousePassword string
	RequestedBy       string

	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client

	Stdout io.Writer
	Stderr io.Writer
}

type flags struct {
	file         string
	table        string
	primaryKeys  string
	notNull      string
	instructions string
	out          string
	processedDir string
	backupDir    string
	params       warehouse.ConnectionParams
	baseURL      string
	apiKey       string
	timeout      time.Duration
	limit        int
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("dbtgen", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var f flags
	fs.StringVar(&f.file, "file", "", "table definition file (.sql, .txt or .parquet)")
	fs.StringVar(&f.table, "table", "", "comma-separated warehouse tables to describe instead of a file")
	fs.StringVar(&f.primaryKeys, "pk", "", "comma-separated primary key columns")
	fs.StringVar(&f.notNull, "not-null", "", "comma-separated not null columns")
	fs.StringVar(&f.instructions, "instructions", "", "custom instructions appended to the prompt")
	fs.StringVar(&f.out, "out", ".", "directory receiving the generated archive")
	fs.StringVar(&f.processedDir, "processed-dir", firstNonEmpty(defaults.ProcessedDir, "processed"), "root of the processed artifact directories")
	fs.StringVar(&f.backupDir, "backup-dir", firstNonEmpty(defaults.BackupDir, "backup"), "directory receiving processed input files")
	fs.StringVar(&f.params.Dialect, "dialect", firstNonEmpty(defaults.Dialect, string(warehouse.DialectSnowflake)), "warehouse dialect: snowflake|postgres|duckdb")
	fs.StringVar(&f.params.Account, "account", "", "snowflake account")
	fs.StringVar(&f.params.Username, "user", "", "warehouse user")
	fs.StringVar(&f.params.Password, "password", defaults.WarehousePassword, "warehouse password")
	fs.StringVar(&f.params.Database, "database", "", "warehouse database (duckdb: file path)")
	fs.StringVar(&f.params.Schema, "schema", "", "warehouse schema")
	fs.StringVar(&f.params.Warehouse, "warehouse", "", "snowflake virtual warehouse")
	fs.StringVar(&f.params.Role, "role", "", "snowflake role")
	fs.StringVar(&f.params.Host, "host", "", "postgres host")
	fs.IntVar(&f.params.Port, "port", 0, "postgres port")
	fs.StringVar(&f.params.DSN, "dsn", "", "postgres or duckdb DSN used verbatim")
	fs.StringVar(&f.baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "dbtgen API base URL")
	fs.StringVar(&f.apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	fs.DurationVar(&f.timeout, "timeout", durationOr(defaults.Timeout, 10*time.Second), "HTTP timeout (e.g. 10s)")
	fs.IntVar(&f.limit, "limit", 20, "number of runs to list")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	var err error
	command := strings.TrimSpace(fs.Arg(0))
	switch command {
	case "generate":
		err = runGenerate(ctx, f, defaults, stdout, stderr)
	case "process":
		err = runProcess(ctx, f, defaults, stdout, stderr)
	case "tables":
		err = runTables(ctx, f, defaults, stdout)
	case "health", "ready", "runs":
		return runRemote(ctx, command, f, defaults, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
	if err != nil {
		var usage usageError
		if errors.As(err, &usage) {
			_, _ = fmt.Fprintf(stderr, "%s\n\n", usage)
			writeUsage(stderr)
			return 2
		}
		_, _ = fmt.Fprintf(stderr, "%s failed: %v\n", command, err)
		return 1
	}
	return 0
}

type usageError string

func (e usageError) Error() string { return string(e) }

func runGenerate(ctx context.Context, f flags, defaults Options, stdout, stderr io.Writer) error {
	if (f.file == "") == (f.table == "") {
		return usageError("generate needs exactly one of -file or -table")
	}
	if defaults.Generator == nil {
		return errors.New("model generator is not configured")
	}
	if f.table != "" {
		return generateTables(ctx, f, defaults, stdout, stderr, func(result pipeline.Result) (string, error) {
			return writeArchive(f.out, result.Pair)
		})
	}

	descriptor, err := readDescriptor(f.file)
	if err != nil {
		return err
	}
	result, err := defaults.Generator.Generate(ctx, request(f, descriptor, defaults.RequestedBy))
	if err != nil {
		return err
	}
	target, err := writeArchive(f.out, result.Pair)
	if err != nil {
		return err
	}
	writeWarnings(stderr, result.Warnings)
	_, _ = fmt.Fprintf(stdout, "wrote %s (run %s)\n", target, result.RunID)
	return nil
}

func runProcess(ctx context.Context, f flags, defaults Options, stdout, stderr io.Writer) error {
	if (f.file == "") == (f.table == "") {
		return usageError("process needs exactly one of -file or -table")
	}
	if defaults.Generator == nil {
		return errors.New("model generator is not configured")
	}
	if f.table != "" {
		return generateTables(ctx, f, defaults, stdout, stderr, func(result pipeline.Result) (string, error) {
			return artifact.WriteDirectory(f.processedDir, result.Pair)
		})
	}

	descriptor, err := readDescriptor(f.file)
	if err != nil {
		return err
	}
	result, err := defaults.Generator.Generate(ctx, request(f, descriptor, defaults.RequestedBy))
	if err != nil {
		return err
	}
	dir, err := artifact.WriteDirectory(f.processedDir, result.Pair)
	if err != nil {
		return err
	}
	backup, err := artifact.MoveToBackup(f.file, f.backupDir)
	if err != nil {
		return err
	}
	writeWarnings(stderr, result.Warnings)
	_, _ = fmt.Fprintf(stdout, "wrote %s (run %s)\nmoved %s to %s\n", dir, result.RunID, f.file, backup)
	return nil
}

// generateTables describes and generates every table named by -table over one
// warehouse connection. A table that fails is reported and the rest still run.
// Custom instructions are limited to a single table.
func generateTables(ctx context.Context, f flags, defaults Options, stdout, stderr io.Writer, sink func(pipeline.Result) (string, error)) error {
	tables := uniqueTables(f.table)
	if len(tables) == 0 {
		return usageError("-table needs at least one table name")
	}
	if len(tables) > 1 && strings.TrimSpace(f.instructions) != "" {
		return usageError("-instructions applies to a single -table")
	}

	catalog, err := openWarehouse(ctx, f, defaults)
	if err != nil {
		return err
	}
	defer func() { _ = catalog.Close() }()

	failed := 0
	for _, table := range tables {
		target, runID, err := generateTable(ctx, catalog, table, f, defaults, stderr, sink)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(stderr, "table %s failed: %v\n", table, err)
			continue
		}
		_, _ = fmt.Fprintf(stdout, "wrote %s (run %s)\n", target, runID)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tables failed", failed, len(tables))
	}
	return nil
}

func generateTable(ctx context.Context, catalog session.Catalog, table string, f flags, defaults Options, stderr io.Writer, sink func(pipeline.Result) (string, error)) (string, string, error) {
	descriptor, err := catalog.DescribeTable(ctx, table)
	if err != nil {
		return "", "", err
	}
	result, err := defaults.Generator.Generate(ctx, request(f, descriptor, defaults.RequestedBy))
	if err != nil {
		return "", "", err
	}
	target, err := sink(result)
	if err != nil {
		return "", "", err
	}
	writeWarnings(stderr, result.Warnings)
	return target, result.RunID, nil
}

func uniqueTables(raw string) []string {
	var tables []string
	for _, table := range schema.SplitList(raw) {
		if !slices.Contains(tables, table) {
			tables = append(tables, table)
		}
	}
	return tables
}

func writeArchive(out string, pair artifact.Pair) (string, error) {
	archive, err := artifact.BuildArchive(pair)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	target := filepath.Join(out, archive.Name)
	if err := os.WriteFile(target, archive.Data, 0o644); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	return target, nil
}

func runTables(ctx context.Context, f flags, defaults Options, stdout io.Writer) error {
	catalog, err := openWarehouse(ctx, f, defaults)
	if err != nil {
		return err
	}
	defer func() { _ = catalog.Close() }()
	tables, err := catalog.ListTables(ctx)
	if err != nil {
		return err
	}
	for _, table := range tables {
		_, _ = fmt.Fprintln(stdout, table)
	}
	return nil
}

func openWarehouse(ctx context.Context, f flags, defaults Options) (session.Catalog, error) {
	if defaults.OpenWarehouse == nil {
		return nil, errors.New("warehouse access is not configured")
	}
	return defaults.OpenWarehouse(ctx, f.params)
}

func readDescriptor(path string) (schema.Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return schema.Descriptor{}, fmt.Errorf("read %s: %w", path, err)
	}
	return schema.Decode(filepath.Base(path), raw)
}

func request(f flags, descriptor schema.Descriptor, requestedBy string) pipeline.Request {
	return pipeline.Request{
		Input: prompt.Input{
			Descriptor:         descriptor,
			PrimaryKeys:        schema.SplitList(f.primaryKeys),
			NotNullColumns:     schema.SplitList(f.notNull),
			CustomInstructions: f.instructions,
		},
		Origin: pipeline.Origin{RequestedBy: firstNonEmpty(requestedBy, "cli"), FileName: filepath.Base(f.file)},
	}
}

func writeWarnings(w io.Writer, warnings []string) {
	for _, warning := range warnings {
		_, _ = fmt.Fprintf(w, "warning: %s\n", warning)
	}
}

func runRemote(ctx context.Context, command string, f flags, defaults Options, stdout, stderr io.Writer) int {
	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: f.timeout}
	}

	path := "/v1/" + command
	if command == "runs" {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(f.limit))
		path += "?" + query.Encode()
	}
	endpoint := strings.TrimRight(f.baseURL, "/") + path
	code, responseBody, err := doRequest(ctx, client, http.MethodGet, endpoint, f.apiKey)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}
	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func doRequest(ctx context.Context, client *http.Client, method, endpoint, apiKey string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: dbtgen [flags] <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  generate   -file or -table a,b: write <identifier>.zip to -out per input")
	_, _ = fmt.Fprintln(w, "  process    -file: write -processed-dir/<identifier>/, move the file to -backup-dir")
	_, _ = fmt.Fprintln(w, "             -table a,b: write -processed-dir/<identifier>/ per table")
	_, _ = fmt.Fprintln(w, "  tables     list warehouse tables")
	_, _ = fmt.Fprintln(w, "  health     GET /v1/health on -base-url")
	_, _ = fmt.Fprintln(w, "  ready      GET /v1/ready on -base-url")
	_, _ = fmt.Fprintln(w, "  runs       GET /v1/runs on -base-url")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
