package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dbtgen/dbtgen/internal/artifact"
	"github.com/dbtgen/dbtgen/internal/auth"
	"github.com/dbtgen/dbtgen/internal/failure"
	"github.com/dbtgen/dbtgen/internal/observability"
	"github.com/dbtgen/dbtgen/internal/pipeline"
	"github.com/dbtgen/dbtgen/internal/prompt"
	"github.com/dbtgen/dbtgen/internal/schema"
)

const (
	formatZip  = "zip"
	formatJSON = "json"

	scriptTypeDefault = "default"
	scriptTypeCustom  = "custom"

	multipartMemory = 8 << 20
)

type generateResponse struct {
	RunID       string                   `json:"run_id"`
	Identifier  string                   `json:"identifier"`
	Files       []artifact.File          `json:"files"`
	Summary     artifact.MetadataSummary `json:"metadata_summary"`
	Warnings    []string                 `json:"warnings"`
	Provider    string                   `json:"provider"`
	Model       string                   `json:"model"`
	DurationMs  int64                    `json:"duration_ms"`
	ArtifactKey string                   `json:"artifact_key,omitempty"`
	InputKey    string                   `json:"input_key,omitempty"`
}

// sessionGenerateRequest names one table in Table, several in Tables, or both.
// Custom instructions are accepted for a single table only.
type sessionGenerateRequest struct {
	Table              string   `json:"table,omitempty"`
	Tables             []string `json:"tables,omitempty"`
	PrimaryKeys        []string `json:"primary_keys"`
	NotNullColumns     []string `json:"not_null_columns"`
	ScriptType         string   `json:"script_type"`
	CustomInstructions string   `json:"custom_instructions"`
	Format             string   `json:"format"`
}

func handleGenerateUpload(deps Dependencies, publish bool, maxBytes int64, w http.ResponseWriter, r *http.Request) {
	if deps.Generation == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "GENERATION_NOT_CONFIGURED", "generation is not configured", false, nil)
		return
	}
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit), false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_FORM", "request must be multipart/form-data", false, map[string]any{"details": err.Error()})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	format, err := parseFormat(r.FormValue("format"))
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	custom, err := customInstructions(r.FormValue("script_type"), r.FormValue("custom_instructions"))
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeFailure(w, r, failure.New(failure.KindInputValidation, "a table definition file is required"), nil)
		return
	}
	raw, err := io.ReadAll(file)
	_ = file.Close()
	if err != nil {
		writeFailure(w, r, failure.Wrap(failure.KindInputValidation, "read uploaded file", err), nil)
		return
	}
	fileName := filepath.Base(header.Filename)
	descriptor, err := schema.Decode(fileName, raw)
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}

	owner := auth.Owner(r)
	result, err := deps.Generation.Generate(r.Context(), pipeline.Request{
		Input: prompt.Input{
			Descriptor:         descriptor,
			PrimaryKeys:        schema.SplitList(r.FormValue("primary_keys")),
			NotNullColumns:     schema.SplitList(r.FormValue("not_null_columns")),
			CustomInstructions: custom,
		},
		Origin: pipeline.Origin{RequestedBy: owner, FileName: fileName},
	})
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	respondWithArtifact(deps, publish, format, &pipeline.InputFile{Name: fileName, Data: raw}, result, w, r)
}

func handleGenerateFromSession(deps Dependencies, publish bool, w http.ResponseWriter, r *http.Request) {
	if deps.Generation == nil || deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "GENERATION_NOT_CONFIGURED", "warehouse generation is not configured", false, nil)
		return
	}
	var request sessionGenerateRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid generate request body", false, map[string]any{"details": err.Error()})
		return
	}
	format, err := parseFormat(request.Format)
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	custom, err := customInstructions(request.ScriptType, request.CustomInstructions)
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	tables := requestedTables(request)
	if len(tables) == 0 {
		writeFailure(w, r, failure.New(failure.KindInputValidation, "table or tables is required"), nil)
		return
	}
	if custom != "" && len(tables) > 1 {
		writeFailure(w, r, failure.New(failure.KindInputValidation, "custom instructions apply to a single table"), map[string]any{"tables": tables})
		return
	}
	if len(tables) > 1 {
		generateBatch(deps, publish, format, request, tables, w, r)
		return
	}

	table := tables[0]
	owner := auth.Owner(r)
	sessionID := r.PathValue("id")
	descriptor, err := deps.Sessions.Describe(r.Context(), owner, sessionID, table)
	if err != nil {
		writeFailure(w, r, err, map[string]any{"session_id": sessionID, "table": table})
		return
	}

	result, err := deps.Generation.Generate(r.Context(), sessionRequest(request, descriptor, custom, owner))
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	respondWithArtifact(deps, publish, format, nil, result, w, r)
}

func sessionRequest(request sessionGenerateRequest, descriptor schema.Descriptor, custom, owner string) pipeline.Request {
	return pipeline.Request{
		Input: prompt.Input{
			Descriptor:         descriptor,
			PrimaryKeys:        trimAll(request.PrimaryKeys),
			NotNullColumns:     trimAll(request.NotNullColumns),
			CustomInstructions: custom,
		},
		Origin: pipeline.Origin{RequestedBy: owner},
	}
}

func requestedTables(request sessionGenerateRequest) []string {
	var tables []string
	for _, table := range trimAll(append([]string{request.Table}, request.Tables...)) {
		if !slices.Contains(tables, table) {
			tables = append(tables, table)
		}
	}
	return tables
}

// respondWithArtifact builds the archive, publishes it when enabled and writes
// the archive or its JSON rendering.
func respondWithArtifact(deps Dependencies, publish bool, format string, input *pipeline.InputFile, result pipeline.Result, w http.ResponseWriter, r *http.Request) {
	archive, rendered, err := produceArtifact(deps, publish, input, result, r)
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	w.Header().Set("X-Run-ID", result.RunID)
	if rendered.ArtifactKey != "" {
		w.Header().Set("X-Artifact-Key", rendered.ArtifactKey)
	}
	if format == formatZip {
		writeArchive(w, archive)
		return
	}
	writeJSON(w, http.StatusOK, rendered)
}

// produceArtifact archives a generated pair and publishes it when enabled. A
// failed publish becomes a warning and does not withhold the artifact.
func produceArtifact(deps Dependencies, publish bool, input *pipeline.InputFile, result pipeline.Result, r *http.Request) (artifact.Archive, generateResponse, error) {
	archive, err := artifact.BuildArchive(result.Pair)
	if err != nil {
		return artifact.Archive{}, generateResponse{}, err
	}

	warnings := append([]string{}, result.Warnings...)
	var publication pipeline.Publication
	if publish && deps.Generation.CanPublish() {
		publication, err = deps.Generation.Publish(r.Context(), result, archive, input)
		if err != nil {
			if deps.Logger != nil {
				deps.Logger.WarnContext(r.Context(), "artifact publish failed",
					slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
					slog.String("run_id", result.RunID),
					slog.Any("error", err),
				)
			}
			warnings = append(warnings, "artifact archive was not published: "+failure.MessageOf(err))
		}
	}

	return archive, generateResponse{
		RunID:       result.RunID,
		Identifier:  result.Pair.Identifier,
		Files:       result.Pair.Files(),
		Summary:     result.Summary,
		Warnings:    warnings,
		Provider:    result.Completion.Provider,
		Model:       result.Completion.Model,
		DurationMs:  result.Duration.Milliseconds(),
		ArtifactKey: publication.ArtifactKey,
		InputKey:    publication.InputKey,
	}, nil
}

func writeArchive(w http.ResponseWriter, archive artifact.Archive) {
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", archive.Name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive.Data)
}

func parseFormat(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", formatZip:
		return formatZip, nil
	case formatJSON:
		return formatJSON, nil
	default:
		return "", failure.Newf(failure.KindInputValidation, "format must be %q or %q", formatZip, formatJSON)
	}
}

// customInstructions returns the instructions to send. The default script type
// ignores any text supplied alongside it.
func customInstructions(scriptType, text string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(scriptType)) {
	case "", scriptTypeDefault:
		return "", nil
	case scriptTypeCustom:
		if strings.TrimSpace(text) == "" {
			return "", failure.New(failure.KindInputValidation, "custom instructions are required for the custom script type")
		}
		return text, nil
	default:
		return "", failure.Newf(failure.KindInputValidation, "script_type must be %q or %q", scriptTypeDefault, scriptTypeCustom)
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}
