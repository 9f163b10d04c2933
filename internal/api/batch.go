package api

import (
	"encoding/json"
	"net/http"

	"github.com/dbtgen/dbtgen/internal/artifact"
	"github.com/dbtgen/dbtgen/internal/auth"
	"github.com/dbtgen/dbtgen/internal/failure"
)

const (
	batchArchiveName  = "dbtgen-batch.zip"
	batchFailuresName = "failures.json"
)

type batchResult struct {
	Table string `json:"table"`
	generateResponse
}

type tableFailure struct {
	Table     string `json:"table"`
	ErrorCode string `json:"error_code"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type batchResponse struct {
	Results  []batchResult  `json:"results"`
	Failures []tableFailure `json:"failures"`
}

// generateBatch runs one generation per table. A failed table is reported in
// the response and the remaining tables still run. When every table fails the
// first failure decides the status.
func generateBatch(deps Dependencies, publish bool, format string, request sessionGenerateRequest, tables []string, w http.ResponseWriter, r *http.Request) {
	owner := auth.Owner(r)
	sessionID := r.PathValue("id")

	response := batchResponse{Results: []batchResult{}, Failures: []tableFailure{}}
	var (
		archives []artifact.Archive
		firstErr error
	)
	producedBy := map[string]string{}
	fail := func(table string, err error) {
		if firstErr == nil {
			firstErr = err
		}
		response.Failures = append(response.Failures, describeFailure(table, err))
	}

	for _, table := range tables {
		descriptor, err := deps.Sessions.Describe(r.Context(), owner, sessionID, table)
		if err != nil {
			fail(table, err)
			continue
		}
		result, err := deps.Generation.Generate(r.Context(), sessionRequest(request, descriptor, "", owner))
		if err != nil {
			fail(table, err)
			continue
		}
		if earlier, ok := producedBy[result.Pair.Identifier]; ok {
			fail(table, failure.Newf(failure.KindMalformedResponse, "model %s was already generated for table %s", result.Pair.Identifier, earlier))
			continue
		}
		archive, rendered, err := produceArtifact(deps, publish, nil, result, r)
		if err != nil {
			fail(table, err)
			continue
		}
		producedBy[result.Pair.Identifier] = table
		archives = append(archives, archive)
		response.Results = append(response.Results, batchResult{Table: table, generateResponse: rendered})
		w.Header().Add("X-Run-ID", result.RunID)
	}

	if len(response.Results) == 0 {
		writeFailure(w, r, firstErr, map[string]any{"session_id": sessionID, "failures": response.Failures})
		return
	}
	if format == formatJSON {
		writeJSON(w, http.StatusOK, response)
		return
	}

	var extra []artifact.File
	if len(response.Failures) > 0 {
		manifest, err := json.MarshalIndent(response.Failures, "", "  ")
		if err != nil {
			writeFailure(w, r, failure.Wrap(failure.KindStorage, "encode batch failures", err), nil)
			return
		}
		extra = append(extra, artifact.File{Name: batchFailuresName, Content: string(manifest)})
	}
	bundle, err := artifact.BuildBundle(batchArchiveName, archives, extra...)
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	writeArchive(w, bundle)
}
