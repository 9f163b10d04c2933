package api

import (
	"net/http"

	"github.com/dbtgen/dbtgen/internal/failure"
)

type failureResponse struct {
	status    int
	code      string
	retryable bool
}

var failureResponses = map[failure.Kind]failureResponse{
	failure.KindInputValidation:   {status: http.StatusBadRequest, code: "INVALID_INPUT"},
	failure.KindNotFound:          {status: http.StatusNotFound, code: "NOT_FOUND"},
	failure.KindMissingIdentifier: {status: http.StatusUnprocessableEntity, code: "MISSING_IDENTIFIER"},
	failure.KindMalformedResponse: {status: http.StatusUnprocessableEntity, code: "MALFORMED_RESPONSE"},
	failure.KindExternalService:   {status: http.StatusBadGateway, code: "MODEL_SERVICE_FAILED", retryable: true},
	failure.KindConnection:        {status: http.StatusBadGateway, code: "WAREHOUSE_CONNECTION_FAILED", retryable: true},
	failure.KindStorage:           {status: http.StatusInternalServerError, code: "STORAGE_FAILED", retryable: true},
}

// writeFailure renders err with the status its kind maps to. Errors without a
// kind are internal and their text is not exposed.
func writeFailure(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	kind := failure.KindOf(err)
	resp, ok := failureResponses[kind]
	if !ok {
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "internal error", false, extra)
		return
	}
	if extra == nil {
		extra = map[string]any{}
	}
	extra["kind"] = string(kind)
	if cause := errorDetails(err); cause != "" {
		extra["details"] = cause
	}
	writeError(r.Context(), w, resp.status, resp.code, failure.MessageOf(err), resp.retryable, extra)
}

func errorDetails(err error) string {
	message := failure.MessageOf(err)
	if full := err.Error(); full != message {
		return full
	}
	return ""
}

// describeFailure renders err for one table of a batch. Errors without a kind
// are internal and their text is not exposed.
func describeFailure(table string, err error) tableFailure {
	kind := failure.KindOf(err)
	resp, ok := failureResponses[kind]
	if !ok {
		return tableFailure{Table: table, ErrorCode: "INTERNAL", Message: "internal error"}
	}
	return tableFailure{
		Table:     table,
		ErrorCode: resp.code,
		Kind:      string(kind),
		Message:   failure.MessageOf(err),
		Retryable: resp.retryable,
	}
}
