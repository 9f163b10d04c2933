package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/dbtgen/dbtgen/internal/config"
)

type traceIDKey struct{}

// redactedKeys are attribute names whose values never reach log output.
var redactedKeys = map[string]bool{
	"password":       true,
	"api_key":        true,
	"authorization":  true,
	"dsn":            true,
	"secret_key":     true,
	"warehouse_pass": true,
}

// NewLogger builds the process logger. Every record carries the service name,
// profile and model provider so API and CLI output can be told apart.
func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	opts := &slog.HandlerOptions{Level: cfg.Observability.LogLevel, ReplaceAttr: redact}
	var handler slog.Handler = slog.NewTextHandler(writer, opts)
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, opts)
	}
	return slog.New(handler).With(
		"service", cfg.Service.Name,
		"profile", string(cfg.Profile),
		"model_provider", cfg.Model.Provider,
	)
}

func redact(_ []string, attr slog.Attr) slog.Attr {
	if redactedKeys[strings.ToLower(attr.Key)] {
		return slog.String(attr.Key, "[redacted]")
	}
	return attr
}

// LoggerOrDiscard returns logger, or a logger that drops everything when nil.
func LoggerOrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	traceID, _ := ctx.Value(traceIDKey{}).(string)
	return traceID
}
