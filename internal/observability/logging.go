package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures logger construction.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string

	// Format is "text" or "json".
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer

	// AddSource includes file:line in records.
	AddSource bool
}

// NewLogger builds a slog.Logger with secret redaction. Attribute values
// under secret-bearing keys and secret-shaped substrings in messages are
// replaced before the record is written.
func NewLogger(config LogConfig) *slog.Logger {
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:       ParseLevel(config.Level),
		AddSource:   config.AddSource,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	return slog.New(&redactingHandler{inner: handler})
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const redactedValue = "[REDACTED]"

var sensitiveKeys = []string{
	"api_key", "apikey", "token", "secret", "password", "authorization", "dsn",
}

// messageSecretPattern catches key=value secrets embedded in message text.
var messageSecretPattern = regexp.MustCompile(
	`(?i)(api[_-]?key|token|secret|password|bearer)[\s:=]+[^\s"']+`)

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

func redactAttr(groups []string, a slog.Attr) slog.Attr {
	if isSensitiveKey(a.Key) && a.Value.Kind() == slog.KindString {
		a.Value = slog.StringValue(redactedValue)
	}
	return a
}

// redactingHandler rewrites record messages; attrs are handled by
// ReplaceAttr on the inner handler.
type redactingHandler struct {
	inner slog.Handler
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, record slog.Record) error {
	if messageSecretPattern.MatchString(record.Message) {
		clone := record.Clone()
		clone.Message = messageSecretPattern.ReplaceAllString(record.Message, "$1="+redactedValue)
		return h.inner.Handle(ctx, clone)
	}
	return h.inner.Handle(ctx, record)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &redactingHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{inner: h.inner.WithGroup(name)}
}
