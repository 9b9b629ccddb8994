package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Config struct {
	Level  string
	Writer io.Writer
	Format string
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init creates a slog.Logger using the provided configuration and installs it
// as the process-wide default logger.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New creates a structured slog.Logger using the provided configuration.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	return slog.New(newHandler(cfg, writer))
}

func newHandler(cfg Config, writer io.Writer) slog.Handler {
	options := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	switch LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) {
	case FormatText:
		return slog.NewTextHandler(writer, options)
	default:
		return slog.NewJSONHandler(writer, options)
	}
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		l := slog.LevelDebug
		return &l
	case "warn", "warning":
		l := slog.LevelWarn
		return &l
	case "error":
		l := slog.LevelError
		return &l
	case "info", "":
		fallthrough
	default:
		l := slog.LevelInfo
		return &l
	}
}

// WithComponent returns a logger annotated with the provided component field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type contextKey string

const (
	connectionIDKey contextKey = "connection_id"
	channelKey      contextKey = "channel"
)

// ContextWithConnectionID adds the connection ID to the context when non-empty.
func ContextWithConnectionID(ctx context.Context, id string) context.Context {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return ctx
	}
	return context.WithValue(ctx, connectionIDKey, trimmed)
}

// ConnectionIDFromContext extracts the connection ID stored on the context.
func ConnectionIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(connectionIDKey).(string)
	return value, ok && value != ""
}

// ContextWithChannel adds the bound channel name to the context when non-empty.
func ContextWithChannel(ctx context.Context, channel string) context.Context {
	trimmed := strings.TrimSpace(channel)
	if trimmed == "" {
		return ctx
	}
	return context.WithValue(ctx, channelKey, trimmed)
}

// ChannelFromContext extracts the channel name stored on the context.
func ChannelFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(channelKey).(string)
	return value, ok && value != ""
}

// WithContext returns a logger annotated with the connection ID and channel
// held in the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	if id, ok := ConnectionIDFromContext(ctx); ok {
		logger = logger.With("connection_id", id)
	}
	if channel, ok := ChannelFromContext(ctx); ok {
		logger = logger.With("channel", channel)
	}
	return logger
}
