package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"ssr-relay/internal/observability/logging"
)

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: "warn", Writer: &buf})
	logger.Info("hidden")
	logger.Warn("visible")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Fatalf("info line emitted at warn level: %q", output)
	}
	if !strings.Contains(output, "visible") {
		t.Fatalf("warn line missing: %q", output)
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Format: "text", Writer: &buf})
	logger.Info("hello")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}

func TestWithContextAnnotatesConnectionAndChannel(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Writer: &buf})

	ctx := logging.ContextWithConnectionID(context.Background(), "conn-42")
	ctx = logging.ContextWithChannel(ctx, "chat_abc_room1")
	logging.WithContext(ctx, logger).Info("bound")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("parse log line %q: %v", buf.String(), err)
	}
	if record["connection_id"] != "conn-42" {
		t.Fatalf("connection_id = %v", record["connection_id"])
	}
	if record["channel"] != "chat_abc_room1" {
		t.Fatalf("channel = %v", record["channel"])
	}
}

func TestContextCarriersIgnoreEmptyValues(t *testing.T) {
	ctx := logging.ContextWithConnectionID(context.Background(), "  ")
	if _, ok := logging.ConnectionIDFromContext(ctx); ok {
		t.Fatal("blank connection id stored")
	}
	ctx = logging.ContextWithChannel(ctx, "")
	if _, ok := logging.ChannelFromContext(ctx); ok {
		t.Fatal("blank channel stored")
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Writer: &buf})
	logging.WithComponent(logger, "gateway").Info("ready")
	if !strings.Contains(buf.String(), `"component":"gateway"`) {
		t.Fatalf("component missing: %q", buf.String())
	}
}
