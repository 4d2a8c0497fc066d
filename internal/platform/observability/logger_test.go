package observability

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tradelane/api/internal/platform/requestctx"
)

func TestServiceLoggerPrefersRequestLogger(t *testing.T) {
	fallbackCore, fallbackLogs := observer.New(zapcore.DebugLevel)
	requestCore, requestLogs := observer.New(zapcore.DebugLevel)

	hook := ServiceLogger(zap.New(fallbackCore), "drafts")
	ctx := requestctx.WithLogger(context.Background(), zap.New(requestCore).With(zap.String("request_id", "req-1")))

	hook(ctx, "draft.import.completed", map[string]any{"created": 3, "rejected": 1})

	if fallbackLogs.Len() != 0 {
		t.Fatalf("fallback logger must not be used when the request carries one")
	}
	entries := requestLogs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel || entry.Message != "draft.import.completed" {
		t.Fatalf("unexpected entry %+v", entry.Entry)
	}
	fields := entry.ContextMap()
	if fields["component"] != "drafts" || fields["request_id"] != "req-1" || fields["created"] != int64(3) {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestServiceLoggerWarnsOnFailures(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	hook := ServiceLogger(zap.New(core), "routes")

	hook(context.Background(), "route.geocode.failed", nil)
	hook(context.Background(), "draft.event.publish_failed", nil)
	hook(context.Background(), "compliance.model_drift", nil)
	hook(context.Background(), "draft.sweep.completed", nil)

	levels := make([]zapcore.Level, 0, logs.Len())
	for _, entry := range logs.All() {
		levels = append(levels, entry.Level)
	}
	want := []zapcore.Level{zapcore.WarnLevel, zapcore.WarnLevel, zapcore.WarnLevel, zapcore.InfoLevel}
	for i := range want {
		if levels[i] != want[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, want[i], levels[i])
		}
	}
}

func TestNewLoggerWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.log")
	logger, err := NewLogger(LoggerConfig{Level: "debug", File: path})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Debug("file sink ready", zap.String("component", "test"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"severity":"DEBUG"`) || !strings.Contains(line, `"message":"file sink ready"`) {
		t.Fatalf("unexpected log line %s", line)
	}
}
