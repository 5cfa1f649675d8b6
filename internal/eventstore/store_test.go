package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/dictalabs/dicta/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeralIsNoOp(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.BeginSession(ctx, "s1", "default", 16000, "audio/wav"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("ephemeral store should persist nothing, got %d sessions", len(sessions))
	}
}

func TestSessionLifecycleRoundTrip(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	id := "session-123"
	if err := es.BeginSession(ctx, id, "usb-mic", 16000, "audio/wav"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: id, Type: "session.started", Payload: []byte("{}")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.FinishSession(ctx, id, 2300*time.Millisecond); err != nil {
		t.Fatalf("finish session: %v", err)
	}
	if err := es.SaveTranscript(ctx, id, "hello world"); err != nil {
		t.Fatalf("save transcript: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, id, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "session.started" {
		t.Fatalf("unexpected events: %+v", events)
	}

	tr, err := es.TranscriptFor(ctx, id)
	if err != nil {
		t.Fatalf("transcript for: %v", err)
	}
	if tr.Text != "hello world" {
		t.Fatalf("unexpected transcript %q", tr.Text)
	}

	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].DurationMS != 2300 {
		t.Fatalf("expected 2300ms duration, got %d", sessions[0].DurationMS)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "old-session", "", 16000, "audio/wav"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: "session.started"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "new-session", "", 16000, "audio/wav"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("expected old session events pruned")
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("unexpected surviving sessions: %+v", sessions)
	}
}
