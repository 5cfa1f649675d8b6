package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dictalabs/dicta/internal/analysis"
	"github.com/dictalabs/dicta/internal/capture"
	"github.com/dictalabs/dicta/internal/config"
	"github.com/dictalabs/dicta/internal/protocol"
	"github.com/dictalabs/dicta/internal/recorder"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubTranscriber struct {
	text string
	err  error
	blob recorder.Blob
}

func (s *stubTranscriber) Transcribe(_ context.Context, blob recorder.Blob) (string, error) {
	s.blob = blob
	return s.text, s.err
}

type eventLog struct {
	mu     sync.Mutex
	events []protocol.SessionEvent
}

func (l *eventLog) record(ev protocol.SessionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func newTestManager(backend capture.Backend, graph AnalysisGraph, tr *stubTranscriber, events *eventLog) (*Manager, *capture.Acquirer) {
	cfg := config.Default()
	log := testLogger()
	acquirer := capture.NewAcquirer(backend, cfg.Capture, log)
	if graph == nil {
		graph = analysis.NewGraph(cfg.Analysis, log)
	}
	rec := recorder.New(cfg.Recorder, log)
	hooks := Events{}
	if events != nil {
		hooks.OnSession = events.record
	}
	return NewManager(acquirer, graph, rec, tr, hooks, log), acquirer
}

func TestFullRecordingCycle(t *testing.T) {
	tr := &stubTranscriber{text: "the quick brown fox"}
	events := &eventLog{}
	mgr, acquirer := newTestManager(capture.NewMockBackend(), nil, tr, events)
	defer mgr.Close()

	id, err := mgr.StartRecording(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id == "" {
		t.Fatal("expected a session id")
	}
	if got := mgr.State(); got != StateRecording {
		t.Fatalf("expected recording state, got %s", got)
	}

	time.Sleep(350 * time.Millisecond)

	transcript, err := mgr.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if transcript.Text != "the quick brown fox" {
		t.Fatalf("unexpected transcript %q", transcript.Text)
	}
	if transcript.SessionID != id {
		t.Fatalf("transcript session %q does not match %q", transcript.SessionID, id)
	}
	if len(tr.blob.Data) == 0 {
		t.Fatal("transcriber received no audio")
	}
	if tr.blob.Duration < 200*time.Millisecond {
		t.Fatalf("expected at least 200ms of audio, got %s", tr.blob.Duration)
	}
	if acquirer.Active() != nil {
		t.Fatal("microphone still held after stop")
	}
	if got := mgr.State(); got != StateIdle {
		t.Fatalf("expected idle after stop, got %s", got)
	}

	types := events.types()
	if len(types) != 2 || types[0] != protocol.EventSessionStarted || types[1] != protocol.EventSessionStopped {
		t.Fatalf("unexpected event sequence %v", types)
	}
}

func TestStartRecordingSurfacesAcquisitionCode(t *testing.T) {
	backend := &capture.MockBackend{OpenErr: errors.New("device access denied by user")}
	mgr, acquirer := newTestManager(backend, nil, &stubTranscriber{}, nil)
	defer mgr.Close()

	_, err := mgr.StartRecording(context.Background())
	if err == nil {
		t.Fatal("expected acquisition failure")
	}
	if code := capture.CodeOf(err); code != capture.CodePermissionDenied {
		t.Fatalf("expected permission_denied, got %s", code)
	}
	if got := mgr.State(); got != StateIdle {
		t.Fatalf("expected idle after failed start, got %s", got)
	}
	if acquirer.Active() != nil {
		t.Fatal("no stream should be held")
	}
}

type failingGraph struct {
	initErr    error
	connectErr error
	vizErr     error
	initPanic  bool
	stopPanic  bool
	cleanups   int
}

func (g *failingGraph) Init() error {
	if g.initPanic {
		panic("analysis context corrupted")
	}
	return g.initErr
}
func (g *failingGraph) ConnectStream(*capture.InputStream) error { return g.connectErr }
func (g *failingGraph) StartVisualization() error                { return g.vizErr }
func (g *failingGraph) StopVisualization() {
	if g.stopPanic {
		panic("render loop corrupted")
	}
}
func (g *failingGraph) Subscribe(analysis.Subscription) {}
func (g *failingGraph) Cleanup()                        { g.cleanups++ }

func TestStartRollsBackWhenAnalysisFails(t *testing.T) {
	graph := &failingGraph{initErr: errors.New("dsp context unavailable")}
	mgr, acquirer := newTestManager(capture.NewMockBackend(), graph, &stubTranscriber{}, nil)

	_, err := mgr.StartRecording(context.Background())
	if err == nil {
		t.Fatal("expected start to fail")
	}
	if acquirer.Active() != nil {
		t.Fatal("stream not released after analysis failure")
	}
	if got := mgr.State(); got != StateIdle {
		t.Fatalf("expected idle, got %s", got)
	}
}

func TestStartRollsBackWhenVisualizationFails(t *testing.T) {
	graph := &failingGraph{vizErr: errors.New("render loop refused")}
	mgr, acquirer := newTestManager(capture.NewMockBackend(), graph, &stubTranscriber{}, nil)

	if _, err := mgr.StartRecording(context.Background()); err == nil {
		t.Fatal("expected start to fail")
	}
	if acquirer.Active() != nil {
		t.Fatal("stream not released after visualization failure")
	}
}

func TestStopWithoutStart(t *testing.T) {
	mgr, _ := newTestManager(capture.NewMockBackend(), nil, &stubTranscriber{}, nil)
	defer mgr.Close()

	if _, err := mgr.StopRecording(context.Background()); !errors.Is(err, ErrNoActiveRecording) {
		t.Fatalf("expected ErrNoActiveRecording, got %v", err)
	}
}

func TestSecondStartIsRejected(t *testing.T) {
	backend := capture.NewMockBackend()
	mgr, _ := newTestManager(backend, nil, &stubTranscriber{text: "x"}, nil)
	defer mgr.Close()

	if _, err := mgr.StartRecording(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := mgr.StartRecording(context.Background()); !errors.Is(err, ErrRecordingInProgress) {
		t.Fatalf("expected ErrRecordingInProgress, got %v", err)
	}
	if backend.Opened() != 1 {
		t.Fatalf("expected a single opened stream, got %d", backend.Opened())
	}
	if _, err := mgr.StopRecording(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestTranscriptionFailureStillReleasesDevice(t *testing.T) {
	tr := &stubTranscriber{err: errors.New("model offline")}
	events := &eventLog{}
	mgr, acquirer := newTestManager(capture.NewMockBackend(), nil, tr, events)
	defer mgr.Close()

	if _, err := mgr.StartRecording(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	_, err := mgr.StopRecording(context.Background())
	if err == nil {
		t.Fatal("expected transcription error")
	}
	if acquirer.Active() != nil {
		t.Fatal("microphone still held after transcription failure")
	}
	types := events.types()
	if len(types) == 0 || types[len(types)-1] != protocol.EventSessionFailed {
		t.Fatalf("expected trailing session.failed event, got %v", types)
	}
}

func TestStartRecoversFromGraphPanic(t *testing.T) {
	graph := &failingGraph{initPanic: true}
	mgr, acquirer := newTestManager(capture.NewMockBackend(), graph, &stubTranscriber{}, nil)

	_, err := mgr.StartRecording(context.Background())
	if err == nil {
		t.Fatal("expected start to fail after panic")
	}
	if !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("expected panic error, got %v", err)
	}
	if acquirer.Active() != nil {
		t.Fatal("stream not released after panic")
	}
	if got := mgr.State(); got != StateIdle {
		t.Fatalf("expected idle after panic, got %s", got)
	}

	// The manager must remain usable: the lock is free and a retry with a
	// healthy graph path still rejects nothing.
	graph.initPanic = false
	if _, err := mgr.StartRecording(context.Background()); err != nil {
		t.Fatalf("retry after panic: %v", err)
	}
	graph.stopPanic = false
	if _, err := mgr.StopRecording(context.Background()); err != nil && !errors.Is(err, ErrNoAudioData) {
		t.Fatalf("stop after retry: %v", err)
	}
}

func TestStopRecoversFromGraphPanic(t *testing.T) {
	graph := &failingGraph{stopPanic: true}
	mgr, acquirer := newTestManager(capture.NewMockBackend(), graph, &stubTranscriber{text: "x"}, nil)

	if _, err := mgr.StartRecording(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	_, err := mgr.StopRecording(context.Background())
	if err == nil {
		t.Fatal("expected stop to fail after panic")
	}
	if !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("expected panic error, got %v", err)
	}
	if acquirer.Active() != nil {
		t.Fatal("stream not released after panic during stop")
	}
	if got := mgr.State(); got != StateIdle {
		t.Fatalf("expected idle after panic, got %s", got)
	}
	if mgr.ActiveSessionID() != "" {
		t.Fatal("session id should be cleared after panic")
	}
}

func TestStopNotBlockedBySlowSubscriber(t *testing.T) {
	mgr, _ := newTestManager(capture.NewMockBackend(), nil, &stubTranscriber{text: "ok"}, nil)
	defer mgr.Close()

	// Mimics a subscriber that does slow work per frame and then reads the
	// session id, while a stop is waiting for the render loop to finish.
	mgr.SubscribeVisualization(func([]float32) {
		time.Sleep(30 * time.Millisecond)
		_ = mgr.ActiveSessionID()
		_ = mgr.State()
	})

	if _, err := mgr.StartRecording(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := mgr.StopRecording(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not complete while a subscriber was mid-frame")
	}
}

func TestBackToBackSessions(t *testing.T) {
	backend := capture.NewMockBackend()
	mgr, _ := newTestManager(backend, nil, &stubTranscriber{text: "again"}, nil)
	defer mgr.Close()

	for i := 0; i < 2; i++ {
		if _, err := mgr.StartRecording(context.Background()); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		time.Sleep(150 * time.Millisecond)
		if _, err := mgr.StopRecording(context.Background()); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
	if backend.Opened() != 2 {
		t.Fatalf("expected two opened streams, got %d", backend.Opened())
	}
}
