package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dictalabs/dicta/internal/config"
	"github.com/dictalabs/dicta/internal/eventstore"
)

func testRuntime(t *testing.T) (*Runtime, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.Capture.Backend = "mock"
	cfg.Transcription.Mode = "mock"
	cfg.EventStore.RetentionMode = "ephemeral"

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	rt := New(cfg, logger)

	store, err := eventstore.Open(context.Background(), cfg.EventStore, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	rt.store = store

	if err := rt.buildPipeline(); err != nil {
		t.Fatalf("build pipeline: %v", err)
	}
	t.Cleanup(rt.manager.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.handleHealth)
	mux.HandleFunc("/readyz", rt.handleReady)
	rt.registerAPI(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return rt, server
}

func postJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, body
}

func TestRecordingOverHTTP(t *testing.T) {
	_, server := testRuntime(t)

	status, body := postJSON(t, server.URL+"/v1/recordings/start")
	if status != http.StatusCreated {
		t.Fatalf("start status %d: %v", status, body)
	}
	sessionID, _ := body["session_id"].(string)
	if sessionID == "" {
		t.Fatal("expected session id in start response")
	}

	resp, err := http.Get(server.URL + "/v1/recordings/state")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	var state stateResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	resp.Body.Close()
	if state.State != "recording" || state.SessionID != sessionID {
		t.Fatalf("unexpected state %+v", state)
	}

	time.Sleep(250 * time.Millisecond)

	status, body = postJSON(t, server.URL+"/v1/recordings/stop")
	if status != http.StatusOK {
		t.Fatalf("stop status %d: %v", status, body)
	}
	text, _ := body["transcript"].(string)
	if !strings.Contains(text, "audio bytes") {
		t.Fatalf("unexpected transcript %q", text)
	}
}

func TestStartTwiceReturnsConflict(t *testing.T) {
	_, server := testRuntime(t)

	if status, body := postJSON(t, server.URL+"/v1/recordings/start"); status != http.StatusCreated {
		t.Fatalf("first start status %d: %v", status, body)
	}
	status, _ := postJSON(t, server.URL+"/v1/recordings/start")
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for second start, got %d", status)
	}
	if status, _ := postJSON(t, server.URL+"/v1/recordings/stop"); status != http.StatusOK {
		t.Fatalf("stop status %d", status)
	}
}

func TestStopWithoutStartReturnsConflict(t *testing.T) {
	_, server := testRuntime(t)

	status, _ := postJSON(t, server.URL+"/v1/recordings/stop")
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d", status)
	}
}

func TestVisualizationStream(t *testing.T) {
	rt, server := testRuntime(t)

	if status, body := postJSON(t, server.URL+"/v1/recordings/start"); status != http.StatusCreated {
		t.Fatalf("start status %d: %v", status, body)
	}
	defer rt.manager.StopRecording(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/v1/visualization", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open sse stream: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read sse frame: %v", err)
	}
	chunk := string(buf[:n])
	if !strings.HasPrefix(chunk, "data: ") || !strings.Contains(chunk, "\"samples\"") {
		t.Fatalf("unexpected sse payload %q", chunk)
	}
}

func TestHealthAndReady(t *testing.T) {
	rt, server := testRuntime(t)

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start should be 503, got %d", resp.StatusCode)
	}

	rt.ready.Store(true)
	resp, err = http.Get(server.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz after start should be 200, got %d", resp.StatusCode)
	}
}
