package runtime

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dictalabs/dicta/internal/capture"
	"github.com/dictalabs/dicta/internal/media"
	"github.com/dictalabs/dicta/internal/presence"
)

func (r *Runtime) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/recordings/start", r.handleStartRecording)
	mux.HandleFunc("POST /v1/recordings/stop", r.handleStopRecording)
	mux.HandleFunc("GET /v1/recordings/state", r.handleRecordingState)
	mux.HandleFunc("GET /v1/visualization", r.hub.serveSSE)
	mux.HandleFunc("GET /v1/sessions", r.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", r.handleTranscript)
	mux.HandleFunc("GET /v1/nodes", r.handleNodes)
}

type startResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

type stopResponse struct {
	SessionID  string `json:"session_id"`
	Transcript string `json:"transcript"`
	DurationMS int64  `json:"duration_ms"`
}

type stateResponse struct {
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (r *Runtime) handleStartRecording(w http.ResponseWriter, req *http.Request) {
	id, err := r.manager.StartRecording(req.Context())
	if err != nil {
		r.writeCaptureError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, startResponse{SessionID: id, State: string(r.manager.State())})
}

func (r *Runtime) handleStopRecording(w http.ResponseWriter, req *http.Request) {
	transcript, err := r.manager.StopRecording(req.Context())
	if err != nil {
		switch {
		case errors.Is(err, media.ErrNoActiveRecording):
			writeJSON(w, http.StatusConflict, apiError{Error: err.Error()})
		case errors.Is(err, media.ErrNoAudioData):
			writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: err.Error()})
		default:
			r.logger.Error("stop recording failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusBadGateway, apiError{Error: err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{
		SessionID:  transcript.SessionID,
		Transcript: transcript.Text,
		DurationMS: transcript.Duration.Milliseconds(),
	})
}

func (r *Runtime) handleRecordingState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{
		State:     string(r.manager.State()),
		SessionID: r.manager.ActiveSessionID(),
	})
}

func (r *Runtime) handleListSessions(w http.ResponseWriter, req *http.Request) {
	sessions, err := r.store.ListSessions(req.Context(), 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}
	type sessionView struct {
		ID         string    `json:"id"`
		Device     string    `json:"device,omitempty"`
		SampleRate int       `json:"sample_rate"`
		Container  string    `json:"container"`
		StartedAt  time.Time `json:"started_at"`
		DurationMS int64     `json:"duration_ms"`
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{
			ID:         s.ID,
			Device:     s.Device,
			SampleRate: s.SampleRate,
			Container:  s.Container,
			StartedAt:  s.StartedAt,
			DurationMS: s.DurationMS,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Runtime) handleTranscript(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	tr, err := r.store.TranscriptFor(req.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, apiError{Error: "no transcript for session"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": tr.SessionID,
		"text":       tr.Text,
	})
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	if r.announcer == nil {
		writeJSON(w, http.StatusOK, []presence.NodeInfo{})
		return
	}
	writeJSON(w, http.StatusOK, r.announcer.Nodes())
}

// writeCaptureError maps the acquisition failure taxonomy onto HTTP status
// codes and includes the user-facing message.
func (r *Runtime) writeCaptureError(w http.ResponseWriter, err error) {
	if errors.Is(err, media.ErrRecordingInProgress) {
		writeJSON(w, http.StatusConflict, apiError{Error: err.Error()})
		return
	}
	code := capture.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case capture.CodePermissionDenied:
		status = http.StatusForbidden
	case capture.CodeNoDevice:
		status = http.StatusNotFound
	case capture.CodeDeviceBusy:
		status = http.StatusConflict
	case capture.CodeConstraintsUnsupported:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, apiError{Error: capture.Message(code), Code: string(code)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
