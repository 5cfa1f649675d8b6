package protocol

import "time"

// SessionEvent marks a recording session lifecycle transition on the bus.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	NodeID    string    `json:"node_id,omitempty"`
	Type      string    `json:"type"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript carries the text produced for a finished session.
type Transcript struct {
	SessionID string        `json:"session_id"`
	Text      string        `json:"text"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// LevelSample is a throttled loudness reading derived from the
// visualization loop, for UI meters.
type LevelSample struct {
	SessionID string    `json:"session_id,omitempty"`
	RMS       float64   `json:"rms"`
	Peak      float64   `json:"peak"`
	Timestamp time.Time `json:"timestamp"`
}

// Heartbeat announces a live capture node and its current state.
type Heartbeat struct {
	NodeID    string    `json:"node_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSessionStarted  = "capture.session.started"
	SubjectSessionStopped  = "capture.session.stopped"
	SubjectTranscriptFinal = "capture.transcript.final"
	SubjectAudioLevel      = "capture.audio.level"
	SubjectNodeHeartbeat   = "capture.node.heartbeat"
)

const (
	EventSessionStarted = "session.started"
	EventSessionStopped = "session.stopped"
	EventSessionFailed  = "session.failed"
	EventTranscript     = "transcript.final"
)
