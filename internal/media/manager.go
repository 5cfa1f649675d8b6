package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dictalabs/dicta/internal/analysis"
	"github.com/dictalabs/dicta/internal/capture"
	"github.com/dictalabs/dicta/internal/protocol"
	"github.com/dictalabs/dicta/internal/recorder"
	"github.com/dictalabs/dicta/internal/transcribe"
)

var (
	ErrRecordingInProgress = errors.New("recording already in progress")
	ErrNoActiveRecording   = errors.New("no active recording")
	ErrNoAudioData         = errors.New("no audio data captured")
)

// State names the current phase of the recording pipeline.
type State string

const (
	StateIdle         State = "idle"
	StateAcquiring    State = "acquiring"
	StateAnalyzing    State = "analyzing"
	StateRecording    State = "recording"
	StateStopping     State = "stopping"
	StateTranscribing State = "transcribing"
)

// AnalysisGraph is the slice of the analysis package the manager drives.
type AnalysisGraph interface {
	Init() error
	ConnectStream(stream *capture.InputStream) error
	StartVisualization() error
	StopVisualization()
	Subscribe(cb analysis.Subscription)
	Cleanup()
}

// Events receives lifecycle notifications. Callbacks must be quick and must
// not call back into the manager.
type Events struct {
	OnSession    func(protocol.SessionEvent)
	OnTranscript func(protocol.Transcript)
}

// Manager drives a recording session end to end: acquire the microphone,
// attach the analysis graph, record timesliced chunks, then on stop release
// the device and hand the assembled audio to the transcriber. A failure
// partway through start unwinds the steps already taken in reverse order.
type Manager struct {
	acquirer    *capture.Acquirer
	graph       AnalysisGraph
	recorder    *recorder.Recorder
	transcriber transcribe.Transcriber
	log         *slog.Logger
	events      Events
	metrics     *managerMetrics

	mu      sync.Mutex
	session *session

	// state and activeID are read lock-free. Visualization subscriptions
	// fire on the render-loop goroutine that StopVisualization waits for;
	// if reading them took mu, a subscriber would deadlock against a stop
	// already holding it.
	state    atomic.Value // State
	activeID atomic.Value // string
}

type session struct {
	id        string
	stream    *capture.InputStream
	handle    *recorder.Handle
	startedAt time.Time
}

func NewManager(acquirer *capture.Acquirer, graph AnalysisGraph, rec *recorder.Recorder, tr transcribe.Transcriber, events Events, log *slog.Logger) *Manager {
	m := &Manager{
		acquirer:    acquirer,
		graph:       graph,
		recorder:    rec,
		transcriber: tr,
		events:      events,
		log:         log.With(slog.String("component", "media-manager")),
	}
	m.state.Store(StateIdle)
	m.activeID.Store("")
	metrics, err := newManagerMetrics()
	if err != nil {
		m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	m.metrics = metrics
	return m
}

// State reports the current pipeline phase. Never blocks.
func (m *Manager) State() State {
	s, _ := m.state.Load().(State)
	if s == "" {
		return StateIdle
	}
	return s
}

// ActiveSessionID returns the id of the in-flight session, or empty. Never
// blocks, so visualization subscribers may call it mid-frame.
func (m *Manager) ActiveSessionID() string {
	id, _ := m.activeID.Load().(string)
	return id
}

func (m *Manager) setState(s State) {
	m.state.Store(s)
}

// SubscribeVisualization registers a callback for time-domain frames from
// the render loop.
func (m *Manager) SubscribeVisualization(cb analysis.Subscription) {
	m.graph.Subscribe(cb)
}

// StartRecording acquires the microphone, wires it into the analysis graph,
// starts the visualization loop and begins chunked recording. If any step
// fails, the steps already completed are undone in reverse order and the
// manager returns to idle with no stream held.
func (m *Manager) StartRecording(ctx context.Context) (string, error) {
	id, err := m.beginSession(ctx)
	if err != nil {
		return "", err
	}
	m.emitSession(protocol.SessionEvent{
		SessionID: id,
		Type:      protocol.EventSessionStarted,
		Timestamp: time.Now(),
	})
	return id, nil
}

// beginSession runs the locked half of start. Event callbacks are invoked
// by the caller after mu is released.
func (m *Manager) beginSession(ctx context.Context) (sessionID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var undo []func()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic during recording start", slog.Any("panic", r))
			runRollback(undo)
			m.session = nil
			m.activeID.Store("")
			m.setState(StateIdle)
			err = fmt.Errorf("recording start panicked: %v", r)
		}
	}()

	if m.session != nil {
		return "", ErrRecordingInProgress
	}

	m.setState(StateAcquiring)
	stream, err := m.acquirer.Acquire(ctx)
	if err != nil {
		m.setState(StateIdle)
		m.log.Warn("microphone acquisition failed",
			slog.String("code", string(capture.CodeOf(err))),
			slog.String("error", err.Error()))
		return "", err
	}
	undo = append(undo, func() { m.acquirer.Release(stream) })

	m.setState(StateAnalyzing)
	if err := m.graph.Init(); err != nil {
		runRollback(undo)
		m.setState(StateIdle)
		return "", fmt.Errorf("initialize analysis: %w", err)
	}
	if err := m.graph.ConnectStream(stream); err != nil {
		runRollback(undo)
		m.setState(StateIdle)
		return "", fmt.Errorf("connect analysis source: %w", err)
	}
	if err := m.graph.StartVisualization(); err != nil {
		runRollback(undo)
		m.setState(StateIdle)
		return "", fmt.Errorf("start visualization: %w", err)
	}
	undo = append(undo, m.graph.StopVisualization)

	handle := m.recorder.Create(stream, recorder.Callbacks{
		OnChunk: func(chunk []byte) { m.metrics.chunkCaptured(ctx, len(chunk)) },
		OnError: func(chunkErr error) {
			m.log.Warn("recorder error", slog.String("error", chunkErr.Error()))
		},
	})
	if err := m.recorder.Start(handle); err != nil {
		runRollback(undo)
		m.setState(StateIdle)
		return "", fmt.Errorf("start recorder: %w", err)
	}

	m.session = &session{
		id:        uuid.NewString(),
		stream:    stream,
		handle:    handle,
		startedAt: time.Now(),
	}
	m.activeID.Store(m.session.id)
	m.setState(StateRecording)
	m.metrics.sessionStarted(ctx)
	m.log.Info("recording started",
		slog.String("session_id", m.session.id),
		slog.String("stream_id", stream.ID()))
	return m.session.id, nil
}

// StopRecording tears the pipeline down in reverse order of construction,
// releases the microphone before transcription begins, and returns the
// transcript for the assembled audio. The device is released even when
// transcription fails.
func (m *Manager) StopRecording(ctx context.Context) (protocol.Transcript, error) {
	active, blob, err := m.finishSession()
	if err != nil {
		return protocol.Transcript{}, err
	}

	if len(blob.Data) == 0 {
		m.emitSession(protocol.SessionEvent{
			SessionID: active.id,
			Type:      protocol.EventSessionFailed,
			Reason:    ErrNoAudioData.Error(),
			Timestamp: time.Now(),
		})
		return protocol.Transcript{}, ErrNoAudioData
	}

	m.emitSession(protocol.SessionEvent{
		SessionID: active.id,
		Type:      protocol.EventSessionStopped,
		Timestamp: time.Now(),
	})

	text, err := m.transcriber.Transcribe(ctx, blob)

	m.mu.Lock()
	if m.session == nil {
		m.setState(StateIdle)
	}
	m.mu.Unlock()

	if err != nil {
		m.metrics.transcriptionFailed(ctx)
		m.emitSession(protocol.SessionEvent{
			SessionID: active.id,
			Type:      protocol.EventSessionFailed,
			Reason:    err.Error(),
			Timestamp: time.Now(),
		})
		return protocol.Transcript{}, fmt.Errorf("transcribe session %s: %w", active.id, err)
	}

	transcript := protocol.Transcript{
		SessionID: active.id,
		Text:      text,
		Duration:  blob.Duration,
		Timestamp: time.Now(),
	}
	m.metrics.sessionCompleted(ctx, time.Since(active.startedAt))
	m.log.Info("recording completed",
		slog.String("session_id", active.id),
		slog.Int("audio_bytes", len(blob.Data)),
		slog.Duration("duration", blob.Duration))
	if m.events.OnTranscript != nil {
		m.events.OnTranscript(transcript)
	}
	return transcript, nil
}

// finishSession runs the locked half of stop: halt visualization and the
// recorder, assemble the blob, and release the microphone. The device goes
// back before transcription starts; a slow or failing transcription must not
// hold it.
func (m *Manager) finishSession() (active *session, blob recorder.Blob, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic during recording stop", slog.Any("panic", r))
			m.releaseSessionLocked()
			err = fmt.Errorf("recording stop panicked: %v", r)
		}
	}()

	if m.session == nil {
		return nil, recorder.Blob{}, ErrNoActiveRecording
	}

	active = m.session
	m.setState(StateStopping)

	m.graph.StopVisualization()
	m.recorder.Stop(active.handle)
	blob = active.handle.AssembleBlob()

	m.acquirer.Release(active.stream)
	m.session = nil
	m.activeID.Store("")
	if len(blob.Data) == 0 {
		m.setState(StateIdle)
	} else {
		m.setState(StateTranscribing)
	}
	return active, blob, nil
}

// Close aborts any in-flight session and discards the analysis graph. Safe
// to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	m.releaseSessionLocked()
	m.mu.Unlock()
	m.graph.Cleanup()
}

// releaseSessionLocked is the abort path: each teardown step is isolated so
// a component that already panicked once cannot panic its way out of
// cleanup and leave the stream held.
func (m *Manager) releaseSessionLocked() {
	if m.session != nil {
		safely(m.graph.StopVisualization)
		handle := m.session.handle
		safely(func() { m.recorder.Stop(handle) })
		m.acquirer.Release(m.session.stream)
		m.session = nil
	}
	m.activeID.Store("")
	m.setState(StateIdle)
}

func (m *Manager) emitSession(ev protocol.SessionEvent) {
	if m.events.OnSession != nil {
		m.events.OnSession(ev)
	}
}

func runRollback(undo []func()) {
	for i := len(undo) - 1; i >= 0; i-- {
		safely(undo[i])
	}
}

func safely(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
