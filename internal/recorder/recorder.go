package recorder

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dictalabs/dicta/internal/capture"
	"github.com/dictalabs/dicta/internal/config"
)

var ErrAlreadyStarted = errors.New("recorder already started")

// Blob is the assembled output of a finished session: every captured chunk
// concatenated in arrival order, tagged with the container and source
// format.
type Blob struct {
	Data      []byte
	Container string
	Format    capture.Format
	Duration  time.Duration
}

// Callbacks are invoked on recorder lifecycle transitions. Any may be nil.
type Callbacks struct {
	OnStart func()
	OnStop  func()
	OnError func(error)
	OnChunk func(chunk []byte)
}

// Handle is one recording session: a recorder bound to a stream plus the
// ordered chunks it has delivered. Created fresh for every session with an
// empty chunk list and discarded at stop.
type Handle struct {
	id        string
	stream    *capture.InputStream
	container string
	callbacks Callbacks
	startedAt time.Time

	mu     sync.Mutex
	chunks [][]byte
}

func (h *Handle) ID() string {
	return h.id
}

func (h *Handle) appendChunk(chunk []byte) {
	h.mu.Lock()
	h.chunks = append(h.chunks, chunk)
	h.mu.Unlock()
	if h.callbacks.OnChunk != nil {
		h.callbacks.OnChunk(chunk)
	}
}

// ChunkCount reports how many chunks have been delivered so far.
func (h *Handle) ChunkCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.chunks)
}

// AssembleBlob concatenates the captured chunks in arrival order. Assembly
// happens on demand; stopping the recorder does not build the blob.
func (h *Handle) AssembleBlob() Blob {
	h.mu.Lock()
	defer h.mu.Unlock()

	total := 0
	for _, c := range h.chunks {
		total += len(c)
	}
	data := make([]byte, 0, total)
	for _, c := range h.chunks {
		data = append(data, c...)
	}

	format := h.stream.Format()
	var duration time.Duration
	if bytesPerSecond := format.SampleRate * format.Channels * format.BitDepth / 8; bytesPerSecond > 0 {
		duration = time.Duration(float64(total) / float64(bytesPerSecond) * float64(time.Second))
	}
	return Blob{
		Data:      data,
		Container: h.container,
		Format:    format,
		Duration:  duration,
	}
}

// Recorder creates and drives recording sessions. At most one session is
// active at a time; the active reference is discarded on stop.
type Recorder struct {
	cfg config.RecorderConfig
	log *slog.Logger

	mu     sync.Mutex
	active *activeSession
}

type activeSession struct {
	handle *Handle
	cancel chan struct{}
	done   sync.WaitGroup
}

func New(cfg config.RecorderConfig, log *slog.Logger) *Recorder {
	return &Recorder{
		cfg: cfg,
		log: log.With(slog.String("component", "recorder")),
	}
}

// Create builds a fresh session bound to the stream and wires its lifecycle
// callbacks. The chunk list starts empty.
func (r *Recorder) Create(stream *capture.InputStream, callbacks Callbacks) *Handle {
	return &Handle{
		id:        uuid.NewString(),
		stream:    stream,
		container: r.cfg.Container,
		callbacks: callbacks,
	}
}

// Start begins capture with the configured timeslice. Without a periodic
// delivery interval data would only surface when the recorder stops, which
// loses everything for sessions stopped immediately; a short interval
// guarantees chunks regardless of session length.
func (r *Recorder) Start(handle *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return ErrAlreadyStarted
	}

	session := &activeSession{
		handle: handle,
		cancel: make(chan struct{}),
	}
	r.active = session
	handle.startedAt = time.Now()

	timeslice := time.Duration(r.cfg.TimesliceMS) * time.Millisecond
	session.done.Add(1)
	go r.collect(session, timeslice)

	if handle.callbacks.OnStart != nil {
		handle.callbacks.OnStart()
	}
	r.log.Info("recording started",
		slog.String("session_id", handle.id),
		slog.Duration("timeslice", timeslice))
	return nil
}

// collect drains stream frames and emits one chunk per elapsed timeslice,
// flushing any partial interval on shutdown.
func (r *Recorder) collect(session *activeSession, timeslice time.Duration) {
	defer session.done.Done()

	handle := session.handle
	frames := handle.stream.Frames()
	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()

	var pending []byte
	flush := func() {
		if len(pending) == 0 {
			return
		}
		chunk := pending
		pending = nil
		handle.appendChunk(chunk)
	}

	for {
		select {
		case <-session.cancel:
			flush()
			return
		case frame, ok := <-frames:
			if !ok {
				flush()
				if handle.callbacks.OnError != nil {
					handle.callbacks.OnError(errors.New("input stream ended during recording"))
				}
				return
			}
			pending = append(pending, frame...)
		case <-ticker.C:
			flush()
		}
	}
}

// Stop signals end of capture, waits for the final partial chunk to flush,
// and discards the active-session reference. Idempotent for handles that
// are not the active session.
func (r *Recorder) Stop(handle *Handle) {
	r.mu.Lock()
	session := r.active
	if session == nil || session.handle != handle {
		r.mu.Unlock()
		return
	}
	r.active = nil
	r.mu.Unlock()

	close(session.cancel)
	session.done.Wait()

	if handle.callbacks.OnStop != nil {
		handle.callbacks.OnStop()
	}
	r.log.Info("recording stopped",
		slog.String("session_id", handle.id),
		slog.Int("chunks", handle.ChunkCount()))
}

// Active returns the handle of the running session, or nil.
func (r *Recorder) Active() *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	return r.active.handle
}
