package capture

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dictalabs/dicta/internal/config"
)

// Backend opens platform audio input devices. The production implementation
// sits on miniaudio; tests and mock deployments use MockBackend.
type Backend interface {
	Open(ctx context.Context, cons Constraints, format Format) (*InputStream, error)
}

// Acquirer owns the single live input stream. Acquire releases any previous
// stream before opening a new one, so at most one is ever held.
type Acquirer struct {
	backend Backend
	cons    Constraints
	format  Format
	log     *slog.Logger

	mu     sync.Mutex
	active *InputStream
}

func NewAcquirer(backend Backend, cfg config.CaptureConfig, log *slog.Logger) *Acquirer {
	return &Acquirer{
		backend: backend,
		cons: Constraints{
			EchoCancellation: cfg.EchoCancellation,
			NoiseSuppression: cfg.NoiseSuppression,
			AutoGainControl:  cfg.AutoGainControl,
		},
		format: Format{
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			BitDepth:   16,
		},
		log: log.With(slog.String("component", "capture")),
	}
}

// Acquire requests the platform audio input. Any previously active stream is
// released first. Failures are returned as *Error with a taxonomy code and
// never panic across this boundary.
func (a *Acquirer) Acquire(ctx context.Context) (*InputStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active != nil {
		a.releaseLocked(a.active)
	}

	stream, err := a.backend.Open(ctx, a.cons, a.format)
	if err != nil {
		cerr := classify("acquire input stream", err)
		a.log.Warn("stream acquisition failed",
			slog.String("code", string(cerr.Code)),
			slog.String("error", err.Error()))
		return nil, cerr
	}

	a.active = stream
	a.log.Info("input stream acquired",
		slog.String("stream_id", stream.ID()),
		slog.Int("sample_rate", stream.Format().SampleRate),
		slog.Int("channels", stream.Format().Channels))
	return stream, nil
}

// Release stops every track of the given stream and clears the active
// reference. Calling it with nil, or with a stream already released, is a
// no-op.
func (a *Acquirer) Release(stream *InputStream) {
	if stream == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked(stream)
}

func (a *Acquirer) releaseLocked(stream *InputStream) {
	for _, track := range stream.Tracks() {
		track.Stop()
	}
	if a.active == stream {
		a.active = nil
		a.log.Info("input stream released", slog.String("stream_id", stream.ID()))
	}
}

// Active returns the currently held stream, if any.
func (a *Acquirer) Active() *InputStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}
