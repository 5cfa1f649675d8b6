package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dictalabs/dicta/internal/analysis"
	"github.com/dictalabs/dicta/internal/bus"
	"github.com/dictalabs/dicta/internal/capture"
	"github.com/dictalabs/dicta/internal/config"
	"github.com/dictalabs/dicta/internal/eventstore"
	"github.com/dictalabs/dicta/internal/media"
	"github.com/dictalabs/dicta/internal/natsserver"
	"github.com/dictalabs/dicta/internal/presence"
	"github.com/dictalabs/dicta/internal/protocol"
	"github.com/dictalabs/dicta/internal/recorder"
	"github.com/dictalabs/dicta/internal/transcribe"
)

// Runtime wires the capture pipeline to the HTTP API, the event store and
// the bus, and owns startup and shutdown ordering.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error

	embedded  *natsserver.EmbeddedServer
	busClient *bus.Client
	store     *eventstore.Store
	manager   *media.Manager
	announcer *presence.Announcer
	hub       *vizHub

	ready     atomic.Bool
	wg        sync.WaitGroup
	levelSent atomic.Int64
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		hub:    newVizHub(),
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Enabled {
		r.embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.busClient, err = bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			r.embedded.Shutdown()
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		r.shutdownBus()
		return fmt.Errorf("failed to open event store: %w", err)
	}

	if err := r.buildPipeline(); err != nil {
		_ = r.store.Close()
		r.shutdownBus()
		return err
	}

	if r.busClient != nil {
		r.announcer, err = presence.NewAnnouncer(ctx, r.cfg.Node, r.busClient,
			func() string { return string(r.manager.State()) }, r.logger)
		if err != nil {
			r.logger.Warn("presence announcer disabled", slog.String("error", err.Error()))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}
	r.registerAPI(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.manager.Close()
	r.announcer.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Error("event store close error", slog.String("error", err.Error()))
	}
	r.shutdownBus()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildPipeline assembles the capture components and hooks their lifecycle
// events into the store and the bus.
func (r *Runtime) buildPipeline() error {
	var backend capture.Backend
	switch r.cfg.Capture.Backend {
	case "mock":
		backend = capture.NewMockBackend()
	case "malgo", "":
		backend = capture.NewMalgoBackend(r.cfg.Capture, r.logger)
	default:
		return fmt.Errorf("unknown capture backend %q", r.cfg.Capture.Backend)
	}

	acquirer := capture.NewAcquirer(backend, r.cfg.Capture, r.logger)
	graph := analysis.NewGraph(r.cfg.Analysis, r.logger)
	rec := recorder.New(r.cfg.Recorder, r.logger)

	tr, err := transcribe.New(r.cfg.Transcription, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build transcriber: %w", err)
	}

	events := media.Events{
		OnSession:    r.onSessionEvent,
		OnTranscript: r.onTranscript,
	}
	r.manager = media.NewManager(acquirer, graph, rec, tr, events, r.logger)

	r.manager.SubscribeVisualization(func(samples []float32) {
		r.hub.broadcast(samples)
		r.publishLevel(samples)
	})
	return nil
}

func (r *Runtime) onSessionEvent(ev protocol.SessionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	switch ev.Type {
	case protocol.EventSessionStarted:
		if err := r.store.BeginSession(ctx, ev.SessionID, r.cfg.Capture.Device,
			r.cfg.Capture.SampleRate, r.cfg.Recorder.Container); err != nil {
			r.logger.Warn("persist session start failed", slog.String("error", err.Error()))
		}
	case protocol.EventSessionStopped, protocol.EventSessionFailed:
		if err := r.store.FinishSession(ctx, ev.SessionID, time.Since(ev.Timestamp)); err != nil {
			r.logger.Warn("persist session stop failed", slog.String("error", err.Error()))
		}
	}
	if err := r.store.AppendEvent(ctx, eventstore.Event{
		SessionID: ev.SessionID,
		Type:      ev.Type,
	}); err != nil {
		r.logger.Warn("persist session event failed", slog.String("error", err.Error()))
	}

	if err := r.busClient.PublishSessionEvent(ev); err != nil {
		r.logger.Warn("publish session event failed", slog.String("error", err.Error()))
	}
}

func (r *Runtime) onTranscript(tr protocol.Transcript) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.store.SaveTranscript(ctx, tr.SessionID, tr.Text); err != nil {
		r.logger.Warn("persist transcript failed", slog.String("error", err.Error()))
	}
	if err := r.store.FinishSession(ctx, tr.SessionID, tr.Duration); err != nil {
		r.logger.Warn("persist session duration failed", slog.String("error", err.Error()))
	}
	if err := r.busClient.PublishTranscript(tr); err != nil {
		r.logger.Warn("publish transcript failed", slog.String("error", err.Error()))
	}
}

// publishLevel forwards a loudness sample to the bus at most every 100ms so
// meters across the network update without flooding it at frame rate.
func (r *Runtime) publishLevel(samples []float32) {
	if r.busClient == nil {
		return
	}
	now := time.Now().UnixMilli()
	last := r.levelSent.Load()
	if now-last < 100 || !r.levelSent.CompareAndSwap(last, now) {
		return
	}
	rms, peak := levelOf(samples)
	if err := r.busClient.PublishLevel(protocol.LevelSample{
		SessionID: r.manager.ActiveSessionID(),
		RMS:       rms,
		Peak:      peak,
		Timestamp: time.Now(),
	}); err != nil {
		r.logger.Warn("publish level failed", slog.String("error", err.Error()))
	}
}

func (r *Runtime) shutdownBus() {
	r.busClient.Close()
	r.embedded.Shutdown()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
