package media

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type managerMetrics struct {
	sessionsStarted   metric.Int64Counter
	sessionsCompleted metric.Int64Counter
	sessionDuration   metric.Float64Histogram
	chunksCaptured    metric.Int64Counter
	chunkBytes        metric.Int64Counter
	transcribeFailed  metric.Int64Counter
}

func newManagerMetrics() (*managerMetrics, error) {
	meter := otel.Meter("github.com/dictalabs/dicta/media")
	m := &managerMetrics{}
	var errs []error

	var err error
	if m.sessionsStarted, err = meter.Int64Counter("dicta.sessions.started",
		metric.WithDescription("Recording sessions started")); err != nil {
		errs = append(errs, err)
	}
	if m.sessionsCompleted, err = meter.Int64Counter("dicta.sessions.completed",
		metric.WithDescription("Recording sessions completed with a transcript")); err != nil {
		errs = append(errs, err)
	}
	if m.sessionDuration, err = meter.Float64Histogram("dicta.sessions.duration_seconds",
		metric.WithDescription("Wall-clock length of completed sessions")); err != nil {
		errs = append(errs, err)
	}
	if m.chunksCaptured, err = meter.Int64Counter("dicta.recorder.chunks",
		metric.WithDescription("Timeslice chunks captured")); err != nil {
		errs = append(errs, err)
	}
	if m.chunkBytes, err = meter.Int64Counter("dicta.recorder.bytes",
		metric.WithDescription("Audio bytes captured")); err != nil {
		errs = append(errs, err)
	}
	if m.transcribeFailed, err = meter.Int64Counter("dicta.transcriptions.failed",
		metric.WithDescription("Transcription attempts that returned an error")); err != nil {
		errs = append(errs, err)
	}
	return m, errors.Join(errs...)
}

func (m *managerMetrics) sessionStarted(ctx context.Context) {
	if m == nil || m.sessionsStarted == nil {
		return
	}
	m.sessionsStarted.Add(ctx, 1)
}

func (m *managerMetrics) sessionCompleted(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}
	if m.sessionsCompleted != nil {
		m.sessionsCompleted.Add(ctx, 1)
	}
	if m.sessionDuration != nil {
		m.sessionDuration.Record(ctx, elapsed.Seconds())
	}
}

func (m *managerMetrics) chunkCaptured(ctx context.Context, size int) {
	if m == nil {
		return
	}
	if m.chunksCaptured != nil {
		m.chunksCaptured.Add(ctx, 1)
	}
	if m.chunkBytes != nil {
		m.chunkBytes.Add(ctx, int64(size))
	}
}

func (m *managerMetrics) transcriptionFailed(ctx context.Context) {
	if m == nil || m.transcribeFailed == nil {
		return
	}
	m.transcribeFailed.Add(ctx, 1)
}
