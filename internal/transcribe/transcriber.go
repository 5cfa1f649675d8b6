package transcribe

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dictalabs/dicta/internal/config"
	"github.com/dictalabs/dicta/internal/recorder"
)

// Transcriber converts a finished audio blob into text. Implementations
// report failures as errors; nothing is retried here, retry is the caller's
// decision.
type Transcriber interface {
	Transcribe(ctx context.Context, blob recorder.Blob) (string, error)
}

// New builds the transcriber selected by config.
func New(cfg config.TranscriptionConfig, log *slog.Logger) (Transcriber, error) {
	switch cfg.Mode {
	case "http":
		return NewHTTPTranscriber(cfg, log), nil
	case "exec":
		return NewExecTranscriber(cfg)
	case "mock":
		return NewMockTranscriber(""), nil
	default:
		return nil, fmt.Errorf("unknown transcription mode %q", cfg.Mode)
	}
}
