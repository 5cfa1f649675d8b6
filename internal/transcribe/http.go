package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/dictalabs/dicta/internal/config"
	"github.com/dictalabs/dicta/internal/recorder"
)

// httpTranscriber posts the audio blob to a remote transcription endpoint as
// multipart form data under the `file` field; the response body is the
// transcript text.
type httpTranscriber struct {
	endpoint string
	apiKey   string
	client   *http.Client
	log      *slog.Logger
}

func NewHTTPTranscriber(cfg config.TranscriptionConfig, log *slog.Logger) Transcriber {
	return &httpTranscriber{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
		log: log.With(slog.String("component", "transcribe")),
	}
}

func (t *httpTranscriber) Transcribe(ctx context.Context, blob recorder.Blob) (string, error) {
	payload, contentType, err := buildMultipart(blob)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, payload)
	if err != nil {
		return "", fmt.Errorf("create transcription request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	started := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read transcription response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("transcription endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	t.log.Info("transcription completed",
		slog.Int("audio_bytes", len(blob.Data)),
		slog.Duration("latency", time.Since(started)))
	return strings.TrimSpace(string(body)), nil
}

func buildMultipart(blob recorder.Blob) (io.Reader, string, error) {
	upload := blob.Data
	filename := "session.bin"
	// Raw PCM is wrapped in a WAV container before upload; anything already
	// containerized goes out as-is.
	if blob.Container == "" || blob.Container == "audio/wav" || blob.Container == "audio/pcm" {
		wavData, err := recorder.EncodeWAV(blob)
		if err != nil {
			return nil, "", fmt.Errorf("encode wav for upload: %w", err)
		}
		upload = wavData
		filename = "session.wav"
	} else if ext, ok := strings.CutPrefix(blob.Container, "audio/"); ok {
		filename = "session." + ext
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(upload); err != nil {
		return nil, "", fmt.Errorf("write audio payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}
