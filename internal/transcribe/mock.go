package transcribe

import (
	"context"
	"fmt"

	"github.com/dictalabs/dicta/internal/recorder"
)

type mockTranscriber struct {
	text string
}

// NewMockTranscriber echoes a fixed string, or a byte-count summary when
// text is empty.
func NewMockTranscriber(text string) Transcriber {
	return &mockTranscriber{text: text}
}

func (m *mockTranscriber) Transcribe(_ context.Context, blob recorder.Blob) (string, error) {
	if m.text != "" {
		return m.text, nil
	}
	return fmt.Sprintf("[transcript of %d audio bytes]", len(blob.Data)), nil
}
