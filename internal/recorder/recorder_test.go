package recorder

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dictalabs/dicta/internal/capture"
	"github.com/dictalabs/dicta/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func acquireTestStream(t *testing.T) *capture.InputStream {
	t.Helper()
	cfg := config.Default().Capture
	cfg.Backend = "mock"
	acq := capture.NewAcquirer(capture.NewMockBackend(), cfg, newLogger())
	stream, err := acq.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire stream: %v", err)
	}
	t.Cleanup(func() { acq.Release(stream) })
	return stream
}

func TestTimesliceDeliversChunks(t *testing.T) {
	stream := acquireTestStream(t)
	rec := New(config.Default().Recorder, newLogger())

	var chunkCalls atomic.Int64
	handle := rec.Create(stream, Callbacks{
		OnChunk: func(chunk []byte) {
			if len(chunk) == 0 {
				t.Error("expected non-empty chunk")
			}
			chunkCalls.Add(1)
		},
	})
	if handle.ChunkCount() != 0 {
		t.Fatal("expected empty chunk list at creation")
	}

	if err := rec.Start(handle); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(350 * time.Millisecond)
	rec.Stop(handle)

	if got := handle.ChunkCount(); got < 3 {
		t.Fatalf("expected at least 3 chunks after 350ms, got %d", got)
	}
	if chunkCalls.Load() != int64(handle.ChunkCount()) {
		t.Fatalf("expected OnChunk per chunk, got %d calls for %d chunks",
			chunkCalls.Load(), handle.ChunkCount())
	}
	if rec.Active() != nil {
		t.Fatal("expected active reference discarded on stop")
	}
}

func TestImmediateStopStillFlushesData(t *testing.T) {
	stream := acquireTestStream(t)
	rec := New(config.Default().Recorder, newLogger())
	handle := rec.Create(stream, Callbacks{})

	if err := rec.Start(handle); err != nil {
		t.Fatalf("start: %v", err)
	}
	// one delivery interval is enough to guarantee data
	time.Sleep(110 * time.Millisecond)
	rec.Stop(handle)

	blob := handle.AssembleBlob()
	if len(blob.Data) == 0 {
		t.Fatal("expected non-empty blob after a single timeslice")
	}
}

func TestAssembleBlobPreservesArrivalOrder(t *testing.T) {
	stream := acquireTestStream(t)
	rec := New(config.Default().Recorder, newLogger())
	handle := rec.Create(stream, Callbacks{})

	handle.appendChunk([]byte{1, 2})
	handle.appendChunk([]byte{3})
	handle.appendChunk([]byte{4, 5, 6})

	blob := handle.AssembleBlob()
	if !bytes.Equal(blob.Data, []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("unexpected blob data: %v", blob.Data)
	}
	if blob.Container != "audio/wav" {
		t.Fatalf("unexpected container: %q", blob.Container)
	}
}

func TestStartRejectsSecondSession(t *testing.T) {
	stream := acquireTestStream(t)
	rec := New(config.Default().Recorder, newLogger())

	first := rec.Create(stream, Callbacks{})
	if err := rec.Start(first); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { rec.Stop(first) })

	second := rec.Create(stream, Callbacks{})
	if err := rec.Start(second); err == nil {
		t.Fatal("expected error starting second session")
	}
}

func TestStopUnknownHandleIsNoOp(t *testing.T) {
	stream := acquireTestStream(t)
	rec := New(config.Default().Recorder, newLogger())
	handle := rec.Create(stream, Callbacks{})
	rec.Stop(handle)
	rec.Stop(handle)
}

func TestEncodeWAV(t *testing.T) {
	pcm := make([]byte, 3200) // 100ms of 16kHz mono s16le
	blob := Blob{
		Data:      pcm,
		Container: "audio/wav",
		Format:    capture.Format{SampleRate: 16000, Channels: 1, BitDepth: 16},
	}
	out, err := EncodeWAV(blob)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(out) <= 44 {
		t.Fatalf("expected wav header plus data, got %d bytes", len(out))
	}
	if !bytes.Equal(out[:4], []byte("RIFF")) || !bytes.Equal(out[8:12], []byte("WAVE")) {
		t.Fatal("expected RIFF/WAVE header")
	}
}

func TestEncodeWAVRejectsUnalignedPCM(t *testing.T) {
	blob := Blob{
		Data:   []byte{1, 2, 3},
		Format: capture.Format{SampleRate: 16000, Channels: 1, BitDepth: 16},
	}
	if _, err := EncodeWAV(blob); err == nil {
		t.Fatal("expected error for unaligned pcm")
	}
}
