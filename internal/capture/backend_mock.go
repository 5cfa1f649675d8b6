package capture

import (
	"context"
	"math"
	"sync"
	"time"
)

// MockBackend synthesizes a sine tone at a fixed frame cadence. It backs the
// `mock` capture mode and the package tests, where no real device exists.
type MockBackend struct {
	// OpenErr, when set, makes every Open call fail with it.
	OpenErr error
	// FrameInterval defaults to 10ms.
	FrameInterval time.Duration
	// Tone frequency in Hz; defaults to 440.
	Tone float64

	mu     sync.Mutex
	opened int
}

func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

// Opened reports how many streams this backend has handed out.
func (b *MockBackend) Opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

func (b *MockBackend) Open(ctx context.Context, _ Constraints, format Format) (*InputStream, error) {
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	b.mu.Lock()
	b.opened++
	b.mu.Unlock()

	interval := b.FrameInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	tone := b.Tone
	if tone == 0 {
		tone = 440
	}

	frames := make(chan []byte, 64)
	done := make(chan struct{})
	go synthesize(frames, done, format, interval, tone)

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() { close(done) })
	}
	return newInputStream(format, frames, stop), nil
}

// synthesize writes s16le sine frames until done closes, then closes the
// frame channel to signal end of stream.
func synthesize(frames chan<- []byte, done <-chan struct{}, format Format, interval time.Duration, tone float64) {
	defer close(frames)

	samplesPerFrame := format.SampleRate * int(interval/time.Millisecond) / 1000
	if samplesPerFrame <= 0 {
		samplesPerFrame = 1
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var phase float64
	step := 2 * math.Pi * tone / float64(format.SampleRate)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			buf := make([]byte, samplesPerFrame*format.Channels*2)
			for i := 0; i < samplesPerFrame; i++ {
				sample := int16(math.Sin(phase) * 0.5 * math.MaxInt16)
				phase += step
				for c := 0; c < format.Channels; c++ {
					off := (i*format.Channels + c) * 2
					buf[off] = byte(sample)
					buf[off+1] = byte(sample >> 8)
				}
			}
			select {
			case frames <- buf:
			case <-done:
				return
			}
		}
	}
}
