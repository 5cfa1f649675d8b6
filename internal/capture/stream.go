package capture

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Constraints are passed to the platform audio-input acquisition call.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Format describes the PCM frames a stream delivers.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Track is one stoppable constituent of an input stream. Stopping every
// track releases the underlying device.
type Track struct {
	id      string
	stopped atomic.Bool
	stop    func()
}

func (t *Track) ID() string {
	return t.id
}

// Stop halts the track. Safe to call more than once.
func (t *Track) Stop() {
	if t.stopped.CompareAndSwap(false, true) {
		if t.stop != nil {
			t.stop()
		}
	}
}

func (t *Track) Stopped() bool {
	return t.stopped.Load()
}

// InputStream is an exclusively held handle to a live audio source. Frames
// arriving from the device are fanned out to every registered consumer, so
// the analysis tap and the recorder each see the full signal.
type InputStream struct {
	id     string
	format Format
	tracks []*Track

	mu     sync.Mutex
	sinks  []chan []byte
	closed bool
}

func newInputStream(format Format, source <-chan []byte, stopDevice func()) *InputStream {
	s := &InputStream{
		id:     uuid.NewString(),
		format: format,
	}
	track := &Track{id: s.id + "/audio", stop: stopDevice}
	s.tracks = []*Track{track}
	go s.pump(source)
	return s
}

func (s *InputStream) ID() string {
	return s.id
}

func (s *InputStream) Format() Format {
	return s.format
}

func (s *InputStream) Tracks() []*Track {
	return s.tracks
}

// Frames registers a new consumer and returns its frame channel. The channel
// is closed when the device side of the stream closes. Frames are dropped
// for consumers that fall behind; they never block the device callback.
func (s *InputStream) Frames() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan []byte, 64)
	if s.closed {
		close(ch)
		return ch
	}
	s.sinks = append(s.sinks, ch)
	return ch
}

// Live reports whether the device side is still delivering frames.
func (s *InputStream) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *InputStream) pump(source <-chan []byte) {
	for frame := range source {
		s.mu.Lock()
		for _, sink := range s.sinks {
			select {
			case sink <- frame:
			default:
			}
		}
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.closed = true
	for _, sink := range s.sinks {
		close(sink)
	}
	s.sinks = nil
	s.mu.Unlock()
}
