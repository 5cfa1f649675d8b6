package runtime

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"
)

type vizFrame struct {
	Samples   []float32 `json:"samples"`
	RMS       float64   `json:"rms"`
	Peak      float64   `json:"peak"`
	Timestamp time.Time `json:"timestamp"`
}

// vizHub fans render-loop frames out to SSE subscribers. Slow subscribers
// miss frames rather than stall the loop.
type vizHub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func newVizHub() *vizHub {
	return &vizHub{subs: make(map[chan []byte]struct{})}
}

func (h *vizHub) broadcast(samples []float32) {
	rms, peak := levelOf(samples)
	payload, err := json.Marshal(vizFrame{
		Samples:   samples,
		RMS:       rms,
		Peak:      peak,
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- payload:
		default:
		}
	}
}

func (h *vizHub) subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// serveSSE streams visualization frames as server-sent events until the
// client disconnects.
func (h *vizHub) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	frames, cancel := h.subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload := <-frames:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// levelOf computes RMS and peak amplitude over normalized samples.
func levelOf(samples []float32) (rms, peak float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return math.Sqrt(sum / float64(len(samples))), peak
}
