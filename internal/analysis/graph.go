package analysis

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/cmplx"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/dictalabs/dicta/internal/capture"
	"github.com/dictalabs/dicta/internal/config"
)

var (
	ErrNotInitialized = errors.New("analysis graph not initialized")
	ErrLoopRunning    = errors.New("visualization loop already running")
)

// Subscription receives the latest time-domain sample buffer once per render
// frame. The buffer is freshly allocated each frame, so retaining it is safe
// but unnecessary.
type Subscription func(samples []float32)

// Graph owns the persistent DSP context and analyser node. The context and
// node are created once and reused for every session; only the per-stream
// source link is recreated. Cleanup is the sole operation that ends their
// lifetime and is meant for full subsystem teardown.
type Graph struct {
	cfg config.AnalysisConfig
	log *slog.Logger

	mu   sync.Mutex
	dsp  *dspContext
	node *analyserNode
	link *sourceLink

	callback   Subscription
	vizCancel  chan struct{}
	vizDone    sync.WaitGroup
	vizRunning bool
}

func NewGraph(cfg config.AnalysisConfig, log *slog.Logger) *Graph {
	return &Graph{
		cfg: cfg,
		log: log.With(slog.String("component", "analysis")),
	}
}

// Init is idempotent: it creates the context if absent, resumes it if
// suspended, and creates the analyser node if absent. Each step fails
// independently; state that already exists survives for a retry.
func (g *Graph) Init() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.dsp == nil {
		dsp, err := newDSPContext(g.cfg.WindowSize)
		if err != nil {
			return fmt.Errorf("create analysis context: %w", err)
		}
		g.dsp = dsp
		g.log.Info("analysis context created", slog.Int("window_size", g.cfg.WindowSize))
	}

	if err := g.dsp.resume(); err != nil {
		return fmt.Errorf("resume analysis context: %w", err)
	}

	if g.node == nil {
		node, err := newAnalyserNode(g.cfg)
		if err != nil {
			return fmt.Errorf("create analyser node: %w", err)
		}
		g.node = node
		g.log.Info("analyser node created",
			slog.Int("bins", node.binCount),
			slog.Float64("smoothing", g.cfg.SmoothingTimeConstant))
	}

	return nil
}

// ConnectStream builds a fresh source link from the stream into the analyser
// node. Links are per-stream and never reused across sessions.
func (g *Graph) ConnectStream(stream *capture.InputStream) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.dsp == nil || g.node == nil {
		return ErrNotInitialized
	}
	if g.link != nil {
		g.link.close()
	}
	g.link = newSourceLink(stream, g.node)
	return nil
}

// Subscribe registers the visualization callback. A nil callback clears it.
func (g *Graph) Subscribe(cb Subscription) {
	g.mu.Lock()
	g.callback = cb
	g.mu.Unlock()
}

// StartVisualization begins the render loop. Each iteration samples the
// analyser's current time-domain buffer and hands it to the subscription.
// Fails when no node exists or a loop is already running.
func (g *Graph) StartVisualization() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.node == nil {
		return ErrNotInitialized
	}
	if g.vizRunning {
		return ErrLoopRunning
	}

	cancel := make(chan struct{})
	g.vizCancel = cancel
	g.vizRunning = true
	g.vizDone.Add(1)

	interval := time.Second / time.Duration(g.cfg.FrameRate)
	go g.renderLoop(cancel, interval)
	return nil
}

// StopVisualization cancels the render loop. Idempotent.
func (g *Graph) StopVisualization() {
	g.mu.Lock()
	if !g.vizRunning {
		g.mu.Unlock()
		return
	}
	close(g.vizCancel)
	g.vizCancel = nil
	g.vizRunning = false
	g.mu.Unlock()
	g.vizDone.Wait()
}

func (g *Graph) renderLoop(cancel <-chan struct{}, interval time.Duration) {
	defer g.vizDone.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			samples := g.TimeDomainData()
			if samples == nil {
				continue
			}
			g.mu.Lock()
			cb := g.callback
			g.mu.Unlock()
			if cb != nil {
				cb(samples)
			}
		}
	}
}

// TimeDomainData returns the most recent samples in a freshly allocated
// buffer of frequency-bin-count length, or nil when no node exists. A new
// buffer per call keeps earlier callback consumers safe from overwrites.
func (g *Graph) TimeDomainData() []float32 {
	g.mu.Lock()
	node := g.node
	g.mu.Unlock()
	if node == nil {
		return nil
	}
	buf := make([]float32, node.binCount)
	node.timeDomain(buf)
	return buf
}

// FrequencyData returns smoothed magnitudes in decibels, clamped to the
// configured range, or nil when no node exists.
func (g *Graph) FrequencyData() []float32 {
	g.mu.Lock()
	dsp := g.dsp
	node := g.node
	g.mu.Unlock()
	if dsp == nil || node == nil {
		return nil
	}
	buf := make([]float32, node.binCount)
	node.frequency(dsp.fft, buf)
	return buf
}

// Cleanup stops visualization and discards the persistent context and node.
// Call only on full subsystem teardown, never between sessions.
func (g *Graph) Cleanup() {
	g.StopVisualization()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.link != nil {
		g.link.close()
		g.link = nil
	}
	g.node = nil
	if g.dsp != nil {
		g.dsp.close()
		g.dsp = nil
		g.log.Info("analysis context closed")
	}
}

type contextState int

const (
	stateSuspended contextState = iota
	stateRunning
	stateClosed
)

// dspContext is the persistent processing context. Platforms cap how many of
// these can exist, so it is created lazily and reused across sessions.
type dspContext struct {
	fft   *fourier.FFT
	state contextState
}

func newDSPContext(windowSize int) (*dspContext, error) {
	if windowSize <= 0 {
		return nil, fmt.Errorf("invalid window size %d", windowSize)
	}
	return &dspContext{
		fft:   fourier.NewFFT(windowSize),
		state: stateSuspended,
	}, nil
}

func (c *dspContext) resume() error {
	if c.state == stateClosed {
		return errors.New("context is closed")
	}
	c.state = stateRunning
	return nil
}

func (c *dspContext) close() {
	c.state = stateClosed
	c.fft = nil
}

// analyserNode keeps a ring of the latest window of normalized samples plus
// the smoothed magnitude state for frequency readouts.
type analyserNode struct {
	windowSize int
	binCount   int
	smoothing  float64
	minDB      float64
	maxDB      float64

	mu       sync.Mutex
	ring     []float32
	pos      int
	smoothed []float64
}

func newAnalyserNode(cfg config.AnalysisConfig) (*analyserNode, error) {
	if cfg.WindowSize < 2 {
		return nil, fmt.Errorf("window size %d too small", cfg.WindowSize)
	}
	return &analyserNode{
		windowSize: cfg.WindowSize,
		binCount:   cfg.WindowSize / 2,
		smoothing:  cfg.SmoothingTimeConstant,
		minDB:      cfg.MinDecibels,
		maxDB:      cfg.MaxDecibels,
		ring:       make([]float32, cfg.WindowSize),
		smoothed:   make([]float64, cfg.WindowSize/2),
	}, nil
}

// write folds an s16le PCM frame into the sample ring.
func (n *analyserNode) write(frame []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := 0; i+1 < len(frame); i += 2 {
		sample := int16(frame[i]) | int16(frame[i+1])<<8
		n.ring[n.pos] = float32(sample) / 32768
		n.pos = (n.pos + 1) % n.windowSize
	}
}

// timeDomain copies the most recent len(dst) samples, oldest first.
func (n *analyserNode) timeDomain(dst []float32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	start := n.pos - len(dst)
	for i := range dst {
		dst[i] = n.ring[((start+i)%n.windowSize+n.windowSize)%n.windowSize]
	}
}

func (n *analyserNode) frequency(fft *fourier.FFT, dst []float32) {
	n.mu.Lock()
	defer n.mu.Unlock()

	window := make([]float64, n.windowSize)
	for i := 0; i < n.windowSize; i++ {
		window[i] = float64(n.ring[(n.pos+i)%n.windowSize])
	}
	coeffs := fft.Coefficients(nil, window)

	for k := 0; k < len(dst) && k < len(coeffs); k++ {
		magnitude := cmplx.Abs(coeffs[k]) / float64(n.windowSize)
		n.smoothed[k] = n.smoothing*n.smoothed[k] + (1-n.smoothing)*magnitude
		db := 20 * math.Log10(n.smoothed[k]+1e-12)
		if db < n.minDB {
			db = n.minDB
		}
		if db > n.maxDB {
			db = n.maxDB
		}
		dst[k] = float32(db)
	}
}

// sourceLink drains a stream's frames into the analyser node until the
// stream closes or the link is torn down.
type sourceLink struct {
	cancel chan struct{}
	done   sync.WaitGroup
}

func newSourceLink(stream *capture.InputStream, node *analyserNode) *sourceLink {
	l := &sourceLink{cancel: make(chan struct{})}
	frames := stream.Frames()
	l.done.Add(1)
	go func() {
		defer l.done.Done()
		for {
			select {
			case <-l.cancel:
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}
				node.write(frame)
			}
		}
	}()
	return l
}

func (l *sourceLink) close() {
	select {
	case <-l.cancel:
	default:
		close(l.cancel)
	}
	l.done.Wait()
}
