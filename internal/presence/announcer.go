package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/dictalabs/dicta/internal/bus"
	"github.com/dictalabs/dicta/internal/config"
	"github.com/dictalabs/dicta/internal/protocol"
)

// NodeInfo is what this node knows about a peer capture node.
type NodeInfo struct {
	ID       string
	State    string
	LastSeen time.Time
	Healthy  bool
}

// StateFunc supplies the node's current pipeline state for heartbeats.
type StateFunc func() string

// Announcer publishes periodic heartbeats for this capture node and tracks
// the heartbeats of peers, so dashboards can see which nodes are live and
// whether they are recording.
type Announcer struct {
	cfg   config.NodeConfig
	log   *slog.Logger
	bus   *bus.Client
	state StateFunc

	mu        sync.RWMutex
	nodes     map[string]*NodeInfo
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	sub       *nats.Subscription
	meter     metric.Meter
	nodeGauge metric.Int64ObservableGauge
}

func NewAnnouncer(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, state StateFunc, log *slog.Logger) (*Announcer, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &Announcer{
		cfg:    cfg,
		log:    log.With(slog.String("component", "presence")),
		bus:    busClient,
		state:  state,
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/dictalabs/dicta/presence"),
		cancel: cancel,
	}

	if err := a.initMetrics(); err != nil {
		a.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := a.subscribe(); err != nil {
		a.cancel()
		return nil, err
	}

	interval := time.Duration(cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	a.heartbeat = time.NewTicker(interval)
	go a.run(ctx)

	if err := a.publishHeartbeat(); err != nil {
		a.log.Warn("failed to publish initial heartbeat", slog.String("error", err.Error()))
	}

	return a, nil
}

func (a *Announcer) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.heartbeat != nil {
		a.heartbeat.Stop()
	}
	if a.sub != nil {
		_ = a.sub.Drain()
	}
}

func (a *Announcer) subscribe() error {
	sub, err := a.bus.Conn().Subscribe(protocol.SubjectNodeHeartbeat+".*", a.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	a.sub = sub
	return nil
}

func (a *Announcer) run(ctx context.Context) {
	health := time.NewTicker(time.Second)
	defer health.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.heartbeat.C:
			if err := a.publishHeartbeat(); err != nil {
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			a.evaluateHealth()
		}
	}
}

func (a *Announcer) publishHeartbeat() error {
	hb := protocol.Heartbeat{
		NodeID:    a.cfg.ID,
		State:     a.state(),
		Timestamp: time.Now().UTC(),
	}
	subject := fmt.Sprintf("%s.%s", protocol.SubjectNodeHeartbeat, a.cfg.ID)
	if err := a.bus.PublishJSON(subject, hb); err != nil {
		return err
	}
	a.updateNode(hb.NodeID, hb.State, hb.Timestamp)
	return nil
}

func (a *Announcer) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		a.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	a.updateNode(hb.NodeID, hb.State, hb.Timestamp)
}

func (a *Announcer) updateNode(nodeID, state string, timestamp time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	node, ok := a.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		a.nodes[nodeID] = node
	}
	node.State = state
	node.LastSeen = timestamp
	node.Healthy = true
}

func (a *Announcer) evaluateHealth() {
	a.mu.Lock()
	defer a.mu.Unlock()

	timeout := 3 * time.Duration(a.cfg.HeartbeatInterval) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	now := time.Now()
	for _, node := range a.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node's own heartbeat is current.
func (a *Announcer) Healthy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	node, ok := a.nodes[a.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns a snapshot of all known capture nodes.
func (a *Announcer) Nodes() []NodeInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]NodeInfo, 0, len(a.nodes))
	for _, node := range a.nodes {
		out = append(out, *node)
	}
	return out
}

func (a *Announcer) initMetrics() error {
	gauge, err := a.meter.Int64ObservableGauge("dicta.presence.nodes",
		metric.WithDescription("Number of known capture nodes"))
	if err != nil {
		return err
	}
	a.nodeGauge = gauge
	_, err = a.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		a.mu.RLock()
		count := int64(len(a.nodes))
		a.mu.RUnlock()
		obs.ObserveInt64(gauge, count)
		return nil
	}, gauge)
	return err
}
