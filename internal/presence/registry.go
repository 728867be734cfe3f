package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-companion/internal/bus"
	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// StatusFunc reports what a device is doing right now.
type StatusFunc func() (state, displayText string)

// Peer is a device seen on the bus, this one included.
type Peer struct {
	ID           string    `json:"id"`
	Capabilities []string  `json:"capabilities,omitempty"`
	State        string    `json:"state"`
	DisplayText  string    `json:"display_text"`
	LastSeen     time.Time `json:"last_seen"`
	Healthy      bool      `json:"healthy"`
}

// Registry announces this device, heartbeats its state and tracks every other device it hears.
type Registry struct {
	cfg          config.PresenceConfig
	capabilities []string
	status       StatusFunc
	log          *slog.Logger
	bus          *bus.Client
	mu           sync.RWMutex
	peers        map[string]*Peer
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	subs         []*nats.Subscription
	meter        metric.Meter
	clock        func() time.Time
}

func NewRegistry(ctx context.Context, cfg config.PresenceConfig, capabilities []string, status StatusFunc, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:          cfg,
		capabilities: capabilities,
		status:       status,
		log:          log.With(slog.String("component", "presence")),
		bus:          busClient,
		peers:        make(map[string]*Peer),
		meter:        otel.Meter("github.com/loqalabs/loqa-companion/presence"),
		cancel:       cancel,
		clock:        time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	if err := r.publish(protocol.SubjectPresenceAnnounce); err != nil {
		r.log.Warn("failed to announce device", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.run(ctx)

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectPresenceAnnounce, r.handlePresence)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.PresenceSubject("*"), r.handlePresence)
	if err != nil {
		_ = announceSub.Drain()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.IntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publish(protocol.PresenceSubject(r.cfg.DeviceID)); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth()
		}
	}
}

// Heartbeat publishes the current state immediately instead of waiting for the next tick.
func (r *Registry) Heartbeat() error {
	return r.publish(protocol.PresenceSubject(r.cfg.DeviceID))
}

func (r *Registry) publish(subject string) error {
	msg := protocol.Presence{
		DeviceID:     r.cfg.DeviceID,
		Capabilities: r.capabilities,
		Timestamp:    r.clock().UTC(),
	}
	if r.status != nil {
		msg.State, msg.DisplayText = r.status()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(subject, payload)
}

func (r *Registry) handlePresence(msg *nats.Msg) {
	var p protocol.Presence
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		r.log.Warn("invalid presence message", slog.String("error", err.Error()))
		return
	}
	if p.DeviceID == "" {
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = r.clock().UTC()
	}
	r.update(p)
}

func (r *Registry) update(p protocol.Presence) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[p.DeviceID]
	if !ok {
		peer = &Peer{ID: p.DeviceID}
		r.peers[p.DeviceID] = peer
		if p.DeviceID != r.cfg.DeviceID {
			r.log.Info("device joined", slog.String("device_id", p.DeviceID))
		}
	}
	if len(p.Capabilities) > 0 {
		peer.Capabilities = p.Capabilities
	}
	peer.State = p.State
	peer.DisplayText = p.DisplayText
	peer.LastSeen = p.Timestamp
	peer.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.TimeoutMS) * time.Millisecond
	now := r.clock()
	for _, peer := range r.peers {
		if peer.Healthy && now.Sub(peer.LastSeen) > timeout {
			peer.Healthy = false
			r.log.Info("device went quiet", slog.String("device_id", peer.ID))
		}
	}
}

// Healthy reports whether this device hears its own heartbeats.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[r.cfg.DeviceID]
	if !ok {
		return false
	}
	return peer.Healthy
}

// Peer returns the last known presence of id.
func (r *Registry) Peer(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *peer, true
}

func (r *Registry) Query(filter func(Peer) bool) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Peer
	for _, peer := range r.peers {
		p := *peer
		if filter == nil || filter(p) {
			results = append(results, p)
		}
	}
	slices.SortFunc(results, func(a, b Peer) int { return strings.Compare(a.ID, b.ID) })
	return results
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	peers, err := r.meter.Int64ObservableGauge("companion.presence.devices", metric.WithDescription("Number of known devices"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("companion.presence.healthy", metric.WithDescription("Devices heard within the timeout"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, live := r.snapshotCounts()
		obs.ObserveInt64(peers, total)
		obs.ObserveInt64(healthy, live)
		return nil
	}, peers, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, live int64
	for _, peer := range r.peers {
		total++
		if peer.Healthy {
			live++
		}
	}
	return total, live
}

func WithCapability(name string) func(Peer) bool {
	return func(p Peer) bool {
		return slices.Contains(p.Capabilities, name)
	}
}

func Healthy(p Peer) bool { return p.Healthy }
