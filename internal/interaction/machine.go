package interaction

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-companion/internal/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const maxRejections = 64

// Change describes one applied state change.
type Change struct {
	From   State
	To     State
	Forced bool
	At     time.Time
}

// Rejection records a transition request that was refused.
type Rejection struct {
	From State
	To   State
	At   time.Time
}

// Machine is the single source of truth for the voice interaction state. Transitions are
// serialized and never block.
type Machine struct {
	mu         sync.Mutex
	current    State
	rejections []Rejection
	rejected   uint64
	subs       []*stream.Queue[Change]
	log        *slog.Logger
	clock      func() time.Time

	rejectCounter     metric.Int64Counter
	transitionCounter metric.Int64Counter
}

func NewMachine(logger *slog.Logger) *Machine {
	m := &Machine{
		current: Disconnected{},
		log:     logger.With(slog.String("component", "interaction")),
		clock:   time.Now,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-companion/interaction")
	if c, err := meter.Int64Counter("companion.state.rejected", metric.WithDescription("Rejected state transition requests")); err == nil {
		m.rejectCounter = c
	}
	if c, err := meter.Int64Counter("companion.state.transitions", metric.WithDescription("Applied state transitions")); err == nil {
		m.transitionCounter = c
	}
	return m
}

// Current returns the active state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition applies next when the edge is legal and reports whether it did.
func (m *Machine) Transition(next State) bool {
	m.mu.Lock()
	from := m.current
	if !Allowed(from, next) {
		rej := Rejection{From: from, To: next, At: m.clock()}
		m.rejected++
		m.rejections = append(m.rejections, rej)
		if len(m.rejections) > maxRejections {
			m.rejections = m.rejections[len(m.rejections)-maxRejections:]
		}
		m.mu.Unlock()

		m.log.Warn("rejected state transition",
			slog.String("from", Describe(from)),
			slog.String("to", Describe(next)))
		m.count(m.rejectCounter, from, next)
		return false
	}
	m.apply(from, next, false)
	return true
}

// ForceTransition applies next unconditionally. Reserved for failures outside the normal
// protocol, such as the transport dropping.
func (m *Machine) ForceTransition(next State) {
	if next == nil {
		return
	}
	m.mu.Lock()
	from := m.current
	m.apply(from, next, true)
	m.log.Info("forced state transition",
		slog.String("from", Describe(from)),
		slog.String("to", Describe(next)))
}

// apply must be called with m.mu held; it releases the lock.
func (m *Machine) apply(from, next State, forced bool) {
	m.current = next
	change := Change{From: from, To: next, Forced: forced, At: m.clock()}
	for _, sub := range m.subs {
		sub.Push(change)
	}
	m.mu.Unlock()

	if from.Kind() != next.Kind() {
		m.log.Debug("state transition",
			slog.String("from", Describe(from)),
			slog.String("to", Describe(next)))
	}
	m.count(m.transitionCounter, from, next)
}

func (m *Machine) count(c metric.Int64Counter, from, to State) {
	if c == nil {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", from.Kind().String()),
		attribute.String("to", to.Kind().String()),
	))
}

// Subscribe returns an ordered feed of applied changes, starting after the call.
func (m *Machine) Subscribe() <-chan Change {
	q := stream.NewQueue[Change]()
	m.mu.Lock()
	m.subs = append(m.subs, q)
	m.mu.Unlock()
	return q.C()
}

// Close ends every subscription feed.
func (m *Machine) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// Rejections returns the most recent refused requests, oldest first.
func (m *Machine) Rejections() []Rejection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Rejection(nil), m.rejections...)
}

// RejectedCount returns the total number of refused requests.
func (m *Machine) RejectedCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected
}

func (m *Machine) IsConnected() bool          { return IsConnected(m.Current()) }
func (m *Machine) CanStartRecording() bool    { return CanStartRecording(m.Current()) }
func (m *Machine) IsRecording() bool          { return m.Current().Kind() == KindRecording }
func (m *Machine) IsProcessing() bool         { return m.Current().Kind() == KindProcessing }
func (m *Machine) IsPlaying() bool            { return m.Current().Kind() == KindPlaying }
func (m *Machine) HasActiveInteraction() bool { return HasActiveInteraction(m.Current()) }
func (m *Machine) CanCancel() bool            { return CanCancel(m.Current()) }
func (m *Machine) DisplayText() string        { return DisplayText(m.Current()) }
func (m *Machine) ErrorMessage() string       { return ErrorMessage(m.Current()) }
func (m *Machine) SessionID() string          { return SessionOf(m.Current()) }
