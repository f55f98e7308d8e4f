package room

import (
	"context"
	"log/slog"
	"sync"

	"github.com/webitel/syncfabric/internal/domain/document"
	"github.com/webitel/syncfabric/internal/observability"
)

// Factory builds the Room for a freshly-requested room id. The default
// factory constructs a plain Room with an empty document; a server
// wiring mesh federation overrides it to return a Room whose document
// is also driven by an upstream Provider.
type Factory func(id string) *Room

// DefaultFactory returns a Factory producing a bare Room per id, with
// metrics attached if m is non-nil.
func DefaultFactory(logger *slog.Logger, m *observability.Metrics) Factory {
	return func(id string) *Room {
		if m == nil {
			return New(id, document.NewCRDTDoc(), logger)
		}
		return New(id, document.NewCRDTDoc(), logger, WithMetrics(m))
	}
}

// Manager maps room ids to Rooms, creating them lazily on the first
// GetOrCreate for an id and evicting them once their last peer
// detaches. A room that never has a peer attached is not evicted.
type Manager struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	factory Factory
	metrics *observability.Metrics
}

// NewManager builds a Manager using factory to construct new rooms.
// metrics may be nil.
func NewManager(factory Factory, metrics *observability.Metrics) *Manager {
	return &Manager{
		rooms:   make(map[string]*Room),
		factory: factory,
		metrics: metrics,
	}
}

// GetOrCreate returns the Room for id, constructing it via the
// manager's factory if this is the first reference to id.
func (m *Manager) GetOrCreate(id string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[id]; ok {
		return r
	}

	r := m.factory(id)
	m.rooms[id] = r
	r.SetOnEmpty(func() { m.evictIfEmpty(id, r) })
	if m.metrics != nil {
		m.metrics.RoomsActive.Add(context.Background(), 1)
	}
	return r
}

func (m *Manager) evictIfEmpty(id string, r *Room) {
	m.mu.Lock()
	current, ok := m.rooms[id]
	evict := ok && current == r && r.PeerCount() == 0
	if evict {
		delete(m.rooms, id)
	}
	m.mu.Unlock()

	if evict {
		// Stops the room's fan-out goroutine (startFanout's Document
		// subscription) now that no peer can ever observe it again; Close
		// on an already-peerless room is otherwise a no-op. Run it on its
		// own goroutine: evictIfEmpty is reached from Detach inside the
		// last session goroutine, which Close's errgroup Wait includes,
		// so a synchronous Close here would wait on its own caller.
		go r.Close()
		if m.metrics != nil {
			m.metrics.RoomsActive.Add(context.Background(), -1)
		}
	}
}

// Len reports how many rooms the manager currently holds, including
// rooms that have been created but have no peer attached yet.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Snapshot returns a point-in-time copy of the id-to-Room mapping, for
// status endpoints and operator tooling.
func (m *Manager) Snapshot() map[string]*Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Room, len(m.rooms))
	for id, r := range m.rooms {
		out[id] = r
	}
	return out
}

// Close tears down every active room.
func (m *Manager) Close() {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()
	for _, r := range rooms {
		r.Close()
	}
}
