// Package pipewire implements the "pipe" wire: an in-process transport
// like the memory wire, except that the client is built around an
// existing connection. The server side (Hub) exposes Connect(id),
// which attaches one end of a fresh channel.Pair to the Room named id
// and returns the other end; the matching client is simply handed that
// connection.
package pipewire

import (
	"context"
	"fmt"
	"sync"

	"github.com/webitel/syncfabric/internal/domain/channel"
	"github.com/webitel/syncfabric/internal/room"
	"github.com/webitel/syncfabric/internal/wireregistry"
)

// ClientOptions is the pipe wire's client-side configuration: the
// connection handed back by a prior Hub.Connect(id).
type ClientOptions struct {
	Connection channel.Channel
}

// Hub mints connected channel pairs keyed by id, handing the Room end
// to a Room and the client end to whoever calls Connect.
type Hub struct {
	mu    sync.Mutex
	rooms *room.Manager
}

// NewHub builds a pipe Hub attaching its Room ends through rooms.
func NewHub(rooms *room.Manager) *Hub {
	return &Hub{rooms: rooms}
}

// Connect creates a new pair, attaches one end to the Room named id,
// and returns the other end as the client-side connection.
func (h *Hub) Connect(id string) channel.Channel {
	a, b := channel.NewPair()
	h.mu.Lock()
	rooms := h.rooms
	h.mu.Unlock()
	rooms.GetOrCreate(id).Attach(a)
	return b
}

// Close tears down every room this hub has fed.
func (h *Hub) Close() error {
	h.rooms.Close()
	return nil
}

func clientFactory(_ context.Context, opts any) (channel.Channel, error) {
	o, ok := opts.(ClientOptions)
	if !ok {
		return nil, fmt.Errorf("pipewire: expected ClientOptions, got %T", opts)
	}
	if o.Connection == nil {
		return nil, fmt.Errorf("pipewire: ClientOptions.Connection is required")
	}
	return o.Connection, nil
}

func serverFactory(_ context.Context, _ any, rooms *room.Manager) (wireregistry.Server, error) {
	return NewHub(rooms), nil
}

func init() {
	wireregistry.Register("pipe", clientFactory, serverFactory)
}
